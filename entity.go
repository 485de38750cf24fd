package zion

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Entity RPC 服务端：按方法名分发请求，结果经 accepted 连接回发给请求方。
// 应用层错误（未知方法、handler 返回错误或 panic）编码为 error 信封，不会影响监听通道
type Entity struct {
	handlers map[string]Handler
	registry *ObjectRegistry
	before   []ServerBeforeCall
	after    []ServerAfterCall
	pool     *ants.Pool
	logger   Logger
	lock     sync.RWMutex
}

// NewEntity 工作池大小由 WithPoolSize 设置（默认无限大）
func NewEntity(opts ...Option) (*Entity, error) {
	o := newOptions(opts...)
	pool, err := ants.NewPool(o.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Entity{
		handlers: make(map[string]Handler),
		registry: o.Registry,
		before:   o.BeforeCall,
		after:    o.AfterCall,
		pool:     pool,
		logger:   o.Logger.WithField("component", "entity"),
	}, nil
}

// Handle 注册方法，同名覆盖
func (e *Entity) Handle(name string, h Handler) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.handlers[name] = h
}

// RegisterService 通过反射注册 svc 的全部导出方法，方法名首字母小写，Hello -> hello
func (e *Entity) RegisterService(svc any) error {
	methods, err := parseMethods(svc)
	if err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	for _, m := range methods {
		e.handlers[m.name] = m.handler()
	}
	return nil
}

// Methods 已注册的方法名
func (e *Entity) Methods() []string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAndServe 在 node 上打开 listener 通道，绑定到 name 并开始服务，直到 ctx 结束或通道关闭。
// opts 作用于 listener 通道，例如 WithExchangeKind
func (e *Entity) ListenAndServe(ctx context.Context, node *Node, name Name, opts ...Option) error {
	listener, err := node.Channel(ctx, RoleListener, opts...)
	if err != nil {
		return err
	}
	defer listener.Close()

	if err := listener.Bind(ctx, name); err != nil {
		return err
	}
	if err := listener.Listen(ctx); err != nil {
		return err
	}
	e.logger.WithField("name", name.String()).Infof("entity: serving")
	return e.Serve(ctx, listener)
}

// Serve 循环 Accept，每个请求在工作池中处理；工作池满载时直接回复 Unavailable
func (e *Entity) Serve(ctx context.Context, listener *Socket) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		d, err := conn.RecvDelivery(ctx)
		if err != nil {
			conn.Close()
			return err
		}

		err = e.pool.Submit(func() {
			defer conn.Close()
			e.MessageReceived(ctx, conn, d)
		})
		if err != nil {
			e.logger.WithError(err).Warnf("entity: submit task")
			codec, cerr := CodecFor(d.ContentType)
			if cerr != nil {
				codec = JSONCodec
			}
			e.reply(conn, d, codec, NewErrorResponse(RemoteUnavailable, err.Error()))
			ObserveCall(SideServer, OutcomeRemoteError)
			conn.Close()
		}
	}
}

// MessageReceived 处理一个请求：解码、执行钩子和 handler、用请求的编码回复
func (e *Entity) MessageReceived(ctx context.Context, sock *Socket, d *Delivery) {
	codec, err := CodecFor(d.ContentType)
	if err != nil {
		e.reject(sock, d, JSONCodec, err)
		return
	}
	req, err := DecodeEnvelope(codec, e.registry, d.Body)
	if err == nil && req.Kind != KindRequest {
		err = errors.Errorf("zion: unexpected %s envelope", req.Kind)
	}
	if err != nil {
		e.reject(sock, d, codec, err)
		return
	}

	ctx, span := StartServerSpan(ctx, req.Method, d)
	result, err := e.dispatch(ctx, req, d)
	EndSpan(span, err)

	logger := e.logger.WithFields(logrus.Fields{
		"method":         req.Method,
		"correlation_id": d.CorrelationID,
	})
	rep := NewResponse(result)
	outcome := OutcomeOK
	if err != nil {
		logger.WithError(err).Debugf("entity: call failed")
		rep = errorEnvelope(err)
		outcome = OutcomeRemoteError
	}
	if err := e.reply(sock, d, codec, rep); err != nil {
		outcome = OutcomeTransport
	}
	ObserveCall(SideServer, outcome)
}

func (e *Entity) dispatch(ctx context.Context, req *Envelope, d *Delivery) (any, error) {
	inv := &Invocation{
		Method:   req.Method,
		Args:     NewArgs(e.registry, req.Args...),
		Delivery: d,
	}
	if err := runBeforeCall(ctx, e.before, inv); err != nil {
		var re *RemoteError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, &RemoteError{Code: RemoteForbidden, Message: err.Error()}
	}

	e.lock.RLock()
	h, ok := e.handlers[req.Method]
	e.lock.RUnlock()
	if !ok {
		return nil, &RemoteError{Code: RemoteNotFound, Message: errors.WithMessage(ErrUnknownMethod, req.Method).Error()}
	}

	result, err := e.invoke(ctx, h, inv)
	runAfterCall(ctx, e.after, inv, result, err)
	return result, err
}

func (e *Entity) invoke(ctx context.Context, h Handler, inv *Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(fmt.Errorf("%+v", r))
			e.logger.WithField("method", inv.Method).Errorf("[panic]: %+v", err)
		}
	}()
	return h(ctx, inv.Args)
}

// reject 请求无法解码
func (e *Entity) reject(sock *Socket, d *Delivery, codec Codec, err error) {
	e.logger.WithError(err).WithField("message_id", d.MessageID).Warnf("entity: bad request")
	e.reply(sock, d, codec, NewErrorResponse(RemoteBadRequest, err.Error()))
	ObserveCall(SideServer, OutcomeDecodeError)
}

func (e *Entity) reply(sock *Socket, d *Delivery, codec Codec, rep *Envelope) error {
	body, err := EncodeEnvelope(codec, e.registry, rep)
	if err != nil {
		// 结果无法编码时改为回复错误
		e.logger.WithError(err).Errorf("entity: encode reply")
		body, err = EncodeEnvelope(codec, e.registry, NewErrorResponse(RemoteServerError, err.Error()))
		if err != nil {
			return err
		}
	}
	err = sock.SendMessage(Name{}, &Publishing{
		ContentType:   codec.ContentType(),
		CorrelationID: d.CorrelationID,
		Body:          body,
	})
	if err != nil {
		e.logger.WithError(err).Warnf("entity: send reply")
	}
	return err
}

func errorEnvelope(err error) *Envelope {
	var re *RemoteError
	if errors.As(err, &re) {
		return &Envelope{Kind: KindError, Error: re}
	}
	return NewErrorResponse(RemoteServerError, err.Error())
}

// Close 释放工作池
func (e *Entity) Close() {
	e.pool.Release()
}
