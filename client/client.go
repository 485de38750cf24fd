package client

import (
	"context"
	"sync"

	"github.com/hunyxv/utils/spinlock"
	"github.com/hunyxv/zion"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCallInFlight 同一个客户端同时只能有一个调用
	ErrCallInFlight = errors.New("zion-cli: a call is already in flight")
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("zion-cli: client is closed")
)

// Client 按服务接口描述调用远端服务。
// 请求带 correlation id，响应按其与当前等待的调用匹配，其余响应记录后丢弃
type Client struct {
	iface  *zion.ServiceInterface
	sock   *zion.Socket
	opts   *options
	logger zion.Logger

	awaiting *call
	err      error
	lock     sync.Locker

	cancel context.CancelFunc
	done   chan struct{}
}

// New sock 必须是已 Connect 的 client 角色 Socket，Client 关闭时一并关闭
func New(iface *zion.ServiceInterface, sock *zion.Socket, opts ...Option) (*Client, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	if role := sock.Channel().Role(); role != zion.RoleClient {
		return nil, errors.Errorf("zion-cli: socket role must be client, got %s", role)
	}

	o := newOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		iface:  iface,
		sock:   sock,
		opts:   o,
		logger: o.Logger.WithField("service", iface.Name),
		lock:   spinlock.NewSpinLock(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.recvLoop(ctx)
	return c, nil
}

// Dial 在 node 上解析服务名，打开 client 通道并连接
func Dial(ctx context.Context, node *zion.Node, iface *zion.ServiceInterface, opts ...Option) (*Client, error) {
	name, err := node.Lookup(ctx, iface.Name)
	if err != nil {
		return nil, errors.WithMessagef(err, "lookup %s", iface.Name)
	}
	sock, err := node.Channel(ctx, zion.RoleClient)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(ctx, name); err != nil {
		sock.Close()
		return nil, err
	}
	c, err := New(iface, sock, opts...)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

// Interface 服务接口描述
func (c *Client) Interface() *zion.ServiceInterface { return c.iface }

// Err 客户端不可用的原因（通道关闭等），可用时为 nil
func (c *Client) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

func (c *Client) recvLoop(ctx context.Context) {
	defer close(c.done)
	for {
		d, err := c.sock.RecvDelivery(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		c.MessageReceived(d)
	}
}

// MessageReceived 用响应完成正在等待的调用
func (c *Client) MessageReceived(d *zion.Delivery) {
	c.lock.Lock()
	cl := c.awaiting
	if cl == nil || (d.CorrelationID != "" && d.CorrelationID != cl.correlationID) {
		c.lock.Unlock()
		zion.ObserveDropped(zion.DropUnsolicited)
		c.logger.WithFields(logrus.Fields{
			"correlation_id": d.CorrelationID,
			"message_id":     d.MessageID,
		}).Warnf("client: stray reply dropped")
		return
	}
	c.awaiting = nil
	cl.resolve(d, nil)
	c.lock.Unlock()
}

func (c *Client) fail(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.err == nil {
		c.err = err
	}
	if c.awaiting != nil {
		c.awaiting.resolve(nil, err)
		c.awaiting = nil
	}
}

func (c *Client) clear(cl *call) {
	c.lock.Lock()
	if c.awaiting == cl {
		c.awaiting = nil
	}
	c.lock.Unlock()
}

// Command 返回名为 name 的操作
func (c *Client) Command(name string) (*Command, error) {
	op, ok := c.iface.Operation(name)
	if !ok {
		return nil, errors.WithMessagef(zion.ErrUnknownMethod, "%s.%s", c.iface.Name, name)
	}
	return &Command{client: c, op: op}, nil
}

// Commands 接口中的全部操作
func (c *Client) Commands() []*Command {
	cmds := make([]*Command, len(c.iface.Operations))
	for i := range c.iface.Operations {
		cmds[i] = &Command{client: c, op: &c.iface.Operations[i]}
	}
	return cmds
}

// Call 调用 name，args 依次填入位置参数，可选参数取默认值
func (c *Client) Call(ctx context.Context, name string, args ...any) (any, error) {
	cmd, err := c.Command(name)
	if err != nil {
		return nil, err
	}
	return cmd.Call(ctx, args...)
}

// CallInto 调用 name 并把结果解码到 dst，解码失败返回 *zion.DecodeError
func (c *Client) CallInto(ctx context.Context, name string, dst any, args ...any) error {
	result, err := c.Call(ctx, name, args...)
	if err != nil {
		return err
	}
	return decodeResult(c.opts.Registry, result, dst)
}

func decodeResult(reg *zion.ObjectRegistry, result any, dst any) error {
	if err := reg.DecodeValue(result, dst); err != nil {
		zion.ObserveCall(zion.SideClient, zion.OutcomeDecodeError)
		return &zion.DecodeError{Err: err}
	}
	return nil
}

// invoke 发送请求并等待响应。已有调用在等待时立即返回 ErrCallInFlight
func (c *Client) invoke(ctx context.Context, method string, args []any) (any, error) {
	cl := newCall(method)
	c.lock.Lock()
	if c.err != nil {
		err := c.err
		c.lock.Unlock()
		return nil, err
	}
	if c.awaiting != nil {
		c.lock.Unlock()
		zion.ObserveCall(zion.SideClient, zion.OutcomeInFlight)
		return nil, ErrCallInFlight
	}
	c.awaiting = cl
	c.lock.Unlock()
	defer c.clear(cl)

	req := zion.NewRequest(method, args...)
	msg := &zion.Publishing{
		ContentType:   c.opts.Codec.ContentType(),
		CorrelationID: cl.correlationID,
	}
	ctx, span := zion.StartClientSpan(ctx, method, msg)
	rep, outcome, err := c.roundTrip(ctx, cl, req, msg)
	zion.EndSpan(span, err)
	zion.ObserveCall(zion.SideClient, outcome)
	for _, h := range c.opts.AfterCall {
		h(ctx, req, rep, err)
	}
	if err != nil {
		return nil, err
	}
	return rep.Result, nil
}

func (c *Client) roundTrip(ctx context.Context, cl *call, req *zion.Envelope, msg *zion.Publishing) (*zion.Envelope, string, error) {
	body, err := zion.EncodeEnvelope(c.opts.Codec, c.opts.Registry, req)
	if err != nil {
		return nil, zion.OutcomeTransport, errors.WithMessage(err, "encode request")
	}
	msg.Body = body
	for _, h := range c.opts.BeforeCall {
		h(ctx, req, msg)
	}
	if err := c.sock.SendMessage(zion.Name{}, msg); err != nil {
		return nil, zion.OutcomeTransport, err
	}

	d, err := cl.wait(ctx)
	if err != nil {
		return nil, zion.OutcomeTransport, err
	}
	rep, err := decodeReply(c.opts.Registry, d)
	if err != nil {
		return nil, zion.OutcomeDecodeError, err
	}
	if rep.Kind == zion.KindError {
		if rep.Error == nil {
			rep.Error = &zion.RemoteError{Code: zion.RemoteServerError}
		}
		return rep, zion.OutcomeRemoteError, rep.Error
	}
	return rep, zion.OutcomeOK, nil
}

func decodeReply(reg *zion.ObjectRegistry, d *zion.Delivery) (*zion.Envelope, error) {
	codec, err := zion.CodecFor(d.ContentType)
	if err != nil {
		return nil, &zion.DecodeError{Err: err}
	}
	rep, err := zion.DecodeEnvelope(codec, reg, d.Body)
	if err != nil {
		return nil, &zion.DecodeError{Err: err}
	}
	if rep.Kind == zion.KindRequest {
		return nil, &zion.DecodeError{Err: errors.New("unexpected request envelope")}
	}
	return rep, nil
}

// Close 关闭底层通道，正在等待的调用返回 ErrClosed
func (c *Client) Close() error {
	c.cancel()
	err := c.sock.Close()
	<-c.done
	return err
}

// Command 接口中的一个操作
type Command struct {
	client *Client
	op     *zion.Operation
}

func (cmd *Command) Name() string { return cmd.op.Name }

func (cmd *Command) Doc() string { return cmd.op.Doc }

// Call args 依次填入位置参数，其余位置取默认值
func (cmd *Command) Call(ctx context.Context, args ...any) (any, error) {
	return cmd.CallWith(ctx, args, nil)
}

// CallWith args 依次填入位置参数，kwargs 按参数名填入其余位置
func (cmd *Command) CallWith(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	full, err := cmd.op.BuildArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	return cmd.client.invoke(ctx, cmd.op.Name, full)
}
