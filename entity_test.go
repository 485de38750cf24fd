package zion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mathService struct{}

func (mathService) Add(a, b int) (int, error) { return a + b, nil }

func (mathService) Div(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, &RemoteError{Code: RemoteBadRequest, Message: "division by zero"}
	}
	return a / b, nil
}

func (mathService) Reset() error { return nil }

// serveEntity 在内存代理上为 e 提供 "math" 服务，返回已连接的 client 角色 Socket
func serveEntity(t *testing.T, e *Entity) *Socket {
	t.Helper()
	broker, node := newTestNode(t)
	ctx, cancel := context.WithCancel(context.Background())

	listener := openSocket(t, node, RoleListener)
	require.NoError(t, listener.Bind(testContext(t), NewName(DefaultExchange, "math")))
	require.NoError(t, listener.Listen(testContext(t)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(ctx, listener)
	}()

	peer := NewNode(broker.Dial())
	sock := openSocket(t, peer, RoleClient)
	require.NoError(t, sock.Connect(testContext(t), NewName(DefaultExchange, "math")))
	t.Cleanup(func() {
		cancel()
		<-done
		peer.Close()
		e.Close()
	})
	return sock
}

func roundTrip(t *testing.T, sock *Socket, contentType string, body []byte) (*Delivery, *Envelope) {
	t.Helper()
	cid := NewCorrelationID()
	require.NoError(t, sock.SendMessage(Name{}, &Publishing{
		ContentType:   contentType,
		CorrelationID: cid,
		Body:          body,
	}))
	d, err := sock.RecvDelivery(testContext(t))
	require.NoError(t, err)
	require.Equal(t, cid, d.CorrelationID)

	codec, err := CodecFor(d.ContentType)
	require.NoError(t, err)
	rep, err := DecodeEnvelope(codec, DefaultRegistry, d.Body)
	require.NoError(t, err)
	return d, rep
}

func callEntity(t *testing.T, sock *Socket, codec Codec, method string, args ...any) *Envelope {
	t.Helper()
	body, err := EncodeEnvelope(codec, DefaultRegistry, NewRequest(method, args...))
	require.NoError(t, err)
	_, rep := roundTrip(t, sock, codec.ContentType(), body)
	return rep
}

func newMathEntity(t *testing.T, opts ...Option) *Entity {
	t.Helper()
	e, err := NewEntity(opts...)
	require.NoError(t, err)
	require.NoError(t, e.RegisterService(mathService{}))
	return e
}

func TestEntityDispatch(t *testing.T) {
	e := newMathEntity(t)
	e.Handle("echo", func(ctx context.Context, args Args) (any, error) {
		return args.Values(), nil
	})
	require.Equal(t, []string{"add", "div", "echo", "reset"}, e.Methods())
	sock := serveEntity(t, e)

	for _, codec := range []Codec{JSONCodec, MsgpackCodec} {
		rep := callEntity(t, sock, codec, "add", 2, 3)
		require.Equal(t, KindResponse, rep.Kind)
		var sum int
		require.NoError(t, DefaultRegistry.DecodeValue(rep.Result, &sum))
		require.Equal(t, 5, sum, codec.ContentType())

		rep = callEntity(t, sock, codec, "reset")
		require.Equal(t, KindResponse, rep.Kind)
		require.Nil(t, rep.Result)

		rep = callEntity(t, sock, codec, "echo", "a", "b")
		var echoed []string
		require.NoError(t, DefaultRegistry.DecodeValue(rep.Result, &echoed))
		require.Equal(t, []string{"a", "b"}, echoed)
	}
}

func TestEntityListenAndServeOwnExchange(t *testing.T) {
	broker, node := newTestNode(t)
	e := newMathEntity(t)
	defer e.Close()

	name := NewName("math.rpc", "math")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.ListenAndServe(ctx, node, name, WithExchangeKind(Direct)) }()
	require.Eventually(t, func() bool {
		_, consumers, ok := broker.QueueInfo("math")
		return ok && consumers == 1
	}, time.Second, 10*time.Millisecond)

	peer := NewNode(broker.Dial())
	defer peer.Close()
	sock := openSocket(t, peer, RoleClient)
	require.NoError(t, sock.Connect(testContext(t), name))

	rep := callEntity(t, sock, JSONCodec, "add", 1, 2)
	require.Equal(t, KindResponse, rep.Kind)
	var sum int
	require.NoError(t, DefaultRegistry.DecodeValue(rep.Result, &sum))
	require.Equal(t, 3, sum)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEntityErrors(t *testing.T) {
	e := newMathEntity(t)
	e.Handle("panic", func(ctx context.Context, args Args) (any, error) {
		panic("kaboom")
	})
	e.Handle("fail", func(ctx context.Context, args Args) (any, error) {
		return nil, errors.New("failed")
	})
	sock := serveEntity(t, e)

	cases := []struct {
		method string
		args   []any
		code   string
	}{
		{"missing", nil, RemoteNotFound},
		{"panic", nil, RemoteServerError},
		{"fail", nil, RemoteServerError},
		{"div", []any{1, 0}, RemoteBadRequest},
		{"add", []any{1}, RemoteBadRequest},
		{"add", []any{"x", 1}, RemoteBadRequest},
	}
	for _, c := range cases {
		rep := callEntity(t, sock, JSONCodec, c.method, c.args...)
		require.Equal(t, KindError, rep.Kind, c.method)
		require.NotNil(t, rep.Error, c.method)
		require.Equal(t, c.code, rep.Error.Code, c.method)
	}

	// 出错之后服务仍然可用
	rep := callEntity(t, sock, JSONCodec, "add", 1, 1)
	require.Equal(t, KindResponse, rep.Kind)
}

func TestEntityBadPayload(t *testing.T) {
	sock := serveEntity(t, newMathEntity(t))

	d, rep := roundTrip(t, sock, ContentTypeJSON, []byte("{not json"))
	require.Equal(t, ContentTypeJSON, d.ContentType)
	require.Equal(t, KindError, rep.Kind)
	require.Equal(t, RemoteBadRequest, rep.Error.Code)

	_, rep = roundTrip(t, sock, "text/plain", []byte("hello"))
	require.Equal(t, RemoteBadRequest, rep.Error.Code)

	body, err := EncodeEnvelope(JSONCodec, DefaultRegistry, NewResponse(1))
	require.NoError(t, err)
	_, rep = roundTrip(t, sock, ContentTypeJSON, body)
	require.Equal(t, RemoteBadRequest, rep.Error.Code)
}

func TestEntityHooks(t *testing.T) {
	var after int32
	e := newMathEntity(t,
		WithServerBeforeCall(func(ctx context.Context, inv *Invocation) error {
			if inv.Method == "reset" {
				return errors.New("not allowed")
			}
			if inv.Method == "div" && inv.Header("x-token") == "" {
				return &RemoteError{Code: RemoteBadRequest, Message: "token required"}
			}
			return nil
		}),
		WithServerAfterCall(func(ctx context.Context, inv *Invocation, result any, err error) {
			atomic.AddInt32(&after, 1)
		}),
	)
	sock := serveEntity(t, e)

	rep := callEntity(t, sock, JSONCodec, "reset")
	require.Equal(t, RemoteForbidden, rep.Error.Code)

	rep = callEntity(t, sock, JSONCodec, "div", 4, 2)
	require.Equal(t, RemoteBadRequest, rep.Error.Code)
	require.Equal(t, "token required", rep.Error.Message)

	rep = callEntity(t, sock, JSONCodec, "add", 4, 2)
	require.Equal(t, KindResponse, rep.Kind)
	require.Equal(t, int32(1), atomic.LoadInt32(&after))
}

func TestParseMethodsRejectsBadSignatures(t *testing.T) {
	_, err := parseMethods(nil)
	require.ErrorIs(t, err, ErrInvalidService)
	_, err = parseMethods(struct{}{})
	require.ErrorIs(t, err, ErrInvalidService)
	_, err = parseMethods(noErrorService{})
	require.ErrorIs(t, err, ErrInvalidService)
	_, err = parseMethods(variadicService{})
	require.ErrorIs(t, err, ErrInvalidService)

	methods, err := parseMethods(mathService{})
	require.NoError(t, err)
	require.Len(t, methods, 3)
}

type noErrorService struct{}

func (noErrorService) Get() int { return 1 }

type variadicService struct{}

func (variadicService) Sum(xs ...int) (int, error) { return len(xs), nil }
