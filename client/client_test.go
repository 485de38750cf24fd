package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hunyxv/zion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func (*user) TypeName() string { return "User" }

type helloService struct{}

func (helloService) Hello(text string) (string, error) {
	return "BACK:" + text, nil
}

func (helloService) Greet(ctx context.Context, name, greeting string) (string, error) {
	return greeting + ", " + name, nil
}

func (helloService) Fail(ctx context.Context) error {
	return errors.New("boom")
}

func (helloService) Echo(u *user) (*user, error) {
	return u, nil
}

func helloInterface() *zion.ServiceInterface {
	return &zion.ServiceInterface{
		Name: "hello",
		Operations: []zion.Operation{
			{Name: "hello", Positional: []string{"text"}, Required: []string{"text"}},
			{
				Name:       "greet",
				Positional: []string{"name", "greeting"},
				Required:   []string{"name"},
				Optional:   map[string]any{"greeting": "hi"},
			},
			{Name: "fail"},
			{Name: "echo", Positional: []string{"user"}, Required: []string{"user"}},
			{Name: "block"},
			{Name: "missing"},
		},
	}
}

type testServer struct {
	broker  *zion.MemoryBroker
	node    *zion.Node
	release chan struct{}
	reg     *zion.ObjectRegistry
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startServer 在内存代理上启动 hello 服务，返回客户端使用的 node
func startServer(t *testing.T) *testServer {
	t.Helper()
	reg := zion.NewObjectRegistry()
	require.NoError(t, reg.Register((*user)(nil)))

	s := &testServer{
		broker:  zion.NewMemoryBroker(nil),
		release: make(chan struct{}),
		reg:     reg,
	}
	serverNode := zion.NewNode(s.broker.Dial())
	entity, err := zion.NewEntity(zion.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, entity.RegisterService(helloService{}))
	entity.Handle("block", func(ctx context.Context, args zion.Args) (any, error) {
		<-s.release
		return "done", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := serverNode.Channel(ctx, zion.RoleListener)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(ctx, zion.NewName(zion.DefaultExchange, "hello")))
	require.NoError(t, listener.Listen(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		entity.Serve(ctx, listener)
	}()

	s.node = zion.NewNode(s.broker.Dial())
	t.Cleanup(func() {
		cancel()
		<-done
		s.node.Close()
		serverNode.Close()
		entity.Close()
	})
	return s
}

func (s *testServer) dial(t *testing.T) *Client {
	t.Helper()
	cli, err := Dial(testContext(t), s.node, helloInterface(), WithRegistry(s.reg))
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestHello(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)

	result, err := cli.Call(testContext(t), "hello", "text")
	require.NoError(t, err)
	require.Equal(t, "BACK:text", result)
}

func TestHelloMsgpack(t *testing.T) {
	s := startServer(t)
	cli, err := Dial(testContext(t), s.node, helloInterface(), WithRegistry(s.reg), WithCodec(zion.MsgpackCodec))
	require.NoError(t, err)
	defer cli.Close()

	result, err := cli.Call(testContext(t), "hello", "packed")
	require.NoError(t, err)
	require.Equal(t, "BACK:packed", result)
}

func TestOptionalArguments(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)
	ctx := testContext(t)

	result, err := cli.Call(ctx, "greet", "ada")
	require.NoError(t, err)
	require.Equal(t, "hi, ada", result)

	cmd, err := cli.Command("greet")
	require.NoError(t, err)
	result, err = cmd.CallWith(ctx, []any{"ada"}, map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello, ada", result)

	// 参数个数在发送前校验
	_, err = cli.Call(ctx, "greet")
	require.ErrorIs(t, err, zion.ErrInvalidArguments)
	_, err = cli.Call(ctx, "hello", "a", "b")
	require.ErrorIs(t, err, zion.ErrInvalidArguments)
	_, err = cli.Call(ctx, "nope")
	require.ErrorIs(t, err, zion.ErrUnknownMethod)
}

func TestSecondCallFailsWhileInFlight(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		result, err := cli.Call(ctx, "block")
		if err == nil && result != "done" {
			err = errors.New("unexpected result")
		}
		errc <- err
	}()
	require.Eventually(t, func() bool {
		cli.lock.Lock()
		defer cli.lock.Unlock()
		return cli.awaiting != nil
	}, 5*time.Second, time.Millisecond)

	_, err := cli.Call(ctx, "hello", "x")
	require.ErrorIs(t, err, ErrCallInFlight)

	close(s.release)
	require.NoError(t, <-errc)

	result, err := cli.Call(ctx, "hello", "again")
	require.NoError(t, err)
	require.Equal(t, "BACK:again", result)
}

func TestLateReplyIsNotDeliveredToNextCall(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cli.Call(short, "block")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 迟到的 "done" 响应带着旧的 correlation id，会被丢弃
	close(s.release)
	for i := 0; i < 3; i++ {
		result, err := cli.Call(testContext(t), "hello", "fresh")
		require.NoError(t, err)
		require.Equal(t, "BACK:fresh", result)
	}
}

func TestRemoteErrors(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)
	ctx := testContext(t)

	_, err := cli.Call(ctx, "missing")
	var re *zion.RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, zion.RemoteNotFound, re.Code)

	_, err = cli.Call(ctx, "fail")
	require.True(t, errors.As(err, &re))
	require.Equal(t, zion.RemoteServerError, re.Code)
	require.Contains(t, re.Message, "boom")

	// 远端错误之后客户端仍可用
	result, err := cli.Call(ctx, "hello", "ok")
	require.NoError(t, err)
	require.Equal(t, "BACK:ok", result)
}

func TestCallIntoDecodeError(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)
	ctx := testContext(t)

	var n int
	err := cli.CallInto(ctx, "hello", &n, "x")
	var de *zion.DecodeError
	require.True(t, errors.As(err, &de))

	var text string
	require.NoError(t, cli.CallInto(ctx, "hello", &text, "x"))
	require.Equal(t, "BACK:x", text)
}

func TestDomainObjectCall(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)

	in := &user{Name: "ada", Age: 36}
	var out *user
	require.NoError(t, cli.CallInto(testContext(t), "echo", &out, in))
	require.Equal(t, in, out)
}

func TestDecorate(t *testing.T) {
	s := startServer(t)
	cli := s.dial(t)
	ctx := testContext(t)

	var proxy struct {
		Hello func(ctx context.Context, text string) (string, error)
		Greet func(ctx context.Context, name string) (string, error)
		Fail  func(ctx context.Context) error
		Echo  func(ctx context.Context, u *user) (*user, error) `zion:"echo"`
	}
	require.NoError(t, cli.Decorate(&proxy))

	text, err := proxy.Hello(ctx, "text")
	require.NoError(t, err)
	require.Equal(t, "BACK:text", text)

	text, err = proxy.Greet(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "hi, bob", text)

	require.Error(t, proxy.Fail(ctx))

	u, err := proxy.Echo(ctx, &user{Name: "eve"})
	require.NoError(t, err)
	require.Equal(t, "eve", u.Name)

	var bad struct {
		Hello func(text string) (string, error)
	}
	require.ErrorIs(t, cli.Decorate(&bad), ErrInvalidParamType)

	var unknown struct {
		Nope func(ctx context.Context) error
	}
	require.ErrorIs(t, cli.Decorate(&unknown), zion.ErrUnknownMethod)
}

func TestCloseFailsPendingCall(t *testing.T) {
	s := startServer(t)
	cli, err := Dial(testContext(t), s.node, helloInterface())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := cli.Call(context.Background(), "block")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		cli.lock.Lock()
		defer cli.lock.Unlock()
		return cli.awaiting != nil
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, cli.Close())
	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed")
	}
	_, err = cli.Call(testContext(t), "hello", "x")
	require.Error(t, err)
	close(s.release)
}

func TestPoolConcurrentCalls(t *testing.T) {
	s := startServer(t)
	pool, err := NewPool(s.node, helloInterface(), WithRegistry(s.reg), WithPoolSize(3), WithPoolTimeout(5*time.Second))
	require.NoError(t, err)
	defer pool.Close()

	ctx := testContext(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := pool.Call(ctx, "hello", "pooled")
			assert.NoError(t, err)
			assert.Equal(t, "BACK:pooled", result)
		}()
	}
	wg.Wait()
	require.Greater(t, pool.Len(), 0)
	require.Greater(t, pool.IdleLen(), 0)

	var proxy struct {
		Hello func(ctx context.Context, text string) (string, error)
	}
	require.NoError(t, pool.Decorate(&proxy))
	text, err := proxy.Hello(ctx, "proxy")
	require.NoError(t, err)
	require.Equal(t, "BACK:proxy", text)

	require.NoError(t, pool.Close())
	_, err = pool.Call(ctx, "hello", "x")
	require.ErrorIs(t, err, ErrPoolClosed)
}
