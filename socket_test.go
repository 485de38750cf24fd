package zion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestNode(t *testing.T, opts ...Option) (*MemoryBroker, *Node) {
	t.Helper()
	broker := NewMemoryBroker(nil)
	node := NewNode(broker.Dial(), opts...)
	t.Cleanup(func() { node.Close() })
	return broker, node
}

func openSocket(t *testing.T, node *Node, role Role) *Socket {
	t.Helper()
	sock, err := node.Channel(testContext(t), role)
	require.NoError(t, err)
	return sock
}

func TestBindListenRecvExactlyOnce(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)

	names := []Name{
		{Exchange: AmqDirect, Key: "foo"},
		{Exchange: AmqTopic, Key: "events.user"},
		{Exchange: DefaultExchange, Key: "plain"},
	}
	for _, name := range names {
		recv := openSocket(t, node, RolePointToPoint)
		require.NoError(t, recv.Bind(ctx, name))
		require.NoError(t, recv.Listen(ctx))

		send := openSocket(t, node, RolePointToPoint)
		require.NoError(t, send.Connect(ctx, name))
		payload := []byte{0x00, 0xff, 'h', 'i', 0x7f}
		require.NoError(t, send.Send(payload))

		got, err := recv.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, payload, got, name.String())

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, err = recv.Recv(short)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)

		recv.Close()
		send.Close()
	}
}

func TestAcceptFirstRecv(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)
	name := NewName("x", "foo")

	// 交换机需先存在
	sock := openSocket(t, node, RoleListener)
	declareExchange(t, node, "x", Direct)
	require.NoError(t, sock.Bind(ctx, name))
	require.NoError(t, sock.Listen(ctx))

	client := openSocket(t, node, RoleClient)
	require.NoError(t, client.Connect(ctx, name))
	require.NoError(t, client.Send([]byte("payload")))

	conn, err := sock.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, RoleAccepted, conn.Channel().Role())
	require.Equal(t, client.Channel().Name(), conn.Channel().Peer())

	got, err := conn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	require.NoError(t, conn.Send([]byte("reply")))
	reply, err := client.RecvDelivery(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), reply.Body)
	require.Equal(t, MessageTypeRR, reply.Type)
}

func TestAcceptedIsolation(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)
	name := NewName(AmqDirect, "echo")

	server := openSocket(t, node, RoleListener)
	require.NoError(t, server.Bind(ctx, name))
	require.NoError(t, server.Listen(ctx))

	go func() {
		for {
			conn, err := server.Accept(ctx)
			if err != nil {
				return
			}
			body, err := conn.Recv(ctx)
			if err != nil {
				return
			}
			conn.Send(append([]byte("re:"), body...))
			conn.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, msg := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		client := openSocket(t, node, RoleClient)
		go func(client *Socket, msg string) {
			defer wg.Done()
			if !assert.NoError(t, client.Connect(ctx, name)) {
				return
			}
			assert.NoError(t, client.Send([]byte(msg)))
			got, err := client.Recv(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "re:"+msg, string(got))
		}(client, msg)
	}
	wg.Wait()
}

func TestListenBeforeBind(t *testing.T) {
	broker := NewMemoryBroker(nil)
	conn := broker.Dial()
	defer conn.Close()

	tr := &countingTransport{Transport: openTransport(t, conn)}
	sock := NewSocket(NewChannel(tr, RoleListener, nil))

	err := sock.Listen(testContext(t))
	require.ErrorIs(t, err, ErrNotBound)
	require.True(t, IsProtocolError(err))
	require.Zero(t, atomic.LoadInt32(&tr.calls))

	_, err = sock.Accept(testContext(t))
	require.ErrorIs(t, err, ErrNotListening)
	require.Zero(t, atomic.LoadInt32(&tr.calls))
}

func TestDoubleBind(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)

	sock := openSocket(t, node, RolePointToPoint)
	require.NoError(t, sock.Bind(ctx, NewName(AmqDirect, "once")))
	err := sock.Bind(ctx, NewName(AmqDirect, "twice"))
	require.ErrorIs(t, err, ErrAlreadyBound)

	client := openSocket(t, node, RoleClient)
	require.NoError(t, client.Connect(ctx, NewName(AmqDirect, "once")))
	require.ErrorIs(t, client.Connect(ctx, NewName(AmqDirect, "once")), ErrAlreadyConnected)
}

func TestRecvRequiresConnected(t *testing.T) {
	_, node := newTestNode(t)
	sock := openSocket(t, node, RoleListener)
	_, err := sock.Recv(testContext(t))
	require.ErrorIs(t, err, ErrNotConnected)

	p2p := openSocket(t, node, RolePointToPoint)
	_, err = p2p.Accept(testContext(t))
	require.ErrorIs(t, err, ErrNotListener)
}

func TestBrokerClosureFailsRecv(t *testing.T) {
	var (
		closedID  uint64
		closedErr atomic.Value
	)
	broker, node := newTestNode(t, WithOnChannelClosed(func(id uint64, role Role, err error) {
		atomic.StoreUint64(&closedID, id)
		closedErr.Store(err)
	}))
	ctx := testContext(t)

	sock := openSocket(t, node, RolePointToPoint)
	require.NoError(t, sock.Bind(ctx, NewName(AmqDirect, "doomed")))
	require.NoError(t, sock.Listen(ctx))
	require.Equal(t, 1, node.Channels())

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Recv(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	broker.CloseAll(320, "CONNECTION_FORCED - broker shutdown")

	select {
	case err := <-errCh:
		var be *BrokerError
		require.True(t, errors.As(err, &be))
		require.Equal(t, 320, be.Code)
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-ctx.Done():
		t.Fatal("recv still blocked after broker closure")
	}

	require.Eventually(t, func() bool { return node.Channels() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return closedErr.Load() != nil }, time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), atomic.LoadUint64(&closedID))
}

func TestBindMissingExchange(t *testing.T) {
	_, node := newTestNode(t)
	sock := openSocket(t, node, RolePointToPoint)

	err := sock.Bind(testContext(t), NewName("nope", "key"))
	var be *BrokerError
	require.True(t, errors.As(err, &be))
	require.Equal(t, CodeNotFound, be.Code)
	require.Eventually(t, sock.Channel().Closed, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return node.Channels() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPubSubFanOut(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)
	name := NewName(AmqTopic, "news")

	subs := []*Socket{openSocket(t, node, RolePubSub), openSocket(t, node, RolePubSub)}
	for _, sub := range subs {
		require.NoError(t, sub.Bind(ctx, name))
		require.NoError(t, sub.Listen(ctx))
	}
	require.NotEqual(t, subs[0].Channel().Queue(), subs[1].Channel().Queue())
	require.Equal(t, name, subs[0].Channel().Name())

	pub := openSocket(t, node, RolePubSub)
	require.NoError(t, pub.Connect(ctx, name))
	require.NoError(t, pub.Send([]byte("a")))
	require.NoError(t, pub.Send([]byte("b")))

	for _, sub := range subs {
		for _, want := range []string{"a", "b"} {
			got, err := sub.Recv(ctx)
			require.NoError(t, err)
			require.Equal(t, want, string(got))
		}
	}
}

func TestBindDeclaresExchange(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)

	recv, err := node.Channel(ctx, RolePointToPoint, WithExchangeKind(Topic))
	require.NoError(t, err)
	require.NoError(t, recv.Bind(ctx, NewName("events", "user.*")))
	require.NoError(t, recv.Listen(ctx))

	send := openSocket(t, node, RolePointToPoint)
	require.NoError(t, send.Connect(ctx, NewName("events", "user.created")))
	require.NoError(t, send.Send([]byte("hi")))
	got, err := recv.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))

	// 同名交换机以不同类型再次声明
	other, err := node.Channel(ctx, RolePointToPoint, WithExchangeKind(Fanout))
	require.NoError(t, err)
	err = other.Bind(ctx, NewName("events", "x"))
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	require.Equal(t, CodePreconditionFail, be.Code)

	// amq.* 不声明
	amq, err := node.Channel(ctx, RolePointToPoint, WithExchangeKind(Fanout))
	require.NoError(t, err)
	require.NoError(t, amq.Bind(ctx, NewName(AmqDirect, "plain")))
}

func TestSocketCloseUnblocksAccept(t *testing.T) {
	_, node := newTestNode(t)
	ctx := testContext(t)

	sock := openSocket(t, node, RoleListener)
	require.NoError(t, sock.Bind(ctx, NewName(AmqDirect, "svc")))
	require.NoError(t, sock.Listen(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Accept(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sock.Close())
	require.ErrorIs(t, <-errCh, ErrChannelClosed)

	require.Eventually(t, func() bool { return node.Channels() == 0 }, time.Second, 10*time.Millisecond)
	// id 被释放后复用
	again := openSocket(t, node, RoleListener)
	require.NotNil(t, again)
	require.Equal(t, 1, node.ids.InUse())
}

func declareExchange(t *testing.T, node *Node, name string, kind ExchangeKind) {
	t.Helper()
	tr := openTransport(t, node.conn)
	defer tr.Close()
	done := make(chan error, 1)
	tr.ExchangeDeclare(name, kind, func(err error) { done <- err })
	require.NoError(t, <-done)
}

func openTransport(t *testing.T, conn Connection) Transport {
	t.Helper()
	res := make(chan openResult, 1)
	conn.Channel(func(tr Transport, err error) { res <- openResult{t: tr, err: err} })
	r := <-res
	require.NoError(t, r.err)
	return r.t
}

type countingTransport struct {
	Transport
	calls int32
}

func (c *countingTransport) QueueDeclare(opts QueueOptions, cb func(string, error)) {
	atomic.AddInt32(&c.calls, 1)
	c.Transport.QueueDeclare(opts, cb)
}

func (c *countingTransport) QueueBind(queue string, name Name, cb func(error)) {
	atomic.AddInt32(&c.calls, 1)
	c.Transport.QueueBind(queue, name, cb)
}

func (c *countingTransport) Consume(queue string, opts ConsumeOptions, deliver func(*Delivery), cb func(string, error)) {
	atomic.AddInt32(&c.calls, 1)
	c.Transport.Consume(queue, opts, deliver, cb)
}

func (c *countingTransport) Publish(name Name, msg *Publishing) error {
	atomic.AddInt32(&c.calls, 1)
	return c.Transport.Publish(name, msg)
}
