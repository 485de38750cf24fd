package zion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		match        bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#.c", "a.b.c", true},
		{"#", "", true},
		{"*", "a.b", false},
		{"a.#.d", "a.b.c.d", true},
		{"a.#.d", "a.b.c", false},
	}
	for _, c := range cases {
		got := topicMatch(splitWords(c.pattern), splitWords(c.key))
		require.Equal(t, c.match, got, "%s ~ %s", c.pattern, c.key)
	}
}

func splitWords(s string) []string {
	if s == "" {
		return []string{""}
	}
	var words []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			words = append(words, s[start:i])
			start = i + 1
		}
	}
	return append(words, s[start:])
}

func declareQueue(t *testing.T, tr Transport, opts QueueOptions) (string, error) {
	t.Helper()
	type result struct {
		queue string
		err   error
	}
	res := make(chan result, 1)
	tr.QueueDeclare(opts, func(q string, err error) { res <- result{q, err} })
	select {
	case r := <-res:
		return r.queue, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("queue.declare not answered")
		return "", nil
	}
}

func consume(t *testing.T, tr Transport, queue string, opts ConsumeOptions) (<-chan *Delivery, string) {
	t.Helper()
	deliveries := make(chan *Delivery, 16)
	res := make(chan error, 1)
	var tag string
	tr.Consume(queue, opts, func(d *Delivery) { deliveries <- d }, func(ctag string, err error) {
		tag = ctag
		res <- err
	})
	require.NoError(t, waitErr(t, res))
	return deliveries, tag
}

func nextDelivery(t *testing.T, deliveries <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestMemoryBrokerExclusiveQueue(t *testing.T) {
	broker := NewMemoryBroker(nil)
	owner := broker.Dial()
	defer owner.Close()
	other := broker.Dial()
	defer other.Close()

	queue, err := declareQueue(t, openTransport(t, owner), QueueOptions{Exclusive: true})
	require.NoError(t, err)
	require.Contains(t, queue, "amq.gen-")

	tr := openTransport(t, other)
	closed := make(chan error, 1)
	tr.NotifyClose(func(err error) { closed <- err })

	_, err = declareQueue(t, tr, QueueOptions{Name: queue})
	var be *BrokerError
	require.True(t, errors.As(err, &be))
	require.Equal(t, CodeResourceLocked, be.Code)
	require.ErrorIs(t, waitErr(t, closed), ErrChannelClosed)

	// 连接关闭后独占队列被删除
	require.NoError(t, owner.Close())
	_, _, ok := broker.QueueInfo(queue)
	require.False(t, ok)
}

func TestMemoryBrokerAckAndRedelivery(t *testing.T) {
	broker := NewMemoryBroker(nil)
	conn := broker.Dial()
	defer conn.Close()

	tr := openTransport(t, conn)
	queue, err := declareQueue(t, tr, QueueOptions{Name: "work", Durable: true})
	require.NoError(t, err)

	deliveries, _ := consume(t, tr, queue, ConsumeOptions{PrefetchCount: 1})
	pub := openTransport(t, conn)
	require.NoError(t, pub.Publish(NewName(DefaultExchange, "work"), &Publishing{Body: []byte("1")}))
	require.NoError(t, pub.Publish(NewName(DefaultExchange, "work"), &Publishing{Body: []byte("2")}))

	first := nextDelivery(t, deliveries)
	require.Equal(t, []byte("1"), first.Body)
	// prefetch=1，未确认前不会投递第二条
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %s", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, tr.Ack(first.DeliveryTag))
	second := nextDelivery(t, deliveries)
	require.Equal(t, []byte("2"), second.Body)

	// 通道关闭时未确认的消息回到队列
	require.NoError(t, tr.Close())
	messages, consumers, ok := broker.QueueInfo("work")
	require.True(t, ok)
	require.Equal(t, 1, messages)
	require.Zero(t, consumers)

	tr2 := openTransport(t, conn)
	again, _ := consume(t, tr2, "work", ConsumeOptions{NoAck: true})
	d := nextDelivery(t, again)
	require.Equal(t, []byte("2"), d.Body)
	require.True(t, d.Redelivered)
}

func TestMemoryBrokerUnknownAck(t *testing.T) {
	broker := NewMemoryBroker(nil)
	conn := broker.Dial()
	defer conn.Close()

	tr := openTransport(t, conn)
	err := tr.Ack(99)
	var be *BrokerError
	require.True(t, errors.As(err, &be))
	require.Equal(t, CodePreconditionFail, be.Code)
	require.ErrorIs(t, tr.Publish(NewName(AmqDirect, "x"), &Publishing{}), ErrChannelClosed)
}

func TestMemoryBrokerFanout(t *testing.T) {
	broker := NewMemoryBroker(nil)
	conn := broker.Dial()
	defer conn.Close()

	var all []<-chan *Delivery
	for i := 0; i < 3; i++ {
		tr := openTransport(t, conn)
		queue, err := declareQueue(t, tr, QueueOptions{AutoDelete: true})
		require.NoError(t, err)
		bound := make(chan error, 1)
		tr.QueueBind(queue, NewName(AmqFanout, ""), func(err error) { bound <- err })
		require.NoError(t, waitErr(t, bound))
		deliveries, _ := consume(t, tr, queue, ConsumeOptions{NoAck: true})
		all = append(all, deliveries)
	}

	pub := openTransport(t, conn)
	require.NoError(t, pub.Publish(NewName(AmqFanout, "ignored"), &Publishing{Body: []byte("broadcast")}))
	for _, deliveries := range all {
		d := nextDelivery(t, deliveries)
		require.Equal(t, []byte("broadcast"), d.Body)
		require.Equal(t, AmqFanout, d.Exchange)
	}
}

func TestMemoryBrokerPublishMissingExchange(t *testing.T) {
	broker := NewMemoryBroker(nil)
	conn := broker.Dial()
	defer conn.Close()

	tr := openTransport(t, conn)
	err := tr.Publish(NewName("missing", "k"), &Publishing{})
	var be *BrokerError
	require.True(t, errors.As(err, &be))
	require.Equal(t, CodeNotFound, be.Code)
}
