package zion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 连接 AMQP 0-9-1 代理的参数
type AMQPConfig struct {
	URL       string        `toml:"url"`
	Heartbeat time.Duration `toml:"heartbeat"`
	// PublishTimeout 单条消息发布的超时（流控时 Publish 会阻塞）
	PublishTimeout time.Duration `toml:"publish_timeout"`
}

const (
	defaultHeartbeat      = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

var _ Connection = (*amqpConn)(nil)

// amqpConn amqp091 连接适配。amqp091 的调用是阻塞的，
// 每个通道在自己的 ops 循环中串行执行，结果再投递到连接的事件循环
type amqpConn struct {
	conn   *amqp.Connection
	cnf    AMQPConfig
	loop   *eventLoop
	logger Logger

	closeFns []func(error)
	closed   bool
	mutex    sync.Mutex
}

// DialAMQP 连接 AMQP 代理
func DialAMQP(cnf AMQPConfig, logger Logger) (Connection, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if cnf.Heartbeat <= 0 {
		cnf.Heartbeat = defaultHeartbeat
	}
	if cnf.PublishTimeout <= 0 {
		cnf.PublishTimeout = defaultPublishTimeout
	}
	conn, err := amqp.DialConfig(cnf.URL, amqp.Config{
		Heartbeat: cnf.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, errors.WithMessage(err, "dial amqp")
	}

	c := &amqpConn{
		conn:   conn,
		cnf:    cnf,
		loop:   newEventLoop(),
		logger: logger.WithField("broker", "amqp"),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *amqpConn) watch(errs chan *amqp.Error) {
	e := <-errs
	c.shutdown(brokerError(e))
}

func (c *amqpConn) Channel(cb func(Transport, error)) {
	go func() {
		ch, err := c.conn.Channel()
		if err != nil {
			c.post(func() { cb(nil, convertAMQPError(err, ErrConnectionClosed)) })
			return
		}
		t := newAMQPChannel(c, ch)
		c.post(func() { cb(t, nil) })
	}()
}

func (c *amqpConn) post(f func()) {
	if !c.loop.post(f) {
		go f()
	}
}

func (c *amqpConn) NotifyClose(fn func(error)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		c.post(func() { fn(ErrConnectionClosed) })
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

func (c *amqpConn) Close() error {
	err := c.conn.Close()
	c.shutdown(nil)
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (c *amqpConn) shutdown(reason error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	c.mutex.Unlock()

	if reason != nil {
		c.logger.WithError(reason).Warnf("amqp: connection closed")
	}
	for _, fn := range fns {
		fn := fn
		c.loop.post(func() { fn(reason) })
	}
	c.loop.stop()
}

var _ Transport = (*amqpChannel)(nil)

type amqpChannel struct {
	conn *amqpConn
	ch   *amqp.Channel
	ops  *eventLoop // 串行执行阻塞的代理调用

	closeFns []func(error)
	closed   bool
	mutex    sync.Mutex
}

func newAMQPChannel(conn *amqpConn, ch *amqp.Channel) *amqpChannel {
	t := &amqpChannel{
		conn: conn,
		ch:   ch,
		ops:  newEventLoop(),
	}
	errs := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		e := <-errs
		// 排在正在执行的操作之后，保证失败操作的回调先于关闭通知
		if !t.ops.post(func() { t.shutdown(brokerError(e)) }) {
			t.shutdown(brokerError(e))
		}
	}()
	return t
}

// do 在 ops 循环中执行 op。op 失败且通道已被代理关闭时，先回调再关闭
func (t *amqpChannel) do(op func() error, cb func(error)) {
	ok := t.ops.post(func() {
		if t.isClosed() {
			t.conn.post(func() { cb(ErrChannelClosed) })
			return
		}
		err := op()
		if err != nil {
			err = convertAMQPError(err, ErrChannelClosed)
		}
		t.conn.post(func() { cb(err) })
		var be *BrokerError
		if errors.As(err, &be) {
			t.shutdown(err)
		}
	})
	if !ok {
		t.conn.post(func() { cb(ErrChannelClosed) })
	}
}

func (t *amqpChannel) isClosed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closed
}

func (t *amqpChannel) ExchangeDeclare(name string, kind ExchangeKind, cb func(error)) {
	t.do(func() error {
		return t.ch.ExchangeDeclare(name, string(kind), false, false, false, false, nil)
	}, cb)
}

func (t *amqpChannel) QueueDeclare(opts QueueOptions, cb func(string, error)) {
	var queue string
	t.do(func() error {
		q, err := t.ch.QueueDeclare(opts.Name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
		queue = q.Name
		return err
	}, func(err error) { cb(queue, err) })
}

func (t *amqpChannel) QueueBind(queue string, name Name, cb func(error)) {
	t.do(func() error {
		return t.ch.QueueBind(queue, name.Key, name.Exchange, false, nil)
	}, cb)
}

func (t *amqpChannel) Consume(queue string, opts ConsumeOptions, deliver func(*Delivery), cb func(string, error)) {
	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewRandom().String()
	}
	var msgs <-chan amqp.Delivery
	t.do(func() (err error) {
		if opts.PrefetchCount > 0 || opts.PrefetchSize > 0 {
			if err := t.ch.Qos(opts.PrefetchCount, opts.PrefetchSize, false); err != nil {
				return err
			}
		}
		msgs, err = t.ch.Consume(queue, tag, opts.NoAck, opts.Exclusive, false, false, nil)
		return err
	}, func(err error) {
		if err != nil {
			cb("", err)
			return
		}
		cb(tag, nil)
		// consume-ok 先于任何投递
		go func() {
			for m := range msgs {
				d := fromAMQPDelivery(&m)
				t.conn.post(func() { deliver(d) })
			}
		}()
	})
}

func (t *amqpChannel) Cancel(tag string, cb func(error)) {
	t.do(func() error {
		return t.ch.Cancel(tag, false)
	}, cb)
}

func (t *amqpChannel) Publish(name Name, msg *Publishing) error {
	if t.isClosed() {
		return ErrChannelClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.conn.cnf.PublishTimeout)
	defer cancel()
	err := t.ch.PublishWithContext(ctx, name.Exchange, name.Key, false, false, toAMQPPublishing(msg))
	if err != nil {
		return convertAMQPError(err, ErrChannelClosed)
	}
	return nil
}

func (t *amqpChannel) Ack(tag uint64) error {
	if err := t.ch.Ack(tag, false); err != nil {
		return convertAMQPError(err, ErrChannelClosed)
	}
	return nil
}

func (t *amqpChannel) Reject(tag uint64, requeue bool) error {
	if err := t.ch.Reject(tag, requeue); err != nil {
		return convertAMQPError(err, ErrChannelClosed)
	}
	return nil
}

func (t *amqpChannel) NotifyClose(fn func(error)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		t.conn.post(func() { fn(ErrChannelClosed) })
		return
	}
	t.closeFns = append(t.closeFns, fn)
}

func (t *amqpChannel) Close() error {
	err := t.ch.Close()
	t.shutdown(nil)
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (t *amqpChannel) shutdown(reason error) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	t.closed = true
	fns := t.closeFns
	t.closeFns = nil
	t.mutex.Unlock()

	for _, fn := range fns {
		fn := fn
		t.conn.post(func() { fn(reason) })
	}
	t.ops.stop()
}

// brokerError 代理主动关闭时的原因，正常关闭时为 nil
func brokerError(e *amqp.Error) error {
	if e == nil {
		return nil
	}
	return &BrokerError{Code: e.Code, Reason: e.Reason}
}

func convertAMQPError(err error, closed error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return closed
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return brokerError(ae)
	}
	return err
}

func toAMQPPublishing(msg *Publishing) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Type:            msg.Type,
		ReplyTo:         msg.ReplyTo,
		CorrelationId:   msg.CorrelationID,
		MessageId:       msg.MessageID,
		Body:            msg.Body,
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromAMQPDelivery(m *amqp.Delivery) *Delivery {
	d := &Delivery{
		Publishing: Publishing{
			ContentType:     m.ContentType,
			ContentEncoding: m.ContentEncoding,
			Type:            m.Type,
			ReplyTo:         m.ReplyTo,
			CorrelationID:   m.CorrelationId,
			MessageID:       m.MessageId,
			Body:            m.Body,
		},
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		ConsumerTag: m.ConsumerTag,
		DeliveryTag: m.DeliveryTag,
		Redelivered: m.Redelivered,
	}
	if len(m.Headers) > 0 {
		d.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			if s, ok := v.(string); ok {
				d.Headers[k] = s
				continue
			}
			d.Headers[k] = fmt.Sprint(v)
		}
	}
	return d
}
