package zion

import (
	"strings"
	"sync"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryBroker 进程内代理，实现交换机/队列/绑定/消费者语义。
// 用于测试、单进程部署，也是 zmq 代理服务端的路由核心。
type MemoryBroker struct {
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	conns     map[*memConn]struct{}
	logger    Logger
	mutex     sync.Mutex
}

type memExchange struct {
	name     string
	kind     ExchangeKind
	bindings []memBinding
}

type memBinding struct {
	queue *memQueue
	key   string
}

type memQueue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	owner       *memConn
	messages    []*Delivery
	consumers   []*memConsumer
	next        int
	hadConsumer bool
}

type memConsumer struct {
	tag     string
	ch      *memChannel
	queue   *memQueue
	opts    ConsumeOptions
	deliver func(*Delivery)
	unacked int
}

type memUnacked struct {
	consumer *memConsumer
	delivery *Delivery
}

// NewMemoryBroker .
func NewMemoryBroker(logger Logger) *MemoryBroker {
	if logger == nil {
		logger = DefaultLogger()
	}
	b := &MemoryBroker{
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
		conns:     make(map[*memConn]struct{}),
		logger:    logger,
	}
	for name, kind := range map[string]ExchangeKind{
		DefaultExchange: Direct,
		AmqDirect:       Direct,
		AmqTopic:        Topic,
		AmqFanout:       Fanout,
	} {
		b.exchanges[name] = &memExchange{name: name, kind: kind}
	}
	return b
}

// Dial 建立一条进程内连接
func (b *MemoryBroker) Dial() Connection {
	conn := &memConn{
		broker:   b,
		loop:     newEventLoop(),
		channels: make(map[*memChannel]struct{}),
	}
	b.mutex.Lock()
	b.conns[conn] = struct{}{}
	b.mutex.Unlock()
	return conn
}

// QueueInfo 队列中待投递的消息数和消费者数
func (b *MemoryBroker) QueueInfo(name string) (messages, consumers int, ok bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0, false
	}
	return len(q.messages), len(q.consumers), true
}

// CloseAll 以代理错误强制关闭所有连接（模拟代理关停）
func (b *MemoryBroker) CloseAll(code int, reason string) {
	b.mutex.Lock()
	conns := make([]*memConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mutex.Unlock()

	for _, c := range conns {
		c.shutdown(&BrokerError{Code: code, Reason: reason})
	}
}

// route 按交换机类型找到目标队列，调用方持有锁
func (b *MemoryBroker) route(exchange, key string) ([]*memQueue, bool) {
	if exchange == DefaultExchange {
		if q, ok := b.queues[key]; ok {
			return []*memQueue{q}, true
		}
		return nil, true
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, false
	}
	var (
		targets []*memQueue
		seen    = make(map[*memQueue]struct{})
	)
	for _, bd := range ex.bindings {
		var match bool
		switch ex.kind {
		case Fanout:
			match = true
		case Topic:
			match = topicMatch(strings.Split(bd.key, "."), strings.Split(key, "."))
		default:
			match = bd.key == key
		}
		if !match {
			continue
		}
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		seen[bd.queue] = struct{}{}
		targets = append(targets, bd.queue)
	}
	return targets, true
}

// topicMatch '*' 匹配一个词，'#' 匹配零个或多个词
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && topicMatch(pattern[1:], words[1:])
	}
}

// dispatch 把队列中的消息分发给有余量的消费者，调用方持有锁
func (b *MemoryBroker) dispatch(q *memQueue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		var target *memConsumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.opts.NoAck || c.opts.PrefetchCount <= 0 || c.unacked < c.opts.PrefetchCount {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]

		ch := target.ch
		ch.deliveryTag++
		d := *msg
		d.ConsumerTag = target.tag
		d.DeliveryTag = ch.deliveryTag
		if !target.opts.NoAck {
			target.unacked++
			ch.unacked[d.DeliveryTag] = &memUnacked{consumer: target, delivery: msg}
		}
		deliver := target.deliver
		ch.conn.loop.post(func() { deliver(&d) })
	}
}

// removeConsumer 移除消费者并把未确认消息放回队列头部，调用方持有锁
func (b *MemoryBroker) removeConsumer(c *memConsumer) {
	q := c.queue
	for i, item := range q.consumers {
		if item == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}

	var requeue []*Delivery
	for tag, u := range c.ch.unacked {
		if u.consumer != c {
			continue
		}
		delete(c.ch.unacked, tag)
		msg := *u.delivery
		msg.Redelivered = true
		requeue = append(requeue, &msg)
	}
	q.messages = append(requeue, q.messages...)
	c.unacked = 0

	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		b.deleteQueue(q)
		return
	}
	b.dispatch(q)
}

// deleteQueue 删除队列及其绑定，调用方持有锁
func (b *MemoryBroker) deleteQueue(q *memQueue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	b.logger.WithField("queue", q.name).Debugf("memory broker: queue deleted")
}

var _ Connection = (*memConn)(nil)

type memConn struct {
	broker   *MemoryBroker
	loop     *eventLoop
	channels map[*memChannel]struct{}
	closeFns []func(error)
	closed   bool
}

func (c *memConn) Channel(cb func(Transport, error)) {
	b := c.broker
	b.mutex.Lock()
	if c.closed {
		b.mutex.Unlock()
		go cb(nil, ErrConnectionClosed)
		return
	}
	ch := &memChannel{
		conn:      c,
		consumers: make(map[string]*memConsumer),
		unacked:   make(map[uint64]*memUnacked),
	}
	c.channels[ch] = struct{}{}
	b.mutex.Unlock()

	c.loop.post(func() { cb(ch, nil) })
}

func (c *memConn) NotifyClose(fn func(error)) {
	c.broker.mutex.Lock()
	defer c.broker.mutex.Unlock()
	if c.closed {
		c.loop.post(func() { fn(ErrConnectionClosed) })
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

func (c *memConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *memConn) shutdown(reason error) {
	b := c.broker
	b.mutex.Lock()
	if c.closed {
		b.mutex.Unlock()
		return
	}
	c.closed = true
	for ch := range c.channels {
		b.closeChannel(ch, reason)
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueue(q)
		}
	}
	delete(b.conns, c)
	fns := c.closeFns
	c.closeFns = nil
	b.mutex.Unlock()

	for _, fn := range fns {
		fn := fn
		c.loop.post(func() { fn(reason) })
	}
	c.loop.stop()
}

var _ Transport = (*memChannel)(nil)

type memChannel struct {
	conn        *memConn
	consumers   map[string]*memConsumer
	unacked     map[uint64]*memUnacked
	deliveryTag uint64
	closeFns    []func(error)
	closed      bool
}

// closeChannel 调用方持有锁
func (b *MemoryBroker) closeChannel(ch *memChannel, reason error) {
	if ch.closed {
		return
	}
	ch.closed = true
	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumer(c)
	}
	delete(ch.conn.channels, ch)

	fns := ch.closeFns
	ch.closeFns = nil
	for _, fn := range fns {
		fn := fn
		ch.conn.loop.post(func() { fn(reason) })
	}
	if reason != nil {
		b.logger.WithError(reason).Debugf("memory broker: channel closed")
	}
}

// fail 通道级异常：先回调失败的操作，再关闭通道。调用方持有锁
func (ch *memChannel) fail(code int, reason string, cb func(error)) error {
	err := &BrokerError{Code: code, Reason: reason}
	if cb != nil {
		ch.reply(func() { cb(err) })
	}
	ch.conn.broker.closeChannel(ch, err)
	return err
}

func (ch *memChannel) ExchangeDeclare(name string, kind ExchangeKind, cb func(error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.reply(func() { cb(ErrChannelClosed) })
		return
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			ch.fail(CodePreconditionFail, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '"+name+"'", cb)
			return
		}
	} else {
		b.exchanges[name] = &memExchange{name: name, kind: kind}
	}
	ch.reply(func() { cb(nil) })
}

func (ch *memChannel) QueueDeclare(opts QueueOptions, cb func(string, error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.reply(func() { cb("", ErrChannelClosed) })
		return
	}

	name := opts.Name
	if name == "" {
		name = "amq.gen-" + uuid.NewRandom().String()
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			ch.fail(CodeResourceLocked, "RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '"+name+"'", func(err error) { cb("", err) })
			return
		}
	} else {
		q := &memQueue{
			name:       name,
			durable:    opts.Durable,
			autoDelete: opts.AutoDelete,
			exclusive:  opts.Exclusive,
		}
		if opts.Exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
		b.logger.WithFields(logrus.Fields{"queue": name, "auto_delete": opts.AutoDelete}).Debugf("memory broker: queue declared")
	}
	ch.reply(func() { cb(name, nil) })
}

func (ch *memChannel) QueueBind(queue string, name Name, cb func(error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.reply(func() { cb(ErrChannelClosed) })
		return
	}

	if name.Exchange == DefaultExchange {
		ch.fail(CodeAccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange", cb)
		return
	}
	ex, ok := b.exchanges[name.Exchange]
	if !ok {
		ch.fail(CodeNotFound, "NOT_FOUND - no exchange '"+name.Exchange+"'", cb)
		return
	}
	q, ok := b.queues[queue]
	if !ok {
		ch.fail(CodeNotFound, "NOT_FOUND - no queue '"+queue+"'", cb)
		return
	}
	for _, bd := range ex.bindings {
		if bd.queue == q && bd.key == name.Key {
			ch.reply(func() { cb(nil) })
			return
		}
	}
	ex.bindings = append(ex.bindings, memBinding{queue: q, key: name.Key})
	ch.reply(func() { cb(nil) })
}

func (ch *memChannel) Consume(queue string, opts ConsumeOptions, deliver func(*Delivery), cb func(string, error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.reply(func() { cb("", ErrChannelClosed) })
		return
	}

	q, ok := b.queues[queue]
	if !ok {
		ch.fail(CodeNotFound, "NOT_FOUND - no queue '"+queue+"'", func(err error) { cb("", err) })
		return
	}
	for _, c := range q.consumers {
		if opts.Exclusive || c.opts.Exclusive {
			ch.fail(CodeAccessRefused, "ACCESS_REFUSED - queue '"+queue+"' in exclusive use", func(err error) { cb("", err) })
			return
		}
	}
	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewRandom().String()
	}
	if _, dup := ch.consumers[tag]; dup {
		ch.fail(CodeNotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '"+tag+"'", func(err error) { cb("", err) })
		return
	}

	c := &memConsumer{tag: tag, ch: ch, queue: q, opts: opts, deliver: deliver}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	// consume-ok 先于任何投递
	ch.reply(func() { cb(tag, nil) })
	b.dispatch(q)
}

func (ch *memChannel) Cancel(tag string, cb func(error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.reply(func() { cb(ErrChannelClosed) })
		return
	}
	if c, ok := ch.consumers[tag]; ok {
		delete(ch.consumers, tag)
		b.removeConsumer(c)
	}
	ch.reply(func() { cb(nil) })
}

func (ch *memChannel) Publish(name Name, msg *Publishing) error {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}

	queues, ok := b.route(name.Exchange, name.Key)
	if !ok {
		return ch.fail(CodeNotFound, "NOT_FOUND - no exchange '"+name.Exchange+"'", nil)
	}
	for _, q := range queues {
		d := &Delivery{
			Publishing: *msg,
			Exchange:   name.Exchange,
			RoutingKey: name.Key,
		}
		d.Body = append([]byte(nil), msg.Body...)
		q.messages = append(q.messages, d)
		b.dispatch(q)
	}
	if len(queues) == 0 {
		b.logger.WithFields(logrus.Fields{"exchange": name.Exchange, "key": name.Key}).Debugf("memory broker: message unroutable")
	}
	return nil
}

func (ch *memChannel) Ack(tag uint64) error {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return ch.fail(CodePreconditionFail, "PRECONDITION_FAILED - unknown delivery tag", nil)
	}
	delete(ch.unacked, tag)
	u.consumer.unacked--
	b.dispatch(u.consumer.queue)
	return nil
}

func (ch *memChannel) Reject(tag uint64, requeue bool) error {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return ch.fail(CodePreconditionFail, "PRECONDITION_FAILED - unknown delivery tag", nil)
	}
	delete(ch.unacked, tag)
	u.consumer.unacked--
	q := u.consumer.queue
	if requeue {
		msg := *u.delivery
		msg.Redelivered = true
		q.messages = append([]*Delivery{&msg}, q.messages...)
	}
	b.dispatch(q)
	return nil
}

func (ch *memChannel) NotifyClose(fn func(error)) {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if ch.closed {
		ch.conn.loop.post(func() { fn(ErrChannelClosed) })
		return
	}
	ch.closeFns = append(ch.closeFns, fn)
}

func (ch *memChannel) Close() error {
	b := ch.conn.broker
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closeChannel(ch, nil)
	return nil
}

// reply 在连接事件循环中执行回调
func (ch *memChannel) reply(f func()) {
	if !ch.conn.loop.post(f) {
		go f()
	}
}
