package zion

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Role 通道的交互模式
type Role int

const (
	RoleSimple       Role = iota // 单向收发
	RolePointToPoint             // 点对点
	RolePubSub                   // 发布订阅
	RoleListener                 // 请求响应：服务端监听
	RoleClient                   // 请求响应：客户端
	RoleAccepted                 // 监听者为每个请求派生的连接，只能发送
)

func (r Role) String() string {
	switch r {
	case RoleSimple:
		return "simple"
	case RolePointToPoint:
		return "point_to_point"
	case RolePubSub:
		return "pubsub"
	case RoleListener:
		return "listener"
	case RoleClient:
		return "client"
	case RoleAccepted:
		return "accepted"
	}
	return "unknown"
}

// bidirectional 请求响应类角色，发送时带 rr-data 类型
func (r Role) bidirectional() bool {
	return r == RoleListener || r == RoleClient || r == RoleAccepted
}

type chanState int

const (
	stateUnconfigured chanState = iota
	stateDeclaringExchange
	stateDeclaringQueue
	stateBindingQueue
	stateReady
)

// Sink 接收投递；accepted 仅在 listener 角色下非空
type Sink func(accepted *Channel, d *Delivery)

type completion struct {
	fn func(error)
}

// Channel 代理通道之上的协议状态机。
// 配置由代理回调驱动，回调在连接的事件循环中执行。
type Channel struct {
	transport Transport
	owned     bool // accepted 通道与 listener 共享 transport
	role      Role

	name        Name // 绑定名
	peer        Name // 发送目标
	queue       string
	state       chanState
	connected   bool
	consuming   bool
	consumerTag string
	closed      bool
	closeErr    error

	queueOpts    QueueOptions
	consumeOpts  ConsumeOptions
	exchangeKind ExchangeKind // 非空时绑定前先声明交换机

	sink    Sink
	pending map[*completion]struct{}
	hooks   []func(error)

	logger Logger
	mutex  sync.Mutex
}

// NewChannel 在 t 上构建 role 角色的协议，Channel 独占 t
func NewChannel(t Transport, role Role, logger Logger) *Channel {
	if logger == nil {
		logger = DefaultLogger()
	}
	c := &Channel{
		transport: t,
		owned:     true,
		role:      role,
		queueOpts: QueueOptions{AutoDelete: true},
		consumeOpts: ConsumeOptions{
			NoAck:         true,
			PrefetchCount: 1,
		},
		pending: make(map[*completion]struct{}),
		logger:  logger.WithField("role", role.String()),
	}
	if role == RoleListener || role == RoleClient {
		c.consumeOpts.Exclusive = true
	}
	t.NotifyClose(c.onTransportClosed)
	return c
}

func (c *Channel) newAccepted(peer Name) *Channel {
	return &Channel{
		transport: c.transport,
		role:      RoleAccepted,
		peer:      peer,
		connected: true,
		pending:   make(map[*completion]struct{}),
		logger:    c.logger.WithFields(logrus.Fields{"role": RoleAccepted.String(), "peer": peer.String()}),
	}
}

func (c *Channel) Role() Role { return c.role }

// Name 绑定名
func (c *Channel) Name() Name {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.name
}

// Peer 发送目标
func (c *Channel) Peer() Name {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.peer
}

// Queue 代理侧队列名
func (c *Channel) Queue() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.queue
}

func (c *Channel) Closed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// SetSink 设置投递的接收者
func (c *Channel) SetSink(sink Sink) {
	c.mutex.Lock()
	c.sink = sink
	c.mutex.Unlock()
}

// SetQueueOptions 在 Bind/Connect 之前调用；Name 由 Bind 决定
func (c *Channel) SetQueueOptions(opts QueueOptions) {
	c.mutex.Lock()
	c.queueOpts = opts
	c.mutex.Unlock()
}

// SetExchangeKind 在 Bind/Connect 之前调用。设置后绑定前先以 kind 声明交换机，
// 默认交换机和 amq.* 预声明交换机不声明
func (c *Channel) SetExchangeKind(kind ExchangeKind) {
	c.mutex.Lock()
	c.exchangeKind = kind
	c.mutex.Unlock()
}

// SetConsumeOptions 在开始消费之前调用
func (c *Channel) SetConsumeOptions(opts ConsumeOptions) {
	c.mutex.Lock()
	c.consumeOpts = opts
	c.mutex.Unlock()
}

func (c *Channel) ConsumeOptions() ConsumeOptions {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.consumeOpts
}

// NotifyClose 注册关闭钩子；代理关闭时 err 为 *BrokerError，正常关闭时为 nil
func (c *Channel) NotifyClose(fn func(err error)) {
	c.mutex.Lock()
	if !c.closed {
		c.hooks = append(c.hooks, fn)
		c.mutex.Unlock()
		return
	}
	err := c.closeErr
	c.mutex.Unlock()
	fn(err)
}

// track 调用方持有锁
func (c *Channel) track(fn func(error)) *completion {
	p := &completion{fn: fn}
	c.pending[p] = struct{}{}
	return p
}

// finish 完成一个挂起操作；通道关闭时已被失败的操作忽略
func (c *Channel) finish(p *completion, err error) {
	c.mutex.Lock()
	_, ok := c.pending[p]
	delete(c.pending, p)
	c.mutex.Unlock()
	if ok && p.fn != nil {
		p.fn(err)
	}
}

// Bind 将通道绑定到 name。sharedQueue 时队列名取 name.Key（多个消费者共享一个队列），
// 否则由代理分配匿名队列。cb 为 nil 时绑定完成后直接开始消费。
func (c *Channel) Bind(name Name, sharedQueue bool, cb func(err error)) error {
	c.mutex.Lock()
	switch {
	case c.closed:
		c.mutex.Unlock()
		return ErrChannelClosed
	case c.role == RoleAccepted:
		c.mutex.Unlock()
		return usageErr("bind", ErrAcceptedReadOnly)
	case c.state != stateUnconfigured:
		c.mutex.Unlock()
		return usageErr("bind", ErrAlreadyBound)
	}
	c.name = name
	opts := c.queueOpts
	opts.Name = ""
	if sharedQueue {
		opts.Name = name.Key
	}
	p := c.track(cb)
	c.mutex.Unlock()

	c.declareAndBind(opts, p, func() {
		if cb == nil {
			if err := c.startConsumer(func(err error) {
				if err != nil {
					c.logger.WithError(err).Warnf("channel: start consumer after bind")
				}
			}); err != nil {
				c.logger.WithError(err).Warnf("channel: start consumer after bind")
			}
			c.finish(p, nil)
			return
		}
		c.finish(p, nil)
	})
	return nil
}

// declareAndBind [exchange.declare ->] queue.declare -> queue.bind -> ready -> then()
func (c *Channel) declareAndBind(opts QueueOptions, p *completion, then func()) {
	c.mutex.Lock()
	t, kind, exchange := c.transport, c.exchangeKind, c.name.Exchange
	if kind == "" || !declarable(exchange) {
		c.state = stateDeclaringQueue
		c.mutex.Unlock()
		c.declareQueue(t, opts, p, then)
		return
	}
	c.state = stateDeclaringExchange
	c.mutex.Unlock()

	t.ExchangeDeclare(exchange, kind, func(err error) {
		if err != nil {
			c.resetState()
			c.finish(p, err)
			return
		}
		c.mutex.Lock()
		c.state = stateDeclaringQueue
		c.mutex.Unlock()
		c.declareQueue(t, opts, p, then)
	})
}

// declarable 默认交换机和 amq.* 由代理预声明，客户端不能声明
func declarable(exchange string) bool {
	return exchange != DefaultExchange && !strings.HasPrefix(exchange, "amq.")
}

func (c *Channel) declareQueue(t Transport, opts QueueOptions, p *completion, then func()) {
	t.QueueDeclare(opts, func(queue string, err error) {
		if err != nil {
			c.resetState()
			c.finish(p, err)
			return
		}

		c.mutex.Lock()
		c.queue = queue
		if c.name.Key == "" {
			c.name.Key = queue
		}
		c.state = stateBindingQueue
		name := c.name
		c.mutex.Unlock()

		// 默认交换机按队列名直接路由，不需要（也不允许）绑定
		if name.Exchange == DefaultExchange && name.Key == queue {
			c.setReady()
			then()
			return
		}
		t.QueueBind(queue, name, func(err error) {
			if err != nil {
				c.resetState()
				c.finish(p, err)
				return
			}
			c.setReady()
			then()
		})
	})
}

func (c *Channel) setReady() {
	c.mutex.Lock()
	c.state = stateReady
	c.mutex.Unlock()
	c.logger.WithFields(logrus.Fields{"name": c.Name().String(), "queue": c.Queue()}).Debugf("channel: ready")
}

func (c *Channel) resetState() {
	c.mutex.Lock()
	if c.state != stateReady {
		c.state = stateUnconfigured
	}
	c.mutex.Unlock()
}

// Connect 设置发送目标。简单模式直接记录 peer；listener/client 角色会在 peer 的交换机上
// 声明一个匿名自动删除的回复队列，队列名即本通道的回复地址；client 角色随后开始消费。
func (c *Channel) Connect(name Name, cb func(err error)) error {
	c.mutex.Lock()
	switch {
	case c.closed:
		c.mutex.Unlock()
		return ErrChannelClosed
	case c.role == RoleAccepted:
		c.mutex.Unlock()
		return usageErr("connect", ErrAcceptedReadOnly)
	case c.connected:
		c.mutex.Unlock()
		return usageErr("connect", ErrAlreadyConnected)
	}

	if c.role != RoleListener && c.role != RoleClient {
		c.peer = name
		c.connected = true
		c.mutex.Unlock()
		if cb != nil {
			cb(nil)
		}
		return nil
	}

	if c.state != stateUnconfigured {
		c.mutex.Unlock()
		return usageErr("connect", ErrAlreadyBound)
	}
	c.peer = name
	c.connected = true
	c.name = Name{Exchange: name.Exchange}
	opts := c.queueOpts
	opts.Name = ""
	opts.AutoDelete = true
	opts.Exclusive = true
	p := c.track(cb)
	startConsumer := c.role == RoleClient
	c.mutex.Unlock()

	c.declareAndBind(opts, p, func() {
		if !startConsumer {
			c.finish(p, nil)
			return
		}
		if err := c.startConsumer(func(err error) { c.finish(p, err) }); err != nil {
			c.finish(p, err)
		}
	})
	return nil
}

// Listen 开始消费；必须已绑定。已在消费时 cb 立即以 nil 调用
func (c *Channel) Listen(cb func(err error)) error {
	c.mutex.Lock()
	switch {
	case c.closed:
		c.mutex.Unlock()
		return ErrChannelClosed
	case c.role == RoleAccepted:
		c.mutex.Unlock()
		return usageErr("listen", ErrAcceptedReadOnly)
	case c.state != stateReady:
		c.mutex.Unlock()
		return usageErr("listen", ErrNotBound)
	}
	consuming := c.consuming
	c.mutex.Unlock()

	if consuming {
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	return c.startConsumer(cb)
}

// startConsumer 在绑定的队列上开始消费，cb 在 consume-ok 时调用
func (c *Channel) startConsumer(cb func(err error)) error {
	c.mutex.Lock()
	switch {
	case c.closed:
		c.mutex.Unlock()
		return ErrChannelClosed
	case c.consuming:
		c.mutex.Unlock()
		return usageErr("consume", ErrAlreadyConsuming)
	case c.queue == "":
		c.mutex.Unlock()
		return usageErr("consume", ErrNotBound)
	}
	c.consuming = true
	queue, opts, t := c.queue, c.consumeOpts, c.transport
	p := c.track(cb)
	c.mutex.Unlock()

	t.Consume(queue, opts, c.deliver, func(tag string, err error) {
		c.mutex.Lock()
		if err != nil {
			c.consuming = false
		} else {
			c.consumerTag = tag
		}
		c.mutex.Unlock()
		c.finish(p, err)
	})
	return nil
}

// StopConsume 取消消费者，未消费时 cb 立即以 nil 调用
func (c *Channel) StopConsume(cb func(err error)) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrChannelClosed
	}
	if !c.consuming || c.consumerTag == "" {
		c.mutex.Unlock()
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	tag, t := c.consumerTag, c.transport
	p := c.track(cb)
	c.mutex.Unlock()

	t.Cancel(tag, func(err error) {
		if err == nil {
			c.mutex.Lock()
			c.consuming = false
			c.consumerTag = ""
			c.mutex.Unlock()
		}
		c.finish(p, err)
	})
	return nil
}

// deliver 在事件循环中执行，不阻塞
func (c *Channel) deliver(d *Delivery) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	sink, role, noAck, t := c.sink, c.role, c.consumeOpts.NoAck, c.transport
	c.mutex.Unlock()

	messagesDelivered.WithLabelValues(role.String()).Inc()

	var accepted *Channel
	switch role {
	case RoleAccepted:
		c.logger.WithField("delivery_tag", d.DeliveryTag).Warnf("channel: accepted connection received a delivery, dropped")
		messagesDropped.WithLabelValues(DropUnsolicited).Inc()
		return
	case RoleListener:
		peer, err := ParseName(d.ReplyTo)
		if err != nil {
			c.logger.WithError(err).WithField("reply_to", d.ReplyTo).Warnf("channel: request without reply address, dropped")
			messagesDropped.WithLabelValues(dropBadReplyTo).Inc()
			if !noAck {
				t.Ack(d.DeliveryTag)
			}
			return
		}
		accepted = c.newAccepted(peer)
	}

	if sink == nil {
		c.logger.WithField("delivery_tag", d.DeliveryTag).Warnf("channel: no sink, delivery dropped")
		messagesDropped.WithLabelValues(dropNoSink).Inc()
		if !noAck {
			t.Ack(d.DeliveryTag)
		}
		return
	}
	sink(accepted, d)
}

// Send 发送到 peer
func (c *Channel) Send(body []byte) error {
	return c.SendMessage(Name{}, &Publishing{Body: body})
}

// SendTo 发送到指定 name
func (c *Channel) SendTo(name Name, body []byte) error {
	return c.SendMessage(name, &Publishing{Body: body})
}

// SendMessage name 为空时发送到 peer；未设置的消息类型、回复地址、消息 id 按角色补全
func (c *Channel) SendMessage(name Name, msg *Publishing) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrChannelClosed
	}
	if name.IsZero() {
		if !c.connected {
			c.mutex.Unlock()
			return usageErr("send", ErrNoPeer)
		}
		name = c.peer
	}
	role, self, t := c.role, c.name, c.transport
	c.mutex.Unlock()

	if msg.ContentEncoding == "" && msg.ContentType != "" {
		msg.ContentEncoding = ContentEncoding
	}
	if role.bidirectional() && msg.Type == "" {
		msg.Type = MessageTypeRR
	}
	if (role == RoleListener || role == RoleClient) && msg.ReplyTo == "" && !self.IsZero() {
		msg.ReplyTo = self.String()
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}

	if err := t.Publish(name, msg); err != nil {
		return err
	}
	messagesPublished.WithLabelValues(role.String()).Inc()
	return nil
}

// Ack 确认投递；accepted 通道在共享的 transport 上确认
func (c *Channel) Ack(tag uint64) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrChannelClosed
	}
	t := c.transport
	c.mutex.Unlock()
	return t.Ack(tag)
}

// Reject 拒绝投递，requeue 时消息回到队列头部并标记为重投
func (c *Channel) Reject(tag uint64, requeue bool) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrChannelClosed
	}
	t := c.transport
	c.mutex.Unlock()
	return t.Reject(tag, requeue)
}

// Close 关闭通道。独占的 transport 会被关闭（消费者随之取消），accepted 通道不触碰共享的 transport。
func (c *Channel) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	if c.owned {
		t := c.transport
		c.mutex.Unlock()
		err := t.Close()
		// transport 的关闭通知是异步的，这里先完成本地状态
		c.teardown(nil)
		return err
	}
	c.mutex.Unlock()
	c.teardown(nil)
	return nil
}

func (c *Channel) onTransportClosed(err error) {
	c.teardown(err)
}

// teardown 失败所有挂起操作并执行关闭钩子，只执行一次
func (c *Channel) teardown(reason error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	c.consuming = false
	pending := c.pending
	c.pending = make(map[*completion]struct{})
	hooks := c.hooks
	c.hooks = nil
	c.mutex.Unlock()

	failErr := reason
	if failErr == nil {
		failErr = ErrChannelClosed
		channelClosures.WithLabelValues("graceful").Inc()
	} else {
		channelClosures.WithLabelValues("broker").Inc()
		c.logger.WithError(reason).Warnf("channel: closed by broker")
	}

	for p := range pending {
		if p.fn != nil {
			p.fn(failErr)
		}
	}
	for _, fn := range hooks {
		fn(reason)
	}
}
