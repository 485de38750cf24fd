package zion

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Socket 在 Channel 之上提供阻塞式接口：Bind/Connect/Listen 等待代理确认，
// Accept/Recv 从有界接收队列中取消息。Send 不阻塞。
type Socket struct {
	ch    *Channel
	queue *deliveryQueue
	opts  *options

	bound     bool
	connected bool
	listening bool

	logger Logger
	mutex  sync.Mutex
}

// NewSocket 包装 ch，并把 ch 的全部投递导入 Socket 的接收队列。
// 非 NoAck 模式下 prefetch 等于队列容量，出队时确认，队列不会溢出。
func NewSocket(ch *Channel, opts ...Option) *Socket {
	o := newOptions(opts...)
	s := &Socket{
		ch:     ch,
		queue:  newDeliveryQueue(o.QueueSize),
		opts:   o,
		logger: o.Logger.WithField("role", ch.Role().String()),
	}
	if ch.Role() != RoleAccepted {
		co := ch.ConsumeOptions()
		co.NoAck = o.NoAck
		co.PrefetchCount = 0
		if !o.NoAck {
			co.PrefetchCount = o.QueueSize
		}
		ch.SetConsumeOptions(co)
		if o.ExchangeKind != "" {
			ch.SetExchangeKind(o.ExchangeKind)
		}
	}
	ch.SetSink(s.enqueue)
	ch.NotifyClose(s.onClosed)
	return s
}

// Channel 底层协议
func (s *Socket) Channel() *Channel { return s.ch }

// enqueue Channel 的 sink，在事件循环中执行
func (s *Socket) enqueue(accepted *Channel, d *Delivery) {
	item := inbound{accepted: accepted, delivery: d, ack: !s.opts.NoAck}
	if s.queue.push(item) {
		return
	}
	messagesDropped.WithLabelValues(dropQueueFull).Inc()
	s.logger.WithFields(logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"message_id":   d.MessageID,
		"capacity":     s.queue.cap(),
	}).Errorf("socket: receive queue full, delivery dropped")
	if item.ack {
		s.ch.Ack(d.DeliveryTag)
	}
}

func (s *Socket) onClosed(err error) {
	s.queue.close(err)
}

// Bind 绑定到 name，阻塞直到代理确认。pubsub 角色的每个订阅者有自己的匿名队列，
// 收到发布到 name 的每一条消息；其他角色共享队列名为 name.Key 的队列，消息在消费者间轮流分发
func (s *Socket) Bind(ctx context.Context, name Name) error {
	f := newFuture()
	shared := s.ch.Role() != RolePubSub
	if err := s.ch.Bind(name, shared, f.resolve); err != nil {
		return err
	}
	if err := f.wait(ctx); err != nil {
		return err
	}

	s.mutex.Lock()
	s.bound = true
	s.mutex.Unlock()
	return nil
}

// Connect 设置发送目标，阻塞直到回复队列就绪
func (s *Socket) Connect(ctx context.Context, name Name) error {
	f := newFuture()
	if err := s.ch.Connect(name, f.resolve); err != nil {
		return err
	}
	if err := f.wait(ctx); err != nil {
		return err
	}

	s.mutex.Lock()
	s.connected = true
	s.mutex.Unlock()
	return nil
}

// Listen 必须已 Bind。listener 角色进入监听状态以便 Accept，其他角色可以直接 Recv
func (s *Socket) Listen(ctx context.Context) error {
	s.mutex.Lock()
	if !s.bound {
		s.mutex.Unlock()
		return usageErr("listen", ErrNotBound)
	}
	s.mutex.Unlock()

	f := newFuture()
	if err := s.ch.Listen(f.resolve); err != nil {
		return err
	}
	if err := f.wait(ctx); err != nil {
		return err
	}

	s.mutex.Lock()
	s.listening = true
	if s.ch.Role() != RoleListener {
		s.connected = true
	}
	s.mutex.Unlock()
	return nil
}

// Accept 等待下一个入站请求，返回只与该请求方对话的 Socket，
// 其第一次 Recv 返回该请求的内容
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	s.mutex.Lock()
	switch {
	case s.ch.Role() != RoleListener:
		s.mutex.Unlock()
		return nil, usageErr("accept", ErrNotListener)
	case !s.listening:
		s.mutex.Unlock()
		return nil, usageErr("accept", ErrNotListening)
	}
	s.mutex.Unlock()

	item, err := s.queue.pop(ctx)
	if err != nil {
		return nil, err
	}
	if item.ack {
		if err := s.ch.Ack(item.delivery.DeliveryTag); err != nil {
			s.logger.WithError(err).Warnf("socket: ack")
		}
	}

	conn := NewSocket(item.accepted, WithQueueSize(1), WithLogger(s.opts.Logger), WithNoAck(true))
	conn.connected = true
	conn.queue.push(inbound{delivery: item.delivery})
	return conn, nil
}

// Recv 返回下一条消息的内容
func (s *Socket) Recv(ctx context.Context) ([]byte, error) {
	d, err := s.RecvDelivery(ctx)
	if err != nil {
		return nil, err
	}
	return d.Body, nil
}

// RecvDelivery 返回下一条完整的投递（含元数据）。通道关闭且队列取空后返回关闭原因
func (s *Socket) RecvDelivery(ctx context.Context) (*Delivery, error) {
	s.mutex.Lock()
	if !s.connected {
		s.mutex.Unlock()
		return nil, usageErr("recv", ErrNotConnected)
	}
	s.mutex.Unlock()

	item, err := s.queue.pop(ctx)
	if err != nil {
		return nil, err
	}
	if item.ack {
		if err := s.ch.Ack(item.delivery.DeliveryTag); err != nil {
			s.logger.WithError(err).Warnf("socket: ack")
		}
	}
	return item.delivery, nil
}

// Send 发送到 peer，不阻塞
func (s *Socket) Send(body []byte) error {
	return s.ch.Send(body)
}

// SendTo 发送到 name，不阻塞
func (s *Socket) SendTo(name Name, body []byte) error {
	return s.ch.SendTo(name, body)
}

// SendMessage 发送完整消息，name 为空时发送到 peer
func (s *Socket) SendMessage(name Name, msg *Publishing) error {
	return s.ch.SendMessage(name, msg)
}

// Close 关闭底层通道，阻塞中的 Accept/Recv 返回 ErrChannelClosed
func (s *Socket) Close() error {
	err := s.ch.Close()
	s.queue.close(ErrChannelClosed)
	return err
}
