package zion

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

/*
	ZMQ 桥接：ZMQBroker 用 ROUTER socket 把进程内代理暴露给其他进程，
	DialZMQ 返回的 Connection 通过 DEALER socket 以 Pack 帧远程调用代理操作。

	client                              server
	  | -- channel.open  (seq) ----------> |  broker.Dial().Channel
	  | <- reply (seq, channel) ---------- |
	  | -- queue.declare (seq, channel) -> |  Transport.QueueDeclare
	  | <- reply (seq, queue|error) ------ |
	  | -- basic.publish (channel) ------> |  Transport.Publish，不回复
	  | <- basic.deliver (channel, tag) -- |
	  | <- channel.closed (channel) ------ |
	  | -- heartbeat ---------------------> |  刷新过期时间
	  | <- heartbeat ---------------------- |

	双方每个心跳间隔发送一次心跳，三个间隔内没有收到对方任何帧即认为对方已断开：
	服务端关闭该客户端的进程内连接（其独占队列和消费者随之删除），客户端关闭 Connection。
*/

// ZMQBroker .
type ZMQBroker struct {
	broker    *MemoryBroker
	sock      *zsocket
	peers     map[string]*zmqPeer
	heartbeat time.Duration
	logger    Logger
	mutex     sync.Mutex
}

// zmqPeer 一个远端客户端在服务端对应的进程内连接
type zmqPeer struct {
	identity string
	conn     Connection
	ids      *IDPool
	channels map[string]Transport
	mutex    sync.Mutex

	expiration time.Time // ZMQBroker.mutex 保护
}

// NewZMQBroker 在 endpoint 上监听，例如 tcp://*:5672。opts 中只有 WithHeartbeat 生效
func NewZMQBroker(broker *MemoryBroker, endpoint string, logger Logger, opts ...Option) (*ZMQBroker, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	o := newOptions(opts...)
	logger = logger.WithField("broker", "zmq")
	sock, err := newZSocket(zmq.ROUTER, endpoint, true, "", logger)
	if err != nil {
		return nil, errors.WithMessagef(err, "zmq broker: bind %s", endpoint)
	}
	return &ZMQBroker{
		broker:    broker,
		sock:      sock,
		peers:     make(map[string]*zmqPeer),
		heartbeat: o.Heartbeat,
		logger:    logger,
	}, nil
}

// Serve 处理客户端请求并回收心跳超时的客户端，直到 ctx 结束或 socket 关闭
func (zb *ZMQBroker) Serve(ctx context.Context) error {
	tick := time.NewTicker(zb.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			zb.reap()
		case frames, ok := <-zb.sock.Recv():
			if !ok {
				return ErrConnectionClosed
			}
			if len(frames) < 2 {
				zb.logger.Warnf("zmq broker: short message (%d frames)", len(frames))
				continue
			}
			p, err := DecodePack(frames[len(frames)-1])
			if err != nil {
				zb.logger.WithError(err).Warnf("zmq broker: bad pack")
				continue
			}
			p.Identity = string(frames[0])
			zb.handle(p)
		}
	}
}

// peer 取（或建立）identity 对应的客户端，并刷新其过期时间
func (zb *ZMQBroker) peer(identity string) *zmqPeer {
	zb.mutex.Lock()
	defer zb.mutex.Unlock()
	if peer, ok := zb.peers[identity]; ok {
		peer.expiration = time.Now().Add(zb.heartbeat * 3)
		return peer
	}
	peer := &zmqPeer{
		identity:   identity,
		conn:       zb.broker.Dial(),
		ids:        NewIDPool(nil),
		channels:   make(map[string]Transport),
		expiration: time.Now().Add(zb.heartbeat * 3),
	}
	zb.peers[identity] = peer
	zb.logger.WithField("peer", identity).Debugf("zmq broker: peer connected")
	return peer
}

// reap 关闭心跳超时的客户端连接
func (zb *ZMQBroker) reap() {
	now := time.Now()
	var expired []*zmqPeer
	zb.mutex.Lock()
	for identity, peer := range zb.peers {
		if now.After(peer.expiration) {
			delete(zb.peers, identity)
			expired = append(expired, peer)
		}
	}
	zb.mutex.Unlock()

	for _, peer := range expired {
		zb.logger.WithFields(logrus.Fields{"peer": peer.identity, "expiration": peer.expiration}).Warnf("zmq broker: peer heartbeat expired")
		peer.conn.Close()
	}
}

func (zb *ZMQBroker) send(identity string, p *Pack) {
	b, err := p.MarshalMsgpack()
	if err != nil {
		zb.logger.WithError(err).Errorf("zmq broker: encode pack")
		return
	}
	if err := zb.sock.Send([][]byte{[]byte(identity), b}); err != nil {
		zb.logger.WithError(err).Debugf("zmq broker: send")
	}
}

// reply 回复请求，带回请求的 seq 和通道 id
func (zb *ZMQBroker) reply(req *Pack, err error, kv ...string) {
	rep := newPack(opReply)
	rep.Set(packSeq, req.Get(packSeq))
	rep.Set(packChannel, req.Get(packChannel))
	rep.SetError(err)
	for i := 0; i+1 < len(kv); i += 2 {
		rep.Set(kv[i], kv[i+1])
	}
	zb.send(req.Identity, rep)
}

func (zb *ZMQBroker) handle(p *Pack) {
	if p.Op == opHeartbeat {
		// 已被回收的客户端不再应答，由其自己超时关闭
		zb.mutex.Lock()
		peer, ok := zb.peers[p.Identity]
		if ok {
			peer.expiration = time.Now().Add(zb.heartbeat * 3)
		}
		zb.mutex.Unlock()
		if ok {
			zb.send(p.Identity, newPack(opHeartbeat))
		}
		return
	}
	peer := zb.peer(p.Identity)
	logger := zb.logger.WithFields(logrus.Fields{"peer": p.Identity, "op": p.Op})

	switch p.Op {
	case opOpenChannel:
		peer.conn.Channel(func(t Transport, err error) {
			if err != nil {
				zb.reply(p, err)
				return
			}
			id := strconv.FormatUint(peer.ids.Get(), 10)
			peer.mutex.Lock()
			peer.channels[id] = t
			peer.mutex.Unlock()
			// 关闭通知先于 id 归还，客户端不会把旧通知当成新通道的
			t.NotifyClose(func(err error) {
				closed := newPack(opChannelClosed)
				closed.Set(packChannel, id)
				closed.SetError(err)
				zb.send(peer.identity, closed)
				peer.remove(id)
			})
			zb.reply(p, nil, packChannel, id)
		})
		return
	case opCloseConnection:
		zb.mutex.Lock()
		delete(zb.peers, peer.identity)
		zb.mutex.Unlock()
		peer.conn.Close()
		zb.logger.WithField("peer", peer.identity).Debugf("zmq broker: peer disconnected")
		return
	}

	t := peer.channel(p.Get(packChannel))
	if t == nil {
		if p.Get(packSeq) != "" {
			zb.reply(p, ErrChannelClosed)
		}
		return
	}

	var err error
	switch p.Op {
	case opExchangeDeclare:
		var name, kind string
		if err = p.Arg(0, &name); err == nil {
			err = p.Arg(1, &kind)
		}
		if err == nil {
			t.ExchangeDeclare(name, ExchangeKind(kind), func(err error) { zb.reply(p, err) })
		}
	case opQueueDeclare:
		var opts QueueOptions
		if err = p.Arg(0, &opts); err == nil {
			t.QueueDeclare(opts, func(queue string, err error) { zb.reply(p, err, packQueue, queue) })
		}
	case opQueueBind:
		var queue string
		var name Name
		if err = p.Arg(0, &queue); err == nil {
			err = p.Arg(1, &name)
		}
		if err == nil {
			t.QueueBind(queue, name, func(err error) { zb.reply(p, err) })
		}
	case opConsume:
		var queue string
		var opts ConsumeOptions
		if err = p.Arg(0, &queue); err == nil {
			err = p.Arg(1, &opts)
		}
		if err == nil {
			channel := p.Get(packChannel)
			deliver := func(d *Delivery) {
				dp := newPack(opDeliver)
				dp.Set(packChannel, channel)
				dp.Set(packTag, d.ConsumerTag)
				if err := dp.AddArg(d); err != nil {
					logger.WithError(err).Errorf("zmq broker: encode delivery")
					return
				}
				zb.send(peer.identity, dp)
			}
			t.Consume(queue, opts, deliver, func(tag string, err error) { zb.reply(p, err, packTag, tag) })
		}
	case opCancel:
		var tag string
		if err = p.Arg(0, &tag); err == nil {
			t.Cancel(tag, func(err error) { zb.reply(p, err) })
		}
	case opPublish:
		var name Name
		var msg Publishing
		if err = p.Arg(0, &name); err == nil {
			err = p.Arg(1, &msg)
		}
		if err == nil {
			// 失败会以 channel.closed 通知客户端
			if err := t.Publish(name, &msg); err != nil {
				logger.WithError(err).Debugf("zmq broker: publish")
			}
		}
	case opAck:
		var tag uint64
		if err = p.Arg(0, &tag); err == nil {
			if err := t.Ack(tag); err != nil {
				logger.WithError(err).Debugf("zmq broker: ack")
			}
		}
	case opReject:
		var tag uint64
		var requeue bool
		if err = p.Arg(0, &tag); err == nil {
			err = p.Arg(1, &requeue)
		}
		if err == nil {
			if err := t.Reject(tag, requeue); err != nil {
				logger.WithError(err).Debugf("zmq broker: reject")
			}
		}
	case opCloseChannel:
		t.Close()
	default:
		err = errors.Errorf("zmq broker: unknown op %q", p.Op)
	}
	if err != nil {
		logger.WithError(err).Warnf("zmq broker: bad request")
		if p.Get(packSeq) != "" {
			zb.reply(p, err)
		}
	}
}

func (peer *zmqPeer) channel(id string) Transport {
	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	return peer.channels[id]
}

func (peer *zmqPeer) remove(id string) {
	peer.mutex.Lock()
	delete(peer.channels, id)
	peer.mutex.Unlock()
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		peer.ids.Release(n)
	}
}

// Peers 已连接的客户端数
func (zb *ZMQBroker) Peers() int {
	zb.mutex.Lock()
	defer zb.mutex.Unlock()
	return len(zb.peers)
}

// Close 关闭全部客户端连接和 socket
func (zb *ZMQBroker) Close() error {
	zb.mutex.Lock()
	peers := zb.peers
	zb.peers = make(map[string]*zmqPeer)
	zb.mutex.Unlock()

	for _, peer := range peers {
		peer.conn.Close()
	}
	zb.sock.Close()
	return nil
}

var _ Connection = (*zmqConn)(nil)

// zmqConn 经 ZMQ 桥接访问远端代理的连接
type zmqConn struct {
	sock      *zsocket
	loop      *eventLoop
	heartbeat time.Duration
	done      chan struct{}
	logger    Logger

	expiration time.Time // 代理的过期时间
	seq        uint64
	pending    map[uint64]func(p *Pack)
	channels   map[string]*zmqChannel
	closeFns   []func(error)
	closed     bool
	mutex      sync.Mutex
}

// DialZMQ 连接 ZMQBroker，例如 tcp://127.0.0.1:5672。opts 中只有 WithHeartbeat 生效
func DialZMQ(endpoint string, logger Logger, opts ...Option) (Connection, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	o := newOptions(opts...)
	identity := "zion-" + uuid.NewRandom().String()
	logger = logger.WithFields(logrus.Fields{"broker": "zmq", "identity": identity})
	sock, err := newZSocket(zmq.DEALER, endpoint, false, identity, logger)
	if err != nil {
		return nil, errors.WithMessagef(err, "zmq: connect %s", endpoint)
	}
	c := &zmqConn{
		sock:       sock,
		loop:       newEventLoop(),
		heartbeat:  o.Heartbeat,
		done:       make(chan struct{}),
		logger:     logger,
		expiration: time.Now().Add(o.Heartbeat * 3),
		pending:    make(map[uint64]func(p *Pack)),
		channels:   make(map[string]*zmqChannel),
	}
	go c.recvLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *zmqConn) recvLoop() {
	for frames := range c.sock.Recv() {
		if len(frames) == 0 {
			continue
		}
		c.mutex.Lock()
		c.expiration = time.Now().Add(c.heartbeat * 3)
		c.mutex.Unlock()
		p, err := DecodePack(frames[len(frames)-1])
		if err != nil {
			c.logger.WithError(err).Warnf("zmq: bad pack")
			continue
		}
		c.loop.post(func() { c.dispatch(p) })
	}
	c.shutdown(ErrConnectionClosed)
}

// heartbeatLoop 定时发送心跳；代理超时未响应时关闭连接
func (c *zmqConn) heartbeatLoop() {
	tick := time.NewTicker(c.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.mutex.Lock()
			expiration := c.expiration
			c.mutex.Unlock()
			if time.Now().After(expiration) {
				c.logger.WithField("expiration", expiration).Warnf("zmq: broker heartbeat expired")
				c.shutdown(ErrConnectionClosed)
				c.sock.Close()
				return
			}
			if err := c.write(newPack(opHeartbeat)); err != nil {
				c.logger.WithError(err).Debugf("zmq: send heartbeat")
			}
		}
	}
}

// dispatch 在事件循环中执行
func (c *zmqConn) dispatch(p *Pack) {
	switch p.Op {
	case opReply:
		seq, err := p.Seq()
		if err != nil {
			c.logger.WithError(err).Warnf("zmq: reply")
			return
		}
		c.mutex.Lock()
		fn, ok := c.pending[seq]
		delete(c.pending, seq)
		c.mutex.Unlock()
		if ok {
			fn(p)
		}
	case opDeliver:
		if ch := c.channel(p.Get(packChannel)); ch != nil {
			ch.deliver(p)
		}
	case opChannelClosed:
		if ch := c.channel(p.Get(packChannel)); ch != nil {
			ch.shutdown(p.Err())
		}
	case opHeartbeat:
	default:
		c.logger.Warnf("zmq: unexpected op %q", p.Op)
	}
}

func (c *zmqConn) channel(id string) *zmqChannel {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.channels[id]
}

func (c *zmqConn) post(f func()) {
	if !c.loop.post(f) {
		go f()
	}
}

// request 发送带 seq 的请求，fn 在事件循环中收到回复
func (c *zmqConn) request(p *Pack, fn func(rep *Pack)) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrConnectionClosed
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = fn
	c.mutex.Unlock()

	p.SetSeq(seq)
	if err := c.write(p); err != nil {
		c.mutex.Lock()
		delete(c.pending, seq)
		c.mutex.Unlock()
		return err
	}
	return nil
}

func (c *zmqConn) write(p *Pack) error {
	b, err := p.MarshalMsgpack()
	if err != nil {
		return err
	}
	return c.sock.Send([][]byte{b})
}

func (c *zmqConn) Channel(cb func(Transport, error)) {
	err := c.request(newPack(opOpenChannel), func(rep *Pack) {
		if err := rep.Err(); err != nil {
			cb(nil, err)
			return
		}
		ch := &zmqChannel{
			conn:      c,
			id:        rep.Get(packChannel),
			consumers: make(map[string]func(*Delivery)),
		}
		c.mutex.Lock()
		c.channels[ch.id] = ch
		c.mutex.Unlock()
		cb(ch, nil)
	})
	if err != nil {
		c.post(func() { cb(nil, err) })
	}
}

func (c *zmqConn) NotifyClose(fn func(error)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		c.post(func() { fn(ErrConnectionClosed) })
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

func (c *zmqConn) Close() error {
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if !closed {
		if err := c.write(newPack(opCloseConnection)); err != nil {
			c.logger.WithError(err).Debugf("zmq: send close")
		}
	}
	c.shutdown(nil)
	c.sock.Close()
	return nil
}

func (c *zmqConn) shutdown(reason error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	pending := c.pending
	c.pending = make(map[uint64]func(p *Pack))
	channels := make([]*zmqChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	fns := c.closeFns
	c.closeFns = nil
	c.mutex.Unlock()

	failed := newPack(opReply)
	failed.SetError(ErrConnectionClosed)
	for _, fn := range pending {
		fn := fn
		c.loop.post(func() { fn(failed) })
	}
	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, fn := range fns {
		fn := fn
		c.loop.post(func() { fn(reason) })
	}
	c.loop.stop()
}

var _ Transport = (*zmqChannel)(nil)

type zmqChannel struct {
	conn      *zmqConn
	id        string
	consumers map[string]func(*Delivery)
	closeFns  []func(error)
	closed    bool
	mutex     sync.Mutex
}

func (ch *zmqChannel) newPack(op string, args ...any) (*Pack, error) {
	p := newPack(op)
	p.Set(packChannel, ch.id)
	for _, a := range args {
		if err := p.AddArg(a); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// call 发送请求，cb 在事件循环中收到回复和错误
func (ch *zmqChannel) call(op string, args []any, cb func(rep *Pack, err error)) {
	if ch.isClosed() {
		ch.conn.post(func() { cb(nil, ErrChannelClosed) })
		return
	}
	p, err := ch.newPack(op, args...)
	if err == nil {
		err = ch.conn.request(p, func(rep *Pack) { cb(rep, rep.Err()) })
	}
	if err != nil {
		ch.conn.post(func() { cb(nil, err) })
	}
}

// notify 不需要回复的操作
func (ch *zmqChannel) notify(op string, args ...any) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	p, err := ch.newPack(op, args...)
	if err != nil {
		return err
	}
	return ch.conn.write(p)
}

func (ch *zmqChannel) isClosed() bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.closed
}

func (ch *zmqChannel) ExchangeDeclare(name string, kind ExchangeKind, cb func(error)) {
	ch.call(opExchangeDeclare, []any{name, string(kind)}, func(_ *Pack, err error) { cb(err) })
}

func (ch *zmqChannel) QueueDeclare(opts QueueOptions, cb func(string, error)) {
	ch.call(opQueueDeclare, []any{opts}, func(rep *Pack, err error) {
		if err != nil {
			cb("", err)
			return
		}
		cb(rep.Get(packQueue), nil)
	})
}

func (ch *zmqChannel) QueueBind(queue string, name Name, cb func(error)) {
	ch.call(opQueueBind, []any{queue, name}, func(_ *Pack, err error) { cb(err) })
}

func (ch *zmqChannel) Consume(queue string, opts ConsumeOptions, deliver func(*Delivery), cb func(string, error)) {
	ch.call(opConsume, []any{queue, opts}, func(rep *Pack, err error) {
		if err != nil {
			cb("", err)
			return
		}
		// 服务端在 consume-ok 之后才投递
		tag := rep.Get(packTag)
		ch.mutex.Lock()
		ch.consumers[tag] = deliver
		ch.mutex.Unlock()
		cb(tag, nil)
	})
}

func (ch *zmqChannel) Cancel(tag string, cb func(error)) {
	ch.call(opCancel, []any{tag}, func(_ *Pack, err error) {
		if err == nil {
			ch.mutex.Lock()
			delete(ch.consumers, tag)
			ch.mutex.Unlock()
		}
		cb(err)
	})
}

func (ch *zmqChannel) Publish(name Name, msg *Publishing) error {
	return ch.notify(opPublish, name, msg)
}

func (ch *zmqChannel) Ack(tag uint64) error {
	return ch.notify(opAck, tag)
}

func (ch *zmqChannel) Reject(tag uint64, requeue bool) error {
	return ch.notify(opReject, tag, requeue)
}

func (ch *zmqChannel) deliver(p *Pack) {
	ch.mutex.Lock()
	fn := ch.consumers[p.Get(packTag)]
	ch.mutex.Unlock()
	if fn == nil {
		return
	}
	d := new(Delivery)
	if err := p.Arg(0, d); err != nil {
		ch.conn.logger.WithError(err).Warnf("zmq: decode delivery")
		return
	}
	fn(d)
}

func (ch *zmqChannel) NotifyClose(fn func(error)) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if ch.closed {
		ch.conn.post(func() { fn(ErrChannelClosed) })
		return
	}
	ch.closeFns = append(ch.closeFns, fn)
}

func (ch *zmqChannel) Close() error {
	if err := ch.notify(opCloseChannel); err != nil && !errors.Is(err, ErrChannelClosed) {
		ch.conn.logger.WithError(err).Debugf("zmq: close channel")
	}
	ch.shutdown(nil)
	return nil
}

func (ch *zmqChannel) shutdown(reason error) {
	ch.mutex.Lock()
	if ch.closed {
		ch.mutex.Unlock()
		return
	}
	ch.closed = true
	ch.consumers = make(map[string]func(*Delivery))
	fns := ch.closeFns
	ch.closeFns = nil
	ch.mutex.Unlock()

	ch.conn.mutex.Lock()
	if ch.conn.channels[ch.id] == ch {
		delete(ch.conn.channels, ch.id)
	}
	ch.conn.mutex.Unlock()

	for _, fn := range fns {
		fn := fn
		ch.conn.post(func() { fn(reason) })
	}
}
