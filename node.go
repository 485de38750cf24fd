package zion

import (
	"context"
	"sync"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Node 持有一条代理连接，为上层服务按角色构建 Socket，并负责服务名的注册与解析
type Node struct {
	ID string

	conn     Connection
	ids      *IDPool
	channels map[uint64]*Socket
	opts     []Option
	o        *options
	closed   bool

	logger Logger
	mutex  sync.Mutex
}

// NewNode opts 同时作为本节点所有 Socket 的默认选项
func NewNode(conn Connection, opts ...Option) *Node {
	o := newOptions(opts...)
	n := &Node{
		ID:       uuid.NewUUID().String(),
		conn:     conn,
		ids:      NewIDPool(o.IDGenerator),
		channels: make(map[uint64]*Socket),
		opts:     opts,
		o:        o,
	}
	n.logger = o.Logger.WithField("node", n.ID)
	conn.NotifyClose(func(err error) {
		if err != nil {
			n.logger.WithError(err).Errorf("node: broker connection closed")
		}
	})
	return n
}

type openResult struct {
	t   Transport
	err error
}

// Channel 打开一个代理通道并构建 role 角色的 Socket；通道关闭时释放其 id
func (n *Node) Channel(ctx context.Context, role Role, opts ...Option) (*Socket, error) {
	if role == RoleAccepted {
		return nil, usageErr("channel", ErrAcceptedReadOnly)
	}
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return nil, ErrNodeClosed
	}
	n.mutex.Unlock()

	res := make(chan openResult, 1)
	n.conn.Channel(func(t Transport, err error) {
		res <- openResult{t: t, err: err}
	})

	var r openResult
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if r := <-res; r.t != nil {
				r.t.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, errors.WithMessage(r.err, "node: open channel")
	}

	id := n.ids.Get()
	logger := n.logger.WithField("channel", id)
	ch := NewChannel(r.t, role, logger)
	sock := NewSocket(ch, append(append([]Option{}, n.opts...), append(opts, WithLogger(logger))...)...)

	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		n.ids.Release(id)
		sock.Close()
		return nil, ErrNodeClosed
	}
	n.channels[id] = sock
	n.mutex.Unlock()

	ch.NotifyClose(func(err error) { n.channelClosed(id, role, err) })
	logger.WithField("role", role.String()).Debugf("node: channel opened")
	return sock, nil
}

func (n *Node) channelClosed(id uint64, role Role, err error) {
	n.mutex.Lock()
	delete(n.channels, id)
	n.mutex.Unlock()
	n.ids.Release(id)

	if err == nil {
		return
	}
	n.logger.WithFields(logrus.Fields{"channel": id, "role": role.String()}).WithError(err).Warnf("node: channel closed by broker")
	if n.o.OnChannelClosed != nil {
		n.o.OnChannelClosed(id, role, err)
	}
}

// Channels 打开中的通道数
func (n *Node) Channels() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.channels)
}

// Register 在目录中把 service 登记为 name
func (n *Node) Register(ctx context.Context, service string, name Name) error {
	if n.o.Directory == nil {
		return ErrNoDirectory
	}
	return n.o.Directory.Register(ctx, Entry{Service: service, NodeID: n.ID, Name: name})
}

// Deregister 注销 service
func (n *Node) Deregister(ctx context.Context, service string) error {
	if n.o.Directory == nil {
		return nil
	}
	return n.o.Directory.Deregister(ctx, service)
}

// Lookup 解析服务名；没有目录时服务名即默认交换机上的路由键
func (n *Node) Lookup(ctx context.Context, service string) (Name, error) {
	if n.o.Directory == nil {
		return Name{Exchange: DefaultExchange, Key: service}, nil
	}
	return n.o.Directory.Lookup(ctx, service)
}

// Close 关闭全部通道和连接
func (n *Node) Close() error {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return nil
	}
	n.closed = true
	socks := make([]*Socket, 0, len(n.channels))
	for _, s := range n.channels {
		socks = append(socks, s)
	}
	n.mutex.Unlock()

	for _, s := range socks {
		s.Close()
	}
	return n.conn.Close()
}
