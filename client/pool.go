package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hunyxv/zion"
	"github.com/pkg/errors"
)

var (
	// ErrPoolTimeout timed out waiting to get a client from the client pool.
	ErrPoolTimeout = errors.New("zion-cli: client pool timeout")
	// ErrPoolClosed .
	ErrPoolClosed = errors.New("zion-cli: client pool is closed")
)

var timers = sync.Pool{
	New: func() interface{} {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	},
}

type pooled struct {
	*Client
	createdAt time.Time
	usedAt    int64
}

func (p *pooled) UsedAt() time.Time {
	unix := atomic.LoadInt64(&p.usedAt)
	return time.Unix(unix, 0)
}

func (p *pooled) SetUsedAt(t time.Time) {
	atomic.StoreInt64(&p.usedAt, t.Unix())
}

// Pool 客户端池。每个 Client 同时只能有一个调用，Pool 为并发调用方各借出一个空闲 Client
type Pool struct {
	node  *zion.Node
	iface *zion.ServiceInterface
	opt   *options

	clis     []*pooled
	idleClis []*pooled
	poolSize int
	idleLen  int

	mutex    sync.Mutex
	queue    chan struct{}
	_closed  uint32
	closedCh chan struct{}
}

// NewPool 客户端按需通过 Dial 在 node 上创建
func NewPool(node *zion.Node, iface *zion.ServiceInterface, opts ...Option) (*Pool, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts...)
	pool := &Pool{
		node:     node,
		iface:    iface,
		opt:      o,
		clis:     make([]*pooled, 0, o.PoolSize),
		idleClis: make([]*pooled, 0, o.PoolSize),
		queue:    make(chan struct{}, o.PoolSize),
		closedCh: make(chan struct{}),
	}

	pool.mutex.Lock()
	pool.checkMinIdleClis()
	pool.mutex.Unlock()

	if o.IdleTimeout > 0 && o.IdleCheckFrequency > 0 {
		go pool.reaper(o.IdleCheckFrequency)
	}
	return pool, nil
}

func (pool *Pool) reaper(frequency time.Duration) {
	tick := time.NewTicker(frequency)
	defer tick.Stop()

	for {
		select {
		case <-pool.closedCh:
			return
		case <-tick.C:
			if pool.isClosed() {
				return
			}
			pool.ReapStaleClients()
		}
	}
}

// checkMinIdleClis 调用方持有锁
func (pool *Pool) checkMinIdleClis() {
	for pool.poolSize < pool.opt.PoolSize && pool.idleLen < pool.opt.MinIdleClients {
		pool.poolSize++
		pool.idleLen++
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), pool.opt.PoolTimeout)
			defer cancel()

			p, err := pool.dial(ctx)
			pool.mutex.Lock()
			defer pool.mutex.Unlock()
			if err != nil {
				pool.poolSize--
				pool.idleLen--
				pool.opt.Logger.WithError(err).Warnf("client pool: dial")
				return
			}
			if pool.isClosed() {
				p.Close()
				return
			}
			pool.clis = append(pool.clis, p)
			pool.idleClis = append(pool.idleClis, p)
		}()
	}
}

func (pool *Pool) dial(ctx context.Context) (*pooled, error) {
	cli, err := Dial(ctx, pool.node, pool.iface,
		WithLogger(pool.opt.Logger),
		WithRegistry(pool.opt.Registry),
		WithCodec(pool.opt.Codec),
		WithBeforeCall(pool.opt.BeforeCall...),
		WithAfterCall(pool.opt.AfterCall...),
	)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooled{Client: cli, createdAt: now, usedAt: now.Unix()}, nil
}

// Call 借出一个空闲客户端调用 name
func (pool *Pool) Call(ctx context.Context, name string, args ...any) (any, error) {
	p, err := pool.get(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.put(p)
	return p.Call(ctx, name, args...)
}

// CallInto 同 Client.CallInto
func (pool *Pool) CallInto(ctx context.Context, name string, dst any, args ...any) error {
	result, err := pool.Call(ctx, name, args...)
	if err != nil {
		return err
	}
	return decodeResult(pool.opt.Registry, result, dst)
}

// Decorate 将 proxy 的函数字段装饰为经由连接池的远程调用
func (pool *Pool) Decorate(proxy any) error {
	if pool.isClosed() {
		return ErrPoolClosed
	}
	return decorate(proxy, pool.iface, pool, pool.opt.Registry)
}

func (pool *Pool) get(ctx context.Context) (*pooled, error) {
	if pool.isClosed() {
		return nil, ErrPoolClosed
	}

	if err := pool.waitTurn(ctx); err != nil {
		return nil, err
	}

	for {
		pool.mutex.Lock()
		p := pool.popIdle()
		pool.mutex.Unlock()
		if p == nil {
			break
		}

		if pool.isStale(p) {
			pool.mutex.Lock()
			pool.removeCli(p)
			pool.mutex.Unlock()
			pool.closeCli(p)
			continue
		}
		return p, nil
	}

	pool.mutex.Lock()
	pool.poolSize++
	pool.mutex.Unlock()
	p, err := pool.dial(ctx)
	if err != nil {
		pool.mutex.Lock()
		pool.poolSize--
		pool.mutex.Unlock()
		pool.freeTurn()
		return nil, err
	}
	pool.mutex.Lock()
	pool.clis = append(pool.clis, p)
	pool.mutex.Unlock()
	return p, nil
}

// waitTurn 队列容量即 PoolSize，最多 PoolSize 个调用方同时持有客户端
func (pool *Pool) waitTurn(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case pool.queue <- struct{}{}:
		return nil
	default:
	}

	timer := timers.Get().(*time.Timer)
	timer.Reset(pool.opt.PoolTimeout)

	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		timers.Put(timer)
		return ctx.Err()
	case pool.queue <- struct{}{}:
		if !timer.Stop() {
			<-timer.C
		}
		timers.Put(timer)
		return nil
	case <-timer.C:
		timers.Put(timer)
		return ErrPoolTimeout
	}
}

func (pool *Pool) freeTurn() {
	select {
	case <-pool.queue:
	default:
	}
}

// popIdle 调用方持有锁
func (pool *Pool) popIdle() *pooled {
	l := len(pool.idleClis)
	if l == 0 {
		return nil
	}

	var p *pooled
	if pool.opt.PoolFIFO {
		p = pool.idleClis[0]
		copy(pool.idleClis, pool.idleClis[1:])
		pool.idleClis = pool.idleClis[:l-1]
	} else {
		p = pool.idleClis[l-1]
		pool.idleClis = pool.idleClis[:l-1]
	}
	pool.idleLen--
	pool.checkMinIdleClis()
	return p
}

func (pool *Pool) isStale(p *pooled) bool {
	if p.Err() != nil {
		return true
	}
	now := time.Now()
	if pool.opt.IdleTimeout > 0 && now.Sub(p.UsedAt()) >= pool.opt.IdleTimeout {
		return true
	}
	if pool.opt.MaxClientAge > 0 && now.Sub(p.createdAt) >= pool.opt.MaxClientAge {
		return true
	}
	return false
}

func (pool *Pool) closeCli(p *pooled) error {
	if pool.opt.OnClose != nil {
		pool.opt.OnClose(p.Client)
	}
	return p.Close()
}

// removeCli 调用方持有锁
func (pool *Pool) removeCli(p *pooled) {
	for i, c := range pool.clis {
		if c == p {
			pool.clis[i] = pool.clis[len(pool.clis)-1]
			pool.clis[len(pool.clis)-1] = nil
			pool.clis = pool.clis[:len(pool.clis)-1]
			break
		}
	}
	pool.poolSize--
}

func (pool *Pool) put(p *pooled) {
	defer pool.freeTurn()

	if pool.isClosed() {
		p.Close()
		return
	}
	// 通道已关闭的客户端不再放回
	if p.Err() != nil {
		pool.mutex.Lock()
		pool.removeCli(p)
		pool.mutex.Unlock()
		pool.closeCli(p)
		return
	}

	p.SetUsedAt(time.Now())
	pool.mutex.Lock()
	pool.idleClis = append(pool.idleClis, p)
	pool.idleLen++
	pool.mutex.Unlock()
}

// Len 客户端总数
func (pool *Pool) Len() int {
	pool.mutex.Lock()
	n := pool.poolSize
	pool.mutex.Unlock()
	return n
}

// IdleLen 空闲客户端数
func (pool *Pool) IdleLen() int {
	pool.mutex.Lock()
	n := pool.idleLen
	pool.mutex.Unlock()
	return n
}

// ReapStaleClients 关闭过期的空闲客户端，返回关闭的个数
func (pool *Pool) ReapStaleClients() int {
	var n int
	for {
		pool.mutex.Lock()
		p := pool.reapStale()
		pool.mutex.Unlock()
		if p == nil {
			return n
		}
		pool.closeCli(p)
		n++
	}
}

// reapStale 空闲列表头部是最久未使用的客户端，调用方持有锁
func (pool *Pool) reapStale() *pooled {
	if len(pool.idleClis) == 0 {
		return nil
	}
	p := pool.idleClis[0]
	if !pool.isStale(p) {
		return nil
	}
	pool.idleClis = append(pool.idleClis[:0], pool.idleClis[1:]...)
	pool.idleLen--
	pool.removeCli(p)
	return p
}

func (pool *Pool) isClosed() bool {
	return atomic.LoadUint32(&pool._closed) == 1
}

// Close 关闭全部客户端
func (pool *Pool) Close() error {
	if !atomic.CompareAndSwapUint32(&pool._closed, 0, 1) {
		return ErrPoolClosed
	}
	close(pool.closedCh)

	pool.mutex.Lock()
	clis := pool.clis
	pool.clis = nil
	pool.idleClis = nil
	pool.idleLen = 0
	pool.poolSize = 0
	pool.mutex.Unlock()

	for _, p := range clis {
		p.Close()
	}
	return nil
}
