package zion

import "sync"

// IDPool 可复用的整数 id 池。
// 释放的 id 会在生成新 id 之前被优先复用。
type IDPool struct {
	next   func(last uint64) uint64
	last   uint64
	inUse  map[uint64]struct{}
	free   []uint64
	isFree map[uint64]struct{}
	mutex  sync.Mutex
}

// NewIDPool next 根据上一个 id 生成下一个，nil 时默认自增
func NewIDPool(next func(last uint64) uint64) *IDPool {
	if next == nil {
		next = func(last uint64) uint64 { return last + 1 }
	}
	return &IDPool{
		next:   next,
		inUse:  make(map[uint64]struct{}),
		isFree: make(map[uint64]struct{}),
	}
}

// Get 取一个 id
func (p *IDPool) Get() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if l := len(p.free); l > 0 {
		id := p.free[l-1]
		p.free = p.free[:l-1]
		delete(p.isFree, id)
		p.inUse[id] = struct{}{}
		return id
	}

	p.last = p.next(p.last)
	p.inUse[p.last] = struct{}{}
	return p.last
}

// Release 归还 id，不在使用中的 id 忽略
func (p *IDPool) Release(id uint64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.inUse[id]; !ok {
		return
	}
	delete(p.inUse, id)
	p.isFree[id] = struct{}{}
	p.free = append(p.free, id)
}

// InUse 使用中的 id 数量
func (p *IDPool) InUse() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.inUse)
}

// Free 空闲 id 数量
func (p *IDPool) Free() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.free)
}
