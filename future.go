package zion

import (
	"context"
	"sync"

	"github.com/hunyxv/utils/spinlock"
)

// future 一次性完成信号，只能 resolve 一次
type future struct {
	done chan struct{}
	err  error
	set  bool
	lock sync.Locker
}

func newFuture() *future {
	return &future{
		done: make(chan struct{}),
		lock: spinlock.NewSpinLock(),
	}
}

// resolve 可在事件循环中调用，不阻塞；重复调用忽略
func (f *future) resolve(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.err = err
	close(f.done)
}

// wait 等待 resolve 或 ctx 结束
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
