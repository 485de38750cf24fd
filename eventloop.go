package zion

import "sync"

// eventLoop 串行执行回调的事件循环，一条代理连接对应一个。
// post 从不阻塞，回调内可以继续 post。
type eventLoop struct {
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	mutex  sync.Mutex
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) post(f func()) bool {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return false
	}
	l.tasks = append(l.tasks, f)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop 执行完已提交的回调后退出
func (l *eventLoop) stop() {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.closed = true
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *eventLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mutex.Lock()
			tasks := l.tasks
			l.tasks = nil
			closed := l.closed
			l.mutex.Unlock()

			if len(tasks) == 0 {
				if closed {
					return
				}
				break
			}
			for _, f := range tasks {
				f()
			}
		}
	}
}
