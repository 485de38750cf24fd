package zion

import (
	"context"
	"sync"
)

// inbound 进入 Socket 的一条消息；accepted 仅在 listener 角色下非空
type inbound struct {
	accepted *Channel
	delivery *Delivery
	ack      bool
}

// deliveryQueue 有界 FIFO。push 在事件循环中调用，不阻塞
type deliveryQueue struct {
	items  chan inbound
	done   chan struct{}
	err    error
	closed bool
	mutex  sync.Mutex
}

func newDeliveryQueue(size int) *deliveryQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &deliveryQueue{
		items: make(chan inbound, size),
		done:  make(chan struct{}),
	}
}

// push 队列已满或已关闭时返回 false
func (q *deliveryQueue) push(item inbound) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// pop 队列关闭后仍先取完剩余消息
func (q *deliveryQueue) pop(ctx context.Context) (inbound, error) {
	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return inbound{}, q.err
		}
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	}
}

func (q *deliveryQueue) close(err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	if err == nil {
		err = ErrChannelClosed
	}
	q.closed = true
	q.err = err
	close(q.done)
}

func (q *deliveryQueue) len() int {
	return len(q.items)
}

func (q *deliveryQueue) cap() int {
	return cap(q.items)
}
