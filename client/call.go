package client

import (
	"context"

	"github.com/hunyxv/zion"
)

// call 等待响应的调用，只会被完成一次
type call struct {
	method        string
	correlationID string

	done chan struct{}
	rep  *zion.Delivery
	err  error
}

func newCall(method string) *call {
	return &call{
		method:        method,
		correlationID: zion.NewCorrelationID(),
		done:          make(chan struct{}),
	}
}

// resolve 调用方持有 Client 的锁，保证只执行一次
func (c *call) resolve(rep *zion.Delivery, err error) {
	c.rep = rep
	c.err = err
	close(c.done)
}

func (c *call) wait(ctx context.Context) (*zion.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.rep, c.err
	}
}
