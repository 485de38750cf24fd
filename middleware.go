package zion

import "context"

// Invocation 一次服务端调用
type Invocation struct {
	Method   string
	Args     Args
	Delivery *Delivery
}

// Header 取请求消息头
func (inv *Invocation) Header(key string) string {
	if inv.Delivery == nil {
		return ""
	}
	return inv.Delivery.Headers[key]
}

// ServerBeforeCall 服务端调用 handler 前执行，返回错误时拒绝该请求
type ServerBeforeCall func(ctx context.Context, inv *Invocation) error

// ServerAfterCall 服务端调用 handler 后执行
type ServerAfterCall func(ctx context.Context, inv *Invocation, result any, err error)

// ClientBeforeCall 客户端发送请求前执行，可以修改消息头
type ClientBeforeCall func(ctx context.Context, req *Envelope, msg *Publishing)

// ClientAfterCall 客户端收到响应（或失败）后执行
type ClientAfterCall func(ctx context.Context, req *Envelope, rep *Envelope, err error)

func runBeforeCall(ctx context.Context, hooks []ServerBeforeCall, inv *Invocation) error {
	for _, h := range hooks {
		if err := h(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func runAfterCall(ctx context.Context, hooks []ServerAfterCall, inv *Invocation, result any, err error) {
	for _, h := range hooks {
		h(ctx, inv, result, err)
	}
}
