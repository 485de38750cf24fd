package client

import (
	"time"

	"github.com/hunyxv/zion"
)

type Option func(opt *options)

type options struct {
	Logger     zion.Logger
	Registry   *zion.ObjectRegistry    // 领域对象注册表
	Codec      zion.Codec              // 请求编码，默认 JSON
	BeforeCall []zion.ClientBeforeCall // 发送请求前执行
	AfterCall  []zion.ClientAfterCall  // 收到响应后执行

	// 连接池
	PoolSize           int           // 最大客户端数
	MinIdleClients     int           // 最少空闲客户端数
	PoolTimeout        time.Duration // 等待空闲客户端的超时时间
	IdleTimeout        time.Duration // 空闲超过该时间的客户端被关闭，0 表示不检查
	IdleCheckFrequency time.Duration // 空闲检查周期
	MaxClientAge       time.Duration // 客户端最长使用时间，0 表示不限
	PoolFIFO           bool          // 先进先出取空闲客户端，默认后进先出
	OnClose            func(*Client) // 连接池关闭客户端时回调
}

func newOptions(opts ...Option) *options {
	o := &options{
		Logger:             zion.DefaultLogger(),
		Registry:           zion.DefaultRegistry,
		Codec:              zion.JSONCodec,
		PoolSize:           4,
		MinIdleClients:     1,
		PoolTimeout:        3 * time.Second,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: time.Minute,
	}
	for _, f := range opts {
		f(o)
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 1
	}
	if o.MinIdleClients > o.PoolSize {
		o.MinIdleClients = o.PoolSize
	}
	return o
}

// WithLogger 设置 logger
func WithLogger(logger zion.Logger) Option {
	return func(opt *options) {
		if logger != nil {
			opt.Logger = logger
		}
	}
}

// WithRegistry 设置领域对象注册表
func WithRegistry(r *zion.ObjectRegistry) Option {
	return func(opt *options) {
		if r != nil {
			opt.Registry = r
		}
	}
}

// WithCodec 设置请求编码，响应按其内容类型解码
func WithCodec(c zion.Codec) Option {
	return func(opt *options) {
		if c != nil {
			opt.Codec = c
		}
	}
}

// WithBeforeCall 添加发送前钩子
func WithBeforeCall(fns ...zion.ClientBeforeCall) Option {
	return func(opt *options) {
		opt.BeforeCall = append(opt.BeforeCall, fns...)
	}
}

// WithAfterCall 添加响应后钩子
func WithAfterCall(fns ...zion.ClientAfterCall) Option {
	return func(opt *options) {
		opt.AfterCall = append(opt.AfterCall, fns...)
	}
}

// WithPoolSize 连接池最大客户端数
func WithPoolSize(n int) Option {
	return func(opt *options) {
		opt.PoolSize = n
	}
}

// WithMinIdleClients 连接池最少空闲客户端数
func WithMinIdleClients(n int) Option {
	return func(opt *options) {
		opt.MinIdleClients = n
	}
}

// WithPoolTimeout 等待空闲客户端的超时时间
func WithPoolTimeout(d time.Duration) Option {
	return func(opt *options) {
		opt.PoolTimeout = d
	}
}

// WithIdleTimeout 空闲客户端的最长保留时间
func WithIdleTimeout(d time.Duration) Option {
	return func(opt *options) {
		opt.IdleTimeout = d
	}
}

// WithIdleCheckFrequency 空闲检查周期
func WithIdleCheckFrequency(d time.Duration) Option {
	return func(opt *options) {
		opt.IdleCheckFrequency = d
	}
}

// WithMaxClientAge 客户端最长使用时间
func WithMaxClientAge(d time.Duration) Option {
	return func(opt *options) {
		opt.MaxClientAge = d
	}
}

// WithPoolFIFO 先进先出取空闲客户端
func WithPoolFIFO(fifo bool) Option {
	return func(opt *options) {
		opt.PoolFIFO = fifo
	}
}

// WithOnClose 连接池关闭客户端时回调
func WithOnClose(fn func(*Client)) Option {
	return func(opt *options) {
		opt.OnClose = fn
	}
}
