package zion

import "time"

// DefaultQueueSize Socket 接收队列默认容量，同时作为消费者的 prefetch
const DefaultQueueSize = 1024

// DefaultHeartbeat zmq 桥接默认心跳间隔
const DefaultHeartbeat = 5 * time.Second

type Option func(opt *options)

type options struct {
	Logger          Logger                                // logger
	QueueSize       int                                   // Socket 接收队列容量
	NoAck           bool                                  // 消费者免确认模式
	PoolSize        int                                   // Entity 工作池大小，0 表示不限
	Directory       Directory                             // 服务名解析
	OnChannelClosed func(id uint64, role Role, err error) // 通道被代理关闭时回调
	IDGenerator     func(last uint64) uint64              // 通道 id 生成器
	ExchangeKind    ExchangeKind                          // 非空时声明绑定/连接的交换机
	Heartbeat       time.Duration                         // zmq 桥接心跳间隔

	Registry   *ObjectRegistry    // 领域对象注册表
	BeforeCall []ServerBeforeCall // Entity 调用 handler 前执行
	AfterCall  []ServerAfterCall  // Entity 调用 handler 后执行
}

func newOptions(opts ...Option) *options {
	o := &options{
		Logger:    DefaultLogger(),
		QueueSize: DefaultQueueSize,
		Registry:  DefaultRegistry,
		Heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		if logger != nil {
			opt.Logger = logger
		}
	}
}

// WithQueueSize 设置接收队列容量
func WithQueueSize(n int) Option {
	return func(opt *options) {
		opt.QueueSize = n
	}
}

// WithNoAck 消费者不确认投递；队列溢出时消息会被记录并丢弃
func WithNoAck(noAck bool) Option {
	return func(opt *options) {
		opt.NoAck = noAck
	}
}

// WithPoolSize 设置工作池大小（默认无限大）
func WithPoolSize(size int) Option {
	return func(opt *options) {
		opt.PoolSize = size
	}
}

// WithDirectory 设置服务目录
func WithDirectory(d Directory) Option {
	return func(opt *options) {
		opt.Directory = d
	}
}

// WithOnChannelClosed 通道被代理关闭时的回调，重开策略由调用方决定
func WithOnChannelClosed(fn func(id uint64, role Role, err error)) Option {
	return func(opt *options) {
		opt.OnChannelClosed = fn
	}
}

func WithIDGenerator(next func(last uint64) uint64) Option {
	return func(opt *options) {
		opt.IDGenerator = next
	}
}

// WithExchangeKind Bind/Connect 前先以 kind 声明目标交换机（"" 与 amq.* 除外）
func WithExchangeKind(kind ExchangeKind) Option {
	return func(opt *options) {
		opt.ExchangeKind = kind
	}
}

// WithHeartbeat zmq 桥接的心跳间隔，连续三个间隔收不到客户端消息即视为断开
func WithHeartbeat(interval time.Duration) Option {
	return func(opt *options) {
		opt.Heartbeat = interval
	}
}

// WithRegistry 设置领域对象注册表
func WithRegistry(r *ObjectRegistry) Option {
	return func(opt *options) {
		if r != nil {
			opt.Registry = r
		}
	}
}

// WithServerBeforeCall 添加服务端前置钩子（治理、鉴权）
func WithServerBeforeCall(fns ...ServerBeforeCall) Option {
	return func(opt *options) {
		opt.BeforeCall = append(opt.BeforeCall, fns...)
	}
}

// WithServerAfterCall 添加服务端后置钩子
func WithServerAfterCall(fns ...ServerAfterCall) Option {
	return func(opt *options) {
		opt.AfterCall = append(opt.AfterCall, fns...)
	}
}
