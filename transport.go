package zion

/*
	代理（broker）侧的线路契约。

	Connection 对应一条到代理的连接，Transport 对应连接上的一个代理通道。
	所有异步操作的回调、消息投递（deliver）和关闭通知都在所属连接的事件循环
	中串行执行，回调中不允许阻塞。

	通道级错误（声明被拒绝、交换机不存在等）会关闭该 Transport：失败操作的回调
	收到错误，随后执行所有 NotifyClose 注册的函数。
*/

// ExchangeKind 交换机类型
type ExchangeKind string

const (
	Direct ExchangeKind = "direct"
	Topic  ExchangeKind = "topic"
	Fanout ExchangeKind = "fanout"
)

// 预声明的交换机
const (
	DefaultExchange = ""
	AmqDirect       = "amq.direct"
	AmqTopic        = "amq.topic"
	AmqFanout       = "amq.fanout"
)

// 消息元数据
const (
	MessageTypeRR   = "rr-data" // request-response data
	ContentEncoding = "utf-8"
)

// QueueOptions queue.declare 参数；Name 为空时由代理分配
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ConsumeOptions basic.consume / basic.qos 参数
type ConsumeOptions struct {
	Tag           string
	NoAck         bool
	Exclusive     bool
	PrefetchCount int
	PrefetchSize  int
}

// Publishing 待发布的消息
type Publishing struct {
	ContentType     string            `msgpack:"content_type"`
	ContentEncoding string            `msgpack:"content_encoding"`
	Type            string            `msgpack:"type"`
	ReplyTo         string            `msgpack:"reply_to"`
	CorrelationID   string            `msgpack:"correlation_id"`
	MessageID       string            `msgpack:"message_id"`
	Headers         map[string]string `msgpack:"headers"`
	Body            []byte            `msgpack:"body"`
}

// Delivery 代理投递的消息
type Delivery struct {
	Publishing `msgpack:",inline"`

	Exchange    string `msgpack:"exchange"`
	RoutingKey  string `msgpack:"routing_key"`
	ConsumerTag string `msgpack:"consumer_tag"`
	DeliveryTag uint64 `msgpack:"delivery_tag"`
	Redelivered bool   `msgpack:"redelivered"`
}

// Transport 代理通道
type Transport interface {
	// ExchangeDeclare 声明交换机
	ExchangeDeclare(name string, kind ExchangeKind, cb func(err error))
	// QueueDeclare 声明队列，回调返回队列名（匿名队列由代理命名）
	QueueDeclare(opts QueueOptions, cb func(queue string, err error))
	// QueueBind 将队列绑定到 name 指定的交换机和绑定键
	QueueBind(queue string, name Name, cb func(err error))
	// Consume 开始消费队列
	Consume(queue string, opts ConsumeOptions, deliver func(d *Delivery), cb func(tag string, err error))
	// Cancel 取消消费者
	Cancel(tag string, cb func(err error))
	// Publish 发布消息，不阻塞
	Publish(name Name, msg *Publishing) error
	// Ack 确认投递
	Ack(tag uint64) error
	// Reject 拒绝投递，requeue 为 true 时重新入队
	Reject(tag uint64, requeue bool) error
	// NotifyClose 注册关闭通知，正常关闭时 err 为 nil
	NotifyClose(fn func(err error))
	// Close 关闭通道
	Close() error
}

// Connection 到代理的连接
type Connection interface {
	// Channel 打开一个代理通道
	Channel(cb func(t Transport, err error))
	// NotifyClose 注册连接关闭通知
	NotifyClose(fn func(err error))
	// Close 关闭连接及其所有通道
	Close() error
}
