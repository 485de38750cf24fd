package zion

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "zion"

var (
	messagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_published_total",
		Help:      "Messages published on channels, by channel role.",
	}, []string{"role"})

	messagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_delivered_total",
		Help:      "Messages delivered by the broker, by channel role.",
	}, []string{"role"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_dropped_total",
		Help:      "Inbound messages that could not be handed to the application.",
	}, []string{"reason"})

	channelClosures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "channel_closures_total",
		Help:      "Channel closures, graceful or reported by the broker.",
	}, []string{"reason"})

	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rpc_calls_total",
		Help:      "RPC calls by side and outcome.",
	}, []string{"side", "outcome"})
)

// 丢弃原因
const (
	dropQueueFull   = "queue_full"
	dropNoSink      = "no_sink"
	dropBadReplyTo  = "bad_reply_to"
	DropUnsolicited = "unsolicited"
)

// RPC 调用方
const (
	SideClient = "client"
	SideServer = "server"
)

// RPC 结果
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTransport   = "transport_error"
	OutcomeDecodeError = "decode_error"
	OutcomeInFlight    = "in_flight"
)

// Collectors 返回本包的全部指标
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		messagesPublished,
		messagesDelivered,
		messagesDropped,
		channelClosures,
		rpcCalls,
	}
}

// RegisterMetrics 将指标注册到 reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCall 记录一次 RPC 调用结果，side 为 "client" 或 "server"
func ObserveCall(side, outcome string) {
	rpcCalls.WithLabelValues(side, outcome).Inc()
}

// ObserveDropped 记录一条被丢弃的入站消息
func ObserveDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}
