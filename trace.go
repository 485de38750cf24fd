package zion

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hunyxv/zion"

// 链路追踪通过消息头传递，使用全局 TextMapPropagator
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}

// StartServerSpan 从投递的消息头中提取链路上下文，开始服务端 span
func StartServerSpan(ctx context.Context, method string, d *Delivery) (context.Context, trace.Span) {
	if len(d.Headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	}
	return tracer().Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.destination", d.Exchange),
			attribute.String("messaging.routing_key", d.RoutingKey),
			attribute.String("messaging.message_id", d.MessageID),
		))
}

// StartClientSpan 开始客户端 span，并把链路上下文写入 msg 的消息头
func StartClientSpan(ctx context.Context, method string, msg *Publishing) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, method, trace.WithSpanKind(trace.SpanKindClient))
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
	return ctx, span
}

// EndSpan 记录错误并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
