package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChainSubmitSpan 在链上交易提交时创建 span
func ChainSubmitSpan(ctx context.Context, method string, contract string) (context.Context, trace.Span) {
	tracer := Tracer()
	ctx, span := tracer.Start(ctx, "chain.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chain.contract", contract),
			attribute.String("chain.method", method),
		),
	)
	return ctx, span
}

// ChainCallSpan 在链上只读调用时创建 span
func ChainCallSpan(ctx context.Context, method string, contract string) (context.Context, trace.Span) {
	tracer := Tracer()
	ctx, span := tracer.Start(ctx, "chain.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chain.contract", contract),
			attribute.String("chain.method", method),
		),
	)
	return ctx, span
}
