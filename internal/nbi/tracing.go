package nbi

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/internal/observability"
)

const tracerName = observability.TracerName + "/internal/nbi"

// TracingUnaryServerInterceptor enriches RPC spans with standard attributes and
// ensures a server span exists when tracing interceptors are not configured.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span, created := startServerSpan(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// TracingStreamServerInterceptor is the streaming counterpart of
// TracingUnaryServerInterceptor.
func TracingStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span, created := startServerSpan(ss.Context(), info.FullMethod)
		err := handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return err
	}
}

func startServerSpan(ctx context.Context, fullMethod string) (context.Context, trace.Span, bool) {
	service, method := observability.SplitMethod(fullMethod)
	name := fmt.Sprintf("operator/%s/%s", service, method)

	span := trace.SpanFromContext(ctx)
	created := false
	if !span.SpanContext().IsValid() {
		ctx, span = otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
		created = true
	} else {
		span.SetName(name)
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
		attribute.String("rpc.full_method", strings.TrimPrefix(fullMethod, "/")),
	}
	if id := logging.IntentIDFromContext(ctx); id != "" {
		attrs = append(attrs, observability.AttrIntentID.String(id))
	}
	span.SetAttributes(attrs...)
	return ctx, span, created
}
