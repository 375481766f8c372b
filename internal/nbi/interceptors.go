package nbi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
)

// IntentIDMetadataKey carries an operator-chosen intent id. The id is echoed
// back in the response header.
const IntentIDMetadataKey = "x-intent-id"

// IntentIDUnaryServerInterceptor ensures an intent_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with intent_id and method.
func IntentIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = withIntentContext(ctx, base, info.FullMethod)
		_ = grpc.SetHeader(ctx, metadata.Pairs(IntentIDMetadataKey, logging.IntentIDFromContext(ctx)))
		return handler(ctx, req)
	}
}

// IntentIDStreamServerInterceptor is the streaming counterpart of
// IntentIDUnaryServerInterceptor.
func IntentIDStreamServerInterceptor(base logging.Logger) grpc.StreamServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := withIntentContext(ss.Context(), base, info.FullMethod)
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

func withIntentContext(ctx context.Context, base logging.Logger, method string) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if incoming := firstHeader(md, IntentIDMetadataKey); incoming != "" {
			ctx = logging.ContextWithIntentID(ctx, incoming)
		}
	}
	ctx, reqLog := logging.WithIntentLogger(ctx, base.With(logging.String("method", method)))
	return logging.ContextWithLogger(ctx, reqLog)
}

// contextStream overrides the context of a server stream.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
