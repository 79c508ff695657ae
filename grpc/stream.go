package grpc

import (
	"context"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments
// For streaming RPCs, payment is verified BEFORE the stream begins (upfront payment)
// Per-message payment is not supported
func StreamServerInterceptor(g *x402.Gateway, opts ...Option) grpc.StreamServerInterceptor {
	o := newOptions(opts)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		d := authorize(ctx, g, o, info.FullMethod)
		if !d.Forward() {
			trailer, err := statusFor(d)
			if trailer != nil {
				ss.SetTrailer(trailer)
			}
			return err
		}

		if d.Payment == nil {
			return handler(srv, ss)
		}

		if header := paymentResponseHeader(d); header != nil {
			ss.SetHeader(header)
		}

		// Wrap the server stream with updated context
		return handler(srv, &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, d.Payment),
		})
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with payment info
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
