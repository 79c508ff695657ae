package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// ToolNamer maps a full gRPC method name to a catalog tool name.
type ToolNamer func(fullMethod string) string

// Option configures the interceptors.
type Option func(*options)

type options struct {
	toolName ToolNamer
}

// WithToolNamer overrides how methods map to tools. Defaults to ToolFromMethod.
func WithToolNamer(fn ToolNamer) Option {
	return func(o *options) {
		o.toolName = fn
	}
}

func newOptions(opts []Option) *options {
	o := &options{toolName: ToolFromMethod}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments
// It implements the x402 protocol flow using gRPC metadata for payment signaling
func UnaryServerInterceptor(g *x402.Gateway, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		d := authorize(ctx, g, o, info.FullMethod)
		if !d.Forward() {
			trailer, err := statusFor(d)
			if trailer != nil {
				grpc.SetTrailer(ctx, trailer)
			}
			return nil, err
		}

		if d.Payment != nil {
			// Inject payment context into the gRPC context
			ctx = context.WithValue(ctx, x402.PaymentContextKey, d.Payment)
		}
		if header := paymentResponseHeader(d); header != nil {
			// The payment was accepted whatever the handler returns.
			grpc.SetHeader(ctx, header)
		}

		return handler(ctx, req)
	}
}

func authorize(ctx context.Context, g *x402.Gateway, o *options, fullMethod string) *x402.Decision {
	md, _ := metadata.FromIncomingContext(ctx)

	var transportID string
	if p, ok := peer.FromContext(ctx); ok {
		transportID = hostOnly(p.Addr)
	}

	call := x402.Call{Kind: x402.CallRPC, Tool: o.toolName(fullMethod), Resource: fullMethod}
	return g.Authorize(ctx, call, PaymentFromMetadata(md), transportID)
}

func paymentResponseHeader(d *x402.Decision) metadata.MD {
	if d.Settlement == nil {
		return nil
	}
	encoded, err := EncodePaymentResponse(d.Settlement)
	if err != nil {
		return nil
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
