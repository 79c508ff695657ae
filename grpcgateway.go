package x402

import (
	"context"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys set by WithPaymentMetadata.
const (
	MetadataPaymentVerified = "x-payment-verified"
	MetadataPaymentPayer    = "x-payment-payer"
	MetadataPaymentAmount   = "x-payment-amount"
	MetadataPaymentNetwork  = "x-payment-network"
	MetadataPaymentTool     = "x-payment-tool"
	MetadataPaymentTxHash   = "x-payment-tx-hash"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers.
// Client headers that would map onto the same metadata keys are dropped.
// Mount the ServeMux behind Gateway.Middleware.
func WithPaymentMetadata() runtime.ServeMuxOption {
	annotator := runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok {
			payment, ok = GetPaymentFromContext(r.Context())
		}
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set(MetadataPaymentVerified, "true")
		md.Set(MetadataPaymentPayer, payment.PayerAddress)
		md.Set(MetadataPaymentAmount, payment.Amount)
		md.Set(MetadataPaymentNetwork, payment.Network)
		md.Set(MetadataPaymentTool, payment.Tool)
		if payment.TransactionHash != "" {
			md.Set(MetadataPaymentTxHash, payment.TransactionHash)
		}

		return md
	})
	matcher := runtime.WithIncomingHeaderMatcher(paymentHeaderMatcher)

	return func(mux *runtime.ServeMux) {
		annotator(mux)
		matcher(mux)
	}
}

// paymentHeaderMatcher is runtime.DefaultHeaderMatcher minus anything that
// would become x-payment-* metadata.
func paymentHeaderMatcher(key string) (string, bool) {
	if strings.HasPrefix(strings.ToLower(key), strings.ToLower(grpcMetadataPaymentPrefix)) {
		return "", false
	}
	return runtime.DefaultHeaderMatcher(key)
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details. Any payment key
// carrying more than one value is treated as tampered and yields false.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if v, ok := single(md, MetadataPaymentVerified); !ok || v != "true" {
		return nil, false
	}

	p := &PaymentContext{Verified: true}
	for key, dst := range map[string]*string{
		MetadataPaymentPayer:   &p.PayerAddress,
		MetadataPaymentAmount:  &p.Amount,
		MetadataPaymentNetwork: &p.Network,
		MetadataPaymentTool:    &p.Tool,
		MetadataPaymentTxHash:  &p.TransactionHash,
	} {
		if len(md.Get(key)) > 1 {
			return nil, false
		}
		*dst, _ = single(md, key)
	}
	return p, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}

func single(md metadata.MD, key string) (string, bool) {
	values := md.Get(key)
	if len(values) != 1 {
		return "", false
	}
	return values[0], true
}
