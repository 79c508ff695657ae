package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

const (
	// MetadataKeyPaymentSignature carries the base64 JSON payment payload.
	MetadataKeyPaymentSignature = "payment-signature"

	// MetadataKeyPayment is accepted as an alias of MetadataKeyPaymentSignature
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentRequired is the trailer carrying the 402 document
	MetadataKeyPaymentRequired = "payment-required"

	// MetadataKeyPaymentResponse is the header carrying the payment response
	MetadataKeyPaymentResponse = "x402-payment-response"

	// MetadataKeyRetryAfter is the trailer carrying whole seconds until a rate-limited call may be retried
	MetadataKeyRetryAfter = "retry-after"
)

// ToolFromMethod returns the tool a gRPC method invokes: the method name
// without its service ("/tools.v1.Tools/Search" is "Search").
func ToolFromMethod(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// PaymentFromMetadata returns the raw payment value, preferring
// MetadataKeyPaymentSignature.
func PaymentFromMetadata(md metadata.MD) string {
	for _, key := range []string{MetadataKeyPaymentSignature, MetadataKeyPayment} {
		if values := md.Get(key); len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}

// ExtractPaymentFromMetadata extracts and decodes payment from gRPC metadata
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	raw := PaymentFromMetadata(md)
	if raw == "" {
		return nil, fmt.Errorf("no payment found in metadata")
	}
	return x402.DecodePaymentPayload(raw)
}

// EncodePaymentRequired encodes a 402 document to base64 JSON
func EncodePaymentRequired(response *x402.PaymentRequiredResponse) (string, error) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentRequired decodes base64 JSON payment requirements from gRPC metadata
func DecodePaymentRequired(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

// ExtractPaymentRequiredFromMetadata decodes the payment-required trailer of a rejected call
func ExtractPaymentRequiredFromMetadata(md metadata.MD) (*x402.PaymentRequiredResponse, error) {
	values := md.Get(MetadataKeyPaymentRequired)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment requirements found in metadata")
	}

	return DecodePaymentRequired(values[0])
}

// EncodePaymentResponse encodes a PaymentResponse to base64 JSON
func EncodePaymentResponse(response *x402.PaymentResponse) (string, error) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentResponse decodes base64 JSON payment response from gRPC metadata
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}

	return &response, nil
}

// statusFor maps a rejected decision to a gRPC status and the trailer that
// goes with it.
//
// Payment rejections use RESOURCE_EXHAUSTED, as Google Cloud does for
// billing enforcement. Rate limits use UNAVAILABLE.
func statusFor(d *x402.Decision) (metadata.MD, error) {
	switch d.Outcome {
	case x402.OutcomePaymentRequired, x402.OutcomePaymentInvalid:
		var trailer metadata.MD
		if encoded, err := EncodePaymentRequired(d.Required); err == nil {
			trailer = metadata.Pairs(MetadataKeyPaymentRequired, encoded)
		}
		return trailer, status.Error(codes.ResourceExhausted, d.Message)
	case x402.OutcomeInvalidPayload:
		return nil, status.Error(codes.InvalidArgument, d.Message)
	case x402.OutcomeRateLimited:
		trailer := metadata.Pairs(MetadataKeyRetryAfter, fmt.Sprint(d.RetryAfterSeconds()))
		return trailer, status.Error(codes.Unavailable, d.Message)
	}
	return nil, status.Error(codes.Internal, "unexpected payment decision "+string(d.Outcome))
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
