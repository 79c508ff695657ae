package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderPayment carries the base64 JSON PaymentPayload.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentSignature is accepted as an alias of HeaderPayment.
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	// HeaderPaymentRequired carries the base64 JSON 402 document.
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	// HeaderPaymentResponse carries the base64 JSON PaymentResponse.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Headers describing the verified payment to the upstream. Any client-sent
// values are stripped before forwarding.
const (
	HeaderPaymentVerified = "X-Payment-Verified"
	HeaderPaymentPayer    = "X-Payment-Payer"
	HeaderPaymentAmount   = "X-Payment-Amount"
	HeaderPaymentNetwork  = "X-Payment-Network"
	HeaderPaymentTool     = "X-Payment-Tool"
	HeaderPaymentTxHash   = "X-Payment-Tx-Hash"
)

var upstreamPaymentHeaders = []string{
	HeaderPaymentVerified,
	HeaderPaymentPayer,
	HeaderPaymentAmount,
	HeaderPaymentNetwork,
	HeaderPaymentTool,
	HeaderPaymentTxHash,
}

// Middleware enforces payment in front of next. It integrates with any
// http.Handler, including a grpc-gateway ServeMux or a reverse proxy.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripPaymentHeaders(r.Header)

		call, err := g.classifier.Classify(r)
		if err != nil {
			perr := &PaymentError{Code: ErrCodeValidation, Message: err.Error()}
			errors.As(err, &perr)
			g.metrics.decisions.WithLabelValues(string(OutcomeInvalidPayload)).Inc()
			g.logger.Debug("request rejected before pricing", "path", r.URL.Path, "error", err)
			sendError(w, HTTPStatus(perr.Code), perr.Code, perr.Message)
			return
		}

		paymentHeader := r.Header.Get(HeaderPaymentSignature)
		if paymentHeader == "" {
			paymentHeader = r.Header.Get(HeaderPayment)
		}

		d := g.Authorize(r.Context(), call, paymentHeader, clientIP(r))

		switch d.Outcome {
		case OutcomePaymentRequired, OutcomePaymentInvalid:
			sendPaymentRequired(w, d.Required)
			return
		case OutcomeInvalidPayload:
			sendError(w, http.StatusBadRequest, ErrCodeValidation, d.Message)
			return
		case OutcomeRateLimited:
			sendRateLimited(w, d)
			return
		}

		if d.Payment != nil {
			setUpstreamHeaders(r.Header, d.Payment)
			r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, d.Payment))
		}
		if d.Settlement != nil {
			if encoded, err := encodeBase64JSON(d.Settlement); err == nil {
				w.Header().Set(HeaderPaymentResponse, encoded)
			}
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		g.metrics.forwardDuration.WithLabelValues(string(d.Outcome)).Observe(time.Since(start).Seconds())
	})
}

// grpcMetadataPaymentPrefix is how a client would smuggle x-payment-*
// metadata through a grpc-gateway ServeMux.
const grpcMetadataPaymentPrefix = "Grpc-Metadata-X-Payment-"

// stripPaymentHeaders removes client-sent copies of the headers the gateway
// sets for verified payments, including their grpc-gateway metadata form.
func stripPaymentHeaders(h http.Header) {
	for _, name := range upstreamPaymentHeaders {
		h.Del(name)
	}
	for name := range h {
		if len(name) >= len(grpcMetadataPaymentPrefix) &&
			strings.EqualFold(name[:len(grpcMetadataPaymentPrefix)], grpcMetadataPaymentPrefix) {
			delete(h, name)
		}
	}
}

func setUpstreamHeaders(h http.Header, p *PaymentContext) {
	h.Set(HeaderPaymentVerified, "true")
	h.Set(HeaderPaymentPayer, p.PayerAddress)
	h.Set(HeaderPaymentAmount, p.Amount)
	h.Set(HeaderPaymentNetwork, p.Network)
	h.Set(HeaderPaymentTool, p.Tool)
	if p.TransactionHash != "" {
		h.Set(HeaderPaymentTxHash, p.TransactionHash)
	}
}

// sendPaymentRequired sends a 402 Payment Required response
func sendPaymentRequired(w http.ResponseWriter, response *PaymentRequiredResponse) {
	if encoded, err := encodeBase64JSON(response); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	writeJSON(w, http.StatusPaymentRequired, response)
}

type rateLimitedResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int    `json:"limit"`
}

func sendRateLimited(w http.ResponseWriter, d *Decision) {
	retryAfter := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		Error:      ErrCodeRateLimited,
		Message:    d.Message,
		RetryAfter: retryAfter,
		Limit:      d.RateLimit.Limit,
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func encodeBase64JSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// clientIP returns the first X-Forwarded-For hop, or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetPaymentFromContext extracts payment information from the request context
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for handlers that must have valid payment
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements is a helper to extract payment requirements from a 402 response.
// The PAYMENT-REQUIRED header is preferred; the body is the fallback.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	var paymentReq PaymentRequiredResponse

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		raw, err := base64.StdEncoding.DecodeString(header)
		if err == nil && json.Unmarshal(raw, &paymentReq) == nil {
			return &paymentReq, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}
