package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/becomeliminal/x402-tool-gateway/ratelimit"
	"github.com/becomeliminal/x402-tool-gateway/replay"
	"github.com/becomeliminal/x402-tool-gateway/usage"
)

// Outcome is the terminal state of an authorization.
type Outcome string

const (
	OutcomePassthrough     Outcome = "passthrough"
	OutcomeFree            Outcome = "free"
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomeInvalidPayload  Outcome = "validation_error"
	OutcomePaymentInvalid  Outcome = "payment_invalid"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeAllowed         Outcome = "allowed"
)

// Decision is the transport-independent result of Authorize. The HTTP
// middleware and the gRPC interceptors render it.
type Decision struct {
	Outcome Outcome
	Call    Call
	Pricing ToolPricing

	// Required is set for payment_required and payment_invalid.
	Required *PaymentRequiredResponse

	// Message explains a rejection.
	Message string

	// RateLimit is set once the rate limiter was consulted.
	RateLimit *ratelimit.Result

	// Payment and Settlement are set for allowed paid calls.
	Payment    *PaymentContext
	Settlement *PaymentResponse
}

// Forward reports whether the call should reach the upstream.
func (d *Decision) Forward() bool {
	switch d.Outcome {
	case OutcomePassthrough, OutcomeFree, OutcomeAllowed:
		return true
	}
	return false
}

// Err converts a rejection into a PaymentError. It is nil for forwarded calls.
func (d *Decision) Err() *PaymentError {
	switch d.Outcome {
	case OutcomePaymentRequired:
		return NewPaymentError(ErrCodePaymentRequired, d.Message, nil)
	case OutcomeInvalidPayload:
		return NewPaymentError(ErrCodeValidation, d.Message, nil)
	case OutcomePaymentInvalid:
		return NewPaymentError(ErrCodePaymentInvalid, d.Message, nil)
	case OutcomeRateLimited:
		return NewPaymentError(ErrCodeRateLimited, d.Message, nil)
	}
	return nil
}

// RetryAfterSeconds rounds the rate-limit wait up to whole seconds.
func (d *Decision) RetryAfterSeconds() int {
	if d.RateLimit == nil || d.RateLimit.RetryAfter <= 0 {
		return 0
	}
	return int((d.RateLimit.RetryAfter + time.Second - 1) / time.Second)
}

// RateLimiter enforces per-(caller, tool) budgets.
type RateLimiter interface {
	Check(ctx context.Context, caller, tool string, limit int, window time.Duration) ratelimit.Result
	GetUsage(ctx context.Context, caller, tool string, window time.Duration) (ratelimit.Usage, error)
	Reset(ctx context.Context, caller, tool string) error
	Backend(ctx context.Context) string
}

// UsageStore records paid calls.
type UsageStore interface {
	Record(rec usage.Record)
	Stats() usage.Stats
	PayerHistory(payer string) []usage.Record
	ToolHistory(tool string) []usage.Record
}

// NonceStore remembers which payment authorizations have been spent.
// Claim reports false when key is already held.
type NonceStore interface {
	Claim(ctx context.Context, key string, until time.Time) (bool, error)
	Release(ctx context.Context, key string) error
}

// replayGrace keeps a spent authorization claimed a little past its
// validBefore to absorb clock skew.
const replayGrace = 30 * time.Second

// Gateway composes pricing, verification, rate limiting and usage tracking
// into one access decision per call.
type Gateway struct {
	cfg        Config
	catalog    *Catalog
	verifier   PaymentVerifier
	limiter    RateLimiter
	usage      UsageStore
	nonces     NonceStore
	classifier Classifier
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimiter sets the rate limiter. Defaults to an in-memory limiter.
func WithRateLimiter(l RateLimiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// WithUsageStore sets the usage store. Defaults to an unpersisted tracker.
func WithUsageStore(s UsageStore) Option {
	return func(g *Gateway) {
		g.usage = s
	}
}

// WithNonceStore sets where spent authorizations are recorded. Defaults to
// a per-process store; use a shared store when running several replicas.
func WithNonceStore(s NonceStore) Option {
	return func(g *Gateway) {
		g.nonces = s
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClock overrides the time source used for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway creates a gateway. cfg is validated and defaulted.
func NewGateway(cfg Config, catalog *Catalog, verifier PaymentVerifier, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "invalid gateway configuration", err)
	}
	if verifier == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "verifier is required", nil)
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if err := catalog.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "invalid pricing catalog", err)
	}

	g := &Gateway{
		cfg:      cfg,
		catalog:  catalog,
		verifier: verifier,
		classifier: Classifier{
			PathPrefix: cfg.ToolPathPrefix,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.limiter == nil {
		g.limiter = ratelimit.New(ratelimit.WithLogger(g.logger))
	}
	if g.usage == nil {
		tracker, err := usage.NewTracker(usage.WithLogger(g.logger))
		if err != nil {
			return nil, err
		}
		g.usage = tracker
	}
	if g.nonces == nil {
		g.nonces = replay.NewMemoryStore()
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}

	return g, nil
}

// Config returns the validated configuration.
func (g *Gateway) Config() Config { return g.cfg }

// Catalog returns the pricing catalog.
func (g *Gateway) Catalog() *Catalog { return g.catalog }

// Authorize runs one call through the access state machine. paymentHeader
// is the raw base64 payment; transportID identifies the connection (e.g.
// client IP) and is only used when no payer identity is available.
func (g *Gateway) Authorize(ctx context.Context, call Call, paymentHeader, transportID string) *Decision {
	d := g.authorize(ctx, call, paymentHeader, transportID)
	g.metrics.decisions.WithLabelValues(string(d.Outcome)).Inc()
	return d
}

func (g *Gateway) authorize(ctx context.Context, call Call, paymentHeader, transportID string) *Decision {
	if call.Kind == CallUnknown {
		return &Decision{Outcome: OutcomePassthrough, Call: call}
	}

	pricing := g.catalog.Lookup(call.Tool)
	d := &Decision{Call: call, Pricing: pricing}

	if pricing.IsFree() {
		d.Outcome = OutcomeFree
		return d
	}

	if paymentHeader == "" {
		d.Outcome = OutcomePaymentRequired
		d.Message = g.priceMessage(call.Tool, pricing.Price)
		d.Required = g.paymentRequired(call, pricing, ErrCodePaymentRequired, d.Message)
		g.logger.Debug("payment required", "tool", call.Tool, "price", pricing.Price)
		return d
	}

	payment, err := DecodePaymentPayload(paymentHeader)
	if err != nil {
		d.Outcome = OutcomeInvalidPayload
		d.Message = fmt.Sprintf("Invalid payment header: %v", err)
		return d
	}

	result := g.verifier.Verify(ctx, payment, g.requirements(pricing))
	g.metrics.verifications.WithLabelValues(backendLabel(result.Backend), fmt.Sprint(result.Valid)).Inc()
	if !result.Valid {
		d.Outcome = OutcomePaymentInvalid
		d.Message = result.Reason
		d.Required = g.paymentRequired(call, pricing, ErrCodePaymentInvalid, result.Reason)
		g.logger.Debug("payment invalid", "tool", call.Tool, "reason", result.Reason, "payer", payment.Payload.From)
		return d
	}

	caller := strings.ToLower(result.Payer)
	if caller == "" {
		caller = strings.ToLower(payment.Payload.From)
	}
	if caller == "" {
		caller = transportID
	}

	// Each authorization pays for exactly one call.
	nonceKey := replay.Key(payment.Network, g.cfg.TokenAddress, payment.Payload.From, payment.Payload.Nonce)
	until := time.Unix(payment.Payload.ValidBefore, 0)
	if now := g.now(); until.Before(now) {
		until = now
	}
	fresh, err := g.nonces.Claim(ctx, nonceKey, until.Add(replayGrace))
	if err != nil || !fresh {
		d.Outcome = OutcomePaymentInvalid
		d.Message = "payment authorization already used"
		if err != nil {
			d.Message = "payment authorization could not be recorded"
			g.logger.Error("nonce claim failed", "tool", call.Tool, "payer", caller, "error", err)
		} else {
			g.logger.Debug("payment replayed", "tool", call.Tool, "payer", caller, "nonce", payment.Payload.Nonce)
		}
		d.Required = g.paymentRequired(call, pricing, ErrCodePaymentInvalid, d.Message)
		return d
	}

	rl := g.limiter.Check(ctx, caller, call.Tool, pricing.RateLimit, g.cfg.RateLimitWindow)
	d.RateLimit = &rl
	g.metrics.rateLimitChecks.WithLabelValues(rl.Backend, fmt.Sprint(rl.Allowed)).Inc()
	if !rl.Allowed {
		g.releaseNonce(ctx, nonceKey)
		d.Outcome = OutcomeRateLimited
		d.Message = fmt.Sprintf("Rate limit of %d calls per %s exceeded for tool %q", rl.Limit, g.cfg.RateLimitWindow, call.Tool)
		g.logger.Debug("rate limited", "tool", call.Tool, "caller", caller, "retryAfter", rl.RetryAfter)
		return d
	}

	paymentCtx := &PaymentContext{
		Verified:        true,
		Tool:            call.Tool,
		PayerAddress:    caller,
		Amount:          payment.Payload.Amount,
		Network:         payment.Network,
		TransactionHash: result.TransactionHash,
		Backend:         result.Backend,
	}
	if result.SettledAt != nil {
		paymentCtx.SettledAt = *result.SettledAt
	}

	if g.cfg.SettlePayments {
		settled := g.verifier.Settle(ctx, payment)
		if !settled.Valid {
			g.releaseNonce(ctx, nonceKey)
			d.Outcome = OutcomePaymentInvalid
			d.Message = "settlement failed: " + settled.Reason
			d.Required = g.paymentRequired(call, pricing, ErrCodePaymentInvalid, d.Message)
			g.logger.Warn("payment settlement failed", "tool", call.Tool, "payer", caller, "reason", settled.Reason)
			return d
		}
		paymentCtx.TransactionHash = settled.TransactionHash
		if settled.SettledAt != nil {
			paymentCtx.SettledAt = *settled.SettledAt
		}
		d.Settlement = &PaymentResponse{
			Success:         true,
			TransactionHash: settled.TransactionHash,
			Network:         payment.Network,
			Payer:           caller,
			Status:          "settled",
		}
	} else {
		d.Settlement = &PaymentResponse{
			Success: true,
			Network: payment.Network,
			Payer:   caller,
			Status:  "verified",
		}
	}

	g.usage.Record(usage.Record{
		Tool:            call.Tool,
		Payer:           caller,
		Amount:          payment.Payload.Amount,
		Network:         payment.Network,
		Timestamp:       g.now().UTC(),
		TransactionHash: paymentCtx.TransactionHash,
	})

	d.Outcome = OutcomeAllowed
	d.Payment = paymentCtx
	g.logger.Info("paid call allowed",
		"tool", call.Tool, "payer", caller, "amount", payment.Payload.Amount,
		"backend", result.Backend, "cached", result.Cached)
	return d
}

// releaseNonce lets the payer retry with the same authorization when the
// gateway, not the payment, refused the call.
func (g *Gateway) releaseNonce(ctx context.Context, key string) {
	if err := g.nonces.Release(ctx, key); err != nil {
		g.logger.Warn("nonce release failed", "error", err)
	}
}

func (g *Gateway) requirements(pricing ToolPricing) *VerificationRequirements {
	return &VerificationRequirements{
		ExpectedAmount:    pricing.Price,
		ExpectedPayTo:     g.cfg.PayTo,
		ExpectedNetwork:   g.cfg.Network,
		Asset:             g.cfg.TokenAddress,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		TokenName:         g.cfg.TokenName,
		TokenVersion:      g.cfg.TokenVersion,
	}
}

func (g *Gateway) paymentRequired(call Call, pricing ToolPricing, code, message string) *PaymentRequiredResponse {
	return &PaymentRequiredResponse{
		Error:       code,
		Message:     message,
		Tool:        call.Tool,
		Price:       pricing.Price,
		Network:     g.cfg.Network,
		PayTo:       g.cfg.PayTo,
		X402Version: X402Version,
		Accepts: []PaymentRequirements{{
			Scheme:            SchemeExact,
			Network:           g.cfg.Network,
			Amount:            pricing.Price,
			Asset:             g.cfg.TokenAddress,
			PayTo:             g.cfg.PayTo,
			MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
			Resource:          call.Resource,
			Description:       pricing.Description,
			Extra: &AssetExtra{
				Name:     g.cfg.TokenName,
				Version:  g.cfg.TokenVersion,
				Decimals: g.cfg.TokenDecimals,
			},
		}},
	}
}

// priceMessage renders a base-unit price in whole tokens, e.g. "0.01 USDC".
func (g *Gateway) priceMessage(tool, price string) string {
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Sprintf("Payment required for tool %q", tool)
	}
	human := amount.Shift(-int32(g.cfg.TokenDecimals))
	return fmt.Sprintf("Payment of %s %s required for tool %q", human.String(), g.cfg.TokenSymbol, tool)
}

func backendLabel(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

// DecodePaymentPayload decodes a base64 JSON payment header and checks the
// fields every verifier needs are present.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(header), "="))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
	}

	var payment PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payment.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if payment.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	auth := payment.Payload
	if auth.From == "" || auth.To == "" || auth.Amount == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}

	return &payment, nil
}

// EncodePaymentPayload encodes a payment to header format (base64 JSON)
// Useful for testing and client implementations
func EncodePaymentPayload(payment *PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}
