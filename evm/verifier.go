package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// Rejection reasons for payments that fail the structural checks.
const (
	ReasonUnsupportedScheme  = "unsupported scheme"
	ReasonNetworkMismatch    = "network mismatch"
	ReasonInvalidAmount      = "invalid payment amount"
	ReasonInsufficient       = "insufficient payment"
	ReasonRecipientMismatch  = "recipient mismatch"
	ReasonAssetMismatch      = "token mismatch"
	ReasonExpired            = "payment authorization expired"
	ReasonValidityTooLong    = "payment authorization valid for longer than allowed"
	ReasonInvalidSignature   = "invalid signature format"
	ReasonVerificationFailed = "verification failed"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 10000
	DefaultCooldown  = 30 * time.Second

	// MinCacheTTL is the shortest cache TTL honoured; shorter positive
	// values are raised to it.
	MinCacheTTL = 10 * time.Millisecond

	// MaxClockSkew is tolerated on top of the advertised timeout when
	// checking how far in the future validBefore lies.
	MaxClockSkew = 30 * time.Second
)

var signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// Backend verifies a payment. An error means the backend could not produce
// a verdict and the next backend should be tried.
type Backend interface {
	Name() string
	Verify(ctx context.Context, payment *x402.PaymentPayload, requirements *x402.VerificationRequirements) (*x402.VerificationResult, error)
}

type backendState struct {
	Backend

	mu        sync.Mutex
	downUntil time.Time
}

func (b *backendState) available(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.downUntil)
}

func (b *backendState) markDown(until time.Time) {
	b.mu.Lock()
	b.downUntil = until
	b.mu.Unlock()
}

func (b *backendState) markUp() {
	b.mu.Lock()
	b.downUntil = time.Time{}
	b.mu.Unlock()
}

// Verifier implements x402.PaymentVerifier for EVM chains. Backends are
// tried in order; the first one that returns a verdict wins. A remote
// backend that fails is skipped for the cooldown, after which the next call
// tries it again. The last backend is always tried.
type Verifier struct {
	facilitator *FacilitatorClient
	local       Backend
	backends    []*backendState

	cache    *expirable.LRU[string, x402.VerificationResult]
	cacheTTL time.Duration
	size     int
	timeout  time.Duration
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

var _ x402.PaymentVerifier = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*Verifier)

// WithFacilitator puts a remote facilitator in front of local verification
// and enables settlement.
func WithFacilitator(client *FacilitatorClient) Option {
	return func(v *Verifier) {
		v.facilitator = client
	}
}

// WithLocalVerifier replaces the default LocalVerifier as the last backend.
func WithLocalVerifier(local Backend) Option {
	return func(v *Verifier) {
		v.local = local
	}
}

// WithCacheTTL sets how long positive results are reused. Zero or less
// disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Verifier) {
		v.cacheTTL = ttl
	}
}

// WithCacheSize bounds the number of cached results.
func WithCacheSize(n int) Option {
	return func(v *Verifier) {
		v.size = n
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.timeout = d
	}
}

// WithCooldown sets how long a failed backend is skipped.
func WithCooldown(d time.Duration) Option {
	return func(v *Verifier) {
		v.cooldown = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithClock overrides the time source used for expiry checks and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier. Without WithFacilitator every payment is
// verified locally and Settle always fails.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		cacheTTL: DefaultCacheTTL,
		size:     DefaultCacheSize,
		timeout:  DefaultFacilitatorTimeout,
		cooldown: DefaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.local == nil {
		v.local = NewLocalVerifier(nil)
	}
	if v.size <= 0 {
		v.size = DefaultCacheSize
	}

	if v.facilitator != nil {
		v.backends = append(v.backends, &backendState{Backend: v.facilitator})
	}
	v.backends = append(v.backends, &backendState{Backend: v.local})

	if v.cacheTTL > 0 {
		if v.cacheTTL < MinCacheTTL {
			v.cacheTTL = MinCacheTTL
		}
		v.cache = expirable.NewLRU[string, x402.VerificationResult](v.size, nil, v.cacheTTL)
	}

	return v
}

// Verify checks payment against requirements. It never returns nil.
//
// The structural checks run before the cache lookup so a cached
// authorization is never reused for a pricier tool or past its expiry.
func (v *Verifier) Verify(ctx context.Context, payment *x402.PaymentPayload, requirements *x402.VerificationRequirements) *x402.VerificationResult {
	if reason := v.checkStructure(payment, requirements); reason != "" {
		v.logger.Debug("payment rejected", "reason", reason, "payer", payment.Payload.From)
		return &x402.VerificationResult{Valid: false, Reason: reason}
	}

	key := cacheKey(payment)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			cached.Cached = true
			return &cached
		}
	}

	result := v.verifyWithBackends(ctx, payment, requirements)
	if result.Valid {
		if result.Payer == "" {
			result.Payer = payment.Payload.From
		}
		if v.cache != nil {
			v.cache.Add(key, *result)
		}
	}
	return result
}

// Settle asks the facilitator to execute the transfer. There is no local
// fallback: only the facilitator can move funds.
func (v *Verifier) Settle(ctx context.Context, payment *x402.PaymentPayload) *x402.VerificationResult {
	if v.facilitator == nil {
		return &x402.VerificationResult{Valid: false, Reason: "settlement requires a facilitator"}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
	defer cancel()

	resp, err := v.facilitator.Settle(ctx, &FacilitatorSettleRequest{Payment: payment})
	if err != nil {
		v.logger.Error("payment settlement failed", "payer", payment.Payload.From, "error", err)
		return &x402.VerificationResult{Valid: false, Reason: err.Error(), Backend: v.facilitator.Name()}
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "settlement rejected"
		}
		return &x402.VerificationResult{Valid: false, Reason: reason, Backend: v.facilitator.Name()}
	}

	settledAt := resp.SettledAt
	if settledAt == nil {
		t := v.now().UTC()
		settledAt = &t
	}
	return &x402.VerificationResult{
		Valid:           true,
		TransactionHash: resp.TransactionHash,
		SettledAt:       settledAt,
		Payer:           payment.Payload.From,
		Backend:         v.facilitator.Name(),
	}
}

// Backends lists the backend names in priority order.
func (v *Verifier) Backends() []string {
	names := make([]string, len(v.backends))
	for i, b := range v.backends {
		names[i] = b.Name()
	}
	return names
}

func (v *Verifier) checkStructure(payment *x402.PaymentPayload, req *x402.VerificationRequirements) string {
	if payment.Scheme != x402.SchemeExact {
		return ReasonUnsupportedScheme
	}
	if payment.Network != req.ExpectedNetwork {
		return ReasonNetworkMismatch
	}

	amount, ok := new(big.Int).SetString(payment.Payload.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return ReasonInvalidAmount
	}
	expected, ok := new(big.Int).SetString(req.ExpectedAmount, 10)
	if !ok {
		return ReasonInvalidAmount
	}
	if amount.Cmp(expected) < 0 {
		return ReasonInsufficient
	}

	if !strings.EqualFold(payment.Payload.To, req.ExpectedPayTo) {
		return ReasonRecipientMismatch
	}
	// An empty token means the required asset.
	if payment.Payload.Token != "" && !strings.EqualFold(payment.Payload.Token, req.Asset) {
		return ReasonAssetMismatch
	}
	now := v.now()
	if payment.Payload.ValidBefore <= now.Unix() {
		return ReasonExpired
	}
	if req.MaxTimeoutSeconds > 0 {
		latest := now.Add(time.Duration(req.MaxTimeoutSeconds)*time.Second + MaxClockSkew)
		if payment.Payload.ValidBefore > latest.Unix() {
			return ReasonValidityTooLong
		}
	}
	if !signaturePattern.MatchString(payment.Signature) {
		return ReasonInvalidSignature
	}
	return ""
}

func (v *Verifier) verifyWithBackends(ctx context.Context, payment *x402.PaymentPayload, req *x402.VerificationRequirements) *x402.VerificationResult {
	for i, b := range v.backends {
		last := i == len(v.backends)-1
		if !last && !b.available(v.now()) {
			continue
		}

		result, err := v.call(ctx, b, payment, req)
		if err != nil {
			if last {
				v.logger.Error("payment verification failed on every backend",
					"backend", b.Name(), "payer", payment.Payload.From, "error", err)
				return &x402.VerificationResult{Valid: false, Reason: ReasonVerificationFailed, Backend: b.Name()}
			}
			b.markDown(v.now().Add(v.cooldown))
			v.logger.Warn("payment verifier backend failed, falling back",
				"backend", b.Name(), "cooldown", v.cooldown, "error", err)
			continue
		}

		b.markUp()
		result.Backend = b.Name()
		v.logger.Info("payment verified",
			"backend", b.Name(), "valid", result.Valid, "reason", result.Reason, "payer", payment.Payload.From)
		return result
	}

	// Unreachable: the last backend always returns above.
	return &x402.VerificationResult{Valid: false, Reason: ReasonVerificationFailed}
}

// call runs one backend with a bounded, non-cancellable context and turns
// panics into errors.
func (v *Verifier) call(ctx context.Context, b Backend, payment *x402.PaymentPayload, req *x402.VerificationRequirements) (result *x402.VerificationResult, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic in %s verifier: %v", b.Name(), r)
		}
	}()

	result, err = b.Verify(ctx, payment, req)
	if err == nil && result == nil {
		err = fmt.Errorf("%s verifier returned no result", b.Name())
	}
	return result, err
}

func cacheKey(payment *x402.PaymentPayload) string {
	sig := payment.Signature
	if len(sig) > 16 {
		sig = sig[len(sig)-16:]
	}
	return strings.ToLower(payment.Payload.From) + "|" + payment.Payload.Nonce + "|" + sig
}
