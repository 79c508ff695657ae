package x402

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{PayTo: testPayTo}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "base-sepolia", cfg.Network)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", cfg.TokenAddress)
	assert.Equal(t, "USD Coin", cfg.TokenName)
	assert.Equal(t, "2", cfg.TokenVersion)
	assert.Equal(t, "USDC", cfg.TokenSymbol)
	assert.Equal(t, 6, cfg.TokenDecimals)
	assert.Equal(t, DefaultFacilitatorURL, cfg.FacilitatorURL)
	assert.Equal(t, 5*time.Second, cfg.FacilitatorTimeout)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 5*time.Minute, cfg.VerifyCacheTTL)
	assert.Equal(t, "/tools/", cfg.ToolPathPrefix)
	assert.Equal(t, DefaultMaxTimeoutSeconds, cfg.MaxTimeoutSeconds)
	assert.False(t, cfg.SettlePayments)
}

func TestConfigValidate_KnownNetworks(t *testing.T) {
	cfg := Config{PayTo: testPayTo, Network: "base"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", cfg.TokenAddress)

	cfg = Config{PayTo: testPayTo, Network: "unknown-chain"}
	assert.ErrorContains(t, cfg.Validate(), "token address is required")

	cfg = Config{PayTo: testPayTo, Network: "unknown-chain", TokenAddress: testPayTo}
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		errMsg string
	}{
		{
			name:   "missing pay-to",
			cfg:    Config{},
			errMsg: "pay-to address is required",
		},
		{
			name:   "malformed pay-to",
			cfg:    Config{PayTo: "0x123"},
			errMsg: "is not a valid address",
		},
		{
			name:   "malformed token",
			cfg:    Config{PayTo: testPayTo, TokenAddress: "usdc"},
			errMsg: "token address",
		},
		{
			name:   "port out of range",
			cfg:    Config{PayTo: testPayTo, Port: 70000},
			errMsg: "invalid port",
		},
		{
			name:   "negative window",
			cfg:    Config{PayTo: testPayTo, RateLimitWindow: -time.Second},
			errMsg: "durations must be positive",
		},
		{
			name:   "cache ttl too short",
			cfg:    Config{PayTo: testPayTo, VerifyCacheTTL: 50 * time.Nanosecond},
			errMsg: "below the minimum",
		},
		{
			name:   "relative prefix",
			cfg:    Config{PayTo: testPayTo, ToolPathPrefix: "tools/"},
			errMsg: "must start with /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestConfigValidate_AddsTrailingSlashToPrefix(t *testing.T) {
	cfg := Config{PayTo: testPayTo, ToolPathPrefix: "/v1/tools"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v1/tools/", cfg.ToolPathPrefix)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PAY_TO_ADDRESS", testPayTo)
	t.Setenv("NETWORK", "base")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_WINDOW", "120")
	t.Setenv("VERIFY_CACHE_TTL", "90s")
	t.Setenv("FACILITATOR_TIMEOUT", "2s")
	t.Setenv("SETTLE_PAYMENTS", "true")
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("CHAIN_ID", "8453")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, testPayTo, cfg.PayTo)
	assert.Equal(t, "base", cfg.Network)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 2*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 90*time.Second, cfg.VerifyCacheTTL)
	assert.Equal(t, 2*time.Second, cfg.FacilitatorTimeout)
	assert.True(t, cfg.SettlePayments)
	assert.Equal(t, "tok", cfg.AdminToken)
	assert.Equal(t, int64(8453), cfg.ChainID)
}

func TestLoadConfigFromEnv_Errors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "eighty"},
		{"TOKEN_DECIMALS", "six"},
		{"RATE_LIMIT_WINDOW", "soon"},
		{"SETTLE_PAYMENTS", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfigFromEnv()
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
