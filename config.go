package x402

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the gateway configuration
type Config struct {
	// Port is the HTTP listen port
	Port int

	// PayTo is the address that receives every payment
	PayTo string

	// Network is the chain payments must be made on (e.g. "base-sepolia")
	Network string

	// TokenAddress is the ERC-20 contract accepted for payment.
	// Defaults to USDC on known networks
	TokenAddress string

	// TokenName and TokenVersion form the token's EIP-712 domain
	TokenName    string
	TokenVersion string

	// TokenSymbol and TokenDecimals are used to render human-readable prices
	TokenSymbol   string
	TokenDecimals int

	// ChainID overrides the chain id derived from Network (optional)
	ChainID int64

	// RedisURL enables the shared sliding-window rate limiter (optional).
	// Without it the in-memory fixed window is used from startup
	RedisURL string

	// FacilitatorURL is the base URL of the remote payment facilitator
	FacilitatorURL string

	// FacilitatorTimeout bounds each facilitator call
	FacilitatorTimeout time.Duration

	// UpstreamURL is where allowed calls are forwarded
	UpstreamURL string

	// PricingFile is a YAML pricing catalog (optional)
	PricingFile string

	// UsageFile persists usage records across restarts (optional)
	UsageFile string

	// RateLimitWindow is the trailing window each tool's rate limit applies to
	RateLimitWindow time.Duration

	// VerifyCacheTTL is how long a verified payment is reused
	VerifyCacheTTL time.Duration

	// SettlePayments settles every payment synchronously before forwarding
	SettlePayments bool

	// AdminToken protects the admin endpoints. Empty disables them
	AdminToken string

	// ToolPathPrefix is the resource prefix of path-style tool calls
	ToolPathPrefix string

	// MaxTimeoutSeconds is advertised as the longest a signed authorization
	// needs to remain valid
	MaxTimeoutSeconds int
}

// USDC contract addresses per network.
var usdcAddresses = map[string]string{
	"base":           "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia":   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	"ethereum":       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	"sepolia":        "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	"polygon":        "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	"polygon-amoy":   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
	"avalanche":      "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
	"avalanche-fuji": "0x5425890298aed601595a70AB815c96711a31Bc65",
}

// Defaults applied by Validate.
const (
	DefaultPort              = 8402
	DefaultNetwork           = "base-sepolia"
	DefaultFacilitatorURL    = "https://x402.org/facilitator"
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultVerifyCacheTTL    = 5 * time.Minute
	MinVerifyCacheTTL        = time.Second
	DefaultToolPathPrefix    = "/tools/"
	DefaultMaxTimeoutSeconds = 60
)

// LoadConfigFromEnv reads the configuration from environment variables.
// Unset variables keep their zero value for Validate to default.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		PayTo:          os.Getenv("PAY_TO_ADDRESS"),
		Network:        os.Getenv("NETWORK"),
		TokenAddress:   os.Getenv("TOKEN_ADDRESS"),
		TokenName:      os.Getenv("TOKEN_NAME"),
		TokenVersion:   os.Getenv("TOKEN_VERSION"),
		TokenSymbol:    os.Getenv("TOKEN_SYMBOL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		FacilitatorURL: os.Getenv("FACILITATOR_URL"),
		UpstreamURL:    os.Getenv("UPSTREAM_URL"),
		PricingFile:    os.Getenv("PRICING_FILE"),
		UsageFile:      os.Getenv("USAGE_FILE"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		ToolPathPrefix: os.Getenv("TOOL_PATH_PREFIX"),
	}

	var err error
	if cfg.Port, err = envInt("PORT"); err != nil {
		return cfg, err
	}
	if cfg.TokenDecimals, err = envInt("TOKEN_DECIMALS"); err != nil {
		return cfg, err
	}
	chainID, err := envInt("CHAIN_ID")
	if err != nil {
		return cfg, err
	}
	cfg.ChainID = int64(chainID)

	if cfg.FacilitatorTimeout, err = envDuration("FACILITATOR_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW"); err != nil {
		return cfg, err
	}
	if cfg.VerifyCacheTTL, err = envDuration("VERIFY_CACHE_TTL"); err != nil {
		return cfg, err
	}

	if v := os.Getenv("SETTLE_PAYMENTS"); v != "" {
		if cfg.SettlePayments, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("invalid SETTLE_PAYMENTS %q: %w", v, err)
		}
	}

	return cfg, nil
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// Validate applies defaults and checks the configuration is usable
func (c *Config) Validate() error {
	if c.PayTo == "" {
		return fmt.Errorf("pay-to address is required")
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("pay-to address %q is not a valid address", c.PayTo)
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.Network == "" {
		c.Network = DefaultNetwork
	}

	if c.TokenAddress == "" {
		c.TokenAddress = usdcAddresses[strings.ToLower(c.Network)]
	}
	if c.TokenAddress == "" {
		return fmt.Errorf("token address is required for network %q", c.Network)
	}
	if !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("token address %q is not a valid address", c.TokenAddress)
	}

	if c.TokenName == "" {
		c.TokenName = "USD Coin"
	}
	if c.TokenVersion == "" {
		c.TokenVersion = "2"
	}
	if c.TokenSymbol == "" {
		c.TokenSymbol = "USDC"
	}
	if c.TokenDecimals == 0 {
		c.TokenDecimals = 6
	}
	if c.TokenDecimals < 0 {
		return fmt.Errorf("token decimals must be positive")
	}
	if c.ChainID < 0 {
		return fmt.Errorf("chain id must be positive")
	}

	if c.FacilitatorURL == "" {
		c.FacilitatorURL = DefaultFacilitatorURL
	}
	if c.FacilitatorTimeout == 0 {
		c.FacilitatorTimeout = 5 * time.Second
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.VerifyCacheTTL == 0 {
		c.VerifyCacheTTL = DefaultVerifyCacheTTL
	}
	if c.FacilitatorTimeout < 0 || c.RateLimitWindow < 0 || c.VerifyCacheTTL < 0 {
		return fmt.Errorf("durations must be positive")
	}
	if c.VerifyCacheTTL < MinVerifyCacheTTL {
		return fmt.Errorf("verify cache TTL %s is below the minimum of %s", c.VerifyCacheTTL, MinVerifyCacheTTL)
	}

	if c.ToolPathPrefix == "" {
		c.ToolPathPrefix = DefaultToolPathPrefix
	}
	if !strings.HasPrefix(c.ToolPathPrefix, "/") {
		return fmt.Errorf("tool path prefix %q must start with /", c.ToolPathPrefix)
	}
	if !strings.HasSuffix(c.ToolPathPrefix, "/") {
		c.ToolPathPrefix += "/"
	}

	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}

	return nil
}
