package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-tool-gateway"
	"github.com/becomeliminal/x402-tool-gateway/evm"
	"github.com/becomeliminal/x402-tool-gateway/ratelimit"
	"github.com/becomeliminal/x402-tool-gateway/replay"
	"github.com/becomeliminal/x402-tool-gateway/usage"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	port      int
	upstream  string
	pricing   string
	usageFile string
	redisURL  string
	settle    bool
	logLevel  string
	logFormat string
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway. Configuration is read from the environment
(PAY_TO_ADDRESS, NETWORK, UPSTREAM_URL, REDIS_URL, PRICING_FILE, ...);
flags override the matching variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := x402.LoadConfigFromEnv()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = f.port
			}
			if flags.Changed("upstream") {
				cfg.UpstreamURL = f.upstream
			}
			if flags.Changed("pricing") {
				cfg.PricingFile = f.pricing
			}
			if flags.Changed("usage-file") {
				cfg.UsageFile = f.usageFile
			}
			if flags.Changed("redis-url") {
				cfg.RedisURL = f.redisURL
			}
			if flags.Changed("settle") {
				cfg.SettlePayments = f.settle
			}

			logger, err := newLogger(f.logLevel, f.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&f.port, "port", x402.DefaultPort, "listen port (PORT)")
	cmd.Flags().StringVar(&f.upstream, "upstream", "", "tool server to forward allowed calls to (UPSTREAM_URL)")
	cmd.Flags().StringVar(&f.pricing, "pricing", "", "YAML pricing catalog (PRICING_FILE)")
	cmd.Flags().StringVar(&f.usageFile, "usage-file", "", "file usage records are persisted to (USAGE_FILE)")
	cmd.Flags().StringVar(&f.redisURL, "redis-url", "", "Redis URL for the shared rate limiter (REDIS_URL)")
	cmd.Flags().BoolVar(&f.settle, "settle", false, "settle every payment before forwarding (SETTLE_PAYMENTS)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "json", "json or text")

	return cmd
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func run(ctx context.Context, cfg x402.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream URL is required (UPSTREAM_URL or --upstream)")
	}
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid upstream URL %q", cfg.UpstreamURL)
	}

	catalog := x402.DefaultCatalog()
	if cfg.PricingFile != "" {
		if catalog, err = x402.LoadCatalog(cfg.PricingFile); err != nil {
			return err
		}
	}

	limiter, nonces := newLimiter(ctx, cfg, logger)
	defer limiter.Close()

	tracker, err := usage.NewTracker(
		usage.WithPersistence(cfg.UsageFile),
		usage.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error("failed to flush usage records", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gateway, err := x402.NewGateway(cfg, catalog, newVerifier(cfg, logger),
		x402.WithRateLimiter(limiter),
		x402.WithNonceStore(nonces),
		x402.WithUsageStore(tracker),
		x402.WithMetrics(x402.NewMetrics(reg)),
		x402.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           gateway.NewRouter(newProxy(target, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", srv.Addr,
			"upstream", cfg.UpstreamURL,
			"network", cfg.Network,
			"payTo", cfg.PayTo,
			"rateLimitBackend", limiter.Backend(ctx),
			"settle", cfg.SettlePayments,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newLimiter prefers Redis and always keeps the memory backend behind it.
// Spent payment authorizations go to the same Redis when it is reachable.
// An unreachable Redis at startup leaves the memory backend serving alone.
func newLimiter(ctx context.Context, cfg x402.Config, logger *slog.Logger) (*ratelimit.Limiter, x402.NonceStore) {
	opts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	var nonces x402.NonceStore = replay.NewMemoryStore()

	if cfg.RedisURL != "" {
		backend, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting per process", "error", err)
		} else {
			opts = append(opts, ratelimit.WithBackend(backend))
			nonces = replay.NewRedisStore(backend.Client(), logger)
		}
	}
	opts = append(opts, ratelimit.WithBackend(ratelimit.NewMemoryBackend(ratelimit.DefaultSweepInterval)))

	return ratelimit.New(opts...), nonces
}

func newVerifier(cfg x402.Config, logger *slog.Logger) *evm.Verifier {
	var overrides map[string]*big.Int
	if cfg.ChainID != 0 {
		overrides = map[string]*big.Int{cfg.Network: big.NewInt(cfg.ChainID)}
	}

	return evm.NewVerifier(
		evm.WithFacilitator(evm.NewFacilitatorClient(cfg.FacilitatorURL, cfg.FacilitatorTimeout)),
		evm.WithLocalVerifier(evm.NewLocalVerifier(overrides)),
		evm.WithCacheTTL(cfg.VerifyCacheTTL),
		evm.WithTimeout(cfg.FacilitatorTimeout),
		evm.WithLogger(logger),
	)
}

func newProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		req.Header.Set("X-Forwarded-Host", req.Host)
		director(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	return proxy
}
