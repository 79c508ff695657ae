package x402

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status           string `json:"status"`
	Network          string `json:"network"`
	PayTo            string `json:"payTo"`
	RateLimitBackend string `json:"rateLimitBackend"`
}

// PricingResponse is the /pricing body.
type PricingResponse struct {
	Network       string         `json:"network"`
	PayTo         string         `json:"payTo"`
	Asset         string         `json:"asset"`
	TokenSymbol   string         `json:"tokenSymbol"`
	TokenDecimals int            `json:"tokenDecimals"`
	WindowSeconds int            `json:"windowSeconds"`
	Tools         []CatalogEntry `json:"tools"`
}

// NewRouter builds the gateway's HTTP surface: introspection and admin
// endpoints, /metrics, and every other path gated by Middleware in front of
// upstream.
func (g *Gateway) NewRouter(upstream http.Handler) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pricing", g.handlePricing).Methods(http.MethodGet)
	r.HandleFunc("/stats", g.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/payers/{payer}", g.handlePayerHistory).Methods(http.MethodGet)
	r.HandleFunc("/stats/tools/{tool}", g.handleToolHistory).Methods(http.MethodGet)
	r.Handle("/metrics", g.metrics.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(g.requireAdmin)
	admin.HandleFunc("/ratelimit/{caller}", g.handleRateLimitUsage).Methods(http.MethodGet)
	admin.HandleFunc("/ratelimit/{caller}/{tool}", g.handleRateLimitUsage).Methods(http.MethodGet)
	admin.HandleFunc("/ratelimit/{caller}", g.handleRateLimitReset).Methods(http.MethodDelete)
	admin.HandleFunc("/ratelimit/{caller}/{tool}", g.handleRateLimitReset).Methods(http.MethodDelete)

	r.PathPrefix("/").Handler(g.Middleware(upstream))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{HeaderPaymentRequired, HeaderPaymentResponse, "Retry-After", "X-Request-ID"},
	})
	return c.Handler(r)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AdminToken == "" {
			sendError(w, http.StatusNotFound, ErrCodeNotFound, "admin endpoints are disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.AdminToken)) != 1 {
			sendError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Network:          g.cfg.Network,
		PayTo:            g.cfg.PayTo,
		RateLimitBackend: g.limiter.Backend(r.Context()),
	})
}

func (g *Gateway) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PricingResponse{
		Network:       g.cfg.Network,
		PayTo:         g.cfg.PayTo,
		Asset:         g.cfg.TokenAddress,
		TokenSymbol:   g.cfg.TokenSymbol,
		TokenDecimals: g.cfg.TokenDecimals,
		WindowSeconds: int(g.cfg.RateLimitWindow.Seconds()),
		Tools:         g.catalog.Entries(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.usage.Stats())
}

func (g *Gateway) handlePayerHistory(w http.ResponseWriter, r *http.Request) {
	payer := mux.Vars(r)["payer"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payer":   payer,
		"records": g.usage.PayerHistory(payer),
	})
}

func (g *Gateway) handleToolHistory(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["tool"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool":    tool,
		"records": g.usage.ToolHistory(tool),
	})
}

func (g *Gateway) handleRateLimitUsage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := strings.ToLower(vars["caller"])
	tool := vars["tool"]

	if tool == "" {
		sendError(w, http.StatusBadRequest, ErrCodeValidation, "tool is required to read usage")
		return
	}

	u, err := g.limiter.GetUsage(r.Context(), caller, tool, g.cfg.RateLimitWindow)
	if err != nil {
		g.logger.Error("failed to read rate limit usage", "caller", caller, "tool", tool, "error", err)
		sendError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"caller":        u.Caller,
		"tool":          u.Tool,
		"count":         u.Count,
		"limit":         g.catalog.Lookup(tool).RateLimit,
		"windowSeconds": int(g.cfg.RateLimitWindow.Seconds()),
		"backend":       u.Backend,
	})
}

func (g *Gateway) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := strings.ToLower(vars["caller"])
	tool := vars["tool"]

	if err := g.limiter.Reset(r.Context(), caller, tool); err != nil {
		g.logger.Error("failed to reset rate limit", "caller", caller, "tool", tool, "error", err)
		sendError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	g.logger.Info("rate limit reset", "caller", caller, "tool", tool)
	w.WriteHeader(http.StatusNoContent)
}
