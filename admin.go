package ipmask

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI serves the proxy's own read-mostly routes: status, health,
// chain inspection, and Prometheus metrics when enabled.
//
// Routes are matched with [chi]. The proxy hands a request to the admin
// router only when it names no target through the url parameter or the
// X-Target-URL header and the router has a matching route; everything
// else is proxied.
//
//	GET  /proxy/status        uptime, request count, configuration flags
//	GET  /proxy/health        liveness
//	GET  /proxy/chain         upstream pool state
//	POST /proxy/chain/reset   clear failed endpoints
//	GET  /metrics             Prometheus exposition (metrics.enabled)
type AdminAPI struct {
	// Proxy is the proxy instance to report on.
	Proxy *Proxy

	// Logger for admin API events.
	Logger *slog.Logger

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:  proxy,
		Logger: proxy.Logger,
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()

	r.Route("/proxy", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Use(middleware.NoCache)

		r.Get("/status", a.handleStatus)
		r.Get("/health", a.Proxy.Stats.HandleHealth)
		r.Get("/chain", a.handleChain)
		r.Post("/chain/reset", a.handleChainReset)
	})

	if a.Proxy.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Proxy.Metrics.Handler())
	}

	a.router = r
}

// Match reports whether r addresses an admin route.
func (a *AdminAPI) Match(r *http.Request) bool {
	return a.router.Match(chi.NewRouteContext(), r.Method, r.URL.Path)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /proxy/status.
type StatusResponse struct {
	Status            string             `json:"status"`
	UptimeSeconds     float64            `json:"uptime_seconds"`
	UptimeFormatted   string             `json:"uptime_formatted"`
	RequestsProcessed int64              `json:"requests_processed"`
	Config            StatusConfig       `json:"config"`
	RateLimit         RateLimitStatus    `json:"rate_limit"`
	Transport         TransportPoolStats `json:"transport"`
}

// StatusConfig summarizes the active configuration without secrets.
type StatusConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	UpstreamProxy    bool   `json:"upstream_proxy"`
	AuthEnabled      bool   `json:"auth_enabled"`
	RateLimitEnabled bool   `json:"rate_limit_enabled"`
	VerifySSL        bool   `json:"verify_ssl"`
}

// RateLimitStatus describes the limiter.
type RateLimitStatus struct {
	MaxRequests    int     `json:"max_requests"`
	WindowSeconds  float64 `json:"window_seconds"`
	TrackedClients int     `json:"tracked_clients"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p := a.Proxy
	cfg := p.Config
	uptime := p.Stats.Uptime()

	resp := StatusResponse{
		Status:            "running",
		UptimeSeconds:     uptime.Seconds(),
		UptimeFormatted:   formatUptime(uptime),
		RequestsProcessed: p.Stats.Requests(),
		Config: StatusConfig{
			Host:             cfg.Server.Host,
			Port:             cfg.Server.Port,
			UpstreamProxy:    p.Chain.Len() > 0,
			AuthEnabled:      cfg.Upstream.Auth.upstreamAuth() != nil,
			RateLimitEnabled: p.RateLimiter.Enabled(),
			VerifySSL:        cfg.Proxy.VerifySSL,
		},
		RateLimit: RateLimitStatus{
			TrackedClients: p.RateLimiter.ClientCount(),
		},
	}
	if p.RateLimiter.Enabled() {
		resp.RateLimit.MaxRequests = p.RateLimiter.MaxRequests
		resp.RateLimit.WindowSeconds = p.RateLimiter.Window.Seconds()
	}
	if p.Pool != nil {
		resp.Transport = p.Pool.Stats()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleChain(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Proxy.Chain.Snapshot())
}

func (a *AdminAPI) handleChainReset(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.Chain.Reset()
	if a.Proxy.Metrics != nil {
		a.Proxy.Metrics.SetChainFailed(0)
	}
	a.Logger.Info("upstream chain reset via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "chain reset"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
