package ipmask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Proxy is the anonymizing forward proxy. For each inbound request it
// resolves the target, applies rate limiting and filtering, rewrites the
// headers, picks an upstream proxy from the chain and dispatches, then
// rebuilds the response.
//
// All collaborators are process-scoped and safe for concurrent use; a
// Proxy holds them by reference and never mutates its Config.
type Proxy struct {
	// Config is the immutable configuration snapshot.
	Config *Config

	// Logger for proxy events
	Logger *slog.Logger

	// RateLimiter admits or denies requests per client.
	RateLimiter *RateLimiter

	// Headers rewrites outbound request headers.
	Headers *HeaderPolicy

	// Chain selects the upstream proxy endpoint. Nil or empty means direct.
	Chain *ChainManager

	// Dispatcher issues the forwarded request.
	Dispatcher *Dispatcher

	// Builder rebuilds the client response.
	Builder ResponseBuilder

	// Filter refuses blocked target domains (optional).
	Filter *DomainFilter

	// BodyLimiter reads inbound bodies with a size cap.
	BodyLimiter *BodyLimiter

	// Stats counts requests and tracks uptime.
	Stats *Stats

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes structured access log entries for each request (optional).
	AccessLog *AccessLogger

	// Admin serves the /proxy/* status routes and /metrics.
	Admin *AdminAPI

	// Pool is the outbound connection pool used by Dispatcher.
	Pool *TransportPool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	tunnels *xsync.Map[net.Conn, struct{}]

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy wires a Proxy from configuration. cfg must already be valid.
func NewProxy(cfg *Config, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	pool := NewTransportPoolFromConfig(cfg)
	pool.Build()

	p := &Proxy{
		Config:      cfg,
		Logger:      logger,
		RateLimiter: NewRateLimiterFromConfig(cfg.RateLimit),
		Headers:     NewHeaderPolicy(cfg.Headers),
		Chain:       NewChainManager(endpoints),
		Dispatcher:  NewDispatcher(pool, cfg.Proxy),
		Builder:     ResponseBuilder{Identification: cfg.Proxy.Identification},
		Filter:      NewDomainFilter(cfg.Filter.BlockedDomains, cfg.Filter.AllowedDomains),
		BodyLimiter: NewBodyLimiter(cfg.Proxy.MaxContentLength),
		Stats:       NewStats(),
		Pool:        pool,
		tunnels:     xsync.NewMap[net.Conn, struct{}](),
	}
	if cfg.Metrics.Enabled {
		p.Metrics = NewMetrics()
	}
	if cfg.Logging.LogRequests {
		p.AccessLog = NewAccessLogger(logger, cfg.Logging.MaskClientIP)
		if cfg.Logging.HashClientIP {
			p.AccessLog.HashSalt = uuid.NewString()
		}
	}
	p.Admin = NewAdminAPI(p)

	return p, nil
}

// ListenAndServe starts the proxy on the configured address.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.Config.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (p *Proxy) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      p,
		ReadTimeout:  p.Config.Server.ReadTimeout,
		WriteTimeout: p.Config.Server.WriteTimeout,
		IdleTimeout:  p.Config.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(p.Logger.Handler(), slog.LevelWarn),
	}
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the proxy: the health endpoint starts
// reporting unavailable, in-flight requests drain, and open tunnels are
// closed.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.Stats != nil {
		p.Stats.SetAlive(false)
	}

	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	if p.tunnels != nil {
		p.tunnels.Range(func(c net.Conn, _ struct{}) bool {
			_ = c.Close()
			return true
		})
	}
	if p.RateLimiter != nil {
		p.RateLimiter.Close()
	}
	if p.Pool != nil {
		p.Pool.CloseIdleConnections()
	}
	return err
}

// ServeHTTP handles every inbound request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.isAuxiliary(r) {
		p.Admin.ServeHTTP(w, r)
		return
	}

	p.Stats.IncRequests()

	rc := &RequestContext{
		ID:        uuid.New().String(),
		Method:    r.Method,
		ClientID:  clientHost(r.RemoteAddr),
		StartTime: p.now(),
	}
	r = r.WithContext(WithRequestContext(r.Context(), rc))
	tw := &trackingWriter{ResponseWriter: w}

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			err := fmt.Errorf("panic: %v", v)
			p.Logger.Error("internal proxy error",
				"request_id", rc.ID,
				"error", SanitizeLogData(err.Error()),
				"stack", string(debug.Stack()),
			)
			status := http.StatusInternalServerError
			if !tw.wroteHeader && !tw.hijacked {
				p.writeError(tw, rc, err)
			} else {
				status = tw.status
			}
			p.finish(r, rc, status, tw.written, err)
		}
	}()

	if r.Method == http.MethodConnect {
		n, err := p.handleConnect(tw, r, rc)
		if err != nil {
			p.finish(r, rc, p.writeError(tw, rc, err), 0, err)
			return
		}
		p.finish(r, rc, http.StatusOK, n, nil)
		return
	}

	resp, err := p.handle(r, rc)
	if err != nil {
		p.finish(r, rc, p.writeError(tw, rc, err), 0, err)
		return
	}

	n, err := resp.Write(tw)
	if err != nil {
		p.Logger.Debug("write response", "request_id", rc.ID, "error", err)
	}
	p.finish(r, rc, resp.StatusCode, n, nil)
}

// handle runs the forwarding pipeline for a non-CONNECT request.
func (p *Proxy) handle(r *http.Request, rc *RequestContext) (*OutboundResponse, error) {
	target, source, err := ResolveTarget(r)
	if err != nil {
		return nil, err
	}
	rc.Target, rc.Source = target, source

	if err := p.admit(rc); err != nil {
		return nil, err
	}
	if blocked, reason := p.Filter.ShouldBlockURL(target); blocked {
		return nil, p.blocked(rc, reason)
	}

	body, err := p.BodyLimiter.ReadBody(r)
	if err != nil {
		return nil, err
	}
	rc.Body = body
	rc.Header = p.Headers.Transform(r.Header)
	rc.Query = forwardQuery(r, source)
	// A target the dispatcher would reject never takes a chain slot.
	if _, err := parseTarget(rc.Target); err != nil {
		err = &DispatchError{Target: redactURL(rc.Target), Err: err}
		p.dispatchFailed(rc, err)
		return nil, err
	}
	rc.Endpoint, _ = p.Chain.Next()

	// The client going away does not cancel the upstream call; only the
	// configured timeout does.
	ctx := context.WithoutCancel(r.Context())
	up, err := p.Dispatcher.Dispatch(ctx, DispatchRequest{
		Method:   rc.Method,
		Target:   rc.Target,
		Header:   rc.Header,
		Body:     rc.Body,
		Query:    rc.Query,
		Endpoint: rc.Endpoint,
	})
	if err != nil {
		p.dispatchFailed(rc, err)
		return nil, err
	}

	return p.Builder.Build(up, rc.ID), nil
}

// admit applies the rate limiter to rc's client.
func (p *Proxy) admit(rc *RequestContext) error {
	if p.RateLimiter.Allow(rc.ClientID, p.now()) {
		if p.Metrics != nil {
			p.Metrics.SetRateLimitClients(p.RateLimiter.ClientCount())
		}
		return nil
	}
	if p.Metrics != nil {
		p.Metrics.RecordRateLimited()
	}
	return ErrRateLimitExceeded
}

// blocked records a filter refusal and returns the error for it.
func (p *Proxy) blocked(rc *RequestContext, reason string) error {
	p.Logger.Info("blocked", "request_id", rc.ID, "target", redactURL(rc.Target), "reason", reason)
	if p.Metrics != nil {
		p.Metrics.RecordBlocked(reason)
	}
	return fmt.Errorf("%w: %s", ErrBlocked, reason)
}

// dispatchFailed records a failed dispatch. The endpoint used for rc is
// marked failed only when the failure happened on the wire.
func (p *Proxy) dispatchFailed(rc *RequestContext, err error) {
	endpoint := "direct"
	if rc.Endpoint != nil {
		endpoint = rc.Endpoint.String()
		var de *DispatchError
		if errors.As(err, &de) && de.Transport {
			p.Chain.MarkFailed(rc.Endpoint)
		}
	}
	p.Logger.Warn("upstream dispatch failed",
		"request_id", rc.ID,
		"upstream", endpoint,
		"error", SanitizeLogData(err.Error()),
	)
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamError(endpoint)
		p.Metrics.SetChainFailed(p.Chain.FailedCount())
	}
}

// writeError writes the JSON error body for err and returns its status.
func (p *Proxy) writeError(w http.ResponseWriter, rc *RequestContext, err error) int {
	status := statusForError(err)

	switch status {
	case http.StatusTooManyRequests:
		reset := p.RateLimiter.ResetTime(rc.ClientID, p.now())
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
	case http.StatusInternalServerError:
		p.Logger.Error("internal proxy error",
			"request_id", rc.ID,
			"error", SanitizeLogData(err.Error()),
		)
	}

	w.Header().Set(RequestIDHeader, rc.ID)
	writeJSONError(w, status, err, rc.ID)
	return status
}

// finish records metrics and the access log for a completed request.
func (p *Proxy) finish(r *http.Request, rc *RequestContext, status int, written int64, err error) {
	elapsed := p.now().Sub(rc.StartTime)

	if p.Metrics != nil {
		p.Metrics.RecordRequest(rc.Method, outcomeFor(rc, status))
		if err == nil {
			p.Metrics.RecordRequestDuration(rc.Method, status, elapsed)
		}
	}

	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    rc.StartTime,
		RequestID:    rc.ID,
		Method:       rc.Method,
		Source:       string(rc.Source),
		StatusCode:   status,
		Duration:     elapsed,
		BytesWritten: written,
		ClientAddr:   r.RemoteAddr,
	}
	if u := parseTargetForLog(rc); u != nil {
		e.Host, e.Path, e.Scheme = u.Host, u.Path, u.Scheme
	}
	if rc.Endpoint != nil {
		e.Endpoint = rc.Endpoint.String()
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

func parseTargetForLog(rc *RequestContext) *url.URL {
	switch {
	case rc.Target == "":
		return nil
	case rc.Source == SourceConnect:
		return &url.URL{Scheme: "https", Host: rc.Target}
	}
	u, err := url.Parse(rc.Target)
	if err != nil {
		return nil
	}
	return u
}

func outcomeFor(rc *RequestContext, status int) string {
	switch status {
	case http.StatusBadRequest:
		return "no_target"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusForbidden:
		return "blocked"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	}
	if rc.Source == SourceConnect {
		return "tunnel"
	}
	return "ok"
}

// isAuxiliary reports whether r addresses the proxy's own status routes
// rather than a target.
func (p *Proxy) isAuxiliary(r *http.Request) bool {
	if p.Admin == nil || r.Method == http.MethodConnect || r.URL.IsAbs() {
		return false
	}
	if r.URL.Query().Get(TargetQueryParam) != "" || r.Header.Get(TargetURLHeader) != "" {
		return false
	}
	return p.Admin.Match(r)
}

func (p *Proxy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// trackingWriter remembers whether headers were sent so a recovered panic
// can still produce a 500.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	hijacked    bool
}

func (t *trackingWriter) WriteHeader(status int) {
	if !t.wroteHeader {
		t.status = status
		t.wroteHeader = true
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.ResponseWriter.Write(b)
	t.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
