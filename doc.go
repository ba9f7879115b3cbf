// Package ipmask provides an anonymizing HTTP/HTTPS forward proxy. It
// rewrites outbound requests to strip client-identifying headers, can
// rotate traffic across a pool of upstream proxies, and limits request
// rate per client with a sliding window.
//
// # Architecture
//
// Each inbound request runs through a fixed pipeline:
//
//	resolve target → rate limit → domain filter → read body →
//	transform headers → pick upstream → dispatch → build response
//
// Any failure is mapped to one status at the pipeline boundary: 400 when
// no target is named, 429 when rate limited, 403 when the domain filter
// refuses the target, 413 when the body is too large, 502 when dispatch
// fails, and 500 for anything else. Error bodies are JSON.
//
// HTTPS is never intercepted. CONNECT requests become opaque TCP tunnels,
// opened directly or through the next upstream proxy in the chain.
//
// # Naming the Target
//
// The target is taken from the first of:
//
//	GET /?url=https://example.com/page
//	GET / with header X-Target-URL: https://example.com/page
//	GET https://example.com/page HTTP/1.1   (standard forward proxy)
//	GET /example.com/page                   (becomes http://example.com/page)
//
// # Basic Proxy
//
// Load configuration and start serving:
//
//	cfg, err := ipmask.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy, err := ipmask.NewProxy(cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(proxy.ListenAndServe())
//
// # Header Anonymization
//
// [HeaderPolicy] removes forwarding headers such as X-Forwarded-For and
// Via, drops hop-by-hop headers, applies configured overrides, and picks
// a User-Agent from a pool when the client sent none:
//
//	policy := ipmask.NewHeaderPolicy(ipmask.HeadersConfig{
//	    Remove:     ipmask.PrivacyHeaders,
//	    UserAgents: ipmask.DefaultUserAgents,
//	})
//	out := policy.Transform(r.Header)
//
// # Upstream Proxy Chain
//
// [ChainManager] rotates round-robin across [ProxyEndpoint] values. An
// endpoint that fails a dispatch is skipped until every endpoint has
// failed, at which point the failed set is cleared and rotation restarts
// from the first endpoint:
//
//	ep, _ := ipmask.NewProxyEndpoint("http://proxy1:3128", "", nil)
//	chain := ipmask.NewChainManager([]*ipmask.ProxyEndpoint{ep})
//	next, ok := chain.Next()
//
// # Rate Limiting
//
// [RateLimiter] admits at most MaxRequests per trailing Window for each
// client identifier:
//
//	rl := ipmask.NewRateLimiter(60, time.Minute)
//	defer rl.Close()
//	if !rl.Allow(clientIP, time.Now()) {
//	    // 429
//	}
//
// # Status Routes
//
// The proxy answers its own routes when the request names no target
// through the url parameter or the X-Target-URL header:
//
//	GET  /proxy/status
//	GET  /proxy/health
//	GET  /proxy/chain
//	POST /proxy/chain/reset
//	GET  /metrics            (when metrics are enabled)
//
// # Configuration
//
// Configuration is read by [LoadConfig] from ipmask.yaml (or an explicit
// path) and PROXY_-prefixed environment variables, on top of
// [DefaultConfig]. [WriteExampleConfig] writes an annotated template.
package ipmask
