package ipmask

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration. It is loaded once at
// startup and shared read-only by pointer.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Request handling configuration
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// Header rewriting configuration
	Headers HeadersConfig `mapstructure:"headers" yaml:"headers"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Upstream proxy chain configuration
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`

	// Domain filtering configuration
	Filter FilterConfig `mapstructure:"filter" yaml:"filter"`

	// Outbound connection pool configuration
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// Host to bind (e.g., "127.0.0.1", "0.0.0.0")
	Host string `mapstructure:"host" yaml:"host"`

	// Port to listen on
	Port int `mapstructure:"port" yaml:"port"`

	// ReadTimeout for incoming connections
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout for outgoing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ProxyConfig contains per-request forwarding settings.
type ProxyConfig struct {
	// Timeout bounds each upstream call, including reading the body.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxContentLength is the largest accepted request body in bytes.
	// Zero means no limit.
	MaxContentLength int64 `mapstructure:"max_content_length" yaml:"max_content_length"`

	// MaxResponseSize is the largest accepted upstream body in bytes,
	// measured after decoding. Zero means no limit.
	MaxResponseSize int64 `mapstructure:"max_response_size" yaml:"max_response_size"`

	// VerifySSL enables certificate verification for upstream TLS.
	VerifySSL bool `mapstructure:"verify_ssl" yaml:"verify_ssl"`

	// Identification is the X-Proxied-By value on every built response.
	Identification string `mapstructure:"identification" yaml:"identification"`
}

// HeadersConfig describes the outbound header policy.
type HeadersConfig struct {
	Remove     []string          `mapstructure:"remove" yaml:"remove"`
	Add        map[string]string `mapstructure:"add" yaml:"add"`
	UserAgents []string          `mapstructure:"user_agents" yaml:"user_agents"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
}

// UpstreamConfig lists the upstream proxy pool.
type UpstreamConfig struct {
	// Proxies is the rotation pool, in order.
	Proxies []UpstreamProxyConfig `mapstructure:"proxies" yaml:"proxies"`

	// HTTP and HTTPS define a single upstream proxy without a list, which
	// keeps PROXY_UPSTREAM_HTTP / PROXY_UPSTREAM_HTTPS usable from the
	// environment. It is appended after Proxies.
	HTTP  string `mapstructure:"http" yaml:"http,omitempty"`
	HTTPS string `mapstructure:"https" yaml:"https,omitempty"`

	// Auth is applied to every endpoint that carries no credentials.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// UpstreamProxyConfig is one pool entry.
type UpstreamProxyConfig struct {
	HTTP     string `mapstructure:"http" yaml:"http"`
	HTTPS    string `mapstructure:"https" yaml:"https"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// AuthConfig is a static credential pair.
type AuthConfig struct {
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

func (a AuthConfig) upstreamAuth() *UpstreamAuth {
	if a.Username == "" && a.Password == "" {
		return nil
	}
	return &UpstreamAuth{Username: a.Username, Password: a.Password}
}

// FilterConfig contains domain filtering settings.
type FilterConfig struct {
	// BlockedDomains are refused with 403. "*.example.com" matches the
	// domain and every subdomain.
	BlockedDomains []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`

	// AllowedDomains, when non-empty, is the only set of reachable domains.
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
}

// TransportConfig tunes the outbound connection pool.
type TransportConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	EnableHTTP2         bool          `mapstructure:"enable_http2" yaml:"enable_http2"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format" yaml:"format"`

	// File additionally receives every log line when set.
	File string `mapstructure:"file" yaml:"file"`

	// LogRequests enables the per-request access log.
	LogRequests bool `mapstructure:"log_requests" yaml:"log_requests"`

	// MaskClientIP replaces client addresses in logs with a masked form.
	MaskClientIP bool `mapstructure:"mask_client_ip" yaml:"mask_client_ip"`

	// HashClientIP replaces client addresses in logs with a salted hash.
	// The salt is random per process, so hashes only correlate within
	// one run.
	HashClientIP bool `mapstructure:"hash_client_ip" yaml:"hash_client_ip"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8888,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Proxy: ProxyConfig{
			Timeout:          30 * time.Second,
			MaxContentLength: 50 * MB,
			MaxResponseSize:  100 * MB,
			VerifySSL:        false,
			Identification:   DefaultIdentification,
		},
		Headers: HeadersConfig{
			Remove: append([]string(nil), PrivacyHeaders...),
			Add: map[string]string{
				"Accept-Encoding": "gzip, deflate",
				"Cache-Control":   "no-cache",
			},
			UserAgents: append([]string(nil), DefaultUserAgents...),
		},
		RateLimit: RateLimitConfig{
			Enabled:     false,
			MaxRequests: 60,
			Window:      time.Minute,
		},
		Transport: TransportConfig{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         10 * time.Second,
			EnableHTTP2:         true,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			LogRequests:  true,
			MaskClientIP: true,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./ipmask.yaml (or .yml, .json, .toml)
// 3. $HOME/.ipmask/ipmask.yaml
// 4. /etc/ipmask/ipmask.yaml
//
// Environment variables use the PROXY_ prefix with dots replaced by
// underscores, e.g. PROXY_SERVER_PORT or PROXY_RATE_LIMIT_ENABLED.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigName("ipmask")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ipmask")
	v.AddConfigPath("/etc/ipmask")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)

	// Proxy defaults
	v.SetDefault("proxy.timeout", defaults.Proxy.Timeout)
	v.SetDefault("proxy.max_content_length", defaults.Proxy.MaxContentLength)
	v.SetDefault("proxy.max_response_size", defaults.Proxy.MaxResponseSize)
	v.SetDefault("proxy.verify_ssl", defaults.Proxy.VerifySSL)
	v.SetDefault("proxy.identification", defaults.Proxy.Identification)

	// Header defaults
	v.SetDefault("headers.remove", defaults.Headers.Remove)
	v.SetDefault("headers.add", defaults.Headers.Add)
	v.SetDefault("headers.user_agents", defaults.Headers.UserAgents)

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", defaults.RateLimit.Enabled)
	v.SetDefault("rate_limit.max_requests", defaults.RateLimit.MaxRequests)
	v.SetDefault("rate_limit.window", defaults.RateLimit.Window)

	// Upstream keys are registered so AutomaticEnv can populate them.
	v.SetDefault("upstream.http", "")
	v.SetDefault("upstream.https", "")
	v.SetDefault("upstream.auth.username", "")
	v.SetDefault("upstream.auth.password", "")

	// Transport defaults
	v.SetDefault("transport.max_idle_conns", defaults.Transport.MaxIdleConns)
	v.SetDefault("transport.max_idle_conns_per_host", defaults.Transport.MaxIdleConnsPerHost)
	v.SetDefault("transport.idle_conn_timeout", defaults.Transport.IdleConnTimeout)
	v.SetDefault("transport.dial_timeout", defaults.Transport.DialTimeout)
	v.SetDefault("transport.enable_http2", defaults.Transport.EnableHTTP2)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.file", defaults.Logging.File)
	v.SetDefault("logging.log_requests", defaults.Logging.LogRequests)
	v.SetDefault("logging.mask_client_ip", defaults.Logging.MaskClientIP)
	v.SetDefault("logging.hash_client_ip", defaults.Logging.HashClientIP)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

// reservedAddHeaders may not be set through headers.add; the dispatcher
// owns them.
var reservedAddHeaders = []string{"Host", "Content-Length", "Transfer-Encoding"}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port number: %d", c.Server.Port))
	}
	if c.Proxy.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive: %s", c.Proxy.Timeout))
	}
	if c.Proxy.MaxContentLength < 0 {
		errs = append(errs, fmt.Errorf("max_content_length must not be negative: %d", c.Proxy.MaxContentLength))
	}
	if c.Proxy.MaxResponseSize < 0 {
		errs = append(errs, fmt.Errorf("max_response_size must not be negative: %d", c.Proxy.MaxResponseSize))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.max_requests must be positive: %d", c.RateLimit.MaxRequests))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.window must be positive: %s", c.RateLimit.Window))
		}
	}

	for _, name := range c.Headers.Remove {
		if !httpguts.ValidHeaderFieldName(name) {
			errs = append(errs, fmt.Errorf("headers.remove: invalid header name %q", name))
		}
	}
	for name, value := range c.Headers.Add {
		switch {
		case !httpguts.ValidHeaderFieldName(name):
			errs = append(errs, fmt.Errorf("headers.add: invalid header name %q", name))
		case !httpguts.ValidHeaderFieldValue(value):
			errs = append(errs, fmt.Errorf("headers.add: invalid value for %q", name))
		}
		for _, reserved := range reservedAddHeaders {
			if strings.EqualFold(name, reserved) {
				errs = append(errs, fmt.Errorf("headers.add: %s cannot be overridden", reserved))
			}
		}
	}

	if _, err := c.Endpoints(); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Endpoints builds the upstream pool from configuration, in order.
func (c *Config) Endpoints() ([]*ProxyEndpoint, error) {
	entries := c.Upstream.Proxies
	if c.Upstream.HTTP != "" || c.Upstream.HTTPS != "" {
		entries = append(entries[:len(entries):len(entries)], UpstreamProxyConfig{
			HTTP:  c.Upstream.HTTP,
			HTTPS: c.Upstream.HTTPS,
		})
	}

	endpoints := make([]*ProxyEndpoint, 0, len(entries))
	for i, e := range entries {
		var auth *UpstreamAuth
		if e.Username != "" || e.Password != "" {
			auth = &UpstreamAuth{Username: e.Username, Password: e.Password}
		}
		ep, err := NewProxyEndpoint(e.HTTP, e.HTTPS, auth)
		if err != nil {
			return nil, fmt.Errorf("upstream.proxies[%d]: %w", i, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Redacted returns a copy with every password replaced.
func (c *Config) Redacted() Config {
	out := *c
	out.Headers.Remove = append([]string(nil), c.Headers.Remove...)
	out.Upstream.Proxies = make([]UpstreamProxyConfig, len(c.Upstream.Proxies))
	for i, p := range c.Upstream.Proxies {
		if p.Password != "" {
			p.Password = "***"
		}
		p.HTTP = redactURL(p.HTTP)
		p.HTTPS = redactURL(p.HTTPS)
		out.Upstream.Proxies[i] = p
	}
	out.Upstream.HTTP = redactURL(c.Upstream.HTTP)
	out.Upstream.HTTPS = redactURL(c.Upstream.HTTPS)
	if out.Upstream.Auth.Password != "" {
		out.Upstream.Auth.Password = "***"
	}
	return out
}

// WriteYAML renders the configuration, with credentials redacted.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// NewLogger builds the process logger. Output goes to stderr and, when
// File is set, to that file as well. The returned close function releases
// the file.
func (l LoggingConfig) NewLogger() (*slog.Logger, func() error, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(l.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closeFn, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# ipmask - anonymizing forwarding proxy configuration

server:
  host: "127.0.0.1"
  port: 8888

  # Timeouts
  read_timeout: 30s
  write_timeout: 60s
  idle_timeout: 120s

proxy:
  # Bounds each upstream call, including the response body
  timeout: 30s

  # Largest accepted request body (bytes, 0 = unlimited)
  max_content_length: 52428800

  # Largest accepted decoded upstream body (bytes, 0 = unlimited)
  max_response_size: 104857600

  # Verify upstream TLS certificates
  verify_ssl: false

  # X-Proxied-By value
  identification: "CustomProxy/1.0"

headers:
  # Stripped from every outbound request (case-insensitive)
  remove:
    - "X-Forwarded-For"
    - "X-Real-IP"
    - "X-Originating-IP"
    - "CF-Connecting-IP"
    - "X-Forwarded-Proto"
    - "X-Forwarded-Host"
    - "X-Forwarded-Port"
    - "Via"
    - "Forwarded"
    - "X-Client-IP"
    - "X-Cluster-Client-IP"
    - "X-Remote-Addr"
    - "X-Remote-IP"

  # Set on every outbound request, overriding the client
  add:
    Accept-Encoding: "gzip, deflate"
    Cache-Control: "no-cache"

  # Picked at random when the client sends no User-Agent
  user_agents:
    - "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
    - "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0"

rate_limit:
  enabled: false
  max_requests: 60
  window: 1m

upstream:
  # Rotation pool; failed endpoints are skipped until all have failed
  proxies: []
  #  - http: "http://proxy1.example.com:3128"
  #    https: "http://proxy1.example.com:3128"
  #  - http: "http://proxy2.example.com:8080"
  #    https: "http://proxy2.example.com:8080"
  #    username: "user"
  #    password: "secret"

  # Credentials for endpoints that carry none
  # auth:
  #   username: "user"
  #   password: "secret"

filter:
  blocked_domains: []
  #  - "ads.example.com"
  #  - "*.tracking.com"

  # When set, only these domains are reachable
  allowed_domains: []

transport:
  max_idle_conns: 200
  max_idle_conns_per_host: 10
  idle_conn_timeout: 90s
  dial_timeout: 10s
  enable_http2: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Also write logs to this file
  # file: "proxy.log"

  log_requests: true
  mask_client_ip: true

  # Log a per-process salted hash of the client instead of its address
  hash_client_ip: false

metrics:
  # Serve Prometheus metrics at /metrics
  enabled: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
