package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ipmask "github.com/diversecellar/custom-ip-masks"
)

var (
	configPath string

	// Overrides applied on top of the loaded configuration when set.
	host          string
	port          int
	timeout       time.Duration
	logLevel      string
	logFile       string
	logJSON       bool
	debug         bool
	rateLimit     bool
	maxRequests   int
	rateWindow    time.Duration
	verifySSL     bool
	noSSLVerify   bool
	blockDomains  []string
	allowDomains  []string
	upstreamProxy []string
	proxyAuth     string
	metrics       bool
)

var rootCmd = &cobra.Command{
	Use:   "ipmask",
	Short: "Anonymizing HTTP/HTTPS forward proxy",
	Long: `ipmask is a forwarding proxy that strips client-identifying headers,
rotates requests across a pool of upstream proxies, and rate limits clients.

Targets are named with the url query parameter, the X-Target-URL header,
or the request path (http://localhost:8888/example.com/page). Standard
forward-proxy requests and CONNECT tunnels are also accepted.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy (default)",
	RunE:  runServe,
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "ipmask.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := ipmask.WriteExampleConfig(path); err != nil {
			return fmt.Errorf("generate config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", path)
		return nil
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config [path]",
	Short: "Check a configuration file and report every problem",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := ipmask.LoadConfig(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Configuration is invalid:")
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", line)
			}
			return errors.New("validation failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return cfg.WriteYAML(cmd.OutOrStdout())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./ipmask.yaml, ~/.ipmask, /etc/ipmask)")
	pf.StringVar(&host, "host", "", "host to bind")
	pf.IntVarP(&port, "port", "p", 0, "port to bind")
	pf.DurationVar(&timeout, "timeout", 0, "upstream request timeout")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", "", "also write logs to this file")
	pf.BoolVar(&logJSON, "log-json", false, "log in JSON format")
	pf.BoolVar(&debug, "debug", false, "shorthand for --log-level=debug")
	pf.BoolVar(&rateLimit, "rate-limit", false, "enable rate limiting")
	pf.IntVar(&maxRequests, "max-requests", 0, "requests admitted per window per client")
	pf.DurationVar(&rateWindow, "rate-window", 0, "rate limit window")
	pf.BoolVar(&verifySSL, "verify-ssl", false, "verify upstream TLS certificates")
	pf.BoolVar(&noSSLVerify, "no-ssl-verify", false, "disable upstream TLS certificate verification")
	pf.StringSliceVar(&blockDomains, "block-domains", nil, "comma-separated domains to block (\"*.example.com\" for subdomains)")
	pf.StringSliceVar(&allowDomains, "allow-domains", nil, "comma-separated domains to allow exclusively")
	pf.StringArrayVar(&upstreamProxy, "upstream-proxy", nil, "upstream proxy URL, repeatable to build a rotation pool")
	pf.StringVar(&proxyAuth, "proxy-auth", "", "upstream proxy credentials as username:password")
	pf.BoolVar(&metrics, "metrics", false, "serve Prometheus metrics at /metrics")
	rootCmd.MarkFlagsMutuallyExclusive("verify-ssl", "no-ssl-verify")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(serveCmd, genConfigCmd, validateConfigCmd, configCmd)
}

// loadConfig reads the configuration and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (*ipmask.Config, error) {
	cfg, err := ipmask.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("timeout") {
		cfg.Proxy.Timeout = timeout
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = logFile
	}
	if logJSON {
		cfg.Logging.Format = "json"
	}
	if rateLimit {
		cfg.RateLimit.Enabled = true
	}
	if flags.Changed("max-requests") {
		cfg.RateLimit.MaxRequests = maxRequests
	}
	if flags.Changed("rate-window") {
		cfg.RateLimit.Window = rateWindow
	}
	if verifySSL {
		cfg.Proxy.VerifySSL = true
	}
	if noSSLVerify {
		cfg.Proxy.VerifySSL = false
	}
	if len(blockDomains) > 0 {
		cfg.Filter.BlockedDomains = append(cfg.Filter.BlockedDomains, blockDomains...)
	}
	if len(allowDomains) > 0 {
		cfg.Filter.AllowedDomains = append(cfg.Filter.AllowedDomains, allowDomains...)
	}
	for _, u := range upstreamProxy {
		cfg.Upstream.Proxies = append(cfg.Upstream.Proxies, ipmask.UpstreamProxyConfig{HTTP: u, HTTPS: u})
	}
	if proxyAuth != "" {
		user, pass, ok := strings.Cut(proxyAuth, ":")
		if !ok {
			return nil, errors.New("--proxy-auth must be username:password")
		}
		cfg.Upstream.Auth = ipmask.AuthConfig{Username: user, Password: pass}
	}
	if metrics {
		cfg.Metrics.Enabled = true
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, closeLog, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	proxy, err := ipmask.NewProxy(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := ipmask.WatchSIGHUP(proxy, logger, nil)
	defer hup.Cancel()

	drained := shutdownOnDone(ctx, proxy, logger, 15*time.Second)

	logger.Info("starting proxy",
		"addr", cfg.Server.Addr(),
		"upstream_proxies", proxy.Chain.Len(),
		"rate_limit", cfg.RateLimit.Enabled,
		"verify_ssl", cfg.Proxy.VerifySSL,
	)
	if !cfg.Proxy.VerifySSL {
		logger.Warn("upstream TLS certificate verification is disabled")
	}

	if err := proxy.ListenAndServe(); err != nil {
		return err
	}
	<-drained
	return nil
}

// shutdownOnDone shuts proxy down once ctx is done, allowing grace for
// in-flight requests. The returned channel closes when shutdown returns.
func shutdownOnDone(ctx context.Context, proxy *ipmask.Proxy, logger *slog.Logger, grace time.Duration) <-chan struct{} {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	return drained
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
