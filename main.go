package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/gateproxy/internal/auth"
	"github.com/die-net/gateproxy/internal/config"
	"github.com/die-net/gateproxy/internal/dialer"
	"github.com/die-net/gateproxy/internal/directory"
	"github.com/die-net/gateproxy/internal/obs"
	"github.com/die-net/gateproxy/internal/proxy"
	"github.com/die-net/gateproxy/internal/stats"
)

const envPrefix = "gateproxy"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen      = pflag.String("listen", ":3131", "HTTP proxy listen address. Empty disables.")
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof, /metrics and /stats (e.g. 127.0.0.1:6060). Empty disables.")
		_           = pflag.String("config", "", "Optional YAML file with flag values, keyed by flag name")

		usersFile      = pflag.String("users-file", "", "YAML or JSON identities file")
		usersReload    = pflag.Duration("users-reload-interval", 30*time.Second, "How often to reload --users-file. 0 disables.")
		redisAddr      = pflag.String("redis-addr", "", "Redis address to look identities up in, instead of --users-file")
		redisPassword  = pflag.String("redis-password", "", "Redis password")
		redisDB        = pflag.Int("redis-db", 0, "Redis database number")
		redisPrefix    = pflag.String("redis-prefix", directory.DefaultRedisPrefix, "Redis key prefix for identity hashes")
		redisCacheTTL  = pflag.Duration("redis-cache-ttl", 10*time.Second, "How long looked-up Redis identities are cached. 0 disables.")
		enforceSecrets = pflag.Bool("enforce-secrets", true, "Require the secret to match for identities that have one")

		upstream           = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		connectTimeout     = pflag.Duration("connect-timeout", proxy.DefaultConnectTimeout, "Timeout for opening a tunnel to its target")
		upstreamTimeout    = pflag.Duration("upstream-timeout", proxy.DefaultUpstreamTimeout, "Timeout for an HTTP origin to send response headers")
		idleTimeout        = pflag.Duration("idle-timeout", proxy.DefaultIdleTimeout, "Close a tunnel when one side has been silent this long")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		httpMaxIdleConns   = pflag.Int("http-max-idle-conns", 100, "Maximum number of idle HTTP proxy connections")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort          = pflag.Bool("reuse-port", false, "Set SO_REUSEPORT on proxy listeners")

		realm      = pflag.String("realm", proxy.DefaultRealm, "Realm sent in Proxy-Authenticate challenges")
		proxyAgent = pflag.String("proxy-agent", proxy.DefaultProxyAgent, "Proxy-Agent sent when a tunnel is established")

		statsInterval = pflag.Duration("stats-interval", 5*time.Second, "How often to log per-identity statistics. 0 logs only at exit.")
		logFormat     = pflag.String("log-format", "text", "Log format: text | json")
		logLevel      = pflag.String("log-level", "info", "Log level: debug | info | warn | error")
		logFile       = pflag.String("log-file", "", "Write logs to this file, rotated, instead of stderr")
		logMaxSize    = pflag.Int("log-max-size", 100, "Rotate --log-file at this many megabytes")
		logMaxBackups = pflag.Int("log-max-backups", 5, "Rotated log files to keep")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if err := config.Bind(pflag.CommandLine, envPrefix, "config"); err != nil {
		return err
	}

	logger, logCloser, err := obs.NewLogger(obs.LogConfig{
		Format:     *logFormat,
		Level:      *logLevel,
		File:       *logFile,
		MaxSizeMB:  *logMaxSize,
		MaxBackups: *logMaxBackups,
	})
	if err != nil {
		return fmt.Errorf("invalid logging flags: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ka, err := config.ParseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *listen == "" && *socksListen == "" {
		return errors.New("no listeners enabled (set at least one of --listen, --socks5-listen)")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir auth.Directory
	switch {
	case *redisAddr != "":
		rd, err := directory.NewRedis(ctx, directory.RedisOptions{
			Addr:           *redisAddr,
			Password:       *redisPassword,
			DB:             *redisDB,
			Prefix:         *redisPrefix,
			CacheTTL:       *redisCacheTTL,
			EnforceSecrets: *enforceSecrets,
		})
		if err != nil {
			return err
		}
		defer rd.Close()
		dir = rd
		logger.Info("identities from redis", "addr", *redisAddr, "prefix", *redisPrefix)
	case *usersFile != "":
		f, err := directory.NewFile(*usersFile, *enforceSecrets, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return f.Run(ctx, *usersReload)
		})
		dir = f
		logger.Info("identities loaded", "path", *usersFile, "count", f.Len())
	default:
		return errors.New("no identity directory (set --users-file or --redis-addr)")
	}

	registry := stats.NewMemory()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stats.NewCollector(registry, envPrefix),
	)

	cfg := proxy.Config{
		Gate:               auth.NewGate(dir, registry),
		Registry:           registry,
		ConnectTimeout:     *connectTimeout,
		UpstreamTimeout:    *upstreamTimeout,
		IdleTimeout:        *idleTimeout,
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		HTTPMaxIdleConns:   *httpMaxIdleConns,
		KeepAlive:          ka,
		Realm:              *realm,
		ProxyAgent:         *proxyAgent,
		Logger:             logger,
		Metrics:            proxy.NewMetrics(promReg, envPrefix),
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
	}

	cfg.Dialer, err = dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	listenOpts := proxy.ListenOptions{KeepAlive: ka, ReusePort: *reusePort}

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		http.Handle("/stats", statsHandler(registry))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", *debugListen)
	}

	if *listen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *listen, listenOpts)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewHTTPProxyServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		logger.Info("http proxy listening", "addr", *listen, "upstream", *upstream)
	}

	if *socksListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *socksListen, listenOpts)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
			_ = s5.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		logger.Info("socks5 proxy listening", "addr", *socksListen)
	}

	reporter := &stats.Reporter{Registry: registry, Interval: *statsInterval, Logger: logger}
	g.Go(func() error {
		return reporter.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

// statsHandler serves the registry snapshot as JSON, keyed by identity.
func statsHandler(reg stats.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := reg.Snapshot()
		body := struct {
			Identities map[string]stats.Stats `json:"identities"`
			Totals     stats.Stats            `json:"totals"`
		}{snap, stats.Totals(snap)}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			_, _ = io.WriteString(w, err.Error())
		}
	})
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
