// Command plexusd runs a plexus server, exposing registered activations
// over either a WebSocket listener or a single stdio connection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/plexusd/activations/interactive"
	"github.com/ggoodman/plexusd/activations/workspace"
	"github.com/ggoodman/plexusd/auth"
	"github.com/ggoodman/plexusd/broker"
	brokermemory "github.com/ggoodman/plexusd/broker/memory"
	brokerredis "github.com/ggoodman/plexusd/broker/redis"
	"github.com/ggoodman/plexusd/plexus"
	"github.com/ggoodman/plexusd/sessions"
	"github.com/ggoodman/plexusd/sessions/memoryhost"
	"github.com/ggoodman/plexusd/sessions/redishost"
	"github.com/ggoodman/plexusd/storage"
	storagememory "github.com/ggoodman/plexusd/storage/memory"
	storageredis "github.com/ggoodman/plexusd/storage/redis"
	"github.com/ggoodman/plexusd/transport/stdioadapter"
	"github.com/ggoodman/plexusd/transport/wsadapter"
	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// config holds settings that may come from the environment; pflag values
// parsed afterward take precedence over whatever envdecode populated.
type config struct {
	Port           int    `env:"PORT,default=4444"`
	RedisAddr      string `env:"REDIS_ADDR"`
	OIDCIssuer     string `env:"OIDC_ISSUER"`
	PublicEndpoint string `env:"PLEXUS_PUBLIC_ENDPOINT"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=text"`
	WorkspaceRoot  string `env:"WORKSPACE_ROOT,default=."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "plexusd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	_ = envdecode.Decode(&cfg)

	var stdioMode bool
	flags := pflag.NewFlagSet("plexusd", pflag.ContinueOnError)
	flags.BoolVar(&stdioMode, "stdio", false, "serve a single connection over stdin/stdout instead of listening for WebSocket connections")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for sessions/storage/broker; empty uses in-memory implementations")
	flags.StringVar(&cfg.OIDCIssuer, "oidc-issuer", cfg.OIDCIssuer, "OAuth/OIDC issuer URL for bearer-token authentication; empty disables authentication")
	flags.StringVar(&cfg.PublicEndpoint, "public-endpoint", cfg.PublicEndpoint, "publicly reachable base URL of this server, used as the token audience")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flags.StringVar(&cfg.WorkspaceRoot, "workspace-root", cfg.WorkspaceRoot, "directory sandboxed by the workspace activation")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ws, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("build workspace activation: %w", err)
	}

	engine := plexus.New(logger)
	if err := engine.Register(interactive.New()); err != nil {
		return fmt.Errorf("register interactive activation: %w", err)
	}
	if err := engine.Register(ws); err != nil {
		return fmt.Errorf("register workspace activation: %w", err)
	}
	engine.Freeze()

	store, err := buildStorage(cfg)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer store.Close()

	if stdioMode {
		h := stdioadapter.NewHandler(engine, stdioadapter.WithLogger(logger), stdioadapter.WithStorage(store))
		return h.Serve(ctx)
	}

	host, cleanupHost, err := buildSessionHost(cfg)
	if err != nil {
		return fmt.Errorf("build session host: %w", err)
	}
	defer cleanupHost()

	brk, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}

	var authenticator auth.Authenticator
	var securityProvider auth.SecurityProvider
	var resourceMetadataURL string
	if cfg.OIDCIssuer != "" {
		sp, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.PublicEndpoint, auth.WithLeeway(2*time.Minute))
		if err != nil {
			return fmt.Errorf("build authenticator: %w", err)
		}
		authenticator = sp
		securityProvider = sp
		if cfg.PublicEndpoint != "" {
			resourceMetadataURL = strings.TrimRight(cfg.PublicEndpoint, "/") + "/.well-known/oauth-protected-resource"
		}
	} else {
		logger.WarnContext(ctx, "plexusd.auth.disabled", slog.String("reason", "no --oidc-issuer configured"))
	}

	wsOpts := []wsadapter.Option{
		wsadapter.WithBroker(brk),
		wsadapter.WithSessionHost(host),
		wsadapter.WithStorage(store),
		wsadapter.WithLogger(logger),
	}
	if authenticator != nil {
		wsOpts = append(wsOpts, wsadapter.WithAuthenticator(authenticator), wsadapter.WithResourceMetadataURL(resourceMetadataURL))
	}
	handler := wsadapter.New(engine, wsOpts...)

	var pinger *goredis.Client
	if cfg.RedisAddr != "" {
		pinger = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer pinger.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(pinger))
	if securityProvider != nil {
		mux.HandleFunc("/.well-known/oauth-protected-resource", protectedResourceHandler(securityProvider, cfg.PublicEndpoint))
	}
	mux.Handle("/", handler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(ctx, "plexusd.listen", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid --log-format %q: must be text or json", format)
	}
	return slog.New(h), nil
}

func buildSessionHost(cfg config) (sessions.SessionHost, func(), error) {
	if cfg.RedisAddr == "" {
		return memoryhost.New(), func() {}, nil
	}
	host, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
	if err != nil {
		return nil, nil, err
	}
	return host, func() { host.Close() }, nil
}

func buildBroker(cfg config) (broker.Broker, error) {
	if cfg.RedisAddr == "" {
		return brokermemory.New(), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return brokerredis.New(brokerredis.Config{Client: client}), nil
}

func buildStorage(cfg config) (storage.Storage, error) {
	if cfg.RedisAddr == "" {
		return storagememory.New(100_000)
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return storageredis.New(storageredis.Config{Client: client})
}
