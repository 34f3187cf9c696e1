package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
	"github.com/HsiangNianian/AMonItor/bridge/internal/bridge"
	"github.com/HsiangNianian/AMonItor/bridge/internal/config"
	"github.com/HsiangNianian/AMonItor/bridge/internal/metrics"
	"github.com/HsiangNianian/AMonItor/bridge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	wsURL       string
	listen      string
	deviceID    string
	deviceIDIn  string
	metricsAddr string
	redisAddr   string
	debug       bool
	interactive bool
}

func bindFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (.json/.jsonc or .yaml)")
	fs.StringVar(&opts.wsURL, "ws-url", "", "websocket endpoint, e.g. ws://127.0.0.1:8080/ws (env WS_URL)")
	fs.StringVar(&opts.listen, "listen", "", "comma separated chats to listen on at startup (env WS_LISTEN)")
	fs.StringVar(&opts.deviceID, "device-id", "", "device id reported to the service (env DEVICE_ID)")
	fs.StringVar(&opts.deviceIDIn, "device-id-in", "", "how the device id reaches the service: none, query or header")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /healthz, /readyz and /metrics")
	fs.StringVar(&opts.redisAddr, "redis-addr", "", "redis address for the command ledger (env REDIS_ADDR)")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.interactive, "interactive", false, "inject stdin lines as inbound chat messages")
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "wxbridge",
		Short: "Relay chat automation events and commands over a websocket session",
		Long: `wxbridge keeps a websocket session to the remote service, reports messages
seen on listened chats as wechat_message events and executes the commands the
service sends back.

This binary drives the in-memory loopback engine, which is useful for protocol
integration work. Desktop automation drivers embed internal/bridge directly.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	bindFlags(cmd.Flags(), opts)
	return cmd
}

func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.wsURL != "" {
		cfg.Connection.URL = opts.wsURL
	}
	if opts.listen != "" {
		cfg.Listens = config.ParseList(opts.listen)
	}
	if opts.deviceID != "" {
		cfg.Connection.DeviceID = opts.deviceID
	}
	if opts.deviceIDIn != "" {
		cfg.Connection.DeviceIDIn = opts.deviceIDIn
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}
	if opts.redisAddr != "" {
		cfg.Store.RedisAddr = opts.redisAddr
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

func newStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("use memory command ledger")
		return store.NewMemoryStore(), func() {}
	}
	rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, falling back to memory command ledger", "addr", cfg.RedisAddr, "err", err)
		_ = rs.Close()
		return store.NewMemoryStore(), func() {}
	}
	logger.Info("use redis command ledger", "addr", cfg.RedisAddr)
	return rs, func() { _ = rs.Close() }
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := newStore(ctx, cfg.Store, logger)
	defer closeStore()

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	engine := automation.NewLoopback(logger)
	if opts.interactive && len(cfg.Listens) == 0 {
		cfg.Listens = []string{interactiveChat}
	}

	b := bridge.New(cfg, engine, st, m, logger)
	b.Start(ctx)

	var srv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		srv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: b.NewHTTPHandler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	if opts.interactive {
		go runInteractive(os.Stdin, os.Stdout, engine, cfg.Listens[0], stop)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	b.Stop(shutdownCtx)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
