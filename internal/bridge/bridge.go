// Package bridge connects the automation engine to the remote service: chat
// messages go out as events, commands come back through the dispatcher.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
	"github.com/HsiangNianian/AMonItor/bridge/internal/command"
	"github.com/HsiangNianian/AMonItor/bridge/internal/config"
	"github.com/HsiangNianian/AMonItor/bridge/internal/metrics"
	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
	"github.com/HsiangNianian/AMonItor/bridge/internal/store"
	"github.com/HsiangNianian/AMonItor/bridge/internal/ws"
)

type Bridge struct {
	engine     automation.Engine
	client     *ws.Client
	dispatcher *command.Dispatcher
	listens    []string
	logger     *slog.Logger
}

// New wires a bridge from cfg. st may be nil to disable duplicate command
// suppression; m may be nil to disable metrics.
func New(cfg config.Config, engine automation.Engine, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	conn := cfg.Connection
	client := ws.NewClient(ws.Options{
		URL:               conn.URL,
		DeviceID:          conn.DeviceID,
		DeviceIDIn:        ws.DeviceIDMode(conn.DeviceIDIn),
		DeviceIDHeader:    conn.DeviceIDHeader,
		PingInterval:      conn.PingInterval(),
		PingTimeout:       conn.PingTimeout(),
		ReconnectInterval: conn.ReconnectInterval(),
		SendRetryDelay:    conn.SendRetryDelay(),
		WriteTimeout:      conn.WriteTimeout(),
		StopTimeout:       conn.StopTimeout(),
		Metrics:           m,
		Logger:            logger,
	})
	dispatcher := command.New(command.Options{
		Engine:          engine,
		Results:         client,
		Store:           st,
		DedupeTTL:       cfg.Commands.DedupeTTL(),
		ClaimTTL:        cfg.Commands.ClaimTTL(),
		DefaultTimeout:  cfg.Commands.DefaultTimeout(),
		CacheMaxEntries: cfg.Cache.MaxEntries,
		CacheTTL:        cfg.Cache.TTL(),
		Metrics:         m,
		Logger:          logger,
	})

	b := &Bridge{
		engine:     engine,
		client:     client,
		dispatcher: dispatcher,
		listens:    cfg.Listens,
		logger:     logger.With("component", "bridge"),
	}
	dispatcher.SetListenHandler(b.OnMessage)
	client.SetInboundHandler(b.handleInbound)
	return b
}

func (b *Bridge) Client() *ws.Client {
	return b.client
}

// OnMessage is the listener callback handed to the engine. It caches the
// message for later quote/forward and reports it upstream.
func (b *Bridge) OnMessage(msg automation.Message, chat automation.Chat) {
	if msg == nil {
		return
	}
	b.dispatcher.RegisterMessage(msg, chat)
	b.client.SendEvent(EventWechatMessage, PackMessageEvent(msg, chat, time.Now()), "")
}

func (b *Bridge) handleInbound(ctx context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeCommand {
		b.logger.Debug("inbound envelope", "type", env.Type, "trace_id", env.TraceID)
		return
	}
	b.dispatcher.Handle(ctx, env)
}

// Start connects the session and registers the configured listeners.
// Listener failures are logged and do not stop the bridge.
func (b *Bridge) Start(ctx context.Context) {
	b.client.Start()
	if len(b.listens) == 0 {
		return
	}
	for _, who := range b.listens {
		ok, err := b.engine.AddListener(ctx, who, b.OnMessage)
		if err != nil || !ok {
			b.logger.Warn("add default listener failed", "who", who, "err", err)
			continue
		}
		b.logger.Info("listening", "who", who)
	}
	if !b.engine.Listening() {
		if err := b.engine.StartListening(ctx); err != nil {
			b.logger.Warn("start listening failed", "err", err)
		}
	}
}

func (b *Bridge) Stop(ctx context.Context) {
	b.client.Stop()
	if err := b.engine.StopListening(ctx); err != nil {
		b.logger.Warn("stop listening failed", "err", err)
	}
}
