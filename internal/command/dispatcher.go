// Package command turns inbound command envelopes into bounded-time calls on
// the automation engine and answers each with exactly one command_result.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
	"github.com/HsiangNianian/AMonItor/bridge/internal/metrics"
	"github.com/HsiangNianian/AMonItor/bridge/internal/msgcache"
	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
	"github.com/HsiangNianian/AMonItor/bridge/internal/store"
)

const (
	defaultDedupeTTL = 24 * time.Hour
	defaultClaimTTL  = 10 * time.Minute
	// claimGrace is added to a command's budget when sizing its claim.
	claimGrace = time.Minute
)

// ResultSender delivers command_result envelopes to the remote service.
type ResultSender interface {
	SendCommandResult(commandID string, status protocol.Status, result map[string]any, errInfo *protocol.ErrorInfo, traceID string)
}

type Options struct {
	Engine  automation.Engine
	Results ResultSender
	// Store suppresses re-execution of command ids already seen. Optional.
	Store     store.Store
	DedupeTTL time.Duration
	// ClaimTTL bounds how long an unfinished claim blocks redeliveries of the
	// same command id. A bounded command holds its claim for at least its
	// budget plus a minute.
	ClaimTTL time.Duration
	// DefaultTimeout applies to commands that carry no budget. Zero means unbounded.
	DefaultTimeout  time.Duration
	CacheMaxEntries int
	CacheTTL        time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Dispatcher struct {
	engine         automation.Engine
	results        ResultSender
	store          store.Store
	dedupeTTL      time.Duration
	claimTTL       time.Duration
	defaultTimeout time.Duration
	cache          *msgcache.Cache
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu     sync.RWMutex
	listen automation.MessageHandler
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dedupeTTL := opts.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &Dispatcher{
		engine:         opts.Engine,
		results:        opts.Results,
		store:          opts.Store,
		dedupeTTL:      dedupeTTL,
		claimTTL:       claimTTL,
		defaultTimeout: opts.DefaultTimeout,
		cache:          msgcache.New(opts.CacheMaxEntries, opts.CacheTTL),
		metrics:        opts.Metrics,
		logger:         logger.With("component", "dispatcher"),
	}
}

// SetListenHandler sets the callback handed to the engine by add_listener.
func (d *Dispatcher) SetListenHandler(handler automation.MessageHandler) {
	d.mu.Lock()
	d.listen = handler
	d.mu.Unlock()
}

func (d *Dispatcher) listenHandler() automation.MessageHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listen == nil {
		return func(automation.Message, automation.Chat) {}
	}
	return d.listen
}

// RegisterMessage makes msg addressable by later quote and forward commands.
func (d *Dispatcher) RegisterMessage(msg automation.Message, chat automation.Chat) {
	d.cache.Register(msg, chat)
}

// Handle answers a command envelope. Envelopes of any other type are ignored.
// It blocks until the command finishes or its budget elapses.
func (d *Dispatcher) Handle(ctx context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeCommand {
		return
	}
	started := time.Now()
	cmd, err := protocol.DecodePayload[protocol.CommandPayload](env)
	if err != nil {
		d.logger.Debug("malformed command payload", "trace_id", env.TraceID, "err", err)
		d.reply(env.TraceID, protocol.CommandPayload{}, protocol.CommandID(env), started, protocol.StatusRejected, nil,
			&protocol.ErrorInfo{Code: protocol.CodeInvalidParams, Message: "malformed command payload"})
		return
	}
	if cmd.CommandID == "" || cmd.Action == "" {
		d.reply(env.TraceID, cmd, "", started, protocol.StatusRejected, nil,
			&protocol.ErrorInfo{Code: protocol.CodeInvalidParams, Message: "missing commandId or action"})
		return
	}
	budget := time.Duration(cmd.TimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = d.defaultTimeout
	}
	if !d.claim(ctx, env.TraceID, cmd, budget) {
		return
	}

	action := Action(cmd.Action)
	var (
		result map[string]any
		runErr error
	)
	if action.Valid() {
		d.logger.Debug("command start", "command_id", cmd.CommandID, "action", cmd.Action, "budget", budget)
		result, runErr = d.execute(ctx, budget, func(ctx context.Context) (map[string]any, error) {
			return d.run(ctx, action, Params(cmd.Params))
		})
	} else {
		runErr = invalidf("unknown action: %s", cmd.Action)
	}

	status, errInfo := classify(runErr)
	if status != protocol.StatusSuccess {
		result = nil
	}
	d.reply(env.TraceID, cmd, cmd.CommandID, started, status, result, errInfo)
	d.record(ctx, cmd.CommandID, status, result, errInfo)
}

var errBudgetExceeded = errors.New("command budget exceeded")

// execute runs fn on its own goroutine and waits at most budget for it. After
// the budget elapses fn's context is cancelled, but fn is left to finish on its
// own and whatever it returns is discarded.
func (d *Dispatcher) execute(parent context.Context, budget time.Duration, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: failedf("action panicked: %v", r)}
			}
		}()
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	var expired <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case out := <-done:
		return out.result, out.err
	case <-expired:
		return nil, errBudgetExceeded
	}
}

func classify(err error) (protocol.Status, *protocol.ErrorInfo) {
	if err == nil {
		return protocol.StatusSuccess, nil
	}
	if errors.Is(err, errBudgetExceeded) {
		return protocol.StatusTimeout, &protocol.ErrorInfo{Code: protocol.CodeTimeout, Message: "timeout"}
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		code := verr.Code
		if code == "" {
			code = protocol.CodeInvalidParams
		}
		return protocol.StatusRejected, &protocol.ErrorInfo{Code: code, Message: verr.Message}
	}
	return protocol.StatusFailed, &protocol.ErrorInfo{Code: protocol.CodeExecError, Message: err.Error()}
}

func (d *Dispatcher) reply(traceID string, cmd protocol.CommandPayload, commandID string, started time.Time, status protocol.Status, result map[string]any, errInfo *protocol.ErrorInfo) {
	if result == nil {
		result = map[string]any{}
	}
	attrs := []any{"trace_id", traceID, "command_id", commandID, "action", cmd.Action, "status", status, "elapsed", time.Since(started)}
	if errInfo != nil {
		attrs = append(attrs, "code", errInfo.Code, "err", errInfo.Message)
		d.logger.Warn("command finished", attrs...)
	} else {
		d.logger.Info("command finished", attrs...)
	}
	label := cmd.Action
	if !Action(label).Valid() {
		label = "unknown"
	}
	d.metrics.ObserveCommand(label, string(status), time.Since(started))
	d.results.SendCommandResult(commandID, status, result, errInfo, traceID)
}

// claim reports whether the command should run. A command id seen before is
// answered from the ledger by replaying its recorded result. While the first
// delivery is still running a redelivery gets no result of its own: the
// first delivery's result answers both.
func (d *Dispatcher) claim(ctx context.Context, traceID string, cmd protocol.CommandPayload, budget time.Duration) bool {
	if d.store == nil {
		return true
	}
	ttl := d.claimTTL
	if budget > 0 && budget+claimGrace > ttl {
		ttl = budget + claimGrace
	}
	first, err := d.store.Claim(ctx, cmd.CommandID, ttl)
	if err != nil {
		d.logger.Warn("claim command failed, executing anyway", "command_id", cmd.CommandID, "err", err)
		return true
	}
	if first {
		return true
	}

	started := time.Now()
	if raw, found, err := d.store.Result(ctx, cmd.CommandID); err == nil && found {
		var prev protocol.CommandResultPayload
		if err := json.Unmarshal(raw, &prev); err == nil {
			d.logger.Info("replay recorded result for duplicate command", "command_id", cmd.CommandID)
			d.reply(traceID, cmd, cmd.CommandID, started, prev.Status, prev.Result, prev.Error)
			return false
		}
	}
	d.logger.Info("duplicate command still running, awaiting its result", "trace_id", traceID, "command_id", cmd.CommandID)
	return false
}

func (d *Dispatcher) record(ctx context.Context, commandID string, status protocol.Status, result map[string]any, errInfo *protocol.ErrorInfo) {
	if d.store == nil {
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	raw, err := json.Marshal(protocol.CommandResultPayload{CommandID: commandID, Status: status, Result: result, Error: errInfo})
	if err != nil {
		d.logger.Warn("encode command result for ledger failed", "command_id", commandID, "err", err)
		return
	}
	if err := d.store.SaveResult(context.WithoutCancel(ctx), commandID, raw, d.dedupeTTL); err != nil {
		d.logger.Warn("record command result failed", "command_id", commandID, "err", err)
	}
}
