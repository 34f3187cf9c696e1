package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Call records one capability invocation on the Loopback engine.
type Call struct {
	Op     string
	Target string
	Args   []string
}

// Loopback is an in-memory Engine. It performs no UI work: outgoing actions are
// recorded and logged, and Inject plays the role of a chat receiving a message.
type Loopback struct {
	logger *slog.Logger

	mu         sync.Mutex
	active     string
	listening  bool
	listeners  map[string]MessageHandler
	calls      []Call
	seq        int
	failTarget map[string]bool
}

func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		logger:     logger,
		listeners:  make(map[string]MessageHandler),
		failTarget: make(map[string]bool),
	}
}

// FailFor makes every capability aimed at who report failure.
func (l *Loopback) FailFor(who string) {
	l.mu.Lock()
	l.failTarget[who] = true
	l.mu.Unlock()
}

func (l *Loopback) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *Loopback) record(op, target string, args ...string) {
	l.calls = append(l.calls, Call{Op: op, Target: target, Args: args})
	l.logger.Info("loopback call", "op", op, "target", target, "args", strings.Join(args, ","))
}

func (l *Loopback) resolveTarget(to string) string {
	if to != "" {
		return to
	}
	return l.active
}

func (l *Loopback) SendText(ctx context.Context, req SendTextRequest) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	target := l.resolveTarget(req.To)
	if target == "" {
		return Response{OK: false, Message: "no active chat"}, nil
	}
	if l.failTarget[target] {
		return Response{OK: false, Message: fmt.Sprintf("send to %s failed", target)}, nil
	}
	l.record("send_text", target, req.Text)
	return Response{OK: true, Message: "sent"}, nil
}

func (l *Loopback) SendFiles(ctx context.Context, req SendFilesRequest) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	target := l.resolveTarget(req.To)
	if target == "" {
		return Response{OK: false, Message: "no active chat"}, nil
	}
	if l.failTarget[target] {
		return Response{OK: false, Message: fmt.Sprintf("send files to %s failed", target)}, nil
	}
	l.record("send_files", target, req.Files...)
	return Response{OK: true, Message: "sent"}, nil
}

func (l *Loopback) SetActiveChat(ctx context.Context, req ChatWithRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failTarget[req.Who] {
		return false, nil
	}
	l.active = req.Who
	l.record("chat_with", req.Who)
	return true, nil
}

func (l *Loopback) AddListener(ctx context.Context, who string, handler MessageHandler) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failTarget[who] {
		return false, nil
	}
	l.listeners[who] = handler
	l.record("add_listener", who)
	return true, nil
}

func (l *Loopback) RemoveListener(ctx context.Context, who string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.listeners[who]; !ok {
		return Response{OK: false, Message: fmt.Sprintf("%s is not listened", who)}, nil
	}
	delete(l.listeners, who)
	l.record("remove_listener", who)
	return Response{OK: true}, nil
}

func (l *Loopback) StartListening(context.Context) error {
	l.mu.Lock()
	l.listening = true
	l.record("start_listening", "")
	l.mu.Unlock()
	return nil
}

func (l *Loopback) StopListening(context.Context) error {
	l.mu.Lock()
	l.listening = false
	l.record("stop_listening", "")
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// Inject delivers a message on chat who to its listener. It reports false when
// nobody listens on who or listening is stopped.
func (l *Loopback) Inject(who, msgType, content string) bool {
	l.mu.Lock()
	handler, ok := l.listeners[who]
	if !ok || !l.listening || handler == nil {
		l.mu.Unlock()
		return false
	}
	l.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", who, l.seq, content)))
	msg := &loopbackMessage{
		engine: l,
		info: MessageInfo{
			ID:        fmt.Sprintf("lb-%d", l.seq),
			Hash:      hex.EncodeToString(sum[:8]),
			Type:      msgType,
			Attr:      "friend",
			Content:   content,
			Direction: "left",
		},
	}
	l.mu.Unlock()

	handler(msg, loopbackChat{who: who})
	return true
}

type loopbackMessage struct {
	engine *Loopback
	info   MessageInfo
}

func (m *loopbackMessage) Info() MessageInfo { return m.info }

func (m *loopbackMessage) Quote(ctx context.Context, text string, at []string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	m.engine.record("quote", m.info.ID, append([]string{text}, at...)...)
	return Response{OK: true}, nil
}

func (m *loopbackMessage) Forward(ctx context.Context, targets []string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	for _, target := range targets {
		if m.engine.failTarget[target] {
			return Response{OK: false, Message: fmt.Sprintf("forward to %s failed", target)}, nil
		}
	}
	m.engine.record("forward", m.info.ID, targets...)
	return Response{OK: true}, nil
}

type loopbackChat struct {
	who string
}

func (c loopbackChat) Who() string { return c.who }

func (c loopbackChat) ChatInfo() (map[string]any, error) {
	return map[string]any{"chat_name": c.who, "chat_type": "friend"}, nil
}
