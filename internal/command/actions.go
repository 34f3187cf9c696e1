package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
)

type Action string

const (
	ActionSendText       Action = "send_text"
	ActionSendFiles      Action = "send_files"
	ActionChatWith       Action = "chat_with"
	ActionAddListener    Action = "add_listener"
	ActionRemoveListener Action = "remove_listener"
	ActionStartListening Action = "start_listening"
	ActionStopListening  Action = "stop_listening"
	ActionQuote          Action = "quote"
	ActionForward        Action = "forward"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSendText, ActionSendFiles, ActionChatWith, ActionAddListener, ActionRemoveListener,
		ActionStartListening, ActionStopListening, ActionQuote, ActionForward:
		return true
	}
	return false
}

func (d *Dispatcher) run(ctx context.Context, action Action, params Params) (map[string]any, error) {
	switch action {
	case ActionSendText:
		return d.sendText(ctx, params)
	case ActionSendFiles:
		return d.sendFiles(ctx, params)
	case ActionChatWith:
		return d.chatWith(ctx, params)
	case ActionAddListener:
		return d.addListener(ctx, params)
	case ActionRemoveListener:
		return d.removeListener(ctx, params)
	case ActionStartListening:
		return d.startListening(ctx)
	case ActionStopListening:
		return d.stopListening(ctx)
	case ActionQuote:
		return d.quote(ctx, params)
	case ActionForward:
		return d.forward(ctx, params)
	}
	return nil, invalidf("unknown action: %s", action)
}

func resultTrue() map[string]any {
	return map[string]any{"result": true}
}

func (d *Dispatcher) sendText(ctx context.Context, params Params) (map[string]any, error) {
	text := params.String("text")
	if text == "" {
		return nil, invalidf("missing text")
	}
	resp, err := d.engine.SendText(ctx, automation.SendTextRequest{
		Text:  text,
		To:    params.String("to"),
		Clear: params.Bool("clear", true),
		At:    params.Strings("at"),
		Exact: params.Bool("exact", false),
	})
	if err != nil {
		return nil, failedf("send text: %v", err)
	}
	if !resp.OK {
		return nil, responseError(resp.Message, "send text failed")
	}
	return map[string]any{"message": resp.Message}, nil
}

func (d *Dispatcher) sendFiles(ctx context.Context, params Params) (map[string]any, error) {
	files := params.Strings("files", "file")
	if len(files) == 0 {
		return nil, invalidf("missing files")
	}
	resp, err := d.engine.SendFiles(ctx, automation.SendFilesRequest{
		Files: files,
		To:    params.String("to"),
		Exact: params.Bool("exact", false),
	})
	if err != nil {
		return nil, failedf("send files: %v", err)
	}
	if !resp.OK {
		return nil, responseError(resp.Message, "send files failed")
	}
	return map[string]any{"message": resp.Message}, nil
}

func (d *Dispatcher) chatWith(ctx context.Context, params Params) (map[string]any, error) {
	who := params.String("to", "who")
	if who == "" {
		return nil, invalidf("missing to/who")
	}
	switched, err := d.engine.SetActiveChat(ctx, automation.ChatWithRequest{
		Who:       who,
		Exact:     params.Bool("exact", true),
		Force:     params.Bool("force", false),
		ForceWait: params.Float("force_wait", 0.5),
	})
	if err != nil {
		return nil, failedf("switch chat: %v", err)
	}
	if !switched {
		return nil, failedf("switch chat to %s failed", who)
	}
	return resultTrue(), nil
}

// addListener attempts every target independently. Targets that were added
// stay added when others fail; the error names both groups.
func (d *Dispatcher) addListener(ctx context.Context, params Params) (map[string]any, error) {
	targets := params.Strings("who", "to")
	if len(targets) == 0 {
		return nil, invalidf("missing who/to")
	}
	handler := d.listenHandler()

	var added, failed []string
	for _, who := range targets {
		listening, err := d.engine.AddListener(ctx, who, handler)
		if err != nil || !listening {
			if err != nil {
				d.logger.Warn("add listener failed", "who", who, "err", err)
			}
			failed = append(failed, who)
			continue
		}
		added = append(added, who)
	}
	if len(failed) == 0 {
		return resultTrue(), nil
	}
	if !params.IsList("who", "to") {
		return nil, failedf("add listener failed")
	}
	msg := fmt.Sprintf("add listener failed for: %s", strings.Join(failed, ", "))
	if len(added) > 0 {
		msg += fmt.Sprintf(" (added: %s)", strings.Join(added, ", "))
	}
	return nil, &ExecutionError{Message: msg}
}

func (d *Dispatcher) removeListener(ctx context.Context, params Params) (map[string]any, error) {
	who := params.String("who", "to")
	if who == "" {
		return nil, invalidf("missing who/to")
	}
	resp, err := d.engine.RemoveListener(ctx, who)
	if err != nil {
		return nil, failedf("remove listener: %v", err)
	}
	if !resp.OK {
		return nil, responseError(resp.Message, "remove listener failed")
	}
	return resultTrue(), nil
}

func (d *Dispatcher) startListening(ctx context.Context) (map[string]any, error) {
	if d.engine.Listening() {
		return resultTrue(), nil
	}
	if err := d.engine.StartListening(ctx); err != nil {
		return nil, failedf("start listening failed: %v", err)
	}
	return resultTrue(), nil
}

func (d *Dispatcher) stopListening(ctx context.Context) (map[string]any, error) {
	if err := d.engine.StopListening(ctx); err != nil {
		return nil, failedf("stop listening failed: %v", err)
	}
	return resultTrue(), nil
}

func (d *Dispatcher) quote(ctx context.Context, params Params) (map[string]any, error) {
	ident := params.String("id", "hash")
	text := params.String("text")
	if ident == "" || text == "" {
		return nil, invalidf("missing id/hash or text")
	}
	entry, found := d.cache.Find(ident)
	if !found {
		return nil, failedf("message %s not found", ident)
	}
	resp, err := entry.Message.Quote(ctx, text, params.Strings("at"))
	if err != nil {
		return nil, failedf("quote: %v", err)
	}
	if !resp.OK {
		return nil, responseError(resp.Message, "quote failed")
	}
	return resultTrue(), nil
}

func (d *Dispatcher) forward(ctx context.Context, params Params) (map[string]any, error) {
	ident := params.String("id", "hash")
	targets := params.Strings("targets", "who")
	if ident == "" || len(targets) == 0 {
		return nil, invalidf("missing id/hash or targets")
	}
	entry, found := d.cache.Find(ident)
	if !found {
		return nil, failedf("message %s not found", ident)
	}
	resp, err := entry.Message.Forward(ctx, targets)
	if err != nil {
		return nil, failedf("forward: %v", err)
	}
	if !resp.OK {
		return nil, responseError(resp.Message, "forward failed")
	}
	return resultTrue(), nil
}
