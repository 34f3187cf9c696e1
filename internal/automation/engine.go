// Package automation describes the desktop automation engine the bridge drives.
// The engine itself lives outside this module; the bridge only consumes the
// narrow capability set below.
package automation

import "context"

// Response mirrors the engine's {ok, message} reply.
type Response struct {
	OK      bool
	Message string
}

type SendTextRequest struct {
	Text  string
	To    string
	Clear bool
	At    []string
	Exact bool
}

type SendFilesRequest struct {
	Files []string
	To    string
	Exact bool
}

type ChatWithRequest struct {
	Who       string
	Exact     bool
	Force     bool
	ForceWait float64
}

// MessageHandler receives every message observed on a listened chat.
type MessageHandler func(msg Message, chat Chat)

// Engine is implemented by the automation driver. Every call may fail; the
// bridge turns failures into command results and never lets them escape.
type Engine interface {
	SendText(ctx context.Context, req SendTextRequest) (Response, error)
	SendFiles(ctx context.Context, req SendFilesRequest) (Response, error)
	SetActiveChat(ctx context.Context, req ChatWithRequest) (bool, error)
	AddListener(ctx context.Context, who string, handler MessageHandler) (bool, error)
	RemoveListener(ctx context.Context, who string) (Response, error)
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Listening() bool
}

// MessageInfo is the serializable view of a chat message.
type MessageInfo struct {
	ID            string
	Hash          string
	Type          string
	Attr          string
	Content       string
	Direction     string
	Distance      int
	QuoteNickname string
	QuoteContent  string
}

// Message is a message observed by the engine that can later be quoted or
// forwarded.
type Message interface {
	Info() MessageInfo
	Quote(ctx context.Context, text string, at []string) (Response, error)
	Forward(ctx context.Context, targets []string) (Response, error)
}

// Chat is the conversation a message arrived on.
type Chat interface {
	Who() string
	ChatInfo() (map[string]any, error)
}
