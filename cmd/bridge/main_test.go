package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line                    string
		who, msgType, text, cmd string
	}{
		{"hello there", "default", "text", "hello there", ""},
		{"/event image a cat", "default", "image", "a cat", ""},
		{"/chat alice hi", "alice", "text", "hi", ""},
		{"/event image", "", "", "", "invalid"},
		{"/quit", "", "", "", "quit"},
		{"/help", "", "", "", "help"},
		{"/nope", "", "", "", "invalid"},
	}
	for _, tc := range cases {
		who, msgType, text, cmd := parseLine(tc.line, "default")
		assert.Equal(t, []string{tc.who, tc.msgType, tc.text, tc.cmd}, []string{who, msgType, text, cmd}, tc.line)
	}
}

func TestRunInteractiveInjects(t *testing.T) {
	engine := automation.NewLoopback(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var got []string
	_, err := engine.AddListener(ctx, "room", func(msg automation.Message, _ automation.Chat) {
		got = append(got, msg.Info().Type+":"+msg.Info().Content)
	})
	require.NoError(t, err)
	require.NoError(t, engine.StartListening(ctx))

	var out bytes.Buffer
	quit := 0
	runInteractive(strings.NewReader("hi\n/event image cat\n/chat ghost boo\n/quit\nignored\n"), &out, engine, "room", func() { quit++ })

	assert.Equal(t, []string{"text:hi", "image:cat"}, got)
	assert.Contains(t, out.String(), "nobody listens on ghost")
	assert.Equal(t, 1, quit)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("WS_URL", "ws://env.test/ws")
	cfg, err := loadConfig(&options{
		wsURL:      "wss://flag.test/ws",
		listen:     "a, b",
		deviceID:   "wxrpa-42",
		deviceIDIn: "header",
		debug:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "wss://flag.test/ws", cfg.Connection.URL)
	assert.Equal(t, []string{"a", "b"}, cfg.Listens)
	assert.Equal(t, "wxrpa-42", cfg.Connection.DeviceID)
	assert.Equal(t, "header", cfg.Connection.DeviceIDIn)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRequiresURL(t *testing.T) {
	t.Setenv("WS_URL", "")
	_, err := loadConfig(&options{})
	assert.Error(t, err)
}
