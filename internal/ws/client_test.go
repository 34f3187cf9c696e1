package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/command"
	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	requests chan *http.Request
	accepted atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:    make(chan *websocket.Conn, 16),
		requests: make(chan *http.Request, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		select {
		case ts.requests <- r:
		default:
		}
		select {
		case ts.conns <- conn:
		default:
			_ = conn.Close()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ protocol.Type, traceID string, payload any) {
	t.Helper()
	env, err := protocol.New(typ, "server", traceID, payload)
	require.NoError(t, err)
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		DeviceID:          "wxrpa-test",
		ReconnectInterval: 50 * time.Millisecond,
		SendRetryDelay:    10 * time.Millisecond,
		WriteTimeout:      time.Second,
		StopTimeout:       time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func eventPayload(t *testing.T, env protocol.Envelope) protocol.EventPayload {
	t.Helper()
	require.Equal(t, protocol.TypeEvent, env.Type)
	p, err := protocol.DecodePayload[protocol.EventPayload](env)
	require.NoError(t, err)
	return p
}

func TestSendBeforeStartIsDeliveredInOrder(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))
	for _, name := range []string{"one", "two", "three"} {
		client.SendEvent(name, map[string]any{"n": name}, "")
	}
	assert.Equal(t, 3, client.Pending())

	client.Start()
	t.Cleanup(client.Stop)
	conn := ts.nextConn(t)

	for _, name := range []string{"one", "two", "three"} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "wxrpa-test", env.DeviceID)
		assert.NotEmpty(t, env.TraceID)
		assert.Equal(t, name, eventPayload(t, env).EventType)
	}
	require.Eventually(t, func() bool { return client.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDeviceIDPlacement(t *testing.T) {
	cases := map[DeviceIDMode]func(t *testing.T, r *http.Request){
		DeviceIDQuery: func(t *testing.T, r *http.Request) {
			assert.Equal(t, "wxrpa-test", r.URL.Query().Get("deviceId"))
			assert.Equal(t, "1", r.URL.Query().Get("keep"))
		},
		DeviceIDHeader: func(t *testing.T, r *http.Request) {
			assert.Equal(t, "wxrpa-test", r.Header.Get("X-Bridge-Device"))
			assert.Empty(t, r.URL.Query().Get("deviceId"))
		},
		DeviceIDNone: func(t *testing.T, r *http.Request) {
			assert.Empty(t, r.URL.Query().Get("deviceId"))
			assert.Empty(t, r.Header.Get(DefaultDeviceIDHeader))
		},
	}
	for mode, check := range cases {
		t.Run(string(mode), func(t *testing.T) {
			ts := newTestServer(t)
			opts := testOptions(ts.wsURL() + "?keep=1")
			opts.DeviceIDIn = mode
			opts.DeviceIDHeader = "X-Bridge-Device"
			if mode == DeviceIDNone {
				opts.DeviceIDHeader = ""
			}
			client := NewClient(opts)
			client.Start()
			t.Cleanup(client.Stop)

			select {
			case r := <-ts.requests:
				check(t, r)
			case <-time.After(3 * time.Second):
				t.Fatal("client never connected")
			}
		})
	}
}

func TestInboundCommandIsAckedBeforeDispatch(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))

	var (
		mu       sync.Mutex
		received []protocol.Envelope
	)
	client.SetInboundHandler(func(_ context.Context, env protocol.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		if env.Type == protocol.TypeCommand {
			cmd, err := protocol.DecodePayload[protocol.CommandPayload](env)
			if err == nil {
				client.SendCommandResult(cmd.CommandID, protocol.StatusSuccess, map[string]any{"result": true}, nil, env.TraceID)
			}
		}
	})
	client.Start()
	t.Cleanup(client.Stop)
	conn := ts.nextConn(t)

	writeEnvelope(t, conn, protocol.TypeCommand, "trace-cmd", protocol.CommandPayload{CommandID: "cmd-1", Action: "start_listening"})

	ack := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "trace-cmd", ack.TraceID)
	ackPayload, err := protocol.DecodePayload[protocol.AckPayload](ack)
	require.NoError(t, err)
	assert.Equal(t, protocol.AckPayload{ForType: protocol.TypeCommand, ForID: "cmd-1"}, ackPayload)

	result := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeCommandResult, result.Type)
	assert.Equal(t, "trace-cmd", result.TraceID)
	resPayload, err := protocol.DecodePayload[protocol.CommandResultPayload](result)
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", resPayload.CommandID)
	assert.Equal(t, protocol.StatusSuccess, resPayload.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, protocol.TypeCommand, received[0].Type)
}

func TestMalformedInboundIsDroppedAndOthersForwarded(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))
	got := make(chan protocol.Envelope, 4)
	client.SetInboundHandler(func(_ context.Context, env protocol.Envelope) { got <- env })
	client.Start()
	t.Cleanup(client.Stop)
	conn := ts.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	writeEnvelope(t, conn, protocol.TypeError, "trace-err", protocol.ErrorPayload{ForType: protocol.TypeEvent, ForID: "e1", Code: "BAD", Message: "nope"})

	select {
	case env := <-got:
		assert.Equal(t, protocol.TypeError, env.Type)
		assert.Equal(t, "trace-err", env.TraceID)
	case <-time.After(3 * time.Second):
		t.Fatal("valid envelope was not forwarded")
	}
	assert.True(t, client.Connected())
	assert.Empty(t, got)
}

func TestReconnectDeliversBacklogInOrder(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))
	client.Start()
	t.Cleanup(client.Stop)

	first := ts.nextConn(t)
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 5*time.Millisecond)

	for _, name := range []string{"a", "b", "c", "d"} {
		client.SendEvent(name, nil, "")
	}
	second := ts.nextConn(t)
	for _, name := range []string{"e", "f"} {
		client.SendEvent(name, nil, "")
	}

	var got []string
	for len(got) < 6 {
		got = append(got, eventPayload(t, readEnvelope(t, second)).EventType)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, got)
}

func TestBadCommandPayloadIsAckedAndRejected(t *testing.T) {
	frames := map[string]string{
		"list params":    `{"type":"command","traceId":"trace-bad","payload":{"commandId":"c9","action":"send_text","params":[]}}`,
		"word timeout":   `{"type":"command","traceId":"trace-bad","payload":{"commandId":"c9","action":"send_text","timeoutMs":"soon"}}`,
		"numeric action": `{"type":"command","traceId":"trace-bad","payload":{"commandId":"c9","action":3}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t)
			client := NewClient(testOptions(ts.wsURL()))
			dispatcher := command.New(command.Options{
				Results: client,
				Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			client.SetInboundHandler(dispatcher.Handle)
			client.Start()
			t.Cleanup(client.Stop)
			conn := ts.nextConn(t)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

			ack := readEnvelope(t, conn)
			require.Equal(t, protocol.TypeAck, ack.Type)
			ackPayload, err := protocol.DecodePayload[protocol.AckPayload](ack)
			require.NoError(t, err)
			assert.Equal(t, "c9", ackPayload.ForID)

			result := readEnvelope(t, conn)
			require.Equal(t, protocol.TypeCommandResult, result.Type)
			assert.Equal(t, "trace-bad", result.TraceID)
			res, err := protocol.DecodePayload[protocol.CommandResultPayload](result)
			require.NoError(t, err)
			assert.Equal(t, "c9", res.CommandID)
			assert.Equal(t, protocol.StatusRejected, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, protocol.CodeInvalidParams, res.Error.Code)
		})
	}
}

func TestMissedHeartbeatReconnects(t *testing.T) {
	ts := newTestServer(t)
	opts := testOptions(ts.wsURL())
	opts.PingInterval = 30 * time.Millisecond
	opts.PingTimeout = 30 * time.Millisecond
	client := NewClient(opts)
	client.Start()
	t.Cleanup(client.Stop)

	// The server never reads, so pings go unanswered.
	ts.nextConn(t)
	ts.nextConn(t)
	assert.GreaterOrEqual(t, ts.accepted.Load(), int32(2))
}

func TestHeartbeatKeepsHealthyConnection(t *testing.T) {
	ts := newTestServer(t)
	opts := testOptions(ts.wsURL())
	opts.PingInterval = 30 * time.Millisecond
	opts.PingTimeout = 100 * time.Millisecond
	client := NewClient(opts)
	client.Start()
	t.Cleanup(client.Stop)

	conn := ts.nextConn(t)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(400 * time.Millisecond)
	assert.True(t, client.Connected())
	assert.Equal(t, int32(1), ts.accepted.Load())
}

func TestSendNeverBlocksWhileDisconnected(t *testing.T) {
	client := NewClient(testOptions("ws://127.0.0.1:1/ws"))
	client.Start()
	t.Cleanup(client.Stop)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			client.SendEvent("tick", i, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked")
	}
	assert.Equal(t, 1000, client.Pending())
	assert.False(t, client.Connected())
}

func TestStopThenStartReconnects(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))
	client.Start()
	client.Start()
	t.Cleanup(client.Stop)

	first := ts.nextConn(t)
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)

	client.Stop()
	client.Stop()
	assert.False(t, client.Running())
	assert.False(t, client.Connected())
	require.NoError(t, first.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	client.Start()
	ts.nextConn(t)
	require.Eventually(t, client.Connected, 50*time.Millisecond+time.Second, 5*time.Millisecond)

	select {
	case <-ts.conns:
		t.Fatal("a stale worker opened a second connection")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, int32(2), ts.accepted.Load())
}

func TestUnserializableEnvelopeBecomesMarker(t *testing.T) {
	ts := newTestServer(t)
	client := NewClient(testOptions(ts.wsURL()))
	client.SendEvent("bad", map[string]any{"ch": make(chan int)}, "")
	client.Start()
	t.Cleanup(client.Stop)
	conn := ts.nextConn(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"serialize_error"}`, string(data))
}
