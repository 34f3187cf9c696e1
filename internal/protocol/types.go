package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is the closed set of envelope kinds exchanged with the remote service.
type Type string

const (
	TypeEvent         Type = "event"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeAck           Type = "ack"
	TypeError         Type = "error"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEvent, TypeCommand, TypeCommandResult, TypeAck, TypeError:
		return true
	}
	return false
}

// Status is the terminal outcome reported in a command_result.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

const (
	CodeInvalidParams = "INVALID_PARAMS"
	CodeExecError     = "RPA_EXEC_ERROR"
	CodeTimeout       = "RPA_TIMEOUT"
)

type Envelope struct {
	Type      Type            `json:"type"`
	TraceID   string          `json:"traceId"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type CommandPayload struct {
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	// TimeoutMs <= 0 means the command runs without a budget.
	TimeoutMs Millis `json:"timeoutMs,omitempty"`
}

// Millis is a millisecond count. Besides JSON integers it accepts integral
// floats such as 8000.0 and numeric strings such as "5000".
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*m = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return fmt.Errorf("not an integral millisecond count: %s", data)
	}
	*m = Millis(f)
	return nil
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CommandResultPayload struct {
	CommandID string         `json:"commandId"`
	Status    Status         `json:"status"`
	Result    map[string]any `json:"result"`
	Error     *ErrorInfo     `json:"error"`
}

type EventPayload struct {
	EventType string `json:"eventType"`
	Data      any    `json:"data"`
}

type AckPayload struct {
	ForType Type   `json:"forType"`
	ForID   string `json:"forId"`
}

type ErrorPayload struct {
	ForType Type   `json:"forType"`
	ForID   string `json:"forId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
