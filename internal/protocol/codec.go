package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

// serializeErrorMarker is queued in place of an envelope that could not be encoded.
var serializeErrorMarker = []byte(`{"event":"serialize_error"}`)

func NewTraceID() string {
	return uuid.NewString()
}

// New builds an envelope stamped with the current time. An empty traceID is
// replaced with a fresh one.
func New(typ Type, deviceID, traceID string, payload any) (Envelope, error) {
	if traceID == "" {
		traceID = NewTraceID()
	}
	env := Envelope{
		Type:      typ,
		TraceID:   traceID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return json.Marshal(env)
}

// EncodeOrMarker never fails: an envelope that cannot be encoded degrades to a
// serialize_error marker so the outbound queue keeps moving.
func EncodeOrMarker(env Envelope) ([]byte, bool) {
	data, err := Encode(env)
	if err != nil {
		return append([]byte(nil), serializeErrorMarker...), false
	}
	return data, true
}

// Decode parses one wire message and checks its payload against the shape of
// its kind. Callers drop messages that fail to decode. Command payloads are
// not checked here: every command is answered, so a bad one is passed on to
// be rejected by the command handler.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := validatePayload(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validatePayload(env Envelope) error {
	var err error
	switch env.Type {
	case TypeEvent:
		_, err = DecodePayload[EventPayload](env)
	case TypeCommand:
	case TypeCommandResult:
		_, err = DecodePayload[CommandResultPayload](env)
	case TypeAck:
		_, err = DecodePayload[AckPayload](env)
	case TypeError:
		_, err = DecodePayload[ErrorPayload](env)
	}
	return err
}

// CommandID reads payload.commandId without validating the rest of the
// payload. Numeric ids are rendered in decimal; anything else yields "".
func CommandID(env Envelope) string {
	if len(env.Payload) == 0 {
		return ""
	}
	var head struct {
		CommandID any `json:"commandId"`
	}
	if err := json.Unmarshal(env.Payload, &head); err != nil {
		return ""
	}
	switch v := head.CommandID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// DecodePayload unmarshals the envelope payload into T. An absent or null
// payload yields the zero value.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}
