package ws

import (
	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
)

// Send queues env for delivery. It never blocks and never fails: an envelope
// that cannot be encoded is replaced by a serialize_error marker.
func (c *Client) Send(env protocol.Envelope) {
	data, ok := protocol.EncodeOrMarker(env)
	if !ok {
		c.logger.Warn("envelope not serializable, sending marker", "type", env.Type, "trace_id", env.TraceID)
	}
	logEvent(c.logger, "queue", env)
	c.metrics.SetQueueDepth(c.queue.push(data))
}

func (c *Client) send(typ protocol.Type, traceID string, payload any) {
	env, err := protocol.New(typ, c.opts.DeviceID, traceID, payload)
	if err != nil {
		c.logger.Warn("build envelope failed", "type", typ, "err", err)
		env = protocol.Envelope{TraceID: traceID}
	}
	c.Send(env)
}

// SendEvent reports a local event. An empty traceID gets a fresh one.
func (c *Client) SendEvent(eventType string, data any, traceID string) {
	c.send(protocol.TypeEvent, traceID, protocol.EventPayload{EventType: eventType, Data: data})
}

// SendCommandResult answers a command. traceID should be the command's own.
func (c *Client) SendCommandResult(commandID string, status protocol.Status, result map[string]any, errInfo *protocol.ErrorInfo, traceID string) {
	if result == nil {
		result = map[string]any{}
	}
	c.send(protocol.TypeCommandResult, traceID, protocol.CommandResultPayload{
		CommandID: commandID,
		Status:    status,
		Result:    result,
		Error:     errInfo,
	})
}

func (c *Client) SendAck(forType protocol.Type, forID, traceID string) {
	c.send(protocol.TypeAck, traceID, protocol.AckPayload{ForType: forType, ForID: forID})
}

func (c *Client) SendError(forType protocol.Type, forID, code, message, traceID string) {
	c.send(protocol.TypeError, traceID, protocol.ErrorPayload{
		ForType: forType,
		ForID:   forID,
		Code:    code,
		Message: message,
	})
}
