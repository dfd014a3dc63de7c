package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"hades/internal/broker"
)

// SubmitCommand asks the relay to submit its payload as a new mission.
const SubmitCommand = "mission.submit"

// Command is an inbound WebSocket frame.
type Command struct {
	Type           string          `json:"type"`
	Key            string          `json:"key,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

var errInvalidCommand = errors.New("invalid command")

// ParseCommand decodes and validates a frame. Payload defaults to {} and
// must be a JSON object. A key, when given, must be publishable.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, errInvalidCommand
	}
	if strings.TrimSpace(cmd.Type) == "" {
		return Command{}, errInvalidCommand
	}
	if cmd.Key != "" && broker.ValidatePublishKey(cmd.Key) != nil {
		return Command{}, errInvalidCommand
	}
	payload := bytes.TrimSpace(cmd.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
		cmd.Payload = json.RawMessage(`{}`)
	case payload[0] != '{':
		return Command{}, errInvalidCommand
	default:
		cmd.Payload = json.RawMessage(payload)
	}
	return cmd, nil
}

type ack struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Error          string `json:"error,omitempty"`
}

func invalidFrame(text []byte) []byte {
	return append([]byte("invalid: "), text...)
}

// decodeEvent turns a broker message into the frame sent to observers. JSON
// objects pass through unchanged. Any other JSON value, or text that is not
// JSON at all, is wrapped as {"type":"raw","data":...}.
func decodeEvent(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return trimmed
		}
		out, err := json.Marshal(map[string]any{"type": "raw", "data": json.RawMessage(trimmed)})
		if err == nil {
			return out
		}
	}
	text := string(body)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	out, _ := json.Marshal(map[string]string{"type": "raw", "data": text})
	return out
}
