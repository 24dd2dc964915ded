// ABOUTME: Wire encoding of hub frames as protobuf Struct messages
// ABOUTME: A frame is {"type": string, "payload": object}; payloads keep their JSON field names

package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/fleet-gateway/internal/agent"
)

// ErrBadEnvelope is returned for messages that are not a typed frame.
var ErrBadEnvelope = errors.New("bad frame envelope")

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame converts f to its wire message.
func EncodeFrame(f agent.Frame) (*structpb.Struct, error) {
	env := envelope{Type: f.Type}
	if f.Payload != nil {
		payload, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", f.Type, err)
		}
		env.Payload = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return msg, nil
}

// DecodeFrame returns the frame type and raw JSON payload of msg.
func DecodeFrame(msg *structpb.Struct) (string, []byte, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env.Type, env.Payload, nil
}
