// ABOUTME: Maps dispatch unions to and from transport frames
// ABOUTME: Frame type names are the wire contract shared with agents and dashboards

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/fleet-gateway/internal/agent"
)

// Frame types on the hub.
const (
	FrameExecutePackage        = "executePackage"
	FrameCancelExecution       = "cancelExecution"
	FrameBotStatusUpdate       = "botStatusUpdate"
	FrameExecutionStatusUpdate = "executionStatusUpdate"

	FrameStatus          = "status"
	FrameExecutionStatus = "executionStatus"
	FrameKeepAlive       = "keepAlive"
	FrameExecutionLog    = "executionLog"
)

// ErrUnknownFrame is returned when decoding a frame type no event uses.
var ErrUnknownFrame = errors.New("unknown frame type")

// ErrMalformedFrame is returned when a frame payload does not decode.
var ErrMalformedFrame = errors.New("malformed frame")

// EncodeCommand wraps cmd in a frame.
func EncodeCommand(cmd Command) agent.Frame {
	switch c := cmd.(type) {
	case ExecutePackage:
		return agent.Frame{Type: FrameExecutePackage, Payload: c}
	case CancelExecution:
		return agent.Frame{Type: FrameCancelExecution, Payload: c}
	default:
		panic(fmt.Sprintf("dispatch: unhandled command %T", cmd))
	}
}

// EncodeNotification wraps n in a frame.
func EncodeNotification(n Notification) agent.Frame {
	switch v := n.(type) {
	case BotStatusUpdate:
		return agent.Frame{Type: FrameBotStatusUpdate, Payload: v}
	case ExecutionStatusUpdate:
		return agent.Frame{Type: FrameExecutionStatusUpdate, Payload: v}
	default:
		panic(fmt.Sprintf("dispatch: unhandled notification %T", n))
	}
}

// DecodeEvent parses an agent frame whose payload is JSON.
func DecodeEvent(frameType string, payload []byte) (Event, error) {
	switch frameType {
	case FrameStatus:
		var e StatusReport
		return decodeInto(frameType, payload, &e)
	case FrameExecutionStatus:
		var e ExecutionStatusReport
		ev, err := decodeInto(frameType, payload, &e)
		if err == nil && e.ExecutionID == "" {
			return nil, fmt.Errorf("%w: %s: executionId required", ErrMalformedFrame, frameType)
		}
		return ev, err
	case FrameKeepAlive:
		return KeepAlive{}, nil
	case FrameExecutionLog:
		var e ExecutionLog
		ev, err := decodeInto(frameType, payload, &e)
		if err == nil && e.ExecutionID == "" {
			return nil, fmt.Errorf("%w: %s: executionId required", ErrMalformedFrame, frameType)
		}
		return ev, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frameType)
	}
}

// decodeInto unmarshals payload into a pointer to an Event value and
// returns the value.
func decodeInto[T Event](frameType string, payload []byte, dst *T) (Event, error) {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frameType, err)
		}
	}
	return *dst, nil
}
