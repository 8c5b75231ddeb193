package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// KindResponse tags envelopes that answer a request.
const KindResponse Kind = "response"

// Envelope is the wire form of a message.
type Envelope struct {
	ID       string          `json:"id"`
	Type     Kind            `json:"type"`
	From     string          `json:"from,omitempty"`
	ReplyTo  string          `json:"replyTo,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Response *Response       `json:"response,omitempty"`
}

// Wrap encodes msg into a new envelope with a fresh id.
func Wrap(from string, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    msg.Kind(),
		From:    from,
		Payload: payload,
	}, nil
}

// Reply builds the response envelope for req.
func Reply(req Envelope, resp Response) Envelope {
	return Envelope{
		ID:       uuid.NewString(),
		Type:     KindResponse,
		ReplyTo:  req.ID,
		Response: &resp,
	}
}

// IsResponse reports whether e answers an earlier request.
func (e Envelope) IsResponse() bool {
	return e.Type == KindResponse
}

// Message decodes the payload into its concrete message type.
func (e Envelope) Message() (Message, error) {
	var (
		msg Message
		err error
	)
	switch e.Type {
	case KindRegistered:
		msg, err = decode[Registered](e.Payload)
	case KindPlayed:
		msg, err = decode[Played](e.Payload)
	case KindPaused:
		msg, err = decode[Paused](e.Payload)
	case KindEnded:
		msg, err = decode[Ended](e.Payload)
	case KindSpeedChanged:
		msg, err = decode[SpeedChanged](e.Payload)
	case KindUnloaded:
		msg, err = decode[Unloaded](e.Payload)
	case KindSettingsBroadcast:
		msg, err = decode[SettingsBroadcast](e.Payload)
	case KindQueryState:
		msg, err = decode[QueryState](e.Payload)
	case KindCheckForMedia:
		msg, err = decode[CheckForMedia](e.Payload)
	case KindPauseContext:
		msg, err = decode[PauseContext](e.Payload)
	case KindSetSpeed:
		msg, err = decode[SetSpeed](e.Payload)
	case KindSetVolume:
		msg, err = decode[SetVolume](e.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return msg, nil
}

func decode[T Message](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(payload, &v)
	return v, err
}
