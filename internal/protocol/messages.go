// Package protocol defines the closed set of messages exchanged between
// agents and the orchestrator, and the envelope every transport carries.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/genricoloni/solo/internal/domain"
)

// Kind is the tag carried by every message
type Kind string

const (
	// Fire-and-forget, agent to orchestrator (settingsBroadcast goes the other way)
	KindRegistered        Kind = "registered"
	KindPlayed            Kind = "played"
	KindPaused            Kind = "paused"
	KindEnded             Kind = "ended"
	KindSpeedChanged      Kind = "speedChanged"
	KindUnloaded          Kind = "unloaded"
	KindSettingsBroadcast Kind = "settingsBroadcast"

	// Request/response
	KindQueryState    Kind = "queryState"
	KindCheckForMedia Kind = "checkForMedia"
	KindPauseContext  Kind = "pauseContext"
	KindSetSpeed      Kind = "setSpeed"
	KindSetVolume     Kind = "setVolume"
)

// IsRequest reports whether messages of kind k expect a reply.
func (k Kind) IsRequest() bool {
	switch k {
	case KindQueryState, KindCheckForMedia, KindPauseContext, KindSetSpeed, KindSetVolume:
		return true
	}
	return false
}

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// Registered announces a context, optionally with a detected producer.
type Registered struct {
	Locator   string `json:"locator"`
	Label     string `json:"label,omitempty"`
	HasMedia  bool   `json:"hasMedia,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
}

type Played struct {
	MediaKind string  `json:"mediaKind"`
	Rate      float64 `json:"rate"`
}

type Paused struct{}

type Ended struct{}

type SpeedChanged struct {
	Rate float64 `json:"rate"`
}

// Unloaded tells the orchestrator the context is closing. The record is
// removed by the next reconciliation pass that finds it disconnected.
type Unloaded struct{}

// SettingsBroadcast carries a batch of changed settings keys.
type SettingsBroadcast struct {
	Items map[string]any `json:"items"`
}

type QueryState struct{}

type CheckForMedia struct{}

type PauseContext struct {
	ContextID string `json:"contextId,omitempty"`
}

type SetSpeed struct {
	ContextID string  `json:"contextId,omitempty"`
	Rate      float64 `json:"rate"`
}

type SetVolume struct {
	ContextID  string  `json:"contextId,omitempty"`
	Multiplier float64 `json:"multiplier"`
}

func (Registered) Kind() Kind        { return KindRegistered }
func (Played) Kind() Kind            { return KindPlayed }
func (Paused) Kind() Kind            { return KindPaused }
func (Ended) Kind() Kind             { return KindEnded }
func (SpeedChanged) Kind() Kind      { return KindSpeedChanged }
func (Unloaded) Kind() Kind          { return KindUnloaded }
func (SettingsBroadcast) Kind() Kind { return KindSettingsBroadcast }
func (QueryState) Kind() Kind        { return KindQueryState }
func (CheckForMedia) Kind() Kind     { return KindCheckForMedia }
func (PauseContext) Kind() Kind      { return KindPauseContext }
func (SetSpeed) Kind() Kind          { return KindSetSpeed }
func (SetVolume) Kind() Kind         { return KindSetVolume }

func (Registered) sealed()        {}
func (Played) sealed()            {}
func (Paused) sealed()            {}
func (Ended) sealed()             {}
func (SpeedChanged) sealed()      {}
func (Unloaded) sealed()          {}
func (SettingsBroadcast) sealed() {}
func (QueryState) sealed()        {}
func (CheckForMedia) sealed()     {}
func (PauseContext) sealed()      {}
func (SetSpeed) sealed()          {}
func (SetVolume) sealed()         {}

// Response mirrors {success, data|error}.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response carrying data (may be nil).
func OK(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Errorf("encode response: %w", err))
	}
	return Response{Success: true, Data: raw}
}

// Fail builds an error response.
func Fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Err returns the remote error, or nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return ErrRemote
	}
	return fmt.Errorf("%w: %s", ErrRemote, r.Error)
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// StateResponse answers queryState.
type StateResponse = domain.Snapshot

// SpeedResult answers setSpeed. Deferred counts producers that were not
// ready yet; the rate is reported with speedChanged once it lands.
type SpeedResult struct {
	Applied  int     `json:"applied"`
	Deferred int     `json:"deferred,omitempty"`
	Rate     float64 `json:"rate"`
}

// VolumeResult answers setVolume.
type VolumeResult struct {
	Applied    int     `json:"applied"`
	Multiplier float64 `json:"multiplier"`
}

var (
	// ErrUnknownMessage is returned for tags outside the closed set
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMalformed is returned when a payload cannot be decoded
	ErrMalformed = errors.New("malformed message")
	// ErrRemote wraps errors reported by the other side of a request
	ErrRemote = errors.New("remote error")
)
