package agent

import "github.com/genricoloni/solo/internal/domain"

// Signal is a lifecycle event raised by an Element
type Signal int

const (
	SignalPlay Signal = iota
	SignalPause
	SignalEnded
	SignalRateChange
)

func (s Signal) String() string {
	switch s {
	case SignalPlay:
		return "play"
	case SignalPause:
		return "pause"
	case SignalEnded:
		return "ended"
	case SignalRateChange:
		return "ratechange"
	}
	return "unknown"
}

// Element is one producer inside a context.
//
// Signals are delivered asynchronously: an implementation must never invoke
// a subscriber from inside one of its own methods.
type Element interface {
	ID() string
	Kind() domain.ElementKind

	// Subscribe registers fn for lifecycle signals and returns its cancel func
	Subscribe(fn func(Signal)) (unsubscribe func())

	Paused() bool
	Pause() error

	PlaybackRate() float64
	SetPlaybackRate(rate float64) error

	// Duration in seconds; +Inf or NaN for live streams
	Duration() float64
	CurrentTime() float64
	// Seek moves the playhead by offset seconds
	Seek(offset float64) error

	// Ready is false while metadata is loading or a seek is in progress
	Ready() bool
}

// GainControl adjusts the output gain of one producer
type GainControl interface {
	SetGain(multiplier float64) error
	Gain() float64
}

// GainAttacher is implemented by elements that can route their output
// through a gain stage. The returned control belongs to that element only.
type GainAttacher interface {
	AttachGain() (GainControl, bool)
}

// StructureChange lists producers inserted into or removed from a context
type StructureChange struct {
	Added   []Element
	Removed []string
}

// Host is the execution context an agent watches.
type Host interface {
	Locator() string
	Label() string

	// Elements returns the producers present right now
	Elements() []Element

	// WatchStructure delivers insertions and removals after the call returns
	WatchStructure(fn func(StructureChange)) (unsubscribe func())
}
