package domain

import (
	"math"
	"time"
)

// Status represents the lifecycle state of a context in the registry
type Status string

const (
	// StatusMonitoring indicates the context is known but no producer was reported yet
	StatusMonitoring Status = "monitoring"
	// StatusHasMedia indicates the context hosts a producer that is not active
	StatusHasMedia Status = "has_media"
	// StatusPlaying indicates the context is the active producer
	StatusPlaying Status = "playing"
	// StatusPaused indicates the context's producers were paused
	StatusPaused Status = "paused"
)

// Priority orders statuses for snapshots: playing first, monitoring last.
func (s Status) Priority() int {
	switch s {
	case StatusPlaying:
		return 0
	case StatusHasMedia:
		return 1
	case StatusPaused:
		return 2
	default:
		return 3
	}
}

// DefaultMediaKind is used until a context reports what it is playing
const DefaultMediaKind = "potential"

// ContextRecord is the orchestrator's view of a single execution context
type ContextRecord struct {
	ID             string    `json:"id"`
	Locator        string    `json:"locator"`
	Label          string    `json:"label"`
	Status         Status    `json:"status"`
	MediaKind      string    `json:"mediaKind"`
	PlaybackRate   float64   `json:"playbackRate"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Counts aggregates the registry by status
type Counts struct {
	Total      int `json:"total"`
	Playing    int `json:"playing"`
	HasMedia   int `json:"hasMedia"`
	Paused     int `json:"paused"`
	Monitoring int `json:"monitoring"`
}

// Snapshot is an ordered, immutable copy of the registry
type Snapshot struct {
	ActiveProducer string          `json:"activeProducer"`
	Records        []ContextRecord `json:"records"`
	Counts         Counts          `json:"counts"`
	TakenAt        time.Time       `json:"takenAt"`
}

// Record returns the record with the given id, if present
func (s Snapshot) Record(id string) (ContextRecord, bool) {
	for _, r := range s.Records {
		if r.ID == id {
			return r, true
		}
	}
	return ContextRecord{}, false
}

// ElementKind describes a producer inside a context
type ElementKind string

const (
	KindVideo      ElementKind = "video"
	KindAudio      ElementKind = "audio"
	KindAudioGraph ElementKind = "synthetic-audio-graph"
)

// MediaElementRecord is an agent's bookkeeping for one tracked producer
type MediaElementRecord struct {
	Kind          ElementKind
	IsPlaying     bool
	LastKnownTime float64
	// Duration is +Inf or NaN for unbounded (live) producers
	Duration float64
}

// IsUnbounded reports whether d describes a live or unknown-length producer.
func IsUnbounded(d float64) bool {
	return math.IsInf(d, 0) || math.IsNaN(d)
}

// MediaReport is the answer to a checkForMedia request
type MediaReport struct {
	Tracked      int         `json:"tracked"`
	Playing      int         `json:"playing"`
	HasUnbounded bool        `json:"hasUnbounded"`
	Kind         ElementKind `json:"kind,omitempty"`
	Locator      string      `json:"locator,omitempty"`
	Label        string      `json:"label,omitempty"`
}

// ContextInfo is what a liveness probe learned about a context
type ContextInfo struct {
	Exists  bool
	Locator string
	Label   string
}

// NoticeKind classifies user-visible notices
type NoticeKind string

const (
	// NoticeUnsupported covers operations a producer cannot honor (e.g. speed on a live stream)
	NoticeUnsupported NoticeKind = "unsupported"
	// NoticeStorage is raised when neither settings store accepted a write
	NoticeStorage NoticeKind = "storage"
)

// Notice is a non-blocking, user-visible message
type Notice struct {
	Kind      NoticeKind
	ContextID string
	Message   string
}
