package orchestrator

import (
	"sort"
	"time"

	"github.com/genricoloni/solo/internal/domain"
)

// RemoveReason records why a context left the registry
type RemoveReason string

const (
	// ReasonGone means the context was confirmed destroyed
	ReasonGone RemoveReason = "gone"
	// ReasonNavigated means the context now shows a different origin
	ReasonNavigated RemoveReason = "navigated"
)

const maxTombstones = 4096

// Registry is the authoritative set of context records. It is not safe for
// concurrent use; the Orchestrator serializes access.
type Registry struct {
	records map[string]*domain.ContextRecord
	active  string

	// ids confirmed gone; identifiers are never reused, so late messages
	// from them must not resurrect a record
	tombstones map[string]struct{}
	tombOrder  []string
}

func NewRegistry() *Registry {
	return &Registry{
		records:    make(map[string]*domain.ContextRecord),
		tombstones: make(map[string]struct{}),
	}
}

// Active returns the active producer id, or "".
func (r *Registry) Active() string { return r.active }

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (domain.ContextRecord, bool) {
	rec, ok := r.records[id]
	if !ok {
		return domain.ContextRecord{}, false
	}
	return *rec, true
}

func (r *Registry) IsTombstoned(id string) bool {
	_, ok := r.tombstones[id]
	return ok
}

// ensure returns the record for id, creating a monitoring record if absent.
func (r *Registry) ensure(id string, now time.Time) (*domain.ContextRecord, bool) {
	if rec, ok := r.records[id]; ok {
		return rec, false
	}
	rec := &domain.ContextRecord{
		ID:             id,
		Status:         domain.StatusMonitoring,
		MediaKind:      domain.DefaultMediaKind,
		PlaybackRate:   1.0,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.records[id] = rec
	return rec, true
}

// setStatus moves rec to status, maintaining the active designation.
// It reports whether anything changed.
func (r *Registry) setStatus(rec *domain.ContextRecord, status domain.Status, now time.Time) bool {
	if rec.Status == status {
		return false
	}
	rec.Status = status
	rec.LastActivityAt = now
	if status == domain.StatusPlaying {
		r.active = rec.ID
	} else if r.active == rec.ID {
		r.active = ""
	}
	return true
}

// remove deletes id. Only gone contexts are tombstoned.
func (r *Registry) remove(id string, reason RemoveReason) bool {
	if _, ok := r.records[id]; !ok {
		if reason == ReasonGone {
			r.tombstone(id)
		}
		return false
	}
	delete(r.records, id)
	if r.active == id {
		r.active = ""
	}
	if reason == ReasonGone {
		r.tombstone(id)
	}
	return true
}

func (r *Registry) tombstone(id string) {
	if _, ok := r.tombstones[id]; ok {
		return
	}
	r.tombstones[id] = struct{}{}
	r.tombOrder = append(r.tombOrder, id)
	if len(r.tombOrder) > maxTombstones {
		oldest := r.tombOrder[0]
		r.tombOrder = r.tombOrder[1:]
		delete(r.tombstones, oldest)
	}
}

// Snapshot returns records ordered by status priority, then most recent
// activity first, then id.
func (r *Registry) Snapshot(now time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		ActiveProducer: r.active,
		Records:        make([]domain.ContextRecord, 0, len(r.records)),
		TakenAt:        now,
	}
	for _, rec := range r.records {
		snap.Records = append(snap.Records, *rec)
		snap.Counts.Total++
		switch rec.Status {
		case domain.StatusPlaying:
			snap.Counts.Playing++
		case domain.StatusHasMedia:
			snap.Counts.HasMedia++
		case domain.StatusPaused:
			snap.Counts.Paused++
		default:
			snap.Counts.Monitoring++
		}
	}
	sort.Slice(snap.Records, func(i, j int) bool {
		a, b := snap.Records[i], snap.Records[j]
		if pa, pb := a.Status.Priority(), b.Status.Priority(); pa != pb {
			return pa < pb
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
	return snap
}
