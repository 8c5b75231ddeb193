// Package orchestrator holds the authoritative registry of contexts and
// enforces that at most one of them is playing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/metrics"
	"github.com/genricoloni/solo/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrUnknownContext is returned for commands addressed to unregistered contexts
var ErrUnknownContext = errors.New("unknown context")

// Dispatcher delivers orchestrator messages to agents.
//
//go:generate mockgen -destination=mocks/dispatcher_mock.go -package=mocks github.com/genricoloni/solo/internal/orchestrator Dispatcher
type Dispatcher interface {
	// Notify enqueues a fire-and-forget message and must not block
	Notify(ctx context.Context, contextID string, msg protocol.Message) error

	// Request sends msg and waits for the reply or ctx expiry
	Request(ctx context.Context, contextID string, msg protocol.Message) (protocol.Response, error)

	// Broadcast notifies every connected agent except the listed ones
	Broadcast(ctx context.Context, msg protocol.Message, except ...string) error
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock injects the time source used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRequestTimeout bounds forwarded requests and scans
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithScanConcurrency bounds parallel checkForMedia requests
func WithScanConcurrency(n int) Option {
	return func(o *Orchestrator) { o.scanConcurrency = n }
}

// Orchestrator owns the registry. Every mutation goes through its methods.
type Orchestrator struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	now        func() time.Time

	requestTimeout  time.Duration
	scanConcurrency int

	mu  sync.Mutex
	reg *Registry
	// contexts that announced they are closing
	departed map[string]struct{}

	subMu    sync.RWMutex
	subs     map[uint64]chan domain.Snapshot
	nextSub  uint64
	dropWarn rate.Sometimes
}

// New creates an orchestrator that reaches agents through dispatcher.
func New(logger *zap.Logger, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:          logger,
		dispatcher:      dispatcher,
		now:             time.Now,
		requestTimeout:  3 * time.Second,
		scanConcurrency: 8,
		reg:             NewRegistry(),
		departed:        make(map[string]struct{}),
		subs:            make(map[uint64]chan domain.Snapshot),
		dropWarn:        rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterOrUpdate upserts a context. A locator on a different origin than
// the stored one means the context navigated away: the old record is
// destroyed and a fresh monitoring record takes its place.
func (o *Orchestrator) RegisterOrUpdate(ctx context.Context, id, locator, label string) {
	if id == "" {
		return
	}
	now := o.now()

	o.mu.Lock()
	if o.reg.IsTombstoned(id) {
		o.mu.Unlock()
		o.logger.Debug("Ignoring registration from removed context", zap.String("context", id))
		return
	}

	delete(o.departed, id)
	changed := false
	if rec, ok := o.reg.records[id]; ok && !domain.SameOrigin(rec.Locator, locator) {
		o.logger.Info("Context changed origin, replacing record",
			zap.String("context", id),
			zap.String("from", domain.Origin(rec.Locator)),
			zap.String("to", domain.Origin(locator)))
		o.reg.remove(id, ReasonNavigated)
		o.metrics.Removal(string(ReasonNavigated))
		changed = true
	}

	rec, created := o.reg.ensure(id, now)
	if locator != "" && rec.Locator != locator {
		rec.Locator = locator
		changed = true
	}
	if label != "" && rec.Label != label {
		rec.Label = label
		changed = true
	}
	if changed && !created {
		rec.LastActivityAt = now
	}
	o.mu.Unlock()

	if created {
		o.logger.Info("Context registered", zap.String("context", id), zap.String("locator", locator))
	}
	if created || changed {
		o.publish()
	}
}

// ReportMediaDetected moves a monitoring context to has_media.
func (o *Orchestrator) ReportMediaDetected(ctx context.Context, id, kind string) {
	o.mutate(id, func(rec *domain.ContextRecord, now time.Time) bool {
		changed := false
		if kind != "" && rec.MediaKind == domain.DefaultMediaKind {
			rec.MediaKind = kind
			changed = true
		}
		if rec.Status == domain.StatusMonitoring {
			changed = o.reg.setStatus(rec, domain.StatusHasMedia, now) || changed
		}
		return changed
	})
}

// ReportPlay makes id the active producer. Any other playing context is sent
// a pause command and marked paused before id's transition is committed.
func (o *Orchestrator) ReportPlay(ctx context.Context, id, kind string, playbackRate float64) {
	if id == "" {
		return
	}
	now := o.now()

	o.mu.Lock()
	if o.reg.IsTombstoned(id) {
		o.mu.Unlock()
		return
	}

	var preempted string
	if prev := o.reg.active; prev != "" && prev != id {
		preempted = prev
		// fire-and-forget: the transition never waits on the command
		if err := o.dispatcher.Notify(ctx, prev, protocol.PauseContext{ContextID: prev}); err != nil {
			o.logger.Warn("Pause command not delivered",
				zap.String("context", prev), zap.Error(err))
		}
		o.metrics.PauseCommand()
		if prevRec, ok := o.reg.records[prev]; ok {
			o.reg.setStatus(prevRec, domain.StatusPaused, now)
		}
	}

	rec, created := o.reg.ensure(id, now)
	changed := created || preempted != ""
	if kind != "" && rec.MediaKind != kind {
		rec.MediaKind = kind
		changed = true
	}
	if playbackRate > 0 && rec.PlaybackRate != playbackRate {
		rec.PlaybackRate = playbackRate
		changed = true
	}
	if o.reg.setStatus(rec, domain.StatusPlaying, now) {
		changed = true
	} else if changed {
		rec.LastActivityAt = now
	}
	o.mu.Unlock()

	if preempted != "" {
		o.logger.Info("Active producer changed",
			zap.String("paused", preempted), zap.String("playing", id))
	}
	if changed {
		o.publish()
	}
}

// ReportPause marks a playing context paused.
func (o *Orchestrator) ReportPause(ctx context.Context, id string) {
	o.mutate(id, func(rec *domain.ContextRecord, now time.Time) bool {
		if rec.Status != domain.StatusPlaying {
			return false
		}
		return o.reg.setStatus(rec, domain.StatusPaused, now)
	})
}

// ReportEnded returns a playing or paused context to has_media. The record
// is kept so a replay can pick it up again.
func (o *Orchestrator) ReportEnded(ctx context.Context, id string) {
	o.mutate(id, func(rec *domain.ContextRecord, now time.Time) bool {
		if rec.Status != domain.StatusPlaying && rec.Status != domain.StatusPaused {
			return false
		}
		return o.reg.setStatus(rec, domain.StatusHasMedia, now)
	})
}

// ReportSpeedChanged records the last reported playback rate.
func (o *Orchestrator) ReportSpeedChanged(ctx context.Context, id string, playbackRate float64) {
	if playbackRate <= 0 {
		return
	}
	o.mutate(id, func(rec *domain.ContextRecord, now time.Time) bool {
		if rec.PlaybackRate == playbackRate {
			return false
		}
		rec.PlaybackRate = playbackRate
		rec.LastActivityAt = now
		return true
	})
}

// ReportUnloaded records that id announced it is closing. Nothing is removed
// here; reconciliation confirms the departure once the context is gone.
func (o *Orchestrator) ReportUnloaded(ctx context.Context, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.reg.records[id]; !ok {
		return
	}
	o.departed[id] = struct{}{}
	o.logger.Debug("Context announced unload", zap.String("context", id))
}

// Departed reports whether id announced it is closing since it last registered
func (o *Orchestrator) Departed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.departed[id]
	return ok
}

// Remove deletes a context confirmed destroyed. If it was the active
// producer the designation is cleared; nothing is promoted in its place.
func (o *Orchestrator) Remove(ctx context.Context, id string) {
	o.remove(id, ReasonGone, "")
}

// remove deletes id for reason. A non-empty expectLocator makes the removal
// conditional on the record still carrying that locator.
func (o *Orchestrator) remove(id string, reason RemoveReason, expectLocator string) bool {
	o.mu.Lock()
	if expectLocator != "" {
		rec, ok := o.reg.records[id]
		if !ok || rec.Locator != expectLocator {
			o.mu.Unlock()
			return false
		}
	}
	wasActive := o.reg.active == id
	removed := o.reg.remove(id, reason)
	delete(o.departed, id)
	o.mu.Unlock()

	if !removed {
		return false
	}
	o.metrics.Removal(string(reason))
	o.logger.Info("Context removed",
		zap.String("context", id),
		zap.String("reason", string(reason)),
		zap.Bool("wasActive", wasActive))
	o.publish()
	return true
}

// Query returns an ordered snapshot of the registry.
func (o *Orchestrator) Query() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reg.Snapshot(o.now())
}

// mutate applies fn to an existing record and publishes if it changed.
func (o *Orchestrator) mutate(id string, fn func(rec *domain.ContextRecord, now time.Time) bool) {
	if id == "" {
		return
	}
	o.mu.Lock()
	rec, ok := o.reg.records[id]
	if !ok {
		o.mu.Unlock()
		o.logger.Debug("Signal for unknown context ignored", zap.String("context", id))
		return
	}
	changed := fn(rec, o.now())
	o.mu.Unlock()

	if changed {
		o.publish()
	}
}

// PauseContext asks the owning agent to pause and, once it confirms,
// re-checks the record before marking it paused.
func (o *Orchestrator) PauseContext(ctx context.Context, id string) error {
	if !o.known(id) {
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()
	resp, err := o.dispatcher.Request(ctx, id, protocol.PauseContext{ContextID: id})
	if err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}

	// other messages may have moved the record meanwhile; ReportPause only
	// transitions a record that is still playing
	o.ReportPause(ctx, id)
	return nil
}

// SetSpeed forwards a speed command to the owning agent.
func (o *Orchestrator) SetSpeed(ctx context.Context, id string, playbackRate float64) (protocol.SpeedResult, error) {
	var res protocol.SpeedResult
	if !o.known(id) {
		return res, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()
	resp, err := o.dispatcher.Request(ctx, id, protocol.SetSpeed{ContextID: id, Rate: playbackRate})
	if err != nil {
		return res, fmt.Errorf("set speed on %s: %w", id, err)
	}
	if err := resp.Decode(&res); err != nil {
		return res, fmt.Errorf("set speed on %s: %w", id, err)
	}
	if res.Applied > 0 {
		o.ReportSpeedChanged(ctx, id, res.Rate)
	}
	return res, nil
}

// SetVolume forwards a volume command to the owning agent.
func (o *Orchestrator) SetVolume(ctx context.Context, id string, multiplier float64) (protocol.VolumeResult, error) {
	var res protocol.VolumeResult
	if !o.known(id) {
		return res, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()
	resp, err := o.dispatcher.Request(ctx, id, protocol.SetVolume{ContextID: id, Multiplier: multiplier})
	if err != nil {
		return res, fmt.Errorf("set volume on %s: %w", id, err)
	}
	if err := resp.Decode(&res); err != nil {
		return res, fmt.Errorf("set volume on %s: %w", id, err)
	}
	return res, nil
}

// Scan asks each context whether it hosts producers and folds the answers
// into the registry. Contexts that do not answer are left as they are.
func (o *Orchestrator) Scan(ctx context.Context, ids []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, o.scanConcurrency))

	for _, id := range ids {
		g.Go(func() error {
			o.scanOne(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) scanOne(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	resp, err := o.dispatcher.Request(ctx, id, protocol.CheckForMedia{})
	if err != nil {
		o.logger.Debug("Media check failed", zap.String("context", id), zap.Error(err))
		return
	}
	var report domain.MediaReport
	if err := resp.Decode(&report); err != nil {
		o.logger.Debug("Media check rejected", zap.String("context", id), zap.Error(err))
		return
	}

	o.RegisterOrUpdate(ctx, id, report.Locator, report.Label)
	switch {
	case report.Playing > 0:
		o.ReportPlay(ctx, id, string(report.Kind), 0)
	case report.Tracked > 0:
		o.ReportMediaDetected(ctx, id, string(report.Kind))
	}
}

func (o *Orchestrator) known(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.reg.records[id]
	return ok
}

// target is a record identity captured for an asynchronous check.
type target struct {
	id      string
	locator string
}

func (o *Orchestrator) targets() []target {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]target, 0, len(o.reg.records))
	for id, rec := range o.reg.records {
		out = append(out, target{id: id, locator: rec.Locator})
	}
	return out
}
