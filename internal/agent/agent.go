// Package agent detects producers inside one context, reports their
// lifecycle to the orchestrator and executes playback commands on them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/genricoloni/solo/internal/settings"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrBlacklisted is returned by Init for contexts excluded by the blacklist
	ErrBlacklisted = errors.New("context is blacklisted")
	// ErrDisabled is returned for commands while the extension is switched off
	ErrDisabled = errors.New("agent disabled")
	// ErrUnsupported is returned when no producer can honor a command
	ErrUnsupported = errors.New("operation not supported")
	// ErrLiveStream is returned when a speed change only targeted live producers
	ErrLiveStream = fmt.Errorf("%w: live stream", ErrUnsupported)
	// ErrVolumeDisabled is returned for volume commands while the booster is off
	ErrVolumeDisabled = errors.New("volume booster disabled")
	// ErrNoProducers is returned when the context tracks nothing
	ErrNoProducers = errors.New("no producers in context")
)

// Sender carries agent messages to the orchestrator. Send must not block.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Options tunes an Agent. Zero values pick defaults.
type Options struct {
	// MinVolume is the lower bound for volume multipliers
	MinVolume float64
	// RetryDelay spaces attempts to apply a rate on a producer that is not ready
	RetryDelay time.Duration
	// RetryAttempts bounds those attempts
	RetryAttempts int
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 8
	}
	if o.MinVolume < 0 {
		o.MinVolume = 0
	}
	return o
}

type tracked struct {
	el    Element
	rec   domain.MediaElementRecord
	unsub func()
	gain  GainControl
	// last rate the agent applied itself; echoes of it are not external changes
	expected float64
	retry    *time.Timer
}

func (t *tracked) live() bool {
	t.rec.Duration = t.el.Duration()
	return domain.IsUnbounded(t.rec.Duration)
}

// Agent owns the producers of one context.
type Agent struct {
	id       string
	host     Host
	sender   Sender
	store    domain.SettingsStore
	notifier domain.Notifier
	logger   *zap.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	settings       settings.Settings
	elements       map[string]*tracked
	order          []string
	active         bool
	closed         bool
	unwatch        func()
	resetFrom      float64
	displayVisible bool

	sendWarn rate.Sometimes
}

// New creates an agent for the context id hosted by host.
func New(logger *zap.Logger, id string, host Host, sender Sender, store domain.SettingsStore, notifier domain.Notifier, opts Options) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		id:             id,
		host:           host,
		sender:         sender,
		store:          store,
		notifier:       notifier,
		logger:         logger.With(zap.String("context", id)),
		opts:           opts.withDefaults(),
		ctx:            ctx,
		cancel:         cancel,
		settings:       settings.Defaults(),
		elements:       make(map[string]*tracked),
		displayVisible: true,
		sendWarn:       rate.Sometimes{Interval: 10 * time.Second},
	}
}

// ID returns the context identifier.
func (a *Agent) ID() string { return a.id }

// Init loads the shared settings and starts tracking the host's producers.
// Blacklisted contexts are left untouched and ErrBlacklisted is returned.
// With the extension disabled the agent stays inert until a settings
// broadcast enables it.
func (a *Agent) Init(ctx context.Context) error {
	s, err := settings.Load(ctx, a.store)
	if err != nil {
		a.logger.Warn("Settings partially unavailable, using defaults", zap.Error(err))
		if errors.Is(err, settings.ErrStorageUnavailable) {
			a.notify(ctx, domain.Notice{
				Kind:      domain.NoticeStorage,
				ContextID: a.id,
				Message:   "Settings could not be loaded; defaults are in use",
			})
		}
	}

	locator := a.host.Locator()
	if s.IsBlacklisted(locator) {
		a.logger.Info("Context blacklisted, not tracking", zap.String("host", domain.Host(locator)))
		return fmt.Errorf("%w: %s", ErrBlacklisted, domain.Host(locator))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.settings = s
	if !s.Enabled {
		a.logger.Info("Extension disabled, agent inert")
		return nil
	}
	a.startLocked()
	return nil
}

// Close stops tracking and releases every subscription.
func (a *Agent) Close() {
	a.mu.Lock()
	a.stopLocked()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
}

func (a *Agent) startLocked() {
	a.active = true
	for _, el := range a.host.Elements() {
		a.trackLocked(el)
	}
	a.unwatch = a.host.WatchStructure(a.onStructure)

	report := a.reportLocked()
	a.send(protocol.Registered{
		Locator:   report.Locator,
		Label:     report.Label,
		HasMedia:  report.Tracked > 0,
		MediaKind: string(report.Kind),
	})
	if report.Playing > 0 {
		a.send(protocol.Played{MediaKind: string(report.Kind), Rate: a.firstPlayingRateLocked()})
	}
	a.logger.Debug("Agent started", zap.Int("tracked", report.Tracked))
}

func (a *Agent) stopLocked() {
	if !a.active {
		return
	}
	if a.unwatch != nil {
		a.unwatch()
		a.unwatch = nil
	}
	for _, id := range slices.Clone(a.order) {
		a.untrackLocked(id)
	}
	a.active = false
	a.logger.Debug("Agent stopped")
}

func (a *Agent) trackLocked(el Element) {
	id := el.ID()
	if _, ok := a.elements[id]; ok {
		return
	}
	t := &tracked{
		el: el,
		rec: domain.MediaElementRecord{
			Kind:          el.Kind(),
			IsPlaying:     !el.Paused(),
			LastKnownTime: el.CurrentTime(),
			Duration:      el.Duration(),
		},
		expected: el.PlaybackRate(),
	}
	if ga, ok := el.(GainAttacher); ok {
		if g, ok := ga.AttachGain(); ok {
			t.gain = g
		}
	}
	t.unsub = el.Subscribe(func(sig Signal) { a.onSignal(id, sig) })
	a.elements[id] = t
	a.order = append(a.order, id)

	a.restoreLocked(t)
}

// untrackLocked drops every handler attached to the element.
func (a *Agent) untrackLocked(id string) *tracked {
	t, ok := a.elements[id]
	if !ok {
		return nil
	}
	if t.unsub != nil {
		t.unsub()
	}
	if t.retry != nil {
		t.retry.Stop()
	}
	delete(a.elements, id)
	a.order = slices.DeleteFunc(a.order, func(s string) bool { return s == id })
	return t
}

// restoreLocked applies the resolved speed and volume to a new producer.
func (a *Agent) restoreLocked(t *tracked) {
	locator := a.host.Locator()
	if !t.live() {
		if target := a.settings.ResolveSpeed(locator); !sameRate(t.el.PlaybackRate(), target) {
			a.applyRateLocked(t, target, 0, false)
		}
	}
	if t.gain != nil && a.settings.VolumeBoosterEnabled {
		v := a.settings.ResolveVolume(locator, a.opts.MinVolume)
		if err := t.gain.SetGain(v); err != nil {
			a.logger.Debug("Could not restore volume", zap.String("element", t.el.ID()), zap.Error(err))
		}
	}
}

func (a *Agent) onStructure(ch StructureChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}

	hadMedia := len(a.elements) > 0
	wasPlaying := a.playingLocked() > 0

	for _, id := range ch.Removed {
		a.untrackLocked(id)
	}
	for _, el := range ch.Added {
		a.trackLocked(el)
	}

	report := a.reportLocked()
	if !hadMedia && report.Tracked > 0 {
		a.send(protocol.Registered{
			Locator:   report.Locator,
			Label:     report.Label,
			HasMedia:  true,
			MediaKind: string(report.Kind),
		})
	}
	switch {
	case report.Playing > 0 && !wasPlaying:
		a.send(protocol.Played{MediaKind: string(report.Kind), Rate: a.firstPlayingRateLocked()})
	case report.Playing == 0 && wasPlaying:
		// the last playing producer left the context
		a.send(protocol.Ended{})
	}
}

func (a *Agent) onSignal(id string, sig Signal) {
	a.mu.Lock()
	t, ok := a.elements[id]
	if !ok || !a.active {
		a.mu.Unlock()
		return
	}

	var batch map[string]any
	switch sig {
	case SignalPlay:
		t.rec.IsPlaying = true
		t.rec.LastKnownTime = t.el.CurrentTime()
		a.send(protocol.Played{MediaKind: string(t.rec.Kind), Rate: t.el.PlaybackRate()})
	case SignalPause, SignalEnded:
		t.rec.IsPlaying = false
		t.rec.LastKnownTime = t.el.CurrentTime()
		// one stopped producer does not pause a context that still plays another
		if a.playingLocked() == 0 {
			if sig == SignalEnded {
				a.send(protocol.Ended{})
			} else {
				a.send(protocol.Paused{})
			}
		}
	case SignalRateChange:
		batch = a.rateChangedLocked(t)
	}
	a.mu.Unlock()

	if batch != nil {
		a.persist(a.ctx, batch)
	}
}

// rateChangedLocked handles a rate the agent did not set. It returns the
// settings batch to persist, if any.
func (a *Agent) rateChangedLocked(t *tracked) map[string]any {
	r := t.el.PlaybackRate()
	if sameRate(r, t.expected) {
		return nil
	}
	if t.live() {
		t.expected = r
		return nil
	}

	locator := a.host.Locator()
	if a.settings.ForceLastSavedSpeed {
		target := a.settings.ResolveSpeed(locator)
		if !sameRate(r, target) {
			a.logger.Debug("Reverting external rate change",
				zap.Float64("rate", r), zap.Float64("saved", target))
			a.applyRateLocked(t, target, 0, false)
			return nil
		}
	}

	r = settings.RoundSpeed(settings.ClampSpeed(r))
	t.expected = r
	a.send(protocol.SpeedChanged{Rate: r})
	return a.settings.WithRuntimeSpeed(locator, r)
}

type rateOutcome int

const (
	rateFailed rateOutcome = iota
	rateApplied
	rateDeferred
)

// applyRateLocked sets rate now, or schedules a retry while the producer is
// not ready. A committed rate is reported and persisted once it lands; an
// uncommitted one restores a value that is already stored.
func (a *Agent) applyRateLocked(t *tracked, r float64, attempt int, commit bool) rateOutcome {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if !t.el.Ready() {
		if attempt >= a.opts.RetryAttempts {
			a.logger.Warn("Producer never became ready, rate not applied",
				zap.String("element", t.el.ID()), zap.Float64("rate", r))
			if commit {
				a.notify(a.ctx, domain.Notice{
					Kind:      domain.NoticeUnsupported,
					ContextID: a.id,
					Message:   "Playback speed could not be applied, the player is not ready",
				})
			}
			return rateFailed
		}
		id := t.el.ID()
		t.retry = time.AfterFunc(a.opts.RetryDelay, func() { a.retryRate(id, r, attempt+1, commit) })
		return rateDeferred
	}

	t.expected = r
	if err := t.el.SetPlaybackRate(r); err != nil {
		a.logger.Warn("Could not set playback rate",
			zap.String("element", t.el.ID()), zap.Float64("rate", r), zap.Error(err))
		return rateFailed
	}
	return rateApplied
}

func (a *Agent) retryRate(id string, r float64, attempt int, commit bool) {
	a.mu.Lock()
	t, ok := a.elements[id]
	if !ok || !a.active {
		a.mu.Unlock()
		return
	}
	t.retry = nil
	var batch map[string]any
	if a.applyRateLocked(t, r, attempt, commit) == rateApplied && commit {
		a.send(protocol.SpeedChanged{Rate: r})
		batch = a.settings.WithRuntimeSpeed(a.host.Locator(), r)
	}
	a.mu.Unlock()

	if batch != nil {
		a.persist(a.ctx, batch)
	}
}

// persist writes a settings batch in one call, refreshes the local cache and
// tells the other contexts.
func (a *Agent) persist(ctx context.Context, batch map[string]any) {
	a.mu.Lock()
	if err := a.settings.Apply(batch); err != nil {
		a.logger.Warn("Local settings cache rejected update", zap.Error(err))
	}
	a.mu.Unlock()

	primary, err := a.store.Set(ctx, batch)
	switch {
	case err != nil:
		a.logger.Error("Settings not persisted", zap.Error(err))
		a.notify(ctx, domain.Notice{
			Kind:      domain.NoticeStorage,
			ContextID: a.id,
			Message:   "Settings could not be saved",
		})
	case !primary:
		a.logger.Debug("Primary settings store unavailable, kept in fallback")
	}

	a.send(protocol.SettingsBroadcast{Items: batch})
}

func (a *Agent) send(msg protocol.Message) {
	if err := a.sender.Send(a.ctx, msg); err != nil {
		a.sendWarn.Do(func() {
			a.logger.Warn("Message to orchestrator not delivered",
				zap.String("type", string(msg.Kind())), zap.Error(err))
		})
	}
}

func (a *Agent) notify(ctx context.Context, n domain.Notice) {
	if a.notifier != nil {
		a.notifier.Notify(ctx, n)
	}
}

func (a *Agent) playingLocked() int {
	n := 0
	for _, t := range a.elements {
		if t.rec.IsPlaying {
			n++
		}
	}
	return n
}

func (a *Agent) firstPlayingRateLocked() float64 {
	for _, id := range a.order {
		if t := a.elements[id]; t.rec.IsPlaying {
			return t.el.PlaybackRate()
		}
	}
	return settings.HardDefaultSpeed
}

func sameRate(x, y float64) bool {
	return math.Abs(x-y) < 1e-3
}
