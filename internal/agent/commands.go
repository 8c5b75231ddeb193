package agent

import (
	"context"
	"fmt"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/genricoloni/solo/internal/settings"
	"go.uber.org/zap"
)

// HandleMessage executes a command addressed to this context.
func (a *Agent) HandleMessage(ctx context.Context, from string, msg protocol.Message) protocol.Response {
	switch m := msg.(type) {
	case protocol.PauseContext:
		a.Pause(ctx)
		return protocol.OK(nil)
	case protocol.SetSpeed:
		res, err := a.SetSpeed(ctx, m.Rate)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(res)
	case protocol.SetVolume:
		res, err := a.SetVolume(ctx, m.Multiplier)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(res)
	case protocol.CheckForMedia:
		return protocol.OK(a.CheckForMedia())
	case protocol.SettingsBroadcast:
		a.ApplySettings(m.Items)
		return protocol.OK(nil)
	}

	kind := "<nil>"
	if msg != nil {
		kind = string(msg.Kind())
	}
	a.logger.Warn("Unexpected message ignored", zap.String("from", from), zap.String("type", kind))
	return protocol.Fail(fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, kind))
}

// Pause pauses every tracked producer, skipping those that refuse.
// It returns how many accepted.
func (a *Agent) Pause(ctx context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, id := range a.order {
		t := a.elements[id]
		if t.el.Paused() {
			continue
		}
		if err := t.el.Pause(); err != nil {
			a.logger.Debug("Producer refused pause", zap.String("element", id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// SetSpeed applies rate to every tracked producer that is not a live stream.
func (a *Agent) SetSpeed(ctx context.Context, r float64) (protocol.SpeedResult, error) {
	a.mu.Lock()
	res, batch, err := a.setSpeedLocked(ctx, a.allLocked(), r)
	a.mu.Unlock()

	if batch != nil {
		a.persist(ctx, batch)
	}
	return res, err
}

func (a *Agent) setSpeedLocked(ctx context.Context, targets []*tracked, r float64) (protocol.SpeedResult, map[string]any, error) {
	var res protocol.SpeedResult
	if !a.active {
		return res, nil, ErrDisabled
	}
	if len(targets) == 0 {
		return res, nil, ErrNoProducers
	}

	r = settings.RoundSpeed(settings.ClampSpeed(r))
	live := 0
	for _, t := range targets {
		if t.live() {
			live++
			continue
		}
		switch a.applyRateLocked(t, r, 0, true) {
		case rateApplied:
			res.Applied++
		case rateDeferred:
			res.Deferred++
		}
	}

	if live > 0 {
		// one notice per command, however many live producers were skipped
		a.notify(ctx, domain.Notice{
			Kind:      domain.NoticeUnsupported,
			ContextID: a.id,
			Message:   "Playback speed cannot be changed on a live stream",
		})
	}
	if res.Applied == 0 && res.Deferred == 0 {
		if live > 0 {
			return res, nil, ErrLiveStream
		}
		return res, nil, fmt.Errorf("%w: no producer accepted rate %.2f", ErrUnsupported, r)
	}

	res.Rate = r
	if res.Applied == 0 {
		// reported and persisted by the retry that applies it
		return res, nil, nil
	}
	a.send(protocol.SpeedChanged{Rate: r})
	return res, a.settings.WithRuntimeSpeed(a.host.Locator(), r), nil
}

// SetVolume routes multiplier through each producer's gain stage and
// persists it for the context's origin.
func (a *Agent) SetVolume(ctx context.Context, multiplier float64) (protocol.VolumeResult, error) {
	var res protocol.VolumeResult

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return res, ErrDisabled
	}
	if !a.settings.VolumeBoosterEnabled {
		a.mu.Unlock()
		return res, ErrVolumeDisabled
	}

	v := a.settings.ClampVolume(multiplier, a.opts.MinVolume)
	for _, id := range a.order {
		t := a.elements[id]
		if t.gain == nil {
			continue
		}
		if err := t.gain.SetGain(v); err != nil {
			a.logger.Debug("Gain change failed", zap.String("element", id), zap.Error(err))
			continue
		}
		res.Applied++
	}
	if res.Applied == 0 {
		a.mu.Unlock()
		return res, fmt.Errorf("%w: no gain control available", ErrUnsupported)
	}
	res.Multiplier = v
	batch := a.settings.WithOriginVolume(a.host.Locator(), v)
	a.mu.Unlock()

	a.persist(ctx, batch)
	return res, nil
}

// CheckForMedia reports what the context currently tracks.
func (a *Agent) CheckForMedia() domain.MediaReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reportLocked()
}

func (a *Agent) reportLocked() domain.MediaReport {
	report := domain.MediaReport{
		Locator: a.host.Locator(),
		Label:   a.host.Label(),
	}
	for _, id := range a.order {
		t := a.elements[id]
		t.rec.LastKnownTime = t.el.CurrentTime()
		report.Tracked++
		if t.rec.IsPlaying {
			report.Playing++
			if report.Playing == 1 {
				report.Kind = t.rec.Kind
			}
		}
		if t.live() {
			report.HasUnbounded = true
		}
		if report.Kind == "" {
			report.Kind = t.rec.Kind
		}
	}
	return report
}

// ApplySettings refreshes the cached settings from a broadcast batch.
// Toggling "enabled" starts or stops tracking.
func (a *Agent) ApplySettings(items map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.settings.Apply(items); err != nil {
		a.logger.Warn("Ignoring malformed settings values", zap.Error(err))
	}
	switch {
	case a.closed:
	case a.settings.Enabled && !a.active:
		if a.settings.IsBlacklisted(a.host.Locator()) {
			return
		}
		a.logger.Info("Extension enabled, tracking producers")
		a.startLocked()
	case !a.settings.Enabled && a.active:
		a.logger.Info("Extension disabled, releasing producers")
		a.stopLocked()
	}
}

func (a *Agent) allLocked() []*tracked {
	out := make([]*tracked, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.elements[id])
	}
	return out
}
