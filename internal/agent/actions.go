package agent

import (
	"context"
	"fmt"

	"github.com/genricoloni/solo/internal/settings"
	"go.uber.org/zap"
)

// HandleKey runs the action bound to key. It reports false for unbound keys.
func (a *Agent) HandleKey(ctx context.Context, key string) (bool, error) {
	a.mu.Lock()
	b, ok := a.settings.Binding(key)
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, a.RunAction(ctx, b.Action, b.Value)
}

// RunAction executes a keyboard or command action. Actions target the
// playing producers, or every tracked producer when none is playing.
func (a *Agent) RunAction(ctx context.Context, action settings.Action, value float64) error {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return ErrDisabled
	}
	targets := a.targetsLocked()

	var (
		batch map[string]any
		err   error
	)
	switch action {
	case settings.ActionSlower, settings.ActionFaster:
		if len(targets) == 0 {
			err = ErrNoProducers
			break
		}
		step := value
		if action == settings.ActionSlower {
			step = -value
		}
		_, batch, err = a.setSpeedLocked(ctx, targets, targets[0].el.PlaybackRate()+step)

	case settings.ActionRewind, settings.ActionAdvance:
		offset := value
		if action == settings.ActionRewind {
			offset = -value
		}
		err = a.seekLocked(targets, offset)

	case settings.ActionReset:
		batch, err = a.resetLocked(ctx, targets, value)

	case settings.ActionToggleDisplay:
		a.displayVisible = !a.displayVisible
		a.logger.Debug("Display toggled", zap.Bool("visible", a.displayVisible))

	default:
		err = fmt.Errorf("%w: action %q", ErrUnsupported, action)
	}
	a.mu.Unlock()

	if batch != nil {
		a.persist(ctx, batch)
	}
	return err
}

// DisplayVisible reports the state flipped by the toggle-display action.
func (a *Agent) DisplayVisible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.displayVisible
}

func (a *Agent) targetsLocked() []*tracked {
	var playing []*tracked
	for _, id := range a.order {
		if t := a.elements[id]; t.rec.IsPlaying {
			playing = append(playing, t)
		}
	}
	if len(playing) > 0 {
		return playing
	}
	return a.allLocked()
}

func (a *Agent) seekLocked(targets []*tracked, offset float64) error {
	if len(targets) == 0 {
		return ErrNoProducers
	}
	moved := 0
	for _, t := range targets {
		if err := t.el.Seek(offset); err != nil {
			a.logger.Debug("Seek failed", zap.String("element", t.el.ID()), zap.Error(err))
			continue
		}
		t.rec.LastKnownTime = t.el.CurrentTime()
		moved++
	}
	if moved == 0 {
		return fmt.Errorf("%w: seek", ErrUnsupported)
	}
	return nil
}

// resetLocked switches to the reset rate; pressed again it returns to the
// rate that was active before.
func (a *Agent) resetLocked(ctx context.Context, targets []*tracked, value float64) (map[string]any, error) {
	if len(targets) == 0 {
		return nil, ErrNoProducers
	}
	if value <= 0 {
		value = settings.HardDefaultSpeed
	}

	current := targets[0].el.PlaybackRate()
	target := value
	if sameRate(current, value) {
		if a.resetFrom <= 0 {
			return nil, nil
		}
		target = a.resetFrom
		a.resetFrom = 0
	} else {
		a.resetFrom = current
	}

	_, batch, err := a.setSpeedLocked(ctx, targets, target)
	return batch, err
}
