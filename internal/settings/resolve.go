package settings

import (
	"math"
	"net/url"
	"strings"

	"github.com/genricoloni/solo/internal/domain"
)

const (
	MinSpeed                = 0.1
	MaxSpeed                = 5.0
	HardDefaultSpeed        = 1.0
	DefaultVolumeBoostLimit = 5.0
)

// ClampSpeed bounds a playback rate to [MinSpeed, MaxSpeed].
func ClampSpeed(rate float64) float64 {
	if math.IsNaN(rate) || rate == 0 {
		return HardDefaultSpeed
	}
	return math.Min(MaxSpeed, math.Max(MinSpeed, rate))
}

// RoundSpeed keeps rates on a 0.01 grid so repeated steps don't accumulate drift.
func RoundSpeed(rate float64) float64 {
	return math.Round(rate*100) / 100
}

// SourceKey is the per-source override key for a locator (the fragment is ignored).
func SourceKey(locator string) string {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return locator
	}
	u.Fragment = ""
	return u.String()
}

// ResolveSpeed picks the rate to restore for a source:
// per-source override, then last used (if remembered), then the configured
// default, then 1.0.
func (s Settings) ResolveSpeed(locator string) float64 {
	if r, ok := s.PerSourceSpeed[SourceKey(locator)]; ok && r > 0 {
		return ClampSpeed(r)
	}
	if s.RememberSpeed && s.LastSpeed > 0 {
		return ClampSpeed(s.LastSpeed)
	}
	if s.DefaultSpeed > 0 {
		return ClampSpeed(s.DefaultSpeed)
	}
	return HardDefaultSpeed
}

// WithRuntimeSpeed returns the batch a runtime rate change persists: the
// last-used value and the per-source override. The default is never touched.
func (s Settings) WithRuntimeSpeed(locator string, rate float64) map[string]any {
	overrides := copyRates(s.PerSourceSpeed)
	overrides[SourceKey(locator)] = rate
	return map[string]any{
		KeyLastSpeed:      rate,
		KeyPerSourceSpeed: overrides,
	}
}

// VolumeLimit is the upper bound for volume multipliers.
func (s Settings) VolumeLimit() float64 {
	if s.VolumeBoostLimit > 0 {
		return s.VolumeBoostLimit
	}
	return DefaultVolumeBoostLimit
}

// ClampVolume bounds v to [minVolume, VolumeLimit()].
func (s Settings) ClampVolume(v, minVolume float64) float64 {
	if math.IsNaN(v) {
		return 1.0
	}
	return math.Min(s.VolumeLimit(), math.Max(minVolume, v))
}

// ResolveVolume picks the multiplier for a locator's origin.
func (s Settings) ResolveVolume(locator string, minVolume float64) float64 {
	if v, ok := s.PerOriginVolume[domain.Origin(locator)]; ok {
		return s.ClampVolume(v, minVolume)
	}
	if s.GlobalVolume > 0 {
		return s.ClampVolume(s.GlobalVolume, minVolume)
	}
	return 1.0
}

// WithOriginVolume returns the batch persisting a per-origin volume.
func (s Settings) WithOriginVolume(locator string, v float64) map[string]any {
	overrides := copyRates(s.PerOriginVolume)
	overrides[domain.Origin(locator)] = v
	return map[string]any{KeyPerOriginVolume: overrides}
}
