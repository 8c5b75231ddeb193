// Package settings holds the shared configuration every agent caches and the
// stores that persist it.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Recognized keys of the flat settings namespace
const (
	KeyEnabled              = "enabled"
	KeyRememberSpeed        = "rememberSpeed"
	KeyForceLastSavedSpeed  = "forceLastSavedSpeed"
	KeyDefaultSpeed         = "defaultSpeed"
	KeyLastSpeed            = "lastSpeed"
	KeyPerSourceSpeed       = "perSourceSpeed"
	KeyKeyBindings          = "keyBindings"
	KeyBlacklist            = "blacklist"
	KeyVolumeBoosterEnabled = "volumeBoosterEnabled"
	KeyGlobalVolume         = "globalVolume"
	KeyPerOriginVolume      = "perOriginVolume"
	KeyVolumeBoostLimit     = "volumeBoostLimit"
)

// AllKeys lists every recognized key, in the order they are read at startup
var AllKeys = []string{
	KeyEnabled,
	KeyRememberSpeed,
	KeyForceLastSavedSpeed,
	KeyDefaultSpeed,
	KeyLastSpeed,
	KeyPerSourceSpeed,
	KeyKeyBindings,
	KeyBlacklist,
	KeyVolumeBoosterEnabled,
	KeyGlobalVolume,
	KeyPerOriginVolume,
	KeyVolumeBoostLimit,
}

// ErrStorageUnavailable is returned when no backing store could serve a call
var ErrStorageUnavailable = errors.New("settings storage unavailable")

// Action names a keyboard/command-triggered action
type Action string

const (
	ActionSlower        Action = "slower"
	ActionFaster        Action = "faster"
	ActionRewind        Action = "rewind"
	ActionAdvance       Action = "advance"
	ActionReset         Action = "reset"
	ActionToggleDisplay Action = "toggle-display"
)

// KeyBinding maps a key to an action and its parameter
type KeyBinding struct {
	Action Action  `json:"action" yaml:"action"`
	Key    string  `json:"key" yaml:"key"`
	Value  float64 `json:"value" yaml:"value"`
}

// Settings is the typed view of the shared namespace.
// Zero DefaultSpeed/LastSpeed mean "not set".
type Settings struct {
	Enabled              bool
	RememberSpeed        bool
	ForceLastSavedSpeed  bool
	DefaultSpeed         float64
	LastSpeed            float64
	PerSourceSpeed       map[string]float64
	KeyBindings          []KeyBinding
	Blacklist            string
	VolumeBoosterEnabled bool
	GlobalVolume         float64
	PerOriginVolume      map[string]float64
	VolumeBoostLimit     float64
}

// DefaultKeyBindings mirrors the bindings shipped on first install
func DefaultKeyBindings() []KeyBinding {
	return []KeyBinding{
		{Action: ActionSlower, Key: "s", Value: 0.1},
		{Action: ActionFaster, Key: "d", Value: 0.1},
		{Action: ActionRewind, Key: "z", Value: 10},
		{Action: ActionAdvance, Key: "x", Value: 10},
		{Action: ActionReset, Key: "r", Value: 1.0},
		{Action: ActionToggleDisplay, Key: "v", Value: 0},
	}
}

// Defaults returns the settings used when the store holds nothing.
func Defaults() Settings {
	return Settings{
		Enabled:          true,
		PerSourceSpeed:   map[string]float64{},
		KeyBindings:      DefaultKeyBindings(),
		GlobalVolume:     1.0,
		PerOriginVolume:  map[string]float64{},
		VolumeBoostLimit: DefaultVolumeBoostLimit,
	}
}

// FromMap overlays stored values on Defaults. Values of the wrong shape are
// skipped and reported in the returned error; the settings are still usable.
func FromMap(items map[string]any) (Settings, error) {
	s := Defaults()
	err := s.Apply(items)
	return s, err
}

// Apply overlays a batch of changed keys onto s.
func (s *Settings) Apply(items map[string]any) error {
	var errs []error
	for key, raw := range items {
		if err := s.applyOne(key, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Settings) applyOne(key string, raw any) error {
	var err error
	switch key {
	case KeyEnabled:
		s.Enabled, err = toBool(raw)
	case KeyRememberSpeed:
		s.RememberSpeed, err = toBool(raw)
	case KeyForceLastSavedSpeed:
		s.ForceLastSavedSpeed, err = toBool(raw)
	case KeyDefaultSpeed:
		s.DefaultSpeed, err = toFloat(raw)
	case KeyLastSpeed:
		s.LastSpeed, err = toFloat(raw)
	case KeyPerSourceSpeed:
		m := map[string]float64{}
		err = remarshal(raw, &m)
		if err == nil {
			s.PerSourceSpeed = m
		}
	case KeyKeyBindings:
		var kb []KeyBinding
		err = remarshal(raw, &kb)
		if err == nil {
			s.KeyBindings = kb
		}
	case KeyBlacklist:
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		s.Blacklist = str
	case KeyVolumeBoosterEnabled:
		s.VolumeBoosterEnabled, err = toBool(raw)
	case KeyGlobalVolume:
		s.GlobalVolume, err = toFloat(raw)
	case KeyPerOriginVolume:
		m := map[string]float64{}
		err = remarshal(raw, &m)
		if err == nil {
			s.PerOriginVolume = m
		}
	case KeyVolumeBoostLimit:
		s.VolumeBoostLimit, err = toFloat(raw)
	}
	return err
}

// ToMap renders every key, suitable for a single batched Set.
func (s Settings) ToMap() map[string]any {
	return map[string]any{
		KeyEnabled:              s.Enabled,
		KeyRememberSpeed:        s.RememberSpeed,
		KeyForceLastSavedSpeed:  s.ForceLastSavedSpeed,
		KeyDefaultSpeed:         s.DefaultSpeed,
		KeyLastSpeed:            s.LastSpeed,
		KeyPerSourceSpeed:       copyRates(s.PerSourceSpeed),
		KeyKeyBindings:          append([]KeyBinding(nil), s.KeyBindings...),
		KeyBlacklist:            s.Blacklist,
		KeyVolumeBoosterEnabled: s.VolumeBoosterEnabled,
		KeyGlobalVolume:         s.GlobalVolume,
		KeyPerOriginVolume:      copyRates(s.PerOriginVolume),
		KeyVolumeBoostLimit:     s.VolumeBoostLimit,
	}
}

// Binding returns the binding registered for key, if any.
func (s Settings) Binding(key string) (KeyBinding, bool) {
	for _, b := range s.KeyBindings {
		if b.Key == key {
			return b, true
		}
	}
	return KeyBinding{}, false
}

func copyRates(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	}
	return false, fmt.Errorf("expected bool, got %T", raw)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

// remarshal converts loosely typed decoded values (JSON or YAML) into out.
func remarshal(raw any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
