package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResolveSpeed_Order verifies per-source, last-used and default speeds apply in that order.
func TestResolveSpeed_Order(t *testing.T) {
	const src = "https://video.example/watch?v=1"

	s := Defaults()
	s.RememberSpeed = true
	s.DefaultSpeed = 1.0
	s.LastSpeed = 1.5
	s.PerSourceSpeed[src] = 2.0

	require.Equal(t, 2.0, s.ResolveSpeed(src), "per-source override wins")

	delete(s.PerSourceSpeed, src)
	require.Equal(t, 1.5, s.ResolveSpeed(src), "last used applies when remembered")

	s.RememberSpeed = false
	require.Equal(t, 1.0, s.ResolveSpeed(src), "configured default")

	s.DefaultSpeed = 1.75
	require.Equal(t, 1.75, s.ResolveSpeed(src))

	s.DefaultSpeed = 0
	require.Equal(t, HardDefaultSpeed, s.ResolveSpeed(src), "hard default")
}

// TestResolveSpeed_IgnoresFragmentAndClamps verifies per-source lookup ignores the fragment and clamps stored values.
func TestResolveSpeed_IgnoresFragmentAndClamps(t *testing.T) {
	s := Defaults()
	s.PerSourceSpeed["https://video.example/x"] = 9
	require.Equal(t, MaxSpeed, s.ResolveSpeed("https://video.example/x#t=30"))
}

// TestWithRuntimeSpeed_NeverTouchesDefault verifies a runtime change never rewrites the default speed.
func TestWithRuntimeSpeed_NeverTouchesDefault(t *testing.T) {
	s := Defaults()
	s.DefaultSpeed = 1.25
	s.PerSourceSpeed["https://a.example/1"] = 1.1

	batch := s.WithRuntimeSpeed("https://b.example/2", 1.8)

	require.NotContains(t, batch, KeyDefaultSpeed)
	require.Equal(t, 1.8, batch[KeyLastSpeed])
	overrides := batch[KeyPerSourceSpeed].(map[string]float64)
	require.Equal(t, 1.8, overrides["https://b.example/2"])
	require.Equal(t, 1.1, overrides["https://a.example/1"])
	require.NotContains(t, s.PerSourceSpeed, "https://b.example/2", "receiver must not be mutated")
}

// TestClampSpeed checks the speed bounds and the fallback for zero.
func TestClampSpeed(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.01, MinSpeed},
		{0, HardDefaultSpeed},
		{2.5, 2.5},
		{16, MaxSpeed},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClampSpeed(tt.in), "ClampSpeed(%v)", tt.in)
	}
}

// TestVolume_ClampAndResolve checks volume bounds and per-origin lookup.
func TestVolume_ClampAndResolve(t *testing.T) {
	s := Defaults()
	require.Equal(t, DefaultVolumeBoostLimit, s.ClampVolume(12, 0))
	require.Equal(t, 0.0, s.ClampVolume(-1, 0))

	s.VolumeBoostLimit = 3
	require.Equal(t, 3.0, s.ClampVolume(4, 0))

	s.PerOriginVolume["https://music.example"] = 2.5
	require.Equal(t, 2.5, s.ResolveVolume("https://music.example/track/9", 0))
	require.Equal(t, 1.0, s.ResolveVolume("https://other.example/", 0))
}

// TestIsBlacklisted checks matching by host, locator prefix and wildcard.
func TestIsBlacklisted(t *testing.T) {
	s := Defaults()
	s.Blacklist = "youtube.com\n# comment\n\nhttps://meet.example.org/\n*.ads.example"

	tests := []struct {
		locator string
		want    bool
	}{
		{"https://www.youtube.com/watch?v=1", true},
		{"https://youtube.com/", true},
		{"https://notyoutube.com/", false},
		{"https://meet.example.org/room", true},
		{"https://x.ads.example/banner", true},
		{"https://example.org/", false},
		{"org.mpris.MediaPlayer2.vlc", false},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			require.Equal(t, tt.want, s.IsBlacklisted(tt.locator))
		})
	}
}

// TestFromMap_LooseShapes verifies settings decode from the shapes YAML and JSON produce.
func TestFromMap_LooseShapes(t *testing.T) {
	// Shapes as yaml.v3 and encoding/json decode them.
	items := map[string]any{
		KeyEnabled:        false,
		KeyDefaultSpeed:   2,
		KeyLastSpeed:      "1.5",
		KeyPerSourceSpeed: map[string]any{"https://a.example/1": 1.2},
		KeyKeyBindings: []any{
			map[string]any{"action": "faster", "key": "+", "value": 0.25},
		},
		KeyBlacklist:        "a.example",
		KeyVolumeBoostLimit: 3.0,
	}

	s, err := FromMap(items)
	require.NoError(t, err)
	require.False(t, s.Enabled)
	require.Equal(t, 2.0, s.DefaultSpeed)
	require.Equal(t, 1.5, s.LastSpeed)
	require.Equal(t, 1.2, s.PerSourceSpeed["https://a.example/1"])
	require.Len(t, s.KeyBindings, 1)
	b, ok := s.Binding("+")
	require.True(t, ok)
	require.Equal(t, ActionFaster, b.Action)
	require.Equal(t, 3.0, s.VolumeLimit())
}

// TestFromMap_BadValueKeepsDefault verifies a bad value is reported and keeps its default while other keys load.
func TestFromMap_BadValueKeepsDefault(t *testing.T) {
	s, err := FromMap(map[string]any{KeyRememberSpeed: []int{1}, KeyLastSpeed: 1.3})
	require.Error(t, err)
	require.False(t, s.RememberSpeed)
	require.Equal(t, 1.3, s.LastSpeed)
}
