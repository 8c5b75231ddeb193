//go:build linux

package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genricoloni/solo/internal/agent"
	"github.com/genricoloni/solo/internal/monitor/mocks"
	"github.com/godbus/dbus/v5"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// TestDetectExistingPlayers verifies the initial scan of DBus names.
func TestDetectExistingPlayers(t *testing.T) {
	tests := []struct {
		name             string
		setupMock        func(*mocks.MockDBusClient)
		expectError      bool
		expectedPlayers  []string
		expectedMappings map[string]string
	}{
		{
			name: "Success - Detects VLC and a Browser Tab",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{
					"org.freedesktop.DBus",
					"org.mpris.MediaPlayer2.vlc",
					"org.mpris.MediaPlayer2.chromium.instance7",
					"com.example.OtherApp",
				}, nil)

				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.vlc").Return(":1.100", nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.chromium.instance7").Return(":1.200", nil)

				expectRefresh(m, "org.mpris.MediaPlayer2.vlc", "Playing", map[string]dbus.Variant{})
				expectRefresh(m, "org.mpris.MediaPlayer2.chromium.instance7", "Paused", map[string]dbus.Variant{})
			},
			expectedPlayers: []string{"vlc", "chromium.instance7"},
			expectedMappings: map[string]string{
				":1.100": "org.mpris.MediaPlayer2.vlc",
				":1.200": "org.mpris.MediaPlayer2.chromium.instance7",
			},
		},
		{
			name: "Unreadable Player Is Skipped",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{"org.mpris.MediaPlayer2.broken"}, nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.broken").Return(":1.5", nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.broken", mprisPath, statusProp).
					Return(dbus.MakeVariant(""), errors.New("no reply"))
			},
			expectedMappings: map[string]string{":1.5": "org.mpris.MediaPlayer2.broken"},
		},
		{
			name: "Failure - ListNames fails",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return(nil, errors.New("bus error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon := NewMprisMonitor(zap.NewNop())
			mon.conn = mockClient
			mon.running = true

			err := mon.detectExistingPlayers()

			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if len(mon.playerNames) != len(tt.expectedMappings) {
				t.Errorf("Mapping count mismatch: want %d, got %d", len(tt.expectedMappings), len(mon.playerNames))
			}
			for k, v := range tt.expectedMappings {
				if mon.playerNames[k] != v {
					t.Errorf("Mapping mismatch for %s: want %s, got %s", k, v, mon.playerNames[k])
				}
			}

			var got []string
			for len(mon.Events()) > 0 {
				ev := <-mon.Events()
				if ev.Kind != PlayerAdded || ev.Player == nil {
					t.Errorf("Unexpected event %+v", ev)
				}
				got = append(got, ev.ContextID)
			}
			if len(got) != len(tt.expectedPlayers) {
				t.Fatalf("Expected players %v, got %v", tt.expectedPlayers, got)
			}
			for i := range got {
				if got[i] != tt.expectedPlayers[i] {
					t.Errorf("Player %d: want %s, got %s", i, tt.expectedPlayers[i], got[i])
				}
			}
		})
	}
}

// TestHandleNameOwnerChanged verifies player lifecycle tracking
func TestHandleNameOwnerChanged(t *testing.T) {
	const spotify = "org.mpris.MediaPlayer2.spotify"

	tests := []struct {
		name         string
		existing     bool
		signalBody   []interface{}
		setupMock    func(*mocks.MockDBusClient)
		expectEvent  *EventKind
		expectMapped map[string]string
	}{
		{
			name:       "New Player Appears",
			signalBody: []interface{}{spotify, "", ":1.50"},
			setupMock: func(m *mocks.MockDBusClient) {
				expectRefresh(m, spotify, "Stopped", map[string]dbus.Variant{})
			},
			expectEvent:  kindPtr(PlayerAdded),
			expectMapped: map[string]string{":1.50": spotify},
		},
		{
			name:         "Player Disappears",
			existing:     true,
			signalBody:   []interface{}{spotify, ":1.50", ""},
			expectEvent:  kindPtr(PlayerRemoved),
			expectMapped: map[string]string{},
		},
		{
			name:         "Ownership Transfer Keeps Player",
			existing:     true,
			signalBody:   []interface{}{spotify, ":1.50", ":1.51"},
			expectMapped: map[string]string{":1.51": spotify},
		},
		{
			name:         "Non-MPRIS Service Ignored",
			signalBody:   []interface{}{"com.example.service", "", ":1.99"},
			expectMapped: map[string]string{},
		},
		{
			name:         "Short Body Ignored",
			signalBody:   []interface{}{spotify, ""},
			expectMapped: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := mocks.NewMockDBusClient(ctrl)
			if tt.setupMock != nil {
				tt.setupMock(mockClient)
			}

			mon := NewMprisMonitor(zap.NewNop())
			mon.conn = mockClient

			var existing *Player
			if tt.existing {
				existing = NewPlayer(spotify, mockClient, zap.NewNop())
				mon.playerNames[":1.50"] = spotify
				mon.players[spotify] = existing
			}

			mon.handleNameOwnerChanged(&dbus.Signal{
				Name: "org.freedesktop.DBus.NameOwnerChanged",
				Body: tt.signalBody,
			})

			mon.mu.RLock()
			if len(mon.playerNames) != len(tt.expectMapped) {
				t.Errorf("Mapping count mismatch: want %d, got %d", len(tt.expectMapped), len(mon.playerNames))
			}
			for k, v := range tt.expectMapped {
				if mon.playerNames[k] != v {
					t.Errorf("Mapping mismatch for %s: want %s, got %s", k, v, mon.playerNames[k])
				}
			}
			mon.mu.RUnlock()

			select {
			case ev := <-mon.Events():
				if tt.expectEvent == nil {
					t.Fatalf("Unexpected event %+v", ev)
				}
				if ev.Kind != *tt.expectEvent || ev.ContextID != "spotify" {
					t.Errorf("Event mismatch: got %+v", ev)
				}
			default:
				if tt.expectEvent != nil {
					t.Fatal("Expected event was not emitted")
				}
			}

			if existing != nil && tt.expectEvent != nil && *tt.expectEvent == PlayerRemoved {
				if existing.Ready() {
					t.Error("Removed player should be closed")
				}
			}
		})
	}
}

func kindPtr(k EventKind) *EventKind { return &k }

// TestHandleSignal_RoutesToPlayer verifies a PropertiesChanged signal reaches
// the player owning the sender's unique name.
func TestHandleSignal_RoutesToPlayer(t *testing.T) {
	mon := NewMprisMonitor(zap.NewNop())
	mon.conn = &noopDBusClient{}
	mon.running = true

	p := NewPlayer("org.mpris.MediaPlayer2.vlc", mon.conn, zap.NewNop())
	p.status = "Paused"
	mon.playerNames[":1.100"] = p.Name()
	mon.players[p.Name()] = p

	signals := make(chan agent.Signal, 4)
	p.Subscribe(func(s agent.Signal) { signals <- s })

	go mon.handleSignal(&dbus.Signal{
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Sender: ":1.100",
		Body: []interface{}{
			"org.mpris.MediaPlayer2.Player",
			map[string]dbus.Variant{
				"Metadata": dbus.MakeVariant(map[string]dbus.Variant{
					"xesam:url":   dbus.MakeVariant("https://video.example/watch?v=9"),
					"xesam:title": dbus.MakeVariant("Clip"),
				}),
				"PlaybackStatus": dbus.MakeVariant("Playing"),
			},
			[]string{},
		},
	})

	select {
	case s := <-signals:
		if s != agent.SignalPlay {
			t.Errorf("Expected play, got %v", s)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout: signal was not delivered")
	}
	if p.Locator() != "https://video.example/watch?v=9" {
		t.Errorf("Locator not updated: %s", p.Locator())
	}
	if p.Label() != "Clip" {
		t.Errorf("Label not updated: %s", p.Label())
	}
}

// TestHandleSignal_EdgeCases consolidates all invalid/ignored scenarios into a table test.
func TestHandleSignal_EdgeCases(t *testing.T) {
	playing := map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant("Playing")}

	tests := []struct {
		name   string
		signal *dbus.Signal
	}{
		{
			name: "Wrong Signal Name",
			signal: &dbus.Signal{
				Name:   "org.freedesktop.DBus.SomeOtherSignal",
				Sender: ":1.100",
				Body:   []interface{}{},
			},
		},
		{
			name: "Wrong Interface",
			signal: &dbus.Signal{
				Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
				Sender: ":1.100",
				Body:   []interface{}{"org.mpris.MediaPlayer2", playing, []string{}},
			},
		},
		{
			name: "Short Body",
			signal: &dbus.Signal{
				Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
				Sender: ":1.100",
				Body:   []interface{}{"org.mpris.MediaPlayer2.Player"},
			},
		},
		{
			name: "Unknown Sender",
			signal: &dbus.Signal{
				Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
				Sender: ":1.999",
				Body:   []interface{}{"org.mpris.MediaPlayer2.Player", playing, []string{}},
			},
		},
		{
			name: "Changed Properties Not A Map",
			signal: &dbus.Signal{
				Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
				Sender: ":1.100",
				Body:   []interface{}{"org.mpris.MediaPlayer2.Player", "Playing", []string{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewMprisMonitor(zap.NewNop())
			mon.conn = &noopDBusClient{}
			mon.running = true

			p := NewPlayer("org.mpris.MediaPlayer2.vlc", mon.conn, zap.NewNop())
			p.status = "Paused"
			mon.playerNames[":1.100"] = p.Name()
			mon.players[p.Name()] = p

			var log signalLog
			p.Subscribe(log.record)

			mon.handleSignal(tt.signal)

			if n := len(log.signals()); n != 0 {
				t.Errorf("Should NOT deliver signals for invalid input, got %d", n)
			}
			if !p.Paused() {
				t.Error("Player state changed on invalid input")
			}
		})
	}
}

// TestEmit_DropsWhenFull verifies events are dropped rather than blocking when nobody reads them.
func TestEmit_DropsWhenFull(t *testing.T) {
	mon := NewMprisMonitor(zap.NewNop())
	for i := 0; i < cap(mon.events)+5; i++ {
		mon.emit(PlayerEvent{Kind: PlayerRemoved, ContextID: "vlc"})
	}
	if len(mon.events) != cap(mon.events) {
		t.Errorf("Expected a full channel, got %d/%d", len(mon.events), cap(mon.events))
	}
}

// TestStart_DialFailure verifies a failed dial leaves the monitor stopped.
func TestStart_DialFailure(t *testing.T) {
	mon := NewMprisMonitor(zap.NewNop())
	mon.dial = func() (DBusClient, error) { return nil, errors.New("no session bus") }

	if err := mon.Start(context.Background()); err == nil {
		t.Fatal("Expected error from Start")
	}
	if mon.running {
		t.Error("Monitor should not be running after a failed start")
	}
	if _, ok := mon.Client(); ok {
		t.Error("No client should be exposed after a failed start")
	}
}

// lifecycleClient records what Start and Stop do with the connection
type lifecycleClient struct {
	noopDBusClient
	matches    atomic.Int32
	closed     atomic.Bool
	subscribed chan struct{}
}

func (c *lifecycleClient) AddMatchSignal(...dbus.MatchOption) error {
	c.matches.Add(1)
	return nil
}

func (c *lifecycleClient) Signal(chan<- *dbus.Signal) { close(c.subscribed) }

func (c *lifecycleClient) Close() error {
	c.closed.Store(true)
	return nil
}

// TestStartStop_Lifecycle verifies Start subscribes and Stop unblocks it.
func TestStartStop_Lifecycle(t *testing.T) {
	client := &lifecycleClient{subscribed: make(chan struct{})}

	mon := NewMprisMonitor(zap.NewNop())
	mon.dial = func() (DBusClient, error) { return client, nil }

	done := make(chan error, 1)
	go func() { done <- mon.Start(context.Background()) }()

	select {
	case <-client.subscribed:
	case <-time.After(time.Second):
		t.Fatal("Timeout: monitor never subscribed to signals")
	}
	if n := client.matches.Load(); n != 2 {
		t.Errorf("Expected 2 match rules, got %d", n)
	}

	if err := mon.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout: Start did not return after Stop")
	}

	if !client.closed.Load() {
		t.Error("Connection should be closed after Stop")
	}
	if _, open := <-mon.Events(); open {
		t.Error("Events channel should be closed after Stop")
	}
	// a second stop is harmless
	if err := mon.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
