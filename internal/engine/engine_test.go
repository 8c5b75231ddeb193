package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/monitor"
	"github.com/genricoloni/solo/internal/notify"
	"github.com/genricoloni/solo/internal/orchestrator"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/genricoloni/solo/internal/settings"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

// fakeConn answers property reads for any player and records method calls
type fakeConn struct {
	mu     sync.Mutex
	status string
	urls   map[string]string
	calls  []string
}

func newFakeConn(status string) *fakeConn {
	return &fakeConn{status: status, urls: make(map[string]string)}
}

func (c *fakeConn) Close() error                             { return nil }
func (c *fakeConn) AddMatchSignal(...dbus.MatchOption) error { return nil }
func (c *fakeConn) Signal(chan<- *dbus.Signal)               {}
func (c *fakeConn) ListNames() ([]string, error)             { return nil, nil }
func (c *fakeConn) GetNameOwner(string) (string, error)      { return "", errors.New("not owned") }
func (c *fakeConn) SetProperty(string, string, string, interface{}) error {
	return nil
}

func (c *fakeConn) GetProperty(dest, _, prop string) (dbus.Variant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasSuffix(prop, ".PlaybackStatus"):
		return dbus.MakeVariant(c.status), nil
	case strings.HasSuffix(prop, ".Metadata"):
		meta := map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Track")}
		if u, ok := c.urls[dest]; ok {
			meta["xesam:url"] = dbus.MakeVariant(u)
		}
		return dbus.MakeVariant(meta), nil
	}
	return dbus.Variant{}, errors.New("no such property")
}

func (c *fakeConn) Call(dest, _, method string, _ []interface{}, _ ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, monitor.ContextID(dest)+" "+method[strings.LastIndex(method, ".")+1:])
	return nil
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeSource stands in for the MPRIS monitor
type fakeSource struct {
	events chan monitor.PlayerEvent
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan monitor.PlayerEvent, 8)}
}

func (s *fakeSource) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSource) Stop(context.Context) error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSource) Events() <-chan monitor.PlayerEvent { return s.events }

func (s *fakeSource) add(t *testing.T, conn *fakeConn, id string) {
	t.Helper()
	p := monitor.NewPlayer(monitor.BusName(id), conn, zap.NewNop())
	require.NoError(t, p.Refresh())
	s.events <- monitor.PlayerEvent{Kind: monitor.PlayerAdded, ContextID: id, Player: p}
}

func (s *fakeSource) remove(id string) {
	s.events <- monitor.PlayerEvent{Kind: monitor.PlayerRemoved, ContextID: id}
}

type staticConfig struct{}

func (staticConfig) GetListenAddr() string    { return "127.0.0.1:0" }
func (staticConfig) GetDataDir() string       { return "" }
func (staticConfig) GetReconcileSpec() string { return "@every 1h" }

type aliveProber struct{}

func (aliveProber) Probe(context.Context, string) (domain.ContextInfo, error) {
	return domain.ContextInfo{Exists: true}, nil
}

type fixture struct {
	engine *Engine
	source *fakeSource
	bus    *bus.Local
	orch   *orchestrator.Orchestrator
	store  *settings.MemoryStore
}

func newFixture(t *testing.T, initial map[string]any, opts Options) *fixture {
	t.Helper()
	logger := zap.NewNop()
	b := bus.NewLocal(logger, nil, 16)
	o := orchestrator.New(logger, b, orchestrator.WithRequestTimeout(time.Second))
	b.Bind(o)

	store := settings.NewMemoryStore(initial)
	src := newFakeSource()
	e := NewEngine(logger, staticConfig{}, src, b, o, aliveProber{}, store, &notify.Recorder{}, opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, e.Stop(context.Background()))
		b.Close()
	})
	return &fixture{engine: e, source: src, bus: b, orch: o, store: store}
}

// TestEngine_PlayerLifecycle verifies a player appearing and leaving adds and removes its record.
func TestEngine_PlayerLifecycle(t *testing.T) {
	f := newFixture(t, nil, Options{})
	conn := newFakeConn("Playing")

	f.source.add(t, conn, "vlc")
	require.Eventually(t, func() bool {
		return f.orch.Query().ActiveProducer == "vlc"
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, []string{"vlc"}, f.engine.Sessions())

	f.source.remove("vlc")
	require.Eventually(t, func() bool {
		_, ok := f.orch.Query().Record("vlc")
		return !ok
	}, waitFor, 10*time.Millisecond)
	require.Empty(t, f.engine.Sessions())
	require.NotContains(t, f.bus.Contexts(), "vlc")
}

// TestEngine_SecondPlayerPausesFirst verifies a second player starting pauses the first through its agent.
func TestEngine_SecondPlayerPausesFirst(t *testing.T) {
	f := newFixture(t, nil, Options{})
	conn := newFakeConn("Playing")

	f.source.add(t, conn, "vlc")
	require.Eventually(t, func() bool {
		return f.orch.Query().ActiveProducer == "vlc"
	}, waitFor, 10*time.Millisecond)

	f.source.add(t, conn, "chromium.instance42")
	require.Eventually(t, func() bool {
		return f.orch.Query().ActiveProducer == "chromium.instance42"
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, c := range conn.Calls() {
			if c == "vlc Pause" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	rec, ok := f.orch.Query().Record("chromium.instance42")
	require.True(t, ok)
	require.Equal(t, string(domain.KindVideo), rec.MediaKind)
}

// TestEngine_BlacklistedPlayerIgnored verifies a player on a blacklisted locator gets no agent or record.
func TestEngine_BlacklistedPlayerIgnored(t *testing.T) {
	f := newFixture(t, map[string]any{settings.KeyBlacklist: "ads.example"}, Options{})
	conn := newFakeConn("Playing")
	conn.urls[monitor.BusName("firefox.instance1")] = "https://cdn.ads.example/spot.mp4"

	f.source.add(t, conn, "firefox.instance1")
	f.source.add(t, conn, "vlc")
	require.Eventually(t, func() bool {
		return f.orch.Query().ActiveProducer == "vlc"
	}, waitFor, 10*time.Millisecond)

	require.Equal(t, []string{"vlc"}, f.engine.Sessions())
	_, ok := f.orch.Query().Record("firefox.instance1")
	require.False(t, ok)
}

// TestEngine_ReconcileKeepsDisconnectedContexts verifies that a remote
// context whose connection dropped is reported unknown and kept, while one
// that announced its unload before disconnecting is removed.
func TestEngine_ReconcileKeepsDisconnectedContexts(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	answer := bus.HandlerFunc(func(context.Context, string, protocol.Message) protocol.Response {
		return protocol.OK(nil)
	})

	f.source.add(t, newFakeConn("Paused"), "vlc")
	require.Eventually(t, func() bool {
		_, ok := f.orch.Query().Record("vlc")
		return ok
	}, waitFor, 10*time.Millisecond)

	attached, err := f.bus.Attach("remote-tab", answer)
	require.NoError(t, err)
	defer attached.Close()
	f.orch.RegisterOrUpdate(ctx, "remote-tab", "https://video.example/watch", "")

	// playing, then its socket drops without a word
	dropped, err := f.bus.Attach("dropped-tab", answer)
	require.NoError(t, err)
	f.orch.RegisterOrUpdate(ctx, "dropped-tab", "https://video.example/live", "")
	f.orch.ReportPlay(ctx, "dropped-tab", "video", 1)
	dropped.Close()

	closing, err := f.bus.Attach("closing-tab", answer)
	require.NoError(t, err)
	f.orch.RegisterOrUpdate(ctx, "closing-tab", "https://video.example/old", "")
	require.NoError(t, closing.Send(ctx, protocol.Unloaded{}))
	require.Eventually(t, func() bool { return f.orch.Departed("closing-tab") }, waitFor, 10*time.Millisecond)
	closing.Close()

	res := f.engine.Reconcile(ctx)
	require.Equal(t, 4, res.Checked)
	require.Equal(t, 1, res.Removed)
	require.Equal(t, 1, res.Unknown)

	snap := f.orch.Query()
	require.Equal(t, "dropped-tab", snap.ActiveProducer)
	_, ok := snap.Record("dropped-tab")
	require.True(t, ok)
	_, ok = snap.Record("remote-tab")
	require.True(t, ok)
	_, ok = snap.Record("closing-tab")
	require.False(t, ok)

	// the dropped tab reconnects under the same id
	back, err := f.bus.Attach("dropped-tab", answer)
	require.NoError(t, err)
	defer back.Close()
	f.orch.RegisterOrUpdate(ctx, "dropped-tab", "https://video.example/live", "Live")
	rec, ok := f.orch.Query().Record("dropped-tab")
	require.True(t, ok)
	require.Equal(t, "Live", rec.Label)
	require.Zero(t, f.engine.Reconcile(ctx).Removed)
}

// TestEngine_ConfigEditsReachStore verifies config file edits are written to the settings store.
func TestEngine_ConfigEditsReachStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  defaultSpeed: 1.25\n"), 0o644))

	f := newFixture(t, nil, Options{
		ConfigFile: path,
		Settings:   map[string]any{settings.KeyDefaultSpeed: 1.25},
	})

	got, err := f.store.Get(context.Background(), []string{settings.KeyDefaultSpeed})
	require.NoError(t, err)
	require.Equal(t, 1.25, got[settings.KeyDefaultSpeed])

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  defaultSpeed: 1.75\n"), 0o644))
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), []string{settings.KeyDefaultSpeed})
		return err == nil && got[settings.KeyDefaultSpeed] == 1.75
	}, waitFor, 20*time.Millisecond)
}

// TestEngine_StopWithoutPlayers verifies an idle engine starts and stops cleanly.
func TestEngine_StopWithoutPlayers(t *testing.T) {
	logger := zap.NewNop()
	b := bus.NewLocal(logger, nil, 4)
	defer b.Close()
	o := orchestrator.New(logger, b)
	e := NewEngine(logger, staticConfig{}, newFakeSource(), b, o, aliveProber{}, settings.NewMemoryStore(nil), notify.NewLog(logger), Options{})

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background()))
	require.Empty(t, e.Sessions())
}
