//go:build linux

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MprisMonitor watches the session bus for MPRIS players. Each player that
// appears is announced as a PlayerEvent; PropertiesChanged signals are routed
// to the player they came from.
type MprisMonitor struct {
	logger   *zap.Logger
	events   chan PlayerEvent
	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	conn     DBusClient                 // Interface for testability
	dial     func() (DBusClient, error) // Replaced in tests
	dropWarn rate.Sometimes             // Rate limiting for "channel full" warnings
	wg       sync.WaitGroup             // Tracks active producer goroutines

	playerNames map[string]string  // Maps unique bus names (:1.45) to well-known names (org.mpris.MediaPlayer2.vlc)
	players     map[string]*Player // Keyed by well-known name
}

// NewMprisMonitor creates a new MPRIS monitor instance
func NewMprisMonitor(logger *zap.Logger) *MprisMonitor {
	return &MprisMonitor{
		logger:      logger,
		events:      make(chan PlayerEvent, 32),
		dial:        func() (DBusClient, error) { return NewStdDBusClient() },
		dropWarn:    rate.Sometimes{Interval: 5 * time.Second},
		playerNames: make(map[string]string),
		players:     make(map[string]*Player),
	}
}

// Start connects to the session bus, announces the players already present
// and blocks until ctx is cancelled or Stop is called.
func (m *MprisMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true

	monitorCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("MPRIS monitor started")

	// Connect to Session Bus (this may block)
	conn, err := m.dial()
	if err != nil {
		m.logger.Error("Failed to connect to session bus", zap.Error(err))
		m.mu.Lock()
		defer m.mu.Unlock()
		m.running = false
		m.cancel = nil
		return fmt.Errorf("session bus connection failed: %w", err)
	}

	// Check if we were stopped while connecting to D-Bus
	select {
	case <-monitorCtx.Done():
		m.logger.Info("Monitor stopped during D-Bus connection")
		if err := conn.Close(); err != nil {
			m.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
		}
		return monitorCtx.Err()
	default:
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// Subscribe before listing names so a player appearing in between is not missed
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		m.logger.Error("Failed to add match signal", zap.Error(err))
		return fmt.Errorf("failed to add match signal: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		// without it players are only learned at startup and by reconciliation
		m.logger.Warn("Failed to add NameOwnerChanged match signal", zap.Error(err))
	} else {
		m.logger.Info("Dynamic player tracking enabled via NameOwnerChanged")
	}

	m.wg.Add(1)
	func() {
		defer m.wg.Done()
		if err := m.detectExistingPlayers(); err != nil {
			m.logger.Warn("Failed to detect existing players", zap.Error(err))
		}
	}()

	m.wg.Add(1)
	go m.monitorSignals(monitorCtx)

	<-monitorCtx.Done()

	m.logger.Info("MPRIS monitor stopped")
	return monitorCtx.Err()
}

// Stop gracefully stops the monitor
func (m *MprisMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.mu.Unlock()

	// Wait for all producer goroutines to terminate before closing channel
	m.logger.Debug("Waiting for monitoring goroutines to finish")
	m.wg.Wait()
	close(m.events)

	m.mu.Lock()
	for _, p := range m.players {
		p.close()
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
		}
	}
	m.mu.Unlock()

	m.logger.Info("MPRIS monitor shutdown complete")
	return nil
}

// Events returns a read-only channel of player lifecycle events
func (m *MprisMonitor) Events() <-chan PlayerEvent {
	return m.events
}

// Client returns the bus connection once Start has connected
func (m *MprisMonitor) Client() (DBusClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn, m.conn != nil
}

// Player returns the tracked player for a context id
func (m *MprisMonitor) Player(contextID string) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[BusName(contextID)]
	return p, ok
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players
func (m *MprisMonitor) detectExistingPlayers() error {
	names, err := m.conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	playerCount := 0
	for _, name := range names {
		if !IsPlayerName(name) {
			continue
		}
		uniqueName, err := m.conn.GetNameOwner(name)
		if err != nil {
			m.logger.Warn("Failed to resolve player owner", zap.String("player", name), zap.Error(err))
			continue
		}
		if m.addPlayer(name, uniqueName) {
			playerCount++
		}
	}

	m.logger.Info("Player detection complete", zap.Int("count", playerCount))
	return nil
}

// addPlayer records the name mapping, loads the player and announces it
func (m *MprisMonitor) addPlayer(name, uniqueName string) bool {
	m.mu.Lock()
	m.playerNames[uniqueName] = name
	if _, exists := m.players[name]; exists {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	p := NewPlayer(name, m.conn, m.logger)
	if err := p.Refresh(); err != nil {
		m.logger.Warn("Failed to read player properties", zap.String("player", name), zap.Error(err))
		return false
	}

	m.mu.Lock()
	if _, exists := m.players[name]; exists {
		m.mu.Unlock()
		return false
	}
	m.players[name] = p
	m.mu.Unlock()

	m.logger.Info("Detected MPRIS player", zap.String("player", name), zap.String("unique", uniqueName))
	m.emit(PlayerEvent{Kind: PlayerAdded, ContextID: ContextID(name), Player: p})
	return true
}

func (m *MprisMonitor) removePlayer(name, uniqueName string) {
	m.mu.Lock()
	delete(m.playerNames, uniqueName)
	p, ok := m.players[name]
	delete(m.players, name)
	m.mu.Unlock()
	if !ok {
		return
	}

	p.close()
	m.logger.Info("MPRIS player removed", zap.String("player", name), zap.String("unique", uniqueName))
	m.emit(PlayerEvent{Kind: PlayerRemoved, ContextID: ContextID(name)})
}

// emit never blocks: a dropped add is recovered by the startup scan or the
// next reconciliation pass
func (m *MprisMonitor) emit(ev PlayerEvent) {
	select {
	case m.events <- ev:
	default:
		m.dropWarn.Do(func() {
			m.logger.Warn("Events channel full, dropping player event",
				zap.String("kind", ev.Kind.String()),
				zap.String("context", ev.ContextID))
		})
	}
}

// monitorSignals listens for D-Bus signals and processes them
func (m *MprisMonitor) monitorSignals(ctx context.Context) {
	defer m.wg.Done()

	signals := make(chan *dbus.Signal, 64)
	m.conn.Signal(signals)

	m.logger.Info("Signal monitoring goroutine started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Signal monitoring goroutine stopped")
			return
		case sig := <-signals:
			if sig == nil {
				continue
			}
			if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" {
				m.handleNameOwnerChanged(sig)
			} else {
				m.handleSignal(sig)
			}
		}
	}
}

// handleNameOwnerChanged processes NameOwnerChanged signals to track player lifecycle
func (m *MprisMonitor) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !IsPlayerName(name) {
		return
	}

	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	switch {
	case newOwner != "" && oldOwner == "":
		m.addPlayer(name, newOwner)
	case newOwner == "" && oldOwner != "":
		m.removePlayer(name, oldOwner)
	case newOwner != "" && oldOwner != "":
		// ownership transfer keeps the player, only the routing key changes
		m.mu.Lock()
		delete(m.playerNames, oldOwner)
		m.playerNames[newOwner] = name
		m.mu.Unlock()

		m.logger.Debug("MPRIS player ownership changed",
			zap.String("player", name),
			zap.String("oldUnique", oldOwner),
			zap.String("newUnique", newOwner))
	}
}

// handleSignal routes a PropertiesChanged signal to its player
func (m *MprisMonitor) handleSignal(sig *dbus.Signal) {
	// PropertiesChanged carries: interface name, changed properties, invalidated properties
	if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" {
		return
	}
	if len(sig.Body) < 2 {
		return
	}

	interfaceName, ok := sig.Body[0].(string)
	if !ok || interfaceName != playerInterface {
		return
	}

	changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	m.mu.RLock()
	name, known := m.playerNames[sig.Sender]
	p := m.players[name]
	m.mu.RUnlock()
	if !known || p == nil {
		m.logger.Debug("PropertiesChanged from unknown sender", zap.String("sender", sig.Sender))
		return
	}

	m.logger.Debug("Received PropertiesChanged signal",
		zap.String("player", name),
		zap.Int("properties", len(changedProps)))
	p.apply(changedProps)
}
