package monitor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/genricoloni/solo/internal/agent"
	"github.com/genricoloni/solo/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	mprisPrefix     = "org.mpris.MediaPlayer2."
	mprisPath       = "/org/mpris/MediaPlayer2"
	playerInterface = "org.mpris.MediaPlayer2.Player"
)

var (
	// ErrPlayerGone is returned by calls on a player whose bus name vanished
	ErrPlayerGone = errors.New("player is gone")
	// ErrCannotSeek is returned when the player does not advertise CanSeek
	ErrCannotSeek = errors.New("player cannot seek")
)

// browsers publish one MPRIS name per tab
var browserPrefixes = []string{"chromium", "chrome", "firefox", "brave", "vivaldi", "edge", "opera"}

// ContextID maps a well-known MPRIS bus name to the context id used on the
// message bus ("org.mpris.MediaPlayer2.vlc" becomes "vlc").
func ContextID(busName string) string {
	return strings.TrimPrefix(busName, mprisPrefix)
}

// BusName is the inverse of ContextID.
func BusName(contextID string) string {
	return mprisPrefix + contextID
}

// IsPlayerName reports whether name is an MPRIS well-known name
func IsPlayerName(name string) bool {
	return strings.HasPrefix(name, mprisPrefix) && len(name) > len(mprisPrefix)
}

// EventKind distinguishes player lifecycle events
type EventKind int

const (
	PlayerAdded EventKind = iota
	PlayerRemoved
)

func (k EventKind) String() string {
	if k == PlayerAdded {
		return "added"
	}
	return "removed"
}

// PlayerEvent announces a player that appeared on or vanished from the bus.
type PlayerEvent struct {
	Kind      EventKind
	ContextID string
	// Player is set for PlayerAdded
	Player *Player
}

// Player is one MPRIS media player. It is both the Host an agent watches
// and the single Element inside it.
type Player struct {
	name   string
	conn   DBusClient
	logger *zap.Logger

	mu         sync.RWMutex
	status     string
	rate       float64
	volume     float64
	url        string
	title      string
	identity   string
	length     float64
	canControl bool
	canSeek    bool
	closed     bool

	subs    map[int]func(agent.Signal)
	nextSub int
}

var (
	_ agent.Host         = (*Player)(nil)
	_ agent.Element      = (*Player)(nil)
	_ agent.GainAttacher = (*Player)(nil)
	_ agent.GainControl  = (*Player)(nil)
)

// NewPlayer creates a player for the well-known bus name. Call Refresh to
// load its current properties.
func NewPlayer(name string, conn DBusClient, logger *zap.Logger) *Player {
	return &Player{
		name:       name,
		conn:       conn,
		logger:     logger.With(zap.String("player", name)),
		rate:       1,
		volume:     1,
		length:     math.Inf(1),
		canControl: true,
		subs:       make(map[int]func(agent.Signal)),
	}
}

// Name returns the well-known bus name
func (p *Player) Name() string { return p.name }

// Refresh reads the player's properties from the bus. Missing optional
// properties keep their defaults; only an unreadable PlaybackStatus fails.
func (p *Player) Refresh() error {
	statusVariant, err := p.conn.GetProperty(p.name, mprisPath, playerInterface+".PlaybackStatus")
	if err != nil {
		return fmt.Errorf("failed to get playback status: %w", err)
	}
	status, ok := statusVariant.Value().(string)
	if !ok {
		return fmt.Errorf("invalid playback status format")
	}

	props := map[string]dbus.Variant{"PlaybackStatus": statusVariant}
	for _, prop := range []string{"Metadata", "Rate", "Volume", "CanControl", "CanSeek"} {
		v, err := p.conn.GetProperty(p.name, mprisPath, playerInterface+"."+prop)
		if err != nil {
			p.logger.Debug("Optional property unavailable", zap.String("property", prop), zap.Error(err))
			continue
		}
		props[prop] = v
	}
	if v, err := p.conn.GetProperty(p.name, mprisPath, "org.mpris.MediaPlayer2.Identity"); err == nil {
		if identity, ok := v.Value().(string); ok {
			p.mu.Lock()
			p.identity = identity
			p.mu.Unlock()
		}
	}

	// initial load raises no signals; the agent reads the state directly
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.update(props)
	return nil
}

// apply folds a PropertiesChanged payload into the cached state and raises
// the matching signals. It runs on the monitor's signal goroutine.
func (p *Player) apply(changed map[string]dbus.Variant) {
	signals := p.update(changed)
	if len(signals) == 0 {
		return
	}

	p.mu.RLock()
	subs := make([]func(agent.Signal), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()

	for _, sig := range signals {
		for _, fn := range subs {
			fn(sig)
		}
	}
}

// update stores changed properties and returns the signals they imply
func (p *Player) update(changed map[string]dbus.Variant) []agent.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var signals []agent.Signal
	if v, ok := changed["Metadata"]; ok {
		if meta, ok := v.Value().(map[string]dbus.Variant); ok {
			p.parseMetadata(meta)
		} else {
			p.logger.Debug("Metadata variant is not a map, skipping")
		}
	}
	if v, ok := changed["Rate"]; ok {
		if rate, ok := v.Value().(float64); ok && rate > 0 && rate != p.rate {
			p.rate = rate
			signals = append(signals, agent.SignalRateChange)
		}
	}
	if v, ok := changed["Volume"]; ok {
		if vol, ok := v.Value().(float64); ok {
			p.volume = vol
		}
	}
	if v, ok := changed["CanControl"]; ok {
		if b, ok := v.Value().(bool); ok {
			p.canControl = b
		}
	}
	if v, ok := changed["CanSeek"]; ok {
		if b, ok := v.Value().(bool); ok {
			p.canSeek = b
		}
	}
	if v, ok := changed["PlaybackStatus"]; ok {
		status, ok := v.Value().(string)
		if !ok {
			p.logger.Warn("Invalid playback status format in signal, ignoring")
		} else if status != p.status {
			p.status = status
			switch status {
			case "Playing":
				signals = append(signals, agent.SignalPlay)
			case "Paused":
				signals = append(signals, agent.SignalPause)
			case "Stopped":
				signals = append(signals, agent.SignalEnded)
			}
		}
	}
	return signals
}

// parseMetadata reads the fields the agent needs; caller holds p.mu
func (p *Player) parseMetadata(meta map[string]dbus.Variant) {
	p.url = ""
	if v, ok := meta["xesam:url"]; ok {
		if url, ok := v.Value().(string); ok {
			p.url = url
		}
	}
	p.title = ""
	if v, ok := meta["xesam:title"]; ok {
		if title, ok := v.Value().(string); ok {
			p.title = title
		}
	}

	// no mpris:length means a stream of unknown length
	p.length = math.Inf(1)
	if v, ok := meta["mpris:length"]; ok {
		if us, ok := microseconds(v); ok && us > 0 {
			p.length = float64(us) / 1e6
		}
	}
}

func microseconds(v dbus.Variant) (int64, bool) {
	switch n := v.Value().(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (p *Player) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.subs = make(map[int]func(agent.Signal))
}

func (p *Player) live() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPlayerGone
	}
	return nil
}

// Host

// Locator returns the current track URL
func (p *Player) Locator() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Label returns the track title, falling back to the player identity
func (p *Player) Label() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.title != "" {
		return p.title
	}
	if p.identity != "" {
		return p.identity
	}
	return ContextID(p.name)
}

// Elements returns the player itself
func (p *Player) Elements() []agent.Element {
	if p.live() != nil {
		return nil
	}
	return []agent.Element{p}
}

// WatchStructure never fires: a player's only producer is itself and its
// disappearance is reported by the monitor.
func (p *Player) WatchStructure(func(agent.StructureChange)) func() {
	return func() {}
}

// Element

func (p *Player) ID() string { return p.name }

func (p *Player) Kind() domain.ElementKind {
	id := strings.ToLower(ContextID(p.name))
	for _, prefix := range browserPrefixes {
		if strings.HasPrefix(id, prefix) {
			return domain.KindVideo
		}
	}
	return domain.KindAudio
}

func (p *Player) Subscribe(fn func(agent.Signal)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status != "Playing"
}

func (p *Player) Pause() error {
	if err := p.live(); err != nil {
		return err
	}
	if err := p.conn.Call(p.name, mprisPath, playerInterface+".Pause", nil); err != nil {
		return fmt.Errorf("pause %s: %w", p.name, err)
	}
	return nil
}

func (p *Player) PlaybackRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate
}

// SetPlaybackRate writes the Rate property. The cached rate is updated right
// away so that the echoed PropertiesChanged raises no signal.
func (p *Player) SetPlaybackRate(rate float64) error {
	if err := p.live(); err != nil {
		return err
	}
	if err := p.conn.SetProperty(p.name, mprisPath, playerInterface+".Rate", rate); err != nil {
		return fmt.Errorf("set rate on %s: %w", p.name, err)
	}
	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
	return nil
}

func (p *Player) Duration() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.length
}

// CurrentTime reads Position, which MPRIS never announces through signals
func (p *Player) CurrentTime() float64 {
	v, err := p.conn.GetProperty(p.name, mprisPath, playerInterface+".Position")
	if err != nil {
		return 0
	}
	us, ok := microseconds(v)
	if !ok {
		return 0
	}
	return float64(us) / 1e6
}

func (p *Player) Seek(offset float64) error {
	if err := p.live(); err != nil {
		return err
	}
	p.mu.RLock()
	canSeek := p.canSeek
	p.mu.RUnlock()
	if !canSeek {
		return ErrCannotSeek
	}
	if err := p.conn.Call(p.name, mprisPath, playerInterface+".Seek", nil, int64(offset*1e6)); err != nil {
		return fmt.Errorf("seek %s: %w", p.name, err)
	}
	return nil
}

func (p *Player) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.canControl
}

// Gain

// AttachGain exposes the MPRIS Volume property as the player's gain stage
func (p *Player) AttachGain() (agent.GainControl, bool) {
	return p, true
}

func (p *Player) SetGain(multiplier float64) error {
	if err := p.live(); err != nil {
		return err
	}
	if err := p.conn.SetProperty(p.name, mprisPath, playerInterface+".Volume", multiplier); err != nil {
		return fmt.Errorf("set volume on %s: %w", p.name, err)
	}
	p.mu.Lock()
	p.volume = multiplier
	p.mu.Unlock()
	return nil
}

func (p *Player) Gain() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}
