package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by probes issued before the bus is connected
var ErrNotConnected = errors.New("session bus not connected")

// ClientSource yields the current bus connection
type ClientSource interface {
	Client() (DBusClient, bool)
}

// Prober answers liveness questions from the session bus: a context exists
// while its MPRIS name is owned.
type Prober struct {
	logger *zap.Logger
	source ClientSource
}

var _ domain.LivenessProber = (*Prober)(nil)

// NewProber creates a prober reading through source
func NewProber(logger *zap.Logger, source ClientSource) *Prober {
	return &Prober{logger: logger, source: source}
}

// Probe reports whether contextID's player is still on the bus and, if so,
// its current track URL and title.
func (p *Prober) Probe(ctx context.Context, contextID string) (domain.ContextInfo, error) {
	conn, ok := p.source.Client()
	if !ok {
		return domain.ContextInfo{}, ErrNotConnected
	}

	type result struct {
		info domain.ContextInfo
		err  error
	}
	// D-Bus calls cannot be cancelled, so the caller stops waiting instead
	done := make(chan result, 1)
	go func() {
		info, err := probe(conn, BusName(contextID))
		done <- result{info, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.logger.Debug("Probe failed", zap.String("context", contextID), zap.Error(r.err))
		}
		return r.info, r.err
	case <-ctx.Done():
		return domain.ContextInfo{}, ctx.Err()
	}
}

func probe(conn DBusClient, name string) (domain.ContextInfo, error) {
	names, err := conn.ListNames()
	if err != nil {
		return domain.ContextInfo{}, fmt.Errorf("failed to list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return domain.ContextInfo{Exists: false}, nil
	}

	v, err := conn.GetProperty(name, mprisPath, playerInterface+".Metadata")
	if err != nil {
		return domain.ContextInfo{}, fmt.Errorf("failed to get metadata: %w", err)
	}
	info := domain.ContextInfo{Exists: true}
	meta, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		// a player with nothing loaded still exists
		return info, nil
	}
	if u, ok := meta["xesam:url"]; ok {
		info.Locator, _ = u.Value().(string)
	}
	if t, ok := meta["xesam:title"]; ok {
		info.Label, _ = t.Value().(string)
	}
	return info, nil
}
