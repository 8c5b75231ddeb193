//go:build !linux

package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MprisMonitor stub for non-Linux platforms
type MprisMonitor struct {
	logger *zap.Logger
	events chan PlayerEvent
}

// NewMprisMonitor creates a stub monitor that returns an error on non-Linux platforms
func NewMprisMonitor(logger *zap.Logger) *MprisMonitor {
	ch := make(chan PlayerEvent)
	close(ch)
	return &MprisMonitor{logger: logger, events: ch}
}

// Start returns an error indicating MPRIS monitoring is not supported on this platform
func (m *MprisMonitor) Start(ctx context.Context) error {
	return fmt.Errorf("MPRIS monitoring is only supported on Linux systems")
}

// Events returns a closed channel since monitoring is not available
func (m *MprisMonitor) Events() <-chan PlayerEvent {
	return m.events
}

// Client reports no connection
func (m *MprisMonitor) Client() (DBusClient, bool) {
	return nil, false
}

// Player never finds anything
func (m *MprisMonitor) Player(string) (*Player, bool) {
	return nil, false
}

// Stop is a no-op on non-Linux platforms
func (m *MprisMonitor) Stop(ctx context.Context) error {
	return nil
}
