package orchestrator

import (
	"context"
	"fmt"

	"github.com/genricoloni/solo/internal/protocol"
	"go.uber.org/zap"
)

// HandleMessage applies one inbound message from context `from`.
// Fire-and-forget messages get an empty success response that transports
// discard. Every branch is safe to apply twice.
func (o *Orchestrator) HandleMessage(ctx context.Context, from string, msg protocol.Message) protocol.Response {
	if msg == nil {
		return protocol.Fail(protocol.ErrMalformed)
	}
	o.metrics.Message(string(msg.Kind()))

	switch m := msg.(type) {
	case protocol.Registered:
		o.RegisterOrUpdate(ctx, from, m.Locator, m.Label)
		if m.HasMedia {
			o.ReportMediaDetected(ctx, from, m.MediaKind)
		}
	case protocol.Played:
		o.ReportPlay(ctx, from, m.MediaKind, m.Rate)
	case protocol.Paused:
		o.ReportPause(ctx, from)
	case protocol.Ended:
		o.ReportEnded(ctx, from)
	case protocol.SpeedChanged:
		o.ReportSpeedChanged(ctx, from, m.Rate)
	case protocol.Unloaded:
		o.ReportUnloaded(ctx, from)
	case protocol.SettingsBroadcast:
		// an agent persisted a change; every other agent refreshes its cache
		if err := o.dispatcher.Broadcast(ctx, m, from); err != nil {
			o.logger.Warn("Settings broadcast failed", zap.String("from", from), zap.Error(err))
		}

	case protocol.QueryState:
		return protocol.OK(o.Query())
	case protocol.PauseContext:
		if err := o.PauseContext(ctx, targetOf(m.ContextID, from)); err != nil {
			return protocol.Fail(err)
		}
	case protocol.SetSpeed:
		res, err := o.SetSpeed(ctx, targetOf(m.ContextID, from), m.Rate)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(res)
	case protocol.SetVolume:
		res, err := o.SetVolume(ctx, targetOf(m.ContextID, from), m.Multiplier)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(res)
	case protocol.CheckForMedia:
		// addressed to agents only
		o.logger.Warn("Agent-only message sent to orchestrator", zap.String("from", from),
			zap.String("type", string(m.Kind())))
		return protocol.Fail(fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, m.Kind()))
	default:
		o.logger.Warn("Unknown message ignored", zap.String("from", from),
			zap.String("type", fmt.Sprintf("%T", msg)))
		return protocol.Fail(protocol.ErrUnknownMessage)
	}
	return protocol.OK(nil)
}

func targetOf(explicit, from string) string {
	if explicit != "" {
		return explicit
	}
	return from
}
