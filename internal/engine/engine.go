// Package engine wires the player monitor, the per-player agents, the bus
// and the orchestrator's background work into one running daemon.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/agent"
	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/config"
	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/metrics"
	"github.com/genricoloni/solo/internal/monitor"
	"github.com/genricoloni/solo/internal/orchestrator"
	"github.com/genricoloni/solo/internal/protocol"
	"go.uber.org/zap"
)

// PlayerSource reports players appearing on and leaving the host.
// Start blocks until ctx is cancelled.
type PlayerSource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Events() <-chan monitor.PlayerEvent
}

// Options tunes the engine
type Options struct {
	Agent agent.Options
	// ConfigFile is watched for settings edits when set
	ConfigFile string
	// Settings seeds the store at startup
	Settings map[string]any
	// ProbeConcurrency bounds liveness probes per reconcile pass
	ProbeConcurrency int
	Metrics          *metrics.Metrics
	// StopTimeout bounds how long Stop waits for the event loop
	StopTimeout time.Duration
}

// session is one local player driven by an agent
type session struct {
	agent *agent.Agent
	link  *bus.Link
}

// linkSender lets an agent be built before its bus link exists
type linkSender struct {
	link *bus.Link
}

func (s *linkSender) Send(ctx context.Context, msg protocol.Message) error {
	if s.link == nil {
		return bus.ErrUnknownContext
	}
	return s.link.Send(ctx, msg)
}

// Engine runs one agent per local player and keeps the orchestrator's
// registry in step with the host.
type Engine struct {
	logger     *zap.Logger
	players    PlayerSource
	bus        *bus.Local
	orch       *orchestrator.Orchestrator
	reconciler *orchestrator.Reconciler
	store      domain.SettingsStore
	notifier   domain.Notifier
	watcher    *config.Watcher
	opts       Options

	mu       sync.Mutex
	sessions map[string]*session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the engine. prober answers liveness for local players;
// remote contexts are alive while their connection is attached to the bus.
func NewEngine(
	logger *zap.Logger,
	cfg domain.Config,
	players PlayerSource,
	b *bus.Local,
	orch *orchestrator.Orchestrator,
	prober domain.LivenessProber,
	store domain.SettingsStore,
	notifier domain.Notifier,
	opts Options,
) *Engine {
	e := &Engine{
		logger:   logger,
		players:  players,
		bus:      b,
		orch:     orch,
		store:    store,
		notifier: notifier,
		opts:     opts,
		sessions: make(map[string]*session),
	}
	if e.opts.StopTimeout <= 0 {
		e.opts.StopTimeout = 5 * time.Second
	}
	e.reconciler = orchestrator.NewReconciler(logger, orch, &contextProber{engine: e, local: prober}, orchestrator.ReconcilerConfig{
		Spec:        cfg.GetReconcileSpec(),
		Concurrency: opts.ProbeConcurrency,
		Metrics:     opts.Metrics,
	})
	if opts.ConfigFile != "" {
		e.watcher = config.NewWatcher(logger, opts.ConfigFile, opts.Settings, e.applySettings)
	}
	return e
}

// Start seeds settings, starts the player monitor and background jobs.
// It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Engine starting...")

	if len(e.opts.Settings) > 0 {
		if _, err := e.store.Set(ctx, e.opts.Settings); err != nil {
			e.logger.Warn("Could not seed settings from config file", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if err := e.reconciler.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if e.watcher != nil {
		if err := e.watcher.Start(runCtx); err != nil {
			// edits need a restart, nothing else depends on the watcher
			e.logger.Warn("Config file not watched", zap.String("path", e.opts.ConfigFile), zap.Error(err))
			e.watcher = nil
		}
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.players.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Player monitor stopped", zap.Error(err))
		}
	}()
	go func() {
		defer e.wg.Done()
		e.runLoop(runCtx)
	}()
	return nil
}

// runLoop turns player events into agents. Once the startup burst of
// events is drained, every attached context is scanned once.
func (e *Engine) runLoop(ctx context.Context) {
	events := e.players.Events()
	scanned := false

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine loop stopped")
			return

		case ev, ok := <-events:
			if !ok {
				e.logger.Info("Monitor events channel closed")
				return
			}
			switch ev.Kind {
			case monitor.PlayerAdded:
				e.addPlayer(ctx, ev)
			case monitor.PlayerRemoved:
				e.removePlayer(ctx, ev.ContextID)
			}

			if !scanned && len(events) == 0 {
				scanned = true
				e.orch.Scan(ctx, e.bus.Contexts())
			}
		}
	}
}

func (e *Engine) addPlayer(ctx context.Context, ev monitor.PlayerEvent) {
	if ev.Player == nil {
		return
	}
	id := ev.ContextID

	// a player restarting under the same name replaces its old agent
	e.dropSession(id)

	sender := &linkSender{}
	a := agent.New(e.logger, id, ev.Player, sender, e.store, e.notifier, e.opts.Agent)
	link, err := e.bus.Attach(id, a)
	if err != nil {
		e.logger.Warn("Could not attach player", zap.String("context", id), zap.Error(err))
		a.Close()
		return
	}
	sender.link = link

	if err := a.Init(ctx); err != nil {
		if errors.Is(err, agent.ErrBlacklisted) {
			e.logger.Info("Player ignored", zap.String("context", id), zap.Error(err))
		} else {
			e.logger.Warn("Agent init failed", zap.String("context", id), zap.Error(err))
		}
		a.Close()
		link.Close()
		return
	}

	e.mu.Lock()
	e.sessions[id] = &session{agent: a, link: link}
	e.mu.Unlock()
	e.logger.Info("Player attached", zap.String("context", id), zap.String("label", ev.Player.Label()))
}

func (e *Engine) removePlayer(ctx context.Context, id string) {
	if e.dropSession(id) {
		e.logger.Info("Player detached", zap.String("context", id))
	}
	e.orch.Remove(ctx, id)
}

func (e *Engine) dropSession(id string) bool {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.agent.Close()
	s.link.Close()
	return true
}

// local reports whether id is a player driven by this engine
func (e *Engine) local(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	return ok
}

// Sessions lists the local players with a running agent, sorted
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// applySettings stores a batch of edited settings and tells every agent
func (e *Engine) applySettings(ctx context.Context, items map[string]any) {
	if _, err := e.store.Set(ctx, items); err != nil {
		e.logger.Warn("Edited settings not persisted", zap.Error(err))
	}
	if err := e.bus.Broadcast(ctx, protocol.SettingsBroadcast{Items: items}); err != nil {
		e.logger.Warn("Settings broadcast incomplete", zap.Error(err))
	}
	e.logger.Info("Settings reloaded", zap.Int("keys", len(items)))
}

// Reconcile runs one reconciliation pass now
func (e *Engine) Reconcile(ctx context.Context) orchestrator.ReconcileResult {
	return e.reconciler.Run(ctx)
}

// Stop halts background work and closes every agent.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Engine stopping...")

	var errs []error
	if e.watcher != nil {
		errs = append(errs, e.watcher.Stop(ctx))
	}
	errs = append(errs, e.reconciler.Stop(ctx))

	if e.cancel != nil {
		e.cancel()
	}
	errs = append(errs, e.players.Stop(ctx))

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.opts.StopTimeout):
		errs = append(errs, errors.New("engine loop did not stop in time"))
	}

	for _, id := range e.Sessions() {
		e.dropSession(id)
	}
	return errors.Join(errs...)
}

// contextProber answers liveness for every registered context. Local players
// ask the session bus. A remote context is alive while connected; once
// disconnected it is gone only if it announced its unload, otherwise the
// drop is a transport failure and the answer is unknown.
type contextProber struct {
	engine *Engine
	local  domain.LivenessProber
}

func (p *contextProber) Probe(ctx context.Context, id string) (domain.ContextInfo, error) {
	if p.engine.local(id) {
		return p.local.Probe(ctx, id)
	}
	if slices.Contains(p.engine.bus.Contexts(), id) {
		return domain.ContextInfo{Exists: true}, nil
	}
	if p.engine.orch.Departed(id) {
		return domain.ContextInfo{}, nil
	}
	return domain.ContextInfo{}, fmt.Errorf("%w: %s", bus.ErrUnknownContext, id)
}
