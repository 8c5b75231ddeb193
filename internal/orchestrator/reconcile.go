package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultReconcileSpec runs a pass every five minutes
const DefaultReconcileSpec = "@every 5m"

// ReconcileResult summarizes one pass
type ReconcileResult struct {
	Checked      int
	Removed      int
	Unknown      int
	Reregistered int
}

// Reconciler periodically confirms every registered context still exists.
// Records are removed only on a confirmed "gone" answer or an origin change;
// a probe that fails is retried on the next pass.
type Reconciler struct {
	logger      *zap.Logger
	orch        *Orchestrator
	prober      domain.LivenessProber
	classifier  domain.Classifier
	metrics     *metrics.Metrics
	spec        string
	concurrency int
	timeout     time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

// ReconcilerConfig tunes a Reconciler. Zero values pick defaults.
type ReconcilerConfig struct {
	Spec        string
	Concurrency int
	Timeout     time.Duration
	Classifier  domain.Classifier
	Metrics     *metrics.Metrics
}

func NewReconciler(logger *zap.Logger, orch *Orchestrator, prober domain.LivenessProber, cfg ReconcilerConfig) *Reconciler {
	if cfg.Spec == "" {
		cfg.Spec = DefaultReconcileSpec
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = domain.AnySource
	}
	return &Reconciler{
		logger:      logger,
		orch:        orch,
		prober:      prober,
		classifier:  cfg.Classifier,
		metrics:     cfg.Metrics,
		spec:        cfg.Spec,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
	}
}

// Start schedules passes according to the cron spec. It returns immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	// passes outlive the start hook's context
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(r.spec, func() { r.Run(runCtx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.spec, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("Reconciler started", zap.String("schedule", r.spec))
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("Reconciler stopped")
	return nil
}

// Run performs a single pass. Overlapping passes are skipped.
func (r *Reconciler) Run(ctx context.Context) ReconcileResult {
	var res ReconcileResult
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("Reconcile pass already running, skipping")
		return res
	}
	defer r.running.Store(false)

	targets := r.orch.targets()
	var removed, unknown, rereg atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			switch r.check(gctx, t) {
			case outcomeRemoved:
				removed.Add(1)
			case outcomeReregistered:
				removed.Add(1)
				rereg.Add(1)
			case outcomeUnknown:
				unknown.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res = ReconcileResult{
		Checked:      len(targets),
		Removed:      int(removed.Load()),
		Unknown:      int(unknown.Load()),
		Reregistered: int(rereg.Load()),
	}
	r.logger.Info("Reconcile pass complete",
		zap.Int("checked", res.Checked),
		zap.Int("removed", res.Removed),
		zap.Int("unknown", res.Unknown),
		zap.Int("reregistered", res.Reregistered))
	return res
}

type outcome int

const (
	outcomeAlive outcome = iota
	outcomeUnknown
	outcomeRemoved
	outcomeReregistered
)

func (r *Reconciler) check(ctx context.Context, t target) outcome {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	info, err := r.prober.Probe(pctx, t.id)
	cancel()

	if err != nil {
		// no answer is not evidence of destruction
		r.metrics.Probe("unknown")
		r.logger.Debug("Liveness probe failed, will retry next pass",
			zap.String("context", t.id), zap.Error(err))
		return outcomeUnknown
	}

	if !info.Exists {
		r.metrics.Probe("gone")
		r.orch.remove(t.id, ReasonGone, "")
		return outcomeRemoved
	}
	r.metrics.Probe("alive")

	if domain.SameOrigin(t.locator, info.Locator) {
		if info.Locator != "" && info.Locator != t.locator {
			r.orch.RegisterOrUpdate(ctx, t.id, info.Locator, info.Label)
		}
		return outcomeAlive
	}

	// The registry may have moved on while the probe was in flight; only
	// remove the record that was actually compared.
	if !r.orch.remove(t.id, ReasonNavigated, t.locator) {
		return outcomeAlive
	}
	if !r.classifier.IsMediaSource(info.Locator) {
		return outcomeRemoved
	}
	r.orch.RegisterOrUpdate(ctx, t.id, info.Locator, info.Label)
	r.orch.Scan(ctx, []string{t.id})
	return outcomeReregistered
}
