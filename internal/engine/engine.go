// Package engine runs the monitor → predict → decide → act control loop.
// Each cycle enumerates the registered handles, runs the pipeline for each
// on a bounded worker pool under the cycle's wall-clock budget, and then
// performs housekeeping: expiring stale approvals and pruning history past
// retention.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/headroomhq/headroom/internal/config"
	"github.com/headroomhq/headroom/internal/coordinator"
	"github.com/headroomhq/headroom/internal/forecast"
	"github.com/headroomhq/headroom/internal/policy"
	"github.com/headroomhq/headroom/internal/snapshot"
	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/internal/trend"
	"github.com/headroomhq/headroom/pkg/models"
)

// CycleStats summarizes one completed cycle.
type CycleStats struct {
	Handles   int
	Evaluated int
	Proposed  int
	Skipped   int
	Errored   int
	Expired   int
	Elapsed   time.Duration
}

// Engine owns the periodic governance cycle.
type Engine struct {
	cfg       config.EngineConfig
	store     store.Store
	snapshots *snapshot.Provider
	analyzer  *trend.Analyzer
	predictor *forecast.Predictor
	evaluator *policy.Evaluator
	coord     *coordinator.Coordinator
	tracer    trace.Tracer

	mu        sync.Mutex
	lastCycle CycleStats
}

// New wires the engine from its stages.
func New(cfg config.EngineConfig, s store.Store, snapshots *snapshot.Provider, analyzer *trend.Analyzer, predictor *forecast.Predictor, evaluator *policy.Evaluator, coord *coordinator.Coordinator) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     s,
		snapshots: snapshots,
		analyzer:  analyzer,
		predictor: predictor,
		evaluator: evaluator,
		coord:     coord,
		tracer:    otel.Tracer("headroom/engine"),
	}
}

// Run executes cycles on the configured interval until the context ends.
// One cycle runs immediately at startup so a restart does not wait a full
// interval to resume governance.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Info().
		Dur("interval", interval).
		Int("workers", e.workers()).
		Msg("Governance engine started")

	e.RunCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Governance engine stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full governance cycle. Safe to call concurrently
// with a scheduled run: coalescing at the store keeps duplicate proposals
// out, so an overlapping cycle only wastes work, never doubles actions.
func (e *Engine) RunCycle(ctx context.Context) CycleStats {
	budget := e.cfg.CycleBudget
	if budget <= 0 {
		budget = e.cfg.Interval
	}
	if budget <= 0 {
		budget = 5 * time.Minute
	}
	cycleCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cycleCtx, span := e.tracer.Start(cycleCtx, "engine.cycle")
	defer span.End()

	start := time.Now()
	stats := CycleStats{}

	handles, err := e.store.ListHandles(cycleCtx)
	if err != nil {
		log.Error().Err(err).Msg("Cycle aborted: cannot list handles")
		stats.Errored++
		return stats
	}
	stats.Handles = len(handles)

	results := make(chan handleResult, len(handles))
	work := make(chan models.ResourceHandle)

	var wg sync.WaitGroup
	for i := 0; i < e.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range work {
				results <- e.runHandle(cycleCtx, h)
			}
		}()
	}

	for _, h := range handles {
		work <- h
	}
	close(work)
	wg.Wait()
	close(results)

	for r := range results {
		switch {
		case r.err != nil:
			stats.Errored++
		case r.proposed:
			stats.Evaluated++
			stats.Proposed++
		case r.skipped:
			stats.Skipped++
		default:
			stats.Evaluated++
		}
	}

	stats.Expired = e.coord.SweepExpired(cycleCtx, time.Now().UTC())
	e.prune(cycleCtx)

	stats.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("handles", stats.Handles),
		attribute.Int("proposed", stats.Proposed),
		attribute.Int("errored", stats.Errored),
	)
	log.Info().
		Int("handles", stats.Handles).
		Int("evaluated", stats.Evaluated).
		Int("proposed", stats.Proposed).
		Int("skipped", stats.Skipped).
		Int("errored", stats.Errored).
		Int("expired", stats.Expired).
		Dur("elapsed", stats.Elapsed).
		Msg("Governance cycle complete")

	e.mu.Lock()
	e.lastCycle = stats
	e.mu.Unlock()
	return stats
}

// LastCycle returns the stats of the most recent completed cycle.
func (e *Engine) LastCycle() CycleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

type handleResult struct {
	handle   models.ResourceHandle
	proposed bool
	skipped  bool
	err      error
}

// runHandle executes the pipeline for a single handle. Errors are
// contained here: one handle's failure never touches its siblings in the
// cycle.
func (e *Engine) runHandle(ctx context.Context, handle models.ResourceHandle) handleResult {
	ctx, span := e.tracer.Start(ctx, "engine.handle",
		trace.WithAttributes(attribute.String("handle", handle.Key())))
	defer span.End()

	res := handleResult{handle: handle}

	pol, err := e.store.FindPolicy(ctx, handle.Key())
	if err != nil {
		if store.IsNotFound(err) {
			// Ungoverned handle: monitored history only, never acted on.
			if _, ferr := e.snapshots.Fetch(ctx, handle); ferr != nil {
				res.err = ferr
				return res
			}
			res.skipped = true
			return res
		}
		res.err = err
		log.Warn().Err(err).Str("handle", handle.Key()).Msg("Policy lookup failed")
		return res
	}

	current, err := e.snapshots.Fetch(ctx, handle)
	if err != nil {
		// Fail-safe: no reading, no action this cycle.
		res.err = err
		return res
	}

	history, err := e.snapshots.History(ctx, handle, e.cfg.TrendWindow)
	if err != nil {
		log.Warn().Err(err).Str("handle", handle.Key()).Msg("History read failed, using current reading only")
		history = []models.Snapshot{current}
	}

	summary := e.analyzer.Analyze(trend.Window(history, e.cfg.TrendWindow))
	prediction := e.predictor.Predict(current, summary)

	// The evaluator needs the most recent action, open or terminal: an
	// open one coalesces, a succeeded one suppresses re-proposal until
	// the provider's limit moves.
	var last *models.Action
	recent, err := e.store.ListActions(ctx, handle.Key(), 1)
	if err != nil {
		res.err = err
		return res
	}
	if len(recent) > 0 {
		last = &recent[0]
	}

	action, err := e.evaluator.Evaluate(pol, current, prediction, last)
	if err != nil {
		res.err = err
		log.Error().Err(err).
			Str("handle", handle.Key()).
			Str("policy", pol.ID).
			Msg("Policy evaluation failed")
		return res
	}
	if action == nil {
		return res
	}

	if err := e.coord.Propose(ctx, action); err != nil {
		res.err = err
		log.Error().Err(err).
			Str("handle", handle.Key()).
			Str("action", action.ID).
			Msg("Action execution failed")
		return res
	}
	res.proposed = true
	return res
}

// prune trims snapshot history and audit records past their retention
// windows.
func (e *Engine) prune(ctx context.Context) {
	if e.cfg.SnapshotRetention > 0 {
		cutoff := time.Now().UTC().Add(-e.cfg.SnapshotRetention)
		if n, err := e.store.PruneSnapshots(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("Snapshot pruning failed")
		} else if n > 0 {
			log.Info().Int("pruned", n).Msg("Snapshot history pruned")
		}
	}

	cutoff := e.auditCutoff(ctx)
	if cutoff.IsZero() {
		return
	}
	if n, err := e.store.PruneAudit(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("Audit pruning failed")
	} else if n > 0 {
		log.Info().Int("pruned", n).Msg("Audit trail pruned")
	}
}

// auditCutoff derives the audit retention boundary from the longest
// retention any policy declares. No declared retention means audit records
// are kept indefinitely.
func (e *Engine) auditCutoff(ctx context.Context) time.Time {
	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot list policies for audit retention")
		return time.Time{}
	}
	maxDays := 0
	for i := range policies {
		if policies[i].AuditRetentionDays > maxDays {
			maxDays = policies[i].AuditRetentionDays
		}
	}
	if maxDays == 0 {
		return time.Time{}
	}
	return time.Now().UTC().AddDate(0, 0, -maxDays)
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return 8
}
