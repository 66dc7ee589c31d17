package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/internal/config"
	"github.com/headroomhq/headroom/internal/coordinator"
	"github.com/headroomhq/headroom/internal/forecast"
	"github.com/headroomhq/headroom/internal/policy"
	"github.com/headroomhq/headroom/internal/snapshot"
	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/internal/trend"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

type fakeQuerier struct {
	mu       sync.Mutex
	readings map[string]contracts.CapacityReading
	err      error
}

func (f *fakeQuerier) GetCapacity(ctx context.Context, handle models.ResourceHandle) (contracts.CapacityReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return contracts.CapacityReading{}, f.err
	}
	r, ok := f.readings[handle.Key()]
	if !ok {
		return contracts.CapacityReading{}, errors.New("unknown handle")
	}
	return r, nil
}

type acceptingIncreaser struct{}

func (acceptingIncreaser) RequestIncrease(ctx context.Context, handle models.ResourceHandle, desired float64) (contracts.IncreaseResult, error) {
	return contracts.IncreaseResult{Accepted: true, RequestID: "req-1"}, nil
}

type localTickets struct{}

func (localTickets) CreateTicket(ctx context.Context, handle models.ResourceHandle, justification string, desired float64) (string, error) {
	return "TKT-1", nil
}

type callbackApprovals struct{}

func (callbackApprovals) StartApproval(ctx context.Context, action *models.Action) (string, error) {
	return action.ID, nil
}

type silentNotifier struct{}

func (silentNotifier) Notify(ctx context.Context, event contracts.NotifyEvent) int { return 0 }

// ── Fixture ─────────────────────────────────────────────────

type fixture struct {
	store   *store.MemoryStore
	querier *fakeQuerier
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	q := &fakeQuerier{readings: make(map[string]contracts.CapacityReading)}

	cfg := config.EngineConfig{
		Interval:     time.Minute,
		CycleBudget:  10 * time.Second,
		Workers:      4,
		FetchTimeout: time.Second,
		TrendWindow:  30 * 24 * time.Hour,
		MinSamples:   7,
		SpikeWindow:  10,
		Horizon:      7 * 24 * time.Hour,
	}

	costs := &contracts.StaticCostModel{Rates: map[string]decimal.Decimal{
		string(models.KindInstances): decimal.NewFromInt(10),
	}}

	coord := coordinator.New(s, acceptingIncreaser{}, localTickets{}, callbackApprovals{}, silentNotifier{},
		coordinator.WithRetry(2, time.Millisecond))

	eng := New(cfg, s,
		snapshot.NewProvider(q, s, cfg.FetchTimeout),
		trend.NewAnalyzer(cfg.MinSamples, cfg.SpikeWindow),
		forecast.NewPredictor(cfg.Horizon, 0),
		policy.NewEvaluator(costs),
		coord,
	)
	return &fixture{store: s, querier: q, engine: eng}
}

func (f *fixture) addHandle(t *testing.T, h models.ResourceHandle, usage, limit float64) {
	t.Helper()
	if err := f.store.RegisterHandle(context.Background(), h); err != nil {
		t.Fatalf("RegisterHandle: %v", err)
	}
	f.querier.mu.Lock()
	f.querier.readings[h.Key()] = contracts.CapacityReading{Usage: usage, Limit: limit}
	f.querier.mu.Unlock()
}

func (f *fixture) addPolicy(t *testing.T, pol *models.Policy) {
	t.Helper()
	if err := f.store.CreatePolicy(context.Background(), pol); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
}

func govPolicy(handle string, level models.AutomationLevel) *models.Policy {
	return &models.Policy{
		ID:                 "pol-" + handle,
		Handle:             handle,
		AutomationLevel:    level,
		WarningThreshold:   70,
		CriticalThreshold:  85,
		EmergencyThreshold: 95,
	}
}

var testHandle = models.ResourceHandle{Service: "ec2", LimitID: "L-1216C47A", Region: "us-east-1", Kind: models.KindInstances}

// ── Tests ───────────────────────────────────────────────────

func TestCycleProposesOnBreach(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 96, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))

	stats := f.engine.RunCycle(context.Background())
	if stats.Handles != 1 || stats.Proposed != 1 || stats.Errored != 0 {
		t.Fatalf("stats = %+v, want 1 handle, 1 proposed", stats)
	}

	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Status != models.StatusSucceeded {
		t.Errorf("action status = %q, want succeeded via accepting increaser", actions[0].Status)
	}

	// The cycle recorded the reading.
	snap, err := f.store.LatestSnapshot(context.Background(), testHandle.Key())
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.Usage != 96 {
		t.Errorf("snapshot usage = %v, want 96", snap.Usage)
	}
}

func TestCycleHealthyHandleNoAction(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 50, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))

	stats := f.engine.RunCycle(context.Background())
	if stats.Proposed != 0 || stats.Errored != 0 {
		t.Fatalf("stats = %+v, want no proposals", stats)
	}
}

func TestCycleFetchFailureIsFailSafe(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 96, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))
	f.querier.err = errors.New("provider down")

	stats := f.engine.RunCycle(context.Background())
	if stats.Errored != 1 || stats.Proposed != 0 {
		t.Fatalf("stats = %+v, want 1 errored, 0 proposed", stats)
	}
	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 0 {
		t.Fatal("fetch failure must not produce actions")
	}
}

func TestCycleUngovernedHandleSkipped(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 99, 100)
	// No policy registered.

	stats := f.engine.RunCycle(context.Background())
	if stats.Skipped != 1 || stats.Proposed != 0 {
		t.Fatalf("stats = %+v, want 1 skipped", stats)
	}

	// History is still collected for ungoverned handles.
	if _, err := f.store.LatestSnapshot(context.Background(), testHandle.Key()); err != nil {
		t.Errorf("ungoverned handle missing snapshot: %v", err)
	}
}

func TestHandleIsolation(t *testing.T) {
	f := newFixture(t)
	bad := models.ResourceHandle{Service: "rds", LimitID: "L-BAD", Region: "us-east-1", Kind: models.KindConnections}
	f.addHandle(t, bad, 0, 0)
	f.addHandle(t, testHandle, 96, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))
	f.addPolicy(t, govPolicy(bad.Key(), models.AutomationFullAuto))

	// Remove the bad handle's reading so its fetch fails.
	f.querier.mu.Lock()
	delete(f.querier.readings, bad.Key())
	f.querier.mu.Unlock()

	stats := f.engine.RunCycle(context.Background())
	if stats.Errored != 1 {
		t.Fatalf("stats = %+v, want exactly 1 errored", stats)
	}
	// The healthy handle still got its action.
	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 1 {
		t.Fatalf("sibling failure leaked: got %d actions for good handle, want 1", len(actions))
	}
}

func TestRepeatedCyclesCoalesce(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 96, 100)

	// Approval-gated so the action stays non-terminal across cycles.
	pol := govPolicy(testHandle.Key(), models.AutomationFullAuto)
	pol.RequiresApproval = true
	pol.CostCeiling = decimal.NewFromInt(1) // cost 100*10 >> 1
	f.addPolicy(t, pol)

	f.engine.RunCycle(context.Background())
	f.engine.RunCycle(context.Background())
	f.engine.RunCycle(context.Background())

	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 1 {
		t.Fatalf("got %d actions after 3 cycles, want 1 (coalesced)", len(actions))
	}
	if actions[0].Status != models.StatusPendingApproval {
		t.Errorf("status = %q, want pending_approval", actions[0].Status)
	}
}

func TestRerunAfterSucceededIncreaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 90, 100) // critical breach
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))

	stats := f.engine.RunCycle(context.Background())
	if stats.Proposed != 1 {
		t.Fatalf("first cycle stats = %+v, want 1 proposed", stats)
	}
	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 1 || actions[0].Status != models.StatusSucceeded {
		t.Fatalf("actions = %+v, want one succeeded increase", actions)
	}

	// The provider has accepted but not yet applied the increase: the
	// reading is unchanged. Re-running must not duplicate the request.
	f.engine.RunCycle(context.Background())
	f.engine.RunCycle(context.Background())
	actions, _ = f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 1 {
		t.Fatalf("got %d actions after re-running with an unchanged reading, want 1", len(actions))
	}

	// The limit lands. Governance resumes, and a breach at the new limit
	// produces a fresh action.
	f.querier.mu.Lock()
	f.querier.readings[testHandle.Key()] = contracts.CapacityReading{Usage: 90, Limit: 150}
	f.querier.mu.Unlock()
	stats = f.engine.RunCycle(context.Background())
	if stats.Proposed != 0 {
		t.Fatalf("healthy reading after the limit landed proposed %d actions", stats.Proposed)
	}

	f.querier.mu.Lock()
	f.querier.readings[testHandle.Key()] = contracts.CapacityReading{Usage: 145, Limit: 150}
	f.querier.mu.Unlock()
	stats = f.engine.RunCycle(context.Background())
	if stats.Proposed != 1 {
		t.Fatalf("breach at the new limit stats = %+v, want 1 proposed", stats)
	}
}

func TestEscalationAfterSucceededIncrease(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 90, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))

	f.engine.RunCycle(context.Background())

	// Usage keeps climbing past the emergency threshold while the limit is
	// still unchanged: the worse severity overrides the suppression.
	f.querier.mu.Lock()
	f.querier.readings[testHandle.Key()] = contracts.CapacityReading{Usage: 97, Limit: 100}
	f.querier.mu.Unlock()

	stats := f.engine.RunCycle(context.Background())
	if stats.Proposed != 1 {
		t.Fatalf("escalation cycle stats = %+v, want 1 proposed", stats)
	}
	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2 (original critical plus escalated emergency)", len(actions))
	}
	if actions[0].Severity != models.SeverityEmergency {
		t.Errorf("newest action severity = %q, want emergency", actions[0].Severity)
	}
}

func TestConcurrentCyclesOneOpenAction(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 96, 100)

	pol := govPolicy(testHandle.Key(), models.AutomationFullAuto)
	pol.RequiresApproval = true
	pol.CostCeiling = decimal.NewFromInt(1)
	f.addPolicy(t, pol)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.RunCycle(context.Background())
		}()
	}
	wg.Wait()

	actions, _ := f.store.ListActions(context.Background(), testHandle.Key(), 0)
	open := 0
	for _, a := range actions {
		if !a.Status.IsTerminal() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("%d non-terminal actions after concurrent cycles, want exactly 1", open)
	}
}

func TestCycleExpiresPendingApprovals(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 50, 100)
	f.addPolicy(t, govPolicy(testHandle.Key(), models.AutomationFullAuto))

	past := time.Now().UTC().Add(-time.Minute)
	stale := &models.Action{
		ID:        "stale-1",
		Handle:    testHandle,
		Kind:      models.ActionApprovalPending,
		Severity:  models.SeverityCritical,
		Status:    models.StatusPendingApproval,
		ExpiresAt: &past,
		CreatedAt: past.Add(-time.Hour),
	}
	if err := f.store.CreateAction(context.Background(), stale); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	stats := f.engine.RunCycle(context.Background())
	if stats.Expired != 1 {
		t.Fatalf("expired %d, want 1", stats.Expired)
	}
	got, _ := f.store.GetAction(context.Background(), "stale-1")
	if got.Status != models.StatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

func TestMalformedPolicyIsolatedError(t *testing.T) {
	f := newFixture(t)
	f.addHandle(t, testHandle, 96, 100)
	bad := govPolicy(testHandle.Key(), models.AutomationFullAuto)
	bad.CriticalThreshold = 10 // out of order
	f.addPolicy(t, bad)

	stats := f.engine.RunCycle(context.Background())
	if stats.Errored != 1 || stats.Proposed != 0 {
		t.Fatalf("stats = %+v, want config error counted, no proposal", stats)
	}
}
