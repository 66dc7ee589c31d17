package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

type fakeIncreaser struct {
	mu    sync.Mutex
	calls int
	// errs are returned in order; past the end every call succeeds.
	errs []error
}

func (f *fakeIncreaser) RequestIncrease(ctx context.Context, handle models.ResourceHandle, desired float64) (contracts.IncreaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return contracts.IncreaseResult{}, f.errs[idx]
	}
	return contracts.IncreaseResult{Accepted: true, RequestID: fmt.Sprintf("req-%d", idx)}, nil
}

func (f *fakeIncreaser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTickets struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTickets) CreateTicket(ctx context.Context, handle models.ResourceHandle, justification string, desired float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("TKT-%d", f.calls), nil
}

type fakeApprovals struct {
	err error
}

func (f *fakeApprovals) StartApproval(ctx context.Context, action *models.Action) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "wf-" + action.ID, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []contracts.NotifyEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, event contracts.NotifyEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return 1
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// ── Helpers ─────────────────────────────────────────────────

type fixture struct {
	store     *store.MemoryStore
	increaser *fakeIncreaser
	tickets   *fakeTickets
	approvals *fakeApprovals
	notifier  *fakeNotifier
	coord     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		increaser: &fakeIncreaser{},
		tickets:   &fakeTickets{},
		approvals: &fakeApprovals{},
		notifier:  &fakeNotifier{},
	}
	f.coord = New(f.store, f.increaser, f.tickets, f.approvals, f.notifier,
		WithRetry(3, time.Millisecond),
		WithApprovalExpiry(time.Hour),
	)
	return f
}

func newAction(kind models.ActionKind) *models.Action {
	return &models.Action{
		ID:             uuid.New().String(),
		Handle:         models.ResourceHandle{Service: "ec2", LimitID: "L-1", Region: "us-east-1", Kind: models.KindInstances},
		Kind:           kind,
		Severity:       models.SeverityCritical,
		CurrentLimit:   100,
		RequestedValue: 150,
		Status:         models.StatusProposed,
		Reason:         "utilization breach",
		CreatedAt:      time.Now().UTC(),
	}
}

func auditStatuses(t *testing.T, s *store.MemoryStore, actionID string) []models.ActionStatus {
	t.Helper()
	records, err := s.ListAudit(context.Background(), models.AuditFilter{ActionID: actionID})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	out := make([]models.ActionStatus, len(records))
	for i, r := range records {
		out[i] = r.NewStatus
	}
	return out
}

// ── Tests ───────────────────────────────────────────────────

func TestAlertResolvesImmediately(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionAlert)
	a.Severity = models.SeverityWarning
	a.RequestedValue = 0

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, err := f.store.GetAction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Status != models.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
	if f.notifier.count() < 1 {
		t.Error("alert produced no notification")
	}

	want := []models.ActionStatus{models.StatusProposed, models.StatusSucceeded}
	got2 := auditStatuses(t, f.store, a.ID)
	if len(got2) != len(want) {
		t.Fatalf("audit trail = %v, want %v", got2, want)
	}
}

func TestIncreaseSucceeds(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionAutoIncrease)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
	if f.increaser.callCount() != 1 {
		t.Errorf("increaser called %d times, want 1", f.increaser.callCount())
	}

	want := []models.ActionStatus{models.StatusProposed, models.StatusExecuting, models.StatusSucceeded}
	trail := auditStatuses(t, f.store, a.ID)
	if len(trail) != len(want) {
		t.Fatalf("audit trail = %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("audit trail = %v, want %v", trail, want)
		}
	}
}

func TestIncreaseRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.increaser.errs = []error{errors.New("throttled"), errors.New("throttled")}
	a := newAction(models.ActionEmergencyIncrease)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusSucceeded {
		t.Errorf("status = %q, want succeeded after retries", got.Status)
	}
	if f.increaser.callCount() != 3 {
		t.Errorf("increaser called %d times, want 3", f.increaser.callCount())
	}
}

func TestPermanentErrorSkipsRetryFallsBackToTicket(t *testing.T) {
	f := newFixture(t)
	f.increaser.errs = []error{
		&contracts.PermanentError{Err: errors.New("authorization denied")},
		&contracts.PermanentError{Err: errors.New("authorization denied")},
		&contracts.PermanentError{Err: errors.New("authorization denied")},
	}
	a := newAction(models.ActionAutoIncrease)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	// The capacity need persists: a provider refusal parks the action for
	// a human, it never fails it.
	if got.Status != models.StatusPendingApproval {
		t.Errorf("status = %q, want pending_approval", got.Status)
	}
	if got.TicketID == "" {
		t.Error("ticket fallback did not record a ticket ID")
	}
	if got.ExpiresAt == nil {
		t.Error("pending action has no expiry")
	}
	if f.increaser.callCount() != 1 {
		t.Errorf("increaser called %d times, want 1 (no retry on permanent error)", f.increaser.callCount())
	}
}

func TestExhaustedRetriesFallBackToTicket(t *testing.T) {
	f := newFixture(t)
	f.increaser.errs = []error{
		errors.New("unavailable"), errors.New("unavailable"), errors.New("unavailable"),
		errors.New("unavailable"), errors.New("unavailable"),
	}
	a := newAction(models.ActionAutoIncrease)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusPendingApproval {
		t.Errorf("status = %q, want pending_approval after exhausted retries", got.Status)
	}
	if f.increaser.callCount() != 3 {
		t.Errorf("increaser called %d times, want 3", f.increaser.callCount())
	}
}

func TestTicketFailureFailsAction(t *testing.T) {
	f := newFixture(t)
	f.increaser.errs = []error{&contracts.PermanentError{Err: errors.New("denied")}}
	f.tickets.err = errors.New("ticketing down")
	a := newAction(models.ActionAutoIncrease)

	if err := f.coord.Propose(context.Background(), a); err == nil {
		t.Fatal("expected error when both increase and ticket paths fail")
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestRequestIncreaseGoesToTicket(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionRequestIncrease)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusPendingApproval {
		t.Errorf("status = %q, want pending_approval", got.Status)
	}
	if got.TicketID == "" {
		t.Error("no ticket filed for request_increase")
	}
	if f.increaser.callCount() != 0 {
		t.Error("request_increase must not hit the direct increase API")
	}
}

func TestApprovalFlowApproved(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionApprovalPending)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	pending, _ := f.store.GetAction(context.Background(), a.ID)
	if pending.Status != models.StatusPendingApproval {
		t.Fatalf("status = %q, want pending_approval", pending.Status)
	}
	if pending.WorkflowID == "" {
		t.Fatal("no workflow ID recorded")
	}

	resolved, err := f.coord.ResolveApproval(context.Background(), a.ID, contracts.DecisionApproved, "alice@example.com")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resolved.Status != models.StatusSucceeded {
		t.Errorf("status = %q, want succeeded after approval", resolved.Status)
	}
	if f.increaser.callCount() != 1 {
		t.Errorf("increaser called %d times, want 1", f.increaser.callCount())
	}

	// The approver is in the audit trail.
	records, _ := f.store.ListAudit(context.Background(), models.AuditFilter{ActionID: a.ID})
	foundActor := false
	for _, r := range records {
		if r.Actor == "alice@example.com" {
			foundActor = true
		}
	}
	if !foundActor {
		t.Error("approval actor missing from audit trail")
	}
}

func TestApprovalFlowDenied(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionApprovalPending)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	resolved, err := f.coord.ResolveApproval(context.Background(), a.ID, contracts.DecisionDenied, "bob@example.com")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resolved.Status != models.StatusDenied {
		t.Errorf("status = %q, want denied", resolved.Status)
	}
	if f.increaser.callCount() != 0 {
		t.Error("denied action must not request capacity")
	}
}

func TestResolveApprovalRejectsWrongState(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionAutoIncrease)
	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// Action already succeeded; a late callback must not re-execute it.
	if _, err := f.coord.ResolveApproval(context.Background(), a.ID, contracts.DecisionApproved, "alice"); !store.IsConflict(err) {
		t.Fatalf("expected conflict for non-pending action, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionApprovalPending)

	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	swept := f.coord.SweepExpired(context.Background(), time.Now().UTC().Add(2*time.Hour))
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}
	got, _ := f.store.GetAction(context.Background(), a.ID)
	if got.Status != models.StatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}

	// The handle is free again after expiry.
	if err := f.coord.Propose(context.Background(), newAction(models.ActionAutoIncrease)); err != nil {
		t.Fatalf("Propose after expiry: %v", err)
	}
}

func TestProposeCoalescesConflict(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionApprovalPending)
	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// Second proposal for the same handle is silently coalesced.
	dup := newAction(models.ActionAutoIncrease)
	if err := f.coord.Propose(context.Background(), dup); err != nil {
		t.Fatalf("Propose duplicate: %v", err)
	}
	if _, err := f.store.GetAction(context.Background(), dup.ID); !store.IsNotFound(err) {
		t.Error("coalesced proposal must not be persisted")
	}
	if f.increaser.callCount() != 0 {
		t.Error("coalesced proposal must not execute")
	}
}

func TestTerminalStatesNotify(t *testing.T) {
	f := newFixture(t)
	a := newAction(models.ActionAutoIncrease)
	if err := f.coord.Propose(context.Background(), a); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	found := false
	f.notifier.mu.Lock()
	for _, e := range f.notifier.events {
		if e.Status == string(models.StatusSucceeded) && e.ActionID == a.ID {
			found = true
		}
	}
	f.notifier.mu.Unlock()
	if !found {
		t.Error("no terminal-state notification for succeeded action")
	}
}
