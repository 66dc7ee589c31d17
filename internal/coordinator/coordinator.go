// Package coordinator owns the Action lifecycle: it persists proposals
// under the store's coalescing check, executes them against the external
// capacity collaborators, and writes an audit record for every status
// transition. All lifecycle mutations in the engine flow through here.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// DefaultApprovalExpiry bounds how long a pending approval may wait.
const DefaultApprovalExpiry = time.Hour

// actorEngine attributes automated transitions in the audit trail.
const actorEngine = "engine"

// Notifier is the slice of the notification service the coordinator needs.
type Notifier interface {
	Notify(ctx context.Context, event contracts.NotifyEvent) int
}

// Coordinator drives proposed Actions to a terminal state.
type Coordinator struct {
	store     store.Store
	increaser contracts.CapacityIncreaser
	tickets   contracts.TicketCreator
	approvals contracts.ApprovalStarter
	notifier  Notifier

	approvalExpiry time.Duration
	retryAttempts  int
	retryBase      time.Duration
}

// Option tunes coordinator behavior.
type Option func(*Coordinator)

// WithApprovalExpiry overrides the pending-approval window.
func WithApprovalExpiry(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.approvalExpiry = d
		}
	}
}

// WithRetry overrides the transient-failure retry schedule.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// New creates a coordinator.
func New(s store.Store, increaser contracts.CapacityIncreaser, tickets contracts.TicketCreator, approvals contracts.ApprovalStarter, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          s,
		increaser:      increaser,
		tickets:        tickets,
		approvals:      approvals,
		notifier:       notifier,
		approvalExpiry: DefaultApprovalExpiry,
		retryAttempts:  3,
		retryBase:      2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── Proposal ─────────────────────────────────────────────────

// Propose persists a new action and executes it. The store re-checks the
// one-open-action invariant at write time, closing the race between
// evaluation and persistence; a conflict means another cycle won and the
// proposal is silently coalesced.
func (c *Coordinator) Propose(ctx context.Context, action *models.Action) error {
	if err := c.store.CreateAction(ctx, action); err != nil {
		if store.IsConflict(err) {
			log.Debug().
				Str("handle", action.Handle.Key()).
				Str("kind", string(action.Kind)).
				Msg("Proposal coalesced: action already open for handle")
			return nil
		}
		return fmt.Errorf("persist action: %w", err)
	}

	c.audit(ctx, action, "", models.StatusProposed, actorEngine, action.Reason)
	log.Info().
		Str("action", action.ID).
		Str("handle", action.Handle.Key()).
		Str("kind", string(action.Kind)).
		Str("severity", string(action.Severity)).
		Float64("requested", action.RequestedValue).
		Msg("Action proposed")

	return c.Execute(ctx, action)
}

// ── Execution ────────────────────────────────────────────────

// Execute drives one action from proposed toward a terminal state
// according to its kind.
func (c *Coordinator) Execute(ctx context.Context, action *models.Action) error {
	switch action.Kind {
	case models.ActionAlert:
		return c.executeAlert(ctx, action)
	case models.ActionAutoIncrease, models.ActionEmergencyIncrease, models.ActionPreemptiveIncrease:
		return c.executeIncrease(ctx, action)
	case models.ActionRequestIncrease:
		return c.executeTicketRequest(ctx, action)
	case models.ActionApprovalPending:
		return c.startApproval(ctx, action)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// executeAlert notifies and resolves immediately.
func (c *Coordinator) executeAlert(ctx context.Context, action *models.Action) error {
	c.notifier.Notify(ctx, contracts.NotifyEvent{
		Severity:   action.Severity,
		Handle:     action.Handle.Key(),
		ActionID:   action.ID,
		ActionKind: string(action.Kind),
		Message:    action.Reason,
		Timestamp:  time.Now().UTC(),
	})
	_, err := c.transition(ctx, action, models.StatusProposed, models.StatusSucceeded, actorEngine, "alert delivered", nil)
	return err
}

// executeIncrease calls the capacity increase API with bounded backoff.
// If the provider cannot take the request (permanent error or exhausted
// retries) the capacity need still exists, so it falls back to a manual
// ticket and pending_approval rather than failing.
func (c *Coordinator) executeIncrease(ctx context.Context, action *models.Action) error {
	a, err := c.transition(ctx, action, models.StatusProposed, models.StatusExecuting, actorEngine, "submitting increase request", nil)
	if err != nil {
		return err
	}
	action = a

	result, err := c.requestWithRetry(ctx, action)
	if err != nil {
		log.Warn().Err(err).
			Str("action", action.ID).
			Str("handle", action.Handle.Key()).
			Msg("Increase API failed, falling back to ticket")
		return c.ticketFallback(ctx, action, models.StatusExecuting, err)
	}

	a, err = c.transition(ctx, action, models.StatusExecuting, models.StatusSucceeded, actorEngine,
		fmt.Sprintf("increase accepted, provider request %s", result.RequestID), nil)
	if err != nil {
		return err
	}
	log.Info().
		Str("action", a.ID).
		Str("handle", a.Handle.Key()).
		Float64("requested", a.RequestedValue).
		Str("provider_request", result.RequestID).
		Msg("Capacity increase succeeded")
	return nil
}

// requestWithRetry retries transient increase failures with exponential
// backoff. Permanent errors (authorization denied, invalid request) abort
// immediately.
func (c *Coordinator) requestWithRetry(ctx context.Context, action *models.Action) (contracts.IncreaseResult, error) {
	var result contracts.IncreaseResult

	operation := func() error {
		res, err := c.increaser.RequestIncrease(ctx, action.Handle, action.RequestedValue)
		if err != nil {
			var perm *contracts.PermanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !res.Accepted {
			return backoff.Permanent(fmt.Errorf("increase request rejected by provider"))
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retryAttempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return contracts.IncreaseResult{}, err
	}
	return result, nil
}

// executeTicketRequest goes straight to the manual support path.
func (c *Coordinator) executeTicketRequest(ctx context.Context, action *models.Action) error {
	a, err := c.transition(ctx, action, models.StatusProposed, models.StatusExecuting, actorEngine, "filing increase request", nil)
	if err != nil {
		return err
	}
	return c.ticketFallback(ctx, a, models.StatusExecuting, nil)
}

// ticketFallback files a support ticket and parks the action in
// pending_approval. Only a failed ticket write produces a failed action.
func (c *Coordinator) ticketFallback(ctx context.Context, action *models.Action, from models.ActionStatus, cause error) error {
	justification := action.Reason
	if cause != nil {
		justification = fmt.Sprintf("%s (direct increase failed: %v)", action.Reason, cause)
	}

	ticketID, err := c.tickets.CreateTicket(ctx, action.Handle, justification, action.RequestedValue)
	if err != nil {
		detail := fmt.Sprintf("ticket fallback failed: %v", err)
		if _, terr := c.transition(ctx, action, from, models.StatusFailed, actorEngine, detail, nil); terr != nil {
			return terr
		}
		return fmt.Errorf("ticket fallback: %w", err)
	}

	expires := time.Now().UTC().Add(c.approvalExpiry)
	_, err = c.transition(ctx, action, from, models.StatusPendingApproval, actorEngine,
		"support ticket "+ticketID+" filed", func(a *models.Action) {
			a.TicketID = ticketID
			a.ExpiresAt = &expires
		})
	if err != nil {
		return err
	}
	log.Info().
		Str("action", action.ID).
		Str("handle", action.Handle.Key()).
		Str("ticket", ticketID).
		Msg("Increase routed through ticket fallback")
	return nil
}

// startApproval triggers the external approval workflow and parks the
// action until the callback or the expiry sweep resolves it.
func (c *Coordinator) startApproval(ctx context.Context, action *models.Action) error {
	workflowID, err := c.approvals.StartApproval(ctx, action)
	if err != nil {
		// The approval system itself is down; route through the ticket
		// path so a human still sees the request.
		log.Warn().Err(err).Str("action", action.ID).Msg("Approval workflow trigger failed, falling back to ticket")
		return c.ticketFallback(ctx, action, models.StatusProposed, err)
	}

	expires := time.Now().UTC().Add(c.approvalExpiry)
	_, err = c.transition(ctx, action, models.StatusProposed, models.StatusPendingApproval, actorEngine,
		"approval workflow "+workflowID+" started", func(a *models.Action) {
			a.WorkflowID = workflowID
			a.ExpiresAt = &expires
		})
	return err
}

// ── Approval resolution ──────────────────────────────────────

// ResolveApproval applies an inbound approval decision. Approved actions
// re-execute through the direct increase path; denied ones terminate.
func (c *Coordinator) ResolveApproval(ctx context.Context, actionID string, decision contracts.ApprovalDecision, actor string) (*models.Action, error) {
	action, err := c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != models.StatusPendingApproval {
		return nil, &store.ErrConflict{Entity: "action", Key: actionID,
			Reason: "not awaiting approval (status " + string(action.Status) + ")"}
	}

	switch decision {
	case contracts.DecisionDenied:
		return c.transition(ctx, action, models.StatusPendingApproval, models.StatusDenied, actor, "approval denied", nil)

	case contracts.DecisionApproved:
		a, err := c.transition(ctx, action, models.StatusPendingApproval, models.StatusExecuting, actor, "approval granted", nil)
		if err != nil {
			return nil, err
		}
		result, err := c.requestWithRetry(ctx, a)
		if err != nil {
			if err := c.ticketFallback(ctx, a, models.StatusExecuting, err); err != nil {
				return nil, err
			}
			return c.store.GetAction(ctx, actionID)
		}
		return c.transition(ctx, a, models.StatusExecuting, models.StatusSucceeded, actorEngine,
			fmt.Sprintf("increase accepted after approval, provider request %s", result.RequestID), nil)

	default:
		return nil, fmt.Errorf("unknown approval decision %q", decision)
	}
}

// SweepExpired expires pending approvals whose window has passed. The next
// cycle may re-propose if conditions still warrant.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) int {
	expired, err := c.store.ListExpiredPending(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list expired pending actions")
		return 0
	}
	swept := 0
	for i := range expired {
		a := expired[i]
		if _, err := c.transition(ctx, &a, models.StatusPendingApproval, models.StatusExpired, actorEngine, "approval window elapsed", nil); err != nil {
			log.Warn().Err(err).Str("action", a.ID).Msg("Failed to expire action")
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Info().Int("count", swept).Msg("Expired pending approvals swept")
	}
	return swept
}

// ── Transitions ──────────────────────────────────────────────

// transition moves the action between statuses via the store's
// compare-and-set, appends the audit record, and notifies on terminal
// states.
func (c *Coordinator) transition(ctx context.Context, action *models.Action, from, to models.ActionStatus, actor, detail string, mutate func(*models.Action)) (*models.Action, error) {
	updated, err := c.store.UpdateActionStatus(ctx, action.ID, from, to, mutate)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s→%s: %w", action.ID, from, to, err)
	}

	c.audit(ctx, updated, from, to, actor, detail)

	if to.IsTerminal() {
		c.notifier.Notify(ctx, contracts.NotifyEvent{
			Severity:   updated.Severity,
			Handle:     updated.Handle.Key(),
			ActionID:   updated.ID,
			ActionKind: string(updated.Kind),
			Status:     string(to),
			Message:    fmt.Sprintf("action %s for %s: %s (%s)", updated.Kind, updated.Handle.Key(), to, detail),
			Timestamp:  time.Now().UTC(),
		})
	}
	return updated, nil
}

// audit appends one append-only record per transition. Audit write
// failures are logged loudly but do not abort the transition: the action
// state has already moved and rolling it back would lose the truth.
func (c *Coordinator) audit(ctx context.Context, action *models.Action, prev, next models.ActionStatus, actor, detail string) {
	record := &models.AuditRecord{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		Handle:     action.Handle.Key(),
		PrevStatus: prev,
		NewStatus:  next,
		Actor:      actor,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, record); err != nil {
		log.Error().Err(err).
			Str("action", action.ID).
			Str("transition", string(prev)+"→"+string(next)).
			Msg("AUDIT WRITE FAILED")
	}
}
