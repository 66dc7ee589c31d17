// Package contracts defines the narrow interfaces between the Headroom
// engine and its external collaborators: the cloud provider's capacity
// APIs, the ticketing system, the approval workflow, notification
// transports, and the cost model.
//
// The engine never talks to a vendor SDK directly. Deployments wire real
// adapters (Service Quotas, support-ticket APIs, Slack approvals) behind
// these interfaces in main.go; tests wire fakes.
package contracts

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in pkg/
// so out-of-tree adapters can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Capacity Query ──────────────────────────────────────────

// CapacityReading is the raw usage/limit pair returned by a provider.
type CapacityReading struct {
	Usage float64
	Limit float64
}

// CapacityQuerier reads the current capacity state for a handle.
// Implementations must honor ctx deadlines; the snapshot provider wraps
// every call in a bounded timeout.
type CapacityQuerier interface {
	GetCapacity(ctx context.Context, handle models.ResourceHandle) (CapacityReading, error)
}

// ── Capacity Increase ───────────────────────────────────────

// IncreaseResult reports the provider's response to an increase request.
type IncreaseResult struct {
	Accepted  bool
	RequestID string
}

// CapacityIncreaser submits a limit-increase request to the provider.
// Errors that will never succeed on retry (authorization denied, invalid
// request) must be wrapped in PermanentError so the coordinator skips its
// backoff and goes straight to the ticket fallback.
type CapacityIncreaser interface {
	RequestIncrease(ctx context.Context, handle models.ResourceHandle, desiredValue float64) (IncreaseResult, error)
}

// PermanentError marks a collaborator failure as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ── Ticket Fallback ─────────────────────────────────────────

// TicketCreator files a manual support request when the direct increase
// path is unavailable. The capacity need still exists, so this path must
// not fail silently.
type TicketCreator interface {
	CreateTicket(ctx context.Context, handle models.ResourceHandle, justification string, desiredValue float64) (ticketID string, err error)
}

// ── Approval Workflow ───────────────────────────────────────

// ApprovalStarter triggers the external approval workflow for an action
// and returns an opaque workflow handle. The decision arrives later via
// the engine's approval callback endpoint.
type ApprovalStarter interface {
	StartApproval(ctx context.Context, action *models.Action) (workflowID string, err error)
}

// ApprovalDecision is the outcome delivered to the approval callback.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
)

// ── Notification ────────────────────────────────────────────

// NotifyEvent is the payload delivered to notification channels.
type NotifyEvent struct {
	Severity   models.Severity `json:"severity"`
	Handle     string          `json:"handle"`
	ActionID   string          `json:"action_id,omitempty"`
	ActionKind string          `json:"action_kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message"`
	Recipients []string        `json:"recipients,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ChannelDriver delivers NotifyEvents over one transport kind. The OSS
// build ships the webhook driver; additional drivers register at startup.
type ChannelDriver interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel *models.NotificationChannel, event NotifyEvent) error
}

// ── Cost Model ──────────────────────────────────────────────

// CostModel supplies the per-unit cost rate for a resource kind in a
// region. The engine never derives rates itself; estimated cost is
// (requested - current limit) × rate.
type CostModel interface {
	UnitRate(kind models.ResourceKind, region string) decimal.Decimal
}

// StaticCostModel is a fixed rate table, keyed by kind with an optional
// "kind/region" override.
type StaticCostModel struct {
	Rates map[string]decimal.Decimal
}

// UnitRate returns the region override if present, then the kind rate,
// then zero.
func (m *StaticCostModel) UnitRate(kind models.ResourceKind, region string) decimal.Decimal {
	if r, ok := m.Rates[string(kind)+"/"+region]; ok {
		return r
	}
	if r, ok := m.Rates[string(kind)]; ok {
		return r
	}
	return decimal.Zero
}
