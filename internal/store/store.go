// Package store provides the storage interface and implementations for the
// Headroom governance engine. The in-memory store serves local dev and
// tests; the PostgreSQL store serves production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/headroomhq/headroom/pkg/models"
)

// Store is the primary storage interface for the engine. All components
// depend on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	HandleStore
	SnapshotStore
	PolicyStore
	ActionStore
	AuditStore
	ReservationStore
	ChannelStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate prepares the backing schema.
	Migrate(ctx context.Context) error
}

// ── Handle Store ────────────────────────────────────────────

// HandleStore tracks which resource handles the engine monitors.
type HandleStore interface {
	ListHandles(ctx context.Context) ([]models.ResourceHandle, error)
	GetHandle(ctx context.Context, key string) (*models.ResourceHandle, error)
	RegisterHandle(ctx context.Context, handle models.ResourceHandle) error
	DeregisterHandle(ctx context.Context, key string) error
}

// ── Snapshot Store ──────────────────────────────────────────

// SnapshotStore keeps the append-only, time-ordered usage history per
// handle. Snapshots are immutable; PruneSnapshots trims beyond the
// retention window.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap models.Snapshot) error

	// ListSnapshots returns snapshots for the handle since the given time,
	// ordered oldest first.
	ListSnapshots(ctx context.Context, handleKey string, since time.Time) ([]models.Snapshot, error)

	// LatestSnapshot returns the most recent snapshot for the handle.
	LatestSnapshot(ctx context.Context, handleKey string) (*models.Snapshot, error)

	// PruneSnapshots deletes snapshots older than cutoff, returning the
	// number removed.
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Policy Store ────────────────────────────────────────────

// PolicyStore holds operator-owned governance policies. The engine only
// reads; writes come through the API.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]models.Policy, error)
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)

	// FindPolicy resolves the policy governing a handle key: an exact
	// match wins over a pattern match.
	FindPolicy(ctx context.Context, handleKey string) (*models.Policy, error)

	CreatePolicy(ctx context.Context, policy *models.Policy) error
	UpdatePolicy(ctx context.Context, policy *models.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// ── Action Store ────────────────────────────────────────────

// ActionStore owns Action persistence. CreateAction is the engine's
// coalescing point: it must atomically refuse a new action while a
// non-terminal one exists for the same handle, returning ErrConflict.
type ActionStore interface {
	CreateAction(ctx context.Context, action *models.Action) error

	GetAction(ctx context.Context, id string) (*models.Action, error)

	// GetOpenAction returns the non-terminal action for a handle, if any.
	GetOpenAction(ctx context.Context, handleKey string) (*models.Action, error)

	// UpdateActionStatus transitions an action from prev to next,
	// returning ErrConflict if the stored status no longer equals prev.
	UpdateActionStatus(ctx context.Context, id string, prev, next models.ActionStatus, mutate func(*models.Action)) (*models.Action, error)

	// ListActions returns actions for a handle (all handles when key is
	// empty), newest first.
	ListActions(ctx context.Context, handleKey string, limit int) ([]models.Action, error)

	// ListExpiredPending returns pending_approval actions whose expiry
	// passed before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.Action, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is the append-only forensic trail: one record per action
// status transition, queryable by handle and time range.
type AuditStore interface {
	AppendAudit(ctx context.Context, record *models.AuditRecord) error
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)

	// PruneAudit deletes records older than cutoff, returning the number
	// removed. Retention windows come from policy configuration.
	PruneAudit(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Reservation Store ───────────────────────────────────────

// ReservationStore manages the shared regional capacity pools and their
// reservations. UpdatePool is a compare-and-set on PoolRecord.Version;
// a stale version yields ErrConflict, and callers re-read and retry.
type ReservationStore interface {
	GetPool(ctx context.Context, region string, kind models.ResourceKind) (*models.PoolRecord, error)
	UpsertPool(ctx context.Context, pool *models.PoolRecord) error

	// UpdatePool applies the record only if expectVersion matches the
	// stored version, bumping Version on success.
	UpdatePool(ctx context.Context, pool *models.PoolRecord, expectVersion int64) error

	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	UpdateReservation(ctx context.Context, res *models.Reservation) error
	ListReservations(ctx context.Context, region string, kind models.ResourceKind) ([]models.Reservation, error)

	// ListExpiredReservations returns unconsumed reservations past expiry.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]models.Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
}

// ── Channel Store ───────────────────────────────────────────

// ChannelStore persists notification channel configurations.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]models.NotificationChannel, error)
	GetChannel(ctx context.Context, name string) (*models.NotificationChannel, error)
	CreateChannel(ctx context.Context, channel *models.NotificationChannel) error
	UpdateChannel(ctx context.Context, channel *models.NotificationChannel) error
	DeleteChannel(ctx context.Context, name string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an optimistic-concurrency check fails: a
// non-terminal action already covers the handle, a status transition lost
// a race, or a pool update carried a stale version.
type ErrConflict struct {
	Entity string
	Key    string
	Reason string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " conflict on " + e.Key + ": " + e.Reason
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var n *ErrNotFound
	return errors.As(err, &n)
}
