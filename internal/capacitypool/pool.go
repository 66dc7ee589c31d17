// Package capacitypool coordinates shared regional headroom pools. Pool
// records carry a version; every mutation is a compare-and-set through the
// store, so concurrent reservation attempts from different coordination
// runs serialize instead of double-allocating.
package capacitypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/models"
)

const (
	// DefaultReservationTTL bounds how long an unconsumed reservation may
	// hold headroom before the sweeper reclaims it.
	DefaultReservationTTL = 4 * time.Hour

	// DefaultSweepInterval is how often expired reservations are reclaimed.
	DefaultSweepInterval = 10 * time.Minute

	// casAttempts bounds the optimistic-concurrency retry loop on pool
	// updates.
	casAttempts = 5
)

// ErrInsufficientCapacity is returned when a pool cannot cover a
// reservation request.
var ErrInsufficientCapacity = errors.New("insufficient pool capacity")

// Ledger mirrors reservation state to a shared fast store so peer regions
// can read pool pressure without hitting the primary database.
type Ledger interface {
	RecordReservation(ctx context.Context, res *models.Reservation) error
	RemoveReservation(ctx context.Context, res *models.Reservation) error
	PoolPressure(ctx context.Context, region string, kind models.ResourceKind) (float64, error)
}

// Manager owns pool and reservation lifecycle.
type Manager struct {
	store          store.ReservationStore
	ledger         Ledger // optional
	reservationTTL time.Duration
}

// NewManager creates a pool manager. ledger may be nil when no shared
// ledger is configured; mirroring is then skipped.
func NewManager(s store.ReservationStore, ledger Ledger, reservationTTL time.Duration) *Manager {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	return &Manager{store: s, ledger: ledger, reservationTTL: reservationTTL}
}

// EnsurePool creates or resizes the pool for a (region, kind).
func (m *Manager) EnsurePool(ctx context.Context, region string, kind models.ResourceKind, capacity float64) error {
	pool := &models.PoolRecord{
		Region:    region,
		Kind:      kind,
		Capacity:  capacity,
		UpdatedAt: time.Now().UTC(),
	}
	if existing, err := m.store.GetPool(ctx, region, kind); err == nil {
		pool.Reserved = existing.Reserved
		pool.Version = existing.Version
	}
	return m.store.UpsertPool(ctx, pool)
}

// Pool returns the current pool record.
func (m *Manager) Pool(ctx context.Context, region string, kind models.ResourceKind) (*models.PoolRecord, error) {
	return m.store.GetPool(ctx, region, kind)
}

// Reserve claims headroom from the regional pool for a failover scenario.
// The reserved amount is re-read and re-checked on every CAS retry, so a
// concurrent reservation that drained the pool surfaces as
// ErrInsufficientCapacity rather than an oversubscribed pool.
func (m *Manager) Reserve(ctx context.Context, region string, kind models.ResourceKind, amount float64, scenario string) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %v", amount)
	}

	if err := m.adjustReserved(ctx, region, kind, amount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := &models.Reservation{
		ID:        uuid.New().String(),
		Region:    region,
		Kind:      kind,
		Amount:    amount,
		Scenario:  scenario,
		CreatedAt: now,
		ExpiresAt: now.Add(m.reservationTTL),
	}
	if err := m.store.CreateReservation(ctx, res); err != nil {
		// Roll the pool back; the claim was never recorded.
		if rbErr := m.adjustReserved(ctx, region, kind, -amount); rbErr != nil {
			log.Error().Err(rbErr).Str("pool", region+"/"+string(kind)).Msg("Pool rollback failed after reservation write error")
		}
		return nil, fmt.Errorf("persist reservation: %w", err)
	}

	m.mirror(ctx, res, false)
	log.Info().
		Str("reservation", res.ID).
		Str("pool", region+"/"+string(kind)).
		Float64("amount", amount).
		Str("scenario", scenario).
		Msg("Pool headroom reserved")
	return res, nil
}

// Release returns an unconsumed reservation's headroom to the pool.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Consumed {
		return &store.ErrConflict{Entity: "reservation", Key: reservationID, Reason: "already consumed"}
	}

	if err := m.adjustReserved(ctx, res.Region, res.Kind, -res.Amount); err != nil {
		return err
	}
	if err := m.store.DeleteReservation(ctx, reservationID); err != nil {
		return err
	}
	m.mirror(ctx, res, true)
	log.Info().Str("reservation", reservationID).Msg("Pool reservation released")
	return nil
}

// Consume marks a reservation as used by its failover scenario. The
// headroom leaves both the reserved and total capacity of the pool: it is
// now real provisioned usage, not shared slack.
func (m *Manager) Consume(ctx context.Context, reservationID string) error {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Consumed {
		return &store.ErrConflict{Entity: "reservation", Key: reservationID, Reason: "already consumed"}
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		pool, err := m.store.GetPool(ctx, res.Region, res.Kind)
		if err != nil {
			return err
		}
		updated := *pool
		updated.Reserved -= res.Amount
		updated.Capacity -= res.Amount
		if updated.Reserved < 0 {
			updated.Reserved = 0
		}
		updated.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdatePool(ctx, &updated, pool.Version); err != nil {
			if store.IsConflict(err) {
				continue
			}
			return err
		}
		res.Consumed = true
		if err := m.store.UpdateReservation(ctx, res); err != nil {
			return err
		}
		m.mirror(ctx, res, true)
		log.Info().
			Str("reservation", reservationID).
			Str("scenario", res.Scenario).
			Float64("amount", res.Amount).
			Msg("Pool reservation consumed")
		return nil
	}
	return &store.ErrConflict{Entity: "pool", Key: res.Region + "/" + string(res.Kind), Reason: "version contention exhausted retries"}
}

// Sweep reclaims expired unconsumed reservations, returning the count.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	expired, err := m.store.ListExpiredReservations(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list expired reservations")
		return 0
	}
	reclaimed := 0
	for i := range expired {
		res := expired[i]
		if err := m.Release(ctx, res.ID); err != nil {
			log.Warn().Err(err).Str("reservation", res.ID).Msg("Failed to reclaim expired reservation")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		log.Info().Int("count", reclaimed).Msg("Expired pool reservations reclaimed")
	}
	return reclaimed
}

// RunSweeper reclaims expired reservations on the interval until the
// context ends. Runs one sweep immediately at startup.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Info().Dur("interval", interval).Msg("Pool reservation sweeper started")

	m.Sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Pool reservation sweeper stopped")
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now.UTC())
		}
	}
}

// adjustReserved applies a signed delta to the pool's reserved amount
// under the version check, retrying on contention.
func (m *Manager) adjustReserved(ctx context.Context, region string, kind models.ResourceKind, delta float64) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		pool, err := m.store.GetPool(ctx, region, kind)
		if err != nil {
			return err
		}
		if delta > 0 && pool.Available() < delta {
			return fmt.Errorf("%w: pool %s/%s has %v available, need %v",
				ErrInsufficientCapacity, region, kind, pool.Available(), delta)
		}
		updated := *pool
		updated.Reserved += delta
		if updated.Reserved < 0 {
			updated.Reserved = 0
		}
		updated.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdatePool(ctx, &updated, pool.Version); err != nil {
			if store.IsConflict(err) {
				continue
			}
			return err
		}
		return nil
	}
	return &store.ErrConflict{Entity: "pool", Key: region + "/" + string(kind), Reason: "version contention exhausted retries"}
}

// mirror writes reservation state to the shared ledger. Ledger failures
// never fail the operation; the store remains the source of truth.
func (m *Manager) mirror(ctx context.Context, res *models.Reservation, remove bool) {
	if m.ledger == nil {
		return
	}
	var err error
	if remove {
		err = m.ledger.RemoveReservation(ctx, res)
	} else {
		err = m.ledger.RecordReservation(ctx, res)
	}
	if err != nil {
		log.Warn().Err(err).Str("reservation", res.ID).Msg("Pool ledger mirror failed")
	}
}
