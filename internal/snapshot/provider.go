// Package snapshot wraps the external capacity query collaborator with a
// bounded timeout and records each successful reading in the handle's
// append-only history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// DefaultFetchTimeout bounds a single capacity query.
const DefaultFetchTimeout = 10 * time.Second

// ErrUnavailable is returned when the provider cannot produce a snapshot
// this cycle (query error or timeout). The engine treats it as "no action
// this cycle" for the handle: fail-safe, not fail-open.
var ErrUnavailable = errors.New("capacity snapshot unavailable")

// Provider fetches capacity snapshots and appends them to history.
type Provider struct {
	querier contracts.CapacityQuerier
	store   store.SnapshotStore
	timeout time.Duration
}

// NewProvider creates a snapshot provider; a zero timeout selects the
// default.
func NewProvider(querier contracts.CapacityQuerier, s store.SnapshotStore, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Provider{querier: querier, store: s, timeout: timeout}
}

// Fetch queries current capacity for the handle under a bounded timeout
// and appends the snapshot to the handle's history. Query failures map to
// ErrUnavailable; a history write failure does not discard the reading,
// since the evaluation downstream is more urgent than the archive.
func (p *Provider) Fetch(ctx context.Context, handle models.ResourceHandle) (models.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reading, err := p.querier.GetCapacity(fetchCtx, handle)
	if err != nil {
		log.Warn().Err(err).Str("handle", handle.Key()).Msg("Capacity query failed")
		return models.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, handle.Key(), err)
	}

	snap := models.Snapshot{
		Handle:    handle,
		Timestamp: time.Now().UTC(),
		Usage:     reading.Usage,
		Limit:     reading.Limit,
	}

	if err := p.store.AppendSnapshot(ctx, snap); err != nil {
		log.Warn().Err(err).Str("handle", handle.Key()).Msg("Failed to append snapshot history")
	}
	return snap, nil
}

// History returns the handle's snapshots within the lookback window,
// oldest first.
func (p *Provider) History(ctx context.Context, handle models.ResourceHandle, lookback time.Duration) ([]models.Snapshot, error) {
	since := time.Now().UTC().Add(-lookback)
	return p.store.ListSnapshots(ctx, handle.Key(), since)
}
