// In-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/headroomhq/headroom/pkg/models"
)

// MemoryStore implements Store with in-memory maps. All state is
// partitioned by handle key, mirroring the engine's concurrency model;
// a single RWMutex guards the maps and the compare-and-set paths.
type MemoryStore struct {
	mu           sync.RWMutex
	handles      map[string]models.ResourceHandle   // key: handle key
	snapshots    map[string][]models.Snapshot       // key: handle key, oldest first
	policies     map[string]*models.Policy          // key: policy id
	actions      map[string]*models.Action          // key: action id
	openActions  map[string]string                  // key: handle key → non-terminal action id
	auditRecords []models.AuditRecord               // append-only
	pools        map[string]*models.PoolRecord      // key: region/kind
	reservations map[string]*models.Reservation     // key: reservation id
	channels     map[string]*models.NotificationChannel // key: name
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handles:      make(map[string]models.ResourceHandle),
		snapshots:    make(map[string][]models.Snapshot),
		policies:     make(map[string]*models.Policy),
		actions:      make(map[string]*models.Action),
		openActions:  make(map[string]string),
		auditRecords: make([]models.AuditRecord, 0),
		pools:        make(map[string]*models.PoolRecord),
		reservations: make(map[string]*models.Reservation),
		channels:     make(map[string]*models.NotificationChannel),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close() error                      { return nil }
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Handles ─────────────────────────────────────────────────

func (m *MemoryStore) ListHandles(ctx context.Context) ([]models.ResourceHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ResourceHandle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemoryStore) GetHandle(ctx context.Context, key string) (*models.ResourceHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "handle", Key: key}
	}
	cp := h
	return &cp, nil
}

func (m *MemoryStore) RegisterHandle(ctx context.Context, handle models.ResourceHandle) error {
	if err := handle.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[handle.Key()] = handle
	return nil
}

func (m *MemoryStore) DeregisterHandle(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[key]; !ok {
		return &ErrNotFound{Entity: "handle", Key: key}
	}
	delete(m.handles, key)
	return nil
}

// ── Snapshots ───────────────────────────────────────────────

func (m *MemoryStore) AppendSnapshot(ctx context.Context, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snap.Handle.Key()
	m.snapshots[key] = append(m.snapshots[key], snap)
	return nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, handleKey string, since time.Time) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Snapshot
	for _, s := range m.snapshots[handleKey] {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, handleKey string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.snapshots[handleKey]
	if len(hist) == 0 {
		return nil, &ErrNotFound{Entity: "snapshot", Key: handleKey}
	}
	cp := hist[len(hist)-1]
	return &cp, nil
}

func (m *MemoryStore) PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for key, hist := range m.snapshots {
		kept := hist[:0]
		for _, s := range hist {
			if s.Timestamp.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, s)
		}
		m.snapshots[key] = kept
	}
	return pruned, nil
}

// ── Policies ────────────────────────────────────────────────

func (m *MemoryStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "policy", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindPolicy(ctx context.Context, handleKey string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *models.Policy
	for _, p := range m.policies {
		if p.Handle == handleKey {
			cp := *p
			return &cp, nil
		}
		if match == nil && p.Matches(handleKey) {
			match = p
		}
	}
	if match == nil {
		return nil, &ErrNotFound{Entity: "policy", Key: handleKey}
	}
	cp := *match
	return &cp, nil
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *policy
	m.policies[policy.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[policy.ID]; !ok {
		return &ErrNotFound{Entity: "policy", Key: policy.ID}
	}
	cp := *policy
	m.policies[policy.ID] = &cp
	return nil
}

func (m *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	delete(m.policies, id)
	return nil
}

// ── Actions ─────────────────────────────────────────────────

// CreateAction persists a new action unless a non-terminal one already
// covers the handle. The check and insert happen under one lock, closing
// the race between evaluation and persistence.
func (m *MemoryStore) CreateAction(ctx context.Context, action *models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := action.Handle.Key()
	if openID, ok := m.openActions[key]; ok {
		if open, exists := m.actions[openID]; exists && !open.Status.IsTerminal() {
			return &ErrConflict{Entity: "action", Key: key, Reason: "non-terminal action " + openID + " already open"}
		}
	}
	cp := *action
	m.actions[action.ID] = &cp
	if !action.Status.IsTerminal() {
		m.openActions[key] = action.ID
	}
	return nil
}

func (m *MemoryStore) GetAction(ctx context.Context, id string) (*models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetOpenAction(ctx context.Context, handleKey string) (*models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.openActions[handleKey]
	if !ok {
		return nil, &ErrNotFound{Entity: "action", Key: handleKey}
	}
	a, exists := m.actions[id]
	if !exists || a.Status.IsTerminal() {
		return nil, &ErrNotFound{Entity: "action", Key: handleKey}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateActionStatus(ctx context.Context, id string, prev, next models.ActionStatus, mutate func(*models.Action)) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	if a.Status != prev {
		return nil, &ErrConflict{Entity: "action", Key: id, Reason: "status is " + string(a.Status) + ", expected " + string(prev)}
	}
	a.Status = next
	if mutate != nil {
		mutate(a)
	}
	if next.IsTerminal() {
		now := time.Now().UTC()
		a.ResolvedAt = &now
		key := a.Handle.Key()
		if m.openActions[key] == id {
			delete(m.openActions, key)
		}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListActions(ctx context.Context, handleKey string, limit int) ([]models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Action
	for _, a := range m.actions {
		if handleKey != "" && a.Handle.Key() != handleKey {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredPending(ctx context.Context, now time.Time) ([]models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Action
	for _, a := range m.actions {
		if a.Status == models.StatusPendingApproval && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditRecords = append(m.auditRecords, *record)
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditRecord
	for _, r := range m.auditRecords {
		if filter.Handle != "" && r.Handle != filter.Handle {
			continue
		}
		if filter.ActionID != "" && r.ActionID != filter.ActionID {
			continue
		}
		if filter.Since != nil && r.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && r.Timestamp.After(*filter.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneAudit(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.auditRecords[:0]
	pruned := 0
	for _, r := range m.auditRecords {
		if r.Timestamp.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.auditRecords = kept
	return pruned, nil
}

// ── Capacity Pool ───────────────────────────────────────────

func (m *MemoryStore) GetPool(ctx context.Context, region string, kind models.ResourceKind) (*models.PoolRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := region + "/" + string(kind)
	p, ok := m.pools[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "pool", Key: key}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertPool(ctx context.Context, pool *models.PoolRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pool
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := m.pools[pool.PoolKey()]; ok {
		cp.Version = existing.Version + 1
	} else {
		cp.Version = 1
	}
	m.pools[pool.PoolKey()] = &cp
	return nil
}

// UpdatePool applies the record only when expectVersion still matches,
// bumping the version stamp. Stale writers get ErrConflict and must
// re-read.
func (m *MemoryStore) UpdatePool(ctx context.Context, pool *models.PoolRecord, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pool.PoolKey()
	existing, ok := m.pools[key]
	if !ok {
		return &ErrNotFound{Entity: "pool", Key: key}
	}
	if existing.Version != expectVersion {
		return &ErrConflict{Entity: "pool", Key: key, Reason: "stale version"}
	}
	cp := *pool
	cp.Version = expectVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	m.pools[key] = &cp
	return nil
}

func (m *MemoryStore) CreateReservation(ctx context.Context, res *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *res
	m.reservations[res.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateReservation(ctx context.Context, res *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[res.ID]; !ok {
		return &ErrNotFound{Entity: "reservation", Key: res.ID}
	}
	cp := *res
	m.reservations[res.ID] = &cp
	return nil
}

func (m *MemoryStore) ListReservations(ctx context.Context, region string, kind models.ResourceKind) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if region != "" && r.Region != region {
			continue
		}
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if !r.Consumed && r.ExpiresAt.Before(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteReservation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[id]; !ok {
		return &ErrNotFound{Entity: "reservation", Key: id}
	}
	delete(m.reservations, id)
	return nil
}

// ── Notification Channels ───────────────────────────────────

func (m *MemoryStore) ListChannels(ctx context.Context) ([]models.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationChannel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, name string) (*models.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "channel", Key: name}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *channel
	m.channels[channel.Name] = &cp
	return nil
}

func (m *MemoryStore) UpdateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channel.Name]; !ok {
		return &ErrNotFound{Entity: "channel", Key: channel.Name}
	}
	cp := *channel
	m.channels[channel.Name] = &cp
	return nil
}

func (m *MemoryStore) DeleteChannel(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; !ok {
		return &ErrNotFound{Entity: "channel", Key: name}
	}
	delete(m.channels, name)
	return nil
}
