// PostgreSQL Store implementation backed by pgxpool.
//
// The one-open-action-per-handle invariant is enforced by a partial unique
// index on (handle_key) over non-terminal statuses, so the coalescing check
// holds even across multiple engine replicas.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations. maxConns
// bounds the connection pool when positive.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS hr_handles (
		handle_key TEXT PRIMARY KEY,
		service    TEXT NOT NULL,
		limit_id   TEXT NOT NULL,
		region     TEXT NOT NULL,
		kind       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hr_snapshots (
		handle_key TEXT NOT NULL,
		service    TEXT NOT NULL,
		limit_id   TEXT NOT NULL,
		region     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		usage      DOUBLE PRECISION NOT NULL,
		limit_val  DOUBLE PRECISION NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hr_snapshots_handle_ts ON hr_snapshots (handle_key, ts);

	CREATE TABLE IF NOT EXISTS hr_policies (
		id          TEXT PRIMARY KEY,
		handle      TEXT NOT NULL,
		doc         JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS hr_actions (
		id              TEXT PRIMARY KEY,
		handle_key      TEXT NOT NULL,
		service         TEXT NOT NULL,
		limit_id        TEXT NOT NULL,
		region          TEXT NOT NULL,
		kind            TEXT NOT NULL,
		action_kind     TEXT NOT NULL,
		severity        TEXT NOT NULL,
		current_limit   DOUBLE PRECISION NOT NULL,
		requested_value DOUBLE PRECISION NOT NULL,
		estimated_cost  NUMERIC NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		ticket_id       TEXT NOT NULL DEFAULT '',
		workflow_id     TEXT NOT NULL DEFAULT '',
		expires_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		resolved_at     TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_hr_actions_open
		ON hr_actions (handle_key)
		WHERE status NOT IN ('succeeded', 'failed', 'denied', 'expired');
	CREATE INDEX IF NOT EXISTS idx_hr_actions_handle ON hr_actions (handle_key, created_at);

	CREATE TABLE IF NOT EXISTS hr_audit (
		id          TEXT PRIMARY KEY,
		action_id   TEXT NOT NULL,
		handle_key  TEXT NOT NULL,
		prev_status TEXT NOT NULL,
		new_status  TEXT NOT NULL,
		actor       TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		ts          TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hr_audit_handle_ts ON hr_audit (handle_key, ts);

	CREATE TABLE IF NOT EXISTS hr_pools (
		region     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		capacity   DOUBLE PRECISION NOT NULL,
		reserved   DOUBLE PRECISION NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (region, kind)
	);

	CREATE TABLE IF NOT EXISTS hr_reservations (
		id         TEXT PRIMARY KEY,
		region     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		amount     DOUBLE PRECISION NOT NULL,
		scenario   TEXT NOT NULL,
		consumed   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hr_reservations_pool ON hr_reservations (region, kind);

	CREATE TABLE IF NOT EXISTS hr_channels (
		name       TEXT PRIMARY KEY,
		doc        JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Handles ─────────────────────────────────────────────────

func (s *PostgresStore) ListHandles(ctx context.Context) ([]models.ResourceHandle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service, limit_id, region, kind FROM hr_handles ORDER BY handle_key`)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()
	var out []models.ResourceHandle
	for rows.Next() {
		var h models.ResourceHandle
		if err := rows.Scan(&h.Service, &h.LimitID, &h.Region, &h.Kind); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHandle(ctx context.Context, key string) (*models.ResourceHandle, error) {
	var h models.ResourceHandle
	err := s.pool.QueryRow(ctx,
		`SELECT service, limit_id, region, kind FROM hr_handles WHERE handle_key = $1`, key).
		Scan(&h.Service, &h.LimitID, &h.Region, &h.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "handle", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get handle: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) RegisterHandle(ctx context.Context, handle models.ResourceHandle) error {
	if err := handle.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_handles (handle_key, service, limit_id, region, kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (handle_key) DO UPDATE SET kind = EXCLUDED.kind`,
		handle.Key(), handle.Service, handle.LimitID, handle.Region, string(handle.Kind))
	if err != nil {
		return fmt.Errorf("register handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeregisterHandle(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_handles WHERE handle_key = $1`, key)
	if err != nil {
		return fmt.Errorf("deregister handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "handle", Key: key}
	}
	return nil
}

// ── Snapshots ───────────────────────────────────────────────

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap models.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_snapshots (handle_key, service, limit_id, region, kind, ts, usage, limit_val)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.Handle.Key(), snap.Handle.Service, snap.Handle.LimitID, snap.Handle.Region,
		string(snap.Handle.Kind), snap.Timestamp, snap.Usage, snap.Limit)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, handleKey string, since time.Time) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, limit_id, region, kind, ts, usage, limit_val
		FROM hr_snapshots WHERE handle_key = $1 AND ts >= $2 ORDER BY ts`,
		handleKey, since)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.Handle.Service, &snap.Handle.LimitID, &snap.Handle.Region,
			&snap.Handle.Kind, &snap.Timestamp, &snap.Usage, &snap.Limit); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, handleKey string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT service, limit_id, region, kind, ts, usage, limit_val
		FROM hr_snapshots WHERE handle_key = $1 ORDER BY ts DESC LIMIT 1`, handleKey).
		Scan(&snap.Handle.Service, &snap.Handle.LimitID, &snap.Handle.Region,
			&snap.Handle.Kind, &snap.Timestamp, &snap.Usage, &snap.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "snapshot", Key: handleKey}
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Policies ────────────────────────────────────────────────
// Policies are stored as JSONB documents; thresholds and automation levels
// evolve faster than a relational schema should.

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM hr_policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []models.Policy
	for rows.Next() {
		var p models.Policy
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	var p models.Policy
	err := s.pool.QueryRow(ctx, `SELECT doc FROM hr_policies WHERE id = $1`, id).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "policy", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) FindPolicy(ctx context.Context, handleKey string) (*models.Policy, error) {
	// Exact match first, then pattern policies evaluated in Go.
	var p models.Policy
	err := s.pool.QueryRow(ctx, `SELECT doc FROM hr_policies WHERE handle = $1`, handleKey).Scan(&p)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find policy: %w", err)
	}
	all, err := s.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Matches(handleKey) {
			return &all[i], nil
		}
	}
	return nil, &ErrNotFound{Entity: "policy", Key: handleKey}
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_policies (id, handle, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET handle = EXCLUDED.handle, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		policy.ID, policy.Handle, policy, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hr_policies SET handle = $2, doc = $3, updated_at = $4 WHERE id = $1`,
		policy.ID, policy.Handle, policy, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "policy", Key: policy.ID}
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	return nil
}

// ── Actions ─────────────────────────────────────────────────

func (s *PostgresStore) CreateAction(ctx context.Context, action *models.Action) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_actions (id, handle_key, service, limit_id, region, kind, action_kind,
			severity, current_limit, requested_value, estimated_cost, status, reason,
			ticket_id, workflow_id, expires_at, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14, $15, $16, $17, $18)`,
		action.ID, action.Handle.Key(), action.Handle.Service, action.Handle.LimitID,
		action.Handle.Region, string(action.Handle.Kind), string(action.Kind),
		string(action.Severity), action.CurrentLimit, action.RequestedValue,
		action.EstimatedCost.String(), string(action.Status), action.Reason,
		action.TicketID, action.WorkflowID, action.ExpiresAt, action.CreatedAt, action.ResolvedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "action", Key: action.Handle.Key(), Reason: "non-terminal action already open"}
	}
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

const actionColumns = `id, service, limit_id, region, kind, action_kind, severity,
	current_limit, requested_value, estimated_cost::text, status, reason,
	ticket_id, workflow_id, expires_at, created_at, resolved_at`

func scanAction(row pgx.Row) (*models.Action, error) {
	var a models.Action
	var cost string
	err := row.Scan(&a.ID, &a.Handle.Service, &a.Handle.LimitID, &a.Handle.Region,
		&a.Handle.Kind, &a.Kind, &a.Severity, &a.CurrentLimit, &a.RequestedValue,
		&cost, &a.Status, &a.Reason, &a.TicketID, &a.WorkflowID,
		&a.ExpiresAt, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	a.EstimatedCost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("parse estimated cost %q: %w", cost, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.Action, error) {
	a, err := scanAction(s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM hr_actions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetOpenAction(ctx context.Context, handleKey string) (*models.Action, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM hr_actions
		WHERE handle_key = $1 AND status NOT IN ('succeeded', 'failed', 'denied', 'expired')`,
		handleKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "action", Key: handleKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get open action: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateActionStatus(ctx context.Context, id string, prev, next models.ActionStatus, mutate func(*models.Action)) (*models.Action, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update action status: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAction(tx.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM hr_actions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update action status: %w", err)
	}
	if a.Status != prev {
		return nil, &ErrConflict{Entity: "action", Key: id,
			Reason: "status is " + string(a.Status) + ", expected " + string(prev)}
	}
	a.Status = next
	if mutate != nil {
		mutate(a)
	}
	if next.IsTerminal() {
		now := time.Now().UTC()
		a.ResolvedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE hr_actions SET status = $2, reason = $3, ticket_id = $4, workflow_id = $5,
			expires_at = $6, resolved_at = $7
		WHERE id = $1`,
		a.ID, string(a.Status), a.Reason, a.TicketID, a.WorkflowID, a.ExpiresAt, a.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("update action status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update action status: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListActions(ctx context.Context, handleKey string, limit int) ([]models.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if handleKey == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+actionColumns+` FROM hr_actions ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+actionColumns+` FROM hr_actions WHERE handle_key = $1 ORDER BY created_at DESC LIMIT $2`,
			handleKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time) ([]models.Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM hr_actions
		WHERE status = 'pending_approval' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_audit (id, action_id, handle_key, prev_status, new_status, actor, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.ActionID, record.Handle, string(record.PrevStatus),
		string(record.NewStatus), record.Actor, record.Detail, record.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	q := `SELECT id, action_id, handle_key, prev_status, new_status, actor, detail, ts FROM hr_audit WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(cond string, v interface{}) {
		n++
		q += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
	}
	if filter.Handle != "" {
		add("handle_key = $%d", filter.Handle)
	}
	if filter.ActionID != "" {
		add("action_id = $%d", filter.ActionID)
	}
	if filter.Since != nil {
		add("ts >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("ts <= $%d", *filter.Until)
	}
	q += " ORDER BY ts"
	if filter.Limit > 0 {
		n++
		q += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		if err := rows.Scan(&r.ID, &r.ActionID, &r.Handle, &r.PrevStatus,
			&r.NewStatus, &r.Actor, &r.Detail, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneAudit(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_audit WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Capacity Pool ───────────────────────────────────────────

func (s *PostgresStore) GetPool(ctx context.Context, region string, kind models.ResourceKind) (*models.PoolRecord, error) {
	var p models.PoolRecord
	err := s.pool.QueryRow(ctx, `
		SELECT region, kind, capacity, reserved, version, updated_at
		FROM hr_pools WHERE region = $1 AND kind = $2`, region, string(kind)).
		Scan(&p.Region, &p.Kind, &p.Capacity, &p.Reserved, &p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "pool", Key: region + "/" + string(kind)}
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPool(ctx context.Context, pool *models.PoolRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_pools (region, kind, capacity, reserved, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (region, kind) DO UPDATE SET
			capacity = EXCLUDED.capacity,
			reserved = EXCLUDED.reserved,
			version = hr_pools.version + 1,
			updated_at = NOW()`,
		pool.Region, string(pool.Kind), pool.Capacity, pool.Reserved)
	if err != nil {
		return fmt.Errorf("upsert pool: %w", err)
	}
	return nil
}

// UpdatePool is a version-guarded write; zero rows affected means another
// writer got there first.
func (s *PostgresStore) UpdatePool(ctx context.Context, pool *models.PoolRecord, expectVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hr_pools SET capacity = $3, reserved = $4, version = version + 1, updated_at = NOW()
		WHERE region = $1 AND kind = $2 AND version = $5`,
		pool.Region, string(pool.Kind), pool.Capacity, pool.Reserved, expectVersion)
	if err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPool(ctx, pool.Region, pool.Kind); getErr != nil {
			return getErr
		}
		return &ErrConflict{Entity: "pool", Key: pool.PoolKey(), Reason: "stale version"}
	}
	return nil
}

func (s *PostgresStore) CreateReservation(ctx context.Context, res *models.Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_reservations (id, region, kind, amount, scenario, consumed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.Region, string(res.Kind), res.Amount, res.Scenario, res.Consumed,
		res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, region, kind, amount, scenario, consumed, created_at, expires_at
		FROM hr_reservations WHERE id = $1`, id).
		Scan(&r.ID, &r.Region, &r.Kind, &r.Amount, &r.Scenario, &r.Consumed, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "reservation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateReservation(ctx context.Context, res *models.Reservation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hr_reservations SET amount = $2, consumed = $3, expires_at = $4 WHERE id = $1`,
		res.ID, res.Amount, res.Consumed, res.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "reservation", Key: res.ID}
	}
	return nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, region string, kind models.ResourceKind) ([]models.Reservation, error) {
	q := `SELECT id, region, kind, amount, scenario, consumed, created_at, expires_at FROM hr_reservations WHERE 1=1`
	args := []interface{}{}
	if region != "" {
		args = append(args, region)
		q += fmt.Sprintf(" AND region = $%d", len(args))
	}
	if kind != "" {
		args = append(args, string(kind))
		q += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.Region, &r.Kind, &r.Amount, &r.Scenario,
			&r.Consumed, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, region, kind, amount, scenario, consumed, created_at, expires_at
		FROM hr_reservations WHERE consumed = FALSE AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.Region, &r.Kind, &r.Amount, &r.Scenario,
			&r.Consumed, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteReservation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_reservations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "reservation", Key: id}
	}
	return nil
}

// ── Notification Channels ───────────────────────────────────

func (s *PostgresStore) ListChannels(ctx context.Context) ([]models.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM hr_channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []models.NotificationChannel
	for rows.Next() {
		var c models.NotificationChannel
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetChannel(ctx context.Context, name string) (*models.NotificationChannel, error) {
	var c models.NotificationChannel
	err := s.pool.QueryRow(ctx, `SELECT doc FROM hr_channels WHERE name = $1`, name).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "channel", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hr_channels (name, doc, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc`,
		channel.Name, channel, channel.CreatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hr_channels SET doc = $2 WHERE name = $1`, channel.Name, channel)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "channel", Key: channel.Name}
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hr_channels WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "channel", Key: name}
	}
	return nil
}
