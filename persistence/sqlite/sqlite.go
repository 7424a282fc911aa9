// Package sqlite is the pure-Go embedded persistence.Persistence
// backend (modernc.org/sqlite, no cgo) used for single-node
// deployments and the test harness. It mirrors persistence/postgres's
// schema and semantics with SQLite syntax.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runtara/core/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, status TEXT NOT NULL,
	last_checkpoint_id TEXT, attempt INTEGER NOT NULL DEFAULT 0, max_attempts INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL, started_at INTEGER, finished_at INTEGER,
	output BLOB, error TEXT, sleep_until INTEGER, compensation_state TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
	instance_id TEXT NOT NULL, checkpoint_id TEXT NOT NULL, state BLOB NOT NULL, created_at INTEGER NOT NULL,
	compensation_order INTEGER NOT NULL, compensation_state TEXT NOT NULL DEFAULT '',
	compensation_capability TEXT, compensation_input_tpl BLOB,
	PRIMARY KEY (instance_id, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS pending_signals (
	instance_id TEXT PRIMARY KEY, signal_type TEXT NOT NULL, payload BLOB, created_at INTEGER NOT NULL, acknowledged_at INTEGER
);
CREATE TABLE IF NOT EXISTS custom_signals (
	instance_id TEXT NOT NULL, checkpoint_id TEXT NOT NULL, payload BLOB, created_at INTEGER NOT NULL, consumed_at INTEGER,
	PRIMARY KEY (instance_id, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT, instance_id TEXT NOT NULL, kind TEXT NOT NULL, payload BLOB, occurred_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS retry_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT, instance_id TEXT NOT NULL, checkpoint_id TEXT NOT NULL,
	attempt INTEGER NOT NULL, error TEXT, recorded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	image_id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, name TEXT NOT NULL, description TEXT,
	binary_path TEXT NOT NULL, bundle_path TEXT, runner_type TEXT NOT NULL DEFAULT 'oci',
	created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, metadata BLOB, sha256 TEXT,
	UNIQUE (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS instance_images (
	instance_id TEXT, image_id TEXT, PRIMARY KEY (instance_id, image_id)
);
CREATE TABLE IF NOT EXISTS containers (
	instance_id TEXT PRIMARY KEY, container_id TEXT NOT NULL, tenant_id TEXT NOT NULL,
	binary_path TEXT NOT NULL, bundle_path TEXT, started_at INTEGER NOT NULL, pid INTEGER, timeout_secs INTEGER
);
CREATE TABLE IF NOT EXISTS container_status (
	instance_id TEXT PRIMARY KEY, status TEXT NOT NULL, updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS container_cancellation (
	instance_id TEXT PRIMARY KEY, reason TEXT NOT NULL, grace_secs INTEGER NOT NULL, requested_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS container_heartbeat (
	instance_id TEXT PRIMARY KEY, last_beat INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS compensation_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT, instance_id TEXT NOT NULL, checkpoint_id TEXT NOT NULL,
	step_id TEXT NOT NULL, success INTEGER NOT NULL, error_message TEXT, attempted_at INTEGER NOT NULL
);
`

// Store implements persistence.Persistence over modernc.org/sqlite. A
// single mutex serializes writers; SQLite's own file lock already
// forces this, but guarding in-process avoids "database is locked"
// retries under concurrent coordinator goroutines.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ persistence.Persistence = (*Store)(nil)

// Open opens (creating if absent) a SQLite database at path. Use
// ":memory:" for ephemeral test databases.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func unixMillis(t time.Time) int64 { return t.UnixMilli() }
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func (s *Store) RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin register instance: %w", err)
	}
	defer tx.Rollback()

	var status string
	var startedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM instances WHERE instance_id=?`, instanceID).Scan(&status, &startedAt)
	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO instances (instance_id, tenant_id, status, last_checkpoint_id, created_at, started_at, max_attempts)
			VALUES (?,?,'running',?,?,?,1)`, instanceID, tenantID, checkpointID, unixMillis(now), unixMillis(now))
		if err != nil {
			return nil, fmt.Errorf("sqlite: insert instance %s: %w", instanceID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("sqlite: lookup instance %s: %w", instanceID, err)
	default:
		if persistence.InstanceStatus(status).Terminal() {
			return nil, fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, status)
		}
		startMs := unixMillis(now)
		if startedAt.Valid {
			startMs = startedAt.Int64
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE instances SET status='running', started_at=?,
				last_checkpoint_id = COALESCE(?, last_checkpoint_id)
			WHERE instance_id=?`, startMs, checkpointID, instanceID)
		if err != nil {
			return nil, fmt.Errorf("sqlite: update instance %s: %w", instanceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit register instance: %w", err)
	}
	return s.GetInstance(ctx, instanceID)
}

const instanceColumns = `instance_id, tenant_id, status, last_checkpoint_id, attempt, max_attempts, created_at, started_at, finished_at, output, error, sleep_until, compensation_state`

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*persistence.Instance, error) {
	var inst persistence.Instance
	var created int64
	var started, finished, sleepUntil sql.NullInt64
	var compState string
	if err := row.Scan(&inst.InstanceID, &inst.TenantID, &inst.Status, &inst.LastCheckpointID,
		&inst.Attempt, &inst.MaxAttempts, &created, &started, &finished, &inst.Output, &inst.Error, &sleepUntil, &compState); err != nil {
		return nil, err
	}
	inst.CreatedAt = fromMillis(created)
	if started.Valid {
		t := fromMillis(started.Int64)
		inst.StartedAt = &t
	}
	if finished.Valid {
		t := fromMillis(finished.Int64)
		inst.FinishedAt = &t
	}
	if sleepUntil.Valid {
		t := fromMillis(sleepUntil.Int64)
		inst.SleepUntil = &t
	}
	inst.CompensationState = persistence.CompensationState(compState)
	return &inst, nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id=?`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get instance %s: %w", instanceID, err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, f persistence.InstanceFilter) ([]*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`
	var args []any
	if f.TenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, *f.TenantID)
	}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= ?"
		args = append(args, unixMillis(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= ?"
		args = append(args, unixMillis(*f.CreatedBefore))
	}
	if f.OrderByCreatedAsc {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, instanceID string, status persistence.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status=? WHERE instance_id=? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: update instance status %s: %w", instanceID, err)
	}
	return s.checkAffected(ctx, res, instanceID)
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, instanceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id=?`, instanceID)
	var status string
	if err := row.Scan(&status); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	} else if err != nil {
		return fmt.Errorf("sqlite: lookup instance %s: %w", instanceID, err)
	}
	return fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, status)
}

func (s *Store) CompleteInstance(ctx context.Context, instanceID string, status persistence.InstanceStatus, output []byte, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status=?, finished_at=?, output=?, error=?
		WHERE instance_id=? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), unixMillis(time.Now().UTC()), output, errMsg, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: complete instance %s: %w", instanceID, err)
	}
	return s.checkAffected(ctx, res, instanceID)
}

func (s *Store) SetSleep(ctx context.Context, instanceID string, sleepUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET sleep_until=?, status='suspended' WHERE instance_id=?`, unixMillis(sleepUntil), instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: set sleep %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) ClearSleep(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET sleep_until=NULL WHERE instance_id=?`, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: clear sleep %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) GetSleepingDue(ctx context.Context, now time.Time, limit int) ([]*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status='suspended' AND sleep_until IS NOT NULL AND sleep_until <= ?
		ORDER BY sleep_until ASC LIMIT ?`, unixMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get sleeping due: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan sleeping instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
