// Package postgres is the primary persistence.Persistence backend,
// grounded on pgx/v5's pool + QueryRow/Exec idiom. It is the backend
// the instance coordinator, environment manager and wake scheduler
// share in a production deployment (spec §4.E: "Shares the
// persistence layer with the coordinator so that the authoritative
// sleep column is a single source of truth").
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/runtara/core/persistence"
)

// Store implements persistence.Persistence over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

var _ persistence.Persistence = (*Store)(nil)

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, log: logrus.WithField("component", "persistence.postgres")}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema applies the DDL idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]any{persistence.ErrNotFound}, args...)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Instances ---

func (s *Store) RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (*persistence.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin register instance: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var startedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, started_at FROM instances WHERE instance_id=$1 FOR UPDATE`, instanceID).Scan(&status, &startedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO instances (instance_id, tenant_id, status, last_checkpoint_id, started_at, max_attempts)
			VALUES ($1,$2,'running',$3,$4,1)`, instanceID, tenantID, checkpointID, now)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert instance %s: %w", instanceID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("postgres: lookup instance %s: %w", instanceID, err)
	default:
		if persistence.InstanceStatus(status).Terminal() {
			return nil, fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, status)
		}
		if startedAt == nil {
			now := time.Now().UTC()
			startedAt = &now
		}
		_, err = tx.Exec(ctx, `
			UPDATE instances SET status='running', started_at=$2,
				last_checkpoint_id = COALESCE($3, last_checkpoint_id)
			WHERE instance_id=$1`, instanceID, startedAt, checkpointID)
		if err != nil {
			return nil, fmt.Errorf("postgres: update instance %s: %w", instanceID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit register instance: %w", err)
	}
	return s.GetInstance(ctx, instanceID)
}

func scanInstance(row pgx.Row) (*persistence.Instance, error) {
	var inst persistence.Instance
	var compState string
	err := row.Scan(&inst.InstanceID, &inst.TenantID, &inst.Status, &inst.LastCheckpointID,
		&inst.Attempt, &inst.MaxAttempts, &inst.CreatedAt, &inst.StartedAt, &inst.FinishedAt,
		&inst.Output, &inst.Error, &inst.SleepUntil, &compState)
	if err != nil {
		return nil, err
	}
	inst.CompensationState = persistence.CompensationState(compState)
	return &inst, nil
}

const instanceColumns = `instance_id, tenant_id, status, last_checkpoint_id, attempt, max_attempts, created_at, started_at, finished_at, output, error, sleep_until, compensation_state`

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*persistence.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id=$1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get instance %s: %w", instanceID, err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, f persistence.InstanceFilter) ([]*persistence.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != nil {
		query += " AND tenant_id = " + arg(*f.TenantID)
	}
	if f.Status != nil {
		query += " AND status = " + arg(string(*f.Status))
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= " + arg(*f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= " + arg(*f.CreatedBefore)
	}
	if f.FinishedAfter != nil {
		query += " AND finished_at >= " + arg(*f.FinishedAfter)
	}
	if f.FinishedBefore != nil {
		query += " AND finished_at <= " + arg(*f.FinishedBefore)
	}
	if f.OrderByCreatedAsc {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instances: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, instanceID string, status persistence.InstanceStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET status=$2
		WHERE instance_id=$1 AND status NOT IN ('completed','failed','cancelled')`, instanceID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update instance status %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notFoundOrTerminal(ctx, instanceID)
	}
	return nil
}

func (s *Store) notFoundOrTerminal(ctx context.Context, instanceID string) error {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, inst.Status)
}

func (s *Store) CompleteInstance(ctx context.Context, instanceID string, status persistence.InstanceStatus, output []byte, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET status=$2, finished_at=now(), output=$3, error=$4
		WHERE instance_id=$1 AND status NOT IN ('completed','failed','cancelled')`,
		instanceID, string(status), output, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: complete instance %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notFoundOrTerminal(ctx, instanceID)
	}
	return nil
}

func (s *Store) SetSleep(ctx context.Context, instanceID string, sleepUntil time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET sleep_until=$2, status='suspended' WHERE instance_id=$1`, instanceID, sleepUntil)
	if err != nil {
		return fmt.Errorf("postgres: set sleep %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) ClearSleep(ctx context.Context, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET sleep_until=NULL WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: clear sleep %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) GetSleepingDue(ctx context.Context, now time.Time, limit int) ([]*persistence.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status='suspended' AND sleep_until IS NOT NULL AND sleep_until <= $1
		ORDER BY sleep_until ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get sleeping due: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sleeping instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp persistence.Checkpoint) (persistence.Checkpoint, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("postgres: begin save checkpoint: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := loadCheckpointTx(ctx, tx, cp.InstanceID, cp.CheckpointID)
	if err != nil {
		return persistence.Checkpoint{}, false, err
	}
	if existing != nil {
		return *existing, true, tx.Commit(ctx)
	}

	var order int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(compensation_order),0)+1 FROM checkpoints WHERE instance_id=$1`, cp.InstanceID).Scan(&order)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("postgres: next compensation order: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (instance_id, checkpoint_id, state, created_at, compensation_order, compensation_capability, compensation_input_tpl)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cp.InstanceID, cp.CheckpointID, cp.State, now, order, cp.CompensationCapability, cp.CompensationInputTpl)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("postgres: insert checkpoint %s/%s: %w", cp.InstanceID, cp.CheckpointID, err)
	}
	_, err = tx.Exec(ctx, `UPDATE instances SET last_checkpoint_id=$2 WHERE instance_id=$1`, cp.InstanceID, cp.CheckpointID)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("postgres: stamp last checkpoint: %w", err)
	}
	cp.CreatedAt = now
	cp.CompensationOrder = order
	return cp, false, tx.Commit(ctx)
}

func loadCheckpointTx(ctx context.Context, tx pgx.Tx, instanceID, checkpointID string) (*persistence.Checkpoint, error) {
	row := tx.QueryRow(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=$1 AND checkpoint_id=$2`, instanceID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load checkpoint %s/%s: %w", instanceID, checkpointID, err)
	}
	return cp, nil
}

func scanCheckpoint(row pgx.Row) (*persistence.Checkpoint, error) {
	var cp persistence.Checkpoint
	var compState string
	if err := row.Scan(&cp.InstanceID, &cp.CheckpointID, &cp.State, &cp.CreatedAt, &cp.CompensationOrder, &compState, &cp.CompensationCapability, &cp.CompensationInputTpl); err != nil {
		return nil, err
	}
	cp.CompensationState = persistence.CompensationState(compState)
	return &cp, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*persistence.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=$1 AND checkpoint_id=$2`, instanceID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load checkpoint %s/%s: %w", instanceID, checkpointID, err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=$1 ORDER BY compensation_order ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) CountCheckpoints(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM checkpoints WHERE instance_id=$1`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count checkpoints %s: %w", instanceID, err)
	}
	return n, nil
}

func (s *Store) GetCompensatableInReverseOrder(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=$1 AND compensation_capability IS NOT NULL
		ORDER BY compensation_order DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get compensatable %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan compensatable checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) SetCompensationState(ctx context.Context, instanceID, checkpointID string, state persistence.CompensationState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints SET compensation_state=$3 WHERE instance_id=$1 AND checkpoint_id=$2`,
		instanceID, checkpointID, string(state))
	if err != nil {
		return fmt.Errorf("postgres: set compensation state %s/%s: %w", instanceID, checkpointID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: checkpoint %s/%s", persistence.ErrNotFound, instanceID, checkpointID)
	}
	return nil
}

// --- Signals ---

func precedence(t persistence.SignalType) int {
	switch t {
	case persistence.SignalCancel:
		return 3
	case persistence.SignalPause:
		return 2
	case persistence.SignalResume:
		return 1
	default:
		return 0
	}
}

func (s *Store) InsertSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, payload []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin insert signal: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `SELECT signal_type FROM pending_signals WHERE instance_id=$1 AND acknowledged_at IS NULL`, instanceID).Scan(&existing)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: lookup pending signal %s: %w", instanceID, err)
	}
	if err == nil && precedence(signalType) < precedence(persistence.SignalType(existing)) {
		return nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO pending_signals (instance_id, signal_type, payload, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (instance_id) DO UPDATE SET signal_type=EXCLUDED.signal_type, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at, acknowledged_at=NULL`,
		instanceID, string(signalType), payload)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", instanceID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetPendingSignal(ctx context.Context, instanceID string) (*persistence.PendingSignal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT instance_id, signal_type, payload, created_at, acknowledged_at
		FROM pending_signals WHERE instance_id=$1 AND acknowledged_at IS NULL`, instanceID)
	var sig persistence.PendingSignal
	var sigType string
	err := row.Scan(&sig.InstanceID, &sigType, &sig.Payload, &sig.CreatedAt, &sig.AcknowledgedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get pending signal %s: %w", instanceID, err)
	}
	sig.SignalType = persistence.SignalType(sigType)
	return &sig, nil
}

func (s *Store) AcknowledgeSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, acknowledged bool) error {
	if !acknowledged {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ack signal: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM pending_signals WHERE instance_id=$1 AND signal_type=$2 AND acknowledged_at IS NULL`,
		instanceID, string(signalType))
	if err != nil {
		return fmt.Errorf("postgres: ack signal %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}
	switch signalType {
	case persistence.SignalCancel:
		_, err = tx.Exec(ctx, `
			UPDATE instances SET status='cancelled', finished_at=now()
			WHERE instance_id=$1 AND status NOT IN ('completed','failed','cancelled')`, instanceID)
	case persistence.SignalPause:
		_, err = tx.Exec(ctx, `
			UPDATE instances SET status='suspended'
			WHERE instance_id=$1 AND status NOT IN ('completed','failed','cancelled')`, instanceID)
	}
	if err != nil {
		return fmt.Errorf("postgres: apply signal transition %s: %w", instanceID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (instance_id, checkpoint_id) DO UPDATE SET payload=EXCLUDED.payload, created_at=EXCLUDED.created_at, consumed_at=NULL`,
		instanceID, checkpointID, payload)
	if err != nil {
		return fmt.Errorf("postgres: insert custom signal %s/%s: %w", instanceID, checkpointID, err)
	}
	return nil
}

func (s *Store) TakeCustomSignal(ctx context.Context, instanceID, checkpointID string) (*persistence.CustomSignal, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM custom_signals WHERE instance_id=$1 AND checkpoint_id=$2 AND consumed_at IS NULL
		RETURNING instance_id, checkpoint_id, payload, created_at`, instanceID, checkpointID)
	var sig persistence.CustomSignal
	err := row.Scan(&sig.InstanceID, &sig.CheckpointID, &sig.Payload, &sig.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: take custom signal %s/%s: %w", instanceID, checkpointID, err)
	}
	now := time.Now().UTC()
	sig.ConsumedAt = &now
	return &sig, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, ev persistence.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (instance_id, kind, payload, occurred_at) VALUES ($1,$2,$3,now())`,
		ev.InstanceID, string(ev.Kind), ev.Payload)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.InstanceID, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, instanceID string, f persistence.EventFilter) ([]*persistence.Event, error) {
	query := `SELECT instance_id, kind, payload, occurred_at FROM events WHERE instance_id=$1`
	args := []any{instanceID}
	if f.Kind != nil {
		args = append(args, string(*f.Kind))
		query += fmt.Sprintf(" AND kind=$%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	query += " ORDER BY occurred_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Event
	for rows.Next() {
		var ev persistence.Event
		var kind string
		if err := rows.Scan(&ev.InstanceID, &kind, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Kind = persistence.EventKind(kind)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, instanceID string, f persistence.EventFilter) (int, error) {
	events, err := s.ListEvents(ctx, instanceID, f)
	return len(events), err
}

// --- Retry ---

func (s *Store) SaveRetryAttempt(ctx context.Context, ra persistence.RetryAttempt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save retry attempt: %w", err)
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO retry_attempts (instance_id, checkpoint_id, attempt, error, recorded_at)
		VALUES ($1,$2,$3,$4,now())`, ra.InstanceID, ra.CheckpointID, ra.Attempt, ra.Error)
	if err != nil {
		return fmt.Errorf("postgres: insert retry attempt %s/%s: %w", ra.InstanceID, ra.CheckpointID, err)
	}
	_, err = tx.Exec(ctx, `UPDATE instances SET attempt=$2 WHERE instance_id=$1`, ra.InstanceID, ra.Attempt)
	if err != nil {
		return fmt.Errorf("postgres: stamp attempt counter %s: %w", ra.InstanceID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListRetryAttempts(ctx context.Context, instanceID, checkpointID string) ([]*persistence.RetryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, checkpoint_id, attempt, error, recorded_at
		FROM retry_attempts WHERE instance_id=$1 AND checkpoint_id=$2 ORDER BY recorded_at ASC`, instanceID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list retry attempts %s/%s: %w", instanceID, checkpointID, err)
	}
	defer rows.Close()
	var out []*persistence.RetryAttempt
	for rows.Next() {
		var ra persistence.RetryAttempt
		if err := rows.Scan(&ra.InstanceID, &ra.CheckpointID, &ra.Attempt, &ra.Error, &ra.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan retry attempt: %w", err)
		}
		out = append(out, &ra)
	}
	return out, rows.Err()
}
