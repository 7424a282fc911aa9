package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/runtara/core/persistence"
)

func (s *Store) SaveCheckpoint(ctx context.Context, cp persistence.Checkpoint) (persistence.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("sqlite: begin save checkpoint: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadCheckpointTx(ctx, tx, cp.InstanceID, cp.CheckpointID)
	if err != nil {
		return persistence.Checkpoint{}, false, err
	}
	if existing != nil {
		return *existing, true, tx.Commit()
	}

	var order int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(compensation_order),0)+1 FROM checkpoints WHERE instance_id=?`, cp.InstanceID).Scan(&order); err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("sqlite: next compensation order: %w", err)
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, checkpoint_id, state, created_at, compensation_order, compensation_capability, compensation_input_tpl)
		VALUES (?,?,?,?,?,?,?)`, cp.InstanceID, cp.CheckpointID, cp.State, unixMillis(now), order, cp.CompensationCapability, cp.CompensationInputTpl)
	if err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("sqlite: insert checkpoint %s/%s: %w", cp.InstanceID, cp.CheckpointID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET last_checkpoint_id=? WHERE instance_id=?`, cp.CheckpointID, cp.InstanceID); err != nil {
		return persistence.Checkpoint{}, false, fmt.Errorf("sqlite: stamp last checkpoint: %w", err)
	}
	cp.CreatedAt = now
	cp.CompensationOrder = order
	return cp, false, tx.Commit()
}

func loadCheckpointTx(ctx context.Context, tx *sql.Tx, instanceID, checkpointID string) (*persistence.Checkpoint, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=? AND checkpoint_id=?`, instanceID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load checkpoint %s/%s: %w", instanceID, checkpointID, err)
	}
	return cp, nil
}

func scanCheckpoint(row instanceScanner) (*persistence.Checkpoint, error) {
	var cp persistence.Checkpoint
	var created int64
	var compState string
	if err := row.Scan(&cp.InstanceID, &cp.CheckpointID, &cp.State, &created, &cp.CompensationOrder, &compState, &cp.CompensationCapability, &cp.CompensationInputTpl); err != nil {
		return nil, err
	}
	cp.CreatedAt = fromMillis(created)
	cp.CompensationState = persistence.CompensationState(compState)
	return &cp, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=? AND checkpoint_id=?`, instanceID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load checkpoint %s/%s: %w", instanceID, checkpointID, err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=? ORDER BY compensation_order ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list checkpoints %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) CountCheckpoints(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM checkpoints WHERE instance_id=?`, instanceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count checkpoints %s: %w", instanceID, err)
	}
	return n, nil
}

func (s *Store) GetCompensatableInReverseOrder(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, checkpoint_id, state, created_at, compensation_order, compensation_state, compensation_capability, compensation_input_tpl
		FROM checkpoints WHERE instance_id=? AND compensation_capability IS NOT NULL
		ORDER BY compensation_order DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get compensatable %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan compensatable checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) SetCompensationState(ctx context.Context, instanceID, checkpointID string, state persistence.CompensationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET compensation_state=? WHERE instance_id=? AND checkpoint_id=?`,
		string(state), instanceID, checkpointID)
	if err != nil {
		return fmt.Errorf("sqlite: set compensation state %s/%s: %w", instanceID, checkpointID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
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
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert signal: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT signal_type FROM pending_signals WHERE instance_id=? AND acknowledged_at IS NULL`, instanceID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: lookup pending signal %s: %w", instanceID, err)
	}
	if err == nil && precedence(signalType) < precedence(persistence.SignalType(existing)) {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_signals (instance_id, signal_type, payload, created_at, acknowledged_at)
		VALUES (?,?,?,?,NULL)
		ON CONFLICT (instance_id) DO UPDATE SET signal_type=excluded.signal_type, payload=excluded.payload,
			created_at=excluded.created_at, acknowledged_at=NULL`,
		instanceID, string(signalType), payload, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: insert signal %s: %w", instanceID, err)
	}
	return tx.Commit()
}

func (s *Store) GetPendingSignal(ctx context.Context, instanceID string) (*persistence.PendingSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, signal_type, payload, created_at FROM pending_signals
		WHERE instance_id=? AND acknowledged_at IS NULL`, instanceID)
	var sig persistence.PendingSignal
	var sigType string
	var created int64
	err := row.Scan(&sig.InstanceID, &sigType, &sig.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get pending signal %s: %w", instanceID, err)
	}
	sig.SignalType = persistence.SignalType(sigType)
	sig.CreatedAt = fromMillis(created)
	return &sig, nil
}

func (s *Store) AcknowledgeSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, acknowledged bool) error {
	if !acknowledged {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin ack signal: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM pending_signals WHERE instance_id=? AND signal_type=? AND acknowledged_at IS NULL`,
		instanceID, string(signalType))
	if err != nil {
		return fmt.Errorf("sqlite: ack signal %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return tx.Commit()
	}
	switch signalType {
	case persistence.SignalCancel:
		_, err = tx.ExecContext(ctx, `
			UPDATE instances SET status='cancelled', finished_at=?
			WHERE instance_id=? AND status NOT IN ('completed','failed','cancelled')`, unixMillis(time.Now().UTC()), instanceID)
	case persistence.SignalPause:
		_, err = tx.ExecContext(ctx, `
			UPDATE instances SET status='suspended'
			WHERE instance_id=? AND status NOT IN ('completed','failed','cancelled')`, instanceID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: apply signal transition %s: %w", instanceID, err)
	}
	return tx.Commit()
}

func (s *Store) InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload, created_at, consumed_at)
		VALUES (?,?,?,?,NULL)
		ON CONFLICT (instance_id, checkpoint_id) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at, consumed_at=NULL`,
		instanceID, checkpointID, payload, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: insert custom signal %s/%s: %w", instanceID, checkpointID, err)
	}
	return nil
}

func (s *Store) TakeCustomSignal(ctx context.Context, instanceID, checkpointID string) (*persistence.CustomSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin take custom signal: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT instance_id, checkpoint_id, payload, created_at FROM custom_signals
		WHERE instance_id=? AND checkpoint_id=? AND consumed_at IS NULL`, instanceID, checkpointID)
	var sig persistence.CustomSignal
	var created int64
	err = row.Scan(&sig.InstanceID, &sig.CheckpointID, &sig.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: take custom signal %s/%s: %w", instanceID, checkpointID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM custom_signals WHERE instance_id=? AND checkpoint_id=?`, instanceID, checkpointID); err != nil {
		return nil, fmt.Errorf("sqlite: delete consumed custom signal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit take custom signal: %w", err)
	}
	sig.CreatedAt = fromMillis(created)
	now := time.Now().UTC()
	sig.ConsumedAt = &now
	return &sig, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, ev persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, kind, payload, occurred_at) VALUES (?,?,?,?)`,
		ev.InstanceID, string(ev.Kind), ev.Payload, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: append event %s: %w", ev.InstanceID, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, instanceID string, f persistence.EventFilter) ([]*persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT instance_id, kind, payload, occurred_at FROM events WHERE instance_id=?`
	args := []any{instanceID}
	if f.Kind != nil {
		query += " AND kind=?"
		args = append(args, string(*f.Kind))
	}
	if f.Since != nil {
		query += " AND occurred_at >= ?"
		args = append(args, unixMillis(*f.Since))
	}
	query += " ORDER BY occurred_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events %s: %w", instanceID, err)
	}
	defer rows.Close()
	var out []*persistence.Event
	for rows.Next() {
		var ev persistence.Event
		var kind string
		var occurred int64
		if err := rows.Scan(&ev.InstanceID, &kind, &ev.Payload, &occurred); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.Kind = persistence.EventKind(kind)
		ev.OccurredAt = fromMillis(occurred)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save retry attempt: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_attempts (instance_id, checkpoint_id, attempt, error, recorded_at) VALUES (?,?,?,?,?)`,
		ra.InstanceID, ra.CheckpointID, ra.Attempt, ra.Error, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: insert retry attempt %s/%s: %w", ra.InstanceID, ra.CheckpointID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET attempt=? WHERE instance_id=?`, ra.Attempt, ra.InstanceID); err != nil {
		return fmt.Errorf("sqlite: stamp attempt counter %s: %w", ra.InstanceID, err)
	}
	return tx.Commit()
}

func (s *Store) ListRetryAttempts(ctx context.Context, instanceID, checkpointID string) ([]*persistence.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, checkpoint_id, attempt, error, recorded_at FROM retry_attempts
		WHERE instance_id=? AND checkpoint_id=? ORDER BY recorded_at ASC`, instanceID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list retry attempts %s/%s: %w", instanceID, checkpointID, err)
	}
	defer rows.Close()
	var out []*persistence.RetryAttempt
	for rows.Next() {
		var ra persistence.RetryAttempt
		var recorded int64
		if err := rows.Scan(&ra.InstanceID, &ra.CheckpointID, &ra.Attempt, &ra.Error, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan retry attempt: %w", err)
		}
		ra.RecordedAt = fromMillis(recorded)
		out = append(out, &ra)
	}
	return out, rows.Err()
}
