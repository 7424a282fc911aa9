package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runtara/core/persistence"
)

// --- Compensation ---

func (s *Store) CountPendingCompensations(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM checkpoints
		WHERE instance_id=? AND compensation_capability IS NOT NULL AND compensation_state <> 'completed'`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count pending compensations %s: %w", instanceID, err)
	}
	return n, nil
}

func (s *Store) AllCompensationsSucceeded(ctx context.Context, instanceID string) (bool, error) {
	n, err := s.CountPendingCompensations(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) LogCompensationAttempt(ctx context.Context, a persistence.CompensationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_attempts (instance_id, checkpoint_id, step_id, success, error_message, attempted_at)
		VALUES (?,?,?,?,?,?)`, a.InstanceID, a.CheckpointID, a.StepID, a.Success, a.ErrorMessage, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: log compensation attempt %s/%s: %w", a.InstanceID, a.CheckpointID, err)
	}
	return nil
}

func (s *Store) SetInstanceCompensationState(ctx context.Context, instanceID string, state persistence.CompensationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET compensation_state=? WHERE instance_id=?`, string(state), instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: set instance compensation state %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) GetCompensationStatus(ctx context.Context, instanceID string) (*persistence.CompensationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state string
	err := s.db.QueryRowContext(ctx, `SELECT compensation_state FROM instances WHERE instance_id=?`, instanceID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get compensation status %s: %w", instanceID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, compensation_state FROM checkpoints
		WHERE instance_id=? AND compensation_capability IS NOT NULL`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list compensatable checkpoints %s: %w", instanceID, err)
	}
	defer rows.Close()

	status := &persistence.CompensationStatus{State: persistence.CompensationState(state)}
	for rows.Next() {
		var checkpointID, cpState string
		if err := rows.Scan(&checkpointID, &cpState); err != nil {
			return nil, fmt.Errorf("sqlite: scan compensatable checkpoint: %w", err)
		}
		status.TotalSteps++
		switch persistence.CompensationState(cpState) {
		case persistence.CompensationCompleted:
			status.CompletedSteps++
		case persistence.CompensationFailed:
			status.FailedSteps++
		default:
			status.PendingCheckpoints = append(status.PendingCheckpoints, checkpointID)
		}
	}
	return status, rows.Err()
}

// --- Maintenance ---

func (s *Store) GetTerminalInstancesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id FROM instances
		WHERE status IN ('completed','failed','cancelled') AND finished_at < ?
		ORDER BY finished_at ASC LIMIT ?`, unixMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get terminal instances older than %s: %w", cutoff, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan terminal instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBatch removes instance_images and every container_* sibling
// row before the instances row itself, per the required cascade
// ordering.
func (s *Store) DeleteBatch(ctx context.Context, instanceIDs []string) (int, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin delete batch: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(instanceIDs)), ",")
	args := make([]any, len(instanceIDs))
	for i, id := range instanceIDs {
		args[i] = id
	}

	for _, table := range []string{"instance_images", "container_heartbeat", "container_cancellation", "container_status", "containers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id IN (`+placeholders+`)`, args...); err != nil {
			return 0, fmt.Errorf("sqlite: delete batch from %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete batch instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: health check: %w", err)
	}
	return nil
}
