package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runtara/core/persistence"
)

// --- Compensation ---

func (s *Store) CountPendingCompensations(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM checkpoints
		WHERE instance_id=$1 AND compensation_capability IS NOT NULL AND compensation_state <> 'completed'`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending compensations %s: %w", instanceID, err)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compensation_attempts (instance_id, checkpoint_id, step_id, success, error_message, attempted_at)
		VALUES ($1,$2,$3,$4,$5,now())`, a.InstanceID, a.CheckpointID, a.StepID, a.Success, a.ErrorMessage)
	if err != nil {
		return fmt.Errorf("postgres: log compensation attempt %s/%s: %w", a.InstanceID, a.CheckpointID, err)
	}
	return nil
}

func (s *Store) SetInstanceCompensationState(ctx context.Context, instanceID string, state persistence.CompensationState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET compensation_state=$2 WHERE instance_id=$1`, instanceID, string(state))
	if err != nil {
		return fmt.Errorf("postgres: set instance compensation state %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) GetCompensationStatus(ctx context.Context, instanceID string) (*persistence.CompensationStatus, error) {
	var state string
	err := s.pool.QueryRow(ctx, `SELECT compensation_state FROM instances WHERE instance_id=$1`, instanceID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get compensation status %s: %w", instanceID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT checkpoint_id, compensation_state FROM checkpoints
		WHERE instance_id=$1 AND compensation_capability IS NOT NULL`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list compensatable checkpoints %s: %w", instanceID, err)
	}
	defer rows.Close()

	status := &persistence.CompensationStatus{State: persistence.CompensationState(state)}
	for rows.Next() {
		var checkpointID, cpState string
		if err := rows.Scan(&checkpointID, &cpState); err != nil {
			return nil, fmt.Errorf("postgres: scan compensatable checkpoint: %w", err)
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
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id FROM instances
		WHERE status IN ('completed','failed','cancelled') AND finished_at < $1
		ORDER BY finished_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get terminal instances older than %s: %w", cutoff, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan terminal instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteBatch(ctx context.Context, instanceIDs []string) (int, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin delete batch: %w", err)
	}
	defer tx.Rollback(ctx)

	// instance_images and every container_* table reference
	// instances via ON DELETE CASCADE, but the invariant (§4.B #3)
	// requires they go first regardless of the FK backstop.
	for _, table := range []string{"instance_images", "container_heartbeat", "container_cancellation", "container_status", "containers"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE instance_id = ANY($1)`, instanceIDs); err != nil {
			return 0, fmt.Errorf("postgres: delete batch from %s: %w", table, err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM instances WHERE instance_id = ANY($1)`, instanceIDs)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete batch instances: %w", err)
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}
