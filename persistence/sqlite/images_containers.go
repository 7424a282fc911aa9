package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runtara/core/persistence"
)

// --- Images ---

func (s *Store) UpsertImage(ctx context.Context, img persistence.Image) (persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.ImageID == "" {
		img.ImageID = uuid.NewString()
	}
	if img.RunnerType == "" {
		img.RunnerType = persistence.RunnerOCI
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.Image{}, fmt.Errorf("sqlite: begin upsert image: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	var createdAt int64
	err = tx.QueryRowContext(ctx, `SELECT image_id, created_at FROM images WHERE tenant_id=? AND name=?`, img.TenantID, img.Name).Scan(&existingID, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO images (image_id, tenant_id, name, description, binary_path, bundle_path, runner_type, created_at, updated_at, metadata, sha256)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			img.ImageID, img.TenantID, img.Name, img.Description, img.BinaryPath, img.BundlePath,
			string(img.RunnerType), unixMillis(now), unixMillis(now), img.Metadata, img.SHA256)
		if err != nil {
			return persistence.Image{}, fmt.Errorf("sqlite: insert image %s/%s: %w", img.TenantID, img.Name, err)
		}
		img.CreatedAt = now
	default:
		if err != nil {
			return persistence.Image{}, fmt.Errorf("sqlite: lookup image %s/%s: %w", img.TenantID, img.Name, err)
		}
		// A caller re-registering the same (tenant_id, name) supplies a
		// fresh image_id and the row's identity moves with it (§8 S6);
		// a caller patching metadata in place passes the existing id
		// back unchanged, so this is a no-op rename in that case.
		_, err = tx.ExecContext(ctx, `
			UPDATE images SET image_id=?, description=?, binary_path=?, bundle_path=?, runner_type=?, updated_at=?, metadata=?, sha256=?
			WHERE image_id=?`,
			img.ImageID, img.Description, img.BinaryPath, img.BundlePath, string(img.RunnerType), unixMillis(now), img.Metadata, img.SHA256, existingID)
		if err != nil {
			return persistence.Image{}, fmt.Errorf("sqlite: update image %s/%s: %w", img.TenantID, img.Name, err)
		}
		img.CreatedAt = fromMillis(createdAt)
	}
	img.UpdatedAt = now
	return img, tx.Commit()
}

const imageColumns = `image_id, tenant_id, name, description, binary_path, bundle_path, runner_type, created_at, updated_at, metadata, sha256`

func scanImage(row instanceScanner) (*persistence.Image, error) {
	var img persistence.Image
	var runnerType string
	var created, updated int64
	if err := row.Scan(&img.ImageID, &img.TenantID, &img.Name, &img.Description, &img.BinaryPath, &img.BundlePath,
		&runnerType, &created, &updated, &img.Metadata, &img.SHA256); err != nil {
		return nil, err
	}
	img.RunnerType = persistence.RunnerType(runnerType)
	img.CreatedAt = fromMillis(created)
	img.UpdatedAt = fromMillis(updated)
	return &img, nil
}

func (s *Store) GetImage(ctx context.Context, imageID string) (*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE image_id=?`, imageID)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get image %s: %w", imageID, err)
	}
	return img, nil
}

func (s *Store) GetImageByName(ctx context.Context, tenantID, name string) (*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE tenant_id=? AND name=?`, tenantID, name)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get image by name %s/%s: %w", tenantID, name, err)
	}
	return img, nil
}

func (s *Store) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ` + imageColumns + ` FROM images WHERE tenant_id=? ORDER BY name`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list images %s: %w", tenantID, err)
	}
	defer rows.Close()
	return scanImages(rows)
}

func (s *Store) ListAllImages(ctx context.Context, limit, offset int) ([]*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ` + imageColumns + ` FROM images ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list all images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

func scanImages(rows *sql.Rows) ([]*persistence.Image, error) {
	var out []*persistence.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *Store) DeleteImage(ctx context.Context, imageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE image_id=?`, imageID)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete image %s: %w", imageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) UpdateImagePaths(ctx context.Context, imageID, binaryPath string, bundlePath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE images SET binary_path=?, bundle_path=?, updated_at=? WHERE image_id=?`,
		binaryPath, bundlePath, unixMillis(time.Now().UTC()), imageID)
	if err != nil {
		return fmt.Errorf("sqlite: update image paths %s: %w", imageID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: image %s", persistence.ErrNotFound, imageID)
	}
	return nil
}

// --- Container registry ---

func (s *Store) RegisterContainer(ctx context.Context, c persistence.ContainerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin register container: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO containers (instance_id, container_id, tenant_id, binary_path, bundle_path, started_at, pid, timeout_secs)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (instance_id) DO UPDATE SET container_id=excluded.container_id, binary_path=excluded.binary_path,
			bundle_path=excluded.bundle_path, started_at=excluded.started_at, pid=excluded.pid, timeout_secs=excluded.timeout_secs`,
		c.InstanceID, c.ContainerID, c.TenantID, c.BinaryPath, c.BundlePath, unixMillis(now), c.PID, c.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("sqlite: register container %s: %w", c.InstanceID, err)
	}
	status := c.Status
	if status == "" {
		status = persistence.ContainerRunning
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO container_status (instance_id, status, updated_at) VALUES (?,?,?)
		ON CONFLICT (instance_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		c.InstanceID, string(status), unixMillis(now))
	if err != nil {
		return fmt.Errorf("sqlite: set initial container status %s: %w", c.InstanceID, err)
	}
	return tx.Commit()
}

// UnregisterContainer removes a container's sibling tables before its
// primary row, matching the required cascade ordering.
func (s *Store) UnregisterContainer(ctx context.Context, instanceID string) error {
	return s.CleanupContainer(ctx, instanceID)
}

func (s *Store) GetContainer(ctx context.Context, instanceID string) (*persistence.ContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, containerQuery+` WHERE c.instance_id=?`, instanceID)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get container %s: %w", instanceID, err)
	}
	return c, nil
}

const containerQuery = `
	SELECT c.instance_id, c.container_id, c.tenant_id, c.binary_path, c.bundle_path, c.started_at, c.pid, c.timeout_secs,
		COALESCE(cs.status,''), COALESCE(cs.updated_at, c.started_at),
		COALESCE(cc.reason,''), cc.grace_secs, ch.last_beat
	FROM containers c
	LEFT JOIN container_status cs ON cs.instance_id = c.instance_id
	LEFT JOIN container_cancellation cc ON cc.instance_id = c.instance_id
	LEFT JOIN container_heartbeat ch ON ch.instance_id = c.instance_id`

func scanContainer(row instanceScanner) (*persistence.ContainerEntry, error) {
	var c persistence.ContainerEntry
	var started, statusUpdated int64
	var status, reason string
	var lastBeat sql.NullInt64
	if err := row.Scan(&c.InstanceID, &c.ContainerID, &c.TenantID, &c.BinaryPath, &c.BundlePath, &started, &c.PID, &c.TimeoutSeconds,
		&status, &statusUpdated, &reason, &c.CancelGraceSecs, &lastBeat); err != nil {
		return nil, err
	}
	c.StartedAt = fromMillis(started)
	c.Status = persistence.ContainerStatus(status)
	c.StatusUpdatedAt = fromMillis(statusUpdated)
	if reason != "" {
		c.CancelRequested = true
		c.CancelReason = &reason
	}
	if lastBeat.Valid {
		t := fromMillis(lastBeat.Int64)
		c.LastHeartbeat = &t
	}
	return &c, nil
}

func (s *Store) ListContainersByTenant(ctx context.Context, tenantID string) ([]*persistence.ContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, containerQuery+` WHERE c.tenant_id=?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list containers %s: %w", tenantID, err)
	}
	defer rows.Close()
	var out []*persistence.ContainerEntry
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContainerPID(ctx context.Context, instanceID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE containers SET pid=? WHERE instance_id=?`, pid, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: update container pid %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) SetContainerStatus(ctx context.Context, instanceID string, status persistence.ContainerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_status (instance_id, status, updated_at) VALUES (?,?,?)
		ON CONFLICT (instance_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		instanceID, string(status), unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: set container status %s: %w", instanceID, err)
	}
	return nil
}

// SetContainerStatusIfRunning only writes if the stored status is
// still 'running', so a completed/failed status already written
// through SetContainerStatus is never overwritten by a monitor's exit
// observation.
func (s *Store) SetContainerStatusIfRunning(ctx context.Context, instanceID string, status persistence.ContainerStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE container_status SET status=?, updated_at=? WHERE instance_id=? AND status='running'`,
		string(status), unixMillis(time.Now().UTC()), instanceID)
	if err != nil {
		return false, fmt.Errorf("sqlite: conditional container status %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetContainerStatus(ctx context.Context, instanceID string) (persistence.ContainerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM container_status WHERE instance_id=?`, instanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get container status %s: %w", instanceID, err)
	}
	return persistence.ContainerStatus(status), nil
}

func (s *Store) ClearContainerStatus(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_status WHERE instance_id=?`, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: clear container status %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) SetCancellationRequest(ctx context.Context, instanceID, reason string, graceSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_cancellation (instance_id, reason, grace_secs, requested_at) VALUES (?,?,?,?)
		ON CONFLICT (instance_id) DO UPDATE SET reason=excluded.reason, grace_secs=excluded.grace_secs, requested_at=excluded.requested_at`,
		instanceID, reason, graceSeconds, unixMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: set cancellation request %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) ClearCancellationRequest(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_cancellation WHERE instance_id=?`, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: clear cancellation request %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_heartbeat (instance_id, last_beat) VALUES (?,?)
		ON CONFLICT (instance_id) DO UPDATE SET last_beat=excluded.last_beat`, instanceID, unixMillis(at))
	if err != nil {
		return fmt.Errorf("sqlite: record heartbeat %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) ClearHeartbeat(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_heartbeat WHERE instance_id=?`, instanceID)
	if err != nil {
		return fmt.Errorf("sqlite: clear heartbeat %s: %w", instanceID, err)
	}
	return nil
}

// CleanupStaleContainers removes containers with no heartbeat inside
// olderThan.
func (s *Store) CleanupStaleContainers(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	cutoff := unixMillis(time.Now().UTC().Add(-olderThan))
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.instance_id FROM containers c
		LEFT JOIN container_heartbeat ch ON ch.instance_id = c.instance_id
		WHERE ch.last_beat IS NULL OR ch.last_beat < ?`, cutoff)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("sqlite: find stale containers: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.Unlock()
			return 0, fmt.Errorf("sqlite: scan stale container id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.CleanupContainer(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// CleanupContainer deletes a container's sibling tables before its
// primary row.
func (s *Store) CleanupContainer(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin cleanup container: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"container_heartbeat", "container_cancellation", "container_status", "containers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id=?`, instanceID); err != nil {
			return fmt.Errorf("sqlite: cleanup %s for %s: %w", table, instanceID, err)
		}
	}
	return tx.Commit()
}
