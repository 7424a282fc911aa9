package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/runtara/core/persistence"
)

// --- Images ---

func (s *Store) UpsertImage(ctx context.Context, img persistence.Image) (persistence.Image, error) {
	if img.ImageID == "" {
		img.ImageID = uuid.NewString()
	}
	if img.RunnerType == "" {
		img.RunnerType = persistence.RunnerOCI
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO images (image_id, tenant_id, name, description, binary_path, bundle_path, runner_type, created_at, updated_at, metadata, sha256)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now(),$8,$9)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			image_id=EXCLUDED.image_id, description=EXCLUDED.description, binary_path=EXCLUDED.binary_path,
			bundle_path=EXCLUDED.bundle_path, runner_type=EXCLUDED.runner_type, updated_at=now(),
			metadata=EXCLUDED.metadata, sha256=EXCLUDED.sha256
		RETURNING image_id, tenant_id, name, description, binary_path, bundle_path, runner_type, created_at, updated_at, metadata, sha256`,
		img.ImageID, img.TenantID, img.Name, img.Description, img.BinaryPath, img.BundlePath, string(img.RunnerType), img.Metadata, img.SHA256)
	stored, err := scanImage(row)
	if err != nil {
		return persistence.Image{}, fmt.Errorf("postgres: upsert image %s/%s: %w", img.TenantID, img.Name, err)
	}
	return *stored, nil
}

func scanImage(row pgx.Row) (*persistence.Image, error) {
	var img persistence.Image
	var runnerType string
	if err := row.Scan(&img.ImageID, &img.TenantID, &img.Name, &img.Description, &img.BinaryPath, &img.BundlePath,
		&runnerType, &img.CreatedAt, &img.UpdatedAt, &img.Metadata, &img.SHA256); err != nil {
		return nil, err
	}
	img.RunnerType = persistence.RunnerType(runnerType)
	return &img, nil
}

const imageColumns = `image_id, tenant_id, name, description, binary_path, bundle_path, runner_type, created_at, updated_at, metadata, sha256`

func (s *Store) GetImage(ctx context.Context, imageID string) (*persistence.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE image_id=$1`, imageID)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get image %s: %w", imageID, err)
	}
	return img, nil
}

func (s *Store) GetImageByName(ctx context.Context, tenantID, name string) (*persistence.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE tenant_id=$1 AND name=$2`, tenantID, name)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get image by name %s/%s: %w", tenantID, name, err)
	}
	return img, nil
}

func (s *Store) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]*persistence.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM images WHERE tenant_id=$1 ORDER BY name LIMIT NULLIF($2,0) OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list images %s: %w", tenantID, err)
	}
	defer rows.Close()
	return scanImages(rows)
}

func (s *Store) ListAllImages(ctx context.Context, limit, offset int) ([]*persistence.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM images ORDER BY created_at DESC LIMIT NULLIF($1,0) OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

func scanImages(rows pgx.Rows) ([]*persistence.Image, error) {
	var out []*persistence.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *Store) DeleteImage(ctx context.Context, imageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE image_id=$1`, imageID)
	if err != nil {
		return false, fmt.Errorf("postgres: delete image %s: %w", imageID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateImagePaths(ctx context.Context, imageID, binaryPath string, bundlePath *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE images SET binary_path=$2, bundle_path=$3, updated_at=now() WHERE image_id=$1`,
		imageID, binaryPath, bundlePath)
	if err != nil {
		return fmt.Errorf("postgres: update image paths %s: %w", imageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %s", persistence.ErrNotFound, imageID)
	}
	return nil
}

// --- Container registry ---

func (s *Store) RegisterContainer(ctx context.Context, c persistence.ContainerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin register container: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO containers (instance_id, container_id, tenant_id, binary_path, bundle_path, started_at, pid, timeout_secs)
		VALUES ($1,$2,$3,$4,$5,now(),$6,$7)
		ON CONFLICT (instance_id) DO UPDATE SET container_id=EXCLUDED.container_id, binary_path=EXCLUDED.binary_path,
			bundle_path=EXCLUDED.bundle_path, started_at=now(), pid=EXCLUDED.pid, timeout_secs=EXCLUDED.timeout_secs`,
		c.InstanceID, c.ContainerID, c.TenantID, c.BinaryPath, c.BundlePath, c.PID, c.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("postgres: register container %s: %w", c.InstanceID, err)
	}
	status := c.Status
	if status == "" {
		status = persistence.ContainerRunning
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO container_status (instance_id, status, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (instance_id) DO UPDATE SET status=EXCLUDED.status, updated_at=now()`,
		c.InstanceID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set initial container status %s: %w", c.InstanceID, err)
	}
	return tx.Commit(ctx)
}

// UnregisterContainer deletes every container_* sibling row before the
// containers row itself, matching the required cascade ordering of
// §4.B invariant 3 even though the FK ON DELETE CASCADE would also
// enforce it — explicit here documents the ordering contract.
func (s *Store) UnregisterContainer(ctx context.Context, instanceID string) error {
	return s.CleanupContainer(ctx, instanceID)
}

func (s *Store) GetContainer(ctx context.Context, instanceID string) (*persistence.ContainerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT c.instance_id, c.container_id, c.tenant_id, c.binary_path, c.bundle_path, c.started_at, c.pid, c.timeout_secs,
			COALESCE(cs.status,''), COALESCE(cs.updated_at, c.started_at),
			COALESCE(cc.reason,''), cc.grace_secs, ch.last_beat
		FROM containers c
		LEFT JOIN container_status cs ON cs.instance_id = c.instance_id
		LEFT JOIN container_cancellation cc ON cc.instance_id = c.instance_id
		LEFT JOIN container_heartbeat ch ON ch.instance_id = c.instance_id
		WHERE c.instance_id=$1`, instanceID)
	c, err := scanContainer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get container %s: %w", instanceID, err)
	}
	return c, nil
}

func scanContainer(row pgx.Row) (*persistence.ContainerEntry, error) {
	var c persistence.ContainerEntry
	var status, reason string
	if err := row.Scan(&c.InstanceID, &c.ContainerID, &c.TenantID, &c.BinaryPath, &c.BundlePath, &c.StartedAt, &c.PID, &c.TimeoutSeconds,
		&status, &c.StatusUpdatedAt, &reason, &c.CancelGraceSecs, &c.LastHeartbeat); err != nil {
		return nil, err
	}
	c.Status = persistence.ContainerStatus(status)
	if reason != "" {
		c.CancelRequested = true
		c.CancelReason = &reason
	}
	return &c, nil
}

func (s *Store) ListContainersByTenant(ctx context.Context, tenantID string) ([]*persistence.ContainerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.instance_id, c.container_id, c.tenant_id, c.binary_path, c.bundle_path, c.started_at, c.pid, c.timeout_secs,
			COALESCE(cs.status,''), COALESCE(cs.updated_at, c.started_at),
			COALESCE(cc.reason,''), cc.grace_secs, ch.last_beat
		FROM containers c
		LEFT JOIN container_status cs ON cs.instance_id = c.instance_id
		LEFT JOIN container_cancellation cc ON cc.instance_id = c.instance_id
		LEFT JOIN container_heartbeat ch ON ch.instance_id = c.instance_id
		WHERE c.tenant_id=$1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list containers %s: %w", tenantID, err)
	}
	defer rows.Close()
	var out []*persistence.ContainerEntry
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContainerPID(ctx context.Context, instanceID string, pid int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE containers SET pid=$2 WHERE instance_id=$1`, instanceID, pid)
	if err != nil {
		return fmt.Errorf("postgres: update container pid %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	return nil
}

func (s *Store) SetContainerStatus(ctx context.Context, instanceID string, status persistence.ContainerStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO container_status (instance_id, status, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (instance_id) DO UPDATE SET status=EXCLUDED.status, updated_at=now()`, instanceID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set container status %s: %w", instanceID, err)
	}
	return nil
}

// SetContainerStatusIfRunning is the monitor's non-clobbering update
// (Testable Property 8): it only writes if the stored status is still
// 'running', so a completed/failed status already written through
// SetContainerStatus is never overwritten by a monitor's exit observation.
func (s *Store) SetContainerStatusIfRunning(ctx context.Context, instanceID string, status persistence.ContainerStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE container_status SET status=$2, updated_at=now()
		WHERE instance_id=$1 AND status='running'`, instanceID, string(status))
	if err != nil {
		return false, fmt.Errorf("postgres: conditional container status %s: %w", instanceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetContainerStatus(ctx context.Context, instanceID string) (persistence.ContainerStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM container_status WHERE instance_id=$1`, instanceID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get container status %s: %w", instanceID, err)
	}
	return persistence.ContainerStatus(status), nil
}

func (s *Store) ClearContainerStatus(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM container_status WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: clear container status %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) SetCancellationRequest(ctx context.Context, instanceID, reason string, graceSeconds int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO container_cancellation (instance_id, reason, grace_secs, requested_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (instance_id) DO UPDATE SET reason=EXCLUDED.reason, grace_secs=EXCLUDED.grace_secs, requested_at=now()`,
		instanceID, reason, graceSeconds)
	if err != nil {
		return fmt.Errorf("postgres: set cancellation request %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) ClearCancellationRequest(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM container_cancellation WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: clear cancellation request %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO container_heartbeat (instance_id, last_beat) VALUES ($1,$2)
		ON CONFLICT (instance_id) DO UPDATE SET last_beat=EXCLUDED.last_beat`, instanceID, at)
	if err != nil {
		return fmt.Errorf("postgres: record heartbeat %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) ClearHeartbeat(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM container_heartbeat WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: clear heartbeat %s: %w", instanceID, err)
	}
	return nil
}

// CleanupStaleContainers removes containers with no heartbeat inside
// olderThan; the caller chooses the window and no default is applied.
func (s *Store) CleanupStaleContainers(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.instance_id FROM containers c
		LEFT JOIN container_heartbeat ch ON ch.instance_id = c.instance_id
		WHERE ch.last_beat IS NULL OR ch.last_beat < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("postgres: find stale containers: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: scan stale container id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := s.CleanupContainer(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// CleanupContainer deletes a container's sibling tables before its
// primary row, matching §4.B invariant 3's required ordering.
func (s *Store) CleanupContainer(ctx context.Context, instanceID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin cleanup container: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, table := range []string{"container_heartbeat", "container_cancellation", "container_status", "containers"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE instance_id=$1`, instanceID); err != nil {
			return fmt.Errorf("postgres: cleanup %s for %s: %w", table, instanceID, err)
		}
	}
	return tx.Commit(ctx)
}
