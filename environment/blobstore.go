// Package environment implements the environment manager of §4.E: the
// image registry, instance launch flow, container registry and the
// monitor that reconciles a runner's exit with persistence.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
)

// Blobstore owns the on-disk layout under DATA_DIR (§6):
//
//	images/{image_id}/{binary, bundle/...}
//	bundles/{instance_id}/{config.json, rootfs/binary}
//	{tenant_id}/runs/{instance_id}/{input.json, output.json, stderr.log, config.json}
type Blobstore struct {
	dataDir string
}

func NewBlobstore(dataDir string) *Blobstore {
	return &Blobstore{dataDir: dataDir}
}

func (b *Blobstore) DataDir() string { return b.dataDir }

func (b *Blobstore) ImageDir(imageID string) string {
	return filepath.Join(b.dataDir, "images", imageID)
}

func (b *Blobstore) ImageBinaryPath(imageID string) string {
	return filepath.Join(b.ImageDir(imageID), "binary")
}

func (b *Blobstore) ImageBundleDir(imageID string) string {
	return filepath.Join(b.ImageDir(imageID), "bundle")
}

func (b *Blobstore) BundlesDir() string {
	return filepath.Join(b.dataDir, "bundles")
}

func (b *Blobstore) RunDir(tenantID, instanceID string) string {
	return filepath.Join(b.dataDir, tenantID, "runs", instanceID)
}

func (b *Blobstore) StderrLogPath(tenantID, instanceID string) string {
	return filepath.Join(b.RunDir(tenantID, instanceID), "stderr.log")
}

func (b *Blobstore) InputPath(tenantID, instanceID string) string {
	return filepath.Join(b.RunDir(tenantID, instanceID), "input.json")
}

func (b *Blobstore) OutputPath(tenantID, instanceID string) string {
	return filepath.Join(b.RunDir(tenantID, instanceID), "output.json")
}

// WriteImageBinary persists an image's binary under its image
// directory, creating the directory if needed.
func (b *Blobstore) WriteImageBinary(imageID string, binary []byte) (string, error) {
	dir := b.ImageDir(imageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}
	path := b.ImageBinaryPath(imageID)
	if err := os.WriteFile(path, binary, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", path, err)
	}
	return path, nil
}

// PrepareRunDir creates the per-run directory and writes the input
// payload, returning the input file's path.
func (b *Blobstore) PrepareRunDir(tenantID, instanceID string, input []byte) (string, error) {
	dir := b.RunDir(tenantID, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}
	path := b.InputPath(tenantID, instanceID)
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", path, err)
	}
	return path, nil
}

// ReadImageBinary loads an image's binary back off disk, used when
// preparing a fresh bundle for a new launch.
func (b *Blobstore) ReadImageBinary(imageID string) ([]byte, error) {
	data, err := os.ReadFile(b.ImageBinaryPath(imageID))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read image %s: %w", imageID, err)
	}
	return data, nil
}
