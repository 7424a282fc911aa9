package environment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// ImageBuilder supports programmatic registration with structured
// metadata, restoring the original implementation's builder-style
// image registration (image_registry.rs's serde_json::Value column).
type ImageBuilder struct {
	tenantID    string
	name        string
	description *string
	binary      []byte
	runnerType  persistence.RunnerType
	metadata    map[string]any
}

func NewImageBuilder(tenantID, name string, binary []byte) *ImageBuilder {
	return &ImageBuilder{tenantID: tenantID, name: name, binary: binary, runnerType: persistence.RunnerOCI}
}

func (b *ImageBuilder) WithDescription(d string) *ImageBuilder {
	b.description = &d
	return b
}

func (b *ImageBuilder) WithRunnerType(t persistence.RunnerType) *ImageBuilder {
	b.runnerType = t
	return b
}

func (b *ImageBuilder) WithMetadata(key string, value any) *ImageBuilder {
	if b.metadata == nil {
		b.metadata = make(map[string]any)
	}
	b.metadata[key] = value
	return b
}

// ImageRegistry manages named, versioned workflow images. Re-registering
// the same (tenant_id, name) replaces the image_id; the old directory on
// disk is left in place for the orphan cleanup worker (§9 design note).
type ImageRegistry struct {
	store    persistence.Persistence
	blobs    *Blobstore
	binaries BinaryStore
	log      *telemetry.Logger
}

func NewImageRegistry(store persistence.Persistence, blobs *Blobstore, log *telemetry.Logger) *ImageRegistry {
	return &ImageRegistry{store: store, blobs: blobs, binaries: blobs, log: log}
}

// WithBinaryStore swaps the image-binary backend, e.g. to a
// GCSBinaryStore, while bundle/run directories stay on local disk.
func (r *ImageRegistry) WithBinaryStore(b BinaryStore) *ImageRegistry {
	r.binaries = b
	return r
}

// RegisterImage writes the binary to disk under a fresh image id and
// upserts the (tenant_id, name) row, producing a new image_id on every
// call even when name collides with an existing row (§8 scenario S6).
func (r *ImageRegistry) RegisterImage(ctx context.Context, tenantID, name string, description *string, binary []byte, runnerType persistence.RunnerType) (persistence.Image, error) {
	return r.register(ctx, tenantID, name, description, binary, runnerType, nil)
}

// RegisterFromBuilder registers an image built with ImageBuilder's
// structured metadata.
func (r *ImageRegistry) RegisterFromBuilder(ctx context.Context, b *ImageBuilder) (persistence.Image, error) {
	return r.register(ctx, b.tenantID, b.name, b.description, b.binary, b.runnerType, b.metadata)
}

func (r *ImageRegistry) register(ctx context.Context, tenantID, name string, description *string, binary []byte, runnerType persistence.RunnerType, metadata map[string]any) (persistence.Image, error) {
	sum := sha256.Sum256(binary)
	digest := hex.EncodeToString(sum[:])

	var metaJSON []byte
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "marshal image metadata %s/%s", tenantID, name)
		}
		metaJSON = encoded
	}

	img := persistence.Image{
		ImageID:     uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		RunnerType:  runnerType,
		SHA256:      &digest,
		Metadata:    metaJSON,
	}
	stored, err := r.store.UpsertImage(ctx, img)
	if err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "upsert image %s/%s", tenantID, name)
	}

	binaryPath, err := r.binaries.WriteImageBinary(stored.ImageID, binary)
	if err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeBundleError, err, "write image binary %s", stored.ImageID)
	}
	var bundlePath *string
	if runnerType == persistence.RunnerOCI {
		bd := r.blobs.ImageBundleDir(stored.ImageID)
		bundlePath = &bd
	}
	if err := r.store.UpdateImagePaths(ctx, stored.ImageID, binaryPath, bundlePath); err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "update image paths %s", stored.ImageID)
	}
	stored.BinaryPath = binaryPath
	stored.BundlePath = bundlePath

	r.log.WithFields(map[string]any{"tenant_id": tenantID, "name": name, "image_id": stored.ImageID}).Infof("registered image")
	return stored, nil
}

// ReadBinary fetches an image's binary back from whichever BinaryStore
// it was registered through.
func (r *ImageRegistry) ReadBinary(imageID string) ([]byte, error) {
	return r.binaries.ReadImageBinary(imageID)
}

func (r *ImageRegistry) GetImage(ctx context.Context, imageID string) (*persistence.Image, error) {
	img, err := r.store.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, runtaraerr.New(runtaraerr.CodeImageNotFound, fmt.Sprintf("image %s not found", imageID))
	}
	return img, nil
}

func (r *ImageRegistry) GetImageByName(ctx context.Context, tenantID, name string) (*persistence.Image, error) {
	img, err := r.store.GetImageByName(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, runtaraerr.New(runtaraerr.CodeImageNotFound, fmt.Sprintf("image %s/%s not found", tenantID, name))
	}
	return img, nil
}

func (r *ImageRegistry) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]*persistence.Image, error) {
	return r.store.ListImages(ctx, tenantID, limit, offset)
}

// DeleteImage removes the database row only; the binary/bundle
// directory on disk is left for the orphan cleanup worker.
func (r *ImageRegistry) DeleteImage(ctx context.Context, imageID string) (bool, error) {
	return r.store.DeleteImage(ctx, imageID)
}

// UpdateMetadata applies patch as an RFC 7396 merge patch over an
// image's existing metadata, so callers can update one field without
// clobbering the rest (e.g. a deploy pipeline stamping a commit SHA).
func (r *ImageRegistry) UpdateMetadata(ctx context.Context, imageID string, patch map[string]any) (persistence.Image, error) {
	img, err := r.GetImage(ctx, imageID)
	if err != nil {
		return persistence.Image{}, err
	}
	base := img.Metadata
	if base == nil {
		base = []byte("{}")
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "marshal metadata patch %s", imageID)
	}
	merged, err := jsonpatch.MergePatch(base, patchJSON)
	if err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "merge metadata patch %s", imageID)
	}
	updated := *img
	updated.Metadata = merged
	stored, err := r.store.UpsertImage(ctx, updated)
	if err != nil {
		return persistence.Image{}, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "upsert merged metadata %s", imageID)
	}
	return stored, nil
}
