package environment

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// BinaryStore is the subset of Blobstore's image-binary operations an
// ImageRegistry depends on, letting a fleet keep binaries off the
// environment manager's local disk entirely.
type BinaryStore interface {
	WriteImageBinary(imageID string, binary []byte) (string, error)
	ReadImageBinary(imageID string) ([]byte, error)
}

// GCSBinaryStore stores image binaries as objects in a GCS bucket,
// named by image id, instead of under the local DATA_DIR tree. Bundle
// and per-run directories still live on local disk since the OCI
// runtime needs a real rootfs to bind-mount.
type GCSBinaryStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBinaryStore wraps an already-authenticated storage client.
// prefix is prepended to object names (e.g. "images/") and may be empty.
func NewGCSBinaryStore(client *storage.Client, bucket, prefix string) *GCSBinaryStore {
	return &GCSBinaryStore{client: client, bucket: bucket, prefix: prefix}
}

func (g *GCSBinaryStore) objectName(imageID string) string {
	return g.prefix + imageID
}

// WriteImageBinary uploads binary to the bucket and returns a gs://
// URI in place of the local-disk path Blobstore would return.
func (g *GCSBinaryStore) WriteImageBinary(imageID string, binary []byte) (string, error) {
	ctx := context.Background()
	obj := g.client.Bucket(g.bucket).Object(g.objectName(imageID))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(binary); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs blobstore: write %s: %w", imageID, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs blobstore: close %s: %w", imageID, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, g.objectName(imageID)), nil
}

func (g *GCSBinaryStore) ReadImageBinary(imageID string) ([]byte, error) {
	ctx := context.Background()
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(imageID)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs blobstore: open %s: %w", imageID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs blobstore: read %s: %w", imageID, err)
	}
	return data, nil
}
