package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/telemetry"
)

// fakeBinaryStore proves ImageRegistry only depends on the BinaryStore
// interface, not concretely on *Blobstore, so a GCSBinaryStore can
// stand in for it without touching the registry's code.
type fakeBinaryStore struct {
	written map[string][]byte
}

func newFakeBinaryStore() *fakeBinaryStore {
	return &fakeBinaryStore{written: make(map[string][]byte)}
}

func (f *fakeBinaryStore) WriteImageBinary(imageID string, binary []byte) (string, error) {
	f.written[imageID] = binary
	return "fake://" + imageID, nil
}

func (f *fakeBinaryStore) ReadImageBinary(imageID string) ([]byte, error) {
	return f.written[imageID], nil
}

func TestImageRegistryUsesInjectedBinaryStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memtest.New()
	blobs := NewBlobstore(dir)
	log := telemetry.NewLogger("image-test")
	fake := newFakeBinaryStore()

	images := NewImageRegistry(store, blobs, log).WithBinaryStore(fake)

	img, err := images.RegisterImage(ctx, "t", "workflow-gcs", nil, []byte("payload"), persistence.RunnerNative)
	require.NoError(t, err)
	require.Equal(t, "fake://"+img.ImageID, img.BinaryPath)

	data, err := images.ReadBinary(img.ImageID)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}
