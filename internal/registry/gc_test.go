package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ReclaimsUnreferenced(t *testing.T) {
	tr := createTestRegistry(t)
	ctx := context.Background()

	kept := tr.pushImage(t, "keep", "layer keep")
	dropped := tr.pushImage(t, "drop", "layer drop")
	require.NoError(t, tr.svc.DeleteManifest(ctx, "acme", "web", "drop"))

	// Negative grace so freshly written objects are collectable.
	gc := NewCollector(tr.store, tr.blobs, tr.manifests, -time.Second)
	require.NoError(t, gc.Run(ctx))

	assert.True(t, tr.manifests.Exists(kept))
	assert.True(t, tr.blobs.Exists(digest.FromBytes([]byte("layer keep"))))

	assert.False(t, tr.manifests.Exists(dropped))
	assert.False(t, tr.blobs.Exists(digest.FromBytes([]byte("layer drop"))))
}

func TestCollector_SharedBlobSurvives(t *testing.T) {
	tr := createTestRegistry(t)
	ctx := context.Background()

	// Both images share the config blob and differ in their layer.
	tr.pushImage(t, "keep", "layer keep")
	dropped := tr.pushImage(t, "drop", "layer drop")
	require.NoError(t, tr.svc.DeleteManifest(ctx, "acme", "web", "drop"))

	gc := NewCollector(tr.store, tr.blobs, tr.manifests, -time.Second)
	require.NoError(t, gc.Run(ctx))

	assert.False(t, tr.manifests.Exists(dropped))
	// The config blob is still referenced by the surviving image.
	shared := digest.FromBytes([]byte(`{"architecture":"amd64","os":"linux"}`))
	assert.True(t, tr.blobs.Exists(shared))
}

func TestCollector_GraceSpareRecentObjects(t *testing.T) {
	tr := createTestRegistry(t)
	ctx := context.Background()

	dropped := tr.pushImage(t, "drop", "layer drop")
	require.NoError(t, tr.svc.DeleteManifest(ctx, "acme", "web", "drop"))

	// A generous grace period keeps everything just written.
	gc := NewCollector(tr.store, tr.blobs, tr.manifests, time.Hour)
	require.NoError(t, gc.Run(ctx))

	assert.True(t, tr.manifests.Exists(dropped))
	assert.True(t, tr.blobs.Exists(digest.FromBytes([]byte("layer drop"))))
}

func TestCollector_UncommittedUploadUntouched(t *testing.T) {
	tr := createTestRegistry(t)
	ctx := context.Background()

	// An orphan blob with no tag is collectable, but a blob that becomes
	// referenced before the second mark snapshot must survive.
	orphan := digest.FromBytes([]byte("orphan blob"))
	_, err := tr.svc.PutBlob(strings.NewReader("orphan blob"), orphan)
	require.NoError(t, err)

	gc := NewCollector(tr.store, tr.blobs, tr.manifests, -time.Second)
	require.NoError(t, gc.Run(ctx))
	assert.False(t, tr.blobs.Exists(orphan))
}

func TestCollector_EmptyRegistry(t *testing.T) {
	tr := createTestRegistry(t)
	gc := NewCollector(tr.store, tr.blobs, tr.manifests, -time.Second)
	assert.NoError(t, gc.Run(context.Background()))
}
