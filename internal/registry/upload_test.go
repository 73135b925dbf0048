package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/storage"
)

func createTestUploadManager(t *testing.T) (*UploadManager, *storage.BlobStore) {
	t.Helper()
	bs, err := storage.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	um, err := NewUploadManager(t.TempDir(), bs, time.Hour)
	require.NoError(t, err)
	return um, bs
}

func TestUpload_ChunkedLifecycle(t *testing.T) {
	um, bs := createTestUploadManager(t)
	content := "first chunk|second chunk"
	expected := digest.FromBytes([]byte(content))

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	offset, err := um.Append("acme", "web", id, 0, strings.NewReader("first chunk|"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), offset)

	offset, err = um.Append("acme", "web", id, 12, strings.NewReader("second chunk"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), offset)

	size, err := um.Commit("acme", "web", id, expected)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.True(t, bs.Exists(expected))

	// The session id is single-use.
	_, err = um.Status("acme", "web", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpload_RangeMismatch(t *testing.T) {
	um, _ := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)

	_, err = um.Append("acme", "web", id, 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	// Gap.
	offset, err := um.Append("acme", "web", id, 20, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrRangeMismatch)
	assert.Equal(t, int64(10), offset)

	// Overlap.
	_, err = um.Append("acme", "web", id, 5, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrRangeMismatch)

	// The failed chunks must not have advanced the offset.
	got, err := um.Status("acme", "web", id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
}

func TestUpload_CommitMismatchStaysAbortable(t *testing.T) {
	um, bs := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	_, err = um.Append("acme", "web", id, 0, strings.NewReader("actual content"))
	require.NoError(t, err)

	wrong := digest.FromBytes([]byte("declared content"))
	_, err = um.Commit("acme", "web", id, wrong)
	assert.ErrorIs(t, err, domain.ErrDigestMismatch)
	assert.False(t, bs.Exists(wrong))

	// Session survives the failed commit and can be aborted.
	require.NoError(t, um.Abort("acme", "web", id))
}

func TestUpload_Abort(t *testing.T) {
	um, _ := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	_, err = um.Append("acme", "web", id, 0, strings.NewReader("partial"))
	require.NoError(t, err)

	require.NoError(t, um.Abort("acme", "web", id))

	// Aborting again is a no-op.
	assert.NoError(t, um.Abort("acme", "web", id))

	// Writes to an aborted session fail.
	_, err = um.Append("acme", "web", id, 7, strings.NewReader("more"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = um.Commit("acme", "web", id, digest.FromBytes([]byte("partial")))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpload_UnknownSession(t *testing.T) {
	um, _ := createTestUploadManager(t)

	_, err := um.Append("acme", "web", "no-such-id", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = um.Status("acme", "web", "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = um.Abort("acme", "web", "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpload_SessionScopedToRepository(t *testing.T) {
	um, bs := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	_, err = um.Append("acme", "web", id, 0, strings.NewReader("acme data"))
	require.NoError(t, err)

	// A valid id presented under any other repository behaves like an
	// unknown session.
	_, err = um.Append("evil", "repo", id, 9, strings.NewReader("poison"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = um.Status("evil", "repo", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = um.Commit("evil", "repo", id, digest.FromBytes([]byte("acme data")))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = um.Abort("evil", "repo", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Same org, different repo is still out of scope.
	_, err = um.Status("acme", "site", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The owning repository is unaffected.
	got, err := um.Status("acme", "web", id)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)

	dgst := digest.FromBytes([]byte("acme data"))
	_, err = um.Commit("acme", "web", id, dgst)
	require.NoError(t, err)
	assert.True(t, bs.Exists(dgst))
}

func TestUpload_AbortExpiredSessionFails(t *testing.T) {
	um, _ := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)

	// Expired is terminal: a session the sweeper has already marked cannot
	// be pulled back to aborted.
	um.mu.Lock()
	um.sessions[id].state = domain.UploadExpired
	um.mu.Unlock()

	err = um.Abort("acme", "web", id)
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestUpload_SweepExpiresIdleSessions(t *testing.T) {
	um, _ := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	_, err = um.Append("acme", "web", id, 0, strings.NewReader("stale data"))
	require.NoError(t, err)

	// Not expired yet.
	assert.Equal(t, 0, um.Sweep(time.Now()))

	reclaimed := um.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, reclaimed)

	_, err = um.Status("acme", "web", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpload_SweepReclaimsAborted(t *testing.T) {
	um, _ := createTestUploadManager(t)

	id, err := um.Start("acme", "web")
	require.NoError(t, err)
	require.NoError(t, um.Abort("acme", "web", id))

	assert.Equal(t, 1, um.Sweep(time.Now()))
}

func TestUpload_IndependentSessions(t *testing.T) {
	um, bs := createTestUploadManager(t)

	a, err := um.Start("acme", "web")
	require.NoError(t, err)
	b, err := um.Start("acme", "web")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = um.Append("acme", "web", a, 0, strings.NewReader("content a"))
	require.NoError(t, err)
	_, err = um.Append("acme", "web", b, 0, strings.NewReader("content b"))
	require.NoError(t, err)

	require.NoError(t, um.Abort("acme", "web", b))

	dgst := digest.FromBytes([]byte("content a"))
	_, err = um.Commit("acme", "web", a, dgst)
	require.NoError(t, err)
	assert.True(t, bs.Exists(dgst))
	assert.False(t, bs.Exists(digest.FromBytes([]byte("content b"))))
}
