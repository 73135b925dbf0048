// Package storage implements the content-addressed stores backing the
// registry: blobs and manifests keyed by digest on the local filesystem.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
)

// BlobStore stores blobs at-most-once per unique digest. The storage key is
// always exactly the content's digest; two different byte sequences never
// share a key.
type BlobStore struct {
	rootDir string

	mu      sync.Mutex
	readers map[digest.Digest]int
}

// NewBlobStore creates the blob directory layout under rootDir.
func NewBlobStore(rootDir string) (*BlobStore, error) {
	for _, dir := range []string{
		filepath.Join(rootDir, "blobs"),
		filepath.Join(rootDir, "staging"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	log.Info().Str("root_dir", rootDir).Msg("blob store initialized")

	return &BlobStore{
		rootDir: rootDir,
		readers: make(map[digest.Digest]int),
	}, nil
}

// Put consumes data, computing its digest while streaming, and commits it
// under the computed digest. If expected is non-empty and differs from the
// computed digest, the partial write is discarded and ErrDigestMismatch is
// returned. Storing content that already exists is a no-op.
func (bs *BlobStore) Put(data io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(bs.rootDir, "staging"), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digester := digest.Canonical.Digester()
	written, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write blob data: %w", err)
	}

	computed := digester.Digest()
	if expected != "" && computed != expected {
		return "", 0, fmt.Errorf("expected %s, got %s: %w", expected, computed, domain.ErrDigestMismatch)
	}

	if err := bs.commit(tmpPath, computed); err != nil {
		return "", 0, err
	}

	log.Debug().Str("digest", computed.String()).Int64("size", written).Msg("blob stored")
	return computed, written, nil
}

// PutFile commits an already-written file (a finished upload) under expected,
// verifying its content first. The file is consumed on success.
func (bs *BlobStore) PutFile(path string, expected digest.Digest) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open staged blob: %w", err)
	}
	computed, err := digest.Canonical.FromReader(f)
	size := int64(0)
	if fi, serr := f.Stat(); serr == nil {
		size = fi.Size()
	}
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to digest staged blob: %w", err)
	}
	if computed != expected {
		return 0, fmt.Errorf("expected %s, got %s: %w", expected, computed, domain.ErrDigestMismatch)
	}
	if err := bs.commit(path, computed); err != nil {
		return 0, err
	}
	log.Debug().Str("digest", computed.String()).Int64("size", size).Msg("blob promoted")
	return size, nil
}

// commit moves a verified file into its content-addressed location.
func (bs *BlobStore) commit(src string, dgst digest.Digest) error {
	blobPath := bs.blobPath(dgst)

	// Dedup: an existing blob with this digest is bit-identical.
	if _, err := os.Stat(blobPath); err == nil {
		os.Remove(src)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(src, blobPath); err != nil {
		return fmt.Errorf("failed to move blob to final location: %w", err)
	}
	return nil
}

// Open returns a reader over the blob's content. The returned reader keeps
// the blob pinned against deletion until Close.
func (bs *BlobStore) Open(dgst digest.Digest) (io.ReadSeekCloser, int64, error) {
	file, err := os.Open(bs.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("blob %s: %w", dgst, domain.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to open blob: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat blob: %w", err)
	}

	bs.mu.Lock()
	bs.readers[dgst]++
	bs.mu.Unlock()

	return &pinnedReader{File: file, release: func() { bs.release(dgst) }}, fi.Size(), nil
}

// Exists reports whether a blob with the given digest is committed. Used to
// skip redundant uploads (blob mount).
func (bs *BlobStore) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(bs.blobPath(dgst))
	return err == nil
}

// Stat returns the size and last-modified time of a committed blob.
func (bs *BlobStore) Stat(dgst digest.Digest) (int64, time.Time, error) {
	fi, err := os.Stat(bs.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, fmt.Errorf("blob %s: %w", dgst, domain.ErrNotFound)
		}
		return 0, time.Time{}, fmt.Errorf("failed to stat blob: %w", err)
	}
	return fi.Size(), fi.ModTime(), nil
}

// Delete removes a blob. It fails with ErrConflict while any reader from
// Open has not closed yet, so in-progress pulls are never corrupted. Only
// the garbage collector calls this.
func (bs *BlobStore) Delete(dgst digest.Digest) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.readers[dgst] > 0 {
		return fmt.Errorf("blob %s has open readers: %w", dgst, domain.ErrConflict)
	}

	if err := os.Remove(bs.blobPath(dgst)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", dgst, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	log.Debug().Str("digest", dgst.String()).Msg("blob deleted")
	return nil
}

// Walk calls fn for every committed blob digest.
func (bs *BlobStore) Walk(fn func(dgst digest.Digest, modTime time.Time) error) error {
	blobsDir := filepath.Join(bs.rootDir, "blobs")
	return filepath.Walk(blobsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		algo := filepath.Base(filepath.Dir(filepath.Dir(path)))
		dgst := digest.NewDigestFromEncoded(digest.Algorithm(algo), info.Name())
		if err := dgst.Validate(); err != nil {
			log.Warn().Str("path", path).Msg("skipping file with non-digest name")
			return nil
		}
		return fn(dgst, info.ModTime())
	})
}

func (bs *BlobStore) release(dgst digest.Digest) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.readers[dgst] <= 1 {
		delete(bs.readers, dgst)
	} else {
		bs.readers[dgst]--
	}
}

// blobPath shards by the first two hex characters to keep directories small,
// e.g. sha256:abc... -> blobs/sha256/ab/abc...
func (bs *BlobStore) blobPath(dgst digest.Digest) string {
	encoded := dgst.Encoded()
	if len(encoded) < 2 {
		return filepath.Join(bs.rootDir, "blobs", dgst.Algorithm().String(), encoded)
	}
	return filepath.Join(bs.rootDir, "blobs", dgst.Algorithm().String(), encoded[:2], encoded)
}

type pinnedReader struct {
	*os.File
	release func()
	once    sync.Once
}

func (r *pinnedReader) Close() error {
	err := r.File.Close()
	r.once.Do(r.release)
	return err
}
