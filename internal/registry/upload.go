// Package registry ties the content stores, tag resolver and upload
// sessions into the registry core services.
package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/storage"
)

// UploadManager coordinates chunked blob uploads: the OCI POST → PATCH* →
// PUT protocol. Sessions are an arena indexed by opaque id; chunks may
// arrive on different connections but each session is single-writer.
type UploadManager struct {
	dir   string
	blobs *storage.BlobStore
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

type uploadSession struct {
	// mu serializes mutating calls; contended TryLock fails with
	// ErrSessionBusy instead of interleaving appends.
	mu sync.Mutex

	id        string
	org, repo string
	path      string
	offset    int64
	state     domain.UploadState
	startedAt time.Time
	expiresAt time.Time
}

// NewUploadManager creates the upload staging directory under rootDir.
func NewUploadManager(rootDir string, blobs *storage.BlobStore, ttl time.Duration) (*UploadManager, error) {
	dir := filepath.Join(rootDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &UploadManager{
		dir:      dir,
		blobs:    blobs,
		ttl:      ttl,
		sessions: make(map[string]*uploadSession),
	}, nil
}

// Start creates a new upload session scoped to one repository and returns
// its id.
func (um *UploadManager) Start(org, repo string) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(um.dir, id)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	f.Close()

	now := time.Now()
	um.mu.Lock()
	um.sessions[id] = &uploadSession{
		id:        id,
		org:       org,
		repo:      repo,
		path:      path,
		state:     domain.UploadCreated,
		startedAt: now,
		expiresAt: now.Add(um.ttl),
	}
	um.mu.Unlock()

	log.Debug().Str("session", id).Str("org", org).Str("repo", repo).Msg("blob upload started")
	return id, nil
}

// Append writes a chunk that must start exactly at the session's current
// offset. Out-of-order or overlapping chunks fail with ErrRangeMismatch.
// Returns the new offset.
func (um *UploadManager) Append(org, repo, id string, start int64, data io.Reader) (int64, error) {
	sess, err := um.lookup(org, repo, id)
	if err != nil {
		return 0, err
	}
	if !sess.mu.TryLock() {
		return 0, fmt.Errorf("session %s: %w", id, domain.ErrSessionBusy)
	}
	defer sess.mu.Unlock()

	if err := sess.writable(); err != nil {
		return 0, err
	}
	if start != sess.offset {
		return sess.offset, fmt.Errorf("chunk starts at %d, session offset is %d: %w",
			start, sess.offset, domain.ErrRangeMismatch)
	}

	f, err := os.OpenFile(sess.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return sess.offset, fmt.Errorf("failed to open upload file: %w", err)
	}
	written, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	sess.offset += written
	if err != nil {
		return sess.offset, fmt.Errorf("failed to write chunk: %w", err)
	}

	sess.state = domain.UploadReceiving
	return sess.offset, nil
}

// Commit verifies the accumulated content against expected and promotes it
// to a committed blob. On mismatch the session stays abortable so the
// client can inspect or retry. On success the session id is invalidated.
func (um *UploadManager) Commit(org, repo, id string, expected digest.Digest) (int64, error) {
	sess, err := um.lookup(org, repo, id)
	if err != nil {
		return 0, err
	}
	if !sess.mu.TryLock() {
		return 0, fmt.Errorf("session %s: %w", id, domain.ErrSessionBusy)
	}
	defer sess.mu.Unlock()

	if err := sess.writable(); err != nil {
		return 0, err
	}

	sess.state = domain.UploadVerifying
	size, err := um.blobs.PutFile(sess.path, expected)
	if err != nil {
		// Mismatch or storage failure: back to receiving, still abortable.
		sess.state = domain.UploadReceiving
		return 0, err
	}

	sess.state = domain.UploadCommitted
	um.mu.Lock()
	delete(um.sessions, id)
	um.mu.Unlock()

	log.Info().Str("session", id).Str("digest", expected.String()).Int64("size", size).Msg("blob upload committed")
	return size, nil
}

// Abort cancels a session and discards its partial content. Aborting an
// already-aborted session is a no-op; unknown or committed sessions fail
// with ErrNotFound, expired ones with ErrExpired.
func (um *UploadManager) Abort(org, repo, id string) error {
	sess, err := um.lookup(org, repo, id)
	if err != nil {
		return err
	}
	if !sess.mu.TryLock() {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionBusy)
	}
	defer sess.mu.Unlock()

	if sess.state == domain.UploadAborted {
		return nil
	}
	if sess.state == domain.UploadExpired {
		return fmt.Errorf("upload session %s: %w", id, domain.ErrExpired)
	}
	sess.state = domain.UploadAborted
	if err := os.Remove(sess.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("session", id).Msg("failed to remove aborted upload file")
	}

	log.Debug().Str("session", id).Msg("blob upload aborted")
	return nil
}

// Status returns the session's current received offset.
func (um *UploadManager) Status(org, repo, id string) (int64, error) {
	sess, err := um.lookup(org, repo, id)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.writable(); err != nil {
		return 0, err
	}
	return sess.offset, nil
}

// Sweep reclaims sessions past their expiry and drops aborted sessions.
// This is the only unsolicited state transition; it runs on a timer from
// the server.
func (um *UploadManager) Sweep(now time.Time) int {
	um.mu.Lock()
	var stale []*uploadSession
	for _, sess := range um.sessions {
		if sess.state == domain.UploadAborted || now.After(sess.expiresAt) {
			stale = append(stale, sess)
		}
	}
	um.mu.Unlock()

	reclaimed := 0
	for _, sess := range stale {
		if !sess.mu.TryLock() {
			continue // in use, next sweep will catch it
		}
		if sess.state != domain.UploadAborted {
			sess.state = domain.UploadExpired
			log.Info().Str("session", sess.id).Time("expired_at", sess.expiresAt).Msg("upload session expired")
		}
		if err := os.Remove(sess.path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("session", sess.id).Msg("failed to remove stale upload file")
		}
		sess.mu.Unlock()

		um.mu.Lock()
		delete(um.sessions, sess.id)
		um.mu.Unlock()
		reclaimed++
	}
	return reclaimed
}

// lookup resolves a session id within one repository. A session presented
// under a different repository than the one that opened it is
// indistinguishable from an unknown session.
func (um *UploadManager) lookup(org, repo, id string) (*uploadSession, error) {
	um.mu.Lock()
	defer um.mu.Unlock()
	sess, ok := um.sessions[id]
	if !ok || sess.org != org || sess.repo != repo {
		return nil, fmt.Errorf("upload session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

// writable reports whether the session can still accept mutations.
func (s *uploadSession) writable() error {
	switch s.state {
	case domain.UploadCreated, domain.UploadReceiving:
		return nil
	case domain.UploadAborted:
		return fmt.Errorf("upload session %s aborted: %w", s.id, domain.ErrNotFound)
	case domain.UploadExpired:
		return fmt.Errorf("upload session %s: %w", s.id, domain.ErrExpired)
	default:
		return fmt.Errorf("upload session %s in state %s: %w", s.id, s.state, domain.ErrConflict)
	}
}
