package registry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/storage"
	"github.com/bosunhq/bosun/internal/store"
)

// Service is the registry core: content stores plus the tag resolver.
type Service struct {
	store     *store.Store
	blobs     *storage.BlobStore
	manifests *storage.ManifestStore
	uploads   *UploadManager
}

// NewService wires the registry core services together.
func NewService(st *store.Store, blobs *storage.BlobStore, manifests *storage.ManifestStore, uploads *UploadManager) *Service {
	return &Service{store: st, blobs: blobs, manifests: manifests, uploads: uploads}
}

// Uploads exposes the upload session manager.
func (s *Service) Uploads() *UploadManager { return s.uploads }

// IsDigest reports whether ref is a digest reference rather than a tag.
func IsDigest(ref string) bool {
	return strings.Contains(ref, ":")
}

// GetManifest resolves ref (tag or digest) within a repository and returns
// the manifest bytes, media type and digest.
func (s *Service) GetManifest(ctx context.Context, org, repo, ref string) ([]byte, string, digest.Digest, error) {
	if _, err := s.store.GetRepo(ctx, org, repo); err != nil {
		return nil, "", "", err
	}

	var dgst digest.Digest
	if IsDigest(ref) {
		dgst = digest.Digest(ref)
		if err := dgst.Validate(); err != nil {
			return nil, "", "", fmt.Errorf("digest %q: %w", ref, domain.ErrNameInvalid)
		}
	} else {
		var err error
		dgst, err = s.store.ResolveTag(ctx, org, repo, ref)
		if err != nil {
			return nil, "", "", err
		}
	}

	data, mediaType, err := s.manifests.Get(dgst)
	if err != nil {
		return nil, "", "", err
	}
	manifestPulls.Inc()
	return data, mediaType, dgst, nil
}

// PutManifest validates and stores manifest bytes, then points ref at the
// stored digest when ref is a tag. The manifest is stored before the tag is
// repointed, so a tag never references an unstored manifest; a stored
// manifest that gains no tag stays invisible and is reclaimed by the
// garbage collector.
func (s *Service) PutManifest(ctx context.Context, org, repo, ref string, data []byte) (digest.Digest, error) {
	rep, err := s.store.GetRepo(ctx, org, repo)
	if err != nil {
		return "", err
	}

	dgst, err := s.manifests.Put(data)
	if err != nil {
		return "", err
	}

	if IsDigest(ref) {
		if digest.Digest(ref) != dgst {
			return "", fmt.Errorf("reference %s does not match content %s: %w", ref, dgst, domain.ErrDigestMismatch)
		}
	} else {
		if err := s.setTag(ctx, rep.ID, ref, dgst); err != nil {
			return "", err
		}
	}

	manifestPushes.Inc()
	log.Info().Str("org", org).Str("repo", repo).Str("ref", ref).Str("digest", dgst.String()).Msg("manifest pushed")
	return dgst, nil
}

// setTag points a tag at a stored manifest. A digest the manifest store
// does not hold is refused, so a resolvable tag always has fetchable
// content.
func (s *Service) setTag(ctx context.Context, repoID int64, tag string, dgst digest.Digest) error {
	if !s.manifests.Exists(dgst) {
		return fmt.Errorf("manifest %s: %w", dgst, domain.ErrNotFound)
	}
	return s.store.SetTag(ctx, repoID, tag, dgst)
}

// DeleteManifest removes a tag pointer (ref = tag) or every tag in the
// repository pointing at the digest (ref = digest). Physical reclamation is
// deferred to the garbage collector.
func (s *Service) DeleteManifest(ctx context.Context, org, repo, ref string) error {
	rep, err := s.store.GetRepo(ctx, org, repo)
	if err != nil {
		return err
	}

	if !IsDigest(ref) {
		return s.store.DeleteTag(ctx, rep.ID, ref)
	}

	dgst := digest.Digest(ref)
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("digest %q: %w", ref, domain.ErrNameInvalid)
	}
	if !s.manifests.Exists(dgst) {
		return fmt.Errorf("manifest %s: %w", dgst, domain.ErrNotFound)
	}
	if _, err := s.store.DeleteTagsByDigest(ctx, rep.ID, dgst); err != nil {
		return err
	}
	return nil
}

// OpenBlob returns a pinned reader over a blob plus its size.
func (s *Service) OpenBlob(dgst digest.Digest) (io.ReadSeekCloser, int64, error) {
	rc, size, err := s.blobs.Open(dgst)
	if err == nil {
		blobPulls.Inc()
	}
	return rc, size, err
}

// StatBlob returns a blob's size and last-modified time.
func (s *Service) StatBlob(dgst digest.Digest) (int64, time.Time, error) {
	return s.blobs.Stat(dgst)
}

// BlobExists reports whether a blob is committed, for cross-repository
// dedup: a client holding a blob another repository already pushed may skip
// re-upload entirely.
func (s *Service) BlobExists(dgst digest.Digest) bool {
	return s.blobs.Exists(dgst)
}

// PutBlob stores a monolithic blob upload directly, verifying its digest.
func (s *Service) PutBlob(data io.Reader, expected digest.Digest) (int64, error) {
	_, size, err := s.blobs.Put(data, expected)
	return size, err
}

// ListTags returns a repository's tags in lexicographic order.
func (s *Service) ListTags(ctx context.Context, org, repo string) ([]string, error) {
	rep, err := s.store.GetRepo(ctx, org, repo)
	if err != nil {
		return nil, err
	}
	return s.store.ListTags(ctx, rep.ID)
}
