package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
)

// Docker schema 2 media types, still what docker push sends by default.
const (
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// BlobChecker answers whether a blob digest is committed. Satisfied by
// *BlobStore.
type BlobChecker interface {
	Exists(dgst digest.Digest) bool
}

// ManifestStore stores manifests immutably, keyed by the digest of their
// canonical bytes. A manifest is never updated in place; retagging writes a
// new manifest and repoints the tag.
type ManifestStore struct {
	rootDir string
	blobs   BlobChecker
}

// NewManifestStore creates the manifest directory layout under rootDir.
func NewManifestStore(rootDir string, blobs BlobChecker) (*ManifestStore, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "manifests"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return &ManifestStore{rootDir: rootDir, blobs: blobs}, nil
}

// manifestDoc is the superset of fields shared by OCI and Docker schema 2
// manifests and indexes, enough to validate references.
type manifestDoc struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"`
}

// Put validates and stores manifest bytes, returning their digest. It fails
// with ErrManifestInvalid on malformed JSON or schema violations and with
// ErrBlobNotFound when a referenced config or layer blob is not committed.
// Storing the same bytes twice yields the same digest and no new storage.
func (ms *ManifestStore) Put(data []byte) (digest.Digest, error) {
	doc, err := parseManifest(data)
	if err != nil {
		return "", err
	}

	if doc.Config != nil || len(doc.Layers) > 0 {
		if doc.Config == nil {
			return "", fmt.Errorf("manifest missing config: %w", domain.ErrManifestInvalid)
		}
		if !ms.blobs.Exists(doc.Config.Digest) {
			return "", fmt.Errorf("config %s: %w", doc.Config.Digest, domain.ErrBlobNotFound)
		}
		for _, layer := range doc.Layers {
			if !ms.blobs.Exists(layer.Digest) {
				return "", fmt.Errorf("layer %s: %w", layer.Digest, domain.ErrBlobNotFound)
			}
		}
	} else {
		// Manifest list / index: children must already be stored manifests.
		for _, m := range doc.Manifests {
			if !ms.Exists(m.Digest) {
				return "", fmt.Errorf("child manifest %s: %w", m.Digest, domain.ErrBlobNotFound)
			}
		}
	}

	dgst := digest.Canonical.FromBytes(data)
	path := ms.manifestPath(dgst)
	if _, err := os.Stat(path); err == nil {
		return dgst, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit manifest: %w", err)
	}

	log.Debug().Str("digest", dgst.String()).Int("size", len(data)).Msg("manifest stored")
	return dgst, nil
}

// Get returns the manifest bytes and media type for a digest.
func (ms *ManifestStore) Get(dgst digest.Digest) ([]byte, string, error) {
	data, err := os.ReadFile(ms.manifestPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("manifest %s: %w", dgst, domain.ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to read manifest: %w", err)
	}
	return data, MediaType(data), nil
}

// Exists reports whether a manifest with the given digest is stored.
func (ms *ManifestStore) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(ms.manifestPath(dgst))
	return err == nil
}

// Stat returns the last-modified time of a stored manifest.
func (ms *ManifestStore) Stat(dgst digest.Digest) (time.Time, error) {
	fi, err := os.Stat(ms.manifestPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("manifest %s: %w", dgst, domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("failed to stat manifest: %w", err)
	}
	return fi.ModTime(), nil
}

// Delete removes a manifest. Only the garbage collector calls this.
func (ms *ManifestStore) Delete(dgst digest.Digest) error {
	if err := os.Remove(ms.manifestPath(dgst)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("manifest %s: %w", dgst, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	log.Debug().Str("digest", dgst.String()).Msg("manifest deleted")
	return nil
}

// Walk calls fn for every stored manifest digest.
func (ms *ManifestStore) Walk(fn func(dgst digest.Digest, modTime time.Time) error) error {
	dir := filepath.Join(ms.rootDir, "manifests")
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		algo := filepath.Base(filepath.Dir(filepath.Dir(path)))
		dgst := digest.NewDigestFromEncoded(digest.Algorithm(algo), info.Name())
		if err := dgst.Validate(); err != nil {
			return nil
		}
		return fn(dgst, info.ModTime())
	})
}

// References returns every digest a manifest directly references: config and
// layers for image manifests, child manifests for indexes. Used by the
// garbage collector's mark phase.
func References(data []byte) []digest.Digest {
	doc, err := parseManifest(data)
	if err != nil {
		return nil
	}
	var refs []digest.Digest
	if doc.Config != nil {
		refs = append(refs, doc.Config.Digest)
	}
	for _, layer := range doc.Layers {
		refs = append(refs, layer.Digest)
	}
	for _, m := range doc.Manifests {
		refs = append(refs, m.Digest)
	}
	return refs
}

// MediaType extracts the manifest media type from its bytes, defaulting to
// the Docker schema 2 type when absent.
func MediaType(data []byte) string {
	var doc struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && doc.MediaType != "" {
		return doc.MediaType
	}
	return MediaTypeDockerManifest
}

func parseManifest(data []byte) (*manifestDoc, error) {
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed manifest JSON: %w", domain.ErrManifestInvalid)
	}
	if doc.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported schema version %d: %w", doc.SchemaVersion, domain.ErrManifestInvalid)
	}
	switch doc.MediaType {
	case "", ocispec.MediaTypeImageManifest, ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifest, MediaTypeDockerList:
	default:
		return nil, fmt.Errorf("unsupported media type %q: %w", doc.MediaType, domain.ErrManifestInvalid)
	}
	if doc.Config != nil {
		if err := doc.Config.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config digest: %w", domain.ErrManifestInvalid)
		}
	}
	for _, layer := range doc.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid layer digest: %w", domain.ErrManifestInvalid)
		}
	}
	for _, m := range doc.Manifests {
		if err := m.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid child manifest digest: %w", domain.ErrManifestInvalid)
		}
	}
	return &doc, nil
}

func (ms *ManifestStore) manifestPath(dgst digest.Digest) string {
	encoded := dgst.Encoded()
	if len(encoded) < 2 {
		return filepath.Join(ms.rootDir, "manifests", dgst.Algorithm().String(), encoded)
	}
	return filepath.Join(ms.rootDir, "manifests", dgst.Algorithm().String(), encoded[:2], encoded)
}
