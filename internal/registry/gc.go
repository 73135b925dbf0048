package registry

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/storage"
	"github.com/bosunhq/bosun/internal/store"
)

// Collector reclaims manifests and blobs no longer referenced by any tag.
// It is conservative: an object is deleted only when it was unreachable at
// both the start and the end of the sweep and older than the grace period,
// so concurrent retags and just-committed uploads are never collected.
type Collector struct {
	store     *store.Store
	blobs     *storage.BlobStore
	manifests *storage.ManifestStore
	grace     time.Duration
}

// NewCollector creates a garbage collector with the given grace period.
func NewCollector(st *store.Store, blobs *storage.BlobStore, manifests *storage.ManifestStore, grace time.Duration) *Collector {
	return &Collector{store: st, blobs: blobs, manifests: manifests, grace: grace}
}

// Run performs one mark-and-sweep pass. Individual deletion failures are
// logged and skipped; the next scheduled sweep retries them.
func (c *Collector) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.Add(-c.grace)

	// Mark phase, first snapshot.
	marked, err := c.mark(ctx)
	if err != nil {
		return err
	}

	// Collect sweep candidates older than the grace period.
	var manifestCandidates, blobCandidates []digest.Digest
	err = c.manifests.Walk(func(dgst digest.Digest, modTime time.Time) error {
		if !marked[dgst] && modTime.Before(cutoff) {
			manifestCandidates = append(manifestCandidates, dgst)
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = c.blobs.Walk(func(dgst digest.Digest, modTime time.Time) error {
		if !marked[dgst] && modTime.Before(cutoff) {
			blobCandidates = append(blobCandidates, dgst)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Second snapshot: anything that became reachable mid-sweep is spared.
	remarked, err := c.mark(ctx)
	if err != nil {
		return err
	}

	var deletedManifests, deletedBlobs int
	for _, dgst := range manifestCandidates {
		if remarked[dgst] {
			continue
		}
		if err := c.manifests.Delete(dgst); err != nil {
			log.Warn().Err(err).Str("digest", dgst.String()).Msg("gc: manifest delete skipped")
			continue
		}
		gcDeletedObjects.WithLabelValues("manifest").Inc()
		deletedManifests++
	}
	for _, dgst := range blobCandidates {
		if remarked[dgst] {
			continue
		}
		if err := c.blobs.Delete(dgst); err != nil {
			log.Warn().Err(err).Str("digest", dgst.String()).Msg("gc: blob delete skipped")
			continue
		}
		gcDeletedObjects.WithLabelValues("blob").Inc()
		deletedBlobs++
	}

	log.Info().
		Int("manifests_deleted", deletedManifests).
		Int("blobs_deleted", deletedBlobs).
		Dur("duration", time.Since(start)).
		Msg("gc sweep finished")
	return nil
}

// mark walks every live tag and transitively marks each manifest digest and
// every blob digest (config and layers) it references as reachable.
func (c *Collector) mark(ctx context.Context) (map[digest.Digest]bool, error) {
	roots, err := c.store.AllTagDigests(ctx)
	if err != nil {
		return nil, err
	}

	marked := make(map[digest.Digest]bool)
	var walk func(dgst digest.Digest)
	walk = func(dgst digest.Digest) {
		if marked[dgst] {
			return
		}
		marked[dgst] = true
		data, _, err := c.manifests.Get(dgst)
		if err != nil {
			// Tag pointing at a missing manifest; nothing to expand.
			return
		}
		for _, ref := range storage.References(data) {
			if c.manifests.Exists(ref) {
				walk(ref) // child manifest of an index
			} else {
				marked[ref] = true // config or layer blob
			}
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return marked, nil
}
