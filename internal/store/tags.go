package store

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/bosunhq/bosun/internal/domain"
)

// ResolveTag returns the manifest digest a tag points to. Fails with
// ErrNotFound when the repository or tag does not exist.
func (s *Store) ResolveTag(ctx context.Context, org, repo, tag string) (digest.Digest, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT t.manifest_digest
		FROM tags t
		JOIN repositories r ON r.id = t.repo_id
		JOIN organizations o ON o.id = r.org_id
		WHERE o.name = ? AND r.name = ? AND t.name = ?`,
		org, repo, tag).Scan(&raw)
	if err != nil {
		return "", translateErr(err)
	}
	return digest.Digest(raw), nil
}

// SetTag atomically points a tag at a manifest digest, creating it if
// absent. Concurrent writers for the same (repo, tag) are linearized by the
// database; a reader sees either the old or the new digest, never a torn
// value. The version column increments on every repoint. The digest is not
// validated here; the registry service checks the manifest store before
// tagging.
func (s *Store) SetTag(ctx context.Context, repoID int64, tag string, dgst digest.Digest) error {
	if !domain.ValidRepoName(tag) {
		return fmt.Errorf("tag name %q: %w", tag, domain.ErrNameInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (repo_id, name, manifest_digest, version) VALUES (?, ?, ?, 1)
		ON CONFLICT (repo_id, name) DO UPDATE SET
			manifest_digest = excluded.manifest_digest,
			version = tags.version + 1`,
		repoID, tag, dgst.String())
	return translateErr(err)
}

// DeleteTag removes a tag pointer. Deleting a tag that does not exist fails
// with ErrNotFound so caller mistakes stay observable.
func (s *Store) DeleteTag(ctx context.Context, repoID int64, tag string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tags WHERE repo_id = ? AND name = ?", repoID, tag)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "tag")
}

// DeleteTagsByDigest removes every tag in a repository that points at the
// given manifest digest, returning how many were removed. Used when a
// client deletes a manifest by digest.
func (s *Store) DeleteTagsByDigest(ctx context.Context, repoID int64, dgst digest.Digest) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tags WHERE repo_id = ? AND manifest_digest = ?", repoID, dgst.String())
	if err != nil {
		return 0, translateErr(err)
	}
	return res.RowsAffected()
}

// ListTags returns a repository's tag names in lexicographic order, for
// deterministic pagination.
func (s *Store) ListTags(ctx context.Context, repoID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM tags WHERE repo_id = ? ORDER BY name", repoID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// AllTagDigests returns the manifest digest of every live tag across all
// repositories. The garbage collector's mark phase starts from this set.
func (s *Store) AllTagDigests(ctx context.Context) ([]digest.Digest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT manifest_digest FROM tags")
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var digests []digest.Digest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		digests = append(digests, digest.Digest(raw))
	}
	return digests, rows.Err()
}
