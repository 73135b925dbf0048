package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bosunhq/bosun/internal/domain"
)

// CreateRepo creates a repository within an organization. Fails with
// ErrConflict when the (org, name) pair is taken.
func (s *Store) CreateRepo(ctx context.Context, repo *domain.Repository) (*domain.Repository, error) {
	if !domain.ValidRepoName(repo.Name) {
		return nil, fmt.Errorf("repository name %q: %w", repo.Name, domain.ErrNameInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO repositories (org_id, name, description, public) VALUES (?, ?, ?, ?)",
		repo.OrgID, repo.Name, repo.Description, repo.Public)
	if err != nil {
		return nil, translateErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRepoByID(ctx, id)
}

// GetRepoByID returns the repository with the given id.
func (s *Store) GetRepoByID(ctx context.Context, id int64) (*domain.Repository, error) {
	return scanRepo(s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, description, public, created_at FROM repositories WHERE id = ?", id))
}

// GetRepo resolves a repository by organization and repository name.
func (s *Store) GetRepo(ctx context.Context, org, name string) (*domain.Repository, error) {
	return scanRepo(s.db.QueryRowContext(ctx, `
		SELECT r.id, r.org_id, r.name, r.description, r.public, r.created_at
		FROM repositories r
		JOIN organizations o ON o.id = r.org_id
		WHERE o.name = ? AND r.name = ?`, org, name))
}

// ListRepos returns an organization's repositories ordered by name.
func (s *Store) ListRepos(ctx context.Context, orgID int64) ([]*domain.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, name, description, public, created_at FROM repositories WHERE org_id = ? ORDER BY name",
		orgID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var repos []*domain.Repository
	for rows.Next() {
		var r domain.Repository
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Name, &r.Description, &r.Public, &r.CreatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

// UpdateRepo updates the mutable repository fields.
func (s *Store) UpdateRepo(ctx context.Context, repo *domain.Repository) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE repositories SET description = ?, public = ? WHERE id = ?",
		repo.Description, repo.Public, repo.ID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "repository")
}

// DeleteRepo deletes a repository, cascading to its tags. The blobs and
// manifests those tags referenced become garbage-collection eligible.
func (s *Store) DeleteRepo(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "repository")
}

func scanRepo(row *sql.Row) (*domain.Repository, error) {
	var r domain.Repository
	err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.Description, &r.Public, &r.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &r, nil
}
