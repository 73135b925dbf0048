package mgmt

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bosunhq/bosun/internal/auth"
	"github.com/bosunhq/bosun/internal/domain"
)

type repoResponse struct {
	ID          int64     `json:"id"`
	Org         string    `json:"org"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Public      bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRepoResponse(org string, r *domain.Repository) repoResponse {
	return repoResponse{
		ID:          r.ID,
		Org:         org,
		Name:        r.Name,
		Description: r.Description,
		Public:      r.Public,
		CreatedAt:   r.CreatedAt,
	}
}

func (h *Handler) listRepos(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := h.store.GetOrgByName(ctx, c.Param("org"))
	if err != nil {
		return sendErr(c, err)
	}

	repos, err := h.store.ListRepos(ctx, org.ID)
	if err != nil {
		return sendErr(c, err)
	}

	// Members see every repository; everyone else sees only public ones.
	member := false
	if p := principal(c); !p.Anonymous && p.UserID != 0 {
		if _, err := h.store.GetMembership(ctx, p.UserID, org.ID); err == nil {
			member = true
		}
	}

	out := make([]repoResponse, 0, len(repos))
	for _, r := range repos {
		if member || r.Public {
			out = append(out, toRepoResponse(org.Name, r))
		}
	}
	return c.JSON(http.StatusOK, out)
}

type repoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"is_public"`
}

func (h *Handler) createRepo(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := h.store.GetOrgByName(ctx, c.Param("org"))
	if err != nil {
		return sendErr(c, err)
	}
	var req repoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if d := h.authz.Authorize(ctx, principal(c), org.Name, req.Name, domain.ActionManageRepo); d != auth.Allow {
		return forbidden(c, d)
	}

	repo, err := h.store.CreateRepo(ctx, &domain.Repository{
		OrgID:       org.ID,
		Name:        req.Name,
		Description: req.Description,
		Public:      req.Public,
	})
	if err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusCreated, toRepoResponse(org.Name, repo))
}

func (h *Handler) getRepo(c echo.Context) error {
	ctx := c.Request().Context()
	orgName, repoName := c.Param("org"), c.Param("repo")

	repo, err := h.store.GetRepo(ctx, orgName, repoName)
	if err != nil {
		return sendErr(c, err)
	}
	if d := h.authz.Authorize(ctx, principal(c), orgName, repoName, domain.ActionPull); d != auth.Allow {
		return forbidden(c, d)
	}
	return c.JSON(http.StatusOK, toRepoResponse(orgName, repo))
}

func (h *Handler) updateRepo(c echo.Context) error {
	ctx := c.Request().Context()
	orgName, repoName := c.Param("org"), c.Param("repo")

	repo, err := h.store.GetRepo(ctx, orgName, repoName)
	if err != nil {
		return sendErr(c, err)
	}
	if d := h.authz.Authorize(ctx, principal(c), orgName, repoName, domain.ActionManageRepo); d != auth.Allow {
		return forbidden(c, d)
	}

	var req repoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	repo.Description = req.Description
	repo.Public = req.Public
	if err := h.store.UpdateRepo(ctx, repo); err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusOK, toRepoResponse(orgName, repo))
}

func (h *Handler) deleteRepo(c echo.Context) error {
	ctx := c.Request().Context()
	orgName, repoName := c.Param("org"), c.Param("repo")

	repo, err := h.store.GetRepo(ctx, orgName, repoName)
	if err != nil {
		return sendErr(c, err)
	}
	if d := h.authz.Authorize(ctx, principal(c), orgName, repoName, domain.ActionManageRepo); d != auth.Allow {
		return forbidden(c, d)
	}

	// Tags cascade with the row; orphaned manifests and blobs are
	// reclaimed by the next garbage collection sweep.
	if err := h.store.DeleteRepo(ctx, repo.ID); err != nil {
		return sendErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
