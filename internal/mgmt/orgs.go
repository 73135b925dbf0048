package mgmt

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bosunhq/bosun/internal/auth"
	"github.com/bosunhq/bosun/internal/domain"
)

type orgResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toOrgResponse(o *domain.Organization) orgResponse {
	return orgResponse{
		ID:          o.ID,
		Name:        o.Name,
		DisplayName: o.DisplayName,
		Description: o.Description,
		Website:     o.Website,
		CreatedAt:   o.CreatedAt,
	}
}

func (h *Handler) listOrgs(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	orgs, err := h.store.ListOrgsForUser(c.Request().Context(), p.UserID)
	if err != nil {
		return sendErr(c, err)
	}
	out := make([]orgResponse, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, toOrgResponse(o))
	}
	return c.JSON(http.StatusOK, out)
}

type orgRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Website     string `json:"website"`
}

func (h *Handler) createOrg(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	var req orgRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	org, err := h.store.CreateOrg(c.Request().Context(), &domain.Organization{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Website:     req.Website,
	}, p.UserID)
	if err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusCreated, toOrgResponse(org))
}

// orgFromPath loads the organization named by the :id path parameter.
func (h *Handler) orgFromPath(c echo.Context) (*domain.Organization, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid organization id")
	}
	org, err := h.store.GetOrgByID(c.Request().Context(), id)
	if err != nil {
		return nil, sendErr(c, err)
	}
	return org, nil
}

// requireOrgRole checks the principal holds at least role in the org.
func (h *Handler) requireOrgRole(c echo.Context, orgID int64, role domain.Role) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	m, err := h.store.GetMembership(c.Request().Context(), p.UserID, orgID)
	if err != nil || !m.Role.AtLeast(role) {
		return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
	}
	return nil
}

func (h *Handler) getOrg(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	if err := h.requireOrgRole(c, org.ID, domain.RoleMember); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toOrgResponse(org))
}

func (h *Handler) updateOrg(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	if err := h.requireOrgRole(c, org.ID, domain.RoleAdmin); err != nil {
		return err
	}
	var req orgRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	org.DisplayName = req.DisplayName
	org.Description = req.Description
	org.Website = req.Website
	if err := h.store.UpdateOrg(c.Request().Context(), org); err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusOK, toOrgResponse(org))
}

func (h *Handler) deleteOrg(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	if err := h.requireOrgRole(c, org.ID, domain.RoleAdmin); err != nil {
		return err
	}
	if err := h.store.DeleteOrg(c.Request().Context(), org.ID); err != nil {
		return sendErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type memberResponse struct {
	UserID int64       `json:"user_id"`
	Role   domain.Role `json:"role"`
}

func (h *Handler) listMembers(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	if err := h.requireOrgRole(c, org.ID, domain.RoleMember); err != nil {
		return err
	}
	members, err := h.store.ListMembers(c.Request().Context(), org.ID)
	if err != nil {
		return sendErr(c, err)
	}
	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, memberResponse{UserID: m.UserID, Role: m.Role})
	}
	return c.JSON(http.StatusOK, out)
}

type memberRequest struct {
	UserID int64       `json:"user_id"`
	Role   domain.Role `json:"role"`
}

func (h *Handler) addMember(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	var req memberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.setMember(c, org.ID, req.UserID, req.Role)
}

func (h *Handler) updateMember(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	var req memberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.setMember(c, org.ID, userID, req.Role)
}

func (h *Handler) setMember(c echo.Context, orgID, userID int64, role domain.Role) error {
	if !role.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
	}
	if d := h.authz.AuthorizeMemberChange(c.Request().Context(), principal(c), orgID, userID, role); d != auth.Allow {
		return forbidden(c, d)
	}
	if _, err := h.store.GetUserByID(c.Request().Context(), userID); err != nil {
		return sendErr(c, err)
	}
	m := &domain.Membership{UserID: userID, OrgID: orgID, Role: role}
	if err := h.store.SetMembership(c.Request().Context(), m); err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusOK, memberResponse{UserID: userID, Role: role})
}

func (h *Handler) removeMember(c echo.Context) error {
	org, err := h.orgFromPath(c)
	if err != nil {
		return err
	}
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	// Empty role means removal in the membership-change check.
	if d := h.authz.AuthorizeMemberChange(c.Request().Context(), principal(c), org.ID, userID, ""); d != auth.Allow {
		return forbidden(c, d)
	}
	if err := h.store.RemoveMembership(c.Request().Context(), userID, org.ID); err != nil {
		return sendErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
