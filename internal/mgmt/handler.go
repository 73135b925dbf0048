// Package mgmt implements the JSON management API consumed by the
// dashboard: organizations, repositories, members, API keys and account
// flows.
package mgmt

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/auth"
	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/store"
)

const principalKey = "principal"

// Handler serves the management API.
type Handler struct {
	store *store.Store
	authn *auth.Service
	authz *auth.Authorizer
}

// NewHandler creates the management API handler.
func NewHandler(st *store.Store, authn *auth.Service, authz *auth.Authorizer) *Handler {
	return &Handler{store: st, authn: authn, authz: authz}
}

// Register wires routes and middleware onto the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(h.authenticate)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")

	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)
	api.POST("/auth/forgot-password", h.forgotPassword)
	api.POST("/auth/reset-password", h.resetPassword)
	api.POST("/auth/change-password", h.changePassword)

	api.GET("/organizations", h.listOrgs)
	api.POST("/organizations", h.createOrg)
	api.GET("/organizations/:id", h.getOrg)
	api.PUT("/organizations/:id", h.updateOrg)
	api.DELETE("/organizations/:id", h.deleteOrg)

	api.GET("/organizations/:id/members", h.listMembers)
	api.POST("/organizations/:id/members", h.addMember)
	api.PUT("/organizations/:id/members/:userID", h.updateMember)
	api.DELETE("/organizations/:id/members/:userID", h.removeMember)

	api.GET("/repos/:org", h.listRepos)
	api.POST("/repos/:org", h.createRepo)
	api.GET("/repos/:org/:repo", h.getRepo)
	api.PUT("/repos/:org/:repo", h.updateRepo)
	api.DELETE("/repos/:org/:repo", h.deleteRepo)

	api.GET("/keys", h.listKeys)
	api.POST("/keys", h.createKey)
	api.DELETE("/keys/:id", h.deleteKey)
}

// authenticate resolves the Authorization header into a principal for every
// request. Missing credentials yield the anonymous principal; individual
// handlers decide whether that is acceptable.
func (h *Handler) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := h.authn.Authenticate(c.Request().Context(), c.Request().Header.Get("Authorization"))
		if err != nil {
			return sendErr(c, err)
		}
		c.Set(principalKey, principal)
		return next(c)
	}
}

// principal returns the request's principal, anonymous when unset.
func principal(c echo.Context) domain.Principal {
	if p, ok := c.Get(principalKey).(domain.Principal); ok {
		return p
	}
	return domain.Principal{Anonymous: true}
}

// requireUser fails with 401 unless the request is authenticated.
func requireUser(c echo.Context) (domain.Principal, error) {
	p := principal(c)
	if p.Anonymous || p.UserID == 0 {
		return p, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

// sendErr maps a domain error onto an HTTP error. It always returns a
// non-nil error so helpers that load a resource can hand the result
// straight back to the caller.
func sendErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNameInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrExpired):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("management api error")
		return echo.NewHTTPError(status, "internal error")
	}
	return echo.NewHTTPError(status, err.Error())
}

func forbidden(c echo.Context, d auth.Decision) error {
	if d == auth.DenyUnauthenticated {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
}
