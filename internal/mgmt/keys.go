package mgmt

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bosunhq/bosun/internal/domain"
)

type keyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	// Secret is present only in the creation response.
	Secret string `json:"secret,omitempty"`
}

func toKeyResponse(k *domain.APIKey) keyResponse {
	resp := keyResponse{
		ID:        k.ID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Revoked:   k.Revoked(),
	}
	if !k.LastUsedAt.IsZero() {
		t := k.LastUsedAt
		resp.LastUsedAt = &t
	}
	return resp
}

func (h *Handler) listKeys(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	keys, err := h.store.ListAPIKeys(c.Request().Context(), p.UserID)
	if err != nil {
		return sendErr(c, err)
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	return c.JSON(http.StatusOK, out)
}

type keyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createKey(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	var req keyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key name required")
	}

	key, secret, err := h.authn.CreateAPIKey(c.Request().Context(), p.UserID, req.Name)
	if err != nil {
		return sendErr(c, err)
	}

	// The plaintext secret is returned exactly once.
	resp := toKeyResponse(key)
	resp.Secret = secret
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) deleteKey(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	if err := h.store.RevokeAPIKey(c.Request().Context(), c.Param("id"), p.UserID); err != nil {
		return sendErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
