package mgmt

import (
	"net/http"
	"net/mail"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/auth"
)

const (
	minPasswordLen = 8
	otpTTL         = 15 * time.Minute
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *Handler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email address")
	}
	if len(req.Password) < minPasswordLen {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}

	hash, err := h.authn.HashPassword(req.Password)
	if err != nil {
		return sendErr(c, err)
	}
	user, err := h.store.CreateUser(c.Request().Context(), req.Email, req.Name, hash)
	if err != nil {
		return sendErr(c, err)
	}

	token, err := h.authn.IssueToken(user)
	if err != nil {
		return sendErr(c, err)
	}
	log.Info().Str("email", user.Email).Int64("user_id", user.ID).Msg("user registered")
	return c.JSON(http.StatusCreated, tokenResponse{Token: token})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := h.authn.CheckPassword(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return sendErr(c, err)
	}
	token, err := h.authn.IssueToken(user)
	if err != nil {
		return sendErr(c, err)
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// forgotPassword issues a one-time reset code. The response is 204 whether
// or not the email exists, to avoid account enumeration. Delivery is out of
// scope; the code is stored hashed and surfaced through the operator log.
func (h *Handler) forgotPassword(c echo.Context) error {
	var req forgotPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	user, err := h.store.GetUserByEmail(ctx, req.Email)
	if err == nil {
		code, hash, genErr := h.authn.GenerateOTP()
		if genErr == nil {
			if setErr := h.store.SetPasswordReset(ctx, user.ID, hash, time.Now().Add(otpTTL)); setErr == nil {
				log.Info().Str("email", user.Email).Str("otp", code).Msg("password reset code issued")
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) resetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.NewPassword) < minPasswordLen {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	ctx := c.Request().Context()

	user, err := h.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid reset code")
	}
	otpHash, err := h.store.GetPasswordReset(ctx, user.ID)
	if err != nil || !auth.CheckOTP(otpHash, req.Code) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid reset code")
	}

	hash, err := h.authn.HashPassword(req.NewPassword)
	if err != nil {
		return sendErr(c, err)
	}
	if err := h.store.UpdatePassword(ctx, user.ID, hash); err != nil {
		return sendErr(c, err)
	}
	if err := h.store.ConsumePasswordReset(ctx, user.ID); err != nil {
		return sendErr(c, err)
	}
	log.Info().Str("email", user.Email).Msg("password reset")
	return c.NoContent(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) changePassword(c echo.Context) error {
	p, err := requireUser(c)
	if err != nil {
		return err
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.NewPassword) < minPasswordLen {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	ctx := c.Request().Context()

	if _, err := h.authn.CheckPassword(ctx, p.Email, req.CurrentPassword); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "current password is incorrect")
	}
	hash, err := h.authn.HashPassword(req.NewPassword)
	if err != nil {
		return sendErr(c, err)
	}
	if err := h.store.UpdatePassword(ctx, p.UserID, hash); err != nil {
		return sendErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
