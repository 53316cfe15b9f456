package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/auth"
)

// AuthHandler exchanges credentials for access tokens.
type AuthHandler struct {
	svc    *auth.AuthService
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
	}
}

// tokenRequest is the JSON body expected by POST /api/v1/auth/token.
type tokenRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token handles POST /api/v1/auth/token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		// Wrong credentials and disabled accounts get the same 401 to avoid
		// user enumeration.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tokenResponse{
		Token:     token.AccessToken,
		Username:  token.Username,
		ExpiresAt: token.ExpiresAt.UTC(),
	})
}
