package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
)

// UserHandler serves the public user directory. Users are created with
// cmd/seed; the API is read-only.
type UserHandler struct {
	repo   repositories.UserRepository
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(repo repositories.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		repo:   repo,
		logger: logger.Named("user_handler"),
	}
}

// List handles GET /api/v1/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, page[chat.UserView]{
		Items: lo.Map(users, func(u db.User, _ int) chat.UserView { return chat.NewUserView(u) }),
		Total: total,
	})
}

// Get handles GET /api/v1/users/{username}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	user, err := h.repo.GetByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user", zap.String("username", username), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, chat.NewUserView(*user))
}
