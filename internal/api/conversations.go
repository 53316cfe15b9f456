package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
)

// ConversationHandler serves 1:1 conversations and their message history.
// A caller only ever sees conversations it participates in.
type ConversationHandler struct {
	users         repositories.UserRepository
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	logger        *zap.Logger
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(
	users repositories.UserRepository,
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		users:         users,
		conversations: conversations,
		messages:      messages,
		logger:        logger.Named("conversation_handler"),
	}
}

// conversationResponse is the JSON representation of a 1:1 conversation
// from the caller's point of view.
type conversationResponse struct {
	ID          chat.HexID        `json:"id"`
	Name        string            `json:"name"`
	OtherUser   *chat.UserView    `json:"other_user"`
	LastMessage *chat.MessageView `json:"last_message"`
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	me, ok := h.caller(w, r)
	if !ok {
		return
	}

	convs, total, err := h.conversations.ListForUser(r.Context(), me.ID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list conversations", zap.String("username", me.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]conversationResponse, 0, len(convs))
	for i := range convs {
		resp, err := h.render(r.Context(), me, &convs[i])
		if err != nil {
			h.logger.Error("failed to render conversation", zap.String("conversation", convs[i].Name), zap.Error(err))
			ErrInternal(w)
			return
		}
		items = append(items, resp)
	}

	Ok(w, page[conversationResponse]{Items: items, Total: total})
}

// Get handles GET /api/v1/conversations/{name}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	me, ok := h.caller(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if _, err := chat.ParseDirectName(name, me.Username); err != nil {
		ErrNotFound(w)
		return
	}

	conv, err := h.conversations.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get conversation", zap.String("conversation", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := h.render(r.Context(), me, conv)
	if err != nil {
		h.logger.Error("failed to render conversation", zap.String("conversation", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, resp)
}

// Messages handles GET /api/v1/messages?conversation=<name>. Messages are
// returned newest-first. Conversations the caller is not part of, or that do
// not exist yet, yield an empty page.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	me, ok := h.caller(w, r)
	if !ok {
		return
	}

	name := r.URL.Query().Get("conversation")
	empty := page[chat.MessageView]{Items: []chat.MessageView{}}

	peerName, err := chat.ParseDirectName(name, me.Username)
	if err != nil {
		Ok(w, empty)
		return
	}

	conv, err := h.conversations.GetByName(r.Context(), name)
	if errors.Is(err, repositories.ErrNotFound) {
		Ok(w, empty)
		return
	}
	if err != nil {
		h.logger.Error("failed to get conversation", zap.String("conversation", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	msgs, total, err := h.messages.ListByConversation(r.Context(), conv.ID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("conversation", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	peer, err := h.users.GetByUsername(r.Context(), peerName)
	if err != nil {
		h.logger.Error("failed to get conversation peer", zap.String("conversation", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	users := map[uuid.UUID]db.User{me.ID: *me, peer.ID: *peer}

	Ok(w, page[chat.MessageView]{
		Items: lo.Map(msgs, func(m db.Message, _ int) chat.MessageView { return chat.NewMessageView(m, users) }),
		Total: total,
	})
}

// render builds the caller's view of conv. A peer that no longer exists is
// rendered as null.
func (h *ConversationHandler) render(ctx context.Context, me *db.User, conv *db.Conversation) (conversationResponse, error) {
	resp := conversationResponse{ID: chat.HexID(conv.ID), Name: conv.Name}

	users := map[uuid.UUID]db.User{me.ID: *me}
	if peerName, err := chat.ParseDirectName(conv.Name, me.Username); err == nil {
		peer, err := h.users.GetByUsername(ctx, peerName)
		switch {
		case err == nil:
			view := chat.NewUserView(*peer)
			resp.OtherUser = &view
			users[peer.ID] = *peer
		case !errors.Is(err, repositories.ErrNotFound):
			return resp, fmt.Errorf("loading peer %q: %w", peerName, err)
		}
	}

	last, _, err := h.messages.ListByConversation(ctx, conv.ID, repositories.ListOptions{Limit: 1})
	if err != nil {
		return resp, fmt.Errorf("loading last message: %w", err)
	}
	if len(last) > 0 {
		view := chat.NewMessageView(last[0], users)
		resp.LastMessage = &view
	}
	return resp, nil
}

// caller loads the authenticated user. It writes 401 and returns false when
// the token no longer maps to an active user.
func (h *ConversationHandler) caller(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	return currentUser(w, r, h.users, h.logger)
}

// currentUser resolves the identity in the request context to a stored,
// active user.
func currentUser(w http.ResponseWriter, r *http.Request, users repositories.UserRepository, logger *zap.Logger) (*db.User, bool) {
	id, ok := identityFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return nil, false
	}
	user, err := users.GetByID(r.Context(), id.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrUnauthorized(w)
		return nil, false
	}
	if err != nil {
		logger.Error("failed to load caller", zap.String("user_id", id.ID.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if !user.IsActive {
		ErrUnauthorized(w)
		return nil, false
	}
	return user, true
}
