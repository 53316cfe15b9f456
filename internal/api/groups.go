package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
)

// GroupHandler serves the caller's group conversations and their history.
type GroupHandler struct {
	users         repositories.UserRepository
	groups        repositories.GroupConversationRepository
	groupMessages repositories.GroupMessageRepository
	logger        *zap.Logger
}

// NewGroupHandler creates a new GroupHandler.
func NewGroupHandler(
	users repositories.UserRepository,
	groups repositories.GroupConversationRepository,
	groupMessages repositories.GroupMessageRepository,
	logger *zap.Logger,
) *GroupHandler {
	return &GroupHandler{
		users:         users,
		groups:        groups,
		groupMessages: groupMessages,
		logger:        logger.Named("group_handler"),
	}
}

type groupResponse struct {
	ID          chat.HexID             `json:"id"`
	Name        string                 `json:"name"`
	Admin       *chat.UserView         `json:"admin"`
	Members     []chat.UserView        `json:"members"`
	LastMessage *chat.GroupMessageView `json:"last_message"`
}

// List handles GET /api/v1/group_conversations. Only groups the caller is a
// member of are listed.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	me, ok := currentUser(w, r, h.users, h.logger)
	if !ok {
		return
	}

	groups, total, err := h.groups.ListForMember(r.Context(), me.ID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list groups", zap.String("username", me.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]groupResponse, 0, len(groups))
	for i := range groups {
		resp, err := h.render(r.Context(), &groups[i])
		if err != nil {
			h.logger.Error("failed to render group", zap.String("group", groups[i].Name), zap.Error(err))
			ErrInternal(w)
			return
		}
		items = append(items, resp)
	}

	Ok(w, page[groupResponse]{Items: items, Total: total})
}

// Messages handles GET /api/v1/group_messages?group_conversation=<name>.
// Groups the caller does not belong to yield an empty page.
func (h *GroupHandler) Messages(w http.ResponseWriter, r *http.Request) {
	me, ok := currentUser(w, r, h.users, h.logger)
	if !ok {
		return
	}

	name := r.URL.Query().Get("group_conversation")
	empty := page[chat.GroupMessageView]{Items: []chat.GroupMessageView{}}

	group, err := h.groups.GetByName(r.Context(), name)
	if errors.Is(err, repositories.ErrNotFound) {
		Ok(w, empty)
		return
	}
	if err != nil {
		h.logger.Error("failed to get group", zap.String("group", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	member, err := h.groups.IsMember(r.Context(), group.ID, me.ID)
	if err != nil {
		h.logger.Error("failed to check membership", zap.String("group", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !member {
		Ok(w, empty)
		return
	}

	msgs, total, err := h.groupMessages.ListByGroup(r.Context(), group.ID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list group messages", zap.String("group", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	views, err := h.messageViews(r.Context(), msgs, nil)
	if err != nil {
		h.logger.Error("failed to render group messages", zap.String("group", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, page[chat.GroupMessageView]{Items: views, Total: total})
}

func (h *GroupHandler) render(ctx context.Context, group *db.GroupConversation) (groupResponse, error) {
	members, err := h.groups.ListMembers(ctx, group.ID)
	if err != nil {
		return groupResponse{}, fmt.Errorf("loading members: %w", err)
	}

	resp := groupResponse{
		ID:      chat.HexID(group.ID),
		Name:    group.Name,
		Members: lo.Map(members, func(u db.User, _ int) chat.UserView { return chat.NewUserView(u) }),
	}

	last, _, err := h.groupMessages.ListByGroup(ctx, group.ID, repositories.ListOptions{Limit: 1})
	if err != nil {
		return resp, fmt.Errorf("loading last message: %w", err)
	}

	users, err := h.index(ctx, members, append(messageUserIDs(last), group.AdminID))
	if err != nil {
		return resp, err
	}
	if admin, ok := users[group.AdminID]; ok {
		view := chat.NewUserView(admin)
		resp.Admin = &view
	}

	if len(last) > 0 {
		views, err := h.messageViews(ctx, last, users)
		if err != nil {
			return resp, err
		}
		resp.LastMessage = &views[0]
	}
	return resp, nil
}

// messageViews renders msgs with their readers. known may carry users that
// are already loaded.
func (h *GroupHandler) messageViews(ctx context.Context, msgs []db.GroupMessage, known map[uuid.UUID]db.User) ([]chat.GroupMessageView, error) {
	if len(msgs) == 0 {
		return []chat.GroupMessageView{}, nil
	}

	readers, err := h.groupMessages.ReadersOf(ctx, lo.Map(msgs, func(m db.GroupMessage, _ int) uuid.UUID { return m.ID }))
	if err != nil {
		return nil, fmt.Errorf("loading readers: %w", err)
	}

	ids := messageUserIDs(msgs)
	for _, rs := range readers {
		ids = append(ids, rs...)
	}
	users, err := h.index(ctx, lo.Values(known), ids)
	if err != nil {
		return nil, err
	}

	return lo.Map(msgs, func(m db.GroupMessage, _ int) chat.GroupMessageView {
		return chat.NewGroupMessageView(m, users, readers[m.ID])
	}), nil
}

// index returns known plus every user in ids, loading only the missing ones.
func (h *GroupHandler) index(ctx context.Context, known []db.User, ids []uuid.UUID) (map[uuid.UUID]db.User, error) {
	users := lo.SliceToMap(known, func(u db.User) (uuid.UUID, db.User) { return u.ID, u })
	missing := lo.Uniq(lo.Reject(ids, func(id uuid.UUID, _ int) bool {
		_, ok := users[id]
		return ok
	}))
	if len(missing) == 0 {
		return users, nil
	}

	loaded, err := h.users.ListByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	for _, u := range loaded {
		users[u.ID] = u
	}
	return users, nil
}

func messageUserIDs(msgs []db.GroupMessage) []uuid.UUID {
	return lo.Map(msgs, func(m db.GroupMessage, _ int) uuid.UUID { return m.FromUserID })
}
