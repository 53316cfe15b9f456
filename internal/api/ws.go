package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/metrics"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// WSHandler opens chat sessions over WebSocket:
//
//	GET /ws/chats/{conversation_name}      1:1 conversation
//	GET /ws/group_chats/{group_chat_name}  group conversation, or "new"
//	GET /ws/notifications                  the caller's notification feed
//
// The JWT is passed as the `token` query parameter because the browser
// WebSocket API cannot set headers; a Bearer header is accepted as well.
// Every check that can fail is run before the upgrade so rejected
// connections get a plain HTTP error.
type WSHandler struct {
	chat    *chat.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(svc *chat.Service, m *metrics.Metrics, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		chat:    svc,
		metrics: m,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeDirect handles GET /ws/chats/{conversation_name}.
func (h *WSHandler) ServeDirect(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chat.Endpoint{Kind: chat.DirectEndpoint, Target: chi.URLParam(r, "conversation_name")})
}

// ServeGroup handles GET /ws/group_chats/{group_chat_name}.
func (h *WSHandler) ServeGroup(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chat.Endpoint{Kind: chat.GroupEndpoint, Target: chi.URLParam(r, "group_chat_name")})
}

// ServeNotifications handles GET /ws/notifications.
func (h *WSHandler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chat.Endpoint{Kind: chat.NotificationsEndpoint})
}

// serve authorizes, upgrades and runs one session. It blocks until the
// connection is closed, which is expected for WebSocket handlers.
func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, ep chat.Endpoint) {
	ctx := r.Context()

	id, ok := identityFromCtx(ctx)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	logger := h.logger.With(
		zap.String("username", id.Username),
		zap.String("endpoint", ep.Kind.String()),
		zap.String("target", ep.Target),
		zap.String("remote_addr", r.RemoteAddr),
	)

	if err := h.chat.Authorize(ctx, ep, id); err != nil {
		h.reject(w, logger, err)
		return
	}

	client, err := websocket.Upgrade(w, r, id.Username, logger, h.metrics)
	if err != nil {
		// The upgrader has already written the HTTP error.
		logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	defer client.Wait()

	sess, err := h.chat.Connect(ctx, ep, id, client)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRedirected):
			client.Close(websocket.CloseNormal, "redirect")
		case errors.Is(err, chat.ErrNotMember):
			client.Close(websocket.CloseForbidden, "not a member")
		case errors.Is(err, chat.ErrShuttingDown):
			client.Close(websocket.CloseGoingAway, "shutting down")
		case errors.Is(err, chat.ErrUnauthenticated), errors.Is(err, chat.ErrInvalidTarget):
			// Lost a race with a concurrent change since Authorize.
			logger.Info("ws: session refused", zap.Error(err))
			client.Close(websocket.CloseForbidden, "refused")
		default:
			logger.Error("ws: session failed to start", zap.Error(err))
			client.Close(websocket.CloseInternalError, "")
		}
		return
	}
	defer client.Close(websocket.CloseNormal, "")
	defer sess.Disconnect(context.WithoutCancel(ctx))

	logger.Info("ws: client connected", zap.String("session_id", sess.ID.String()))

	err = client.ReadLoop(func(payload []byte) error {
		return sess.Receive(ctx, payload)
	})
	if err != nil {
		// Presence and subscriptions are still released by the deferred
		// Disconnect.
		logger.Warn("ws: session terminated", zap.String("session_id", sess.ID.String()), zap.Error(err))
		client.Close(websocket.CloseInternalError, "")
		return
	}

	logger.Info("ws: client disconnected", zap.String("session_id", sess.ID.String()))
}

// reject maps a pre-upgrade authorization failure to an HTTP error.
func (h *WSHandler) reject(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		ErrUnauthorized(w)
	case errors.Is(err, chat.ErrInvalidTarget):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, chat.ErrNotMember):
		ErrForbidden(w)
	default:
		logger.Error("ws: authorize failed", zap.Error(err))
		ErrInternal(w)
	}
}
