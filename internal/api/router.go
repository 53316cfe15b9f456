package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/auth"
	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/metrics"
	"github.com/tyyrok/chatcore/internal/repositories"
)

// healthTimeout bounds the storage ping of /healthz.
const healthTimeout = 2 * time.Second

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Chat        *chat.Service
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Ping reports whether storage is reachable, for /healthz.
	Ping func(ctx context.Context) error

	// Repositories used directly by the read API.
	Users         repositories.UserRepository
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Groups        repositories.GroupConversationRepository
	GroupMessages repositories.GroupMessageRepository
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	conversationHandler := NewConversationHandler(cfg.Users, cfg.Conversations, cfg.Messages, cfg.Logger)
	groupHandler := NewGroupHandler(cfg.Users, cfg.Groups, cfg.GroupMessages, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Chat, cfg.Metrics, cfg.Logger)

	r.Get("/healthz", healthHandler(cfg.Ping))
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// --- WebSocket sessions ---
	r.Route("/ws", func(r chi.Router) {
		r.Use(Authenticate(cfg.AuthService, true))

		r.Get("/chats/{conversation_name}", wsHandler.ServeDirect)
		r.Get("/group_chats/{group_chat_name}", wsHandler.ServeGroup)
		r.Get("/notifications", wsHandler.ServeNotifications)
	})

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Post("/auth/token", authHandler.Token)

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService, false))

			r.Get("/users", userHandler.List)
			r.Get("/users/{username}", userHandler.Get)

			r.Get("/conversations", conversationHandler.List)
			r.Get("/conversations/{name}", conversationHandler.Get)
			r.Get("/messages", conversationHandler.Messages)

			r.Get("/group_conversations", groupHandler.List)
			r.Get("/group_messages", groupHandler.Messages)
		})
	})

	return r
}

// healthHandler handles GET /healthz.
func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				ErrUnavailable(w, "database unreachable")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
