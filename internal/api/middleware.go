package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/auth"
	"github.com/tyyrok/chatcore/internal/chat"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// *auth.Claims are stored after successful JWT validation.
	contextKeyUser contextKey = iota
)

// tokenQueryParam carries the JWT on websocket routes, since browsers cannot
// set headers on the WebSocket handshake.
const tokenQueryParam = "token"

// Authenticate is a middleware that validates the JWT Bearer token present in
// the Authorization header. On success it stores the parsed claims in the
// request context so downstream handlers can retrieve them via claimsFromCtx.
// On failure it writes a 401 and stops the chain.
//
// When allowQuery is true the token may also be passed as ?token=<jwt>; the
// query parameter wins over the header.
func Authenticate(svc *auth.AuthService, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if allowQuery {
				token = r.URL.Query().Get(tokenQueryParam)
			}
			if token == "" {
				token = bearerToken(r)
			}
			if token == "" {
				ErrUnauthorized(w)
				return
			}

			claims, err := svc.ValidateAccessToken(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken returns the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
//
// Websocket requests are logged when the connection ends; their status is
// 0 because the response is hijacked.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate middleware.
// Returns nil if no claims are present (i.e. the request is unauthenticated).
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}

// identityFromCtx converts the stored claims into the identity a chat
// session authenticates as. ok is false when the claims are missing or
// malformed.
func identityFromCtx(ctx context.Context) (chat.Identity, bool) {
	claims := claimsFromCtx(ctx)
	if claims == nil {
		return chat.Identity{}, false
	}
	id, err := claims.UserUUID()
	if err != nil {
		return chat.Identity{}, false
	}
	return chat.Identity{
		ID:          id,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
	}, true
}
