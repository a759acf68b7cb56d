package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/stockclose/internal/platform/httpx"
	"github.com/odyssey-erp/stockclose/internal/shared"
)

// Middleware authenticates bearer tokens and stores the actor in context.
type Middleware struct {
	Tokens *Tokens
	Logger *slog.Logger
}

// RequireActor rejects requests without a valid bearer token.
func (m Middleware) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "bearer token required", "UNAUTHENTICATED")
			return
		}
		claims, err := m.Tokens.Parse(raw)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("reject bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token", "UNAUTHENTICATED")
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{Subject: claims.Subject, Name: claims.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
