package middleware

import (
	"net/http"
	"strings"

	"github.com/technosupport/ts-dispatch/internal/tokens"
)

type TokenValidator interface {
	ValidateAccess(tokenString string) (*tokens.Identity, error)
}

type JWTAuth struct {
	tokens TokenValidator
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

// Middleware verifies the JWT and injects AuthContext. Browser WebSocket
// clients cannot set headers, so a `token` query parameter is accepted as a
// fallback for the Authorization header.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		id, err := m.tokens.ValidateAccess(tokenString)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ac := &AuthContext{
			OperatorID: id.OperatorID,
			Role:       id.Role,
			TokenID:    id.TokenID,
		}

		ctx := WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
