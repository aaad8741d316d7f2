package apiserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/casarerpa/core/internal/fleet"
)

type ctxKey string

const ctxKeyRobotID ctxKey = "robot_id"

// authenticate accepts a robot API key via "Authorization: Bearer <key>",
// hashes it with fleet.HashAPIKey, and validates it against apiKeys as a
// SHA-256-hashed, revocable, time-bounded credential. Unauthenticated
// requests (no apiKeys store configured, e.g. local dev) pass through
// untouched.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeys == nil {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		hash := fleet.HashAPIKey(raw)
		key, ok := s.apiKeys.GetValidByHash(hash, s.nowFunc())
		if !ok {
			http.Error(w, "invalid or expired api key", http.StatusUnauthorized)
			return
		}
		s.apiKeys.UpdateLastUsed(hash, clientIP(r), s.nowFunc())

		ctx := context.WithValue(r.Context(), ctxKeyRobotID, key.RobotID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

func robotIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRobotID).(string)
	return v
}
