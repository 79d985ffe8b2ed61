package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth guards the API with a single static key, presented either as a Bearer
// token in Authorization or in the X-API-Key header. An empty key disables
// the check entirely, which is the local-development default.
func Auth(apiKey string) func(http.Handler) http.Handler {
	if apiKey == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	secret := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearerToken(r)
			if presented == "" {
				presented = strings.TrimSpace(r.Header.Get("X-API-Key"))
			}
			// Constant-time compare so the check leaks nothing about the key.
			if subtle.ConstantTimeCompare([]byte(presented), secret) != 1 {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header,
// or returns "" when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
