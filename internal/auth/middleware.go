package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyHeader carries the management API key. A bearer Authorization
// header is accepted as well.
const APIKeyHeader = "X-API-Key"

// APIKeyQueryParam carries the key on GET requests started from a browser,
// such as the Drive consent redirect.
const APIKeyQueryParam = "api_key"

// RequireAPIKey rejects requests that do not present key. An empty key
// disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(presentedKey(r)), []byte(key)) != 1 {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if k, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return k
	}
	if r.Method == http.MethodGet {
		return r.URL.Query().Get(APIKeyQueryParam)
	}
	return ""
}
