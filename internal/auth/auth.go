// Package auth guards the admin listener with a static bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

type Bearer struct {
	hash [sha256.Size]byte
	set  bool

	// Open lists paths served without a token.
	Open map[string]bool
}

// NewBearer returns a guard for token. An empty token disables the check.
func NewBearer(token string, open ...string) *Bearer {
	b := &Bearer{Open: map[string]bool{}}
	if token != "" {
		b.hash = sha256.Sum256([]byte(token))
		b.set = true
	}
	for _, p := range open {
		b.Open[p] = true
	}
	return b
}

// Allow reports whether the Authorization header value carries the token.
func (b *Bearer) Allow(header string) bool {
	if !b.set {
		return true
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return false
	}
	got := sha256.Sum256([]byte(parts[1]))
	return subtle.ConstantTimeCompare(got[:], b.hash[:]) == 1
}

// Middleware checks the Authorization header on every path not in Open.
func (b *Bearer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Open[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if h == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !b.Allow(h) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
