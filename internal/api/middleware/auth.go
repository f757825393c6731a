package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/netwatch/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth checks a bearer API key against a single bcrypt hash.
type Auth struct {
	keyHash []byte

	// verified caches digests of keys that already passed bcrypt, so a
	// polling client does not pay the bcrypt cost on every request.
	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewAuth creates a new Auth middleware. An empty keyHash disables
// authentication.
func NewAuth(keyHash string) *Auth {
	return &Auth{keyHash: []byte(keyHash), verified: make(map[string]struct{})}
}

// Enabled reports whether requests must carry a key.
func (a *Auth) Enabled() bool {
	return len(a.keyHash) > 0
}

// Authenticate validates the Bearer token and sets the client id in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		digest := keyDigest(rawKey)
		if !a.isVerified(digest) {
			if bcrypt.CompareHashAndPassword(a.keyHash, []byte(rawKey)) != nil {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid API key", nil)
				return
			}
			a.mu.Lock()
			a.verified[digest] = struct{}{}
			a.mu.Unlock()
		}

		r = r.WithContext(SetClientID(r.Context(), "key:"+digest[:12]))
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) isVerified(digest string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.verified[digest]
	return ok
}

func keyDigest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
