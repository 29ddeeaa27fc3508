package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const HeaderAPIKey = "X-API-Key"

var ErrUnauthorized = errors.New("invalid or missing API key")

// Keys holds bcrypt hashes of accepted API keys. An empty set disables auth.
// Keys that passed bcrypt once are remembered by their sha256 so repeat
// requests skip the comparison.
type Keys struct {
	hashes   [][]byte
	verified sync.Map // [sha256.Size]byte -> struct{}
}

func NewKeys(hashes []string) *Keys {
	k := &Keys{}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h != "" {
			k.hashes = append(k.hashes, []byte(h))
		}
	}
	return k
}

func (k *Keys) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}

// GenerateKey returns a random URL-safe API key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (k *Keys) Check(key string) bool {
	if key == "" || !k.Enabled() {
		return false
	}
	if k.Verified(key) {
		return true
	}
	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			k.verified.Store(sha256.Sum256([]byte(key)), struct{}{})
			return true
		}
	}
	return false
}

// Verified reports whether key already passed Check. It never runs bcrypt.
func (k *Keys) Verified(key string) bool {
	if key == "" || !k.Enabled() {
		return false
	}
	_, ok := k.verified.Load(sha256.Sum256([]byte(key)))
	return ok
}

// FromRequest reads the key from X-API-Key or an Authorization bearer token.
func FromRequest(r *http.Request) string {
	if v := r.Header.Get(HeaderAPIKey); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Require rejects requests without a valid key. onFail writes the error response.
func (k *Keys) Require(onFail func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if k.Enabled() && !k.Check(FromRequest(r)) {
				onFail(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
