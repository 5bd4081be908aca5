// Package auth decides whether a caller may use the operator's environment
// credentials. Callers present a bearer token that is checked against
// configured bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid caller token")
	ErrBadEntry     = errors.New("malformed token entry")
)

const (
	TokenPrefix  = "llmp_"
	tokenBytes   = 24
	bcryptCost   = 10
	cacheSize    = 1024
	cacheTTL     = 5 * time.Minute
	anonymousKey = "anonymous"
)

// Identity is the authorization decision for one request. Unauthorized
// callers may still route with credentials they supply themselves.
type Identity struct {
	Name       string `json:"name"`
	Authorized bool   `json:"authorized"`
}

// Anonymous is the identity of a caller that sent no token.
var Anonymous = Identity{Name: anonymousKey}

// TokenEntry is one configured caller: a name and the bcrypt hash of its
// token.
type TokenEntry struct {
	Name string
	Hash string
}

// ParseEntries reads "name:hash" pairs separated by commas or newlines.
func ParseEntries(s string) ([]TokenEntry, error) {
	var (
		out  []TokenEntry
		errs []error
	)
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, hash, ok := strings.Cut(field, ":")
		if !ok || name == "" || !strings.HasPrefix(hash, "$2") {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadEntry, redactEntry(field)))
			continue
		}
		out = append(out, TokenEntry{Name: name, Hash: hash})
	}
	return out, errors.Join(errs...)
}

func redactEntry(field string) string {
	name, _, _ := strings.Cut(field, ":")
	return name + ":***"
}

// preHash keeps tokens inside bcrypt's 72-byte input limit.
func preHash(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(h[:]))
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(preHash(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// GenerateToken creates a new random caller token and its hash. The
// plaintext is shown once and never stored.
func GenerateToken() (token, hash string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate random: %w", err)
	}
	token = TokenPrefix + hex.EncodeToString(raw)
	hash, err = HashToken(token)
	return token, hash, err
}

// Authenticator verifies caller tokens. Successful verifications are cached
// by token digest for a few minutes since bcrypt is deliberately slow.
type Authenticator struct {
	entries []TokenEntry
	cache   *expirable.LRU[string, Identity]
}

func NewAuthenticator(entries []TokenEntry) *Authenticator {
	return &Authenticator{
		entries: append([]TokenEntry(nil), entries...),
		cache:   expirable.NewLRU[string, Identity](cacheSize, nil, cacheTTL),
	}
}

// Enabled reports whether any caller token is configured.
func (a *Authenticator) Enabled() bool { return len(a.entries) > 0 }

// Verify returns the authorized identity owning token.
func (a *Authenticator) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	digest := preHash(token)
	if id, ok := a.cache.Get(string(digest)); ok {
		return id, nil
	}
	for _, e := range a.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), digest) == nil {
			id := Identity{Name: e.Name, Authorized: true}
			a.cache.Add(string(digest), id)
			return id, nil
		}
	}
	return Identity{}, ErrInvalidToken
}
