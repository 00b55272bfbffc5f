package devicesim

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/cryptoutils"
)

// nonceLifetime is how long an issued digest nonce stays acceptable.
const nonceLifetime = 5 * time.Minute

// Credentials is the simulated device's administrative account. The
// plain password is dropped at construction; what remains is an
// argon2id hash for basic auth checks and the HA1 digest for RFC 2617
// challenges, which is what real devices keep as well.
type Credentials struct {
	username     string
	passwordHash string
	ha1          string
	realm        string

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewCredentials derives the stored verifiers for username/password.
func NewCredentials(username, password string) (*Credentials, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("credentials require a username and a password")
	}
	hash, err := cryptoutils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return &Credentials{
		username:     username,
		passwordHash: hash,
		ha1:          api.DigestHA1(username, api.DigestRealm, password),
		realm:        api.DigestRealm,
		nonces:       make(map[string]time.Time),
	}, nil
}

// Require wraps a handler with the device's authentication. Both basic
// and digest credentials are accepted; the challenge offered on failure
// is digest, matching device behavior.
func (c *Credentials) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.authorize(r) {
			next.ServeHTTP(w, r)
			return
		}
		c.challenge(w)
	})
}

func (c *Credentials) authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Basic "), strings.HasPrefix(header, "basic "):
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(c.username)) != 1 {
			return false
		}
		ok, err := cryptoutils.VerifyPassword(c.passwordHash, pass)
		return err == nil && ok
	case strings.HasPrefix(header, "Digest "), strings.HasPrefix(header, "digest "):
		auth, err := api.ParseDigestAuthorization(header)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(auth.Username), []byte(c.username)) != 1 {
			return false
		}
		if !c.consumableNonce(auth.Nonce) {
			return false
		}
		return auth.Verify(c.ha1, r.Method)
	default:
		return false
	}
}

func (c *Credentials) challenge(w http.ResponseWriter) {
	nonce := c.issueNonce()
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("Digest realm=%q, nonce=%q, qop=\"auth\", algorithm=MD5", c.realm, nonce))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (c *Credentials) issueNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for n, issued := range c.nonces {
		if now.Sub(issued) > nonceLifetime {
			delete(c.nonces, n)
		}
	}
	c.nonces[nonce] = now
	return nonce
}

// consumableNonce reports whether the nonce was issued here and is
// still fresh. Nonces stay valid for their lifetime rather than being
// single-use, like the devices this simulates.
func (c *Credentials) consumableNonce(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	issued, ok := c.nonces[nonce]
	return ok && time.Since(issued) <= nonceLifetime
}
