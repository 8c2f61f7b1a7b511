package github

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// appTokenLifespan is how long a freshly minted app JWT is valid.
	appTokenLifespan = 600 * time.Second
	// renewAhead is subtracted from a token's real expiry to form its
	// renew deadline, so a token is never presented close to expiring.
	// Applies to both app and installation tokens.
	renewAhead = 30 * time.Second
)

// Credentials identifies the GitHub App: its id and the RSA key that
// signs app JWTs. Immutable after construction.
type Credentials struct {
	AppID      string
	PrivateKey *rsa.PrivateKey
}

// Token is an opaque bearer token plus the instant at which the cache
// stops serving it.
type Token struct {
	Value         string
	RenewDeadline time.Time
}

func (t Token) fresh(now time.Time) bool {
	return now.Before(t.RenewDeadline)
}

// TokenCache holds the process-wide app token and per-repository
// installation tokens. It is shared across all request handlers; the
// mutex is held only for slot reads and writes, never across network
// I/O, so concurrent stale lookups may race to renew. The duplicate
// mint is harmless because tokens are idempotently fetchable.
type TokenCache struct {
	mu           sync.Mutex
	app          *Token
	installation map[Repository]Token
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{installation: make(map[Repository]Token)}
}

// App returns the cached app token if it is still fresh at now.
func (c *TokenCache) App(now time.Time) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil || !c.app.fresh(now) {
		return Token{}, false
	}

	return *c.app, true
}

// SetApp stores a freshly minted app token.
func (c *TokenCache) SetApp(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.app = &t
}

// Installation returns the cached installation token for repo if it is
// still fresh at now.
func (c *TokenCache) Installation(repo Repository, now time.Time) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.installation[repo]
	if !ok || !t.fresh(now) {
		return Token{}, false
	}

	return t, true
}

// SetInstallation stores a freshly fetched installation token for repo.
func (c *TokenCache) SetInstallation(repo Repository, t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.installation[repo] = t
}

// mintAppToken signs a new app JWT: {iat, exp, iss} over RS256, valid
// for appTokenLifespan from now.
func mintAppToken(creds Credentials, now time.Time) (Token, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appTokenLifespan)),
		Issuer:    creds.AppID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(creds.PrivateKey)
	if err != nil {
		return Token{}, err
	}

	return Token{
		Value:         signed,
		RenewDeadline: now.Add(appTokenLifespan - renewAhead),
	}, nil
}
