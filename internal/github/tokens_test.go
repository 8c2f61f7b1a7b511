package github

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func testCredentials(t *testing.T) Credentials {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	return Credentials{AppID: "12345", PrivateKey: key}
}

func TestMintAppToken(t *testing.T) {
	creds := testCredentials(t)
	now := time.Now().Truncate(time.Second)

	token, err := mintAppToken(creds, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Renew deadline sits renewAhead before real expiry.
	wantDeadline := now.Add(appTokenLifespan - renewAhead)
	if !token.RenewDeadline.Equal(wantDeadline) {
		t.Errorf("renew deadline: got %v, want %v", token.RenewDeadline, wantDeadline)
	}

	if !now.Before(token.RenewDeadline) {
		t.Error("token must be fresh at mint time")
	}

	// The signed claims round-trip: iat, exp, iss.
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token.Value, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodRS256 {
			t.Errorf("expected RS256, got %v", tok.Method.Alg())
		}
		return &creds.PrivateKey.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}

	if !parsed.Valid {
		t.Fatal("token did not validate against the app key")
	}

	if claims.Issuer != "12345" {
		t.Errorf("iss: got %q, want %q", claims.Issuer, "12345")
	}

	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != appTokenLifespan {
		t.Errorf("lifespan: got %v, want %v", got, appTokenLifespan)
	}
}

func TestAppTokenCacheHit(t *testing.T) {
	client := NewClient(testCredentials(t), NewTokenCache(), "")

	first, err := client.appToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := client.appToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Within the renew window consecutive lookups return the identical token.
	if first.Value != second.Value {
		t.Error("expected byte-identical cached token")
	}
}

func TestAppTokenRenewedAfterDeadline(t *testing.T) {
	cache := NewTokenCache()
	client := NewClient(testCredentials(t), cache, "")

	first, err := client.appToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Force the cached token past its renew deadline.
	cache.SetApp(Token{Value: first.Value, RenewDeadline: time.Now().Add(-time.Second)})

	second, err := client.appToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !time.Now().Before(second.RenewDeadline) {
		t.Error("renewed token must be fresh")
	}
}

func TestInstallationCacheFreshness(t *testing.T) {
	cache := NewTokenCache()
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}
	now := time.Now()

	if _, ok := cache.Installation(repo, now); ok {
		t.Fatal("empty cache must miss")
	}

	cache.SetInstallation(repo, Token{Value: "tok", RenewDeadline: now.Add(time.Hour)})

	if tok, ok := cache.Installation(repo, now); !ok || tok.Value != "tok" {
		t.Fatalf("expected cache hit, got ok=%v tok=%q", ok, tok.Value)
	}

	// Past the renew deadline the slot is treated as stale.
	if _, ok := cache.Installation(repo, now.Add(2*time.Hour)); ok {
		t.Fatal("stale token must miss")
	}

	// A different repository value is a different slot.
	other := Repository{ID: 2, Owner: "org", Repo: "lib"}
	if _, ok := cache.Installation(other, now); ok {
		t.Fatal("unrelated repo must miss")
	}
}

func TestAppTokenConcurrentAccess(t *testing.T) {
	client := NewClient(testCredentials(t), NewTokenCache(), "")

	done := make(chan error, 8)
	for range 8 {
		go func() {
			_, err := client.appToken()
			done <- err
		}()
	}

	for range 8 {
		if err := <-done; err != nil {
			t.Fatalf("concurrent appToken: %v", err)
		}
	}
}
