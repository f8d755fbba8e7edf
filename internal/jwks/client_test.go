package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func claimsFor(sub, role string, ttl time.Duration) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "https://id.example",
			Audience:  jwt.ClaimStrings{"admission"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestAuthenticateFetchesAndCachesKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "https://id.example", "admission")
	for i := 0; i < 3; i++ {
		p, err := c.Authenticate(context.Background(), sign(t, priv, "k1", claimsFor("gate-7", RoleScanner, time.Hour)))
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if p.Subject != "gate-7" || p.Role != RoleScanner {
			t.Errorf("principal = %+v", p)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("JWKS fetched %d times, want 1", fetches.Load())
	}

	if _, err := c.Authenticate(context.Background(), sign(t, priv, "k2", claimsFor("gate-7", RoleScanner, time.Hour))); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("unknown kid error = %v", err)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	c := NewStaticClient(map[string]ed25519.PublicKey{"k1": pub}, "https://id.example", "admission")
	ctx := context.Background()

	wrongAud := claimsFor("op", RoleOperator, time.Hour)
	wrongAud.Audience = jwt.ClaimStrings{"billing"}
	noExp := claimsFor("op", RoleOperator, time.Hour)
	noExp.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"expired", sign(t, priv, "k1", claimsFor("op", RoleOperator, -time.Hour))},
		{"wrong audience", sign(t, priv, "k1", wrongAud)},
		{"no expiry", sign(t, priv, "k1", noExp)},
		{"wrong key", sign(t, other, "k1", claimsFor("op", RoleOperator, time.Hour))},
		{"no role", sign(t, priv, "k1", claimsFor("op", "", time.Hour))},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Authenticate(ctx, tt.token); err == nil {
				t.Error("Authenticate() error = nil")
			}
		})
	}
}

func TestPrincipalCan(t *testing.T) {
	scanner := Principal{Subject: "gate", Role: RoleScanner}
	operator := Principal{Subject: "staff", Role: RoleOperator}
	if !scanner.Can(RoleScanner) || scanner.Can(RoleOperator) {
		t.Errorf("scanner permissions wrong")
	}
	if !operator.Can(RoleScanner) || !operator.Can(RoleOperator) {
		t.Errorf("operator permissions wrong")
	}
}
