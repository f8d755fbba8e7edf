// Package jwks authenticates scanner and operator tokens against a JSON Web
// Key Set published by the identity provider.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the "role" claim.
const (
	RoleScanner  = "scanner"  // Gate devices: scan validation and offline sync
	RoleOperator = "operator" // Staff: issuance, invalidation, exports, stats
)

// cacheTTL is how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

var (
	ErrUnknownKey  = errors.New("signing key not found")
	ErrInvalidRole = errors.New("token carries no recognised role")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string // Scanner device or operator id; recorded as the audit actor
	Role    string
}

// Can reports whether the principal may act in role. Operators may do
// everything scanners may.
func (p Principal) Can(role string) bool {
	return p.Role == role || p.Role == RoleOperator
}

// Claims are the token claims the service reads.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	issuer     string
	audience   string

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
	static    bool
}

// NewClient creates a client that fetches keys from jwksURL.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		issuer:     issuer,
		audience:   audience,
	}
}

// NewStaticClient trusts a fixed set of keys. Used in tests and local runs.
func NewStaticClient(keys map[string]ed25519.PublicKey, issuer, audience string) *Client {
	return &Client{keys: keys, issuer: issuer, audience: audience, static: true}
}

// fetchJWKS fetches the JWKS from the identity service
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// parseKeys keeps the Ed25519 signing keys of a set.
func parseKeys(set *JWKS) map[string]ed25519.PublicKey {
	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
			continue
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			continue
		}
		keys[k.Kid] = ed25519.PublicKey(x)
	}
	return keys
}

// key returns the key for kid, refreshing the set when it is stale or the kid
// is unknown.
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	k, ok := c.keys[kid]
	fresh := c.static || time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}
	if c.static {
		return nil, ErrUnknownKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check after acquiring write lock
	if k, ok := c.keys[kid]; ok && time.Now().Before(c.expiresAt) {
		return k, nil
	}
	set, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = parseKeys(set)
	c.expiresAt = time.Now().Add(cacheTTL)
	if k, ok := c.keys[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKey
}

// Authenticate verifies an EdDSA token and returns its principal.
func (c *Client) Authenticate(ctx context.Context, tokenString string) (Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in JWT header")
		}
		return c.key(ctx, kid)
	})
	if err != nil {
		return Principal{}, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}
	if claims.Role != RoleScanner && claims.Role != RoleOperator {
		return Principal{}, ErrInvalidRole
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}
