// Package cache provides the shared, advisory credential cache used by the
// validation path. The store remains the source of truth: cache failures and
// timeouts degrade to a store read, never to a rejection.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Credentials is a typed view over a Cache that stores credentials by hash.
// Every call is bounded by timeout and errors are logged and swallowed.
type Credentials struct {
	c       Cache
	timeout time.Duration
	logger  *slog.Logger
}

// NewCredentials wraps c. A zero timeout leaves calls bounded only by the caller's context.
func NewCredentials(c Cache, timeout time.Duration, logger *slog.Logger) *Credentials {
	if logger == nil {
		logger = slog.Default()
	}
	return &Credentials{c: c, timeout: timeout, logger: logger}
}

func (cc *Credentials) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if cc.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cc.timeout)
}

func credentialKey(hash string) string {
	return "cred." + hash
}

// Get returns the cached credential for hash, or false on miss or any error.
func (cc *Credentials) Get(ctx context.Context, hash string) (*model.Credential, bool) {
	ctx, cancel := cc.bound(ctx)
	defer cancel()

	raw, err := cc.c.Get(ctx, credentialKey(hash))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			cc.logger.Warn("credential cache read failed", "hash", hash, "error", err)
		}
		return nil, false
	}
	var c model.Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		cc.logger.Warn("credential cache entry undecodable", "hash", hash, "error", err)
		return nil, false
	}
	return &c, true
}

// Put stores a credential under its hash.
func (cc *Credentials) Put(ctx context.Context, c *model.Credential) {
	raw, err := json.Marshal(c)
	if err != nil {
		cc.logger.Warn("credential cache encode failed", "credential_id", c.ID, "error", err)
		return
	}
	ctx, cancel := cc.bound(ctx)
	defer cancel()
	if err := cc.c.Set(ctx, credentialKey(c.Hash), raw); err != nil {
		cc.logger.Warn("credential cache write failed", "credential_id", c.ID, "error", err)
	}
}

// Evict removes the entry for hash.
func (cc *Credentials) Evict(ctx context.Context, hash string) {
	ctx, cancel := cc.bound(ctx)
	defer cancel()
	if err := cc.c.Delete(ctx, credentialKey(hash)); err != nil && !errors.Is(err, ErrMiss) {
		cc.logger.Warn("credential cache evict failed", "hash", hash, "error", err)
	}
}
