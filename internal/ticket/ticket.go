// Package ticket issues, regenerates, invalidates and expires credentials.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

var (
	ErrRegistrationNotFound     = errors.New("registration not found")
	ErrRegistrationNotConfirmed = errors.New("registration is not confirmed")
	ErrNoActiveCredential       = errors.New("registration has no active credential")
	ErrTerminal                 = errors.New("credential is already in a terminal state")
)

// SubjectCredential matches the anchor subject type for credentials.
const SubjectCredential = "credential"

// AnchorQueue accepts asynchronous anchor submissions.
type AnchorQueue interface {
	Enqueue(hash string, subject model.SubjectRef) bool
}

// Options configures issuance.
type Options struct {
	CredentialTTL time.Duration // Zero issues credentials without expiry
	Issuer        string        // Stamped into payload metadata
}

// Handle is what the holder of a credential receives.
type Handle struct {
	CredentialID   string     `json:"credentialId"`
	RegistrationID string     `json:"registrationId"`
	EventID        string     `json:"eventId"`
	Hash           string     `json:"hash"`
	QR             string     `json:"qr"` // base64url sealed payload
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func handleFor(c *model.Credential) *Handle {
	return &Handle{
		CredentialID:   c.ID,
		RegistrationID: c.RegistrationID,
		EventID:        c.EventID,
		Hash:           c.Hash,
		QR:             codec.EncodeText(c.Payload),
		ExpiresAt:      c.ExpiresAt,
	}
}

// Service issues and manages credentials.
type Service struct {
	store   storage.Store
	dir     directory.Directory
	codec   *codec.Codec
	cache   *cache.Credentials
	anchors AnchorQueue
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the ticket service. cache and anchors may be nil.
func New(store storage.Store, dir directory.Directory, c *codec.Codec, cc *cache.Credentials, anchors AnchorQueue, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		dir:     dir,
		codec:   c,
		cache:   cc,
		anchors: anchors,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue returns the active credential of a confirmed registration, creating
// one if none exists. Repeated calls return the same credential.
func (s *Service) Issue(ctx context.Context, registrationID string) (*Handle, error) {
	reg, err := s.confirmedRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetActiveCredential(ctx, registrationID); err == nil {
		return handleFor(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("looking up active credential: %w", err)
	}

	cred, err := s.build(reg)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateCredential(ctx, *cred); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent issue won; hand out its credential.
			if existing, gerr := s.store.GetActiveCredential(ctx, registrationID); gerr == nil {
				return handleFor(existing), nil
			}
		}
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	s.logger.Info("credential issued", "credential_id", cred.ID, "registration_id", reg.ID, "event_id", reg.EventID)
	s.anchor(cred)
	return handleFor(cred), nil
}

// Regenerate invalidates the active credential of a registration and issues a
// replacement in one transaction.
func (s *Service) Regenerate(ctx context.Context, registrationID, reason string) (*Handle, error) {
	reg, err := s.confirmedRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	old, err := s.store.GetActiveCredential(ctx, registrationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveCredential
	}
	if err != nil {
		return nil, fmt.Errorf("looking up active credential: %w", err)
	}

	cred, err := s.build(reg)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "regenerated"
	}
	if err := s.store.ReplaceCredential(ctx, old.ID, reason, *cred); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return nil, ErrNoActiveCredential
		}
		return nil, fmt.Errorf("replacing credential: %w", err)
	}
	s.evict(ctx, old.Hash)
	s.logger.Info("credential regenerated", "credential_id", cred.ID, "replaced", old.ID, "registration_id", registrationID)
	s.anchor(cred)
	return handleFor(cred), nil
}

// Invalidate revokes a credential. Terminal credentials cannot be revoked.
func (s *Service) Invalidate(ctx context.Context, credentialID, reason string) (*model.Credential, error) {
	c, err := s.store.InvalidateCredential(ctx, credentialID, reason)
	if errors.Is(err, storage.ErrStateConflict) {
		return nil, ErrTerminal
	}
	if err != nil {
		return nil, err
	}
	s.evict(ctx, c.Hash)
	s.logger.Info("credential invalidated", "credential_id", c.ID, "reason", reason)
	return c, nil
}

// ExpireSweep marks every active credential past its expiry as expired.
// Validation also checks expiry on read, so the sweep only tidies state.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	ids, err := s.store.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiring credentials: %w", err)
	}
	if len(ids) > 0 {
		s.logger.Info("credentials expired", "count", len(ids))
	}
	return len(ids), nil
}

// RunExpirySweep calls ExpireSweep every interval until ctx is cancelled.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) confirmedRegistration(ctx context.Context, registrationID string) (model.Registration, error) {
	reg, err := s.dir.GetRegistration(ctx, registrationID)
	if errors.Is(err, directory.ErrNotFound) {
		return reg, ErrRegistrationNotFound
	}
	if err != nil {
		return reg, fmt.Errorf("resolving registration: %w", err)
	}
	if reg.Status != model.RegistrationConfirmed {
		return reg, ErrRegistrationNotConfirmed
	}
	return reg, nil
}

func (s *Service) build(reg model.Registration) (*model.Credential, error) {
	now := s.now()
	payload, err := codec.NewPayload(reg.ID, reg.EventID, reg.ParticipantID, now, codec.MetadataV1{
		TicketType: reg.TicketType,
		Issuer:     s.opts.Issuer,
	})
	if err != nil {
		return nil, err
	}
	blob, hash, err := s.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding credential: %w", err)
	}
	cred := &model.Credential{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		ParticipantID:  reg.ParticipantID,
		Hash:           hash,
		Payload:        blob,
		State:          model.CredentialActive,
		GeneratedAt:    now,
		Version:        1,
	}
	if s.opts.CredentialTTL > 0 {
		exp := now.Add(s.opts.CredentialTTL)
		cred.ExpiresAt = &exp
	}
	return cred, nil
}

func (s *Service) anchor(c *model.Credential) {
	if s.anchors == nil {
		return
	}
	if !s.anchors.Enqueue(c.Hash, model.SubjectRef{Type: SubjectCredential, ID: c.ID}) {
		s.logger.Warn("credential not queued for anchoring", "credential_id", c.ID)
	}
}

func (s *Service) evict(ctx context.Context, hash string) {
	if s.cache != nil {
		s.cache.Evict(ctx, hash)
	}
}
