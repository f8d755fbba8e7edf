// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound            = errors.New("not found")                      // Returned when a record is not found
	ErrConflict            = errors.New("conflict")                       // Returned when a unique constraint would be violated
	ErrStateConflict       = errors.New("state transition lost")          // Returned when a conditional update matched nothing
	ErrDuplicateAttendance = errors.New("participant already checked in") // Returned when a second non-cancelled attendance would exist
)

// Store interface defines the storage operations required by the admission service.
// Every conditional transition is atomic: either it applies in full or it
// returns ErrStateConflict and leaves state untouched.
type Store interface {
	// Credential operations
	CreateCredential(ctx context.Context, c model.Credential) error                                                            // ErrConflict on a second active credential or duplicate hash
	ReplaceCredential(ctx context.Context, oldID, reason string, next model.Credential) error                                  // Invalidate oldID and insert next in one transaction
	GetCredential(ctx context.Context, id string) (*model.Credential, error)                                                   // Get by ID
	GetCredentialByHash(ctx context.Context, hash string) (*model.Credential, error)                                           // Get by content hash
	GetActiveCredential(ctx context.Context, registrationID string) (*model.Credential, error)                                 // The active credential of a registration
	ListActiveCredentials(ctx context.Context, eventID string) ([]model.Credential, error)                                     // Active credentials of an event
	InvalidateCredential(ctx context.Context, id, reason string) (*model.Credential, error)                                    // Any non-terminal state to invalidated
	ExpireCredential(ctx context.Context, id string) error                                                                     // CAS active to expired
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)                                                            // Expire every active credential past its expiry
	SetCredentialAnchor(ctx context.Context, id, anchorID string) error                                                        // Link an anchor record
	ConsumeCredential(ctx context.Context, id string, usedAt time.Time, att model.AttendanceRecord) (*model.Credential, error) // CAS active to used plus attendance insert

	// Attendance operations
	CreateAttendance(ctx context.Context, a model.AttendanceRecord) error                                       // ErrDuplicateAttendance when the pair is taken
	GetAttendance(ctx context.Context, id string) (*model.AttendanceRecord, error)                              // Get by ID
	GetActiveAttendance(ctx context.Context, eventID, participantID string) (*model.AttendanceRecord, error)    // The non-cancelled record for the pair
	UpdateAttendance(ctx context.Context, next model.AttendanceRecord, prevStatus model.AttendanceStatus) error // CAS on status; ErrStateConflict if it changed
	CountCheckedIn(ctx context.Context, eventID string) (int, error)                                            // Non-cancelled records for an event

	// Access audit operations (append-only)
	AppendAttempt(ctx context.Context, a model.AccessAttempt) error                                          // Append one attempt
	ListAttempts(ctx context.Context, eventID string, since, until time.Time) ([]model.AccessAttempt, error) // Attempts in [since, until)
	CountFailures(ctx context.Context, actor string, since time.Time) (int, error)                           // Non-success attempts by actor since a time

	// Offline sync operations
	CreateBatch(ctx context.Context, b model.SyncBatch) error          // Persist a batch with its items
	GetBatch(ctx context.Context, id string) (*model.SyncBatch, error) // Get a batch with its items
	UpdateSyncItem(ctx context.Context, item model.SyncItem) error     // Replace one item by (batch, hash)
	SetBatchArchiveKey(ctx context.Context, id, key string) error      // Record where the snapshot was archived

	// Anchor operations
	CreateAnchor(ctx context.Context, a model.AnchorRecord) error                                                    // Insert a new anchor record
	GetAnchor(ctx context.Context, id string) (*model.AnchorRecord, error)                                           // Get by ID
	UpdateAnchor(ctx context.Context, next model.AnchorRecord, prevStatus model.AnchorStatus, prevRetries int) error // CAS on (status, retries)
	ListAnchors(ctx context.Context, status model.AnchorStatus, limit int) ([]model.AnchorRecord, error)             // Oldest first

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error // Store idempotent response
	GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error)                                              // Get cached idempotent response

	Ping(ctx context.Context) error
	Close()
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}
