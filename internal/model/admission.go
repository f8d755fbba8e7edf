// internal/model/admission.go
// Package model defines the data structures used throughout the admission service.
// These structures represent credentials, attendance, audit attempts, offline sync
// batches and blockchain anchor records.
package model

import (
	"time"
)

// CredentialState is the lifecycle state of an issued credential.
type CredentialState string

const (
	CredentialActive      CredentialState = "active"      // Issued and not yet consumed
	CredentialUsed        CredentialState = "used"        // Consumed by a successful validation
	CredentialExpired     CredentialState = "expired"     // Expiry elapsed before use
	CredentialInvalidated CredentialState = "invalidated" // Revoked explicitly
)

// Terminal reports whether no transition may leave the state.
func (s CredentialState) Terminal() bool {
	return s == CredentialUsed || s == CredentialExpired || s == CredentialInvalidated
}

// Credential represents one issued entry credential.
// This corresponds to the credentials table in storage.
type Credential struct {
	ID                 string          `json:"id" db:"id"`                                       // Opaque credential identifier
	RegistrationID     string          `json:"registrationId" db:"registration_id"`              // Owning registration
	EventID            string          `json:"eventId" db:"event_id"`                            // Event the credential admits to
	ParticipantID      string          `json:"participantId" db:"participant_id"`                // Participant holding the credential
	Hash               string          `json:"hash" db:"hash"`                                   // Hex SHA-256 of the canonical payload
	Payload            []byte          `json:"payload" db:"payload"`                             // Encrypted payload blob
	State              CredentialState `json:"state" db:"state"`                                 // Lifecycle state
	GeneratedAt        time.Time       `json:"generatedAt" db:"generated_at"`                    // When the credential was issued
	ExpiresAt          *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`              // Optional expiry
	UsedAt             *time.Time      `json:"usedAt,omitempty" db:"used_at"`                    // Consumption timestamp
	InvalidationReason string          `json:"invalidationReason,omitempty" db:"invalid_reason"` // Reason for revocation
	AnchorID           string          `json:"anchorId,omitempty" db:"anchor_id"`                // Blockchain anchor record reference
	Version            int64           `json:"version" db:"version"`                             // Optimistic concurrency version
}

// ExpiredAt reports whether the stored expiry has passed at the given time.
func (c *Credential) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// AttendanceMethod describes how a participant was checked in.
type AttendanceMethod string

const (
	MethodCredentialScan AttendanceMethod = "credential_scan"
	MethodManual         AttendanceMethod = "manual"
	MethodBackupCode     AttendanceMethod = "backup_code"
	MethodOfflineSync    AttendanceMethod = "offline_sync"
)

// AttendanceStatus is the status of an attendance record.
type AttendanceStatus string

const (
	AttendanceCheckedIn  AttendanceStatus = "checked_in"
	AttendanceCheckedOut AttendanceStatus = "checked_out"
	AttendanceCancelled  AttendanceStatus = "cancelled"
)

// AttendanceRecord represents a completed check-in of a participant at an event.
// At most one non-cancelled record exists per (event, participant).
type AttendanceRecord struct {
	ID            string           `json:"id" db:"id"`                                // Unique attendance identifier
	EventID       string           `json:"eventId" db:"event_id"`                     // Event attended
	ParticipantID string           `json:"participantId" db:"participant_id"`         // Participant checked in
	CredentialID  *string          `json:"credentialId,omitempty" db:"credential_id"` // Originating credential (nil for manual entry)
	CheckInAt     time.Time        `json:"checkInAt" db:"check_in_at"`                // Check-in time
	CheckOutAt    *time.Time       `json:"checkOutAt,omitempty" db:"check_out_at"`    // Optional check-out time
	Method        AttendanceMethod `json:"method" db:"method"`                        // How the check-in happened
	Status        AttendanceStatus `json:"status" db:"status"`                        // Current status
	DeviceID      string           `json:"deviceId,omitempty" db:"device_id"`         // Scanning device, if any
	CancelReason  string           `json:"cancelReason,omitempty" db:"cancel_reason"` // Why the record was cancelled
}

// AttemptType identifies the path that produced an access attempt.
type AttemptType string

const (
	AttemptOnlineScan  AttemptType = "online_scan"
	AttemptOfflineSync AttemptType = "offline_sync"
	AttemptManual      AttemptType = "manual"
)

// AttemptResult is the outcome recorded for an access attempt.
type AttemptResult string

const (
	ResultSuccess     AttemptResult = "success"
	ResultFailed      AttemptResult = "failed"
	ResultBlocked     AttemptResult = "blocked"
	ResultExpired     AttemptResult = "expired"
	ResultInvalid     AttemptResult = "invalid"
	ResultDuplicate   AttemptResult = "duplicate"
	ResultRateLimited AttemptResult = "rate_limited"
)

// Severity classifies how concerning an access attempt is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AccessAttempt is one audited validation call. Append-only.
type AccessAttempt struct {
	ID            string        `json:"id" db:"id"`                                  // ULID, time ordered
	EventID       string        `json:"eventId" db:"event_id"`                       // Event the scan targeted
	ParticipantID string        `json:"participantId,omitempty" db:"participant_id"` // Participant, when resolved
	CredentialID  string        `json:"credentialId,omitempty" db:"credential_id"`   // Credential, when resolved
	AttemptType   AttemptType   `json:"attemptType" db:"attempt_type"`               // Path that produced the attempt
	Result        AttemptResult `json:"result" db:"result"`                          // Outcome
	FailureReason string        `json:"failureReason,omitempty" db:"failure_reason"` // Machine readable reason
	Severity      Severity      `json:"severity" db:"severity"`                      // Derived severity
	Suspicious    bool          `json:"isSuspicious" db:"is_suspicious"`             // Escalated by repeated failures
	Actor         string        `json:"actor" db:"actor"`                            // Scanning device or operator
	OccurredAt    time.Time     `json:"occurredAt" db:"occurred_at"`                 // When the attempt happened
}

// SyncStatus is the reconciliation status of one credential in a batch.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncConflict   SyncStatus = "conflict"
)

// ConflictPolicy selects how an offline/online double use is resolved.
type ConflictPolicy string

const (
	PolicyOfflineWins ConflictPolicy = "offline_wins"
	PolicyOnlineWins  ConflictPolicy = "online_wins"
	PolicyManualMerge ConflictPolicy = "manual_merge"
	PolicyDiscarded   ConflictPolicy = "discarded"
)

// Valid reports whether p is one of the known policies.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyOfflineWins, PolicyOnlineWins, PolicyManualMerge, PolicyDiscarded:
		return true
	}
	return false
}

// ConflictResolution records how a reconciliation conflict was settled.
// Both conflicting payloads are kept for audit.
type ConflictResolution struct {
	Policy         ConflictPolicy    `json:"policy"`                  // Policy applied
	Outcome        string            `json:"outcome"`                 // What happened to live state
	Reason         string            `json:"reason"`                  // Human readable explanation
	OfflinePayload DeviceRecord      `json:"offlinePayload"`          // The device's record
	OnlinePayload  *AttendanceRecord `json:"onlinePayload,omitempty"` // The live attendance it collided with
	NeedsReview    bool              `json:"needsReview"`             // Set for manual merges
}

// SyncItem is the per-credential reconciliation state inside a batch.
type SyncItem struct {
	BatchID       string              `json:"batchId" db:"batch_id"`                // Owning batch
	Hash          string              `json:"hash" db:"hash"`                       // Credential hash
	CredentialID  string              `json:"credentialId" db:"credential_id"`      // Credential reference
	ParticipantID string              `json:"participantId" db:"participant_id"`    // Participant reference
	Status        SyncStatus          `json:"status" db:"status"`                   // Reconciliation status
	Attempts      int                 `json:"attempts" db:"attempts"`               // Number of failed attempts
	LastError     string              `json:"lastError,omitempty" db:"last_error"`  // Most recent failure
	Resolution    *ConflictResolution `json:"resolution,omitempty" db:"resolution"` // Conflict outcome
	ScannedAt     *time.Time          `json:"scannedAt,omitempty" db:"scanned_at"`  // Device scan time
	UpdatedAt     time.Time           `json:"updatedAt" db:"updated_at"`            // Last change
}

// SyncBatch is one offline export / reconciliation cycle for a device.
type SyncBatch struct {
	ID              string     `json:"id" db:"id"`                            // Batch identifier (ULID)
	EventID         string     `json:"eventId" db:"event_id"`                 // Event covered
	DeviceID        string     `json:"deviceId" db:"device_id"`               // Device the snapshot was exported to
	GeneratedAt     time.Time  `json:"generatedAt" db:"generated_at"`         // Export time
	ExpiresAt       time.Time  `json:"expiresAt" db:"expires_at"`             // Snapshot expiry
	CredentialCount int        `json:"credentialCount" db:"credential_count"` // Number of credentials exported
	ArchiveKey      string     `json:"archiveKey,omitempty" db:"archive_key"` // Object key when archived
	Items           []SyncItem `json:"items,omitempty"`                       // Per-credential sync state
}

// DeviceRecord is one offline acceptance reported by a device during sync.
type DeviceRecord struct {
	Hash      string    `json:"hash"`               // Scanned credential hash
	DeviceID  string    `json:"deviceId"`           // Reporting device
	ScannedAt time.Time `json:"scannedAt"`          // Local scan time
	Operator  string    `json:"operator,omitempty"` // Staff member operating the device
}

// ItemOutcome reports what reconciliation did for one device record.
type ItemOutcome struct {
	Hash       string              `json:"hash"`
	Status     SyncStatus          `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Skipped    bool                `json:"skipped,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}

// SyncResult summarises a reconciliation call.
type SyncResult struct {
	BatchID   string        `json:"batchId"`
	Completed int           `json:"completed"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Cancelled bool          `json:"cancelled"`
	Items     []ItemOutcome `json:"items"`
}

// AnchorStatus is the state of a blockchain anchor record.
type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "pending"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
)

// SubjectRef identifies the entity whose hash is anchored.
type SubjectRef struct {
	Type string `json:"type"` // e.g. "credential"
	ID   string `json:"id"`
}

// AnchorRecord tracks one hash submitted for anchoring. Never deleted.
type AnchorRecord struct {
	ID            string       `json:"id" db:"id"`                               // Anchor identifier
	SubjectType   string       `json:"subjectType" db:"subject_type"`            // Anchored entity type
	SubjectID     string       `json:"subjectId" db:"subject_id"`                // Anchored entity id
	Hash          string       `json:"hash" db:"hash"`                           // Hash carried in the transaction
	Network       string       `json:"network" db:"network"`                     // Network identifier
	TxHash        string       `json:"txHash,omitempty" db:"tx_hash"`            // Current transaction hash
	Nonce         uint64       `json:"nonce" db:"nonce"`                         // Sender nonce used
	GasPrice      string       `json:"gasPrice,omitempty" db:"gas_price"`        // Gas price in wei (decimal)
	Status        AnchorStatus `json:"status" db:"status"`                       // Anchor status
	Confirmations uint64       `json:"confirmations" db:"confirmations"`         // Confirmations observed
	BlockNumber   *uint64      `json:"blockNumber,omitempty" db:"block_number"`  // Inclusion block
	BlockTime     *time.Time   `json:"blockTime,omitempty" db:"block_time"`      // Inclusion block timestamp
	Retries       int          `json:"retries" db:"retries"`                     // Resubmissions so far
	LastError     string       `json:"lastError,omitempty" db:"last_error"`      // Most recent failure
	NeedsReview   bool         `json:"needsReview" db:"needs_review"`            // Non-retryable, flagged for operators
	Terminal      bool         `json:"terminal" db:"terminal"`                   // Retries exhausted
	SubmittedAt   time.Time    `json:"submittedAt" db:"submitted_at"`            // Last submission time
	NextRetryAt   *time.Time   `json:"nextRetryAt,omitempty" db:"next_retry_at"` // Earliest retry
	ConfirmedAt   *time.Time   `json:"confirmedAt,omitempty" db:"confirmed_at"`  // When confirmed
	UpdatedAt     time.Time    `json:"updatedAt" db:"updated_at"`                // Last change
}

// Event is the directory view of an event.
type Event struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartsAt      time.Time `json:"startsAt"`
	EndsAt        time.Time `json:"endsAt"`
	RequireAnchor bool      `json:"requireAnchor"` // Scans must see a confirmed anchor
}

// AccessWindow returns [start - early, end + late].
func (e Event) AccessWindow(early, late time.Duration) (opens, closes time.Time) {
	return e.StartsAt.Add(-early), e.EndsAt.Add(late)
}

// RegistrationStatus is the directory status of a registration.
type RegistrationStatus string

const (
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// Registration binds a participant to an event.
type Registration struct {
	ID            string             `json:"id"`
	EventID       string             `json:"eventId"`
	ParticipantID string             `json:"participantId"`
	Status        RegistrationStatus `json:"status"`
	TicketType    string             `json:"ticketType,omitempty"`
}

// AccessStats aggregates access attempts for an event over a window.
type AccessStats struct {
	EventID            string                   `json:"eventId"`
	Since              time.Time                `json:"since"`
	Until              time.Time                `json:"until"`
	Total              int                      `json:"total"`
	ByResult           map[AttemptResult]int    `json:"byResult"`
	BySeverity         map[Severity]int         `json:"bySeverity"`
	Suspicious         int                      `json:"suspicious"`
	UniqueParticipants int                      `json:"uniqueParticipants"`
	CheckedIn          int                      `json:"checkedIn"`
}
