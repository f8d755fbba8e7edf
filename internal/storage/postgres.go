// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// postgres provides persistent storage backed by a pgx connection pool.
// Conditional transitions are single UPDATE statements guarded by the
// expected state, so concurrent callers race on the row lock and exactly
// one of them observes an affected row.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
// Uniqueness rules that depend on state are partial unique indexes so the
// database enforces them under concurrency.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
		    id TEXT PRIMARY KEY,
		    registration_id TEXT NOT NULL,
		    event_id TEXT NOT NULL,
		    participant_id TEXT NOT NULL,
		    hash TEXT NOT NULL,
		    payload BYTEA NOT NULL,
		    state TEXT NOT NULL,
		    generated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE,
		    used_at TIMESTAMP WITH TIME ZONE,
		    invalid_reason TEXT NOT NULL DEFAULT '',
		    anchor_id TEXT NOT NULL DEFAULT '',
		    version BIGINT NOT NULL DEFAULT 1
		);

		-- At most one active credential per registration
		CREATE UNIQUE INDEX IF NOT EXISTS uq_credentials_active_registration
		    ON credentials(registration_id) WHERE state = 'active';
		-- Hash unique among non-invalidated credentials
		CREATE UNIQUE INDEX IF NOT EXISTS uq_credentials_hash
		    ON credentials(hash) WHERE state <> 'invalidated';
		CREATE INDEX IF NOT EXISTS idx_credentials_hash ON credentials(hash);
		CREATE INDEX IF NOT EXISTS idx_credentials_event_state ON credentials(event_id, state);

		CREATE TABLE IF NOT EXISTS attendance (
		    id TEXT PRIMARY KEY,
		    event_id TEXT NOT NULL,
		    participant_id TEXT NOT NULL,
		    credential_id TEXT,
		    check_in_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    check_out_at TIMESTAMP WITH TIME ZONE,
		    method TEXT NOT NULL,
		    status TEXT NOT NULL,
		    device_id TEXT NOT NULL DEFAULT '',
		    cancel_reason TEXT NOT NULL DEFAULT ''
		);

		-- At most one non-cancelled attendance per (event, participant)
		CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_active_pair
		    ON attendance(event_id, participant_id) WHERE status <> 'cancelled';

		-- Access attempts (append-only)
		CREATE TABLE IF NOT EXISTS access_attempts (
		    id TEXT PRIMARY KEY,
		    event_id TEXT NOT NULL,
		    participant_id TEXT NOT NULL DEFAULT '',
		    credential_id TEXT NOT NULL DEFAULT '',
		    attempt_type TEXT NOT NULL,
		    result TEXT NOT NULL,
		    failure_reason TEXT NOT NULL DEFAULT '',
		    severity TEXT NOT NULL,
		    is_suspicious BOOLEAN NOT NULL DEFAULT FALSE,
		    actor TEXT NOT NULL,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_access_attempts_event_time ON access_attempts(event_id, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_access_attempts_actor_time ON access_attempts(actor, occurred_at);

		CREATE TABLE IF NOT EXISTS sync_batches (
		    id TEXT PRIMARY KEY,
		    event_id TEXT NOT NULL,
		    device_id TEXT NOT NULL,
		    generated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    credential_count INTEGER NOT NULL,
		    archive_key TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sync_items (
		    batch_id TEXT NOT NULL REFERENCES sync_batches(id),
		    hash TEXT NOT NULL,
		    credential_id TEXT NOT NULL,
		    participant_id TEXT NOT NULL,
		    status TEXT NOT NULL,
		    attempts INTEGER NOT NULL DEFAULT 0,
		    last_error TEXT NOT NULL DEFAULT '',
		    resolution JSONB,
		    scanned_at TIMESTAMP WITH TIME ZONE,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    PRIMARY KEY (batch_id, hash)
		);

		-- Anchor records are never deleted
		CREATE TABLE IF NOT EXISTS anchors (
		    id TEXT PRIMARY KEY,
		    subject_type TEXT NOT NULL,
		    subject_id TEXT NOT NULL,
		    hash TEXT NOT NULL,
		    network TEXT NOT NULL,
		    tx_hash TEXT NOT NULL DEFAULT '',
		    nonce BIGINT NOT NULL DEFAULT 0,
		    gas_price TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    confirmations BIGINT NOT NULL DEFAULT 0,
		    block_number BIGINT,
		    block_time TIMESTAMP WITH TIME ZONE,
		    retries INTEGER NOT NULL DEFAULT 0,
		    last_error TEXT NOT NULL DEFAULT '',
		    needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		    terminal BOOLEAN NOT NULL DEFAULT FALSE,
		    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    next_retry_at TIMESTAMP WITH TIME ZONE,
		    confirmed_at TIMESTAMP WITH TIME ZONE,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_anchors_status_submitted ON anchors(status, submitted_at);

		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,
		    response_body BYTEA NOT NULL,
		    response_status INTEGER NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity for readiness probes.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const credentialColumns = `id, registration_id, event_id, participant_id, hash, payload, state,
	generated_at, expires_at, used_at, invalid_reason, anchor_id, version`

func scanCredential(row pgx.Row) (*model.Credential, error) {
	var c model.Credential
	err := row.Scan(&c.ID, &c.RegistrationID, &c.EventID, &c.ParticipantID, &c.Hash, &c.Payload, &c.State,
		&c.GeneratedAt, &c.ExpiresAt, &c.UsedAt, &c.InvalidationReason, &c.AnchorID, &c.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertCredential(ctx context.Context, db execer, c model.Credential) error {
	query := `INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := db.Exec(ctx, query, c.ID, c.RegistrationID, c.EventID, c.ParticipantID, c.Hash, c.Payload, c.State,
		c.GeneratedAt, c.ExpiresAt, c.UsedAt, c.InvalidationReason, c.AnchorID, c.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// CreateCredential inserts a new credential.
func (p *postgres) CreateCredential(ctx context.Context, c model.Credential) error {
	return insertCredential(ctx, p.db, c)
}

// ReplaceCredential invalidates the old credential and inserts its successor in one transaction.
func (p *postgres) ReplaceCredential(ctx context.Context, oldID, reason string, next model.Credential) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credentials SET state = 'invalidated', invalid_reason = $2, version = version + 1
			WHERE id = $1 AND state = 'active'`, oldID, reason)
		if err != nil {
			return fmt.Errorf("failed to invalidate credential: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanCredential(tx.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, oldID)); err != nil {
				return err
			}
			return ErrStateConflict
		}
		return insertCredential(ctx, tx, next)
	})
}

// GetCredential retrieves a credential by ID
func (p *postgres) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	c, err := scanCredential(p.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, err
}

// GetCredentialByHash prefers the live credential and falls back to the newest invalidated one.
func (p *postgres) GetCredentialByHash(ctx context.Context, hash string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE hash = $1
		ORDER BY (state <> 'invalidated') DESC, generated_at DESC LIMIT 1`
	c, err := scanCredential(p.db.QueryRow(ctx, query, hash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get credential by hash: %w", err)
	}
	return c, err
}

func (p *postgres) GetActiveCredential(ctx context.Context, registrationID string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE registration_id = $1 AND state = 'active'`
	c, err := scanCredential(p.db.QueryRow(ctx, query, registrationID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get active credential: %w", err)
	}
	return c, err
}

func (p *postgres) ListActiveCredentials(ctx context.Context, eventID string) ([]model.Credential, error) {
	rows, err := p.db.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE event_id = $1 AND state = 'active' ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// InvalidateCredential moves a non-terminal credential to invalidated.
func (p *postgres) InvalidateCredential(ctx context.Context, id, reason string) (*model.Credential, error) {
	query := `UPDATE credentials SET state = 'invalidated', invalid_reason = $2, version = version + 1
		WHERE id = $1 AND state = 'active' RETURNING ` + credentialColumns
	c, err := scanCredential(p.db.QueryRow(ctx, query, id, reason))
	if errors.Is(err, ErrNotFound) {
		if _, err := p.GetCredential(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to invalidate credential: %w", err)
	}
	return c, nil
}

// ExpireCredential performs the active to expired CAS.
func (p *postgres) ExpireCredential(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `UPDATE credentials SET state = 'expired', version = version + 1
		WHERE id = $1 AND state = 'active'`, id)
	if err != nil {
		return fmt.Errorf("failed to expire credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetCredential(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *postgres) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.Query(ctx, `UPDATE credentials SET state = 'expired', version = version + 1
		WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < $1 RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire credentials: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired ids: %w", err)
	}
	return ids, nil
}

func (p *postgres) SetCredentialAnchor(ctx context.Context, id, anchorID string) error {
	tag, err := p.db.Exec(ctx, `UPDATE credentials SET anchor_id = $2 WHERE id = $1`, id, anchorID)
	if err != nil {
		return fmt.Errorf("failed to link anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeCredential marks an active credential used and records the attendance
// in the same transaction. Losing the CAS yields ErrStateConflict; a taken
// (event, participant) pair yields ErrDuplicateAttendance and rolls back.
func (p *postgres) ConsumeCredential(ctx context.Context, id string, usedAt time.Time, att model.AttendanceRecord) (*model.Credential, error) {
	var consumed *model.Credential
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		query := `UPDATE credentials SET state = 'used', used_at = $2, version = version + 1
			WHERE id = $1 AND state = 'active' RETURNING ` + credentialColumns
		c, err := scanCredential(tx.QueryRow(ctx, query, id, usedAt))
		if errors.Is(err, ErrNotFound) {
			return ErrStateConflict
		}
		if err != nil {
			return fmt.Errorf("failed to consume credential: %w", err)
		}
		if err := insertAttendance(ctx, tx, att); err != nil {
			return err
		}
		consumed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

const attendanceColumns = `id, event_id, participant_id, credential_id, check_in_at, check_out_at,
	method, status, device_id, cancel_reason`

func scanAttendance(row pgx.Row) (*model.AttendanceRecord, error) {
	var a model.AttendanceRecord
	err := row.Scan(&a.ID, &a.EventID, &a.ParticipantID, &a.CredentialID, &a.CheckInAt, &a.CheckOutAt,
		&a.Method, &a.Status, &a.DeviceID, &a.CancelReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func insertAttendance(ctx context.Context, db execer, a model.AttendanceRecord) error {
	_, err := db.Exec(ctx, `INSERT INTO attendance (`+attendanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.EventID, a.ParticipantID, a.CredentialID, a.CheckInAt, a.CheckOutAt,
		a.Method, a.Status, a.DeviceID, a.CancelReason)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttendance
		}
		return fmt.Errorf("failed to create attendance: %w", err)
	}
	return nil
}

func (p *postgres) CreateAttendance(ctx context.Context, a model.AttendanceRecord) error {
	return insertAttendance(ctx, p.db, a)
}

func (p *postgres) GetAttendance(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	a, err := scanAttendance(p.db.QueryRow(ctx, `SELECT `+attendanceColumns+` FROM attendance WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get attendance: %w", err)
	}
	return a, err
}

func (p *postgres) GetActiveAttendance(ctx context.Context, eventID, participantID string) (*model.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance
		WHERE event_id = $1 AND participant_id = $2 AND status <> 'cancelled'`
	a, err := scanAttendance(p.db.QueryRow(ctx, query, eventID, participantID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get attendance: %w", err)
	}
	return a, err
}

// UpdateAttendance replaces the record only if its status is still prevStatus.
func (p *postgres) UpdateAttendance(ctx context.Context, a model.AttendanceRecord, prevStatus model.AttendanceStatus) error {
	tag, err := p.db.Exec(ctx, `UPDATE attendance SET event_id = $2, participant_id = $3, credential_id = $4,
		check_in_at = $5, check_out_at = $6, method = $7, status = $8, device_id = $9, cancel_reason = $10
		WHERE id = $1 AND status = $11`,
		a.ID, a.EventID, a.ParticipantID, a.CredentialID, a.CheckInAt, a.CheckOutAt,
		a.Method, a.Status, a.DeviceID, a.CancelReason, prevStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttendance
		}
		return fmt.Errorf("failed to update attendance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetAttendance(ctx, a.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *postgres) CountCheckedIn(ctx context.Context, eventID string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM attendance WHERE event_id = $1 AND status <> 'cancelled'`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attendance: %w", err)
	}
	return n, nil
}

func (p *postgres) AppendAttempt(ctx context.Context, a model.AccessAttempt) error {
	_, err := p.db.Exec(ctx, `INSERT INTO access_attempts
		(id, event_id, participant_id, credential_id, attempt_type, result, failure_reason, severity, is_suspicious, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.EventID, a.ParticipantID, a.CredentialID, a.AttemptType, a.Result, a.FailureReason,
		a.Severity, a.Suspicious, a.Actor, a.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append access attempt: %w", err)
	}
	return nil
}

func (p *postgres) ListAttempts(ctx context.Context, eventID string, since, until time.Time) ([]model.AccessAttempt, error) {
	rows, err := p.db.Query(ctx, `SELECT id, event_id, participant_id, credential_id, attempt_type, result,
		failure_reason, severity, is_suspicious, actor, occurred_at
		FROM access_attempts WHERE event_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id`, eventID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list access attempts: %w", err)
	}
	defer rows.Close()

	var out []model.AccessAttempt
	for rows.Next() {
		var a model.AccessAttempt
		if err := rows.Scan(&a.ID, &a.EventID, &a.ParticipantID, &a.CredentialID, &a.AttemptType, &a.Result,
			&a.FailureReason, &a.Severity, &a.Suspicious, &a.Actor, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan access attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *postgres) CountFailures(ctx context.Context, actor string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM access_attempts
		WHERE actor = $1 AND occurred_at >= $2 AND result <> 'success'`, actor, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// CreateBatch persists a batch and its pending items in one transaction.
func (p *postgres) CreateBatch(ctx context.Context, b model.SyncBatch) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO sync_batches
			(id, event_id, device_id, generated_at, expires_at, credential_count, archive_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.EventID, b.DeviceID, b.GeneratedAt, b.ExpiresAt, b.CredentialCount, b.ArchiveKey)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create batch: %w", err)
		}
		rows := make([][]any, 0, len(b.Items))
		for _, it := range b.Items {
			rows = append(rows, []any{b.ID, it.Hash, it.CredentialID, it.ParticipantID, string(it.Status), int32(it.Attempts), it.LastError, it.UpdatedAt})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"sync_items"},
			[]string{"batch_id", "hash", "credential_id", "participant_id", "status", "attempts", "last_error", "updated_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to create batch items: %w", err)
		}
		return nil
	})
}

func (p *postgres) GetBatch(ctx context.Context, id string) (*model.SyncBatch, error) {
	var b model.SyncBatch
	err := p.db.QueryRow(ctx, `SELECT id, event_id, device_id, generated_at, expires_at, credential_count, archive_key
		FROM sync_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.EventID, &b.DeviceID, &b.GeneratedAt, &b.ExpiresAt, &b.CredentialCount, &b.ArchiveKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	rows, err := p.db.Query(ctx, `SELECT batch_id, hash, credential_id, participant_id, status, attempts, last_error,
		resolution, scanned_at, updated_at FROM sync_items WHERE batch_id = $1 ORDER BY hash`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.SyncItem
		var resolution []byte
		if err := rows.Scan(&it.BatchID, &it.Hash, &it.CredentialID, &it.ParticipantID, &it.Status, &it.Attempts,
			&it.LastError, &resolution, &it.ScannedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch item: %w", err)
		}
		if len(resolution) > 0 {
			it.Resolution = &model.ConflictResolution{}
			if err := json.Unmarshal(resolution, it.Resolution); err != nil {
				return nil, fmt.Errorf("failed to decode resolution: %w", err)
			}
		}
		b.Items = append(b.Items, it)
	}
	return &b, rows.Err()
}

func (p *postgres) UpdateSyncItem(ctx context.Context, item model.SyncItem) error {
	var resolution []byte
	if item.Resolution != nil {
		var err error
		if resolution, err = json.Marshal(item.Resolution); err != nil {
			return fmt.Errorf("failed to encode resolution: %w", err)
		}
	}
	tag, err := p.db.Exec(ctx, `UPDATE sync_items SET status = $3, attempts = $4, last_error = $5,
		resolution = $6, scanned_at = $7, updated_at = $8 WHERE batch_id = $1 AND hash = $2`,
		item.BatchID, item.Hash, item.Status, item.Attempts, item.LastError, resolution, item.ScannedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update batch item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) SetBatchArchiveKey(ctx context.Context, id, key string) error {
	tag, err := p.db.Exec(ctx, `UPDATE sync_batches SET archive_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("failed to set archive key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const anchorColumns = `id, subject_type, subject_id, hash, network, tx_hash, nonce, gas_price, status,
	confirmations, block_number, block_time, retries, last_error, needs_review, terminal,
	submitted_at, next_retry_at, confirmed_at, updated_at`

func scanAnchor(row pgx.Row) (*model.AnchorRecord, error) {
	var a model.AnchorRecord
	var nonce, confirmations int64
	var block *int64
	err := row.Scan(&a.ID, &a.SubjectType, &a.SubjectID, &a.Hash, &a.Network, &a.TxHash, &nonce, &a.GasPrice, &a.Status,
		&confirmations, &block, &a.BlockTime, &a.Retries, &a.LastError, &a.NeedsReview, &a.Terminal,
		&a.SubmittedAt, &a.NextRetryAt, &a.ConfirmedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Nonce = uint64(nonce)
	a.Confirmations = uint64(confirmations)
	if block != nil {
		n := uint64(*block)
		a.BlockNumber = &n
	}
	return &a, nil
}

func anchorArgs(a model.AnchorRecord) []any {
	var block *int64
	if a.BlockNumber != nil {
		n := int64(*a.BlockNumber)
		block = &n
	}
	return []any{a.ID, a.SubjectType, a.SubjectID, a.Hash, a.Network, a.TxHash, int64(a.Nonce), a.GasPrice, a.Status,
		int64(a.Confirmations), block, a.BlockTime, a.Retries, a.LastError, a.NeedsReview, a.Terminal,
		a.SubmittedAt, a.NextRetryAt, a.ConfirmedAt, a.UpdatedAt}
}

func (p *postgres) CreateAnchor(ctx context.Context, a model.AnchorRecord) error {
	_, err := p.db.Exec(ctx, `INSERT INTO anchors (`+anchorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		anchorArgs(a)...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create anchor: %w", err)
	}
	return nil
}

func (p *postgres) GetAnchor(ctx context.Context, id string) (*model.AnchorRecord, error) {
	a, err := scanAnchor(p.db.QueryRow(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}
	return a, err
}

// UpdateAnchor replaces the record only if its status and retry count are unchanged.
func (p *postgres) UpdateAnchor(ctx context.Context, next model.AnchorRecord, prevStatus model.AnchorStatus, prevRetries int) error {
	args := append(anchorArgs(next), prevStatus, prevRetries)
	tag, err := p.db.Exec(ctx, `UPDATE anchors SET subject_type = $2, subject_id = $3, hash = $4, network = $5,
		tx_hash = $6, nonce = $7, gas_price = $8, status = $9, confirmations = $10, block_number = $11,
		block_time = $12, retries = $13, last_error = $14, needs_review = $15, terminal = $16,
		submitted_at = $17, next_retry_at = $18, confirmed_at = $19, updated_at = $20
		WHERE id = $1 AND status = $21 AND retries = $22`, args...)
	if err != nil {
		return fmt.Errorf("failed to update anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetAnchor(ctx, next.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (p *postgres) ListAnchors(ctx context.Context, status model.AnchorStatus, limit int) ([]model.AnchorRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, `SELECT `+anchorColumns+` FROM anchors
		WHERE status = $1 ORDER BY submitted_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anchors: %w", err)
	}
	defer rows.Close()

	var out []model.AnchorRecord
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// StoreIdempotentResponse stores an idempotent response; the first write for a key wins.
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	_, err := p.db.Exec(ctx, `INSERT INTO idempotency (key_hash, response_body, response_status, expires_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (key_hash) DO NOTHING`, keyHash, responseBody, statusCode, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached, unexpired idempotent response
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	var body []byte
	var status int
	err := p.db.QueryRow(ctx, `SELECT response_body, response_status FROM idempotency
		WHERE key_hash = $1 AND expires_at > $2`, keyHash, time.Now().UTC()).Scan(&body, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return body, status, nil
}
