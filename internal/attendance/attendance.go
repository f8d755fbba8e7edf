// Package attendance records check-ins. At most one non-cancelled record
// exists per (event, participant); the store enforces it, including inside
// the transaction that consumes a credential.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

var (
	ErrAlreadyCheckedIn = errors.New("participant already checked in")
	ErrInvalidMethod    = errors.New("method not allowed for direct check-in")
	ErrInvalidStatus    = errors.New("attendance status does not allow this change")
)

// CheckIn describes a check-in that does not come from a credential scan.
type CheckIn struct {
	EventID       string
	ParticipantID string
	Method        model.AttendanceMethod // manual or backup_code
	DeviceID      string
	At            time.Time
}

// Recorder manages attendance records.
type Recorder struct {
	store  storage.Store
	pub    event.Publisher
	logger *slog.Logger
}

// New creates a Recorder.
func New(store storage.Store, pub event.Publisher, logger *slog.Logger) *Recorder {
	if pub == nil {
		pub = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pub: pub, logger: logger}
}

// NewScanRecord builds the attendance row written together with a credential
// consumption.
func NewScanRecord(c *model.Credential, method model.AttendanceMethod, deviceID string, at time.Time) model.AttendanceRecord {
	id := c.ID
	return model.AttendanceRecord{
		ID:            ulid.Make().String(),
		EventID:       c.EventID,
		ParticipantID: c.ParticipantID,
		CredentialID:  &id,
		CheckInAt:     at,
		Method:        method,
		Status:        model.AttendanceCheckedIn,
		DeviceID:      deviceID,
	}
}

// RecordCheckIn creates a manual or backup-code check-in.
func (r *Recorder) RecordCheckIn(ctx context.Context, in CheckIn) (*model.AttendanceRecord, error) {
	if in.Method != model.MethodManual && in.Method != model.MethodBackupCode {
		return nil, ErrInvalidMethod
	}
	if in.EventID == "" || in.ParticipantID == "" {
		return nil, fmt.Errorf("event and participant are required")
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	rec := model.AttendanceRecord{
		ID:            ulid.Make().String(),
		EventID:       in.EventID,
		ParticipantID: in.ParticipantID,
		CheckInAt:     in.At,
		Method:        in.Method,
		Status:        model.AttendanceCheckedIn,
		DeviceID:      in.DeviceID,
	}
	if err := r.store.CreateAttendance(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateAttendance) {
			return nil, ErrAlreadyCheckedIn
		}
		return nil, fmt.Errorf("creating attendance: %w", err)
	}
	if err := r.pub.PublishCheckIn(ctx, rec); err != nil {
		r.logger.Warn("failed to publish check-in", "attendance_id", rec.ID, "error", err)
	}
	return &rec, nil
}

// RecordCheckOut moves a checked-in record to checked_out.
func (r *Recorder) RecordCheckOut(ctx context.Context, id string, at time.Time) (*model.AttendanceRecord, error) {
	rec, err := r.store.GetAttendance(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.AttendanceCheckedIn {
		return nil, fmt.Errorf("check-out of %s record: %w", rec.Status, ErrInvalidStatus)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.Status = model.AttendanceCheckedOut
	rec.CheckOutAt = &at
	if err := r.store.UpdateAttendance(ctx, *rec, model.AttendanceCheckedIn); err != nil {
		return nil, fmt.Errorf("updating attendance: %w", err)
	}
	return rec, nil
}

// Cancel marks a record cancelled, which frees the (event, participant) pair.
func (r *Recorder) Cancel(ctx context.Context, id, reason string) (*model.AttendanceRecord, error) {
	rec, err := r.store.GetAttendance(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.AttendanceCancelled {
		return nil, fmt.Errorf("record already cancelled: %w", ErrInvalidStatus)
	}
	prev := rec.Status
	rec.Status = model.AttendanceCancelled
	rec.CancelReason = reason
	if err := r.store.UpdateAttendance(ctx, *rec, prev); err != nil {
		return nil, fmt.Errorf("updating attendance: %w", err)
	}
	r.logger.Info("attendance cancelled", "attendance_id", id, "event_id", rec.EventID, "reason", reason)
	return rec, nil
}

// Active returns the non-cancelled record for the pair, or nil if there is none.
func (r *Recorder) Active(ctx context.Context, eventID, participantID string) (*model.AttendanceRecord, error) {
	rec, err := r.store.GetActiveAttendance(ctx, eventID, participantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
