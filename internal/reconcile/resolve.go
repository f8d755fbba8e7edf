package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// Outcomes recorded on a ConflictResolution.
const (
	OutcomeKeptOnline        = "kept_online"
	OutcomeRewroteAttendance = "rewrote_attendance"
	OutcomeRecordedOffline   = "recorded_offline"
	OutcomePendingReview     = "pending_review"
	OutcomeDiscarded         = "discarded"
)

// Resolver settles conflicts between an offline acceptance and live state.
type Resolver struct {
	store  storage.Store
	pub    event.Publisher
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store storage.Store, pub event.Publisher, logger *slog.Logger) *Resolver {
	if pub == nil {
		pub = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, pub: pub, logger: logger}
}

// Resolve applies policy to a conflicted item. Both the device record and the
// live attendance it collided with are kept on the resolution.
func (r *Resolver) Resolve(ctx context.Context, eventID string, item model.SyncItem, rec model.DeviceRecord, policy model.ConflictPolicy) (*model.ConflictResolution, error) {
	online, err := r.store.GetActiveAttendance(ctx, eventID, item.ParticipantID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading live attendance: %w", err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		online = nil
	}

	res := &model.ConflictResolution{Policy: policy, OfflinePayload: rec}
	if online != nil {
		snapshot := *online
		res.OnlinePayload = &snapshot
	}

	switch policy {
	case model.PolicyOfflineWins:
		if err := r.applyOffline(ctx, item, rec, online, res); err != nil {
			return nil, err
		}
	case model.PolicyManualMerge:
		res.Outcome = OutcomePendingReview
		res.Reason = "offline and online check-ins both recorded; awaiting operator review"
		res.NeedsReview = true
		r.alert(ctx, eventID, item, rec)
	case model.PolicyDiscarded:
		res.Outcome = OutcomeDiscarded
		res.Reason = "offline record dropped"
	default:
		res.Policy = model.PolicyOnlineWins
		res.Outcome = OutcomeKeptOnline
		res.Reason = "credential already used online; live attendance kept"
	}

	r.logger.Info("sync conflict resolved", "event_id", eventID, "credential_id", item.CredentialID, "policy", res.Policy, "outcome", res.Outcome)
	return res, nil
}

// applyOffline makes the offline scan the attendance of record.
func (r *Resolver) applyOffline(ctx context.Context, item model.SyncItem, rec model.DeviceRecord, online *model.AttendanceRecord, res *model.ConflictResolution) error {
	if online != nil {
		rewritten := *online
		rewritten.CheckInAt = rec.ScannedAt
		rewritten.Method = model.MethodOfflineSync
		rewritten.DeviceID = rec.DeviceID
		if item.CredentialID != "" {
			id := item.CredentialID
			rewritten.CredentialID = &id
		}
		if err := r.store.UpdateAttendance(ctx, rewritten, online.Status); err != nil {
			return fmt.Errorf("rewriting attendance: %w", err)
		}
		res.Outcome = OutcomeRewroteAttendance
		res.Reason = "offline scan replaced the live check-in"
		return nil
	}

	// The credential was consumed but its attendance has since been cancelled.
	cred, err := r.store.GetCredential(ctx, item.CredentialID)
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}
	att := attendance.NewScanRecord(cred, model.MethodOfflineSync, rec.DeviceID, rec.ScannedAt)
	if err := r.store.CreateAttendance(ctx, att); err != nil {
		return fmt.Errorf("recording offline attendance: %w", err)
	}
	res.Outcome = OutcomeRecordedOffline
	res.Reason = "no live check-in remained; offline scan recorded"
	return nil
}

func (r *Resolver) alert(ctx context.Context, eventID string, item model.SyncItem, rec model.DeviceRecord) {
	err := r.pub.PublishOperatorAlert(ctx, event.Alert{
		Kind:     event.AlertConflictReview,
		Severity: model.SeverityMedium,
		Subject:  item.CredentialID,
		EventID:  eventID,
		Message:  "offline check-in conflicts with live attendance",
		Details: map[string]string{
			"batch_id":       item.BatchID,
			"hash":           item.Hash,
			"participant_id": item.ParticipantID,
			"device_id":      rec.DeviceID,
			"scanned_at":     rec.ScannedAt.Format(time.RFC3339),
		},
		RaisedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to raise conflict alert", "credential_id", item.CredentialID, "error", err)
	}
}
