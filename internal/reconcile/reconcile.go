// Package reconcile replays offline acceptances reported by devices against
// live state. Each record is committed on its own so an interrupted sync can
// be resumed by submitting the same records again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/validation"
)

// Reasons recorded on items that never reached live validation.
const (
	ReasonNotInBatch      = "not_in_batch"
	ReasonWrongDevice     = "wrong_device"
	ReasonSnapshotExpired = "snapshot_expired"
	ReasonMaxAttempts     = "max_attempts"
	ReasonCommitFailed    = "commit_failed"
)

// ErrBatchNotFound is returned for an unknown batch id.
var ErrBatchNotFound = errors.New("sync batch not found")

// Admitter runs the live checks for one hash.
type Admitter interface {
	Admit(ctx context.Context, hash, eventID string, adm validation.Admission) (model.Decision, error)
}

// Options configures reconciliation.
type Options struct {
	// Policy returns the conflict policy for an event. Defaults to online_wins.
	Policy      func(eventID string) model.ConflictPolicy
	MaxAttempts int
}

// Reconciler applies device records to live state.
type Reconciler struct {
	store    storage.Store
	admitter Admitter
	audit    *audit.Log
	resolver *Resolver
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Reconciler. audit and pub may be nil.
func New(store storage.Store, admitter Admitter, log *audit.Log, pub event.Publisher, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = func(string) model.ConflictPolicy { return model.PolicyOnlineWins }
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Reconciler{
		store:    store,
		admitter: admitter,
		audit:    log,
		resolver: NewResolver(store, pub, logger),
		opts:     opts,
		metrics:  metrics.NewMetrics(),
		logger:   logger,
	}
}

// Reconcile processes records in order. Completed and conflicted items are
// skipped, so resubmitting a batch is safe. On cancellation it stops between
// records, keeps what was committed and returns the context error alongside a
// result marked Cancelled.
func (r *Reconciler) Reconcile(ctx context.Context, batchID string, records []model.DeviceRecord) (model.SyncResult, error) {
	ctx, span := otel.Tracer("admission").Start(ctx, "reconcile.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("records", len(records)))

	result := model.SyncResult{BatchID: batchID, Items: make([]model.ItemOutcome, 0, len(records))}
	batch, err := r.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return result, ErrBatchNotFound
	}
	if err != nil {
		return result, fmt.Errorf("loading batch: %w", err)
	}
	items := make(map[string]model.SyncItem, len(batch.Items))
	for _, it := range batch.Items {
		items[it.Hash] = it
	}
	policy := r.opts.Policy(batch.EventID)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			r.logger.Warn("reconciliation cancelled", "batch_id", batchID, "processed", len(result.Items), "remaining", len(records)-len(result.Items))
			return result, err
		}
		out, err := r.reconcileOne(ctx, batch, items, rec, policy)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return result, ctx.Err()
			}
			return result, err
		}
		result.Items = append(result.Items, out)
		switch {
		case out.Skipped:
			result.Skipped++
		case out.Status == model.SyncCompleted:
			result.Completed++
		case out.Status == model.SyncConflict:
			result.Conflicts++
		default:
			result.Failed++
		}
	}

	r.logger.Info("batch reconciled", "batch_id", batchID, "completed", result.Completed, "conflicts", result.Conflicts, "failed", result.Failed, "skipped", result.Skipped)
	return result, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, batch *model.SyncBatch, items map[string]model.SyncItem, rec model.DeviceRecord, policy model.ConflictPolicy) (model.ItemOutcome, error) {
	// Only the device the snapshot was exported to may report against it.
	// Neither case touches the item, so a bad report cannot use up its attempts.
	if batch.DeviceID != "" && rec.DeviceID != batch.DeviceID {
		d := model.Reject(model.ResultFailed, model.ReasonUnrecognized, batch.EventID, nil, rec.ScannedAt)
		r.record(ctx, rec, d, ReasonWrongDevice)
		r.metrics.SyncItemsTotal.WithLabelValues(string(model.SyncFailed)).Inc()
		r.logger.Warn("offline record from foreign device", "batch_id", batch.ID, "batch_device_id", batch.DeviceID, "device_id", rec.DeviceID)
		return model.ItemOutcome{Hash: rec.Hash, Status: model.SyncFailed, Reason: ReasonWrongDevice}, nil
	}
	item, ok := items[rec.Hash]
	if !ok {
		d := model.Reject(model.ResultInvalid, model.ReasonNotFound, batch.EventID, nil, rec.ScannedAt)
		r.record(ctx, rec, d, ReasonNotInBatch)
		r.metrics.SyncItemsTotal.WithLabelValues(string(model.SyncFailed)).Inc()
		return model.ItemOutcome{Hash: rec.Hash, Status: model.SyncFailed, Reason: ReasonNotInBatch}, nil
	}

	switch {
	case item.Status == model.SyncCompleted || item.Status == model.SyncConflict:
		return model.ItemOutcome{Hash: rec.Hash, Status: item.Status, Skipped: true, Resolution: item.Resolution}, nil
	case item.Status == model.SyncFailed && item.Attempts >= r.opts.MaxAttempts:
		return model.ItemOutcome{Hash: rec.Hash, Status: item.Status, Reason: ReasonMaxAttempts, Skipped: true}, nil
	}

	scannedAt := rec.ScannedAt
	item.ScannedAt = &scannedAt

	var (
		d      model.Decision
		reason string
	)
	if rec.ScannedAt.After(batch.ExpiresAt) {
		d = model.Reject(model.ResultExpired, model.ReasonSnapshotExpired, batch.EventID, nil, rec.ScannedAt)
		reason = ReasonSnapshotExpired
	} else {
		var err error
		d, err = r.admitter.Admit(ctx, rec.Hash, batch.EventID, validation.Admission{
			At:       rec.ScannedAt,
			Method:   model.MethodOfflineSync,
			DeviceID: rec.DeviceID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return model.ItemOutcome{}, err
			}
			d = model.Reject(model.ResultFailed, model.ReasonUnavailable, batch.EventID, nil, rec.ScannedAt)
			r.logger.Error("offline record replay failed", "batch_id", batch.ID, "hash", rec.Hash, "error", err)
		}
		if d.Rejection != nil {
			reason = string(d.Rejection.Reason)
		}
	}

	switch {
	case d.Accepted:
		item.Status = model.SyncCompleted
		item.LastError = ""
	case d.Result() == model.ResultDuplicate:
		res, err := r.resolver.Resolve(ctx, batch.EventID, item, rec, policy)
		if err != nil {
			if ctx.Err() != nil {
				return model.ItemOutcome{}, err
			}
			// Leave the item retryable; resolution can be attempted again.
			item.Status = model.SyncFailed
			item.Attempts++
			item.LastError = err.Error()
			reason = "resolution_failed"
			r.logger.Error("conflict resolution failed", "batch_id", batch.ID, "hash", rec.Hash, "error", err)
			break
		}
		item.Status = model.SyncConflict
		item.Resolution = res
	default:
		item.Status = model.SyncFailed
		item.Attempts++
		item.LastError = reason
	}
	item.UpdatedAt = time.Now().UTC()

	// Commit even if the caller has gone away so the record is not replayed twice.
	wctx := context.WithoutCancel(ctx)
	if err := r.store.UpdateSyncItem(wctx, item); err != nil {
		// The decision already took effect; a resubmission sees it as a conflict.
		r.logger.Error("failed to commit sync item", "batch_id", batch.ID, "hash", rec.Hash, "status", item.Status, "error", err)
		r.record(wctx, rec, d, reason)
		r.metrics.SyncItemsTotal.WithLabelValues(string(model.SyncFailed)).Inc()
		return model.ItemOutcome{Hash: rec.Hash, Status: model.SyncFailed, Reason: ReasonCommitFailed}, nil
	}
	items[rec.Hash] = item
	r.record(wctx, rec, d, reason)
	r.metrics.SyncItemsTotal.WithLabelValues(string(item.Status)).Inc()

	out := model.ItemOutcome{Hash: rec.Hash, Status: item.Status, Resolution: item.Resolution}
	if item.Status != model.SyncCompleted {
		out.Reason = reason
	}
	return out, nil
}

func (r *Reconciler) record(ctx context.Context, rec model.DeviceRecord, d model.Decision, reason string) {
	if r.audit == nil {
		return
	}
	actor := rec.Operator
	if actor == "" {
		actor = rec.DeviceID
	}
	if _, err := r.audit.Record(ctx, audit.Entry{
		EventID:       d.EventID,
		ParticipantID: d.ParticipantID,
		CredentialID:  d.CredentialID,
		AttemptType:   model.AttemptOfflineSync,
		Result:        d.Result(),
		FailureReason: reason,
		Actor:         actor,
		OccurredAt:    rec.ScannedAt,
	}); err != nil {
		r.logger.Error("failed to audit offline record", "hash", rec.Hash, "error", err)
	}
}
