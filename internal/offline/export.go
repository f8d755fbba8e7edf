package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// ErrEventNotFound is returned when exporting for an unknown event.
var ErrEventNotFound = errors.New("event not found")

// Options configures snapshot export.
type Options struct {
	TTL            time.Duration // Snapshot lifetime, default 24h
	EarlyTolerance time.Duration
	LateTolerance  time.Duration
}

// Deps are the collaborators of the Manager.
type Deps struct {
	Store     storage.Store
	Directory directory.Directory
	Codec     *codec.Codec    // Credential codec, decodes QR text scans
	Sealer    *codec.Sealer   // Snapshot namespace sealer
	Archive   archive.Archive // Optional
}

// EncryptedSnapshot is what a device downloads.
type EncryptedSnapshot struct {
	BatchID     string    `json:"batchId"`
	EventID     string    `json:"eventId"`
	DeviceID    string    `json:"deviceId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Count       int       `json:"credentialCount"`
	Blob        []byte    `json:"blob"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
}

// Manager exports snapshots and validates against them statelessly.
type Manager struct {
	store   storage.Store
	dir     directory.Directory
	codec   *codec.Codec
	sealer  *codec.Sealer
	archive archive.Archive
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Manager.
func New(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Manager{
		store:   deps.Store,
		dir:     deps.Directory,
		codec:   deps.Codec,
		sealer:  deps.Sealer,
		archive: deps.Archive,
		opts:    opts,
		metrics: metrics.NewMetrics(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ExportBatch seals every active credential of an event for deviceID and
// records a sync batch with one pending item per credential.
func (m *Manager) ExportBatch(ctx context.Context, eventID, deviceID string) (*EncryptedSnapshot, error) {
	ctx, span := otel.Tracer("admission").Start(ctx, "offline.ExportBatch")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", eventID), attribute.String("device.id", deviceID))

	ev, err := m.dir.GetEvent(ctx, eventID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving event: %w", err)
	}
	creds, err := m.store.ListActiveCredentials(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing active credentials: %w", err)
	}

	now := m.now()
	opens, closes := ev.AccessWindow(m.opts.EarlyTolerance, m.opts.LateTolerance)
	snap := &Snapshot{
		Version:      SnapshotVersion,
		BatchID:      ulid.Make().String(),
		EventID:      eventID,
		DeviceID:     deviceID,
		GeneratedAt:  now.UnixMilli(),
		ExpiresAt:    now.Add(m.opts.TTL).UnixMilli(),
		WindowOpens:  opens.UnixMilli(),
		WindowCloses: ceilMilli(closes),
	}
	items := make([]model.SyncItem, 0, len(creds))
	for _, c := range creds {
		if c.ExpiredAt(now) {
			continue
		}
		e := Entry{Hash: c.Hash, CredentialID: c.ID, ParticipantID: c.ParticipantID}
		if c.ExpiresAt != nil {
			e.ExpiresAt = ceilMilli(*c.ExpiresAt)
		}
		snap.Credentials = append(snap.Credentials, e)
		items = append(items, model.SyncItem{
			BatchID:       snap.BatchID,
			Hash:          c.Hash,
			CredentialID:  c.ID,
			ParticipantID: c.ParticipantID,
			Status:        model.SyncPending,
			UpdatedAt:     now,
		})
	}

	blob, err := sealSnapshot(m.sealer, snap)
	if err != nil {
		return nil, err
	}
	batch := model.SyncBatch{
		ID:              snap.BatchID,
		EventID:         eventID,
		DeviceID:        deviceID,
		GeneratedAt:     now,
		ExpiresAt:       snap.Expires(),
		CredentialCount: len(items),
		Items:           items,
	}
	if err := m.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("creating sync batch: %w", err)
	}

	out := &EncryptedSnapshot{
		BatchID:   batch.ID,
		EventID:   eventID,
		DeviceID:  deviceID,
		ExpiresAt: batch.ExpiresAt,
		Count:     len(items),
		Blob:      blob,
	}
	if m.archive != nil {
		out.DownloadURL = m.archiveBlob(ctx, batch, blob)
	}

	m.metrics.SnapshotsTotal.Inc()
	m.logger.Info("offline snapshot exported", "batch_id", batch.ID, "event_id", eventID, "device_id", deviceID, "credentials", len(items))
	return out, nil
}

// archiveBlob stores the blob and returns a download URL. Archive failures do
// not fail the export; the device already has the blob inline.
func (m *Manager) archiveBlob(ctx context.Context, batch model.SyncBatch, blob []byte) string {
	key := archive.SnapshotKey(batch.EventID, batch.ID)
	if err := m.archive.PutSnapshot(ctx, key, blob); err != nil {
		m.logger.Warn("failed to archive snapshot", "batch_id", batch.ID, "error", err)
		return ""
	}
	if err := m.store.SetBatchArchiveKey(ctx, batch.ID, key); err != nil {
		m.logger.Warn("failed to record archive key", "batch_id", batch.ID, "error", err)
	}
	url, err := m.archive.PresignDownload(ctx, key, m.opts.TTL)
	if err != nil {
		m.logger.Warn("failed to presign snapshot download", "batch_id", batch.ID, "error", err)
		return ""
	}
	return url
}

// FetchArchived returns the archived blob of a batch.
func (m *Manager) FetchArchived(ctx context.Context, batchID string) ([]byte, error) {
	if m.archive == nil {
		return nil, archive.ErrNotFound
	}
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.ArchiveKey == "" {
		return nil, archive.ErrNotFound
	}
	return m.archive.GetSnapshot(ctx, b.ArchiveKey)
}

// OpenSnapshot authenticates and decodes a blob.
func (m *Manager) OpenSnapshot(blob []byte) (*Snapshot, error) {
	return openSnapshot(m.sealer, blob)
}

// ValidateOffline checks scanned against blob without a device ledger and
// without mutating any state. Replays on the same device are not detected
// here; use Device for that.
func (m *Manager) ValidateOffline(ctx context.Context, scanned string, blob []byte) (model.Decision, error) {
	_, span := otel.Tracer("admission").Start(ctx, "offline.ValidateOffline")
	defer span.End()

	snap, err := openSnapshot(m.sealer, blob)
	if err != nil {
		return model.Decision{}, err
	}
	d, _, _ := check(snap, snap.index(), m.codec, scanned, m.now())
	span.SetAttributes(attribute.String("decision.result", string(d.Result())))
	return d, nil
}
