package offline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/ticket"
)

var (
	encSecret = []byte(strings.Repeat("e", 32))
	macSecret = []byte(strings.Repeat("m", 32))
)

type fixture struct {
	store   storage.Store
	codec   *codec.Codec
	sealer  *codec.Sealer
	archive *archive.Memory
	dir     *directory.Static
	manager *Manager
	handles []*ticket.Handle
}

func newFixture(t *testing.T, credentials int) *fixture {
	t.Helper()
	c, err := codec.New(encSecret, macSecret)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	sealer, err := codec.NewSealer(encSecret, macSecret, codec.NamespaceSnapshot)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	now := time.Now().UTC()
	dir := directory.NewStatic()
	dir.PutEvent(model.Event{ID: "E1", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(3 * time.Hour)})
	store := storage.NewMemory()
	tickets := ticket.New(store, dir, c, nil, nil, ticket.Options{}, nil)

	f := &fixture{store: store, codec: c, sealer: sealer, archive: archive.NewMemory(), dir: dir}
	for i := 0; i < credentials; i++ {
		regID := "R" + string(rune('a'+i))
		dir.PutRegistration(model.Registration{ID: regID, EventID: "E1", ParticipantID: "P" + string(rune('a'+i)), Status: model.RegistrationConfirmed})
		h, err := tickets.Issue(context.Background(), regID)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		f.handles = append(f.handles, h)
	}
	f.manager = New(Deps{Store: store, Directory: dir, Codec: c, Sealer: sealer, Archive: f.archive},
		Options{TTL: 6 * time.Hour, EarlyTolerance: time.Hour, LateTolerance: time.Hour}, nil)
	return f
}

func TestExportBatch(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if _, err := f.store.InvalidateCredential(ctx, f.handles[2].CredentialID, "refund"); err != nil {
		t.Fatalf("InvalidateCredential() error = %v", err)
	}

	snap, err := f.manager.ExportBatch(ctx, "E1", "gate-a")
	if err != nil {
		t.Fatalf("ExportBatch() error = %v", err)
	}
	if snap.Count != 2 || snap.BatchID == "" || len(snap.Blob) == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !strings.HasPrefix(snap.DownloadURL, "memory://") {
		t.Errorf("DownloadURL = %q", snap.DownloadURL)
	}

	batch, err := f.store.GetBatch(ctx, snap.BatchID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if batch.CredentialCount != 2 || len(batch.Items) != 2 || batch.DeviceID != "gate-a" {
		t.Errorf("batch = %+v", batch)
	}
	for _, it := range batch.Items {
		if it.Status != model.SyncPending {
			t.Errorf("item %s status = %s, want pending", it.Hash, it.Status)
		}
	}
	if batch.ArchiveKey != archive.SnapshotKey("E1", snap.BatchID) {
		t.Errorf("archive key = %q", batch.ArchiveKey)
	}
	archived, err := f.manager.FetchArchived(ctx, snap.BatchID)
	if err != nil || string(archived) != string(snap.Blob) {
		t.Errorf("FetchArchived() = %d bytes, %v", len(archived), err)
	}

	opened, err := f.manager.OpenSnapshot(snap.Blob)
	if err != nil {
		t.Fatalf("OpenSnapshot() error = %v", err)
	}
	if opened.EventID != "E1" || opened.DeviceID != "gate-a" || len(opened.Credentials) != 2 {
		t.Errorf("opened snapshot = %+v", opened)
	}
	for _, e := range opened.Credentials {
		if e.Hash == f.handles[2].Hash {
			t.Errorf("invalidated credential exported")
		}
	}
}

func TestExportUnknownEvent(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.manager.ExportBatch(context.Background(), "nope", "gate-a"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("ExportBatch() error = %v, want ErrEventNotFound", err)
	}
}

func TestOpenSnapshotRejectsUntrusted(t *testing.T) {
	f := newFixture(t, 1)
	snap, err := f.manager.ExportBatch(context.Background(), "E1", "gate-a")
	if err != nil {
		t.Fatalf("ExportBatch() error = %v", err)
	}

	tampered := append([]byte(nil), snap.Blob...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := f.manager.OpenSnapshot(tampered); !errors.Is(err, ErrSnapshotUntrusted) {
		t.Errorf("tampered OpenSnapshot() error = %v", err)
	}

	// Same secrets, credential namespace: keys must not be interchangeable.
	other, _ := codec.NewSealer(encSecret, macSecret, codec.NamespaceCredential)
	if _, err := openSnapshot(other, snap.Blob); !errors.Is(err, ErrSnapshotUntrusted) {
		t.Errorf("cross-namespace open error = %v", err)
	}
}

func TestDeviceValidateOffline(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	snap, _ := f.manager.ExportBatch(ctx, "E1", "gate-a")

	dev, err := OpenDevice(f.sealer, f.codec, snap.Blob, "gate-a", "staff-1")
	if err != nil {
		t.Fatalf("OpenDevice() error = %v", err)
	}

	if d := dev.ValidateOffline(f.handles[0].Hash); !d.Accepted || d.ParticipantID != "Pa" {
		t.Errorf("first scan = %+v", d)
	}
	d := dev.ValidateOffline(f.handles[0].Hash)
	if d.Accepted || d.Rejection.Reason != model.ReasonAlreadyUsed || d.Result() != model.ResultDuplicate {
		t.Errorf("local rescan = %+v", d)
	}
	if d := dev.ValidateOffline(f.handles[1].QR); !d.Accepted {
		t.Errorf("QR scan = %+v", d)
	}
	if d := dev.ValidateOffline(strings.Repeat("f", 64)); d.Accepted || d.Rejection.Reason != model.ReasonNotFound {
		t.Errorf("unknown hash = %+v", d)
	}
	if d := dev.ValidateOffline("garbage"); d.Accepted || d.Rejection.Reason != model.ReasonUnrecognized {
		t.Errorf("garbage = %+v", d)
	}

	records := dev.Ledger().Records()
	if len(records) != 2 || records[0].Hash != f.handles[0].Hash || records[0].DeviceID != "gate-a" || records[0].Operator != "staff-1" {
		t.Errorf("ledger records = %+v", records)
	}

	// Offline validation never touches live state.
	cred, _ := f.store.GetCredential(ctx, f.handles[0].CredentialID)
	if cred.State != model.CredentialActive {
		t.Errorf("live credential state = %s, want active", cred.State)
	}
	if n, _ := f.store.CountCheckedIn(ctx, "E1"); n != 0 {
		t.Errorf("live attendance = %d, want 0", n)
	}

	dev.now = func() time.Time { return snap.ExpiresAt.Add(time.Second) }
	d = dev.ValidateOffline(f.handles[2].Hash)
	if d.Accepted || d.Rejection.Reason != model.ReasonSnapshotExpired || d.Result() != model.ResultExpired {
		t.Errorf("scan after snapshot expiry = %+v", d)
	}
}

func TestDeviceWindow(t *testing.T) {
	f := newFixture(t, 1)
	snap, _ := f.manager.ExportBatch(context.Background(), "E1", "gate-a")
	dev, _ := OpenDevice(f.sealer, f.codec, snap.Blob, "gate-a", "")

	dev.now = func() time.Time { return time.UnixMilli(dev.Snapshot().WindowOpens).Add(-time.Minute) }
	if d := dev.ValidateOffline(f.handles[0].Hash); d.Accepted || d.Rejection.Reason != model.ReasonTooEarly {
		t.Errorf("early scan = %+v", d)
	}
	if dev.Ledger().Len() != 0 {
		t.Errorf("rejected scan reached the ledger")
	}
}

func TestDeviceWindowKeepsSubSecondClose(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	ends := time.Now().UTC().Truncate(time.Second).Add(2*time.Hour + 700*time.Millisecond)
	f.dir.PutEvent(model.Event{ID: "E-frac", StartsAt: ends.Add(-4 * time.Hour), EndsAt: ends})
	f.dir.PutRegistration(model.Registration{ID: "R-frac", EventID: "E-frac", ParticipantID: "P-frac", Status: model.RegistrationConfirmed})
	h, err := ticket.New(f.store, f.dir, f.codec, nil, nil, ticket.Options{}, nil).Issue(ctx, "R-frac")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	snap, err := f.manager.ExportBatch(ctx, "E-frac", "gate-a")
	if err != nil {
		t.Fatalf("ExportBatch() error = %v", err)
	}
	closes := ends.Add(time.Hour)

	// Inside the final fractional second of the window.
	dev, _ := OpenDevice(f.sealer, f.codec, snap.Blob, "gate-a", "")
	dev.now = func() time.Time { return closes.Add(-100 * time.Millisecond) }
	if d := dev.ValidateOffline(h.Hash); !d.Accepted {
		t.Errorf("scan before close rejected: %+v", d.Rejection)
	}

	late, _ := OpenDevice(f.sealer, f.codec, snap.Blob, "gate-a", "")
	late.now = func() time.Time { return closes.Add(time.Millisecond) }
	if d := late.ValidateOffline(h.Hash); d.Accepted || d.Rejection.Reason != model.ReasonTooLate {
		t.Errorf("scan after close = %+v", d)
	}
}

func TestOpenDeviceWrongDevice(t *testing.T) {
	f := newFixture(t, 1)
	snap, _ := f.manager.ExportBatch(context.Background(), "E1", "gate-a")
	if _, err := OpenDevice(f.sealer, f.codec, snap.Blob, "gate-b", ""); !errors.Is(err, ErrWrongDevice) {
		t.Errorf("OpenDevice() error = %v, want ErrWrongDevice", err)
	}
}

func TestStatelessValidateOffline(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	snap, _ := f.manager.ExportBatch(ctx, "E1", "gate-a")

	for i := 0; i < 2; i++ {
		d, err := f.manager.ValidateOffline(ctx, f.handles[0].Hash, snap.Blob)
		if err != nil {
			t.Fatalf("ValidateOffline() error = %v", err)
		}
		if !d.Accepted {
			t.Errorf("scan %d = %+v", i, d)
		}
	}
	if _, err := f.manager.ValidateOffline(ctx, f.handles[0].Hash, []byte("nope")); !errors.Is(err, ErrSnapshotUntrusted) {
		t.Errorf("ValidateOffline(bad blob) error = %v", err)
	}
}
