package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// newTestStore builds the store under test. The integration build swaps in
// a Postgres-backed store so the same cases run against both implementations.
var newTestStore = func(t *testing.T) Store { return NewMemory() }

func testCredential(id, reg, hash string) model.Credential {
	return model.Credential{
		ID:             id,
		RegistrationID: reg,
		EventID:        "E1",
		ParticipantID:  "P-" + reg,
		Hash:           hash,
		Payload:        []byte("blob"),
		State:          model.CredentialActive,
		GeneratedAt:    time.Now().UTC(),
		Version:        1,
	}
}

func testAttendance(id, participant, credentialID string) model.AttendanceRecord {
	return model.AttendanceRecord{
		ID:            id,
		EventID:       "E1",
		ParticipantID: participant,
		CredentialID:  &credentialID,
		CheckInAt:     time.Now().UTC(),
		Method:        model.MethodCredentialScan,
		Status:        model.AttendanceCheckedIn,
	}
}

func TestCreateCredentialUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateCredential(ctx, testCredential("c1", "R1", "h1")); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
	if err := s.CreateCredential(ctx, testCredential("c2", "R1", "h2")); !errors.Is(err, ErrConflict) {
		t.Errorf("second active credential for R1: error = %v, want ErrConflict", err)
	}
	if err := s.CreateCredential(ctx, testCredential("c3", "R2", "h1")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate hash: error = %v, want ErrConflict", err)
	}
}

func TestConsumeCredentialExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testCredential("c1", "R1", "h1")
	if err := s.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ConsumeCredential(ctx, "c1", time.Now().UTC(), testAttendance(fmt.Sprintf("a%d", i), c.ParticipantID, "c1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStateConflict):
				conflicts++
			default:
				t.Errorf("ConsumeCredential() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != workers-1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, workers-1)
	}
	got, _ := s.GetCredential(ctx, "c1")
	if got.State != model.CredentialUsed || got.UsedAt == nil {
		t.Errorf("credential state = %s usedAt = %v, want used with timestamp", got.State, got.UsedAt)
	}
	if n, _ := s.CountCheckedIn(ctx, "E1"); n != 1 {
		t.Errorf("CountCheckedIn() = %d, want 1", n)
	}
}

func TestConsumeCredentialRollsBackOnDuplicateAttendance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testCredential("c1", "R1", "h1")
	_ = s.CreateCredential(ctx, c)

	manual := testAttendance("manual", c.ParticipantID, "")
	manual.CredentialID = nil
	manual.Method = model.MethodManual
	if err := s.CreateAttendance(ctx, manual); err != nil {
		t.Fatalf("CreateAttendance() error = %v", err)
	}

	_, err := s.ConsumeCredential(ctx, "c1", time.Now(), testAttendance("a1", c.ParticipantID, "c1"))
	if !errors.Is(err, ErrDuplicateAttendance) {
		t.Fatalf("ConsumeCredential() error = %v, want ErrDuplicateAttendance", err)
	}
	got, _ := s.GetCredential(ctx, "c1")
	if got.State != model.CredentialActive {
		t.Errorf("credential state = %s after rollback, want active", got.State)
	}
}

func TestAttendanceCancelFreesPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAttendance("a1", "P1", "c1")
	if err := s.CreateAttendance(ctx, a); err != nil {
		t.Fatalf("CreateAttendance() error = %v", err)
	}
	if err := s.CreateAttendance(ctx, testAttendance("a2", "P1", "c2")); !errors.Is(err, ErrDuplicateAttendance) {
		t.Fatalf("second attendance error = %v, want ErrDuplicateAttendance", err)
	}

	a.Status = model.AttendanceCancelled
	if err := s.UpdateAttendance(ctx, a, model.AttendanceCheckedIn); err != nil {
		t.Fatalf("UpdateAttendance() error = %v", err)
	}
	if _, err := s.GetActiveAttendance(ctx, "E1", "P1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActiveAttendance() after cancel error = %v, want ErrNotFound", err)
	}
	if err := s.CreateAttendance(ctx, testAttendance("a2", "P1", "c2")); err != nil {
		t.Errorf("attendance after cancel error = %v", err)
	}
}

func TestUpdateAttendanceRejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAttendance("a1", "P1", "c1")
	if err := s.CreateAttendance(ctx, a); err != nil {
		t.Fatalf("CreateAttendance() error = %v", err)
	}
	stale := a

	cancelled := a
	cancelled.Status = model.AttendanceCancelled
	if err := s.UpdateAttendance(ctx, cancelled, model.AttendanceCheckedIn); err != nil {
		t.Fatalf("UpdateAttendance(cancel) error = %v", err)
	}

	out := time.Now().UTC()
	stale.Status = model.AttendanceCheckedOut
	stale.CheckOutAt = &out
	if err := s.UpdateAttendance(ctx, stale, model.AttendanceCheckedIn); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("stale UpdateAttendance() error = %v, want ErrStateConflict", err)
	}
	got, err := s.GetAttendance(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAttendance() error = %v", err)
	}
	if got.Status != model.AttendanceCancelled {
		t.Errorf("status = %s after stale write, want cancelled", got.Status)
	}

	missing := testAttendance("a9", "P9", "c9")
	if err := s.UpdateAttendance(ctx, missing, model.AttendanceCheckedIn); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAttendance(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReplaceCredential(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.CreateCredential(ctx, testCredential("c1", "R1", "h1"))

	if err := s.ReplaceCredential(ctx, "c1", "regenerated", testCredential("c2", "R1", "h2")); err != nil {
		t.Fatalf("ReplaceCredential() error = %v", err)
	}
	old, _ := s.GetCredential(ctx, "c1")
	if old.State != model.CredentialInvalidated || old.InvalidationReason != "regenerated" {
		t.Errorf("old credential = %s/%q, want invalidated/regenerated", old.State, old.InvalidationReason)
	}
	active, err := s.GetActiveCredential(ctx, "R1")
	if err != nil || active.ID != "c2" {
		t.Fatalf("GetActiveCredential() = %v, %v, want c2", active, err)
	}
	// The invalidated credential stays addressable by hash.
	byHash, err := s.GetCredentialByHash(ctx, "h1")
	if err != nil || byHash.ID != "c1" {
		t.Errorf("GetCredentialByHash(h1) = %v, %v", byHash, err)
	}
	if err := s.ReplaceCredential(ctx, "c1", "again", testCredential("c3", "R1", "h3")); !errors.Is(err, ErrStateConflict) {
		t.Errorf("replacing a terminal credential error = %v, want ErrStateConflict", err)
	}
}

func TestTerminalStatesDoNotTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testCredential("c1", "R1", "h1")
	_ = s.CreateCredential(ctx, c)
	if _, err := s.ConsumeCredential(ctx, "c1", time.Now(), testAttendance("a1", c.ParticipantID, "c1")); err != nil {
		t.Fatalf("ConsumeCredential() error = %v", err)
	}
	if _, err := s.InvalidateCredential(ctx, "c1", "late"); !errors.Is(err, ErrStateConflict) {
		t.Errorf("InvalidateCredential(used) error = %v, want ErrStateConflict", err)
	}
	if err := s.ExpireCredential(ctx, "c1"); !errors.Is(err, ErrStateConflict) {
		t.Errorf("ExpireCredential(used) error = %v, want ErrStateConflict", err)
	}
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	c1 := testCredential("c1", "R1", "h1")
	c1.ExpiresAt = &past
	c2 := testCredential("c2", "R2", "h2")
	c2.ExpiresAt = &future
	_ = s.CreateCredential(ctx, c1)
	_ = s.CreateCredential(ctx, c2)

	ids, err := s.ExpireDue(ctx, now)
	if err != nil {
		t.Fatalf("ExpireDue() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("ExpireDue() = %v, want [c1]", ids)
	}
	active, _ := s.ListActiveCredentials(ctx, "E1")
	if len(active) != 1 || active[0].ID != "c2" {
		t.Errorf("ListActiveCredentials() = %v, want [c2]", active)
	}
}

func TestUpdateAnchorCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := model.AnchorRecord{ID: "an1", Hash: "h1", Status: model.AnchorPending, SubmittedAt: time.Now()}
	if err := s.CreateAnchor(ctx, a); err != nil {
		t.Fatalf("CreateAnchor() error = %v", err)
	}

	next := a
	next.Status = model.AnchorConfirmed
	if err := s.UpdateAnchor(ctx, next, model.AnchorPending, 0); err != nil {
		t.Fatalf("UpdateAnchor() error = %v", err)
	}
	// A second overlapping cycle observes the stale status and loses.
	if err := s.UpdateAnchor(ctx, next, model.AnchorPending, 0); !errors.Is(err, ErrStateConflict) {
		t.Errorf("stale UpdateAnchor() error = %v, want ErrStateConflict", err)
	}
	pending, _ := s.ListAnchors(ctx, model.AnchorPending, 10)
	if len(pending) != 0 {
		t.Errorf("ListAnchors(pending) = %d records, want 0", len(pending))
	}
}

func TestBatchItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := model.SyncBatch{
		ID:      "b1",
		EventID: "E1",
		Items: []model.SyncItem{
			{Hash: "h2", Status: model.SyncPending},
			{Hash: "h1", Status: model.SyncPending},
		},
	}
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if err := s.UpdateSyncItem(ctx, model.SyncItem{BatchID: "b1", Hash: "h1", Status: model.SyncCompleted}); err != nil {
		t.Fatalf("UpdateSyncItem() error = %v", err)
	}
	if err := s.UpdateSyncItem(ctx, model.SyncItem{BatchID: "b1", Hash: "zz"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSyncItem(unknown) error = %v, want ErrNotFound", err)
	}
	got, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].Hash != "h1" || got.Items[0].Status != model.SyncCompleted || got.Items[0].BatchID != "b1" {
		t.Errorf("GetBatch() items = %+v", got.Items)
	}
}

func TestCountFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i, r := range []model.AttemptResult{model.ResultSuccess, model.ResultInvalid, model.ResultDuplicate} {
		_ = s.AppendAttempt(ctx, model.AccessAttempt{ID: fmt.Sprint(i), EventID: "E1", Actor: "scanner-1", Result: r, OccurredAt: now})
	}
	_ = s.AppendAttempt(ctx, model.AccessAttempt{ID: "old", EventID: "E1", Actor: "scanner-1", Result: model.ResultInvalid, OccurredAt: now.Add(-time.Hour)})

	n, err := s.CountFailures(ctx, "scanner-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountFailures() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountFailures() = %d, want 2", n)
	}
}
