package audit

import (
	"context"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		result model.AttemptResult
		want   model.Severity
	}{
		{model.ResultSuccess, model.SeverityLow},
		{model.ResultFailed, model.SeverityMedium},
		{model.ResultInvalid, model.SeverityMedium},
		{model.ResultDuplicate, model.SeverityMedium},
		{model.ResultExpired, model.SeverityMedium},
		{model.ResultBlocked, model.SeverityHigh},
		{model.ResultRateLimited, model.SeverityHigh},
	}
	for _, tt := range tests {
		if got := Classify(tt.result); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.result, got, tt.want)
		}
	}
}

func TestRecordEscalatesRepeatedFailures(t *testing.T) {
	store := storage.NewMemory()
	rec := event.NewRecorder()
	log := New(store, rec, Options{Threshold: 3, Window: time.Minute}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		a, err := log.Record(ctx, Entry{EventID: "E1", Actor: "scanner-1", AttemptType: model.AttemptOnlineScan, Result: model.ResultInvalid, OccurredAt: now})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if a.Suspicious || a.Severity != model.SeverityMedium {
			t.Fatalf("attempt %d escalated early: %+v", i, a)
		}
	}

	a, err := log.Record(ctx, Entry{EventID: "E1", Actor: "scanner-1", AttemptType: model.AttemptOnlineScan, Result: model.ResultDuplicate, OccurredAt: now})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !a.Suspicious || a.Severity != model.SeverityCritical {
		t.Errorf("third failure = %+v, want critical and suspicious", a)
	}
	if got := rec.AlertsOfKind(event.AlertSuspiciousActivity); len(got) != 1 || got[0].Subject != "scanner-1" {
		t.Errorf("alerts = %+v, want one for scanner-1", got)
	}

	// Another actor is unaffected.
	b, _ := log.Record(ctx, Entry{EventID: "E1", Actor: "scanner-2", Result: model.ResultInvalid, OccurredAt: now})
	if b.Suspicious {
		t.Errorf("scanner-2 escalated by scanner-1 failures")
	}
}

func TestRecordSuccessNeverEscalates(t *testing.T) {
	store := storage.NewMemory()
	log := New(store, nil, Options{Threshold: 1, Window: time.Minute}, nil)

	a, err := log.Record(context.Background(), Entry{EventID: "E1", Actor: "s", Result: model.ResultSuccess})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if a.Suspicious || a.Severity != model.SeverityLow {
		t.Errorf("success = %+v, want low", a)
	}
	if a.ID == "" || a.OccurredAt.IsZero() {
		t.Errorf("attempt missing id or timestamp: %+v", a)
	}
}

func TestStats(t *testing.T) {
	store := storage.NewMemory()
	log := New(store, nil, Options{}, nil)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	entries := []Entry{
		{EventID: "E1", ParticipantID: "P1", Result: model.ResultSuccess, OccurredAt: base},
		{EventID: "E1", ParticipantID: "P1", Result: model.ResultDuplicate, OccurredAt: base.Add(time.Minute)},
		{EventID: "E1", ParticipantID: "P2", Result: model.ResultSuccess, OccurredAt: base.Add(2 * time.Minute)},
		{EventID: "E1", Result: model.ResultRateLimited, OccurredAt: base.Add(3 * time.Minute)},
		{EventID: "E2", ParticipantID: "P9", Result: model.ResultSuccess, OccurredAt: base},
		{EventID: "E1", ParticipantID: "P3", Result: model.ResultSuccess, OccurredAt: base.Add(time.Hour)},
	}
	for _, e := range entries {
		if _, err := log.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	_ = store.CreateAttendance(ctx, model.AttendanceRecord{ID: "a1", EventID: "E1", ParticipantID: "P1", Status: model.AttendanceCheckedIn})

	stats, err := log.Stats(ctx, "E1", base, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.ByResult[model.ResultSuccess] != 2 || stats.ByResult[model.ResultDuplicate] != 1 {
		t.Errorf("ByResult = %v", stats.ByResult)
	}
	if stats.BySeverity[model.SeverityHigh] != 1 {
		t.Errorf("BySeverity = %v", stats.BySeverity)
	}
	if stats.UniqueParticipants != 2 {
		t.Errorf("UniqueParticipants = %d, want 2", stats.UniqueParticipants)
	}
	if stats.CheckedIn != 1 {
		t.Errorf("CheckedIn = %d, want 1", stats.CheckedIn)
	}
}
