// Package event publishes admission notifications: operator alerts, check-ins
// and anchor confirmations. Components hand notifications to a Publisher
// instead of emitting them inline; Queue decouples publishing from the
// request path.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// AlertKind identifies why operators are being notified.
type AlertKind string

const (
	AlertSuspiciousActivity AlertKind = "suspicious_activity" // Repeated failures from one actor
	AlertConflictReview     AlertKind = "conflict_review"     // Manual-merge reconciliation conflict
	AlertAnchorReview       AlertKind = "anchor_review"       // Non-retryable anchor failure
	AlertAnchorTerminal     AlertKind = "anchor_terminal"     // Anchor retries exhausted
)

// Alert is an operator notification.
type Alert struct {
	Kind     AlertKind         `json:"kind"`
	Severity model.Severity    `json:"severity"`
	Subject  string            `json:"subject"` // Entity the alert is about (actor, credential, anchor)
	EventID  string            `json:"eventId,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	RaisedAt time.Time         `json:"raisedAt"`
}

// Publisher interface defines the notification operations required by the admission service.
type Publisher interface {
	PublishOperatorAlert(ctx context.Context, alert Alert) error
	PublishCheckIn(ctx context.Context, rec model.AttendanceRecord) error
	PublishAnchorConfirmed(ctx context.Context, rec model.AnchorRecord) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string    `json:"type"`          // Event type identifier
	Version       string    `json:"version"`       // Event schema version
	OccurredAt    time.Time `json:"occurredAt"`    // When the event occurred
	CorrelationID string    `json:"correlationId"` // Correlation ID for tracing
	Payload       any       `json:"payload"`       // Event-specific data
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that discards everything.
func NewNoop() Publisher { return noop{} }

func (noop) PublishOperatorAlert(ctx context.Context, alert Alert) error              { return nil }
func (noop) PublishCheckIn(ctx context.Context, rec model.AttendanceRecord) error     { return nil }
func (noop) PublishAnchorConfirmed(ctx context.Context, rec model.AnchorRecord) error { return nil }
func (noop) Close() error                                                             { return nil }

// Recorder keeps every notification in memory. It backs tests and local runs.
type Recorder struct {
	mu        sync.Mutex
	Alerts    []Alert
	CheckIns  []model.AttendanceRecord
	Confirmed []model.AnchorRecord
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) PublishOperatorAlert(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, alert)
	return nil
}

func (r *Recorder) PublishCheckIn(ctx context.Context, rec model.AttendanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CheckIns = append(r.CheckIns, rec)
	return nil
}

func (r *Recorder) PublishAnchorConfirmed(ctx context.Context, rec model.AnchorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Confirmed = append(r.Confirmed, rec)
	return nil
}

func (r *Recorder) Close() error { return nil }

// AlertsOfKind returns a copy of the recorded alerts with the given kind.
func (r *Recorder) AlertsOfKind(kind AlertKind) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alert
	for _, a := range r.Alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// CheckInCount returns the number of recorded check-ins.
func (r *Recorder) CheckInCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.CheckIns)
}
