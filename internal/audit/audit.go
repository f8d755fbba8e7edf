// Package audit is the append-only access log. Every validation call,
// accepted or not, produces exactly one AccessAttempt.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// Options configures failure escalation.
type Options struct {
	Threshold int           // Failures within Window that escalate an actor to critical; zero disables
	Window    time.Duration // Sliding window for failure counting
}

// Entry is an attempt before classification.
type Entry struct {
	EventID       string
	ParticipantID string
	CredentialID  string
	AttemptType   model.AttemptType
	Result        model.AttemptResult
	FailureReason string
	Actor         string
	OccurredAt    time.Time
}

// Log records access attempts and raises operator alerts on escalation.
type Log struct {
	store   storage.Store
	pub     event.Publisher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Log writing to store and alerting through pub.
func New(store storage.Store, pub event.Publisher, opts Options, logger *slog.Logger) *Log {
	if pub == nil {
		pub = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, pub: pub, opts: opts, metrics: metrics.NewMetrics(), logger: logger}
}

// Classify maps a result to its base severity.
func Classify(result model.AttemptResult) model.Severity {
	switch result {
	case model.ResultSuccess:
		return model.SeverityLow
	case model.ResultBlocked, model.ResultRateLimited:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// Record appends one attempt. Repeated failures from the same actor inside the
// window are escalated to critical, flagged suspicious and reported to operators.
func (l *Log) Record(ctx context.Context, e Entry) (model.AccessAttempt, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	a := model.AccessAttempt{
		ID:            ulid.Make().String(),
		EventID:       e.EventID,
		ParticipantID: e.ParticipantID,
		CredentialID:  e.CredentialID,
		AttemptType:   e.AttemptType,
		Result:        e.Result,
		FailureReason: e.FailureReason,
		Severity:      Classify(e.Result),
		Actor:         e.Actor,
		OccurredAt:    e.OccurredAt,
	}

	if e.Result != model.ResultSuccess && l.opts.Threshold > 0 && e.Actor != "" {
		prior, err := l.store.CountFailures(ctx, e.Actor, e.OccurredAt.Add(-l.opts.Window))
		if err != nil {
			l.logger.Warn("failure count unavailable, skipping escalation", "actor", e.Actor, "error", err)
		} else if prior+1 >= l.opts.Threshold {
			a.Severity = model.SeverityCritical
			a.Suspicious = true
		}
	}

	if err := l.store.AppendAttempt(ctx, a); err != nil {
		l.metrics.StorageOperationTotal.WithLabelValues("append_attempt", "error").Inc()
		return a, fmt.Errorf("appending access attempt: %w", err)
	}
	l.metrics.StorageOperationTotal.WithLabelValues("append_attempt", "success").Inc()

	if a.Suspicious {
		l.metrics.SuspiciousTotal.Inc()
		l.raise(ctx, a)
	}
	return a, nil
}

func (l *Log) raise(ctx context.Context, a model.AccessAttempt) {
	alert := event.Alert{
		Kind:     event.AlertSuspiciousActivity,
		Severity: model.SeverityCritical,
		Subject:  a.Actor,
		EventID:  a.EventID,
		Message:  fmt.Sprintf("%d or more failed scans from %s within %s", l.opts.Threshold, a.Actor, l.opts.Window),
		Details: map[string]string{
			"attemptId":     a.ID,
			"lastResult":    string(a.Result),
			"failureReason": a.FailureReason,
			"threshold":     strconv.Itoa(l.opts.Threshold),
		},
		RaisedAt: a.OccurredAt,
	}
	if err := l.pub.PublishOperatorAlert(ctx, alert); err != nil {
		l.logger.Error("failed to publish suspicious activity alert", "actor", a.Actor, "error", err)
	}
}

// Stats aggregates the attempts of an event in [since, until).
func (l *Log) Stats(ctx context.Context, eventID string, since, until time.Time) (model.AccessStats, error) {
	attempts, err := l.store.ListAttempts(ctx, eventID, since, until)
	if err != nil {
		return model.AccessStats{}, fmt.Errorf("listing access attempts: %w", err)
	}
	checkedIn, err := l.store.CountCheckedIn(ctx, eventID)
	if err != nil {
		return model.AccessStats{}, fmt.Errorf("counting attendance: %w", err)
	}

	stats := model.AccessStats{
		EventID:    eventID,
		Since:      since,
		Until:      until,
		Total:      len(attempts),
		ByResult:   make(map[model.AttemptResult]int),
		BySeverity: make(map[model.Severity]int),
		CheckedIn:  checkedIn,
	}
	participants := make(map[string]struct{})
	for _, a := range attempts {
		stats.ByResult[a.Result]++
		stats.BySeverity[a.Severity]++
		if a.Suspicious {
			stats.Suspicious++
		}
		if a.ParticipantID != "" {
			participants[a.ParticipantID] = struct{}{}
		}
	}
	stats.UniqueParticipants = len(participants)
	return stats, nil
}
