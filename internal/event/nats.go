// internal/event/nats.go
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// Subjects and streams used by the NATS publisher.
const (
	subjectAlerts          = "admission.alerts"
	subjectCheckIn         = "admission.checkins.recorded"
	subjectAnchorConfirmed = "admission.anchors.confirmed"

	dedupWindow  = 2 * time.Minute
	dedupRetain  = 5 * time.Minute
	eventVersion = "1.0.0"
)

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection, owned by the caller
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication fields
	alertDedup   map[string]time.Time // Map of alert kind+subject to last publish time
	checkInDedup map[string]time.Time // Map of attendance IDs to last publish time
	mutex        sync.Mutex           // Protects the dedup maps
}

// NewPublisher creates a JetStream publisher on nc. If nc is nil or the streams
// cannot be initialised it returns a no-op publisher so the service can run
// without a broker.
func NewPublisher(nc *nats.Conn) Publisher {
	if nc == nil {
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		return &noop{}
	}

	return &natsPub{
		nc:           nc,
		js:           js,
		alertDedup:   make(map[string]time.Time),
		checkInDedup: make(map[string]time.Time),
	}
}

// initStreams creates the ADMISSION_ALERTS, ADMISSION_CHECKINS and ADMISSION_ANCHORS streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []struct {
		name    string
		subject string
		maxAge  time.Duration
	}{
		{"ADMISSION_ALERTS", subjectAlerts + ".*", 7 * 24 * time.Hour},
		{"ADMISSION_CHECKINS", subjectCheckIn, 24 * time.Hour},
		{"ADMISSION_ANCHORS", subjectAnchorConfirmed, 7 * 24 * time.Hour},
	}
	for _, s := range streams {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Retention: nats.LimitsPolicy,
			MaxAge:    s.maxAge,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s stream: %w", s.name, err)
		}
	}
	return nil
}

// Close is a no-op; the connection is shared with the cache and closed by its owner.
func (p *natsPub) Close() error {
	return nil
}

// shouldDedup reports whether key was published within the dedup window.
func (p *natsPub) shouldDedup(key string, dedupMap map[string]time.Time) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if last, exists := dedupMap[key]; exists {
		return time.Since(last) < dedupWindow
	}
	return false
}

// updateDedup records a successful publish and prunes stale entries.
func (p *natsPub) updateDedup(key string, dedupMap map[string]time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-dedupRetain)
	for k, t := range dedupMap {
		if t.Before(cutoff) {
			delete(dedupMap, k)
		}
	}
	dedupMap[key] = time.Now()
}

func (p *natsPub) publish(ctx context.Context, subject, eventType string, payload any) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       eventVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b, nats.Context(ctx))
	return err
}

// PublishOperatorAlert publishes an alert to admission.alerts.<kind>.
// Repeated alerts for the same kind and subject inside the dedup window are suppressed.
func (p *natsPub) PublishOperatorAlert(ctx context.Context, alert Alert) error {
	key := string(alert.Kind) + "|" + alert.Subject
	if p.shouldDedup(key, p.alertDedup) {
		return nil
	}
	subject := subjectAlerts + "." + string(alert.Kind)
	if err := p.publish(ctx, subject, subject, alert); err != nil {
		return err
	}
	p.updateDedup(key, p.alertDedup)
	return nil
}

// PublishCheckIn publishes a completed check-in.
func (p *natsPub) PublishCheckIn(ctx context.Context, rec model.AttendanceRecord) error {
	if p.shouldDedup(rec.ID, p.checkInDedup) {
		return nil
	}
	if err := p.publish(ctx, subjectCheckIn, subjectCheckIn, rec); err != nil {
		return err
	}
	p.updateDedup(rec.ID, p.checkInDedup)
	return nil
}

// PublishAnchorConfirmed publishes an anchor that reached the confirmation threshold.
// Confirmation happens once per record, so no dedup is needed.
func (p *natsPub) PublishAnchorConfirmed(ctx context.Context, rec model.AnchorRecord) error {
	return p.publish(ctx, subjectAnchorConfirmed, subjectAnchorConfirmed, rec)
}
