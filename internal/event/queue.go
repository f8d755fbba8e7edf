package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// publishTimeout bounds a single delivery to the underlying publisher.
const publishTimeout = 5 * time.Second

type job func(ctx context.Context, p Publisher) error

// Queue is a Publisher that hands notifications to a background worker so
// callers on the scan path never wait on the broker. When the buffer is full,
// alerts are delivered inline; check-ins and confirmations are dropped with a
// warning since the store already holds them.
type Queue struct {
	next   Publisher
	jobs   chan job
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue wraps next with a buffer of size capacity and starts its worker.
func NewQueue(next Publisher, capacity int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{next: next, jobs: make(chan job, capacity), logger: logger}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := j(ctx, q.next); err != nil {
			q.logger.Warn("event publish failed", "error", err)
		}
		cancel()
	}
}

func (q *Queue) enqueue(j job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		return false
	}
}

func (q *Queue) PublishOperatorAlert(ctx context.Context, alert Alert) error {
	j := func(ctx context.Context, p Publisher) error { return p.PublishOperatorAlert(ctx, alert) }
	if q.enqueue(j) {
		return nil
	}
	q.logger.Warn("event queue full, publishing alert inline", "kind", alert.Kind, "subject", alert.Subject)
	return q.next.PublishOperatorAlert(ctx, alert)
}

func (q *Queue) PublishCheckIn(ctx context.Context, rec model.AttendanceRecord) error {
	if !q.enqueue(func(ctx context.Context, p Publisher) error { return p.PublishCheckIn(ctx, rec) }) {
		q.logger.Warn("event queue full, dropping check-in event", "attendance_id", rec.ID)
	}
	return nil
}

func (q *Queue) PublishAnchorConfirmed(ctx context.Context, rec model.AnchorRecord) error {
	if !q.enqueue(func(ctx context.Context, p Publisher) error { return p.PublishAnchorConfirmed(ctx, rec) }) {
		q.logger.Warn("event queue full, dropping anchor confirmation event", "anchor_id", rec.ID)
	}
	return nil
}

// Close drains pending notifications and closes the underlying publisher.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	return q.next.Close()
}
