package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// Enqueue schedules an asynchronous submission. It never blocks and reports
// false when the queue is full; the caller decides whether to retry.
func (a *Anchorer) Enqueue(hash string, subject model.SubjectRef) bool {
	select {
	case a.queue <- request{hash: hash, subject: subject}:
		return true
	default:
		a.logger.Warn("anchor queue full", "subject_id", subject.ID)
		return false
	}
}

// Run drives the submission queue, the confirmation poll and the retry loop
// until ctx is cancelled. The three loops share nothing but the store.
func (a *Anchorer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.drain(ctx)
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, a.opts.PollInterval, "poll", a.PollConfirmations)
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, a.opts.RetryInterval, "retry", a.RetryFailed)
	}()
	wg.Wait()
}

func (a *Anchorer) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.queue:
			if _, err := a.Submit(ctx, req.hash, req.subject); err != nil {
				a.logger.Error("queued anchor submission failed", "subject_id", req.subject.ID, "error", err)
			}
		}
	}
}

func (a *Anchorer) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("anchor cycle failed", "loop", name, "error", err)
			}
		}
	}
}
