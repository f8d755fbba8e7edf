// Package validation decides whether a scanned credential admits its holder.
// Every call returns a model.Decision; only infrastructure faults are errors.
// The credential cache is advisory: the single-use guarantee comes from the
// store's conditional consume, never from cache state.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// auditTimeout bounds the audit write, which happens after the scan deadline.
const auditTimeout = 2 * time.Second

// ScanContext identifies who is scanning.
type ScanContext struct {
	Actor       string            // Authenticated scanner or operator
	DeviceID    string            // Physical device, if known
	AttemptType model.AttemptType // Defaults to online_scan
}

// Admission describes how an accepted credential is recorded.
type Admission struct {
	At       time.Time              // Time the scan happened; also used for the window check
	Method   model.AttendanceMethod // Attendance method written on success
	DeviceID string
}

// Options configures policy.
type Options struct {
	EarlyTolerance time.Duration
	LateTolerance  time.Duration
	Timeout        time.Duration // Bound on one Validate call
	RequireAnchor  bool          // Anchored credentials need a confirmed anchor for every event
	RateLimit      float64       // Scans per second per actor; zero disables limiting
	RateBurst      int
	BlockedActors  []string
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store     storage.Store
	Directory directory.Directory
	Codec     *codec.Codec
	Cache     *cache.Credentials
	Audit     *audit.Log
	Publisher event.Publisher
}

// Engine validates scans.
type Engine struct {
	store   storage.Store
	dir     directory.Directory
	codec   *codec.Codec
	cache   *cache.Credentials
	audit   *audit.Log
	pub     event.Publisher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	blocked  map[string]struct{}
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lookups  singleflight.Group
}

// New creates an Engine.
func New(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = event.NewNoop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 800 * time.Millisecond
	}
	blocked := make(map[string]struct{}, len(opts.BlockedActors))
	for _, a := range opts.BlockedActors {
		blocked[a] = struct{}{}
	}
	return &Engine{
		store:    deps.Store,
		dir:      deps.Directory,
		codec:    deps.Codec,
		cache:    deps.Cache,
		audit:    deps.Audit,
		pub:      deps.Publisher,
		opts:     opts,
		metrics:  metrics.NewMetrics(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		blocked:  blocked,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Validate decides a live scan. scanned is either a content hash or the QR
// text form of a sealed credential. Exactly one access attempt is audited per
// call.
func (e *Engine) Validate(ctx context.Context, scanned, eventID string, sc ScanContext) (model.Decision, error) {
	if sc.AttemptType == "" {
		sc.AttemptType = model.AttemptOnlineScan
	}
	start := time.Now()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	ctx, span := otel.Tracer("admission").Start(ctx, "validation.Validate")
	defer span.End()

	d, err := e.decide(ctx, scanned, eventID, sc)
	if err != nil {
		e.logger.Error("validation failed", "event_id", eventID, "actor", sc.Actor, "error", err)
		d = model.Reject(model.ResultFailed, model.ReasonUnavailable, eventID, nil, e.now())
	}

	span.SetAttributes(
		attribute.String("event.id", eventID),
		attribute.String("decision.result", string(d.Result())),
	)
	e.metrics.ValidationTotal.WithLabelValues(string(sc.AttemptType), string(d.Result())).Inc()
	e.metrics.ValidationDuration.WithLabelValues(string(sc.AttemptType)).Observe(time.Since(start).Seconds())

	e.record(parent, d, sc)
	return d, err
}

func (e *Engine) record(parent context.Context, d model.Decision, sc ScanContext) {
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), auditTimeout)
	defer cancel()
	entry := audit.Entry{
		EventID:       d.EventID,
		ParticipantID: d.ParticipantID,
		CredentialID:  d.CredentialID,
		AttemptType:   sc.AttemptType,
		Result:        d.Result(),
		Actor:         sc.Actor,
		OccurredAt:    d.DecidedAt,
	}
	if d.Rejection != nil {
		entry.FailureReason = string(d.Rejection.Reason)
	}
	if _, err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("failed to audit access attempt", "event_id", d.EventID, "actor", sc.Actor, "error", err)
	}
}

func (e *Engine) decide(ctx context.Context, scanned, eventID string, sc ScanContext) (model.Decision, error) {
	now := e.now()
	if _, blocked := e.blocked[sc.Actor]; blocked {
		return model.Reject(model.ResultBlocked, model.ReasonBlocked, eventID, nil, now), nil
	}
	if !e.allow(sc.Actor) {
		return model.Reject(model.ResultRateLimited, model.ReasonRateLimited, eventID, nil, now), nil
	}

	hash, ok := e.resolveHash(scanned, sc)
	if !ok {
		return model.Reject(model.ResultInvalid, model.ReasonUnrecognized, eventID, nil, now), nil
	}
	return e.Admit(ctx, hash, eventID, Admission{At: now, Method: model.MethodCredentialScan, DeviceID: sc.DeviceID})
}

// resolveHash accepts a content hash as-is and decodes anything else as a
// sealed credential. Decode failures are logged with their cause here and
// reported to the scanner only as unrecognized.
func (e *Engine) resolveHash(scanned string, sc ScanContext) (string, bool) {
	if codec.IsHash(scanned) {
		return scanned, true
	}
	_, hash, err := e.codec.DecodeString(scanned)
	if err != nil {
		var ue *codec.UntrustedError
		if errors.As(err, &ue) {
			e.logger.Warn("untrusted credential presented", "actor", sc.Actor, "device_id", sc.DeviceID, "cause", ue.Cause, "detail", ue.Detail)
		} else {
			e.logger.Warn("untrusted credential presented", "actor", sc.Actor, "device_id", sc.DeviceID, "error", err)
		}
		return "", false
	}
	return hash, true
}

func (e *Engine) allow(actor string) bool {
	if e.opts.RateLimit <= 0 {
		return true
	}
	e.mu.Lock()
	l, ok := e.limiters[actor]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.opts.RateLimit), e.opts.RateBurst)
		e.limiters[actor] = l
	}
	e.mu.Unlock()
	return l.Allow()
}

// Admit runs the authoritative checks for a known hash and, when they all
// pass, consumes the credential and records attendance atomically. It does not
// audit; callers record the attempt with their own attempt type.
func (e *Engine) Admit(ctx context.Context, hash, eventID string, adm Admission) (model.Decision, error) {
	at := adm.At
	c, err := e.lookup(ctx, hash)
	if err != nil {
		return model.Decision{}, err
	}
	if c == nil {
		return model.Reject(model.ResultInvalid, model.ReasonNotFound, eventID, nil, at), nil
	}
	if c.State != model.CredentialActive {
		return model.RejectForState(c, eventID, at), nil
	}
	if c.ExpiredAt(at) {
		e.expire(ctx, c)
		return model.Reject(model.ResultExpired, model.ReasonExpired, eventID, c, at), nil
	}
	if c.EventID != eventID {
		return model.Reject(model.ResultInvalid, model.ReasonWrongEvent, eventID, c, at), nil
	}

	ev, err := e.dir.GetEvent(ctx, eventID)
	if errors.Is(err, directory.ErrNotFound) {
		return model.Reject(model.ResultInvalid, model.ReasonWrongEvent, eventID, c, at), nil
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("resolving event: %w", err)
	}
	if reason, ok := CheckWindow(ev, at, e.opts.EarlyTolerance, e.opts.LateTolerance); !ok {
		return model.Reject(model.ResultInvalid, reason, eventID, c, at), nil
	}

	existing, err := e.store.GetActiveAttendance(ctx, eventID, c.ParticipantID)
	if err == nil && existing != nil {
		return model.Reject(model.ResultDuplicate, model.ReasonAlreadyCheckedIn, eventID, c, at), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.Decision{}, fmt.Errorf("checking attendance: %w", err)
	}

	if e.opts.RequireAnchor || ev.RequireAnchor {
		// A cached copy can predate the anchor link, so the link is read from the store.
		stored, err := e.store.GetCredential(ctx, c.ID)
		if err != nil {
			e.logger.Warn("credential reload failed, rejecting", "credential_id", c.ID, "error", err)
			return model.Reject(model.ResultInvalid, model.ReasonAnchorUnconfirmed, eventID, c, at), nil
		}
		if stored.AnchorID != "" && !e.anchorConfirmed(ctx, stored) {
			return model.Reject(model.ResultInvalid, model.ReasonAnchorUnconfirmed, eventID, c, at), nil
		}
	}

	att := attendance.NewScanRecord(c, adm.Method, adm.DeviceID, at)
	used, err := e.store.ConsumeCredential(ctx, c.ID, at, att)
	switch {
	case errors.Is(err, storage.ErrStateConflict):
		// Another scan won the race; report what it left behind.
		e.evict(ctx, hash)
		fresh, gerr := e.store.GetCredential(ctx, c.ID)
		if gerr != nil || fresh.State == model.CredentialActive {
			return model.Reject(model.ResultDuplicate, model.ReasonAlreadyUsed, eventID, c, at), nil
		}
		return model.RejectForState(fresh, eventID, at), nil
	case errors.Is(err, storage.ErrDuplicateAttendance):
		return model.Reject(model.ResultDuplicate, model.ReasonAlreadyCheckedIn, eventID, c, at), nil
	case err != nil:
		return model.Decision{}, fmt.Errorf("consuming credential: %w", err)
	}

	e.evict(ctx, hash)
	if err := e.pub.PublishCheckIn(ctx, att); err != nil {
		e.logger.Warn("failed to publish check-in", "attendance_id", att.ID, "error", err)
	}
	e.logger.Info("credential accepted", "credential_id", used.ID, "event_id", eventID, "method", adm.Method)
	return model.Accept(used, att.ID, at), nil
}

// CheckWindow reports whether at falls inside the event's access window.
func CheckWindow(ev model.Event, at time.Time, early, late time.Duration) (model.RejectReason, bool) {
	opens, closes := ev.AccessWindow(early, late)
	if at.Before(opens) {
		return model.ReasonTooEarly, false
	}
	if at.After(closes) {
		return model.ReasonTooLate, false
	}
	return "", true
}

// lookup reads through the cache and coalesces concurrent store reads of the
// same hash. A missing credential is (nil, nil).
func (e *Engine) lookup(ctx context.Context, hash string) (*model.Credential, error) {
	if e.cache != nil {
		if c, ok := e.cache.Get(ctx, hash); ok {
			e.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return c, nil
		}
		e.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, _ := e.lookups.Do(hash, func() (any, error) {
		c, err := e.store.GetCredentialByHash(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return (*model.Credential)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cache.Put(ctx, c)
		}
		return c, nil
	})
	if err != nil {
		e.metrics.StorageOperationTotal.WithLabelValues("get_credential", "error").Inc()
		return nil, fmt.Errorf("looking up credential: %w", err)
	}
	c := v.(*model.Credential)
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// expire moves a credential whose stored expiry has passed to expired. The
// scan is rejected either way; losing the race to another transition is fine.
func (e *Engine) expire(ctx context.Context, c *model.Credential) {
	if !c.ExpiredAt(e.now()) {
		return
	}
	if err := e.store.ExpireCredential(ctx, c.ID); err != nil && !errors.Is(err, storage.ErrStateConflict) {
		e.logger.Warn("lazy expiry failed", "credential_id", c.ID, "error", err)
	}
	e.evict(ctx, c.Hash)
}

// anchorConfirmed fails closed: any lookup error counts as unconfirmed.
func (e *Engine) anchorConfirmed(ctx context.Context, c *model.Credential) bool {
	a, err := e.store.GetAnchor(ctx, c.AnchorID)
	if err != nil {
		e.logger.Warn("anchor lookup failed, rejecting", "credential_id", c.ID, "anchor_id", c.AnchorID, "error", err)
		return false
	}
	return a.Status == model.AnchorConfirmed
}

func (e *Engine) evict(ctx context.Context, hash string) {
	if e.cache != nil {
		e.cache.Evict(ctx, hash)
	}
}
