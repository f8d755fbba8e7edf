package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/anchor"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	errordefs "github.com/RegistryAccord/registryaccord-admission-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/offline"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/reconcile"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/ticket"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/validation"
)

type issueRequest struct {
	RegistrationID string `json:"registrationId"`
	Reason         string `json:"reason,omitempty"`
}

type invalidateRequest struct {
	CredentialID string `json:"credentialId"`
	Reason       string `json:"reason"`
}

type validateRequest struct {
	Credential string `json:"credential"`
	EventID    string `json:"eventId"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type checkInRequest struct {
	EventID       string                 `json:"eventId"`
	ParticipantID string                 `json:"participantId"`
	Method        model.AttendanceMethod `json:"method"`
	DeviceID      string                 `json:"deviceId,omitempty"`
}

type checkOutRequest struct {
	AttendanceID string `json:"attendanceId"`
}

type exportRequest struct {
	EventID  string `json:"eventId"`
	DeviceID string `json:"deviceId"`
}

type offlineValidateRequest struct {
	Credential string `json:"credential"`
	Snapshot   []byte `json:"snapshot"` // base64
}

type reconcileRequest struct {
	BatchID string               `json:"batchId"`
	Records []model.DeviceRecord `json:"records"`
}

type anchorRequest struct {
	Hash        string `json:"hash"`
	SubjectType string `json:"subjectType,omitempty"`
	SubjectID   string `json:"subjectId,omitempty"`
}

// serviceError maps domain errors to the error taxonomy.
func serviceError(err error, cid string) *errordefs.Error {
	switch {
	case errors.Is(err, ticket.ErrRegistrationNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, offline.ErrEventNotFound),
		errors.Is(err, reconcile.ErrBatchNotFound),
		errors.Is(err, archive.ErrNotFound):
		return errordefs.New(errordefs.ADM_NOT_FOUND, err.Error(), cid)
	case errors.Is(err, ticket.ErrRegistrationNotConfirmed),
		errors.Is(err, ticket.ErrNoActiveCredential),
		errors.Is(err, ticket.ErrTerminal),
		errors.Is(err, attendance.ErrAlreadyCheckedIn),
		errors.Is(err, attendance.ErrInvalidStatus),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrStateConflict),
		errors.Is(err, storage.ErrDuplicateAttendance):
		return errordefs.New(errordefs.ADM_CONFLICT, err.Error(), cid)
	case errors.Is(err, offline.ErrSnapshotUntrusted),
		errors.Is(err, offline.ErrSnapshotMalformed),
		errors.Is(err, offline.ErrUnsupportedSnapshot):
		return errordefs.New(errordefs.ADM_UNTRUSTED, "snapshot failed verification", cid)
	case errors.Is(err, anchor.ErrInvalidHash),
		errors.Is(err, attendance.ErrInvalidMethod):
		return errordefs.New(errordefs.ADM_VALIDATION, err.Error(), cid)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errordefs.New(errordefs.ADM_UNAVAILABLE, "request timed out", cid)
	default:
		return errordefs.New(errordefs.ADM_INTERNAL, "internal error", cid)
	}
}

func (m *Mux) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	e := serviceError(err, correlationID(r.Context()))
	if e.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("request failed", "operation", op, "correlation_id", e.CorrelationID, "error", err)
	}
	m.writeErrorDef(w, e)
}

// idempotencyKey scopes a client key to the caller and endpoint.
func idempotencyKey(r *http.Request) string {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(principal(r.Context()).Subject + "\x00" + r.URL.Path + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// replay writes a stored response for the request's idempotency key, if any.
func (m *Mux) replay(w http.ResponseWriter, r *http.Request, keyHash string) bool {
	if keyHash == "" {
		return false
	}
	body, status, err := m.d.Store.GetIdempotentResponse(r.Context(), keyHash)
	if err != nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return true
}

// writeRemembered writes a success response and stores it under keyHash.
func (m *Mux) writeRemembered(w http.ResponseWriter, r *http.Request, keyHash string, status int, data any) {
	if keyHash == "" {
		m.writeSuccess(w, status, data)
		return
	}
	body, err := envelope(data)
	if err != nil {
		m.fail(w, r, "encode", err)
		return
	}
	if err := m.d.Store.StoreIdempotentResponse(r.Context(), keyHash, body, status, time.Now().UTC().Add(m.d.IdempotencyTTL)); err != nil {
		slog.Warn("failed to store idempotent response", "correlation_id", correlationID(r.Context()), "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// handleIssue handles POST /v1/credentials/issue with idempotency support
func (m *Mux) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admission").Start(r.Context(), "handleIssue")
	defer span.End()
	r = r.WithContext(ctx)

	keyHash := idempotencyKey(r)
	if m.replay(w, r, keyHash) {
		return
	}
	var req issueRequest
	if !m.decode(w, r, schema.RequestIssue, maxBodyBytes, &req) {
		return
	}
	span.SetAttributes(attribute.String("registration.id", req.RegistrationID))

	h, err := m.d.Tickets.Issue(ctx, req.RegistrationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, r, "issue", err)
		return
	}
	m.writeRemembered(w, r, keyHash, http.StatusCreated, h)
}

// handleRegenerate handles POST /v1/credentials/regenerate
func (m *Mux) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !m.decode(w, r, schema.RequestRegenerate, maxBodyBytes, &req) {
		return
	}
	h, err := m.d.Tickets.Regenerate(r.Context(), req.RegistrationID, req.Reason)
	if err != nil {
		m.fail(w, r, "regenerate", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, h)
}

// handleInvalidate handles POST /v1/credentials/invalidate
func (m *Mux) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !m.decode(w, r, schema.RequestInvalidate, maxBodyBytes, &req) {
		return
	}
	c, err := m.d.Tickets.Invalidate(r.Context(), req.CredentialID, req.Reason)
	if err != nil {
		m.fail(w, r, "invalidate", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{
		"credentialId": c.ID,
		"state":        c.State,
		"reason":       c.InvalidationReason,
	})
}

// handleValidate handles POST /v1/scan/validate. Rejections are 200 responses
// carrying the decision; only infrastructure faults are errors.
func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admission").Start(r.Context(), "handleValidate")
	defer span.End()
	r = r.WithContext(ctx)

	var req validateRequest
	if !m.decode(w, r, schema.RequestValidate, maxBodyBytes, &req) {
		return
	}
	d, err := m.d.Engine.Validate(ctx, req.Credential, req.EventID, validation.ScanContext{
		Actor:    principal(ctx).Subject,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		cid := correlationID(ctx)
		slog.Error("scan validation unavailable", "correlation_id", cid, "event_id", req.EventID, "error", err)
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.ADM_UNAVAILABLE, "verification unavailable", cid, d))
		return
	}
	m.writeSuccess(w, http.StatusOK, d)
}

// handleCheckIn handles POST /v1/attendance/checkin for manual and backup-code entry.
func (m *Mux) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !m.decode(w, r, schema.RequestCheckIn, maxBodyBytes, &req) {
		return
	}
	rec, err := m.d.Attendance.RecordCheckIn(r.Context(), attendance.CheckIn{
		EventID:       req.EventID,
		ParticipantID: req.ParticipantID,
		Method:        req.Method,
		DeviceID:      req.DeviceID,
	})
	if err != nil {
		m.fail(w, r, "checkin", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rec)
}

// handleCheckOut handles POST /v1/attendance/checkout
func (m *Mux) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	var req checkOutRequest
	if !m.decode(w, r, schema.RequestCheckOut, maxBodyBytes, &req) {
		return
	}
	rec, err := m.d.Attendance.RecordCheckOut(r.Context(), req.AttendanceID, time.Now().UTC())
	if err != nil {
		m.fail(w, r, "checkout", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleOfflineExport handles POST /v1/offline/export
func (m *Mux) handleOfflineExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !m.decode(w, r, schema.RequestOfflineExport, maxBodyBytes, &req) {
		return
	}
	snap, err := m.d.Offline.ExportBatch(r.Context(), req.EventID, req.DeviceID)
	if err != nil {
		m.fail(w, r, "offline_export", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, snap)
}

// handleOfflineValidate handles POST /v1/offline/validate
func (m *Mux) handleOfflineValidate(w http.ResponseWriter, r *http.Request) {
	var req offlineValidateRequest
	if !m.decode(w, r, schema.RequestOfflineValidate, maxSyncBodyBytes, &req) {
		return
	}
	d, err := m.d.Offline.ValidateOffline(r.Context(), req.Credential, req.Snapshot)
	if err != nil {
		m.fail(w, r, "offline_validate", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, d)
}

// handleReconcile handles POST /v1/sync/reconcile
func (m *Mux) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !m.decode(w, r, schema.RequestReconcile, maxSyncBodyBytes, &req) {
		return
	}
	actor := principal(r.Context()).Subject
	for i := range req.Records {
		if req.Records[i].Operator == "" {
			req.Records[i].Operator = actor
		}
	}

	res, err := m.d.Reconciler.Reconcile(r.Context(), req.BatchID, req.Records)
	if err != nil {
		if res.Cancelled {
			cid := correlationID(r.Context())
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.ADM_UNAVAILABLE, "reconciliation interrupted; resubmit to resume", cid, res))
			return
		}
		m.fail(w, r, "reconcile", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleAnchorSubmit handles POST /v1/anchors/submit
func (m *Mux) handleAnchorSubmit(w http.ResponseWriter, r *http.Request) {
	if m.d.Anchors == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_UNAVAILABLE, "anchoring is not configured", correlationID(r.Context())))
		return
	}
	var req anchorRequest
	if !m.decode(w, r, schema.RequestAnchorSubmit, maxBodyBytes, &req) {
		return
	}
	if req.SubjectType == "" {
		req.SubjectType = "credential"
	}
	rec, err := m.d.Anchors.Submit(r.Context(), req.Hash, model.SubjectRef{Type: req.SubjectType, ID: req.SubjectID})
	if err != nil {
		m.fail(w, r, "anchor_submit", err)
		return
	}
	// A record whose send failed is still accepted; the retry loop owns it.
	m.writeSuccess(w, http.StatusAccepted, rec)
}

// handleStats handles GET /v1/stats?eventId=&since=&until=
func (m *Mux) handleStats(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r.Context())
	q := r.URL.Query()
	eventID := q.Get("eventId")
	if eventID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_VALIDATION, "eventId is required", cid))
		return
	}
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				m.writeErrorDef(w, errordefs.New(errordefs.ADM_VALIDATION, name+" must be RFC3339", cid))
				return
			}
			*dst = t
		}
	}
	if until.Before(since) {
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_VALIDATION, "until must not precede since", cid))
		return
	}

	stats, err := m.d.Audit.Stats(r.Context(), eventID, since, until)
	if err != nil {
		m.fail(w, r, "stats", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}
