// Package conformance provides a black-box harness that checks an admission
// deployment against the service's behavioural guarantees over HTTP.
package conformance

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/offline"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/reconcile"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/server"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/ticket"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/validation"
)

const (
	harnessIssuer   = "https://conformance.example"
	harnessAudience = "admission"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects a Postgres store; empty uses the in-memory store
	DatabaseDSN string

	// Policy is the conflict policy applied to every event
	Policy model.ConflictPolicy

	// Gates is the number of concurrent scanners in the exactly-once check
	Gates int
}

// Harness runs a full admission stack behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	dir    *directory.Static
	pub    *event.Recorder
	key    ed25519.PrivateKey
	cfg    Config
	run    int64 // Keeps IDs unique across runs against a persistent store
	seq    atomic.Int64
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Policy == "" {
		cfg.Policy = model.PolicyOnlineWins
	}
	if cfg.Gates <= 0 {
		cfg.Gates = 25
	}

	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to conformance database: %w", err)
		}
		store = pg
	} else {
		store = storage.NewMemory()
	}

	pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	enc, mac := []byte(strings.Repeat("E", 32)), []byte(strings.Repeat("M", 32))
	c, err := codec.New(enc, mac)
	if err != nil {
		return nil, err
	}
	sealer, err := codec.NewSealer(enc, mac, codec.NamespaceSnapshot)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dir := directory.NewStatic()
	dir.PutEvent(model.Event{ID: "EV-open", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(4 * time.Hour)})
	dir.PutEvent(model.Event{ID: "EV-other", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(4 * time.Hour)})
	dir.PutEvent(model.Event{ID: "EV-later", StartsAt: now.Add(72 * time.Hour), EndsAt: now.Add(75 * time.Hour)})

	rec := event.NewRecorder()
	log := audit.New(store, rec, audit.Options{}, nil)
	engine := validation.New(validation.Deps{
		Store: store, Directory: dir, Codec: c, Audit: log, Publisher: rec,
	}, validation.Options{EarlyTolerance: time.Hour, LateTolerance: time.Hour, Timeout: 10 * time.Second}, nil)

	mux, err := server.NewMux(server.Deps{
		Store:      store,
		Tickets:    ticket.New(store, dir, c, nil, nil, ticket.Options{}, nil),
		Engine:     engine,
		Offline:    offline.New(offline.Deps{Store: store, Directory: dir, Codec: c, Sealer: sealer}, offline.Options{TTL: 6 * time.Hour, EarlyTolerance: time.Hour, LateTolerance: time.Hour}, nil),
		Reconciler: reconcile.New(store, engine, log, rec, reconcile.Options{Policy: func(string) model.ConflictPolicy { return cfg.Policy }}, nil),
		Attendance: attendance.New(store, rec, nil),
		Audit:      log,
		Auth:       jwks.NewStaticClient(map[string]ed25519.PublicKey{"conformance": pubKey}, harnessIssuer, harnessAudience),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		dir:    dir,
		pub:    rec,
		key:    priv,
		cfg:    cfg,
		run:    now.UnixNano(),
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

func (h *Harness) token(sub, role string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwks.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    harnessIssuer,
			Audience:  jwt.ClaimStrings{harnessAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "conformance"
	return tok.SignedString(h.key)
}

// call performs one request as role and decodes the "data" member into out.
func (h *Harness) call(method, path, role string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, h.URL()+path, &buf)
	if err != nil {
		return 0, err
	}
	tok, err := h.token("conformance-"+role, role)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode >= 300 {
		return resp.StatusCode, nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, json.Unmarshal(env.Data, out)
}

// issue registers a fresh participant for eventID and issues a credential.
func (h *Harness) issue(t *testing.T, eventID string) ticket.Handle {
	t.Helper()
	n := h.seq.Add(1)
	regID := fmt.Sprintf("REG-%d-%d", h.run, n)
	h.dir.PutRegistration(model.Registration{ID: regID, EventID: eventID, ParticipantID: fmt.Sprintf("PART-%d-%d", h.run, n), Status: model.RegistrationConfirmed})
	var handle ticket.Handle
	status, err := h.call(http.MethodPost, "/v1/credentials/issue", jwks.RoleOperator, map[string]string{"registrationId": regID}, &handle)
	if err != nil || status != http.StatusCreated {
		t.Fatalf("issue %s: status %d, error %v", regID, status, err)
	}
	return handle
}

func (h *Harness) scan(credential, eventID string) (model.Decision, int, error) {
	var d model.Decision
	status, err := h.call(http.MethodPost, "/v1/scan/validate", jwks.RoleScanner, map[string]string{"credential": credential, "eventId": eventID}, &d)
	return d, status, err
}

// RunConformanceTests runs all conformance checks against the stack.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ExactlyOnceAdmission", h.testExactlyOnceAdmission)
	t.Run("RejectionsCarryReasons", h.testRejectionsCarryReasons)
	t.Run("EveryScanIsAudited", h.testEveryScanIsAudited)
	t.Run("OfflineSyncConflict", h.testOfflineSyncConflict)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testExactlyOnceAdmission races many gates on one credential.
func (h *Harness) testExactlyOnceAdmission(t *testing.T) {
	handle := h.issue(t, "EV-open")
	var accepted, duplicates, other atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < h.cfg.Gates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, status, err := h.scan(handle.Hash, "EV-open")
			switch {
			case err != nil || status != http.StatusOK:
				other.Add(1)
			case d.Accepted:
				accepted.Add(1)
			case d.Rejection != nil && d.Rejection.Result == model.ResultDuplicate:
				duplicates.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 || int(duplicates.Load()) != h.cfg.Gates-1 || other.Load() != 0 {
		t.Errorf("accepted=%d duplicates=%d other=%d, want 1/%d/0", accepted.Load(), duplicates.Load(), other.Load(), h.cfg.Gates-1)
	}
}

// testRejectionsCarryReasons checks that each rejection category yields a
// decision with a result, reason and message.
func (h *Harness) testRejectionsCarryReasons(t *testing.T) {
	crossEvent := h.issue(t, "EV-open")
	early := h.issue(t, "EV-later")
	revoked := h.issue(t, "EV-open")
	if status, err := h.call(http.MethodPost, "/v1/credentials/invalidate", jwks.RoleOperator,
		map[string]string{"credentialId": revoked.CredentialID, "reason": "conformance"}, &struct{}{}); err != nil || status != http.StatusOK {
		t.Fatalf("invalidate: status %d, error %v", status, err)
	}

	cases := []struct {
		name       string
		credential string
		eventID    string
		result     model.AttemptResult
		reason     model.RejectReason
	}{
		{"unknown", strings.Repeat("0", 64), "EV-open", model.ResultInvalid, model.ReasonNotFound},
		{"garbage", "%%%", "EV-open", model.ResultInvalid, model.ReasonUnrecognized},
		{"cross event", crossEvent.Hash, "EV-other", model.ResultInvalid, model.ReasonWrongEvent},
		{"too early", early.Hash, "EV-later", model.ResultInvalid, model.ReasonTooEarly},
		{"invalidated", revoked.Hash, "EV-open", model.ResultInvalid, model.ReasonInvalidated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, status, err := h.scan(tc.credential, tc.eventID)
			if err != nil || status != http.StatusOK {
				t.Fatalf("status %d, error %v", status, err)
			}
			if d.Accepted || d.Rejection == nil {
				t.Fatalf("decision = %+v, want rejection", d)
			}
			if d.Rejection.Result != tc.result || d.Rejection.Reason != tc.reason || d.Rejection.Message == "" {
				t.Errorf("rejection = %+v, want %s/%s", *d.Rejection, tc.result, tc.reason)
			}
		})
	}

	// The cross-event scan left the credential usable at its own event.
	if d, _, err := h.scan(crossEvent.Hash, "EV-open"); err != nil || !d.Accepted {
		t.Errorf("scan at own event after cross-event rejection = %+v, %v", d, err)
	}
}

// testEveryScanIsAudited compares stats before and after a known scan mix.
func (h *Harness) testEveryScanIsAudited(t *testing.T) {
	var before model.AccessStats
	if _, err := h.call(http.MethodGet, "/v1/stats?eventId=EV-other", jwks.RoleOperator, nil, &before); err != nil {
		t.Fatal(err)
	}
	handle := h.issue(t, "EV-other")
	for i := 0; i < 3; i++ {
		if _, _, err := h.scan(handle.Hash, "EV-other"); err != nil {
			t.Fatal(err)
		}
	}
	var after model.AccessStats
	if _, err := h.call(http.MethodGet, "/v1/stats?eventId=EV-other", jwks.RoleOperator, nil, &after); err != nil {
		t.Fatal(err)
	}
	if after.Total-before.Total != 3 {
		t.Errorf("audited attempts grew by %d, want 3", after.Total-before.Total)
	}
	if after.ByResult[model.ResultDuplicate]-before.ByResult[model.ResultDuplicate] != 2 {
		t.Errorf("duplicate attempts = %v, want two more than %v", after.ByResult, before.ByResult)
	}
}

// testOfflineSyncConflict exports a snapshot, admits one credential online,
// then reconciles offline scans of both.
func (h *Harness) testOfflineSyncConflict(t *testing.T) {
	onlineFirst := h.issue(t, "EV-open")
	offlineOnly := h.issue(t, "EV-open")

	var snap offline.EncryptedSnapshot
	if status, err := h.call(http.MethodPost, "/v1/offline/export", jwks.RoleScanner,
		map[string]string{"eventId": "EV-open", "deviceId": "gate-conformance"}, &snap); err != nil || status != http.StatusCreated {
		t.Fatalf("export: status %d, error %v", status, err)
	}
	if d, _, err := h.scan(onlineFirst.Hash, "EV-open"); err != nil || !d.Accepted {
		t.Fatalf("online scan = %+v, %v", d, err)
	}

	at := time.Now().UTC().Add(-time.Minute)
	records := []model.DeviceRecord{
		{Hash: onlineFirst.Hash, DeviceID: "gate-conformance", ScannedAt: at},
		{Hash: offlineOnly.Hash, DeviceID: "gate-conformance", ScannedAt: at},
	}
	var res model.SyncResult
	if status, err := h.call(http.MethodPost, "/v1/sync/reconcile", jwks.RoleScanner,
		map[string]any{"batchId": snap.BatchID, "records": records}, &res); err != nil || status != http.StatusOK {
		t.Fatalf("reconcile: status %d, error %v", status, err)
	}
	if res.Completed != 1 || res.Conflicts != 1 {
		t.Errorf("result = %+v, want 1 completed and 1 conflict", res)
	}
	for _, item := range res.Items {
		if item.Hash == onlineFirst.Hash && item.Resolution == nil {
			t.Errorf("conflict for %s has no resolution", item.Hash)
		}
	}
}
