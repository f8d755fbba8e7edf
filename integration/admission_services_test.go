// integration/admission_services_test.go
// Package integration exercises the admission service against HTTP fakes of
// the identity provider's key set and the event directory.
package integration

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
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
	issuer   = "https://id.example"
	audience = "admission"
)

// fakeDirectory serves events and registrations over HTTP and can be taken
// down to simulate an outage.
type fakeDirectory struct {
	mu            sync.Mutex
	events        map[string]model.Event
	registrations map[string]model.Registration
	down          atomic.Bool
}

func (d *fakeDirectory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.down.Load() {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var v any
	var ok bool
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/events/"):
		v, ok = d.events[strings.TrimPrefix(r.URL.Path, "/v1/events/")]
	case strings.HasPrefix(r.URL.Path, "/v1/registrations/"):
		v, ok = d.registrations[strings.TrimPrefix(r.URL.Path, "/v1/registrations/")]
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type env struct {
	api  *httptest.Server
	dir  *fakeDirectory
	pub  *event.Recorder
	key  ed25519.PrivateKey
	jwks *atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	keySet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pubKey),
		}}})
	}))
	t.Cleanup(keySet.Close)

	now := time.Now().UTC()
	fd := &fakeDirectory{
		events: map[string]model.Event{
			"E1": {ID: "E1", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(3 * time.Hour)},
			"E2": {ID: "E2", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(3 * time.Hour)},
		},
		registrations: map[string]model.Registration{},
	}
	dirSrv := httptest.NewServer(fd)
	t.Cleanup(dirSrv.Close)

	enc, mac := []byte(strings.Repeat("e", 32)), []byte(strings.Repeat("m", 32))
	c, err := codec.New(enc, mac)
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := codec.NewSealer(enc, mac, codec.NamespaceSnapshot)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemory()
	rec := event.NewRecorder()
	dir := directory.New(dirSrv.URL)
	cc := cache.NewCredentials(cache.NewMemory(time.Minute), 50*time.Millisecond, nil)
	log := audit.New(store, rec, audit.Options{Threshold: 3, Window: time.Minute}, nil)
	engine := validation.New(validation.Deps{
		Store: store, Directory: dir, Codec: c, Cache: cc, Audit: log, Publisher: rec,
	}, validation.Options{EarlyTolerance: time.Hour, LateTolerance: time.Hour, Timeout: 5 * time.Second}, nil)

	mux, err := server.NewMux(server.Deps{
		Store:      store,
		Tickets:    ticket.New(store, dir, c, cc, nil, ticket.Options{}, nil),
		Engine:     engine,
		Offline:    offline.New(offline.Deps{Store: store, Directory: dir, Codec: c, Sealer: sealer, Archive: archive.NewMemory()}, offline.Options{TTL: time.Hour, EarlyTolerance: time.Hour, LateTolerance: time.Hour}, nil),
		Reconciler: reconcile.New(store, engine, log, rec, reconcile.Options{}, nil),
		Attendance: attendance.New(store, rec, nil),
		Audit:      log,
		Auth:       jwks.NewClient(keySet.URL, issuer, audience),
	})
	if err != nil {
		t.Fatalf("NewMux() error = %v", err)
	}
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return &env{api: api, dir: fd, pub: rec, key: priv, jwks: &fetches}
}

func (e *env) token(t *testing.T, sub, role, iss, aud string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwks.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(e.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// send posts body and decodes the response envelope.
func (e *env) send(path, token string, body any) (int, map[string]json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, e.api.URL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, out, nil
}

func (e *env) post(t *testing.T, path, token string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	status, out, err := e.send(path, token, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return status, out
}

func (e *env) register(regID, eventID, participantID string) {
	e.dir.mu.Lock()
	defer e.dir.mu.Unlock()
	e.dir.registrations[regID] = model.Registration{ID: regID, EventID: eventID, ParticipantID: participantID, Status: model.RegistrationConfirmed}
}

func TestTokenValidationAgainstKeySet(t *testing.T) {
	e := newEnv(t)
	e.register("R1", "E1", "P1")

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid operator", e.token(t, "staff-1", jwks.RoleOperator, issuer, audience), http.StatusCreated},
		{"wrong issuer", e.token(t, "staff-1", jwks.RoleOperator, "https://evil.example", audience), http.StatusUnauthorized},
		{"wrong audience", e.token(t, "staff-1", jwks.RoleOperator, issuer, "billing"), http.StatusUnauthorized},
		{"no role", e.token(t, "staff-1", "", issuer, audience), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := e.post(t, "/v1/credentials/issue", tt.token, map[string]string{"registrationId": "R1"})
			if status != tt.status {
				t.Errorf("status = %d, want %d (body %s)", status, tt.status, body)
			}
		})
	}
	if n := e.jwks.Load(); n != 1 {
		t.Errorf("key set fetched %d times, want 1", n)
	}
}

func TestScanFlowThroughDirectory(t *testing.T) {
	e := newEnv(t)
	operator := e.token(t, "staff-1", jwks.RoleOperator, issuer, audience)
	scanner := e.token(t, "gate-7", jwks.RoleScanner, issuer, audience)
	e.register("R1", "E1", "P1")

	status, body := e.post(t, "/v1/credentials/issue", operator, map[string]string{"registrationId": "R1"})
	if status != http.StatusCreated {
		t.Fatalf("issue status = %d, body = %s", status, body)
	}
	var h ticket.Handle
	if err := json.Unmarshal(body["data"], &h); err != nil {
		t.Fatal(err)
	}

	// Wrong event first: rejected without consuming the credential.
	_, body = e.post(t, "/v1/scan/validate", scanner, map[string]string{"credential": h.Hash, "eventId": "E2"})
	var d model.Decision
	_ = json.Unmarshal(body["data"], &d)
	if d.Accepted || d.Rejection == nil || d.Rejection.Reason != model.ReasonWrongEvent {
		t.Fatalf("cross-event decision = %+v", d)
	}

	_, body = e.post(t, "/v1/scan/validate", scanner, map[string]string{"credential": h.Hash, "eventId": "E1"})
	d = model.Decision{}
	_ = json.Unmarshal(body["data"], &d)
	if !d.Accepted {
		t.Fatalf("decision = %+v, want accepted", d)
	}
	if e.pub.CheckInCount() != 1 {
		t.Errorf("check-ins published = %d, want 1", e.pub.CheckInCount())
	}

	// A directory outage surfaces as unavailable, never as a rejection.
	e.register("R2", "E1", "P2")
	_, body = e.post(t, "/v1/credentials/issue", operator, map[string]string{"registrationId": "R2"})
	var h2 ticket.Handle
	_ = json.Unmarshal(body["data"], &h2)
	e.dir.down.Store(true)
	status, _ = e.post(t, "/v1/scan/validate", scanner, map[string]string{"credential": h2.Hash, "eventId": "E1"})
	if status != http.StatusServiceUnavailable {
		t.Errorf("scan during outage status = %d, want 503", status)
	}
	e.dir.down.Store(false)
	_, body = e.post(t, "/v1/scan/validate", scanner, map[string]string{"credential": h2.Hash, "eventId": "E1"})
	d = model.Decision{}
	_ = json.Unmarshal(body["data"], &d)
	if !d.Accepted {
		t.Errorf("scan after recovery = %+v, want accepted", d)
	}
}

func TestConcurrentGatesAdmitOnce(t *testing.T) {
	e := newEnv(t)
	operator := e.token(t, "staff-1", jwks.RoleOperator, issuer, audience)
	e.register("R1", "E1", "P1")
	_, body := e.post(t, "/v1/credentials/issue", operator, map[string]string{"registrationId": "R1"})
	var h ticket.Handle
	if err := json.Unmarshal(body["data"], &h); err != nil {
		t.Fatal(err)
	}

	const gates = 20
	tokens := make([]string, gates)
	for i := range tokens {
		tokens[i] = e.token(t, "gate-"+string(rune('a'+i)), jwks.RoleScanner, issuer, audience)
	}
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < gates; i++ {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			_, body, err := e.send("/v1/scan/validate", tok, map[string]string{"credential": h.Hash, "eventId": "E1"})
			if err != nil {
				t.Error(err)
				return
			}
			var d model.Decision
			if err := json.Unmarshal(body["data"], &d); err == nil && d.Accepted {
				accepted.Add(1)
			}
		}(tokens[i])
	}
	wg.Wait()
	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted scans = %d, want exactly 1", n)
	}
}
