// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes. A single mutex
// serialises every write, which makes each conditional transition atomic.
type memory struct {
	mu           sync.RWMutex                          // Protects concurrent access to maps
	credentials  map[string]*model.Credential          // Map of credential ID to credential
	byHash       map[string]string                     // Map of hash to credential ID (non-invalidated only)
	activeByReg  map[string]string                     // Map of registration ID to active credential ID
	attendance   map[string]*model.AttendanceRecord    // Map of attendance ID to record
	activeByPair map[string]string                     // Map of event|participant to non-cancelled attendance ID
	attempts     []model.AccessAttempt                 // Append-only audit log
	batches      map[string]*model.SyncBatch           // Map of batch ID to batch (items held separately)
	items        map[string]map[string]*model.SyncItem // Map of batch ID to hash to item
	anchors      map[string]*model.AnchorRecord        // Map of anchor ID to record
	idempotency  map[string]*IdempotentResponse        // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		credentials:  make(map[string]*model.Credential),
		byHash:       make(map[string]string),
		activeByReg:  make(map[string]string),
		attendance:   make(map[string]*model.AttendanceRecord),
		activeByPair: make(map[string]string),
		batches:      make(map[string]*model.SyncBatch),
		items:        make(map[string]map[string]*model.SyncItem),
		anchors:      make(map[string]*model.AnchorRecord),
		idempotency:  make(map[string]*IdempotentResponse),
	}
}

func pairKey(eventID, participantID string) string {
	return eventID + "|" + participantID
}

func cloneCredential(c *model.Credential) *model.Credential {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp
}

func (m *memory) CreateCredential(ctx context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCredentialLocked(c)
}

func (m *memory) insertCredentialLocked(c model.Credential) error {
	if _, exists := m.credentials[c.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.byHash[c.Hash]; exists {
		return ErrConflict
	}
	if c.State == model.CredentialActive {
		if _, exists := m.activeByReg[c.RegistrationID]; exists {
			return ErrConflict
		}
		m.activeByReg[c.RegistrationID] = c.ID
	}
	m.credentials[c.ID] = cloneCredential(&c)
	if c.State != model.CredentialInvalidated {
		m.byHash[c.Hash] = c.ID
	}
	return nil
}

func (m *memory) ReplaceCredential(ctx context.Context, oldID, reason string, next model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.credentials[oldID]
	if !exists {
		return ErrNotFound
	}
	if old.State.Terminal() {
		return ErrStateConflict
	}
	if _, exists := m.byHash[next.Hash]; exists {
		return ErrConflict
	}
	if _, exists := m.credentials[next.ID]; exists {
		return ErrConflict
	}

	m.invalidateLocked(old, reason)
	return m.insertCredentialLocked(next)
}

func (m *memory) invalidateLocked(c *model.Credential, reason string) {
	if c.State == model.CredentialActive && m.activeByReg[c.RegistrationID] == c.ID {
		delete(m.activeByReg, c.RegistrationID)
	}
	if m.byHash[c.Hash] == c.ID {
		delete(m.byHash, c.Hash)
	}
	c.State = model.CredentialInvalidated
	c.InvalidationReason = reason
	c.Version++
}

func (m *memory) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.credentials[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (m *memory) GetCredentialByHash(ctx context.Context, hash string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, exists := m.byHash[hash]; exists {
		return cloneCredential(m.credentials[id]), nil
	}
	// Invalidated credentials leave the hash index but stay addressable.
	var found *model.Credential
	for _, c := range m.credentials {
		if c.Hash == hash && (found == nil || c.GeneratedAt.After(found.GeneratedAt)) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneCredential(found), nil
}

func (m *memory) GetActiveCredential(ctx context.Context, registrationID string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.activeByReg[registrationID]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneCredential(m.credentials[id]), nil
}

func (m *memory) ListActiveCredentials(ctx context.Context, eventID string) ([]model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Credential
	for _, id := range m.activeByReg {
		c := m.credentials[id]
		if c.EventID == eventID {
			out = append(out, *cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memory) InvalidateCredential(ctx context.Context, id, reason string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.credentials[id]
	if !exists {
		return nil, ErrNotFound
	}
	if c.State.Terminal() {
		return nil, ErrStateConflict
	}
	m.invalidateLocked(c, reason)
	return cloneCredential(c), nil
}

func (m *memory) ExpireCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.credentials[id]
	if !exists {
		return ErrNotFound
	}
	if c.State != model.CredentialActive {
		return ErrStateConflict
	}
	m.expireLocked(c)
	return nil
}

func (m *memory) expireLocked(c *model.Credential) {
	if m.activeByReg[c.RegistrationID] == c.ID {
		delete(m.activeByReg, c.RegistrationID)
	}
	c.State = model.CredentialExpired
	c.Version++
}

func (m *memory) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for _, id := range m.activeByReg {
		c := m.credentials[id]
		if c.ExpiredAt(now) {
			expired = append(expired, c.ID)
		}
	}
	for _, id := range expired {
		m.expireLocked(m.credentials[id])
	}
	sort.Strings(expired)
	return expired, nil
}

func (m *memory) SetCredentialAnchor(ctx context.Context, id, anchorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.credentials[id]
	if !exists {
		return ErrNotFound
	}
	c.AnchorID = anchorID
	return nil
}

func (m *memory) ConsumeCredential(ctx context.Context, id string, usedAt time.Time, att model.AttendanceRecord) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.credentials[id]
	if !exists {
		return nil, ErrNotFound
	}
	if c.State != model.CredentialActive {
		return nil, ErrStateConflict
	}
	key := pairKey(att.EventID, att.ParticipantID)
	if _, taken := m.activeByPair[key]; taken {
		return nil, ErrDuplicateAttendance
	}

	delete(m.activeByReg, c.RegistrationID)
	c.State = model.CredentialUsed
	t := usedAt
	c.UsedAt = &t
	c.Version++

	rec := att
	m.attendance[rec.ID] = &rec
	m.activeByPair[key] = rec.ID
	return cloneCredential(c), nil
}

func (m *memory) CreateAttendance(ctx context.Context, a model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attendance[a.ID]; exists {
		return ErrConflict
	}
	key := pairKey(a.EventID, a.ParticipantID)
	if a.Status != model.AttendanceCancelled {
		if _, taken := m.activeByPair[key]; taken {
			return ErrDuplicateAttendance
		}
		m.activeByPair[key] = a.ID
	}
	rec := a
	m.attendance[a.ID] = &rec
	return nil
}

func (m *memory) GetAttendance(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.attendance[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memory) GetActiveAttendance(ctx context.Context, eventID, participantID string) (*model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.activeByPair[pairKey(eventID, participantID)]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *m.attendance[id]
	return &cp, nil
}

func (m *memory) UpdateAttendance(ctx context.Context, a model.AttendanceRecord, prevStatus model.AttendanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.attendance[a.ID]
	if !exists {
		return ErrNotFound
	}
	if cur.Status != prevStatus {
		return ErrStateConflict
	}
	oldKey := pairKey(cur.EventID, cur.ParticipantID)
	newKey := pairKey(a.EventID, a.ParticipantID)
	if a.Status != model.AttendanceCancelled {
		if owner, taken := m.activeByPair[newKey]; taken && owner != a.ID {
			return ErrDuplicateAttendance
		}
	}
	if m.activeByPair[oldKey] == a.ID {
		delete(m.activeByPair, oldKey)
	}
	if a.Status != model.AttendanceCancelled {
		m.activeByPair[newKey] = a.ID
	}
	rec := a
	m.attendance[a.ID] = &rec
	return nil
}

func (m *memory) CountCheckedIn(ctx context.Context, eventID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, id := range m.activeByPair {
		if m.attendance[id].EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (m *memory) AppendAttempt(ctx context.Context, a model.AccessAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memory) ListAttempts(ctx context.Context, eventID string, since, until time.Time) ([]model.AccessAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.AccessAttempt
	for _, a := range m.attempts {
		if a.EventID != eventID || a.OccurredAt.Before(since) || !a.OccurredAt.Before(until) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memory) CountFailures(ctx context.Context, actor string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if a.OccurredAt.Before(since) {
			continue
		}
		if a.Actor == actor && a.Result != model.ResultSuccess {
			n++
		}
	}
	return n, nil
}

func (m *memory) CreateBatch(ctx context.Context, b model.SyncBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[b.ID]; exists {
		return ErrConflict
	}
	items := make(map[string]*model.SyncItem, len(b.Items))
	for _, it := range b.Items {
		item := it
		item.BatchID = b.ID
		items[it.Hash] = &item
	}
	batch := b
	batch.Items = nil
	m.batches[b.ID] = &batch
	m.items[b.ID] = items
	return nil
}

func (m *memory) GetBatch(ctx context.Context, id string) (*model.SyncBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.batches[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := *b
	out.Items = make([]model.SyncItem, 0, len(m.items[id]))
	for _, it := range m.items[id] {
		out.Items = append(out.Items, *it)
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].Hash < out.Items[j].Hash })
	return &out, nil
}

func (m *memory) UpdateSyncItem(ctx context.Context, item model.SyncItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, exists := m.items[item.BatchID]
	if !exists {
		return ErrNotFound
	}
	if _, exists := items[item.Hash]; !exists {
		return ErrNotFound
	}
	cp := item
	items[item.Hash] = &cp
	return nil
}

func (m *memory) SetBatchArchiveKey(ctx context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.batches[id]
	if !exists {
		return ErrNotFound
	}
	b.ArchiveKey = key
	return nil
}

func (m *memory) CreateAnchor(ctx context.Context, a model.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.anchors[a.ID]; exists {
		return ErrConflict
	}
	rec := a
	m.anchors[a.ID] = &rec
	return nil
}

func (m *memory) GetAnchor(ctx context.Context, id string) (*model.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.anchors[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memory) UpdateAnchor(ctx context.Context, next model.AnchorRecord, prevStatus model.AnchorStatus, prevRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.anchors[next.ID]
	if !exists {
		return ErrNotFound
	}
	if cur.Status != prevStatus || cur.Retries != prevRetries {
		return ErrStateConflict
	}
	rec := next
	m.anchors[next.ID] = &rec
	return nil
}

func (m *memory) ListAnchors(ctx context.Context, status model.AnchorStatus, limit int) ([]model.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.AnchorRecord
	for _, a := range m.anchors {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.idempotency[keyHash] = &IdempotentResponse{
		ResponseBody: append([]byte(nil), responseBody...),
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}
	if time.Now().UTC().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), response.ResponseBody...), response.StatusCode, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}
