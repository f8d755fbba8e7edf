package anchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// fakeChain is an in-memory ChainClient. Accepted transactions sit in a
// mempool keyed by nonce until mined; the pending nonce counts them, and a
// transaction reusing a pooled nonce replaces it only with a higher price.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	nonce    uint64 // next nonce after every mined transaction
	gasPrice *big.Int
	sendErr  error
	sent     []*types.Transaction
	pool     map[uint64]*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		gasPrice: big.NewInt(1000),
		pool:     make(map[uint64]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce + uint64(len(f.pool)), nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return f.sendErr
	}
	if tx.Nonce() < f.nonce {
		return errors.New("nonce too low")
	}
	if old, ok := f.pool[tx.Nonce()]; ok && tx.GasPrice().Cmp(old.GasPrice()) <= 0 {
		return errors.New("replacement transaction underpriced")
	}
	f.pool[tx.Nonce()] = tx
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.pool {
		if tx.Hash() == h {
			return tx, true, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func (f *fakeChain) mine(tx common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[tx] = &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block), TxHash: tx}
	for nonce, pooled := range f.pool {
		if pooled.Hash() == tx {
			delete(f.pool, nonce)
			f.nonce = nonce + 1
		}
	}
}

// forget drops a transaction from the mempool without mining it.
func (f *fakeChain) forget(tx common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for nonce, pooled := range f.pool {
		if pooled.Hash() == tx {
			delete(f.pool, nonce)
		}
	}
}

func (f *fakeChain) pooled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pool)
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type fixture struct {
	chain *fakeChain
	store storage.Store
	rec   *event.Recorder
	a     *Anchorer
	clock time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	f := &fixture{
		chain: newFakeChain(),
		store: storage.NewMemory(),
		rec:   event.NewRecorder(),
		clock: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	opts.Network = "sepolia"
	opts.To = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	f.a = New(f.chain, key, f.store, f.rec, opts, nil)
	f.a.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) get(t *testing.T, id string) *model.AnchorRecord {
	t.Helper()
	rec, err := f.store.GetAnchor(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAnchor() error = %v", err)
	}
	return rec
}

func TestSubmitRecordsPendingAndLinksCredential(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 3, MaxRetries: 2})
	ctx := context.Background()
	if err := f.store.CreateCredential(ctx, model.Credential{ID: "c1", RegistrationID: "R1", EventID: "E1", ParticipantID: "P1", Hash: testHash, State: model.CredentialActive}); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}

	rec, err := f.a.Submit(ctx, testHash, model.SubjectRef{Type: SubjectCredential, ID: "c1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Status != model.AnchorPending || rec.TxHash == "" || rec.Network != "sepolia" {
		t.Errorf("record = %+v", rec)
	}
	if f.chain.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.chain.sentCount())
	}
	want, _ := hex.DecodeString(testHash)
	if got := f.chain.sent[0].Data(); !bytes.Equal(got, want) {
		t.Errorf("calldata = %x, want %x", got, want)
	}
	if f.chain.sent[0].Hash().Hex() != rec.TxHash {
		t.Errorf("stored tx hash %s does not match sent %s", rec.TxHash, f.chain.sent[0].Hash().Hex())
	}
	c, _ := f.store.GetCredential(ctx, "c1")
	if c.AnchorID != rec.ID {
		t.Errorf("credential anchor = %q, want %q", c.AnchorID, rec.ID)
	}

	if _, err := f.a.Submit(ctx, "not-a-hash", model.SubjectRef{Type: SubjectCredential, ID: "c1"}); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("Submit(bad hash) error = %v, want ErrInvalidHash", err)
	}
}

func TestPollConfirmsOnlyAtThreshold(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 12})
	ctx := context.Background()

	rec, err := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.chain.mine(common.HexToHash(rec.TxHash), 100, types.ReceiptStatusSuccessful)

	f.chain.head = 105
	if err := f.a.PollConfirmations(ctx); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}
	got := f.get(t, rec.ID)
	if got.Status != model.AnchorPending || got.Confirmations != 6 {
		t.Errorf("after 6 confirmations: status %s confirmations %d", got.Status, got.Confirmations)
	}

	f.chain.head = 111
	if err := f.a.PollConfirmations(ctx); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}
	got = f.get(t, rec.ID)
	if got.Status != model.AnchorConfirmed || got.Confirmations != 12 {
		t.Fatalf("after 12 confirmations: status %s confirmations %d", got.Status, got.Confirmations)
	}
	if got.BlockNumber == nil || *got.BlockNumber != 100 || got.BlockTime == nil || got.ConfirmedAt == nil {
		t.Errorf("confirmed record missing block data: %+v", got)
	}
	if len(f.rec.Confirmed) != 1 {
		t.Errorf("confirmations published = %d, want 1", len(f.rec.Confirmed))
	}

	// Re-polling a confirmed record is a no-op.
	f.chain.head = 200
	if err := f.a.PollConfirmations(ctx); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}
	if len(f.rec.Confirmed) != 1 {
		t.Errorf("confirmations published after re-poll = %d, want 1", len(f.rec.Confirmed))
	}
}

func TestPollRevertedNeedsReview(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 1, MaxRetries: 3})
	ctx := context.Background()

	rec, _ := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	f.chain.mine(common.HexToHash(rec.TxHash), 10, types.ReceiptStatusFailed)
	f.chain.head = 10
	if err := f.a.PollConfirmations(ctx); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}

	got := f.get(t, rec.ID)
	if got.Status != model.AnchorFailed || !got.NeedsReview {
		t.Errorf("reverted record = %+v, want failed and needs review", got)
	}
	if len(f.rec.AlertsOfKind(event.AlertAnchorReview)) != 1 {
		t.Errorf("review alerts = %d, want 1", len(f.rec.AlertsOfKind(event.AlertAnchorReview)))
	}

	// Review records are never retried.
	f.clock = f.clock.Add(time.Hour)
	if err := f.a.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if f.chain.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", f.chain.sentCount())
	}
}

func TestPollDropsUnknownTransaction(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 1, MaxRetries: 3, DropTimeout: time.Minute, RetryBackoff: time.Second})
	ctx := context.Background()

	rec, _ := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	// The node forgets the transaction.
	f.chain.forget(common.HexToHash(rec.TxHash))

	f.clock = f.clock.Add(30 * time.Second)
	_ = f.a.PollConfirmations(ctx)
	if got := f.get(t, rec.ID); got.Status != model.AnchorPending {
		t.Fatalf("status before drop timeout = %s, want pending", got.Status)
	}

	f.clock = f.clock.Add(time.Minute)
	_ = f.a.PollConfirmations(ctx)
	got := f.get(t, rec.ID)
	if got.Status != model.AnchorFailed || got.NeedsReview || got.NextRetryAt == nil {
		t.Errorf("dropped record = %+v, want failed and scheduled for retry", got)
	}
}

func TestSubmitSendErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReview bool
	}{
		{"network error retried", errors.New("dial tcp: connection refused"), false},
		{"underpriced retried", errors.New("replacement transaction underpriced"), false},
		{"timeout retried", context.DeadlineExceeded, false},
		{"revert flagged", errors.New("execution reverted: bad input"), true},
		{"intrinsic gas flagged", errors.New("intrinsic gas too low"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{MaxRetries: 3})
			f.chain.sendErr = tt.err

			rec, err := f.a.Submit(context.Background(), testHash, model.SubjectRef{Type: "batch", ID: "b1"})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if rec.Status != model.AnchorFailed {
				t.Fatalf("status = %s, want failed", rec.Status)
			}
			if rec.NeedsReview != tt.wantReview {
				t.Errorf("NeedsReview = %v, want %v", rec.NeedsReview, tt.wantReview)
			}
			if !tt.wantReview && rec.NextRetryAt == nil {
				t.Errorf("retryable failure has no NextRetryAt")
			}
			stored := f.get(t, rec.ID)
			if stored.Status != model.AnchorFailed {
				t.Errorf("stored status = %s, want failed", stored.Status)
			}
		})
	}
}

func TestRetryFailedStopsAtMaxRetries(t *testing.T) {
	const maxRetries = 3
	f := newFixture(t, Options{MaxRetries: maxRetries, RetryBackoff: time.Second, GasBumpPercent: 25})
	f.chain.sendErr = errors.New("connection reset by peer")
	ctx := context.Background()

	rec, err := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		f.clock = f.clock.Add(time.Hour)
		if err := f.a.RetryFailed(ctx); err != nil {
			t.Fatalf("RetryFailed() error = %v", err)
		}
	}

	got := f.get(t, rec.ID)
	if got.Retries != maxRetries {
		t.Errorf("Retries = %d, want %d", got.Retries, maxRetries)
	}
	if !got.Terminal || got.Status != model.AnchorFailed {
		t.Errorf("record = %+v, want terminal failure", got)
	}
	if sent := f.chain.sentCount(); sent != 1+maxRetries {
		t.Errorf("sends = %d, want %d", sent, 1+maxRetries)
	}
	if alerts := f.rec.AlertsOfKind(event.AlertAnchorTerminal); len(alerts) != 1 {
		t.Errorf("terminal alerts = %d, want 1", len(alerts))
	}

	// Each resubmission bumps the gas price.
	prev := f.chain.sent[0].GasPrice()
	for _, tx := range f.chain.sent[1:] {
		if tx.GasPrice().Cmp(prev) <= 0 {
			t.Errorf("gas price %s not above previous %s", tx.GasPrice(), prev)
		}
		prev = tx.GasPrice()
	}
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3, RetryBackoff: time.Minute, Confirmations: 1})
	f.chain.sendErr = errors.New("i/o timeout")
	ctx := context.Background()

	rec, _ := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})

	// Not due yet.
	f.clock = f.clock.Add(30 * time.Second)
	_ = f.a.RetryFailed(ctx)
	if f.chain.sentCount() != 1 {
		t.Fatalf("retried before NextRetryAt: sent = %d", f.chain.sentCount())
	}

	f.chain.sendErr = nil
	f.clock = f.clock.Add(time.Minute)
	if err := f.a.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	got := f.get(t, rec.ID)
	if got.Status != model.AnchorPending || got.Retries != 1 || got.TxHash == rec.TxHash {
		t.Fatalf("retried record = %+v", got)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q after successful resubmission", got.LastError)
	}
	// No bump configured: the default still raises the price.
	if f.chain.sent[1].GasPrice().Cmp(f.chain.sent[0].GasPrice()) <= 0 {
		t.Errorf("resubmitted gas price %s not above %s", f.chain.sent[1].GasPrice(), f.chain.sent[0].GasPrice())
	}

	f.chain.mine(common.HexToHash(got.TxHash), 50, types.ReceiptStatusSuccessful)
	f.chain.head = 50
	_ = f.a.PollConfirmations(ctx)
	if got := f.get(t, rec.ID); got.Status != model.AnchorConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}

func TestRetryReplacesStuckTransaction(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 1, MaxRetries: 3, ConfirmTimeout: 5 * time.Minute, RetryBackoff: time.Second})
	ctx := context.Background()

	rec, err := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Still in the mempool when the confirm timeout passes.
	f.clock = f.clock.Add(6 * time.Minute)
	if err := f.a.PollConfirmations(ctx); err != nil {
		t.Fatalf("PollConfirmations() error = %v", err)
	}
	if got := f.get(t, rec.ID); got.Status != model.AnchorFailed {
		t.Fatalf("status after timeout = %s, want failed", got.Status)
	}

	// The network price fell meanwhile; the replacement must still outbid.
	f.chain.gasPrice = big.NewInt(500)
	f.clock = f.clock.Add(time.Minute)
	if err := f.a.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	got := f.get(t, rec.ID)
	if got.Status != model.AnchorPending || got.Retries != 1 {
		t.Fatalf("retried record = %+v", got)
	}
	if got.Nonce != rec.Nonce {
		t.Errorf("replacement nonce = %d, want %d", got.Nonce, rec.Nonce)
	}
	if got.TxHash == rec.TxHash {
		t.Error("replacement reused the stuck transaction hash")
	}
	if n := f.chain.pooled(); n != 1 {
		t.Errorf("mempool holds %d transactions, want 1", n)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q after replacement", got.LastError)
	}

	f.chain.mine(common.HexToHash(got.TxHash), 20, types.ReceiptStatusSuccessful)
	f.chain.head = 20
	_ = f.a.PollConfirmations(ctx)
	if got := f.get(t, rec.ID); got.Status != model.AnchorConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}

func TestRetryAfterDropTakesFreshNonce(t *testing.T) {
	f := newFixture(t, Options{Confirmations: 1, MaxRetries: 3, DropTimeout: time.Minute, RetryBackoff: time.Second})
	ctx := context.Background()

	first, _ := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b1"})
	second, _ := f.a.Submit(ctx, testHash, model.SubjectRef{Type: "batch", ID: "b2"})
	if first.Nonce != 0 || second.Nonce != 1 {
		t.Fatalf("nonces = %d, %d, want 0, 1", first.Nonce, second.Nonce)
	}
	f.chain.mine(common.HexToHash(second.TxHash), 5, types.ReceiptStatusSuccessful)
	f.chain.forget(common.HexToHash(first.TxHash))

	f.clock = f.clock.Add(2 * time.Minute)
	_ = f.a.PollConfirmations(ctx)
	f.clock = f.clock.Add(time.Minute)
	if err := f.a.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	got := f.get(t, first.ID)
	if got.Status != model.AnchorPending || got.Nonce != 2 {
		t.Errorf("retried record = %+v, want pending with nonce 2", got)
	}
}

func TestSubmitEvictsCachedCredential(t *testing.T) {
	cc := cache.NewCredentials(cache.NewMemory(time.Minute), time.Second, nil)
	f := newFixture(t, Options{Cache: cc})
	ctx := context.Background()
	c := model.Credential{ID: "c1", RegistrationID: "R1", EventID: "E1", ParticipantID: "P1", Hash: testHash, State: model.CredentialActive}
	if err := f.store.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
	cc.Put(ctx, &c)

	if _, err := f.a.Submit(ctx, testHash, model.SubjectRef{Type: SubjectCredential, ID: "c1"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if cached, ok := cc.Get(ctx, testHash); ok {
		t.Errorf("cached credential survived linking: anchor = %q", cached.AnchorID)
	}
}

func TestGasPriceFor(t *testing.T) {
	tests := []struct {
		retries int
		want    int64
	}{
		{0, 100},
		{1, 125},
		{2, 156},
		{3, 195},
	}
	for _, tt := range tests {
		if got := gasPriceFor(big.NewInt(100), tt.retries, 25); got.Int64() != tt.want {
			t.Errorf("gasPriceFor(100, %d, 25) = %s, want %d", tt.retries, got, tt.want)
		}
	}
}

func TestEnqueueNonBlocking(t *testing.T) {
	f := newFixture(t, Options{QueueSize: 1})
	ref := model.SubjectRef{Type: "batch", ID: "b1"}
	if !f.a.Enqueue(testHash, ref) {
		t.Fatal("first Enqueue() = false")
	}
	if f.a.Enqueue(testHash, ref) {
		t.Error("Enqueue() on full queue = true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.a.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.chain.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if f.chain.sentCount() != 1 {
		t.Errorf("queued submission not sent")
	}
}
