// Package anchor records credential hashes on an EVM chain for external
// tamper evidence. Submission is asynchronous: records are stored pending
// with their transaction hash, confirmed by a poll loop once deep enough,
// and failed submissions are retried with rising gas prices until a bounded
// retry count is exhausted.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
)

// SubjectCredential is the subject type for credential anchors.
const SubjectCredential = "credential"

// ErrInvalidHash is returned when the hash to anchor is not a content hash.
var ErrInvalidHash = errors.New("anchor hash must be 64 lowercase hex characters")

// Options configures submission, confirmation and retry behaviour.
type Options struct {
	Network         string         // Label stored on records
	To              common.Address // Recipient of anchor transactions
	Confirmations   uint64         // Depth required for confirmation
	MaxRetries      int            // Resubmissions before a record is terminal
	RetryBackoff    time.Duration  // Base delay, doubled per retry
	SubmitTimeout   time.Duration  // Bound on building and sending one transaction
	ConfirmTimeout  time.Duration  // Pending records older than this are failed for retry
	DropTimeout     time.Duration  // Transactions unknown to the node for this long are dropped
	GasBumpPercent  int64          // Gas price increase per retry, at least the node's replacement bump
	PollInterval    time.Duration
	RetryInterval   time.Duration
	PollParallelism int // Concurrent receipt lookups per poll cycle
	BatchSize       int // Records examined per cycle
	QueueSize       int // Capacity of the Enqueue buffer

	Cache *cache.Credentials // Cached credentials evicted when linked to an anchor; may be nil
}

func (o *Options) setDefaults() {
	if o.Confirmations == 0 {
		o.Confirmations = 12
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 30 * time.Minute
	}
	if o.DropTimeout <= 0 {
		o.DropTimeout = 10 * time.Minute
	}
	if o.GasBumpPercent <= 0 {
		o.GasBumpPercent = 25
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.PollParallelism <= 0 {
		o.PollParallelism = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

// Anchorer submits and tracks anchor transactions.
type Anchorer struct {
	client  ChainClient
	key     *ecdsa.PrivateKey
	from    common.Address
	store   storage.Store
	pub     event.Publisher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sendMu        sync.Mutex // held from nonce assignment until the transaction is sent
	chainMu       sync.Mutex
	cachedChainID *big.Int

	queue chan request
}

type request struct {
	hash    string
	subject model.SubjectRef
}

// New creates an Anchorer signing with key.
func New(client ChainClient, key *ecdsa.PrivateKey, store storage.Store, pub event.Publisher, opts Options, logger *slog.Logger) *Anchorer {
	opts.setDefaults()
	if pub == nil {
		pub = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anchorer{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		store:   store,
		pub:     pub,
		opts:    opts,
		metrics: metrics.NewMetrics(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan request, opts.QueueSize),
	}
}

// Submit builds, records and sends an anchor transaction for hash. The record
// is stored pending with its transaction hash before the transaction is sent,
// so a crash between the two leaves a record the poll loop can resolve. A send
// failure does not fail the call: the returned record is failed and either
// scheduled for retry or flagged for review.
func (a *Anchorer) Submit(ctx context.Context, hash string, subject model.SubjectRef) (*model.AnchorRecord, error) {
	if !codec.IsHash(hash) {
		return nil, ErrInvalidHash
	}
	ctx, span := otel.Tracer("admission").Start(ctx, "anchor.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("subject.type", subject.Type), attribute.String("subject.id", subject.ID))

	now := a.now()
	rec := model.AnchorRecord{
		ID:          uuid.NewString(),
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Hash:        hash,
		Network:     a.opts.Network,
		Status:      model.AnchorPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, a.opts.SubmitTimeout)
	defer cancel()

	stx, err := a.buildTx(sendCtx, hash, 0, nil)
	if err != nil {
		// Nothing was sent; keep the record so the retry loop picks it up.
		a.markFailed(&rec, err)
		if cerr := a.store.CreateAnchor(ctx, rec); cerr != nil {
			return nil, fmt.Errorf("creating anchor record: %w", cerr)
		}
		a.link(ctx, rec)
		a.afterFailure(ctx, rec)
		return &rec, nil
	}
	rec.TxHash = stx.tx.Hash().Hex()
	rec.Nonce = stx.nonce
	rec.GasPrice = stx.gasPrice.String()
	if err := a.store.CreateAnchor(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating anchor record: %w", err)
	}
	a.link(ctx, rec)
	a.metrics.AnchorTransitions.WithLabelValues(string(model.AnchorPending)).Inc()

	if err := a.client.SendTransaction(sendCtx, stx.tx); err != nil {
		next := rec
		a.markFailed(&next, err)
		if uerr := a.store.UpdateAnchor(ctx, next, model.AnchorPending, rec.Retries); uerr != nil {
			a.logger.Error("failed to record anchor send failure", "anchor_id", rec.ID, "error", uerr)
			return &rec, nil
		}
		a.afterFailure(ctx, next)
		return &next, nil
	}

	a.logger.Info("anchor submitted", "anchor_id", rec.ID, "tx_hash", rec.TxHash, "subject_id", subject.ID)
	return &rec, nil
}

// link points a credential at its anchor record and drops any cached copy
// that predates the link.
func (a *Anchorer) link(ctx context.Context, rec model.AnchorRecord) {
	if rec.SubjectType != SubjectCredential {
		return
	}
	if err := a.store.SetCredentialAnchor(ctx, rec.SubjectID, rec.ID); err != nil {
		a.logger.Warn("failed to link anchor to credential", "anchor_id", rec.ID, "credential_id", rec.SubjectID, "error", err)
		return
	}
	if a.opts.Cache == nil {
		return
	}
	hash := rec.Hash
	if c, err := a.store.GetCredential(ctx, rec.SubjectID); err == nil {
		hash = c.Hash
	}
	a.opts.Cache.Evict(ctx, hash)
}

// markFailed moves rec to failed and decides between retry and review.
func (a *Anchorer) markFailed(rec *model.AnchorRecord, cause error) {
	now := a.now()
	rec.Status = model.AnchorFailed
	rec.LastError = cause.Error()
	rec.UpdatedAt = now
	if !retryable(cause) {
		rec.NeedsReview = true
		rec.NextRetryAt = nil
		return
	}
	if rec.Retries >= a.opts.MaxRetries {
		rec.Terminal = true
		rec.NextRetryAt = nil
		return
	}
	next := now.Add(a.backoff(rec.Retries))
	rec.NextRetryAt = &next
}

// backoff returns RetryBackoff * 2^retries, capped to avoid overflow.
func (a *Anchorer) backoff(retries int) time.Duration {
	if retries > 16 {
		retries = 16
	}
	return a.opts.RetryBackoff << uint(retries)
}

// afterFailure reports failed records that will not be retried.
func (a *Anchorer) afterFailure(ctx context.Context, rec model.AnchorRecord) {
	a.metrics.AnchorTransitions.WithLabelValues(string(model.AnchorFailed)).Inc()
	switch {
	case rec.NeedsReview:
		a.logger.Error("anchor needs manual review", "anchor_id", rec.ID, "error", rec.LastError)
		a.alert(ctx, event.AlertAnchorReview, rec, "anchor transaction rejected and will not be retried")
	case rec.Terminal:
		a.logger.Error("anchor retries exhausted", "anchor_id", rec.ID, "retries", rec.Retries, "error", rec.LastError)
		a.alert(ctx, event.AlertAnchorTerminal, rec, "anchor retries exhausted")
	default:
		a.logger.Warn("anchor submission failed, will retry", "anchor_id", rec.ID, "retries", rec.Retries, "error", rec.LastError)
	}
}

func (a *Anchorer) alert(ctx context.Context, kind event.AlertKind, rec model.AnchorRecord, msg string) {
	err := a.pub.PublishOperatorAlert(ctx, event.Alert{
		Kind:     kind,
		Severity: model.SeverityCritical,
		Subject:  rec.ID,
		Message:  msg,
		Details: map[string]string{
			"hash":      rec.Hash,
			"subjectId": rec.SubjectID,
			"txHash":    rec.TxHash,
			"retries":   strconv.Itoa(rec.Retries),
			"lastError": rec.LastError,
		},
		RaisedAt: a.now(),
	})
	if err != nil {
		a.logger.Error("failed to publish anchor alert", "anchor_id", rec.ID, "kind", kind, "error", err)
	}
}

// PollConfirmations checks pending records against the chain head. Records
// are examined in parallel; a failure on one never stops the others. Every
// transition is conditional on the record still being pending, so
// overlapping cycles are harmless.
func (a *Anchorer) PollConfirmations(ctx context.Context) error {
	ctx, span := otel.Tracer("admission").Start(ctx, "anchor.PollConfirmations")
	defer span.End()

	pending, err := a.store.ListAnchors(ctx, model.AnchorPending, a.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("listing pending anchors: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetching chain head: %w", err)
	}
	span.SetAttributes(attribute.Int("anchors.pending", len(pending)), attribute.Int64("chain.head", int64(head)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.PollParallelism)
	for _, rec := range pending {
		rec := rec
		g.Go(func() error {
			if err := a.pollOne(gctx, rec, head); err != nil {
				a.logger.Warn("anchor poll failed", "anchor_id", rec.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Anchorer) pollOne(ctx context.Context, rec model.AnchorRecord, head uint64) error {
	now := a.now()
	if rec.TxHash == "" {
		return a.fail(ctx, rec, errors.New("pending anchor has no transaction"))
	}
	txHash := common.HexToHash(rec.TxHash)

	receipt, err := a.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		age := now.Sub(rec.SubmittedAt)
		_, _, terr := a.client.TransactionByHash(ctx, txHash)
		switch {
		case errors.Is(terr, ethereum.NotFound) && age > a.opts.DropTimeout:
			return a.fail(ctx, rec, errors.New("transaction dropped from mempool"))
		case terr != nil && !errors.Is(terr, ethereum.NotFound):
			return terr
		case age > a.opts.ConfirmTimeout:
			return a.fail(ctx, rec, fmt.Errorf("transaction not mined within %s", a.opts.ConfirmTimeout))
		}
		return nil
	}
	if err != nil {
		return err
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return a.fail(ctx, rec, errors.New("execution reverted"))
	}

	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}

	next := rec
	next.Confirmations = confirmations
	next.BlockNumber = &block
	next.UpdatedAt = now
	if confirmations < a.opts.Confirmations {
		if confirmations == rec.Confirmations {
			return nil
		}
		return a.ignoreLost(a.store.UpdateAnchor(ctx, next, model.AnchorPending, rec.Retries))
	}

	header, err := a.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return fmt.Errorf("fetching block header: %w", err)
	}
	blockTime := time.Unix(int64(header.Time), 0).UTC()
	next.BlockTime = &blockTime
	next.Status = model.AnchorConfirmed
	next.ConfirmedAt = &now
	next.NextRetryAt = nil
	next.LastError = ""
	if err := a.store.UpdateAnchor(ctx, next, model.AnchorPending, rec.Retries); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return nil
		}
		return err
	}
	a.metrics.AnchorTransitions.WithLabelValues(string(model.AnchorConfirmed)).Inc()
	a.logger.Info("anchor confirmed", "anchor_id", rec.ID, "block", block, "confirmations", confirmations)
	if err := a.pub.PublishAnchorConfirmed(ctx, next); err != nil {
		a.logger.Warn("failed to publish anchor confirmation", "anchor_id", rec.ID, "error", err)
	}
	return nil
}

// fail transitions a pending record to failed.
func (a *Anchorer) fail(ctx context.Context, rec model.AnchorRecord, cause error) error {
	next := rec
	a.markFailed(&next, cause)
	if err := a.store.UpdateAnchor(ctx, next, model.AnchorPending, rec.Retries); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return nil
		}
		return err
	}
	a.afterFailure(ctx, next)
	return nil
}

// RetryFailed resubmits failed records that are due. Records flagged for
// review are never retried, and a record is never resubmitted more than
// MaxRetries times; exhausting the retries marks it terminal and alerts
// operators.
func (a *Anchorer) RetryFailed(ctx context.Context) error {
	ctx, span := otel.Tracer("admission").Start(ctx, "anchor.RetryFailed")
	defer span.End()

	failed, err := a.store.ListAnchors(ctx, model.AnchorFailed, a.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("listing failed anchors: %w", err)
	}
	for _, rec := range failed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rec.NeedsReview || rec.Terminal {
			continue
		}
		if rec.NextRetryAt != nil && a.now().Before(*rec.NextRetryAt) {
			continue
		}
		if err := a.retryOne(ctx, rec); err != nil {
			a.logger.Warn("anchor retry failed", "anchor_id", rec.ID, "error", err)
		}
	}
	return nil
}

func (a *Anchorer) retryOne(ctx context.Context, rec model.AnchorRecord) error {
	if rec.Retries >= a.opts.MaxRetries {
		next := rec
		next.Terminal = true
		next.NextRetryAt = nil
		next.UpdatedAt = a.now()
		if err := a.store.UpdateAnchor(ctx, next, model.AnchorFailed, rec.Retries); err != nil {
			if errors.Is(err, storage.ErrStateConflict) {
				return nil
			}
			return err
		}
		a.afterFailure(ctx, next)
		return nil
	}

	// A transaction that timed out may still have been mined.
	if rec.TxHash != "" {
		if _, err := a.client.TransactionReceipt(ctx, common.HexToHash(rec.TxHash)); err == nil {
			next := rec
			next.Status = model.AnchorPending
			next.NextRetryAt = nil
			next.UpdatedAt = a.now()
			return a.ignoreLost(a.store.UpdateAnchor(ctx, next, model.AnchorFailed, rec.Retries))
		}
	}

	// A transaction still known to the node keeps its nonce, so the bumped
	// resubmission replaces it instead of queueing behind it. A new nonce is
	// taken only once the node has forgotten the old transaction.
	var replace *replacement
	if rec.TxHash != "" {
		_, _, err := a.client.TransactionByHash(ctx, common.HexToHash(rec.TxHash))
		switch {
		case err == nil:
			replace = &replacement{nonce: rec.Nonce}
			if p, ok := new(big.Int).SetString(rec.GasPrice, 10); ok {
				replace.gasPrice = p
			}
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("looking up previous transaction: %w", err)
		}
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, a.opts.SubmitTimeout)
	defer cancel()

	next := rec
	next.Retries = rec.Retries + 1
	stx, err := a.buildTx(sendCtx, rec.Hash, next.Retries, replace)
	if err != nil {
		a.markFailed(&next, err)
		if uerr := a.store.UpdateAnchor(ctx, next, model.AnchorFailed, rec.Retries); uerr != nil {
			return a.ignoreLost(uerr)
		}
		a.afterFailure(ctx, next)
		return nil
	}

	now := a.now()
	next.Status = model.AnchorPending
	next.TxHash = stx.tx.Hash().Hex()
	next.Nonce = stx.nonce
	next.GasPrice = stx.gasPrice.String()
	next.SubmittedAt = now
	next.UpdatedAt = now
	next.NextRetryAt = nil
	next.LastError = ""
	next.Confirmations = 0
	next.BlockNumber = nil
	// Claim the retry before sending so an overlapping cycle cannot resend.
	if err := a.store.UpdateAnchor(ctx, next, model.AnchorFailed, rec.Retries); err != nil {
		return a.ignoreLost(err)
	}
	a.metrics.AnchorTransitions.WithLabelValues(string(model.AnchorPending)).Inc()

	if err := a.client.SendTransaction(sendCtx, stx.tx); err != nil {
		failed := next
		if replace != nil {
			// The replaced transaction is still the one in flight.
			failed.TxHash, failed.Nonce, failed.GasPrice = rec.TxHash, rec.Nonce, rec.GasPrice
		}
		a.markFailed(&failed, err)
		if uerr := a.store.UpdateAnchor(ctx, failed, model.AnchorPending, next.Retries); uerr != nil {
			return a.ignoreLost(uerr)
		}
		a.afterFailure(ctx, failed)
		return nil
	}
	a.logger.Info("anchor resubmitted", "anchor_id", rec.ID, "retries", next.Retries, "tx_hash", next.TxHash, "gas_price", next.GasPrice)
	return nil
}

func (a *Anchorer) ignoreLost(err error) error {
	if errors.Is(err, storage.ErrStateConflict) {
		return nil
	}
	return err
}
