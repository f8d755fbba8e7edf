package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of the EVM JSON-RPC API used for anchoring.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// anchorGasLimit covers a plain value-less transfer carrying 32 bytes of calldata.
const anchorGasLimit = 30000

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain rpc: %w", err)
	}
	return c, nil
}

// ParseKey parses a hex encoded secp256k1 private key, with or without 0x.
func ParseKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signer key: %w", err)
	}
	return key, nil
}

// gasPriceFor returns suggested * ((100+bump)/100)^retries using integer math.
func gasPriceFor(suggested *big.Int, retries int, bumpPercent int64) *big.Int {
	price := new(big.Int).Set(suggested)
	num := big.NewInt(100 + bumpPercent)
	den := big.NewInt(100)
	for i := 0; i < retries; i++ {
		price.Mul(price, num)
		price.Div(price, den)
	}
	return price
}

// calldata decodes the hex content hash into the transaction payload.
func calldata(hash string) ([]byte, error) {
	b, err := hex.DecodeString(hash)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("anchor hash must be 32 bytes of hex")
	}
	return b, nil
}

// nonRetryable lists node error fragments caused by the transaction itself.
// Resending the same call cannot succeed, so these are flagged for review.
var nonRetryable = []string{
	"execution reverted",
	"invalid opcode",
	"intrinsic gas too low",
	"gas required exceeds allowance",
	"invalid sender",
	"exceeds block gas limit",
}

// retryable reports whether a submission error is transient: network
// failures, timeouts, underpriced or dropped transactions.
func retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryable {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	return true
}

// signedTx is a signed transaction ready to send.
type signedTx struct {
	tx       *types.Transaction
	nonce    uint64
	gasPrice *big.Int
}

// replacement identifies a transaction still in the mempool that a
// resubmission must supersede.
type replacement struct {
	nonce    uint64
	gasPrice *big.Int // Price of the transaction being replaced
}

// buildTx assigns a nonce and gas price and signs a transaction carrying hash.
// A non-nil replace reuses its nonce and prices the transaction at least one
// bump above it; otherwise the account's pending nonce is taken. Callers hold
// sendMu until the transaction has been sent so that two submissions never
// read the same pending nonce.
func (a *Anchorer) buildTx(ctx context.Context, hash string, retries int, replace *replacement) (*signedTx, error) {
	data, err := calldata(hash)
	if err != nil {
		return nil, err
	}
	chainID, err := a.chainID(ctx)
	if err != nil {
		return nil, err
	}
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price: %w", err)
	}
	gasPrice := gasPriceFor(suggested, retries, a.opts.GasBumpPercent)

	var nonce uint64
	if replace != nil {
		nonce = replace.nonce
		if replace.gasPrice != nil {
			if floor := gasPriceFor(replace.gasPrice, 1, a.opts.GasBumpPercent); gasPrice.Cmp(floor) < 0 {
				gasPrice = floor
			}
		}
	} else {
		nonce, err = a.client.PendingNonceAt(ctx, a.from)
		if err != nil {
			return nil, fmt.Errorf("fetching nonce: %w", err)
		}
	}

	to := a.opts.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      anchorGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("signing anchor transaction: %w", err)
	}
	return &signedTx{tx: signed, nonce: nonce, gasPrice: gasPrice}, nil
}

func (a *Anchorer) chainID(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.cachedChainID != nil {
		return a.cachedChainID, nil
	}
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	a.cachedChainID = id
	return id, nil
}
