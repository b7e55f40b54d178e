package gateway

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/retry"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

var (
	ErrInvalidPrivateKey = errors.New("gateway: invalid private key")
	ErrRPCConnection     = errors.New("gateway: RPC connection failed")
	ErrTransactionFailed = errors.New("gateway: transaction reverted")
	ErrTimeout           = errors.New("gateway: confirmation timed out")
)

// CallError wraps contract call failures with the operation and tx hash.
type CallError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("gateway: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("gateway: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Minimal HTLC escrow ABI: lock/fulfill/reject/refund plus the locks view.
// State codes: 0 none, 1 open, 2 fulfilled, 3 rejected, 4 refunded.
const htlcABI = `[
	{"constant":false,"inputs":[{"name":"ref","type":"bytes32"},{"name":"destKey","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"metadata","type":"bytes"}],"name":"lock","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"ref","type":"bytes32"},{"name":"preimage","type":"bytes32"},{"name":"destNonce","type":"bytes32"}],"name":"fulfill","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"ref","type":"bytes32"},{"name":"destNonce","type":"bytes32"},{"name":"reason","type":"bytes"}],"name":"reject","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"ref","type":"bytes32"}],"name":"refund","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"ref","type":"bytes32"}],"name":"locks","outputs":[{"name":"sender","type":"address"},{"name":"destKey","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}],"type":"function"}
]`

const (
	// DefaultGasLimit for HTLC operations when estimation fails.
	DefaultGasLimit = uint64(250000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// receiptPollBase is the initial backoff between receipt checks.
	receiptPollBase = 500 * time.Millisecond
)

// EVMConfig configures the EVM HTLC gateway.
type EVMConfig struct {
	RPCURL     string
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
	Contract   string // HTLC contract address
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVMOption configures the gateway.
type EVMOption func(*EVM)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) EVMOption {
	return func(g *EVM) {
		g.client = client
	}
}

// EVM drives an HTLC escrow contract on an EVM chain. It satisfies
// ContractGateway; the matching query side for EVM deployments is an
// external indexer, so tests and demo mode pair the memory ledger's
// gateway with its own query client instead.
type EVM struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

var _ ContractGateway = (*EVM)(nil)

// NewEVM creates an EVM HTLC gateway.
func NewEVM(cfg EVMConfig, opts ...EVMOption) (*EVM, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("gateway: chain ID required")
	}
	if cfg.Contract == "" {
		return nil, errors.New("gateway: HTLC contract address required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse HTLC ABI: %w", err)
	}

	g := &EVM{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsedABI,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

// Create locks funds into the HTLC contract. The contract reference is
// derived from the transfer metadata so any party holding the Transfer
// can address the same lock.
func (g *EVM) Create(ctx context.Context, src, dst string, amount int64, condition string, expiresAt time.Time, metadata []byte) (string, error) {
	env, err := transfer.UnmarshalMetadata(metadata)
	if err != nil {
		return "", fmt.Errorf("gateway: bad contract metadata: %w", err)
	}
	ref := refForTransfer(env.Transfer.ID)

	hashlock, err := bytes32FromHex(condition)
	if err != nil {
		return "", fmt.Errorf("gateway: bad condition: %w", err)
	}
	destKey, err := bytes32FromHex(dst)
	if err != nil {
		return "", fmt.Errorf("gateway: bad destination key: %w", err)
	}

	data, err := g.abi.Pack("lock", ref, destKey, big.NewInt(amount), hashlock,
		big.NewInt(expiresAt.Unix()), metadata)
	if err != nil {
		return "", &CallError{Op: "lock", Err: err}
	}

	tx, err := g.submit(ctx, "lock", data)
	if err != nil {
		return "", err
	}
	if _, err := g.waitReceipt(ctx, "lock", tx.Hash()); err != nil {
		return "", err
	}
	return hex.EncodeToString(ref[:]), nil
}

// Fulfill presents the preimage and destination derivation to the contract.
func (g *EVM) Fulfill(ctx context.Context, ref, preimage string, destKey ledger.DestinationKey) (*ledger.Transaction, error) {
	refB, err := bytes32FromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("gateway: bad contract ref: %w", err)
	}
	preB, err := bytes32FromHex(preimage)
	if err != nil {
		return nil, fmt.Errorf("gateway: bad preimage: %w", err)
	}
	nonceB := nonceBytes(destKey.Nonce)

	data, err := g.abi.Pack("fulfill", refB, preB, nonceB)
	if err != nil {
		return nil, &CallError{Op: "fulfill", Err: err}
	}
	return g.close(ctx, "fulfill", ref, data, &ledger.Witness{
		Close:    ledger.CloseFulfill,
		Preimage: preimage,
	})
}

// Reject presents the destination derivation and a reason payload.
func (g *EVM) Reject(ctx context.Context, ref string, destKey ledger.DestinationKey, reason *transfer.RejectionReason) (*ledger.Transaction, error) {
	refB, err := bytes32FromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("gateway: bad contract ref: %w", err)
	}
	reasonJSON, err := reasonPayload(reason)
	if err != nil {
		return nil, err
	}

	data, err := g.abi.Pack("reject", refB, nonceBytes(destKey.Nonce), reasonJSON)
	if err != nil {
		return nil, &CallError{Op: "reject", Err: err}
	}
	return g.close(ctx, "reject", ref, data, &ledger.Witness{
		Close:  ledger.CloseReject,
		Reason: reason,
	})
}

// Timeout asks the contract to refund an expired lock.
func (g *EVM) Timeout(ctx context.Context, ref string) (*ledger.Transaction, error) {
	refB, err := bytes32FromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("gateway: bad contract ref: %w", err)
	}
	data, err := g.abi.Pack("refund", refB)
	if err != nil {
		return nil, &CallError{Op: "refund", Err: err}
	}
	return g.close(ctx, "refund", ref, data, &ledger.Witness{Close: ledger.CloseTimeout})
}

// Verify reads the lock back and compares it against the expectation.
func (g *EVM) Verify(ctx context.Context, ref string, expect ledger.OutputExpectation) error {
	refB, err := bytes32FromHex(ref)
	if err != nil {
		return fmt.Errorf("gateway: bad contract ref: %w", err)
	}
	data, err := g.abi.Pack("locks", refB)
	if err != nil {
		return &CallError{Op: "locks", Err: err}
	}

	result, err := g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &g.contract,
		Data: data,
	}, nil)
	if err != nil {
		return &CallError{Op: "locks", Err: err}
	}

	vals, err := g.abi.Unpack("locks", result)
	if err != nil || len(vals) < 6 {
		return &CallError{Op: "locks", Err: fmt.Errorf("unpack: %v", err)}
	}

	amount, _ := vals[2].(*big.Int)
	hashlock, _ := vals[3].([32]byte)
	timelock, _ := vals[4].(*big.Int)
	state, _ := vals[5].(uint8)

	if state == 0 {
		return ledger.ErrOutputNotFound
	}
	if amount == nil || amount.Int64() != expect.Amount {
		return fmt.Errorf("gateway: locked amount mismatch")
	}
	if hex.EncodeToString(hashlock[:]) != expect.Condition {
		return fmt.Errorf("gateway: hashlock mismatch")
	}
	if timelock == nil || timelock.Int64() != expect.ExpiresAt.Unix() {
		return fmt.Errorf("gateway: timelock mismatch")
	}
	return nil
}

// close submits a closing call and synthesizes the consuming transaction.
func (g *EVM) close(ctx context.Context, op, ref string, data []byte, w *ledger.Witness) (*ledger.Transaction, error) {
	tx, err := g.submit(ctx, op, data)
	if err != nil {
		return nil, err
	}
	receipt, err := g.waitReceipt(ctx, op, tx.Hash())
	if err != nil {
		return nil, err
	}
	return &ledger.Transaction{
		ID:        receipt.TxHash.Hex(),
		Timestamp: time.Now().UTC(),
		Inputs:    []ledger.Input{{SpentOutputID: ref, Witness: w}},
	}, nil
}

func (g *EVM) submit(ctx context.Context, op string, data []byte) (*types.Transaction, error) {
	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From: g.address,
		To:   &g.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &CallError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx, nil
}

// waitReceipt polls for the transaction receipt with backoff. A missing
// receipt is transient; a reverted receipt is permanent.
func (g *EVM) waitReceipt(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	var receipt *types.Receipt
	err := retry.Do(ctx, 10, receiptPollBase, func() error {
		r, err := g.client.TransactionReceipt(ctx, hash)
		if err != nil {
			return err // not yet mined
		}
		if r.Status == 0 {
			return retry.Permanent(&CallError{Op: op, TxHash: hash.Hex(), Err: ErrTransactionFailed})
		}
		receipt = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
		}
		return nil, err
	}
	return receipt, nil
}

// Close closes the underlying client connection.
func (g *EVM) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// refForTransfer derives the contract reference from the transfer id.
func refForTransfer(transferID string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte("ledgerlink/htlc|" + transferID)))
}

func bytes32FromHex(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func nonceBytes(nonce string) [32]byte {
	var out [32]byte
	raw, err := hex.DecodeString(nonce)
	if err != nil {
		copy(out[:], nonce)
		return out
	}
	copy(out[:], raw)
	return out
}

func reasonPayload(reason *transfer.RejectionReason) ([]byte, error) {
	if reason == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(reason)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal rejection reason: %w", err)
	}
	return data, nil
}
