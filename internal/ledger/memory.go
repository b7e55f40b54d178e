package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/ledgerlink/internal/idgen"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// Memory is an in-memory escrow ledger for tests and demo mode. It
// implements both the contract gateway and the query client.
//
// Closing is single-winner: all closes run under one lock and the first
// witness to spend an output wins; every later attempt fails with
// ErrOutputSpent regardless of which party proposed it.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	outputs  map[string]*Output
	spentBy  map[string]string // output id -> spending tx id
	txs      []*Transaction
	txByID   map[string]*Transaction
	byXferID map[string]string // transfer id -> output id
	assetID  string
}

// NewMemory creates an empty in-memory ledger for one asset.
func NewMemory(assetID string) *Memory {
	return &Memory{
		balances: make(map[string]int64),
		outputs:  make(map[string]*Output),
		spentBy:  make(map[string]string),
		txByID:   make(map[string]*Transaction),
		byXferID: make(map[string]string),
		assetID:  assetID,
	}
}

// Fund credits an address with spendable balance.
func (m *Memory) Fund(addr string, amount int64) {
	m.mu.Lock()
	m.balances[addr] += amount
	m.mu.Unlock()
}

// Balance returns the spendable balance of an address.
func (m *Memory) Balance(ctx context.Context, addr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr], nil
}

// Create locks amount from src into a new escrow output and returns the
// output id as the contract reference.
func (m *Memory) Create(ctx context.Context, src, dst string, amount int64, condition string, expiresAt time.Time, metadata []byte) (string, error) {
	env, err := transfer.UnmarshalMetadata(metadata)
	if err != nil {
		return "", fmt.Errorf("ledger: bad contract metadata: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The ledger enforces transfer-id uniqueness: at most one contract is
	// ever created for an id, even when two parties race past the
	// orchestrator's best-effort lookup.
	if _, ok := m.byXferID[env.Transfer.ID]; ok {
		return "", fmt.Errorf("ledger: contract exists for transfer %s: %w",
			env.Transfer.ID, transfer.ErrDuplicateTransfer)
	}
	if m.balances[src] < amount {
		return "", fmt.Errorf("ledger: balance %d below %d: %w",
			m.balances[src], amount, transfer.ErrInsufficientFunds)
	}
	m.balances[src] -= amount

	tx := &Transaction{
		ID:        idgen.WithPrefix("tx_"),
		Timestamp: time.Now(),
	}
	out := Output{
		ID:        idgen.WithPrefix("out_"),
		TxID:      tx.ID,
		AssetID:   m.assetID,
		Amount:    amount,
		Condition: condition,
		SourceKey: src,
		DestKey:   dst,
		ExpiresAt: expiresAt,
		Metadata:  metadata,
	}
	tx.Outputs = append(tx.Outputs, out)

	m.appendTx(tx)
	m.outputs[out.ID] = &out
	m.byXferID[env.Transfer.ID] = out.ID
	return out.ID, nil
}

// Fulfill spends the contract output with a fulfill witness, crediting the
// transfer's destination. The preimage must hash to the stored condition
// and the destination key must match the original derivation.
func (m *Memory) Fulfill(ctx context.Context, ref, preimage string, destKey DestinationKey) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.openOutput(ref)
	if err != nil {
		return nil, err
	}
	if !transfer.VerifyPreimage(out.Condition, preimage) {
		return nil, fmt.Errorf("%w: preimage does not hash to condition", ErrBadWitness)
	}
	if destKey.Key != out.DestKey {
		return nil, fmt.Errorf("%w: destination key mismatch", ErrBadWitness)
	}

	tx := m.spend(out, &Witness{Close: CloseFulfill, Preimage: preimage})
	if env, err := transfer.UnmarshalMetadata(out.Metadata); err == nil {
		m.balances[env.Transfer.To] += out.Amount
	}
	return copyTx(tx), nil
}

// Reject spends the contract output with a reject witness, returning the
// locked funds to the source. Only the destination may reject.
func (m *Memory) Reject(ctx context.Context, ref string, destKey DestinationKey, reason *transfer.RejectionReason) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.openOutput(ref)
	if err != nil {
		return nil, err
	}
	if destKey.Key != out.DestKey {
		return nil, fmt.Errorf("%w: destination key mismatch", ErrBadWitness)
	}

	tx := m.spend(out, &Witness{Close: CloseReject, Reason: reason})
	m.balances[out.SourceKey] += out.Amount
	return copyTx(tx), nil
}

// Timeout spends the contract output with a timeout witness once the
// timelock has expired, returning the locked funds to the source. Any
// party may call it.
func (m *Memory) Timeout(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.openOutput(ref)
	if err != nil {
		return nil, err
	}
	if time.Now().Before(out.ExpiresAt) {
		return nil, fmt.Errorf("%w: expires at %s", ErrTimelockActive, out.ExpiresAt.Format(time.RFC3339))
	}

	tx := m.spend(out, &Witness{Close: CloseTimeout})
	m.balances[out.SourceKey] += out.Amount
	return copyTx(tx), nil
}

// Verify checks the contract output against the expected escrow invariants.
func (m *Memory) Verify(ctx context.Context, ref string, expect OutputExpectation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outputs[ref]
	if !ok {
		return ErrOutputNotFound
	}
	if out.AssetID != expect.AssetID {
		return fmt.Errorf("ledger: asset %s, expected %s", out.AssetID, expect.AssetID)
	}
	if out.Amount != expect.Amount {
		return fmt.Errorf("ledger: amount %d, expected %d", out.Amount, expect.Amount)
	}
	if out.Condition != expect.Condition {
		return fmt.Errorf("ledger: condition mismatch")
	}
	if out.DestKey != expect.DestKey {
		return fmt.Errorf("ledger: destination key mismatch")
	}
	if !out.ExpiresAt.Equal(expect.ExpiresAt) {
		return fmt.Errorf("ledger: expiry %s, expected %s",
			out.ExpiresAt.Format(time.RFC3339Nano), expect.ExpiresAt.Format(time.RFC3339Nano))
	}
	return nil
}

// ListTransactions implements QueryClient.
func (m *Memory) ListTransactions(ctx context.Context, assetID string, since, until time.Time, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("ledger: bad cursor %q: %w", cursor, err)
		}
		start = n
	}

	var page []*Transaction
	for i := start; i < len(m.txs); i++ {
		tx := m.txs[i]
		if tx.Timestamp.Before(since) || !tx.Timestamp.Before(until) {
			continue
		}
		if assetID != "" && assetID != m.assetID {
			continue
		}
		page = append(page, copyTx(tx))
		if len(page) >= limit {
			if i+1 < len(m.txs) {
				return page, strconv.Itoa(i + 1), nil
			}
			break
		}
	}
	return page, "", nil
}

// FindOutputByTransferID implements QueryClient.
func (m *Memory) FindOutputByTransferID(ctx context.Context, transferID string) (*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byXferID[transferID]
	if !ok {
		return nil, ErrOutputNotFound
	}
	cp := *m.outputs[id]
	return &cp, nil
}

// GetOutput implements QueryClient.
func (m *Memory) GetOutput(ctx context.Context, outputID string) (*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outputs[outputID]
	if !ok {
		return nil, ErrOutputNotFound
	}
	cp := *out
	return &cp, nil
}

// FindSpendingTransaction implements QueryClient.
func (m *Memory) FindSpendingTransaction(ctx context.Context, outputID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txID, ok := m.spentBy[outputID]
	if !ok {
		return nil, ErrOutputNotFound
	}
	return copyTx(m.txByID[txID]), nil
}

// openOutput returns the output for ref if it exists and is unspent.
// Callers must hold m.mu.
func (m *Memory) openOutput(ref string) (*Output, error) {
	out, ok := m.outputs[ref]
	if !ok {
		return nil, ErrOutputNotFound
	}
	if _, spent := m.spentBy[out.ID]; spent {
		return nil, ErrOutputSpent
	}
	return out, nil
}

// spend records a closing transaction for out. Callers must hold m.mu.
func (m *Memory) spend(out *Output, w *Witness) *Transaction {
	tx := &Transaction{
		ID:        idgen.WithPrefix("tx_"),
		Timestamp: time.Now(),
		Inputs:    []Input{{SpentOutputID: out.ID, Witness: w}},
	}
	m.appendTx(tx)
	m.spentBy[out.ID] = tx.ID
	return tx
}

func (m *Memory) appendTx(tx *Transaction) {
	m.txs = append(m.txs, tx)
	m.txByID[tx.ID] = tx
}

func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	cp.Inputs = append([]Input(nil), tx.Inputs...)
	cp.Outputs = append([]Output(nil), tx.Outputs...)
	return &cp
}
