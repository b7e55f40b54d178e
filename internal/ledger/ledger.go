// Package ledger defines the escrow-capable ledger data model and the
// query client used by the reconciler, plus an in-memory ledger used by
// tests and demo mode.
//
// The ledger owns all escrow contract state. A contract is an unspent
// output carrying a condition, a one-time destination key, an expiry, and
// the serialized Transfer as metadata; closing it means spending the
// output with a witness naming exactly one of fulfill, reject, or
// timeout. This package only models that state; proposing transitions is
// the orchestrator's job.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/ledgerlink/internal/transfer"
)

var (
	ErrOutputNotFound = errors.New("ledger: output not found")
	ErrOutputSpent    = errors.New("ledger: output already spent")
	ErrTimelockActive = errors.New("ledger: timelock has not expired")
	ErrBadWitness     = errors.New("ledger: witness rejected")
)

// CloseAction is the terminal marker a closing witness exercises.
type CloseAction string

const (
	CloseFulfill CloseAction = "fulfill"
	CloseReject  CloseAction = "reject"
	CloseTimeout CloseAction = "timeout"
)

// Witness authorizes consumption of a locked output and encodes which
// closing action is exercised.
type Witness struct {
	Close    CloseAction               `json:"close"`
	Preimage string                    `json:"preimage,omitempty"`
	Reason   *transfer.RejectionReason `json:"reason,omitempty"`
}

// Input is a consumed output reference plus its witness.
type Input struct {
	SpentOutputID string   `json:"spentOutputId"`
	Witness       *Witness `json:"witness,omitempty"`
}

// Output is a produced ledger output. Escrow outputs carry a condition,
// a one-time destination key, an expiry, and transfer metadata.
type Output struct {
	ID        string    `json:"id"`
	TxID      string    `json:"txId"`
	AssetID   string    `json:"assetId"`
	Amount    int64     `json:"amount"`
	Condition string    `json:"condition,omitempty"`
	SourceKey string    `json:"sourceKey"`
	DestKey   string    `json:"destKey,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Metadata  []byte    `json:"metadata,omitempty"`
}

// Transaction is a raw ledger transaction observed in a polling window.
type Transaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Inputs    []Input   `json:"inputs,omitempty"`
	Outputs   []Output  `json:"outputs,omitempty"`
}

// DestinationKey is a one-time unlinkable destination derivation. The
// nonce travels in contract metadata so the receiver can re-derive Key.
type DestinationKey struct {
	Key   string `json:"key"`
	Nonce string `json:"nonce"`
}

// OutputExpectation is the set of invariants Verify checks a contract
// output against.
type OutputExpectation struct {
	AssetID   string
	Amount    int64
	Condition string
	DestKey   string
	ExpiresAt time.Time
}

// QueryClient is the read-side ledger collaborator: paged search of
// transactions and lookup of outputs by embedded transfer id or by the
// transaction that consumed them.
type QueryClient interface {
	// ListTransactions returns transactions touching assetID with
	// timestamps in [since, until), paged by cursor. An empty next cursor
	// means the page was the last.
	ListTransactions(ctx context.Context, assetID string, since, until time.Time, cursor string, limit int) ([]*Transaction, string, error)

	// FindOutputByTransferID finds the escrow output whose metadata embeds
	// the given transfer id. ErrOutputNotFound if none exists.
	FindOutputByTransferID(ctx context.Context, transferID string) (*Output, error)

	// GetOutput returns an output by id. ErrOutputNotFound if unknown.
	GetOutput(ctx context.Context, outputID string) (*Output, error)

	// FindSpendingTransaction returns the transaction that consumed the
	// given output. ErrOutputNotFound if the output is unknown or still
	// unspent.
	FindSpendingTransaction(ctx context.Context, outputID string) (*Transaction, error)
}
