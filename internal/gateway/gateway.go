// Package gateway defines the escrow-contract collaborator: five opaque
// operations against one escrow artifact. Script construction and witness
// verification live behind this interface; the orchestrator only proposes
// transitions and the ledger decides the single winner.
package gateway

import (
	"context"
	"time"

	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// ContractGateway creates and closes escrow contracts. Create returns an
// opaque contract reference; the closing operations return the ledger
// transaction that consumed the contract output. For any open contract
// exactly one closing operation ever succeeds.
type ContractGateway interface {
	Create(ctx context.Context, src, dst string, amount int64, condition string, expiresAt time.Time, metadata []byte) (string, error)
	Fulfill(ctx context.Context, ref, preimage string, destKey ledger.DestinationKey) (*ledger.Transaction, error)
	Reject(ctx context.Context, ref string, destKey ledger.DestinationKey, reason *transfer.RejectionReason) (*ledger.Transaction, error)
	Timeout(ctx context.Context, ref string) (*ledger.Transaction, error)
	Verify(ctx context.Context, ref string, expect ledger.OutputExpectation) error
}

// BalanceQuerier reads the spendable balance of a ledger address.
type BalanceQuerier interface {
	Balance(ctx context.Context, addr string) (int64, error)
}
