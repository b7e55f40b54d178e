// Package orchestrator issues escrow contract operations for the transfer
// lifecycle and enforces the duplicate and expiry policy.
//
// Every operation resolves on proposal acceptance only: the ledger-
// confirmed outcome surfaces later as an asynchronous reconciliation
// event, never as the call's result. Cross-party races (a timer firing
// against a concurrent fulfillment) are resolved entirely by the
// gateway's single-winner semantics; the losing call fails and is logged,
// never retried.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ledgerlink/internal/gateway"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/metrics"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/traces"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// DefaultExpiryGrace is added to a transfer's expiry before the local
// timeout attempt, tolerating clock skew between us and the ledger.
const DefaultExpiryGrace = 5 * time.Second

// expireCallTimeout bounds the gateway call made by a firing watcher.
const expireCallTimeout = 30 * time.Second

// Orchestrator proposes contract transitions against the gateway and owns
// the expiry watchers for outgoing transfers.
type Orchestrator struct {
	gw       gateway.ContractGateway
	query    ledger.QueryClient
	identity *session.Identity
	logger   *slog.Logger
	grace    time.Duration
	watchers *watcherArena
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithExpiryGrace overrides the expiry grace period.
func WithExpiryGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.grace = d
	}
}

// New creates an orchestrator bound to one session identity.
func New(gw gateway.ContractGateway, query ledger.QueryClient, identity *session.Identity, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:       gw,
		query:    query,
		identity: identity,
		logger:   logger,
		grace:    DefaultExpiryGrace,
		watchers: newWatcherArena(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send proposes creation of an escrow contract for an outgoing transfer
// and arms its expiry watcher. Failures are terminal; the caller must not
// retry with the same id unless the error is ErrDuplicateTransfer and the
// duplicate is genuinely someone else's contract.
func (o *Orchestrator) Send(ctx context.Context, t *transfer.Transfer) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.send", traces.TransferID(t.ID))
	defer span.End()

	if t.ID == "" {
		return fmt.Errorf("%w: transfer id required", transfer.ErrContractCreation)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", transfer.ErrContractCreation, t.Amount)
	}
	if !t.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: expiresAt is in the past", transfer.ErrContractCreation)
	}
	if err := transfer.ValidateCondition(t.ExecutionCondition); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrContractCreation, err)
	}

	// Best-effort duplicate lookup. Not atomic with creation: two racing
	// sends can both pass this check, and the ledger's id uniqueness then
	// picks the single winner.
	if _, err := o.query.FindOutputByTransferID(ctx, t.ID); err == nil {
		return fmt.Errorf("contract exists for %s: %w", t.ID, transfer.ErrDuplicateTransfer)
	} else if !errors.Is(err, ledger.ErrOutputNotFound) {
		return fmt.Errorf("%w: duplicate lookup: %v", transfer.ErrContractCreation, err)
	}

	destKey := session.NewDestination(t.To)

	meta := *t
	meta.Direction = "" // direction is derived by each observer
	metadata, err := transfer.MarshalMetadata(&transfer.Envelope{
		Transfer:  &meta,
		DestNonce: destKey.Nonce,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrContractCreation, err)
	}

	ref, err := o.gw.Create(ctx, o.identity.Address, destKey.Key, t.Amount,
		t.ExecutionCondition, t.ExpiresAt, metadata)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrDuplicateTransfer),
			errors.Is(err, transfer.ErrInsufficientFunds):
			return err
		default:
			return fmt.Errorf("%w: %v", transfer.ErrContractCreation, err)
		}
	}
	metrics.ContractsCreatedTotal.Inc()

	o.logger.Info("contract created",
		"transferId", t.ID, "ref", ref, "amount", t.Amount,
		"expiresAt", t.ExpiresAt)

	o.watchers.Arm(t.ID, t.ExpiresAt.Add(o.grace), func() {
		o.expire(t.ID, ref)
	})
	return nil
}

// Fulfill proposes the fulfill action for a still-open incoming transfer.
// The returned nil conveys only acceptance of the proposal, not ledger
// confirmation.
func (o *Orchestrator) Fulfill(ctx context.Context, id, preimage string) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.fulfill", traces.TransferID(id))
	defer span.End()

	out, env, err := o.openContract(ctx, id)
	if err != nil {
		return err
	}

	destKey := session.DeriveDestination(env.Transfer.To, env.DestNonce)
	if _, err := o.gw.Fulfill(ctx, out.ID, preimage, destKey); err != nil {
		metrics.ContractCloseProposalsTotal.WithLabelValues("fulfill", "error").Inc()
		if errors.Is(err, ledger.ErrOutputSpent) {
			return fmt.Errorf("contract for %s already closed: %w", id, transfer.ErrTransferNotFound)
		}
		return fmt.Errorf("fulfill %s: %w", id, err)
	}
	metrics.ContractCloseProposalsTotal.WithLabelValues("fulfill", "ok").Inc()
	return nil
}

// Reject proposes the reject action for a still-open incoming transfer.
func (o *Orchestrator) Reject(ctx context.Context, id string, reason *transfer.RejectionReason) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.reject", traces.TransferID(id))
	defer span.End()

	out, env, err := o.openContract(ctx, id)
	if err != nil {
		return err
	}

	if reason == nil {
		reason = &transfer.RejectionReason{Code: "F00", Name: "rejected"}
	}
	if reason.TriggeredBy == "" {
		reason.TriggeredBy = o.identity.Address
	}
	if reason.TriggeredAt.IsZero() {
		reason.TriggeredAt = time.Now().UTC()
	}

	destKey := session.DeriveDestination(env.Transfer.To, env.DestNonce)
	if _, err := o.gw.Reject(ctx, out.ID, destKey, reason); err != nil {
		metrics.ContractCloseProposalsTotal.WithLabelValues("reject", "error").Inc()
		if errors.Is(err, ledger.ErrOutputSpent) {
			return fmt.Errorf("contract for %s already closed: %w", id, transfer.ErrTransferNotFound)
		}
		return fmt.Errorf("reject %s: %w", id, err)
	}
	metrics.ContractCloseProposalsTotal.WithLabelValues("reject", "ok").Inc()
	return nil
}

// QueryFulfillment returns the preimage that closed the contract for id.
// It fails with ErrNotFulfilled when the contract is open or was closed by
// reject or timeout, and ErrTransferNotFound when no contract exists.
func (o *Orchestrator) QueryFulfillment(ctx context.Context, id string) (string, error) {
	out, err := o.query.FindOutputByTransferID(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrOutputNotFound) {
			return "", fmt.Errorf("no contract for %s: %w", id, transfer.ErrTransferNotFound)
		}
		return "", fmt.Errorf("lookup %s: %w", id, err)
	}

	spendTx, err := o.query.FindSpendingTransaction(ctx, out.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrOutputNotFound) {
			return "", fmt.Errorf("contract for %s is still open: %w", id, transfer.ErrNotFulfilled)
		}
		return "", fmt.Errorf("lookup spend of %s: %w", id, err)
	}

	for _, in := range spendTx.Inputs {
		if in.SpentOutputID != out.ID || in.Witness == nil {
			continue
		}
		if in.Witness.Close == ledger.CloseFulfill {
			return in.Witness.Preimage, nil
		}
		return "", fmt.Errorf("contract for %s closed via %s: %w", id, in.Witness.Close, transfer.ErrNotFulfilled)
	}
	return "", fmt.Errorf("no witness found for %s: %w", id, transfer.ErrNotFulfilled)
}

// CancelWatcher discards the expiry watcher for id. The reconciler calls
// this when a closing event for the transfer lands.
func (o *Orchestrator) CancelWatcher(id string) {
	o.watchers.Cancel(id)
}

// Shutdown tears down all expiry watchers. In-flight gateway calls are
// not cancelled.
func (o *Orchestrator) Shutdown() {
	o.watchers.Shutdown()
}

// openContract finds the still-open contract output for a transfer id.
// "Never existed" and "already closed" both surface as
// ErrTransferNotFound.
func (o *Orchestrator) openContract(ctx context.Context, id string) (*ledger.Output, *transfer.Envelope, error) {
	out, err := o.query.FindOutputByTransferID(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrOutputNotFound) {
			return nil, nil, fmt.Errorf("no contract for %s: %w", id, transfer.ErrTransferNotFound)
		}
		return nil, nil, fmt.Errorf("lookup %s: %w", id, err)
	}
	if _, err := o.query.FindSpendingTransaction(ctx, out.ID); err == nil {
		return nil, nil, fmt.Errorf("contract for %s already closed: %w", id, transfer.ErrTransferNotFound)
	}
	env, err := transfer.UnmarshalMetadata(out.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("contract metadata for %s: %w", id, err)
	}
	return out, env, nil
}

// expire is the watcher callback. It re-checks openness (the contract may
// have been fulfilled while the timer was pending) and proposes timeout
// if still open. All failures are logged and swallowed: timeout is an
// optimization, since any party may trigger it past the deadline.
func (o *Orchestrator) expire(id, ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireCallTimeout)
	defer cancel()

	if _, err := o.query.FindSpendingTransaction(ctx, ref); err == nil {
		o.logger.Debug("expiry watcher fired on closed contract", "transferId", id)
		return
	}

	if _, err := o.gw.Timeout(ctx, ref); err != nil {
		metrics.ContractCloseProposalsTotal.WithLabelValues("timeout", "error").Inc()
		// Losing a race against a concurrent fulfill lands here too.
		o.logger.Warn("timeout proposal failed", "transferId", id, "ref", ref, "error", err)
		return
	}
	metrics.ContractCloseProposalsTotal.WithLabelValues("timeout", "ok").Inc()
	o.logger.Info("contract timed out", "transferId", id, "ref", ref)
}
