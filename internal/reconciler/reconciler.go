// Package reconciler polls the ledger and turns raw transactions into
// ordered lifecycle events.
//
// All ledger visibility is polled; there is no push feed. Each tick
// fetches the transactions touching the configured asset in the window
// [previousEndTime, now) and classifies every transaction along two
// independent facets: outputs consumed by it (contracts closing) and
// outputs produced by it (contracts opening, or sentinel messages).
//
// Ticks fire on a fixed cadence and each tick body runs in its own
// goroutine: a slow tick never delays the schedule, and two tick bodies
// may interleave. Event derivation is order-insensitive, and at most one
// prepare plus one closing event is derived per transfer per real ledger
// event within a tick; duplicates across overlapping windows are the
// event consumer's responsibility.
//
// The cursor advances unconditionally, even when a tick fails: a
// transaction visible only inside a failed window never yields its
// prepare event, though its closing event may still surface later. That
// gap is accepted; the cursor store exists for restart continuity, not
// replay.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/metrics"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/traces"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 500 * time.Millisecond

// defaultPageSize bounds one ledger query page.
const defaultPageSize = 100

// MessageSink receives sentinel-conditioned transfers redirected away
// from the prepare path. Implemented by the messaging bridge.
type MessageSink interface {
	DeliverIncoming(ctx context.Context, msg *transfer.Message)
}

// CloseNotifier learns about ledger-confirmed closes so process-local
// state (expiry watchers) can be discarded. Implemented by the
// orchestrator.
type CloseNotifier interface {
	CancelWatcher(id string)
}

// Reconciler is the notification-reconciliation loop.
type Reconciler struct {
	query    ledger.QueryClient
	identity *session.Identity
	bus      *events.Bus
	sink     MessageSink
	notifier CloseNotifier
	cursors  CursorStore
	interval time.Duration
	pageSize int
	logger   *slog.Logger

	mu      sync.Mutex
	prevEnd time.Time

	draining atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithInterval overrides the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.interval = d
	}
}

// New creates a reconciler. sink and notifier may be nil.
func New(query ledger.QueryClient, identity *session.Identity, bus *events.Bus,
	sink MessageSink, notifier CloseNotifier, cursors CursorStore,
	logger *slog.Logger, opts ...Option) *Reconciler {

	r := &Reconciler{
		query:    query,
		identity: identity,
		bus:      bus,
		sink:     sink,
		notifier: notifier,
		cursors:  cursors,
		interval: DefaultInterval,
		pageSize: defaultPageSize,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start loads the cursor and begins the polling loop. Windows before the
// persisted cursor (or before "now" on a fresh start) are never scanned.
func (r *Reconciler) Start(ctx context.Context) error {
	end, err := r.cursors.Load(ctx)
	if err != nil {
		r.logger.Warn("failed to load reconciler cursor, starting from now", "error", err)
		end = time.Time{}
	}
	if end.IsZero() {
		end = time.Now()
	}
	r.mu.Lock()
	r.prevEnd = end
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop cancels the schedule and sets the drain flag so in-flight tick
// bodies exit early instead of racing the cancelled schedule.
func (r *Reconciler) Stop() {
	r.draining.Store(true)
	close(r.stop)
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			// Scheduled independently of prior-tick completion.
			go r.tick(ctx)
		}
	}
}

// tick processes one polling window. The window is claimed (and the
// cursor advanced) before any fetch, so a failed tick permanently loses
// its window.
func (r *Reconciler) tick(ctx context.Context) {
	if r.draining.Load() {
		return
	}

	now := time.Now()
	r.mu.Lock()
	since := r.prevEnd
	if !now.After(since) {
		r.mu.Unlock()
		return
	}
	r.prevEnd = now
	r.mu.Unlock()

	if err := r.cursors.Save(ctx, now); err != nil {
		r.logger.Warn("failed to persist reconciler cursor", "error", err)
	}

	ctx, span := traces.StartSpan(ctx, "reconciler.tick",
		traces.WindowStart(since.Format(time.RFC3339Nano)))
	defer span.End()

	timer := prometheus.NewTimer(metrics.ReconcilerTickDuration)
	defer timer.ObserveDuration()

	cursor := ""
	for {
		if r.draining.Load() {
			return
		}
		txs, next, err := r.query.ListTransactions(ctx, r.identity.AssetID, since, now, cursor, r.pageSize)
		if err != nil {
			metrics.ReconcilerTicksTotal.WithLabelValues("error").Inc()
			r.logger.Warn("reconciliation tick failed, window dropped",
				"since", since, "until", now, "error", err)
			return
		}
		for _, tx := range txs {
			r.classify(ctx, tx)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	metrics.ReconcilerTicksTotal.WithLabelValues("ok").Inc()
}

// classify derives lifecycle events from one transaction along its two
// facets. Failures on individual inputs/outputs are logged and skipped;
// they never abort the rest of the transaction.
func (r *Reconciler) classify(ctx context.Context, tx *ledger.Transaction) {
	metrics.ReconcilerTransactionsTotal.Inc()

	seenClose := make(map[string]bool)
	for _, in := range tx.Inputs {
		if in.Witness == nil || in.SpentOutputID == "" {
			continue
		}
		r.classifyClose(ctx, tx, in, seenClose)
	}

	seenOpen := make(map[string]bool)
	for i := range tx.Outputs {
		r.classifyOpen(ctx, &tx.Outputs[i], seenOpen)
	}
}

// classifyClose handles the closing facet: a consumed output that was one
// of our escrows yields a directional fulfill/reject event. Timeouts
// report as rejects with a synthetic reason.
func (r *Reconciler) classifyClose(ctx context.Context, tx *ledger.Transaction, in ledger.Input, seen map[string]bool) {
	out, err := r.query.GetOutput(ctx, in.SpentOutputID)
	if err != nil {
		r.logger.Debug("consumed output not resolvable", "outputId", in.SpentOutputID, "error", err)
		return
	}
	env, err := transfer.UnmarshalMetadata(out.Metadata)
	if err != nil {
		return // not one of our escrows
	}
	if out.Condition == transfer.MessageCondition {
		return // expired message transfers close silently
	}

	t := env.Transfer
	if !r.ours(t) || seen[t.ID] {
		return
	}
	seen[t.ID] = true
	t.Direction = t.DirectionFor(r.identity.Address)

	if r.notifier != nil {
		r.notifier.CancelWatcher(t.ID)
	}

	switch in.Witness.Close {
	case ledger.CloseFulfill:
		typ := events.OutgoingFulfill
		if t.Direction == transfer.Incoming {
			typ = events.IncomingFulfill
		}
		r.bus.Emit(events.Event{Type: typ, Transfer: t, Fulfillment: in.Witness.Preimage})

	case ledger.CloseReject:
		typ := events.OutgoingReject
		if t.Direction == transfer.Incoming {
			typ = events.IncomingReject
		}
		r.bus.Emit(events.Event{Type: typ, Transfer: t, Reason: in.Witness.Reason})

	case ledger.CloseTimeout:
		typ := events.OutgoingReject
		if t.Direction == transfer.Incoming {
			typ = events.IncomingReject
		}
		r.bus.Emit(events.Event{Type: typ, Transfer: t, Reason: transfer.TimeoutReason(t.From)})

	default:
		r.logger.Warn("unknown closing action in witness",
			"transferId", t.ID, "close", string(in.Witness.Close), "tx", tx.ID)
	}
}

// classifyOpen handles the opening facet: a produced output keyed to us
// yields incoming_prepare after verification, one keyed from us yields
// outgoing_prepare unverified, and a sentinel-conditioned output is
// redirected to the messaging bridge.
func (r *Reconciler) classifyOpen(ctx context.Context, out *ledger.Output, seen map[string]bool) {
	env, err := transfer.UnmarshalMetadata(out.Metadata)
	if err != nil {
		return // not one of our escrows
	}
	t := env.Transfer
	if !r.ours(t) || seen[t.ID] {
		return
	}
	seen[t.ID] = true
	t.Direction = t.DirectionFor(r.identity.Address)

	if out.Condition == transfer.MessageCondition {
		// A disguised message, never a prepare. Our own outgoing sentinel
		// already emitted outgoing_message at send time.
		if t.Direction == transfer.Incoming && r.sink != nil {
			r.sink.DeliverIncoming(ctx, &transfer.Message{
				ID:   t.ID,
				From: t.From,
				To:   t.To,
				Data: t.Custom,
			})
		}
		return
	}

	if t.Direction == transfer.Incoming {
		if err := r.verifyIncoming(out, env); err != nil {
			r.logger.Warn("incoming lock failed verification, ignoring",
				"transferId", t.ID, "error", err)
			return
		}
		r.bus.Emit(events.Event{Type: events.IncomingPrepare, Transfer: t})
		return
	}

	// Our own lock echoing back through the poll; no re-verification.
	r.bus.Emit(events.Event{Type: events.OutgoingPrepare, Transfer: t})
}

// verifyIncoming checks an incoming lock against the escrow invariants
// before announcing it to the host.
func (r *Reconciler) verifyIncoming(out *ledger.Output, env *transfer.Envelope) error {
	t := env.Transfer
	if err := transfer.ValidateCondition(t.ExecutionCondition); err != nil {
		return err
	}
	destKey := session.DeriveDestination(t.To, env.DestNonce)
	return r.verify(out, ledger.OutputExpectation{
		AssetID:   r.identity.AssetID,
		Amount:    t.Amount,
		Condition: t.ExecutionCondition,
		DestKey:   destKey.Key,
		ExpiresAt: t.ExpiresAt,
	})
}

func (r *Reconciler) verify(out *ledger.Output, expect ledger.OutputExpectation) error {
	if out.AssetID != expect.AssetID {
		return errMismatch("asset", out.AssetID, expect.AssetID)
	}
	if out.Amount != expect.Amount {
		return errMismatch("amount", out.Amount, expect.Amount)
	}
	if out.Condition != expect.Condition {
		return errMismatch("condition", out.Condition, expect.Condition)
	}
	if out.DestKey != expect.DestKey {
		return errMismatch("destination key", out.DestKey, expect.DestKey)
	}
	if !out.ExpiresAt.Equal(expect.ExpiresAt) {
		return errMismatch("expiry", out.ExpiresAt, expect.ExpiresAt)
	}
	return nil
}

// ours reports whether the local identity is a party to the transfer.
// Transfers between third parties on the shared asset are skipped.
func (r *Reconciler) ours(t *transfer.Transfer) bool {
	me := r.identity.Address
	return strings.EqualFold(t.To, me) || strings.EqualFold(t.From, me)
}

func errMismatch(field string, got, want any) error {
	return fmt.Errorf("%s mismatch: lock has %v, transfer declares %v", field, got, want)
}
