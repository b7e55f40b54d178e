package reconciler

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

const (
	senderKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	receiverKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testAsset   = "native"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*transfer.Message
}

func (s *recordingSink) DeliverIncoming(ctx context.Context, msg *transfer.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) CancelWatcher(id string) {
	n.mu.Lock()
	n.ids = append(n.ids, id)
	n.mu.Unlock()
}

type failingQuery struct {
	ledger.QueryClient
}

func (f *failingQuery) ListTransactions(ctx context.Context, assetID string, since, until time.Time, cursor string, limit int) ([]*ledger.Transaction, string, error) {
	return nil, "", errors.New("ledger unreachable")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	mem      *ledger.Memory
	sender   *session.Identity
	receiver *session.Identity
	recon    *Reconciler
	rec      *eventRecorder
	sink     *recordingSink
	notifier *recordingNotifier
}

// newFixture builds a receiver-side reconciler over a shared memory
// ledger, with its window opened one minute into the past.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	sender, err := session.Resolve(senderKey, testAsset, session.Info{})
	require.NoError(t, err)
	receiver, err := session.Resolve(receiverKey, testAsset, session.Info{})
	require.NoError(t, err)

	mem := ledger.NewMemory(testAsset)
	mem.Fund(sender.Address, 10_000)

	bus := events.NewBus(slog.Default())
	rec := &eventRecorder{}
	bus.OnAll(rec.record)

	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	r := New(mem, receiver, bus, sink, notifier, NewMemoryCursorStore(), slog.Default())
	r.prevEnd = time.Now().Add(-time.Minute)

	return &fixture{
		mem:      mem,
		sender:   sender,
		receiver: receiver,
		recon:    r,
		rec:      rec,
		sink:     sink,
		notifier: notifier,
	}
}

func (f *fixture) lock(t *testing.T, id string, to *session.Identity, amount int64, condition string, expiresAt time.Time) string {
	t.Helper()
	dest := session.NewDestination(to.Address)
	meta, err := transfer.MarshalMetadata(&transfer.Envelope{
		Transfer: &transfer.Transfer{
			ID:                 id,
			From:               f.sender.Address,
			To:                 to.Address,
			Amount:             amount,
			ExecutionCondition: condition,
			ExpiresAt:          expiresAt,
		},
		DestNonce: dest.Nonce,
	})
	require.NoError(t, err)

	ref, err := f.mem.Create(context.Background(), f.sender.Address, dest.Key, amount, condition, expiresAt, meta)
	require.NoError(t, err)
	return ref
}

func condition(t *testing.T) (preimage, cond string) {
	t.Helper()
	preimage = hex.EncodeToString([]byte("thirty-two byte preimage value!!"))
	cond, err := transfer.ConditionFromPreimage(preimage)
	require.NoError(t, err)
	return preimage, cond
}

func TestTickEmitsIncomingPrepare(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))
	f.recon.tick(context.Background())

	prepares := f.rec.ofType(events.IncomingPrepare)
	require.Len(t, prepares, 1)
	assert.Equal(t, "t1", prepares[0].Transfer.ID)
	assert.Equal(t, transfer.Incoming, prepares[0].Transfer.Direction)
	assert.Empty(t, f.rec.ofType(events.OutgoingPrepare))
}

func TestTickEmitsOutgoingPrepareForSender(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	// The sender's own reconciler sees the same lock as outgoing.
	f.recon.identity = f.sender
	f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))
	f.recon.tick(context.Background())

	outs := f.rec.ofType(events.OutgoingPrepare)
	require.Len(t, outs, 1)
	assert.Equal(t, transfer.Outgoing, outs[0].Transfer.Direction)
	assert.Empty(t, f.rec.ofType(events.IncomingPrepare))
}

func TestTickIgnoresThirdPartyTransfers(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	other, err := session.Resolve(
		"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba",
		testAsset, session.Info{})
	require.NoError(t, err)

	f.lock(t, "t1", other, 100, cond, time.Now().Add(time.Minute))
	f.recon.tick(context.Background())

	assert.Empty(t, f.rec.events)
}

func TestTickSentinelRedirectsToMessageSink(t *testing.T) {
	f := newFixture(t)

	dest := session.NewDestination(f.receiver.Address)
	meta, err := transfer.MarshalMetadata(&transfer.Envelope{
		Transfer: &transfer.Transfer{
			ID:                 "m1",
			From:               f.sender.Address,
			To:                 f.receiver.Address,
			Amount:             1,
			ExecutionCondition: transfer.MessageCondition,
			Custom:             []byte(`{"hello":"world"}`),
			ExpiresAt:          time.Now().Add(30 * time.Second),
		},
		DestNonce: dest.Nonce,
	})
	require.NoError(t, err)
	_, err = f.mem.Create(context.Background(), f.sender.Address, dest.Key, 1,
		transfer.MessageCondition, time.Now().Add(30*time.Second), meta)
	require.NoError(t, err)

	f.recon.tick(context.Background())

	// Redirected to the bridge, never a prepare.
	require.Len(t, f.sink.msgs, 1)
	assert.Equal(t, "m1", f.sink.msgs[0].ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(f.sink.msgs[0].Data))
	assert.Empty(t, f.rec.ofType(events.IncomingPrepare))
}

func TestTickRejectsUnverifiableIncomingLock(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	// Metadata declares a different amount than the lock carries.
	dest := session.NewDestination(f.receiver.Address)
	meta, err := transfer.MarshalMetadata(&transfer.Envelope{
		Transfer: &transfer.Transfer{
			ID:                 "t1",
			From:               f.sender.Address,
			To:                 f.receiver.Address,
			Amount:             999,
			ExecutionCondition: cond,
			ExpiresAt:          time.Now().Add(time.Minute),
		},
		DestNonce: dest.Nonce,
	})
	require.NoError(t, err)
	_, err = f.mem.Create(context.Background(), f.sender.Address, dest.Key, 100, cond,
		time.Now().Add(time.Minute), meta)
	require.NoError(t, err)

	f.recon.tick(context.Background())
	assert.Empty(t, f.rec.ofType(events.IncomingPrepare))
}

func TestTickClassifiesFulfillClose(t *testing.T) {
	f := newFixture(t)
	preimage, cond := condition(t)

	ref := f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))
	env, err := transfer.UnmarshalMetadata(mustOutput(t, f.mem, ref).Metadata)
	require.NoError(t, err)
	dest := session.DeriveDestination(env.Transfer.To, env.DestNonce)
	_, err = f.mem.Fulfill(context.Background(), ref, preimage, dest)
	require.NoError(t, err)

	f.recon.tick(context.Background())

	fulfills := f.rec.ofType(events.IncomingFulfill)
	require.Len(t, fulfills, 1)
	assert.Equal(t, "t1", fulfills[0].Transfer.ID)
	assert.Equal(t, preimage, fulfills[0].Fulfillment)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Contains(t, f.notifier.ids, "t1")
}

func TestTickClassifiesRejectClose(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	ref := f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))
	env, err := transfer.UnmarshalMetadata(mustOutput(t, f.mem, ref).Metadata)
	require.NoError(t, err)
	dest := session.DeriveDestination(env.Transfer.To, env.DestNonce)
	reason := &transfer.RejectionReason{Code: "F99", Name: "no thanks"}
	_, err = f.mem.Reject(context.Background(), ref, dest, reason)
	require.NoError(t, err)

	f.recon.tick(context.Background())

	rejects := f.rec.ofType(events.IncomingReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "F99", rejects[0].Reason.Code)
}

func TestTickClassifiesTimeoutAsReject(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	expiry := time.Now().Add(30 * time.Millisecond)
	ref := f.lock(t, "t1", f.receiver, 100, cond, expiry)
	time.Sleep(60 * time.Millisecond)
	_, err := f.mem.Timeout(context.Background(), ref)
	require.NoError(t, err)

	f.recon.tick(context.Background())

	rejects := f.rec.ofType(events.IncomingReject)
	require.Len(t, rejects, 1)
	require.NotNil(t, rejects[0].Reason)
	assert.Equal(t, "R01", rejects[0].Reason.Code)
}

func TestTickAdvancesCursorOnFailure(t *testing.T) {
	receiver, err := session.Resolve(receiverKey, testAsset, session.Info{})
	require.NoError(t, err)

	bus := events.NewBus(slog.Default())
	cursors := NewMemoryCursorStore()
	r := New(&failingQuery{}, receiver, bus, nil, nil, cursors, slog.Default())
	r.prevEnd = time.Now().Add(-time.Minute)

	before := r.prevEnd
	r.tick(context.Background())

	r.mu.Lock()
	after := r.prevEnd
	r.mu.Unlock()
	assert.True(t, after.After(before), "cursor must advance even when the fetch fails")

	saved, err := cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, after, saved)
}

func TestTickSkipsWhenDraining(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)
	f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))

	f.recon.draining.Store(true)
	f.recon.tick(context.Background())

	assert.Empty(t, f.rec.events)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	_, cond := condition(t)

	f.recon.interval = 20 * time.Millisecond
	require.NoError(t, f.recon.Start(context.Background()))

	f.lock(t, "t1", f.receiver, 100, cond, time.Now().Add(time.Minute))

	require.Eventually(t, func() bool {
		return len(f.rec.ofType(events.IncomingPrepare)) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	f.recon.Stop()
}

func mustOutput(t *testing.T, mem *ledger.Memory, ref string) *ledger.Output {
	t.Helper()
	out, err := mem.GetOutput(context.Background(), ref)
	require.NoError(t, err)
	return out
}
