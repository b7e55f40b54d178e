package ledger

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ledgerlink/internal/transfer"
)

const testAsset = "native"

func testPreimage(t *testing.T) (preimage, condition string) {
	t.Helper()
	preimage = hex.EncodeToString([]byte("thirty-two byte preimage value!!"))
	condition, err := transfer.ConditionFromPreimage(preimage)
	require.NoError(t, err)
	return preimage, condition
}

func testMetadata(t *testing.T, id, from, to string, amount int64, condition string, expiresAt time.Time) []byte {
	t.Helper()
	data, err := transfer.MarshalMetadata(&transfer.Envelope{
		Transfer: &transfer.Transfer{
			ID:                 id,
			From:               from,
			To:                 to,
			Amount:             amount,
			ExecutionCondition: condition,
			ExpiresAt:          expiresAt,
		},
		DestNonce: "feedface",
	})
	require.NoError(t, err)
	return data
}

func TestMemoryCreateDebitsSource(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	balance, err := mem.Balance(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)

	out, err := mem.FindOutputByTransferID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ref, out.ID)
	assert.Equal(t, int64(100), out.Amount)
}

func TestMemoryCreateRejectsDuplicateTransferID(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	_, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	_, err = mem.Create(ctx, "0xaaa", "destkey2", 100, condition, expiry, meta)
	assert.ErrorIs(t, err, transfer.ErrDuplicateTransfer)
}

func TestMemoryCreateRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 50)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	_, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)
}

func TestMemoryFulfillCreditsDestination(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	preimage, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	tx, err := mem.Fulfill(ctx, ref, preimage, DestinationKey{Key: "destkey1"})
	require.NoError(t, err)
	require.Len(t, tx.Inputs, 1)
	assert.Equal(t, CloseFulfill, tx.Inputs[0].Witness.Close)
	assert.Equal(t, preimage, tx.Inputs[0].Witness.Preimage)

	balance, err := mem.Balance(ctx, "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestMemoryFulfillRejectsBadWitness(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	preimage, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	wrongPreimage := hex.EncodeToString([]byte("some other thirty-two byte text!"))
	_, err = mem.Fulfill(ctx, ref, wrongPreimage, DestinationKey{Key: "destkey1"})
	assert.ErrorIs(t, err, ErrBadWitness)

	_, err = mem.Fulfill(ctx, ref, preimage, DestinationKey{Key: "wrongkey"})
	assert.ErrorIs(t, err, ErrBadWitness)
}

func TestMemorySingleWinnerClose(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	preimage, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	_, err = mem.Fulfill(ctx, ref, preimage, DestinationKey{Key: "destkey1"})
	require.NoError(t, err)

	// Every later closing attempt fails, regardless of action.
	_, err = mem.Fulfill(ctx, ref, preimage, DestinationKey{Key: "destkey1"})
	assert.ErrorIs(t, err, ErrOutputSpent)
	_, err = mem.Reject(ctx, ref, DestinationKey{Key: "destkey1"}, nil)
	assert.ErrorIs(t, err, ErrOutputSpent)
	_, err = mem.Timeout(ctx, ref)
	assert.ErrorIs(t, err, ErrOutputSpent)

	// Funds moved exactly once.
	balance, err := mem.Balance(ctx, "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestMemoryRejectRefundsSource(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	reason := &transfer.RejectionReason{Code: "F00", Name: "rejected"}
	tx, err := mem.Reject(ctx, ref, DestinationKey{Key: "destkey1"}, reason)
	require.NoError(t, err)
	assert.Equal(t, CloseReject, tx.Inputs[0].Witness.Close)
	assert.Equal(t, "F00", tx.Inputs[0].Witness.Reason.Code)

	balance, err := mem.Balance(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestMemoryTimeoutEnforcesTimelock(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(100 * time.Millisecond)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	_, err = mem.Timeout(ctx, ref)
	assert.ErrorIs(t, err, ErrTimelockActive)

	time.Sleep(150 * time.Millisecond)

	tx, err := mem.Timeout(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, CloseTimeout, tx.Inputs[0].Witness.Close)

	balance, err := mem.Balance(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestMemoryFindSpendingTransaction(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	preimage, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	// Open output has no spending transaction yet.
	_, err = mem.FindSpendingTransaction(ctx, ref)
	assert.ErrorIs(t, err, ErrOutputNotFound)

	spend, err := mem.Fulfill(ctx, ref, preimage, DestinationKey{Key: "destkey1"})
	require.NoError(t, err)

	got, err := mem.FindSpendingTransaction(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, spend.ID, got.ID)
}

func TestMemoryListTransactionsWindowAndPaging(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 5000)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute)

	before := time.Now()
	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		meta := testMetadata(t, id, "0xaaa", "0xbbb", 100, condition, expiry)
		_, err := mem.Create(ctx, "0xaaa", "destkey-"+id, 100, condition, expiry, meta)
		require.NoError(t, err)
	}
	after := time.Now().Add(time.Millisecond)

	// Full window sees all three transactions, across pages.
	var all []*Transaction
	cursor := ""
	for {
		page, next, err := mem.ListTransactions(ctx, testAsset, before, after, cursor, 2)
		require.NoError(t, err)
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, all, 3)

	// A window before the transactions sees nothing.
	empty, _, err := mem.ListTransactions(ctx, testAsset, before.Add(-time.Hour), before, "", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, _, err = mem.ListTransactions(ctx, testAsset, before, after, "not-a-cursor", 10)
	assert.Error(t, err)
}

func TestMemoryVerify(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testAsset)
	mem.Fund("0xaaa", 500)

	_, condition := testPreimage(t)
	expiry := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	meta := testMetadata(t, "t1", "0xaaa", "0xbbb", 100, condition, expiry)

	ref, err := mem.Create(ctx, "0xaaa", "destkey1", 100, condition, expiry, meta)
	require.NoError(t, err)

	expect := OutputExpectation{
		AssetID:   testAsset,
		Amount:    100,
		Condition: condition,
		DestKey:   "destkey1",
		ExpiresAt: expiry,
	}
	assert.NoError(t, mem.Verify(ctx, ref, expect))

	bad := expect
	bad.Amount = 99
	assert.Error(t, mem.Verify(ctx, ref, bad))

	assert.ErrorIs(t, mem.Verify(ctx, "missing", expect), ErrOutputNotFound)
}
