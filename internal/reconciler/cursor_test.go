package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ledgerlink/internal/testutil"
)

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCursorStore()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Save(ctx, now))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestPostgresCursorStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresCursorStore(db, "session-1")

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "fresh session has no cursor")

	first := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Save(ctx, first))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	// Saving again upserts.
	second := first.Add(time.Second)
	require.NoError(t, store.Save(ctx, second))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(second))

	// Sessions do not share cursors.
	other := NewPostgresCursorStore(db, "session-2")
	got, err = other.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
