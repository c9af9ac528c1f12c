package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListOutcomes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordOutcome(ctx, 41, "high:ground", "nop", "TIMEOUT", ""))
	require.NoError(t, store.RecordOutcome(ctx, 42, "high:ground", "nop", "OKAY", ""))

	execs, err := store.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	// newest first
	assert.Equal(t, int64(42), execs[0].TaskID)
	assert.Equal(t, "OKAY", execs[0].Status)
	assert.Equal(t, int64(41), execs[1].TaskID)
	assert.False(t, execs[0].CreatedAt.IsZero())
}

func TestRecentExecutionsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordOutcome(ctx, int64(i), "high:ground", "nop", "OKAY", ""))
	}

	execs, err := store.RecentExecutions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestRecordSubmission(t *testing.T) {
	store := openTestStore(t)
	err := store.RecordSubmission(context.Background(), 42, "FLG{abc}", "DUPLICATE", "")
	require.NoError(t, err)
}
