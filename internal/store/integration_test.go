package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/techubos/techubagent-sub003/internal/models"
)

// testStore connects to the database named by TEST_POSTGRES_DSN and runs
// migrations. Tests that need a real database skip when the variable is
// unset, so the suite stays runnable without one.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func enqueueOne(t *testing.T, q *Queue, dedup string) models.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), EnqueueParams{
		OrganizationID: "org-" + uuid.New().String(),
		JobType:        models.JobSyncHistory,
		Payload:        map[string]any{"source": "test"},
		DedupKey:       dedup,
	})
	require.NoError(t, err)
	return item
}

func TestEnqueueIsIdempotentOnDedupKey(t *testing.T) {
	st := testStore(t)
	q := st.Events()

	dedup := "evt-" + uuid.New().String()
	first := enqueueOne(t, q, dedup)

	_, err := q.Enqueue(context.Background(), EnqueueParams{
		OrganizationID: first.OrganizationID,
		JobType:        models.JobSyncHistory,
		DedupKey:       dedup,
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The surviving row is the first insert, untouched.
	got, err := q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func TestCompletedRowIsAbsorbing(t *testing.T) {
	st := testStore(t)
	q := st.Jobs()
	ctx := context.Background()

	item := enqueueOne(t, q, "")
	require.NoError(t, q.MarkCompleted(ctx, item.ID))

	// Every later transition lands on zero rows.
	require.NoError(t, q.MarkFailed(ctx, item.ID, "late failure"))
	require.NoError(t, q.MarkProcessing(ctx, item.ID))
	require.NoError(t, q.BumpRecovery(ctx, item.ID, 1, time.Now().UTC()))

	attempts, err := q.MarkPendingWithError(ctx, item.ID, "late retry")
	require.NoError(t, err)
	require.Equal(t, 0, attempts)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.Nil(t, got.ErrorLog)
	require.Equal(t, 0, got.Metadata.RetryCount)
	require.NotNil(t, got.CompletedAt)
}

func TestFailedRowIsAbsorbing(t *testing.T) {
	st := testStore(t)
	q := st.Jobs()
	ctx := context.Background()

	item := enqueueOne(t, q, "")
	require.NoError(t, q.MarkFailed(ctx, item.ID, "gave up"))

	require.NoError(t, q.MarkCompleted(ctx, item.ID))
	attempts, err := q.MarkPendingWithError(ctx, item.ID, "late retry")
	require.NoError(t, err)
	require.Equal(t, 0, attempts)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorLog)
	require.Equal(t, "gave up", *got.ErrorLog)
}

func TestMarkPendingWithErrorCountsAttempts(t *testing.T) {
	st := testStore(t)
	q := st.Jobs()
	ctx := context.Background()

	item := enqueueOne(t, q, "")

	attempts, err := q.MarkPendingWithError(ctx, item.ID, "first failure")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	attempts, err = q.MarkPendingWithError(ctx, item.ID, "second failure")
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "second failure", *got.ErrorLog)
}

func TestFindStaleTracksNonTerminalRows(t *testing.T) {
	st := testStore(t)
	q := st.Events()
	ctx := context.Background()

	pending := enqueueOne(t, q, "")
	processing := enqueueOne(t, q, "")
	done := enqueueOne(t, q, "")
	require.NoError(t, q.MarkProcessing(ctx, processing.ID))
	require.NoError(t, q.MarkCompleted(ctx, done.ID))

	// olderThan 0 makes every existing row eligible; membership is checked
	// by id because the table is shared across test runs.
	staleIDs := func() map[string]bool {
		items, err := q.FindStale(ctx, 0, 10000)
		require.NoError(t, err)
		ids := make(map[string]bool, len(items))
		for _, it := range items {
			ids[it.ID] = true
		}
		return ids
	}

	ids := staleIDs()
	require.True(t, ids[pending.ID])
	require.True(t, ids[processing.ID])
	require.False(t, ids[done.ID])

	require.NoError(t, q.MarkCompleted(ctx, pending.ID))
	require.False(t, staleIDs()[pending.ID])
}
