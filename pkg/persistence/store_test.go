package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/queue"
	"mergebot/pkg/train"
)

// Helper function to create a new database for each test.
func createTestStore(t *testing.T) *TrainStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	db, err := InitializeDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewTrainStore(db)
}

func sampleState() *train.State {
	cfg := queue.PullQueueConfig{
		QueueName:         "default",
		EffectivePriority: 100,
		StrictMethod:      queue.StrictMethodMerge,
		SpeculativeChecks: 5,
	}
	return &train.State{
		Cars: []*train.TrainCar{
			{OwnPullNumber: 1, SyntheticPullID: "synthetic-11", State: train.CarActive, Config: cfg},
			{ParentPullNumbers: []int{1}, OwnPullNumber: 2, SyntheticPullID: "synthetic-12", State: train.CarActive, Config: cfg},
		},
		Waiting: []train.EmbarkedPull{{Number: 3, Config: cfg}},
	}
}

func TestTrainStoreRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	// Absent record loads as nil, not an error.
	state, err := store.LoadTrain(ctx, 42, "main")
	require.NoError(t, err)
	assert.Nil(t, state)

	want := sampleState()
	require.NoError(t, store.SaveTrain(ctx, 42, "main", want))

	got, err := store.LoadTrain(ctx, 42, "main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Waiting, got.Waiting)
	require.Len(t, got.Cars, 2)
	assert.Equal(t, []int{1}, got.Cars[1].ParentPullNumbers)
	assert.Equal(t, "synthetic-12", got.Cars[1].SyntheticPullID)
	assert.Equal(t, "default", got.Cars[1].Config.QueueName)
}

func TestTrainStoreUpsert(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrain(ctx, 42, "main", sampleState()))

	updated := sampleState()
	updated.Waiting = nil
	require.NoError(t, store.SaveTrain(ctx, 42, "main", updated))

	got, err := store.LoadTrain(ctx, 42, "main")
	require.NoError(t, err)
	assert.Empty(t, got.Waiting)
}

func TestTrainStoreKeyedByRepoAndBranch(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	main := sampleState()
	require.NoError(t, store.SaveTrain(ctx, 42, "main", main))

	release := &train.State{Waiting: []train.EmbarkedPull{{Number: 9}}}
	require.NoError(t, store.SaveTrain(ctx, 42, "release/1.0", release))
	require.NoError(t, store.SaveTrain(ctx, 7, "main", release))

	got, err := store.LoadTrain(ctx, 42, "main")
	require.NoError(t, err)
	assert.Len(t, got.Cars, 2)

	got, err = store.LoadTrain(ctx, 42, "release/1.0")
	require.NoError(t, err)
	assert.Empty(t, got.Cars)
	assert.Equal(t, 9, got.Waiting[0].Number)
}

func TestTrainStoreCorruptRecord(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	insert := func(raw string) {
		_, err := store.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO train_states (repository_id, branch, state) VALUES (?, ?, ?)",
			int64(42), "main", raw)
		require.NoError(t, err)
	}

	// Not JSON at all.
	insert("{not json")
	_, err := store.LoadTrain(ctx, 42, "main")
	require.ErrorIs(t, err, ErrCorruptState)

	// Valid JSON, invalid structure: duplicated pull number.
	insert(`{"cars":[{"own_pull_number":1}],"waiting":[{"pull_number":1}]}`)
	_, err = store.LoadTrain(ctx, 42, "main")
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestTrainStoreListTrains(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrain(ctx, 7, "main", sampleState()))
	require.NoError(t, store.SaveTrain(ctx, 42, "main", sampleState()))

	records, err := store.ListTrains(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(7), records[0].RepositoryID)
	assert.Equal(t, int64(42), records[1].RepositoryID)
	assert.NotNil(t, records[0].State)
	assert.False(t, records[0].UpdatedAt.IsZero())
}

func TestRecordDeliveryDeduplicates(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first, err := store.RecordDelivery(ctx, "delivery-1", "pull_request")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.RecordDelivery(ctx, "delivery-1", "pull_request")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := store.RecordDelivery(ctx, "delivery-2", "status")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestPruneDeliveries(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	_, err := store.RecordDelivery(ctx, "old", "status")
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx,
		"UPDATE deliveries SET received_at = ? WHERE id = ?",
		time.Now().UTC().Add(-48*time.Hour), "old")
	require.NoError(t, err)

	_, err = store.RecordDelivery(ctx, "fresh", "status")
	require.NoError(t, err)

	n, err := store.PruneDeliveries(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The fresh delivery is still deduplicated.
	again, err := store.RecordDelivery(ctx, "fresh", "status")
	require.NoError(t, err)
	assert.False(t, again)
}
