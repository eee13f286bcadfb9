package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingMigrator struct {
	mu       sync.Mutex
	migrated []int64
	failing  map[int64]bool
}

func (m *recordingMigrator) MigrateInstance(ctx context.Context, plan *migration.Plan, processInstanceKey int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[processInstanceKey] {
		return errors.New("instance is broken")
	}
	m.migrated = append(m.migrated, processInstanceKey)
	return nil
}

func newCoordinator(t *testing.T, store *inmemory.Storage, migrator InstanceMigrator, config Config) *Coordinator {
	metrics, err := otelPkg.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	var next atomic.Int64
	next.Store(1000)
	return NewCoordinator(store, migrator, func() int64 { return next.Add(1) }, config, metrics, func() time.Time { return testNow })
}

func createBatch(t *testing.T, store *inmemory.Storage, c *Coordinator, keys ...int64) runtime.Batch {
	tx := store.NewTransaction()
	b, err := c.CreateMigrationBatch(context.Background(), tx, &migration.Plan{SourceProcessDefinitionKey: 1, TargetProcessDefinitionKey: 2}, keys, "demo")
	require.NoError(t, err)
	require.NoError(t, tx.Flush(context.Background()))
	return b
}

// runDueJobs executes every due job until none is left, failing jobs lose one retry.
func runDueJobs(t *testing.T, store *inmemory.Storage, c *Coordinator) {
	ctx := context.Background()
	for range 100 {
		jobs, err := store.AcquireJobs(ctx, "test", testNow, testNow.Add(time.Minute), 10)
		require.NoError(t, err)
		if len(jobs) == 0 {
			return
		}
		for _, j := range jobs {
			if err := c.Execute(ctx, j); err != nil {
				stored, findErr := store.FindJobByKey(ctx, j.Key)
				require.NoError(t, findErr)
				stored.Retries--
				stored.LockOwner = ""
				stored.LockExpiration = time.Time{}
				require.NoError(t, store.SaveJob(ctx, stored))
			}
		}
	}
	t.Fatal("jobs did not settle")
}

func TestCreateMigrationBatch(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	c := newCoordinator(t, store, &recordingMigrator{}, Config{InvocationsPerBatchJob: 2, BatchJobsPerSeed: 10})

	// when
	b := createBatch(t, store, c, 1, 2, 3)

	// then
	assert.Equal(t, runtime.BatchStateCreated, b.State)
	assert.Equal(t, 2, b.TotalJobs)
	assert.Equal(t, "demo", b.CreateUserId)
	seedJobs, err := store.FindJobsByJobDefinitionKey(context.Background(), b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, seedJobs, 1)
	assert.Equal(t, runtime.JobHandlerBatchSeed, seedJobs[0].HandlerType)
	assert.Equal(t, runtime.DefaultJobRetries, seedJobs[0].Retries)
}

func TestSeedJobCreatesChunksOverSeveralRuns(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	c := newCoordinator(t, store, &recordingMigrator{}, Config{InvocationsPerBatchJob: 2, BatchJobsPerSeed: 1})
	b := createBatch(t, store, c, 1, 2, 3)
	ctx := context.Background()
	seedJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)

	// when
	require.NoError(t, c.Execute(ctx, seedJobs[0]))

	// then
	stored, err := store.FindBatchByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateSeeding, stored.State)
	assert.Equal(t, 1, stored.JobsCreated)
	seedJobs, err = store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, seedJobs, 1, "seed job is rescheduled while chunks are missing")

	// when
	require.NoError(t, c.Execute(ctx, seedJobs[0]))

	// then
	stored, err = store.FindBatchByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateExecuting, stored.State)
	batchJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, batchJobs, 2)
	var chunks [][]int64
	for _, j := range batchJobs {
		var cfg JobConfiguration
		require.NoError(t, json.Unmarshal([]byte(j.HandlerConfiguration), &cfg))
		assert.Equal(t, b.Key, cfg.BatchKey)
		chunks = append(chunks, cfg.InstanceKeys)
	}
	assert.ElementsMatch(t, [][]int64{{1, 2}, {3}}, chunks)
	monitorJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.MonitorJobDefinitionKey)
	require.NoError(t, err)
	assert.Len(t, monitorJobs, 1)
}

func TestBatchCompletes(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	migrator := &recordingMigrator{}
	c := newCoordinator(t, store, migrator, Config{InvocationsPerBatchJob: 1, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1, 2, 3)

	// when
	runDueJobs(t, store, c)

	// then
	ctx := context.Background()
	assert.ElementsMatch(t, []int64{1, 2, 3}, migrator.migrated)
	_, err := store.FindBatchByKey(ctx, b.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	historic, err := store.FindHistoricBatchByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateCompleted, historic.State)
	require.NotNil(t, historic.EndTime)
	assert.Empty(t, store.Jobs)
	assert.Empty(t, store.JobDefinitions)
}

func TestFailedBatchJobKeepsOnlyFailedInstances(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	migrator := &recordingMigrator{failing: map[int64]bool{2: true}}
	c := newCoordinator(t, store, migrator, Config{InvocationsPerBatchJob: 3, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1, 2, 3)

	ctx := context.Background()

	// when
	runDueJobs(t, store, c)
	monitorJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.MonitorJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, monitorJobs, 1)
	require.NoError(t, c.Execute(ctx, monitorJobs[0]))

	// then
	assert.Equal(t, []int64{1, 3}, migrator.migrated, "successful instances are migrated exactly once")
	failed, err := store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 0, failed[0].Retries)
	var cfg JobConfiguration
	require.NoError(t, json.Unmarshal([]byte(failed[0].HandlerConfiguration), &cfg))
	assert.Equal(t, []int64{2}, cfg.InstanceKeys)

	historic, err := store.FindHistoricBatchByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateCompleted, historic.State)
	_, err = store.FindJobDefinitionByKey(ctx, b.BatchJobDefinitionKey)
	assert.NoError(t, err, "job definition of failed jobs is kept")
	_, err = store.FindJobDefinitionByKey(ctx, b.SeedJobDefinitionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatistics(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	c := newCoordinator(t, store, &recordingMigrator{}, Config{InvocationsPerBatchJob: 1, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1, 2, 3)
	ctx := context.Background()

	// when
	stats, err := c.Statistics(ctx, b.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RemainingJobs)
	assert.Equal(t, 0, stats.CompletedJobs)
	assert.Equal(t, 0, stats.FailedJobs)

	// when
	seedJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, seedJobs[0]))
	batchJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, batchJobs[0]))
	batchJobs[1].Retries = 0
	require.NoError(t, store.SaveJob(ctx, batchJobs[1]))
	stats, err = c.Statistics(ctx, b.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemainingJobs)
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.Equal(t, 1, stats.FailedJobs)
}

func TestDeleteBatch(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	migrator := &recordingMigrator{}
	c := newCoordinator(t, store, migrator, Config{InvocationsPerBatchJob: 1, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1, 2)
	ctx := context.Background()
	seedJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, seedJobs[0]))
	batchJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	require.NoError(t, err)
	locked := batchJobs[0]
	locked.LockOwner = "other"
	locked.LockExpiration = testNow.Add(time.Minute)
	require.NoError(t, store.SaveJob(ctx, locked))

	// when
	require.NoError(t, c.Delete(ctx, b.Key))

	// then
	_, err = store.FindBatchByKey(ctx, b.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	historic, err := store.FindHistoricBatchByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateDeleted, historic.State)
	require.Len(t, store.Jobs, 1, "locked jobs finish their run")
	_, err = store.FindJobByKey(ctx, locked.Key)
	assert.NoError(t, err)

	// when the locked job finishes
	require.NoError(t, c.Execute(ctx, locked))

	// then
	assert.Len(t, migrator.migrated, 1)
	assert.Empty(t, store.Jobs)
}

func TestClaimedJobOfDeletedBatchIsNotRetried(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	migrator := &recordingMigrator{failing: map[int64]bool{2: true}}
	c := newCoordinator(t, store, migrator, Config{InvocationsPerBatchJob: 2, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1, 2)
	ctx := context.Background()
	seedJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, seedJobs[0]))
	batchJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	require.NoError(t, err)
	require.Len(t, batchJobs, 1)
	claimed := batchJobs[0]
	claimed.LockOwner = "worker"
	claimed.LockExpiration = testNow.Add(time.Minute)
	require.NoError(t, store.SaveJob(ctx, claimed))
	require.NoError(t, c.Delete(ctx, b.Key))
	require.Len(t, store.Jobs, 1, "claimed job survives the delete")

	// when
	err = c.Execute(ctx, claimed)

	// then
	assert.Error(t, err, "the claimed run still reports its failure")
	assert.Equal(t, []int64{1}, migrator.migrated)
	assert.Empty(t, store.Jobs)
	orphaned, err := c.IsOrphaned(ctx, claimed)
	require.NoError(t, err)
	assert.True(t, orphaned)

	// when
	runDueJobs(t, store, c)

	// then
	assert.Equal(t, []int64{1}, migrator.migrated, "nothing of the deleted batch runs again")
}

func TestJobsOfDeletedBatchAreDropped(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	c := newCoordinator(t, store, &recordingMigrator{}, Config{InvocationsPerBatchJob: 1, BatchJobsPerSeed: 10})
	b := createBatch(t, store, c, 1)
	ctx := context.Background()
	seedJobs, err := store.FindJobsByJobDefinitionKey(ctx, b.SeedJobDefinitionKey)
	require.NoError(t, err)
	require.NoError(t, store.DeleteBatch(ctx, b.Key))

	// when
	err = c.Execute(ctx, seedJobs[0])

	// then
	require.NoError(t, err)
	assert.Empty(t, store.Jobs)
}

func TestCleanupHistoricBatches(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	c := newCoordinator(t, store, &recordingMigrator{}, DefaultConfig())
	ctx := context.Background()
	old := testNow.Add(-48 * time.Hour)
	recent := testNow.Add(-time.Hour)
	require.NoError(t, store.SaveHistoricBatch(ctx, runtime.HistoricBatch{Key: 1, State: runtime.BatchStateCompleted, EndTime: &old, BatchJobDefinitionKey: 11}))
	require.NoError(t, store.SaveHistoricBatch(ctx, runtime.HistoricBatch{Key: 2, State: runtime.BatchStateCompleted, EndTime: &recent}))
	require.NoError(t, store.SaveJobDefinition(ctx, runtime.JobDefinition{Key: 11, HandlerType: runtime.JobHandlerMigration}))
	require.NoError(t, store.SaveJob(ctx, runtime.Job{Key: 12, JobDefinitionKey: 11, HandlerType: runtime.JobHandlerMigration}))

	// when
	removed, err := c.CleanupHistoricBatches(ctx, 24*time.Hour)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.FindHistoricBatchByKey(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindHistoricBatchByKey(ctx, 2)
	assert.NoError(t, err)
	assert.Empty(t, store.Jobs)
	assert.Empty(t, store.JobDefinitions)
}
