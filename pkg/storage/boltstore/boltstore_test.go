package boltstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedStorage(t *testing.T) *inmemory.Storage {
	t.Helper()
	ctx := t.Context()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := inmemory.NewStorage()
	require.NoError(t, store.SaveProcessDefinition(ctx, runtime.ProcessDefinition{
		BpmnProcessId: "one-task", Version: 1, Key: 10, BpmnData: []byte("<definitions/>"), BpmnResourceName: "one-task.bpmn",
	}))
	require.NoError(t, store.SaveProcessInstance(ctx, runtime.ProcessInstance{
		Key: 20, ProcessDefinitionKey: 10, BpmnProcessId: "one-task", State: runtime.ProcessInstanceActive, CreatedAt: created,
	}))
	require.NoError(t, store.SaveJob(ctx, runtime.Job{
		Key: 30, HandlerType: runtime.JobHandlerTimerExecuteNestedActivity, ProcessInstanceKey: 20, DueDate: created.Add(time.Hour), Retries: 3, CreatedAt: created,
	}))
	for i, value := range []any{"text", 42, int64(1) << 40, 2.5, true, nil} {
		require.NoError(t, store.SaveVariable(ctx, runtime.VariableInstance{
			Key: int64(40 + i), Name: "v", Value: value, TypeName: runtime.TypeNameOf(value), ProcessInstanceKey: 20,
		}))
	}
	require.NoError(t, store.SaveBatch(ctx, runtime.Batch{
		Key: 50, Type: "instance-migration", State: runtime.BatchStateExecuting, TotalJobs: 2, Configuration: []byte(`{"processInstanceKeys":[20]}`), CreatedAt: created,
	}))
	return store
}

func TestSaveAndLoadKeepsContent(t *testing.T) {
	// given
	original := populatedStorage(t).Snapshot()
	store := New(filepath.Join(t.TempDir(), "state.db"))

	// when
	err := store.Save(t.Context(), original)
	require.NoError(t, err)
	loaded, err := store.Load(t.Context())

	// then
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(original, loaded))
}

func TestLoadRestoresVariableNumberTypes(t *testing.T) {
	// given
	store := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, store.Save(t.Context(), populatedStorage(t).Snapshot()))

	// when
	loaded, err := store.Load(t.Context())

	// then
	require.NoError(t, err)
	values := make(map[string]any)
	for _, v := range loaded.Variables {
		values[v.TypeName] = v.Value
	}
	assert.IsType(t, 0, values["Integer"])
	assert.IsType(t, int64(0), values["Long"])
	assert.IsType(t, float64(0), values["Double"])
}

func TestSaveReplacesPreviousContent(t *testing.T) {
	// given
	store := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, store.Save(t.Context(), populatedStorage(t).Snapshot()))

	// when
	err := store.Save(t.Context(), inmemory.NewStorage().Snapshot())
	require.NoError(t, err)
	loaded, err := store.Load(t.Context())

	// then
	require.NoError(t, err)
	assert.Empty(t, loaded.ProcessInstances)
	assert.Empty(t, loaded.Variables)
	assert.Empty(t, loaded.Batches)
}

func TestRestoredStorageServesQueries(t *testing.T) {
	// given
	store := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, store.Save(t.Context(), populatedStorage(t).Snapshot()))
	loaded, err := store.Load(t.Context())
	require.NoError(t, err)

	// when
	restored := inmemory.NewStorage()
	restored.Restore(loaded)
	instance, err := restored.FindProcessInstanceByKey(t.Context(), 20)

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceActive, instance.State)
}
