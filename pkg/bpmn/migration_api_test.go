package bpmn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pbinitiative/zenmigrate/internal/appcontext"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/oplog"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withUser(ctx context.Context, id string) context.Context {
	return appcontext.WithUser(ctx, appcontext.User{Id: id})
}

func equalActivitiesPlan(t *testing.T, engine *Engine, source runtime.ProcessDefinition, target runtime.ProcessDefinition) *migration.Plan {
	builder, err := engine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
	require.NoError(t, err)
	plan, err := builder.MapEqualActivities().Build()
	require.NoError(t, err)
	return plan
}

// runJobs executes due jobs the way the job executor does until no batch is left.
func runJobs(t *testing.T, engine *Engine, clock *testClock) {
	ctx := context.Background()
	for range 200 {
		jobs, err := engine.AcquireJobs(ctx, "test-worker", time.Minute, 10)
		require.NoError(t, err)
		for _, j := range jobs {
			if err := engine.ExecuteJob(ctx, j); err != nil {
				require.NoError(t, engine.FailJob(ctx, j, err, clock.Now()))
			}
		}
		if len(jobs) > 0 {
			continue
		}
		batches, err := engine.FindBatches(ctx)
		require.NoError(t, err)
		if len(batches) == 0 {
			return
		}
		clock.Advance(engine.batchConfig.MonitorPollInterval)
	}
	t.Fatal("batch jobs did not settle")
}

func TestMigrateOneTaskInstance(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "one_task.yaml")
	target := deploy(t, bpmnEngine, "one_task.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, map[string]any{"customer": "ACME"})
	require.NoError(t, err)
	variablesBefore, err := bpmnEngine.FindProcessInstanceVariables(t.Context(), instance.Key)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, bpmnEngine, source, target)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	migrated, err := bpmnEngine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, instance.Key, migrated.Key)
	assert.Equal(t, target.Key, migrated.ProcessDefinitionKey)
	tasks := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasks, 1)
	assert.Equal(t, target.Key, tasks[0].ProcessDefinitionKey)
	variablesAfter, err := bpmnEngine.FindProcessInstanceVariables(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(variablesBefore, variablesAfter))

	// when
	err = bpmnEngine.CompleteActivity(t.Context(), tasks[0].Key, nil)

	// then
	require.NoError(t, err)
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceCompleted)
}

func TestMigrateParallelMultiInstanceTask(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "parallel_mi_task.yaml")
	target := deploy(t, bpmnEngine, "parallel_mi_task.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	tasksBefore := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasksBefore, 3)
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasksBefore[0].Key, nil))
	builder, err := bpmnEngine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
	require.NoError(t, err)
	body := model.MultiInstanceBodyId("userTask")
	plan, err := builder.
		MapActivities(body, body).
		MapActivities("userTask", "userTask").
		Build()
	require.NoError(t, err)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	tasks := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.True(t, task.IsConcurrent)
		assert.Equal(t, target.Key, task.ProcessDefinitionKey)
	}
	bodies := activeExecutions(t, bpmnEngine, instance.Key, body)
	require.Len(t, bodies, 1)
	assert.Equal(t, 3, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfInstances))
	assert.Equal(t, 2, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfActiveInstances))
	assert.Equal(t, 1, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfCompletedInstances))

	// when
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasks[0].Key, nil))

	// then
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceActive)
	assert.Len(t, activeExecutions(t, bpmnEngine, instance.Key, "userTask"), 1)

	// when
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasks[1].Key, nil))

	// then
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceCompleted)
}

func TestMigrateBoundaryTimerKeepsJob(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "boundary_timer.yaml")
	target := deploy(t, bpmnEngine, "boundary_timer.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	jobsBefore := instanceJobs(t, bpmnEngine, instance.Key)
	require.Len(t, jobsBefore, 1)
	builder, err := bpmnEngine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
	require.NoError(t, err)
	plan, err := builder.
		MapActivities("userTask", "userTask").
		MapActivities("boundary", "boundary").UpdateEventTrigger().
		Build()
	require.NoError(t, err)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	jobs := instanceJobs(t, bpmnEngine, instance.Key)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobsBefore[0].Key, jobs[0].Key)
	assert.NotEqual(t, jobsBefore[0].JobDefinitionKey, jobs[0].JobDefinitionKey)
	targetDefinitions, err := bpmnEngine.Storage().FindProcessDefinitionJobDefinitions(t.Context(), target.Key)
	require.NoError(t, err)
	expected, ok := runtime.FindJobDefinition(targetDefinitions, "boundary", runtime.JobHandlerTimerExecuteNestedActivity, "")
	require.True(t, ok)
	assert.Equal(t, expected.Key, jobs[0].JobDefinitionKey)
	assert.Equal(t, target.DeploymentKey, jobs[0].DeploymentKey)
	assert.Equal(t, target.Key, jobs[0].ProcessDefinitionKey)

	// when
	err = bpmnEngine.ExecuteJob(t.Context(), jobs[0])

	// then
	require.NoError(t, err)
	assert.Empty(t, activeExecutions(t, bpmnEngine, instance.Key, "userTask"))
	assert.Len(t, activeExecutions(t, bpmnEngine, instance.Key, "afterBoundaryTask"), 1)
}

func TestMigrateSequentialMultiInstanceTask(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "sequential_mi_task.yaml")
	target := deploy(t, bpmnEngine, "sequential_mi_task.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	first := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, first, 1)
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), first[0].Key, nil))
	iterationBefore := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, iterationBefore, 1)
	builder, err := bpmnEngine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
	require.NoError(t, err)
	body := model.MultiInstanceBodyId("userTask")
	plan, err := builder.
		MapActivities(body, body).
		MapActivities("userTask", "userTask").
		Build()
	require.NoError(t, err)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	tasks := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasks, 1)
	assert.Equal(t, iterationBefore[0].Key, tasks[0].Key)
	assert.False(t, tasks[0].IsConcurrent)
	assert.Equal(t, target.Key, tasks[0].ProcessDefinitionKey)
	assert.Equal(t, 1, bodyVariable(t, bpmnEngine, tasks[0].Key, variableLoopCounter))
	bodies := activeExecutions(t, bpmnEngine, instance.Key, body)
	require.Len(t, bodies, 1)
	assert.Equal(t, 3, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfInstances))
	assert.Equal(t, 1, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfCompletedInstances))

	// when
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasks[0].Key, nil))

	// then
	last := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, last, 1)
	assert.Equal(t, target.Key, last[0].ProcessDefinitionKey)
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), last[0].Key, nil))
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceCompleted)
}

func TestMigrateMultiInstanceInSubProcess(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "mi_in_subprocess.yaml")
	target := deploy(t, bpmnEngine, "mi_in_subprocess.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	tasksBefore := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasksBefore, 3)
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasksBefore[0].Key, nil))
	builder, err := bpmnEngine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
	require.NoError(t, err)
	body := model.MultiInstanceBodyId("userTask")
	plan, err := builder.
		MapActivities("subProcess", "subProcess").
		MapActivities(body, body).
		MapActivities("userTask", "userTask").
		Build()
	require.NoError(t, err)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	subProcesses := activeExecutions(t, bpmnEngine, instance.Key, "subProcess")
	require.Len(t, subProcesses, 1)
	bodies := activeExecutions(t, bpmnEngine, instance.Key, body)
	require.Len(t, bodies, 1)
	assert.Equal(t, subProcesses[0].Key, bodies[0].ParentKey)
	assert.Equal(t, target.Key, bodies[0].ProcessDefinitionKey)
	assert.Equal(t, 2, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfActiveInstances))
	assert.Equal(t, 1, bodyVariable(t, bpmnEngine, bodies[0].Key, variableNrOfCompletedInstances))
	tasks := activeExecutions(t, bpmnEngine, instance.Key, "userTask")
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, bodies[0].Key, task.ParentKey)
		assert.True(t, task.IsConcurrent)
		assert.Equal(t, target.Key, task.ProcessDefinitionKey)
	}

	// when
	for _, task := range tasks {
		require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), task.Key, nil))
	}

	// then
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceCompleted)
}

func TestMigrateParallelSubProcesses(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "parallel_subprocesses.yaml")
	target := deploy(t, bpmnEngine, "parallel_subprocesses.yaml")
	instance, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	subProcessesBefore := append(
		activeExecutions(t, bpmnEngine, instance.Key, "subProcess1"),
		activeExecutions(t, bpmnEngine, instance.Key, "subProcess2")...)
	require.Len(t, subProcessesBefore, 2)
	plan := equalActivitiesPlan(t, bpmnEngine, source, target)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

	// then
	require.NoError(t, err)
	for i, id := range []string{"subProcess1", "subProcess2"} {
		subProcesses := activeExecutions(t, bpmnEngine, instance.Key, id)
		require.Len(t, subProcesses, 1, id)
		assert.Equal(t, subProcessesBefore[i].Key, subProcesses[0].Key)
		assert.Equal(t, instance.Key, subProcesses[0].ParentKey)
		assert.True(t, subProcesses[0].IsConcurrent, id)
		assert.Equal(t, target.Key, subProcesses[0].ProcessDefinitionKey)
	}
	var tasks []runtime.Execution
	for i, id := range []string{"userTask1", "userTask2"} {
		found := activeExecutions(t, bpmnEngine, instance.Key, id)
		require.Len(t, found, 1, id)
		assert.Equal(t, subProcessesBefore[i].Key, found[0].ParentKey)
		assert.False(t, found[0].IsConcurrent, id)
		tasks = append(tasks, found[0])
	}

	// when
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasks[0].Key, nil))

	// then
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceActive)

	// when
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), tasks[1].Key, nil))

	// then
	assertInstanceState(t, bpmnEngine, instance.Key, runtime.ProcessInstanceCompleted)
}

func TestMigrateIntermediateTimer(t *testing.T) {
	cases := []struct {
		name          string
		updateTrigger bool
		due           time.Duration
	}{
		{name: "due date kept", updateTrigger: false, due: 5 * time.Minute},
		{name: "due date recomputed from target timer", updateTrigger: true, due: 51 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			engine, clock := newTestEngine(t)
			source := deploy(t, engine, "intermediate_timer.yaml")
			target := deploy(t, engine, "intermediate_timer_longer.yaml")
			start := clock.Now()
			instance, err := engine.CreateInstance(t.Context(), source, nil)
			require.NoError(t, err)
			jobsBefore := instanceJobs(t, engine, instance.Key)
			require.Len(t, jobsBefore, 1)
			assert.Equal(t, start.Add(5*time.Minute), jobsBefore[0].DueDate)
			clock.Advance(time.Minute)
			builder, err := engine.CreateMigrationPlan(t.Context(), source.Key, target.Key)
			require.NoError(t, err)
			builder.MapActivities("timerCatch", "timerCatch")
			if tc.updateTrigger {
				builder.UpdateEventTrigger()
			}
			plan, err := builder.Build()
			require.NoError(t, err)

			// when
			err = engine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(t.Context())

			// then
			require.NoError(t, err)
			jobs := instanceJobs(t, engine, instance.Key)
			require.Len(t, jobs, 1)
			assert.Equal(t, jobsBefore[0].Key, jobs[0].Key)
			assert.Equal(t, start.Add(tc.due), jobs[0].DueDate)
			targetDefinitions, err := engine.Storage().FindProcessDefinitionJobDefinitions(t.Context(), target.Key)
			require.NoError(t, err)
			expected, ok := runtime.FindJobDefinition(targetDefinitions, "timerCatch", runtime.JobHandlerTimerIntermediateTransition, "")
			require.True(t, ok)
			assert.Equal(t, expected.Key, jobs[0].JobDefinitionKey)
			assert.Equal(t, target.Key, jobs[0].ProcessDefinitionKey)

			// when
			err = engine.ExecuteJob(t.Context(), jobs[0])

			// then
			require.NoError(t, err)
			assert.Empty(t, activeExecutions(t, engine, instance.Key, "timerCatch"))
			after := activeExecutions(t, engine, instance.Key, "afterCatch")
			require.Len(t, after, 1)
			assert.Equal(t, target.Key, after[0].ProcessDefinitionKey)
		})
	}
}

func TestMigrateFailsForInstanceOfOtherDefinition(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "one_task.yaml")
	target := deploy(t, bpmnEngine, "one_task.yaml")
	other, err := bpmnEngine.CreateInstance(t.Context(), target, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, bpmnEngine, source, target)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(other.Key).Execute(t.Context())

	// then
	var validationErr *migration.InstanceValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, other.Key, validationErr.ProcessInstanceKey)
}

func TestSyncMigrationIsAllOrNothing(t *testing.T) {
	// given
	source := deploy(t, bpmnEngine, "one_task.yaml")
	target := deploy(t, bpmnEngine, "one_task.yaml")
	running, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	completed, err := bpmnEngine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	task := activeExecutions(t, bpmnEngine, completed.Key, "userTask")[0]
	require.NoError(t, bpmnEngine.CompleteActivity(t.Context(), task.Key, nil))
	plan := equalActivitiesPlan(t, bpmnEngine, source, target)

	// when
	err = bpmnEngine.NewMigration(plan).ProcessInstanceIds(running.Key, completed.Key).Execute(t.Context())

	// then
	var validationErr *migration.InstanceValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "Process instance is COMPLETED")
	unchanged, err := bpmnEngine.FindProcessInstance(t.Context(), running.Key)
	require.NoError(t, err)
	assert.Equal(t, source.Key, unchanged.ProcessDefinitionKey)
}

func TestMigrationRejectsBadUserRequests(t *testing.T) {
	source := deploy(t, bpmnEngine, "one_task.yaml")
	target := deploy(t, bpmnEngine, "one_task.yaml")
	plan := equalActivitiesPlan(t, bpmnEngine, source, target)

	tests := []struct {
		name    string
		builder *MigrationBuilder
		message string
	}{
		{name: "no plan", builder: bpmnEngine.NewMigration(nil).ProcessInstanceIds(1), message: "Migration plan cannot be null"},
		{name: "no instances", builder: bpmnEngine.NewMigration(plan), message: "Process instance ids cannot be empty"},
		{name: "zero key", builder: bpmnEngine.NewMigration(plan).ProcessInstanceIds(1, 0), message: "Process instance ids cannot contain null values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// when
			syncErr := tt.builder.Execute(t.Context())
			_, asyncErr := tt.builder.ExecuteAsync(t.Context())

			// then
			for _, err := range []error{syncErr, asyncErr} {
				require.Error(t, err)
				assert.True(t, IsBadUserRequest(err))
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestUserOperationLogOfSyncMigration(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	instance, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)

	// when
	err = engine.NewMigration(plan).ProcessInstanceIds(instance.Key).SetAnnotation("release 2").Execute(withUser(t.Context(), "demo"))

	// then
	require.NoError(t, err)
	entries, err := engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byProperty := map[string]runtime.UserOperationLogEntry{}
	for _, e := range entries {
		assert.Equal(t, entries[0].OperationId, e.OperationId)
		assert.Equal(t, "demo", e.UserId)
		assert.Equal(t, oplog.OperationTypeMigrate, e.OperationType)
		assert.Equal(t, "release 2", e.Annotation)
		byProperty[e.Property] = e
	}
	assert.Equal(t, "false", byProperty[oplog.PropertyAsync].NewValue)
	assert.Equal(t, "1", byProperty[oplog.PropertyNrOfInstances].NewValue)
	assert.Equal(t, target.Key, mustParseKey(t, byProperty[oplog.PropertyProcessDefinitionId].NewValue))
}

func TestUnauthenticatedMigrationWritesNoLog(t *testing.T) {
	// given
	engine, clock := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	first, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	second, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)

	// when
	require.NoError(t, engine.NewMigration(plan).ProcessInstanceIds(first.Key).Execute(t.Context()))
	_, err = engine.NewMigration(plan).ProcessInstanceIds(second.Key).ExecuteAsync(t.Context())
	require.NoError(t, err)
	runJobs(t, engine, clock)

	// then
	entries, err := engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
	migrated, err := engine.FindProcessInstance(t.Context(), second.Key)
	require.NoError(t, err)
	assert.Equal(t, target.Key, migrated.ProcessDefinitionKey)
}

func TestAsyncMigrationEndToEnd(t *testing.T) {
	// given
	engine, clock := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	keys := make([]int64, 0, 3)
	for range 3 {
		instance, err := engine.CreateInstance(t.Context(), source, nil)
		require.NoError(t, err)
		keys = append(keys, instance.Key)
	}
	plan := equalActivitiesPlan(t, engine, source, target)

	// when
	batch, err := engine.NewMigration(plan).ProcessInstanceIds(keys...).ExecuteAsync(withUser(t.Context(), "demo"))

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateCreated, batch.State)
	assert.Equal(t, 3, batch.TotalJobs)
	entries, err := engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, batch.Key, e.BatchKey)
		if e.Property == oplog.PropertyAsync {
			assert.Equal(t, "true", e.NewValue)
		}
	}

	// when
	runJobs(t, engine, clock)

	// then
	for _, key := range keys {
		instance, err := engine.FindProcessInstance(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, target.Key, instance.ProcessDefinitionKey)
	}
	historic, err := engine.FindHistoricBatch(t.Context(), batch.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateCompleted, historic.State)
	assert.NotNil(t, historic.EndTime)
	_, err = engine.FindBatch(t.Context(), batch.Key)
	assert.Error(t, err)
	entries, err = engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestAsyncMigrationFailureBecomesIncident(t *testing.T) {
	// given
	engine, clock := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	running, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	completed, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)
	batch, err := engine.NewMigration(plan).ProcessInstanceIds(running.Key, completed.Key).ExecuteAsync(t.Context())
	require.NoError(t, err)
	task := activeExecutions(t, engine, completed.Key, "userTask")[0]
	require.NoError(t, engine.CompleteActivity(t.Context(), task.Key, nil))

	// when
	runJobs(t, engine, clock)

	// then
	migrated, err := engine.FindProcessInstance(t.Context(), running.Key)
	require.NoError(t, err)
	assert.Equal(t, target.Key, migrated.ProcessDefinitionKey)
	historic, err := engine.FindHistoricBatch(t.Context(), batch.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateCompleted, historic.State)
	incidents, err := engine.FindIncidents(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, batch.BatchJobDefinitionKey, incidents[0].JobDefinitionKey)
	assert.Contains(t, incidents[0].Message, "Process instance is COMPLETED")
}

func TestDeleteBatchCancelsPendingJobs(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	instance, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)
	batch, err := engine.NewMigration(plan).ProcessInstanceIds(instance.Key).ExecuteAsync(t.Context())
	require.NoError(t, err)

	// when
	err = engine.DeleteBatch(withUser(t.Context(), "demo"), batch.Key)

	// then
	require.NoError(t, err)
	historic, err := engine.FindHistoricBatch(t.Context(), batch.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchStateDeleted, historic.State)
	jobs, err := engine.Storage().FindJobsByJobDefinitionKey(t.Context(), batch.SeedJobDefinitionKey)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	unchanged, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, source.Key, unchanged.ProcessDefinitionKey)
	entries, err := engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.OperationTypeDelete, entries[0].OperationType)

	// when
	err = engine.DeleteBatch(t.Context(), batch.Key)

	// then
	assert.True(t, IsBadUserRequest(err))
}

func TestFailedJobsOfDeletedBatchAreNotRetried(t *testing.T) {
	// given
	engine, clock := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	running, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	completed, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)
	batch, err := engine.NewMigration(plan).ProcessInstanceIds(running.Key, completed.Key).ExecuteAsync(t.Context())
	require.NoError(t, err)
	require.NoError(t, engine.CompleteActivity(t.Context(), activeExecutions(t, engine, completed.Key, "userTask")[0].Key, nil))
	seedJobs, err := engine.AcquireJobs(t.Context(), "test-worker", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, seedJobs, 1)
	require.NoError(t, engine.ExecuteJob(t.Context(), seedJobs[0]))
	claimed, err := engine.AcquireJobs(t.Context(), "test-worker", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3, "both batch jobs and the monitor job")

	// when
	require.NoError(t, engine.DeleteBatch(t.Context(), batch.Key))
	for _, j := range claimed {
		if err := engine.ExecuteJob(t.Context(), j); err != nil {
			require.NoError(t, engine.FailJob(t.Context(), j, err, clock.Now()))
		}
	}

	// then
	jobs, err := engine.FindJobs(t.Context(), storage.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	incidents, err := engine.FindIncidents(t.Context(), 0)
	require.NoError(t, err)
	assert.Empty(t, incidents)
	migrated, err := engine.FindProcessInstance(t.Context(), running.Key)
	require.NoError(t, err)
	assert.Equal(t, target.Key, migrated.ProcessDefinitionKey, "claimed jobs run to completion")
}

func TestFailJobDropsJobOfDeletedBatch(t *testing.T) {
	// given
	engine, clock := newTestEngine(t)
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	instance, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)
	batch, err := engine.NewMigration(plan).ProcessInstanceIds(instance.Key).ExecuteAsync(t.Context())
	require.NoError(t, err)
	seedJobs, err := engine.AcquireJobs(t.Context(), "test-worker", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, seedJobs, 1)
	require.NoError(t, engine.Storage().DeleteBatch(t.Context(), batch.Key))

	// when
	err = engine.FailJob(t.Context(), seedJobs[0], errors.New("worker crashed"), clock.Now())

	// then
	require.NoError(t, err)
	_, err = engine.FindJob(t.Context(), seedJobs[0].Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	incidents, err := engine.FindIncidents(t.Context(), 0)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestUnauthorizedMigrationChangesNothing(t *testing.T) {
	// given
	manager := authorization.NewManager(true)
	engine, _ := newTestEngine(t, EngineWithAuthorization(manager))
	source := deploy(t, engine, "one_task.yaml")
	target := deploy(t, engine, "one_task.yaml")
	instance, err := engine.CreateInstance(t.Context(), source, nil)
	require.NoError(t, err)
	plan := equalActivitiesPlan(t, engine, source, target)
	manager.Grant(authorization.Grant{
		UserId:      "demo",
		Resource:    authorization.ResourceProcessDefinition,
		ResourceId:  authorization.AnyResourceId,
		Permissions: []authorization.Permission{authorization.PermissionUpdateInstance},
	})
	ctx := withUser(t.Context(), "demo")

	// when
	syncErr := engine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(ctx)
	_, asyncErr := engine.NewMigration(plan).ProcessInstanceIds(instance.Key).ExecuteAsync(ctx)

	// then
	var authErr *authorization.Error
	require.ErrorAs(t, syncErr, &authErr)
	assert.Equal(t, authorization.ResourceProcessInstance, authErr.Resource)
	require.ErrorAs(t, asyncErr, &authErr)
	assert.Equal(t, authorization.ResourceBatch, authErr.Resource)
	unchanged, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, source.Key, unchanged.ProcessDefinitionKey)
	batches, err := engine.FindBatches(t.Context())
	require.NoError(t, err)
	assert.Empty(t, batches)
	entries, err := engine.FindUserOperationLog(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// when
	manager.Grant(
		authorization.Grant{
			UserId:      "demo",
			Resource:    authorization.ResourceProcessInstance,
			ResourceId:  authorization.AnyResourceId,
			Permissions: []authorization.Permission{authorization.PermissionRead, authorization.PermissionUpdate},
		},
		authorization.Grant{
			UserId:      "demo",
			Resource:    authorization.ResourceBatch,
			ResourceId:  authorization.AnyResourceId,
			Permissions: []authorization.Permission{authorization.PermissionCreateBatchMigrateProcessInstances},
		},
	)

	// then
	_, err = engine.NewMigration(plan).ProcessInstanceIds(instance.Key).ExecuteAsync(ctx)
	assert.NoError(t, err)
	assert.NoError(t, engine.NewMigration(plan).ProcessInstanceIds(instance.Key).Execute(ctx))
}

func TestSetJobRetriesChecksProcessInstancePermission(t *testing.T) {
	// given
	manager := authorization.NewManager(true)
	engine, _ := newTestEngine(t, EngineWithAuthorization(manager))
	definition := deploy(t, engine, "boundary_timer.yaml")
	granted, err := engine.CreateInstance(t.Context(), definition, nil)
	require.NoError(t, err)
	denied, err := engine.CreateInstance(t.Context(), definition, nil)
	require.NoError(t, err)
	manager.Grant(authorization.Grant{
		UserId:      "demo",
		Resource:    authorization.ResourceProcessInstance,
		ResourceId:  strconv.FormatInt(granted.Key, 10),
		Permissions: []authorization.Permission{authorization.PermissionUpdate},
	})
	ctx := withUser(t.Context(), "demo")
	grantedJob := instanceJobs(t, engine, granted.Key)[0]
	deniedJob := instanceJobs(t, engine, denied.Key)[0]

	// when
	grantedErr := engine.SetJobRetries(ctx, grantedJob.Key, 5)
	deniedErr := engine.SetJobRetries(ctx, deniedJob.Key, 5)

	// then
	require.NoError(t, grantedErr)
	stored, err := engine.FindJob(t.Context(), grantedJob.Key)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Retries)
	var authErr *authorization.Error
	require.ErrorAs(t, deniedErr, &authErr)
	assert.Equal(t, strconv.FormatInt(denied.Key, 10), authErr.ResourceId)
}

func mustParseKey(t *testing.T, s string) int64 {
	key, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return key
}
