package migration

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func keyGenerator(start int64) func() int64 {
	var next atomic.Int64
	next.Store(start)
	return func() int64 {
		return next.Add(1)
	}
}

// definition loads a test case and creates its job definitions
func definition(t *testing.T, filename string, key int64) (runtime.ProcessDefinition, []runtime.JobDefinition) {
	process, data, err := model.LoadFile("../bpmn/test-cases/" + filename)
	require.NoError(t, err)
	pd := runtime.ProcessDefinition{
		BpmnProcessId:    process.Id,
		Version:          1,
		Key:              key,
		DeploymentKey:    key + 1,
		BpmnData:         data,
		BpmnResourceName: filename,
		Definition:       process,
	}
	return pd, runtime.JobDefinitionsFor(process, key, keyGenerator(key*10))
}

func rootExecution(instanceKey int64, definitionKey int64) runtime.Execution {
	return runtime.Execution{
		Key:                  instanceKey,
		ProcessInstanceKey:   instanceKey,
		ProcessDefinitionKey: definitionKey,
		ActivityInstanceId:   runtime.NewActivityInstanceId("", instanceKey),
		IsScope:              true,
	}
}

func childExecution(key int64, parent runtime.Execution, activityId string, isScope bool, isConcurrent bool) runtime.Execution {
	return runtime.Execution{
		Key:                  key,
		ParentKey:            parent.Key,
		ProcessInstanceKey:   parent.ProcessInstanceKey,
		ProcessDefinitionKey: parent.ProcessDefinitionKey,
		ActivityId:           activityId,
		ActivityInstanceId:   runtime.NewActivityInstanceId(activityId, key),
		IsScope:              isScope,
		IsConcurrent:         isConcurrent,
	}
}

func variable(key int64, owner runtime.Execution, name string, value any) runtime.VariableInstance {
	return runtime.VariableInstance{
		Key:                key,
		Name:               name,
		Value:              value,
		TypeName:           runtime.TypeNameOf(value),
		ExecutionKey:       owner.Key,
		ActivityInstanceId: owner.ActivityInstanceId,
		ProcessInstanceKey: owner.ProcessInstanceKey,
		TenantId:           "tenant",
	}
}

func instanceState(t *testing.T, definitionKey int64, executions ...runtime.Execution) InstanceState {
	tree, err := runtime.NewExecutionTree(executions)
	require.NoError(t, err)
	return InstanceState{
		Instance: runtime.ProcessInstance{
			Key:                  tree.Root().Key,
			ProcessDefinitionKey: definitionKey,
			State:                runtime.ProcessInstanceActive,
			CreatedAt:            testNow,
		},
		Tree: tree,
	}
}

func timerJob(t *testing.T, key int64, definitions []runtime.JobDefinition, owner runtime.Execution, activityId string,
	handler runtime.JobHandlerType, configuration string, due time.Time) runtime.Job {
	definition, ok := runtime.FindJobDefinition(definitions, activityId, handler, configuration)
	require.True(t, ok, "missing job definition for %s", activityId)
	job := runtime.NewTimerJob(key, definition, owner, owner.ProcessDefinitionKey+1, due, testNow)
	job.Priority = 7
	return job
}

func migrator(t *testing.T, plan *Plan, source runtime.ProcessDefinition, target runtime.ProcessDefinition, targetJobDefinitions []runtime.JobDefinition) *InstanceMigrator {
	m, err := NewInstanceMigrator(plan, source, target, targetJobDefinitions, keyGenerator(5000), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return m
}
