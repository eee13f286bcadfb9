// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	bpmnruntime "github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester runs the contract every storage.Storage implementation has to fulfil.
type StorageTester struct {
	processDefinition bpmnruntime.ProcessDefinition
	processInstance   bpmnruntime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageReader,
		st.TestExecutionStorage,
		st.TestEventSubscriptionStorage,
		st.TestJobStorage,
		st.TestAcquireJobs,
		st.TestVariableStorage,
		st.TestBatchStorage,
		st.TestHistoricBatchStorage,
		st.TestIncidentStorage,
		st.TestUserOperationLogStorage,
		st.TestTransactionIsAppliedOnFlush,
		st.TestNotFound,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessDefinition(r int64) bpmnruntime.ProcessDefinition {
	return bpmnruntime.ProcessDefinition{
		BpmnProcessId:    fmt.Sprintf("id-%d", r),
		Version:          1,
		Key:              r,
		BpmnData:         []byte(fmt.Sprintf("id: id-%d\nactivities: []\n", r)),
		BpmnChecksum:     [16]byte{1},
		BpmnResourceName: fmt.Sprintf("resource-%d", r),
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processDefinition = getProcessDefinition(r)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	require.NoError(t, err)

	st.processInstance = bpmnruntime.ProcessInstance{
		Key:                  r,
		ProcessDefinitionKey: st.processDefinition.Key,
		BpmnProcessId:        st.processDefinition.BpmnProcessId,
		State:                bpmnruntime.ProcessInstanceActive,
		CreatedAt:            time.Now().Truncate(time.Millisecond),
	}
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	require.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		def := getProcessDefinition(r)
		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		def2 := def
		def2.Key = s.GenerateId()
		def2.Version = 2
		err = s.SaveProcessDefinition(t.Context(), def2)
		assert.NoError(t, err)

		definition, err := s.FindLatestProcessDefinitionById(t.Context(), def.BpmnProcessId)
		assert.NoError(t, err)
		assert.Equal(t, def2.Key, definition.Key)

		definition, err = s.FindProcessDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), def.BpmnProcessId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)
	}
}

func (st *StorageTester) TestExecutionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := st.processInstance.Key
		child := bpmnruntime.Execution{
			Key:                s.GenerateId(),
			ParentKey:          pi,
			ProcessInstanceKey: pi,
			ActivityId:         "task",
		}
		err := s.SaveExecution(t.Context(), child)
		assert.NoError(t, err)

		found, err := s.FindExecutionByKey(t.Context(), child.Key)
		assert.NoError(t, err)
		assert.Equal(t, child, found)

		executions, err := s.FindProcessInstanceExecutions(t.Context(), pi)
		assert.NoError(t, err)
		assert.Contains(t, executions, child)

		err = s.DeleteExecution(t.Context(), child.Key)
		assert.NoError(t, err)
		_, err = s.FindExecutionByKey(t.Context(), child.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestEventSubscriptionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		sub := bpmnruntime.EventSubscription{
			Key:                s.GenerateId(),
			EventType:          "MESSAGE",
			EventName:          "msg",
			ActivityId:         "boundary",
			ExecutionKey:       s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
		}
		err := s.SaveEventSubscription(t.Context(), sub)
		assert.NoError(t, err)

		subs, err := s.FindExecutionEventSubscriptions(t.Context(), sub.ExecutionKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.EventSubscription{sub}, subs)

		subs, err = s.FindProcessInstanceEventSubscriptions(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Contains(t, subs, sub)

		err = s.DeleteEventSubscription(t.Context(), sub.Key)
		assert.NoError(t, err)
		subs, err = s.FindExecutionEventSubscriptions(t.Context(), sub.ExecutionKey)
		assert.NoError(t, err)
		assert.Empty(t, subs)
	}
}

func (st *StorageTester) TestJobStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		jd := bpmnruntime.JobDefinition{
			Key:                  s.GenerateId(),
			ProcessDefinitionKey: st.processDefinition.Key,
			ActivityId:           "timer",
			HandlerType:          bpmnruntime.JobHandlerTimerIntermediateTransition,
		}
		err := s.SaveJobDefinition(t.Context(), jd)
		assert.NoError(t, err)

		jds, err := s.FindProcessDefinitionJobDefinitions(t.Context(), st.processDefinition.Key)
		assert.NoError(t, err)
		assert.Contains(t, jds, jd)

		job := bpmnruntime.Job{
			Key:                s.GenerateId(),
			JobDefinitionKey:   jd.Key,
			HandlerType:        jd.HandlerType,
			ProcessInstanceKey: st.processInstance.Key,
			Retries:            3,
			DueDate:            time.Now().Truncate(time.Millisecond),
		}
		err = s.SaveJob(t.Context(), job)
		assert.NoError(t, err)

		found, err := s.FindJobByKey(t.Context(), job.Key)
		assert.NoError(t, err)
		assert.Equal(t, job, found)

		jobs, err := s.FindJobsByJobDefinitionKey(t.Context(), jd.Key)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Job{job}, jobs)

		jobs, err = s.FindJobs(t.Context(), storage.JobFilter{JobDefinitionKey: jd.Key, NoRetriesLeft: true})
		assert.NoError(t, err)
		assert.Empty(t, jobs)

		err = s.DeleteJob(t.Context(), job.Key)
		assert.NoError(t, err)
		err = s.DeleteJobDefinition(t.Context(), jd.Key)
		assert.NoError(t, err)
		_, err = s.FindJobDefinitionByKey(t.Context(), jd.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestAcquireJobs(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		now := time.Now()
		jdKey := s.GenerateId()
		due := bpmnruntime.Job{Key: s.GenerateId(), JobDefinitionKey: jdKey, Retries: 1, DueDate: now.Add(-time.Second)}
		future := bpmnruntime.Job{Key: s.GenerateId(), JobDefinitionKey: jdKey, Retries: 1, DueDate: now.Add(time.Hour)}
		failed := bpmnruntime.Job{Key: s.GenerateId(), JobDefinitionKey: jdKey, Retries: 0, DueDate: now.Add(-time.Second)}
		for _, j := range []bpmnruntime.Job{due, future, failed} {
			assert.NoError(t, s.SaveJob(t.Context(), j))
		}

		acquired, err := s.AcquireJobs(t.Context(), "owner", now, now.Add(time.Minute), 100)
		assert.NoError(t, err)
		keys := make([]int64, 0)
		for _, j := range acquired {
			keys = append(keys, j.Key)
		}
		assert.Contains(t, keys, due.Key)
		assert.NotContains(t, keys, future.Key)
		assert.NotContains(t, keys, failed.Key)

		locked, err := s.FindJobByKey(t.Context(), due.Key)
		assert.NoError(t, err)
		assert.Equal(t, "owner", locked.LockOwner)

		again, err := s.AcquireJobs(t.Context(), "other", now, now.Add(time.Minute), 100)
		assert.NoError(t, err)
		for _, j := range again {
			assert.NotEqual(t, due.Key, j.Key)
		}
	}
}

func (st *StorageTester) TestVariableStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		v := bpmnruntime.VariableInstance{
			Key:                s.GenerateId(),
			Name:               "foo",
			Value:              "bar",
			TypeName:           "String",
			ExecutionKey:       st.processInstance.Key,
			ProcessInstanceKey: st.processInstance.Key,
		}
		err := s.SaveVariable(t.Context(), v)
		assert.NoError(t, err)

		vars, err := s.FindExecutionVariables(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Contains(t, vars, v)

		err = s.DeleteVariable(t.Context(), v.Key)
		assert.NoError(t, err)
		vars, err = s.FindProcessInstanceVariables(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.NotContains(t, vars, v)
	}
}

func (st *StorageTester) TestBatchStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		b := bpmnruntime.Batch{
			Key:       s.GenerateId(),
			Type:      bpmnruntime.BatchTypeInstanceMigration,
			State:     bpmnruntime.BatchStateCreated,
			TotalJobs: 3,
			CreatedAt: time.Now().Truncate(time.Millisecond),
		}
		err := s.SaveBatch(t.Context(), b)
		assert.NoError(t, err)

		found, err := s.FindBatchByKey(t.Context(), b.Key)
		assert.NoError(t, err)
		assert.Equal(t, b, found)

		batches, err := s.FindBatches(t.Context())
		assert.NoError(t, err)
		assert.Contains(t, batches, b)

		err = s.DeleteBatch(t.Context(), b.Key)
		assert.NoError(t, err)
		_, err = s.FindBatchByKey(t.Context(), b.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestHistoricBatchStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		old := time.Now().Add(-48 * time.Hour).Truncate(time.Millisecond)
		recent := time.Now().Truncate(time.Millisecond)
		hb1 := bpmnruntime.HistoricBatch{Key: s.GenerateId(), State: bpmnruntime.BatchStateCompleted, EndTime: &old}
		hb2 := bpmnruntime.HistoricBatch{Key: s.GenerateId(), State: bpmnruntime.BatchStateCompleted, EndTime: &recent}
		hb3 := bpmnruntime.HistoricBatch{Key: s.GenerateId(), State: bpmnruntime.BatchStateMonitoring}
		for _, hb := range []bpmnruntime.HistoricBatch{hb1, hb2, hb3} {
			assert.NoError(t, s.SaveHistoricBatch(t.Context(), hb))
		}

		ended, err := s.FindHistoricBatchesEndedBefore(t.Context(), time.Now().Add(-24*time.Hour))
		assert.NoError(t, err)
		assert.Contains(t, ended, hb1)
		assert.NotContains(t, ended, hb2)
		assert.NotContains(t, ended, hb3)

		err = s.DeleteHistoricBatch(t.Context(), hb1.Key)
		assert.NoError(t, err)
		_, err = s.FindHistoricBatchByKey(t.Context(), hb1.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestIncidentStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		incident := bpmnruntime.Incident{
			Key:                s.GenerateId(),
			Type:               bpmnruntime.IncidentTypeFailedJob,
			JobKey:             s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
			Message:            "boom",
		}
		err := s.SaveIncident(t.Context(), incident)
		assert.NoError(t, err)

		byJob, err := s.FindIncidentsByJobKey(t.Context(), incident.JobKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Incident{incident}, byJob)

		byInstance, err := s.FindProcessInstanceIncidents(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Contains(t, byInstance, incident)

		found, err := s.FindIncidentByKey(t.Context(), incident.Key)
		assert.NoError(t, err)
		assert.Equal(t, incident, found)
	}
}

func (st *StorageTester) TestUserOperationLogStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		opId := fmt.Sprintf("op-%d", s.GenerateId())
		entry := bpmnruntime.UserOperationLogEntry{
			Key:           s.GenerateId(),
			OperationId:   opId,
			UserId:        "demo",
			Timestamp:     time.Now().Truncate(time.Millisecond),
			OperationType: "Migrate",
			Property:      "async",
			NewValue:      "true",
		}
		err := s.SaveUserOperationLogEntry(t.Context(), entry)
		assert.NoError(t, err)

		entries, err := s.FindUserOperationLogEntriesByOperationId(t.Context(), opId)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.UserOperationLogEntry{entry}, entries)
	}
}

func (st *StorageTester) TestTransactionIsAppliedOnFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		tx := s.NewTransaction()
		e := bpmnruntime.Execution{
			Key:                s.GenerateId(),
			ParentKey:          st.processInstance.Key,
			ProcessInstanceKey: st.processInstance.Key,
			ActivityId:         "staged",
		}
		err := tx.SaveExecution(t.Context(), e)
		assert.NoError(t, err)

		_, err = s.FindExecutionByKey(t.Context(), e.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = tx.Flush(t.Context())
		assert.NoError(t, err)

		found, err := s.FindExecutionByKey(t.Context(), e.Key)
		assert.NoError(t, err)
		assert.Equal(t, e, found)
	}
}

func (st *StorageTester) TestNotFound(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		missing := s.GenerateId()
		_, err := s.FindProcessDefinitionByKey(t.Context(), missing)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindProcessInstanceByKey(t.Context(), missing)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindJobByKey(t.Context(), missing)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindLatestProcessDefinitionById(t.Context(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		jobs, err := s.FindProcessInstanceJobs(t.Context(), missing)
		assert.NoError(t, err)
		assert.NotNil(t, jobs)
		assert.Empty(t, jobs)
	}
}
