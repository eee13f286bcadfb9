// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"cmp"
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu *sync.RWMutex

	ProcessDefinitions      map[int64]runtime.ProcessDefinition
	ProcessInstances        map[int64]runtime.ProcessInstance
	Executions              map[int64]runtime.Execution
	EventSubscriptions      map[int64]runtime.EventSubscription
	JobDefinitions          map[int64]runtime.JobDefinition
	Jobs                    map[int64]runtime.Job
	Variables               map[int64]runtime.VariableInstance
	Batches                 map[int64]runtime.Batch
	HistoricBatches         map[int64]runtime.HistoricBatch
	Incidents               map[int64]runtime.Incident
	UserOperationLogEntries map[int64]runtime.UserOperationLogEntry
}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func NewStorage() *Storage {
	return &Storage{
		mu:                      &sync.RWMutex{},
		ProcessDefinitions:      make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:        make(map[int64]runtime.ProcessInstance),
		Executions:              make(map[int64]runtime.Execution),
		EventSubscriptions:      make(map[int64]runtime.EventSubscription),
		JobDefinitions:          make(map[int64]runtime.JobDefinition),
		Jobs:                    make(map[int64]runtime.Job),
		Variables:               make(map[int64]runtime.VariableInstance),
		Batches:                 make(map[int64]runtime.Batch),
		HistoricBatches:         make(map[int64]runtime.HistoricBatch),
		Incidents:               make(map[int64]runtime.Incident),
		UserOperationLogEntries: make(map[int64]runtime.UserOperationLogEntry),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewTransaction() storage.Transaction {
	return &StorageTransaction{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func collect[K comparable, V any](m map[K]V, filter func(V) bool, key func(V) int64) []V {
	res := make([]V, 0)
	for _, v := range m {
		if filter(v) {
			res = append(res, v)
		}
	}
	slices.SortFunc(res, func(a, b V) int {
		return cmp.Compare(key(a), key(b))
	})
	return res
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processDefinitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessDefinition(definition)
}

func (mem *Storage) saveProcessDefinition(definition runtime.ProcessDefinition) error {
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstancesByDefinitionKey(ctx context.Context, processDefinitionKey int64) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.ProcessInstances, func(pi runtime.ProcessInstance) bool {
		return pi.ProcessDefinitionKey == processDefinitionKey
	}, func(pi runtime.ProcessInstance) int64 { return pi.Key }), nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessInstance(processInstance)
}

func (mem *Storage) saveProcessInstance(processInstance runtime.ProcessInstance) error {
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

var _ storage.ExecutionStorageReader = &Storage{}

func (mem *Storage) FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Executions[executionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Executions, func(e runtime.Execution) bool {
		return e.ProcessInstanceKey == processInstanceKey
	}, func(e runtime.Execution) int64 { return e.Key }), nil
}

var _ storage.ExecutionStorageWriter = &Storage{}

func (mem *Storage) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveExecution(execution)
}

func (mem *Storage) saveExecution(execution runtime.Execution) error {
	mem.Executions[execution.Key] = execution
	return nil
}

func (mem *Storage) DeleteExecution(ctx context.Context, executionKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteExecution(executionKey)
}

func (mem *Storage) deleteExecution(executionKey int64) error {
	delete(mem.Executions, executionKey)
	return nil
}

var _ storage.EventSubscriptionStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceEventSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.EventSubscriptions, func(s runtime.EventSubscription) bool {
		return s.ProcessInstanceKey == processInstanceKey
	}, func(s runtime.EventSubscription) int64 { return s.Key }), nil
}

func (mem *Storage) FindExecutionEventSubscriptions(ctx context.Context, executionKey int64) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.EventSubscriptions, func(s runtime.EventSubscription) bool {
		return s.ExecutionKey == executionKey
	}, func(s runtime.EventSubscription) int64 { return s.Key }), nil
}

var _ storage.EventSubscriptionStorageWriter = &Storage{}

func (mem *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveEventSubscription(subscription)
}

func (mem *Storage) saveEventSubscription(subscription runtime.EventSubscription) error {
	mem.EventSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteEventSubscription(subscriptionKey)
}

func (mem *Storage) deleteEventSubscription(subscriptionKey int64) error {
	delete(mem.EventSubscriptions, subscriptionKey)
	return nil
}

var _ storage.JobDefinitionStorageReader = &Storage{}

func (mem *Storage) FindJobDefinitionByKey(ctx context.Context, jobDefinitionKey int64) (runtime.JobDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.JobDefinitions[jobDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionJobDefinitions(ctx context.Context, processDefinitionKey int64) ([]runtime.JobDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.JobDefinitions, func(jd runtime.JobDefinition) bool {
		return jd.ProcessDefinitionKey == processDefinitionKey
	}, func(jd runtime.JobDefinition) int64 { return jd.Key }), nil
}

var _ storage.JobDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveJobDefinition(jobDefinition)
}

func (mem *Storage) saveJobDefinition(jobDefinition runtime.JobDefinition) error {
	mem.JobDefinitions[jobDefinition.Key] = jobDefinition
	return nil
}

func (mem *Storage) DeleteJobDefinition(ctx context.Context, jobDefinitionKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteJobDefinition(jobDefinitionKey)
}

func (mem *Storage) deleteJobDefinition(jobDefinitionKey int64) error {
	delete(mem.JobDefinitions, jobDefinitionKey)
	return nil
}

var _ storage.JobStorageReader = &Storage{}

func (mem *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Jobs[jobKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	return mem.FindJobs(ctx, storage.JobFilter{ProcessInstanceKey: processInstanceKey})
}

func (mem *Storage) FindJobsByJobDefinitionKey(ctx context.Context, jobDefinitionKey int64) ([]runtime.Job, error) {
	return mem.FindJobs(ctx, storage.JobFilter{JobDefinitionKey: jobDefinitionKey})
}

func (mem *Storage) FindJobs(ctx context.Context, filter storage.JobFilter) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Jobs, func(j runtime.Job) bool {
		if filter.ProcessInstanceKey != 0 && j.ProcessInstanceKey != filter.ProcessInstanceKey {
			return false
		}
		if filter.JobDefinitionKey != 0 && j.JobDefinitionKey != filter.JobDefinitionKey {
			return false
		}
		if filter.HandlerType != "" && j.HandlerType != filter.HandlerType {
			return false
		}
		if filter.WithRetriesLeft && j.Retries <= 0 {
			return false
		}
		if filter.NoRetriesLeft && j.Retries > 0 {
			return false
		}
		return true
	}, func(j runtime.Job) int64 { return j.Key }), nil
}

func (mem *Storage) AcquireJobs(ctx context.Context, owner string, now time.Time, lockUntil time.Time, max int) ([]runtime.Job, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	due := collect(mem.Jobs, func(j runtime.Job) bool {
		return j.IsExecutable(now)
	}, func(j runtime.Job) int64 { return j.Key })
	slices.SortStableFunc(due, func(a, b runtime.Job) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.DueDate.Compare(b.DueDate)
	})
	if len(due) > max {
		due = due[:max]
	}
	for i := range due {
		due[i].LockOwner = owner
		due[i].LockExpiration = lockUntil
		mem.Jobs[due[i].Key] = due[i]
	}
	return due, nil
}

var _ storage.JobStorageWriter = &Storage{}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveJob(job)
}

func (mem *Storage) saveJob(job runtime.Job) error {
	mem.Jobs[job.Key] = job
	return nil
}

func (mem *Storage) DeleteJob(ctx context.Context, jobKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteJob(jobKey)
}

func (mem *Storage) deleteJob(jobKey int64) error {
	delete(mem.Jobs, jobKey)
	return nil
}

var _ storage.VariableStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceVariables(ctx context.Context, processInstanceKey int64) ([]runtime.VariableInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Variables, func(v runtime.VariableInstance) bool {
		return v.ProcessInstanceKey == processInstanceKey
	}, func(v runtime.VariableInstance) int64 { return v.Key }), nil
}

func (mem *Storage) FindExecutionVariables(ctx context.Context, executionKey int64) ([]runtime.VariableInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Variables, func(v runtime.VariableInstance) bool {
		return v.ExecutionKey == executionKey
	}, func(v runtime.VariableInstance) int64 { return v.Key }), nil
}

var _ storage.VariableStorageWriter = &Storage{}

func (mem *Storage) SaveVariable(ctx context.Context, variable runtime.VariableInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveVariable(variable)
}

func (mem *Storage) saveVariable(variable runtime.VariableInstance) error {
	mem.Variables[variable.Key] = variable
	return nil
}

func (mem *Storage) DeleteVariable(ctx context.Context, variableKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteVariable(variableKey)
}

func (mem *Storage) deleteVariable(variableKey int64) error {
	delete(mem.Variables, variableKey)
	return nil
}

var _ storage.BatchStorageReader = &Storage{}

func (mem *Storage) FindBatchByKey(ctx context.Context, batchKey int64) (runtime.Batch, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Batches[batchKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindBatches(ctx context.Context) ([]runtime.Batch, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Batches, func(runtime.Batch) bool { return true },
		func(b runtime.Batch) int64 { return b.Key }), nil
}

var _ storage.BatchStorageWriter = &Storage{}

func (mem *Storage) SaveBatch(ctx context.Context, batch runtime.Batch) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveBatch(batch)
}

func (mem *Storage) saveBatch(batch runtime.Batch) error {
	mem.Batches[batch.Key] = batch
	return nil
}

func (mem *Storage) DeleteBatch(ctx context.Context, batchKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteBatch(batchKey)
}

func (mem *Storage) deleteBatch(batchKey int64) error {
	delete(mem.Batches, batchKey)
	return nil
}

var _ storage.HistoricBatchStorageReader = &Storage{}

func (mem *Storage) FindHistoricBatchByKey(ctx context.Context, batchKey int64) (runtime.HistoricBatch, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.HistoricBatches[batchKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindHistoricBatches(ctx context.Context) ([]runtime.HistoricBatch, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.HistoricBatches, func(runtime.HistoricBatch) bool { return true },
		func(b runtime.HistoricBatch) int64 { return b.Key }), nil
}

func (mem *Storage) FindHistoricBatchesEndedBefore(ctx context.Context, end time.Time) ([]runtime.HistoricBatch, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.HistoricBatches, func(b runtime.HistoricBatch) bool {
		return b.EndTime != nil && b.EndTime.Before(end)
	}, func(b runtime.HistoricBatch) int64 { return b.Key }), nil
}

var _ storage.HistoricBatchStorageWriter = &Storage{}

func (mem *Storage) SaveHistoricBatch(ctx context.Context, batch runtime.HistoricBatch) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveHistoricBatch(batch)
}

func (mem *Storage) saveHistoricBatch(batch runtime.HistoricBatch) error {
	mem.HistoricBatches[batch.Key] = batch
	return nil
}

func (mem *Storage) DeleteHistoricBatch(ctx context.Context, batchKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteHistoricBatch(batchKey)
}

func (mem *Storage) deleteHistoricBatch(batchKey int64) error {
	delete(mem.HistoricBatches, batchKey)
	return nil
}

var _ storage.IncidentStorageReader = &Storage{}

func (mem *Storage) FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Incidents[incidentKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindIncidentsByJobKey(ctx context.Context, jobKey int64) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Incidents, func(i runtime.Incident) bool {
		return i.JobKey == jobKey
	}, func(i runtime.Incident) int64 { return i.Key }), nil
}

func (mem *Storage) FindProcessInstanceIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Incidents, func(i runtime.Incident) bool {
		return i.ProcessInstanceKey == processInstanceKey
	}, func(i runtime.Incident) int64 { return i.Key }), nil
}

func (mem *Storage) FindIncidents(ctx context.Context) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.Incidents, func(runtime.Incident) bool { return true },
		func(i runtime.Incident) int64 { return i.Key }), nil
}

var _ storage.IncidentStorageWriter = &Storage{}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveIncident(incident)
}

func (mem *Storage) saveIncident(incident runtime.Incident) error {
	mem.Incidents[incident.Key] = incident
	return nil
}

func (mem *Storage) DeleteIncident(ctx context.Context, incidentKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.deleteIncident(incidentKey)
}

func (mem *Storage) deleteIncident(incidentKey int64) error {
	delete(mem.Incidents, incidentKey)
	return nil
}

var _ storage.UserOperationLogStorageReader = &Storage{}

func (mem *Storage) FindUserOperationLogEntries(ctx context.Context) ([]runtime.UserOperationLogEntry, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := collect(mem.UserOperationLogEntries, func(runtime.UserOperationLogEntry) bool { return true },
		func(e runtime.UserOperationLogEntry) int64 { return e.Key })
	slices.SortStableFunc(res, func(a, b runtime.UserOperationLogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return res, nil
}

func (mem *Storage) FindUserOperationLogEntriesByOperationId(ctx context.Context, operationId string) ([]runtime.UserOperationLogEntry, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return collect(mem.UserOperationLogEntries, func(e runtime.UserOperationLogEntry) bool {
		return e.OperationId == operationId
	}, func(e runtime.UserOperationLogEntry) int64 { return e.Key }), nil
}

var _ storage.UserOperationLogStorageWriter = &Storage{}

func (mem *Storage) SaveUserOperationLogEntry(ctx context.Context, entry runtime.UserOperationLogEntry) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveUserOperationLogEntry(entry)
}

func (mem *Storage) saveUserOperationLogEntry(entry runtime.UserOperationLogEntry) error {
	mem.UserOperationLogEntries[entry.Key] = entry
	return nil
}
