// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"context"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

// Storage is used by the engine, the migration and the batch coordinator to read and write state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	ExecutionStorageReader
	ExecutionStorageWriter
	EventSubscriptionStorageReader
	EventSubscriptionStorageWriter
	JobDefinitionStorageReader
	JobDefinitionStorageWriter
	JobStorageReader
	JobStorageWriter
	VariableStorageReader
	VariableStorageWriter
	BatchStorageReader
	BatchStorageWriter
	HistoricBatchStorageReader
	HistoricBatchStorageWriter
	IncidentStorageReader
	IncidentStorageWriter
	UserOperationLogStorageReader
	UserOperationLogStorageWriter

	// AcquireJobs locks at most max executable jobs due before now for owner until lockUntil
	AcquireJobs(ctx context.Context, owner string, now time.Time, lockUntil time.Time, max int) ([]runtime.Job, error)

	GenerateId() int64
	NewTransaction() Transaction
}

// Transaction stages writes which are applied together on Flush.
type Transaction interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	ExecutionStorageWriter
	EventSubscriptionStorageWriter
	JobDefinitionStorageWriter
	JobStorageWriter
	VariableStorageWriter
	BatchStorageWriter
	HistoricBatchStorageWriter
	IncidentStorageWriter
	UserOperationLogStorageWriter

	// Flush will apply the staged writes into the storage and prepares the transaction for new statements
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given key
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	FindProcessInstancesByDefinitionKey(ctx context.Context, processDefinitionKey int64) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type ExecutionStorageReader interface {
	FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error)

	// FindProcessInstanceExecutions returns all executions of the instance ordered by key
	FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error)
}

type ExecutionStorageWriter interface {
	SaveExecution(ctx context.Context, execution runtime.Execution) error
	DeleteExecution(ctx context.Context, executionKey int64) error
}

type EventSubscriptionStorageReader interface {
	FindProcessInstanceEventSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error)

	FindExecutionEventSubscriptions(ctx context.Context, executionKey int64) ([]runtime.EventSubscription, error)
}

type EventSubscriptionStorageWriter interface {
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error
	DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error
}

type JobDefinitionStorageReader interface {
	FindJobDefinitionByKey(ctx context.Context, jobDefinitionKey int64) (runtime.JobDefinition, error)

	FindProcessDefinitionJobDefinitions(ctx context.Context, processDefinitionKey int64) ([]runtime.JobDefinition, error)
}

type JobDefinitionStorageWriter interface {
	SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error
	DeleteJobDefinition(ctx context.Context, jobDefinitionKey int64) error
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error)

	FindProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error)

	FindJobsByJobDefinitionKey(ctx context.Context, jobDefinitionKey int64) ([]runtime.Job, error)

	FindJobs(ctx context.Context, filter JobFilter) ([]runtime.Job, error)
}

type JobStorageWriter interface {
	// SaveJob persists the Job
	// and potentially overwrites prior data stored with given key
	SaveJob(ctx context.Context, job runtime.Job) error
	DeleteJob(ctx context.Context, jobKey int64) error
}

// JobFilter narrows FindJobs, zero values are ignored.
type JobFilter struct {
	ProcessInstanceKey int64
	JobDefinitionKey   int64
	HandlerType        runtime.JobHandlerType
	WithRetriesLeft    bool
	NoRetriesLeft      bool
}

type VariableStorageReader interface {
	FindProcessInstanceVariables(ctx context.Context, processInstanceKey int64) ([]runtime.VariableInstance, error)

	FindExecutionVariables(ctx context.Context, executionKey int64) ([]runtime.VariableInstance, error)
}

type VariableStorageWriter interface {
	SaveVariable(ctx context.Context, variable runtime.VariableInstance) error
	DeleteVariable(ctx context.Context, variableKey int64) error
}

type BatchStorageReader interface {
	FindBatchByKey(ctx context.Context, batchKey int64) (runtime.Batch, error)

	FindBatches(ctx context.Context) ([]runtime.Batch, error)
}

type BatchStorageWriter interface {
	SaveBatch(ctx context.Context, batch runtime.Batch) error
	DeleteBatch(ctx context.Context, batchKey int64) error
}

type HistoricBatchStorageReader interface {
	FindHistoricBatchByKey(ctx context.Context, batchKey int64) (runtime.HistoricBatch, error)

	FindHistoricBatches(ctx context.Context) ([]runtime.HistoricBatch, error)

	// FindHistoricBatchesEndedBefore returns historic batches with an end time before end
	FindHistoricBatchesEndedBefore(ctx context.Context, end time.Time) ([]runtime.HistoricBatch, error)
}

type HistoricBatchStorageWriter interface {
	SaveHistoricBatch(ctx context.Context, batch runtime.HistoricBatch) error
	DeleteHistoricBatch(ctx context.Context, batchKey int64) error
}

type IncidentStorageReader interface {
	FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error)

	FindIncidentsByJobKey(ctx context.Context, jobKey int64) ([]runtime.Incident, error)

	FindProcessInstanceIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error)

	FindIncidents(ctx context.Context) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
	DeleteIncident(ctx context.Context, incidentKey int64) error
}

type UserOperationLogStorageReader interface {
	// FindUserOperationLogEntries returns all entries ordered by timestamp and key
	FindUserOperationLogEntries(ctx context.Context) ([]runtime.UserOperationLogEntry, error)

	FindUserOperationLogEntriesByOperationId(ctx context.Context, operationId string) ([]runtime.UserOperationLogEntry, error)
}

type UserOperationLogStorageWriter interface {
	SaveUserOperationLogEntry(ctx context.Context, entry runtime.UserOperationLogEntry) error
}
