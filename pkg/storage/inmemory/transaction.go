// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"context"
	"errors"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// StorageTransaction collects statements and runs them under one storage lock on Flush.
type StorageTransaction struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Transaction = &StorageTransaction{}

func (b *StorageTransaction) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	return nil
}

var _ storage.ProcessDefinitionStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveProcessDefinition(definition)
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveProcessInstance(processInstance)
	})
	return nil
}

var _ storage.ExecutionStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveExecution(execution)
	})
	return nil
}

func (b *StorageTransaction) DeleteExecution(ctx context.Context, executionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteExecution(executionKey)
	})
	return nil
}

var _ storage.EventSubscriptionStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveEventSubscription(subscription)
	})
	return nil
}

func (b *StorageTransaction) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteEventSubscription(subscriptionKey)
	})
	return nil
}

var _ storage.JobDefinitionStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveJobDefinition(jobDefinition)
	})
	return nil
}

func (b *StorageTransaction) DeleteJobDefinition(ctx context.Context, jobDefinitionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteJobDefinition(jobDefinitionKey)
	})
	return nil
}

var _ storage.JobStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveJob(ctx context.Context, job runtime.Job) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveJob(job)
	})
	return nil
}

func (b *StorageTransaction) DeleteJob(ctx context.Context, jobKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteJob(jobKey)
	})
	return nil
}

var _ storage.VariableStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveVariable(ctx context.Context, variable runtime.VariableInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveVariable(variable)
	})
	return nil
}

func (b *StorageTransaction) DeleteVariable(ctx context.Context, variableKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteVariable(variableKey)
	})
	return nil
}

var _ storage.BatchStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveBatch(ctx context.Context, batch runtime.Batch) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveBatch(batch)
	})
	return nil
}

func (b *StorageTransaction) DeleteBatch(ctx context.Context, batchKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteBatch(batchKey)
	})
	return nil
}

var _ storage.HistoricBatchStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveHistoricBatch(ctx context.Context, batch runtime.HistoricBatch) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveHistoricBatch(batch)
	})
	return nil
}

func (b *StorageTransaction) DeleteHistoricBatch(ctx context.Context, batchKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteHistoricBatch(batchKey)
	})
	return nil
}

var _ storage.IncidentStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveIncident(incident)
	})
	return nil
}

func (b *StorageTransaction) DeleteIncident(ctx context.Context, incidentKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.deleteIncident(incidentKey)
	})
	return nil
}

var _ storage.UserOperationLogStorageWriter = &StorageTransaction{}

func (b *StorageTransaction) SaveUserOperationLogEntry(ctx context.Context, entry runtime.UserOperationLogEntry) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveUserOperationLogEntry(entry)
	})
	return nil
}
