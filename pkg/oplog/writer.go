// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package oplog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenmigrate/internal/appcontext"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

const (
	EntityTypeProcessInstance = "ProcessInstance"
	EntityTypeBatch           = "Batch"

	OperationTypeMigrate = "Migrate"
	OperationTypeDelete  = "Delete"

	CategoryOperator = "Operator"

	PropertyProcessDefinitionId = "processDefinitionId"
	PropertyAsync               = "async"
	PropertyNrOfInstances       = "nrOfInstances"
)

type PropertyChange struct {
	Property string
	OrgValue string
	NewValue string
}

// Operation is one user operation; every property change becomes one entry sharing the operation id.
type Operation struct {
	EntityType           string
	OperationType        string
	Category             string
	Annotation           string
	ProcessDefinitionKey int64
	ProcessDefinitionId  string
	BatchKey             int64
	Changes              []PropertyChange
}

type Writer struct {
	generateKey func() int64
	now         func() time.Time
}

func NewWriter(generateKey func() int64) *Writer {
	return &Writer{
		generateKey: generateKey,
		now:         time.Now,
	}
}

// Write stages the entries of the operation when it was invoked by an authenticated user.
// It returns the shared operation id or "" when nothing was written.
func (w *Writer) Write(ctx context.Context, tx storage.UserOperationLogStorageWriter, op Operation) (string, error) {
	user, ok := appcontext.UserFromContext(ctx)
	if !ok {
		return "", nil
	}
	operationId := uuid.NewString()
	timestamp := w.now()
	var errs []error
	for _, c := range op.Changes {
		errs = append(errs, tx.SaveUserOperationLogEntry(ctx, runtime.UserOperationLogEntry{
			Key:                  w.generateKey(),
			OperationId:          operationId,
			UserId:               user.Id,
			Timestamp:            timestamp,
			EntityType:           op.EntityType,
			OperationType:        op.OperationType,
			Property:             c.Property,
			OrgValue:             c.OrgValue,
			NewValue:             c.NewValue,
			Category:             op.Category,
			Annotation:           op.Annotation,
			ProcessDefinitionKey: op.ProcessDefinitionKey,
			ProcessDefinitionId:  op.ProcessDefinitionId,
			BatchKey:             op.BatchKey,
		}))
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return operationId, nil
}
