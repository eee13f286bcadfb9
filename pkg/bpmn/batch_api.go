// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/oplog"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// DeleteBatch cancels a live batch. Instances migrated so far stay migrated.
func (engine *Engine) DeleteBatch(ctx context.Context, batchKey int64) error {
	if err := engine.authorization.CheckAuthorization(ctx, authorization.ResourceBatch, strconv.FormatInt(batchKey, 10),
		authorization.PermissionDelete); err != nil {
		return err
	}
	batch, err := engine.persistence.FindBatchByKey(ctx, batchKey)
	if errors.Is(err, storage.ErrNotFound) {
		return newBadUserRequestf("batch %d does not exist", batchKey)
	}
	if err != nil {
		return err
	}
	if err := engine.batches.Delete(ctx, batchKey); err != nil {
		return err
	}
	tx := engine.persistence.NewTransaction()
	operationId, err := engine.oplog.Write(ctx, tx, oplog.Operation{
		EntityType:    oplog.EntityTypeBatch,
		OperationType: oplog.OperationTypeDelete,
		Category:      oplog.CategoryOperator,
		BatchKey:      batch.Key,
		Changes:       []oplog.PropertyChange{{Property: "state", OrgValue: string(batch.State), NewValue: string(runtime.BatchStateDeleted)}},
	})
	if err != nil || operationId == "" {
		return err
	}
	return tx.Flush(ctx)
}

func (engine *Engine) FindBatch(ctx context.Context, batchKey int64) (runtime.Batch, error) {
	return engine.persistence.FindBatchByKey(ctx, batchKey)
}

func (engine *Engine) FindBatches(ctx context.Context) ([]runtime.Batch, error) {
	return engine.persistence.FindBatches(ctx)
}

func (engine *Engine) BatchStatistics(ctx context.Context, batchKey int64) (runtime.BatchStatistics, error) {
	return engine.batches.Statistics(ctx, batchKey)
}

func (engine *Engine) AllBatchStatistics(ctx context.Context) ([]runtime.BatchStatistics, error) {
	return engine.batches.AllStatistics(ctx)
}

func (engine *Engine) FindHistoricBatch(ctx context.Context, batchKey int64) (runtime.HistoricBatch, error) {
	return engine.persistence.FindHistoricBatchByKey(ctx, batchKey)
}

func (engine *Engine) FindHistoricBatches(ctx context.Context) ([]runtime.HistoricBatch, error) {
	return engine.persistence.FindHistoricBatches(ctx)
}

// CleanupHistoricBatches removes historic batches that ended more than ttl ago.
func (engine *Engine) CleanupHistoricBatches(ctx context.Context, ttl time.Duration) (int, error) {
	return engine.batches.CleanupHistoricBatches(ctx, ttl)
}

// FindUserOperationLog returns all entries, or the entries of one operation when operationId is set.
func (engine *Engine) FindUserOperationLog(ctx context.Context, operationId string) ([]runtime.UserOperationLogEntry, error) {
	if operationId != "" {
		return engine.persistence.FindUserOperationLogEntriesByOperationId(ctx, operationId)
	}
	return engine.persistence.FindUserOperationLogEntries(ctx)
}
