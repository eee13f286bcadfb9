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
	"fmt"
	"strconv"

	"github.com/pbinitiative/zenmigrate/internal/appcontext"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/oplog"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CreateMigrationPlan returns a plan builder for migrating instances of the source definition
// onto the target definition.
func (engine *Engine) CreateMigrationPlan(ctx context.Context, sourceProcessDefinitionKey int64, targetProcessDefinitionKey int64) (*migration.PlanBuilder, error) {
	source, err := engine.FindProcessDefinition(ctx, sourceProcessDefinitionKey)
	if err != nil {
		return nil, errors.Join(newBadUserRequestf("source process definition %d does not exist", sourceProcessDefinitionKey), err)
	}
	target, err := engine.FindProcessDefinition(ctx, targetProcessDefinitionKey)
	if err != nil {
		return nil, errors.Join(newBadUserRequestf("target process definition %d does not exist", targetProcessDefinitionKey), err)
	}
	return migration.NewPlanBuilder(source, target, migration.WithCompatibilityMatrix(engine.matrix)), nil
}

// MigrationBuilder collects the instances a plan is applied to.
type MigrationBuilder struct {
	engine       *Engine
	plan         *migration.Plan
	instanceKeys []int64
	annotation   string
}

func (engine *Engine) NewMigration(plan *migration.Plan) *MigrationBuilder {
	return &MigrationBuilder{
		engine: engine,
		plan:   plan,
	}
}

// ProcessInstanceIds adds instances to migrate; duplicates are migrated once.
func (b *MigrationBuilder) ProcessInstanceIds(processInstanceKeys ...int64) *MigrationBuilder {
	b.instanceKeys = append(b.instanceKeys, processInstanceKeys...)
	return b
}

func (b *MigrationBuilder) SetAnnotation(annotation string) *MigrationBuilder {
	b.annotation = annotation
	return b
}

// validate rejects invalid input and returns the distinct instance keys with both definitions.
func (b *MigrationBuilder) validate(ctx context.Context) ([]int64, runtime.ProcessDefinition, runtime.ProcessDefinition, error) {
	var none runtime.ProcessDefinition
	if b.plan == nil {
		return nil, none, none, newBadUserRequestf("Migration plan cannot be null")
	}
	if len(b.instanceKeys) == 0 {
		return nil, none, none, newBadUserRequestf("Process instance ids cannot be empty")
	}
	keys := make([]int64, 0, len(b.instanceKeys))
	seen := make(map[int64]bool, len(b.instanceKeys))
	for _, key := range b.instanceKeys {
		if key == 0 {
			return nil, none, none, newBadUserRequestf("Process instance ids cannot contain null values")
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	source, err := b.engine.FindProcessDefinition(ctx, b.plan.SourceProcessDefinitionKey)
	if err != nil {
		return nil, none, none, err
	}
	target, err := b.engine.FindProcessDefinition(ctx, b.plan.TargetProcessDefinitionKey)
	if err != nil {
		return nil, none, none, err
	}
	for _, d := range []runtime.ProcessDefinition{source, target} {
		if err := b.engine.authorization.CheckAuthorization(ctx, authorization.ResourceProcessDefinition, d.BpmnProcessId,
			authorization.PermissionUpdateInstance); err != nil {
			return nil, none, none, err
		}
	}
	return keys, source, target, nil
}

func (b *MigrationBuilder) operation(source runtime.ProcessDefinition, target runtime.ProcessDefinition, async bool, nrOfInstances int) oplog.Operation {
	return oplog.Operation{
		EntityType:           oplog.EntityTypeProcessInstance,
		OperationType:        oplog.OperationTypeMigrate,
		Category:             oplog.CategoryOperator,
		Annotation:           b.annotation,
		ProcessDefinitionKey: source.Key,
		ProcessDefinitionId:  source.BpmnProcessId,
		Changes: []oplog.PropertyChange{
			{Property: oplog.PropertyProcessDefinitionId, OrgValue: strconv.FormatInt(source.Key, 10), NewValue: strconv.FormatInt(target.Key, 10)},
			{Property: oplog.PropertyAsync, NewValue: strconv.FormatBool(async)},
			{Property: oplog.PropertyNrOfInstances, NewValue: strconv.Itoa(nrOfInstances)},
		},
	}
}

// Execute migrates all instances in one transaction. Nothing is written when any instance fails.
func (b *MigrationBuilder) Execute(ctx context.Context) (retErr error) {
	engine := b.engine
	keys, source, target, err := b.validate(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		for _, p := range []authorization.Permission{authorization.PermissionRead, authorization.PermissionUpdate} {
			if err := engine.authorization.CheckAuthorization(ctx, authorization.ResourceProcessInstance, strconv.FormatInt(key, 10), p); err != nil {
				return err
			}
		}
	}

	ctx, span := engine.tracer.Start(ctx, "migration:execute", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeSourceDefinitionKey, source.Key),
		attribute.Int64(otelPkg.AttributeTargetDefinitionKey, target.Key),
		attribute.Int(otelPkg.AttributeInstanceCount, len(keys)),
		attribute.Bool(otelPkg.AttributeAsync, false),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := engine.runningInstances.lockInstances(keys)
	defer unlock()

	migrator, err := engine.newInstanceMigrator(ctx, b.plan, source, target)
	if err != nil {
		return err
	}
	tx := engine.persistence.NewTransaction()
	var errs []error
	for _, key := range keys {
		changeset, err := engine.migrateLocked(ctx, migrator, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := changeset.Apply(ctx, tx); err != nil {
			return err
		}
	}
	if err := errors.Join(errs...); err != nil {
		engine.metrics.MigrationsFailed.Add(ctx, int64(len(errs)), metric.WithAttributes(attribute.String("processId", source.BpmnProcessId)))
		return err
	}
	if _, err := engine.oplog.Write(ctx, tx, b.operation(source, target, false, len(keys))); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to write migration of %d process instances: %w", len(keys), err)
	}
	engine.metrics.InstancesMigrated.Add(ctx, int64(len(keys)), metric.WithAttributes(attribute.String("processId", source.BpmnProcessId)))
	engine.logger.Info("process instances migrated", "sourceProcessDefinitionKey", source.Key,
		"targetProcessDefinitionKey", target.Key, "instances", len(keys))
	return nil
}

// ExecuteAsync creates a migration batch executed by the job executor.
func (b *MigrationBuilder) ExecuteAsync(ctx context.Context) (batch runtime.Batch, retErr error) {
	engine := b.engine
	keys, source, target, err := b.validate(ctx)
	if err != nil {
		return runtime.Batch{}, err
	}
	if err := engine.authorization.CheckAuthorization(ctx, authorization.ResourceBatch, authorization.AnyResourceId,
		authorization.PermissionCreate, authorization.PermissionCreateBatchMigrateProcessInstances); err != nil {
		return runtime.Batch{}, err
	}

	ctx, span := engine.tracer.Start(ctx, "migration:executeAsync", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeSourceDefinitionKey, source.Key),
		attribute.Int64(otelPkg.AttributeTargetDefinitionKey, target.Key),
		attribute.Int(otelPkg.AttributeInstanceCount, len(keys)),
		attribute.Bool(otelPkg.AttributeAsync, true),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	createUserId := ""
	if user, ok := appcontext.UserFromContext(ctx); ok {
		createUserId = user.Id
	}
	tx := engine.persistence.NewTransaction()
	batch, err = engine.batches.CreateMigrationBatch(ctx, tx, b.plan, keys, createUserId)
	if err != nil {
		return runtime.Batch{}, err
	}
	op := b.operation(source, target, true, len(keys))
	op.BatchKey = batch.Key
	if _, err := engine.oplog.Write(ctx, tx, op); err != nil {
		return runtime.Batch{}, err
	}
	if err := tx.Flush(ctx); err != nil {
		return runtime.Batch{}, fmt.Errorf("failed to create migration batch: %w", err)
	}
	span.SetAttributes(attribute.Int64(otelPkg.AttributeBatchKey, batch.Key))
	return batch, nil
}

// MigrateInstance migrates one instance in its own transaction. Batch jobs call it per instance.
func (engine *Engine) MigrateInstance(ctx context.Context, plan *migration.Plan, processInstanceKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, "migration:instance", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
		attribute.Int64(otelPkg.AttributeSourceDefinitionKey, plan.SourceProcessDefinitionKey),
		attribute.Int64(otelPkg.AttributeTargetDefinitionKey, plan.TargetProcessDefinitionKey),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
			engine.metrics.MigrationsFailed.Add(ctx, 1)
		}
		span.End()
	}()

	source, err := engine.FindProcessDefinition(ctx, plan.SourceProcessDefinitionKey)
	if err != nil {
		return err
	}
	target, err := engine.FindProcessDefinition(ctx, plan.TargetProcessDefinitionKey)
	if err != nil {
		return err
	}
	migrator, err := engine.newInstanceMigrator(ctx, plan, source, target)
	if err != nil {
		return err
	}

	engine.runningInstances.lockInstance(processInstanceKey)
	defer engine.runningInstances.unlockInstance(processInstanceKey)

	changeset, err := engine.migrateLocked(ctx, migrator, processInstanceKey)
	if err != nil {
		return err
	}
	tx := engine.persistence.NewTransaction()
	if err := changeset.Apply(ctx, tx); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to write migration of process instance %d: %w", processInstanceKey, err)
	}
	engine.metrics.InstancesMigrated.Add(ctx, 1, metric.WithAttributes(attribute.String("processId", source.BpmnProcessId)))
	return nil
}

func (engine *Engine) newInstanceMigrator(ctx context.Context, plan *migration.Plan, source runtime.ProcessDefinition, target runtime.ProcessDefinition) (*migration.InstanceMigrator, error) {
	targetJobDefinitions, err := engine.persistence.FindProcessDefinitionJobDefinitions(ctx, target.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load job definitions of process definition %d: %w", target.Key, err)
	}
	return migration.NewInstanceMigrator(plan, source, target, targetJobDefinitions, engine.generateKey, migration.WithClock(engine.now))
}

// migrateLocked computes the changeset of an instance the caller holds the lock of.
func (engine *Engine) migrateLocked(ctx context.Context, migrator *migration.InstanceMigrator, processInstanceKey int64) (*migration.Changeset, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &migration.InstanceValidationError{
			ProcessInstanceKey: processInstanceKey,
			Failures:           []migration.InstanceFailure{{Reason: "Process instance does not exist"}},
		}
	}
	if err != nil {
		return nil, err
	}
	if instance.State != runtime.ProcessInstanceActive {
		return nil, &migration.InstanceValidationError{
			ProcessInstanceKey: processInstanceKey,
			Failures:           []migration.InstanceFailure{{Reason: fmt.Sprintf("Process instance is %s", instance.State)}},
		}
	}
	state, err := migration.LoadInstanceState(ctx, engine.persistence, processInstanceKey)
	if err != nil {
		return nil, err
	}
	return migrator.Migrate(state)
}
