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
	"time"

	"github.com/pbinitiative/zenmigrate/internal/appcontext"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AcquireJobs locks at most max executable jobs for owner.
func (engine *Engine) AcquireJobs(ctx context.Context, owner string, lockDuration time.Duration, max int) ([]runtime.Job, error) {
	now := engine.now()
	return engine.persistence.AcquireJobs(ctx, owner, now, now.Add(lockDuration), max)
}

// ExecuteJob runs the handler of an acquired job. Handlers delete or reschedule the job themselves.
func (engine *Engine) ExecuteJob(ctx context.Context, job runtime.Job) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("job:%s", job.HandlerType), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeJobKey, job.Key),
		attribute.String(otelPkg.AttributeJobHandler, string(job.HandlerType)),
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, job.ProcessInstanceKey),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	ctx = appcontext.WithExecutionKey(ctx, job.Key)

	var err error
	switch {
	case job.HandlerType.IsTimer():
		err = engine.executeTimerJob(ctx, job)
	case job.HandlerType.IsBatch():
		err = engine.batches.Execute(ctx, job)
	default:
		err = newEngineErrorf("job %d has unknown handler type %s", job.Key, job.HandlerType)
	}
	if err != nil {
		return err
	}
	engine.metrics.JobsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(job.HandlerType))))
	return nil
}

func (engine *Engine) executeTimerJob(ctx context.Context, job runtime.Job) error {
	unit, err := engine.loadUnit(ctx, job.ProcessInstanceKey)
	if err != nil {
		if _, findErr := engine.persistence.FindJobByKey(ctx, job.Key); errors.Is(findErr, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	defer unit.release()

	// the job may have been deleted or re-pointed while the instance was not locked
	current, ok := unit.jobs[job.Key]
	if !ok {
		engine.logger.Debug("job no longer exists", "jobKey", job.Key)
		return nil
	}
	job = current
	owner, ok := unit.tree.Get(job.ExecutionKey)
	if !ok {
		return newEngineErrorf("execution %d owning job %d does not exist", job.ExecutionKey, job.Key)
	}
	event, err := unit.activity(job.ActivityId)
	if err != nil {
		return err
	}

	switch job.HandlerType {
	case runtime.JobHandlerTimerExecuteNestedActivity:
		parent, ok := unit.tree.Parent(owner.Key)
		if !ok {
			return newEngineErrorf("boundary event %s is attached to the process instance", event.Id)
		}
		if event.IsInterrupting() {
			err = unit.removeExecution(owner)
		} else {
			unit.removeJob(job.Key)
		}
		if err != nil {
			return err
		}
		parent, _ = unit.tree.Get(parent.Key)
		err = unit.takeOutgoing(parent, event)
	case runtime.JobHandlerTimerIntermediateTransition:
		err = unit.leave(owner, event)
	case runtime.JobHandlerTimerStartEventSubprocess:
		err = unit.startEventSubProcess(owner, job, event)
	case runtime.JobHandlerTimerTaskListener:
		unit.removeJob(job.Key)
		engine.logger.Info("task listener timeout", "activityId", job.ActivityId, "listener", job.HandlerConfiguration,
			"executionKey", owner.Key, "processInstanceKey", owner.ProcessInstanceKey)
	default:
		err = newEngineErrorf("job %d has no timer handler %s", job.Key, job.HandlerType)
	}
	if err != nil {
		return err
	}
	if err := unit.flush(ctx); err != nil {
		return err
	}
	if unit.ended {
		engine.metrics.ProcessesEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("processId", unit.instance.BpmnProcessId)))
	}
	return nil
}

func (u *instanceUnit) startEventSubProcess(scope runtime.Execution, job runtime.Job, start *model.Activity) error {
	eventSubProcess := start.FlowScope()
	if eventSubProcess == nil {
		return newEngineErrorf("start event %s is not part of an event sub process", start.Id)
	}
	if start.IsInterrupting() {
		for _, c := range u.tree.Children(scope.Key) {
			if err := u.removeExecution(c); err != nil {
				return err
			}
		}
		// other event sub processes of the scope cannot start anymore
		for key, s := range u.subscriptions {
			if a, ok := u.definition.Definition.Activity(s.ActivityId); ok && s.ExecutionKey == scope.Key && a.IsEventSubProcessStart() {
				delete(u.subscriptions, key)
				u.removedSubs = append(u.removedSubs, key)
			}
		}
		for key, j := range u.jobs {
			if j.ExecutionKey == scope.Key && j.HandlerType == runtime.JobHandlerTimerStartEventSubprocess {
				u.removeJob(key)
			}
		}
	}
	u.removeJob(job.Key)
	scope, _ = u.tree.Get(scope.Key)
	e, err := u.createExecution(scope, eventSubProcess)
	if err != nil {
		return err
	}
	return u.takeOutgoing(e, start)
}

// FailJob records a failed execution of the job. The job is retried at retryAt
// until its retries are exhausted, then an incident is created.
func (engine *Engine) FailJob(ctx context.Context, job runtime.Job, cause error, retryAt time.Time) error {
	if job.ProcessInstanceKey != 0 {
		engine.runningInstances.lockInstance(job.ProcessInstanceKey)
		defer engine.runningInstances.unlockInstance(job.ProcessInstanceKey)
	}
	stored, err := engine.persistence.FindJobByKey(ctx, job.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find job %d: %w", job.Key, err)
	}
	if stored.HandlerType.IsBatch() {
		orphaned, err := engine.batches.IsOrphaned(ctx, stored)
		if err != nil {
			return err
		}
		if orphaned {
			engine.logger.Info("failed job of deleted batch is not retried", "jobKey", stored.Key, "error", cause)
			tx := engine.persistence.NewTransaction()
			if err := tx.DeleteJob(ctx, stored.Key); err != nil {
				return err
			}
			return tx.Flush(ctx)
		}
	}
	stored.Retries = max(stored.Retries-1, 0)
	stored.ExceptionMessage = cause.Error()
	stored.LockOwner = ""
	stored.LockExpiration = time.Time{}
	stored.DueDate = retryAt

	tx := engine.persistence.NewTransaction()
	if err := tx.SaveJob(ctx, stored); err != nil {
		return err
	}
	if stored.Retries == 0 {
		incident := runtime.Incident{
			Key:                  engine.generateKey(),
			Type:                 runtime.IncidentTypeFailedJob,
			JobKey:               stored.Key,
			JobDefinitionKey:     stored.JobDefinitionKey,
			ProcessInstanceKey:   stored.ProcessInstanceKey,
			ProcessDefinitionKey: stored.ProcessDefinitionKey,
			ExecutionKey:         stored.ExecutionKey,
			ActivityId:           stored.ActivityId,
			Message:              stored.ExceptionMessage,
			CreatedAt:            engine.now(),
		}
		if err := tx.SaveIncident(ctx, incident); err != nil {
			return err
		}
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to write failure of job %d: %w", job.Key, err)
	}
	engine.metrics.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(stored.HandlerType))))
	if stored.Retries == 0 {
		engine.metrics.IncidentsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(stored.HandlerType))))
		engine.logger.Warn("job retries exhausted, incident created", "jobKey", stored.Key, "handler", stored.HandlerType, "error", cause)
	}
	return nil
}

// SetJobRetries sets the retries of a job and resolves its incidents.
func (engine *Engine) SetJobRetries(ctx context.Context, jobKey int64, retries int) error {
	if retries < 0 {
		return newBadUserRequestf("retries cannot be negative: %d", retries)
	}
	job, err := engine.persistence.FindJobByKey(ctx, jobKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newBadUserRequestf("job %d does not exist", jobKey)
		}
		return err
	}
	if job.ProcessInstanceKey != 0 {
		err = engine.authorization.CheckAuthorization(ctx, authorization.ResourceProcessInstance,
			strconv.FormatInt(job.ProcessInstanceKey, 10), authorization.PermissionUpdate)
	} else {
		err = engine.authorization.CheckAuthorization(ctx, authorization.ResourceBatch,
			authorization.AnyResourceId, authorization.PermissionUpdate)
	}
	if err != nil {
		return err
	}
	if job.ProcessInstanceKey != 0 {
		engine.runningInstances.lockInstance(job.ProcessInstanceKey)
		defer engine.runningInstances.unlockInstance(job.ProcessInstanceKey)
		if job, err = engine.persistence.FindJobByKey(ctx, jobKey); err != nil {
			return err
		}
	}
	incidents, err := engine.persistence.FindIncidentsByJobKey(ctx, jobKey)
	if err != nil {
		return err
	}
	job.Retries = retries
	tx := engine.persistence.NewTransaction()
	if err := tx.SaveJob(ctx, job); err != nil {
		return err
	}
	if retries > 0 {
		for _, i := range incidents {
			if err := tx.DeleteIncident(ctx, i.Key); err != nil {
				return err
			}
		}
	}
	return tx.Flush(ctx)
}

func (engine *Engine) FindJob(ctx context.Context, jobKey int64) (runtime.Job, error) {
	return engine.persistence.FindJobByKey(ctx, jobKey)
}

func (engine *Engine) FindJobs(ctx context.Context, filter storage.JobFilter) ([]runtime.Job, error) {
	return engine.persistence.FindJobs(ctx, filter)
}

// FindIncidents returns all incidents, or those of one process instance when the key is not 0.
func (engine *Engine) FindIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	if processInstanceKey != 0 {
		return engine.persistence.FindProcessInstanceIncidents(ctx, processInstanceKey)
	}
	return engine.persistence.FindIncidents(ctx)
}

// FindBatchIncidents returns the incidents of the migration jobs of a batch.
func (engine *Engine) FindBatchIncidents(ctx context.Context, batchKey int64) ([]runtime.Incident, error) {
	batch, err := engine.persistence.FindBatchByKey(ctx, batchKey)
	if err != nil {
		return nil, err
	}
	incidents, err := engine.persistence.FindIncidents(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]runtime.Incident, 0)
	for _, i := range incidents {
		if i.JobDefinitionKey == batch.BatchJobDefinitionKey {
			res = append(res, i)
		}
	}
	return res, nil
}
