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
	"slices"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CreateInstanceById creates a new instance of the latest version of the process and runs it
// until it waits. Might return BpmnEngineError, when no process with given ID was found
func (engine *Engine) CreateInstanceById(ctx context.Context, processId string, variableContext map[string]any) (runtime.ProcessInstance, error) {
	definition, err := engine.FindLatestProcessDefinition(ctx, processId)
	if err != nil {
		return runtime.ProcessInstance{}, errors.Join(newEngineErrorf("no process with id=%s was found (prior loaded into the engine)", processId), err)
	}
	return engine.CreateInstance(ctx, definition, variableContext)
}

// CreateInstanceByKey creates and runs an instance of the process definition with given key.
func (engine *Engine) CreateInstanceByKey(ctx context.Context, processDefinitionKey int64, variableContext map[string]any) (runtime.ProcessInstance, error) {
	definition, err := engine.FindProcessDefinition(ctx, processDefinitionKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	return engine.CreateInstance(ctx, definition, variableContext)
}

// CreateInstance creates a new instance starting at the none start event of the process.
func (engine *Engine) CreateInstance(ctx context.Context, definition runtime.ProcessDefinition, variableContext map[string]any) (runtime.ProcessInstance, error) {
	start, ok := definition.Definition.StartEvent("")
	if !ok {
		return runtime.ProcessInstance{}, newEngineErrorf("process %s has no none start event", definition.BpmnProcessId)
	}
	return engine.startInstance(ctx, definition, []*model.Activity{start}, variableContext)
}

// StartInstanceOnElements creates a new instance with active instances of the given activities.
// Missing parent scopes are created, multi-instance activities start all their iterations.
func (engine *Engine) StartInstanceOnElements(ctx context.Context, processDefinitionKey int64, activityIds []string, variableContext map[string]any) (runtime.ProcessInstance, error) {
	if len(activityIds) == 0 {
		return runtime.ProcessInstance{}, newBadUserRequestf("activity ids cannot be empty")
	}
	definition, err := engine.FindProcessDefinition(ctx, processDefinitionKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	activities := make([]*model.Activity, 0, len(activityIds))
	for _, id := range activityIds {
		a, ok := definition.Definition.Activity(id)
		if !ok {
			return runtime.ProcessInstance{}, newBadUserRequestf("activity %s does not exist in process %s", id, definition.BpmnProcessId)
		}
		activities = append(activities, a)
	}
	return engine.startInstance(ctx, definition, activities, variableContext)
}

func (engine *Engine) startInstance(ctx context.Context, definition runtime.ProcessDefinition, activities []*model.Activity, variableContext map[string]any) (instance runtime.ProcessInstance, retErr error) {
	key := engine.generateKey()
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("start:%s", definition.BpmnProcessId), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, key),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definition.Key),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	engine.runningInstances.lockInstance(key)
	defer engine.runningInstances.unlockInstance(key)

	unit, err := engine.newUnit(ctx, definition)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	unit.instance = runtime.ProcessInstance{
		Key:                  key,
		ProcessDefinitionKey: definition.Key,
		BpmnProcessId:        definition.BpmnProcessId,
		State:                runtime.ProcessInstanceActive,
		CreatedAt:            unit.now,
	}
	root := runtime.Execution{
		Key:                  key,
		ProcessInstanceKey:   key,
		ProcessDefinitionKey: definition.Key,
		ActivityInstanceId:   runtime.NewActivityInstanceId("", key),
		IsScope:              true,
		CreatedAt:            unit.now,
	}
	unit.tree, err = runtime.NewExecutionTree([]runtime.Execution{root})
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	unit.dirtyExecutions[key] = true
	if err := unit.createEvents(root); err != nil {
		return runtime.ProcessInstance{}, err
	}
	names := make([]string, 0, len(variableContext))
	for name := range variableContext {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		unit.setLocalVariable(root, name, variableContext[name])
	}

	scopes := make(map[string]runtime.Execution)
	for _, a := range activities {
		if a.Type == model.ElementTypeStartEvent && a.FlowScope() == nil {
			err = unit.enter(root, a)
		} else {
			err = unit.startBefore(root, a, scopes)
		}
		if err != nil {
			return runtime.ProcessInstance{}, err
		}
	}
	if err := unit.flush(ctx); err != nil {
		return runtime.ProcessInstance{}, err
	}
	engine.metrics.ProcessesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("processId", definition.BpmnProcessId)))
	if unit.ended {
		engine.metrics.ProcessesEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("processId", definition.BpmnProcessId)))
	}
	return unit.instance, nil
}

// startBefore creates the scope chain of the activity below root and enters it.
// Scopes created for earlier activities of the same start are shared.
func (u *instanceUnit) startBefore(root runtime.Execution, activity *model.Activity, scopes map[string]runtime.Execution) error {
	parent := root
	ancestors := activity.Ancestors()
	slices.Reverse(ancestors)
	for _, scope := range ancestors {
		if scope.IsMultiInstanceBody() && scope.InnerActivity() == activity {
			break
		}
		if scope.Type != model.ElementTypeSubProcess && scope.Type != model.ElementTypeEventSubProcess {
			return newEngineErrorf("cannot start before activity %s inside %s %s", activity.Id, scope.Type, scope.Id)
		}
		if e, ok := scopes[scope.Id]; ok {
			parent = e
			continue
		}
		e, err := u.createExecution(parent, scope)
		if err != nil {
			return err
		}
		scopes[scope.Id] = e
		parent = e
	}
	return u.enter(parent, activity)
}

// CompleteActivity completes the task the execution waits in and continues the process.
// Variables are set on the closest scope that declares them, or on the process instance.
func (engine *Engine) CompleteActivity(ctx context.Context, executionKey int64, variables map[string]any) (retErr error) {
	execution, err := engine.persistence.FindExecutionByKey(ctx, executionKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find execution with key: %d", executionKey), err)
	}
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("complete:%s", execution.ActivityId), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeExecutionKey, executionKey),
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, execution.ProcessInstanceKey),
		attribute.String(otelPkg.AttributeElementId, execution.ActivityId),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unit, err := engine.loadUnit(ctx, execution.ProcessInstanceKey)
	if err != nil {
		return err
	}
	defer unit.release()
	// reload, a migration may have changed the execution before the lock was taken
	execution, ok := unit.tree.Get(executionKey)
	if !ok {
		return newEngineErrorf("execution %d no longer exists", executionKey)
	}
	activity, err := unit.activity(execution.ActivityId)
	if err != nil {
		return err
	}
	switch activity.Type {
	case model.ElementTypeUserTask, model.ElementTypeServiceTask, model.ElementTypeReceiveTask:
	default:
		return newEngineErrorf("execution %d is not waiting in a task but in %s %s", executionKey, activity.Type, activity.Id)
	}
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		unit.setVariable(execution, name, variables[name])
	}
	if err := unit.leave(execution, activity); err != nil {
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

func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return runtime.ProcessInstance{}, fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
	}
	return instance, nil
}

// GetActivityInstance returns the activity instance tree of an active process instance.
func (engine *Engine) GetActivityInstance(ctx context.Context, processInstanceKey int64) (runtime.ActivityInstance, error) {
	instance, err := engine.FindProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return runtime.ActivityInstance{}, err
	}
	executions, err := engine.persistence.FindProcessInstanceExecutions(ctx, processInstanceKey)
	if err != nil {
		return runtime.ActivityInstance{}, err
	}
	if len(executions) == 0 {
		return runtime.ActivityInstance{}, newEngineErrorf("process instance %d is %s", processInstanceKey, instance.State)
	}
	tree, err := runtime.NewExecutionTree(executions)
	if err != nil {
		return runtime.ActivityInstance{}, err
	}
	return tree.ActivityInstanceTree(instance.BpmnProcessId), nil
}

// FindActiveExecutions returns the executions of the instance waiting in the activity.
func (engine *Engine) FindActiveExecutions(ctx context.Context, processInstanceKey int64, activityId string) ([]runtime.Execution, error) {
	executions, err := engine.persistence.FindProcessInstanceExecutions(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(executions, func(e runtime.Execution) bool { return e.ActivityId != activityId }), nil
}

func (engine *Engine) FindProcessInstanceVariables(ctx context.Context, processInstanceKey int64) ([]runtime.VariableInstance, error) {
	return engine.persistence.FindProcessInstanceVariables(ctx, processInstanceKey)
}

func (engine *Engine) FindProcessInstanceEventSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error) {
	return engine.persistence.FindProcessInstanceEventSubscriptions(ctx, processInstanceKey)
}
