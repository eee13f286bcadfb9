// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/senseyeio/duration"
)

const (
	variableNrOfInstances          = "nrOfInstances"
	variableNrOfActiveInstances    = "nrOfActiveInstances"
	variableNrOfCompletedInstances = "nrOfCompletedInstances"
	variableLoopCounter            = "loopCounter"
)

// createExecution adds the execution of an activity instance below parent and creates
// the event triggers the activity declares.
func (u *instanceUnit) createExecution(parent runtime.Execution, activity *model.Activity) (runtime.Execution, error) {
	key := u.engine.generateKey()
	e := runtime.Execution{
		Key:                  key,
		ParentKey:            parent.Key,
		ProcessInstanceKey:   u.instance.Key,
		ProcessDefinitionKey: u.definition.Key,
		ActivityId:           activity.Id,
		ActivityInstanceId:   runtime.NewActivityInstanceId(activity.Id, key),
		IsScope:              activity.IsScope(),
		CreatedAt:            u.now,
	}
	if body := activity.MultiInstanceBody(); body != nil && parent.ActivityId == body.Id {
		e.IsConcurrent = !body.MultiInstance.IsSequential
	}
	if err := u.putExecution(e); err != nil {
		return runtime.Execution{}, err
	}
	if err := u.recomputeConcurrency(parent); err != nil {
		return runtime.Execution{}, err
	}
	if err := u.createEvents(e); err != nil {
		return runtime.Execution{}, err
	}
	e, _ = u.tree.Get(key)
	return e, nil
}

// createEvents creates subscriptions and timer jobs for the events the execution owns.
func (u *instanceUnit) createEvents(e runtime.Execution) error {
	for _, event := range u.definition.Definition.DeclaredEvents(e.ActivityId) {
		if event.EventDefinition.Type != model.EventDefinitionTimer {
			u.putSubscription(runtime.NewEventSubscription(u.engine.generateKey(), event, e, u.now))
			continue
		}
		handler, err := runtime.TimerHandlerFor(event)
		if err != nil {
			return err
		}
		if err := u.createTimerJob(e, event.Id, handler, "", event.EventDefinition.TimeDuration); err != nil {
			return err
		}
	}
	activity, ok := u.definition.Definition.Activity(e.ActivityId)
	if !ok {
		return nil
	}
	for _, l := range activity.TaskListenerTimers {
		if err := u.createTimerJob(e, activity.Id, runtime.JobHandlerTimerTaskListener, l.Id, l.TimeDuration); err != nil {
			return err
		}
	}
	return nil
}

func (u *instanceUnit) createTimerJob(owner runtime.Execution, activityId string, handler runtime.JobHandlerType, configuration string, timeDuration string) error {
	definition, ok := runtime.FindJobDefinition(u.jobDefinitions, activityId, handler, configuration)
	if !ok {
		return newEngineErrorf("process definition %d has no %s job definition for activity %s", u.definition.Key, handler, activityId)
	}
	d, err := duration.ParseISO8601(timeDuration)
	if err != nil {
		return newEngineErrorf("activity %s has invalid timer duration %q: %s", activityId, timeDuration, err)
	}
	u.putJob(runtime.NewTimerJob(u.engine.generateKey(), definition, owner, u.definition.DeploymentKey, d.Shift(u.now), u.now))
	return nil
}

// enter continues the flow in parent with the activity.
func (u *instanceUnit) enter(parent runtime.Execution, activity *model.Activity) error {
	if body := activity.MultiInstanceBody(); body != nil && parent.ActivityId != body.Id {
		return u.enter(parent, body)
	}
	switch activity.Type {
	case model.ElementTypeStartEvent, model.ElementTypeParallelGateway:
		return u.takeOutgoing(parent, activity)
	case model.ElementTypeExclusiveGateway:
		if len(activity.Outgoing) == 0 {
			return u.completeScopeIfDone(parent)
		}
		next, err := u.activity(activity.Outgoing[0])
		if err != nil {
			return err
		}
		return u.enter(parent, next)
	case model.ElementTypeEndEvent:
		return u.completeScopeIfDone(parent)
	case model.ElementTypeMultiInstanceBody:
		return u.enterMultiInstanceBody(parent, activity)
	case model.ElementTypeUserTask, model.ElementTypeServiceTask, model.ElementTypeReceiveTask,
		model.ElementTypeIntermediateCatchEvent, model.ElementTypeSubProcess:
		e, err := u.createExecution(parent, activity)
		if err != nil {
			return err
		}
		return u.run(e, activity)
	}
	return newEngineErrorf("cannot enter activity %s of type %s", activity.Id, activity.Type)
}

// run starts the inside of a freshly created activity instance. Tasks and catch events wait.
func (u *instanceUnit) run(e runtime.Execution, activity *model.Activity) error {
	if activity.Type != model.ElementTypeSubProcess {
		return nil
	}
	start, ok := u.definition.Definition.StartEvent(activity.Id)
	if !ok {
		return newEngineErrorf("sub process %s has no none start event", activity.Id)
	}
	return u.enter(e, start)
}

func (u *instanceUnit) takeOutgoing(scope runtime.Execution, activity *model.Activity) error {
	if len(activity.Outgoing) == 0 {
		return u.completeScopeIfDone(scope)
	}
	for _, id := range activity.Outgoing {
		next, err := u.activity(id)
		if err != nil {
			return err
		}
		// a previous branch may have completed the scope already
		if _, ok := u.tree.Get(scope.Key); !ok || u.ended {
			return nil
		}
		if err := u.enter(scope, next); err != nil {
			return err
		}
	}
	return nil
}

func (u *instanceUnit) enterMultiInstanceBody(parent runtime.Execution, body *model.Activity) error {
	e, err := u.createExecution(parent, body)
	if err != nil {
		return err
	}
	n := body.MultiInstance.LoopCardinality
	u.setLocalVariable(e, variableNrOfInstances, n)
	u.setLocalVariable(e, variableNrOfCompletedInstances, 0)
	if body.MultiInstance.IsSequential {
		u.setLocalVariable(e, variableNrOfActiveInstances, 1)
		return u.enterIteration(e, body, 0)
	}
	u.setLocalVariable(e, variableNrOfActiveInstances, n)
	for i := range n {
		if err := u.enterIteration(e, body, i); err != nil {
			return err
		}
	}
	return nil
}

func (u *instanceUnit) enterIteration(bodyExecution runtime.Execution, body *model.Activity, loopCounter int) error {
	inner := body.InnerActivity()
	e, err := u.createExecution(bodyExecution, inner)
	if err != nil {
		return err
	}
	u.setLocalVariable(e, variableLoopCounter, loopCounter)
	return u.run(e, inner)
}

// completeScopeIfDone completes the scope once its last child is gone.
func (u *instanceUnit) completeScopeIfDone(scope runtime.Execution) error {
	if u.ended || !u.tree.IsLeaf(scope.Key) {
		return nil
	}
	if scope.IsRoot() {
		return u.completeInstance()
	}
	activity, err := u.activity(scope.ActivityId)
	if err != nil {
		return err
	}
	return u.leave(scope, activity)
}

// leave completes the activity instance and continues after it.
func (u *instanceUnit) leave(e runtime.Execution, activity *model.Activity) error {
	parent, ok := u.tree.Parent(e.Key)
	if !ok {
		return newEngineErrorf("execution %d has no parent", e.Key)
	}
	if err := u.removeExecution(e); err != nil {
		return err
	}
	parent, _ = u.tree.Get(parent.Key)
	if body := activity.MultiInstanceBody(); body != nil && parent.ActivityId == body.Id {
		return u.completeIteration(parent, body)
	}
	return u.takeOutgoing(parent, activity)
}

func (u *instanceUnit) completeIteration(bodyExecution runtime.Execution, body *model.Activity) error {
	completed := u.intVariable(bodyExecution.Key, variableNrOfCompletedInstances) + 1
	active := u.intVariable(bodyExecution.Key, variableNrOfActiveInstances) - 1
	total := u.intVariable(bodyExecution.Key, variableNrOfInstances)
	u.setLocalVariable(bodyExecution, variableNrOfCompletedInstances, completed)
	if body.MultiInstance.IsSequential && completed < total {
		return u.enterIteration(bodyExecution, body, completed)
	}
	u.setLocalVariable(bodyExecution, variableNrOfActiveInstances, active)
	if active > 0 {
		return nil
	}
	return u.leave(bodyExecution, body)
}

func (u *instanceUnit) completeInstance() error {
	root := u.tree.Root()
	u.removeEvents(root.Key)
	u.removeVariables(root.Key)
	u.removedExecutions = append(u.removedExecutions, root.Key)
	u.ended = true
	endedAt := u.now
	u.instance.State = runtime.ProcessInstanceCompleted
	u.instance.EndedAt = &endedAt
	return nil
}
