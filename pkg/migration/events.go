// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package migration

import (
	"slices"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

type eventKey struct {
	owner         int64
	activityId    string
	configuration string
}

func declares(p *model.Process, activityId string, eventId string) bool {
	return slices.ContainsFunc(p.DeclaredEvents(activityId), func(a *model.Activity) bool {
		return a.Id == eventId
	})
}

// keptOwner returns the migrated owner execution of an event trigger.
func keptOwner(tm *treeMigration, key int64) (runtime.Execution, bool) {
	if !tm.migrated[key] {
		return runtime.Execution{}, false
	}
	return tm.tree.Get(key)
}

// mappedEvent resolves the target event of a source event owned by owner. Events are kept
// only when they are mapped and the target event is declared by the migrated owner.
func mappedEvent(c *migrationContext, owner runtime.Execution, sourceEventId string) (Instruction, *model.Activity, bool) {
	instruction, ok := c.plan.InstructionFor(sourceEventId)
	if !ok {
		return Instruction{}, nil, false
	}
	event, ok := c.target.Definition.Activity(instruction.TargetActivityId)
	if !ok || event.EventDefinition == nil {
		return Instruction{}, nil, false
	}
	if !declares(c.target.Definition, owner.ActivityId, event.Id) {
		return Instruction{}, nil, false
	}
	return instruction, event, true
}

// migrateSubscriptions rebinds message, signal and conditional subscriptions keeping their keys,
// deletes the ones of removed events and creates subscriptions for events only the target declares.
func migrateSubscriptions(c *migrationContext, tm *treeMigration, subscriptions []runtime.EventSubscription) ([]runtime.EventSubscription, []int64) {
	saved := make([]runtime.EventSubscription, 0)
	removed := make([]int64, 0)
	covered := make(map[eventKey]bool)
	for _, s := range subscriptions {
		owner, ok := keptOwner(tm, s.ExecutionKey)
		if !ok {
			removed = append(removed, s.Key)
			continue
		}
		_, event, ok := mappedEvent(c, owner, s.ActivityId)
		if !ok || event.EventDefinition.Type == model.EventDefinitionTimer {
			removed = append(removed, s.Key)
			continue
		}
		s.ActivityId = event.Id
		s.ProcessDefinitionKey = c.target.Key
		covered[eventKey{owner: owner.Key, activityId: event.Id}] = true
		saved = append(saved, s)
	}

	for _, e := range tm.tree.Executions() {
		if !tm.migrated[e.Key] {
			continue
		}
		for _, event := range c.target.Definition.DeclaredEvents(e.ActivityId) {
			if event.EventDefinition.Type == model.EventDefinitionTimer {
				continue
			}
			if covered[eventKey{owner: e.Key, activityId: event.Id}] {
				continue
			}
			saved = append(saved, runtime.NewEventSubscription(c.generateKey(), event, e, c.now))
		}
	}
	return saved, removed
}

// migrateJobs rebinds timer jobs to the target job definitions keeping their keys. The due date is
// recomputed only for instructions with updateEventTrigger. Jobs of removed timers are deleted and
// timers only the target declares get new jobs. Jobs other than timers are left untouched.
func migrateJobs(c *migrationContext, tm *treeMigration, jobs []runtime.Job) ([]runtime.Job, []int64) {
	saved := make([]runtime.Job, 0)
	removed := make([]int64, 0)
	covered := make(map[eventKey]bool)
	for _, j := range jobs {
		if !j.HandlerType.IsTimer() {
			continue
		}
		owner, ok := keptOwner(tm, j.ExecutionKey)
		if !ok {
			removed = append(removed, j.Key)
			continue
		}
		switch j.HandlerType {
		case runtime.JobHandlerTimerTaskListener:
			activity, ok := c.target.Definition.Activity(owner.ActivityId)
			if !ok || !slices.ContainsFunc(activity.TaskListenerTimers, func(l model.TaskListenerTimer) bool {
				return l.Id == j.HandlerConfiguration
			}) {
				removed = append(removed, j.Key)
				continue
			}
			definition := c.jobDefinition(activity.Id, runtime.JobHandlerTimerTaskListener, j.HandlerConfiguration)
			j.JobDefinitionKey = definition.Key
			j.ActivityId = activity.Id
			covered[eventKey{owner: owner.Key, activityId: activity.Id, configuration: j.HandlerConfiguration}] = true
		default:
			instruction, event, ok := mappedEvent(c, owner, j.ActivityId)
			if !ok || event.EventDefinition.Type != model.EventDefinitionTimer {
				removed = append(removed, j.Key)
				continue
			}
			handler, err := runtime.TimerHandlerFor(event)
			if err != nil {
				removed = append(removed, j.Key)
				continue
			}
			definition := c.jobDefinition(event.Id, handler, "")
			j.JobDefinitionKey = definition.Key
			j.HandlerType = handler
			j.HandlerConfiguration = event.Id
			j.ActivityId = event.Id
			if instruction.UpdateEventTrigger {
				d, err := event.EventDefinition.TimerDuration()
				if err != nil {
					c.fail(owner, "Timer '%s' has an invalid duration: %s", event.Id, err)
					continue
				}
				j.DueDate = d.Shift(c.now)
			}
			covered[eventKey{owner: owner.Key, activityId: event.Id}] = true
		}
		j.ProcessDefinitionKey = c.target.Key
		j.DeploymentKey = c.target.DeploymentKey
		saved = append(saved, j)
	}

	for _, e := range tm.tree.Executions() {
		if !tm.migrated[e.Key] {
			continue
		}
		for _, event := range c.target.Definition.DeclaredEvents(e.ActivityId) {
			if event.EventDefinition.Type != model.EventDefinitionTimer || covered[eventKey{owner: e.Key, activityId: event.Id}] {
				continue
			}
			handler, err := runtime.TimerHandlerFor(event)
			if err != nil {
				continue
			}
			d, err := event.EventDefinition.TimerDuration()
			if err != nil {
				c.fail(e, "Timer '%s' has an invalid duration: %s", event.Id, err)
				continue
			}
			definition := c.jobDefinition(event.Id, handler, "")
			saved = append(saved, runtime.NewTimerJob(c.generateKey(), definition, e, c.target.DeploymentKey, d.Shift(c.now), c.now))
		}
		activity, ok := c.target.Definition.Activity(e.ActivityId)
		if !ok {
			continue
		}
		for _, l := range activity.TaskListenerTimers {
			if covered[eventKey{owner: e.Key, activityId: activity.Id, configuration: l.Id}] {
				continue
			}
			d, err := l.Duration()
			if err != nil {
				c.fail(e, "Task listener '%s' has an invalid duration: %s", l.Id, err)
				continue
			}
			definition := c.jobDefinition(activity.Id, runtime.JobHandlerTimerTaskListener, l.Id)
			saved = append(saved, runtime.NewTimerJob(c.generateKey(), definition, e, c.target.DeploymentKey, d.Shift(c.now), c.now))
		}
	}
	return saved, removed
}
