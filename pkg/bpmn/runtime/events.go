// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"fmt"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
)

const DefaultJobRetries = 3

// TimerHandlerFor returns the handler of the timer job created for a timer event.
func TimerHandlerFor(event *model.Activity) (JobHandlerType, error) {
	switch {
	case event.Type == model.ElementTypeBoundaryEvent:
		return JobHandlerTimerExecuteNestedActivity, nil
	case event.Type == model.ElementTypeIntermediateCatchEvent:
		return JobHandlerTimerIntermediateTransition, nil
	case event.IsEventSubProcessStart():
		return JobHandlerTimerStartEventSubprocess, nil
	}
	return "", fmt.Errorf("activity %s does not declare a timer job", event.Id)
}

// FindJobDefinition looks up the definition of an activity by handler and configuration.
func FindJobDefinition(definitions []JobDefinition, activityId string, handler JobHandlerType, configuration string) (JobDefinition, bool) {
	for _, d := range definitions {
		if d.ActivityId == activityId && d.HandlerType == handler && d.Configuration == configuration {
			return d, true
		}
	}
	return JobDefinition{}, false
}

// JobDefinitionsFor returns the timer job definitions a process definition needs.
func JobDefinitionsFor(process *model.Process, processDefinitionKey int64, generateKey func() int64) []JobDefinition {
	res := make([]JobDefinition, 0)
	for _, a := range process.AllActivities() {
		if a.EventDefinition != nil && a.EventDefinition.Type == model.EventDefinitionTimer && a.IsEvent() {
			handler, err := TimerHandlerFor(a)
			if err != nil {
				continue
			}
			res = append(res, JobDefinition{
				Key:                  generateKey(),
				ProcessDefinitionKey: processDefinitionKey,
				ActivityId:           a.Id,
				HandlerType:          handler,
			})
		}
		for _, l := range a.TaskListenerTimers {
			res = append(res, JobDefinition{
				Key:                  generateKey(),
				ProcessDefinitionKey: processDefinitionKey,
				ActivityId:           a.Id,
				HandlerType:          JobHandlerTimerTaskListener,
				Configuration:        l.Id,
			})
		}
	}
	return res
}

func NewEventSubscription(key int64, event *model.Activity, owner Execution, now time.Time) EventSubscription {
	return EventSubscription{
		Key:                  key,
		EventType:            event.EventDefinition.Type,
		EventName:            event.EventDefinition.Name,
		ActivityId:           event.Id,
		ExecutionKey:         owner.Key,
		ProcessInstanceKey:   owner.ProcessInstanceKey,
		ProcessDefinitionKey: owner.ProcessDefinitionKey,
		CreatedAt:            now,
	}
}

// NewTimerJob creates a job of the definition owned by the execution due at dueDate.
func NewTimerJob(key int64, definition JobDefinition, owner Execution, deploymentKey int64, dueDate time.Time, now time.Time) Job {
	configuration := definition.Configuration
	if configuration == "" {
		configuration = definition.ActivityId
	}
	return Job{
		Key:                  key,
		JobDefinitionKey:     definition.Key,
		HandlerType:          definition.HandlerType,
		HandlerConfiguration: configuration,
		ExecutionKey:         owner.Key,
		ProcessInstanceKey:   owner.ProcessInstanceKey,
		ProcessDefinitionKey: owner.ProcessDefinitionKey,
		DeploymentKey:        deploymentKey,
		ActivityId:           definition.ActivityId,
		DueDate:              dueDate,
		Retries:              DefaultJobRetries,
		CreatedAt:            now,
	}
}
