// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import "time"

type JobHandlerType string

const (
	// JobHandlerTimerExecuteNestedActivity fires a timer boundary event
	JobHandlerTimerExecuteNestedActivity JobHandlerType = "timer-transition"
	// JobHandlerTimerIntermediateTransition fires an intermediate timer catch event
	JobHandlerTimerIntermediateTransition JobHandlerType = "timer-intermediate-transition"
	// JobHandlerTimerStartEventSubprocess starts an event sub process
	JobHandlerTimerStartEventSubprocess JobHandlerType = "timer-start-event-subprocess"
	// JobHandlerTimerTaskListener fires a timeout task listener, configuration holds the listener id
	JobHandlerTimerTaskListener JobHandlerType = "timer-task-listener"

	JobHandlerBatchSeed    JobHandlerType = "batch-seed-job"
	JobHandlerMigration    JobHandlerType = "instance-migration"
	JobHandlerBatchMonitor JobHandlerType = "batch-monitor-job"
)

func (t JobHandlerType) IsTimer() bool {
	switch t {
	case JobHandlerTimerExecuteNestedActivity, JobHandlerTimerIntermediateTransition,
		JobHandlerTimerStartEventSubprocess, JobHandlerTimerTaskListener:
		return true
	}
	return false
}

// IsBatch reports whether jobs of the handler belong to a batch.
func (t JobHandlerType) IsBatch() bool {
	switch t {
	case JobHandlerBatchSeed, JobHandlerMigration, JobHandlerBatchMonitor:
		return true
	}
	return false
}

// JobDefinition describes jobs created for one activity of a process definition
// or for one batch. An activity can own several job definitions.
type JobDefinition struct {
	Key                  int64          `json:"key"`
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	ActivityId           string         `json:"activityId"`
	HandlerType          JobHandlerType `json:"handlerType"`
	Configuration        string         `json:"configuration"`
}

type Job struct {
	Key                  int64          `json:"key"`
	JobDefinitionKey     int64          `json:"jobDefinitionKey"`
	HandlerType          JobHandlerType `json:"handlerType"`
	HandlerConfiguration string         `json:"handlerConfiguration"`
	ExecutionKey         int64          `json:"executionKey"`
	ProcessInstanceKey   int64          `json:"processInstanceKey"`
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	DeploymentKey        int64          `json:"deploymentKey"`
	ActivityId           string         `json:"activityId"`
	DueDate              time.Time      `json:"dueDate"`
	Priority             int64          `json:"priority"`
	Retries              int            `json:"retries"`
	LockOwner            string         `json:"lockOwner"`
	LockExpiration       time.Time      `json:"lockExpiration"`
	ExceptionMessage     string         `json:"exceptionMessage"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// IsLocked reports whether a job executor holds a valid lock on the job.
func (j Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiration.After(now)
}

// IsExecutable reports whether the job is due and has retries left.
func (j Job) IsExecutable(now time.Time) bool {
	return j.Retries > 0 && !j.DueDate.After(now) && !j.IsLocked(now)
}
