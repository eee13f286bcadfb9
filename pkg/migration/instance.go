// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// InstanceState is everything migration reads from one process instance.
type InstanceState struct {
	Instance      runtime.ProcessInstance
	Tree          *runtime.ExecutionTree
	Subscriptions []runtime.EventSubscription
	Jobs          []runtime.Job
	Variables     []runtime.VariableInstance
}

// StateReader is the part of the storage migration reads instance state from.
type StateReader interface {
	storage.ProcessInstanceStorageReader
	storage.ExecutionStorageReader
	storage.EventSubscriptionStorageReader
	storage.JobStorageReader
	storage.VariableStorageReader
}

// LoadInstanceState reads the instance with its executions and their dependents.
func LoadInstanceState(ctx context.Context, reader StateReader, processInstanceKey int64) (InstanceState, error) {
	instance, err := reader.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	executions, err := reader.FindProcessInstanceExecutions(ctx, processInstanceKey)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to load executions of process instance %d: %w", processInstanceKey, err)
	}
	tree, err := runtime.NewExecutionTree(executions)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to build execution tree of process instance %d: %w", processInstanceKey, err)
	}
	subscriptions, err := reader.FindProcessInstanceEventSubscriptions(ctx, processInstanceKey)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to load event subscriptions of process instance %d: %w", processInstanceKey, err)
	}
	jobs, err := reader.FindProcessInstanceJobs(ctx, processInstanceKey)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to load jobs of process instance %d: %w", processInstanceKey, err)
	}
	variables, err := reader.FindProcessInstanceVariables(ctx, processInstanceKey)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to load variables of process instance %d: %w", processInstanceKey, err)
	}
	return InstanceState{
		Instance:      instance,
		Tree:          tree,
		Subscriptions: subscriptions,
		Jobs:          jobs,
		Variables:     variables,
	}, nil
}

// InstanceFailure describes why one activity instance cannot be migrated.
type InstanceFailure struct {
	ActivityInstanceId string `json:"activityInstanceId,omitempty"`
	ActivityId         string `json:"activityId,omitempty"`
	Reason             string `json:"reason"`
}

// InstanceValidationError is returned when a valid plan cannot be applied to a concrete instance.
type InstanceValidationError struct {
	ProcessInstanceKey int64
	Failures           []InstanceFailure
}

func (e *InstanceValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process instance '%d' cannot be migrated:", e.ProcessInstanceKey)
	for _, f := range e.Failures {
		if f.ActivityInstanceId == "" {
			fmt.Fprintf(&sb, "\n\t%s", f.Reason)
			continue
		}
		fmt.Fprintf(&sb, "\n\tActivity instance '%s' (%s): %s", f.ActivityInstanceId, f.ActivityId, f.Reason)
	}
	return sb.String()
}

// Changeset is the computed result of migrating one instance. Nothing is written until Apply.
type Changeset struct {
	ProcessInstance      runtime.ProcessInstance
	Tree                 *runtime.ExecutionTree
	Executions           []runtime.Execution
	RemovedExecutions    []int64
	Subscriptions        []runtime.EventSubscription
	RemovedSubscriptions []int64
	JobDefinitions       []runtime.JobDefinition
	Jobs                 []runtime.Job
	RemovedJobs          []int64
	Variables            []runtime.VariableInstance
}

// Apply stages the changes into the transaction.
func (c *Changeset) Apply(ctx context.Context, tx storage.Transaction) error {
	var errs []error
	errs = append(errs, tx.SaveProcessInstance(ctx, c.ProcessInstance))
	for _, d := range c.JobDefinitions {
		errs = append(errs, tx.SaveJobDefinition(ctx, d))
	}
	for _, e := range c.Executions {
		errs = append(errs, tx.SaveExecution(ctx, e))
	}
	for _, k := range c.RemovedSubscriptions {
		errs = append(errs, tx.DeleteEventSubscription(ctx, k))
	}
	for _, s := range c.Subscriptions {
		errs = append(errs, tx.SaveEventSubscription(ctx, s))
	}
	for _, k := range c.RemovedJobs {
		errs = append(errs, tx.DeleteJob(ctx, k))
	}
	for _, j := range c.Jobs {
		errs = append(errs, tx.SaveJob(ctx, j))
	}
	for _, v := range c.Variables {
		errs = append(errs, tx.SaveVariable(ctx, v))
	}
	for _, k := range c.RemovedExecutions {
		errs = append(errs, tx.DeleteExecution(ctx, k))
	}
	return errors.Join(errs...)
}

// InstanceMigrator applies one plan to single process instances.
type InstanceMigrator struct {
	plan                 *Plan
	source               runtime.ProcessDefinition
	target               runtime.ProcessDefinition
	targetJobDefinitions []runtime.JobDefinition
	generateKey          func() int64
	now                  func() time.Time

	mu sync.Mutex
	// created holds job definitions the target deployment lacked, shared by all migrated instances
	created []runtime.JobDefinition
}

// createdJobDefinition returns the job definition created by an earlier instance or creates it.
func (m *InstanceMigrator) createdJobDefinition(activityId string, handler runtime.JobHandlerType, configuration string) runtime.JobDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := runtime.FindJobDefinition(m.created, activityId, handler, configuration); ok {
		return d
	}
	d := runtime.JobDefinition{
		Key:                  m.generateKey(),
		ProcessDefinitionKey: m.target.Key,
		ActivityId:           activityId,
		HandlerType:          handler,
		Configuration:        configuration,
	}
	m.created = append(m.created, d)
	return d
}

type InstanceMigratorOption func(*InstanceMigrator)

// WithClock replaces time.Now, used for recomputed due dates.
func WithClock(now func() time.Time) InstanceMigratorOption {
	return func(m *InstanceMigrator) {
		m.now = now
	}
}

func NewInstanceMigrator(plan *Plan, source runtime.ProcessDefinition, target runtime.ProcessDefinition,
	targetJobDefinitions []runtime.JobDefinition, generateKey func() int64, options ...InstanceMigratorOption) (*InstanceMigrator, error) {
	if plan.SourceProcessDefinitionKey != source.Key || plan.TargetProcessDefinitionKey != target.Key {
		return nil, fmt.Errorf("migration plan %d -> %d does not match definitions %d -> %d",
			plan.SourceProcessDefinitionKey, plan.TargetProcessDefinitionKey, source.Key, target.Key)
	}
	if source.Definition == nil || target.Definition == nil {
		return nil, fmt.Errorf("process definitions %d and %d must be resolved", source.Key, target.Key)
	}
	m := &InstanceMigrator{
		plan:                 plan,
		source:               source,
		target:               target,
		targetJobDefinitions: targetJobDefinitions,
		generateKey:          generateKey,
		now:                  time.Now,
	}
	for _, option := range options {
		option(m)
	}
	return m, nil
}

// migrationContext carries the state of a single instance migration across the migrators.
type migrationContext struct {
	migrator       *InstanceMigrator
	plan           *Plan
	source         runtime.ProcessDefinition
	target         runtime.ProcessDefinition
	newDefinitions []runtime.JobDefinition
	generateKey    func() int64
	now            time.Time
	failures       []InstanceFailure
}

func (c *migrationContext) fail(e runtime.Execution, format string, args ...any) {
	c.failures = append(c.failures, InstanceFailure{
		ActivityInstanceId: e.ActivityInstanceId,
		ActivityId:         e.ActivityId,
		Reason:             fmt.Sprintf(format, args...),
	})
}

// jobDefinition resolves the target job definition, creating it when the target deployment lacks one.
// Every changeset using a created definition saves it, saving is keyed so repeats overwrite.
func (c *migrationContext) jobDefinition(activityId string, handler runtime.JobHandlerType, configuration string) runtime.JobDefinition {
	if d, ok := runtime.FindJobDefinition(c.migrator.targetJobDefinitions, activityId, handler, configuration); ok {
		return d
	}
	if d, ok := runtime.FindJobDefinition(c.newDefinitions, activityId, handler, configuration); ok {
		return d
	}
	d := c.migrator.createdJobDefinition(activityId, handler, configuration)
	c.newDefinitions = append(c.newDefinitions, d)
	return d
}

// Migrate computes the changeset of one instance. It returns an *InstanceValidationError
// when the plan cannot be applied to the instance.
func (m *InstanceMigrator) Migrate(state InstanceState) (*Changeset, error) {
	c := &migrationContext{
		migrator:    m,
		plan:        m.plan,
		source:      m.source,
		target:      m.target,
		generateKey: m.generateKey,
		now:         m.now(),
	}
	instance := state.Instance
	if instance.ProcessDefinitionKey != m.source.Key {
		c.failures = append(c.failures, InstanceFailure{
			Reason: fmt.Sprintf("Process instance is not an instance of process definition '%d'", m.source.Key),
		})
	}
	if instance.State != runtime.ProcessInstanceActive {
		c.failures = append(c.failures, InstanceFailure{
			Reason: fmt.Sprintf("Process instance is %s", instance.State),
		})
	}
	if len(c.failures) > 0 {
		return nil, &InstanceValidationError{ProcessInstanceKey: instance.Key, Failures: c.failures}
	}

	tm := migrateTree(c, state.Tree)
	if len(c.failures) > 0 {
		return nil, &InstanceValidationError{ProcessInstanceKey: instance.Key, Failures: c.failures}
	}
	variables := migrateVariables(c, tm, state.Variables)
	subscriptions, removedSubscriptions := migrateSubscriptions(c, tm, state.Subscriptions)
	jobs, removedJobs := migrateJobs(c, tm, state.Jobs)
	if len(c.failures) > 0 {
		return nil, &InstanceValidationError{ProcessInstanceKey: instance.Key, Failures: c.failures}
	}

	instance.ProcessDefinitionKey = m.target.Key
	instance.BpmnProcessId = m.target.BpmnProcessId
	removedExecutions := make([]int64, 0, len(tm.removed))
	for _, e := range tm.removed {
		removedExecutions = append(removedExecutions, e.Key)
	}
	return &Changeset{
		ProcessInstance:      instance,
		Tree:                 tm.tree,
		Executions:           tm.tree.Executions(),
		RemovedExecutions:    removedExecutions,
		Subscriptions:        subscriptions,
		RemovedSubscriptions: removedSubscriptions,
		JobDefinitions:       c.newDefinitions,
		Jobs:                 jobs,
		RemovedJobs:          removedJobs,
		Variables:            variables,
	}, nil
}
