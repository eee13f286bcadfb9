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
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// instanceUnit is the working set of one locked process instance. Changes are staged in
// memory and written by flush; release must always be called.
type instanceUnit struct {
	engine         *Engine
	definition     runtime.ProcessDefinition
	jobDefinitions []runtime.JobDefinition
	instance       runtime.ProcessInstance
	tree           *runtime.ExecutionTree
	variables      map[int64]runtime.VariableInstance
	subscriptions  map[int64]runtime.EventSubscription
	jobs           map[int64]runtime.Job
	now            time.Time
	locked         bool
	ended          bool

	dirtyExecutions    map[int64]bool
	dirtyVariables     map[int64]bool
	dirtySubscriptions map[int64]bool
	dirtyJobs          map[int64]bool
	removedExecutions  []int64
	removedVariables   []int64
	removedSubs        []int64
	removedJobs        []int64
}

func (engine *Engine) newUnit(ctx context.Context, definition runtime.ProcessDefinition) (*instanceUnit, error) {
	jobDefinitions, err := engine.persistence.FindProcessDefinitionJobDefinitions(ctx, definition.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load job definitions of process definition %d: %w", definition.Key, err)
	}
	return &instanceUnit{
		engine:             engine,
		definition:         definition,
		jobDefinitions:     jobDefinitions,
		variables:          make(map[int64]runtime.VariableInstance),
		subscriptions:      make(map[int64]runtime.EventSubscription),
		jobs:               make(map[int64]runtime.Job),
		now:                engine.now(),
		dirtyExecutions:    make(map[int64]bool),
		dirtyVariables:     make(map[int64]bool),
		dirtySubscriptions: make(map[int64]bool),
		dirtyJobs:          make(map[int64]bool),
	}, nil
}

// loadUnit locks the instance and reads its state. The instance must be active.
func (engine *Engine) loadUnit(ctx context.Context, processInstanceKey int64) (*instanceUnit, error) {
	engine.runningInstances.lockInstance(processInstanceKey)
	unit, err := engine.readUnit(ctx, processInstanceKey)
	if err != nil {
		engine.runningInstances.unlockInstance(processInstanceKey)
		return nil, err
	}
	unit.locked = true
	return unit, nil
}

func (engine *Engine) readUnit(ctx context.Context, processInstanceKey int64) (*instanceUnit, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
	}
	if instance.State != runtime.ProcessInstanceActive {
		return nil, newEngineErrorf("process instance %d is %s", processInstanceKey, instance.State)
	}
	state, err := migration.LoadInstanceState(ctx, engine.persistence, processInstanceKey)
	if err != nil {
		return nil, err
	}
	definition, err := engine.FindProcessDefinition(ctx, instance.ProcessDefinitionKey)
	if err != nil {
		return nil, err
	}
	unit, err := engine.newUnit(ctx, definition)
	if err != nil {
		return nil, err
	}
	unit.instance = state.Instance
	unit.tree = state.Tree
	for _, v := range state.Variables {
		unit.variables[v.Key] = v
	}
	for _, s := range state.Subscriptions {
		unit.subscriptions[s.Key] = s
	}
	for _, j := range state.Jobs {
		unit.jobs[j.Key] = j
	}
	return unit, nil
}

func (u *instanceUnit) release() {
	if u.locked {
		u.engine.runningInstances.unlockInstance(u.instance.Key)
		u.locked = false
	}
}

// stage writes the changes of the unit into tx.
func (u *instanceUnit) stage(ctx context.Context, tx storage.Transaction) error {
	errs := []error{tx.SaveProcessInstance(ctx, u.instance)}
	for key := range u.dirtyExecutions {
		if e, ok := u.tree.Get(key); ok && !u.ended {
			errs = append(errs, tx.SaveExecution(ctx, e))
		}
	}
	for key := range u.dirtyVariables {
		if v, ok := u.variables[key]; ok {
			errs = append(errs, tx.SaveVariable(ctx, v))
		}
	}
	for key := range u.dirtySubscriptions {
		if s, ok := u.subscriptions[key]; ok {
			errs = append(errs, tx.SaveEventSubscription(ctx, s))
		}
	}
	for key := range u.dirtyJobs {
		if j, ok := u.jobs[key]; ok {
			errs = append(errs, tx.SaveJob(ctx, j))
		}
	}
	for _, key := range u.removedVariables {
		errs = append(errs, tx.DeleteVariable(ctx, key))
	}
	for _, key := range u.removedSubs {
		errs = append(errs, tx.DeleteEventSubscription(ctx, key))
	}
	for _, key := range u.removedJobs {
		errs = append(errs, tx.DeleteJob(ctx, key))
	}
	for _, key := range u.removedExecutions {
		errs = append(errs, tx.DeleteExecution(ctx, key))
	}
	return errors.Join(errs...)
}

func (u *instanceUnit) flush(ctx context.Context) error {
	tx := u.engine.persistence.NewTransaction()
	if err := u.stage(ctx, tx); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to write process instance %d: %w", u.instance.Key, err)
	}
	return nil
}

func (u *instanceUnit) activity(id string) (*model.Activity, error) {
	a, ok := u.definition.Definition.Activity(id)
	if !ok {
		return nil, newEngineErrorf("activity %s does not exist in process definition %d", id, u.definition.Key)
	}
	return a, nil
}

func (u *instanceUnit) putExecution(e runtime.Execution) error {
	if _, ok := u.tree.Get(e.Key); ok {
		if err := u.tree.Update(e); err != nil {
			return err
		}
	} else if err := u.tree.Add(e); err != nil {
		return err
	}
	u.dirtyExecutions[e.Key] = true
	return nil
}

func (u *instanceUnit) putVariable(v runtime.VariableInstance) {
	u.variables[v.Key] = v
	u.dirtyVariables[v.Key] = true
}

func (u *instanceUnit) putSubscription(s runtime.EventSubscription) {
	u.subscriptions[s.Key] = s
	u.dirtySubscriptions[s.Key] = true
}

func (u *instanceUnit) putJob(j runtime.Job) {
	u.jobs[j.Key] = j
	u.dirtyJobs[j.Key] = true
}

func (u *instanceUnit) removeJob(key int64) {
	if _, ok := u.jobs[key]; !ok {
		return
	}
	delete(u.jobs, key)
	u.removedJobs = append(u.removedJobs, key)
}

// removeEvents deletes the subscriptions and jobs owned by the execution.
func (u *instanceUnit) removeEvents(executionKey int64) {
	for key, s := range u.subscriptions {
		if s.ExecutionKey == executionKey {
			delete(u.subscriptions, key)
			u.removedSubs = append(u.removedSubs, key)
		}
	}
	for key, j := range u.jobs {
		if j.ExecutionKey == executionKey {
			u.removeJob(key)
		}
	}
}

func (u *instanceUnit) removeVariables(executionKey int64) {
	for key, v := range u.variables {
		if v.ExecutionKey == executionKey {
			delete(u.variables, key)
			u.removedVariables = append(u.removedVariables, key)
		}
	}
}

// removeExecution deletes the execution with its subtree and everything they own.
func (u *instanceUnit) removeExecution(e runtime.Execution) error {
	descendants := u.tree.Descendants(e.Key)
	for i := len(descendants) - 1; i >= 0; i-- {
		if err := u.removeLeaf(descendants[i]); err != nil {
			return err
		}
	}
	if err := u.removeLeaf(e); err != nil {
		return err
	}
	if parent, ok := u.tree.Get(e.ParentKey); ok {
		return u.recomputeConcurrency(parent)
	}
	return nil
}

func (u *instanceUnit) removeLeaf(e runtime.Execution) error {
	u.removeEvents(e.Key)
	u.removeVariables(e.Key)
	if err := u.tree.Remove(e.Key); err != nil {
		return err
	}
	delete(u.dirtyExecutions, e.Key)
	u.removedExecutions = append(u.removedExecutions, e.Key)
	return nil
}

// recomputeConcurrency marks children concurrent when they have siblings.
// Iterations of a multi-instance body keep the marker set on creation.
func (u *instanceUnit) recomputeConcurrency(parent runtime.Execution) error {
	if a, ok := u.definition.Definition.Activity(parent.ActivityId); ok && a.IsMultiInstanceBody() {
		return nil
	}
	children := u.tree.Children(parent.Key)
	for _, c := range children {
		concurrent := len(children) > 1
		if c.IsConcurrent == concurrent {
			continue
		}
		c.IsConcurrent = concurrent
		if err := u.putExecution(c); err != nil {
			return err
		}
	}
	return nil
}

// localVariable finds the variable owned by the execution.
func (u *instanceUnit) localVariable(executionKey int64, name string) (runtime.VariableInstance, bool) {
	for _, v := range u.variables {
		if v.ExecutionKey == executionKey && v.Name == name {
			return v, true
		}
	}
	return runtime.VariableInstance{}, false
}

func (u *instanceUnit) setLocalVariable(e runtime.Execution, name string, value any) {
	v, ok := u.localVariable(e.Key, name)
	if !ok {
		v = runtime.VariableInstance{
			Key:                u.engine.generateKey(),
			Name:               name,
			ExecutionKey:       e.Key,
			ActivityInstanceId: e.ActivityInstanceId,
			ProcessInstanceKey: u.instance.Key,
		}
	}
	v.Value = value
	v.TypeName = runtime.TypeNameOf(value)
	u.putVariable(v)
}

// setVariable updates the closest visible variable or creates it on the root execution.
func (u *instanceUnit) setVariable(e runtime.Execution, name string, value any) {
	for cur, ok := e, true; ok; cur, ok = u.tree.Parent(cur.Key) {
		if _, found := u.localVariable(cur.Key, name); found {
			u.setLocalVariable(cur, name, value)
			return
		}
	}
	u.setLocalVariable(u.tree.Root(), name, value)
}

func (u *instanceUnit) intVariable(executionKey int64, name string) int {
	v, ok := u.localVariable(executionKey, name)
	if !ok {
		return 0
	}
	switch n := v.Value.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// visibleVariables returns the variables visible from the execution, closest scope first wins.
func (u *instanceUnit) visibleVariables(e runtime.Execution) map[string]any {
	res := make(map[string]any)
	for cur, ok := e, true; ok; cur, ok = u.tree.Parent(cur.Key) {
		for _, v := range u.variables {
			if v.ExecutionKey != cur.Key {
				continue
			}
			if _, seen := res[v.Name]; !seen {
				res[v.Name] = v.Value
			}
		}
	}
	return res
}
