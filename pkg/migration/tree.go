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

type treeMigration struct {
	// tree is the migrated copy, the source tree is never modified
	tree *runtime.ExecutionTree
	// resolved maps every source execution to the execution that represents it after migration
	resolved map[int64]int64
	// migrated holds executions kept with a rebound activity, the root included
	migrated map[int64]bool
	removed  []runtime.Execution
	created  []runtime.Execution
}

type scopeKey struct {
	parent  int64
	scopeId string
}

// surviving reports whether the execution exists after migration.
func (tm *treeMigration) surviving(key int64) bool {
	_, ok := tm.tree.Get(key)
	return ok
}

// update writes e into the migrated tree. An execution missing from the tree fails the instance.
func (tm *treeMigration) update(c *migrationContext, e runtime.Execution) bool {
	if err := tm.tree.Update(e); err != nil {
		c.fail(e, "%s", err.Error())
		return false
	}
	return true
}

func (tm *treeMigration) isRemoved(key int64) bool {
	return slices.ContainsFunc(tm.removed, func(e runtime.Execution) bool { return e.Key == key })
}

// migrateTree walks the source tree parents first. Mapped executions are rebound and attached
// under their resolved parent, missing target scopes are created, and unmapped scopes are removed
// with their children moving up to the closest surviving ancestor.
func migrateTree(c *migrationContext, source *runtime.ExecutionTree) *treeMigration {
	tree, err := runtime.NewExecutionTree(source.Executions())
	if err != nil {
		c.failures = append(c.failures, InstanceFailure{Reason: err.Error()})
		return &treeMigration{tree: source}
	}
	tm := &treeMigration{
		tree:     tree,
		resolved: make(map[int64]int64, source.Len()),
		migrated: make(map[int64]bool, source.Len()),
	}
	createdScopes := make(map[scopeKey]int64)
	touched := make(map[int64]bool)

	for _, e := range source.TopDown() {
		if e.IsRoot() {
			root := e
			root.ProcessDefinitionKey = c.target.Key
			if !tm.update(c, root) {
				continue
			}
			tm.resolved[e.Key] = e.Key
			tm.migrated[e.Key] = true
			continue
		}
		instruction, mapped := c.plan.InstructionFor(e.ActivityId)
		if !mapped {
			if source.IsLeaf(e.Key) {
				c.fail(e, "There is no migration instruction for this instance's activity")
				continue
			}
			tm.resolved[e.Key] = tm.resolved[e.ParentKey]
			tm.removed = append(tm.removed, e)
			continue
		}
		targetActivity, ok := c.target.Definition.Activity(instruction.TargetActivityId)
		if !ok {
			c.fail(e, "Target activity '%s' does not exist", instruction.TargetActivityId)
			continue
		}
		parentKey, ok := tm.resolved[e.ParentKey]
		if !ok {
			// the parent already failed
			continue
		}
		parentKey, ok = tm.attachScopes(c, e, targetActivity, parentKey, createdScopes, touched)
		if !ok {
			continue
		}
		if parentKey != e.ParentKey {
			if err := tm.tree.Reparent(e.Key, parentKey); err != nil {
				c.fail(e, "%s", err.Error())
				continue
			}
			touched[e.ParentKey] = true
			touched[parentKey] = true
		}
		// the tree keeps the parent set by Reparent
		migrated := e
		migrated.ActivityId = targetActivity.Id
		migrated.ProcessDefinitionKey = c.target.Key
		if !tm.update(c, migrated) {
			continue
		}
		tm.resolved[e.Key] = e.Key
		tm.migrated[e.Key] = true
	}
	if len(c.failures) > 0 {
		return tm
	}

	for i := len(tm.removed) - 1; i >= 0; i-- {
		r := tm.removed[i]
		// deepest first, children have been moved up or removed already
		if err := tm.tree.Remove(r.Key); err != nil {
			c.fail(r, "%s", err.Error())
		}
		touched[r.ParentKey] = true
	}
	tm.recomputeConcurrency(c, touched)
	return tm
}

// attachScopes returns the execution the migrated execution has to be attached to, creating
// executions for target scopes between the resolved parent and the target activity.
func (tm *treeMigration) attachScopes(c *migrationContext, e runtime.Execution, targetActivity *model.Activity,
	parentKey int64, createdScopes map[scopeKey]int64, touched map[int64]bool) (int64, bool) {
	parent, _ := tm.tree.Get(parentKey)
	parentScope := parent.ActivityId
	targetScope := targetActivity.FlowScopeId()
	if parentScope == targetScope {
		return parentKey, true
	}
	if !c.target.Definition.IsAncestor(parentScope, targetScope) {
		c.fail(e, "Cannot attach to scope '%s' because it is not a descendant of the migrated parent scope '%s'",
			targetScope, parentScope)
		return 0, false
	}
	missing := make([]*model.Activity, 0)
	for s := targetActivity.FlowScope(); s != nil && s.Id != parentScope; s = s.FlowScope() {
		missing = append(missing, s)
	}
	slices.Reverse(missing)
	for _, scope := range missing {
		if scope.IsMultiInstanceBody() {
			c.fail(e, "Cannot create a multi-instance body '%s' during migration", scope.Id)
			return 0, false
		}
		key := scopeKey{parent: parentKey, scopeId: scope.Id}
		if existing, ok := createdScopes[key]; ok {
			parentKey = existing
			continue
		}
		created := runtime.Execution{
			Key:                  c.generateKey(),
			ParentKey:            parentKey,
			ProcessInstanceKey:   e.ProcessInstanceKey,
			ProcessDefinitionKey: c.target.Key,
			ActivityId:           scope.Id,
			IsScope:              true,
			CreatedAt:            c.now,
		}
		created.ActivityInstanceId = runtime.NewActivityInstanceId(scope.Id, created.Key)
		if err := tm.tree.Add(created); err != nil {
			c.fail(e, "%s", err.Error())
			return 0, false
		}
		touched[parentKey] = true
		createdScopes[key] = created.Key
		tm.created = append(tm.created, created)
		tm.migrated[created.Key] = true
		parentKey = created.Key
	}
	return parentKey, true
}

// recomputeConcurrency marks children of changed parents concurrent when they have siblings.
// Multi-instance bodies keep the markers of their iterations.
func (tm *treeMigration) recomputeConcurrency(c *migrationContext, touched map[int64]bool) {
	for key := range touched {
		parent, ok := tm.tree.Get(key)
		if !ok {
			continue
		}
		if a, ok := c.target.Definition.Activity(parent.ActivityId); ok && a.IsMultiInstanceBody() {
			continue
		}
		children := tm.tree.Children(key)
		for _, child := range children {
			child.IsConcurrent = len(children) > 1
			tm.update(c, child)
		}
	}
}
