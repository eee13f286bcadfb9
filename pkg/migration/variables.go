// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package migration

import (
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

// migrateVariables keeps variables of surviving executions untouched and moves variables of removed
// scopes to the execution that replaced the scope. Only moved variables are returned.
func migrateVariables(c *migrationContext, tm *treeMigration, variables []runtime.VariableInstance) []runtime.VariableInstance {
	names := make(map[int64]map[string]bool)
	addName := func(owner int64, name string) {
		if names[owner] == nil {
			names[owner] = make(map[string]bool)
		}
		names[owner][name] = true
	}
	for _, v := range variables {
		if tm.surviving(v.ExecutionKey) {
			addName(v.ExecutionKey, v.Name)
		}
	}

	moved := make([]runtime.VariableInstance, 0)
	for _, v := range variables {
		if !tm.isRemoved(v.ExecutionKey) {
			continue
		}
		removed, _ := findExecution(tm.removed, v.ExecutionKey)
		ownerKey := tm.resolved[v.ExecutionKey]
		owner, ok := tm.tree.Get(ownerKey)
		if !ok {
			c.fail(removed, "Variable '%s' cannot be moved, the enclosing scope is not migrated", v.Name)
			continue
		}
		if names[ownerKey][v.Name] {
			c.fail(removed, "Cannot move variable '%s' of removed scope to '%s': a variable with this name already exists",
				v.Name, owner.ActivityInstanceId)
			continue
		}
		addName(ownerKey, v.Name)
		v.ExecutionKey = owner.Key
		v.ActivityInstanceId = owner.ActivityInstanceId
		moved = append(moved, v)
	}
	return moved
}

func findExecution(executions []runtime.Execution, key int64) (runtime.Execution, bool) {
	for _, e := range executions {
		if e.Key == key {
			return e, true
		}
	}
	return runtime.Execution{}, false
}
