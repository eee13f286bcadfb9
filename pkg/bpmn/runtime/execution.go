// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Execution is one node of the execution tree of a process instance.
// The root execution has the key of the process instance and no parent.
type Execution struct {
	Key                  int64     `json:"key"`
	ParentKey            int64     `json:"parentKey"`
	ProcessInstanceKey   int64     `json:"processInstanceKey"`
	ProcessDefinitionKey int64     `json:"processDefinitionKey"`
	ActivityId           string    `json:"activityId"`
	ActivityInstanceId   string    `json:"activityInstanceId"`
	IsScope              bool      `json:"isScope"`
	IsConcurrent         bool      `json:"isConcurrent"`
	CreatedAt            time.Time `json:"createdAt"`
}

func (e Execution) IsRoot() bool {
	return e.ParentKey == 0
}

// NewActivityInstanceId builds the id of the activity instance represented by an execution.
func NewActivityInstanceId(activityId string, executionKey int64) string {
	if activityId == "" {
		return strconv.FormatInt(executionKey, 10)
	}
	return fmt.Sprintf("%s:%d", activityId, executionKey)
}

// ExecutionTree is an arena of executions of one process instance indexed by key.
type ExecutionTree struct {
	nodes    map[int64]Execution
	children map[int64][]int64
	root     int64
}

// NewExecutionTree builds the tree and verifies there is exactly one root and every parent exists.
func NewExecutionTree(executions []Execution) (*ExecutionTree, error) {
	t := &ExecutionTree{
		nodes:    make(map[int64]Execution, len(executions)),
		children: make(map[int64][]int64, len(executions)),
	}
	for _, e := range executions {
		if e.IsRoot() {
			if t.root != 0 {
				return nil, fmt.Errorf("process instance %d has more than one root execution", e.ProcessInstanceKey)
			}
			t.root = e.Key
		}
		t.nodes[e.Key] = e
	}
	if t.root == 0 {
		return nil, fmt.Errorf("execution tree has no root")
	}
	for _, e := range executions {
		if e.IsRoot() {
			continue
		}
		if _, ok := t.nodes[e.ParentKey]; !ok {
			return nil, fmt.Errorf("execution %d references missing parent %d", e.Key, e.ParentKey)
		}
		t.children[e.ParentKey] = append(t.children[e.ParentKey], e.Key)
	}
	for k := range t.children {
		slices.Sort(t.children[k])
	}
	return t, nil
}

func (t *ExecutionTree) Root() Execution {
	return t.nodes[t.root]
}

func (t *ExecutionTree) Len() int {
	return len(t.nodes)
}

func (t *ExecutionTree) Get(key int64) (Execution, bool) {
	e, ok := t.nodes[key]
	return e, ok
}

func (t *ExecutionTree) Parent(key int64) (Execution, bool) {
	e, ok := t.nodes[key]
	if !ok || e.IsRoot() {
		return Execution{}, false
	}
	return t.nodes[e.ParentKey], true
}

// Children returns the direct children ordered by key.
func (t *ExecutionTree) Children(key int64) []Execution {
	res := make([]Execution, 0, len(t.children[key]))
	for _, c := range t.children[key] {
		res = append(res, t.nodes[c])
	}
	return res
}

func (t *ExecutionTree) IsLeaf(key int64) bool {
	return len(t.children[key]) == 0
}

// TopDown returns executions in breadth first order, parents before children.
func (t *ExecutionTree) TopDown() []Execution {
	res := make([]Execution, 0, len(t.nodes))
	queue := []int64{t.root}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		res = append(res, t.nodes[k])
		queue = append(queue, t.children[k]...)
	}
	return res
}

// Executions returns all executions ordered by key.
func (t *ExecutionTree) Executions() []Execution {
	res := make([]Execution, 0, len(t.nodes))
	for _, e := range t.nodes {
		res = append(res, e)
	}
	slices.SortFunc(res, func(a, b Execution) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return res
}

// Descendants returns all executions below key in top down order.
func (t *ExecutionTree) Descendants(key int64) []Execution {
	res := make([]Execution, 0)
	queue := slices.Clone(t.children[key])
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		res = append(res, t.nodes[k])
		queue = append(queue, t.children[k]...)
	}
	return res
}

func (t *ExecutionTree) Add(e Execution) error {
	if _, ok := t.nodes[e.Key]; ok {
		return fmt.Errorf("execution %d already exists", e.Key)
	}
	if e.IsRoot() {
		return fmt.Errorf("execution tree already has root %d", t.root)
	}
	if _, ok := t.nodes[e.ParentKey]; !ok {
		return fmt.Errorf("parent execution %d of %d does not exist", e.ParentKey, e.Key)
	}
	t.nodes[e.Key] = e
	t.children[e.ParentKey] = append(t.children[e.ParentKey], e.Key)
	slices.Sort(t.children[e.ParentKey])
	return nil
}

// Update replaces the stored execution without changing its position in the tree.
func (t *ExecutionTree) Update(e Execution) error {
	old, ok := t.nodes[e.Key]
	if !ok {
		return fmt.Errorf("execution %d does not exist", e.Key)
	}
	e.ParentKey = old.ParentKey
	t.nodes[e.Key] = e
	return nil
}

// Remove deletes a leaf execution.
func (t *ExecutionTree) Remove(key int64) error {
	e, ok := t.nodes[key]
	if !ok {
		return fmt.Errorf("execution %d does not exist", key)
	}
	if e.IsRoot() {
		return fmt.Errorf("cannot remove root execution %d", key)
	}
	if len(t.children[key]) > 0 {
		return fmt.Errorf("cannot remove execution %d, it has child executions", key)
	}
	delete(t.nodes, key)
	delete(t.children, key)
	t.children[e.ParentKey] = slices.DeleteFunc(t.children[e.ParentKey], func(c int64) bool { return c == key })
	return nil
}

// Reparent moves the execution and its subtree below newParent.
func (t *ExecutionTree) Reparent(key int64, newParent int64) error {
	e, ok := t.nodes[key]
	if !ok {
		return fmt.Errorf("execution %d does not exist", key)
	}
	if _, ok := t.nodes[newParent]; !ok {
		return fmt.Errorf("parent execution %d does not exist", newParent)
	}
	if e.IsRoot() {
		return fmt.Errorf("cannot reparent root execution %d", key)
	}
	for cur := newParent; ; {
		if cur == key {
			return fmt.Errorf("cannot move execution %d below its own descendant %d", key, newParent)
		}
		p := t.nodes[cur]
		if p.IsRoot() {
			break
		}
		cur = p.ParentKey
	}
	t.children[e.ParentKey] = slices.DeleteFunc(t.children[e.ParentKey], func(c int64) bool { return c == key })
	e.ParentKey = newParent
	t.nodes[key] = e
	t.children[newParent] = append(t.children[newParent], key)
	slices.Sort(t.children[newParent])
	return nil
}

// ActivityInstance is the user visible projection of the execution tree.
type ActivityInstance struct {
	Id                       string             `json:"id"`
	ActivityId               string             `json:"activityId"`
	ParentActivityInstanceId string             `json:"parentActivityInstanceId"`
	ExecutionKeys            []int64            `json:"executionKeys"`
	ChildActivityInstances   []ActivityInstance `json:"childActivityInstances"`
}

// ActivityInstanceTree projects the execution tree; the root instance represents the process instance.
func (t *ExecutionTree) ActivityInstanceTree(bpmnProcessId string) ActivityInstance {
	var build func(e Execution, parentId string) ActivityInstance
	build = func(e Execution, parentId string) ActivityInstance {
		activityId := e.ActivityId
		if e.IsRoot() {
			activityId = bpmnProcessId
		}
		ai := ActivityInstance{
			Id:                       e.ActivityInstanceId,
			ActivityId:               activityId,
			ParentActivityInstanceId: parentId,
			ExecutionKeys:            []int64{e.Key},
			ChildActivityInstances:   make([]ActivityInstance, 0),
		}
		for _, c := range t.Children(e.Key) {
			ai.ChildActivityInstances = append(ai.ChildActivityInstances, build(c, ai.Id))
		}
		return ai
	}
	return build(t.Root(), "")
}

// ActivityInstances returns every activity instance with the given activity id.
func (ai ActivityInstance) ActivityInstances(activityId string) []ActivityInstance {
	res := make([]ActivityInstance, 0)
	if ai.ActivityId == activityId {
		res = append(res, ai)
	}
	for _, c := range ai.ChildActivityInstances {
		res = append(res, c.ActivityInstances(activityId)...)
	}
	return res
}
