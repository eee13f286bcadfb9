// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"slices"
	"sync"
)

type RunningInstance struct {
	mu      *sync.Mutex
	waiters int
}

// RunningInstancesCache serializes work on one process instance inside this engine.
type RunningInstancesCache struct {
	processInstances map[int64]*RunningInstance
	mu               *sync.Mutex
}

func newRunningInstancesCache() *RunningInstancesCache {
	return &RunningInstancesCache{
		processInstances: make(map[int64]*RunningInstance),
		mu:               &sync.Mutex{},
	}
}

func (c *RunningInstancesCache) lockInstance(key int64) {
	c.mu.Lock()
	ins, ok := c.processInstances[key]
	if !ok {
		ins = &RunningInstance{mu: &sync.Mutex{}}
		c.processInstances[key] = ins
	}
	ins.waiters++
	c.mu.Unlock()
	ins.mu.Lock()
}

func (c *RunningInstancesCache) unlockInstance(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ins, ok := c.processInstances[key]
	if !ok {
		return
	}
	ins.waiters--
	if ins.waiters == 0 {
		delete(c.processInstances, key)
	}
	ins.mu.Unlock()
}

// lockInstances locks every key in ascending order so two callers never wait on each other.
// The returned function unlocks them.
func (c *RunningInstancesCache) lockInstances(keys []int64) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, k := range sorted {
		c.lockInstance(k)
	}
	return func() {
		for _, k := range sorted {
			c.unlockInstance(k)
		}
	}
}
