// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

// Snapshot is a consistent copy of the whole storage content, ordered by key.
type Snapshot struct {
	ProcessDefinitions      []runtime.ProcessDefinition
	ProcessInstances        []runtime.ProcessInstance
	Executions              []runtime.Execution
	EventSubscriptions      []runtime.EventSubscription
	JobDefinitions          []runtime.JobDefinition
	Jobs                    []runtime.Job
	Variables               []runtime.VariableInstance
	Batches                 []runtime.Batch
	HistoricBatches         []runtime.HistoricBatch
	Incidents               []runtime.Incident
	UserOperationLogEntries []runtime.UserOperationLogEntry
}

func all[V any](m map[int64]V, key func(V) int64) []V {
	return collect(m, func(V) bool { return true }, key)
}

// Snapshot copies the content under the read lock.
func (mem *Storage) Snapshot() Snapshot {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return Snapshot{
		ProcessDefinitions:      all(mem.ProcessDefinitions, func(d runtime.ProcessDefinition) int64 { return d.Key }),
		ProcessInstances:        all(mem.ProcessInstances, func(i runtime.ProcessInstance) int64 { return i.Key }),
		Executions:              all(mem.Executions, func(e runtime.Execution) int64 { return e.Key }),
		EventSubscriptions:      all(mem.EventSubscriptions, func(s runtime.EventSubscription) int64 { return s.Key }),
		JobDefinitions:          all(mem.JobDefinitions, func(d runtime.JobDefinition) int64 { return d.Key }),
		Jobs:                    all(mem.Jobs, func(j runtime.Job) int64 { return j.Key }),
		Variables:               all(mem.Variables, func(v runtime.VariableInstance) int64 { return v.Key }),
		Batches:                 all(mem.Batches, func(b runtime.Batch) int64 { return b.Key }),
		HistoricBatches:         all(mem.HistoricBatches, func(b runtime.HistoricBatch) int64 { return b.Key }),
		Incidents:               all(mem.Incidents, func(i runtime.Incident) int64 { return i.Key }),
		UserOperationLogEntries: all(mem.UserOperationLogEntries, func(e runtime.UserOperationLogEntry) int64 { return e.Key }),
	}
}

func index[V any](values []V, key func(V) int64) map[int64]V {
	m := make(map[int64]V, len(values))
	for _, v := range values {
		m[key(v)] = v
	}
	return m
}

// Restore replaces the whole content with the snapshot.
func (mem *Storage) Restore(s Snapshot) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions = index(s.ProcessDefinitions, func(d runtime.ProcessDefinition) int64 { return d.Key })
	mem.ProcessInstances = index(s.ProcessInstances, func(i runtime.ProcessInstance) int64 { return i.Key })
	mem.Executions = index(s.Executions, func(e runtime.Execution) int64 { return e.Key })
	mem.EventSubscriptions = index(s.EventSubscriptions, func(e runtime.EventSubscription) int64 { return e.Key })
	mem.JobDefinitions = index(s.JobDefinitions, func(d runtime.JobDefinition) int64 { return d.Key })
	mem.Jobs = index(s.Jobs, func(j runtime.Job) int64 { return j.Key })
	mem.Variables = index(s.Variables, func(v runtime.VariableInstance) int64 { return v.Key })
	mem.Batches = index(s.Batches, func(b runtime.Batch) int64 { return b.Key })
	mem.HistoricBatches = index(s.HistoricBatches, func(b runtime.HistoricBatch) int64 { return b.Key })
	mem.Incidents = index(s.Incidents, func(i runtime.Incident) int64 { return i.Key })
	mem.UserOperationLogEntries = index(s.UserOperationLogEntries, func(e runtime.UserOperationLogEntry) int64 { return e.Key })
}
