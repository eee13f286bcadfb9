// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package boltstore persists snapshots of the in-memory storage into a bbolt file
// so that a server restart keeps instances, jobs and batches.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
	"go.etcd.io/bbolt"
)

var (
	bucketMeta                    = []byte("meta")
	bucketProcessDefinitions      = []byte("process_definitions")
	bucketProcessInstances        = []byte("process_instances")
	bucketExecutions              = []byte("executions")
	bucketEventSubscriptions      = []byte("event_subscriptions")
	bucketJobDefinitions          = []byte("job_definitions")
	bucketJobs                    = []byte("jobs")
	bucketVariables               = []byte("variables")
	bucketBatches                 = []byte("batches")
	bucketHistoricBatches         = []byte("historic_batches")
	bucketIncidents               = []byte("incidents")
	bucketUserOperationLogEntries = []byte("user_operation_log")

	keySavedAt = []byte("saved_at")
)

// Store reads and writes snapshots from a single bbolt file.
type Store struct {
	path    string
	timeout time.Duration
	logger  hclog.Logger
}

func New(path string) *Store {
	return &Store{
		path:    path,
		timeout: time.Second,
		logger:  hclog.Default().Named("boltstore"),
	}
}

func (s *Store) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file %s: %w", s.path, err)
	}
	return db, nil
}

// Save replaces the content of the file with the snapshot in one write transaction.
func (s *Store) Save(ctx context.Context, snapshot inmemory.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		if err := putAll(tx, bucketProcessDefinitions, snapshot.ProcessDefinitions, func(v runtime.ProcessDefinition) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketProcessInstances, snapshot.ProcessInstances, func(v runtime.ProcessInstance) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketExecutions, snapshot.Executions, func(v runtime.Execution) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketEventSubscriptions, snapshot.EventSubscriptions, func(v runtime.EventSubscription) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketJobDefinitions, snapshot.JobDefinitions, func(v runtime.JobDefinition) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketJobs, snapshot.Jobs, func(v runtime.Job) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketVariables, snapshot.Variables, func(v runtime.VariableInstance) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketBatches, snapshot.Batches, func(v runtime.Batch) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketHistoricBatches, snapshot.HistoricBatches, func(v runtime.HistoricBatch) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketIncidents, snapshot.Incidents, func(v runtime.Incident) int64 { return v.Key }); err != nil {
			return err
		}
		if err := putAll(tx, bucketUserOperationLogEntries, snapshot.UserOperationLogEntries, func(v runtime.UserOperationLogEntry) int64 { return v.Key }); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		savedAt, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return meta.Put(keySavedAt, savedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Info("Snapshot saved", "path", s.path, "instances", len(snapshot.ProcessInstances), "batches", len(snapshot.Batches))
	return nil
}

// Load reads the snapshot from the file. A file without buckets yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (inmemory.Snapshot, error) {
	var snapshot inmemory.Snapshot
	if err := ctx.Err(); err != nil {
		return snapshot, err
	}
	db, err := s.open()
	if err != nil {
		return snapshot, err
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		var err error
		if snapshot.ProcessDefinitions, err = readAll[runtime.ProcessDefinition](tx, bucketProcessDefinitions); err != nil {
			return err
		}
		if snapshot.ProcessInstances, err = readAll[runtime.ProcessInstance](tx, bucketProcessInstances); err != nil {
			return err
		}
		if snapshot.Executions, err = readAll[runtime.Execution](tx, bucketExecutions); err != nil {
			return err
		}
		if snapshot.EventSubscriptions, err = readAll[runtime.EventSubscription](tx, bucketEventSubscriptions); err != nil {
			return err
		}
		if snapshot.JobDefinitions, err = readAll[runtime.JobDefinition](tx, bucketJobDefinitions); err != nil {
			return err
		}
		if snapshot.Jobs, err = readAll[runtime.Job](tx, bucketJobs); err != nil {
			return err
		}
		if snapshot.Variables, err = readAll[runtime.VariableInstance](tx, bucketVariables); err != nil {
			return err
		}
		if snapshot.Batches, err = readAll[runtime.Batch](tx, bucketBatches); err != nil {
			return err
		}
		if snapshot.HistoricBatches, err = readAll[runtime.HistoricBatch](tx, bucketHistoricBatches); err != nil {
			return err
		}
		if snapshot.Incidents, err = readAll[runtime.Incident](tx, bucketIncidents); err != nil {
			return err
		}
		if snapshot.UserOperationLogEntries, err = readAll[runtime.UserOperationLogEntry](tx, bucketUserOperationLogEntries); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return inmemory.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	for i := range snapshot.Variables {
		snapshot.Variables[i].Value = restoreValue(snapshot.Variables[i].TypeName, snapshot.Variables[i].Value)
	}
	s.logger.Info("Snapshot loaded", "path", s.path, "instances", len(snapshot.ProcessInstances), "batches", len(snapshot.Batches))
	return snapshot, nil
}

// restoreValue brings back numeric types that JSON decodes as float64.
func restoreValue(typeName string, value any) any {
	f, ok := value.(float64)
	if !ok {
		return value
	}
	switch typeName {
	case "Integer":
		if f >= math.MinInt32 && f <= math.MaxInt32 {
			return int(f)
		}
	case "Long":
		return int64(f)
	}
	return f
}

func putAll[V any](tx *bbolt.Tx, name []byte, values []V, key func(V) int64) error {
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}
	bucket, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s entry %d: %w", name, key(v), err)
		}
		if err := bucket.Put(marshalKey(key(v)), data); err != nil {
			return err
		}
	}
	return nil
}

func readAll[V any](tx *bbolt.Tx, name []byte) ([]V, error) {
	bucket := tx.Bucket(name)
	if bucket == nil {
		return nil, nil
	}
	values := make([]V, 0, bucket.Stats().KeyN)
	err := bucket.ForEach(func(k, data []byte) error {
		if len(k) != 8 {
			return fmt.Errorf("%s key is corrupt, expected 8 bytes, got %d", name, len(k))
		}
		var v V
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to unmarshal %s entry %d: %w", name, unmarshalKey(k), err)
		}
		values = append(values, v)
		return nil
	})
	return values, err
}

// keys are stored big endian so that bbolt iterates them in key order
func marshalKey(key int64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(key))
	return data
}

func unmarshalKey(data []byte) int64 {
	return int64(binary.BigEndian.Uint64(data))
}
