// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import "time"

type BatchState string

const (
	BatchStateCreated    BatchState = "CREATED"
	BatchStateSeeding    BatchState = "SEEDING"
	BatchStateExecuting  BatchState = "EXECUTING"
	BatchStateMonitoring BatchState = "MONITORING"
	BatchStateCompleted  BatchState = "COMPLETED"
	BatchStateDeleted    BatchState = "DELETED"
)

func (s BatchState) IsTerminal() bool {
	return s == BatchStateCompleted || s == BatchStateDeleted
}

const BatchTypeInstanceMigration = "instance-migration"

type Batch struct {
	Key                     int64      `json:"key"`
	Type                    string     `json:"type"`
	State                   BatchState `json:"state"`
	TotalJobs               int        `json:"totalJobs"`
	JobsCreated             int        `json:"jobsCreated"`
	InvocationsPerBatchJob  int        `json:"invocationsPerBatchJob"`
	BatchJobsPerSeed        int        `json:"batchJobsPerSeed"`
	SeedJobDefinitionKey    int64      `json:"seedJobDefinitionKey"`
	BatchJobDefinitionKey   int64      `json:"batchJobDefinitionKey"`
	MonitorJobDefinitionKey int64      `json:"monitorJobDefinitionKey"`
	// Configuration holds the handler specific payload, for migrations the plan and instance keys
	Configuration []byte    `json:"configuration"`
	CreateUserId  string    `json:"createUserId"`
	TenantId      string    `json:"tenantId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type HistoricBatch struct {
	Key                     int64      `json:"key"`
	Type                    string     `json:"type"`
	State                   BatchState `json:"state"`
	TotalJobs               int        `json:"totalJobs"`
	JobsCreated             int        `json:"jobsCreated"`
	InvocationsPerBatchJob  int        `json:"invocationsPerBatchJob"`
	BatchJobsPerSeed        int        `json:"batchJobsPerSeed"`
	SeedJobDefinitionKey    int64      `json:"seedJobDefinitionKey"`
	BatchJobDefinitionKey   int64      `json:"batchJobDefinitionKey"`
	MonitorJobDefinitionKey int64      `json:"monitorJobDefinitionKey"`
	CreateUserId            string     `json:"createUserId"`
	TenantId                string     `json:"tenantId"`
	StartTime               time.Time  `json:"startTime"`
	EndTime                 *time.Time `json:"endTime"`
}

// BatchStatistics describes the progress of a live batch.
type BatchStatistics struct {
	Batch         Batch `json:"batch"`
	RemainingJobs int   `json:"remainingJobs"`
	CompletedJobs int   `json:"completedJobs"`
	FailedJobs    int   `json:"failedJobs"`
}

func (b Batch) ToHistoric() HistoricBatch {
	return HistoricBatch{
		Key:                     b.Key,
		Type:                    b.Type,
		State:                   b.State,
		TotalJobs:               b.TotalJobs,
		JobsCreated:             b.JobsCreated,
		InvocationsPerBatchJob:  b.InvocationsPerBatchJob,
		BatchJobsPerSeed:        b.BatchJobsPerSeed,
		SeedJobDefinitionKey:    b.SeedJobDefinitionKey,
		BatchJobDefinitionKey:   b.BatchJobDefinitionKey,
		MonitorJobDefinitionKey: b.MonitorJobDefinitionKey,
		CreateUserId:            b.CreateUserId,
		TenantId:                b.TenantId,
		StartTime:               b.CreatedAt,
	}
}
