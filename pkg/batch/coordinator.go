// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

type Config struct {
	// InvocationsPerBatchJob is the number of process instances one batch job migrates
	InvocationsPerBatchJob int
	// BatchJobsPerSeed is the number of batch jobs one seed job run creates
	BatchJobsPerSeed    int
	MonitorPollInterval time.Duration
	DefaultRetries      int
}

func DefaultConfig() Config {
	return Config{
		InvocationsPerBatchJob: 1,
		BatchJobsPerSeed:       100,
		MonitorPollInterval:    30 * time.Second,
		DefaultRetries:         runtime.DefaultJobRetries,
	}
}

// InstanceMigrator migrates one process instance in its own transaction.
type InstanceMigrator interface {
	MigrateInstance(ctx context.Context, plan *migration.Plan, processInstanceKey int64) error
}

// MigrationConfiguration is stored in Batch.Configuration of migration batches.
type MigrationConfiguration struct {
	Plan         migration.Plan `json:"plan"`
	InstanceKeys []int64        `json:"instanceKeys"`
}

// JobConfiguration is the handler configuration of one migration batch job.
type JobConfiguration struct {
	BatchKey     int64          `json:"batchKey"`
	Plan         migration.Plan `json:"plan"`
	InstanceKeys []int64        `json:"instanceKeys"`
}

// Coordinator drives migration batches through seed, batch and monitor jobs.
type Coordinator struct {
	store       storage.Storage
	migrator    InstanceMigrator
	config      Config
	generateKey func() int64
	now         func() time.Time
	metrics     *otelPkg.EngineMetrics
	logger      hclog.Logger
}

func NewCoordinator(store storage.Storage, migrator InstanceMigrator, generateKey func() int64, config Config,
	metrics *otelPkg.EngineMetrics, now func() time.Time) *Coordinator {
	if config.InvocationsPerBatchJob < 1 {
		config.InvocationsPerBatchJob = 1
	}
	if config.BatchJobsPerSeed < 1 {
		config.BatchJobsPerSeed = 1
	}
	if config.DefaultRetries < 1 {
		config.DefaultRetries = runtime.DefaultJobRetries
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:       store,
		migrator:    migrator,
		config:      config,
		generateKey: generateKey,
		now:         now,
		metrics:     metrics,
		logger:      hclog.Default().Named("batch-coordinator"),
	}
}

func (c *Coordinator) Config() Config {
	return c.config
}

// CreateMigrationBatch stages a batch with its job definitions and the seed job into tx.
func (c *Coordinator) CreateMigrationBatch(ctx context.Context, tx storage.Transaction, plan *migration.Plan,
	instanceKeys []int64, createUserId string) (runtime.Batch, error) {
	configuration, err := json.Marshal(MigrationConfiguration{Plan: *plan, InstanceKeys: instanceKeys})
	if err != nil {
		return runtime.Batch{}, fmt.Errorf("failed to marshal batch configuration: %w", err)
	}
	now := c.now()
	batchKey := c.generateKey()
	b := runtime.Batch{
		Key:                     batchKey,
		Type:                    runtime.BatchTypeInstanceMigration,
		State:                   runtime.BatchStateCreated,
		TotalJobs:               (len(instanceKeys) + c.config.InvocationsPerBatchJob - 1) / c.config.InvocationsPerBatchJob,
		InvocationsPerBatchJob:  c.config.InvocationsPerBatchJob,
		BatchJobsPerSeed:        c.config.BatchJobsPerSeed,
		SeedJobDefinitionKey:    c.generateKey(),
		BatchJobDefinitionKey:   c.generateKey(),
		MonitorJobDefinitionKey: c.generateKey(),
		Configuration:           configuration,
		CreateUserId:            createUserId,
		CreatedAt:               now,
	}
	handlerConfiguration := strconv.FormatInt(batchKey, 10)
	errs := []error{
		tx.SaveJobDefinition(ctx, runtime.JobDefinition{Key: b.SeedJobDefinitionKey, HandlerType: runtime.JobHandlerBatchSeed, Configuration: handlerConfiguration}),
		tx.SaveJobDefinition(ctx, runtime.JobDefinition{Key: b.BatchJobDefinitionKey, HandlerType: runtime.JobHandlerMigration, Configuration: handlerConfiguration}),
		tx.SaveJobDefinition(ctx, runtime.JobDefinition{Key: b.MonitorJobDefinitionKey, HandlerType: runtime.JobHandlerBatchMonitor, Configuration: handlerConfiguration}),
		tx.SaveBatch(ctx, b),
		tx.SaveJob(ctx, c.newJob(b.SeedJobDefinitionKey, runtime.JobHandlerBatchSeed, handlerConfiguration, now)),
	}
	if err := errors.Join(errs...); err != nil {
		return runtime.Batch{}, fmt.Errorf("failed to stage batch %d: %w", batchKey, err)
	}
	c.metrics.BatchesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", b.Type)))
	c.logger.Info("batch created", "batchKey", batchKey, "instances", len(instanceKeys), "totalJobs", b.TotalJobs)
	return b, nil
}

func (c *Coordinator) newJob(jobDefinitionKey int64, handler runtime.JobHandlerType, configuration string, due time.Time) runtime.Job {
	return runtime.Job{
		Key:                  c.generateKey(),
		JobDefinitionKey:     jobDefinitionKey,
		HandlerType:          handler,
		HandlerConfiguration: configuration,
		DueDate:              due,
		Retries:              c.config.DefaultRetries,
		CreatedAt:            c.now(),
	}
}

// Execute runs a seed, migration or monitor job. The job is deleted or rescheduled on success;
// on failure the caller applies its retry policy.
func (c *Coordinator) Execute(ctx context.Context, job runtime.Job) error {
	switch job.HandlerType {
	case runtime.JobHandlerBatchSeed:
		return c.executeSeedJob(ctx, job)
	case runtime.JobHandlerMigration:
		return c.executeMigrationJob(ctx, job)
	case runtime.JobHandlerBatchMonitor:
		return c.executeMonitorJob(ctx, job)
	}
	return fmt.Errorf("job %d has no batch handler %s", job.Key, job.HandlerType)
}

// jobBatchKey returns the key of the batch a seed, migration or monitor job belongs to.
func jobBatchKey(job runtime.Job) (int64, error) {
	if job.HandlerType == runtime.JobHandlerMigration {
		var configuration JobConfiguration
		if err := json.Unmarshal([]byte(job.HandlerConfiguration), &configuration); err != nil {
			return 0, fmt.Errorf("failed to unmarshal configuration of batch job %d: %w", job.Key, err)
		}
		return configuration.BatchKey, nil
	}
	batchKey, err := strconv.ParseInt(job.HandlerConfiguration, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job %d has invalid batch configuration %q: %w", job.Key, job.HandlerConfiguration, err)
	}
	return batchKey, nil
}

func (c *Coordinator) findJobBatch(ctx context.Context, job runtime.Job) (runtime.Batch, bool, error) {
	batchKey, err := jobBatchKey(job)
	if err != nil {
		return runtime.Batch{}, false, err
	}
	b, err := c.store.FindBatchByKey(ctx, batchKey)
	if errors.Is(err, storage.ErrNotFound) {
		return runtime.Batch{}, false, nil
	}
	if err != nil {
		return runtime.Batch{}, false, fmt.Errorf("failed to load batch %d: %w", batchKey, err)
	}
	return b, true, nil
}

// IsOrphaned reports whether the batch of a seed, migration or monitor job was deleted.
// Failed orphaned jobs are not retried.
func (c *Coordinator) IsOrphaned(ctx context.Context, job runtime.Job) (bool, error) {
	_, found, err := c.findJobBatch(ctx, job)
	if err != nil {
		return false, err
	}
	return !found, nil
}

// dropOrphan deletes a job whose batch was deleted.
func (c *Coordinator) dropOrphan(ctx context.Context, job runtime.Job) error {
	c.logger.Debug("dropping job of deleted batch", "jobKey", job.Key, "batch", job.HandlerConfiguration)
	tx := c.store.NewTransaction()
	if err := tx.DeleteJob(ctx, job.Key); err != nil {
		return err
	}
	return tx.Flush(ctx)
}

func reschedule(job runtime.Job, due time.Time) runtime.Job {
	job.DueDate = due
	job.LockOwner = ""
	job.LockExpiration = time.Time{}
	return job
}

func (c *Coordinator) executeSeedJob(ctx context.Context, job runtime.Job) error {
	b, found, err := c.findJobBatch(ctx, job)
	if err != nil {
		return err
	}
	if !found {
		return c.dropOrphan(ctx, job)
	}
	var configuration MigrationConfiguration
	if err := json.Unmarshal(b.Configuration, &configuration); err != nil {
		return fmt.Errorf("failed to unmarshal configuration of batch %d: %w", b.Key, err)
	}
	now := c.now()
	tx := c.store.NewTransaction()
	b.State = runtime.BatchStateSeeding
	created := 0
	for created < b.BatchJobsPerSeed && b.JobsCreated < b.TotalJobs {
		from := b.JobsCreated * b.InvocationsPerBatchJob
		to := min(from+b.InvocationsPerBatchJob, len(configuration.InstanceKeys))
		payload, err := json.Marshal(JobConfiguration{
			BatchKey:     b.Key,
			Plan:         configuration.Plan,
			InstanceKeys: configuration.InstanceKeys[from:to],
		})
		if err != nil {
			return fmt.Errorf("failed to marshal batch job configuration: %w", err)
		}
		if err := tx.SaveJob(ctx, c.newJob(b.BatchJobDefinitionKey, runtime.JobHandlerMigration, string(payload), now)); err != nil {
			return err
		}
		b.JobsCreated++
		created++
	}
	if b.JobsCreated < b.TotalJobs {
		err = tx.SaveJob(ctx, reschedule(job, now))
	} else {
		b.State = runtime.BatchStateExecuting
		err = errors.Join(
			tx.DeleteJob(ctx, job.Key),
			tx.SaveJob(ctx, c.newJob(b.MonitorJobDefinitionKey, runtime.JobHandlerBatchMonitor, job.HandlerConfiguration, now)),
		)
	}
	if err != nil {
		return err
	}
	if err := tx.SaveBatch(ctx, b); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to seed batch %d: %w", b.Key, err)
	}
	c.metrics.BatchJobsRemaining.Add(ctx, int64(created))
	c.logger.Debug("batch seeded", "batchKey", b.Key, "created", created, "jobsCreated", b.JobsCreated, "totalJobs", b.TotalJobs)
	return nil
}

// executeMigrationJob migrates every instance of the chunk in its own transaction. Failed
// instances are kept in the job configuration so a retry does not migrate the others again.
func (c *Coordinator) executeMigrationJob(ctx context.Context, job runtime.Job) error {
	var configuration JobConfiguration
	if err := json.Unmarshal([]byte(job.HandlerConfiguration), &configuration); err != nil {
		return fmt.Errorf("failed to unmarshal configuration of batch job %d: %w", job.Key, err)
	}
	var errs error
	failed := make([]int64, 0)
	for _, key := range configuration.InstanceKeys {
		if err := c.migrator.MigrateInstance(ctx, &configuration.Plan, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("process instance %d: %w", key, err))
			failed = append(failed, key)
		}
	}
	tx := c.store.NewTransaction()
	if errs == nil {
		if err := tx.DeleteJob(ctx, job.Key); err != nil {
			return err
		}
		if err := tx.Flush(ctx); err != nil {
			return err
		}
		c.metrics.BatchJobsRemaining.Add(ctx, -1)
		return nil
	}
	// a job claimed before its batch was deleted finishes its run but is never retried
	orphaned, err := c.IsOrphaned(ctx, job)
	if err != nil {
		return multierr.Append(errs, err)
	}
	if orphaned {
		c.logger.Warn("batch job of deleted batch failed", "jobKey", job.Key, "batchKey", configuration.BatchKey, "failed", len(failed), "err", errs)
		if err := c.dropOrphan(ctx, job); err != nil {
			return multierr.Append(errs, err)
		}
		c.metrics.BatchJobsRemaining.Add(ctx, -1)
		return errs
	}
	if len(failed) < len(configuration.InstanceKeys) {
		configuration.InstanceKeys = failed
		payload, err := json.Marshal(configuration)
		if err != nil {
			return multierr.Append(errs, err)
		}
		job.HandlerConfiguration = string(payload)
		if err := tx.SaveJob(ctx, job); err != nil {
			return multierr.Append(errs, err)
		}
		if err := tx.Flush(ctx); err != nil {
			return multierr.Append(errs, err)
		}
	}
	c.logger.Warn("batch job failed", "jobKey", job.Key, "batchKey", configuration.BatchKey, "failed", len(failed), "err", errs)
	return errs
}

func (c *Coordinator) executeMonitorJob(ctx context.Context, job runtime.Job) error {
	b, found, err := c.findJobBatch(ctx, job)
	if err != nil {
		return err
	}
	if !found {
		return c.dropOrphan(ctx, job)
	}
	jobs, err := c.store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	if err != nil {
		return fmt.Errorf("failed to load jobs of batch %d: %w", b.Key, err)
	}
	pending := 0
	for _, j := range jobs {
		if j.Retries > 0 {
			pending++
		}
	}
	now := c.now()
	tx := c.store.NewTransaction()
	if b.JobsCreated < b.TotalJobs || pending > 0 {
		b.State = runtime.BatchStateMonitoring
		if err := errors.Join(tx.SaveBatch(ctx, b), tx.SaveJob(ctx, reschedule(job, now.Add(c.config.MonitorPollInterval)))); err != nil {
			return err
		}
		return tx.Flush(ctx)
	}

	historic := b.ToHistoric()
	historic.State = runtime.BatchStateCompleted
	historic.EndTime = &now
	errs := []error{
		tx.SaveHistoricBatch(ctx, historic),
		tx.DeleteBatch(ctx, b.Key),
		tx.DeleteJob(ctx, job.Key),
		tx.DeleteJobDefinition(ctx, b.SeedJobDefinitionKey),
		tx.DeleteJobDefinition(ctx, b.MonitorJobDefinitionKey),
	}
	// failed jobs stay inspectable through their job definition
	if len(jobs) == 0 {
		errs = append(errs, tx.DeleteJobDefinition(ctx, b.BatchJobDefinitionKey))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to complete batch %d: %w", b.Key, err)
	}
	c.metrics.BatchesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", b.Type)))
	c.logger.Info("batch completed", "batchKey", b.Key, "failedJobs", len(jobs))
	return nil
}

// Delete archives the batch as deleted and removes its unlocked jobs and job definitions.
// Instances migrated by finished batch jobs stay migrated.
func (c *Coordinator) Delete(ctx context.Context, batchKey int64) error {
	b, err := c.store.FindBatchByKey(ctx, batchKey)
	if err != nil {
		return fmt.Errorf("failed to find batch %d: %w", batchKey, err)
	}
	now := c.now()
	tx := c.store.NewTransaction()
	historic := b.ToHistoric()
	historic.State = runtime.BatchStateDeleted
	historic.EndTime = &now
	errs := []error{tx.SaveHistoricBatch(ctx, historic), tx.DeleteBatch(ctx, b.Key)}
	removed := 0
	for _, definitionKey := range []int64{b.SeedJobDefinitionKey, b.BatchJobDefinitionKey, b.MonitorJobDefinitionKey} {
		n, err := c.deleteJobs(ctx, tx, definitionKey, now)
		if err != nil {
			return err
		}
		if definitionKey == b.BatchJobDefinitionKey {
			removed = n
		}
		errs = append(errs, tx.DeleteJobDefinition(ctx, definitionKey))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := tx.Flush(ctx); err != nil {
		return fmt.Errorf("failed to delete batch %d: %w", batchKey, err)
	}
	c.metrics.BatchJobsRemaining.Add(ctx, -int64(removed))
	c.logger.Info("batch deleted", "batchKey", batchKey, "removedJobs", removed)
	return nil
}

// deleteJobs stages deletion of unlocked jobs of a job definition and their incidents.
func (c *Coordinator) deleteJobs(ctx context.Context, tx storage.Transaction, jobDefinitionKey int64, now time.Time) (int, error) {
	jobs, err := c.store.FindJobsByJobDefinitionKey(ctx, jobDefinitionKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs of job definition %d: %w", jobDefinitionKey, err)
	}
	removed := 0
	var errs []error
	for _, j := range jobs {
		if j.IsLocked(now) {
			continue
		}
		incidents, err := c.store.FindIncidentsByJobKey(ctx, j.Key)
		if err != nil {
			return 0, err
		}
		for _, i := range incidents {
			errs = append(errs, tx.DeleteIncident(ctx, i.Key))
		}
		errs = append(errs, tx.DeleteJob(ctx, j.Key))
		if j.Retries > 0 {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Statistics counts the remaining, completed and failed batch jobs of a live batch.
func (c *Coordinator) Statistics(ctx context.Context, batchKey int64) (runtime.BatchStatistics, error) {
	b, err := c.store.FindBatchByKey(ctx, batchKey)
	if err != nil {
		return runtime.BatchStatistics{}, fmt.Errorf("failed to find batch %d: %w", batchKey, err)
	}
	return c.statistics(ctx, b)
}

func (c *Coordinator) AllStatistics(ctx context.Context) ([]runtime.BatchStatistics, error) {
	batches, err := c.store.FindBatches(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]runtime.BatchStatistics, 0, len(batches))
	for _, b := range batches {
		s, err := c.statistics(ctx, b)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (c *Coordinator) statistics(ctx context.Context, b runtime.Batch) (runtime.BatchStatistics, error) {
	jobs, err := c.store.FindJobsByJobDefinitionKey(ctx, b.BatchJobDefinitionKey)
	if err != nil {
		return runtime.BatchStatistics{}, fmt.Errorf("failed to load jobs of batch %d: %w", b.Key, err)
	}
	s := runtime.BatchStatistics{Batch: b}
	for _, j := range jobs {
		if j.Retries > 0 {
			s.RemainingJobs++
		} else {
			s.FailedJobs++
		}
	}
	s.RemainingJobs += b.TotalJobs - b.JobsCreated
	s.CompletedJobs = b.JobsCreated - len(jobs)
	return s, nil
}

// CleanupHistoricBatches removes historic batches that ended before now-ttl together with
// the failed jobs they left behind.
func (c *Coordinator) CleanupHistoricBatches(ctx context.Context, ttl time.Duration) (int, error) {
	now := c.now()
	batches, err := c.store.FindHistoricBatchesEndedBefore(ctx, now.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to find historic batches: %w", err)
	}
	tx := c.store.NewTransaction()
	var errs []error
	for _, b := range batches {
		if _, err := c.deleteJobs(ctx, tx, b.BatchJobDefinitionKey, now); err != nil {
			return 0, err
		}
		errs = append(errs,
			tx.DeleteJobDefinition(ctx, b.BatchJobDefinitionKey),
			tx.DeleteHistoricBatch(ctx, b.Key),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}
	if err := tx.Flush(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean up historic batches: %w", err)
	}
	if len(batches) > 0 {
		c.logger.Info("historic batches removed", "count", len(batches))
	}
	return len(batches), nil
}
