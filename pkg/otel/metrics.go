package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted   metric.Int64Counter
	ProcessesEnded     metric.Int64Counter
	InstancesMigrated  metric.Int64Counter
	MigrationsFailed   metric.Int64Counter
	BatchesCreated     metric.Int64Counter
	BatchesCompleted   metric.Int64Counter
	JobsExecuted       metric.Int64Counter
	JobsFailed         metric.Int64Counter
	IncidentsCreated   metric.Int64Counter
	BatchJobsRemaining metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStarted, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesEnded, err := meter.Int64Counter("processes_completed", metric.WithDescription("Number of processes completed"))
	errJoin = errors.Join(errJoin, err)

	instancesMigrated, err := meter.Int64Counter("instances_migrated", metric.WithDescription("Number of process instances migrated"))
	errJoin = errors.Join(errJoin, err)

	migrationsFailed, err := meter.Int64Counter("instance_migrations_failed", metric.WithDescription("Number of process instance migrations that failed"))
	errJoin = errors.Join(errJoin, err)

	batchesCreated, err := meter.Int64Counter("batches_created", metric.WithDescription("Number of batches created"))
	errJoin = errors.Join(errJoin, err)

	batchesCompleted, err := meter.Int64Counter("batches_completed", metric.WithDescription("Number of batches completed"))
	errJoin = errors.Join(errJoin, err)

	jobsExecuted, err := meter.Int64Counter("jobs_executed", metric.WithDescription("Number of jobs executed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of jobs failed"))
	errJoin = errors.Join(errJoin, err)

	incidentsCreated, err := meter.Int64Counter("incidents_created", metric.WithDescription("Number of incidents created for jobs without retries"))
	errJoin = errors.Join(errJoin, err)

	batchJobsRemaining, err := meter.Int64UpDownCounter("batch_jobs_remaining", metric.WithDescription("Number of batch jobs waiting for execution"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:   processesStarted,
		ProcessesEnded:     processesEnded,
		InstancesMigrated:  instancesMigrated,
		MigrationsFailed:   migrationsFailed,
		BatchesCreated:     batchesCreated,
		BatchesCompleted:   batchesCompleted,
		JobsExecuted:       jobsExecuted,
		JobsFailed:         jobsFailed,
		IncidentsCreated:   incidentsCreated,
		BatchJobsRemaining: batchJobsRemaining,
	}
	return &metrics, errJoin
}
