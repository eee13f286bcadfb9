// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
)

type Config struct {
	Server        Server        `yaml:"server" json:"server"`                                 // configuration of the public REST server
	Name          string        `yaml:"name" json:"name" env:"NAME" env-default:"zenmigrate"` // used for OTEL as an application identifier
	LogLevel      string        `yaml:"logLevel" json:"logLevel" env:"LOG_LEVEL" env-default:"INFO"`
	Batch         Batch         `yaml:"batch" json:"batch"`
	JobExecutor   JobExecutor   `yaml:"jobExecutor" json:"jobExecutor"`
	History       History       `yaml:"history" json:"history"`
	Persistence   Persistence   `yaml:"persistence" json:"persistence"`
	Tracing       Tracing       `yaml:"tracing" json:"tracing"`
	Authorization Authorization `yaml:"authorization" json:"authorization"`
	Migration     Migration     `yaml:"migration" json:"migration"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
	// CorsAllowedOrigins lists origins allowed by CORS, "*" allows any origin without credentials
	CorsAllowedOrigins []string `yaml:"corsAllowedOrigins" json:"corsAllowedOrigins" env:"REST_API_CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

type Batch struct {
	InvocationsPerBatchJob int           `yaml:"invocationsPerBatchJob" json:"invocationsPerBatchJob" env:"BATCH_INVOCATIONS_PER_JOB" env-default:"1"`
	BatchJobsPerSeed       int           `yaml:"batchJobsPerSeed" json:"batchJobsPerSeed" env:"BATCH_JOBS_PER_SEED" env-default:"100"`
	MonitorPollInterval    time.Duration `yaml:"monitorPollInterval" json:"monitorPollInterval" env:"BATCH_MONITOR_POLL_INTERVAL" env-default:"30s"`
}

type JobExecutor struct {
	Workers        int           `yaml:"workers" json:"workers" env:"JOB_EXECUTOR_WORKERS" env-default:"4"`
	MaxJobsPerPoll int           `yaml:"maxJobsPerPoll" json:"maxJobsPerPoll" env:"JOB_EXECUTOR_MAX_JOBS_PER_POLL" env-default:"16"`
	PollInterval   time.Duration `yaml:"pollInterval" json:"pollInterval" env:"JOB_EXECUTOR_POLL_INTERVAL" env-default:"1s"`
	LockDuration   time.Duration `yaml:"lockDuration" json:"lockDuration" env:"JOB_EXECUTOR_LOCK_DURATION" env-default:"5m"`
	DefaultRetries int           `yaml:"defaultRetries" json:"defaultRetries" env:"JOB_EXECUTOR_DEFAULT_RETRIES" env-default:"3"`
	BackoffMin     time.Duration `yaml:"backoffMin" json:"backoffMin" env:"JOB_EXECUTOR_BACKOFF_MIN" env-default:"5s"`
	BackoffMax     time.Duration `yaml:"backoffMax" json:"backoffMax" env:"JOB_EXECUTOR_BACKOFF_MAX" env-default:"5m"`
}

type History struct {
	// CleanupSchedule is a cron expression, descriptors like @every 1h are accepted
	CleanupSchedule string        `yaml:"cleanupSchedule" json:"cleanupSchedule" env:"HISTORY_CLEANUP_SCHEDULE" env-default:"@every 1h"`
	BatchTTL        time.Duration `yaml:"batchTTL" json:"batchTTL" env:"HISTORY_BATCH_TTL" env-default:"720h"`
}

type Persistence struct {
	// SnapshotPath is the bbolt file the engine state is loaded from and saved to, empty disables snapshots
	SnapshotPath     string        `yaml:"snapshotPath" json:"snapshotPath" env:"PERSISTENCE_SNAPSHOT_PATH"`
	ProcDefCacheSize int           `yaml:"procDefCacheSize" json:"procDefCacheSize" env:"PERSISTENCE_PROC_DEF_CACHE_SIZE" env-default:"200"`
	ProcDefCacheTTL  time.Duration `yaml:"procDefCacheTTL" json:"procDefCacheTTL" env:"PERSISTENCE_PROC_DEF_CACHE_TTL" env-default:"24h"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	// Endpoint of the OTLP HTTP collector, plain host:port and http:// endpoints are used without TLS
	Endpoint    string  `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT" env-default:"localhost:4318"`
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
}

type Authorization struct {
	Enabled bool                  `yaml:"enabled" json:"enabled" env:"AUTHORIZATION_ENABLED"`
	Grants  []authorization.Grant `yaml:"grants" json:"grants"`
}

type Migration struct {
	// Compatibility extends the default activity compatibility: source behavior to allowed target behaviors
	Compatibility map[string][]string `yaml:"compatibility" json:"compatibility"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

func (c Config) validate() error {
	var errs []error
	if c.Batch.InvocationsPerBatchJob < 1 {
		errs = append(errs, fmt.Errorf("batch.invocationsPerBatchJob must be positive, got %d", c.Batch.InvocationsPerBatchJob))
	}
	if c.Batch.BatchJobsPerSeed < 1 {
		errs = append(errs, fmt.Errorf("batch.batchJobsPerSeed must be positive, got %d", c.Batch.BatchJobsPerSeed))
	}
	if c.JobExecutor.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobExecutor.workers must be positive, got %d", c.JobExecutor.Workers))
	}
	if c.JobExecutor.BackoffMax < c.JobExecutor.BackoffMin {
		errs = append(errs, fmt.Errorf("jobExecutor.backoffMax %s is lower than backoffMin %s", c.JobExecutor.BackoffMax, c.JobExecutor.BackoffMin))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampleRatio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Load reads the configuration from the given yaml file, falling back to environment variables
// when the file does not exist.
func Load(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, fmt.Errorf("failed to read configuration: %w", err)
	}
	return c, c.validate()
}
