// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/internal/config"
	"github.com/pbinitiative/zenmigrate/internal/jobexecutor"
	"github.com/pbinitiative/zenmigrate/internal/otel"
	"github.com/pbinitiative/zenmigrate/internal/rest"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/batch"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/storage/boltstore"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
)

type serveCmd struct {
	Config string `help:"Configuration file, environment variables are used when it does not exist." env:"CONFIG_FILE" default:"conf.yaml" type:"path"`
}

func (s *serveCmd) Run() error {
	conf, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	logger := hclog.Default()
	logger.SetLevel(hclog.LevelFromString(conf.LogLevel))

	appContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openTelemetry, err := otel.SetupOtel(appContext, conf)
	if err != nil {
		return fmt.Errorf("failed to set up OTEL: %w", err)
	}
	defer openTelemetry.Stop(context.Background())

	store := inmemory.NewStorage()
	var snapshots *boltstore.Store
	if conf.Persistence.SnapshotPath != "" {
		snapshots = boltstore.New(conf.Persistence.SnapshotPath)
		snapshot, err := snapshots.Load(appContext)
		if err != nil {
			return err
		}
		store.Restore(snapshot)
	}

	engine, err := newEngine(conf, store)
	if err != nil {
		return err
	}

	executor := jobexecutor.New(engine, jobexecutor.Config{
		Workers:        conf.JobExecutor.Workers,
		MaxJobsPerPoll: conf.JobExecutor.MaxJobsPerPoll,
		PollInterval:   conf.JobExecutor.PollInterval,
		LockDuration:   conf.JobExecutor.LockDuration,
		DefaultRetries: conf.JobExecutor.DefaultRetries,
		BackoffMin:     conf.JobExecutor.BackoffMin,
		BackoffMax:     conf.JobExecutor.BackoffMax,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := executor.Run(appContext); err != nil {
			logger.Error("Job executor failed", "err", err)
		}
	}()

	cleanup, err := newHistoryCleanup(engine, conf.History.CleanupSchedule, conf.History.BatchTTL)
	if err != nil {
		return err
	}
	cleanup.Start()

	// Start the public API
	svr := rest.NewServer(engine, conf)
	if _, err := svr.Start(); err != nil {
		return fmt.Errorf("failed to start REST server: %w", err)
	}

	<-appContext.Done()
	logger.Info("Shutting down")

	svr.Stop(context.Background())
	<-cleanup.Stop().Done()
	wg.Wait()
	if snapshots != nil {
		if err := snapshots.Save(context.Background(), store.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

func newEngine(conf config.Config, store *inmemory.Storage) (*bpmn.Engine, error) {
	matrix, err := migration.ParseCompatibility(conf.Migration.Compatibility)
	if err != nil {
		return nil, err
	}
	engine, err := bpmn.NewEngine(
		bpmn.EngineWithStorage(store),
		bpmn.EngineWithName(conf.Name),
		bpmn.EngineWithAuthorization(authorization.NewManager(conf.Authorization.Enabled, conf.Authorization.Grants...)),
		bpmn.EngineWithBatchConfig(batch.Config{
			InvocationsPerBatchJob: conf.Batch.InvocationsPerBatchJob,
			BatchJobsPerSeed:       conf.Batch.BatchJobsPerSeed,
			MonitorPollInterval:    conf.Batch.MonitorPollInterval,
			DefaultRetries:         conf.JobExecutor.DefaultRetries,
		}),
		bpmn.EngineWithCompatibilityMatrix(matrix),
		bpmn.EngineWithDefinitionCache(conf.Persistence.ProcDefCacheSize, conf.Persistence.ProcDefCacheTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return engine, nil
}
