// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package jobexecutor polls due jobs from the engine and runs them on a bounded worker pool.
// Failed jobs are handed back to the engine with a retry time computed from an exponential backoff,
// the engine turns exhausted retries into incidents.
package jobexecutor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Engine is the part of the engine the executor drives.
type Engine interface {
	AcquireJobs(ctx context.Context, owner string, lockDuration time.Duration, max int) ([]runtime.Job, error)
	ExecuteJob(ctx context.Context, job runtime.Job) error
	FailJob(ctx context.Context, job runtime.Job, cause error, retryAt time.Time) error
}

type Config struct {
	Workers        int
	MaxJobsPerPoll int
	PollInterval   time.Duration
	LockDuration   time.Duration
	DefaultRetries int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxJobsPerPoll: 16,
		PollInterval:   time.Second,
		LockDuration:   5 * time.Minute,
		DefaultRetries: runtime.DefaultJobRetries,
		BackoffMin:     5 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
}

type Executor struct {
	engine  Engine
	config  Config
	owner   string
	workers *semaphore.Weighted
	now     func() time.Time
	logger  hclog.Logger
	running atomic.Bool
	wake    chan struct{}
}

type Option func(*Executor)

// WithOwner sets the lock owner written on acquired jobs.
func WithOwner(owner string) Option {
	return func(e *Executor) {
		e.owner = owner
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func New(engine Engine, config Config, options ...Option) *Executor {
	defaults := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}
	if config.MaxJobsPerPoll < 1 {
		config.MaxJobsPerPoll = defaults.MaxJobsPerPoll
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LockDuration <= 0 {
		config.LockDuration = defaults.LockDuration
	}
	if config.DefaultRetries < 1 {
		config.DefaultRetries = defaults.DefaultRetries
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}
	e := &Executor{
		engine:  engine,
		config:  config,
		owner:   "job-executor-" + uuid.NewString(),
		workers: semaphore.NewWeighted(int64(config.Workers)),
		now:     time.Now,
		logger:  hclog.Default().Named("job-executor"),
		wake:    make(chan struct{}, 1),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

func (e *Executor) Owner() string {
	return e.owner
}

// Wake makes a running executor poll without waiting for the next interval.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Jobs that were acquired before cancellation run to completion.
func (e *Executor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job executor %s is already running", e.owner)
	}
	defer e.running.Store(false)
	e.logger.Info("Job executor started", "owner", e.owner, "workers", e.config.Workers)

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		for {
			executed, err := e.ExecuteDue(ctx)
			if err != nil {
				e.logger.Error("Failed to acquire jobs", "err", err)
				break
			}
			if executed < e.config.MaxJobsPerPoll {
				break
			}
		}
		select {
		case <-ctx.Done():
			e.logger.Info("Job executor stopped", "owner", e.owner)
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// ExecuteDue acquires one round of due jobs, runs them on the worker pool and waits for all of them.
// It returns the number of acquired jobs.
func (e *Executor) ExecuteDue(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	jobs, err := e.engine.AcquireJobs(ctx, e.owner, e.config.LockDuration, e.config.MaxJobsPerPoll)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire jobs for %s: %w", e.owner, err)
	}
	// acquired jobs are locked for this owner and must not be abandoned on shutdown
	runCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, job := range jobs {
		if err := e.workers.Acquire(gctx, 1); err != nil {
			return len(jobs), g.Wait()
		}
		g.Go(func() error {
			defer e.workers.Release(1)
			e.Execute(gctx, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

// Execute runs one job and reports a failure back to the engine.
func (e *Executor) Execute(ctx context.Context, job runtime.Job) {
	err := e.engine.ExecuteJob(ctx, job)
	if err == nil {
		e.logger.Debug("Job executed", "jobKey", job.Key, "handler", job.HandlerType)
		return
	}
	retryAt := e.now().Add(e.backoff(job))
	e.logger.Warn("Job failed", "jobKey", job.Key, "handler", job.HandlerType, "retries", job.Retries, "retryAt", retryAt, "err", err)
	if ferr := e.engine.FailJob(ctx, job, err, retryAt); ferr != nil {
		e.logger.Error("Failed to record job failure", "jobKey", job.Key, "err", ferr)
	}
}

// backoff doubles the delay with every failed attempt, starting at BackoffMin and capped by BackoffMax.
func (e *Executor) backoff(job runtime.Job) time.Duration {
	attempt := max(e.config.DefaultRetries-job.Retries, 0)
	delay := e.config.BackoffMin
	for range attempt {
		if delay >= e.config.BackoffMax/2 {
			return e.config.BackoffMax
		}
		delay *= 2
	}
	return min(delay, e.config.BackoffMax)
}
