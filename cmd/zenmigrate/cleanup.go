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
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

type historicBatchCleaner interface {
	CleanupHistoricBatches(ctx context.Context, ttl time.Duration) (int, error)
}

// historyCleanup removes historic batches older than the ttl on a cron schedule.
type historyCleanup struct {
	cron    *cron.Cron
	cleaner historicBatchCleaner
	ttl     time.Duration
	logger  hclog.Logger
}

func newHistoryCleanup(cleaner historicBatchCleaner, schedule string, ttl time.Duration) (*historyCleanup, error) {
	h := &historyCleanup{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cleaner: cleaner,
		ttl:     ttl,
		logger:  hclog.Default().Named("history-cleanup"),
	}
	if _, err := h.cron.AddFunc(schedule, h.run); err != nil {
		return nil, fmt.Errorf("invalid history cleanup schedule %q: %w", schedule, err)
	}
	return h, nil
}

func (h *historyCleanup) run() {
	removed, err := h.cleaner.CleanupHistoricBatches(context.Background(), h.ttl)
	if err != nil {
		h.logger.Error("Historic batch cleanup failed", "err", err)
		return
	}
	if removed > 0 {
		h.logger.Info("Historic batches removed", "count", removed, "ttl", h.ttl)
	}
}

func (h *historyCleanup) Start() {
	h.cron.Start()
}

// Stop returns a context that is done once a running cleanup finished.
func (h *historyCleanup) Stop() context.Context {
	return h.cron.Stop()
}
