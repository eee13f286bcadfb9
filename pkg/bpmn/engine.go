// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/batch"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/oplog"
	otelPkg "github.com/pbinitiative/zenmigrate/pkg/otel"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"github.com/pbinitiative/zenmigrate/pkg/zenflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Engine struct {
	name             string
	persistence      storage.Storage
	keys             *zenflake.Generator
	runningInstances *RunningInstancesCache
	definitionCache  *expirable.LRU[int64, runtime.ProcessDefinition]
	authorization    *authorization.Manager
	oplog            *oplog.Writer
	batches          *batch.Coordinator
	batchConfig      batch.Config
	matrix           migration.CompatibilityMatrix
	now              func() time.Time
	tracer           trace.Tracer
	meter            metric.Meter
	metrics          *otelPkg.EngineMetrics
	logger           hclog.Logger

	cacheSize int
	cacheTTL  time.Duration
}

type EngineOption = func(*Engine)

var (
	defaultGenerator     *zenflake.Generator
	defaultGeneratorOnce sync.Once
)

// defaultKeyGenerator is shared by engines that were not given a node specific generator
func defaultKeyGenerator() *zenflake.Generator {
	defaultGeneratorOnce.Do(func() {
		g, err := zenflake.NewGenerator(0)
		if err != nil {
			panic("can't initialize snowflake ID generator. Message: " + err.Error())
		}
		defaultGenerator = g
	})
	return defaultGenerator
}

// NewEngine creates a new instance of the engine; without EngineWithStorage it has no persistence.
func NewEngine(options ...EngineOption) (*Engine, error) {
	engine := &Engine{
		keys:             defaultKeyGenerator(),
		runningInstances: newRunningInstancesCache(),
		authorization:    authorization.NewManager(false),
		batchConfig:      batch.DefaultConfig(),
		matrix:           migration.DefaultCompatibilityMatrix(),
		now:              time.Now,
		tracer:           otel.GetTracerProvider().Tracer("zenmigrate-engine"),
		meter:            otel.GetMeterProvider().Meter("zenmigrate-engine"),
		logger:           hclog.Default().Named("engine"),
		cacheSize:        1000,
		cacheTTL:         time.Hour,
	}
	for _, option := range options {
		option(engine)
	}
	if engine.persistence == nil {
		return nil, newEngineErrorf("engine requires a storage")
	}
	if engine.name == "" {
		engine.name = fmt.Sprintf("Bpmn-Engine-%d", engine.generateKey())
	}
	metrics, err := otelPkg.NewMetrics(engine.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}
	engine.metrics = metrics
	engine.definitionCache = expirable.NewLRU[int64, runtime.ProcessDefinition](engine.cacheSize, nil, engine.cacheTTL)
	engine.oplog = oplog.NewWriter(engine.generateKey)
	engine.batches = batch.NewCoordinator(engine.persistence, engine, engine.generateKey, engine.batchConfig, engine.metrics, engine.now)
	return engine, nil
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// EngineWithKeyGenerator makes the engine generate keys of the given snowflake node.
func EngineWithKeyGenerator(generator *zenflake.Generator) EngineOption {
	return func(engine *Engine) {
		engine.keys = generator
	}
}

func EngineWithAuthorization(manager *authorization.Manager) EngineOption {
	return func(engine *Engine) {
		engine.authorization = manager
	}
}

func EngineWithBatchConfig(config batch.Config) EngineOption {
	return func(engine *Engine) {
		engine.batchConfig = config
	}
}

// EngineWithCompatibilityMatrix replaces the activity compatibility rules used for new migration plans.
func EngineWithCompatibilityMatrix(matrix migration.CompatibilityMatrix) EngineOption {
	return func(engine *Engine) {
		engine.matrix = matrix
	}
}

// EngineWithDefinitionCache sizes the process definition cache.
func EngineWithDefinitionCache(size int, ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.cacheSize = size
		engine.cacheTTL = ttl
	}
}

func EngineWithClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}

func EngineWithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}

func EngineWithMeter(meter metric.Meter) EngineOption {
	return func(engine *Engine) {
		engine.meter = meter
	}
}

func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) Storage() storage.Storage {
	return engine.persistence
}

func (engine *Engine) Authorization() *authorization.Manager {
	return engine.authorization
}

func (engine *Engine) generateKey() int64 {
	return engine.keys.Generate()
}
