// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"os"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

// LoadFromFile loads a given process definition file and deploys it.
func (engine *Engine) LoadFromFile(ctx context.Context, filename string) (runtime.ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return engine.LoadFromBytes(ctx, filename, data)
}

// LoadFromBytes deploys a new version of the process definition.
// Every deployment creates a new version, also for unchanged content.
func (engine *Engine) LoadFromBytes(ctx context.Context, resourceName string, data []byte) (runtime.ProcessDefinition, error) {
	process, err := model.Parse(data)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}
	version := int32(1)
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, process.Id)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, storage.ErrNotFound):
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to load latest version of %s: %w", process.Id, err)
	}
	definition := runtime.ProcessDefinition{
		BpmnProcessId:    process.Id,
		Version:          version,
		Key:              engine.generateKey(),
		DeploymentKey:    engine.generateKey(),
		BpmnData:         data,
		BpmnResourceName: resourceName,
		BpmnChecksum:     md5.Sum(data),
		Definition:       process,
	}
	tx := engine.persistence.NewTransaction()
	if err := tx.SaveProcessDefinition(ctx, definition); err != nil {
		return runtime.ProcessDefinition{}, err
	}
	for _, d := range runtime.JobDefinitionsFor(process, definition.Key, engine.generateKey) {
		if err := tx.SaveJobDefinition(ctx, d); err != nil {
			return runtime.ProcessDefinition{}, err
		}
	}
	if err := tx.Flush(ctx); err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to deploy process definition %s: %w", process.Id, err)
	}
	engine.definitionCache.Add(definition.Key, definition)
	engine.logger.Info("process definition deployed", "processId", process.Id, "version", version, "processDefinitionKey", definition.Key)
	return definition, nil
}

// FindProcessDefinition returns the definition with its parsed activity graph.
func (engine *Engine) FindProcessDefinition(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	if definition, ok := engine.definitionCache.Get(processDefinitionKey); ok {
		return definition, nil
	}
	definition, err := engine.persistence.FindProcessDefinitionByKey(ctx, processDefinitionKey)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to find process definition %d: %w", processDefinitionKey, err)
	}
	if definition.Definition == nil {
		process, err := model.Parse(definition.BpmnData)
		if err != nil {
			return runtime.ProcessDefinition{}, fmt.Errorf("failed to parse process definition %d: %w", processDefinitionKey, err)
		}
		definition.Definition = process
	}
	engine.definitionCache.Add(processDefinitionKey, definition)
	return definition, nil
}

// FindLatestProcessDefinition returns the highest version deployed for the process id.
func (engine *Engine) FindLatestProcessDefinition(ctx context.Context, processId string) (runtime.ProcessDefinition, error) {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to find process definition %s: %w", processId, err)
	}
	return engine.FindProcessDefinition(ctx, definition.Key)
}
