// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package migration

import (
	"fmt"
	"slices"
	"sort"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"gopkg.in/yaml.v3"
)

// PlanDocument is the serialized form of builder calls, used by the REST API and plan files.
type PlanDocument struct {
	SourceProcessDefinitionKey int64         `json:"sourceProcessDefinitionKey" yaml:"sourceProcessDefinitionKey"`
	TargetProcessDefinitionKey int64         `json:"targetProcessDefinitionKey" yaml:"targetProcessDefinitionKey"`
	MapEqualActivities         bool          `json:"mapEqualActivities,omitempty" yaml:"mapEqualActivities,omitempty"`
	UpdateEventTriggers        bool          `json:"updateEventTriggers,omitempty" yaml:"updateEventTriggers,omitempty"`
	Instructions               []Instruction `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// ParsePlanDocument reads a yaml plan file.
func ParsePlanDocument(data []byte) (PlanDocument, error) {
	var doc PlanDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return PlanDocument{}, fmt.Errorf("failed to parse migration plan document: %w", err)
	}
	return doc, nil
}

// Apply replays the document on the builder in the order explicit instructions first, generated ones after.
func (d PlanDocument) Apply(b *PlanBuilder) *PlanBuilder {
	for _, i := range d.Instructions {
		b.MapActivities(i.SourceActivityId, i.TargetActivityId)
		if i.UpdateEventTrigger {
			b.UpdateEventTrigger()
		}
	}
	if d.MapEqualActivities {
		b.MapEqualActivities()
	}
	if d.UpdateEventTriggers {
		b.UpdateEventTriggers()
	}
	return b
}

// ParseCompatibility extends the default matrix with the configured source to target behaviors.
func ParseCompatibility(extra map[string][]string) (CompatibilityMatrix, error) {
	matrix := DefaultCompatibilityMatrix()
	sources := make([]string, 0, len(extra))
	for source := range extra {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		if !slices.Contains(supportedBehaviors, model.Behavior(source)) {
			return nil, fmt.Errorf("unsupported activity behavior %q in compatibility matrix", source)
		}
		targets := make([]model.Behavior, 0, len(extra[source]))
		for _, target := range extra[source] {
			if !slices.Contains(supportedBehaviors, model.Behavior(target)) {
				return nil, fmt.Errorf("unsupported activity behavior %q in compatibility matrix", target)
			}
			targets = append(targets, model.Behavior(target))
		}
		matrix.Allow(model.Behavior(source), targets...)
	}
	return matrix, nil
}
