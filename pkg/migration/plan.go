// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package migration

import (
	"fmt"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

// Instruction maps one source activity onto one target activity.
type Instruction struct {
	SourceActivityId   string `json:"sourceActivityId" yaml:"sourceActivityId"`
	TargetActivityId   string `json:"targetActivityId" yaml:"targetActivityId"`
	UpdateEventTrigger bool   `json:"updateEventTrigger,omitempty" yaml:"updateEventTrigger,omitempty"`

	generated bool
}

func (i Instruction) String() string {
	return fmt.Sprintf("MigrationInstruction{sourceActivityId='%s', targetActivityId='%s', updateEventTrigger=%t}",
		i.SourceActivityId, i.TargetActivityId, i.UpdateEventTrigger)
}

// Plan is a validated set of instructions; use PlanBuilder to create one.
type Plan struct {
	SourceProcessDefinitionKey int64         `json:"sourceProcessDefinitionKey"`
	TargetProcessDefinitionKey int64         `json:"targetProcessDefinitionKey"`
	Instructions               []Instruction `json:"instructions"`
}

// InstructionFor returns the instruction of a source activity.
func (p *Plan) InstructionFor(sourceActivityId string) (Instruction, bool) {
	for _, i := range p.Instructions {
		if i.SourceActivityId == sourceActivityId {
			return i, true
		}
	}
	return Instruction{}, false
}

type BuilderOption func(*PlanBuilder)

// WithCompatibilityMatrix replaces the default activity compatibility rules.
func WithCompatibilityMatrix(matrix CompatibilityMatrix) BuilderOption {
	return func(b *PlanBuilder) {
		b.matrix = matrix
	}
}

type PlanBuilder struct {
	source              runtime.ProcessDefinition
	target              runtime.ProcessDefinition
	instructions        []Instruction
	matrix              CompatibilityMatrix
	updateEventTriggers bool
	builderFailures     []string
}

func NewPlanBuilder(source runtime.ProcessDefinition, target runtime.ProcessDefinition, options ...BuilderOption) *PlanBuilder {
	b := &PlanBuilder{
		source:       source,
		target:       target,
		instructions: make([]Instruction, 0),
		matrix:       DefaultCompatibilityMatrix(),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

func (b *PlanBuilder) MapActivities(sourceActivityId string, targetActivityId string) *PlanBuilder {
	b.instructions = append(b.instructions, Instruction{
		SourceActivityId: sourceActivityId,
		TargetActivityId: targetActivityId,
	})
	return b
}

// UpdateEventTrigger sets the flag on the instruction added last.
func (b *PlanBuilder) UpdateEventTrigger() *PlanBuilder {
	if len(b.instructions) == 0 {
		b.builderFailures = append(b.builderFailures, "updateEventTrigger must follow a mapActivities instruction")
		return b
	}
	b.instructions[len(b.instructions)-1].UpdateEventTrigger = true
	return b
}

// MapEqualActivities adds instructions for activities with equal ids that sit in
// equally mapped scopes of both definitions and have compatible behaviors.
func (b *PlanBuilder) MapEqualActivities() *PlanBuilder {
	src := b.source.Definition
	tgt := b.target.Definition
	if src == nil || tgt == nil {
		b.builderFailures = append(b.builderFailures, "process definitions are not resolved")
		return b
	}
	var generate func(sourceScope string, targetScope string)
	generate = func(sourceScope string, targetScope string) {
		targetChildren := make(map[string]*model.Activity)
		for _, t := range tgt.Children(targetScope) {
			targetChildren[t.Id] = t
		}
		for _, s := range src.Children(sourceScope) {
			t, ok := targetChildren[s.Id]
			if !ok {
				continue
			}
			if !isSupported(s) || !b.matrix.Compatible(s.Behavior(), t.Behavior()) {
				continue
			}
			if s.IsEvent() && t.IsEvent() && s.EventDefinition.Type != t.EventDefinition.Type {
				continue
			}
			if s.Type == model.ElementTypeBoundaryEvent && s.AttachedToRef != t.AttachedToRef {
				continue
			}
			if _, exists := b.instructionFor(s.Id); !exists {
				b.instructions = append(b.instructions, Instruction{
					SourceActivityId: s.Id,
					TargetActivityId: t.Id,
					generated:        true,
				})
			}
			if len(s.Children()) > 0 {
				generate(s.Id, t.Id)
			}
		}
	}
	generate("", "")
	return b
}

// UpdateEventTriggers sets updateEventTrigger on every event instruction generated by MapEqualActivities.
func (b *PlanBuilder) UpdateEventTriggers() *PlanBuilder {
	b.updateEventTriggers = true
	return b
}

func (b *PlanBuilder) instructionFor(sourceActivityId string) (Instruction, bool) {
	for _, i := range b.instructions {
		if i.SourceActivityId == sourceActivityId {
			return i, true
		}
	}
	return Instruction{}, false
}

// Build validates the instructions and returns the plan or a *PlanValidationError carrying the report.
func (b *PlanBuilder) Build() (*Plan, error) {
	if b.source.Definition == nil || b.target.Definition == nil {
		return nil, fmt.Errorf("cannot build migration plan from %d to %d: process definitions are not resolved", b.source.Key, b.target.Key)
	}
	instructions := make([]Instruction, len(b.instructions))
	copy(instructions, b.instructions)
	if b.updateEventTriggers {
		for i, instruction := range instructions {
			if !instruction.generated {
				continue
			}
			if a, ok := b.source.Definition.Activity(instruction.SourceActivityId); ok && a.IsEvent() {
				instructions[i].UpdateEventTrigger = true
			}
		}
	}

	report := ValidatePlan(b.source, b.target, instructions, b.matrix)
	report.PlanFailures = append(report.PlanFailures, b.builderFailures...)
	if report.HasFailures() {
		return nil, &PlanValidationError{Report: report}
	}
	for i := range instructions {
		instructions[i].generated = false
	}
	return &Plan{
		SourceProcessDefinitionKey: b.source.Key,
		TargetProcessDefinitionKey: b.target.Key,
		Instructions:               instructions,
	}, nil
}
