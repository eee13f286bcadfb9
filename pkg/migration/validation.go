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
	"strings"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

// InstructionReport holds every failure found for one instruction.
type InstructionReport struct {
	Instruction Instruction `json:"instruction"`
	Failures    []string    `json:"failures"`
}

// ValidationReport is the result of validating a set of instructions. Validation never
// stops at the first failure, the report lists all of them.
type ValidationReport struct {
	SourceProcessDefinitionKey int64               `json:"sourceProcessDefinitionKey"`
	TargetProcessDefinitionKey int64               `json:"targetProcessDefinitionKey"`
	PlanFailures               []string            `json:"planFailures,omitempty"`
	InstructionReports         []InstructionReport `json:"instructionReports,omitempty"`
}

func (r ValidationReport) HasFailures() bool {
	return len(r.PlanFailures) > 0 || len(r.InstructionReports) > 0
}

// Failures returns the failures reported for the instruction of the source activity.
func (r ValidationReport) Failures(sourceActivityId string) []string {
	res := make([]string, 0)
	for _, ir := range r.InstructionReports {
		if ir.Instruction.SourceActivityId == sourceActivityId {
			res = append(res, ir.Failures...)
		}
	}
	return res
}

func (r ValidationReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Migration plan for process definition '%d' to '%d' is not valid:", r.SourceProcessDefinitionKey, r.TargetProcessDefinitionKey)
	for _, f := range r.PlanFailures {
		fmt.Fprintf(&sb, "\n\t%s", f)
	}
	for _, ir := range r.InstructionReports {
		fmt.Fprintf(&sb, "\n\t Migration instruction %s is not valid:", ir.Instruction)
		for _, f := range ir.Failures {
			fmt.Fprintf(&sb, "\n\t\t%s", f)
		}
	}
	return sb.String()
}

// PlanValidationError is returned when a migration plan is rejected.
type PlanValidationError struct {
	Report ValidationReport
}

func (e *PlanValidationError) Error() string {
	return e.Report.String()
}

// CompatibilityMatrix lists for each source behavior the target behaviors it may be migrated to.
type CompatibilityMatrix map[model.Behavior][]model.Behavior

var supportedBehaviors = []model.Behavior{
	model.BehaviorUserTask,
	model.BehaviorServiceTask,
	model.BehaviorReceiveTask,
	model.BehaviorSubProcess,
	model.BehaviorEventSubProcess,
	model.BehaviorParallelMultiInstanceBody,
	model.BehaviorSequentialMultiInstanceBody,
	model.BehaviorBoundaryEvent,
	model.BehaviorIntermediateCatchEvent,
	model.BehaviorEventSubProcessStartEvent,
}

// DefaultCompatibilityMatrix only allows migrating an activity to one with the same behavior.
func DefaultCompatibilityMatrix() CompatibilityMatrix {
	m := make(CompatibilityMatrix, len(supportedBehaviors))
	for _, b := range supportedBehaviors {
		m[b] = []model.Behavior{b}
	}
	return m
}

// Allow makes source migratable to every given target behavior.
func (m CompatibilityMatrix) Allow(source model.Behavior, targets ...model.Behavior) CompatibilityMatrix {
	for _, t := range targets {
		if !slices.Contains(m[source], t) {
			m[source] = append(m[source], t)
		}
	}
	return m
}

func (m CompatibilityMatrix) Compatible(source model.Behavior, target model.Behavior) bool {
	return slices.Contains(m[source], target)
}

func isSupported(a *model.Activity) bool {
	return slices.Contains(supportedBehaviors, a.Behavior())
}

func isMultiInstanceInner(a *model.Activity) bool {
	return a.MultiInstanceBody() != nil
}

// ValidatePlan checks the instructions against both definitions.
func ValidatePlan(source runtime.ProcessDefinition, target runtime.ProcessDefinition, instructions []Instruction, matrix CompatibilityMatrix) ValidationReport {
	report := ValidationReport{
		SourceProcessDefinitionKey: source.Key,
		TargetProcessDefinitionKey: target.Key,
	}
	if source.Definition == nil || target.Definition == nil {
		report.PlanFailures = append(report.PlanFailures, "process definitions are not resolved")
		return report
	}
	if matrix == nil {
		matrix = DefaultCompatibilityMatrix()
	}
	v := &planValidator{
		source:       source.Definition,
		target:       target.Definition,
		instructions: instructions,
		matrix:       matrix,
		bySource:     make(map[string][]Instruction, len(instructions)),
	}
	for _, i := range instructions {
		v.bySource[i.SourceActivityId] = append(v.bySource[i.SourceActivityId], i)
	}
	for _, i := range instructions {
		failures := v.validate(i)
		if len(failures) > 0 {
			report.InstructionReports = append(report.InstructionReports, InstructionReport{
				Instruction: i,
				Failures:    failures,
			})
		}
	}
	return report
}

type planValidator struct {
	source       *model.Process
	target       *model.Process
	instructions []Instruction
	matrix       CompatibilityMatrix
	bySource     map[string][]Instruction
}

func (v *planValidator) mapped(sourceActivityId string) (Instruction, bool) {
	is := v.bySource[sourceActivityId]
	if len(is) == 0 {
		return Instruction{}, false
	}
	return is[0], true
}

func (v *planValidator) validate(instruction Instruction) []string {
	failures := make([]string, 0)
	s, sourceExists := v.source.Activity(instruction.SourceActivityId)
	if !sourceExists {
		failures = append(failures, fmt.Sprintf("Source activity '%s' does not exist", instruction.SourceActivityId))
	}
	t, targetExists := v.target.Activity(instruction.TargetActivityId)
	if !targetExists {
		failures = append(failures, fmt.Sprintf("Target activity '%s' does not exist", instruction.TargetActivityId))
	}
	if !sourceExists || !targetExists {
		return failures
	}

	if len(v.bySource[s.Id]) > 1 {
		failures = append(failures, fmt.Sprintf("There are multiple mappings for source activity id '%s'", s.Id))
	}
	if !isSupported(s) {
		failures = append(failures, fmt.Sprintf("The type of the source activity is not supported for activity instance migration (%s)", s.Behavior()))
	}
	if !v.matrix.Compatible(s.Behavior(), t.Behavior()) {
		failures = append(failures, fmt.Sprintf("Activities have incompatible types (%s is not compatible with %s)", s.Behavior(), t.Behavior()))
	}
	failures = append(failures, v.validateEvent(instruction, s, t)...)
	failures = append(failures, v.validateMultiInstance(s, t)...)
	failures = append(failures, v.validateAncestors(s, t)...)
	return failures
}

func (v *planValidator) validateEvent(instruction Instruction, s *model.Activity, t *model.Activity) []string {
	failures := make([]string, 0)
	if instruction.UpdateEventTrigger && !(s.IsEvent() && t.IsEvent()) {
		failures = append(failures, "Cannot update event trigger because the activity does not define a persistent event trigger")
	}
	if !s.IsEvent() || !t.IsEvent() {
		return failures
	}
	if s.EventDefinition.Type != t.EventDefinition.Type {
		failures = append(failures, fmt.Sprintf("Events are not of the same type (%s != %s)", s.EventDefinition.Type, t.EventDefinition.Type))
	}
	if t.EventDefinition.Type == model.EventDefinitionConditional && !instruction.UpdateEventTrigger {
		failures = append(failures, "Conditional event must use the updateEventTrigger option")
	}
	if s.Type == model.ElementTypeBoundaryEvent || s.IsEventSubProcessStart() {
		sourceScope := scopeId(s.EventScope())
		targetScope := scopeId(t.EventScope())
		consistent := false
		if sourceScope == "" {
			consistent = targetScope == ""
		} else if i, ok := v.mapped(sourceScope); ok {
			consistent = i.TargetActivityId == targetScope
		}
		if !consistent {
			failures = append(failures, fmt.Sprintf("The source activity's event scope (%s) must be mapped to the target activity's event scope (%s)",
				v.scopeName(v.source, sourceScope), v.scopeName(v.target, targetScope)))
		}
	}
	return failures
}

func (v *planValidator) validateMultiInstance(s *model.Activity, t *model.Activity) []string {
	failures := make([]string, 0)
	if s.IsMultiInstanceBody() {
		if _, ok := v.mapped(s.InnerActivity().Id); !ok {
			failures = append(failures, "Must map the inner activity of a multi-instance body when the body is mapped")
		}
	}
	if isMultiInstanceInner(s) {
		if _, ok := v.mapped(s.MultiInstanceBody().Id); !ok {
			failures = append(failures, "Cannot remove the inner activity of a multi-instance body when the body is mapped")
		}
	}
	if isMultiInstanceInner(t) && !isMultiInstanceInner(s) {
		failures = append(failures, "Target activity is the inner activity of a multi-instance body, only the inner activity of a multi-instance body can be migrated to it")
	}
	return failures
}

// validateAncestors requires the closest mapped ancestor of the source to be mapped
// to an ancestor of the target so that migrated instances keep their nesting.
func (v *planValidator) validateAncestors(s *model.Activity, t *model.Activity) []string {
	for _, a := range s.Ancestors() {
		i, ok := v.mapped(a.Id)
		if !ok {
			continue
		}
		if !v.target.IsAncestor(i.TargetActivityId, t.Id) {
			return []string{fmt.Sprintf("Closest mapped ancestor '%s' is mapped to scope '%s' which is not an ancestor of target scope '%s'",
				a.Id, i.TargetActivityId, t.Id)}
		}
		return nil
	}
	return nil
}

func (v *planValidator) scopeName(p *model.Process, id string) string {
	if id == "" {
		return p.Id
	}
	return id
}

func scopeId(a *model.Activity) string {
	if a == nil {
		return ""
	}
	return a.Id
}
