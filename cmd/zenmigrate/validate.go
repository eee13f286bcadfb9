// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"gopkg.in/yaml.v3"
)

type validateCmd struct {
	Source string `arg:"" help:"Source process definition file." type:"existingfile"`
	Target string `arg:"" help:"Target process definition file." type:"existingfile"`
	Plan   string `arg:"" help:"Migration plan file." type:"existingfile"`

	Compatibility string `help:"YAML file mapping source activity behaviors to additionally allowed target behaviors." type:"existingfile"`
	Output        string `help:"Output format." enum:"text,json" default:"text"`
}

var errPlanInvalid = errors.New("migration plan is not valid")

func (v *validateCmd) Run() error {
	return v.validate(os.Stdout)
}

func (v *validateCmd) validate(out io.Writer) error {
	data, err := os.ReadFile(v.Plan)
	if err != nil {
		return err
	}
	doc, err := migration.ParsePlanDocument(data)
	if err != nil {
		return err
	}
	source, err := loadDefinition(v.Source, doc.SourceProcessDefinitionKey, 1)
	if err != nil {
		return err
	}
	target, err := loadDefinition(v.Target, doc.TargetProcessDefinitionKey, 2)
	if err != nil {
		return err
	}
	extra := map[string][]string{}
	if v.Compatibility != "" {
		data, err := os.ReadFile(v.Compatibility)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &extra); err != nil {
			return fmt.Errorf("failed to parse compatibility file %s: %w", v.Compatibility, err)
		}
	}
	matrix, err := migration.ParseCompatibility(extra)
	if err != nil {
		return err
	}

	plan, err := doc.Apply(migration.NewPlanBuilder(source, target, migration.WithCompatibilityMatrix(matrix))).Build()
	var planErr *migration.PlanValidationError
	switch {
	case errors.As(err, &planErr):
		if v.Output == "json" {
			if err := json.NewEncoder(out).Encode(planErr.Report); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, planErr.Report.String())
		}
		return errPlanInvalid
	case err != nil:
		return err
	}
	if v.Output == "json" {
		return json.NewEncoder(out).Encode(plan)
	}
	fmt.Fprintf(out, "Migration plan from %s to %s is valid:\n", source.BpmnProcessId, target.BpmnProcessId)
	for _, instruction := range plan.Instructions {
		fmt.Fprintf(out, "\t%s\n", instruction)
	}
	return nil
}

// loadDefinition reads a definition file; key falls back when the plan file does not name one.
func loadDefinition(filename string, key int64, fallbackKey int64) (runtime.ProcessDefinition, error) {
	process, data, err := model.LoadFile(filename)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to load process definition %s: %w", filename, err)
	}
	if key == 0 {
		key = fallbackKey
	}
	return runtime.ProcessDefinition{
		BpmnProcessId:    process.Id,
		Version:          1,
		Key:              key,
		BpmnData:         data,
		BpmnResourceName: filename,
		Definition:       process,
	}, nil
}
