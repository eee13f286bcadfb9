// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"net/http"

	"github.com/pbinitiative/zenmigrate/pkg/migration"
)

type ExecuteMigrationRequest struct {
	Plan                migration.PlanDocument `json:"plan"`
	ProcessInstanceKeys []int64                `json:"processInstanceKeys"`
	Annotation          string                 `json:"annotation,omitempty"`
	Async               bool                   `json:"async,omitempty"`
}

func (s *Server) buildPlan(w http.ResponseWriter, r *http.Request, doc migration.PlanDocument) (*migration.Plan, bool) {
	builder, err := s.engine.CreateMigrationPlan(r.Context(), doc.SourceProcessDefinitionKey, doc.TargetProcessDefinitionKey)
	if err != nil {
		s.writeEngineError(w, err)
		return nil, false
	}
	plan, err := doc.Apply(builder).Build()
	if err != nil {
		s.writeEngineError(w, err)
		return nil, false
	}
	return plan, true
}

// validateMigrationPlan builds the plan and returns it, or the validation report when it is invalid.
func (s *Server) validateMigrationPlan(w http.ResponseWriter, r *http.Request) {
	var doc migration.PlanDocument
	if err := decodeJSON(r, &doc); err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	plan, ok := s.buildPlan(w, r, doc)
	if !ok {
		return
	}
	writeJSON(w, s.logger, http.StatusOK, plan)
}

func (s *Server) executeMigration(w http.ResponseWriter, r *http.Request) {
	var req ExecuteMigrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	plan, ok := s.buildPlan(w, r, req.Plan)
	if !ok {
		return
	}
	builder := s.engine.NewMigration(plan).ProcessInstanceIds(req.ProcessInstanceKeys...).SetAnnotation(req.Annotation)
	if !req.Async {
		if err := builder.Execute(r.Context()); err != nil {
			s.writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	batch, err := builder.ExecuteAsync(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, batch)
}
