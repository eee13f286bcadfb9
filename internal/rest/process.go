// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"io"
	"net/http"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
)

const maxDefinitionSize = 4 << 20

type ProcessDefinitionResponse struct {
	Key              int64  `json:"key"`
	BpmnProcessId    string `json:"bpmnProcessId"`
	Version          int32  `json:"version"`
	ResourceName     string `json:"resourceName"`
	DefinitionSource string `json:"definitionSource,omitempty"`
}

func toProcessDefinitionResponse(d runtime.ProcessDefinition, withSource bool) ProcessDefinitionResponse {
	res := ProcessDefinitionResponse{
		Key:           d.Key,
		BpmnProcessId: d.BpmnProcessId,
		Version:       d.Version,
		ResourceName:  d.BpmnResourceName,
	}
	if withSource {
		res.DefinitionSource = string(d.BpmnData)
	}
	return res
}

// deployProcessDefinition takes the raw definition document as request body.
func (s *Server) deployProcessDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	resourceName := r.URL.Query().Get("resourceName")
	if resourceName == "" {
		resourceName = "rest-deployment.yaml"
	}
	definition, err := s.engine.LoadFromBytes(r.Context(), resourceName, data)
	if err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, toProcessDefinitionResponse(definition, false))
}

func (s *Server) getProcessDefinition(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	definition, err := s.engine.FindProcessDefinition(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, toProcessDefinitionResponse(definition, true))
}

type StartProcessInstanceRequest struct {
	ProcessDefinitionKey int64 `json:"processDefinitionKey"`
	// StartBeforeActivityIds starts the instance inside the given activities instead of the none start event
	StartBeforeActivityIds []string       `json:"startBeforeActivityIds,omitempty"`
	Variables              map[string]any `json:"variables,omitempty"`
}

func (s *Server) startProcessInstance(w http.ResponseWriter, r *http.Request) {
	var req StartProcessInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	var instance runtime.ProcessInstance
	var err error
	if len(req.StartBeforeActivityIds) > 0 {
		instance, err = s.engine.StartInstanceOnElements(r.Context(), req.ProcessDefinitionKey, req.StartBeforeActivityIds, req.Variables)
	} else {
		instance, err = s.engine.CreateInstanceByKey(r.Context(), req.ProcessDefinitionKey, req.Variables)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, instance)
}

func (s *Server) getProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, instance)
}

func (s *Server) getActivityInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	tree, err := s.engine.GetActivityInstance(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, tree)
}

func (s *Server) getProcessInstanceVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	variables, err := s.engine.FindProcessInstanceVariables(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, variables)
}

type CompleteExecutionRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) completeExecution(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	var req CompleteExecutionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, s.logger, err.Error())
			return
		}
	}
	if err := s.engine.CompleteActivity(r.Context(), key, req.Variables); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
