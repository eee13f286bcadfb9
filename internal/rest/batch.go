// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"net/http"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
)

func (s *Server) getBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.engine.FindBatches(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, batches)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	batch, err := s.engine.FindBatch(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, batch)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	if err := s.engine.DeleteBatch(r.Context(), key); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBatchStatistics(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	statistics, err := s.engine.BatchStatistics(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, statistics)
}

func (s *Server) getAllBatchStatistics(w http.ResponseWriter, r *http.Request) {
	statistics, err := s.engine.AllBatchStatistics(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, statistics)
}

func (s *Server) getBatchIncidents(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	incidents, err := s.engine.FindBatchIncidents(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, incidents)
}

func (s *Server) getHistoricBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.engine.FindHistoricBatches(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, batches)
}

func (s *Server) getHistoricBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	batch, err := s.engine.FindHistoricBatch(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, batch)
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	processInstanceKey, ok := s.queryKey(w, r, "processInstanceKey")
	if !ok {
		return
	}
	jobDefinitionKey, ok := s.queryKey(w, r, "jobDefinitionKey")
	if !ok {
		return
	}
	filter := storage.JobFilter{
		ProcessInstanceKey: processInstanceKey,
		JobDefinitionKey:   jobDefinitionKey,
		HandlerType:        runtime.JobHandlerType(r.URL.Query().Get("handlerType")),
	}
	switch r.URL.Query().Get("retries") {
	case "":
	case "left":
		filter.WithRetriesLeft = true
	case "none":
		filter.NoRetriesLeft = true
	default:
		writeBadRequest(w, s.logger, "retries must be one of left, none")
		return
	}
	jobs, err := s.engine.FindJobs(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	job, err := s.engine.FindJob(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, job)
}

type SetJobRetriesRequest struct {
	Retries int `json:"retries"`
}

func (s *Server) setJobRetries(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r, "key")
	if !ok {
		return
	}
	var req SetJobRetriesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, s.logger, err.Error())
		return
	}
	if err := s.engine.SetJobRetries(r.Context(), key, req.Retries); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getIncidents(w http.ResponseWriter, r *http.Request) {
	processInstanceKey, ok := s.queryKey(w, r, "processInstanceKey")
	if !ok {
		return
	}
	incidents, err := s.engine.FindIncidents(r.Context(), processInstanceKey)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, incidents)
}

func (s *Server) getUserOperationLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.FindUserOperationLog(r.Context(), r.URL.Query().Get("operationId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writePage(w, r, s.logger, entries)
}
