// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/internal/config"
	"github.com/pbinitiative/zenmigrate/internal/rest/middleware"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PaginationDefaultPage int = 1
	PaginationDefaultSize int = 10
)

type Server struct {
	engine *bpmn.Engine
	addr   string
	server *http.Server
	logger hclog.Logger
}

func NewServer(engine *bpmn.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
		logger: hclog.Default().Named("rest-server"),
	}
	r.Use(middleware.Cors(conf.Server.CorsAllowedOrigins))
	r.Use(middleware.Opentelemetry(conf.Name))
	r.Use(middleware.AuthenticatedUser())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployProcessDefinition)
		r.Get("/process-definitions/{key}", s.getProcessDefinition)

		r.Post("/process-instances", s.startProcessInstance)
		r.Get("/process-instances/{key}", s.getProcessInstance)
		r.Get("/process-instances/{key}/activity-instances", s.getActivityInstance)
		r.Get("/process-instances/{key}/variables", s.getProcessInstanceVariables)
		r.Post("/executions/{key}/complete", s.completeExecution)

		r.Post("/migration/plans", s.validateMigrationPlan)
		r.Post("/migration/executions", s.executeMigration)

		r.Get("/batches", s.getBatches)
		r.Get("/batches/statistics", s.getAllBatchStatistics)
		r.Get("/batches/{key}", s.getBatch)
		r.Delete("/batches/{key}", s.deleteBatch)
		r.Get("/batches/{key}/statistics", s.getBatchStatistics)
		r.Get("/batches/{key}/incidents", s.getBatchIncidents)
		r.Get("/historic-batches", s.getHistoricBatches)
		r.Get("/historic-batches/{key}", s.getHistoricBatch)

		r.Get("/jobs", s.getJobs)
		r.Get("/jobs/{key}", s.getJob)
		r.Put("/jobs/{key}/retries", s.setJobRetries)
		r.Get("/incidents", s.getIncidents)
		r.Get("/user-operation-log", s.getUserOperationLog)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "UP", "engine": engine.Name()})
		})
	})
	return &s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.logger.Info("REST server listening", "addr", listener.Addr().String())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Error serving REST api", "err", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error stopping server", "err", err)
	}
}

// ApiError is the body of every non 2xx response.
type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// Report is set when a migration plan failed validation
	Report *migration.ValidationReport `json:"report,omitempty"`
}

// writeEngineError maps engine errors onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var planErr *migration.PlanValidationError
	var instanceErr *migration.InstanceValidationError
	var authErr *authorization.Error
	switch {
	case errors.As(err, &planErr):
		writeJSON(w, s.logger, http.StatusBadRequest, ApiError{Type: "MIGRATION_PLAN_INVALID", Message: err.Error(), Report: &planErr.Report})
	case errors.As(err, &instanceErr):
		writeJSON(w, s.logger, http.StatusBadRequest, ApiError{Type: "MIGRATION_INSTANCE_INVALID", Message: err.Error()})
	case bpmn.IsBadUserRequest(err):
		writeJSON(w, s.logger, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
	case errors.As(err, &authErr):
		writeJSON(w, s.logger, http.StatusForbidden, ApiError{Type: "FORBIDDEN", Message: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, s.logger, http.StatusNotFound, ApiError{Type: "NOT_FOUND", Message: err.Error()})
	default:
		s.logger.Error("Request failed", "err", err)
		writeJSON(w, s.logger, http.StatusInternalServerError, ApiError{Type: "ERROR", Message: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, logger hclog.Logger, message string) {
	writeJSON(w, logger, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: message})
}

func writeJSON(w http.ResponseWriter, logger hclog.Logger, status int, resp any) {
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSON(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}

// keyParam reads an int64 key url parameter, writing a 400 response when it is malformed.
func (s *Server) keyParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeBadRequest(w, s.logger, "invalid "+name+": "+chi.URLParam(r, name))
		return 0, false
	}
	return key, true
}

func (s *Server) queryKey(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return 0, true
	}
	key, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		writeBadRequest(w, s.logger, "invalid "+name+": "+value)
		return 0, false
	}
	return key, true
}

type PageMetadata struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Count      int `json:"count"`
	TotalCount int `json:"totalCount"`
}

type Page[T any] struct {
	Items        []T          `json:"items"`
	PageMetadata PageMetadata `json:"pageMetadata"`
}

// paginate cuts the requested page out of items using the page and size query parameters.
func paginate[T any](r *http.Request, items []T) (Page[T], error) {
	page, size := PaginationDefaultPage, PaginationDefaultSize
	var err error
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return Page[T]{}, errors.New("invalid page: " + v)
		}
	}
	if v := r.URL.Query().Get("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 {
			return Page[T]{}, errors.New("invalid size: " + v)
		}
	}
	totalCount := len(items)
	startIndex := min((page-1)*size, totalCount)
	endIndex := min(startIndex+size, totalCount)
	pagedItems := items[startIndex:endIndex]
	if pagedItems == nil {
		pagedItems = []T{}
	}
	return Page[T]{
		Items: pagedItems,
		PageMetadata: PageMetadata{
			Page:       page,
			Size:       size,
			Count:      len(pagedItems),
			TotalCount: totalCount,
		},
	}, nil
}

func writePage[T any](w http.ResponseWriter, r *http.Request, logger hclog.Logger, items []T) {
	page, err := paginate(r, items)
	if err != nil {
		writeBadRequest(w, logger, err.Error())
		return
	}
	writeJSON(w, logger, http.StatusOK, page)
}
