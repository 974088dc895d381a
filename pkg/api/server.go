// Package api exposes privacy requests over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Pipeline starts and resumes requests. *engine.Orchestrator implements it.
type Pipeline interface {
	Start(ctx context.Context, req domain.PrivacyRequest) (domain.PrivacyRequest, error)
	Resume(ctx context.Context, requestID, webhookID string, payload map[string]any) error
}

// Controller cancels requests and requeues parked tasks.
// *scheduler.Scheduler implements it.
type Controller interface {
	Cancel(ctx context.Context, requestID string) error
	RequeueAsync(ctx context.Context, taskID string) error
}

// BreakerReporter reports the circuit state of every connection.
// *connector.Registry implements it.
type BreakerReporter interface {
	BreakerStates() map[string]governance.CircuitBreakerState
}

// Options configures a Server.
type Options struct {
	Pipeline   Pipeline
	Controller Controller
	Store      *storage.Store
	// Breakers adds connection circuit states to /healthz when set.
	Breakers BreakerReporter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server routes the HTTP API.
type Server struct {
	pipeline   Pipeline
	controller Controller
	store      *storage.Store
	breakers   BreakerReporter
	logger     *slog.Logger
	handler    http.Handler
}

// NewServer builds the routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:   opts.Pipeline,
		controller: opts.Controller,
		store:      opts.Store,
		breakers:   opts.Breakers,
		logger:     logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/privacy-requests", s.handleCreate)
	mux.HandleFunc("GET /v1/privacy-requests", s.handleList)
	mux.HandleFunc("GET /v1/privacy-requests/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/privacy-requests/{id}/tasks", s.handleTasks)
	mux.HandleFunc("POST /v1/privacy-requests/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/privacy-requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/tasks/{id}/requeue", s.handleRequeue)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		root.Handle("GET /metrics", opts.Metrics)
	}
	root.Handle("/v1/", otelhttp.NewHandler(mux, "privacy.api"))
	s.handler = root
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// CreateRequest is the body of POST /v1/privacy-requests.
type CreateRequest struct {
	PolicyKey     string                    `json:"policy_key"`
	Identity      map[string]string         `json:"identity"`
	Consent       domain.ConsentPreference  `json:"consent,omitempty"`
	WebhookInputs map[string]map[string]any `json:"webhook_inputs,omitempty"`
}

// ResumeRequest is the body of POST /v1/privacy-requests/{id}/resume.
type ResumeRequest struct {
	WebhookID string         `json:"webhook_id"`
	Payload   map[string]any `json:"payload"`
}

// Health is the response of GET /healthz. Status is "degraded" while any
// connection's circuit is open.
type Health struct {
	Status      string                                    `json:"status"`
	Connections map[string]governance.CircuitBreakerState `json:"connections,omitempty"`
}

// TaskList is the response of GET /v1/privacy-requests/{id}/tasks.
type TaskList struct {
	Tasks []domain.RequestTask `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := Health{Status: "ok"}
	if s.breakers != nil {
		health.Connections = s.breakers.BreakerStates()
		for _, state := range health.Connections {
			if state == governance.StateOpen {
				health.Status = "degraded"
			}
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.PolicyKey == "" {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "policy_key is required")
		return
	}
	if len(body.Identity) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "identity is required")
		return
	}
	switch body.Consent {
	case "", domain.ConsentOptIn, domain.ConsentOptOut:
	default:
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "consent must be opt_in or opt_out")
		return
	}

	req := domain.PrivacyRequest{
		ID:            uuid.New().String(),
		PolicyKey:     body.PolicyKey,
		Identity:      body.Identity,
		Consent:       body.Consent,
		WebhookInputs: body.WebhookInputs,
	}
	started, err := s.pipeline.Start(r.Context(), req)
	if err != nil {
		// A pipeline failure is recorded on the request itself.
		stored, getErr := s.store.Requests.Get(r.Context(), req.ID)
		if getErr != nil {
			s.fail(w, r, err)
			return
		}
		s.logger.Warn("Privacy request failed", "privacy_request_id", req.ID, "error", err)
		started = stored
	}
	s.writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.Requests.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := domain.RequestStatus(r.URL.Query().Get("status"))
	out := make([]domain.PrivacyRequest, 0, len(requests))
	for _, req := range requests {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.Requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Requests.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	list := TaskList{Tasks: []domain.RequestTask{}}
	for _, action := range []domain.ActionType{domain.ActionAccess, domain.ActionConsent, domain.ActionErasure} {
		tasks, err := s.store.Tasks.ListTasks(r.Context(), id, action)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		list.Tasks = append(list.Tasks, tasks...)
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body ResumeRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	id := r.PathValue("id")
	err := s.pipeline.Resume(r.Context(), id, body.WebhookID, body.Payload)
	switch {
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrRequestNotFound),
		errors.Is(err, domain.ErrWebhookInputRequired):
		s.fail(w, r, err)
		return
	case err != nil:
		// The run itself failed; the request carries the reason.
		s.logger.Warn("Resumed privacy request failed", "privacy_request_id", id, "error", err)
	}
	s.handleGet(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.RequeueAsync(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.store.Tasks.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, task)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// fail maps a domain error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "NOT_FOUND", "POLICY_NOT_FOUND":
		status = http.StatusNotFound
	case "CONFLICT", "CANCELED":
		status = http.StatusConflict
	case "INVALID":
		status = http.StatusBadRequest
	case "WEBHOOK_INPUT_REQUIRED":
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	resp := domain.ErrorResponse{Code: code, Message: err.Error()}
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		resp.Details = domainErr.Details
	}
	s.writeResponse(w, r, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeResponse(w, r, status, domain.ErrorResponse{Code: code, Message: message})
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, status int, resp domain.ErrorResponse) {
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}
