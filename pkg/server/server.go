package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/policy"
	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
)

// DefaultMaxBodyBytes limits run request bodies.
const DefaultMaxBodyBytes = 1 << 20

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Runner executes mutation runs.
type Runner interface {
	Run(ctx context.Context, locator string, req engine.MutationRequest) *engine.OperationReport
}

// History reads recorded runs.
type History interface {
	GetRun(ctx context.Context, id string) (*stores.Run, error)
	ListRuns(ctx context.Context, filter stores.RunFilter, limit, offset int) ([]*stores.Run, error)
	ListStepOutcomes(ctx context.Context, runID string) ([]*stores.StepOutcome, error)
	HealthCheck(ctx context.Context) error
}

// PolicySource lists the active request policies.
type PolicySource interface {
	ListPolicies() []policy.Policy
}

// Server serves the mutation API.
type Server struct {
	runner       Runner
	history      History
	policies     PolicySource
	metrics      http.Handler
	logger       zerolog.Logger
	maxBodyBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithHistory exposes recorded runs under /v1/runs.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithPolicies exposes the active policies under /v1/policies.
func WithPolicies(p PolicySource) Option {
	return func(s *Server) { s.policies = p }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With().Str("component", "http").Logger()
	}
}

// WithMaxBodyBytes limits request bodies. Non-positive values keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New creates a server around runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner:       runner,
		logger:       zerolog.Nop(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.createRun)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Get("/policies", s.listPolicies)
	})

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully, waiting up to grace for in-flight runs.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	s.logger.Info().Msg("HTTP server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// RunRequest is the body of POST /v1/runs. TargetKind and AttributeName
// default to Entity and Name.
type RunRequest struct {
	Locator        string `json:"locator"`
	TargetKind     string `json:"target_kind,omitempty"`
	AttributeName  string `json:"attribute_name,omitempty"`
	AttributeValue string `json:"attribute_value"`
}

func (rr RunRequest) mutation() engine.MutationRequest {
	req := engine.NewEntityRequest(rr.AttributeValue)
	if rr.TargetKind != "" {
		req.TargetKind = rr.TargetKind
	}
	if rr.AttributeName != "" {
		req.AttributeName = rr.AttributeName
	}
	return req
}

// RunDetail is a recorded run with its step outcomes.
type RunDetail struct {
	*stores.Run
	Steps []*stores.StepOutcome `json:"steps"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var body RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	report := s.runner.Run(r.Context(), body.Locator, body.mutation())
	s.writeJSON(w, statusFor(report), report)
}

// statusFor maps a report to an HTTP status. Partial runs are 200; the
// body carries the detail.
func statusFor(report *engine.OperationReport) int {
	if report.FinalError == nil {
		if report.Created {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	}

	kind, _ := engine.KindOf(report.FinalError)
	switch kind {
	case engine.KindValidation:
		return http.StatusUnprocessableEntity
	case engine.KindResourceBusy:
		return http.StatusConflict
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	case engine.KindSessionAcquisition:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	var filter stores.RunFilter
	if v := q.Get("locator"); v != "" {
		filter.Locator = &v
	}
	if v := q.Get("status"); v != "" {
		status := stores.RunStatus(v)
		switch status {
		case stores.RunStatusSucceeded, stores.RunStatusPartial, stores.RunStatusFailed:
		default:
			s.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}

	runs, err := s.history.ListRuns(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, stores.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to get run")
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	steps, err := s.history.ListStepOutcomes(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to list step outcomes")
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, RunDetail{Run: run, Steps: steps})
}

func (s *Server) listPolicies(w http.ResponseWriter, _ *http.Request) {
	if s.policies == nil {
		s.writeJSON(w, http.StatusOK, []policy.Policy{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.policies.ListPolicies())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.history != nil {
		if err := s.history.HealthCheck(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["history"] = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["history"] = "ok"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
