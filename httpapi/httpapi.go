// Package httpapi exposes the Dispatch Scheduler, Prompt Resolver and Rate
// Limiter over HTTP: POST /check_compliance and POST /validate_prompt_response
// run a job; the /cache/* and /healthz, /metrics routes expose operational
// state, matching SPEC_FULL.md §6's surface.
//
// Grounded in original_source/app/api/routes.py's route table (seven
// routes: check_compliance, validate_prompt_response, and the
// cache/health/metrics operational routes) and the teacher's core.BaseTool
// pattern of a plain http.ServeMux wired up by hand rather than a third
// party router -- the examples only ever reach for net/http's own mux.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/promptresolver"
	"github.com/mlscompliance/complyengine/ratelimiter"
	"github.com/mlscompliance/complyengine/scheduler"
	"github.com/mlscompliance/complyengine/tracing"
	"github.com/mlscompliance/complyengine/version"
)

// Server wires the compliance engine's dependencies to the HTTP surface.
type Server struct {
	scheduler *scheduler.Scheduler
	resolver  *promptresolver.Resolver
	limiter   *ratelimiter.Limiter
	requestTO time.Duration
}

func NewServer(sched *scheduler.Scheduler, resolver *promptresolver.Resolver, limiter *ratelimiter.Limiter, requestTimeout time.Duration) *Server {
	return &Server{scheduler: sched, resolver: resolver, limiter: limiter, requestTO: requestTimeout}
}

// Handler builds the routed, traced http.Handler for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /check_compliance", s.handleCheckCompliance)
	mux.HandleFunc("POST /validate_prompt_response", s.handleValidatePromptResponse)
	mux.HandleFunc("POST /cache/refresh", s.handleCacheRefresh)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return tracing.Middleware(mux)
}

func (s *Server) handleCheckCompliance(w http.ResponseWriter, r *http.Request) {
	var req model.ComplianceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := s.withRequestTimeout(r.Context())
	defer cancel()

	requestID := tracing.RequestID(ctx)
	result, err := s.scheduler.Run(ctx, &req, requestID)
	s.writeJobResult(w, requestID, result, err)
}

func (s *Server) handleValidatePromptResponse(w http.ResponseWriter, r *http.Request) {
	var req model.PromptValidationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := s.withRequestTimeout(r.Context())
	defer cancel()

	requestID := tracing.RequestID(ctx)
	var result *model.JobResult
	var err error
	if req.PromptVersion != nil {
		result, err = s.scheduler.RunWithVersion(ctx, &req.ComplianceRequest, requestID, *req.PromptVersion)
	} else {
		result, err = s.scheduler.Run(ctx, &req.ComplianceRequest, requestID)
	}
	s.writeJobResult(w, requestID, result, err)
}

func (s *Server) writeJobResult(w http.ResponseWriter, requestID string, result *model.JobResult, err error) {
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, model.JobResult{OK: 400, ErrorMessage: verr.Message, RequestID: requestID})
			return
		}
		logger.WithRequestID(requestID).Error("job failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, model.JobResult{OK: 500, ErrorMessage: err.Error(), RequestID: requestID})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	s.resolver.RefreshAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.resolver.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTO <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTO)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	dec := sonic.ConfigDefault.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, model.JobResult{OK: 400, ErrorMessage: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Error("failed to encode response", "error", err)
	}
}
