package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"discburner/internal/api"
	"discburner/internal/config"
	"discburner/internal/logging"
	"discburner/internal/metrics"
	"discburner/internal/queue"
	"discburner/internal/services"
)

const maxRequestBody = 1 << 20

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

// newAPIServer returns nil when no bind address is configured.
func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(strings.TrimSpace(cfg.Paths.APIToken)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A manual check waits for the catalog round-trip.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes(token string) http.Handler {
	metrics.MustRegister()

	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, withRequestID(authMiddleware(token, fn)))
	}
	handle("GET /api/status", s.handleStatus)
	handle("GET /api/jobs", s.handleListJobs)
	handle("POST /api/jobs", s.handleAddJob)
	handle("GET /api/jobs/{id}", s.handleGetJob)
	handle("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	handle("POST /api/jobs/{id}/retry", s.handleRetryJob)
	handle("POST /api/check", s.handleCheck)
	handle("POST /api/pause", s.handlePause)
	handle("POST /api/resume", s.handleResume)
	handle("GET /metrics", promhttp.Handler().ServeHTTP)
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		DatabasePath: status.DatabasePath,
		LockFilePath: status.LockFilePath,
		Worker:       api.FromWorkerStatus(status.Worker),
	})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status queue.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := queue.ParseStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		status = parsed
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(s.daemon.Jobs(status))})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.daemon.Job(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req api.AddJobRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	job, err := s.daemon.AddJob(r.Context(), req.Source)
	switch {
	case errors.Is(err, ErrDuplicateSource):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, services.Message(err))
		return
	case err != nil:
		logging.WithContext(r.Context(), s.log()).Error("add job failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.daemon.Job(id); !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.daemon.CancelJob(id) {
		s.writeError(w, http.StatusConflict, "job already finished")
		return
	}
	logging.WithContext(r.Context(), s.log()).Info("job cancelled via api",
		logging.JobID(id),
		logging.String(logging.FieldEventType, "job_cancel_requested"),
	)
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: "job cancelled"})
}

func (s *apiServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.daemon.Job(id); !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.daemon.RetryJob(id) {
		s.writeError(w, http.StatusConflict, "only failed, cancelled or completed jobs can be retried")
		return
	}
	logging.WithContext(r.Context(), s.log()).Info("job retried via api",
		logging.JobID(id),
		logging.String(logging.FieldEventType, "job_retry_requested"),
	)
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: "job queued for retry"})
}

func (s *apiServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.daemon.TriggerCheck(r.Context()) {
		s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: "new jobs queued"})
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: false, Message: "no new jobs"})
}

func (s *apiServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var duration time.Duration
	if raw := strings.TrimSpace(r.URL.Query().Get("minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		duration = time.Duration(minutes) * time.Minute
	}
	until := s.daemon.Pause(duration)
	s.writeJSON(w, http.StatusOK, api.PauseResponse{PausedUntil: until.UTC().Format(time.RFC3339)})
}

func (s *apiServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.daemon.Resume()
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: "scheduler resumed"})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
