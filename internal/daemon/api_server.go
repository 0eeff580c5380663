package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"earshot/internal/api"
	"earshot/internal/config"
	"earshot/internal/logging"
	"earshot/internal/store"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/queue", srv.handleQueue)
	mux.HandleFunc("/api/jobs", srv.handleJobs)
	mux.HandleFunc("/api/outbox", srv.handleOutbox)
	mux.HandleFunc("/scheduler/status", srv.handleSchedulerStatus)
	mux.HandleFunc("/scheduler/trigger", srv.requireAuth(srv.handleSchedulerTrigger))
	mux.HandleFunc("/analyze/", srv.requireAuth(srv.handleAnalyze))
	mux.HandleFunc("/groups/", srv.requireAuth(srv.handleGroups))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
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
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// requireAuth guards mutating routes with the optional bearer token.
func (s *apiServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			if header != "Bearer "+s.token {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary := s.daemon.workflow.Status(r.Context())
	schedStatus, depths := api.FromStatusSummary(summary, nowUTC())
	health, err := s.daemon.store.Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:    s.daemon.Running(),
		PID:        os.Getpid(),
		Since:      summary.Since,
		DBPath:     s.daemon.store.Path(),
		LockPath:   s.daemon.LockPath(),
		Scheduler:  schedStatus,
		QueueDepth: depths,
		Health:     api.FromHealth(health),
	})
}

func (s *apiServer) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary := s.daemon.workflow.Status(r.Context())
	status, _ := api.FromStatusSummary(summary, nowUTC())
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	triggered, err := s.daemon.workflow.TriggerScheduler(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !triggered {
		// A dispatch pass is already in flight.
		s.writeJSON(w, http.StatusAccepted, map[string]bool{"already_polling": true})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
}

func (s *apiServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/analyze/")
	equityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || equityID <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid equity id")
		return
	}

	var body api.AnalyzeRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, alreadyQueued, err := s.daemon.Analyze(r.Context(), equityID, body.Quarter, body.Year, body.Force)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AnalyzeResponse{
		JobID:          job.ID,
		TranscriptID:   job.TranscriptID,
		IdempotencyKey: job.IdempotencyKey,
		AlreadyQueued:  alreadyQueued,
	})
}

func (s *apiServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Path shape: /groups/{id}/articles
	rest := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "articles" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	groupID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || groupID <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	var body api.ArticleRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.daemon.ForceArticle(r.Context(), groupID, body.Quarter, body.Year)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.FromResearchRun(run))
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	depths, err := s.daemon.broker.Depths(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters, err := s.daemon.store.ListDeadLetters(r.Context(), 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type deadLetter struct {
		ID       int64  `json:"id"`
		Queue    string `json:"queue"`
		Attempts int    `json:"attempts"`
		Error    string `json:"error,omitempty"`
	}
	projected := make([]deadLetter, 0, len(letters))
	for _, letter := range letters {
		projected = append(projected, deadLetter{
			ID:       letter.ID,
			Queue:    letter.Queue,
			Attempts: letter.Attempts,
			Error:    letter.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"depths":       depths,
		"dead_letters": projected,
	})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs, err := s.daemon.store.ListAnalysisJobs(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projected := make([]api.AnalysisJob, 0, len(jobs))
	for _, job := range jobs {
		projected = append(projected, api.FromAnalysisJob(job))
	}
	s.writeJSON(w, http.StatusOK, projected)
}

func (s *apiServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := s.daemon.store.ListOutboxRows(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projected := make([]api.OutboxRow, 0, len(rows))
	for _, row := range rows {
		projected = append(projected, api.FromOutboxRow(row))
	}
	s.writeJSON(w, http.StatusOK, projected)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response failed", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
