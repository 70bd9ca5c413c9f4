package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/datefilter"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
	"github.com/JakeFAU/substack-mirror/internal/orchestrator"
	"github.com/JakeFAU/substack-mirror/internal/substack"
)

// Service is the orchestration surface the server exposes.
type Service interface {
	DownloadAll(ctx context.Context, author string, filter datefilter.Filter, concurrency int, force bool) (crawler.RunCounters, error)
	Info(ctx context.Context, author string) (orchestrator.Info, error)
	ResetSync(author string) error
	ClearCache(ctx context.Context) (api, page int)
	PurgeExpiredCache(ctx context.Context) int
}

// Config controls the admin server.
type Config struct {
	APIKey             string
	RequestTimeout     time.Duration
	DefaultConcurrency int
}

// Run states reported by GET /v1/runs/{run_id}.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// RunStatus tracks one download started through the API.
type RunStatus struct {
	ID       string              `json:"run_id"`
	Author   string              `json:"author"`
	State    string              `json:"state"`
	Counters crawler.RunCounters `json:"counters"`
	Error    string              `json:"error,omitempty"`
	Started  time.Time           `json:"started"`
	Finished *time.Time          `json:"finished,omitempty"`
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router  chi.Router
	service Service
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*RunStatus
	active map[string]string
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, clock crawler.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		service: service,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*RunStatus),
		active:  make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/authors/{author}", func(r chi.Router) {
			r.Get("/", s.getInfo)
			r.Post("/download", s.startDownload)
			r.Post("/reset-sync", s.resetSync)
		})
		r.Get("/runs/{run_id}", s.getRun)
		r.Post("/cache/clear", s.clearCache)
		r.Post("/cache/purge", s.purgeCache)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels runs started through the API and waits for them to stop.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.Info(r.Context(), chi.URLParam(r, "author"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) resetSync(w http.ResponseWriter, r *http.Request) {
	author := chi.URLParam(r, "author")
	if err := s.service.ResetSync(author); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"author": author, "status": "reset"})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	api, page := s.service.ClearCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"api": api, "page": page})
}

func (s *Server) purgeCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"purged": s.service.PurgeExpiredCache(r.Context())})
}

type downloadRequest struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Concurrency int    `json:"concurrency"`
	Force       bool   `json:"force"`
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	// Runs are keyed by the normalized author so aliases share one guard.
	author, err := substack.NormalizeAuthor(chi.URLParam(r, "author"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req downloadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Concurrency <= 0 {
		req.Concurrency = s.cfg.DefaultConcurrency
	}

	s.mu.Lock()
	if running, ok := s.active[author]; ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run already in progress", "run_id": running})
		return
	}
	status := &RunStatus{
		ID:      uuid.NewString(),
		Author:  author,
		State:   RunRunning,
		Started: s.clock.Now(),
	}
	s.runs[status.ID] = status
	s.active[author] = status.ID
	snapshot := *status
	s.mu.Unlock()

	filter := datefilter.New(req.Start, req.End, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		counters, err := s.service.DownloadAll(s.baseCtx, author, filter, req.Concurrency, req.Force)
		s.finishRun(status.ID, counters, err)
	}()
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) finishRun(id string, counters crawler.RunCounters, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.runs[id]
	finished := s.clock.Now()
	status.Counters = counters
	status.Finished = &finished
	status.State = RunFinished
	if err != nil || counters.ExitFailure() {
		status.State = RunFailed
	}
	if err != nil {
		status.Error = err.Error()
		s.logger.Warn("api run failed", zap.String("run_id", id), zap.String("author", status.Author), zap.Error(err))
	}
	delete(s.active, status.Author)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, ok := s.runs[chi.URLParam(r, "run_id")]
	var snapshot RunStatus
	if ok {
		snapshot = *status
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
