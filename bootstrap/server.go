package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"lookout/config"
	"lookout/ingest"
	"lookout/pipeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// DeadLetterReplayer re-runs stored dead letters.
type DeadLetterReplayer interface {
	ReplayDeadLetter(ctx context.Context, dlq *ingest.SQLiteDLQ, id int64) (pipeline.Result, error)
}

// Server exposes health, metrics, event intake and dead-letter endpoints.
type Server struct {
	router *mux.Router
	srv    *http.Server
	addr   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewServer creates the HTTP server with health and metrics routes.
func NewServer(cfg config.HTTPConfig, logger *zap.SugaredLogger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		addr:   cfg.Addr,
		logger: logger,
		checks: make(map[string]CheckFunc),
	}
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// AddCheckFunc registers a readiness check.
func (s *Server) AddCheckFunc(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// RegisterIntake mounts the HTTP event intake.
func (s *Server) RegisterIntake(intake *ingest.HTTPIntake) {
	intake.Register(s.router)
}

// RegisterDLQ mounts the dead-letter inspection and replay routes.
func (s *Server) RegisterDLQ(store *ingest.SQLiteDLQ, replayer DeadLetterReplayer) {
	h := &dlqHandler{store: store, replayer: replayer, logger: s.logger}
	r := s.router.PathPrefix("/api/v1/dlq").Subrouter()
	r.HandleFunc("", h.list).Methods(http.MethodGet)
	r.HandleFunc("/{id:[0-9]+}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/{id:[0-9]+}/replay", h.replay).Methods(http.MethodPost)
	r.HandleFunc("/{id:[0-9]+}/discard", h.discard).Methods(http.MethodPost)
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, map[string]string{"status": "ok"}, http.StatusOK)
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	resp := readiness{Status: "ready", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, s.logger, resp, code)
}

type dlqHandler struct {
	store    *ingest.SQLiteDLQ
	replayer DeadLetterReplayer
	logger   *zap.SugaredLogger
}

type dlqListResponse struct {
	Events []*ingest.DLQEvent `json:"events"`
	Total  int                `json:"total"`
	Page   int                `json:"page"`
	Limit  int                `json:"limit"`
}

func (h *dlqHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 50)
	if limit > 1000 {
		limit = 1000
	}
	filter := ingest.DLQFilter{
		Status:      q.Get("status"),
		Source:      q.Get("source"),
		ErrorReason: q.Get("reason"),
	}

	events, total, err := h.store.List(r.Context(), page, limit, filter)
	if err != nil {
		h.logger.Errorw("Failed to list dead letters", "error", err)
		writeError(w, h.logger, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, dlqListResponse{Events: events, Total: total, Page: page, Limit: limit}, http.StatusOK)
}

func (h *dlqHandler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	ev, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, h.logger, ev, http.StatusOK)
}

type replayResponse struct {
	Outcome    pipeline.Outcome `json:"outcome"`
	IncidentID string           `json:"incident_id,omitempty"`
	Published  bool             `json:"published"`
}

func (h *dlqHandler) replay(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	res, err := h.replayer.ReplayDeadLetter(r.Context(), h.store, id)
	switch {
	case err == nil:
		writeJSON(w, h.logger, replayResponse{Outcome: res.Outcome, IncidentID: res.IncidentID, Published: res.Published}, http.StatusOK)
	case errors.Is(err, ingest.ErrDLQEventNotFound):
		writeError(w, h.logger, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNotPending):
		writeError(w, h.logger, err.Error(), http.StatusConflict)
	case res.Outcome == pipeline.OutcomeDeadLettered:
		writeError(w, h.logger, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeError(w, h.logger, err.Error(), http.StatusServiceUnavailable)
	}
}

func (h *dlqHandler) discard(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := h.store.UpdateStatus(r.Context(), id, ingest.DLQStatusDiscarded); err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, h.logger, map[string]string{"status": ingest.DLQStatusDiscarded}, http.StatusOK)
}

func (h *dlqHandler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrDLQEventNotFound) {
		writeError(w, h.logger, err.Error(), http.StatusNotFound)
		return
	}
	h.logger.Errorw("Dead-letter store error", "error", err)
	writeError(w, h.logger, "dead-letter store error", http.StatusInternalServerError)
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, msg string, code int) {
	writeJSON(w, logger, map[string]string{"error": msg}, code)
}

func writeJSON(w http.ResponseWriter, logger *zap.SugaredLogger, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}
