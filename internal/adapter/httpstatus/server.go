package httpstatus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/statestore"
)

// ReportFunc returns the latest blocker report computed by the coordinator.
type ReportFunc func() phase.Report

// Server is the read-only operator status server.
type Server struct {
	heartbeats statestore.HeartbeatStore
	tasks      statestore.TaskQueue
	contracts  statestore.ContractRegistry
	phases     statestore.PhaseStore
	audit      auditlog.Store
	report     ReportFunc
	hub        *Hub
	log        *slog.Logger
}

// New assembles the status server around the shared surface stores.
func New(
	heartbeats statestore.HeartbeatStore,
	tasks statestore.TaskQueue,
	contracts statestore.ContractRegistry,
	phases statestore.PhaseStore,
	audit auditlog.Store,
	report ReportFunc,
	hub *Hub,
	log *slog.Logger,
) *Server {
	return &Server{
		heartbeats: heartbeats,
		tasks:      tasks,
		contracts:  contracts,
		phases:     phases,
		audit:      audit,
		report:     report,
		hub:        hub,
		log:        log,
	}
}

// Routes builds the chi router with request tracing enabled.
func (s *Server) Routes(serviceName string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/terminals", s.handleTerminals)
	r.Get("/tasks", s.handleTasks)
	r.Get("/contracts", s.handleContracts)
	r.Get("/audit", s.handleAudit)
	r.Get("/ws", s.hub.HandleWS)

	return r
}

// Listen serves until the context is canceled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the aggregate run view for operators.
type statusResponse struct {
	Phase     phase.Phase       `json:"phase"`
	Version   int               `json:"version"`
	Blocked   bool              `json:"blocked"`
	Blockers  []phase.Blocker   `json:"blockers,omitempty"`
	Terminals map[string]string `json:"terminals"`
	Tasks     map[string]int    `json:"tasks"`
	Contracts map[string]int    `json:"contracts"`
	Clients   int               `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cur, err := s.phases.Cursor(ctx)
	if err != nil {
		s.fail(w, "read phase cursor", err)
		return
	}
	snap, err := s.heartbeats.Snapshot(ctx)
	if err != nil {
		s.fail(w, "snapshot heartbeats", err)
		return
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	contracts, err := s.contracts.List(ctx)
	if err != nil {
		s.fail(w, "list contracts", err)
		return
	}

	rep := s.report()
	resp := statusResponse{
		Phase:     cur.Phase,
		Version:   cur.Version,
		Blocked:   rep.Blocked(),
		Blockers:  rep.Blockers,
		Terminals: make(map[string]string, len(snap)),
		Tasks:     taskCounts(tasks),
		Contracts: contractCounts(contracts),
		Clients:   s.hub.ConnectionCount(),
	}
	for id, hb := range snap {
		resp.Terminals[id] = string(hb.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	snap, err := s.heartbeats.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot heartbeats", err)
		return
	}
	out := make([]terminal.Heartbeat, 0, len(snap))
	for _, hb := range snap {
		out = append(out, hb)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.contracts.List(r.Context())
	if err != nil {
		s.fail(w, "list contracts", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	events, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, "read audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func taskCounts(tasks []task.Task) map[string]int {
	out := make(map[string]int)
	for i := range tasks {
		out[string(tasks[i].Status)]++
	}
	return out
}

func contractCounts(contracts []contract.Contract) map[string]int {
	out := make(map[string]int)
	for i := range contracts {
		out[string(contracts[i].State)]++
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
