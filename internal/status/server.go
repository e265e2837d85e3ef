package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "dsdreports/internal/errors"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/ledger"
	"dsdreports/internal/middleware"
	"dsdreports/internal/websocket"
)

const (
	shutdownTimeout = 5 * time.Second
	maxRunsListed   = 100
)

// RunStore is the part of the ledger the server reads.
type RunStore interface {
	RecentRuns(ctx context.Context, n int) ([]ledger.Run, error)
	GetRun(ctx context.Context, id string) (ledger.Run, error)
	Jobs(ctx context.Context, runID string) ([]ledger.JobRecord, error)
}

// Server serves the live status of one run.
type Server struct {
	tracker *Tracker
	hub     *websocket.Hub
	runs    RunStore
	metrics http.Handler
	errors  *apperrors.ErrorHandler
	router  chi.Router
	srv     *http.Server
	logger  *slog.Logger
}

// NewServer builds the router. hub, runs and metrics may be nil.
func NewServer(addr string, tracker *Tracker, hub *websocket.Hub, runs RunStore, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		hub:     hub,
		runs:    runs,
		metrics: metrics,
		errors:  apperrors.NewErrorHandler(logger),
		logger:  infrastructure.WithComponent(logger, "status"),
	}
	if hub != nil && tracker != nil {
		hub.SetSnapshot(func() any { return tracker.Snapshot() })
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Trace)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.errors))
	r.Use(middleware.NewRateLimiter(20, 40, s.errors).Handler)
	r.NotFound(s.errors.NotFound)
	r.MethodNotAllowed(s.errors.MethodNotAllowed)

	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{runID}", s.getRun)
	})
	if s.hub != nil {
		r.HandleFunc("/ws", websocket.Handler(s.hub, s.logger))
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	body := map[string]any{"run": snap}
	if s.hub != nil {
		body["websocket"] = s.hub.Stats()
	}
	render.JSON(w, r, body)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errors.HandleError(w, r, apperrors.Unavailable("run history"))
		return
	}
	n := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxRunsListed {
			s.errors.HandleError(w, r, apperrors.InvalidParameter("limit", v))
			return
		}
		n = parsed
	}
	runs, err := s.runs.RecentRuns(r.Context(), n)
	if err != nil {
		s.errors.HandleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	render.JSON(w, r, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errors.HandleError(w, r, apperrors.Unavailable("run history"))
		return
	}
	id := chi.URLParam(r, "runID")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		s.errors.HandleError(w, r, apperrors.NotFoundError("run", id))
		return
	}
	if err != nil {
		s.errors.HandleError(w, r, err)
		return
	}
	jobs, err := s.runs.Jobs(r.Context(), id)
	if err != nil {
		s.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"run": run, "jobs": jobs})
}

// Start listens on the configured address and serves in the background.
// It returns the bound address.
func (s *Server) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", err
	}
	if s.hub != nil {
		s.hub.Start()
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "Status server error", slog.String("error", err.Error()))
		}
	}()
	s.logger.InfoContext(ctx, "Status server listening", slog.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.srv.Shutdown(ctx)
}
