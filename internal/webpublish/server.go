package webpublish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

const maxRequestBytes = 32 << 20

// Server is the web publisher HTTP API.
type Server struct {
	addr   string
	queue  Queue
	jobs   *Jobs
	logger *slog.Logger
	clock  func() time.Time
}

// NewServer builds a server listening on addr.
func NewServer(addr string, queue Queue, jobs *Jobs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, queue: queue, jobs: jobs, logger: logger, clock: time.Now}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/publish", s.submit)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web publisher listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Serve runs the server and the worker until ctx is done or either fails.
func Serve(ctx context.Context, srv *Server, worker *Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	return g.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	counts := s.jobs.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"queued":  counts[StatusQueued],
		"running": counts[StatusRunning],
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "missing required arguments: "+fieldNames(verrs))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := NewJob(req, s.clock())
	s.jobs.Put(job)
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.jobs.Update(job.ID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
		})
		s.logger.Error("enqueue failed", slog.String("job", job.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "could not queue publish")
		return
	}
	s.logger.Info("publish queued", slog.String("job", job.ID), slog.String("project", req.Project), slog.String("asset", req.Asset))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

func fieldNames(verrs validator.ValidationErrors) string {
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return strings.Join(names, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(started)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
