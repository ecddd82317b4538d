// Package server exposes prepared datasets, joins and benchmark history
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/report"
	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/store"
)

// Server serves the HTTP API. The store is optional; without it the
// session endpoints answer 503 and joins are not recorded.
type Server struct {
	catalog  *bench.Catalog
	store    store.Store
	threads  int
	strategy scheduler.Strategy
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultThreads sets the thread count used when a join request omits it.
func WithDefaultThreads(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.threads = n
		}
	}
}

// WithDefaultStrategy sets the strategy used when a join request omits it.
func WithDefaultStrategy(st scheduler.Strategy) Option {
	return func(s *Server) {
		if st != "" {
			s.strategy = st
		}
	}
}

// New returns a server over the catalog.
func New(catalog *bench.Catalog, st store.Store, opts ...Option) *Server {
	s := &Server{
		catalog:  catalog,
		store:    st,
		threads:  1,
		strategy: scheduler.WorkStealing,
		log:      zap.L().With(zap.String("component", "server")),
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/datasets", s.listDatasets)
		r.Post("/datasets/{name}/join", s.join)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
	})
	return r
}

type datasetView struct {
	Name       string              `json:"name"`
	Label      string              `json:"file_size"`
	Format     string              `json:"format"`
	Loaded     bool                `json:"loaded"`
	Zones      int                 `json:"zones,omitempty"`
	Centroids  int                 `json:"centroids,omitempty"`
	Population uint64              `json:"population,omitempty"`
	Skipped    map[census.Kind]int `json:"skipped,omitempty"`
}

func (s *Server) listDatasets(w http.ResponseWriter, _ *http.Request) {
	names := s.catalog.Names()
	out := make([]datasetView, 0, len(names))
	for _, name := range names {
		spec, _ := s.catalog.Spec(name)
		v := datasetView{Name: name, Label: spec.Label, Format: string(spec.Format)}
		if v.Format == "" {
			v.Format = "geojson"
		}
		if p, ok := s.catalog.Loaded(name); ok {
			v.Loaded = true
			v.Zones = p.Index.Len()
			v.Centroids = len(p.Centroids)
			v.Population = p.Population
			v.Skipped = p.Diagnostics.Skipped
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type joinRequest struct {
	Strategy string `json:"strategy"`
	Threads  int    `json:"threads"`
}

type joinResponse struct {
	Dataset           string      `json:"dataset"`
	Label             string      `json:"file_size"`
	Strategy          string      `json:"function"`
	Threads           int         `json:"nthreads"`
	Seconds           float64     `json:"time"`
	Assigned          int         `json:"assigned"`
	Unassigned        int         `json:"unassigned"`
	Rejected          int         `json:"rejected"`
	DroppedPopulation uint64      `json:"dropped_population"`
	Total             uint64      `json:"total_population"`
	Digest            string      `json:"digest"`
	SessionID         string      `json:"session_id,omitempty"`
	Totals            []accum.Row `json:"totals"`
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	req := joinRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	strategy := s.strategy
	if req.Strategy != "" {
		st, err := scheduler.ParseStrategy(req.Strategy)
		if err != nil {
			s.fail(w, err)
			return
		}
		strategy = st
	}
	threads := req.Threads
	if threads == 0 {
		threads = s.threads
	}

	p, err := s.catalog.Get(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	out, err := p.Engine.Run(r.Context(), strategy, threads, p.Centroids)
	if err != nil {
		s.fail(w, err)
		return
	}
	sum, err := out.Totals.Sum()
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := joinResponse{
		Dataset:           p.Name,
		Label:             p.Label,
		Strategy:          out.Strategy.String(),
		Threads:           out.Threads,
		Seconds:           out.Elapsed.Seconds(),
		Assigned:          out.Assigned,
		Unassigned:        out.Unassigned,
		Rejected:          out.Rejected,
		DroppedPopulation: out.DroppedPopulation,
		Total:             sum,
		Digest:            fmt.Sprintf("%016x", out.Totals.Digest()),
	}
	resp.SessionID = s.record(r.Context(), p, out)

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := report.WriteTotalsCSV(w, out.Totals); err != nil {
			s.log.Error("write csv response", zap.Error(err))
		}
		return
	}
	resp.Totals = out.Totals.Rows()
	writeJSON(w, http.StatusOK, resp)
}

// record stores a single-join session. Failures are logged, not returned.
func (s *Server) record(ctx context.Context, p *bench.Prepared, out *scheduler.Outcome) string {
	if s.store == nil {
		return ""
	}
	rec, err := bench.NewRecord(p, out, 0)
	if err != nil {
		return ""
	}
	sess, err := s.store.CreateSession(ctx, "join", []string{p.Name})
	if err != nil {
		s.log.Warn("record join session", zap.Error(err))
		return ""
	}
	err = s.store.AddRecords(ctx, sess.ID, []bench.Record{rec})
	if ferr := s.store.FinishSession(ctx, sess.ID, err); ferr != nil {
		s.log.Warn("finish join session", zap.Error(ferr))
	}
	if err != nil {
		s.log.Warn("record join", zap.Error(err))
	}
	return sess.ID
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:  store.SessionStatus(q.Get("status")),
		Command: q.Get("command"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// fail maps an error to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, bench.ErrUnknownDataset), eris.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, census.ErrPool):
		status = http.StatusBadRequest
	case errors.Is(err, census.ErrOverflow):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func Start(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("component", "server"), zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server", zap.String("component", "server"))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}
