// Package server exposes extraction runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mathopoulos/hkextract"
	"github.com/mathopoulos/hkextract/internal/telemetry"
	"github.com/mathopoulos/hkextract/runner"
	"github.com/mathopoulos/hkextract/sink"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultRunTimeout   = 10 * time.Minute
	DefaultRunRetention = time.Hour
	DefaultPruneSpec    = "@every 10m"
)

// UserPlaceholder is replaced by the caller's user in AllowedSources.
const UserPlaceholder = "{user}"

const (
	shutdownTimeout = 10 * time.Second
	writeWait       = 10 * time.Second
	maxRequestBody  = 1 << 20
)

// Config configures a Server.
type Config struct {
	// Authorizer identifies callers of /v1 routes. Required.
	Authorizer Authorizer
	// RunnerOptions are applied to every runner before the per-request user
	// and observer. They must include a sink.
	RunnerOptions []runner.Option
	// Series serves GET /v1/series/{metric}. Optional.
	Series sink.Reader
	// Metric resolves metric names. Defaults to hkextract.Lookup.
	Metric func(name string) (hkextract.Metric, error)
	// AllowedSources lists the location prefixes a caller may extract from.
	// UserPlaceholder in a prefix is replaced by the caller's user, which
	// scopes the prefix to that user. Empty rejects every location.
	AllowedSources []string

	RunTimeout   time.Duration
	RunRetention time.Duration
	PruneSpec    string
	RateLimit    rate.Limit
	RateBurst    int

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Server runs extraction requests in the background and reports on them.
type Server struct {
	cfg      Config
	router   *mux.Router
	limiter  *rateLimiter
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	runs map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Runs started through it are cancelled by Close.
func New(cfg Config) *Server {
	if cfg.Metric == nil {
		cfg.Metric = hkextract.Lookup
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = DefaultRunRetention
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:  cfg,
		runs: make(map[string]*run),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, max(cfg.RateBurst, 1))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(
		hlog.NewHandler(s.cfg.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("request")
		}),
		s.cfg.Telemetry.Instrument,
	)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.cfg.Telemetry.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/extractions", s.createExtraction).Methods(http.MethodPost)
	v1.HandleFunc("/extractions", s.listExtractions).Methods(http.MethodGet)
	v1.HandleFunc("/extractions/{id}", s.getExtraction).Methods(http.MethodGet)
	v1.HandleFunc("/extractions/{id}/progress", s.streamProgress).Methods(http.MethodGet)
	v1.HandleFunc("/series/{metric}", s.getSeries).Methods(http.MethodGet)

	s.router = r
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully and
// cancels the runs still in flight. Finished runs are pruned on the
// configured schedule.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.PruneSpec, func() { s.Prune(s.cfg.Now()) }); err != nil {
		return fmt.Errorf("schedule prune %q: %w", s.cfg.PruneSpec, err)
	}
	c.Start()
	defer c.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.cfg.Logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close cancels in-flight runs and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Prune forgets runs that finished more than the run retention before now,
// and rate limiters idle for as long. It returns the number of runs removed.
func (s *Server) Prune(now time.Time) int {
	before := now.Add(-s.cfg.RunRetention)
	s.limiter.prune(before)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.finishedBefore(before) {
			delete(s.runs, id)
			n++
		}
	}
	if n > 0 {
		s.cfg.Logger.Debug().Int("runs", n).Msg("pruned finished runs")
	}
	return n
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Authorizer == nil {
			writeError(w, http.StatusUnauthorized, "authentication is not configured")
			return
		}
		user, err := s.cfg.Authorizer.Authorize(r)
		if err != nil || user == "" {
			hlog.FromRequest(r).Warn().Err(err).Msg("unauthorized request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.limiter.allow(user, s.cfg.Now()) {
			w.Header().Set("Retry-After", strconv.Itoa(max(int(1/float64(s.cfg.RateLimit)), 1)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExtractionRequest is the body of POST /v1/extractions. No metrics selects
// the whole catalog.
type ExtractionRequest struct {
	Source  string   `json:"source"`
	Metrics []string `json:"metrics"`
}

func (s *Server) createExtraction(w http.ResponseWriter, r *http.Request) {
	var req ExtractionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	user := UserFrom(r.Context())
	if !s.sourceAllowed(req.Source, user) {
		writeError(w, http.StatusForbidden, "source location is not allowed")
		return
	}

	if len(req.Metrics) == 0 {
		for _, m := range hkextract.Catalog() {
			req.Metrics = append(req.Metrics, m.Name)
		}
	}
	metrics := make([]hkextract.Metric, 0, len(req.Metrics))
	for _, name := range req.Metrics {
		m, err := s.cfg.Metric(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics = append(metrics, m)
	}

	rn := newRun(uuid.NewString(), user, req.Source, req.Metrics, s.cfg.Now())

	s.mu.Lock()
	s.runs[rn.status.ID] = rn
	s.mu.Unlock()

	queued := rn.snapshot()
	s.wg.Add(1)
	go s.execute(rn, metrics)

	hlog.FromRequest(r).Info().Str("run", queued.ID).Str("user", user).Strs("metrics", req.Metrics).Msg("extraction queued")
	writeJSON(w, http.StatusAccepted, queued)
}

func (s *Server) sourceAllowed(location, user string) bool {
	if strings.Contains(location, "..") || !validUser(user) {
		return false
	}
	if !strings.Contains(location, "://") {
		location = path.Clean(location)
	}
	for _, prefix := range s.cfg.AllowedSources {
		if strings.HasPrefix(location, expandPrefix(prefix, user)) {
			return true
		}
	}
	return false
}

// expandPrefix substitutes user into prefix. A prefix ending in the
// placeholder matches only below the user's own directory.
func expandPrefix(prefix, user string) string {
	if !strings.Contains(prefix, UserPlaceholder) {
		return prefix
	}
	if strings.HasSuffix(prefix, UserPlaceholder) {
		prefix += "/"
	}
	return strings.ReplaceAll(prefix, UserPlaceholder, user)
}

func validUser(user string) bool {
	return user != "" && user != "." && !strings.ContainsAny(user, "/\\\x00")
}

// execute runs the requested metrics one after another.
func (s *Server) execute(rn *run, metrics []hkextract.Metric) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	defer cancel()

	runners := make([]*runner.Runner, len(metrics))
	for i, m := range metrics {
		name := m.Name
		opts := append(append([]runner.Option(nil), s.cfg.RunnerOptions...),
			runner.WithUser(rn.user),
			runner.WithObserver(runner.ObserverFunc(func(p hkextract.Progress) { rn.observe(name, p) })),
		)
		runners[i] = runner.New(m, opts...)
	}

	results := make([]hkextract.Result, 0, len(runners))
	var errs []error
	for _, r := range runners {
		rn.start(r.Metric().Name)
		res, err := r.Run(ctx, rn.status.Source)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Metric().Name, err))
		}
	}
	err := errors.Join(errs...)

	rn.finish(results, err, s.cfg.Now())
	ev := s.cfg.Logger.Info()
	if err != nil {
		ev = s.cfg.Logger.Error().Err(err)
	}
	ev.Str("run", rn.status.ID).Str("user", rn.user).Msg("extraction finished")
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *run {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	rn, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok || rn.user != UserFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "extraction not found")
		return nil
	}
	return rn
}

func (s *Server) listExtractions(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	s.mu.RLock()
	out := make([]Status, 0)
	for _, rn := range s.runs {
		if rn.user == user {
			out = append(out, rn.snapshot())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getExtraction(w http.ResponseWriter, r *http.Request) {
	if rn := s.lookup(w, r); rn != nil {
		writeJSON(w, http.StatusOK, rn.snapshot())
	}
}

// streamProgress upgrades to a WebSocket and sends progress events until the
// run finishes, then a final status event.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	rn := s.lookup(w, r)
	if rn == nil {
		return
	}
	events, unsubscribe := rn.subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				st := rn.snapshot()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(Event{Type: "status", Status: &st}); err != nil {
					return
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, st.State))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["metric"]
	if _, err := s.cfg.Metric(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.cfg.Series == nil {
		writeError(w, http.StatusNotImplemented, "series storage is not readable")
		return
	}

	series, err := s.cfg.Series.Read(r.Context(), hkextract.Key{User: UserFrom(r.Context()), Metric: name})
	switch {
	case errors.Is(err, sink.ErrNotFound):
		writeError(w, http.StatusNotFound, "no series stored for "+name)
	case errors.Is(err, sink.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("metric", name).Msg("read series")
		writeError(w, http.StatusInternalServerError, "failed to read series")
	default:
		writeJSON(w, http.StatusOK, series)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
