package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/adapter"
	"github.com/JakeFAU/pricewatch/internal/compare"
	"github.com/JakeFAU/pricewatch/internal/config"
	"github.com/JakeFAU/pricewatch/internal/lock"
	"github.com/JakeFAU/pricewatch/internal/matcher"
	"github.com/JakeFAU/pricewatch/internal/metrics"
	"github.com/JakeFAU/pricewatch/internal/pricing"
	"github.com/JakeFAU/pricewatch/internal/ratelimit"
	"github.com/JakeFAU/pricewatch/internal/snapshot"
)

// Passes triggers matching and snapshot passes.
type Passes interface {
	Match(ctx context.Context, site string, limit int) (matcher.Result, error)
	Snapshot(ctx context.Context, site string, limit int) (int, error)
	RefreshFiltered(ctx context.Context, site string, filter pricing.ItemFilter) (snapshot.FilteredResult, error)
}

// Comparer answers read-only comparison queries.
type Comparer interface {
	Compare(ctx context.Context, site string, filter pricing.ItemFilter) ([]compare.Row, error)
	History(ctx context.Context, sku, site string) ([]compare.Series, error)
}

// Store is the slice of persistence the server reads directly.
type Store interface {
	ListSites(ctx context.Context) ([]pricing.Site, error)
	SiteByCode(ctx context.Context, code string) (pricing.Site, error)
	MatchesForItems(ctx context.Context, siteID int64, itemIDs []int64) ([]pricing.Match, error)
	Ping(ctx context.Context) error
}

// maxMatchLookup caps the item ids of one match lookup.
const maxMatchLookup = 500

// Server wires HTTP handlers to the runner, the resolver and the store.
type Server struct {
	router   chi.Router
	passes   Passes
	comparer Comparer
	store    Store
	triggers *ratelimit.Keyed
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(passes Passes, comparer Comparer, store Store, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		passes:   passes,
		comparer: comparer,
		store:    store,
		triggers: ratelimit.NewKeyed(ratelimit.KeyedConfig{RPS: cfg.API.TriggerRPS, Burst: cfg.API.TriggerBurst}),
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(60 * time.Second))
			r.Get("/sites", s.listSites)
			r.Get("/sites/{site}/matches", s.listMatches)
			r.Get("/compare", s.compare)
			r.Get("/history", s.history)
		})
		// Passes are bounded by the server write timeout.
		r.Group(func(r chi.Router) {
			r.Use(s.triggerLimitMiddleware)
			r.Post("/sites/{site}/match", s.triggerMatch)
			r.Post("/sites/{site}/snapshots", s.triggerSnapshot)
			r.Post("/sites/{site}/snapshots/filtered", s.triggerFilteredSnapshot)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		s.logger.Error("list sites failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) triggerMatch(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit, err := parseLimit(r, 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.passContext(r)
	defer cancel()
	res, err := s.passes.Match(ctx, site, limit)
	if err != nil {
		s.writePassError(w, site, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) triggerSnapshot(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit, err := parseLimit(r, 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.passContext(r)
	defer cancel()
	written, err := s.passes.Snapshot(ctx, site, limit)
	if err != nil {
		s.writePassError(w, site, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": written})
}

func (s *Server) triggerFilteredSnapshot(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit, err := parseLimit(r, snapshot.MaxFilteredRefresh, snapshot.MaxFilteredRefresh)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := pricing.ItemFilter{
		Query: strings.TrimSpace(q.Get("q")),
		Brand: strings.TrimSpace(q.Get("brand")),
		Limit: limit,
	}
	ctx, cancel := s.passContext(r)
	defer cancel()
	res, err := s.passes.RefreshFiltered(ctx, site, filter)
	if err != nil {
		s.writePassError(w, site, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// passContext detaches a pass from the client connection; the server write
// timeout still bounds it.
func (s *Server) passContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if d := s.cfg.Server.WriteTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "site")
	ids, err := parseItemIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	site, err := s.store.SiteByCode(r.Context(), code)
	switch {
	case errors.Is(err, pricing.ErrNotFound):
		writeError(w, http.StatusNotFound, "site not found")
		return
	case err != nil:
		s.logger.Error("site lookup failed", zap.String("site", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}
	matches, err := s.store.MatchesForItems(r.Context(), site.ID, ids)
	if err != nil {
		s.logger.Error("list matches failed", zap.String("site", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": code, "matches": matches})
}

// parseItemIDs reads item_id values, repeated or comma separated.
func parseItemIDs(r *http.Request) ([]int64, error) {
	var ids []int64
	for _, raw := range r.URL.Query()["item_id"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid item_id %q", part)
			}
			ids = append(ids, id)
		}
	}
	switch {
	case len(ids) == 0:
		return nil, errors.New("item_id required")
	case len(ids) > maxMatchLookup:
		return nil, fmt.Errorf("at most %d item ids per request", maxMatchLookup)
	}
	return ids, nil
}

func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, s.cfg.API.DefaultLimit, s.cfg.API.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	site := strings.TrimSpace(q.Get("site"))
	if site == "" {
		site = pricing.AllSites
	}
	filter := pricing.ItemFilter{
		Query: strings.TrimSpace(q.Get("q")),
		Brand: strings.TrimSpace(q.Get("brand")),
		Limit: limit,
	}
	rows, err := s.comparer.Compare(r.Context(), site, filter)
	if err != nil {
		s.logger.Error("compare failed", zap.String("site", site), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "comparison failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site, "rows": rows})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sku := strings.TrimSpace(q.Get("sku"))
	if sku == "" {
		writeError(w, http.StatusBadRequest, "sku required")
		return
	}
	site := strings.TrimSpace(q.Get("site"))
	series, err := s.comparer.History(r.Context(), sku, site)
	switch {
	case errors.Is(err, pricing.ErrNotFound):
		writeError(w, http.StatusNotFound, "item or site not found")
		return
	case err != nil:
		s.logger.Error("history failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "series": series})
}

func (s *Server) writePassError(w http.ResponseWriter, site string, err error) {
	switch {
	case errors.Is(err, lock.ErrHeld):
		writeError(w, http.StatusConflict, "a pass is already running for this site")
	case errors.Is(err, pricing.ErrNotFound), errors.Is(err, adapter.ErrUnknownAdapter):
		writeError(w, http.StatusNotFound, "site not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "pass interrupted")
	default:
		s.logger.Error("pass failed", zap.String("site", site), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pass failed")
	}
}

// parseLimit reads the limit query parameter. Absent means def; maxLimit caps the
// result when positive.
func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	limit := def
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	if maxLimit > 0 && (limit == 0 || limit > maxLimit) {
		limit = maxLimit
	}
	return limit, nil
}

func (s *Server) triggerLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.triggers.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many pass triggers")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
