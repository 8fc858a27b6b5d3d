// Package api provides REST API endpoints over recorded pipeline runs and
// their gap statistics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"ais_pipeline/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Ledger is the read side of the run ledger.
type Ledger interface {
	GetRun(ctx context.Context, id uuid.UUID) (*storage.Run, error)
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	GetMaterialization(ctx context.Context, collection string) (*storage.Materialization, error)
	GetHistogram(ctx context.Context, runID uuid.UUID, mmsi int64) (*storage.EntityHistogram, error)
	ListSummaries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]storage.GapSummary, error)
	Ping(ctx context.Context) error
}

// Stats answers distribution queries over exported gap samples.
type Stats interface {
	GetGapStats(ctx context.Context, runID uuid.UUID) (*storage.GapStats, error)
}

// GapServer serves run results.
type GapServer struct {
	ledger      Ledger
	stats       Stats
	port        int
	authEnabled bool
	apiKeys     map[string]bool
}

// Config holds configuration for the API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string
}

// NewGapServer creates a server. stats may be nil when no ClickHouse export
// is configured.
func NewGapServer(ledger Ledger, stats Stats, cfg Config) *GapServer {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &GapServer{
		ledger:      ledger,
		stats:       stats,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// Handler returns the full HTTP handler: the API under /api/v1 and
// Prometheus metrics at /metrics.
func (s *GapServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", s.Router())
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *GapServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := log.WithField("addr", "http://localhost"+srv.Addr)
	if s.authEnabled {
		logger = logger.WithField("auth", "api key")
	} else {
		logger = logger.WithField("auth", "disabled")
	}
	logger.Info("Gap API starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Router returns the API routes without the /api/v1 prefix.
func (s *GapServer) Router() chi.Router {
	r := chi.NewRouter()

	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{run_id}", s.handleGetRun)
	r.Get("/runs/{run_id}/summaries", s.handleListSummaries)
	r.Get("/runs/{run_id}/histograms/{mmsi}", s.handleGetHistogram)
	r.Get("/runs/{run_id}/stats", s.handleGetStats)
	r.Get("/materializations/{collection}", s.handleGetMaterialization)

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *GapServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *GapServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.ledger != nil {
		if err := s.ledger.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *GapServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := paging(w, r)
	if !ok {
		return
	}
	runs, err := s.ledger.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *GapServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.ledger.GetRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *GapServer) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	ss, err := s.ledger.ListSummaries(r.Context(), id, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ss == nil {
		ss = []storage.GapSummary{}
	}
	writeJSON(w, http.StatusOK, ss)
}

func (s *GapServer) handleGetHistogram(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	mmsi, err := strconv.ParseInt(chi.URLParam(r, "mmsi"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mmsi must be an integer")
		return
	}
	h, err := s.ledger.GetHistogram(r.Context(), id, mmsi)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *GapServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "Gap export is not configured")
		return
	}
	st, err := s.stats.GetGapStats(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *GapServer) handleGetMaterialization(w http.ResponseWriter, r *http.Request) {
	m, err := s.ledger.GetMaterialization(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Helper functions.

func runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.WithError(err).Error("Ledger query failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
