// Package webapi is the arbiter's HTTP surface: the operator dashboard
// (REST + WS, basic auth) and the callback API analysis backends use to
// deliver verdicts and fetch artifact bodies (bearer HMAC tokens).
package webapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
	"github.com/swarmwatch/arbiter/pkg/monitor"
	"github.com/swarmwatch/arbiter/pkg/storage"
)

const shutdownTimeout = 5 * time.Second

// ManualSettler is the scheduler's operator entry point.
type ManualSettler interface {
	SettleManual(guid string, verdicts []bool) error
}

// BackendLookup resolves a token issuer to a configured backend.
type BackendLookup interface {
	Get(name string) backends.AnalysisBackend
}

// ArtifactFiles opens locally cached artifact bodies.
type ArtifactFiles interface {
	Open(hash string) (*os.File, error)
}

// Config is the server's wiring.
type Config struct {
	Bind              string
	Secret            string
	DashboardPassword string

	// ArtifactInterval is the chart bucket size.
	ArtifactInterval time.Duration
}

// Server serves the dashboard and the backend callback API.
type Server struct {
	cfg       Config
	store     storage.Store
	bus       *events.Bus
	ui        *monitor.Broadcaster
	settler   ManualSettler
	registry  BackendLookup
	artifacts ArtifactFiles

	srv    *http.Server
	logger zerolog.Logger
}

func New(cfg Config, store storage.Store, bus *events.Bus, ui *monitor.Broadcaster,
	settler ManualSettler, registry BackendLookup, artifacts ArtifactFiles) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		ui:        ui,
		settler:   settler,
		registry:  registry,
		artifacts: artifacts,
		logger:    log.WithComponent("webapi"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WS connections stay open
	}
	return s
}

// Router builds the full route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Operator dashboard
	r.HandleFunc("/dashboard/ws", s.handleDashboardWS)
	r.HandleFunc("/dashboard/bounties",
		s.dashboardAuth(s.handleAllBounties)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/jobs",
		s.dashboardAuth(s.handleUnfinishedJobs)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/bounties/pending",
		s.dashboardAuth(s.handlePendingBounties)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/bounties/manual",
		s.dashboardAuth(s.handleManualBounties)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/bounties/{guid}",
		s.dashboardAuth(s.handleBounty)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/bounties/{guid}",
		s.dashboardAuth(s.handleManualVerdict)).Methods(http.MethodPost)
	r.HandleFunc("/dashboard/charts/artifacts",
		s.dashboardAuth(s.handleArtifactChart)).Methods(http.MethodGet)

	// Analysis backend API
	r.HandleFunc("/artifacts",
		s.backendAuth(s.handleUnassignedArtifacts)).Methods(http.MethodGet)
	r.HandleFunc("/artifact/{id:[0-9]+}",
		s.backendAuth(s.handleArtifactBody)).Methods(http.MethodGet)
	r.HandleFunc("/artifact/{id:[0-9]+}",
		s.backendAuth(s.handleVerdictCallback)).Methods(http.MethodPost)

	return r
}

// Start serves until Stop. It returns http.ErrServerClosed on a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("bind", s.cfg.Bind).Msg("Web API listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown was not clean")
	}
}

// observe wraps every request with metrics bookkeeping.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the WS upgrade working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// dashboardAuth gates operator endpoints behind basic auth.
func (s *Server) dashboardAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkDashboardAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Arbiter"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func (s *Server) checkDashboardAuth(r *http.Request) bool {
	if s.cfg.DashboardPassword == "" {
		return false
	}
	_, password, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare(
		[]byte(password), []byte(s.cfg.DashboardPassword)) == 1
}

// backendAuth validates the bearer token and resolves the calling
// backend.
func (s *Server) backendAuth(next func(http.ResponseWriter, *http.Request, backends.AnalysisBackend)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			writeError(w, http.StatusUnauthorized, "the Authorization header is required")
			return
		}
		name, ok := backends.ValidateToken(s.cfg.Secret, header[7:])
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key specified")
			return
		}
		backend := s.registry.Get(name)
		if backend == nil {
			writeError(w, http.StatusUnauthorized, "invalid API key specified")
			return
		}
		next(w, r, backend)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
