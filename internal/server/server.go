package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidbarr/foreman/internal/config"
)

// Config holds server configuration.
type Config struct {
	Addr       string // listen address, e.g. "127.0.0.1:8337"
	BaseDir    string
	RunConfig  *config.Config
	MaxWorkers int
}

// Server is the read/control HTTP façade over the runs directory.
type Server struct {
	config  Config
	pool    *Pool
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger

	promReg      *prometheus.Registry
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	activeRuns   prometheus.GaugeFunc
}

// New creates a new Server with the given config.
func New(cfg Config) *Server {
	if cfg.RunConfig == nil {
		cfg.RunConfig = config.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		pool:    NewPool(ctx, cfg.BaseDir, cfg.RunConfig, cfg.MaxWorkers),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[foreman-server] ", log.LstdFlags),
		promReg: prometheus.NewRegistry(),
	}
	factory := promauto.With(s.promReg)
	s.runsStarted = factory.NewCounter(prometheus.CounterOpts{
		Name: "foreman_runs_started_total",
		Help: "Runs accepted by POST /runs/start.",
	})
	s.runsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_runs_finished_total",
		Help: "Runs finished, by final status.",
	}, []string{"status"})
	s.activeRuns = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foreman_active_runs",
		Help: "Runs currently executing in the worker pool.",
	}, func() float64 { return float64(s.pool.Active()) })
	s.pool.OnFinish = func(status string) { s.runsFinished.WithLabelValues(status).Inc() }

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/status", s.handleRunStatus)
	mux.HandleFunc("POST /runs/start", s.handleStartRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/restart", s.handleRestartRun)
	mux.HandleFunc("GET /runs/{id}/logs/{name}", s.handleTailLog)
	mux.HandleFunc("GET /runs/{id}/artifacts/{relpath...}", s.handleArtifact)
	mux.HandleFunc("GET /config/engines", s.handleEngines)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Handler:      s.guardCrossOrigin(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// localOriginHosts are the only Origin hosts allowed on mutating requests.
// The façade is a single-user local control surface; a browser page from
// anywhere else must not be able to enqueue or cancel runs.
var localOriginHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// guardCrossOrigin rejects POSTs whose Origin header names a non-local
// host. CLI and programmatic clients send no Origin and pass through.
func (s *Server) guardCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := url.Parse(origin)
		if err != nil || !localOriginHosts[u.Hostname()] {
			s.logger.Printf("rejected cross-origin %s from %q", r.URL.Path, origin)
			writeError(w, http.StatusForbidden, "cross-origin request rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and all running pipelines.
func (s *Server) Shutdown() {
	s.pool.CancelAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
