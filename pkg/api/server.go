package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/worker"
)

// EvidenceAPI is the slice of pkg/evidence the handlers consume.
type EvidenceAPI interface {
	Status(ctx context.Context, lab *types.Lab) (*types.EvidenceStatus, error)
	Preview(ctx context.Context, lab *types.Lab) ([]string, error)
	BuildBundle(ctx context.Context, lab *types.Lab, w io.Writer) (*evidence.BundleManifest, error)
	BuildVerifiedBundle(ctx context.Context, lab *types.Lab, w io.Writer, includeUser bool) error
}

// WatchdogRunner executes one admin-triggered watchdog pass.
type WatchdogRunner interface {
	Run(ctx context.Context, opts worker.WatchdogOptions) (*worker.WatchdogReport, error)
}

// Server is the HTTP surface of the orchestrator. Authentication is
// external: the fronting proxy sets X-Octolab-User and, for operators,
// X-Octolab-Admin.
type Server struct {
	mgr      *manager.Manager
	evidence EvidenceAPI
	watchdog WatchdogRunner
	settings *config.Settings
	validate *validator.Validate
	logger   zerolog.Logger
	httpSrv  *http.Server
}

// New wires the API server. ev and wd may be nil in reduced setups;
// the corresponding endpoints then answer 503.
func New(mgr *manager.Manager, ev EvidenceAPI, wd WatchdogRunner, settings *config.Settings) *Server {
	s := &Server{
		mgr:      mgr,
		evidence: ev,
		watchdog: wd,
		settings: settings,
		validate: validator.New(),
		logger:   log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:    settings.Bind,
		Handler: s.Router(),
		// No WriteTimeout: evidence bundle downloads are long-lived.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed separately so tests can drive
// the handlers through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/labs", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/", s.handleCreateLab)
		r.Get("/", s.handleListLabs)
		r.Post("/deploy-from-dockerfile", s.handleDeploy)

		r.Route("/{labID}", func(r chi.Router) {
			r.Get("/", s.handleGetLab)
			r.Delete("/", s.handleEndLab)
			r.Post("/end", s.handleEndLab)
			r.Post("/connect", s.handleConnect)
			r.Get("/connect", s.handleConnectRedirect)
			r.Get("/evidence/bundle.zip", s.handleBundle)
			r.Get("/evidence/verified-bundle.zip", s.handleVerifiedBundle)
			r.Get("/evidence/status", s.handleEvidenceStatus)
			r.With(s.requireAdmin).Get("/evidence/preview", s.handleEvidencePreview)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/watchdog/run", s.handleWatchdogRun)
	})

	return r
}

// Start serves until Shutdown. http.ErrServerClosed is the normal
// return on graceful stop.
func (s *Server) Start() error {
	s.logger.Info().Str("bind", s.settings.Bind).Msg("api listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
