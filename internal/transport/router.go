package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratusmap/conductor/internal/config"
	"github.com/stratusmap/conductor/internal/flow"
	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/internal/tasks"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Repo         *flow.Repository
	Engine       *flow.Engine
	Sync         *flow.SyncService
	Detector     *flow.ZombieDetector
	Tracker      *tasks.Tracker
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	// Authenticated, tenant-scoped API.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		r.Use(MetricsRecording(deps.Metrics))

		r.Route("/api/flows", func(r chi.Router) {
			r.Post("/", handleFlowCreate(deps.Repo))
			r.Get("/", handleFlowList(deps.Repo))
			r.Get("/health", handleFlowHealth(deps.Sync))

			r.Route("/{flowId}", func(r chi.Router) {
				r.Get("/status", handleFlowStatus(deps.Repo))
				r.Post("/phases/{phase}/execute", handleFlowExecutePhase(deps.Engine))
				r.Post("/start", handleFlowStart(deps.Sync))
				r.Post("/pause", handleFlowPause(deps.Sync))
				r.Post("/resume", handleFlowResume(deps.Sync))
				r.Post("/cancel", handleFlowCancel(deps.Sync))
				r.Get("/consistency", handleFlowConsistency(deps.Sync))
				r.Post("/recover", handleFlowRecover(deps.Sync, deps.Detector))
			})
		})

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", handleTaskList(deps.Tracker))
			r.Get("/{taskId}", handleTaskGet(deps.Tracker))
		})
	})

	return r
}
