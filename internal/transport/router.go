package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/simulator"
	"github.com/pitabwire/passage/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Simulator    *simulator.Simulator
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sim := deps.Simulator
	if sim == nil {
		sim = simulator.New(deps.Config.Workflow.SimulationSeed, deps.Config.Workflow.MaxCumulativeDays)
	}
	adminRole := deps.Config.Identity.AdminRole
	if adminRole == "" {
		adminRole = workflow.DefaultAdminRole
	}
	h := &handlers{
		engine:         deps.Engine,
		simulator:      sim,
		maxDays:        deps.Config.Workflow.MaxCumulativeDays,
		adminRole:      adminRole,
		reconcileBatch: deps.Config.Workflow.ReconcileBatch,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = HeaderAuthenticator
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1/templates", func(r chi.Router) {
			r.Get("/", h.listTemplates)
			r.Post("/validate", h.validateTemplate)
			r.Get("/{templateId}", h.getTemplate)
			r.Post("/{templateId}/simulate", h.simulateTemplate)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(adminRole))
				r.Post("/", h.createTemplate)
				r.Put("/{templateId}", h.updateTemplate)
				r.Delete("/{templateId}", h.deactivateTemplate)
			})
		})

		r.Post("/v1/instances", h.startInstance)
		r.Get("/v1/instances/{instanceId}", h.getInstance)
		r.Post("/v1/instances/{instanceId}/cancel", h.cancelInstance)

		r.Get("/v1/approvals/pending", h.listPending)
		r.Post("/v1/executions/{executionId}/decision", h.decideStep)
		r.Post("/v1/executions/{executionId}/delegate", h.delegateStep)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(RequireRole(adminRole))
			r.Post("/sweep", h.sweep)
			r.Post("/reconcile", h.reconcile)
		})
	})

	return r
}

// handlers serves the workflow API.
type handlers struct {
	engine         *workflow.Engine
	simulator      *simulator.Simulator
	maxDays        int
	adminRole      string
	reconcileBatch int
}
