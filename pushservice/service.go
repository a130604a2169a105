package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/internal/janitor"
	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/orchestrator"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/internal/preference"
	"github.com/tinywideclouds/go-push-service/internal/receipt"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

// Dependencies are the domain components the service exposes and runs.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     dispatch.TokenRegistry
	Preferences  *preference.Service
	Tracker      *receipt.Tracker
	Janitor      *janitor.Janitor
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[dispatch.Request]
	deps            Dependencies
	cancelWorkers   context.CancelFunc
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	deps Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(deps.Orchestrator, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.DispatchRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. APIs
	tokenAPI := api.NewTokenAPI(deps.Registry, logger)
	preferenceAPI := api.NewPreferenceAPI(deps.Preferences, logger)
	dispatchAPI := api.NewDispatchAPI(deps.Orchestrator, logger)
	var receiptStats api.ReceiptStats
	if deps.Tracker != nil {
		receiptStats = deps.Tracker
	}
	adminAPI := api.NewAdminAPI(deps.Registry, deps.Orchestrator.History(), receiptStats, deps.Orchestrator, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// User-facing routes are called from browsers and apps.
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	handle("POST /api/v1/tokens", tokenAPI.Register)
	handle("DELETE /api/v1/tokens", tokenAPI.Unregister)
	handle("GET /api/v1/preferences", preferenceAPI.Get)
	handle("PUT /api/v1/preferences", preferenceAPI.Update)

	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	// Service-to-service and operator routes.
	internal := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(handlerFunc))
	}
	internal("POST /internal/v1/dispatch", dispatchAPI.Dispatch)
	internal("GET /admin/v1/tokens/stats", adminAPI.TokenStats)
	internal("GET /admin/v1/dispatches/recent", adminAPI.RecentDispatches)
	internal("GET /admin/v1/receipts/stats", adminAPI.ReceiptStats)
	internal("POST /admin/v1/test-send", adminAPI.TestSend)
	mux.Handle("GET /admin/v1/metrics", metrics.JSONHandler())
	mux.Handle("GET /admin/v1/metrics/prometheus", metrics.PromHandler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		deps:            deps,
		logger:          logger,
	}, nil
}

// Start runs the background workers and the pipeline, then blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancelWorkers = cancel
	if w.deps.Tracker != nil {
		w.deps.Tracker.Start(workerCtx)
	}
	if w.deps.Janitor != nil {
		w.deps.Janitor.Start(workerCtx)
	}

	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.", "providers", w.deps.Orchestrator.Providers())
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then cancels scheduled dispatches and the workers.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}

	w.deps.Orchestrator.Close()
	if w.deps.Tracker != nil {
		w.deps.Tracker.Stop()
	}
	if w.deps.Janitor != nil {
		w.deps.Janitor.Stop()
	}
	if w.cancelWorkers != nil {
		w.cancelWorkers()
	}

	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
