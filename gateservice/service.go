// Package gateservice assembles the notification gate service: the Pub/Sub
// ingestion pipeline, the per-user gate registry and the HTTP API.
package gateservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/gateservice/config"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/api"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/pipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.GateRequest]
	registry        *gate.Registry
	stopEviction    context.CancelFunc
	evictionCtx     context.Context
	logger          *slog.Logger
}

// New assembles the service around an existing registry and device store.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	registry *gate.Registry,
	devices dispatch.DeviceStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.NotificationRequestTransformer,
		pipeline.NewProcessor(registry, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	deviceAPI := api.NewDeviceAPI(devices, logger)
	gateAPI := api.NewGateAPI(registry, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Devices
	handle("POST /api/v1/register/fcm", deviceAPI.RegisterFCM)
	handle("POST /api/v1/register/apns", deviceAPI.RegisterAPNS)
	handle("POST /api/v1/register/web", deviceAPI.RegisterWeb)
	handle("POST /api/v1/unregister/fcm", deviceAPI.UnregisterFCM)
	handle("POST /api/v1/unregister/apns", deviceAPI.UnregisterAPNS)
	handle("POST /api/v1/unregister/web", deviceAPI.UnregisterWeb)

	// Gate
	handle("POST /api/v1/notifications/initialize", gateAPI.Initialize)
	handle("GET /api/v1/notifications/state", gateAPI.State)
	handle("DELETE /api/v1/notifications/unread", gateAPI.ClearUnread)
	handle("DELETE /api/v1/notifications/session", gateAPI.EndSession)
	handle("POST /api/v1/notifications/{category}", gateAPI.Send)

	// Preferences
	handle("GET /api/v1/preferences", gateAPI.GetPreferences)
	handle("PUT /api/v1/preferences", gateAPI.UpdatePreferences)

	// CORS preflight for the whole API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	evictionCtx, stopEviction := context.WithCancel(context.Background())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		registry:        registry,
		evictionCtx:     evictionCtx,
		stopEviction:    stopEviction,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	go w.registry.RunEviction(w.evictionCtx)
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops ingestion, then the HTTP server, and closes the gates
// last so no in-flight request can remount one.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.stopEviction()
	w.registry.Close(ctx)
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
