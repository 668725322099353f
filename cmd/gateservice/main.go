package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-marketplace-notifications/gateservice"
	"github.com/tinywideclouds/go-marketplace-notifications/gateservice/config"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/apns"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/fcm"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/kafka"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/push"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/web"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-marketplace-notifications/internal/storage/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/storage/sqlite"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Service exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-marketplace-notifications")
}

func run(ctx context.Context, logger *slog.Logger) error {
	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return fmt.Errorf("yaml config invalid: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config failed: %w", err)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client failed: %w", err)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("firestore client failed: %w", err)
	}
	defer fsClient.Close()

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// --- Stores (optionally Redis-cached) ---
	var devices dispatch.DeviceStore = fsStore.NewDeviceStore(fsClient, logger)

	var prefs dispatch.PreferenceStore
	switch cfg.PreferenceStore.Kind {
	case config.PreferenceStoreSQLite:
		sqliteStore, err := sqlite.NewPreferenceStore(cfg.PreferenceStore.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite preference store failed: %w", err)
		}
		closers = append(closers, sqliteStore)
		prefs = sqliteStore
	default:
		prefs = fsStore.NewPreferenceStore(fsClient, logger)
	}
	logger.Info("Stores initialized", "devices", "firestore", "preferences", cfg.PreferenceStore.Kind)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, redisClient)
		devices = cache.NewCachedDeviceStore(devices, redisClient, cfg.Redis.TTL)
		prefs = cache.NewCachedPreferenceStore(prefs, redisClient, cfg.Redis.TTL)
		logger.Info("Stores upgraded", "type", "redis_cached")
	}

	// --- Transport ---
	var transport dispatch.Transport
	switch cfg.Transport.Kind {
	case config.TransportKafka:
		kafkaTransport := kafka.NewTransport(kafka.NewWriter(kafka.Config{
			Brokers: cfg.Transport.KafkaBrokers,
			Topic:   cfg.Transport.KafkaTopic,
		}), devices, logger)
		closers = append(closers, kafkaTransport)
		transport = kafkaTransport
		logger.Info("Delegating delivery to Kafka", "topic", cfg.Transport.KafkaTopic)
	default:
		transport, err = newPushTransport(ctx, cfg, devices, logger)
		if err != nil {
			return err
		}
	}

	registry := gate.NewRegistry(transport, prefs, logger, gate.WithIdleTTL(cfg.GateIdleTTL))

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		return fmt.Errorf("jwt discovery failed: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return fmt.Errorf("auth middleware failed: %w", err)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		return err
	}

	service, err := gateservice.New(cfg, consumer, registry, devices, authMiddleware, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...")
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}

func newPushTransport(ctx context.Context, cfg *config.Config, devices dispatch.DeviceStore, logger *slog.Logger) (*push.Transport, error) {
	// A. Android and web-via-FCM
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create fcm messaging client: %w", err)
	}
	fcmDispatcher := fcm.NewDispatcher(fcmMessaging, logger)

	// B. iOS
	var apnsDispatcher dispatch.Dispatcher
	apnsCfg := apns.Config{
		KeyID:        cfg.APNS.KeyID,
		TeamID:       cfg.APNS.TeamID,
		BundleID:     cfg.APNS.BundleID,
		P8KeyContent: cfg.APNS.P8KeyContent,
		Sandbox:      cfg.APNS.Sandbox,
	}
	if apnsCfg.Enabled() {
		d, err := apns.NewDispatcher(apnsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create apns dispatcher: %w", err)
		}
		apnsDispatcher = d
		logger.Info("APNs Dispatcher enabled", "bundle_id", apnsCfg.BundleID, "sandbox", apnsCfg.Sandbox)
	} else {
		logger.Warn("APNs credentials missing. iOS devices will be skipped.")
	}

	// C. Browsers (VAPID)
	var webDispatcher dispatch.WebDispatcher
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web devices will be skipped.")
	} else {
		webDispatcher = web.NewDispatcher(cfg.Vapid, logger)
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
	}

	return push.NewTransport(devices, fcmDispatcher, apnsDispatcher, webDispatcher, logger), nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := resourceName(cfg.ProjectID, "subscriptions", cfg.PubsubConsumerConfig.SubscriptionID)
	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              resourceName(cfg.ProjectID, "topics", cfg.TopicID),
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     resourceName(cfg.ProjectID, "topics", cfg.SubscriptionDLQTopicID),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	if _, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("could not create subscription %s: %w", sub, err)
		}
		logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

func resourceName(project, kind, id string) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
