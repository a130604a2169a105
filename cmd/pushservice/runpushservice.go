package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/internal/janitor"
	"github.com/tinywideclouds/go-push-service/internal/orchestrator"
	"github.com/tinywideclouds/go-push-service/internal/platform/apns"
	"github.com/tinywideclouds/go-push-service/internal/platform/expo"
	"github.com/tinywideclouds/go-push-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-service/internal/platform/web"
	"github.com/tinywideclouds/go-push-service/internal/preference"
	"github.com/tinywideclouds/go-push-service/internal/receipt"
	"github.com/tinywideclouds/go-push-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-service/internal/storage/memory"
	pgStore "github.com/tinywideclouds/go-push-service/internal/storage/postgres"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"

	"github.com/tinywideclouds/go-push-service/pushservice"
	"github.com/tinywideclouds/go-push-service/pushservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	// --- Storage ---
	registry, prefStore, closeStorage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("Storage initialization failed", "backend", cfg.Storage.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStorage()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		registry = cache.NewCachedTokenRegistry(registry, redisClient, cfg.Redis.TTL, logger)
		prefStore = cache.NewCachedPreferenceStore(prefStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("Storage upgraded", "type", "redis_cached_"+cfg.Storage.Backend)
	}

	// --- Auth ---
	identityURL := cfg.IdentityServiceURL
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Provider Clients ---
	clients, resolvers, err := newProviderClients(ctx, cfg, logger)
	if err != nil {
		logger.Error("Provider initialization failed", "err", err)
		os.Exit(1)
	}
	if len(clients) == 0 {
		logger.Warn("No push providers configured; dispatches will reach no devices.")
	}

	// --- Domain Components ---
	tracker := receipt.NewTracker(receipt.Config{
		SweepInterval: cfg.Receipts.SweepInterval,
		Retention:     cfg.Receipts.Retention,
		QueueSize:     cfg.Receipts.QueueSize,
	}, resolvers, registry, logger)

	orch := orchestrator.New(orchestrator.Config{
		ChunkTimeout:   cfg.Dispatch.ChunkTimeout,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		HistorySize:    cfg.Dispatch.HistorySize,
	}, clients, registry, preference.NewFilter(prefStore, logger), tracker, logger)

	tokenJanitor := janitor.New(registry, cfg.Tokens.PurgeInterval, cfg.Tokens.Retention, logger)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := pushservice.New(
		cfg,
		consumer,
		pushservice.Dependencies{
			Orchestrator: orch,
			Registry:     registry,
			Preferences:  preference.NewService(prefStore, logger),
			Tracker:      tracker,
			Janitor:      tokenJanitor,
		},
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown finished with errors", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// newStorage selects the registry and preference backends.
func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.TokenRegistry, dispatch.PreferenceStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pool, err := pgStore.Connect(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pgStore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info("Storage initialized", "type", "postgres")
		return pgStore.NewTokenStore(pool), pgStore.NewPreferenceStore(pool), pool.Close, nil

	case config.StorageFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("Storage initialized", "type", "firestore")
		return fsStore.NewTokenStore(fsClient), fsStore.NewPreferenceStore(fsClient), func() { _ = fsClient.Close() }, nil

	default:
		logger.Warn("Storage initialized in memory; registrations are lost on restart", "type", "memory")
		return memory.NewTokenStore(), memory.NewPreferenceStore(), func() {}, nil
	}
}

// newProviderClients builds every enabled provider. Expo is also a receipt resolver.
func newProviderClients(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]dispatch.ProviderClient, []dispatch.ReceiptResolver, error) {
	var clients []dispatch.ProviderClient
	var resolvers []dispatch.ReceiptResolver

	// A. FCM
	if cfg.FCM.Enabled {
		var opts []option.ClientOption
		if cfg.FCM.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FCM.CredentialsFile))
		}
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		clients = append(clients, fcm.NewClient(fcmMessaging, logger))
		logger.Info("Provider enabled", "provider", dispatch.ProviderFCM)
	}

	// B. Expo
	if cfg.Expo.Enabled {
		expoClient := expo.NewClient(expo.Config{
			BaseURL:       cfg.Expo.BaseURL,
			AccessToken:   cfg.Expo.AccessToken,
			RatePerSecond: cfg.Expo.RatePerSecond,
		}, nil, logger)
		clients = append(clients, expoClient)
		resolvers = append(resolvers, expoClient)
		logger.Info("Provider enabled", "provider", dispatch.ProviderExpo)
	}

	// C. APNs
	if cfg.APNS.Enabled {
		apnsClient, err := apns.NewClient(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8Key,
			Production:   cfg.APNS.Production,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, apnsClient)
		logger.Info("Provider enabled", "provider", dispatch.ProviderAPNS, "production", cfg.APNS.Production)
	}

	// D. Web (VAPID)
	if cfg.Vapid.Enabled() {
		clients = append(clients, web.NewClient(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
		}, nil, logger))
		logger.Info("Provider enabled", "provider", dispatch.ProviderWeb, "public_key", cfg.Vapid.PublicKey)
	} else {
		logger.Warn("VAPID keys missing in configuration. Web Push is disabled.")
	}

	return clients, resolvers, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    30,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
