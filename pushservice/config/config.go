package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"

	DefaultReceiptSweepInterval = 45 * time.Second
	DefaultReceiptRetention     = 24 * time.Hour
	DefaultTokenRetention       = 30 * 24 * time.Hour
	DefaultTokenPurgeInterval   = time.Hour
	DefaultCacheTTL             = 10 * time.Minute
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type StorageConfig struct {
	Backend     string
	PostgresDSN string
}

type FCMConfig struct {
	Enabled bool
	// CredentialsFile is optional; application default credentials are used when empty.
	CredentialsFile string
}

type ExpoConfig struct {
	Enabled       bool
	BaseURL       string
	AccessToken   string
	RatePerSecond float64
}

type APNSConfig struct {
	Enabled    bool
	KeyID      string
	TeamID     string
	BundleID   string
	P8Key      string
	Production bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// Enabled reports whether both VAPID keys are present.
func (v VapidConfig) Enabled() bool {
	return v.PublicKey != "" && v.PrivateKey != ""
}

type DispatchConfig struct {
	ChunkTimeout   time.Duration
	MaxConcurrency int
	HistorySize    int
}

type ReceiptConfig struct {
	SweepInterval time.Duration
	Retention     time.Duration
	QueueSize     int
}

type TokenConfig struct {
	Retention     time.Duration
	PurgeInterval time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityServiceURL     string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Storage    StorageConfig
	FCM        FCMConfig
	Expo       ExpoConfig
	APNS       APNSConfig
	Vapid      VapidConfig
	Dispatch   DispatchConfig
	Receipts   ReceiptConfig
	Tokens     TokenConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		cfg.IdentityServiceURL = val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Storage Overrides
	if val := os.Getenv("STORAGE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_BACKEND", "source", "env")
		cfg.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		cfg.Storage.PostgresDSN = val
	}

	// Provider Overrides
	setBool(&cfg.FCM.Enabled, "FCM_ENABLED")
	if val := os.Getenv("FCM_CREDENTIALS_FILE"); val != "" {
		cfg.FCM.CredentialsFile = val
	}

	setBool(&cfg.Expo.Enabled, "EXPO_ENABLED")
	if val := os.Getenv("EXPO_BASE_URL"); val != "" {
		cfg.Expo.BaseURL = val
	}
	if val := os.Getenv("EXPO_ACCESS_TOKEN"); val != "" {
		cfg.Expo.AccessToken = val
	}

	setBool(&cfg.APNS.Enabled, "APNS_ENABLED")
	setBool(&cfg.APNS.Production, "APNS_PRODUCTION")
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8Key = val
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// Worker Overrides
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"REDIS_TTL", &cfg.Redis.TTL},
		{"DISPATCH_CHUNK_TIMEOUT", &cfg.Dispatch.ChunkTimeout},
		{"RECEIPT_SWEEP_INTERVAL", &cfg.Receipts.SweepInterval},
		{"RECEIPT_RETENTION", &cfg.Receipts.Retention},
		{"TOKEN_RETENTION", &cfg.Tokens.Retention},
		{"TOKEN_PURGE_INTERVAL", &cfg.Tokens.PurgeInterval},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("%s must be a duration: %w", d.env, err)
		}
		logger.Debug("Overriding config value", "key", d.env, "source", "env")
		*d.dst = parsed
	}
	if val := os.Getenv("DISPATCH_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Dispatch.MaxConcurrency = n
		}
	}
	if val := os.Getenv("DISPATCH_HISTORY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Dispatch.HistorySize = n
		}
	}
	if val := os.Getenv("RECEIPT_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Receipts.QueueSize = n
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = StorageMemory
	case StorageMemory, StorageFirestore:
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres_dsn is required when storage backend is postgres")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.APNS.Enabled && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "" || cfg.APNS.P8Key == "") {
		return nil, fmt.Errorf("apns is enabled but key_id, team_id, bundle_id or p8_key is missing")
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
		def  time.Duration
	}{
		{"redis.ttl", &cfg.Redis.TTL, DefaultCacheTTL},
		{"receipts.sweep_interval", &cfg.Receipts.SweepInterval, DefaultReceiptSweepInterval},
		{"receipts.retention", &cfg.Receipts.Retention, DefaultReceiptRetention},
		{"tokens.retention", &cfg.Tokens.Retention, DefaultTokenRetention},
		{"tokens.purge_interval", &cfg.Tokens.PurgeInterval, DefaultTokenPurgeInterval},
	} {
		if *d.dst < 0 {
			return nil, fmt.Errorf("%s must be positive", d.name)
		}
		if *d.dst == 0 {
			*d.dst = d.def
		}
	}
	if cfg.Dispatch.ChunkTimeout < 0 {
		return nil, fmt.Errorf("dispatch.chunk_timeout must be positive")
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func setBool(dst *bool, env string) {
	if val := os.Getenv(env); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}
