package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlStorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type YamlFCMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
}

type YamlExpoConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BaseURL       string  `yaml:"base_url"`
	AccessToken   string  `yaml:"access_token"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type YamlAPNSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	P8Key      string `yaml:"p8_key"`
	Production bool   `yaml:"production"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlDispatchConfig struct {
	ChunkTimeout   string `yaml:"chunk_timeout"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	HistorySize    int    `yaml:"history_size"`
}

type YamlReceiptConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
	Retention     string `yaml:"retention"`
	QueueSize     int    `yaml:"queue_size"`
}

type YamlTokenConfig struct {
	Retention     string `yaml:"retention"`
	PurgeInterval string `yaml:"purge_interval"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	IdentityServiceURL     string             `yaml:"identity_service_url"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	StorageConfig          YamlStorageConfig  `yaml:"storage"`
	FCMConfig              YamlFCMConfig      `yaml:"fcm"`
	ExpoConfig             YamlExpoConfig     `yaml:"expo"`
	APNSConfig             YamlAPNSConfig     `yaml:"apns"`
	VapidConfig            YamlVapidConfig    `yaml:"vapid"`
	DispatchConfig         YamlDispatchConfig `yaml:"dispatch"`
	ReceiptConfig          YamlReceiptConfig  `yaml:"receipts"`
	TokenConfig            YamlTokenConfig    `yaml:"tokens"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// Duration strings are parsed here; empty strings leave the zero value.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		TopicID:            baseCfg.TopicID,
		SubscriptionID:     baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Storage: StorageConfig{
			Backend:     baseCfg.StorageConfig.Backend,
			PostgresDSN: baseCfg.StorageConfig.PostgresDSN,
		},
		FCM: FCMConfig{
			Enabled:         baseCfg.FCMConfig.Enabled,
			CredentialsFile: baseCfg.FCMConfig.CredentialsFile,
		},
		Expo: ExpoConfig{
			Enabled:       baseCfg.ExpoConfig.Enabled,
			BaseURL:       baseCfg.ExpoConfig.BaseURL,
			AccessToken:   baseCfg.ExpoConfig.AccessToken,
			RatePerSecond: baseCfg.ExpoConfig.RatePerSecond,
		},
		APNS: APNSConfig{
			Enabled:    baseCfg.APNSConfig.Enabled,
			KeyID:      baseCfg.APNSConfig.KeyID,
			TeamID:     baseCfg.APNSConfig.TeamID,
			BundleID:   baseCfg.APNSConfig.BundleID,
			P8Key:      baseCfg.APNSConfig.P8Key,
			Production: baseCfg.APNSConfig.Production,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: baseCfg.DispatchConfig.MaxConcurrency,
			HistorySize:    baseCfg.DispatchConfig.HistorySize,
		},
		Receipts: ReceiptConfig{
			QueueSize: baseCfg.ReceiptConfig.QueueSize,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"redis.ttl", baseCfg.RedisConfig.TTL, &cfg.Redis.TTL},
		{"dispatch.chunk_timeout", baseCfg.DispatchConfig.ChunkTimeout, &cfg.Dispatch.ChunkTimeout},
		{"receipts.sweep_interval", baseCfg.ReceiptConfig.SweepInterval, &cfg.Receipts.SweepInterval},
		{"receipts.retention", baseCfg.ReceiptConfig.Retention, &cfg.Receipts.Retention},
		{"tokens.retention", baseCfg.TokenConfig.Retention, &cfg.Tokens.Retention},
		{"tokens.purge_interval", baseCfg.TokenConfig.PurgeInterval, &cfg.Tokens.PurgeInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"storage", cfg.Storage.Backend,
	)

	return cfg, nil
}
