package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
	"gopkg.in/yaml.v3"
)

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:              "yaml-project",
			ListenAddr:             ":9000",
			TopicID:                "yaml-topic",
			SubscriptionID:         "yaml-subscription",
			SubscriptionDLQTopicID: "yaml-dlq",
			NumPipelineWorkers:     5,
			CorsConfig: config.YamlCorsConfig{
				AllowedOrigins: []string{"http://yaml.com"},
				Role:           "editor",
			},
			VapidConfig: config.YamlVapidConfig{
				PublicKey:       "yaml-public-key",
				PrivateKey:      "yaml-private-key",
				SubscriberEmail: "yaml@test.com",
			},
			StorageConfig: config.YamlStorageConfig{Backend: "firestore"},
			ExpoConfig:    config.YamlExpoConfig{Enabled: true, BaseURL: "http://expo.local", RatePerSecond: 50},
			DispatchConfig: config.YamlDispatchConfig{
				ChunkTimeout:   "5s",
				MaxConcurrency: 4,
			},
			ReceiptConfig: config.YamlReceiptConfig{SweepInterval: "1m", Retention: "12h", QueueSize: 64},
			TokenConfig:   config.YamlTokenConfig{Retention: "720h", PurgeInterval: "2h"},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "yaml-topic", cfg.TopicID)
		assert.Equal(t, "yaml-subscription", cfg.SubscriptionID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)

		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		assert.Equal(t, "yaml-public-key", cfg.Vapid.PublicKey)
		assert.Equal(t, "yaml@test.com", cfg.Vapid.SubscriberEmail)

		assert.Equal(t, "firestore", cfg.Storage.Backend)
		assert.True(t, cfg.Expo.Enabled)
		assert.Equal(t, 50.0, cfg.Expo.RatePerSecond)
		assert.Equal(t, 5*time.Second, cfg.Dispatch.ChunkTimeout)
		assert.Equal(t, time.Minute, cfg.Receipts.SweepInterval)
		assert.Equal(t, 12*time.Hour, cfg.Receipts.Retention)
		assert.Equal(t, 64, cfg.Receipts.QueueSize)
		assert.Equal(t, 2*time.Hour, cfg.Tokens.PurgeInterval)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:      "minimal-project",
			SubscriptionID: "minimal-sub",
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, "minimal-project", cfg.ProjectID)
		assert.Equal(t, 0, cfg.NumPipelineWorkers)
		assert.Empty(t, cfg.ListenAddr)
		assert.Empty(t, cfg.Vapid.PublicKey)
		assert.Zero(t, cfg.Receipts.SweepInterval)
	})

	t.Run("Failure - Invalid duration", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:     "p",
			ReceiptConfig: config.YamlReceiptConfig{Retention: "forever"},
		}

		_, err := config.NewConfigFromYaml(yamlCfg, logger)

		assert.ErrorContains(t, err, "receipts.retention")
	})

	t.Run("Success - Unmarshals nested YAML", func(t *testing.T) {
		raw := []byte(`
project_id: yaml-project
subscription_id: push-requests-sub
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/push
apns:
  enabled: true
  bundle_id: com.example.app
receipts:
  sweep_interval: 45s
`)
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal(raw, &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, config.StoragePostgres, cfg.Storage.Backend)
		assert.True(t, cfg.APNS.Enabled)
		assert.Equal(t, "com.example.app", cfg.APNS.BundleID)
		assert.Equal(t, 45*time.Second, cfg.Receipts.SweepInterval)
	})
}
