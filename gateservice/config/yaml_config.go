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

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlAPNSConfig struct {
	KeyID    string `yaml:"key_id"`
	TeamID   string `yaml:"team_id"`
	BundleID string `yaml:"bundle_id"`
	Sandbox  bool   `yaml:"sandbox"`
}

type YamlTransportConfig struct {
	Kind         string   `yaml:"kind"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type YamlPreferenceStoreConfig struct {
	Kind       string `yaml:"kind"`
	SQLitePath string `yaml:"sqlite_path"`
}

// YamlConfig mirrors the raw config.yaml file. Secrets (the VAPID private
// key and the APNs .p8 key) are expected from the environment.
type YamlConfig struct {
	ProjectID              string                    `yaml:"project_id"`
	ListenAddr             string                    `yaml:"listen_addr"`
	IdentityServiceURL     string                    `yaml:"identity_service_url"`
	TopicID                string                    `yaml:"topic_id"`
	SubscriptionID         string                    `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                    `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                       `yaml:"num_pipeline_workers"`
	GateIdleTTL            string                    `yaml:"gate_idle_ttl"`
	CorsConfig             YamlCorsConfig            `yaml:"cors"`
	RedisConfig            YamlRedisConfig           `yaml:"redis"`
	VapidConfig            YamlVapidConfig           `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig            `yaml:"apns"`
	TransportConfig        YamlTransportConfig       `yaml:"transport"`
	PreferenceStoreConfig  YamlPreferenceStoreConfig `yaml:"preference_store"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		IdentityServiceURL:     baseCfg.IdentityServiceURL,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
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
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		APNS: APNSConfig{
			KeyID:    baseCfg.APNSConfig.KeyID,
			TeamID:   baseCfg.APNSConfig.TeamID,
			BundleID: baseCfg.APNSConfig.BundleID,
			Sandbox:  baseCfg.APNSConfig.Sandbox,
		},
		Transport: TransportConfig{
			Kind:         baseCfg.TransportConfig.Kind,
			KafkaBrokers: baseCfg.TransportConfig.KafkaBrokers,
			KafkaTopic:   baseCfg.TransportConfig.KafkaTopic,
		},
		PreferenceStore: PreferenceStoreConfig{
			Kind:       baseCfg.PreferenceStoreConfig.Kind,
			SQLitePath: baseCfg.PreferenceStoreConfig.SQLitePath,
		},
	}

	if baseCfg.RedisConfig.TTL != "" {
		ttl, err := time.ParseDuration(baseCfg.RedisConfig.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis ttl %q: %w", baseCfg.RedisConfig.TTL, err)
		}
		cfg.Redis.TTL = ttl
	}

	if baseCfg.GateIdleTTL != "" {
		ttl, err := time.ParseDuration(baseCfg.GateIdleTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid gate idle ttl %q: %w", baseCfg.GateIdleTTL, err)
		}
		cfg.GateIdleTTL = ttl
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"transport", cfg.Transport.Kind,
		"preference_store", cfg.PreferenceStore.Kind,
	)

	return cfg, nil
}
