package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".coordinator"

// configType is the config file format.
const configType = "yaml"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)
	bindEnvVars(viperCfg)

	viperCfg.SetConfigType(configType)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("crunch.id", DefaultCrunchID)
	viperCfg.SetDefault("crunch.pubkey", "")
	viperCfg.SetDefault("crunch.network", DefaultNetwork)
	viperCfg.SetDefault("crunch.compute_provider_pubkey", "")
	viperCfg.SetDefault("crunch.data_provider_pubkey", "")

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.json", false)

	viperCfg.SetDefault("store.dsn", "")
	viperCfg.SetDefault("store.user", DefaultStoreUser)
	viperCfg.SetDefault("store.password", DefaultStorePassword)
	viperCfg.SetDefault("store.host", DefaultStoreHost)
	viperCfg.SetDefault("store.port", DefaultStorePort)
	viperCfg.SetDefault("store.database", DefaultStoreDatabase)
	viperCfg.SetDefault("store.max_open_conns", DefaultMaxOpenConns)
	viperCfg.SetDefault("store.max_idle_conns", DefaultMaxIdleConns)

	viperCfg.SetDefault("bus.driver", DefaultBusDriver)
	viperCfg.SetDefault("bus.redis_host", DefaultRedisHost)
	viperCfg.SetDefault("bus.redis_port", DefaultRedisPort)

	viperCfg.SetDefault("feed.source", DefaultFeedSource)
	viperCfg.SetDefault("feed.subjects", DefaultFeedSubjects)
	viperCfg.SetDefault("feed.kind", DefaultFeedKind)
	viperCfg.SetDefault("feed.granularity", DefaultFeedGranularity)
	viperCfg.SetDefault("feed.poll_seconds", DefaultFeedPollSeconds)
	viperCfg.SetDefault("feed.backfill_minutes", DefaultFeedBackfillMinutes)
	viperCfg.SetDefault("feed.record_ttl_days", DefaultFeedRecordTTLDays)
	viperCfg.SetDefault("feed.retention_check_seconds", DefaultRetentionCheckSeconds)
	viperCfg.SetDefault("feed.candles_window", DefaultFeedCandlesWindow)

	viperCfg.SetDefault("backfill.data_dir", DefaultBackfillDataDir)

	viperCfg.SetDefault("runner.host", DefaultRunnerHost)
	viperCfg.SetDefault("runner.port", DefaultRunnerPort)
	viperCfg.SetDefault("runner.timeout_seconds", DefaultRunnerTimeoutSeconds)
	viperCfg.SetDefault("runner.gateway_cert_dir", "")
	viperCfg.SetDefault("runner.secure_cert_dir", "")

	viperCfg.SetDefault("dispatch.seed_path", "")

	viperCfg.SetDefault("scoring.function", DefaultScoringFunction)
	viperCfg.SetDefault("scoring.interval_seconds", 0)

	viperCfg.SetDefault("checkpoint.interval_seconds", DefaultCheckpointIntervalSeconds)

	viperCfg.SetDefault("api.listen_addr", DefaultAPIListenAddr)
	viperCfg.SetDefault("api.key", "")
	viperCfg.SetDefault("api.read_auth", false)
	viperCfg.SetDefault("api.public_prefixes", DefaultPublicPrefixes)
	viperCfg.SetDefault("api.admin_prefixes", DefaultAdminPrefixes)
	viperCfg.SetDefault("api.cors_origins", DefaultCORSOrigins)

	viperCfg.SetDefault("telemetry.service_name", DefaultServiceName)
	viperCfg.SetDefault("telemetry.environment", DefaultEnvironment)
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", 0)
}

// bindEnvVars maps the flat deployment environment variable names onto
// nested config keys. Later names in a bind are fallbacks kept for
// older deployments. The flat names predate the config file, so the
// usual prefix+replacer automatic binding does not apply.
func bindEnvVars(viperCfg *viper.Viper) {
	viperCfg.MustBindEnv("crunch.id", "CRUNCH_ID")
	viperCfg.MustBindEnv("crunch.pubkey", "CRUNCH_PUBKEY")
	viperCfg.MustBindEnv("crunch.network", "NETWORK")
	viperCfg.MustBindEnv("crunch.compute_provider_pubkey", "COMPUTE_PROVIDER_PUBKEY")
	viperCfg.MustBindEnv("crunch.data_provider_pubkey", "DATA_PROVIDER_PUBKEY")

	viperCfg.MustBindEnv("log.level", "LOG_LEVEL")
	viperCfg.MustBindEnv("log.json", "LOG_JSON")

	viperCfg.MustBindEnv("store.dsn", "DATABASE_URL")
	viperCfg.MustBindEnv("store.user", "POSTGRES_USER")
	viperCfg.MustBindEnv("store.password", "POSTGRES_PASSWORD")
	viperCfg.MustBindEnv("store.host", "POSTGRES_HOST")
	viperCfg.MustBindEnv("store.port", "POSTGRES_PORT")
	viperCfg.MustBindEnv("store.database", "POSTGRES_DB")

	viperCfg.MustBindEnv("bus.driver", "BUS_DRIVER")
	viperCfg.MustBindEnv("bus.redis_host", "REDIS_HOST")
	viperCfg.MustBindEnv("bus.redis_port", "REDIS_PORT")

	viperCfg.MustBindEnv("feed.source", "FEED_SOURCE", "FEED_PROVIDER")
	viperCfg.MustBindEnv("feed.subjects", "FEED_SUBJECTS", "FEED_ASSETS")
	viperCfg.MustBindEnv("feed.kind", "FEED_KIND")
	viperCfg.MustBindEnv("feed.granularity", "FEED_GRANULARITY")
	viperCfg.MustBindEnv("feed.poll_seconds", "FEED_POLL_SECONDS")
	viperCfg.MustBindEnv("feed.backfill_minutes", "FEED_BACKFILL_MINUTES")
	viperCfg.MustBindEnv("feed.record_ttl_days", "FEED_RECORD_TTL_DAYS", "MARKET_RECORD_TTL_DAYS")
	viperCfg.MustBindEnv("feed.retention_check_seconds", "FEED_RETENTION_CHECK_SECONDS", "MARKET_RETENTION_CHECK_SECONDS")
	viperCfg.MustBindEnv("feed.candles_window", "FEED_CANDLES_WINDOW")

	viperCfg.MustBindEnv("backfill.data_dir", "BACKFILL_DATA_DIR")

	viperCfg.MustBindEnv("runner.host", "MODEL_RUNNER_NODE_HOST")
	viperCfg.MustBindEnv("runner.port", "MODEL_RUNNER_NODE_PORT")
	viperCfg.MustBindEnv("runner.timeout_seconds", "MODEL_RUNNER_TIMEOUT_SECONDS")
	viperCfg.MustBindEnv("runner.gateway_cert_dir", "GATEWAY_CERT_DIR")
	viperCfg.MustBindEnv("runner.secure_cert_dir", "SECURE_CERT_DIR")

	viperCfg.MustBindEnv("dispatch.seed_path", "SCHEDULED_PREDICTION_CONFIGS_PATH")

	viperCfg.MustBindEnv("scoring.function", "SCORING_FUNCTION")
	viperCfg.MustBindEnv("scoring.interval_seconds", "SCORE_INTERVAL_SECONDS")

	viperCfg.MustBindEnv("checkpoint.interval_seconds", "CHECKPOINT_INTERVAL_SECONDS")

	viperCfg.MustBindEnv("api.listen_addr", "API_LISTEN_ADDR")
	viperCfg.MustBindEnv("api.key", "API_KEY")
	viperCfg.MustBindEnv("api.read_auth", "API_READ_AUTH")
	viperCfg.MustBindEnv("api.public_prefixes", "API_PUBLIC_PREFIXES")
	viperCfg.MustBindEnv("api.admin_prefixes", "API_ADMIN_PREFIXES")
	viperCfg.MustBindEnv("api.cors_origins", "API_CORS_ORIGINS")

	viperCfg.MustBindEnv("telemetry.service_name", "OTEL_SERVICE_NAME")
	viperCfg.MustBindEnv("telemetry.environment", "DEPLOY_ENVIRONMENT")
	viperCfg.MustBindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viperCfg.MustBindEnv("telemetry.otlp_insecure", "OTEL_EXPORTER_OTLP_INSECURE")
	viperCfg.MustBindEnv("telemetry.sample_ratio", "OTEL_SAMPLE_RATIO")
}
