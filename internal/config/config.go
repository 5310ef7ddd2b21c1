package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config is the top-level configuration for the coordinator node.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Crunch     CrunchConfig     `mapstructure:"crunch"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Bus        BusConfig        `mapstructure:"bus"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Backfill   BackfillConfig   `mapstructure:"backfill"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	API        APIConfig        `mapstructure:"api"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// CrunchConfig identifies the competition this node coordinates.
type CrunchConfig struct {
	ID                    string `mapstructure:"id"`
	Pubkey                string `mapstructure:"pubkey"`
	Network               string `mapstructure:"network"`
	ComputeProviderPubkey string `mapstructure:"compute_provider_pubkey"`
	DataProviderPubkey    string `mapstructure:"data_provider_pubkey"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// StoreConfig holds Postgres connection settings. A non-empty DSN
// overrides the individual fields.
type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// BusConfig selects the cross-worker event channel driver.
type BusConfig struct {
	Driver    string `mapstructure:"driver"`
	RedisHost string `mapstructure:"redis_host"`
	RedisPort int    `mapstructure:"redis_port"`
}

// FeedConfig holds feed ingestion and input-assembly settings.
type FeedConfig struct {
	Source                string   `mapstructure:"source"`
	Subjects              []string `mapstructure:"subjects"`
	Kind                  string   `mapstructure:"kind"`
	Granularity           string   `mapstructure:"granularity"`
	PollSeconds           float64  `mapstructure:"poll_seconds"`
	BackfillMinutes       int      `mapstructure:"backfill_minutes"`
	RecordTTLDays         int      `mapstructure:"record_ttl_days"`
	RetentionCheckSeconds int      `mapstructure:"retention_check_seconds"`
	CandlesWindow         int      `mapstructure:"candles_window"`
}

// BackfillConfig holds historical data export settings.
type BackfillConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// RunnerConfig holds the model-runner RPC target. TLS is enabled when
// either cert dir is set; the gateway dir wins when both are.
type RunnerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
	GatewayCertDir string  `mapstructure:"gateway_cert_dir"`
	SecureCertDir  string  `mapstructure:"secure_cert_dir"`
}

// DispatchConfig holds scheduled prediction dispatch settings.
type DispatchConfig struct {
	SeedPath string `mapstructure:"seed_path"`
}

// ScoringConfig selects the scoring function and cycle cadence.
// IntervalSeconds of zero derives the cadence from the checkpoint
// interval at startup.
type ScoringConfig struct {
	Function        string `mapstructure:"function"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// CheckpointConfig holds the checkpoint roll-up cadence.
type CheckpointConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// APIConfig holds HTTP API settings and API-key gating.
type APIConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	Key            string   `mapstructure:"key"`
	ReadAuth       bool     `mapstructure:"read_auth"`
	PublicPrefixes []string `mapstructure:"public_prefixes"`
	AdminPrefixes  []string `mapstructure:"admin_prefixes"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Defaults applied by the loader when neither file nor environment
// provides a value.
const (
	DefaultCrunchID = "starter-challenge"
	DefaultNetwork  = "devnet"

	DefaultLogLevel = "info"

	DefaultStoreUser     = "starter"
	DefaultStorePassword = "starter"
	DefaultStoreHost     = "postgres"
	DefaultStorePort     = 5432
	DefaultStoreDatabase = "starter"
	DefaultMaxOpenConns  = 8
	DefaultMaxIdleConns  = 4

	DefaultBusDriver = "postgres"
	DefaultRedisHost = "localhost"
	DefaultRedisPort = 6379

	DefaultFeedSource            = "binance"
	DefaultFeedSubjects          = "BTC"
	DefaultFeedKind              = "tick"
	DefaultFeedGranularity       = "1s"
	DefaultFeedPollSeconds       = 5.0
	DefaultFeedBackfillMinutes   = 180
	DefaultFeedRecordTTLDays     = 90
	DefaultRetentionCheckSeconds = 3600
	DefaultFeedCandlesWindow     = 120

	DefaultBackfillDataDir = "data/backfill"

	DefaultRunnerHost           = "model-orchestrator"
	DefaultRunnerPort           = 9091
	DefaultRunnerTimeoutSeconds = 60.0

	DefaultScoringFunction = "directional"

	DefaultCheckpointIntervalSeconds = 900

	DefaultAPIListenAddr = ":8000"

	DefaultServiceName = "coordinator"
	DefaultEnvironment = "dev"
)

// Supported bus drivers.
const (
	BusDriverMemory   = "memory"
	BusDriverPostgres = "postgres"
	BusDriverRedis    = "redis"
)

// DefaultPublicPrefixes are path prefixes that never require an API key.
var DefaultPublicPrefixes = []string{
	"/healthz",
	"/info",
	"/reports/schema",
	"/reports/leaderboard",
	"/reports/models",
	"/reports/feeds",
}

// DefaultAdminPrefixes are path prefixes that always require an API key
// when one is configured. The trailing slash keeps the checkpoint list
// endpoint in the read tier while gating per-checkpoint detail and
// mutation routes.
var DefaultAdminPrefixes = []string{
	"/reports/backfill",
	"/reports/checkpoints/",
}

// DefaultCORSOrigins allows any origin; the read API serves public data.
var DefaultCORSOrigins = []string{"*"}

// portMax is the highest valid TCP port.
const portMax = 65535

// Sentinel errors for configuration validation.
var (
	// ErrUnknownLogLevel indicates log.level is not debug, info, warn, or error.
	ErrUnknownLogLevel = errors.New("log.level must be one of debug, info, warn, error")
	// ErrNoStoreHost indicates store.host is empty without a DSN override.
	ErrNoStoreHost = errors.New("store.host must be set")
	// ErrInvalidStorePort indicates store.port is out of range.
	ErrInvalidStorePort = errors.New("store.port must be between 1 and 65535")
	// ErrNoStoreDatabase indicates store.database is empty without a DSN override.
	ErrNoStoreDatabase = errors.New("store.database must be set")
	// ErrUnknownBusDriver indicates bus.driver is not memory, postgres, or redis.
	ErrUnknownBusDriver = errors.New("bus.driver must be one of memory, postgres, redis")
	// ErrInvalidRedisPort indicates bus.redis_port is out of range.
	ErrInvalidRedisPort = errors.New("bus.redis_port must be between 1 and 65535")
	// ErrNoFeedSource indicates feed.source is empty.
	ErrNoFeedSource = errors.New("feed.source must be set")
	// ErrNoFeedSubjects indicates feed.subjects is empty.
	ErrNoFeedSubjects = errors.New("feed.subjects must list at least one subject")
	// ErrInvalidFeedPoll indicates feed.poll_seconds is not positive.
	ErrInvalidFeedPoll = errors.New("feed.poll_seconds must be positive")
	// ErrInvalidFeedBackfill indicates feed.backfill_minutes is negative.
	ErrInvalidFeedBackfill = errors.New("feed.backfill_minutes must be non-negative")
	// ErrInvalidFeedTTL indicates feed.record_ttl_days is not positive.
	ErrInvalidFeedTTL = errors.New("feed.record_ttl_days must be positive")
	// ErrInvalidRetentionCheck indicates feed.retention_check_seconds is not positive.
	ErrInvalidRetentionCheck = errors.New("feed.retention_check_seconds must be positive")
	// ErrInvalidCandlesWindow indicates feed.candles_window is not positive.
	ErrInvalidCandlesWindow = errors.New("feed.candles_window must be positive")
	// ErrNoRunnerHost indicates runner.host is empty.
	ErrNoRunnerHost = errors.New("runner.host must be set")
	// ErrInvalidRunnerPort indicates runner.port is out of range.
	ErrInvalidRunnerPort = errors.New("runner.port must be between 1 and 65535")
	// ErrInvalidRunnerTimeout indicates runner.timeout_seconds is not positive.
	ErrInvalidRunnerTimeout = errors.New("runner.timeout_seconds must be positive")
	// ErrNoScoringFunction indicates scoring.function is empty.
	ErrNoScoringFunction = errors.New("scoring.function must be set")
	// ErrInvalidScoreInterval indicates scoring.interval_seconds is negative.
	ErrInvalidScoreInterval = errors.New("scoring.interval_seconds must be non-negative")
	// ErrInvalidCheckpointInterval indicates checkpoint.interval_seconds is not positive.
	ErrInvalidCheckpointInterval = errors.New("checkpoint.interval_seconds must be positive")
	// ErrNoAPIListenAddr indicates api.listen_addr is empty.
	ErrNoAPIListenAddr = errors.New("api.listen_addr must be set")
	// ErrInvalidSampleRatio indicates telemetry.sample_ratio is out of range.
	ErrInvalidSampleRatio = errors.New("telemetry.sample_ratio must be between 0 and 1")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	logErr := c.validateLog()
	if logErr != nil {
		return logErr
	}

	storeErr := c.validateStore()
	if storeErr != nil {
		return storeErr
	}

	busErr := c.validateBus()
	if busErr != nil {
		return busErr
	}

	feedErr := c.validateFeed()
	if feedErr != nil {
		return feedErr
	}

	runnerErr := c.validateRunner()
	if runnerErr != nil {
		return runnerErr
	}

	return c.validateWorkersAndAPI()
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return ErrUnknownLogLevel
	}
}

func (c *Config) validateStore() error {
	if c.Store.DSN != "" {
		return nil
	}

	if c.Store.Host == "" {
		return ErrNoStoreHost
	}

	if c.Store.Port < 1 || c.Store.Port > portMax {
		return ErrInvalidStorePort
	}

	if c.Store.Database == "" {
		return ErrNoStoreDatabase
	}

	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Driver {
	case BusDriverMemory, BusDriverPostgres:
		return nil
	case BusDriverRedis:
		if c.Bus.RedisPort < 1 || c.Bus.RedisPort > portMax {
			return ErrInvalidRedisPort
		}

		return nil
	default:
		return ErrUnknownBusDriver
	}
}

func (c *Config) validateFeed() error {
	if c.Feed.Source == "" {
		return ErrNoFeedSource
	}

	if len(c.Feed.Subjects) == 0 {
		return ErrNoFeedSubjects
	}

	if c.Feed.PollSeconds <= 0 {
		return ErrInvalidFeedPoll
	}

	if c.Feed.BackfillMinutes < 0 {
		return ErrInvalidFeedBackfill
	}

	if c.Feed.RecordTTLDays < 1 {
		return ErrInvalidFeedTTL
	}

	if c.Feed.RetentionCheckSeconds < 1 {
		return ErrInvalidRetentionCheck
	}

	if c.Feed.CandlesWindow < 1 {
		return ErrInvalidCandlesWindow
	}

	return nil
}

func (c *Config) validateRunner() error {
	if c.Runner.Host == "" {
		return ErrNoRunnerHost
	}

	if c.Runner.Port < 1 || c.Runner.Port > portMax {
		return ErrInvalidRunnerPort
	}

	if c.Runner.TimeoutSeconds <= 0 {
		return ErrInvalidRunnerTimeout
	}

	return nil
}

func (c *Config) validateWorkersAndAPI() error {
	if c.Scoring.Function == "" {
		return ErrNoScoringFunction
	}

	if c.Scoring.IntervalSeconds < 0 {
		return ErrInvalidScoreInterval
	}

	if c.Checkpoint.IntervalSeconds < 1 {
		return ErrInvalidCheckpointInterval
	}

	if c.API.ListenAddr == "" {
		return ErrNoAPIListenAddr
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return ErrInvalidSampleRatio
	}

	return nil
}

// SlogLevel maps the configured level name to a slog severity.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// URL returns the Postgres connection string, preferring an explicit DSN.
func (s StoreConfig) URL() string {
	if s.DSN != "" {
		return s.DSN
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.User, s.Password),
		Host:     net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:     s.Database,
		RawQuery: "sslmode=disable",
	}

	return u.String()
}

// String renders the Postgres target without credentials, for logs.
func (s StoreConfig) String() string {
	if s.DSN != "" {
		return "dsn"
	}

	return fmt.Sprintf("%s:%d/%s", s.Host, s.Port, s.Database)
}

// RedisAddr returns the host:port address of the Redis bus backend.
func (b BusConfig) RedisAddr() string {
	return net.JoinHostPort(b.RedisHost, strconv.Itoa(b.RedisPort))
}

// PollInterval returns the feed poll cadence as a duration.
func (f FeedConfig) PollInterval() time.Duration {
	return time.Duration(f.PollSeconds * float64(time.Second))
}

// TTL returns the feed record retention period as a duration.
func (f FeedConfig) TTL() time.Duration {
	return time.Duration(f.RecordTTLDays) * 24 * time.Hour
}

// RetentionInterval returns the cadence of retention sweeps.
func (f FeedConfig) RetentionInterval() time.Duration {
	return time.Duration(f.RetentionCheckSeconds) * time.Second
}

// Backfill returns the startup gap-recovery lookback as a duration.
func (f FeedConfig) Backfill() time.Duration {
	return time.Duration(f.BackfillMinutes) * time.Minute
}

// Addr returns the host:port address of the model runner.
func (r RunnerConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Timeout returns the predict call timeout as a duration.
func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// CertDir returns the active TLS certificate directory, or empty when
// the runner connection is insecure. The gateway dir wins when both
// are set.
func (r RunnerConfig) CertDir() string {
	if r.GatewayCertDir != "" {
		return r.GatewayCertDir
	}

	return r.SecureCertDir
}

// Interval returns the configured scoring cadence, or zero when the
// cadence should be derived from the checkpoint interval.
func (s ScoringConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Interval returns the checkpoint roll-up cadence as a duration.
func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
