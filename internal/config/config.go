// Package config loads settings from an optional .env file, an optional
// YAML file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "omnikit.yaml"

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Addr     string
	LogLevel string

	Store       string
	DatabaseURL string
	SQLitePath  string

	RedisURL     string
	OTLPEndpoint string

	AWSRegion        string
	SNSTopicARN      string
	LogSpillQueueURL string
	SecretsBackend   string
	EncryptionKey    string

	BreakerThreshold             int
	BreakerWindow                time.Duration
	BreakerCooldown              time.Duration
	UseDistributedCircuitBreaker bool

	LogRetentionDays int
	LogBodyLimit     int
	MappingCacheTTL  time.Duration
	RuleStoreURL     string

	AdminAuthEnabled   bool
	AdminUsername      string
	AdminPasswordHash  string
	AdminPassword      string
	ViewerUsername     string
	ViewerPasswordHash string
	JWTSecret          string
	JWTExpiry          time.Duration

	UpstreamTimeout time.Duration
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path, explicit := os.Getenv("CONFIG_PATH"), true
	if path == "" {
		path, explicit = defaultConfigPath, false
	}
	file, err := loadFile(path, explicit)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:     getEnv("ADDR", file.stringValue("addr", ":8765")),
		LogLevel: getEnv("LOG_LEVEL", file.stringValue("log_level", "info")),

		Store:       getEnv("STORE", file.stringValue("store", "")),
		DatabaseURL: getEnv("DATABASE_URL", file.stringValue("database_url", "")),
		SQLitePath:  getEnv("SQLITE_PATH", file.stringValue("sqlite_path", "omnikit.db")),

		RedisURL:     getEnv("REDIS_URL", file.stringValue("redis_url", "")),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", file.stringValue("otlp_endpoint", "")),

		AWSRegion:        getEnv("AWS_REGION", file.stringValue("aws_region", "")),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", file.stringValue("sns_topic_arn", "")),
		LogSpillQueueURL: getEnv("LOG_SPILL_QUEUE_URL", file.stringValue("log_spill_queue_url", "")),
		SecretsBackend:   getEnv("SECRETS_BACKEND", file.stringValue("secrets_backend", "memory")),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", file.stringValue("encryption_key", "")),

		BreakerThreshold:             getIntEnv("BREAKER_THRESHOLD", file.intValue("breaker_threshold", 5)),
		BreakerWindow:                getDurationEnv("BREAKER_WINDOW", file.durationValue("breaker_window", 60*time.Second)),
		UseDistributedCircuitBreaker: getBoolEnv("USE_DISTRIBUTED_CB", file.boolValue("use_distributed_cb", false)),

		LogRetentionDays: getIntEnv("LOG_RETENTION_DAYS", file.intValue("log_retention_days", 30)),
		LogBodyLimit:     getIntEnv("LOG_BODY_LIMIT", file.intValue("log_body_limit", 64<<10)),
		MappingCacheTTL:  getDurationEnv("MAPPING_CACHE_TTL", file.durationValue("mapping_cache_ttl", 5*time.Minute)),
		RuleStoreURL:     getEnv("RULE_STORE_URL", file.stringValue("rule_store_url", "")),

		AdminAuthEnabled:   getBoolEnv("ADMIN_AUTH_ENABLED", file.boolValue("admin_auth_enabled", false)),
		AdminUsername:      getEnv("ADMIN_USERNAME", file.stringValue("admin_username", "admin")),
		AdminPasswordHash:  getEnv("ADMIN_PASSWORD_HASH", file.stringValue("admin_password_hash", "")),
		AdminPassword:      getEnv("ADMIN_PASSWORD", file.stringValue("admin_password", "")),
		ViewerUsername:     getEnv("ADMIN_VIEWER_USERNAME", file.stringValue("admin_viewer_username", "")),
		ViewerPasswordHash: getEnv("ADMIN_VIEWER_PASSWORD_HASH", file.stringValue("admin_viewer_password_hash", "")),
		JWTSecret:          getEnv("JWT_SECRET", file.stringValue("jwt_secret", "")),
		JWTExpiry:          getDurationEnv("JWT_EXPIRY", file.durationValue("jwt_expiry", 24*time.Hour)),

		UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", file.durationValue("upstream_timeout", 10*time.Minute)),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", file.durationValue("shutdown_timeout", 30*time.Second)),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", file.durationValue("drain_timeout", 15*time.Second)),
	}
	// the cooldown follows the window unless set on its own
	cfg.BreakerCooldown = getDurationEnv("BREAKER_COOLDOWN", file.durationValue("breaker_cooldown", cfg.BreakerWindow))
	if file.found {
		cfg.ConfigFile = path
	}
	if err := file.err(); err != nil {
		return nil, err
	}

	if cfg.Store == "" {
		cfg.Store = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be sqlite, postgres or memory, got %q", c.Store))
	}

	switch c.SecretsBackend {
	case "memory":
	case "aws":
		if c.AWSRegion == "" {
			errs = append(errs, errors.New("AWS_REGION is required for the aws secrets backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SECRETS_BACKEND must be aws or memory, got %q", c.SecretsBackend))
	}
	if (c.SNSTopicARN != "" || c.LogSpillQueueURL != "") && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required when SNS_TOPIC_ARN or LOG_SPILL_QUEUE_URL is set"))
	}
	if c.UseDistributedCircuitBreaker && c.RedisURL == "" {
		errs = append(errs, errors.New("USE_DISTRIBUTED_CB requires REDIS_URL"))
	}

	if c.BreakerThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be at least 1"))
	}
	if c.BreakerWindow <= 0 || c.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("BREAKER_WINDOW and BREAKER_COOLDOWN must be positive"))
	}
	if c.LogBodyLimit <= 0 {
		errs = append(errs, errors.New("LOG_BODY_LIMIT must be positive"))
	}
	if c.LogRetentionDays < 0 {
		errs = append(errs, errors.New("LOG_RETENTION_DAYS must not be negative"))
	}

	if c.AdminAuthEnabled {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required when ADMIN_AUTH_ENABLED is true"))
		}
		if c.AdminUsername == "" || (c.AdminPasswordHash == "" && c.AdminPassword == "") {
			errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD_HASH (or ADMIN_PASSWORD) are required when ADMIN_AUTH_ENABLED is true"))
		}
		if c.ViewerUsername != "" && c.ViewerPasswordHash == "" {
			errs = append(errs, errors.New("ADMIN_VIEWER_PASSWORD_HASH is required when ADMIN_VIEWER_USERNAME is set"))
		}
	}
	return errors.Join(errs...)
}

// LogRetention is zero when retention cleanup is disabled.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

type fileValues struct {
	values map[string]string
	found  bool
	errs   []error
}

func loadFile(path string, explicit bool) (*fileValues, error) {
	f := &fileValues{values: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		switch v.(type) {
		case nil:
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		default:
			f.values[strings.ToLower(k)] = fmt.Sprint(v)
		}
	}
	f.found = true
	return f, nil
}

func (f *fileValues) stringValue(key, def string) string {
	if v, ok := f.values[key]; ok {
		return v
	}
	return def
}

func (f *fileValues) intValue(key string, def int) int {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f.errs = append(f.errs, fmt.Errorf("config file: %s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (f *fileValues) boolValue(key string, def bool) bool {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		f.errs = append(f.errs, fmt.Errorf("config file: %s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (f *fileValues) durationValue(key string, def time.Duration) time.Duration {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	d, ok := parseDuration(v)
	if !ok {
		f.errs = append(f.errs, fmt.Errorf("config file: %s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (f *fileValues) err() error {
	return errors.Join(f.errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, ok := parseDuration(value); ok {
			return d
		}
	}
	return defaultValue
}

func parseDuration(s string) (time.Duration, bool) {
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}
