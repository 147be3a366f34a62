// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the adapter factory needs to build a backend.
// Secrets (passwords, connection URIs) are always read straight from the
// environment; only the non-secret operational knobs may also be layered
// from an optional YAML file.
type Config struct {
	Adapter           string        `mapstructure:"adapter"`
	QueueName         string        `mapstructure:"queue_name"`
	FilesDir          string        `mapstructure:"files_dir"`
	OrphanTimeout     time.Duration `mapstructure:"orphan_timeout"`
	FileSizeThreshold int64         `mapstructure:"file_size_threshold"`
	MetricsPort       int           `mapstructure:"metrics_port"`
	LogLevel          string        `mapstructure:"log_level"`

	SQLite         SQLiteConfig
	Redis          RedisConfig
	DocDB          DocDBConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type SQLiteConfig struct {
	DBPath string
}

type RedisConfig struct {
	Host           string
	Port           int
	DB             int
	Password       string
	MaxConnections int
}

// CircuitBreakerConfig governs the breaker that guards network-facing
// backends (redis, docdb) against hammering a degraded dependency; the
// embedded backend has no network hop to protect and ignores it.
type CircuitBreakerConfig struct {
	Window         time.Duration `mapstructure:"window"`
	CooldownPeriod time.Duration `mapstructure:"cooldown_period"`
	FailureThresh  float64       `mapstructure:"failure_threshold"`
	MinSamples     int           `mapstructure:"min_samples"`
}

type DocDBConfig struct {
	URI        string
	Hostname   string
	Username   string
	Password   string
	Database   string
	TLSCert    string
	ReplicaSet string
}

const (
	AdapterSQLite = "sqlite"
	AdapterRedis  = "redis"
	AdapterDocDB  = "docdb"
)

// Load reads the operational knobs (optionally layered from a YAML file at
// path, teacher idiom) and then always re-reads connection secrets directly
// from the environment so they never end up committed to a config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("queue_name", "default")
	v.SetDefault("files_dir", "devdata/work_item_files")
	v.SetDefault("orphan_timeout", 30*time.Minute)
	v.SetDefault("file_size_threshold", int64(1_000_000))
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("log_level", "info")
	v.SetDefault("circuit_breaker.window", 10*time.Second)
	v.SetDefault("circuit_breaker.cooldown_period", 5*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", 0.5)
	v.SetDefault("circuit_breaker.min_samples", 5)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if val := os.Getenv("RC_WORKITEM_ADAPTER"); val != "" {
		v.Set("adapter", val)
	}
	if val := os.Getenv("RC_WORKITEM_QUEUE_NAME"); val != "" {
		v.Set("queue_name", val)
	}
	if val := os.Getenv("RC_WORKITEM_FILES_DIR"); val != "" {
		v.Set("files_dir", val)
	}
	if val := os.Getenv("RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES"); val != "" {
		var minutes int
		if _, err := fmt.Sscanf(val, "%d", &minutes); err != nil {
			return nil, fmt.Errorf("invalid RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES: %w", err)
		}
		v.Set("orphan_timeout", time.Duration(minutes)*time.Minute)
	}
	if val := os.Getenv("RC_WORKITEM_FILE_SIZE_THRESHOLD"); val != "" {
		var sizeBytes int64
		if _, err := fmt.Sscanf(val, "%d", &sizeBytes); err != nil {
			return nil, fmt.Errorf("invalid RC_WORKITEM_FILE_SIZE_THRESHOLD: %w", err)
		}
		v.Set("file_size_threshold", sizeBytes)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SQLite = SQLiteConfig{DBPath: os.Getenv("RC_WORKITEM_DB_PATH")}
	cfg.Redis = loadRedisConfig()
	cfg.DocDB = loadDocDBConfig()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadRedisConfig() RedisConfig {
	port := 6379
	if val := os.Getenv("REDIS_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &port)
	}
	db := 0
	if val := os.Getenv("REDIS_DB"); val != "" {
		fmt.Sscanf(val, "%d", &db)
	}
	maxConns := 50
	if val := os.Getenv("REDIS_MAX_CONNECTIONS"); val != "" {
		fmt.Sscanf(val, "%d", &maxConns)
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	return RedisConfig{
		Host:           host,
		Port:           port,
		DB:             db,
		Password:       os.Getenv("REDIS_PASSWORD"),
		MaxConnections: maxConns,
	}
}

func loadDocDBConfig() DocDBConfig {
	return DocDBConfig{
		URI:        os.Getenv("DOCDB_URI"),
		Hostname:   os.Getenv("DOCDB_HOSTNAME"),
		Username:   os.Getenv("DOCDB_USERNAME"),
		Password:   os.Getenv("DOCDB_PASSWORD"),
		Database:   os.Getenv("DOCDB_DATABASE"),
		TLSCert:    os.Getenv("DOCDB_TLS_CERT"),
		ReplicaSet: os.Getenv("DOCDB_REPLICA_SET"),
	}
}

// Validate checks config constraints shared across all three backends, plus
// the backend-specific requirements for whichever adapter was selected.
func Validate(cfg *Config) error {
	if cfg.OrphanTimeout <= 0 {
		return fmt.Errorf("orphan_timeout must be > 0")
	}
	if cfg.FileSizeThreshold <= 0 {
		return fmt.Errorf("file_size_threshold must be > 0")
	}
	if cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be 1..65535")
	}
	switch cfg.Adapter {
	case AdapterSQLite:
		if cfg.SQLite.DBPath == "" {
			return fmt.Errorf("RC_WORKITEM_DB_PATH is required for the sqlite adapter")
		}
	case AdapterDocDB:
		if cfg.DocDB.URI == "" && (cfg.DocDB.Hostname == "" || cfg.DocDB.Username == "" || cfg.DocDB.Password == "") {
			return fmt.Errorf("DOCDB_URI, or DOCDB_HOSTNAME+DOCDB_USERNAME+DOCDB_PASSWORD, is required for the docdb adapter")
		}
		if cfg.DocDB.Database == "" {
			return fmt.Errorf("DOCDB_DATABASE is required for the docdb adapter")
		}
	case AdapterRedis, "":
		// redis has sane localhost defaults; an empty adapter passes here and
		// is rejected by adapter.Build as unregistered
	default:
		return fmt.Errorf("unknown RC_WORKITEM_ADAPTER %q: want sqlite, redis, or docdb", cfg.Adapter)
	}
	return nil
}
