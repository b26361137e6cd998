package common

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database    DatabaseConfig
	Server      ServerConfig
	ObjectStore ObjectStoreConfig
	Scheduler   SchedulerConfig
	Tiling      TilingConfig
	Ingest      IngestConfig
	Log         LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "postgres" or "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string
}

// ObjectStoreConfig holds MinIO connection settings and bucket names.
type ObjectStoreConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Secure      bool
	RawBucket   string
	TilesBucket string
}

// SchedulerConfig sizes the job worker pool.
type SchedulerConfig struct {
	Workers        int
	QueueSize      int
	ProcessTimeout time.Duration // 0 disables the per-job timeout
}

// TilingConfig holds defaults applied to tiling requests.
type TilingConfig struct {
	Compression string // "lzw" or "deflate"
	TileSize    int
	Overlap     int
	TargetCRS   string
	// MaxSourceBytes caps a source object and its decoded samples.
	MaxSourceBytes int64
}

// IngestConfig enables the imagery drop folder watched by the daemon.
type IngestConfig struct {
	Dir            string // empty disables the watcher
	Debounce       time.Duration
	DefaultParcel  string
	DefaultMission string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// DefaultEnvFiles are read by LoadConfig when no file is given. Earlier files win.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadConfig loads configuration from env files (when present) and environment variables.
// Variables already set in the environment are never overridden by a file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, WrapError(err, "load "+f)
		}
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			GRPCAddr: getEnv("GRPC_ADDR", ":8080"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:    getEnv("MINIO_ENDPOINT", "minio:9000"),
			AccessKey:   getEnv("MINIO_ACCESS_KEY", "minio"),
			SecretKey:   getEnv("MINIO_SECRET_KEY", "minio123"),
			Secure:      getEnvAsBool("MINIO_SECURE", false),
			RawBucket:   getEnv("MINIO_RAW_BUCKET", "uav-raw"),
			TilesBucket: getEnv("MINIO_TILES_BUCKET", "uav-tiles"),
		},
		Scheduler: SchedulerConfig{
			Workers:        getEnvAsInt("SCHEDULER_WORKERS", 4),
			QueueSize:      getEnvAsInt("SCHEDULER_QUEUE_SIZE", 256),
			ProcessTimeout: getEnvAsDuration("SCHEDULER_PROCESS_TIMEOUT", 0),
		},
		Tiling: TilingConfig{
			Compression:    strings.ToLower(getEnv("TILE_COMPRESSION", "lzw")),
			TileSize:       getEnvAsInt("TILE_SIZE", 512),
			Overlap:        getEnvAsInt("TILE_OVERLAP", 64),
			TargetCRS:      getEnv("TILE_TARGET_CRS", "EPSG:4326"),
			MaxSourceBytes: getEnvAsInt64("TILE_MAX_SOURCE_BYTES", 1<<30),
		},
		Ingest: IngestConfig{
			Dir:            getEnv("INGEST_DIR", ""),
			Debounce:       getEnvAsDuration("INGEST_DEBOUNCE", 2*time.Second),
			DefaultParcel:  getEnv("INGEST_DEFAULT_PARCEL", ""),
			DefaultMission: getEnv("INGEST_DEFAULT_MISSION", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "INFO"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return ConfigurationError("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return ConfigurationError("DB_URL is required")
	}
	if c.Server.GRPCAddr == "" {
		return ConfigurationError("GRPC_ADDR is required")
	}
	if c.ObjectStore.RawBucket == "" || c.ObjectStore.TilesBucket == "" {
		return ConfigurationError("MINIO_RAW_BUCKET and MINIO_TILES_BUCKET are required")
	}
	if c.Scheduler.Workers <= 0 {
		return ConfigurationError("SCHEDULER_WORKERS must be positive")
	}
	switch c.Tiling.Compression {
	case "lzw", "deflate":
	default:
		return ConfigurationError("TILE_COMPRESSION must be lzw or deflate, got %q", c.Tiling.Compression)
	}
	if c.Tiling.Overlap < 0 || c.Tiling.TileSize-c.Tiling.Overlap < 1 {
		return ConfigurationError("TILE_SIZE - TILE_OVERLAP must be at least 1")
	}
	if c.Tiling.MaxSourceBytes <= 0 {
		return ConfigurationError("TILE_MAX_SOURCE_BYTES must be positive")
	}
	return nil
}
