package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string              `toml:"environment"` // "development" or "production"
	Server      ServerConfig        `toml:"server"`
	Auth        AuthConfig          `toml:"auth"`
	Objects     ObjectStoreConfig   `toml:"objects"`
	Mongo       MongoConfig         `toml:"mongo"`
	Redis       RedisConfig         `toml:"redis"`
	Storage     StorageConfig       `toml:"storage"`
	Queue       QueueConfig         `toml:"queue"`
	Ingestion   IngestionConfig     `toml:"ingestion"`
	Viz         VisualizationConfig `toml:"visualization"`
	Janitor     JanitorConfig       `toml:"janitor"`
	Logging     LoggingConfig       `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"required,min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

// AuthConfig carries the shared-secret bearer token settings. When Secret is
// empty the auth middleware is disabled (local development).
type AuthConfig struct {
	Secret    string `toml:"secret"`
	Algorithm string `toml:"algorithm" validate:"oneof=HS256 HS384 HS512"`
}

// ObjectStoreConfig points at the S3-compatible object store holding raw
// uploads, processed artifacts, tiles, and chart documents.
type ObjectStoreConfig struct {
	Endpoint   string `toml:"endpoint" validate:"required"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	UseSSL     bool   `toml:"use_ssl"`
	Bucket     string `toml:"bucket" validate:"required"` // datasets: raw + processed keys
	VizBucket  string `toml:"viz_bucket"`                 // defaults to Bucket when empty
	PresignTTL string `toml:"presign_ttl"`                // e.g. "15m"
}

type MongoConfig struct {
	URI      string `toml:"uri" validate:"required"`
	Database string `toml:"database" validate:"required"`
	Timeout  string `toml:"timeout"` // per-operation timeout, e.g. "10s"
}

type RedisConfig struct {
	Addr     string `toml:"addr" validate:"required"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type StorageConfig struct {
	Badger  BadgerConfig `toml:"badger"`
	TempDir string       `toml:"temp_dir"` // scratch space for raw downloads
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // 0 = autoscale from host resources
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - message redelivery timeout
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

type IngestionConfig struct {
	ChunkRows   int `toml:"chunk_rows"`    // rows per parse chunk / parquet row group
	SampleRows  int `toml:"sample_rows"`   // first-N rows persisted on the job document
	MaxMatCells int `toml:"max_mat_cells"` // cap on MAT slice materialized at ingest
}

type VisualizationConfig struct {
	Levels    []int  `toml:"levels"`     // LOD bin counts, coarsest first
	XYBudget  int    `toml:"xy_budget"`  // sampler budget for XY chart families
	XYZBudget int    `toml:"xyz_budget"` // sampler budget for XYZ chart families
	RawCap    int    `toml:"raw_cap"`    // hard cap on raw window rows
	APIBase   string `toml:"api_base"`   // compile-time default API base for the zoom loader
}

type JanitorConfig struct {
	Enabled    bool   `toml:"enabled"`
	Schedule   string `toml:"schedule"`    // cron spec, e.g. "@every 10m"
	StaleAfter string `toml:"stale_after"` // jobs stuck in started longer than this are failed
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in volare.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Auth: AuthConfig{
			Secret:    "",
			Algorithm: "HS256",
		},
		Objects: ObjectStoreConfig{
			Endpoint:   "localhost:9000",
			AccessKey:  "minioadmin",
			SecretKey:  "minioadmin",
			UseSSL:     false,
			Bucket:     "datasets",
			VizBucket:  "",
			PresignTTL: "15m",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "volare",
			Timeout:  "10s",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			TempDir: "",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       0, // autoscale from host RAM/CPU
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "volare_jobs",
		},
		Ingestion: IngestionConfig{
			ChunkRows:   200000,
			SampleRows:  10,
			MaxMatCells: 1000000,
		},
		Viz: VisualizationConfig{
			Levels:    []int{256, 1024, 4096},
			XYBudget:  120000,
			XYZBudget: 200000,
			RawCap:    2000000,
			APIBase:   "http://localhost:8085",
		},
		Janitor: JanitorConfig{
			Enabled:    true,
			Schedule:   "@every 10m",
			StaleAfter: "30m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// Validate checks the resolved configuration against struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Viz.Levels) == 0 {
		return fmt.Errorf("invalid configuration: visualization.levels must not be empty")
	}
	for i := 1; i < len(c.Viz.Levels); i++ {
		if c.Viz.Levels[i] <= c.Viz.Levels[i-1] {
			return fmt.Errorf("invalid configuration: visualization.levels must be strictly increasing")
		}
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"objects.presign_ttl", c.Objects.PresignTTL},
		{"mongo.timeout", c.Mongo.Timeout},
		{"janitor.stale_after", c.Janitor.StaleAfter},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", d.name, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VOLARE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("VOLARE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VOLARE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Auth configuration
	if secret := os.Getenv("VOLARE_AUTH_SECRET"); secret != "" {
		config.Auth.Secret = secret
	}
	if alg := os.Getenv("VOLARE_AUTH_ALGORITHM"); alg != "" {
		config.Auth.Algorithm = alg
	}

	// Object store configuration
	if endpoint := os.Getenv("VOLARE_OBJECTS_ENDPOINT"); endpoint != "" {
		config.Objects.Endpoint = endpoint
	}
	if accessKey := os.Getenv("VOLARE_OBJECTS_ACCESS_KEY"); accessKey != "" {
		config.Objects.AccessKey = accessKey
	}
	if secretKey := os.Getenv("VOLARE_OBJECTS_SECRET_KEY"); secretKey != "" {
		config.Objects.SecretKey = secretKey
	}
	if useSSL := os.Getenv("VOLARE_OBJECTS_USE_SSL"); useSSL != "" {
		if b, err := strconv.ParseBool(useSSL); err == nil {
			config.Objects.UseSSL = b
		}
	}
	if bucket := os.Getenv("VOLARE_OBJECTS_BUCKET"); bucket != "" {
		config.Objects.Bucket = bucket
	}
	if vizBucket := os.Getenv("VOLARE_OBJECTS_VIZ_BUCKET"); vizBucket != "" {
		config.Objects.VizBucket = vizBucket
	}
	if ttl := os.Getenv("VOLARE_OBJECTS_PRESIGN_TTL"); ttl != "" {
		config.Objects.PresignTTL = ttl
	}

	// Mongo configuration
	if uri := os.Getenv("VOLARE_MONGO_URI"); uri != "" {
		config.Mongo.URI = uri
	}
	if db := os.Getenv("VOLARE_MONGO_DATABASE"); db != "" {
		config.Mongo.Database = db
	}
	if timeout := os.Getenv("VOLARE_MONGO_TIMEOUT"); timeout != "" {
		config.Mongo.Timeout = timeout
	}

	// Redis configuration
	if addr := os.Getenv("VOLARE_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("VOLARE_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if db := os.Getenv("VOLARE_REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = d
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("VOLARE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if tempDir := os.Getenv("VOLARE_TEMP_DIR"); tempDir != "" {
		config.Storage.TempDir = tempDir
	}

	// Queue configuration
	if pollInterval := os.Getenv("VOLARE_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("VOLARE_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("VOLARE_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("VOLARE_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}
	if queueName := os.Getenv("VOLARE_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}

	// Ingestion configuration
	if chunkRows := os.Getenv("VOLARE_INGESTION_CHUNK_ROWS"); chunkRows != "" {
		if n, err := strconv.Atoi(chunkRows); err == nil && n > 0 {
			config.Ingestion.ChunkRows = n
		}
	}
	if maxCells := os.Getenv("VOLARE_INGESTION_MAX_MAT_CELLS"); maxCells != "" {
		if n, err := strconv.Atoi(maxCells); err == nil && n > 0 {
			config.Ingestion.MaxMatCells = n
		}
	}

	// Visualization configuration
	if apiBase := os.Getenv("VOLARE_VIZ_API_BASE"); apiBase != "" {
		config.Viz.APIBase = apiBase
	}

	// Janitor configuration
	if enabled := os.Getenv("VOLARE_JANITOR_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Janitor.Enabled = b
		}
	}
	if schedule := os.Getenv("VOLARE_JANITOR_SCHEDULE"); schedule != "" {
		config.Janitor.Schedule = schedule
	}

	// Logging configuration
	if level := os.Getenv("VOLARE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VOLARE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// VizBucketName returns the bucket holding visualization artifacts,
// falling back to the dataset bucket when none is configured.
func (c *Config) VizBucketName() string {
	if c.Objects.VizBucket != "" {
		return c.Objects.VizBucket
	}
	return c.Objects.Bucket
}

// PresignTTL returns the presigned URL lifetime as a duration.
func (c *Config) PresignTTL() time.Duration {
	if d, err := time.ParseDuration(c.Objects.PresignTTL); err == nil && d > 0 {
		return d
	}
	return 15 * time.Minute
}

// MongoTimeout returns the per-operation Mongo timeout as a duration.
func (c *Config) MongoTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Mongo.Timeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
