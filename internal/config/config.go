package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/PelleKrab/eth-mempool-analysis/internal/storage"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/fetchers"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/supervisor"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// ClickHouseConfig locates the archive database
type ClickHouseConfig struct {
	URL         string `yaml:"url"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// AnalysisConfig holds the block range and the tunables of the analysis
type AnalysisConfig struct {
	StartBlock      uint64 `yaml:"start_block"`
	EndBlock        uint64 `yaml:"end_block"` // exclusive
	BatchSizeBlocks uint64 `yaml:"batch_size_blocks"`
	ChunkSizeBlocks uint64 `yaml:"chunk_size_blocks"`
	Workers         int    `yaml:"workers"`

	TimeWindowStartSecs            int64   `yaml:"time_window_start_secs"`
	TimeWindowEndSecs              int64   `yaml:"time_window_end_secs"`
	CensorshipDwellTimeSecs        int64   `yaml:"censorship_dwell_time_secs"`
	CensorshipMaxDwellTimeSecs     int64   `yaml:"censorship_max_dwell_time_secs"`
	CensorshipFeePercentile        float64 `yaml:"censorship_fee_percentile"`
	CensorshipPercentileWindowSecs int64   `yaml:"censorship_percentile_window_secs"`
}

type OutputConfig struct {
	ResultsDir   string `yaml:"results_dir"`
	ChunksDir    string `yaml:"chunks_dir"`
	CombinedFile string `yaml:"combined_file"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"` // empty selects the in-memory cache
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// MinioConfig enables chunk uploads when Endpoint is set
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	BasePath  string `yaml:"base_path"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// NATSConfig enables chunk events and KV status when URL is set
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Bucket  string `yaml:"bucket"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// ExportsConfig points at parquet exports used instead of ClickHouse
type ExportsConfig struct {
	Blocks   string `yaml:"blocks"`
	Mempool  string `yaml:"mempool"`
	Included string `yaml:"included"`
}

// Config holds the application configuration
type Config struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Output     OutputConfig     `yaml:"output"`
	Redis      RedisConfig      `yaml:"redis"`
	Minio      MinioConfig      `yaml:"minio"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportsConfig    `yaml:"exports"`
}

// Default returns the configuration used for keys that are not set
func Default() *Config {
	params := focil.DefaultParams()
	return &Config{
		ClickHouse: ClickHouseConfig{
			Database:    "default",
			TimeoutSecs: 300,
			MaxRetries:  3,
		},
		Analysis: AnalysisConfig{
			BatchSizeBlocks:                100,
			ChunkSizeBlocks:                10_000,
			Workers:                        4,
			TimeWindowStartSecs:            params.WindowStart,
			TimeWindowEndSecs:              params.WindowEnd,
			CensorshipDwellTimeSecs:        params.MinDwell,
			CensorshipMaxDwellTimeSecs:     params.MaxDwell,
			CensorshipFeePercentile:        params.FeePercentile,
			CensorshipPercentileWindowSecs: params.PercentileWindow,
		},
		Output: OutputConfig{
			ResultsDir:   "results",
			ChunksDir:    filepath.Join("results", "chunks"),
			CombinedFile: filepath.Join("results", "focil_combined.parquet"),
		},
		Redis:   RedisConfig{CacheTTL: 24 * time.Hour},
		Minio:   MinioConfig{Bucket: "focil-analysis", BasePath: "focil", Region: "us-east-1"},
		NATS:    NATSConfig{Stream: "FOCIL_CHUNKS", Subject: "focil.chunks", Bucket: "focil_chunk_status"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromEnv loads configuration from environment variables, reading a
// .env file in the working directory first when present
func LoadFromEnv() (*Config, error) {
	loadDotEnv(".env")
	cfg := Default()

	cfg.ClickHouse.URL = getEnvWithDefault("CLICKHOUSE_URL", cfg.ClickHouse.URL)
	cfg.ClickHouse.User = getEnvWithDefault("CLICKHOUSE_USER", cfg.ClickHouse.User)
	cfg.ClickHouse.Password = getEnvWithDefault("CLICKHOUSE_PASSWORD", cfg.ClickHouse.Password)
	cfg.ClickHouse.Database = getEnvWithDefault("CLICKHOUSE_DATABASE", cfg.ClickHouse.Database)
	cfg.ClickHouse.TimeoutSecs = int(getEnvAsDuration("REQUEST_TIMEOUT", time.Duration(cfg.ClickHouse.TimeoutSecs)*time.Second) / time.Second)
	cfg.ClickHouse.MaxRetries = getEnvAsInt("MAX_RETRIES", cfg.ClickHouse.MaxRetries)

	a := &cfg.Analysis
	a.StartBlock = getEnvAsUint64("START_BLOCK", a.StartBlock)
	a.EndBlock = getEnvAsUint64("END_BLOCK", a.EndBlock)
	a.BatchSizeBlocks = getEnvAsUint64("BATCH_SIZE_BLOCKS", a.BatchSizeBlocks)
	a.ChunkSizeBlocks = getEnvAsUint64("CHUNK_SIZE_BLOCKS", a.ChunkSizeBlocks)
	a.Workers = getEnvAsInt("WORKERS", a.Workers)
	a.TimeWindowStartSecs = int64(getEnvAsInt("TIME_WINDOW_START_SECS", int(a.TimeWindowStartSecs)))
	a.TimeWindowEndSecs = int64(getEnvAsInt("TIME_WINDOW_END_SECS", int(a.TimeWindowEndSecs)))
	a.CensorshipDwellTimeSecs = int64(getEnvAsInt("CENSORSHIP_DWELL_TIME_SECS", int(a.CensorshipDwellTimeSecs)))
	a.CensorshipMaxDwellTimeSecs = int64(getEnvAsInt("CENSORSHIP_MAX_DWELL_TIME_SECS", int(a.CensorshipMaxDwellTimeSecs)))
	a.CensorshipFeePercentile = getEnvAsFloat("CENSORSHIP_FEE_PERCENTILE", a.CensorshipFeePercentile)
	a.CensorshipPercentileWindowSecs = int64(getEnvAsInt("CENSORSHIP_PERCENTILE_WINDOW_SECS", int(a.CensorshipPercentileWindowSecs)))

	cfg.Output.ResultsDir = getEnvWithDefault("RESULTS_DIR", cfg.Output.ResultsDir)
	cfg.Output.ChunksDir = getEnvWithDefault("CHUNKS_DIR", cfg.Output.ChunksDir)
	cfg.Output.CombinedFile = getEnvWithDefault("COMBINED_FILE", cfg.Output.CombinedFile)

	cfg.Redis.URL = getEnvWithDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.CacheTTL = getEnvAsDuration("CACHE_TTL", cfg.Redis.CacheTTL)

	cfg.Minio.Endpoint = getEnvWithDefault("MINIO_ENDPOINT", cfg.Minio.Endpoint)
	cfg.Minio.AccessKey = getEnvWithDefault("MINIO_ACCESS_KEY", cfg.Minio.AccessKey)
	cfg.Minio.SecretKey = getEnvWithDefault("MINIO_SECRET_KEY", cfg.Minio.SecretKey)
	cfg.Minio.Bucket = getEnvWithDefault("MINIO_BUCKET", cfg.Minio.Bucket)
	cfg.Minio.UseSSL = getEnvAsBool("MINIO_USE_SSL", cfg.Minio.UseSSL)

	cfg.NATS.URL = getEnvWithDefault("NATS_URL", cfg.NATS.URL)

	cfg.Logging.Level = getEnvWithDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSON = getEnvAsBool("LOG_JSON", cfg.Logging.JSON)

	cfg.Exports.Blocks = getEnvWithDefault("EXPORT_BLOCKS", cfg.Exports.Blocks)
	cfg.Exports.Mempool = getEnvWithDefault("EXPORT_MEMPOOL", cfg.Exports.Mempool)
	cfg.Exports.Included = getEnvWithDefault("EXPORT_INCLUDED", cfg.Exports.Included)

	return cfg, nil
}

// Load reads a YAML config file (path), falls back to environment loader
// when the file does not exist. ${VAR} and ${VAR:default} references are
// resolved before parsing; a .env file next to the config is read first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	loadDotEnv(".env")

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv resolves ${VAR} and ${VAR:default}. A reference without a
// default to an unset variable is an error.
func ExpandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		expr := envRef.FindStringSubmatch(ref)[1]
		name, def, hasDefault := strings.Cut(expr, ":")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: unset environment variables %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return out, nil
}

// Validate checks sizes and analysis parameters. The block range is
// checked separately by Range since not every command needs one.
func (c *Config) Validate() error {
	var problems []string
	if c.Analysis.BatchSizeBlocks == 0 {
		problems = append(problems, "analysis.batch_size_blocks must be positive")
	}
	if c.Analysis.ChunkSizeBlocks == 0 {
		problems = append(problems, "analysis.chunk_size_blocks must be positive")
	}
	if c.Analysis.Workers < 1 {
		problems = append(problems, "analysis.workers must be at least 1")
	}
	if err := c.Params().Validate(); err != nil {
		problems = append(problems, "analysis: "+err.Error())
	}
	if c.ClickHouse.MaxRetries < 1 {
		problems = append(problems, "clickhouse.max_retries must be at least 1")
	}
	if c.Minio.Endpoint != "" && c.Minio.Bucket == "" {
		problems = append(problems, "minio.bucket is required when minio.endpoint is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Range returns the configured [start, end) block range
func (c *Config) Range() (uint64, uint64, error) {
	start, end := c.Analysis.StartBlock, c.Analysis.EndBlock
	if end <= start {
		return 0, 0, fmt.Errorf("%w: end_block %d must be greater than start_block %d", ErrInvalidConfig, end, start)
	}
	return start, end, nil
}

// HasExports reports whether all three parquet exports are configured
func (c *Config) HasExports() bool {
	return c.Exports.Blocks != "" && c.Exports.Mempool != "" && c.Exports.Included != ""
}

// Params converts the analysis section
func (c *Config) Params() focil.Params {
	a := c.Analysis
	return focil.Params{
		WindowStart:      a.TimeWindowStartSecs,
		WindowEnd:        a.TimeWindowEndSecs,
		MinDwell:         a.CensorshipDwellTimeSecs,
		MaxDwell:         a.CensorshipMaxDwellTimeSecs,
		FeePercentile:    a.CensorshipFeePercentile,
		PercentileWindow: a.CensorshipPercentileWindowSecs,
	}
}

// ClickHouseClient converts the clickhouse section
func (c *Config) ClickHouseClient() fetchers.ClickHouseConfig {
	cfg := fetchers.DefaultClickHouseConfig()
	cfg.URL = c.ClickHouse.URL
	cfg.User = c.ClickHouse.User
	cfg.Password = c.ClickHouse.Password
	cfg.Database = c.ClickHouse.Database
	if c.ClickHouse.TimeoutSecs > 0 {
		cfg.Timeout = time.Duration(c.ClickHouse.TimeoutSecs) * time.Second
	}
	if c.ClickHouse.MaxRetries > 0 {
		cfg.MaxRetries = c.ClickHouse.MaxRetries
	}
	cfg.CacheTTL = c.Redis.CacheTTL
	return cfg
}

// MinioStorage converts the minio section
func (c *Config) MinioStorage() persistence.MinioConfig {
	return persistence.MinioConfig{
		Endpoint:   c.Minio.Endpoint,
		AccessKey:  c.Minio.AccessKey,
		SecretKey:  c.Minio.SecretKey,
		UseSSL:     c.Minio.UseSSL,
		BucketName: c.Minio.Bucket,
		BasePath:   c.Minio.BasePath,
	}
}

// S3 is the object store DuckDB reads s3:// paths from
func (c *Config) S3() storage.S3Config {
	return storage.S3Config{
		Endpoint:  c.Minio.Endpoint,
		AccessKey: c.Minio.AccessKey,
		SecretKey: c.Minio.SecretKey,
		UseSSL:    c.Minio.UseSSL,
		Region:    c.Minio.Region,
	}
}

// ExportPaths converts the exports section
func (c *Config) ExportPaths() storage.ExportPaths {
	return storage.ExportPaths{
		Blocks:   c.Exports.Blocks,
		Mempool:  c.Exports.Mempool,
		Included: c.Exports.Included,
	}
}

// Reporter converts the nats section
func (c *Config) Reporter() supervisor.NATSConfig {
	return supervisor.NATSConfig{
		URL:     c.NATS.URL,
		Stream:  c.NATS.Stream,
		Subject: c.NATS.Subject,
		Bucket:  c.NATS.Bucket,
	}
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
