package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval pipeline service.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Storage     StorageConfig     `mapstructure:"storage"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// RetrievalConfig carries the per-query defaults. Every field can be
// overridden per request; these are the workspace-wide fallbacks.
type RetrievalConfig struct {
	ChunkSize           int     `mapstructure:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap"`
	ChunkingStrategy    string  `mapstructure:"chunking_strategy"`
	SearchMode          string  `mapstructure:"search_mode"`
	TopK                int     `mapstructure:"top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	UseReranking        bool    `mapstructure:"use_reranking"`
	RerankMethod        string  `mapstructure:"rerank_method"`
	RerankTopK          int     `mapstructure:"rerank_top_k"`
	UseCache            bool    `mapstructure:"use_cache"`
	MaxContextTokens    int     `mapstructure:"max_context_tokens"`
}

func (r RetrievalConfig) Validate() error {
	if r.ChunkSize <= 0 {
		return fmt.Errorf("retrieval.chunk_size must be > 0")
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap must be in [0, chunk_size)")
	}
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0")
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [0,1]")
	}
	return nil
}

// EmbeddingConfig contains embedding backend settings.
type EmbeddingConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Dimensions    int           `mapstructure:"dimensions"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Normalize     bool          `mapstructure:"normalize"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	return nil
}

// GenerationConfig contains settings for the answer generation collaborator.
type GenerationConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CacheConfig controls the two cache tiers.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	L1MaxEntries  int           `mapstructure:"l1_max_entries"`
	L1TTL         time.Duration `mapstructure:"l1_ttl"`
	L1BackfillTTL time.Duration `mapstructure:"l1_backfill_ttl"`
	QueryTTL      time.Duration `mapstructure:"query_ttl"`
	SearchTTL     time.Duration `mapstructure:"search_ttl"`
	EmbeddingTTL  time.Duration `mapstructure:"embedding_ttl"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the Postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// VectorIndexConfig selects the vector index adapter.
type VectorIndexConfig struct {
	Driver string `mapstructure:"driver"` // postgres, chromem, memory
	Path   string `mapstructure:"path"`   // chromem persistence directory
}

func (v VectorIndexConfig) Validate() error {
	switch v.Driver {
	case "postgres", "chromem", "memory":
		return nil
	default:
		return fmt.Errorf("vector_index.driver must be postgres, chromem or memory (got %q)", v.Driver)
	}
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// MaintenanceConfig drives the background sweep scheduler.
type MaintenanceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CronSpec string `mapstructure:"cron_spec"`
}

// LoadConfig loads config from file, applying defaults and env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("retrieval.chunk_size", 1000)
	viper.SetDefault("retrieval.chunk_overlap", 200)
	viper.SetDefault("retrieval.chunking_strategy", "semantic")
	viper.SetDefault("retrieval.search_mode", "hybrid")
	viper.SetDefault("retrieval.top_k", 10)
	viper.SetDefault("retrieval.similarity_threshold", 0.7)
	viper.SetDefault("retrieval.use_reranking", true)
	viper.SetDefault("retrieval.rerank_method", "cross_encoder")
	viper.SetDefault("retrieval.rerank_top_k", 5)
	viper.SetDefault("retrieval.use_cache", true)
	viper.SetDefault("retrieval.max_context_tokens", 3000)

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimensions", 1536)
	viper.SetDefault("embedding.batch_size", 64)
	viper.SetDefault("embedding.flush_interval", "50ms")
	viper.SetDefault("embedding.normalize", true)
	viper.SetDefault("embedding.timeout", "30s")

	viper.SetDefault("generation.model", "gpt-4o-mini")
	viper.SetDefault("generation.temperature", 0.2)
	viper.SetDefault("generation.max_tokens", 1024)
	viper.SetDefault("generation.timeout", "60s")

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.l1_max_entries", 1000)
	viper.SetDefault("cache.l1_ttl", "120s")
	viper.SetDefault("cache.l1_backfill_ttl", "60s")
	viper.SetDefault("cache.query_ttl", "600s")
	viper.SetDefault("cache.search_ttl", "600s")
	viper.SetDefault("cache.embedding_ttl", "24h")

	viper.SetDefault("vector_index.driver", "postgres")
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.cron_spec", "*/10 * * * *")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ANSWERDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := config.VectorIndex.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
