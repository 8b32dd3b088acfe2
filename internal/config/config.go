package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"taxreply/internal/chunker"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "TAXREPLY_CONFIG"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Chunking    ChunkingConfig            `mapstructure:"chunking"`
	Retrieval   RetrievalConfig           `mapstructure:"retrieval"`
	Chat        ChatConfig                `mapstructure:"chat"`
	Worker      WorkerConfig              `mapstructure:"worker"`
	Secrets     SecretsConfig             `mapstructure:"secrets"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	DBType        string `mapstructure:"db_type"`
}

// DatabaseConfig holds either a DSN (sqlite3) or discrete mysql fields.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

// RedisConfig is optional; an empty Host disables the history cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig carries fallback credentials for a chat provider. Values stored in the
// settings table take precedence over these.
type ProviderConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	APIVersion string `mapstructure:"api_version"`
}

type ChunkingConfig struct {
	MaxChars int `mapstructure:"max_chars"`
	Overlap  int `mapstructure:"overlap"`
}

type RetrievalConfig struct {
	LexicalIndexPath    string       `mapstructure:"lexical_index_path"`
	SimilarityThreshold float64      `mapstructure:"similarity_threshold"`
	Qdrant              QdrantConfig `mapstructure:"qdrant"`
	Embedding           EmbedConfig  `mapstructure:"embedding"`
}

// QdrantConfig enables the external semantic backend when URL is set.
type QdrantConfig struct {
	URL         string `mapstructure:"url"`
	APIKey      string `mapstructure:"api_key"`
	Collection  string `mapstructure:"collection"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
}

type EmbedConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
}

type ChatConfig struct {
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type WorkerConfig struct {
	MinWorkers    int           `mapstructure:"min_workers"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SecretsConfig struct {
	KeyEnv string `mapstructure:"key_env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.db_type", "sqlite3")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("chunking.max_chars", 1500)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("retrieval.similarity_threshold", 0.05)
	v.SetDefault("retrieval.qdrant.collection", "taxreply_chunks")
	v.SetDefault("retrieval.qdrant.timeout_secs", 15)
	v.SetDefault("retrieval.embedding.model", "text-embedding-3-small")
	v.SetDefault("retrieval.embedding.timeout_secs", 30)
	v.SetDefault("chat.temperature", 0.3)
	v.SetDefault("chat.max_tokens", 4096)
	v.SetDefault("chat.request_timeout", 5*time.Minute)
	v.SetDefault("worker.min_workers", 1)
	v.SetDefault("worker.max_workers", 4)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.idle_timeout", 30*time.Second)
	v.SetDefault("worker.sweep_interval", time.Hour)
	v.SetDefault("secrets.key_env", "TAXREPLY_SETTINGS_KEY")
}

// Load reads configuration from the provided path (defaults to config.json).
// Environment variables prefixed with TAXREPLY_ override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("TAXREPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(baseDir string) error {
	dbType := strings.ToLower(c.BasicConfig.DBType)
	dbCfg, ok := c.Databases[dbType]
	if !ok {
		return fmt.Errorf("database config for %s not found", dbType)
	}
	if dbType == "sqlite" || dbType == "sqlite3" {
		if dbCfg.DSN == "" {
			return errors.New("sqlite dsn must be configured")
		}
		if !strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
			c.Databases[dbType] = dbCfg
		}
	}
	if c.Retrieval.LexicalIndexPath != "" && !filepath.IsAbs(c.Retrieval.LexicalIndexPath) {
		c.Retrieval.LexicalIndexPath = filepath.Join(baseDir, c.Retrieval.LexicalIndexPath)
	}
	if c.Chunking.MaxChars < chunker.MinChars {
		return fmt.Errorf("chunking max_chars %d must be at least %d", c.Chunking.MaxChars, chunker.MinChars)
	}
	if c.Chunking.Overlap >= c.Chunking.MaxChars {
		return fmt.Errorf("chunking overlap %d must be smaller than max_chars %d", c.Chunking.Overlap, c.Chunking.MaxChars)
	}
	return nil
}

// Provider returns the fallback config for a provider, or a zero value.
func (c *Config) Provider(name string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}
