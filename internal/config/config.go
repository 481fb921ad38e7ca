// Package config loads worker configuration from a YAML file, a .env file
// and the environment.
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

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/notify"
	"github.com/bdougie/formcheck/internal/queue"
	"github.com/bdougie/formcheck/internal/storage"
)

// DefaultFile is read when no path is given and CONFIG_FILE is unset
const DefaultFile = "config.yaml"

type Config struct {
	Log       LogConfig              `yaml:"log"`
	Postgres  storage.PostgresConfig `yaml:"postgres"`
	Redis     RedisConfig            `yaml:"redis"`
	Ollama    OllamaConfig           `yaml:"ollama"`
	Pose      PoseConfig             `yaml:"pose"`
	Extractor ExtractorConfig        `yaml:"extractor"`
	Catalogs  CatalogConfig          `yaml:"catalogs"`
	Decision  decision.Options       `yaml:"decision"`
	Queue     queue.Config           `yaml:"queue"`
	Stream    queue.StreamConfig     `yaml:"stream"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Notify    NotifyConfig           `yaml:"notify"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"time_format"`
	NoColor    bool   `yaml:"no_color"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

type OllamaConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Port             int           `yaml:"port"`
	Model            string        `yaml:"model"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	EmbeddingWorkers int           `yaml:"embedding_workers"`
	Timeout          time.Duration `yaml:"timeout"`
}

// URL joins BaseURL and Port.
func (o OllamaConfig) URL() string {
	return fmt.Sprintf("%s:%d", strings.TrimRight(o.BaseURL, "/"), o.Port)
}

type PoseConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ExtractorConfig struct {
	FFmpeg  string                `yaml:"ffmpeg"`
	WorkDir string                `yaml:"work_dir"`
	Options models.ExtractOptions `yaml:"options"`
}

type CatalogConfig struct {
	References string `yaml:"references"`
	Protocols  string `yaml:"protocols"`
	// Watch reloads the reference catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// NotifyConfig selects the alternate notification channel. With no MQTT
// broker, notifications that cannot be published fall back to the log.
type NotifyConfig struct {
	MQTT notify.MQTTConfig `yaml:"mqtt"`
}

type MetricsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	StallCheck    time.Duration `yaml:"stall_check"`
	// ResultsDir is used for results and metrics when no database is
	// configured.
	ResultsDir string `yaml:"results_dir"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", TimeFormat: "15:04:05"},
		Postgres: storage.PostgresConfig{
			Port: "5432", User: "postgres", DBName: "formcheck", EmbeddingDims: 768,
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0", StatusTTL: 7 * 24 * time.Hour},
		Ollama: OllamaConfig{
			BaseURL:          "http://localhost",
			Port:             11434,
			Model:            "llama3.1:8b",
			EmbeddingModel:   "nomic-embed-text",
			EmbeddingWorkers: 4,
			Timeout:          30 * time.Second,
		},
		Pose:      PoseConfig{URL: "http://localhost:8000", Timeout: 60 * time.Second},
		Extractor: ExtractorConfig{FFmpeg: "ffmpeg", WorkDir: os.TempDir(), Options: models.ExtractOptions{FPS: 2, MaxFrames: 6, Quality: 85}},
		Catalogs:  CatalogConfig{References: "references.yaml", Protocols: "protocols.yaml"},
		Decision:  decision.DefaultOptions(),
		Queue:     queue.DefaultConfig(),
		Stream:    queue.StreamConfig{Stream: "formcheck:jobs", Group: "formcheck-workers", Block: 5 * time.Second},
		Metrics:   MetricsConfig{BufferSize: 10, FlushInterval: time.Minute, StallCheck: 30 * time.Second, ResultsDir: "results"},
	}
}

// Load reads .env, then the YAML file at path, then environment
// overrides, and validates the result. An empty path means CONFIG_FILE or
// DefaultFile; a missing default file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Log.Level, "FORMCHECK_LOG_LEVEL")
	setString(&c.Postgres.URL, "DATABASE_URL")
	setString(&c.Postgres.Password, "FORMCHECK_DB_PASSWORD")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Ollama.BaseURL, "FORMCHECK_OLLAMA_URL")
	setString(&c.Ollama.Model, "FORMCHECK_OLLAMA_MODEL")
	setString(&c.Pose.URL, "FORMCHECK_POSE_URL")
	setString(&c.Extractor.WorkDir, "FORMCHECK_WORK_DIR")
	setString(&c.Stream.Consumer, "FORMCHECK_WORKER_ID")
	setString(&c.Notify.MQTT.Broker, "FORMCHECK_MQTT_BROKER")

	if v := os.Getenv("FORMCHECK_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FORMCHECK_CONCURRENCY %q: %w", v, err)
		}
		c.Queue.Concurrency = n
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required (set REDIS_URL or redis.url)")
	}
	if c.Pose.URL == "" {
		return fmt.Errorf("pose service URL is required (set FORMCHECK_POSE_URL or pose.url)")
	}
	if c.Ollama.BaseURL == "" || c.Ollama.Model == "" {
		return fmt.Errorf("ollama base URL and model are required")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if q := c.Extractor.Options.Quality; q < 1 || q > 100 {
		return fmt.Errorf("extractor quality must be within 1-100, got %d", q)
	}
	if c.Extractor.Options.FPS <= 0 || c.Extractor.Options.MaxFrames <= 0 {
		return fmt.Errorf("extractor fps and max_frames must be positive")
	}
	if c.Metrics.FlushInterval < time.Second || c.Metrics.StallCheck < time.Second {
		return fmt.Errorf("metrics flush_interval and stall_check must be at least 1s")
	}
	if c.Notify.MQTT.Broker != "" && c.Notify.MQTT.QoS > 2 {
		return fmt.Errorf("notify mqtt qos must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS)
	}
	return nil
}

// HasDatabase reports whether a Postgres connection is configured.
func (c *Config) HasDatabase() bool {
	return c.Postgres.URL != "" || c.Postgres.Host != ""
}
