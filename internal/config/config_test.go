package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
postgres:
  host: db.internal
  password: secret
queue:
  concurrency: 5
  job_timeout: 90s
  rate_limit: 20
decision:
  score_threshold: 6.5
  premium_tiers: [pro]
extractor:
  options:
    fps: 3
    max_frames: 9
    quality: 70
metrics:
  flush_interval: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Queue.Concurrency != 5 || cfg.Queue.JobTimeout != 90*time.Second {
		t.Errorf("file values not applied: %+v %+v", cfg.Log, cfg.Queue)
	}
	if cfg.Decision.ScoreThreshold != 6.5 || len(cfg.Decision.PremiumTiers) != 1 {
		t.Errorf("decision = %+v", cfg.Decision)
	}
	if cfg.Extractor.Options.MaxFrames != 9 || cfg.Metrics.FlushInterval != 2*time.Minute {
		t.Errorf("extractor = %+v, metrics = %+v", cfg.Extractor, cfg.Metrics)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Ollama.Port != 11434 || cfg.Postgres.Port != "5432" {
		t.Error("defaults lost for fields absent from the file")
	}
	if !cfg.HasDatabase() {
		t.Error("HasDatabase() = false with a host configured")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "redis:\n  url: redis://file:6379/0\n")
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("DATABASE_URL", "postgres://u:p@env/formcheck")
	t.Setenv("FORMCHECK_CONCURRENCY", "7")
	t.Setenv("FORMCHECK_POSE_URL", "http://pose:9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.URL != "redis://env:6379/1" || cfg.Postgres.ConnString() != "postgres://u:p@env/formcheck" {
		t.Errorf("redis = %q, postgres = %q", cfg.Redis.URL, cfg.Postgres.ConnString())
	}
	if cfg.Queue.Concurrency != 7 || cfg.Pose.URL != "http://pose:9000" {
		t.Errorf("queue = %+v, pose = %+v", cfg.Queue, cfg.Pose)
	}

	t.Setenv("FORMCHECK_CONCURRENCY", "many")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "FORMCHECK_CONCURRENCY") {
		t.Errorf("Load() with bad concurrency = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() without a default file = %v", err)
	}
	if cfg.HasDatabase() {
		t.Error("database configured by default")
	}
	if _, err := Load("nope.yaml"); err == nil {
		t.Error("Load() accepted a missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
		{"redis", func(c *Config) { c.Redis.URL = "" }, "redis"},
		{"pose", func(c *Config) { c.Pose.URL = "" }, "pose"},
		{"concurrency", func(c *Config) { c.Queue.Concurrency = 0 }, "concurrency"},
		{"quality", func(c *Config) { c.Extractor.Options.Quality = 150 }, "quality"},
		{"fps", func(c *Config) { c.Extractor.Options.FPS = 0 }, "fps"},
		{"flush", func(c *Config) { c.Metrics.FlushInterval = 0 }, "flush_interval"},
		{"mqtt qos", func(c *Config) { c.Notify.MQTT.Broker = "tcp://mq:1883"; c.Notify.MQTT.QoS = 3 }, "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestOllamaURL(t *testing.T) {
	o := OllamaConfig{BaseURL: "http://ollama/", Port: 11434}
	if got := o.URL(); got != "http://ollama:11434" {
		t.Errorf("URL() = %q", got)
	}
}
