package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all client tunables. Values load from YAML, then any
// ESSENCETAP_* environment variables override the file.
type Config struct {
	ServerURL  string `yaml:"server_url" env:"ESSENCETAP_SERVER_URL"`
	PlayerName string `yaml:"player_name" env:"ESSENCETAP_PLAYER_NAME"`
	AuthToken  string `yaml:"auth_token" env:"ESSENCETAP_AUTH_TOKEN"`

	Batch   Batch   `yaml:"batch"`
	Backoff Backoff `yaml:"backoff"`
	Queue   Queue   `yaml:"queue"`

	JournalDir string `yaml:"journal_dir" env:"ESSENCETAP_JOURNAL_DIR"`
	StatsDB    string `yaml:"stats_db" env:"ESSENCETAP_STATS_DB"`
}

type Batch struct {
	WindowMs     int `yaml:"window_ms" env:"ESSENCETAP_BATCH_WINDOW_MS"`
	MaxSize      int `yaml:"max_size" env:"ESSENCETAP_BATCH_MAX_SIZE"`
	GoldenPct    int `yaml:"golden_pct"`
	ComboDecayMs int `yaml:"combo_decay_ms"`
}

type Backoff struct {
	BaseMs      int `yaml:"base_ms" env:"ESSENCETAP_BACKOFF_BASE_MS"`
	MaxMs       int `yaml:"max_ms" env:"ESSENCETAP_BACKOFF_MAX_MS"`
	MaxAttempts int `yaml:"max_attempts" env:"ESSENCETAP_BACKOFF_MAX_ATTEMPTS"`
	SettleMs    int `yaml:"settle_ms"`
}

type Queue struct {
	Capacity int `yaml:"capacity" env:"ESSENCETAP_QUEUE_CAPACITY"`
}

func Load(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("client.yaml: %w", err)
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("env overrides: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a usable config without a file on disk.
func Default() Config {
	var c Config
	c.Normalize()
	return c
}

func (c *Config) Normalize() {
	if c.ServerURL == "" {
		c.ServerURL = "ws://localhost:8080/v1/ws"
	}
	if c.PlayerName == "" {
		c.PlayerName = "tapper"
	}
	if c.Batch.WindowMs <= 0 {
		c.Batch.WindowMs = 50
	}
	if c.Batch.MaxSize <= 0 {
		c.Batch.MaxSize = 50
	}
	if c.Batch.GoldenPct < 0 || c.Batch.GoldenPct > 100 {
		c.Batch.GoldenPct = 1
	}
	if c.Batch.ComboDecayMs <= 0 {
		c.Batch.ComboDecayMs = 2000
	}
	if c.Backoff.BaseMs <= 0 {
		c.Backoff.BaseMs = 500
	}
	if c.Backoff.MaxMs <= 0 {
		c.Backoff.MaxMs = 30000
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 8
	}
	if c.Backoff.SettleMs <= 0 {
		c.Backoff.SettleMs = 250
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 64
	}
}

func (c *Config) Validate() error {
	if c.Batch.MaxSize > 1000 {
		return fmt.Errorf("batch.max_size %d exceeds 1000", c.Batch.MaxSize)
	}
	if c.Backoff.BaseMs > c.Backoff.MaxMs {
		return fmt.Errorf("backoff.base_ms %d exceeds backoff.max_ms %d", c.Backoff.BaseMs, c.Backoff.MaxMs)
	}
	return nil
}

func (b Batch) Window() time.Duration      { return time.Duration(b.WindowMs) * time.Millisecond }
func (b Batch) ComboDecay() time.Duration  { return time.Duration(b.ComboDecayMs) * time.Millisecond }
func (b Backoff) Base() time.Duration      { return time.Duration(b.BaseMs) * time.Millisecond }
func (b Backoff) Max() time.Duration       { return time.Duration(b.MaxMs) * time.Millisecond }
func (b Backoff) Settle() time.Duration    { return time.Duration(b.SettleMs) * time.Millisecond }
