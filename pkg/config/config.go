package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/tools"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace string        `json:"workspace" yaml:"workspace" env:"HYBRIDMODE_WORKSPACE"`
	Hybrid    HybridConfig  `json:"hybrid" yaml:"hybrid"`
	Memory    MemoryConfig  `json:"memory" yaml:"memory"`
	Audit     AuditConfig   `json:"audit" yaml:"audit"`
	Backup    BackupConfig  `json:"backup" yaml:"backup"`
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics"`
	Log       LogConfig     `json:"log" yaml:"log"`
	Tools     ToolsConfig   `json:"tools" yaml:"tools"`
	mu        sync.RWMutex
}

// HybridConfig holds the defaults applied to new conversations.
type HybridConfig struct {
	DefaultMode               string  `json:"default_mode" yaml:"default_mode" env:"HYBRIDMODE_HYBRID_DEFAULT_MODE"`
	AutoModeEnabled           bool    `json:"auto_mode_enabled" yaml:"auto_mode_enabled" env:"HYBRIDMODE_HYBRID_AUTO_MODE_ENABLED"`
	ComplexityThreshold       float64 `json:"complexity_threshold" yaml:"complexity_threshold" env:"HYBRIDMODE_HYBRID_COMPLEXITY_THRESHOLD"`
	ConfidenceThreshold       float64 `json:"confidence_threshold" yaml:"confidence_threshold" env:"HYBRIDMODE_HYBRID_CONFIDENCE_THRESHOLD"`
	ContextWindowSize         int     `json:"context_window_size" yaml:"context_window_size" env:"HYBRIDMODE_HYBRID_CONTEXT_WINDOW_SIZE"`
	MemoryRetentionHours      int     `json:"memory_retention_hours" yaml:"memory_retention_hours" env:"HYBRIDMODE_HYBRID_MEMORY_RETENTION_HOURS"`
	ReasoningStepsMax         int     `json:"reasoning_steps_max" yaml:"reasoning_steps_max" env:"HYBRIDMODE_HYBRID_REASONING_STEPS_MAX"`
	ToolRelevanceThreshold    float64 `json:"tool_relevance_threshold" yaml:"tool_relevance_threshold" env:"HYBRIDMODE_HYBRID_TOOL_RELEVANCE_THRESHOLD"`
	ContextRelevanceThreshold float64 `json:"context_relevance_threshold" yaml:"context_relevance_threshold" env:"HYBRIDMODE_HYBRID_CONTEXT_RELEVANCE_THRESHOLD"`
}

type MemoryConfig struct {
	CacheSeconds  int    `json:"cache_seconds" yaml:"cache_seconds" env:"HYBRIDMODE_MEMORY_CACHE_SECONDS"`
	DefaultLimit  int    `json:"default_limit" yaml:"default_limit" env:"HYBRIDMODE_MEMORY_DEFAULT_LIMIT"`
	SweepEnabled  bool   `json:"sweep_enabled" yaml:"sweep_enabled" env:"HYBRIDMODE_MEMORY_SWEEP_ENABLED"`
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule" env:"HYBRIDMODE_MEMORY_SWEEP_SCHEDULE"`
}

type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"HYBRIDMODE_AUDIT_ENABLED"`
	Path          string `json:"path" yaml:"path" env:"HYBRIDMODE_AUDIT_PATH"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days" env:"HYBRIDMODE_AUDIT_RETENTION_DAYS"`
}

type BackupConfig struct {
	Dir            string `json:"dir" yaml:"dir" env:"HYBRIDMODE_BACKUP_DIR"`
	Compress       bool   `json:"compress" yaml:"compress" env:"HYBRIDMODE_BACKUP_COMPRESS"`
	RetentionDays  int    `json:"retention_days" yaml:"retention_days" env:"HYBRIDMODE_BACKUP_RETENTION_DAYS"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries" env:"HYBRIDMODE_BACKUP_MAX_RETRIES"`
	RetryBackoffMS int    `json:"retry_backoff_ms" yaml:"retry_backoff_ms" env:"HYBRIDMODE_BACKUP_RETRY_BACKOFF_MS"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"HYBRIDMODE_METRICS_ENABLED"`
	Listen  string `json:"listen" yaml:"listen" env:"HYBRIDMODE_METRICS_LISTEN"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"HYBRIDMODE_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"HYBRIDMODE_LOG_FORMAT"`
}

type ToolsConfig struct {
	Catalog []tools.StaticTool `json:"catalog" yaml:"catalog"`
}

func DefaultConfig() *Config {
	modes := hybrid.DefaultHybridModeConfig()
	return &Config{
		Workspace: "~/.hybridmode",
		Hybrid: HybridConfig{
			DefaultMode:               string(hybrid.ModeAuto),
			AutoModeEnabled:           modes.AutoModeEnabled,
			ComplexityThreshold:       modes.ComplexityThreshold,
			ConfidenceThreshold:       modes.ConfidenceThreshold,
			ContextWindowSize:         modes.ContextWindowSize,
			MemoryRetentionHours:      modes.MemoryRetentionHours,
			ReasoningStepsMax:         modes.ReasoningStepsMax,
			ToolRelevanceThreshold:    modes.ToolRelevanceThreshold,
			ContextRelevanceThreshold: modes.ContextRelevanceThreshold,
		},
		Memory: MemoryConfig{
			CacheSeconds:  15,
			DefaultLimit:  5,
			SweepEnabled:  true,
			SweepSchedule: "*/5 * * * *",
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Backup: BackupConfig{
			Compress:       true,
			RetentionDays:  30,
			MaxRetries:     3,
			RetryBackoffMS: 200,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tools: ToolsConfig{
			Catalog: []tools.StaticTool{
				{ToolName: "web_search", ToolDescription: "Search the web for current information"},
				{ToolName: "web_fetch", ToolDescription: "Fetch and read a web page"},
				{ToolName: "read_file", ToolDescription: "Read a file from the workspace"},
				{ToolName: "calculator", ToolDescription: "Evaluate arithmetic expressions"},
			},
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults,
// then applies HYBRIDMODE_* environment overrides. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate checks the hybrid defaults and the sections that have no
// fallback.
func (c *Config) Validate() error {
	var errs []error
	if _, err := hybrid.ParseMode(c.Hybrid.DefaultMode); err != nil {
		errs = append(errs, fmt.Errorf("hybrid.default_mode: %w", err))
	}
	if err := c.ModeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ModeConfig converts the hybrid section to engine thresholds.
func (c *Config) ModeConfig() hybrid.HybridModeConfig {
	return hybrid.HybridModeConfig{
		AutoModeEnabled:           c.Hybrid.AutoModeEnabled,
		ComplexityThreshold:       c.Hybrid.ComplexityThreshold,
		ConfidenceThreshold:       c.Hybrid.ConfidenceThreshold,
		ContextWindowSize:         c.Hybrid.ContextWindowSize,
		MemoryRetentionHours:      c.Hybrid.MemoryRetentionHours,
		ReasoningStepsMax:         c.Hybrid.ReasoningStepsMax,
		ToolRelevanceThreshold:    c.Hybrid.ToolRelevanceThreshold,
		ContextRelevanceThreshold: c.Hybrid.ContextRelevanceThreshold,
	}
}

func (c *Config) DefaultMode() hybrid.Mode {
	mode, err := hybrid.ParseMode(c.Hybrid.DefaultMode)
	if err != nil {
		return hybrid.ModeAuto
	}
	return mode
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// AuditPath defaults to <workspace>/state/audit.db.
func (c *Config) AuditPath() string {
	c.mu.RLock()
	p := c.Audit.Path
	c.mu.RUnlock()
	if strings.TrimSpace(p) != "" {
		return expandHome(p)
	}
	return filepath.Join(c.WorkspacePath(), "state", "audit.db")
}

// BackupDir defaults to <workspace>/backups.
func (c *Config) BackupDir() string {
	c.mu.RLock()
	d := c.Backup.Dir
	c.mu.RUnlock()
	if strings.TrimSpace(d) != "" {
		return expandHome(d)
	}
	return filepath.Join(c.WorkspacePath(), "backups")
}

func (c *Config) MemoryCacheTTL() time.Duration {
	return time.Duration(c.Memory.CacheSeconds) * time.Second
}

func (c *Config) BackupRetryBackoff() time.Duration {
	return time.Duration(c.Backup.RetryBackoffMS) * time.Millisecond
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
