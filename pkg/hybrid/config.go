package hybrid

import (
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/utils"
)

const (
	DefaultComplexityThreshold       = 0.7
	DefaultConfidenceThreshold       = 0.8
	DefaultContextWindowSize         = 20
	DefaultMemoryRetentionHours      = 24
	DefaultReasoningStepsMax         = 5
	DefaultToolRelevanceThreshold    = 0.6
	DefaultContextRelevanceThreshold = 0.6
)

// HybridModeConfig holds the per-conversation decision thresholds.
type HybridModeConfig struct {
	AutoModeEnabled           bool    `json:"auto_mode_enabled" yaml:"auto_mode_enabled"`
	ComplexityThreshold       float64 `json:"complexity_threshold" yaml:"complexity_threshold"`
	ConfidenceThreshold       float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	ContextWindowSize         int     `json:"context_window_size" yaml:"context_window_size"`
	MemoryRetentionHours      int     `json:"memory_retention_hours" yaml:"memory_retention_hours"`
	ReasoningStepsMax         int     `json:"reasoning_steps_max" yaml:"reasoning_steps_max"`
	ToolRelevanceThreshold    float64 `json:"tool_relevance_threshold" yaml:"tool_relevance_threshold"`
	ContextRelevanceThreshold float64 `json:"context_relevance_threshold" yaml:"context_relevance_threshold"`
}

func DefaultHybridModeConfig() HybridModeConfig {
	return HybridModeConfig{
		AutoModeEnabled:           true,
		ComplexityThreshold:       DefaultComplexityThreshold,
		ConfidenceThreshold:       DefaultConfidenceThreshold,
		ContextWindowSize:         DefaultContextWindowSize,
		MemoryRetentionHours:      DefaultMemoryRetentionHours,
		ReasoningStepsMax:         DefaultReasoningStepsMax,
		ToolRelevanceThreshold:    DefaultToolRelevanceThreshold,
		ContextRelevanceThreshold: DefaultContextRelevanceThreshold,
	}
}

type ConfigOption func(*HybridModeConfig)

func WithAutoMode(enabled bool) ConfigOption {
	return func(c *HybridModeConfig) { c.AutoModeEnabled = enabled }
}

func WithComplexityThreshold(v float64) ConfigOption {
	return func(c *HybridModeConfig) { c.ComplexityThreshold = v }
}

func WithConfidenceThreshold(v float64) ConfigOption {
	return func(c *HybridModeConfig) { c.ConfidenceThreshold = v }
}

func WithContextWindowSize(n int) ConfigOption {
	return func(c *HybridModeConfig) { c.ContextWindowSize = n }
}

func WithMemoryRetentionHours(h int) ConfigOption {
	return func(c *HybridModeConfig) { c.MemoryRetentionHours = h }
}

func WithReasoningStepsMax(n int) ConfigOption {
	return func(c *HybridModeConfig) { c.ReasoningStepsMax = n }
}

func WithToolRelevanceThreshold(v float64) ConfigOption {
	return func(c *HybridModeConfig) { c.ToolRelevanceThreshold = v }
}

func WithContextRelevanceThreshold(v float64) ConfigOption {
	return func(c *HybridModeConfig) { c.ContextRelevanceThreshold = v }
}

// NewHybridModeConfig applies opts over the defaults and validates the result.
func NewHybridModeConfig(opts ...ConfigOption) (HybridModeConfig, error) {
	cfg := DefaultHybridModeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return HybridModeConfig{}, err
	}
	return cfg, nil
}

// Validate returns every rejected field joined into one error.
func (c HybridModeConfig) Validate() error {
	var errs []error
	unit := func(field string, v float64) {
		if !utils.InUnitRange(v) {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("%v is outside [0,1]", v)})
		}
	}
	positive := func(field string, v int) {
		if v <= 0 {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("%d must be positive", v)})
		}
	}
	unit("complexity_threshold", c.ComplexityThreshold)
	unit("confidence_threshold", c.ConfidenceThreshold)
	unit("tool_relevance_threshold", c.ToolRelevanceThreshold)
	unit("context_relevance_threshold", c.ContextRelevanceThreshold)
	positive("context_window_size", c.ContextWindowSize)
	positive("memory_retention_hours", c.MemoryRetentionHours)
	positive("reasoning_steps_max", c.ReasoningStepsMax)
	return errors.Join(errs...)
}

// MemoryRetention is the retention as a duration.
func (c HybridModeConfig) MemoryRetention() time.Duration {
	return time.Duration(c.MemoryRetentionHours) * time.Hour
}
