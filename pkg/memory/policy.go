package memory

import "time"

const defaultRetention = 24 * time.Hour

// DefaultPolicy applies one retention window to every memory type and
// recalls every live memory, including those with zero relevance.
type DefaultPolicy struct {
	Retention time.Duration
}

func NewDefaultPolicy(retention time.Duration) *DefaultPolicy {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &DefaultPolicy{Retention: retention}
}

func (p *DefaultPolicy) RetentionFor(memoryType string) time.Duration {
	if p == nil || p.Retention <= 0 {
		return defaultRetention
	}
	return p.Retention
}

func (p *DefaultPolicy) ShouldRecall(ScoredMemory) bool {
	return true
}

// OverlapPolicy is DefaultPolicy restricted to memories that share at least
// one word with the query and carry non-zero importance.
type OverlapPolicy struct {
	DefaultPolicy
}

func NewOverlapPolicy(retention time.Duration) *OverlapPolicy {
	return &OverlapPolicy{DefaultPolicy: *NewDefaultPolicy(retention)}
}

func (p *OverlapPolicy) ShouldRecall(m ScoredMemory) bool {
	return m.Relevance > 0
}
