package memory

import (
	"context"
	"time"
)

// Observer receives memory lifecycle counts. Implementations must be safe for
// concurrent use.
type Observer interface {
	MemoryAdded(memoryType string)
	MemoriesExpired(count int)
}

// Store is the memory surface the hybrid engine depends on.
type Store interface {
	Add(ctx context.Context, conversationID, userID, memoryType string, content map[string]any, importance float64) (Memory, error)
	AddWithRetention(ctx context.Context, conversationID, userID, memoryType string, content map[string]any, importance float64, retention time.Duration) (Memory, error)
	Relevant(ctx context.Context, conversationID, query string, limit int) ([]Memory, error)
	Forget(conversationID string)
}

// Policy controls capture and retention.
type Policy interface {
	RetentionFor(memoryType string) time.Duration
	ShouldRecall(m ScoredMemory) bool
}
