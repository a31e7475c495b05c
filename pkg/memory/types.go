package memory

import (
	"encoding/json"
	"time"
)

// Memory types recorded by the hybrid engine. MemoryType is free-form; these
// are the ones the engine itself writes.
const (
	TypeUserInteraction = "user_interaction"
	TypeToolUsage       = "tool_usage"
	TypeModeChange      = "mode_change"
)

// Memory is one short-lived, importance-weighted fact about a conversation.
type Memory struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	MemoryType     string         `json:"memory_type"`
	Content        map[string]any `json:"content"`
	Importance     float64        `json:"importance"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Expired reports whether the memory has passed its expiry at now.
func (m Memory) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

func (m Memory) clone() Memory {
	out := m
	if m.Content != nil {
		out.Content = make(map[string]any, len(m.Content))
		for k, v := range m.Content {
			out.Content[k] = v
		}
	}
	return out
}

// ScoredMemory is a memory paired with its relevance to a query.
type ScoredMemory struct {
	Memory
	Relevance float64 `json:"relevance"`
}

// Stats summarizes the live memory map.
type Stats struct {
	Conversations int            `json:"conversations"`
	Memories      int            `json:"memories"`
	ByType        map[string]int `json:"by_type"`
}

// JobStatus values for sweep runs.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRecord describes one expiry sweep run.
type JobRecord struct {
	ID         string    `json:"id"`
	JobType    string    `json:"job_type"`
	Status     string    `json:"status"`
	Removed    int       `json:"removed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// MarshalContent renders content deterministically for logs and snapshots.
func MarshalContent(content map[string]any) string {
	if len(content) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
