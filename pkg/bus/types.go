package bus

import "time"

// Event kinds published by the hybrid engine.
const (
	KindInitialized = "conversation_initialized"
	KindReset       = "conversation_reset"
	KindDecision    = "mode_decision"
	KindModeChange  = "mode_change"
	KindCleanup     = "conversation_cleanup"
)

// Event is a mode-engine notification. Mode fields are plain strings so the
// bus carries no dependency on the engine package.
type Event struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	FromMode       string    `json:"from_mode,omitempty"`
	ToMode         string    `json:"to_mode,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Complexity     float64   `json:"complexity,omitempty"`
	At             time.Time `json:"at"`
}
