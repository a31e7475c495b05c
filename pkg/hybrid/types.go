package hybrid

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/memory"
)

// Mode is the processing mode for a conversation turn.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
	// ModeAuto lets the heuristics pick chat or agent per turn.
	ModeAuto Mode = "auto"
)

// ParseMode normalizes raw and reports ErrInvalidMode for unknown values.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeChat:
		return ModeChat, nil
	case ModeAgent:
		return ModeAgent, nil
	case ModeAuto:
		return ModeAuto, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
}

func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeAgent, ModeAuto:
		return true
	}
	return false
}

func (m Mode) String() string { return string(m) }

// Reason explains why a mode was recommended.
type Reason string

const (
	ReasonUserRequest          Reason = "user_request"
	ReasonComplexityHigh       Reason = "complexity_high"
	ReasonToolsAvailable       Reason = "tools_available"
	ReasonContextRequiresAgent Reason = "context_requires_agent"
	ReasonSimpleQuery          Reason = "simple_query"
	ReasonContinuation         Reason = "continuation"
)

// Message roles accepted in a ConversationContext.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ConversationContext is the prior conversation supplied with a message.
type ConversationContext struct {
	Messages []Message         `json:"messages,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Len returns the number of prior messages; nil contexts are empty.
func (c *ConversationContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Messages)
}

// Validate rejects messages with unknown roles.
func (c *ConversationContext) Validate() error {
	if c == nil {
		return nil
	}
	for i, msg := range c.Messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("context.messages[%d].role", i),
				Message: fmt.Sprintf("unknown role %q", msg.Role),
			}
		}
	}
	return nil
}

func (c *ConversationContext) recent(n int) []Message {
	if c == nil || len(c.Messages) == 0 {
		return nil
	}
	if len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// ModeTransition is one entry of a conversation's append-only mode log.
type ModeTransition struct {
	FromMode  Mode      `json:"from_mode"`
	ToMode    Mode      `json:"to_mode"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationModeState is the per-conversation record owned by the manager.
// MemoryContext and ReasoningContext are snapshots of the last decision.
type ConversationModeState struct {
	ConversationID   string           `json:"conversation_id"`
	UserID           string           `json:"user_id"`
	CurrentMode      Mode             `json:"current_mode"`
	CreatedAt        time.Time        `json:"created_at"`
	LastModeChange   time.Time        `json:"last_mode_change"`
	ModeHistory      []ModeTransition `json:"mode_history"`
	MemoryContext    []memory.Memory  `json:"memory_context,omitempty"`
	ReasoningContext []AgentReasoning `json:"reasoning_context,omitempty"`
	Config           HybridModeConfig `json:"config"`
}

func (s *ConversationModeState) clone() *ConversationModeState {
	if s == nil {
		return nil
	}
	out := *s
	out.ModeHistory = append([]ModeTransition(nil), s.ModeHistory...)
	out.MemoryContext = append([]memory.Memory(nil), s.MemoryContext...)
	out.ReasoningContext = cloneReasoning(s.ReasoningContext)
	return &out
}

// Reasoning step kinds.
const (
	StepComplexity       = "complexity"
	StepToolRelevance    = "tool_relevance"
	StepContextRelevance = "context_relevance"
)

// AgentReasoning is one templated explanation step attached to a decision.
type AgentReasoning struct {
	ReasoningID    string   `json:"reasoning_id"`
	ConversationID string   `json:"conversation_id"`
	Step           int      `json:"step"`
	Kind           string   `json:"kind"`
	Thought        string   `json:"thought"`
	Confidence     float64  `json:"confidence"`
	Evidence       []string `json:"evidence"`
	Conclusion     string   `json:"conclusion"`
	Positive       bool     `json:"positive"`
}

func cloneReasoning(in []AgentReasoning) []AgentReasoning {
	if in == nil {
		return nil
	}
	out := make([]AgentReasoning, len(in))
	for i, step := range in {
		step.Evidence = append([]string(nil), step.Evidence...)
		out[i] = step
	}
	return out
}

// ModeDecision is the result of DecideMode.
type ModeDecision struct {
	ConversationID   string           `json:"conversation_id"`
	UserMessage      string           `json:"user_message"`
	CurrentMode      Mode             `json:"current_mode"`
	RecommendedMode  Mode             `json:"recommended_mode"`
	Reason           Reason           `json:"reason"`
	Confidence       float64          `json:"confidence"`
	ComplexityScore  float64          `json:"complexity_score"`
	AvailableTools   []string         `json:"available_tools"`
	ContextRelevance float64          `json:"context_relevance"`
	ReasoningSteps   []AgentReasoning `json:"reasoning_steps"`
	MemoryContext    []memory.Memory  `json:"memory_context"`
	Timestamp        time.Time        `json:"timestamp"`
}

// DecideRequest carries the inputs of one DecideMode call.
type DecideRequest struct {
	ConversationID string
	UserMessage    string
	Context        *ConversationContext
	// ForceMode skips scoring when set.
	ForceMode Mode
}

type ModeChangeRequest struct {
	ConversationID string `json:"conversation_id"`
	NewMode        Mode   `json:"new_mode"`
	Reason         string `json:"reason,omitempty"`
	RequestedBy    string `json:"requested_by,omitempty"`
}

type ModeChangeResponse struct {
	ConversationID string    `json:"conversation_id"`
	PreviousMode   Mode      `json:"previous_mode"`
	NewMode        Mode      `json:"new_mode"`
	ChangedAt      time.Time `json:"changed_at"`
	Message        string    `json:"message"`
}

// Stats summarizes the live conversations.
type Stats struct {
	TotalConversations int            `json:"total_conversations"`
	ModeDistribution   map[string]int `json:"mode_distribution"`
	// OldestConversation is nil when there are no conversations.
	OldestConversation *time.Time `json:"oldest_conversation,omitempty"`
}
