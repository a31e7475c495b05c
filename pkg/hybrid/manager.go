package hybrid

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/bus"
	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/dotsetgreg/hybridmode/pkg/utils"
)

const (
	complexityHighFloor = 0.7
	simpleQueryCeiling  = 0.3
	decisionMemoryLimit = 5
)

// ToolProvider lists the tools currently available to agent mode.
type ToolProvider interface {
	ToolNames() []string
}

// EventPublisher receives engine events. *bus.EventBus implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev bus.Event) bool
}

// Observer receives decision and transition counts, typically metrics.
type Observer interface {
	DecisionMade(mode, reason string, latency time.Duration)
	ModeChanged(from, to string)
	ActiveConversations(n int)
}

// Manager owns per-conversation mode state and routes each turn to chat or
// agent mode.
type Manager struct {
	defaults  HybridModeConfig
	scorer    ComplexityScorer
	reasoning *ReasoningEngine
	tools     ToolProvider
	memories  memory.Store
	events    EventPublisher
	observer  Observer
	now       func() time.Time

	locks *utils.KeyedMutex

	mu     sync.RWMutex
	states map[string]*ConversationModeState
}

type Option func(*Manager)

func WithToolProvider(p ToolProvider) Option {
	return func(m *Manager) { m.tools = p }
}

func WithComplexityScorer(s ComplexityScorer) Option {
	return func(m *Manager) {
		if s != nil {
			m.scorer = s
		}
	}
}

func WithMemoryStore(s memory.Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.memories = s
		}
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDefaultConfig sets the config used when a conversation is initialized
// without one.
func WithDefaultConfig(cfg HybridModeConfig) Option {
	return func(m *Manager) { m.defaults = cfg }
}

func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		defaults: DefaultHybridModeConfig(),
		scorer:   NewComplexityAnalyzer(),
		now:      time.Now,
		locks:    utils.NewKeyedMutex(),
		states:   make(map[string]*ConversationModeState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default hybrid config: %w", err)
	}
	if m.memories == nil {
		m.memories = memory.NewManager(memory.Config{Retention: m.defaults.MemoryRetention()}, memory.WithClock(m.now))
	}
	m.reasoning = NewReasoningEngine(m.scorer)
	return m, nil
}

// InitializeConversation creates state for conversationID. Initializing an
// existing conversation returns its current state unchanged.
func (m *Manager) InitializeConversation(ctx context.Context, conversationID, userID string, initialMode Mode, cfg *HybridModeConfig) (*ConversationModeState, error) {
	state, created, err := m.initialize(ctx, conversationID, userID, initialMode, cfg, false)
	if err != nil {
		return nil, err
	}
	if created {
		m.publish(ctx, bus.Event{Kind: bus.KindInitialized, ConversationID: state.ConversationID, UserID: state.UserID, ToMode: string(state.CurrentMode), At: state.CreatedAt})
	}
	return state, nil
}

// ResetConversation discards the state and memories of conversationID and
// initializes it again.
func (m *Manager) ResetConversation(ctx context.Context, conversationID, userID string, initialMode Mode, cfg *HybridModeConfig) (*ConversationModeState, error) {
	state, _, err := m.initialize(ctx, conversationID, userID, initialMode, cfg, true)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, bus.Event{Kind: bus.KindReset, ConversationID: state.ConversationID, UserID: state.UserID, ToMode: string(state.CurrentMode), At: state.CreatedAt})
	return state, nil
}

func (m *Manager) initialize(ctx context.Context, conversationID, userID string, initialMode Mode, cfg *HybridModeConfig, reset bool) (*ConversationModeState, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" {
		return nil, false, &ValidationError{Field: "conversation_id", Message: "is required"}
	}
	if userID == "" {
		return nil, false, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if initialMode == "" {
		initialMode = ModeAuto
	}
	if !initialMode.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidMode, initialMode)
	}
	conf := m.defaults
	if cfg != nil {
		conf = *cfg
	}
	if err := conf.Validate(); err != nil {
		return nil, false, err
	}

	unlock := m.locks.Lock(conversationID)
	defer unlock()

	m.mu.Lock()
	existing, ok := m.states[conversationID]
	if ok && !reset {
		out := existing.clone()
		m.mu.Unlock()
		logger.DebugCF("hybrid", "Conversation already initialized", map[string]interface{}{
			"conversation_id": conversationID,
			"current_mode":    string(out.CurrentMode),
		})
		return out, false, nil
	}
	now := m.now()
	state := &ConversationModeState{
		ConversationID: conversationID,
		UserID:         userID,
		CurrentMode:    initialMode,
		CreatedAt:      now,
		LastModeChange: now,
		ModeHistory:    []ModeTransition{},
		Config:         conf,
	}
	m.states[conversationID] = state
	active := len(m.states)
	out := state.clone()
	m.mu.Unlock()

	if reset {
		m.memories.Forget(conversationID)
	}
	if m.observer != nil {
		m.observer.ActiveConversations(active)
	}
	logger.InfoCF("hybrid", "Conversation initialized", map[string]interface{}{
		"conversation_id": conversationID,
		"user_id":         userID,
		"initial_mode":    string(initialMode),
		"reset":           reset,
	})
	return out, true, nil
}

// DecideMode recommends a mode for one user message. It never changes
// CurrentMode; only the memory and reasoning snapshots are updated.
func (m *Manager) DecideMode(ctx context.Context, req DecideRequest) (*ModeDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ForceMode != "" && !req.ForceMode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.ForceMode)
	}
	if err := req.Context.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	m.mu.RLock()
	state, ok := m.states[req.ConversationID]
	var current Mode
	var cfg HybridModeConfig
	var userID string
	if ok {
		current, cfg, userID = state.CurrentMode, state.Config, state.UserID
	}
	m.mu.RUnlock()
	if !ok {
		return nil, notInitialized(req.ConversationID)
	}

	decision := &ModeDecision{
		ConversationID: req.ConversationID,
		UserMessage:    req.UserMessage,
		CurrentMode:    current,
		AvailableTools: []string{},
		ReasoningSteps: []AgentReasoning{},
		MemoryContext:  []memory.Memory{},
		Timestamp:      m.now(),
	}

	if req.ForceMode != "" {
		decision.RecommendedMode = req.ForceMode
		decision.Reason = ReasonUserRequest
		decision.Confidence = 1.0
		m.finishDecision(ctx, decision, userID, started)
		return decision, nil
	}

	if m.tools != nil {
		decision.AvailableTools = append(decision.AvailableTools, m.tools.ToolNames()...)
	}
	decision.ComplexityScore = utils.Clamp01(m.scorer.Score(req.UserMessage, req.Context))
	decision.ReasoningSteps = m.reasoning.Generate(req.ConversationID, req.UserMessage, req.Context, decision.AvailableTools, cfg)
	decision.ContextRelevance = windowRelevance(req.Context.Len(), cfg.ContextWindowSize)
	decision.Confidence = utils.Clamp01(stepConfidence(decision.ReasoningSteps))

	memories, err := m.memories.Relevant(ctx, req.ConversationID, req.UserMessage, decisionMemoryLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WarnCF("hybrid", "Memory recall failed", map[string]interface{}{
			"conversation_id": req.ConversationID,
			"error":           err.Error(),
		})
	} else {
		decision.MemoryContext = memories
	}

	decision.RecommendedMode, decision.Reason = selectMode(cfg, current, decision.ComplexityScore, decision.ContextRelevance, decision.ReasoningSteps)

	m.mu.Lock()
	if st, ok := m.states[req.ConversationID]; ok {
		st.MemoryContext = append([]memory.Memory(nil), decision.MemoryContext...)
		st.ReasoningContext = cloneReasoning(decision.ReasoningSteps)
	}
	m.mu.Unlock()

	m.finishDecision(ctx, decision, userID, started)
	return decision, nil
}

func (m *Manager) finishDecision(ctx context.Context, d *ModeDecision, userID string, started time.Time) {
	if m.observer != nil {
		m.observer.DecisionMade(string(d.RecommendedMode), string(d.Reason), time.Since(started))
	}
	m.publish(ctx, bus.Event{
		Kind:           bus.KindDecision,
		ConversationID: d.ConversationID,
		UserID:         userID,
		FromMode:       string(d.CurrentMode),
		ToMode:         string(d.RecommendedMode),
		Reason:         string(d.Reason),
		Confidence:     d.Confidence,
		Complexity:     d.ComplexityScore,
		At:             d.Timestamp,
	})
	logger.DebugCF("hybrid", "Mode decided", map[string]interface{}{
		"conversation_id":  d.ConversationID,
		"current_mode":     string(d.CurrentMode),
		"recommended_mode": string(d.RecommendedMode),
		"reason":           string(d.Reason),
		"confidence":       d.Confidence,
		"complexity":       d.ComplexityScore,
	})
}

// selectMode applies the routing policy; the first matching rule wins. The
// reason is derived from the chosen mode, not from the rule that fired.
func selectMode(cfg HybridModeConfig, current Mode, complexity, contextRelevance float64, steps []AgentReasoning) (Mode, Reason) {
	mode := routeMode(cfg, current, complexity, contextRelevance, steps)
	return mode, deriveReason(mode, complexity, steps)
}

func routeMode(cfg HybridModeConfig, current Mode, complexity, contextRelevance float64, steps []AgentReasoning) Mode {
	switch {
	case !cfg.AutoModeEnabled:
		return current
	case complexity > cfg.ComplexityThreshold:
		return ModeAgent
	case toolStepPositive(steps):
		return ModeAgent
	case contextRelevance > cfg.ContextRelevanceThreshold:
		return ModeAgent
	default:
		return ModeChat
	}
}

// deriveReason uses fixed cut points that do not follow the configured
// complexity threshold.
func deriveReason(mode Mode, complexity float64, steps []AgentReasoning) Reason {
	if mode == ModeAgent {
		switch {
		case complexity > complexityHighFloor:
			return ReasonComplexityHigh
		case toolStepPositive(steps):
			return ReasonToolsAvailable
		default:
			return ReasonContextRequiresAgent
		}
	}
	if complexity < simpleQueryCeiling {
		return ReasonSimpleQuery
	}
	return ReasonContinuation
}

func windowRelevance(messages, window int) float64 {
	if window <= 0 {
		window = DefaultContextWindowSize
	}
	return utils.Clamp01(float64(messages) / float64(window))
}

// ChangeMode applies the requested mode unconditionally and records the
// transition.
func (m *Manager) ChangeMode(ctx context.Context, req ModeChangeRequest) (*ModeChangeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.NewMode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.NewMode)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = string(ReasonUserRequest)
	}

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	m.mu.Lock()
	state, ok := m.states[req.ConversationID]
	if !ok {
		m.mu.Unlock()
		return nil, notInitialized(req.ConversationID)
	}
	now := m.now()
	previous := state.CurrentMode
	state.ModeHistory = append(state.ModeHistory, ModeTransition{
		FromMode:  previous,
		ToMode:    req.NewMode,
		Reason:    reason,
		Timestamp: now,
	})
	state.CurrentMode = req.NewMode
	state.LastModeChange = now
	userID := state.UserID
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ModeChanged(string(previous), string(req.NewMode))
	}
	m.publish(ctx, bus.Event{
		Kind:           bus.KindModeChange,
		ConversationID: req.ConversationID,
		UserID:         userID,
		FromMode:       string(previous),
		ToMode:         string(req.NewMode),
		Reason:         reason,
		RequestedBy:    req.RequestedBy,
		At:             now,
	})
	logger.InfoCF("hybrid", "Mode changed", map[string]interface{}{
		"conversation_id": req.ConversationID,
		"from":            string(previous),
		"to":              string(req.NewMode),
		"reason":          reason,
		"requested_by":    req.RequestedBy,
	})
	return &ModeChangeResponse{
		ConversationID: req.ConversationID,
		PreviousMode:   previous,
		NewMode:        req.NewMode,
		ChangedAt:      now,
		Message:        fmt.Sprintf("mode changed from %s to %s", previous, req.NewMode),
	}, nil
}

// RecordMemory stores a memory for the conversation using its retention.
func (m *Manager) RecordMemory(ctx context.Context, conversationID, memoryType string, content map[string]any, importance float64) (memory.Memory, error) {
	m.mu.RLock()
	state, ok := m.states[conversationID]
	var userID string
	var retention time.Duration
	if ok {
		userID, retention = state.UserID, state.Config.MemoryRetention()
	}
	m.mu.RUnlock()
	if !ok {
		return memory.Memory{}, notInitialized(conversationID)
	}
	return m.memories.AddWithRetention(ctx, conversationID, userID, memoryType, content, importance, retention)
}

// CleanupConversation removes a conversation and its memories. Unknown ids
// are a no-op; the return value reports whether anything was removed.
func (m *Manager) CleanupConversation(ctx context.Context, conversationID string) bool {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	m.mu.Lock()
	state, ok := m.states[conversationID]
	delete(m.states, conversationID)
	active := len(m.states)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.memories.Forget(conversationID)
	if m.observer != nil {
		m.observer.ActiveConversations(active)
	}
	m.publish(ctx, bus.Event{Kind: bus.KindCleanup, ConversationID: conversationID, UserID: state.UserID, FromMode: string(state.CurrentMode), At: m.now()})
	logger.InfoCF("hybrid", "Conversation cleaned up", map[string]interface{}{
		"conversation_id": conversationID,
	})
	return true
}

// GetState returns a copy of the conversation state.
func (m *Manager) GetState(conversationID string) (*ConversationModeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[conversationID]
	if !ok {
		return nil, notInitialized(conversationID)
	}
	return state.clone(), nil
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		TotalConversations: len(m.states),
		ModeDistribution:   map[string]int{},
	}
	for _, state := range m.states {
		st.ModeDistribution[string(state.CurrentMode)]++
		if st.OldestConversation == nil || state.CreatedAt.Before(*st.OldestConversation) {
			created := state.CreatedAt
			st.OldestConversation = &created
		}
	}
	return st
}

// Export returns copies of every state ordered by creation time.
func (m *Manager) Export() []ConversationModeState {
	m.mu.RLock()
	out := make([]ConversationModeState, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, *state.clone())
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Import replaces all conversation states. Nothing is changed when any state
// fails validation.
func (m *Manager) Import(states []ConversationModeState) error {
	next := make(map[string]*ConversationModeState, len(states))
	for i := range states {
		st := states[i]
		if strings.TrimSpace(st.ConversationID) == "" {
			return &ValidationError{Field: fmt.Sprintf("states[%d].conversation_id", i), Message: "is required"}
		}
		if !st.CurrentMode.Valid() {
			return fmt.Errorf("state %s: %w: %q", st.ConversationID, ErrInvalidMode, st.CurrentMode)
		}
		if err := st.Config.Validate(); err != nil {
			return fmt.Errorf("state %s: %w", st.ConversationID, err)
		}
		if st.ModeHistory == nil {
			st.ModeHistory = []ModeTransition{}
		}
		next[st.ConversationID] = st.clone()
	}

	m.mu.Lock()
	m.states = next
	active := len(next)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ActiveConversations(active)
	}
	logger.InfoCF("hybrid", "Conversation states imported", map[string]interface{}{
		"count": active,
	})
	return nil
}

// ConversationIDs lists live conversations in sorted order.
func (m *Manager) ConversationIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Memories exposes the memory store the manager records into.
func (m *Manager) Memories() memory.Store { return m.memories }

func (m *Manager) publish(ctx context.Context, ev bus.Event) {
	if m.events == nil {
		return
	}
	if !m.events.Publish(ctx, ev) {
		logger.DebugCF("hybrid", "Event dropped", map[string]interface{}{
			"kind":            ev.Kind,
			"conversation_id": ev.ConversationID,
		})
	}
}
