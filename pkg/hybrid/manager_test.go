package hybrid

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/bus"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedScorer float64

func (s fixedScorer) Score(string, *ConversationContext) float64 { return float64(s) }

type staticTools []string

func (s staticTools) ToolNames() []string { return append([]string(nil), s...) }

type recordingObserver struct {
	mu        sync.Mutex
	decisions []string
	changes   []string
	active    int
}

func (o *recordingObserver) DecisionMade(mode, reason string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, mode+"/"+reason)
}

func (o *recordingObserver) ModeChanged(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, from+"->"+to)
}

func (o *recordingObserver) ActiveConversations(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	base := []Option{WithClock(func() time.Time { return now })}
	m, err := NewManager(append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func mustInit(t *testing.T, m *Manager, id string, cfg *HybridModeConfig) *ConversationModeState {
	t.Helper()
	st, err := m.InitializeConversation(context.Background(), id, "user-1", ModeAuto, cfg)
	require.NoError(t, err)
	return st
}

func contextOf(n int, content string) *ConversationContext {
	ctx := &ConversationContext{}
	for i := 0; i < n; i++ {
		ctx.Messages = append(ctx.Messages, Message{Role: RoleUser, Content: content})
	}
	return ctx
}

func TestDecideMode_ForceModeSkipsScoring(t *testing.T) {
	m := newTestManager(t, WithComplexityScorer(fixedScorer(0.1)))
	mustInit(t, m, "c1", nil)

	for _, msg := range []string{"Hi", "Please analyze and research everything, then calculate"} {
		d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c1", UserMessage: msg, ForceMode: ModeAgent})
		require.NoError(t, err)
		assert.Equal(t, ModeAgent, d.RecommendedMode)
		assert.Equal(t, ReasonUserRequest, d.Reason)
		assert.Equal(t, 1.0, d.Confidence)
		assert.Empty(t, d.ReasoningSteps)
	}
}

func TestDecideMode_Policy(t *testing.T) {
	tests := []struct {
		name       string
		scorer     ComplexityScorer
		tools      []string
		message    string
		ctx        *ConversationContext
		cfg        []ConfigOption
		wantMode   Mode
		wantReason Reason
	}{
		{
			name:       "greeting is a simple query",
			message:    "Hi",
			wantMode:   ModeChat,
			wantReason: ReasonSimpleQuery,
		},
		{
			name:       "scored complexity above threshold",
			scorer:     fixedScorer(0.8),
			message:    "Please analyze, compare, research and calculate this optimize debug validate",
			wantMode:   ModeAgent,
			wantReason: ReasonComplexityHigh,
		},
		{
			name:       "long multi-step message with history",
			message:    "First analyze the logs, then compare the results, next research the failures and finally calculate the totals " + strings.Repeat("please ", 50),
			ctx:        contextOf(25, "ok"),
			wantMode:   ModeAgent,
			wantReason: ReasonComplexityHigh,
		},
		{
			name:       "matching tool",
			tools:      []string{"web_search", "read_file"},
			message:    "search the web for news",
			wantMode:   ModeAgent,
			wantReason: ReasonToolsAvailable,
		},
		{
			name:       "long context",
			message:    "continue",
			ctx:        contextOf(15, "ok"),
			wantMode:   ModeAgent,
			wantReason: ReasonContextRequiresAgent,
		},
		{
			name:       "medium complexity stays chat",
			message:    "Please analyze, compare, research and calculate this optimize debug validate",
			wantMode:   ModeChat,
			wantReason: ReasonContinuation,
		},
		{
			name:       "auto disabled keeps current mode",
			scorer:     fixedScorer(0.95),
			message:    "anything",
			cfg:        []ConfigOption{WithAutoMode(false)},
			wantMode:   ModeAuto,
			wantReason: ReasonContinuation,
		},
		{
			name:       "auto disabled greeting is still a simple query",
			message:    "Hi",
			cfg:        []ConfigOption{WithAutoMode(false)},
			wantMode:   ModeAuto,
			wantReason: ReasonSimpleQuery,
		},
		{
			name:       "lowered threshold routes to agent without complexity_high",
			scorer:     fixedScorer(0.6),
			message:    "summarize this",
			cfg:        []ConfigOption{WithComplexityThreshold(0.5)},
			wantMode:   ModeAgent,
			wantReason: ReasonContextRequiresAgent,
		},
		{
			name:       "lowered threshold with a matching tool",
			scorer:     fixedScorer(0.6),
			tools:      []string{"web_search"},
			message:    "search the web",
			cfg:        []ConfigOption{WithComplexityThreshold(0.5)},
			wantMode:   ModeAgent,
			wantReason: ReasonToolsAvailable,
		},
		{
			name:       "context threshold is configurable",
			message:    "continue",
			ctx:        contextOf(15, "ok"),
			cfg:        []ConfigOption{WithContextRelevanceThreshold(0.8)},
			wantMode:   ModeChat,
			wantReason: ReasonContinuation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithToolProvider(staticTools(tt.tools))}
			if tt.scorer != nil {
				opts = append(opts, WithComplexityScorer(tt.scorer))
			}
			m := newTestManager(t, opts...)
			cfg, err := NewHybridModeConfig(tt.cfg...)
			require.NoError(t, err)
			mustInit(t, m, "c", &cfg)

			d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: tt.message, Context: tt.ctx})
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, d.RecommendedMode, "complexity=%v relevance=%v", d.ComplexityScore, d.ContextRelevance)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, ModeAuto, d.CurrentMode)
			assert.True(t, d.Confidence >= 0 && d.Confidence <= 1)
			assert.True(t, d.ComplexityScore >= 0 && d.ComplexityScore <= 1)
			assert.True(t, d.ContextRelevance >= 0 && d.ContextRelevance <= 1)
		})
	}
}

func TestDecideMode_ConfidenceIsMeanOfSteps(t *testing.T) {
	m := newTestManager(t)
	cfg, err := NewHybridModeConfig(WithReasoningStepsMax(2))
	require.NoError(t, err)
	mustInit(t, m, "c", &cfg)

	d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "Hi"})
	require.NoError(t, err)
	require.Len(t, d.ReasoningSteps, 2)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)

	mustInit(t, m, "full", nil)
	d, err = m.DecideMode(context.Background(), DecideRequest{ConversationID: "full", UserMessage: "Hi"})
	require.NoError(t, err)
	require.Len(t, d.ReasoningSteps, 3)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
}

func TestDecideMode_ContextRelevanceUsesWindow(t *testing.T) {
	m := newTestManager(t)
	cfg, _ := NewHybridModeConfig(WithContextWindowSize(10))
	mustInit(t, m, "c", &cfg)

	d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "ok", Context: contextOf(5, "hello")})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d.ContextRelevance, 1e-9)

	d, err = m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "ok", Context: contextOf(40, "hello")})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.ContextRelevance)

	mustInit(t, m, "default", nil)
	d, err = m.DecideMode(context.Background(), DecideRequest{ConversationID: "default", UserMessage: "ok", Context: contextOf(5, "hello")})
	require.NoError(t, err)
	assert.InDelta(t, 5.0/20.0, d.ContextRelevance, 1e-9)
}

func TestDecideMode_NaNComplexityIsClamped(t *testing.T) {
	m := newTestManager(t, WithComplexityScorer(fixedScorer(math.NaN())))
	mustInit(t, m, "c", nil)

	d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "Hi"})
	require.NoError(t, err)
	assert.Zero(t, d.ComplexityScore)
	assert.Equal(t, ModeChat, d.RecommendedMode)
	assert.Equal(t, ReasonSimpleQuery, d.Reason)
}

func TestDecideMode_DoesNotChangeCurrentModeButSnapshots(t *testing.T) {
	m := newTestManager(t, WithComplexityScorer(fixedScorer(0.9)))
	mustInit(t, m, "c", nil)
	_, err := m.RecordMemory(context.Background(), "c", memory.TypeUserInteraction, map[string]any{"text": "bake sourdough bread"}, 0.8)
	require.NoError(t, err)

	d, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "how long should the sourdough proof"})
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, d.RecommendedMode)
	require.Len(t, d.MemoryContext, 1)

	st, err := m.GetState("c")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, st.CurrentMode)
	assert.Empty(t, st.ModeHistory)
	assert.Len(t, st.MemoryContext, 1)
	assert.Len(t, st.ReasoningContext, 3)
}

func TestDecideMode_Errors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.DecideMode(context.Background(), DecideRequest{ConversationID: "missing", UserMessage: "Hi"})
	assert.ErrorIs(t, err, ErrConversationNotInitialized)

	mustInit(t, m, "c", nil)
	_, err = m.DecideMode(context.Background(), DecideRequest{ConversationID: "c", UserMessage: "Hi", ForceMode: "turbo"})
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = m.DecideMode(context.Background(), DecideRequest{
		ConversationID: "c",
		UserMessage:    "Hi",
		Context:        &ConversationContext{Messages: []Message{{Role: "robot", Content: "beep"}}},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "context.messages[0].role", verr.Field)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.DecideMode(ctx, DecideRequest{ConversationID: "c", UserMessage: "Hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChangeMode_UninitializedConversation(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "nope", NewMode: ModeAgent})
	if !errors.Is(err, ErrConversationNotInitialized) {
		t.Fatalf("expected ErrConversationNotInitialized, got %v", err)
	}
}

func TestChangeMode_RecordsHistory(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, WithObserver(obs))
	mustInit(t, m, "c", nil)

	resp, err := m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "c", NewMode: ModeChat, Reason: "user toggle", RequestedBy: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, resp.PreviousMode)
	assert.Equal(t, ModeChat, resp.NewMode)

	resp, err = m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "c", NewMode: ModeAgent})
	require.NoError(t, err)
	assert.Equal(t, ModeChat, resp.PreviousMode)

	st, _ := m.GetState("c")
	require.Len(t, st.ModeHistory, 2)
	assert.Equal(t, "user toggle", st.ModeHistory[0].Reason)
	assert.Equal(t, string(ReasonUserRequest), st.ModeHistory[1].Reason)
	assert.Equal(t, ModeAgent, st.CurrentMode)
	assert.Equal(t, []string{"auto->chat", "chat->agent"}, obs.changes)
}

func TestChangeMode_ConcurrentCallsKeepEveryTransition(t *testing.T) {
	m := newTestManager(t)
	mustInit(t, m, "c", nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := ModeChat
			if i%2 == 0 {
				mode = ModeAgent
			}
			if _, err := m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "c", NewMode: mode}); err != nil {
				t.Errorf("change mode: %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, err := m.GetState("c")
	require.NoError(t, err)
	require.Len(t, st.ModeHistory, n)
	for i := 1; i < n; i++ {
		if st.ModeHistory[i].FromMode != st.ModeHistory[i-1].ToMode {
			t.Fatalf("history broken at %d: %+v then %+v", i, st.ModeHistory[i-1], st.ModeHistory[i])
		}
	}
}

func TestInitializeConversation_IsIdempotent(t *testing.T) {
	m := newTestManager(t)
	mustInit(t, m, "c", nil)
	_, err := m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "c", NewMode: ModeAgent})
	require.NoError(t, err)

	again, err := m.InitializeConversation(context.Background(), "c", "user-1", ModeChat, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, again.CurrentMode)
	assert.Len(t, again.ModeHistory, 1)

	reset, err := m.ResetConversation(context.Background(), "c", "user-1", ModeChat, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeChat, reset.CurrentMode)
	assert.Empty(t, reset.ModeHistory)
}

func TestInitializeConversation_Validation(t *testing.T) {
	m := newTestManager(t)
	bad := DefaultHybridModeConfig()
	bad.ComplexityThreshold = 1.5

	_, err := m.InitializeConversation(context.Background(), "c", "u", ModeAuto, &bad)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "complexity_threshold", verr.Field)

	_, err = m.InitializeConversation(context.Background(), "", "u", ModeAuto, nil)
	assert.True(t, errors.As(err, &verr))

	_, err = m.InitializeConversation(context.Background(), "c", "u", Mode("fast"), nil)
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestGetState_ReturnsCopy(t *testing.T) {
	m := newTestManager(t)
	mustInit(t, m, "c", nil)
	_, _ = m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "c", NewMode: ModeChat})

	st, _ := m.GetState("c")
	st.ModeHistory[0].ToMode = ModeAgent
	st.CurrentMode = ModeAgent

	fresh, _ := m.GetState("c")
	assert.Equal(t, ModeChat, fresh.CurrentMode)
	assert.Equal(t, ModeChat, fresh.ModeHistory[0].ToMode)
}

func TestCleanupConversation(t *testing.T) {
	m := newTestManager(t)
	mustInit(t, m, "c", nil)
	_, err := m.RecordMemory(context.Background(), "c", memory.TypeToolUsage, map[string]any{"tool": "web_search"}, 0.5)
	require.NoError(t, err)

	assert.True(t, m.CleanupConversation(context.Background(), "c"))
	assert.False(t, m.CleanupConversation(context.Background(), "c"))
	_, err = m.GetState("c")
	assert.ErrorIs(t, err, ErrConversationNotInitialized)

	got, err := m.Memories().Relevant(context.Background(), "c", "web_search", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = m.RecordMemory(context.Background(), "c", memory.TypeToolUsage, nil, 0.5)
	assert.ErrorIs(t, err, ErrConversationNotInitialized)
}

func TestEndToEndScenario(t *testing.T) {
	events := bus.NewEventBus(16)
	defer events.Close()
	obs := &recordingObserver{}
	m := newTestManager(t, WithEventPublisher(events), WithObserver(obs))
	ctx := context.Background()

	mustInit(t, m, "conv", nil)

	simple, err := m.DecideMode(ctx, DecideRequest{ConversationID: "conv", UserMessage: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, ModeChat, simple.RecommendedMode)

	hard, err := m.DecideMode(ctx, DecideRequest{
		ConversationID: "conv",
		UserMessage:    "First analyze the logs, then compare the results, next research the failures and finally calculate the totals " + strings.Repeat("carefully ", 50),
		Context:        contextOf(25, "run the analyze tool"),
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, hard.RecommendedMode)

	_, err = m.ChangeMode(ctx, ModeChangeRequest{ConversationID: "conv", NewMode: ModeAgent})
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.TotalConversations)
	assert.Equal(t, map[string]int{"agent": 1}, stats.ModeDistribution)
	require.NotNil(t, stats.OldestConversation)

	kinds := []string{}
	for events.Pending() > 0 {
		ev, ok := events.Consume(ctx)
		require.True(t, ok)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{bus.KindInitialized, bus.KindDecision, bus.KindDecision, bus.KindModeChange}, kinds)
	assert.Equal(t, []string{"chat/simple_query", "agent/complexity_high"}, obs.decisions)
	assert.Equal(t, 1, obs.active)
}

func TestExportImport(t *testing.T) {
	m := newTestManager(t)
	mustInit(t, m, "a", nil)
	mustInit(t, m, "b", nil)
	_, _ = m.ChangeMode(context.Background(), ModeChangeRequest{ConversationID: "b", NewMode: ModeAgent})

	exported := m.Export()
	require.Len(t, exported, 2)
	assert.Equal(t, "a", exported[0].ConversationID)

	other := newTestManager(t)
	require.NoError(t, other.Import(exported))
	st, err := other.GetState("b")
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, st.CurrentMode)
	assert.Len(t, st.ModeHistory, 1)
	assert.Equal(t, []string{"a", "b"}, other.ConversationIDs())

	broken := append([]ConversationModeState(nil), exported...)
	broken[1].CurrentMode = "warp"
	assert.ErrorIs(t, other.Import(broken), ErrInvalidMode)
	assert.Len(t, other.ConversationIDs(), 2, "failed import must leave state untouched")
}

func TestGetStats_Empty(t *testing.T) {
	st := newTestManager(t).GetStats()
	assert.Equal(t, 0, st.TotalConversations)
	assert.Empty(t, st.ModeDistribution)
	assert.Nil(t, st.OldestConversation)
}
