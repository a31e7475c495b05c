package hybrid

import (
	"math"
	"strings"
	"testing"
)

func TestReasoningEngine_GeneratesThreeOrderedSteps(t *testing.T) {
	e := NewReasoningEngine(nil)
	steps := e.Generate("conv", "search the web", nil, []string{"web_search"}, DefaultHybridModeConfig())
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	wantKinds := []string{StepComplexity, StepToolRelevance, StepContextRelevance}
	wantConf := []float64{0.8, 0.9, 0.7}
	for i, s := range steps {
		if s.Step != i+1 || s.Kind != wantKinds[i] || s.Confidence != wantConf[i] {
			t.Fatalf("step %d unexpected: %+v", i, s)
		}
		if s.ConversationID != "conv" || s.ReasoningID == "" {
			t.Fatalf("step %d missing ids: %+v", i, s)
		}
	}
	if !steps[1].Positive {
		t.Fatalf("expected tool step to be positive: %+v", steps[1])
	}
}

func TestReasoningEngine_TruncatesToMax(t *testing.T) {
	cfg := DefaultHybridModeConfig()
	cfg.ReasoningStepsMax = 1
	steps := NewReasoningEngine(nil).Generate("c", "hi", nil, nil, cfg)
	if len(steps) != 1 || steps[0].Kind != StepComplexity {
		t.Fatalf("expected only the complexity step, got %+v", steps)
	}
}

func TestReasoningEngine_ComplexityConclusion(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.9, "high complexity"},
		{0.7, "high complexity"},
		{0.4, "medium complexity"},
		{0.39, "low complexity"},
	}
	for _, tt := range tests {
		steps := NewReasoningEngine(fixedScorer(tt.score)).Generate("c", "x", nil, nil, DefaultHybridModeConfig())
		if steps[0].Conclusion != tt.want {
			t.Fatalf("score %v: conclusion %q want %q", tt.score, steps[0].Conclusion, tt.want)
		}
	}
}

func TestRankTools(t *testing.T) {
	ranked := RankTools("Please READ the file and search", []string{"web_search", "read_file", "list_dir", "search_read_file_web"})
	if len(ranked) != 3 {
		t.Fatalf("expected 3 matching tools, got %+v", ranked)
	}
	if ranked[0].Name != "search_read_file_web" || math.Abs(ranked[0].Score-0.9) > 1e-9 {
		t.Fatalf("unexpected top tool %+v", ranked[0])
	}
	if ranked[1].Name != "read_file" || math.Abs(ranked[1].Score-0.6) > 1e-9 {
		t.Fatalf("unexpected second tool %+v", ranked[1])
	}
	if ranked[2].Name != "web_search" || ranked[2].Score != 0.3 {
		t.Fatalf("unexpected third tool %+v", ranked[2])
	}
}

func TestRankTools_ScoreIsCapped(t *testing.T) {
	ranked := RankTools("a b c d e", []string{"a_b_c_d_e"})
	if len(ranked) != 1 || ranked[0].Score != 1 {
		t.Fatalf("expected capped score 1, got %+v", ranked)
	}
}

func TestToolStep_StrongTagUsesThreshold(t *testing.T) {
	step := toolStep("search the web", []string{"web_search"}, 0.6)
	found := false
	for _, ev := range step.Evidence {
		if strings.HasPrefix(ev, "web_search") && strings.HasSuffix(ev, "(strong)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected strong evidence line, got %v", step.Evidence)
	}

	step = toolStep("search", []string{"web_search"}, 0.6)
	if step.Positive {
		t.Fatalf("single token match must not be positive: %+v", step)
	}
}

func TestContextAgentRelevance(t *testing.T) {
	ctx := &ConversationContext{Messages: []Message{
		{Role: RoleUser, Content: "please execute the tool"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleUser, Content: "Research this"},
		{Role: RoleUser, Content: "thanks"},
		{Role: RoleUser, Content: "calculate totals"},
		{Role: RoleUser, Content: "analyze trends"},
	}}
	rel, hits := ContextAgentRelevance(ctx)
	if hits != 3 || rel != 0.6 {
		t.Fatalf("expected 3 hits and 0.6 relevance, got %d %v", hits, rel)
	}

	step := contextStep(ctx, 0.6)
	if !step.Positive || !strings.HasSuffix(step.Conclusion, "yes") {
		t.Fatalf("expected positive context step at threshold, got %+v", step)
	}

	rel, hits = ContextAgentRelevance(nil)
	if rel != 0 || hits != 0 {
		t.Fatalf("expected empty context to score 0, got %v %d", rel, hits)
	}

	short := &ConversationContext{Messages: []Message{{Role: RoleUser, Content: "run the tool"}, {Role: RoleUser, Content: "ok"}}}
	if rel, _ := ContextAgentRelevance(short); rel != 0.5 {
		t.Fatalf("expected 0.5 for one of two messages, got %v", rel)
	}
}
