package hybrid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/hybridmode/pkg/utils"
	"github.com/google/uuid"
)

const (
	complexityStepConfidence = 0.8
	toolStepConfidence       = 0.9
	contextStepConfidence    = 0.7

	toolTokenWeight = 0.3
	// toolPositiveScore is the score a tool must exceed to make the tool
	// step positive.
	toolPositiveScore = 0.5

	contextLookback = 5

	complexityHigh   = 0.7
	complexityMedium = 0.4
)

var agentIndicators = []string{"tool", "execute", "analyze", "research", "calculate"}

// ToolScore is the lexical relevance of one tool to a message.
type ToolScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ReasoningEngine builds the three-step explanation attached to a decision.
type ReasoningEngine struct {
	scorer ComplexityScorer
}

func NewReasoningEngine(scorer ComplexityScorer) *ReasoningEngine {
	if scorer == nil {
		scorer = NewComplexityAnalyzer()
	}
	return &ReasoningEngine{scorer: scorer}
}

// Generate returns the complexity, tool relevance and context relevance
// steps in that order, truncated to cfg.ReasoningStepsMax.
func (e *ReasoningEngine) Generate(conversationID, message string, ctx *ConversationContext, tools []string, cfg HybridModeConfig) []AgentReasoning {
	steps := []AgentReasoning{
		e.complexityStep(message, ctx),
		toolStep(message, tools, cfg.ToolRelevanceThreshold),
		contextStep(ctx, cfg.ContextRelevanceThreshold),
	}
	limit := cfg.ReasoningStepsMax
	if limit < 0 {
		limit = 0
	}
	if len(steps) > limit {
		steps = steps[:limit]
	}
	for i := range steps {
		steps[i].ReasoningID = uuid.NewString()
		steps[i].ConversationID = conversationID
		steps[i].Step = i + 1
	}
	return steps
}

func (e *ReasoningEngine) complexityStep(message string, ctx *ConversationContext) AgentReasoning {
	score := utils.Clamp01(e.scorer.Score(message, ctx))
	level := "low"
	switch {
	case score >= complexityHigh:
		level = "high"
	case score >= complexityMedium:
		level = "medium"
	}
	return AgentReasoning{
		Kind:       StepComplexity,
		Thought:    "Assess how demanding the request is",
		Confidence: complexityStepConfidence,
		Evidence: []string{
			fmt.Sprintf("complexity score %.2f", score),
			fmt.Sprintf("message words %d", len(strings.Fields(message))),
			fmt.Sprintf("context messages %d", ctx.Len()),
		},
		Conclusion: level + " complexity",
		Positive:   level == "high",
	}
}

func toolStep(message string, tools []string, strongThreshold float64) AgentReasoning {
	ranked := RankTools(message, tools)
	positive := false
	evidence := make([]string, 0, len(ranked)+1)
	evidence = append(evidence, fmt.Sprintf("available tools %d", len(tools)))
	for _, ts := range ranked {
		if ts.Score > toolPositiveScore {
			positive = true
		}
		line := fmt.Sprintf("%s: %.2f", ts.Name, ts.Score)
		if ts.Score >= strongThreshold {
			line += " (strong)"
		}
		evidence = append(evidence, line)
	}
	conclusion := "low tool relevance"
	if positive {
		conclusion = "high tool relevance"
	}
	return AgentReasoning{
		Kind:       StepToolRelevance,
		Thought:    "Check whether available tools match the request",
		Confidence: toolStepConfidence,
		Evidence:   evidence,
		Conclusion: conclusion,
		Positive:   positive,
	}
}

// RankTools scores each tool by how many of its underscore-separated name
// tokens occur in message. Only tools with a positive score are returned,
// highest first.
func RankTools(message string, tools []string) []ToolScore {
	lower := strings.ToLower(message)
	out := make([]ToolScore, 0, len(tools))
	for _, name := range tools {
		score := 0.0
		for _, tok := range strings.Split(strings.ToLower(name), "_") {
			if tok == "" {
				continue
			}
			if strings.Contains(lower, tok) {
				score += toolTokenWeight
			}
		}
		if score > 1 {
			score = 1
		}
		if score > 0 {
			out = append(out, ToolScore{Name: name, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func contextStep(ctx *ConversationContext, threshold float64) AgentReasoning {
	relevance, hits := ContextAgentRelevance(ctx)
	positive := relevance >= threshold
	conclusion := "no"
	if positive {
		conclusion = "yes"
	}
	return AgentReasoning{
		Kind:       StepContextRelevance,
		Thought:    "Check whether recent context calls for agent processing",
		Confidence: contextStepConfidence,
		Evidence: []string{
			fmt.Sprintf("agent indicators in %d of last %d messages", hits, len(ctx.recent(contextLookback))),
			fmt.Sprintf("context relevance %.2f", relevance),
		},
		Conclusion: "context requires agent: " + conclusion,
		Positive:   positive,
	}
}

// ContextAgentRelevance is the share of the last five messages that mention
// an agent indicator, with the number of such messages.
func ContextAgentRelevance(ctx *ConversationContext) (float64, int) {
	recent := ctx.recent(contextLookback)
	hits := 0
	for _, msg := range recent {
		lower := strings.ToLower(msg.Content)
		for _, ind := range agentIndicators {
			if strings.Contains(lower, ind) {
				hits++
				break
			}
		}
	}
	denom := ctx.Len()
	if denom > contextLookback {
		denom = contextLookback
	}
	if denom < 1 {
		denom = 1
	}
	return float64(hits) / float64(denom), hits
}

func stepConfidence(steps []AgentReasoning) float64 {
	if len(steps) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

func toolStepPositive(steps []AgentReasoning) bool {
	for _, s := range steps {
		if s.Kind == StepToolRelevance && s.Positive {
			return true
		}
	}
	return false
}
