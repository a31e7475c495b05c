package hybrid

import (
	"strings"

	"github.com/dotsetgreg/hybridmode/pkg/utils"
)

// ComplexityScorer estimates how demanding a message is, in [0,1].
type ComplexityScorer interface {
	Score(message string, ctx *ConversationContext) float64
}

const (
	weightLength    = 0.2
	weightKeywords  = 0.3
	weightContext   = 0.3
	weightMultiStep = 0.2
)

var complexKeywords = []string{
	"analyze", "compare", "research", "calculate", "generate", "optimize",
	"debug", "synthesize", "evaluate", "investigate", "design", "implement",
	"validate", "summarize", "plan", "transform",
}

var sequencingWords = []string{"first", "then", "next", "finally", "step", "phase"}

// Breakdown holds the four complexity sub-scores before weighting.
type Breakdown struct {
	Length    float64 `json:"length"`
	Keywords  float64 `json:"keywords"`
	Context   float64 `json:"context"`
	MultiStep float64 `json:"multi_step"`
}

// Total is the weighted, clamped complexity score.
func (b Breakdown) Total() float64 {
	return utils.Clamp01(b.Length*weightLength +
		b.Keywords*weightKeywords +
		b.Context*weightContext +
		b.MultiStep*weightMultiStep)
}

// ComplexityAnalyzer is the default stateless ComplexityScorer.
type ComplexityAnalyzer struct{}

func NewComplexityAnalyzer() *ComplexityAnalyzer { return &ComplexityAnalyzer{} }

func (a *ComplexityAnalyzer) Score(message string, ctx *ConversationContext) float64 {
	return a.Breakdown(message, ctx).Total()
}

func (a *ComplexityAnalyzer) Breakdown(message string, ctx *ConversationContext) Breakdown {
	lower := strings.ToLower(message)
	return Breakdown{
		Length:    lengthScore(len(strings.Fields(message))),
		Keywords:  countScore(countMatches(lower, complexKeywords)),
		Context:   contextScore(ctx.Len()),
		MultiStep: countScore(countMatches(lower, sequencingWords)),
	}
}

func lengthScore(words int) float64 {
	switch {
	case words < 10:
		return 0.2
	case words < 30:
		return 0.5
	case words < 60:
		return 0.7
	default:
		return 0.9
	}
}

func contextScore(messages int) float64 {
	switch {
	case messages < 3:
		return 0.2
	case messages < 10:
		return 0.5
	case messages < 20:
		return 0.7
	default:
		return 0.9
	}
}

func countScore(n int) float64 {
	switch {
	case n <= 0:
		return 0.2
	case n == 1:
		return 0.5
	case n == 2:
		return 0.7
	default:
		return 0.9
	}
}

// countMatches counts listed words occurring anywhere in lower.
func countMatches(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

var _ ComplexityScorer = (*ComplexityAnalyzer)(nil)
