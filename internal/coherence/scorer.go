package coherence

import (
	"context"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

// MinAssertions is the assertion count a test needs for full test-proof credit
const MinAssertions = 3

// TestEvidence describes what is known about the tests covering a file
type TestEvidence struct {
	Found            bool   `json:"found"`
	Path             string `json:"path,omitempty"`
	ReferencesModule bool   `json:"references_module"`
	Assertions       int    `json:"assertions"`

	// Passed is nil when the tests could not be executed
	Passed *bool `json:"passed,omitempty"`

	// Sandbox holds the raw execution result when the tests were run
	Sandbox *types.SandboxResult `json:"-"`
}

// Metadata carries the inputs to Score that do not come from the file itself
type Metadata struct {
	// Language overrides detection when set
	Language types.Language

	// Test is the test-proof evidence; nil scores the dimension as 0
	Test *TestEvidence

	// History feeds historical reliability; nil means never healed
	History *types.HistoryStats

	// Reliability overrides the value derived from History when non-nil
	Reliability *float64
}

// Scorer computes coherence scores. Score is pure: the same inputs always
// produce the same result.
type Scorer struct {
	weights    types.Weights
	threshold  float64
	structural bool
}

// Option configures a Scorer
type Option func(*Scorer)

// WithDecisionThreshold makes the scorer drop the structural adjustment
// whenever it alone would move a file across threshold
func WithDecisionThreshold(threshold float64) Option {
	return func(s *Scorer) {
		s.threshold = threshold
	}
}

// WithoutStructural disables the tree-sitter adjustment
func WithoutStructural() Option {
	return func(s *Scorer) {
		s.structural = false
	}
}

// NewScorer creates a scorer. The weights must sum to 1.0 within tolerance.
func NewScorer(weights types.Weights, opts ...Option) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("creating scorer: %w", err)
	}
	s := &Scorer{weights: weights, structural: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Weights returns the scorer's dimension weights
func (s *Scorer) Weights() types.Weights {
	return s.weights
}

// Threshold returns the decision threshold, or 0 when none is set
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Score computes the coherence of one file
func (s *Scorer) Score(path, code string, meta Metadata) types.CoherenceScore {
	lang := meta.Language
	if lang == types.LangUnknown {
		lang = DetectLanguage(path, code)
	}

	lx := lex(code, lang)
	st := analyzeStructure(context.Background(), lang, code)

	reliability := 1.0
	switch {
	case meta.Reliability != nil:
		reliability = types.Clamp01(*meta.Reliability)
	case meta.History != nil:
		reliability = HistoricalReliability(*meta.History)
	}

	breakdown := types.Breakdown{
		SyntaxValidity:        syntaxValidity(lx, st),
		Completeness:          completeness(code, lx, lang),
		Consistency:           consistency(code, lx, lang),
		TestProof:             TestProofScore(meta.Test),
		HistoricalReliability: reliability,
	}

	base := types.Clamp01(s.weights.Combine(breakdown))
	adj := 0.0
	if s.structural {
		adj = st.adjustment()
	}
	total := types.Clamp01(base + adj)
	if s.threshold > 0 && (base >= s.threshold) != (total >= s.threshold) {
		adj, total = 0, base
	}

	return types.CoherenceScore{
		Total:                total,
		Breakdown:            breakdown,
		Weights:              s.weights,
		StructuralAdjustment: adj,
		Language:             lang,
	}
}
