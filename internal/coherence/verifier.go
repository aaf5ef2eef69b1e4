package coherence

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

// Verdict is the outcome of verifying one healing candidate
type Verdict struct {
	Path     string               `json:"path"`
	Accepted bool                 `json:"accepted"`
	Reason   string               `json:"reason"`
	Original types.CoherenceScore `json:"original"`
	Healed   types.CoherenceScore `json:"healed"`
	Evidence *TestEvidence        `json:"evidence,omitempty"`
	Record   types.HealingRecord  `json:"record"`
}

// CandidateVerifier re-scores a healing candidate and runs its tests in the
// sandbox before it is allowed anywhere near the working tree
type CandidateVerifier struct {
	scanner *Scanner
	logger  *zap.Logger
}

// NewCandidateVerifier creates a verifier that scores candidates the same way
// the scanner scored the originals
func NewCandidateVerifier(scanner *Scanner, logger *zap.Logger) *CandidateVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateVerifier{scanner: scanner, logger: logger.Named("verifier")}
}

// Verify checks a candidate against the file's snapshot entry. A candidate is
// rejected when it is empty or unchanged, when its tests fail or touch a
// blocked capability in the sandbox, or, when no runtime could verify it,
// when it is less syntactically valid than the original.
func (v *CandidateVerifier) Verify(ctx context.Context, original types.FileScore, cand types.HealingCandidate) Verdict {
	verdict := Verdict{Path: cand.Path, Original: original.Score}

	switch {
	case strings.TrimSpace(cand.HealedCode) == "":
		verdict.Reason = "candidate is empty"
		return verdict
	case cand.HealedCode == original.Code:
		verdict.Reason = "candidate is identical to the original"
		return verdict
	}

	lang := original.Language
	if lang == types.LangUnknown {
		lang = DetectLanguage(cand.Path, cand.HealedCode)
	}
	meta := v.scanner.Metadata(ctx, cand.Path, cand.HealedCode, lang)
	verdict.Evidence = meta.Test
	verdict.Healed = v.scanner.cfg.Scorer.Score(cand.Path, cand.HealedCode, meta)
	verdict.Record = types.NewHealingRecord(cand.Path, lang, original.Score.Total, verdict.Healed.Total, cand.HealedCode)

	var result *types.SandboxResult
	if meta.Test != nil {
		result = meta.Test.Sandbox
	}
	switch {
	case result != nil && result.Blocked:
		verdict.Reason = "candidate uses a blocked capability"
	case result != nil && result.IsFail():
		verdict.Reason = "candidate failed its tests in the sandbox"
		if result.TimedOut {
			verdict.Reason = "candidate tests timed out in the sandbox"
		}
	case result != nil && result.IsPass():
		verdict.Accepted = true
		verdict.Reason = "tests passed in the sandbox"
	case verdict.Healed.Breakdown.SyntaxValidity < original.Score.Breakdown.SyntaxValidity:
		verdict.Reason = "unverified candidate is less syntactically valid than the original"
	default:
		verdict.Accepted = true
		verdict.Reason = "no runtime available to verify; syntax validity not worse"
	}

	v.logger.Info("candidate verified",
		zap.String("file", cand.Path),
		zap.Bool("accepted", verdict.Accepted),
		zap.String("reason", verdict.Reason),
		zap.Float64("original", original.Score.Total),
		zap.Float64("healed", verdict.Healed.Total))
	return verdict
}
