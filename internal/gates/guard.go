package gates

import (
	"fmt"
	"math"

	"github.com/steveyegge/mend/internal/types"
)

// CriticalDrop is the aggregate coherence loss beyond which the guard
// classifies a run as critical
const CriticalDrop = 0.05

// epsilon absorbs floating-point noise when comparing deltas to the bands
const epsilon = 1e-9

// ClassifyDelta maps a post-minus-pre coherence delta to a severity:
// below -0.05 is critical, [-0.05, 0) is a warning, 0 is neutral and
// anything above 0 is positive.
func ClassifyDelta(delta float64) types.GuardSeverity {
	switch {
	case delta < -CriticalDrop-epsilon:
		return types.SeverityCritical
	case delta < -epsilon:
		return types.SeverityWarning
	case delta <= epsilon:
		return types.SeverityNeutral
	default:
		return types.SeverityPositive
	}
}

// EvaluateGuard compares pre-heal and post-heal aggregate coherence.
// projected records whether post came from ProjectCoherence or a re-scan.
func EvaluateGuard(pre, post float64, projected bool) types.CoherenceGuardResult {
	delta := post - pre
	if math.Abs(delta) <= epsilon {
		delta = 0
	}
	severity := ClassifyDelta(delta)
	return types.CoherenceGuardResult{
		PreCoherence:  pre,
		PostCoherence: post,
		Delta:         delta,
		Dropped:       delta < 0,
		Severity:      severity,
		Projected:     projected,
	}
}

// ProjectCoherence estimates the post-heal aggregate without re-scanning:
// each healed file moves the average by its improvement divided by the
// number of scored files.
func ProjectCoherence(pre float64, totalFiles int, healed []types.HealingRecord) float64 {
	if totalFiles <= 0 {
		return pre
	}
	sum := 0.0
	for _, h := range healed {
		sum += h.Improvement
	}
	post := pre + sum/float64(totalFiles)
	return math.Max(0, math.Min(1, post))
}

// RequiresRollback reports whether the guard verdict forces a rollback
func RequiresRollback(res types.CoherenceGuardResult, autoRollback bool) bool {
	return autoRollback && res.Severity == types.SeverityCritical
}

// DescribeGuard renders a one-line verdict
func DescribeGuard(res types.CoherenceGuardResult) string {
	how := "re-scanned"
	if res.Projected {
		how = "projected"
	}
	return fmt.Sprintf("coherence %.3f -> %.3f (%+.3f, %s, %s)",
		res.PreCoherence, res.PostCoherence, res.Delta, res.Severity, how)
}
