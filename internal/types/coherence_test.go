package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsSumToOne(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
	assert.NoError(t, w.Validate())
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"defaults", DefaultWeights(), false},
		{"within tolerance", Weights{0.25, 0.2, 0.2, 0.2, 0.145}, false},
		{"sum too low", Weights{0.2, 0.2, 0.2, 0.2, 0.1}, true},
		{"sum too high", Weights{0.3, 0.3, 0.2, 0.2, 0.15}, true},
		{"negative weight", Weights{0.5, 0.5, 0.2, -0.2, 0.0}, true},
		{"all on one dimension", Weights{SyntaxValidity: 1.0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidWeights))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWeightsCombine(t *testing.T) {
	w := DefaultWeights()
	perfect := Breakdown{1, 1, 1, 1, 1}
	assert.InDelta(t, 1.0, w.Combine(perfect), 1e-9)
	assert.InDelta(t, 0.0, w.Combine(Breakdown{}), 1e-9)

	half := Breakdown{0.5, 0.5, 0.5, 0.5, 0.5}
	assert.InDelta(t, 0.5, w.Combine(half), 1e-9)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.42, Clamp01(0.42))
}

func TestLanguageForPath(t *testing.T) {
	cases := map[string]Language{
		"src/app.js":     LangJavaScript,
		"src/app.MJS":    LangJavaScript,
		"src/app.ts":     LangTypeScript,
		"lib/util.py":    LangPython,
		"cmd/main.go":    LangGo,
		"src/lib.rs":     LangRust,
		"README.md":      LangUnknown,
		"Makefile":       LangUnknown,
		"web/index.tsx":  LangTypeScript,
		"web/widget.jsx": LangJavaScript,
	}
	for path, want := range cases {
		assert.Equal(t, want, LanguageForPath(path), path)
	}
}

func TestParseLanguage(t *testing.T) {
	lang, ok := ParseLanguage("TS")
	assert.True(t, ok)
	assert.Equal(t, LangTypeScript, lang)

	lang, ok = ParseLanguage("golang")
	assert.True(t, ok)
	assert.Equal(t, LangGo, lang)

	lang, ok = ParseLanguage("cobol")
	assert.False(t, ok)
	assert.Equal(t, Language("cobol"), lang)
	assert.False(t, lang.IsValid())
}

func TestNewSnapshot(t *testing.T) {
	files := []FileScore{
		{Path: "a.js", Score: CoherenceScore{Total: 0.9}},
		{Path: "b.js", Score: CoherenceScore{Total: 0.5}},
		{Path: "c.js", Score: CoherenceScore{Total: 0.7}},
	}
	snap := NewSnapshot("snap-1", "/repo", 0.7, files)

	assert.Equal(t, 3, snap.Aggregate.TotalFiles)
	assert.InDelta(t, 0.7, snap.Aggregate.AvgCoherence, 1e-9)
	// Strictly below the threshold only
	assert.Equal(t, []string{"b.js"}, snap.BelowThreshold)

	f, ok := snap.File("c.js")
	require.True(t, ok)
	assert.InDelta(t, 0.7, f.Coherence(), 1e-9)

	_, ok = snap.File("missing.js")
	assert.False(t, ok)
}

func TestNewSnapshotEmpty(t *testing.T) {
	snap := NewSnapshot("snap-empty", "/repo", 0.7, nil)
	assert.Equal(t, 0, snap.Aggregate.TotalFiles)
	assert.Equal(t, 0.0, snap.Aggregate.AvgCoherence)
	assert.Empty(t, snap.BelowThreshold)
}

func TestNewHealingRecordNegativeImprovement(t *testing.T) {
	rec := NewHealingRecord("a.py", LangPython, 0.6, 0.4, "x = 1")
	assert.InDelta(t, -0.2, rec.Improvement, 1e-9)
}
