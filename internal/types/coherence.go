package types

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"
)

// Language identifies a supported source language
type Language string

const (
	LangUnknown    Language = ""
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangPython     Language = "python"
	LangGo         Language = "go"
	LangRust       Language = "rust"
)

// BuiltinLanguages lists the languages with built-in sandbox runners, in detection priority order.
var BuiltinLanguages = []Language{LangGo, LangRust, LangPython, LangTypeScript, LangJavaScript}

// IsValid checks if the language value is one of the built-in languages
func (l Language) IsValid() bool {
	switch l {
	case LangJavaScript, LangTypeScript, LangPython, LangGo, LangRust:
		return true
	}
	return false
}

// ParseLanguage resolves a user-supplied language name, accepting common aliases.
func ParseLanguage(s string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "javascript", "js", "node":
		return LangJavaScript, true
	case "typescript", "ts":
		return LangTypeScript, true
	case "python", "py", "python3":
		return LangPython, true
	case "go", "golang":
		return LangGo, true
	case "rust", "rs":
		return LangRust, true
	}
	return Language(strings.ToLower(strings.TrimSpace(s))), false
}

var extensionLanguages = map[string]Language{
	".js":  LangJavaScript,
	".cjs": LangJavaScript,
	".mjs": LangJavaScript,
	".jsx": LangJavaScript,
	".ts":  LangTypeScript,
	".tsx": LangTypeScript,
	".mts": LangTypeScript,
	".py":  LangPython,
	".go":  LangGo,
	".rs":  LangRust,
}

// LanguageForPath maps a file extension to a language. Returns LangUnknown for unmapped extensions.
func LanguageForPath(path string) Language {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}

// SourceFile is an immutable snapshot of a file taken at scan time
type SourceFile struct {
	Path     string   `json:"path"`
	Language Language `json:"language"`
	Code     string   `json:"-"`
}

// Breakdown holds the per-dimension coherence values, each in [0,1]
type Breakdown struct {
	SyntaxValidity        float64 `json:"syntax_validity"`
	Completeness          float64 `json:"completeness"`
	Consistency           float64 `json:"consistency"`
	TestProof             float64 `json:"test_proof"`
	HistoricalReliability float64 `json:"historical_reliability"`
}

// Weights are the per-dimension multipliers used to combine a Breakdown into a total
type Weights struct {
	SyntaxValidity        float64 `json:"syntax_validity" yaml:"syntax_validity"`
	Completeness          float64 `json:"completeness" yaml:"completeness"`
	Consistency           float64 `json:"consistency" yaml:"consistency"`
	TestProof             float64 `json:"test_proof" yaml:"test_proof"`
	HistoricalReliability float64 `json:"historical_reliability" yaml:"historical_reliability"`
}

// WeightTolerance is the allowed deviation of the weight sum from 1.0
const WeightTolerance = 0.01

// ErrInvalidWeights is returned when scoring weights are negative or do not sum to 1.0
var ErrInvalidWeights = errors.New("invalid coherence weights")

// DefaultWeights returns the default dimension weights
func DefaultWeights() Weights {
	return Weights{
		SyntaxValidity:        0.25,
		Completeness:          0.20,
		Consistency:           0.20,
		TestProof:             0.20,
		HistoricalReliability: 0.15,
	}
}

// Sum returns the sum of all weights
func (w Weights) Sum() float64 {
	return w.SyntaxValidity + w.Completeness + w.Consistency + w.TestProof + w.HistoricalReliability
}

// Validate checks that no weight is negative and that the weights sum to 1.0 ± WeightTolerance
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"syntax_validity":        w.SyntaxValidity,
		"completeness":           w.Completeness,
		"consistency":            w.Consistency,
		"test_proof":             w.TestProof,
		"historical_reliability": w.HistoricalReliability,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s must be >= 0 (got %v)", ErrInvalidWeights, name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("%w: weights must sum to 1.0 ± %.2f (got %.4f)", ErrInvalidWeights, WeightTolerance, sum)
	}
	return nil
}

// Combine returns the weighted sum of a breakdown (unclamped)
func (w Weights) Combine(b Breakdown) float64 {
	return b.SyntaxValidity*w.SyntaxValidity +
		b.Completeness*w.Completeness +
		b.Consistency*w.Consistency +
		b.TestProof*w.TestProof +
		b.HistoricalReliability*w.HistoricalReliability
}

// CoherenceScore is the composite score for a single file
type CoherenceScore struct {
	Total     float64   `json:"total"`
	Breakdown Breakdown `json:"breakdown"`
	Weights   Weights   `json:"weights"`

	// StructuralAdjustment is the bounded AST-derived boost/penalty already included in Total
	StructuralAdjustment float64  `json:"structural_adjustment"`
	Language             Language `json:"language"`
}

// Clamp01 limits v to [0,1]
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FileScore is one entry of a Snapshot
type FileScore struct {
	Path      string         `json:"path"`
	Language  Language       `json:"language"`
	SizeBytes int64          `json:"size_bytes"`
	Score     CoherenceScore `json:"score"`

	// Code is the file content at scan time, handed to healing strategies
	Code string `json:"-"`
}

// Coherence returns the file's total score
func (f FileScore) Coherence() float64 {
	return f.Score.Total
}

// Aggregate summarizes a snapshot
type Aggregate struct {
	TotalFiles   int     `json:"total_files"`
	AvgCoherence float64 `json:"avg_coherence"`
}

// Snapshot is the scored state of the repository at the start of a run.
// It is immutable once taken.
type Snapshot struct {
	ID             string      `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	Root           string      `json:"root"`
	Threshold      float64     `json:"threshold"`
	Files          []FileScore `json:"files"`
	Aggregate      Aggregate   `json:"aggregate"`
	BelowThreshold []string    `json:"below_threshold"`
}

// NewSnapshot computes the aggregate and below-threshold list for a set of scored files.
func NewSnapshot(id, root string, threshold float64, files []FileScore) *Snapshot {
	snap := &Snapshot{
		ID:             id,
		Timestamp:      time.Now().UTC(),
		Root:           root,
		Threshold:      threshold,
		Files:          files,
		BelowThreshold: []string{},
	}
	var sum float64
	for _, f := range files {
		sum += f.Score.Total
		if f.Score.Total < threshold {
			snap.BelowThreshold = append(snap.BelowThreshold, f.Path)
		}
	}
	snap.Aggregate.TotalFiles = len(files)
	if len(files) > 0 {
		snap.Aggregate.AvgCoherence = sum / float64(len(files))
	}
	return snap
}

// File looks up a file entry by path
func (s *Snapshot) File(path string) (FileScore, bool) {
	for _, f := range s.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileScore{}, false
}

// HistoryStats summarizes how often a file has needed healing in past runs
type HistoryStats struct {
	Runs        int `json:"runs"`
	Heals       int `json:"heals"`
	RecentHeals int `json:"recent_heals"`
	RecentRuns  int `json:"recent_runs"`
}

// HealingCandidate is a replacement produced by an external healing strategy
type HealingCandidate struct {
	Path       string `json:"path"`
	HealedCode string `json:"-"`
}

// HealingRecord describes a file that was rewritten during a run.
// Improvement may be negative, which signals a regression.
type HealingRecord struct {
	Path              string   `json:"path"`
	Language          Language `json:"language"`
	OriginalCoherence float64  `json:"original_coherence"`
	HealedCoherence   float64  `json:"healed_coherence"`
	Improvement       float64  `json:"improvement"`
	HealedCode        string   `json:"-"`
}

// NewHealingRecord builds a record and computes the improvement
func NewHealingRecord(path string, lang Language, original, healed float64, code string) HealingRecord {
	return HealingRecord{
		Path:              path,
		Language:          lang,
		OriginalCoherence: original,
		HealedCoherence:   healed,
		Improvement:       healed - original,
		HealedCode:        code,
	}
}
