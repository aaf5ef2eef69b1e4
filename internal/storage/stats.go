package storage

import (
	"context"

	"github.com/steveyegge/mend/internal/types"
)

// RecentWindow is the number of newest runs counted as recent
const RecentWindow = 10

// StatsIndex answers per-file healing statistics from a set of run records.
// It satisfies coherence.HistorySource.
type StatsIndex struct {
	runs        int
	recent      int
	heals       map[string]int
	recentHeals map[string]int
}

// NewStatsIndex indexes records ordered newest first, as returned by
// History.Recent. Skipped runs changed nothing and are not counted.
func NewStatsIndex(records []types.RunRecord) *StatsIndex {
	idx := &StatsIndex{
		heals:       make(map[string]int),
		recentHeals: make(map[string]int),
	}
	for _, rec := range records {
		if rec.Skipped {
			continue
		}
		idx.runs++
		isRecent := idx.runs <= RecentWindow
		if isRecent {
			idx.recent++
		}
		// Rolled-back changes never landed but still show the file needed work
		seen := make(map[string]bool, len(rec.Changes))
		for _, path := range rec.HealedPaths() {
			if seen[path] {
				continue
			}
			seen[path] = true
			idx.heals[path]++
			if isRecent {
				idx.recentHeals[path]++
			}
		}
	}
	return idx
}

// LoadStatsIndex reads every retained record from h and indexes it
func LoadStatsIndex(ctx context.Context, h History) (*StatsIndex, error) {
	records, err := h.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	return NewStatsIndex(records), nil
}

// HistoryStats returns the statistics for path. ok is false when there is
// no history at all.
func (i *StatsIndex) HistoryStats(path string) (types.HistoryStats, bool) {
	if i == nil || i.runs == 0 {
		return types.HistoryStats{}, false
	}
	return types.HistoryStats{
		Runs:        i.runs,
		Heals:       i.heals[path],
		RecentHeals: i.recentHeals[path],
		RecentRuns:  i.recent,
	}, true
}

// Runs returns the number of indexed runs
func (i *StatsIndex) Runs() int {
	if i == nil {
		return 0
	}
	return i.runs
}
