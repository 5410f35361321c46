package services

import (
	"sort"

	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/types"
)

// LevelResolver maps accumulated stats onto the configured level table.
// It is immutable after construction and safe for concurrent use.
type LevelResolver struct {
	levels []config.LevelSpec
	index  map[types.Level]int
}

// LevelProgress describes where a point total sits in the table.
type LevelProgress struct {
	Current      config.LevelSpec  `json:"current"`
	Next         *config.LevelSpec `json:"next,omitempty"`
	PointsToNext int64             `json:"pointsToNext"`
	Features     []string          `json:"features"`
}

// NewLevelResolver validates the level table and indexes it by name.
func NewLevelResolver(levels []config.LevelSpec) (*LevelResolver, error) {
	if err := config.ValidateLevels(levels); err != nil {
		return nil, err
	}
	table := make([]config.LevelSpec, len(levels))
	copy(table, levels)

	index := make(map[types.Level]int, len(table))
	for i, level := range table {
		index[level.Name] = i
	}
	return &LevelResolver{levels: table, index: index}, nil
}

// Resolve returns the highest level whose threshold the points reach.
// Negative totals resolve to the lowest level.
func (r *LevelResolver) Resolve(stats types.Stats) types.Level {
	return r.levels[r.position(stats.Points)].Name
}

// Effective is the level a profile should carry: its pinned level when that
// names a configured level, otherwise the level its stats resolve to.
func (r *LevelResolver) Effective(profile types.UserProfile) types.Level {
	if _, ok := r.index[profile.PinnedLevel]; ok && profile.PinnedLevel != "" {
		return profile.PinnedLevel
	}
	return r.Resolve(profile.Stats)
}

// Features returns every feature unlocked at or below level, in table order.
func (r *LevelResolver) Features(level types.Level) ([]string, bool) {
	i, ok := r.index[level]
	if !ok {
		return nil, false
	}
	var features []string
	for _, tier := range r.levels[:i+1] {
		features = append(features, tier.Features...)
	}
	return features, true
}

// Progress reports the current level for points and what the next one needs.
func (r *LevelResolver) Progress(points int64) LevelProgress {
	i := r.position(points)
	current := r.levels[i]
	features, _ := r.Features(current.Name)

	progress := LevelProgress{Current: current, Features: features}
	if i+1 < len(r.levels) {
		next := r.levels[i+1]
		progress.Next = &next
		progress.PointsToNext = next.MinPoints - max(points, 0)
	}
	return progress
}

// Compare orders two configured levels; unknown levels sort lowest.
func (r *LevelResolver) Compare(a, b types.Level) int {
	ia, ok := r.index[a]
	if !ok {
		ia = -1
	}
	ib, ok := r.index[b]
	if !ok {
		ib = -1
	}
	return ia - ib
}

// Lowest is the level every new profile starts at.
func (r *LevelResolver) Lowest() types.Level {
	return r.levels[0].Name
}

// Top is the highest configured level.
func (r *LevelResolver) Top() types.Level {
	return r.levels[len(r.levels)-1].Name
}

// Table returns a copy of the configured level table.
func (r *LevelResolver) Table() []config.LevelSpec {
	table := make([]config.LevelSpec, len(r.levels))
	copy(table, r.levels)
	return table
}

func (r *LevelResolver) position(points int64) int {
	// First level whose threshold exceeds points, minus one.
	i := sort.Search(len(r.levels), func(i int) bool {
		return r.levels[i].MinPoints > points
	})
	if i == 0 {
		return 0
	}
	return i - 1
}
