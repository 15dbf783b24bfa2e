// Package levels maps cumulative XP to levels and back.
//
// A Model is built once at startup, either from a YAML asset or from the
// built-in curve, and is read-only afterwards. It is safe for concurrent use.
package levels

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLevel is the size of the built-in table.
const DefaultMaxLevel = 100

// Threshold is one row of the level table: the cumulative XP needed to reach Level.
type Threshold struct {
	Level int `yaml:"level"`
	XP    int `yaml:"xp"`
}

type tableFile struct {
	Levels []Threshold `yaml:"levels"`
}

// Model is an immutable bidirectional level <-> threshold table.
// thresholds[n] is the cumulative XP needed for level n; thresholds[0] is always 0.
type Model struct {
	thresholds []int
}

// New builds a Model from rows. Level 0 may be omitted; if present its XP must be 0.
// Levels must be contiguous starting at 1 and thresholds strictly increasing.
func New(rows []Threshold) (*Model, error) {
	sorted := make([]Threshold, 0, len(rows))
	for _, r := range rows {
		if r.Level == 0 {
			if r.XP != 0 {
				return nil, fmt.Errorf("level 0 threshold must be 0, got %d", r.XP)
			}
			continue
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	thresholds := make([]int, 1, len(sorted)+1)
	for i, r := range sorted {
		if r.Level != i+1 {
			return nil, fmt.Errorf("level table has a gap: expected level %d, got %d", i+1, r.Level)
		}
		if r.XP <= thresholds[len(thresholds)-1] {
			return nil, fmt.Errorf("level %d threshold %d is not above level %d threshold %d",
				r.Level, r.XP, r.Level-1, thresholds[len(thresholds)-1])
		}
		thresholds = append(thresholds, r.XP)
	}
	return &Model{thresholds: thresholds}, nil
}

// Default returns the built-in curve up to maxLevel. Going from level n to n+1
// costs 5n²+50n+100 XP.
func Default(maxLevel int) *Model {
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	thresholds := make([]int, maxLevel+1)
	for n := 1; n <= maxLevel; n++ {
		prev := n - 1
		thresholds[n] = thresholds[prev] + 5*prev*prev + 50*prev + 100
	}
	return &Model{thresholds: thresholds}
}

// Load reads a YAML level table from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read level table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse level table: %w", err)
	}
	if len(f.Levels) == 0 {
		return nil, fmt.Errorf("level table %s has no levels", path)
	}
	m, err := New(f.Levels)
	if err != nil {
		return nil, fmt.Errorf("level table %s: %w", path, err)
	}
	return m, nil
}

// Marshal renders the model as a YAML level table, the format Load reads.
func (m *Model) Marshal() ([]byte, error) {
	f := tableFile{Levels: make([]Threshold, 0, len(m.thresholds)-1)}
	for lvl := 1; lvl < len(m.thresholds); lvl++ {
		f.Levels = append(f.Levels, Threshold{Level: lvl, XP: m.thresholds[lvl]})
	}
	return yaml.Marshal(f)
}

// MaxLevel is the highest level in the table.
func (m *Model) MaxLevel() int {
	return len(m.thresholds) - 1
}

// LevelForXP returns the greatest level whose threshold is <= xp, capped at
// maxLevel. A maxLevel <= 0 means no cap beyond the table.
func (m *Model) LevelForXP(xp, maxLevel int) int {
	if xp < 0 {
		xp = 0
	}
	// first index whose threshold exceeds xp
	idx := sort.Search(len(m.thresholds), func(i int) bool { return m.thresholds[i] > xp })
	level := idx - 1
	if maxLevel > 0 && level > maxLevel {
		level = maxLevel
	}
	return level
}

// XPForLevel returns the cumulative XP needed to reach level.
func (m *Model) XPForLevel(level int) (int, bool) {
	if level < 0 || level >= len(m.thresholds) {
		return 0, false
	}
	return m.thresholds[level], true
}
