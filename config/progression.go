package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shaalot/apiserver/types"
	"gopkg.in/yaml.v3"
)

//go:embed progression.yaml
var defaultProgression []byte

// Progression holds the product decisions that drive levels and moderation:
// the level table, activity rewards and the minimum role per action type.
type Progression struct {
	Levels       []LevelSpec                            `yaml:"levels"`
	Activity     map[types.ActivityKind]types.StatDelta `yaml:"activity"`
	FlowerPoints int64                                  `yaml:"flowerPoints"`
	Permissions  map[types.ActionType]types.Role        `yaml:"permissions"`
}

// LevelSpec is one row of the level table.
type LevelSpec struct {
	Name        types.Level `yaml:"name" json:"name"`
	MinPoints   int64       `yaml:"minPoints" json:"minPoints"`
	Features    []string    `yaml:"features" json:"features"`
	Icon        string      `yaml:"icon" json:"icon"`
	DisplayName string      `yaml:"displayName" json:"displayName"`
}

// DefaultProgression returns the embedded progression settings.
func DefaultProgression() (Progression, error) {
	var p Progression
	if err := yaml.Unmarshal(defaultProgression, &p); err != nil {
		return Progression{}, fmt.Errorf("parse embedded progression: %w", err)
	}
	return p, p.Validate()
}

// LoadProgression reads the embedded defaults and overlays the YAML file at
// path, if any. Maps are merged key by key; the level table is replaced as a
// whole when the file defines one.
func LoadProgression(path string) (Progression, error) {
	p, err := DefaultProgression()
	if err != nil {
		return Progression{}, err
	}
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Progression{}, fmt.Errorf("read progression file: %w", err)
	}

	var overlay Progression
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Progression{}, fmt.Errorf("parse progression file: %w", err)
	}
	if len(overlay.Levels) > 0 {
		p.Levels = overlay.Levels
	}
	for kind, delta := range overlay.Activity {
		p.Activity[kind] = delta
	}
	for action, role := range overlay.Permissions {
		p.Permissions[action] = role
	}
	if overlay.FlowerPoints != 0 {
		p.FlowerPoints = overlay.FlowerPoints
	}

	return p, p.Validate()
}

// Validate checks that the level table is total and monotonic and that the
// permission matrix covers every action type.
func (p Progression) Validate() error {
	if err := ValidateLevels(p.Levels); err != nil {
		return err
	}

	for _, action := range types.ActionTypes {
		role, ok := p.Permissions[action]
		if !ok {
			return fmt.Errorf("progression: no minimum role for action %q", action)
		}
		if !role.Valid() {
			return fmt.Errorf("progression: invalid role %q for action %q", role, action)
		}
		if action.ChangesRole() && !role.AtLeast(types.RoleAdmin) {
			return fmt.Errorf("progression: %q must require at least %q", action, types.RoleAdmin)
		}
	}
	for action := range p.Permissions {
		if !action.Valid() {
			return fmt.Errorf("progression: unknown action %q", action)
		}
	}

	for kind, delta := range p.Activity {
		if delta.Negative() {
			return fmt.Errorf("progression: activity %q must not decrease stats", kind)
		}
	}
	if p.FlowerPoints < 0 {
		return errors.New("progression: flowerPoints must not be negative")
	}
	return nil
}

// ValidateLevels requires a non-empty table starting at 0 points with unique
// names and strictly increasing thresholds.
func ValidateLevels(levels []LevelSpec) error {
	if len(levels) == 0 {
		return errors.New("progression: at least one level is required")
	}
	if levels[0].MinPoints != 0 {
		return errors.New("progression: the first level must start at 0 points")
	}
	seen := make(map[types.Level]bool, len(levels))
	for i, level := range levels {
		if strings.TrimSpace(string(level.Name)) == "" {
			return fmt.Errorf("progression: level %d has no name", i)
		}
		if seen[level.Name] {
			return fmt.Errorf("progression: duplicate level %q", level.Name)
		}
		seen[level.Name] = true
		if i > 0 && level.MinPoints <= levels[i-1].MinPoints {
			return fmt.Errorf("progression: level %q threshold must exceed %q", level.Name, levels[i-1].Name)
		}
	}
	return nil
}
