/*
Package factory provides JSON/YAML to Go rank table conversion.

PURPOSE:
  Converts rank table files into engine.RankDefinition values and a
  validated engine.RankTable. This lets operators change the hierarchy
  (thresholds, default points, temporary ranks) without code changes.

FILE SCHEMA (YAML shown, JSON uses the same keys):
  ranks:
    - id: moderator
      name: Moderator
      level: 80
      demotion_threshold: 250
      demotes_to: jr_moderator
      default_points: 300
    - id: trial_supporter
      name: Trial Supporter
      level: 55
      demotion_threshold: 25
      demotes_to: jr_supporter
      temporary: true
      expiration_days: 14
    - id: removed
      name: Removed
      level: 0
      terminal: true

  Omitting demotion_threshold makes a rank immune. Omitting demotes_to
  means falling below the threshold removes the member.

USAGE:
  table, err := factory.LoadRankFile("ranks.yaml")
  // or
  table, err := engine.NewRankTable(factory.DefaultRanks())

SEE ALSO:
  - engine/ranktable.go: Validation rules
  - config/config.go: RanksFile setting
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/rank-engine/engine"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// RankTableFile is the top-level document of a rank file.
type RankTableFile struct {
	Ranks []RankJSON `json:"ranks" yaml:"ranks"`
}

// RankJSON is the serialized form of one rank.
type RankJSON struct {
	ID                string  `json:"id" yaml:"id"`
	Name              string  `json:"name" yaml:"name"`
	Level             int     `json:"level" yaml:"level"`
	DemotionThreshold *int64  `json:"demotion_threshold,omitempty" yaml:"demotion_threshold,omitempty"`
	DemotesTo         *string `json:"demotes_to,omitempty" yaml:"demotes_to,omitempty"`
	Temporary         bool    `json:"temporary,omitempty" yaml:"temporary,omitempty"`
	ExpirationDays    *int    `json:"expiration_days,omitempty" yaml:"expiration_days,omitempty"`
	DefaultPoints     int64   `json:"default_points,omitempty" yaml:"default_points,omitempty"`
	Terminal          bool    `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Retired           bool    `json:"retired,omitempty" yaml:"retired,omitempty"`
}

// Format names accepted by ParseRankTable.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// =============================================================================
// PARSING
// =============================================================================

// ParseRankTable decodes data in the given format and validates the result.
func ParseRankTable(data []byte, format string) (*engine.RankTable, error) {
	var file RankTableFile
	switch strings.ToLower(format) {
	case FormatJSON:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse rank table json: %w", err)
		}
	case FormatYAML, "yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse rank table yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rank table format %q", format)
	}

	defs := make([]engine.RankDefinition, 0, len(file.Ranks))
	for _, r := range file.Ranks {
		defs = append(defs, FromJSON(r))
	}
	return engine.NewRankTable(defs)
}

// LoadRankFile reads a rank table from path. The format follows the file
// extension (.json, .yaml, .yml).
func LoadRankFile(path string) (*engine.RankTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rank file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return ParseRankTable(data, format)
}

// FromJSON converts one serialized rank into a definition.
func FromJSON(r RankJSON) engine.RankDefinition {
	d := engine.RankDefinition{
		ID:                engine.RankID(r.ID),
		DisplayName:       r.Name,
		Level:             r.Level,
		DemotionThreshold: r.DemotionThreshold,
		IsTemporary:       r.Temporary,
		ExpirationDays:    r.ExpirationDays,
		DefaultPoints:     r.DefaultPoints,
		Terminal:          r.Terminal,
		Retired:           r.Retired,
	}
	if d.DisplayName == "" {
		d.DisplayName = r.ID
	}
	if r.DemotesTo != nil && *r.DemotesTo != "" {
		d.DemotesTo = engine.RankRef(engine.RankID(*r.DemotesTo))
	}
	return d
}

// ToJSON converts a definition back to its serialized form.
func ToJSON(d engine.RankDefinition) RankJSON {
	r := RankJSON{
		ID:                string(d.ID),
		Name:              d.DisplayName,
		Level:             d.Level,
		DemotionThreshold: d.DemotionThreshold,
		Temporary:         d.IsTemporary,
		ExpirationDays:    d.ExpirationDays,
		DefaultPoints:     d.DefaultPoints,
		Terminal:          d.Terminal,
		Retired:           d.Retired,
	}
	if d.DemotesTo != nil {
		s := string(*d.DemotesTo)
		r.DemotesTo = &s
	}
	return r
}

// =============================================================================
// PRESET
// =============================================================================

// Rank ids of the default hierarchy.
const (
	RankOwner          engine.RankID = "owner"
	RankAdmin          engine.RankID = "admin"
	RankModerator      engine.RankID = "moderator"
	RankJrModerator    engine.RankID = "jr_moderator"
	RankSupporter      engine.RankID = "supporter"
	RankTrialSupporter engine.RankID = "trial_supporter"
	RankJrSupporter    engine.RankID = "jr_supporter"
	RankMember         engine.RankID = "member"
	RankRemoved        engine.RankID = "removed"
)

// DefaultRanks returns the stock staff hierarchy.
func DefaultRanks() []engine.RankDefinition {
	return []engine.RankDefinition{
		{ID: RankOwner, DisplayName: "Owner", Level: 100},
		{
			ID: RankAdmin, DisplayName: "Admin", Level: 90,
			DemotionThreshold: engine.Int64(400), DemotesTo: engine.RankRef(RankModerator),
			DefaultPoints: 500,
		},
		{
			ID: RankModerator, DisplayName: "Moderator", Level: 80,
			DemotionThreshold: engine.Int64(250), DemotesTo: engine.RankRef(RankJrModerator),
			DefaultPoints: 300,
		},
		{
			ID: RankJrModerator, DisplayName: "Jr. Moderator", Level: 70,
			DemotionThreshold: engine.Int64(150), DemotesTo: engine.RankRef(RankSupporter),
			DefaultPoints: 200,
		},
		{
			ID: RankSupporter, DisplayName: "Supporter", Level: 60,
			DemotionThreshold: engine.Int64(75), DemotesTo: engine.RankRef(RankJrSupporter),
			DefaultPoints: 100,
		},
		{
			ID: RankTrialSupporter, DisplayName: "Trial Supporter", Level: 55,
			DemotionThreshold: engine.Int64(25), DemotesTo: engine.RankRef(RankJrSupporter),
			IsTemporary: true, ExpirationDays: engine.Int(14),
			DefaultPoints: 50,
		},
		{
			ID: RankJrSupporter, DisplayName: "Jr. Supporter", Level: 50,
			DemotionThreshold: engine.Int64(25),
			DefaultPoints:     50,
		},
		{ID: RankMember, DisplayName: "Member", Level: 10},
		{ID: RankRemoved, DisplayName: "Removed", Level: 0, Terminal: true},
	}
}

// DefaultRankTable builds the table for DefaultRanks.
func DefaultRankTable() *engine.RankTable {
	t, err := engine.NewRankTable(DefaultRanks())
	if err != nil {
		panic(fmt.Sprintf("default rank table is invalid: %v", err))
	}
	return t
}
