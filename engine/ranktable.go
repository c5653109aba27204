/*
ranktable.go - Ordered rank definitions

PURPOSE:
  Read-only lookup over the rank hierarchy. The table is validated once on
  construction and never mutated afterwards, so it can be shared and
  cached freely.

TABLE INVARIANTS (checked by NewRankTable):
  - Rank ids are unique and non-empty
  - Exactly one rank has the highest Level, and it has no threshold (immune)
  - Exactly one rank is Terminal ("Removed")
  - Every DemotesTo target exists and has a strictly lower Level
  - Temporary ranks carry a positive ExpirationDays
  - At least one non-temporary, non-terminal rank exists (the base rank)

SEE ALSO:
  - policy.go: Walks DemotesTo chains
  - factory/ranks.go: Builds tables from JSON/YAML
*/
package engine

import (
	"fmt"
	"sort"
)

type RankTable struct {
	byID    map[RankID]RankDefinition
	ordered []RankDefinition
	top     RankID
	base    RankID
	removed RankID
}

// NewRankTable validates defs and builds a table.
func NewRankTable(defs []RankDefinition) (*RankTable, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no ranks defined", ErrInvalidRankTable)
	}

	t := &RankTable{byID: make(map[RankID]RankDefinition, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: rank with empty id", ErrInvalidRankTable)
		}
		if _, dup := t.byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rank %s", ErrInvalidRankTable, d.ID)
		}
		t.byID[d.ID] = d
		t.ordered = append(t.ordered, d)
	}

	sort.SliceStable(t.ordered, func(i, j int) bool {
		return t.ordered[i].Level > t.ordered[j].Level
	})

	active := t.active()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: every rank is retired", ErrInvalidRankTable)
	}
	top := active[0]
	if len(active) > 1 && active[1].Level == top.Level {
		return nil, fmt.Errorf("%w: ranks %s and %s share the top level", ErrInvalidRankTable, top.ID, active[1].ID)
	}
	if top.DemotionThreshold != nil {
		return nil, fmt.Errorf("%w: top rank %s must not have a demotion threshold", ErrInvalidRankTable, top.ID)
	}
	t.top = top.ID

	for _, d := range active {
		if d.Terminal {
			if t.removed != "" {
				return nil, fmt.Errorf("%w: more than one terminal rank", ErrInvalidRankTable)
			}
			t.removed = d.ID
		}
		if d.DefaultPoints < 0 {
			return nil, fmt.Errorf("%w: rank %s has negative default points", ErrInvalidRankTable, d.ID)
		}
		if d.IsTemporary && (d.ExpirationDays == nil || *d.ExpirationDays <= 0) {
			return nil, fmt.Errorf("%w: temporary rank %s needs positive expiration days", ErrInvalidRankTable, d.ID)
		}
		if d.DemotesTo != nil {
			target, ok := t.byID[*d.DemotesTo]
			if !ok || target.Retired {
				return nil, fmt.Errorf("%w: rank %s demotes to unknown rank %s", ErrInvalidRankTable, d.ID, *d.DemotesTo)
			}
			if target.Level >= d.Level {
				return nil, fmt.Errorf("%w: rank %s demotes to %s which is not lower", ErrInvalidRankTable, d.ID, target.ID)
			}
		}
	}
	if t.removed == "" {
		return nil, fmt.Errorf("%w: no terminal rank", ErrInvalidRankTable)
	}

	// Base: lowest active rank that is neither temporary nor terminal.
	for i := len(active) - 1; i >= 0; i-- {
		d := active[i]
		if !d.IsTemporary && !d.Terminal && d.ID != t.top {
			t.base = d.ID
			break
		}
	}
	if t.base == "" {
		return nil, fmt.Errorf("%w: no base rank", ErrInvalidRankTable)
	}

	return t, nil
}

func (t *RankTable) active() []RankDefinition {
	var out []RankDefinition
	for _, d := range t.ordered {
		if !d.Retired {
			out = append(out, d)
		}
	}
	return out
}

// ByID returns the definition for id. Missing and retired ranks fail with
// *UnknownRankError.
func (t *RankTable) ByID(id RankID) (RankDefinition, error) {
	d, ok := t.byID[id]
	if !ok {
		return RankDefinition{}, &UnknownRankError{RankID: id}
	}
	if d.Retired {
		return RankDefinition{}, &UnknownRankError{RankID: id, Retired: true}
	}
	return d, nil
}

// requested resolves a rank id supplied by a caller. Unknown and retired
// ids fail validation, leaving bare *UnknownRankError for stored references.
func (t *RankTable) requested(id RankID) (RankDefinition, error) {
	d, err := t.ByID(id)
	if err != nil {
		return RankDefinition{}, &ValidationError{Field: "rank_id", Message: err.Error(), Err: err}
	}
	return d, nil
}

// Ordered returns all active ranks, highest level first.
func (t *RankTable) Ordered() []RankDefinition {
	return t.active()
}

// All returns every definition including retired ones, highest level first.
func (t *RankTable) All() []RankDefinition {
	return append([]RankDefinition(nil), t.ordered...)
}

func (t *RankTable) Top() RankDefinition     { return t.byID[t.top] }
func (t *RankTable) Base() RankDefinition    { return t.byID[t.base] }
func (t *RankTable) Removed() RankDefinition { return t.byID[t.removed] }

// IsTop reports whether id is the immune top rank.
func (t *RankTable) IsTop(id RankID) bool {
	return id == t.top
}

// Depth bounds the number of demotion steps a single evaluation can take.
func (t *RankTable) Depth() int {
	return len(t.ordered)
}
