/*
policy.go - Demotion rules

PURPOSE:
  Maps a member's point balance and current rank to a (possibly new) rank.
  Resolve is a pure function; applying its decision to a member is done
  by applyDecision, which the ledger calls under the member lock.

RULES:
  1. The top rank, or any rank without a threshold, never changes.
  2. points < threshold:
       points <= 0         -> Removed (takes precedence over DemotesTo)
       DemotesTo set       -> DemotesTo
       DemotesTo nil       -> Removed
  3. Otherwise no change.

SINGLE STEP, FIXED POINT:
  Resolve moves at most one rank down. resolveToFixedPoint repeats it
  until no change, bounded by the table depth, so a large deduction
  cascades through several ranks while each step stays in the history.

SEE ALSO:
  - ledger.go: Calls resolveToFixedPoint after every delta
*/
package engine

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// RankDecision is the outcome of one Resolve step.
type RankDecision struct {
	Changed bool
	From    RankID
	To      RankID
}

// Resolve evaluates one demotion step for m.
func Resolve(m *Member, table *RankTable) (RankDecision, error) {
	current, err := table.ByID(m.RankID)
	if err != nil {
		return RankDecision{}, err
	}
	noChange := RankDecision{From: current.ID, To: current.ID}

	if table.IsTop(current.ID) || current.DemotionThreshold == nil {
		return noChange, nil
	}
	if m.Points >= *current.DemotionThreshold {
		return noChange, nil
	}

	target := table.Removed().ID
	if m.Points > 0 && current.DemotesTo != nil {
		target = *current.DemotesTo
	}
	if target == current.ID {
		return noChange, nil
	}
	return RankDecision{Changed: true, From: current.ID, To: target}, nil
}

// applyDecision moves m to d.To, clears a grant tied to the old rank and
// appends the audit event.
func applyDecision(m *Member, table *RankTable, d RankDecision, at time.Time) error {
	from, err := table.ByID(d.From)
	if err != nil {
		return err
	}
	to, err := table.ByID(d.To)
	if err != nil {
		return err
	}

	m.RankID = to.ID
	if m.ActiveRoleGrant != nil && m.ActiveRoleGrant.RoleID == from.ID {
		m.ActiveRoleGrant = nil
	}
	m.History = append(m.History, PointEvent{
		ID:        ksuid.New().String(),
		Timestamp: at,
		Delta:     0,
		Balance:   m.Points,
		Reason:    fmt.Sprintf("demoted from %s to %s", from.DisplayName, to.DisplayName),
		ActorID:   SystemActor,
		Kind:      EventDemotion,
	})
	return nil
}

// resolveToFixedPoint applies Resolve until the rank is stable and returns
// every step taken.
func resolveToFixedPoint(m *Member, table *RankTable, at time.Time) ([]RankDecision, error) {
	var steps []RankDecision
	for i := 0; i <= table.Depth(); i++ {
		d, err := Resolve(m, table)
		if err != nil {
			return steps, err
		}
		if !d.Changed {
			return steps, nil
		}
		if err := applyDecision(m, table, d, at); err != nil {
			return steps, err
		}
		steps = append(steps, d)
	}
	return steps, fmt.Errorf("%w: demotion chain from %s did not settle", ErrInvalidRankTable, m.RankID)
}
