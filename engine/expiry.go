/*
expiry.go - Time-driven rank transitions

PURPOSE:
  The RoleExpiryScheduler owns the transitions that happen because time
  passed rather than because someone acted:
  - Temporary role grants lapse after their ExpirationDays
  - On the configured day of each month, every temporary rank ends

  It holds no timer of its own. Callers (the api scheduler, the CLI's
  one-shot maintenance command) decide when to sweep.

SWEEP RULES:
  SweepExpirations     grant.ExpiresAt <= now  -> base rank, grant cleared
  SweepMonthly         new calendar month since lastRunAt AND now.Day() >= resetDay
  DemoteTemporaryRoles rank.IsTemporary        -> base rank, grant cleared

  Points are never touched by these sweeps.

SEE ALSO:
  - ledger.go: RevertToBase performs the per-member write
  - engine.go: RunScheduledMaintenance orders the sweeps
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	reasonRoleExpired   = "role expired"
	reasonTemporaryDone = "temporary role ended at monthly reset"
)

type RoleExpiryScheduler struct {
	Members MemberStore
	Ledger  *PointsLedger
	Ranks   *RankTable

	Logger    *zap.Logger
	Metrics   *Metrics
	Publisher Publisher
}

func NewRoleExpiryScheduler(members MemberStore, ledger *PointsLedger, ranks *RankTable) *RoleExpiryScheduler {
	return &RoleExpiryScheduler{
		Members: members,
		Ledger:  ledger,
		Ranks:   ranks,
		Logger:  zap.NewNop(),
	}
}

func (s *RoleExpiryScheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// SweepExpirations reverts every member whose role grant has lapsed at now.
func (s *RoleExpiryScheduler) SweepExpirations(ctx context.Context, now time.Time) ([]AffectedMember, error) {
	expired := func(m *Member) (bool, error) {
		return m.ActiveRoleGrant != nil && m.ActiveRoleGrant.Expired(now), nil
	}
	return s.sweep(ctx, now, reasonRoleExpired, expired)
}

// DemoteTemporaryRoles moves every member holding a temporary rank to the
// base rank. A member whose stored rank is not in the table is left as is
// and reported in the returned error.
func (s *RoleExpiryScheduler) DemoteTemporaryRoles(ctx context.Context, now time.Time) ([]AffectedMember, error) {
	temporary := func(m *Member) (bool, error) {
		r, err := s.Ranks.ByID(m.RankID)
		if err != nil {
			return false, err
		}
		return r.IsTemporary, nil
	}
	return s.sweep(ctx, now, reasonTemporaryDone, temporary)
}

func (s *RoleExpiryScheduler) sweep(ctx context.Context, now time.Time, reason string, eligible func(*Member) (bool, error)) ([]AffectedMember, error) {
	members, err := s.Members.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	var (
		affected []AffectedMember
		errs     []error
	)
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := eligible(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", m.ID, err))
			continue
		}
		if !ok {
			continue
		}
		a, did, err := s.Ledger.revertToBase(ctx, m.ID, reason, EventRoleExpired, eligible)
		if err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", m.ID, err))
			continue
		}
		if !did {
			continue
		}
		affected = append(affected, a)
		s.Metrics.incRoleExpired()
		s.logger().Info("temporary role reverted",
			zap.String("member_id", string(a.MemberID)),
			zap.String("from", string(a.FromRank)),
			zap.String("to", string(a.ToRank)),
			zap.String("reason", reason),
		)
		publish(ctx, s.Publisher, s.logger(), Event{
			Type:     EventRoleExpiredType,
			MemberID: a.MemberID,
			FromRank: a.FromRank,
			ToRank:   a.ToRank,
			At:       now.UTC(),
		})
	}
	return affected, errors.Join(errs...)
}

// SweepMonthly reports whether the monthly reset is due: now falls in a
// later calendar month than lastRunAt and on or after resetDay. A zero
// lastRunAt means the reset has never run.
func SweepMonthly(now, lastRunAt time.Time, resetDay int) bool {
	if resetDay < 1 {
		resetDay = 1
	}
	now = now.UTC()
	// A reset day past the end of a short month fires on its last day.
	if last := daysIn(now); resetDay > last {
		resetDay = last
	}
	if now.Day() < resetDay {
		return false
	}
	if lastRunAt.IsZero() {
		return true
	}
	last := lastRunAt.UTC()
	if last.After(now) {
		return false
	}
	return monthIndex(now) > monthIndex(last)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month())
}
