/*
ledger.go - Member point balances and their append-only history

PURPOSE:
  The PointsLedger is the only component allowed to change a member's
  points. Every change appends a PointEvent and is followed by a rank
  re-evaluation, so balance, rank and history never drift apart.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: points = max(0, points + delta), saturating at MaxInt64
  2. APPEND-ONLY: history entries are never edited or removed
  3. SERIALIZED: every read-modify-write of a member runs under that
     member's lock and is saved with a version check
  4. IDEMPOTENT: a keyed event is applied at most once per member

OPERATIONS:
  ApplyDelta      Signed point change, then demotion to a fixed point
  ApplyDeltaOnce  Same, rejected with ErrDuplicateIdempotencyKey on a repeated key
  Assign          Set a rank and grant its default points (temporary ranks get a RoleGrant)
  Register        Store a new member already placed on its rank, in one write
  MonthlyReset    Zero every balance outside the base and top ranks without touching ranks
  RevertToBase    Move a member to the base rank and clear the grant

EXAMPLE FLOW:
  Moderator (threshold 250) with 260 points
  ApplyDelta(-15, "spam")  -> points 245, event(-15)
  Resolve                  -> Jr. Moderator, event("demoted from Moderator to Jr. Moderator")

SEE ALSO:
  - policy.go: Resolve and the fixed-point loop
  - store.go: Version semantics of SaveMember
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// maxSaveAttempts bounds reload-and-retry on ErrConcurrentModification.
const maxSaveAttempts = 3

type PointsLedger struct {
	Store MemberStore
	Ranks *RankTable

	Logger    *zap.Logger
	Metrics   *Metrics
	Publisher Publisher
	Now       func() time.Time

	locksOnce sync.Once
	locks     *keyedMutex
}

func NewPointsLedger(store MemberStore, ranks *RankTable) *PointsLedger {
	return &PointsLedger{
		Store:  store,
		Ranks:  ranks,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (l *PointsLedger) lock(id MemberID) func() {
	l.locksOnce.Do(func() { l.locks = newKeyedMutex() })
	return l.locks.Lock(string(id))
}

func (l *PointsLedger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *PointsLedger) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// mutate runs fn on a fresh copy of the member under its lock and saves
// the result when fn reports a change. On a version conflict the member is
// reloaded and fn runs again.
func (l *PointsLedger) mutate(ctx context.Context, id MemberID, fn func(m *Member) (bool, error)) (*Member, error) {
	unlock := l.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := l.Store.GetMember(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(m)
		if err != nil {
			return m, err
		}
		if !changed {
			return m, nil
		}
		m.UpdatedAt = l.now()
		err = l.Store.SaveMember(ctx, m)
		if err == nil {
			return m, nil
		}
		if !IsRetryable(err) {
			return nil, fmt.Errorf("save member %s: %w", id, err)
		}
		lastErr = err
		l.logger().Debug("member version conflict, retrying",
			zap.String("member_id", string(id)),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("save member %s: %w", id, lastErr)
}

// =============================================================================
// POINT DELTAS
// =============================================================================

// ApplyDelta changes a member's points and re-evaluates the rank.
func (l *PointsLedger) ApplyDelta(ctx context.Context, id MemberID, delta int64, reason, actorID string) (*Member, error) {
	return l.applyDelta(ctx, id, delta, reason, actorID, "")
}

// ApplyDeltaOnce is ApplyDelta keyed by idempotencyKey. If the key was
// already applied it returns the current member and ErrDuplicateIdempotencyKey.
func (l *PointsLedger) ApplyDeltaOnce(ctx context.Context, id MemberID, delta int64, reason, actorID, idempotencyKey string) (*Member, error) {
	return l.applyDelta(ctx, id, delta, reason, actorID, idempotencyKey)
}

func (l *PointsLedger) applyDelta(ctx context.Context, id MemberID, delta int64, reason, actorID, key string) (*Member, error) {
	reason = strings.TrimSpace(reason)
	if actorID == "" {
		actorID = SystemActor
	}

	var steps []RankDecision
	m, err := l.mutate(ctx, id, func(m *Member) (bool, error) {
		steps = nil
		if delta == 0 && reason == "" {
			return false, &InvalidDeltaError{MemberID: id, Message: "zero delta requires a reason"}
		}
		if m.Banned {
			return false, &InvalidDeltaError{MemberID: id, Message: "member is banned"}
		}
		if m.HasEventKey(key) {
			return false, ErrDuplicateIdempotencyKey
		}

		at := l.now()
		m.Points = addPoints(m.Points, delta)
		m.History = append(m.History, PointEvent{
			ID:             ksuid.New().String(),
			Timestamp:      at,
			Delta:          delta,
			Balance:        m.Points,
			Reason:         reason,
			ActorID:        actorID,
			Kind:           EventPoints,
			IdempotencyKey: key,
		})

		var err error
		steps, err = resolveToFixedPoint(m, l.Ranks, at)
		return true, err
	})
	if err != nil {
		return m, err
	}

	l.Metrics.incEvent(EventPoints)
	l.afterRankSteps(ctx, m, steps)
	return m, nil
}

func clampPoints(p int64) int64 {
	if p < 0 {
		return 0
	}
	return p
}

// addPoints is clampPoints(p + delta) without wrapping. Balances are never
// negative, so only a large positive delta can overflow.
func addPoints(p, delta int64) int64 {
	if delta > 0 && p > math.MaxInt64-delta {
		return math.MaxInt64
	}
	return clampPoints(p + delta)
}

func (l *PointsLedger) afterRankSteps(ctx context.Context, m *Member, steps []RankDecision) {
	for _, s := range steps {
		l.Metrics.incDemotion(s.To)
		l.logger().Info("member demoted",
			zap.String("member_id", string(m.ID)),
			zap.String("from", string(s.From)),
			zap.String("to", string(s.To)),
			zap.Int64("points", m.Points),
		)
		publish(ctx, l.Publisher, l.logger(), Event{
			Type:     EventRankChanged,
			MemberID: m.ID,
			FromRank: s.From,
			ToRank:   s.To,
			At:       l.now(),
		})
	}
}

// =============================================================================
// RANK ASSIGNMENT
// =============================================================================

// Assign puts a member on rankID and sets points to the rank's default.
// Temporary ranks receive a RoleGrant expiring after ExpirationDays.
func (l *PointsLedger) Assign(ctx context.Context, id MemberID, rankID RankID, actorID, reason string) (*Member, error) {
	rank, err := l.Ranks.requested(rankID)
	if err != nil {
		return nil, err
	}
	if actorID == "" {
		actorID = SystemActor
	}

	var (
		from  RankID
		steps []RankDecision
	)
	m, err := l.mutate(ctx, id, func(m *Member) (bool, error) {
		steps = nil
		if m.Banned {
			return false, &InvalidDeltaError{MemberID: id, Message: "member is banned"}
		}

		at := l.now()
		from = m.RankID
		placeOnRank(m, rank, at, actorID, reason)

		var err error
		steps, err = resolveToFixedPoint(m, l.Ranks, at)
		return true, err
	})
	if err != nil {
		return m, err
	}

	l.afterAssign(ctx, m, from, rank.ID, steps)
	return m, nil
}

// Register stores m, which must not exist yet, directly on rankID with the
// rank's default points, grant and assignment event in a single write.
// Nothing is stored when any step fails.
func (l *PointsLedger) Register(ctx context.Context, m *Member, rankID RankID, actorID, reason string) (*Member, error) {
	rank, err := l.Ranks.requested(rankID)
	if err != nil {
		return nil, err
	}
	if actorID == "" {
		actorID = SystemActor
	}

	unlock := l.lock(m.ID)
	defer unlock()

	at := l.now()
	base := l.Ranks.Base().ID
	m.RankID = base
	m.Points = 0
	m.History = nil
	m.Version = 0
	m.CreatedAt = at
	m.UpdatedAt = at
	placeOnRank(m, rank, at, actorID, reason)
	steps, err := resolveToFixedPoint(m, l.Ranks, at)
	if err != nil {
		return nil, err
	}
	if err := l.Store.SaveMember(ctx, m); err != nil {
		return nil, err
	}

	l.afterAssign(ctx, m, base, rank.ID, steps)
	return m, nil
}

// placeOnRank sets m's rank, default points and grant, and records the
// change as an assignment event.
func placeOnRank(m *Member, rank RankDefinition, at time.Time, actorID, reason string) {
	delta := rank.DefaultPoints - m.Points
	m.RankID = rank.ID
	m.Points = clampPoints(rank.DefaultPoints)
	m.ActiveRoleGrant = nil
	if rank.IsTemporary {
		m.ActiveRoleGrant = &RoleGrant{
			RoleID:     rank.ID,
			AssignedAt: at,
			ExpiresAt:  at.AddDate(0, 0, *rank.ExpirationDays),
			AssignedBy: actorID,
		}
	}

	text := "assigned rank " + rank.DisplayName
	if r := strings.TrimSpace(reason); r != "" {
		text += ": " + r
	}
	m.History = append(m.History, PointEvent{
		ID:        ksuid.New().String(),
		Timestamp: at,
		Delta:     delta,
		Balance:   m.Points,
		Reason:    text,
		ActorID:   actorID,
		Kind:      EventAssignment,
	})
}

func (l *PointsLedger) afterAssign(ctx context.Context, m *Member, from, to RankID, steps []RankDecision) {
	l.Metrics.incEvent(EventAssignment)
	publish(ctx, l.Publisher, l.logger(), Event{
		Type:     EventRankChanged,
		MemberID: m.ID,
		FromRank: from,
		ToRank:   to,
		At:       l.now(),
	})
	l.afterRankSteps(ctx, m, steps)
}

// =============================================================================
// MONTHLY RESET
// =============================================================================

// MonthlyReset zeroes the balance of every member above the base rank,
// except the immune top rank. Ranks are left untouched. Each member is reset at most once per
// calendar month of now. Returns the number of members reset.
func (l *PointsLedger) MonthlyReset(ctx context.Context, now time.Time) (int, error) {
	members, err := l.Store.ListMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	key := "monthly-reset:" + now.UTC().Format("2006-01")
	reset := 0
	var errs []error
	for _, candidate := range members {
		if !l.resettable(candidate) {
			continue
		}

		var did bool
		_, err := l.mutate(ctx, candidate.ID, func(m *Member) (bool, error) {
			did = false
			if !l.resettable(m) || m.HasEventKey(key) {
				return false, nil
			}
			m.History = append(m.History, PointEvent{
				ID:             ksuid.New().String(),
				Timestamp:      now.UTC(),
				Delta:          -m.Points,
				Balance:        0,
				Reason:         "monthly reset",
				ActorID:        SystemActor,
				Kind:           EventMonthlyReset,
				IdempotencyKey: key,
			})
			m.Points = 0
			did = true
			return true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", candidate.ID, err))
			continue
		}
		if did {
			reset++
			l.Metrics.incEvent(EventMonthlyReset)
		}
	}
	return reset, errors.Join(errs...)
}

func (l *PointsLedger) resettable(m *Member) bool {
	if m.Points == 0 || m.RankID == l.Ranks.Base().ID {
		return false
	}
	return !l.Ranks.IsTop(m.RankID)
}

// =============================================================================
// BASE RANK REVERSION
// =============================================================================

// RevertToBase moves a member to the base rank and clears the role grant.
func (l *PointsLedger) RevertToBase(ctx context.Context, id MemberID, reason string) (AffectedMember, bool, error) {
	return l.revertToBase(ctx, id, reason, EventRoleExpired, func(*Member) (bool, error) { return true, nil })
}

// revertToBase re-checks eligible under the member lock so callers can
// select candidates from an unlocked listing.
func (l *PointsLedger) revertToBase(ctx context.Context, id MemberID, reason string, kind EventKind, eligible func(*Member) (bool, error)) (AffectedMember, bool, error) {
	base := l.Ranks.Base()

	var affected AffectedMember
	var did bool
	_, err := l.mutate(ctx, id, func(m *Member) (bool, error) {
		did = false
		if ok, err := eligible(m); err != nil || !ok {
			return false, err
		}
		if m.RankID == base.ID && m.ActiveRoleGrant == nil {
			return false, nil
		}

		affected = AffectedMember{MemberID: m.ID, FromRank: m.RankID, ToRank: base.ID, Reason: reason}
		m.RankID = base.ID
		m.ActiveRoleGrant = nil
		m.History = append(m.History, PointEvent{
			ID:        ksuid.New().String(),
			Timestamp: l.now(),
			Delta:     0,
			Balance:   m.Points,
			Reason:    reason,
			ActorID:   SystemActor,
			Kind:      kind,
		})
		did = true
		return true, nil
	})
	if err != nil {
		return AffectedMember{}, false, err
	}
	if did {
		l.Metrics.incEvent(kind)
	}
	return affected, did, nil
}

// =============================================================================
// MEMBER STATUS
// =============================================================================

// SetStatus updates the banned/approved flags. Nil leaves a flag unchanged.
func (l *PointsLedger) SetStatus(ctx context.Context, id MemberID, banned, approved *bool) (*Member, error) {
	return l.mutate(ctx, id, func(m *Member) (bool, error) {
		changed := false
		if banned != nil && m.Banned != *banned {
			m.Banned = *banned
			changed = true
		}
		if approved != nil && m.Approved != *approved {
			m.Approved = *approved
			changed = true
		}
		return changed, nil
	})
}
