package engine_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rank-engine/engine"
	"github.com/warp/rank-engine/factory"
)

// =============================================================================
// NON-NEGATIVE BALANCE
// =============================================================================

func TestLedger_Deduction_ClipsAtZero(t *testing.T) {
	// GIVEN: A supporter with 100 points
	// WHEN: 150 points are deducted
	// THEN: The balance stops at 0 and the member is removed

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankSupporter, 100)

	m, err := ledger.ApplyDelta(ctx, "mem-1", -150, "abandoned shift", "op-1")
	require.NoError(t, err)

	assert.Equal(t, int64(0), m.Points)
	assert.Equal(t, factory.RankRemoved, m.RankID)
	require.Len(t, m.History, 2)
	assert.Equal(t, int64(-150), m.History[0].Delta, "requested delta is recorded")
	assert.Equal(t, int64(0), m.History[0].Balance, "balance is clipped")
	assert.Equal(t, engine.EventDemotion, m.History[1].Kind)
}

func TestLedger_Award_SaturatesAtMaxInt64(t *testing.T) {
	// GIVEN: A moderator with 300 points
	// WHEN: An award of MaxInt64 points is applied, then another
	// THEN: The balance stays at MaxInt64 and the rank is unchanged

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankModerator, 300)

	m, err := ledger.ApplyDelta(ctx, "mem-1", math.MaxInt64, "bulk grant", "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), m.Points)
	assert.Equal(t, factory.RankModerator, m.RankID)

	m, err = ledger.ApplyDelta(ctx, "mem-1", 1, "one more", "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), m.Points)
	assert.Equal(t, factory.RankModerator, m.RankID)
	require.Len(t, m.History, 2)
	assert.Equal(t, int64(math.MaxInt64), m.History[1].Balance)
}

// =============================================================================
// DEMOTION
// =============================================================================

func TestLedger_Deduction_BelowThreshold_DemotesOneRank(t *testing.T) {
	// GIVEN: A moderator (threshold 250) with 260 points
	// WHEN: 15 points are deducted
	// THEN: Points are 245 and the member is a Jr. Moderator, with both
	//       changes in the history

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankModerator, 260)

	m, err := ledger.ApplyDelta(ctx, "mem-1", -15, "spam", "op-1")
	require.NoError(t, err)

	assert.Equal(t, int64(245), m.Points)
	assert.Equal(t, factory.RankJrModerator, m.RankID)
	require.Len(t, m.History, 2)
	assert.Equal(t, "spam", m.History[0].Reason)
	assert.Equal(t, "op-1", m.History[0].ActorID)
	assert.Equal(t, "demoted from Moderator to Jr. Moderator", m.History[1].Reason)
	assert.Equal(t, engine.SystemActor, m.History[1].ActorID)

	stored, err := st.GetMember(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, m.RankID, stored.RankID)
	assert.Len(t, stored.History, 2)
}

func TestLedger_Deduction_AtThreshold_NoChange(t *testing.T) {
	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankModerator, 260)

	m, err := ledger.ApplyDelta(context.Background(), "mem-1", -10, "late", "op-1")
	require.NoError(t, err)

	assert.Equal(t, int64(250), m.Points)
	assert.Equal(t, factory.RankModerator, m.RankID)
	assert.Len(t, m.History, 1)
}

func TestLedger_LargeDeduction_CascadesStepByStep(t *testing.T) {
	// GIVEN: An admin with 500 points
	// WHEN: 400 points are deducted (100 left)
	// THEN: Admin -> Moderator -> Jr. Moderator -> Supporter, one event per step

	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankAdmin, 500)

	m, err := ledger.ApplyDelta(context.Background(), "mem-1", -400, "inactive", "op-1")
	require.NoError(t, err)

	assert.Equal(t, int64(100), m.Points)
	assert.Equal(t, factory.RankSupporter, m.RankID)
	assert.Equal(t, []engine.EventKind{
		engine.EventPoints,
		engine.EventDemotion,
		engine.EventDemotion,
		engine.EventDemotion,
	}, kinds(m.History))
}

func TestLedger_NoDemotionTarget_Removed(t *testing.T) {
	// GIVEN: A Jr. Supporter (threshold 25, no lower rank) with 30 points
	// WHEN: 10 points are deducted
	// THEN: The member is removed but keeps the 20 points

	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankJrSupporter, 30)

	m, err := ledger.ApplyDelta(context.Background(), "mem-1", -10, "no show", "op-1")
	require.NoError(t, err)

	assert.Equal(t, factory.RankRemoved, m.RankID)
	assert.Equal(t, int64(20), m.Points)
}

func TestLedger_TopRank_Immune(t *testing.T) {
	ledger, st := newTestLedger(t)
	seedMember(t, st, "owner", factory.RankOwner, 0)

	m, err := ledger.ApplyDelta(context.Background(), "owner", -100, "test", "op-1")
	require.NoError(t, err)

	assert.Equal(t, factory.RankOwner, m.RankID)
	assert.Equal(t, int64(0), m.Points)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestLedger_ZeroDeltaWithoutReason_Rejected(t *testing.T) {
	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankSupporter, 100)

	_, err := ledger.ApplyDelta(context.Background(), "mem-1", 0, "  ", "op-1")
	assert.ErrorIs(t, err, engine.ErrInvalidDelta)

	m, err := st.GetMember(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Empty(t, m.History, "rejected delta must not leave history")
}

func TestLedger_BannedMember_Rejected(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankSupporter, 100)

	banned := true
	_, err := ledger.SetStatus(ctx, "mem-1", &banned, nil)
	require.NoError(t, err)

	_, err = ledger.ApplyDelta(ctx, "mem-1", 10, "bonus", "op-1")
	assert.ErrorIs(t, err, engine.ErrInvalidDelta)
}

func TestLedger_UnknownMember_NotFound(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.ApplyDelta(context.Background(), "ghost", 10, "bonus", "op-1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestLedger_ApplyDeltaOnce_RepeatedKey_AppliedOnce(t *testing.T) {
	// GIVEN: A deduction applied with key "k-1"
	// WHEN: The same key is applied again
	// THEN: ErrDuplicateIdempotencyKey, balance changed only once

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankModerator, 300)

	_, err := ledger.ApplyDeltaOnce(ctx, "mem-1", -20, "late", "op-1", "k-1")
	require.NoError(t, err)

	m, err := ledger.ApplyDeltaOnce(ctx, "mem-1", -20, "late", "op-1", "k-1")
	assert.ErrorIs(t, err, engine.ErrDuplicateIdempotencyKey)
	require.NotNil(t, m)
	assert.Equal(t, int64(280), m.Points)
	assert.Len(t, m.History, 1)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentDeltas_NoLostUpdates(t *testing.T) {
	// GIVEN: A member on the immune base rank
	// WHEN: 50 goroutines each award 1 point
	// THEN: The balance is 50 and there are 50 history entries

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankMember, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ApplyDelta(ctx, "mem-1", 1, "helped", "op-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := st.GetMember(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.Points)
	assert.Len(t, m.History, 50)
	assert.Equal(t, int64(50), m.History[49].Balance)
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

func TestLedger_Assign_TemporaryRank_CreatesGrant(t *testing.T) {
	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankMember, 0)

	m, err := ledger.Assign(context.Background(), "mem-1", factory.RankTrialSupporter, "op-1", "trial period")
	require.NoError(t, err)

	assert.Equal(t, factory.RankTrialSupporter, m.RankID)
	assert.Equal(t, int64(50), m.Points)
	require.NotNil(t, m.ActiveRoleGrant)
	assert.Equal(t, march10.AddDate(0, 0, 14), m.ActiveRoleGrant.ExpiresAt)
	assert.Equal(t, "op-1", m.ActiveRoleGrant.AssignedBy)
	require.Len(t, m.History, 1)
	assert.Equal(t, engine.EventAssignment, m.History[0].Kind)
	assert.Equal(t, int64(50), m.History[0].Delta)
}

func TestLedger_Assign_PermanentRank_ClearsGrant(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankMember, 0)

	_, err := ledger.Assign(ctx, "mem-1", factory.RankTrialSupporter, "op-1", "")
	require.NoError(t, err)
	m, err := ledger.Assign(ctx, "mem-1", factory.RankSupporter, "op-1", "passed trial")
	require.NoError(t, err)

	assert.Equal(t, factory.RankSupporter, m.RankID)
	assert.Equal(t, int64(100), m.Points)
	assert.Nil(t, m.ActiveRoleGrant)
}

func TestLedger_Assign_UnknownRank_Rejected(t *testing.T) {
	ledger, st := newTestLedger(t)
	seedMember(t, st, "mem-1", factory.RankMember, 0)

	_, err := ledger.Assign(context.Background(), "mem-1", "ghost", "op-1", "")
	assert.ErrorIs(t, err, engine.ErrUnknownRank)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rank_id", verr.Field)
}

// =============================================================================
// MONTHLY RESET
// =============================================================================

func TestLedger_MonthlyReset_ZeroesBalancesKeepsRanks(t *testing.T) {
	// GIVEN: A supporter (100), a moderator (300) and the owner (40)
	// WHEN: The monthly reset runs
	// THEN: Non-top balances are 0, ranks are unchanged, the owner is untouched

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "sup", factory.RankSupporter, 100)
	seedMember(t, st, "mod", factory.RankModerator, 300)
	seedMember(t, st, "owner", factory.RankOwner, 40)

	n, err := ledger.MonthlyReset(ctx, march10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sup, err := st.GetMember(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sup.Points)
	assert.Equal(t, factory.RankSupporter, sup.RankID, "reset does not demote")
	require.Len(t, sup.History, 1)
	assert.Equal(t, engine.EventMonthlyReset, sup.History[0].Kind)
	assert.Equal(t, int64(-100), sup.History[0].Delta)

	owner, err := st.GetMember(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(40), owner.Points)
	assert.Empty(t, owner.History)
}

func TestLedger_MonthlyReset_BaseRankKeepsPoints(t *testing.T) {
	// GIVEN: A base-rank member with 40 points and a supporter with 100
	// WHEN: The monthly reset runs
	// THEN: Only the supporter is zeroed, the base member keeps 40 and
	//       gets no history entry

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "base", factory.RankMember, 40)
	seedMember(t, st, "sup", factory.RankSupporter, 100)

	n, err := ledger.MonthlyReset(ctx, march10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	base, err := st.GetMember(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, int64(40), base.Points)
	assert.Equal(t, factory.RankMember, base.RankID)
	assert.Empty(t, base.History)

	sup, err := st.GetMember(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sup.Points)
}

func TestLedger_MonthlyReset_SameMonthTwice_AppliedOnce(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "sup", factory.RankSupporter, 100)

	_, err := ledger.MonthlyReset(ctx, march10)
	require.NoError(t, err)

	_, err = ledger.ApplyDelta(ctx, "sup", 80, "event help", "op-1")
	require.NoError(t, err)

	n, err := ledger.MonthlyReset(ctx, march10.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sup, err := st.GetMember(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, int64(80), sup.Points)
}

// =============================================================================
// STATUS AND REVERSION
// =============================================================================

func TestLedger_SetStatus_NilLeavesFlag(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankMember, 0)

	approved := true
	m, err := ledger.SetStatus(ctx, "mem-1", nil, &approved)
	require.NoError(t, err)
	assert.True(t, m.Approved)
	assert.False(t, m.Banned)
	assert.Equal(t, int64(2), m.Version)

	// No-op update does not write
	m, err = ledger.SetStatus(ctx, "mem-1", nil, &approved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Version)
}

func TestLedger_RevertToBase_ClearsGrant(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "mem-1", factory.RankMember, 0)
	_, err := ledger.Assign(ctx, "mem-1", factory.RankTrialSupporter, "op-1", "")
	require.NoError(t, err)

	a, did, err := ledger.RevertToBase(ctx, "mem-1", "manual revert")
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, factory.RankTrialSupporter, a.FromRank)
	assert.Equal(t, factory.RankMember, a.ToRank)

	m, err := st.GetMember(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, factory.RankMember, m.RankID)
	assert.Nil(t, m.ActiveRoleGrant)
	assert.Equal(t, int64(50), m.Points, "reverting keeps points")

	_, did, err = ledger.RevertToBase(ctx, "mem-1", "again")
	require.NoError(t, err)
	assert.False(t, did, "already on base rank")
}
