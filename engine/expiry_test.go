package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rank-engine/engine"
	"github.com/warp/rank-engine/factory"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

// =============================================================================
// MONTHLY SCHEDULE
// =============================================================================

func TestSweepMonthly(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		last     time.Time
		resetDay int
		want     bool
	}{
		{"never run, on reset day", date(2025, 3, 1), time.Time{}, 1, true},
		{"never run, before reset day", date(2025, 3, 5), time.Time{}, 10, false},
		{"already ran this month", date(2025, 3, 20), date(2025, 3, 1), 1, false},
		{"new month", date(2025, 4, 1), date(2025, 3, 1), 1, true},
		{"new month, before reset day", date(2025, 4, 9), date(2025, 3, 10), 10, false},
		{"new month, after reset day", date(2025, 4, 15), date(2025, 3, 10), 10, true},
		{"missed months still fire once", date(2025, 7, 2), date(2025, 3, 1), 1, true},
		{"year rollover", date(2026, 1, 1), date(2025, 12, 1), 1, true},
		{"reset day past month end", date(2025, 2, 28), date(2025, 1, 31), 31, true},
		{"reset day past month end, too early", date(2025, 2, 27), date(2025, 1, 31), 31, false},
		{"clock went backwards", date(2025, 3, 1), date(2025, 4, 1), 1, false},
		{"reset day zero means first", date(2025, 3, 1), time.Time{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.SweepMonthly(tt.now, tt.last, tt.resetDay))
		})
	}
}

// =============================================================================
// ROLE EXPIRY
// =============================================================================

func TestSweepExpirations_LapsedGrant_RevertsToBase(t *testing.T) {
	// GIVEN: A trial supporter assigned on March 10 (expires March 24)
	// WHEN: Sweeping on March 23 and again on March 24
	// THEN: Nothing happens on the 23rd, the member reverts on the 24th

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "trial", factory.RankMember, 0)
	_, err := ledger.Assign(ctx, "trial", factory.RankTrialSupporter, "op-1", "")
	require.NoError(t, err)

	pub := &recordingPublisher{}
	sched := engine.NewRoleExpiryScheduler(st, ledger, factory.DefaultRankTable())
	sched.Publisher = pub

	affected, err := sched.SweepExpirations(ctx, march10.AddDate(0, 0, 13))
	require.NoError(t, err)
	assert.Empty(t, affected)

	affected, err = sched.SweepExpirations(ctx, march10.AddDate(0, 0, 14))
	require.NoError(t, err)
	require.Len(t, affected, 1)
	assert.Equal(t, engine.AffectedMember{
		MemberID: "trial",
		FromRank: factory.RankTrialSupporter,
		ToRank:   factory.RankMember,
		Reason:   "role expired",
	}, affected[0])

	m, err := st.GetMember(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, factory.RankMember, m.RankID)
	assert.Nil(t, m.ActiveRoleGrant)
	assert.Equal(t, int64(50), m.Points, "expiry keeps points")
	assert.Equal(t, engine.EventRoleExpired, m.History[len(m.History)-1].Kind)

	require.Len(t, pub.ofType(engine.EventRoleExpiredType), 1)

	// Sweeping again is a no-op
	affected, err = sched.SweepExpirations(ctx, march10.AddDate(0, 0, 20))
	require.NoError(t, err)
	assert.Empty(t, affected)
}

func TestDemoteTemporaryRoles_OnlyTemporaryRanks(t *testing.T) {
	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "trial", factory.RankMember, 0)
	seedMember(t, st, "sup", factory.RankSupporter, 100)
	_, err := ledger.Assign(ctx, "trial", factory.RankTrialSupporter, "op-1", "")
	require.NoError(t, err)

	sched := engine.NewRoleExpiryScheduler(st, ledger, factory.DefaultRankTable())
	affected, err := sched.DemoteTemporaryRoles(ctx, march10)
	require.NoError(t, err)

	require.Len(t, affected, 1)
	assert.Equal(t, engine.MemberID("trial"), affected[0].MemberID)

	sup, err := st.GetMember(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, factory.RankSupporter, sup.RankID)
}

func TestDemoteTemporaryRoles_DanglingRank_Reported(t *testing.T) {
	// GIVEN: A member stored on a rank missing from the table, holding a
	//        grant, next to a trial supporter
	// WHEN: Temporary roles are demoted
	// THEN: The trial is demoted, the dangling member is left untouched
	// AND: The sweep returns an unknown rank error naming the member

	ledger, st := newTestLedger(t)
	ctx := context.Background()
	seedMember(t, st, "trial", factory.RankMember, 0)
	_, err := ledger.Assign(ctx, "trial", factory.RankTrialSupporter, "op-1", "")
	require.NoError(t, err)
	require.NoError(t, st.SaveMember(ctx, &engine.Member{
		ID:     "legacy",
		Name:   "legacy",
		RankID: "event_host",
		ActiveRoleGrant: &engine.RoleGrant{
			RoleID:    "event_host",
			ExpiresAt: march10.AddDate(0, 1, 0),
		},
		CreatedAt: march10,
		UpdatedAt: march10,
	}))

	sched := engine.NewRoleExpiryScheduler(st, ledger, factory.DefaultRankTable())
	affected, err := sched.DemoteTemporaryRoles(ctx, march10)

	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrUnknownRank)
	assert.True(t, engine.IsIntegrityError(err))
	assert.Contains(t, err.Error(), "legacy")
	require.Len(t, affected, 1)
	assert.Equal(t, engine.MemberID("trial"), affected[0].MemberID)

	legacy, err := st.GetMember(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, engine.RankID("event_host"), legacy.RankID)
	assert.NotNil(t, legacy.ActiveRoleGrant)
	assert.Empty(t, legacy.History)
}

// =============================================================================
// SCHEDULED MAINTENANCE
// =============================================================================

func TestMaintenance_ExpiryOnly_WhenMonthAlreadyReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveMaintenanceState(ctx, engine.MaintenanceState{
		LastMonthlyRunAt: date(2025, 3, 1),
		RoleResetDay:     1,
	}))
	env.register(t, "trial", factory.RankTrialSupporter)
	env.register(t, "sup", factory.RankSupporter)

	report, err := env.engine.RunScheduledMaintenance(ctx, march10.AddDate(0, 0, 15))
	require.NoError(t, err)

	assert.False(t, report.MonthlyReset)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, engine.MemberID("trial"), report.Expired[0].MemberID)

	sup, err := env.engine.Member(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sup.Points, "no reset inside the same month")
}

func TestMaintenance_NewMonth_ResetsAndEndsTemporaryRoles(t *testing.T) {
	// GIVEN: Last reset March 1, a supporter, the owner, and a trial
	//        supporter assigned March 25 (grant still valid on April 1)
	// WHEN: Maintenance runs on April 1
	// THEN: Balances are zeroed without demotion, the trial ends, and the
	//       watermark moves so a second run the same month does nothing

	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveMaintenanceState(ctx, engine.MaintenanceState{
		LastMonthlyRunAt: date(2025, 3, 1),
		RoleResetDay:     1,
	}))
	env.register(t, "sup", factory.RankSupporter)
	env.register(t, "owner", factory.RankOwner)
	env.clock.Set(date(2025, 3, 25))
	env.register(t, "trial", factory.RankTrialSupporter)

	april1 := date(2025, 4, 1)
	report, err := env.engine.RunScheduledMaintenance(ctx, april1)
	require.NoError(t, err)

	assert.True(t, report.MonthlyReset)
	assert.Empty(t, report.Expired)
	assert.Equal(t, 2, report.ResetMembers)
	require.Len(t, report.TemporaryDemoted, 1)
	assert.Equal(t, engine.MemberID("trial"), report.TemporaryDemoted[0].MemberID)

	sup, err := env.engine.Member(ctx, "sup")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sup.Points)
	assert.Equal(t, factory.RankSupporter, sup.RankID, "reset does not demote")

	trial, err := env.engine.Member(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, factory.RankMember, trial.RankID)
	assert.Nil(t, trial.ActiveRoleGrant)

	state, err := env.store.GetMaintenanceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, april1, state.LastMonthlyRunAt)

	require.Len(t, env.publisher.ofType(engine.EventPointsReset), 1)

	again, err := env.engine.RunScheduledMaintenance(ctx, date(2025, 4, 2))
	require.NoError(t, err)
	assert.False(t, again.MonthlyReset)
}

func TestMaintenance_BeforeResetDay_NoReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	eng := engine.New(env.store, factory.DefaultRankTable(), engine.Options{
		Clock:    env.clock.Now,
		ResetDay: 15,
	})
	require.NoError(t, env.store.SaveMaintenanceState(ctx, engine.MaintenanceState{
		LastMonthlyRunAt: date(2025, 3, 15),
	}))
	env.register(t, "sup", factory.RankSupporter)

	report, err := eng.RunScheduledMaintenance(ctx, date(2025, 4, 14))
	require.NoError(t, err)
	assert.False(t, report.MonthlyReset)

	report, err = eng.RunScheduledMaintenance(ctx, date(2025, 4, 15))
	require.NoError(t, err)
	assert.True(t, report.MonthlyReset)
	assert.Equal(t, 1, report.ResetMembers)
}
