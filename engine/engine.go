/*
engine.go - PolicyEngine façade

PURPOSE:
  Single entry point used by the transport layer. Wires the rank table,
  points ledger, deduction workflow and expiry scheduler over one Store and
  enforces who may call what.

AUTHORIZATION:
  The engine never looks up roles. Callers pass an Actor whose IsOperator
  flag was decided at the boundary (JWT role claim in api/auth.go).

  Operation              Operator only
  ─────────────────────  ─────────────
  DeductPoints           yes
  AwardPoints            yes
  AssignRank             yes
  RegisterMember         yes
  SetMemberStatus        yes
  ReviewDeduction        yes
  RequestDeduction       no (top-rank targets need an operator)
  queries                no

MAINTENANCE ORDER:
  RunScheduledMaintenance(now):
  1. SweepExpirations (every run)
  2. If SweepMonthly(now, watermark, resetDay):
     MonthlyReset, DemoteTemporaryRoles, save watermark = now

SEE ALSO:
  - ledger.go, deduction.go, expiry.go: Components
  - api/handlers.go: HTTP mapping
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Options configures optional collaborators. Zero values are safe.
type Options struct {
	Logger    *zap.Logger
	Metrics   *Metrics
	Publisher Publisher
	Clock     func() time.Time

	// ResetDay is the day of month on or after which the monthly reset
	// runs. Values below 1 mean the 1st.
	ResetDay int

	// DefaultRank is given to members registered without a rank. Empty
	// means the table's base rank.
	DefaultRank RankID
}

type PolicyEngine struct {
	store Store
	ranks *RankTable

	ledger     *PointsLedger
	deductions *DeductionWorkflow
	expiry     *RoleExpiryScheduler

	logger    *zap.Logger
	metrics   *Metrics
	publisher Publisher
	resetDay  int

	defaultRank RankID

	maintenanceMu sync.Mutex
}

// New builds a PolicyEngine over store using ranks.
func New(store Store, ranks *RankTable, opts Options) *PolicyEngine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ResetDay < 1 {
		opts.ResetDay = 1
	}

	ledger := NewPointsLedger(store, ranks)
	ledger.Logger = opts.Logger.Named("ledger")
	ledger.Metrics = opts.Metrics
	ledger.Publisher = opts.Publisher
	ledger.Now = opts.Clock

	deductions := NewDeductionWorkflow(store, store, ledger, ranks)
	deductions.Logger = opts.Logger.Named("deductions")
	deductions.Metrics = opts.Metrics
	deductions.Publisher = opts.Publisher
	deductions.Now = opts.Clock

	expiry := NewRoleExpiryScheduler(store, ledger, ranks)
	expiry.Logger = opts.Logger.Named("expiry")
	expiry.Metrics = opts.Metrics
	expiry.Publisher = opts.Publisher

	return &PolicyEngine{
		store:      store,
		ranks:      ranks,
		ledger:     ledger,
		deductions: deductions,
		expiry:     expiry,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		resetDay:   opts.ResetDay,

		defaultRank: opts.DefaultRank,
	}
}

func requireOperator(actor Actor, action, target string) error {
	if actor.IsOperator {
		return nil
	}
	return &PermissionError{ActorID: actor.ID, Action: action, Target: target}
}

// =============================================================================
// POINTS
// =============================================================================

// DeductPoints removes points directly, bypassing review. A repeated
// idempotencyKey returns the member without applying the deduction again.
func (e *PolicyEngine) DeductPoints(ctx context.Context, actor Actor, id MemberID, points int64, reason, idempotencyKey string) (*Member, error) {
	if err := requireOperator(actor, "deduct points from", string(id)); err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, &ValidationError{Field: "points", Message: "must be greater than zero"}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "reason required"}
	}
	return e.applyOnce(ctx, id, -points, reason, actor.ID, idempotencyKey)
}

// AwardPoints adds points to a member.
func (e *PolicyEngine) AwardPoints(ctx context.Context, actor Actor, id MemberID, points int64, reason, idempotencyKey string) (*Member, error) {
	if err := requireOperator(actor, "award points to", string(id)); err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, &ValidationError{Field: "points", Message: "must be greater than zero"}
	}
	return e.applyOnce(ctx, id, points, reason, actor.ID, idempotencyKey)
}

func (e *PolicyEngine) applyOnce(ctx context.Context, id MemberID, delta int64, reason, actorID, key string) (*Member, error) {
	if key == "" {
		return e.ledger.ApplyDelta(ctx, id, delta, reason, actorID)
	}
	m, err := e.ledger.ApplyDeltaOnce(ctx, id, delta, reason, actorID, "points:"+key)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return m, nil
	}
	return m, err
}

// =============================================================================
// DEDUCTION REQUESTS
// =============================================================================

// RequestDeduction opens a deduction request on behalf of actor. Requests
// from operators are approved and applied immediately.
func (e *PolicyEngine) RequestDeduction(ctx context.Context, actor Actor, target MemberID, points int64, reason, idempotencyKey string) (*DeductionRequest, error) {
	return e.deductions.Create(ctx, CreateDeduction{
		TargetMemberID:      target,
		RequestedBy:         actor.ID,
		Points:              points,
		Reason:              reason,
		RequesterIsOperator: actor.IsOperator,
		IdempotencyKey:      idempotencyKey,
	})
}

// ReviewDeduction approves or rejects a pending request.
func (e *PolicyEngine) ReviewDeduction(ctx context.Context, actor Actor, id RequestID, decision Decision, notes string) (*DeductionRequest, error) {
	if err := requireOperator(actor, "review", string(id)); err != nil {
		return nil, err
	}
	return e.deductions.Review(ctx, id, actor.ID, decision, notes)
}

func (e *PolicyEngine) Deduction(ctx context.Context, id RequestID) (*DeductionRequest, error) {
	return e.deductions.Get(ctx, id)
}

func (e *PolicyEngine) Deductions(ctx context.Context, status RequestStatus) ([]*DeductionRequest, error) {
	switch status {
	case "", RequestPending, RequestApproved, RequestRejected:
	default:
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.deductions.List(ctx, status)
}

// =============================================================================
// MEMBERS
// =============================================================================

// NewMember is the input to RegisterMember. Empty ID generates one; empty
// RankID places the member on the default rank.
type NewMember struct {
	ID       MemberID
	Name     string
	RankID   RankID
	Approved bool
}

// RegisterMember creates a member already placed on the starting rank with
// its default points. The member is stored in one write.
func (e *PolicyEngine) RegisterMember(ctx context.Context, actor Actor, in NewMember) (*Member, error) {
	if err := requireOperator(actor, "register", "members"); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "name required"}
	}
	if in.ID == "" {
		in.ID = MemberID("mem_" + ksuid.New().String())
	}
	if in.RankID == "" {
		in.RankID = e.defaultRank
	}
	if in.RankID == "" {
		in.RankID = e.ranks.Base().ID
	}

	m, err := e.ledger.Register(ctx, &Member{
		ID:       in.ID,
		Name:     in.Name,
		Approved: in.Approved,
	}, in.RankID, actor.ID, "registered")
	if err != nil {
		if IsRetryable(err) {
			return nil, &ValidationError{Field: "id", Message: fmt.Sprintf("member %s already exists", in.ID)}
		}
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("register member %s: %w", in.ID, err)
	}

	e.logger.Info("member registered",
		zap.String("member_id", string(m.ID)),
		zap.String("rank", string(m.RankID)),
		zap.String("actor", actor.ID),
	)
	return m, nil
}

// AssignRank places a member on rankID and grants its default points.
func (e *PolicyEngine) AssignRank(ctx context.Context, actor Actor, id MemberID, rankID RankID, reason string) (*Member, error) {
	if err := requireOperator(actor, "assign a rank to", string(id)); err != nil {
		return nil, err
	}
	return e.ledger.Assign(ctx, id, rankID, actor.ID, reason)
}

// SetMemberStatus updates the banned and approved flags. Nil leaves a flag
// unchanged.
func (e *PolicyEngine) SetMemberStatus(ctx context.Context, actor Actor, id MemberID, banned, approved *bool) (*Member, error) {
	if err := requireOperator(actor, "change the status of", string(id)); err != nil {
		return nil, err
	}
	return e.ledger.SetStatus(ctx, id, banned, approved)
}

func (e *PolicyEngine) Member(ctx context.Context, id MemberID) (*Member, error) {
	return e.store.GetMember(ctx, id)
}

func (e *PolicyEngine) Members(ctx context.Context) ([]*Member, error) {
	return e.store.ListMembers(ctx)
}

// Standing reports how close a member is to their rank's threshold.
func (e *PolicyEngine) Standing(ctx context.Context, id MemberID) (RankStanding, error) {
	m, err := e.store.GetMember(ctx, id)
	if err != nil {
		return RankStanding{}, err
	}
	return Standing(m, e.ranks)
}

func (e *PolicyEngine) Ranks() *RankTable {
	return e.ranks
}

// =============================================================================
// SCHEDULED MAINTENANCE
// =============================================================================

// RunScheduledMaintenance sweeps lapsed role grants and, when due, runs the
// monthly reset. Concurrent calls are serialized. The monthly watermark is
// only advanced once the reset completed without error, so a failed run is
// retried by the next call.
func (e *PolicyEngine) RunScheduledMaintenance(ctx context.Context, now time.Time) (MaintenanceReport, error) {
	e.maintenanceMu.Lock()
	defer e.maintenanceMu.Unlock()

	now = now.UTC()
	report := MaintenanceReport{RanAt: now}

	expired, err := e.expiry.SweepExpirations(ctx, now)
	report.Expired = expired
	if err != nil {
		return report, fmt.Errorf("sweep expirations: %w", err)
	}

	state, err := e.store.GetMaintenanceState(ctx)
	if err != nil {
		return report, fmt.Errorf("load maintenance state: %w", err)
	}
	if !SweepMonthly(now, state.LastMonthlyRunAt, e.resetDay) {
		return report, nil
	}

	n, err := e.ledger.MonthlyReset(ctx, now)
	report.ResetMembers = n
	if err != nil {
		return report, fmt.Errorf("monthly reset: %w", err)
	}
	demoted, err := e.expiry.DemoteTemporaryRoles(ctx, now)
	report.TemporaryDemoted = demoted
	if err != nil {
		return report, fmt.Errorf("demote temporary roles: %w", err)
	}

	state.LastMonthlyRunAt = now
	state.RoleResetDay = e.resetDay
	if err := e.store.SaveMaintenanceState(ctx, state); err != nil {
		return report, fmt.Errorf("save maintenance state: %w", err)
	}
	report.MonthlyReset = true

	e.metrics.incMonthlyReset()
	e.logger.Info("monthly reset completed",
		zap.Time("at", now),
		zap.Int("members_reset", n),
		zap.Int("temporary_demoted", len(demoted)),
	)
	publish(ctx, e.publisher, e.logger, Event{
		Type: EventPointsReset,
		At:   now,
	})
	return report, nil
}
