/*
Package engine provides the rank & points policy engine.

PURPOSE:
  This package contains the rules that govern a member's standing in the
  team: how a point balance maps to a rank, how deductions are requested,
  reviewed and applied, how temporary roles expire, and how the monthly
  reset interacts with all of the above.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: A team member with a point balance, rank and history
  - RankDefinition: One tier of the hierarchy with its demotion threshold
  - PointEvent: An immutable history entry recording a balance/rank change
  - DeductionRequest: A proposed point penalty awaiting review
  - RoleGrant: Bookkeeping for a temporarily assigned rank

DESIGN PRINCIPLES:
  1. Append-only history: PointEvents are never modified or removed
  2. Non-negative balances: deductions clip at zero
  3. Type Safety: distinct ID types for members, ranks and requests
  4. Auditability: every rank change leaves an event with actor and reason

SEE ALSO:
  - ranktable.go: Rank lookup and ordering
  - ledger.go: The single mutation entry point for points
  - policy.go: Demotion rules
*/
package engine

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type RankID string
type RequestID string

// SystemActor is recorded as the actor of engine-initiated events.
const SystemActor = "system"

// =============================================================================
// MEMBER
// =============================================================================

type Member struct {
	ID     MemberID
	Name   string
	Points int64
	RankID RankID

	// ActiveRoleGrant is set only while the current rank was assigned as temporary.
	ActiveRoleGrant *RoleGrant

	// History is append-only; insertion order is chronological order.
	History []PointEvent

	Banned   bool
	Approved bool

	// Version is incremented by the store on every successful save.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	if m.ActiveRoleGrant != nil {
		g := *m.ActiveRoleGrant
		c.ActiveRoleGrant = &g
	}
	c.History = append([]PointEvent(nil), m.History...)
	return &c
}

// HasEventKey reports whether an event with the given idempotency key exists.
func (m *Member) HasEventKey(key string) bool {
	if key == "" {
		return false
	}
	for _, e := range m.History {
		if e.IdempotencyKey == key {
			return true
		}
	}
	return false
}

// =============================================================================
// RANK DEFINITION
// =============================================================================

type RankDefinition struct {
	ID          RankID
	DisplayName string

	// Level orders the hierarchy. Higher is more senior.
	Level int

	// DemotionThreshold is the floor for this rank; nil means immune.
	DemotionThreshold *int64

	// DemotesTo is the next-lower rank; nil means removal from the team.
	DemotesTo *RankID

	IsTemporary    bool
	ExpirationDays *int

	// DefaultPoints are granted on assignment to this rank.
	DefaultPoints int64

	// Terminal marks the "Removed" rank.
	Terminal bool
	Retired  bool
}

// Immune reports whether automated transitions skip this rank.
func (r RankDefinition) Immune() bool {
	return r.DemotionThreshold == nil
}

// Int64 and RankRef are small helpers for building definitions in code.
func Int64(v int64) *int64 { return &v }
func Int(v int) *int       { return &v }
func RankRef(id RankID) *RankID {
	return &id
}

// =============================================================================
// POINT EVENT - Immutable history entry
// =============================================================================

type EventKind string

const (
	EventPoints       EventKind = "points"
	EventDemotion     EventKind = "demotion"
	EventAssignment   EventKind = "assignment"
	EventRoleExpired  EventKind = "role_expired"
	EventMonthlyReset EventKind = "monthly_reset"
)

type PointEvent struct {
	ID        string
	Timestamp time.Time

	// Delta is the signed change as requested. Balance is the result after
	// clipping at zero.
	Delta   int64
	Balance int64

	Reason  string
	ActorID string
	Kind    EventKind

	// IdempotencyKey is unique per member when set.
	IdempotencyKey string
}

// =============================================================================
// ROLE GRANT
// =============================================================================

type RoleGrant struct {
	RoleID     RankID
	AssignedAt time.Time
	ExpiresAt  time.Time
	AssignedBy string
}

// Expired reports whether the grant has lapsed at now.
func (g RoleGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// =============================================================================
// DEDUCTION REQUEST
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type DeductionRequest struct {
	ID             RequestID
	TargetMemberID MemberID
	RequestedBy    string
	Points         int64
	Reason         string

	Status     RequestStatus
	ReviewedBy string
	ReviewedAt *time.Time
	Notes      string

	IdempotencyKey string
	CreatedAt      time.Time
	Version        int64
}

// Clone returns a copy safe to hand out of a store.
func (r *DeductionRequest) Clone() *DeductionRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// MaintenanceState is the persisted watermark for the monthly sweep.
type MaintenanceState struct {
	LastMonthlyRunAt time.Time
	RoleResetDay     int
}

// AffectedMember describes a rank change made by a sweep.
type AffectedMember struct {
	MemberID MemberID
	FromRank RankID
	ToRank   RankID
	Reason   string
}

// MaintenanceReport summarizes a RunScheduledMaintenance call.
type MaintenanceReport struct {
	RanAt            time.Time
	Expired          []AffectedMember
	MonthlyReset     bool
	ResetMembers     int
	TemporaryDemoted []AffectedMember
}

// Actor identifies the caller of an engine operation. Whether the caller is
// an operator is decided by the transport layer.
type Actor struct {
	ID         string
	IsOperator bool
}
