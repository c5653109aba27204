/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Members:    MemberDTO, PointEventDTO, StandingDTO, CreateMemberRequest,
              PointsRequest, AssignRankRequest, StatusRequest
  Ranks:      RankDTO
  Deductions: DeductionDTO, CreateDeductionRequest, ReviewRequest
  Admin:      MaintenanceReportDTO, AffectedMemberDTO
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/rank-engine/engine"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Points    int64         `json:"points"`
	RankID    string        `json:"rank_id"`
	RankName  string        `json:"rank_name,omitempty"`
	RoleGrant *RoleGrantDTO `json:"role_grant,omitempty"`
	Banned    bool          `json:"banned"`
	Approved  bool          `json:"approved"`
	CreatedAt string        `json:"created_at,omitempty"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

type RoleGrantDTO struct {
	RoleID     string `json:"role_id"`
	AssignedAt string `json:"assigned_at"`
	ExpiresAt  string `json:"expires_at"`
	AssignedBy string `json:"assigned_by"`
}

type PointEventDTO struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Delta     int64  `json:"delta"`
	Balance   int64  `json:"balance"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
	Kind      string `json:"kind"`
}

type StandingDTO struct {
	MemberID  string  `json:"member_id"`
	RankID    string  `json:"rank_id"`
	RankName  string  `json:"rank_name"`
	Points    int64   `json:"points"`
	Threshold *int64  `json:"threshold,omitempty"`
	Margin    *int64  `json:"margin,omitempty"`
	Ratio     string  `json:"ratio"`
	AtRisk    bool    `json:"at_risk"`
	Immune    bool    `json:"immune"`
	DemotesTo *string `json:"demotes_to,omitempty"`
}

type CreateMemberRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RankID   string `json:"rank_id"`
	Approved bool   `json:"approved"`
}

// PointsRequest changes a balance directly. Positive points award,
// negative points deduct.
type PointsRequest struct {
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

type AssignRankRequest struct {
	RankID string `json:"rank_id"`
	Reason string `json:"reason"`
}

type StatusRequest struct {
	Banned   *bool `json:"banned,omitempty"`
	Approved *bool `json:"approved,omitempty"`
}

// =============================================================================
// RANKS
// =============================================================================

type RankDTO struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Level             int     `json:"level"`
	DemotionThreshold *int64  `json:"demotion_threshold,omitempty"`
	DemotesTo         *string `json:"demotes_to,omitempty"`
	Temporary         bool    `json:"temporary"`
	ExpirationDays    *int    `json:"expiration_days,omitempty"`
	DefaultPoints     int64   `json:"default_points"`
	Terminal          bool    `json:"terminal"`
	Immune            bool    `json:"immune"`
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

type DeductionDTO struct {
	ID             string `json:"id"`
	TargetMemberID string `json:"target_member_id"`
	RequestedBy    string `json:"requested_by"`
	Points         int64  `json:"points"`
	Reason         string `json:"reason"`
	Status         string `json:"status"`
	ReviewedBy     string `json:"reviewed_by,omitempty"`
	ReviewedAt     string `json:"reviewed_at,omitempty"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type CreateDeductionRequest struct {
	TargetMemberID string `json:"target_member_id"`
	Points         int64  `json:"points"`
	Reason         string `json:"reason"`
}

type ReviewRequest struct {
	Decision string `json:"decision"` // approve, reject
	Notes    string `json:"notes"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AffectedMemberDTO struct {
	MemberID string `json:"member_id"`
	FromRank string `json:"from_rank"`
	ToRank   string `json:"to_rank"`
	Reason   string `json:"reason"`
}

type MaintenanceReportDTO struct {
	RanAt            string              `json:"ran_at"`
	Expired          []AffectedMemberDTO `json:"expired"`
	MonthlyReset     bool                `json:"monthly_reset"`
	ResetMembers     int                 `json:"reset_members"`
	TemporaryDemoted []AffectedMemberDTO `json:"temporary_demoted"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toMemberDTO(m *engine.Member, ranks *engine.RankTable) MemberDTO {
	dto := MemberDTO{
		ID:        string(m.ID),
		Name:      m.Name,
		Points:    m.Points,
		RankID:    string(m.RankID),
		Banned:    m.Banned,
		Approved:  m.Approved,
		CreatedAt: formatTime(m.CreatedAt),
		UpdatedAt: formatTime(m.UpdatedAt),
	}
	if r, err := ranks.ByID(m.RankID); err == nil {
		dto.RankName = r.DisplayName
	}
	if g := m.ActiveRoleGrant; g != nil {
		dto.RoleGrant = &RoleGrantDTO{
			RoleID:     string(g.RoleID),
			AssignedAt: formatTime(g.AssignedAt),
			ExpiresAt:  formatTime(g.ExpiresAt),
			AssignedBy: g.AssignedBy,
		}
	}
	return dto
}

func toPointEventDTOs(events []engine.PointEvent) []PointEventDTO {
	out := make([]PointEventDTO, len(events))
	for i, e := range events {
		out[i] = PointEventDTO{
			ID:        e.ID,
			Timestamp: formatTime(e.Timestamp),
			Delta:     e.Delta,
			Balance:   e.Balance,
			Reason:    e.Reason,
			ActorID:   e.ActorID,
			Kind:      string(e.Kind),
		}
	}
	return out
}

func toRankDTO(r engine.RankDefinition, ranks *engine.RankTable) RankDTO {
	dto := RankDTO{
		ID:                string(r.ID),
		Name:              r.DisplayName,
		Level:             r.Level,
		DemotionThreshold: r.DemotionThreshold,
		Temporary:         r.IsTemporary,
		ExpirationDays:    r.ExpirationDays,
		DefaultPoints:     r.DefaultPoints,
		Terminal:          r.Terminal,
		Immune:            r.Immune() || ranks.IsTop(r.ID),
	}
	if r.DemotesTo != nil {
		s := string(*r.DemotesTo)
		dto.DemotesTo = &s
	}
	return dto
}

func toStandingDTO(s engine.RankStanding) StandingDTO {
	dto := StandingDTO{
		MemberID:  string(s.MemberID),
		RankID:    string(s.RankID),
		RankName:  s.DisplayName,
		Points:    s.Points,
		Threshold: s.Threshold,
		Margin:    s.Margin,
		Ratio:     s.Ratio.StringFixed(4),
		AtRisk:    s.AtRisk,
		Immune:    s.Immune,
	}
	if s.DemotesTo != nil {
		d := string(*s.DemotesTo)
		dto.DemotesTo = &d
	}
	return dto
}

func toDeductionDTO(r *engine.DeductionRequest) DeductionDTO {
	dto := DeductionDTO{
		ID:             string(r.ID),
		TargetMemberID: string(r.TargetMemberID),
		RequestedBy:    r.RequestedBy,
		Points:         r.Points,
		Reason:         r.Reason,
		Status:         string(r.Status),
		ReviewedBy:     r.ReviewedBy,
		Notes:          r.Notes,
		CreatedAt:      formatTime(r.CreatedAt),
	}
	if r.ReviewedAt != nil {
		dto.ReviewedAt = formatTime(*r.ReviewedAt)
	}
	return dto
}

func toAffectedDTOs(in []engine.AffectedMember) []AffectedMemberDTO {
	out := make([]AffectedMemberDTO, len(in))
	for i, a := range in {
		out[i] = AffectedMemberDTO{
			MemberID: string(a.MemberID),
			FromRank: string(a.FromRank),
			ToRank:   string(a.ToRank),
			Reason:   a.Reason,
		}
	}
	return out
}

func toMaintenanceReportDTO(r engine.MaintenanceReport) MaintenanceReportDTO {
	return MaintenanceReportDTO{
		RanAt:            formatTime(r.RanAt),
		Expired:          toAffectedDTOs(r.Expired),
		MonthlyReset:     r.MonthlyReset,
		ResetMembers:     r.ResetMembers,
		TemporaryDemoted: toAffectedDTOs(r.TemporaryDemoted),
	}
}
