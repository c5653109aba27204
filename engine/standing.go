package engine

import (
	"github.com/shopspring/decimal"
)

// atRiskFraction is the share of the threshold below which the margin
// counts as at risk.
var atRiskFraction = decimal.NewFromFloat(0.1)

// RankStanding describes how close a member sits to their rank's floor.
type RankStanding struct {
	MemberID    MemberID
	RankID      RankID
	DisplayName string
	Points      int64

	// Threshold and Margin are nil for immune ranks.
	Threshold *int64
	Margin    *int64

	// Ratio is points / threshold rounded to 4 places; zero when immune.
	Ratio     decimal.Decimal
	AtRisk    bool
	Immune    bool
	DemotesTo *RankID
}

// Standing reports m's position relative to its rank's demotion threshold.
func Standing(m *Member, table *RankTable) (RankStanding, error) {
	rank, err := table.ByID(m.RankID)
	if err != nil {
		return RankStanding{}, err
	}

	s := RankStanding{
		MemberID:    m.ID,
		RankID:      rank.ID,
		DisplayName: rank.DisplayName,
		Points:      m.Points,
		Immune:      rank.Immune() || table.IsTop(rank.ID),
		DemotesTo:   rank.DemotesTo,
		Ratio:       decimal.Zero,
	}
	if s.Immune || rank.DemotionThreshold == nil {
		return s, nil
	}

	threshold := *rank.DemotionThreshold
	margin := m.Points - threshold
	s.Threshold = &threshold
	s.Margin = &margin
	if threshold <= 0 {
		return s, nil
	}

	t := decimal.NewFromInt(threshold)
	s.Ratio = decimal.NewFromInt(m.Points).DivRound(t, 4)
	s.AtRisk = decimal.NewFromInt(margin).LessThan(t.Mul(atRiskFraction))
	return s, nil
}
