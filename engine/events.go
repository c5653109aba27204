package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventRankChanged        EventType = "rank.changed"
	EventDeductionRequested EventType = "deduction.requested"
	EventDeductionReviewed  EventType = "deduction.reviewed"
	EventRoleExpiredType    EventType = "role.expired"
	EventPointsReset        EventType = "points.reset"
)

// Event is published after a state change has been persisted.
type Event struct {
	Type      EventType `json:"type"`
	MemberID  MemberID  `json:"member_id,omitempty"`
	RequestID RequestID `json:"request_id,omitempty"`
	FromRank  RankID    `json:"from_rank,omitempty"`
	ToRank    RankID    `json:"to_rank,omitempty"`
	Delta     int64     `json:"delta,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans engine events out to notification collaborators.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// publish never fails the calling operation; delivery problems are logged.
func publish(ctx context.Context, p Publisher, logger *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed",
			zap.String("type", string(e.Type)),
			zap.String("member_id", string(e.MemberID)),
			zap.Error(err),
		)
	}
}
