/*
deduction.go - Point deduction request lifecycle

PURPOSE:
  Handles the lifecycle of point deduction requests:
  1. Creation: Validate input and permissions
  2. Pending: Wait for operator review (no ledger mutation yet)
  3. Approval: Apply the deduction through the PointsLedger
  4. Rejection: Close the request without touching the ledger

REQUEST FLOW:
  ┌───────────────────────────────────────────────────────────────┐
  │                                                               │
  │  Create ──▶ requester is operator? ──yes──▶ Approved + apply  │
  │                     │                                         │
  │                     no                                        │
  │                     ▼                                         │
  │                 ┌─────────┐  Approve  ┌──────────┐            │
  │                 │ Pending │ ────────▶ │ Approved │──▶ ledger  │
  │                 └─────────┘           └──────────┘            │
  │                     │ Reject          ┌──────────┐            │
  │                     └───────────────▶ │ Rejected │            │
  │                                       └──────────┘            │
  └───────────────────────────────────────────────────────────────┘

  Approved and Rejected are terminal. Reviewing a resolved request
  returns *ConflictError.

DOUBLE-APPLY PROTECTION:
  The ledger write for a request is keyed "deduction:<request id>". A retry
  after a crash between the ledger write and the request save finds the
  key and only finishes marking the request.

SEE ALSO:
  - ledger.go: ApplyDeltaOnce
  - engine.go: Operator checks for the façade operations
*/
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// CreateDeduction is the input to DeductionWorkflow.Create.
type CreateDeduction struct {
	TargetMemberID      MemberID
	RequestedBy         string
	Points              int64
	Reason              string
	RequesterIsOperator bool

	// IdempotencyKey makes Create safe to retry: a repeated key returns the
	// request created by the first call. Reusing it for a different
	// deduction fails with *ConflictError.
	IdempotencyKey string
}

type DeductionWorkflow struct {
	Requests RequestStore
	Members  MemberStore
	Ledger   *PointsLedger
	Ranks    *RankTable

	Logger    *zap.Logger
	Metrics   *Metrics
	Publisher Publisher
	Now       func() time.Time

	locksOnce sync.Once
	locks     *keyedMutex
}

func NewDeductionWorkflow(requests RequestStore, members MemberStore, ledger *PointsLedger, ranks *RankTable) *DeductionWorkflow {
	return &DeductionWorkflow{
		Requests: requests,
		Members:  members,
		Ledger:   ledger,
		Ranks:    ranks,
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

func (w *DeductionWorkflow) lock(id RequestID) func() {
	w.locksOnce.Do(func() { w.locks = newKeyedMutex() })
	return w.locks.Lock(string(id))
}

func (w *DeductionWorkflow) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *DeductionWorkflow) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func deductionKey(id RequestID) string {
	return "deduction:" + string(id)
}

// sameAs reports whether in would create r: same target, requester, points
// and reason.
func (r *DeductionRequest) sameAs(in CreateDeduction) bool {
	return r.TargetMemberID == in.TargetMemberID &&
		r.RequestedBy == in.RequestedBy &&
		r.Points == in.Points &&
		r.Reason == in.Reason
}

// =============================================================================
// CREATE
// =============================================================================

// Create opens a deduction request. Operators bypass review: their
// requests are created approved and applied immediately.
func (w *DeductionWorkflow) Create(ctx context.Context, in CreateDeduction) (*DeductionRequest, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Points <= 0 {
		return nil, &ValidationError{Field: "points", Message: "must be greater than zero"}
	}
	if in.Reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "reason required"}
	}
	if in.TargetMemberID == "" {
		return nil, &ValidationError{Field: "target", Message: "target member required"}
	}

	id := RequestID("ded_" + ksuid.New().String())
	if in.IdempotencyKey != "" {
		id = RequestID("ded_" + in.IdempotencyKey)
	}

	unlock := w.lock(id)
	defer unlock()

	if in.IdempotencyKey != "" {
		existing, err := w.Requests.GetRequest(ctx, id)
		if err == nil {
			if !existing.sameAs(in) {
				return nil, &ConflictError{
					RequestID: id,
					Status:    existing.Status,
					Message:   "idempotency key already used for a different deduction",
				}
			}
			w.logger().Debug("deduction request replayed",
				zap.String("request_id", string(id)),
			)
			return existing, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	target, err := w.Members.GetMember(ctx, in.TargetMemberID)
	if err != nil {
		return nil, err
	}
	if target.Banned {
		return nil, &ValidationError{Field: "target", Message: "member is banned"}
	}
	if w.Ranks.IsTop(target.RankID) && !in.RequesterIsOperator {
		return nil, &PermissionError{
			ActorID: in.RequestedBy,
			Action:  "request a deduction against",
			Target:  string(target.ID),
		}
	}

	now := w.now()
	req := &DeductionRequest{
		ID:             id,
		TargetMemberID: target.ID,
		RequestedBy:    in.RequestedBy,
		Points:         in.Points,
		Reason:         in.Reason,
		Status:         RequestPending,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}

	if in.RequesterIsOperator {
		if err := w.apply(ctx, req, in.RequestedBy); err != nil {
			return nil, err
		}
		req.Status = RequestApproved
		req.ReviewedBy = in.RequestedBy
		req.ReviewedAt = &now
	}

	if err := w.Requests.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	w.Metrics.incDeductionCreated(req.Status)
	w.logger().Info("deduction request created",
		zap.String("request_id", string(req.ID)),
		zap.String("target", string(req.TargetMemberID)),
		zap.String("requested_by", req.RequestedBy),
		zap.Int64("points", req.Points),
		zap.String("status", string(req.Status)),
	)
	publish(ctx, w.Publisher, w.logger(), Event{
		Type:      EventDeductionRequested,
		MemberID:  req.TargetMemberID,
		RequestID: req.ID,
		Delta:     -req.Points,
		Status:    string(req.Status),
		At:        now,
	})
	return req, nil
}

// apply writes the deduction to the ledger. A duplicate key means an
// earlier attempt already applied it.
func (w *DeductionWorkflow) apply(ctx context.Context, req *DeductionRequest, actorID string) error {
	_, err := w.Ledger.ApplyDeltaOnce(ctx, req.TargetMemberID, -req.Points, req.Reason, actorID, deductionKey(req.ID))
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		w.logger().Warn("deduction already applied, completing request",
			zap.String("request_id", string(req.ID)),
		)
		return nil
	}
	return err
}

// =============================================================================
// REVIEW
// =============================================================================

// Review resolves a pending request. Both outcomes are irreversible.
func (w *DeductionWorkflow) Review(ctx context.Context, id RequestID, reviewerID string, decision Decision, notes string) (*DeductionRequest, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}

	unlock := w.lock(id)
	defer unlock()

	req, err := w.Requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != RequestPending {
		return nil, &ConflictError{RequestID: req.ID, Status: req.Status}
	}

	if decision == DecisionApprove {
		if err := w.apply(ctx, req, reviewerID); err != nil {
			return nil, err
		}
		req.Status = RequestApproved
	} else {
		req.Status = RequestRejected
	}
	at := w.now()
	req.ReviewedBy = reviewerID
	req.ReviewedAt = &at
	req.Notes = strings.TrimSpace(notes)

	if err := w.Requests.SaveRequest(ctx, req); err != nil {
		if IsRetryable(err) {
			// Resolved by another process between our read and write.
			if current, gerr := w.Requests.GetRequest(ctx, id); gerr == nil && current.Status.Terminal() {
				return nil, &ConflictError{RequestID: id, Status: current.Status}
			}
		}
		return nil, err
	}

	w.Metrics.incDeductionReviewed(decision)
	w.logger().Info("deduction request reviewed",
		zap.String("request_id", string(req.ID)),
		zap.String("reviewer", reviewerID),
		zap.String("status", string(req.Status)),
	)
	publish(ctx, w.Publisher, w.logger(), Event{
		Type:      EventDeductionReviewed,
		MemberID:  req.TargetMemberID,
		RequestID: req.ID,
		Status:    string(req.Status),
		At:        at,
	})
	return req, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *DeductionWorkflow) Get(ctx context.Context, id RequestID) (*DeductionRequest, error) {
	return w.Requests.GetRequest(ctx, id)
}

func (w *DeductionWorkflow) List(ctx context.Context, status RequestStatus) ([]*DeductionRequest, error) {
	return w.Requests.ListRequests(ctx, status)
}
