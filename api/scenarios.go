/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a realistic
	team so the dashboard and API can be explored without manual setup.

AVAILABLE SCENARIOS:

	demo-team:        One member per rank, a couple of pending deduction
	                  requests and a member sitting just above a threshold
	expiring-trials:  Trial supporters whose 14-day grants have already
	                  lapsed, ready for the next maintenance run

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Persist the engine's rank table
 3. Register members through the engine (assignment events included)
 4. Apply point changes and deduction requests as the "scenario" operator

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "demo-team"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Other handlers
  - factory/ranks.go: Default rank ids
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/rank-engine/engine"
	"github.com/warp/rank-engine/factory"
	"go.uber.org/zap"
)

// ScenarioStore is the store surface the scenario loader needs on top of
// what the engine already owns.
type ScenarioStore interface {
	engine.RankStore
	engine.MemberStore
	Reset(ctx context.Context) error
}

// scenarioActor performs every write made by a scenario.
var scenarioActor = engine.Actor{ID: "scenario", IsOperator: true}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-team",
		Name:        "Demo Team",
		Description: "One member per rank, pending deductions and an at-risk moderator",
	},
	{
		ID:          "expiring-trials",
		Name:        "Expiring Trials",
		Description: "Trial supporters whose temporary grants have lapsed",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !ActorFromContext(r.Context()).IsOperator {
		writeError(w, http.StatusForbidden, "Operator role required", nil)
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusNotImplemented, "Scenarios are not available", nil)
		return
	}

	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "demo-team":
		load = h.loadDemoTeamScenario
	case "expiring-trials":
		load = h.loadExpiringTrialsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", requestError("no scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.resetForScenario(ctx); err != nil {
		h.writeEngineError(w, r, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		h.writeEngineError(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) resetForScenario(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	for _, d := range h.Engine.Ranks().All() {
		if err := h.Store.SaveRank(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seedMember struct {
	id   engine.MemberID
	name string
	rank engine.RankID
}

func (h *Handler) seed(ctx context.Context, members []seedMember) error {
	for _, s := range members {
		if _, err := h.Engine.RegisterMember(ctx, scenarioActor, engine.NewMember{
			ID:       s.id,
			Name:     s.name,
			RankID:   s.rank,
			Approved: true,
		}); err != nil {
			return fmt.Errorf("register %s: %w", s.id, err)
		}
	}
	return nil
}

func (h *Handler) loadDemoTeamScenario(ctx context.Context) error {
	err := h.seed(ctx, []seedMember{
		{"mem-owner", "Olivia Owner", factory.RankOwner},
		{"mem-admin", "Aaron Admin", factory.RankAdmin},
		{"mem-mod", "Mia Moderator", factory.RankModerator},
		{"mem-jrmod", "Jules Junior", factory.RankJrModerator},
		{"mem-sup", "Sam Supporter", factory.RankSupporter},
		{"mem-trial", "Tess Trial", factory.RankTrialSupporter},
		{"mem-jrsup", "Jamie Helper", factory.RankJrSupporter},
		{"mem-member", "Morgan Member", factory.RankMember},
	})
	if err != nil {
		return err
	}

	// Moderator sits at 260, just above the 250 threshold.
	if _, err := h.Engine.DeductPoints(ctx, scenarioActor, "mem-mod", 40, "missed two shifts", "demo-mod-shifts"); err != nil {
		return err
	}
	if _, err := h.Engine.AwardPoints(ctx, scenarioActor, "mem-sup", 35, "helped with event setup", "demo-sup-event"); err != nil {
		return err
	}

	reporter := engine.Actor{ID: "mem-jrmod"}
	if _, err := h.Engine.RequestDeduction(ctx, reporter, "mem-jrsup", 10, "ignored ticket queue", "demo-req-1"); err != nil {
		return err
	}
	if _, err := h.Engine.RequestDeduction(ctx, reporter, "mem-sup", 20, "rude in support chat", "demo-req-2"); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadExpiringTrialsScenario(ctx context.Context) error {
	err := h.seed(ctx, []seedMember{
		{"mem-trial-1", "Riley Trial", factory.RankTrialSupporter},
		{"mem-trial-2", "Casey Trial", factory.RankTrialSupporter},
		{"mem-trial-3", "Drew Trial", factory.RankTrialSupporter},
		{"mem-admin", "Aaron Admin", factory.RankAdmin},
	})
	if err != nil {
		return err
	}

	// Backdate two of the grants so the next maintenance run reverts them.
	lapsed := h.Clock().UTC().Add(-time.Hour)
	for _, id := range []engine.MemberID{"mem-trial-1", "mem-trial-2"} {
		m, err := h.Store.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if m.ActiveRoleGrant == nil {
			return fmt.Errorf("member %s has no role grant", id)
		}
		m.ActiveRoleGrant.AssignedAt = lapsed.AddDate(0, 0, -14)
		m.ActiveRoleGrant.ExpiresAt = lapsed
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
