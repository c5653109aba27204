// Package store provides in-process engine.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/rank-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. Records are
// deep-copied on the way in and out so callers never share state with the
// store.
type Memory struct {
	mu          sync.RWMutex
	members     map[engine.MemberID]*engine.Member
	ranks       map[engine.RankID]engine.RankDefinition
	requests    map[engine.RequestID]*engine.DeductionRequest
	maintenance engine.MaintenanceState
}

var _ engine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.members = make(map[engine.MemberID]*engine.Member)
	m.ranks = make(map[engine.RankID]engine.RankDefinition)
	m.requests = make(map[engine.RequestID]*engine.DeductionRequest)
	m.maintenance = engine.MaintenanceState{}
}

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

// =============================================================================
// MEMBERS
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id engine.MemberID) (*engine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "member", ID: string(id)}
	}
	return mem.Clone(), nil
}

// ListMembers returns members ordered by id.
func (m *Memory) ListMembers(_ context.Context) ([]*engine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*engine.Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveMember upserts mem if its Version matches the stored one.
func (m *Memory) SaveMember(_ context.Context, mem *engine.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.members[mem.ID]
	switch {
	case !exists && mem.Version != 0:
		return engine.ErrConcurrentModification
	case exists && current.Version != mem.Version:
		return engine.ErrConcurrentModification
	}
	if exists && !historyExtends(current.History, mem.History) {
		return engine.ErrConcurrentModification
	}

	mem.Version++
	m.members[mem.ID] = mem.Clone()
	return nil
}

// historyExtends reports whether next keeps prev as its prefix.
func historyExtends(prev, next []engine.PointEvent) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i].ID != next[i].ID {
			return false
		}
	}
	return true
}

// =============================================================================
// RANKS
// =============================================================================

func (m *Memory) ListRanks(_ context.Context) ([]engine.RankDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.RankDefinition, 0, len(m.ranks))
	for _, r := range m.ranks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out, nil
}

func (m *Memory) SaveRank(_ context.Context, r engine.RankDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranks[r.ID] = r
	return nil
}

// =============================================================================
// DEDUCTION REQUESTS
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id engine.RequestID) (*engine.DeductionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "request", ID: string(id)}
	}
	return r.Clone(), nil
}

func (m *Memory) ListRequests(_ context.Context, status engine.RequestStatus) ([]*engine.DeductionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.DeductionRequest
	for _, r := range m.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) SaveRequest(_ context.Context, r *engine.DeductionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.requests[r.ID]
	switch {
	case !exists && r.Version != 0:
		return engine.ErrConcurrentModification
	case exists && current.Version != r.Version:
		return engine.ErrConcurrentModification
	}

	r.Version++
	m.requests[r.ID] = r.Clone()
	return nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (m *Memory) GetMaintenanceState(_ context.Context) (engine.MaintenanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance, nil
}

func (m *Memory) SaveMaintenanceState(_ context.Context, s engine.MaintenanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenance = s
	return nil
}
