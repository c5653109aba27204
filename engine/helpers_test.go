package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/rank-engine/engine"
	"github.com/warp/rank-engine/engine/store"
	"github.com/warp/rank-engine/factory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	operator = engine.Actor{ID: "op-1", IsOperator: true}
	reporter = engine.Actor{ID: "mem-reporter"}
)

// march10 is the default "now" of every test engine.
var march10 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []engine.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e engine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t engine.EventType) []engine.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []engine.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	engine    *engine.PolicyEngine
	store     *store.Memory
	clock     *testClock
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	clock := newTestClock(march10)
	pub := &recordingPublisher{}
	eng := engine.New(st, factory.DefaultRankTable(), engine.Options{
		Clock:     clock.Now,
		Publisher: pub,
	})
	return &testEnv{engine: eng, store: st, clock: clock, publisher: pub}
}

// register creates a member on rank through the engine, so points start
// at the rank's default.
func (env *testEnv) register(t *testing.T, id engine.MemberID, rank engine.RankID) *engine.Member {
	t.Helper()
	m, err := env.engine.RegisterMember(context.Background(), operator, engine.NewMember{
		ID:       id,
		Name:     string(id),
		RankID:   rank,
		Approved: true,
	})
	require.NoError(t, err)
	return m
}

// seedMember writes a member straight to the store with an exact balance.
func seedMember(t *testing.T, st engine.MemberStore, id engine.MemberID, rank engine.RankID, points int64) {
	t.Helper()
	require.NoError(t, st.SaveMember(context.Background(), &engine.Member{
		ID:        id,
		Name:      string(id),
		RankID:    rank,
		Points:    points,
		CreatedAt: march10,
		UpdatedAt: march10,
	}))
}

func newTestLedger(t *testing.T) (*engine.PointsLedger, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ledger := engine.NewPointsLedger(st, factory.DefaultRankTable())
	ledger.Now = func() time.Time { return march10 }
	return ledger, st
}

func kinds(history []engine.PointEvent) []engine.EventKind {
	out := make([]engine.EventKind, len(history))
	for i, e := range history {
		out[i] = e.Kind
	}
	return out
}
