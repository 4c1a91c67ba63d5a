package clearing

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

type fakeRouterCache struct{}

func (fakeRouterCache) BumpGeneration(string) {}

func putTrustLine(t *testing.T, st store.Store, from, to, equivalent string, limit, used int64) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.PutTrustLine(ctx, &model.TrustLine{
		From: from, To: to, Equivalent: equivalent,
		Limit: limit, Used: used, Status: model.TrustLineActive, CreatedAt: time.Unix(0, 0),
	}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func putDebt(t *testing.T, st store.Store, debtor, creditor, equivalent string, amount int64) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.PutDebt(ctx, &model.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: amount}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func setupEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()
	inv := cacheinvalidator.New(fakeRouterCache{}, nil)
	patch := eventbus.New(func(string) int { return 2 })
	cfg := Config{CycleLenOnTick: 4, CycleLenPeriodic: 6, PeriodicEvery: 10, MaxCyclesPerRun: 10, TimeBudget: time.Second}
	return New(st, inv, patch, nil, cfg, func(string) int { return 2 })
}

// Scenario 3: a 3-cycle A->B->C->A clears at S = min(100,70,50) = 50.
func TestEngine_Run_ClearsThreeCycle(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Debt(A,B)=100 means A owes B: paired TrustLine is (From=B,To=A).
	putTrustLine(t, st, "B", "A", "UAH", 100000, 10000)
	putTrustLine(t, st, "C", "B", "UAH", 100000, 7000)
	putTrustLine(t, st, "A", "C", "UAH", 100000, 5000)
	putDebt(t, st, "A", "B", "UAH", 10000)
	putDebt(t, st, "B", "C", "UAH", 7000)
	putDebt(t, st, "C", "A", "UAH", 5000)

	eng := setupEngine(t, st)
	events, result, err := eng.Run(ctx, "UAH", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 1 {
		t.Fatalf("Applied = %d, want 1", result.Applied)
	}
	if len(events) != 1 || events[0].Kind != eventbus.KindClearingDone {
		t.Fatalf("events = %+v, want one clearing.done", events)
	}
	payload := events[0].Payload.(map[string]any)
	if payload["cleared_amount"] != "50.00" {
		t.Errorf("cleared_amount = %v, want \"50.00\" (min of 10000/7000/5000 atoms at precision 2)", payload["cleared_amount"])
	}

	verify, _ := st.BeginTick(ctx)
	ab, _, _ := verify.GetDebt(ctx, "A", "B", "UAH")
	bc, _, _ := verify.GetDebt(ctx, "B", "C", "UAH")
	ca, _, _ := verify.GetDebt(ctx, "C", "A", "UAH")
	if ab.Amount != 5000 || bc.Amount != 2000 || ca.Amount != 0 {
		t.Errorf("debts after clearing = %d/%d/%d, want 5000/2000/0", ab.Amount, bc.Amount, ca.Amount)
	}
}

func TestEngine_Run_NoDebtsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	eng := setupEngine(t, st)
	events, result, err := eng.Run(context.Background(), "UAH", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 0 || len(events) != 0 {
		t.Fatalf("result=%+v events=%+v, want no-op", result, events)
	}
}

// A two-node pair (A->B, B->A) is not a cycle of the required minimum
// length 3 and must not be enumerated.
func TestEngine_Run_TwoNodeLoopNotACycle(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	putTrustLine(t, st, "B", "A", "UAH", 100000, 10000)
	putTrustLine(t, st, "A", "B", "UAH", 100000, 5000)
	putDebt(t, st, "A", "B", "UAH", 10000)
	putDebt(t, st, "B", "A", "UAH", 5000)

	eng := setupEngine(t, st)
	_, result, err := eng.Run(ctx, "UAH", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 0 {
		t.Errorf("Applied = %d, want 0 (no cycle of length >= 3)", result.Applied)
	}
}

func TestEngine_Run_SkipsConflictingCycle(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	putTrustLine(t, st, "B", "A", "UAH", 100000, 10000)
	putTrustLine(t, st, "C", "B", "UAH", 100000, 7000)
	putTrustLine(t, st, "A", "C", "UAH", 100000, 5000)
	putDebt(t, st, "A", "B", "UAH", 10000)
	putDebt(t, st, "B", "C", "UAH", 7000)
	putDebt(t, st, "C", "A", "UAH", 5000)

	held, err := st.BeginClearing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := held.LockEdges(ctx, []model.EdgeKey{model.NewEdgeKey("UAH", "A", "B")}); err != nil {
		t.Fatal(err)
	}

	eng := setupEngine(t, st)
	_, result, err := eng.Run(ctx, "UAH", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 0 || result.SkippedConflict != 1 {
		t.Errorf("result = %+v, want Applied=0 SkippedConflict=1", result)
	}

	_ = held.Rollback(ctx)
}

func TestEngine_Run_PeriodicCadenceAllowsLongerCycles(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	nodes := []string{"A", "B", "C", "D", "E"}
	for i, n := range nodes {
		next := nodes[(i+1)%len(nodes)]
		putTrustLine(t, st, next, n, "UAH", 100000, 1000)
		putDebt(t, st, n, next, "UAH", 1000)
	}

	cfg := Config{CycleLenOnTick: 4, CycleLenPeriodic: 6, PeriodicEvery: 5, MaxCyclesPerRun: 10, TimeBudget: time.Second}
	inv := cacheinvalidator.New(fakeRouterCache{}, nil)
	patch := eventbus.New(func(string) int { return 2 })
	eng := New(st, inv, patch, nil, cfg, func(string) int { return 2 })

	// Tick 1: 5-cycle exceeds on-tick length 4, must not clear.
	_, result, err := eng.Run(ctx, "UAH", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 0 {
		t.Fatalf("tick 1 Applied = %d, want 0 (cycle too long for on-tick cadence)", result.Applied)
	}

	// Tick 5 (periodic due): length-6 budget covers the 5-cycle.
	_, result, err = eng.Run(ctx, "UAH", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 1 {
		t.Errorf("tick 5 Applied = %d, want 1 (periodic cadence covers length 5)", result.Applied)
	}
}
