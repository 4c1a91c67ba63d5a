package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/clearing"
	"github.com/mbd888/credithub/internal/drift"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/inject"
	"github.com/mbd888/credithub/internal/logging"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/payment"
	"github.com/mbd888/credithub/internal/router"
	"github.com/mbd888/credithub/internal/store"
)

type fakeRouterCache struct{}

func (fakeRouterCache) BumpGeneration(string) {}

func putEquivalent(t *testing.T, st store.Store, code string, precision int) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.PutEquivalent(ctx, &model.Equivalent{Code: code, Precision: precision}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

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

func setup(t *testing.T) (store.Store, *Orchestrator, *eventbus.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	rt, err := router.New(st, 8)
	if err != nil {
		t.Fatal(err)
	}
	inv := cacheinvalidator.New(rt, nil)
	patch := eventbus.New(func(string) int { return 2 })

	payEng := payment.New(st, rt, inv, patch, func(string) int { return 2 }, 4, 6)
	clearCfg := clearing.Config{CycleLenOnTick: 4, CycleLenPeriodic: 6, PeriodicEvery: 10, MaxCyclesPerRun: 10, TimeBudget: time.Second}
	driftPolicies := map[string]drift.Policy{"UAH": drift.DefaultPolicy}
	driftEng := drift.New(st, inv, patch, driftPolicies)
	clearEng := clearing.New(st, inv, patch, driftEng, clearCfg, func(string) int { return 2 })
	injectExec := inject.New()

	bus := eventbus.NewBus(16, logging.New("error", "text"))
	go bus.Run(context.Background())

	o := New(st, injectExec, payEng, clearEng, driftEng, inv, patch, bus, logging.New("error", "text"), Config{
		TickInterval: time.Hour,
		TickBudget:   5 * time.Second,
	})
	return st, o, bus
}

func drain(sub *eventbus.Subscriber) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

// Scenario: an inject event opening a trustline lands in the same tick as
// a payment over it, producing one topology.changed plus one tx.updated.
func TestOrchestrator_RunTick_InjectThenPayment(t *testing.T) {
	st, o, bus := setup(t)
	putEquivalent(t, st, "UAH", 2)

	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	o.ScheduleScenario([]ScheduledEvent{
		{Tick: 0, Event: inject.Event{
			Index: 1, Op: inject.OpAddParticipant, PID: "A", Type: model.ParticipantPerson,
			InitialTL: []inject.InitialTrustline{{Direction: "outgoing", Peer: "B", Equivalent: "UAH", Limit: 100000}},
		}},
	})

	ctx := context.Background()
	result, err := o.RunTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.InjectApplied != 1 {
		t.Fatalf("InjectApplied = %d, want 1", result.InjectApplied)
	}

	sess, _ := st.BeginTick(ctx)
	tl, ok, err := sess.GetTrustLine(ctx, "A", "B", "UAH")
	if err != nil || !ok || tl.Limit != 100000 {
		t.Fatalf("GetTrustLine(A,B) = %v ok=%v err=%v", tl, ok, err)
	}

	events := drain(sub)
	var sawTopology bool
	for _, ev := range events {
		if ev.Kind == eventbus.KindTopologyChanged {
			sawTopology = true
		}
	}
	if !sawTopology {
		t.Fatalf("events = %+v, want a topology.changed from inject", events)
	}

	o.SubmitPayment(payment.Request{TxID: "tx1", From: "B", To: "A", Equivalent: "UAH", Amount: "10.00"})
	result2, err := o.RunTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result2.PaymentsRun != 1 {
		t.Fatalf("PaymentsRun = %d, want 1", result2.PaymentsRun)
	}

	events2 := drain(sub)
	var sawTxUpdated bool
	for _, ev := range events2 {
		if ev.Kind == eventbus.KindTxUpdated {
			sawTxUpdated = true
		}
	}
	if !sawTxUpdated {
		t.Fatalf("events = %+v, want a tx.updated from the payment", events2)
	}
}

// Scenario 3: a standing 3-cycle clears on the tick following its setup,
// without any scenario events or payments queued for that tick.
func TestOrchestrator_RunTick_ClearsStandingCycle(t *testing.T) {
	st, o, bus := setup(t)
	putEquivalent(t, st, "UAH", 2)
	putTrustLine(t, st, "A", "B", "UAH", 100000, 10000)
	putTrustLine(t, st, "B", "C", "UAH", 100000, 7000)
	putTrustLine(t, st, "C", "A", "UAH", 100000, 5000)
	putDebt(t, st, "B", "A", "UAH", 10000)
	putDebt(t, st, "C", "B", "UAH", 7000)
	putDebt(t, st, "A", "C", "UAH", 5000)

	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	ctx := context.Background()
	result, err := o.RunTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.ClearingApplied != 1 {
		t.Fatalf("ClearingApplied = %d, want 1", result.ClearingApplied)
	}

	sess, _ := st.BeginTick(ctx)
	ab, _, _ := sess.GetTrustLine(ctx, "A", "B", "UAH")
	if ab.Used != 5000 {
		t.Errorf("A->B.Used = %d, want 5000 (10000 - S=5000)", ab.Used)
	}

	events := drain(sub)
	var sawClearingDone bool
	for _, ev := range events {
		if ev.Kind == eventbus.KindClearingDone {
			sawClearingDone = true
		}
	}
	if !sawClearingDone {
		t.Fatalf("events = %+v, want a clearing.done", events)
	}
}

// Scenario 5: an idle trustline decays by one step on a tick with no other
// activity on it.
func TestOrchestrator_RunTick_DecaysIdleTrustline(t *testing.T) {
	st, o, _ := setup(t)
	putEquivalent(t, st, "UAH", 2)
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	old := time.Now().Add(-48 * time.Hour)
	if err := sess.PutTrustLine(ctx, &model.TrustLine{
		From: "A", To: "B", Equivalent: "UAH",
		Limit: 100000, Used: 0, Status: model.TrustLineActive, CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	result, err := o.RunTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.DriftUpdated == 0 {
		t.Fatalf("DriftUpdated = %d, want at least 1", result.DriftUpdated)
	}

	verify, _ := st.BeginTick(ctx)
	tl, ok, err := verify.GetTrustLine(ctx, "A", "B", "UAH")
	if err != nil || !ok {
		t.Fatalf("GetTrustLine = %v ok=%v err=%v", tl, ok, err)
	}
	if tl.Limit >= 100000 {
		t.Errorf("Limit = %d after decay, want < 100000", tl.Limit)
	}
}

// Scenario 6: a payment that loses a lock race against a concurrently
// running clearing session resolves to a tx.failed{Conflict} event, and
// the tick still commits cleanly.
func TestOrchestrator_RunTick_ConflictingPaymentEmitsTxFailed(t *testing.T) {
	st, o, bus := setup(t)
	putEquivalent(t, st, "UAH", 2)
	putTrustLine(t, st, "A", "B", "UAH", 100000, 0)

	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	ctx := context.Background()
	clearingSess, err := st.BeginClearing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := clearingSess.LockEdges(ctx, []model.EdgeKey{model.NewEdgeKey("UAH", "A", "B")}); err != nil {
		t.Fatal(err)
	}

	o.SubmitPayment(payment.Request{TxID: "tx-conflict", From: "B", To: "A", Equivalent: "UAH", Amount: "10.00"})
	result, err := o.RunTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.PaymentsRun != 1 {
		t.Fatalf("PaymentsRun = %d, want 1 (payment resolved to tx.failed)", result.PaymentsRun)
	}

	events := drain(sub)
	var sawTxFailed bool
	for _, ev := range events {
		if ev.Kind == eventbus.KindTxFailed {
			sawTxFailed = true
		}
	}
	if !sawTxFailed {
		t.Fatalf("events = %+v, want a tx.failed{Conflict}", events)
	}

	_ = clearingSess.Rollback(ctx)
}
