// Package orchestrator implements the Orchestrator (C9): the per-tick
// driver that runs inject -> payments under a shared tick session, then
// clearing and drift decay on sessions of their own, grounded in the
// teacher's server.Server + per-domain *.Timer wiring shape (one
// constructor, a Start that spins goroutines,
// and the credit.Timer ticker-loop-with-safe-recover pattern for the tick
// loop itself).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/clearing"
	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/drift"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/inject"
	"github.com/mbd888/credithub/internal/logging"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/payment"
	"github.com/mbd888/credithub/internal/store"
)

// ScheduledEvent is one scenario event scheduled for a specific tick — the
// unit the InjectExecutor consumes (§4.6, §4.9 step 1).
type ScheduledEvent struct {
	Tick  int64
	Event inject.Event
}

// Config bounds the tick cadence and per-tick deadline (§4.9, §5).
type Config struct {
	TickInterval time.Duration
	TickBudget   time.Duration
}

// Result summarizes one completed tick for logging, metrics and tests.
type Result struct {
	Tick            int64
	InjectApplied   int
	InjectSkipped   int
	PaymentsRun     int
	ClearingApplied int
	DriftUpdated    int
	OverBudget      bool
	Events          []eventbus.Event
}

// Orchestrator drives one tick per §4.9: begin the outer session; run
// InjectExecutor then PaymentEngine against it; commit; run ClearingEngine
// on its own isolated session per equivalent; run TrustDriftEngine.Decay on
// a fresh outer session; publish every collected event in commit order.
type Orchestrator struct {
	st            store.Store
	injectExec    *inject.Executor
	paymentEngine *payment.Engine
	clearingEngine *clearing.Engine
	driftEngine   *drift.Engine
	inv           *cacheinvalidator.Invalidator
	patch         *eventbus.PatchBuilder
	bus           *eventbus.Bus
	logger        *slog.Logger
	cfg           Config

	mu       sync.Mutex
	tick     int64
	pending  []ScheduledEvent  // not-yet-due scenario events, sorted by (Tick, Event.Index)
	payments []payment.Request // queued submit_payment calls for the next tick

	stop chan struct{}
	once sync.Once
}

// New creates an Orchestrator wiring every component it drives.
func New(
	st store.Store,
	injectExec *inject.Executor,
	paymentEngine *payment.Engine,
	clearingEngine *clearing.Engine,
	driftEngine *drift.Engine,
	inv *cacheinvalidator.Invalidator,
	patch *eventbus.PatchBuilder,
	bus *eventbus.Bus,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		st: st, injectExec: injectExec, paymentEngine: paymentEngine,
		clearingEngine: clearingEngine, driftEngine: driftEngine,
		inv: inv, patch: patch, bus: bus, logger: logger, cfg: cfg,
		stop: make(chan struct{}),
	}
}

// ScheduleScenario appends scenario events to the pending queue, kept
// sorted by (Tick, Event.Index) so a tick pops due events in schedule order.
func (o *Orchestrator) ScheduleScenario(events []ScheduledEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, events...)
	sort.Slice(o.pending, func(i, j int) bool {
		if o.pending[i].Tick != o.pending[j].Tick {
			return o.pending[i].Tick < o.pending[j].Tick
		}
		return o.pending[i].Event.Index < o.pending[j].Event.Index
	})
}

// SubmitPayment queues a submit_payment request (§6) for the next tick.
func (o *Orchestrator) SubmitPayment(req payment.Request) {
	o.mu.Lock()
	o.payments = append(o.payments, req)
	o.mu.Unlock()
}

// Start runs the tick loop until ctx is cancelled or Stop is called,
// mirroring the teacher's credit.Timer ticker-loop shape with a
// safe-recover wrapper around each tick.
func (o *Orchestrator) Start(ctx context.Context) {
	o.publishRunStatus("running")
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.publishRunStatus("stopped")
			return
		case <-o.stop:
			o.publishRunStatus("stopped")
			return
		case <-ticker.C:
			o.safeRunTick(ctx)
		}
	}
}

// Stop signals the tick loop to stop. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stop) })
}

func (o *Orchestrator) safeRunTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in orchestrator tick", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := o.RunTick(ctx); err != nil {
		o.logger.Error("tick failed", "error", err)
	}
}

// RunTick drives exactly one tick to completion (§4.9). A tick's mutations
// (inject + payments) either all land or none do; clearing and drift run
// in their own sessions afterward and are never rolled back by a later
// phase's failure (§5's partial-failure-is-the-norm policy).
func (o *Orchestrator) RunTick(ctx context.Context) (Result, error) {
	start := time.Now()

	o.mu.Lock()
	tickID := o.tick
	o.tick++
	due, remaining := splitDue(o.pending, tickID)
	o.pending = remaining
	reqs := o.payments
	o.payments = nil
	o.mu.Unlock()

	ctx = logging.WithTick(ctx, tickID)
	logger := logging.L(ctx)
	tickCtx, cancel := context.WithDeadline(ctx, start.Add(o.cfg.TickBudget))
	defer cancel()

	result := Result{Tick: tickID}

	sess, err := o.st.BeginTick(tickCtx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("tick %d: begin session: %w", tickID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sess.Rollback(context.Background())
		}
	}()

	if len(due) > 0 {
		events := make([]inject.Event, 0, len(due))
		for _, d := range due {
			events = append(events, d.Event)
		}
		injResult, err := o.injectExec.Apply(tickCtx, sess, events)
		if err != nil {
			metrics.TicksTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("tick %d: inject: %w", tickID, err)
		}
		result.InjectApplied = injResult.Applied
		result.InjectSkipped = injResult.Skipped
		evs, err := o.injectEvents(tickCtx, sess, injResult)
		if err != nil {
			metrics.TicksTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("tick %d: inject patch: %w", tickID, err)
		}
		result.Events = append(result.Events, evs...)
	}

	for _, req := range reqs {
		if tickCtx.Err() != nil {
			logger.Warn("tick budget exceeded before remaining payments ran",
				"remaining", len(reqs), "processed", result.PaymentsRun)
			break
		}
		evs, err := o.paymentEngine.Execute(tickCtx, sess, req)
		if err != nil {
			if coreerr.Recoverable(err) {
				logger.Warn("payment skipped, retry next tick", "tx_id", req.TxID, "error", err)
				continue
			}
			metrics.TicksTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("tick %d: payment %s: %w", tickID, req.TxID, err)
		}
		if len(evs) > 0 {
			result.PaymentsRun++
		}
		result.Events = append(result.Events, evs...)
	}

	if err := sess.Commit(tickCtx); err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("tick %d: commit: %w", tickID, err)
	}
	committed = true

	equivalents, err := o.listEquivalents(tickCtx)
	if err != nil {
		logger.Error("tick: list equivalents for clearing/drift", "error", err)
	}

	for _, eq := range equivalents {
		evs, cres, err := o.clearingEngine.Run(tickCtx, eq, tickID)
		if err != nil {
			logger.Error("clearing run failed", "equivalent", eq, "error", err)
			continue
		}
		result.ClearingApplied += cres.Applied
		result.Events = append(result.Events, evs...)
	}

	if len(equivalents) > 0 {
		driftSess, err := o.st.BeginTick(tickCtx)
		if err != nil {
			logger.Error("tick: begin drift session", "error", err)
		} else {
			decayEvs, dres, decayErr := o.driftEngine.Decay(tickCtx, driftSess, equivalents)
			if decayErr != nil {
				logger.Error("drift decay failed", "error", decayErr)
				_ = driftSess.Rollback(tickCtx)
			} else if err := driftSess.Commit(tickCtx); err != nil {
				logger.Error("tick: commit drift session", "error", err)
			} else {
				result.DriftUpdated = dres.UpdatedCount
				result.Events = append(result.Events, decayEvs...)
			}
		}
	}

	result.OverBudget = tickCtx.Err() != nil
	outcome := "completed"
	if result.OverBudget {
		outcome = "tick_over_budget"
	}
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())

	o.publish(result.Events)

	return result, nil
}

// splitDue partitions pending (sorted by Tick ASC) into events due at or
// before tick and those still in the future.
func splitDue(pending []ScheduledEvent, tick int64) (due, remaining []ScheduledEvent) {
	for _, e := range pending {
		if e.Tick <= tick {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	return due, remaining
}

// listEquivalents reads the full Equivalent set on a throwaway session, so
// ClearingEngine and TrustDriftEngine.Decay can be driven over every known
// equivalent without a side channel tracking which ones exist.
func (o *Orchestrator) listEquivalents(ctx context.Context) ([]string, error) {
	sess, err := o.st.BeginTick(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback(ctx)
	eqs, err := sess.ListEquivalents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(eqs))
	for _, e := range eqs {
		out = append(out, e.Code)
	}
	return out, nil
}

// injectEvents turns an InjectResult into cache invalidation plus a single
// topology.changed event (§4.6, §4.8), omitting the event entirely if every
// field would be empty (P7).
func (o *Orchestrator) injectEvents(ctx context.Context, sess store.Session, res *inject.Result) ([]eventbus.Event, error) {
	if len(res.AffectedEquivalents) > 0 {
		o.inv.Invalidate(res.AffectedEquivalents)
	}

	addedPatches, err := o.patch.Scoped(ctx, sess, res.NewTrustlines, edgeEndpoints)
	if err != nil {
		return nil, fmt.Errorf("inject patch: new trustlines: %w", err)
	}
	frozenPatches, err := o.patch.Scoped(ctx, sess, res.FrozenEdges, edgeEndpoints)
	if err != nil {
		return nil, fmt.Errorf("inject patch: frozen edges: %w", err)
	}
	var debtEdges []model.EdgeKey
	for _, edges := range res.InjectDebtEdgesByEq {
		debtEdges = append(debtEdges, edges...)
	}
	debtPatches, err := o.patch.Scoped(ctx, sess, debtEdges, edgeEndpoints)
	if err != nil {
		return nil, fmt.Errorf("inject patch: debt edges: %w", err)
	}

	if len(res.NewParticipants) == 0 && len(addedPatches) == 0 &&
		len(res.FrozenPIDs) == 0 && len(frozenPatches) == 0 && len(debtPatches) == 0 {
		return nil, nil
	}

	seq, err := o.st.NextEventSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("inject: allocate event seq: %w", err)
	}

	payload := map[string]any{"reason": "inject"}
	if len(res.NewParticipants) > 0 {
		payload["added_nodes"] = res.NewParticipants
	}
	if len(addedPatches) > 0 {
		payload["added_edges"] = addedPatches
	}
	if len(res.FrozenPIDs) > 0 {
		payload["frozen_nodes"] = res.FrozenPIDs
	}
	if len(frozenPatches) > 0 {
		payload["frozen_edges"] = frozenPatches
	}
	if len(debtPatches) > 0 {
		payload["edge_patch"] = debtPatches
	}

	return []eventbus.Event{{
		Seq: seq, Ts: time.Now(), Kind: eventbus.KindTopologyChanged, Payload: payload,
	}}, nil
}

func edgeEndpoints(k model.EdgeKey) (string, string) { return k.Lo, k.Hi }

// publish fans out events to the bus in the order they were collected,
// preserving §5's per-worker commit-order guarantee: inject, then payments,
// then clearing, then drift, all already seq-stamped by their producer.
func (o *Orchestrator) publish(events []eventbus.Event) {
	for _, ev := range events {
		o.bus.Publish(ev)
	}
}

func (o *Orchestrator) publishRunStatus(state string) {
	seq, err := o.st.NextEventSeq(context.Background())
	if err != nil {
		o.logger.Error("publish run_status: allocate event seq", "error", err)
		return
	}
	o.bus.Publish(eventbus.Event{
		Seq: seq, Ts: time.Now(), Kind: eventbus.KindRunStatus,
		Payload: map[string]any{"state": state},
	})
}
