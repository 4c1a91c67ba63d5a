// Package payment implements PaymentEngine (§4.3): a classical two-phase
// commit in-process over the Store, generalizing the teacher's
// ledger.Hold/ConfirmHold/ReleaseHold two-phase-commit-over-balances shape
// and escrow.MultiStepService's per-ID idempotency-by-key pattern to a
// multi-hop, multi-edge trust-line payment.
package payment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/credithub/internal/amount"
	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/router"
	"github.com/mbd888/credithub/internal/store"
)

// Request is a submit_payment call (§6).
type Request struct {
	TxID       string
	From, To   string
	Equivalent string
	Amount     string // decimal string, parsed with the equivalent's precision
}

// share is one path's assigned slice of the payment amount.
type share struct {
	path   router.Path
	amount int64
}

// EdgeToucher records traffic on an edge so TrustDriftEngine's decay pass
// can measure real idle time rather than time-since-process-start.
type EdgeToucher interface {
	Touch(edges []model.EdgeKey)
}

// Engine executes payments via 2PC.
type Engine struct {
	st         store.Store
	router     *router.Router
	inv        *cacheinvalidator.Invalidator
	patch      *eventbus.PatchBuilder
	precision  func(equivalent string) int
	routerOpts router.Request // KMax/HopMax defaults, Sender/Receiver/Equivalent ignored
	toucher    EdgeToucher
}

// New creates a PaymentEngine.
func New(st store.Store, rt *router.Router, inv *cacheinvalidator.Invalidator, patch *eventbus.PatchBuilder, precisionOf func(string) int, kMax, hopMax int) *Engine {
	return &Engine{
		st: st, router: rt, inv: inv, patch: patch, precision: precisionOf,
		routerOpts: router.Request{KMax: kMax, HopMax: hopMax},
	}
}

// SetToucher wires the TrustDriftEngine idle-clock hook. Optional: a nil
// toucher (the default) just skips idle-clock tracking for payment edges.
func (e *Engine) SetToucher(t EdgeToucher) {
	e.toucher = t
}

// Execute runs one payment to completion (committed or terminally failed)
// against sess, the outer tick session. It returns the events to publish
// (already seq-stamped) in commit order; the caller (Orchestrator) collects
// and publishes them after the phase completes.
func (e *Engine) Execute(ctx context.Context, sess store.Session, req Request) ([]eventbus.Event, error) {
	start := time.Now()
	defer func() { metrics.PaymentDuration.Observe(time.Since(start).Seconds()) }()

	existing, ok, err := sess.GetTransaction(ctx, req.TxID)
	if err != nil {
		return nil, fmt.Errorf("payment %s: load transaction: %w", req.TxID, err)
	}
	if ok {
		if existing.Terminal() {
			metrics.PaymentsTotal.WithLabelValues(string(existing.State)).Inc()
			return nil, nil // idempotent replay: caller already has the terminal outcome on record
		}
		return nil, fmt.Errorf("payment %s already in flight: %w", req.TxID, coreerr.ErrInProgress)
	}

	now := time.Now()
	tx := &model.Transaction{
		TxID: req.TxID, Type: model.TransactionPayment, Initiator: req.From,
		State: model.TxPending, CreatedAt: now, UpdatedAt: now,
	}

	if req.From == "" || req.To == "" || req.From == req.To {
		return e.fail(ctx, sess, tx, coreerr.ErrInvalidRequest, "self-payment or missing endpoint")
	}
	eq, ok, err := sess.GetEquivalent(ctx, req.Equivalent)
	if err != nil {
		return nil, fmt.Errorf("payment %s: load equivalent: %w", req.TxID, err)
	}
	if !ok {
		return e.fail(ctx, sess, tx, coreerr.ErrInvalidRequest, "unknown equivalent")
	}
	amt, okParse := amount.Parse(req.Amount, eq.Precision)
	if !okParse || amt.Sign() <= 0 {
		return e.fail(ctx, sess, tx, coreerr.ErrInvalidRequest, "amount must be a positive decimal")
	}
	target := amt.Int64()

	tx.State = model.TxPreparing
	if err := sess.PutTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("payment %s: mark preparing: %w", req.TxID, err)
	}

	if ctx.Err() != nil {
		return e.fail(ctx, sess, tx, coreerr.ErrTimeout, "tick deadline exceeded before routing")
	}

	reqRoute := e.routerOpts
	reqRoute.Sender, reqRoute.Receiver, reqRoute.Equivalent = req.From, req.To, req.Equivalent
	paths, err := e.router.FindPaths(ctx, reqRoute)
	if err != nil {
		return e.failWrapped(ctx, sess, tx, err)
	}

	shares, err := plan(paths, target)
	if err != nil {
		return e.failWrapped(ctx, sess, tx, err)
	}

	sp, err := sess.Savepoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment %s: open savepoint: %w", req.TxID, err)
	}

	touched, applyErr := e.prepare(ctx, sess, req.Equivalent, shares)
	if applyErr != nil {
		_ = sp.Rollback(ctx)
		return e.failWrapped(ctx, sess, tx, applyErr)
	}

	if ctx.Err() != nil {
		_ = sp.Rollback(ctx)
		return e.fail(ctx, sess, tx, coreerr.ErrTimeout, "tick deadline exceeded during prepare")
	}

	if err := sp.Release(ctx); err != nil {
		return nil, fmt.Errorf("payment %s: release savepoint: %w", req.TxID, err)
	}

	tx.State = model.TxCommitted
	tx.UpdatedAt = time.Now()
	if err := sess.PutTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("payment %s: mark committed: %w", req.TxID, err)
	}
	metrics.PaymentsTotal.WithLabelValues("committed").Inc()

	if e.toucher != nil {
		e.toucher.Touch(touched)
	}
	e.inv.Invalidate([]string{req.Equivalent})

	patches, err := e.patch.Scoped(ctx, sess, touched, func(k model.EdgeKey) (string, string) {
		return edgeEndpoints(touched, k)
	})
	if err != nil {
		return nil, fmt.Errorf("payment %s: build patch: %w", req.TxID, err)
	}

	seq, err := e.st.NextEventSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment %s: allocate event seq: %w", req.TxID, err)
	}
	return []eventbus.Event{{
		Seq: seq, Ts: time.Now(), Kind: eventbus.KindTxUpdated,
		Payload: map[string]any{
			"tx_id": req.TxID, "type": "PAYMENT", "state": "committed",
			"from": req.From, "to": req.To, "equivalent": req.Equivalent,
			"amount": req.Amount, "edges": patches,
		},
	}}, nil
}

// plan assigns shares greedily over paths shortest-first (already sorted
// by the Router), bottlenecked by each path's residual capacity, until the
// target amount is covered or capacity runs out (§4.3 step 1).
func plan(paths []router.Path, target int64) ([]share, error) {
	var shares []share
	remaining := target
	for _, p := range paths {
		if remaining <= 0 {
			break
		}
		take := p.MinAvailable()
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		shares = append(shares, share{path: p, amount: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("residual capacity insufficient for requested amount: %w", coreerr.ErrInsufficientCapacity)
	}
	return shares, nil
}

// prepare locks every edge across every chosen path in canonical order,
// then applies each share, re-verifying capacity under the lock (§4.3
// step 2). Returns the canonical edge keys touched, for patch building.
func (e *Engine) prepare(ctx context.Context, sess store.Session, equivalent string, shares []share) ([]model.EdgeKey, error) {
	keySet := map[model.EdgeKey]bool{}
	for _, sh := range shares {
		for _, edge := range sh.path.Edges {
			keySet[model.NewEdgeKey(equivalent, edge.From, edge.To)] = true
		}
	}
	keys := make([]model.EdgeKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	if err := sess.LockEdges(ctx, keys); err != nil {
		return nil, err
	}

	for _, sh := range shares {
		for _, edge := range sh.path.Edges {
			tl, ok, err := sess.GetTrustLine(ctx, edge.From, edge.To, equivalent)
			if err != nil {
				return nil, fmt.Errorf("load trustline %s->%s: %w", edge.From, edge.To, err)
			}
			if !ok || tl.Status != model.TrustLineActive {
				return nil, fmt.Errorf("trustline %s->%s not active: %w", edge.From, edge.To, coreerr.ErrFrozen)
			}
			newUsed := tl.Used + sh.amount
			if newUsed > tl.Limit {
				return nil, fmt.Errorf("trustline %s->%s capacity exceeded under lock: %w", edge.From, edge.To, coreerr.ErrInsufficientCapacity)
			}
			tl.Used = newUsed
			if err := sess.PutTrustLine(ctx, tl); err != nil {
				return nil, fmt.Errorf("update trustline %s->%s: %w", edge.From, edge.To, err)
			}

			debt, _, err := sess.GetDebt(ctx, tl.To, tl.From, equivalent)
			if err != nil {
				return nil, fmt.Errorf("load debt %s->%s: %w", tl.To, tl.From, err)
			}
			if debt == nil {
				debt = &model.Debt{Debtor: tl.To, Creditor: tl.From, Equivalent: equivalent}
			}
			debt.Amount = newUsed
			if err := sess.PutDebt(ctx, debt); err != nil {
				return nil, fmt.Errorf("update debt %s->%s: %w", tl.To, tl.From, err)
			}
		}
	}

	return keys, nil
}

func edgeEndpoints(touched []model.EdgeKey, k model.EdgeKey) (string, string) {
	// Canonical keys don't carry direction; the patch builder only needs
	// *a* valid (from, to) so it can look the TrustLine up, and Lo/Hi are
	// the two endpoints regardless of which is creditor.
	return k.Lo, k.Hi
}

func (e *Engine) fail(ctx context.Context, sess store.Session, tx *model.Transaction, kind error, reason string) ([]eventbus.Event, error) {
	return e.failWrapped(ctx, sess, tx, fmt.Errorf("%s: %w", reason, kind))
}

func (e *Engine) failWrapped(ctx context.Context, sess store.Session, tx *model.Transaction, cause error) ([]eventbus.Event, error) {
	tx.State = model.TxRolledBack
	tx.ErrorKind = coreerr.Kind(cause)
	tx.UpdatedAt = time.Now()
	if tx.ErrorKind == "Timeout" {
		tx.State = model.TxFailed
	}
	if err := sess.PutTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("payment %s: mark failed: %w", tx.TxID, err)
	}
	metrics.PaymentsTotal.WithLabelValues("failed").Inc()

	// Even a recoverable cause (Conflict, Frozen) still surfaces a
	// tx.failed event for this tx_id (scenario 6): "recoverable" means the
	// Orchestrator keeps running the rest of the tick, not that this
	// payment's own outcome goes unreported.
	seq, seqErr := e.st.NextEventSeq(ctx)
	if seqErr != nil {
		return nil, fmt.Errorf("payment %s: allocate event seq: %w", tx.TxID, seqErr)
	}
	return []eventbus.Event{{
		Seq: seq, Ts: time.Now(), Kind: eventbus.KindTxFailed,
		Payload: map[string]any{"tx_id": tx.TxID, "reason": tx.ErrorKind},
	}}, nil
}
