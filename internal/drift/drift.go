// Package drift implements TrustDriftEngine (§4.5): growth of credit lines
// that clearing keeps using, and decay of credit lines nobody uses. Policy
// is a tier table of rates/thresholds/floors, grounded in the teacher's
// credit.Scorer tier-policy table (internal/credit/scorer.go), generalized
// from "reputation tier -> credit limit" to "equivalent -> drift policy."
package drift

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/credithub/internal/amount"
	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

// Policy is one equivalent's drift configuration (§4.5 Init).
type Policy struct {
	GrowthFactor         float64 // > 1.0, e.g. 1.10
	GrowthThresholdAtoms int64   // cumulative cleared volume that triggers one growth step
	LimitMax             int64   // growth never pushes a limit above this

	DecayFactor float64       // < 1.0, e.g. 0.90
	IdleAfter   time.Duration // used=0 for longer than this triggers decay
	LimitMin    int64         // decay never pushes a limit below this
}

// DefaultPolicy is used for any equivalent with no explicit scenario policy.
var DefaultPolicy = Policy{
	GrowthFactor: 1.10, GrowthThresholdAtoms: 0, LimitMax: 1 << 50,
	DecayFactor: 0.90, IdleAfter: 24 * time.Hour, LimitMin: 0,
}

type edgeHistory struct {
	cumulativeCleared int64
	lastActivity      time.Time
}

// Result summarizes one growth or decay pass.
type Result struct {
	UpdatedCount       int
	TouchedEquivalents []string
	TouchedEdgesByEq   map[string][]model.EdgeKey
}

// Engine runs growth (in-cycle, via ApplyGrowth) and decay (per-tick, via
// Decay) over TrustLine limits.
type Engine struct {
	st       store.Store
	inv      *cacheinvalidator.Invalidator
	patch    *eventbus.PatchBuilder
	policies map[string]Policy

	mu      sync.Mutex
	history map[model.EdgeKey]*edgeHistory
}

// New creates a TrustDriftEngine. policies maps equivalent code to Policy;
// an equivalent absent from the map uses DefaultPolicy.
func New(st store.Store, inv *cacheinvalidator.Invalidator, patch *eventbus.PatchBuilder, policies map[string]Policy) *Engine {
	return &Engine{st: st, inv: inv, patch: patch, policies: policies, history: map[model.EdgeKey]*edgeHistory{}}
}

func (e *Engine) policyFor(equivalent string) Policy {
	if p, ok := e.policies[equivalent]; ok {
		return p
	}
	return DefaultPolicy
}

// Touch records clearing/payment activity on an edge, resetting its idle
// clock. Both PaymentEngine and ClearingEngine call this after mutating an
// edge's Used, so Decay's idle-since measurement reflects real traffic
// rather than process-start time.
func (e *Engine) Touch(edges []model.EdgeKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for _, k := range edges {
		h := e.history[k]
		if h == nil {
			h = &edgeHistory{}
			e.history[k] = h
		}
		h.lastActivity = now
	}
}

// ApplyGrowth runs inside a clearing cycle's own transaction, right after
// its debt/trustline mutation (§4.9 step 5, §4.5 Growth). It adds
// clearedAmount to each touched edge's cumulative cleared counter and,
// once the counter reaches the threshold, grows the edge's limit by the
// policy factor (capped at LimitMax), resetting the counter to zero. The
// counter has no time window: cleared amounts are never aged out, only
// reset by a growth step. Returns the edge
// keys whose limit actually changed, for patch building.
func (e *Engine) ApplyGrowth(ctx context.Context, sess store.Session, equivalent string, edges []model.EdgeKey, clearedAmount int64) ([]model.EdgeKey, error) {
	pol := e.policyFor(equivalent)
	e.Touch(edges)

	var grown []model.EdgeKey
	e.mu.Lock()
	toGrow := make([]model.EdgeKey, 0, len(edges))
	for _, k := range edges {
		h := e.history[k]
		h.cumulativeCleared += clearedAmount
		if h.cumulativeCleared >= pol.GrowthThresholdAtoms {
			h.cumulativeCleared = 0
			toGrow = append(toGrow, k)
		}
	}
	e.mu.Unlock()

	for _, k := range toGrow {
		tl, ok, err := sess.GetTrustLine(ctx, k.Lo, k.Hi, equivalent)
		if err != nil {
			return nil, fmt.Errorf("drift: load trustline %s-%s: %w", k.Lo, k.Hi, err)
		}
		if !ok {
			tl, ok, err = sess.GetTrustLine(ctx, k.Hi, k.Lo, equivalent)
			if err != nil {
				return nil, fmt.Errorf("drift: load trustline %s-%s: %w", k.Hi, k.Lo, err)
			}
			if !ok {
				continue
			}
		}
		newLimit := amount.ApplyFactor(big.NewInt(tl.Limit), pol.GrowthFactor, nil).Int64()
		if newLimit > pol.LimitMax {
			newLimit = pol.LimitMax
		}
		if newLimit == tl.Limit {
			continue
		}
		tl.Limit = newLimit
		if err := sess.PutTrustLine(ctx, tl); err != nil {
			return nil, fmt.Errorf("drift: grow trustline %s->%s: %w", tl.From, tl.To, err)
		}
		grown = append(grown, k)
		metrics.TrustLineLimitGrowthTotal.WithLabelValues(equivalent).Inc()
	}

	return grown, nil
}

// Decay runs once per tick on the session sess (§4.9 step 5, §4.5 Decay).
// The Orchestrator passes a fresh session opened after the tick session
// has committed, so decay does not share the tick's transaction:
// for every active TrustLine idle (used = 0) longer than the policy's
// IdleAfter, shrink its limit toward LimitMin. Emits one topology.changed
// per equivalent that actually changed; an equivalent with no visible
// change emits nothing (P7).
func (e *Engine) Decay(ctx context.Context, sess store.Session, equivalents []string) ([]eventbus.Event, Result, error) {
	result := Result{TouchedEdgesByEq: map[string][]model.EdgeKey{}}
	var events []eventbus.Event
	now := time.Now()

	for _, eq := range equivalents {
		pol := e.policyFor(eq)
		lines, err := sess.ListTrustLinesByEquivalent(ctx, eq)
		if err != nil {
			return events, result, fmt.Errorf("drift: list trustlines for %s: %w", eq, err)
		}

		var touched []model.EdgeKey
		for _, tl := range lines {
			if tl.Status != model.TrustLineActive || tl.Used != 0 {
				continue
			}
			key := model.NewEdgeKey(eq, tl.From, tl.To)

			e.mu.Lock()
			h := e.history[key]
			e.mu.Unlock()
			idleSince := tl.CreatedAt
			if h != nil && !h.lastActivity.IsZero() {
				idleSince = h.lastActivity
			}
			if now.Sub(idleSince) < pol.IdleAfter {
				continue
			}

			floor := big.NewInt(pol.LimitMin)
			if tl.Used > pol.LimitMin {
				floor = big.NewInt(tl.Used)
			}
			newLimit := amount.ApplyFactor(big.NewInt(tl.Limit), pol.DecayFactor, floor).Int64()
			if newLimit < tl.Used {
				newLimit = tl.Used
			}
			if newLimit == tl.Limit {
				continue
			}
			tl.Limit = newLimit
			if err := sess.PutTrustLine(ctx, tl); err != nil {
				return events, result, fmt.Errorf("drift: decay trustline %s->%s: %w", tl.From, tl.To, err)
			}
			touched = append(touched, key)
			metrics.TrustLineLimitDecayTotal.WithLabelValues(eq).Inc()
		}

		if len(touched) == 0 {
			continue
		}

		patches, err := e.patch.Scoped(ctx, sess, touched, func(k model.EdgeKey) (string, string) { return k.Lo, k.Hi })
		if err != nil {
			return events, result, fmt.Errorf("drift: build patch for %s: %w", eq, err)
		}
		if len(patches) == 0 {
			continue
		}

		e.inv.Invalidate([]string{eq})
		result.UpdatedCount += len(touched)
		result.TouchedEquivalents = append(result.TouchedEquivalents, eq)
		result.TouchedEdgesByEq[eq] = touched

		seq, err := e.st.NextEventSeq(ctx)
		if err != nil {
			return events, result, fmt.Errorf("drift: allocate event seq: %w", err)
		}
		events = append(events, eventbus.Event{
			Seq: seq, Ts: time.Now(), Kind: eventbus.KindTopologyChanged,
			Payload: map[string]any{"reason": "drift_decay", "equivalent": eq, "edge_patch": patches},
		})
	}

	return events, result, nil
}
