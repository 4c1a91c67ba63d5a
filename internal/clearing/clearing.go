// Package clearing implements ClearingEngine (§4.4): it cancels identical
// amounts along closed directed debt cycles, running on its own isolated
// Store session concurrent with payments. Grounded in the teacher's
// credit.Timer periodic-scan shape (a ticker loop that walks a bounded set
// of candidates and applies a bounded number of state changes per pass),
// generalized from "scan overdue credit lines" to "enumerate and clear
// bounded-length debt cycles."
package clearing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/mbd888/credithub/internal/amount"
	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

// Grower lets TrustDriftEngine's growth pass run inside a cycle's
// transaction right after its debt/trustline mutation, per §4.9 step 5
// ("growth has already run inside clearing per-cycle"). Declared here
// rather than importing internal/drift, so clearing does not depend on
// drift's own Store dependency — drift.Engine implements this method.
type Grower interface {
	ApplyGrowth(ctx context.Context, sess store.Session, equivalent string, edges []model.EdgeKey, clearedAmount int64) ([]model.EdgeKey, error)
}

// Config bounds one clearing run (§4.4's cadence policy).
type Config struct {
	CycleLenOnTick   int
	CycleLenPeriodic int
	PeriodicEvery    int
	MaxCyclesPerRun  int
	TimeBudget       time.Duration
}

// Result summarizes one clearing run for metrics and the caller.
type Result struct {
	Applied         int
	SkippedConflict int
	SkippedStale    int
	ClearedAtoms    map[string]int64 // allocated empty by Run and not filled; cleared amounts go to clearing.done events and the cleared-amount metric
}

// Engine runs clearing passes per equivalent.
type Engine struct {
	st        store.Store
	inv       *cacheinvalidator.Invalidator
	patch     *eventbus.PatchBuilder
	grower    Grower
	cfg       Config
	precision func(equivalent string) int
}

// New creates a ClearingEngine. precisionOf resolves an equivalent's
// declared decimal precision for formatting cleared amounts on the wire.
func New(st store.Store, inv *cacheinvalidator.Invalidator, patch *eventbus.PatchBuilder, grower Grower, cfg Config, precisionOf func(equivalent string) int) *Engine {
	return &Engine{st: st, inv: inv, patch: patch, grower: grower, cfg: cfg, precision: precisionOf}
}

type cycle struct {
	nodes []string // n0..n(k-1), implicit edge n(k-1)->n0
}

func (c cycle) canonicalKey() string {
	s := ""
	for _, n := range c.nodes {
		s += n + ">"
	}
	return s
}

// Run enumerates and applies debt cycles for one equivalent. tickIndex
// selects whether the long (5-6 length) periodic cadence is due this call.
func (e *Engine) Run(ctx context.Context, equivalent string, tickIndex int64) ([]eventbus.Event, Result, error) {
	deadline := time.Now().Add(e.cfg.TimeBudget)
	result := Result{ClearedAtoms: map[string]int64{}}

	maxLen := e.cfg.CycleLenOnTick
	if e.cfg.PeriodicEvery > 0 && tickIndex%int64(e.cfg.PeriodicEvery) == 0 && e.cfg.CycleLenPeriodic > maxLen {
		maxLen = e.cfg.CycleLenPeriodic
	}

	candidates, err := e.enumerate(ctx, equivalent, maxLen)
	if err != nil {
		return nil, result, err
	}

	var events []eventbus.Event
	for _, c := range candidates {
		if result.Applied >= e.cfg.MaxCyclesPerRun || time.Now().After(deadline) {
			break
		}
		ev, applied, skippedReason, err := e.applyOne(ctx, equivalent, c)
		if err != nil {
			return events, result, err
		}
		switch {
		case applied:
			result.Applied++
			events = append(events, ev...)
		case skippedReason == "conflict":
			result.SkippedConflict++
			metrics.ClearingCyclesTotal.WithLabelValues("skipped_conflict").Inc()
		case skippedReason == "stale":
			result.SkippedStale++
			metrics.ClearingCyclesTotal.WithLabelValues("skipped_stale").Inc()
		}
	}

	return events, result, nil
}

// enumerate runs a bounded DFS from every seed node in canonical PID
// order, deduplicating by rotation-invariant canonical form, and orders
// candidates by ascending (length, canonical key) per §4.4 step 4.
func (e *Engine) enumerate(ctx context.Context, equivalent string, maxLen int) ([]cycle, error) {
	snap, err := e.st.BeginTick(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: open enumeration snapshot: %w", err)
	}
	defer snap.Rollback(ctx)

	debts, err := snap.ListDebtsByEquivalent(ctx, equivalent)
	if err != nil {
		return nil, fmt.Errorf("clearing: list debts for %s: %w", equivalent, err)
	}

	adj := map[string][]string{}
	nodes := map[string]bool{}
	for _, d := range debts {
		adj[d.Debtor] = append(adj[d.Debtor], d.Creditor)
		nodes[d.Debtor] = true
		nodes[d.Creditor] = true
	}
	for n := range adj {
		sort.Strings(adj[n])
	}

	seeds := make([]string, 0, len(nodes))
	for n := range nodes {
		seeds = append(seeds, n)
	}
	sort.Strings(seeds)

	seen := map[string]bool{}
	var found []cycle

	var dfs func(start, cur string, path []string, visited map[string]bool)
	dfs = func(start, cur string, path []string, visited map[string]bool) {
		if len(path) > maxLen {
			return
		}
		for _, next := range adj[cur] {
			if next == start && len(path) >= 3 {
				c := canonicalize(append(append([]string{}, path...)))
				key := c.canonicalKey()
				if !seen[key] {
					seen[key] = true
					found = append(found, c)
				}
				continue
			}
			if visited[next] || next < start {
				// next < start would have been (or will be) covered as its
				// own seed's canonical rotation; skip to avoid duplicates.
				continue
			}
			if len(path) >= maxLen {
				continue
			}
			visited[next] = true
			dfs(start, next, append(path, next), visited)
			delete(visited, next)
		}
	}

	for _, seed := range seeds {
		dfs(seed, seed, []string{seed}, map[string]bool{seed: true})
	}

	sort.Slice(found, func(i, j int) bool {
		if len(found[i].nodes) != len(found[j].nodes) {
			return len(found[i].nodes) < len(found[j].nodes)
		}
		return found[i].canonicalKey() < found[j].canonicalKey()
	})
	return found, nil
}

// canonicalize rotates a cycle so it starts at its lexicographically
// smallest node, giving a rotation-invariant canonical form (§4.4 step 1).
func canonicalize(nodes []string) cycle {
	minIdx := 0
	for i, n := range nodes {
		if n < nodes[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string{}, nodes[minIdx:]...), nodes[:minIdx]...)
	return cycle{nodes: rotated}
}

// applyOne locks a candidate cycle's edges on a fresh isolated session,
// re-verifies S > 0 under the lock, applies the clearing, and runs growth
// inside the same transaction before commit.
func (e *Engine) applyOne(ctx context.Context, equivalent string, c cycle) ([]eventbus.Event, bool, string, error) {
	sess, err := e.st.BeginClearing(ctx)
	if err != nil {
		return nil, false, "", fmt.Errorf("clearing: open cycle session: %w", err)
	}
	defer sess.Rollback(ctx)

	n := len(c.nodes)
	type edgeRef struct{ debtor, creditor string }
	edges := make([]edgeRef, n)
	for i := 0; i < n; i++ {
		edges[i] = edgeRef{debtor: c.nodes[i], creditor: c.nodes[(i+1)%n]}
	}

	keys := make([]model.EdgeKey, n)
	for i, e := range edges {
		keys[i] = model.NewEdgeKey(equivalent, e.debtor, e.creditor)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	if err := sess.LockEdges(ctx, keys); err != nil {
		if isConflict(err) {
			return nil, false, "conflict", nil
		}
		return nil, false, "", err
	}

	s := int64(-1)
	debts := make([]*model.Debt, n)
	for i, e := range edges {
		d, ok, err := sess.GetDebt(ctx, e.debtor, e.creditor, equivalent)
		if err != nil {
			return nil, false, "", fmt.Errorf("clearing: load debt %s->%s: %w", e.debtor, e.creditor, err)
		}
		if !ok || d.Amount <= 0 {
			return nil, false, "stale", nil
		}
		debts[i] = d
		if s == -1 || d.Amount < s {
			s = d.Amount
		}
	}
	if s <= 0 {
		return nil, false, "stale", nil
	}

	touched := make([]model.EdgeKey, 0, n)
	for i, e := range edges {
		debts[i].Amount -= s
		if err := sess.PutDebt(ctx, debts[i]); err != nil {
			return nil, false, "", fmt.Errorf("clearing: update debt %s->%s: %w", e.debtor, e.creditor, err)
		}
		tl, ok, err := sess.GetTrustLine(ctx, e.creditor, e.debtor, equivalent)
		if err != nil {
			return nil, false, "", fmt.Errorf("clearing: load trustline %s->%s: %w", e.creditor, e.debtor, err)
		}
		if !ok {
			return nil, false, "stale", nil
		}
		tl.Used -= s
		if tl.Used < 0 {
			tl.Used = 0
		}
		if err := sess.PutTrustLine(ctx, tl); err != nil {
			return nil, false, "", fmt.Errorf("clearing: update trustline %s->%s: %w", e.creditor, e.debtor, err)
		}
		touched = append(touched, model.NewEdgeKey(equivalent, e.creditor, e.debtor))
	}

	if e.grower != nil {
		grown, err := e.grower.ApplyGrowth(ctx, sess, equivalent, touched, s)
		if err != nil {
			return nil, false, "", fmt.Errorf("clearing: apply growth: %w", err)
		}
		touched = append(touched, grown...)
	}

	patches, err := e.patch.Scoped(ctx, sess, touched, func(k model.EdgeKey) (string, string) { return k.Lo, k.Hi })
	if err != nil {
		return nil, false, "", fmt.Errorf("clearing: build patch: %w", err)
	}

	if err := sess.Commit(ctx); err != nil {
		return nil, false, "", fmt.Errorf("clearing: commit cycle: %w", err)
	}
	metrics.ClearingCyclesTotal.WithLabelValues("applied").Inc()
	metrics.ClearingClearedAmountAtoms.WithLabelValues(equivalent).Add(float64(s))

	e.inv.Invalidate([]string{equivalent})

	seq, err := e.st.NextEventSeq(ctx)
	if err != nil {
		return nil, false, "", fmt.Errorf("clearing: allocate event seq: %w", err)
	}
	cycleEdges := make([]map[string]string, 0, n)
	for _, e := range edges {
		cycleEdges = append(cycleEdges, map[string]string{"from": e.creditor, "to": e.debtor})
	}
	ev := eventbus.Event{
		Seq: seq, Ts: time.Now(), Kind: eventbus.KindClearingDone,
		Payload: map[string]any{
			"cycle_edges": cycleEdges, "cleared_amount": amount.Format(big.NewInt(s), e.precision(equivalent)), "equivalent": equivalent,
			"edges": patches,
		},
	}
	return []eventbus.Event{ev}, true, "", nil
}

func isConflict(err error) bool {
	return errors.Is(err, coreerr.ErrConflict)
}
