// Package cacheinvalidator is the single choke point through which any
// other component invalidates Router's and PatchBuilder's caches (§4.7).
// No other package may reach into Router internals; this constrains cache
// invalidation bugs to one module.
package cacheinvalidator

// RouterCache is the subset of Router's interface this package depends
// on, so cacheinvalidator doesn't import internal/router and create a
// cycle back from router's own callers.
type RouterCache interface {
	BumpGeneration(equivalent string)
}

// VizCache drops cached visualisation width quantiles for an equivalent.
// Optional: a nil VizCache means no visualisation layer is wired in this
// process (e.g. a headless tick-only deployment).
type VizCache interface {
	DropQuantiles(equivalent string)
}

// Invalidator is the single function call every other component uses to
// invalidate Router/PatchBuilder caches after InjectExecutor, ClearingEngine
// or TrustDriftEngine finish touching an equivalent.
type Invalidator struct {
	router RouterCache
	viz    VizCache
}

// New creates an Invalidator. viz may be nil.
func New(router RouterCache, viz VizCache) *Invalidator {
	return &Invalidator{router: router, viz: viz}
}

// Invalidate bumps the Router cache generation and drops viz quantiles for
// every affected equivalent. Duplicate equivalents are harmless (bumping
// twice is idempotent from a correctness standpoint: the cache key simply
// moves to a higher generation).
func (inv *Invalidator) Invalidate(affectedEquivalents []string) {
	for _, eq := range affectedEquivalents {
		inv.router.BumpGeneration(eq)
		if inv.viz != nil {
			inv.viz.DropQuantiles(eq)
		}
	}
}
