// Package router finds candidate TrustLine paths for a payment by BFS over
// the reverse trust graph (§4.2), with a per-equivalent adjacency cache
// keyed by generation so invalidation is a single counter bump rather than
// a cache flush. There is no teacher analogue for multi-hop routing
// (alancoin is single-hop); the adjacency-cache shape is grounded in
// LeJamon-goXRPLd's use of hashicorp/golang-lru/v2 for a path/account
// cache keyed by a version counter, the same invalidate-by-bump idiom
// used here.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

// Edge is one hop of a candidate path, always in TrustLine direction
// (From=creditor, To=debtor).
type Edge struct {
	From, To   string
	Equivalent string
	Available  int64
}

// Path is a sequence of Edges from sender-side to receiver-side, each in
// TrustLine-edge terms; traversal for payment purposes goes debtor→creditor,
// i.e. Path[0] is incident to the sender.
type Path struct {
	Edges []Edge
}

// MinAvailable returns the path's bottleneck capacity.
func (p Path) MinAvailable() int64 {
	min := int64(-1)
	for _, e := range p.Edges {
		if min == -1 || e.Available < min {
			min = e.Available
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// Key returns a deterministic lexical key for tie-breaking equal-length
// paths, per §4.2.
func (p Path) Key() string {
	s := ""
	for _, e := range p.Edges {
		s += e.From + ">" + e.To + ";"
	}
	return s
}

// Request describes a routing query.
type Request struct {
	Sender, Receiver, Equivalent string
	KMax, HopMax                 int
}

type adjacency struct {
	// byDebtor maps a debtor PID to the TrustLine edges where it is the
	// debtor, i.e. the edges it can route payments toward its creditors
	// over. This is the reverse trust graph of §4.2.
	byDebtor map[string][]Edge
}

type cacheKey struct {
	equivalent string
	generation int64
}

// Router answers FindPaths queries against a cached adjacency snapshot.
type Router struct {
	st    store.Store
	cache *lru.Cache[cacheKey, *adjacency]

	mu          sync.Mutex
	generations map[string]int64
}

// New creates a Router backed by st, caching up to cacheSize adjacency
// snapshots (one per (equivalent, generation) pair actually touched).
func New(st store.Store, cacheSize int) (*Router, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	c, err := lru.New[cacheKey, *adjacency](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("router: new lru cache: %w", err)
	}
	return &Router{
		st:          st,
		cache:       c,
		generations: make(map[string]int64),
	}, nil
}

// BumpGeneration invalidates the cached adjacency for equivalent. Only
// CacheInvalidator may call this (§4.7): no other component touches
// Router internals.
func (r *Router) BumpGeneration(equivalent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[equivalent]++
}

func (r *Router) generation(equivalent string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[equivalent]
}

func (r *Router) adjacencyFor(ctx context.Context, equivalent string) (*adjacency, error) {
	key := cacheKey{equivalent: equivalent, generation: r.generation(equivalent)}
	if adj, ok := r.cache.Get(key); ok {
		metrics.RouterCacheHitsTotal.Inc()
		return adj, nil
	}
	metrics.RouterCacheMissesTotal.Inc()

	sess, err := r.st.BeginTick(ctx)
	if err != nil {
		return nil, fmt.Errorf("router: open snapshot session: %w", err)
	}
	defer sess.Rollback(ctx)

	lines, err := sess.ListTrustLinesByEquivalent(ctx, equivalent)
	if err != nil {
		return nil, fmt.Errorf("router: list trustlines for %s: %w", equivalent, err)
	}

	adj := &adjacency{byDebtor: make(map[string][]Edge)}
	for _, tl := range lines {
		if tl.Status != model.TrustLineActive {
			continue
		}
		avail := tl.Available()
		if avail <= 0 {
			continue
		}
		adj.byDebtor[tl.To] = append(adj.byDebtor[tl.To], Edge{
			From: tl.From, To: tl.To, Equivalent: equivalent, Available: avail,
		})
	}
	for debtor := range adj.byDebtor {
		sort.Slice(adj.byDebtor[debtor], func(i, j int) bool {
			return adj.byDebtor[debtor][i].From < adj.byDebtor[debtor][j].From
		})
	}

	r.cache.Add(key, adj)
	return adj, nil
}

// FindPaths runs BFS from req.Sender over the reverse trust graph,
// restricted to active TrustLines with residual capacity, yielding
// shortest paths first up to req.KMax or req.HopMax hops, lexically
// tie-broken for determinism.
func (r *Router) FindPaths(ctx context.Context, req Request) ([]Path, error) {
	if req.Sender == req.Receiver {
		return nil, fmt.Errorf("router: sender equals receiver: %w", coreerr.ErrInvalidRequest)
	}
	kMax := req.KMax
	if kMax <= 0 {
		kMax = 1
	}
	hopMax := req.HopMax
	if hopMax <= 0 {
		hopMax = 1
	}

	adj, err := r.adjacencyFor(ctx, req.Equivalent)
	if err != nil {
		return nil, err
	}

	type frontierEntry struct {
		node string
		path []Edge
	}
	queue := []frontierEntry{{node: req.Sender}}
	var found []Path
	visitedAtHop := map[string]int{req.Sender: 0}

	for len(queue) > 0 && len(found) < kMax {
		cur := queue[0]
		queue = queue[1:]

		if len(cur.path) >= hopMax {
			continue
		}

		edges := append([]Edge(nil), adj.byDebtor[cur.node]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i].From < edges[j].From })

		for _, e := range edges {
			if containsNode(cur.path, e.From) {
				continue // no repeated nodes on a path
			}
			nextPath := append(append([]Edge(nil), cur.path...), e)
			if e.From == req.Receiver {
				found = append(found, Path{Edges: nextPath})
				if len(found) >= kMax {
					break
				}
				continue
			}
			hop := len(nextPath)
			if prev, ok := visitedAtHop[e.From]; ok && prev <= hop {
				continue
			}
			visitedAtHop[e.From] = hop
			queue = append(queue, frontierEntry{node: e.From, path: nextPath})
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("no path from %s to %s in %s: %w", req.Sender, req.Receiver, req.Equivalent, coreerr.ErrNoPath)
	}

	sort.Slice(found, func(i, j int) bool {
		if len(found[i].Edges) != len(found[j].Edges) {
			return len(found[i].Edges) < len(found[j].Edges)
		}
		return found[i].Key() < found[j].Key()
	})
	return found, nil
}

func containsNode(path []Edge, pid string) bool {
	for _, e := range path {
		if e.From == pid || e.To == pid {
			return true
		}
	}
	return false
}
