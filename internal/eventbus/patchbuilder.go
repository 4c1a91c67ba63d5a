package eventbus

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/credithub/internal/amount"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

func bigFromInt64(v int64) *big.Int { return big.NewInt(v) }

// EdgePatch is the fresh view of one TrustLine edge, always in TrustLine
// direction (from=creditor, to=debtor, §4.8's edge reference convention).
type EdgePatch struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
	Limit      string `json:"limit"`
	Used       string `json:"used"`
	Available  string `json:"available"`
}

// PatchBuilder computes edge patches from fresh store state. It never
// returns an empty patch list for edges it was asked to look up and that
// still exist; callers must skip emitting an event when the returned
// slice is empty (P7: no empty topology event).
type PatchBuilder struct {
	precisions func(equivalent string) int
}

// New creates a PatchBuilder. precisionOf resolves an equivalent's
// declared decimal precision for formatting amounts on the wire.
func New(precisionOf func(equivalent string) int) *PatchBuilder {
	return &PatchBuilder{precisions: precisionOf}
}

// Scoped builds patches for exactly the edges named, in the order given —
// the mode used by PaymentEngine/ClearingEngine/InjectExecutor commits.
// endpoints gives a candidate (from, to) direction, but a TrustLine is
// stored under its actual creditor->debtor direction, which may be the
// reverse of that candidate (e.g. a canonical EdgeKey's Lo/Hi ordering has
// no relation to which side is creditor); a miss falls back to the
// reversed lookup before giving up, the same two-direction probe
// ApplyGrowth uses.
func (pb *PatchBuilder) Scoped(ctx context.Context, sess store.Session, edges []model.EdgeKey, endpoints func(model.EdgeKey) (from, to string)) ([]EdgePatch, error) {
	var out []EdgePatch
	for _, k := range edges {
		from, to := endpoints(k)
		tl, ok, err := sess.GetTrustLine(ctx, from, to, k.Equivalent)
		if err != nil {
			return nil, fmt.Errorf("patch builder: get trustline %s->%s/%s: %w", from, to, k.Equivalent, err)
		}
		if !ok {
			tl, ok, err = sess.GetTrustLine(ctx, to, from, k.Equivalent)
			if err != nil {
				return nil, fmt.Errorf("patch builder: get trustline %s->%s/%s: %w", to, from, k.Equivalent, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, pb.fromTrustLine(tl))
	}
	return out, nil
}

// FullEquivalent rebuilds patches for every TrustLine in an equivalent,
// for callers that need the whole equivalent rather than a scoped set of
// edges. Payment, clearing and drift growth all use Scoped instead.
func (pb *PatchBuilder) FullEquivalent(ctx context.Context, sess store.Session, equivalent string) ([]EdgePatch, error) {
	lines, err := sess.ListTrustLinesByEquivalent(ctx, equivalent)
	if err != nil {
		return nil, fmt.Errorf("patch builder: list trustlines for %s: %w", equivalent, err)
	}
	out := make([]EdgePatch, 0, len(lines))
	for _, tl := range lines {
		out = append(out, pb.fromTrustLine(tl))
	}
	return out, nil
}

func (pb *PatchBuilder) fromTrustLine(tl *model.TrustLine) EdgePatch {
	p := pb.precisions(tl.Equivalent)
	return EdgePatch{
		From:       tl.From,
		To:         tl.To,
		Equivalent: tl.Equivalent,
		Limit:      amount.Format(bigFromInt64(tl.Limit), p),
		Used:       amount.Format(bigFromInt64(tl.Used), p),
		Available:  amount.Format(bigFromInt64(tl.Available()), p),
	}
}
