// Package inject implements InjectExecutor (§4.6): applies an ordered
// stream of scenario events — add_participant, create_trustline,
// close_trustline, freeze_participant, inject_debt, note — against the
// outer tick session, idempotently by event index. Grounded in the
// teacher's escrow.MultiStepService idempotency-by-key discipline
// (internal/escrow), generalized from "replay a payment step" to "replay
// a scenario event."
package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

// Op names the supported scenario event operations.
type Op string

const (
	OpAddParticipant  Op = "add_participant"
	OpCreateTrustline Op = "create_trustline"
	OpCloseTrustline  Op = "close_trustline"
	OpFreeze          Op = "freeze_participant"
	OpInjectDebt      Op = "inject_debt"
	OpNote            Op = "note"
)

// InitialTrustline is one entry of add_participant's initial_trustlines.
type InitialTrustline struct {
	Direction  string // "outgoing" (this participant extends trust) or "incoming"
	Peer       string
	Equivalent string
	Limit      int64
}

// Event is one scheduled scenario event (§4.6). Index must be
// monotonically increasing across the whole scenario stream.
type Event struct {
	Index      int64
	Op         Op
	PID        string
	Type       model.ParticipantType
	InitialTL  []InitialTrustline
	From, To   string
	Equivalent string
	Limit      int64
	Amount     int64
	Message    string
}

// Result summarizes one batch of applied/skipped events (§4.6).
type Result struct {
	AffectedEquivalents   []string
	NewParticipants       []string
	NewTrustlines         []model.EdgeKey
	FrozenPIDs            []string
	FrozenEdges           []model.EdgeKey
	InjectDebtEquivalents []string
	InjectDebtEdgesByEq   map[string][]model.EdgeKey
	Applied               int
	Skipped               int
	TotalApplied          int
}

func newResult() *Result {
	return &Result{InjectDebtEdgesByEq: map[string][]model.EdgeKey{}}
}

func (r *Result) addEquivalent(eq string) {
	for _, e := range r.AffectedEquivalents {
		if e == eq {
			return
		}
	}
	r.AffectedEquivalents = append(r.AffectedEquivalents, eq)
}

// Executor applies scenario events.
type Executor struct{}

// New creates an InjectExecutor.
func New() *Executor {
	return &Executor{}
}

// Apply runs every due event against sess in order, skipping any index
// already marked fired (crash-safe replay).
func (x *Executor) Apply(ctx context.Context, sess store.Session, events []Event) (*Result, error) {
	result := newResult()
	for _, ev := range events {
		alreadyFired, err := sess.MarkScenarioEventFired(ctx, ev.Index)
		if err != nil {
			return nil, fmt.Errorf("inject: mark event %d fired: %w", ev.Index, err)
		}
		if alreadyFired {
			result.Skipped++
			continue
		}
		if err := x.applyOne(ctx, sess, ev, result); err != nil {
			return nil, fmt.Errorf("inject: apply event %d (%s): %w", ev.Index, ev.Op, err)
		}
		result.Applied++
		result.TotalApplied++
		metrics.InjectEventsAppliedTotal.WithLabelValues(string(ev.Op)).Inc()
	}
	return result, nil
}

func (x *Executor) applyOne(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	switch ev.Op {
	case OpAddParticipant:
		return x.addParticipant(ctx, sess, ev, result)
	case OpCreateTrustline:
		return x.createTrustline(ctx, sess, ev, result)
	case OpCloseTrustline:
		return x.closeTrustline(ctx, sess, ev, result)
	case OpFreeze:
		return x.freezeParticipant(ctx, sess, ev, result)
	case OpInjectDebt:
		return x.injectDebt(ctx, sess, ev, result)
	case OpNote:
		return nil // audit-only, no mutation
	default:
		return fmt.Errorf("unknown scenario op %q: %w", ev.Op, coreerr.ErrInvalidRequest)
	}
}

func (x *Executor) addParticipant(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	now := time.Now()
	p := &model.Participant{PID: ev.PID, Type: ev.Type, Status: model.ParticipantActive, CreatedAt: now}
	if err := sess.PutParticipant(ctx, p); err != nil {
		return err
	}
	result.NewParticipants = append(result.NewParticipants, ev.PID)

	for _, tl := range ev.InitialTL {
		from, to := ev.PID, tl.Peer
		if tl.Direction == "incoming" {
			from, to = tl.Peer, ev.PID
		}
		line := &model.TrustLine{
			From: from, To: to, Equivalent: tl.Equivalent,
			Limit: tl.Limit, Used: 0, Status: model.TrustLineActive, CreatedAt: now,
		}
		if err := sess.PutTrustLine(ctx, line); err != nil {
			return err
		}
		result.NewTrustlines = append(result.NewTrustlines, model.NewEdgeKey(tl.Equivalent, from, to))
		result.addEquivalent(tl.Equivalent)
	}
	return nil
}

// createTrustline is idempotent by (from, to, equivalent): re-applying the
// same triple just overwrites limit, it does not error.
func (x *Executor) createTrustline(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	existing, ok, err := sess.GetTrustLine(ctx, ev.From, ev.To, ev.Equivalent)
	if err != nil {
		return err
	}
	if ok {
		existing.Limit = ev.Limit
		if err := sess.PutTrustLine(ctx, existing); err != nil {
			return err
		}
	} else {
		if err := sess.PutTrustLine(ctx, &model.TrustLine{
			From: ev.From, To: ev.To, Equivalent: ev.Equivalent,
			Limit: ev.Limit, Used: 0, Status: model.TrustLineActive, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
	}
	result.NewTrustlines = append(result.NewTrustlines, model.NewEdgeKey(ev.Equivalent, ev.From, ev.To))
	result.addEquivalent(ev.Equivalent)
	return nil
}

func (x *Executor) closeTrustline(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	tl, ok, err := sess.GetTrustLine(ctx, ev.From, ev.To, ev.Equivalent)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	debt, ok, err := sess.GetDebt(ctx, tl.To, tl.From, ev.Equivalent)
	if err != nil {
		return err
	}
	if ok && debt.Amount != 0 {
		return fmt.Errorf("close_trustline %s->%s: outstanding debt %d: %w", ev.From, ev.To, debt.Amount, coreerr.ErrNotEmpty)
	}
	tl.Status = model.TrustLineClosed
	if err := sess.PutTrustLine(ctx, tl); err != nil {
		return err
	}
	result.addEquivalent(ev.Equivalent)
	return nil
}

// freezeParticipant marks the participant suspended and every incident
// TrustLine frozen; used/Debt values are preserved.
func (x *Executor) freezeParticipant(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	p, ok, err := sess.GetParticipant(ctx, ev.PID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("freeze_participant %s: unknown participant: %w", ev.PID, coreerr.ErrInvalidRequest)
	}
	p.Status = model.ParticipantSuspended
	if err := sess.PutParticipant(ctx, p); err != nil {
		return err
	}
	result.FrozenPIDs = append(result.FrozenPIDs, ev.PID)

	lines, err := sess.ListTrustLinesByParticipant(ctx, ev.PID)
	if err != nil {
		return err
	}
	for _, tl := range lines {
		if tl.Status != model.TrustLineActive {
			continue
		}
		tl.Status = model.TrustLineFrozen
		if err := sess.PutTrustLine(ctx, tl); err != nil {
			return err
		}
		result.FrozenEdges = append(result.FrozenEdges, model.NewEdgeKey(tl.Equivalent, tl.From, tl.To))
		result.addEquivalent(tl.Equivalent)
	}
	return nil
}

// injectDebt sets Debt(debtor,creditor,equivalent) to amount, rejecting
// any value that would violate I1 (Debt must equal the paired TrustLine's
// Used, and Used must stay within [0, Limit]).
func (x *Executor) injectDebt(ctx context.Context, sess store.Session, ev Event, result *Result) error {
	if ev.Amount < 0 {
		return fmt.Errorf("inject_debt %s->%s: negative amount: %w", ev.Debtor(), ev.Creditor(), coreerr.ErrInvalidRequest)
	}
	tl, ok, err := sess.GetTrustLine(ctx, ev.To, ev.From, ev.Equivalent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inject_debt %s->%s: no paired trustline: %w", ev.From, ev.To, coreerr.ErrInvalidRequest)
	}
	if ev.Amount > tl.Limit {
		return fmt.Errorf("inject_debt %s->%s: amount %d exceeds paired trustline limit %d: %w", ev.From, ev.To, ev.Amount, tl.Limit, coreerr.ErrInsufficientCapacity)
	}

	tl.Used = ev.Amount
	if err := sess.PutTrustLine(ctx, tl); err != nil {
		return err
	}
	debt, _, err := sess.GetDebt(ctx, ev.From, ev.To, ev.Equivalent)
	if err != nil {
		return err
	}
	if debt == nil {
		debt = &model.Debt{Debtor: ev.From, Creditor: ev.To, Equivalent: ev.Equivalent}
	}
	debt.Amount = ev.Amount
	if err := sess.PutDebt(ctx, debt); err != nil {
		return err
	}

	result.InjectDebtEquivalents = append(result.InjectDebtEquivalents, ev.Equivalent)
	key := model.NewEdgeKey(ev.Equivalent, ev.From, ev.To)
	result.InjectDebtEdgesByEq[ev.Equivalent] = append(result.InjectDebtEdgesByEq[ev.Equivalent], key)
	result.addEquivalent(ev.Equivalent)
	return nil
}

// Debtor/Creditor name inject_debt's From/To fields by role: From is the
// debtor, To is the creditor (mirrors model.Debt's field order).
func (ev Event) Debtor() string   { return ev.From }
func (ev Event) Creditor() string { return ev.To }
