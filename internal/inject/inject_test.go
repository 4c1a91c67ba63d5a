package inject

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

func TestExecutor_AddParticipant_CreatesInitialTrustlines(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	x := New()

	result, err := x.Apply(ctx, sess, []Event{{
		Index: 1, Op: OpAddParticipant, PID: "A", Type: model.ParticipantPerson,
		InitialTL: []InitialTrustline{
			{Direction: "outgoing", Peer: "B", Equivalent: "UAH", Limit: 1000},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if result.Applied != 1 || len(result.NewParticipants) != 1 {
		t.Fatalf("result = %+v", result)
	}
	verify, _ := st.BeginTick(ctx)
	p, ok, err := verify.GetParticipant(ctx, "A")
	if err != nil || !ok || p.Status != model.ParticipantActive {
		t.Fatalf("GetParticipant = %v ok=%v err=%v", p, ok, err)
	}
	tl, ok, err := verify.GetTrustLine(ctx, "A", "B", "UAH")
	if err != nil || !ok || tl.Limit != 1000 {
		t.Fatalf("GetTrustLine(A,B) = %v ok=%v err=%v, want limit 1000", tl, ok, err)
	}
}

func TestExecutor_ReplaySkipsFiredIndex(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	x := New()
	ev := []Event{{Index: 7, Op: OpAddParticipant, PID: "A", Type: model.ParticipantPerson}}

	sess1, _ := st.BeginTick(ctx)
	if _, err := x.Apply(ctx, sess1, ev); err != nil {
		t.Fatal(err)
	}
	if err := sess1.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sess2, _ := st.BeginTick(ctx)
	result, err := x.Apply(ctx, sess2, ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if result.Applied != 0 || result.Skipped != 1 {
		t.Fatalf("replay result = %+v, want Applied=0 Skipped=1", result)
	}
}

func TestExecutor_CloseTrustline_FailsWithOutstandingDebt(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	if err := sess.PutTrustLine(ctx, &model.TrustLine{From: "A", To: "B", Equivalent: "UAH", Limit: 1000, Used: 200, Status: model.TrustLineActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.PutDebt(ctx, &model.Debt{Debtor: "B", Creditor: "A", Equivalent: "UAH", Amount: 200}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sess2, _ := st.BeginTick(ctx)
	x := New()
	_, err := x.Apply(ctx, sess2, []Event{{Index: 1, Op: OpCloseTrustline, From: "A", To: "B", Equivalent: "UAH"}})
	if err == nil || !errors.Is(err, coreerr.ErrNotEmpty) {
		t.Fatalf("err = %v, want wrapped ErrNotEmpty", err)
	}
}

func TestExecutor_FreezeParticipant_FreezesIncidentEdges(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	if err := sess.PutParticipant(ctx, &model.Participant{PID: "A", Status: model.ParticipantActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.PutTrustLine(ctx, &model.TrustLine{From: "A", To: "B", Equivalent: "UAH", Limit: 1000, Status: model.TrustLineActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.PutTrustLine(ctx, &model.TrustLine{From: "C", To: "A", Equivalent: "UAH", Limit: 500, Status: model.TrustLineActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sess2, _ := st.BeginTick(ctx)
	x := New()
	result, err := x.Apply(ctx, sess2, []Event{{Index: 1, Op: OpFreeze, PID: "A"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(result.FrozenEdges) != 2 {
		t.Fatalf("FrozenEdges = %+v, want 2", result.FrozenEdges)
	}

	verify, _ := st.BeginTick(ctx)
	p, _, _ := verify.GetParticipant(ctx, "A")
	if p.Status != model.ParticipantSuspended {
		t.Errorf("Participant.Status = %v, want suspended", p.Status)
	}
	ab, _, _ := verify.GetTrustLine(ctx, "A", "B", "UAH")
	ca, _, _ := verify.GetTrustLine(ctx, "C", "A", "UAH")
	if ab.Status != model.TrustLineFrozen || ca.Status != model.TrustLineFrozen {
		t.Errorf("A->B=%v C->A=%v, want both frozen", ab.Status, ca.Status)
	}
}

func TestExecutor_InjectDebt_RejectsOverLimit(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	if err := sess.PutTrustLine(ctx, &model.TrustLine{From: "B", To: "A", Equivalent: "UAH", Limit: 1000, Status: model.TrustLineActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sess2, _ := st.BeginTick(ctx)
	x := New()
	_, err := x.Apply(ctx, sess2, []Event{{Index: 1, Op: OpInjectDebt, From: "A", To: "B", Equivalent: "UAH", Amount: 5000}})
	if err == nil || !errors.Is(err, coreerr.ErrInsufficientCapacity) {
		t.Fatalf("err = %v, want wrapped ErrInsufficientCapacity", err)
	}
}

func TestExecutor_InjectDebt_SetsDebtAndTrustlineUsed(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	if err := sess.PutTrustLine(ctx, &model.TrustLine{From: "B", To: "A", Equivalent: "UAH", Limit: 1000, Status: model.TrustLineActive}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	sess2, _ := st.BeginTick(ctx)
	x := New()
	result, err := x.Apply(ctx, sess2, []Event{{Index: 1, Op: OpInjectDebt, From: "A", To: "B", Equivalent: "UAH", Amount: 300}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(result.InjectDebtEdgesByEq["UAH"]) != 1 {
		t.Fatalf("InjectDebtEdgesByEq = %+v", result.InjectDebtEdgesByEq)
	}

	verify, _ := st.BeginTick(ctx)
	debt, ok, err := verify.GetDebt(ctx, "A", "B", "UAH")
	if err != nil || !ok || debt.Amount != 300 {
		t.Fatalf("GetDebt(A,B) = %v ok=%v err=%v, want amount 300", debt, ok, err)
	}
	tl, _, _ := verify.GetTrustLine(ctx, "B", "A", "UAH")
	if tl.Used != 300 {
		t.Errorf("TrustLine(B,A).Used = %d, want 300", tl.Used)
	}
}

func TestExecutor_Note_IsAuditOnly(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.BeginTick(ctx)
	x := New()
	result, err := x.Apply(ctx, sess, []Event{{Index: 1, Op: OpNote, Message: "seeding demo network"}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1 (note still counts as applied, just mutates nothing)", result.Applied)
	}
}
