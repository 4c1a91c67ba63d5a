package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/store"
)

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

func endpoints(k model.EdgeKey) (string, string) { return k.Lo, k.Hi }

func TestPatchBuilder_Scoped_BuildsRequestedEdgesOnly(t *testing.T) {
	st := store.NewMemoryStore()
	putTrustLine(t, st, "A", "B", "UAH", 100000, 25000)
	putTrustLine(t, st, "B", "C", "UAH", 50000, 10000)

	pb := New(func(string) int { return 2 })
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback(ctx)

	patches, err := pb.Scoped(ctx, sess, []model.EdgeKey{model.NewEdgeKey("UAH", "A", "B")}, endpoints)
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 1 {
		t.Fatalf("patches = %+v, want exactly the A-B edge", patches)
	}
	if patches[0].Limit != "1000.00" || patches[0].Used != "250.00" || patches[0].Available != "750.00" {
		t.Errorf("patch = %+v, want Limit=1000.00 Used=250.00 Available=750.00", patches[0])
	}
}

// When the creditor PID is lexically greater than the debtor PID, the
// TrustLine is stored in the reverse of the canonical EdgeKey's (Lo, Hi)
// order; Scoped must still find it.
func TestPatchBuilder_Scoped_FindsReverseDirectionTrustLine(t *testing.T) {
	st := store.NewMemoryStore()
	putTrustLine(t, st, "B", "A", "UAH", 100000, 25000) // creditor B, debtor A: B > A

	pb := New(func(string) int { return 2 })
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback(ctx)

	patches, err := pb.Scoped(ctx, sess, []model.EdgeKey{model.NewEdgeKey("UAH", "A", "B")}, endpoints)
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 1 {
		t.Fatalf("patches = %+v, want the B-A edge found via reversed lookup", patches)
	}
	if patches[0].From != "B" || patches[0].To != "A" {
		t.Errorf("patch = %+v, want From=B To=A (creditor->debtor, not the canonical key's Lo/Hi)", patches[0])
	}
}

func TestPatchBuilder_Scoped_SkipsMissingEdgesNeverEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	pb := New(func(string) int { return 2 })
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback(ctx)

	patches, err := pb.Scoped(ctx, sess, []model.EdgeKey{model.NewEdgeKey("UAH", "X", "Y")}, endpoints)
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 0 {
		t.Fatalf("patches = %+v, want none for a nonexistent edge", patches)
	}
}

func TestPatchBuilder_FullEquivalent_ReturnsEveryLine(t *testing.T) {
	st := store.NewMemoryStore()
	putTrustLine(t, st, "A", "B", "UAH", 100000, 0)
	putTrustLine(t, st, "B", "C", "UAH", 50000, 0)
	putTrustLine(t, st, "C", "D", "EUR", 20000, 0)

	pb := New(func(string) int { return 2 })
	ctx := context.Background()
	sess, err := st.BeginTick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Rollback(ctx)

	patches, err := pb.FullEquivalent(ctx, sess, "UAH")
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 2 {
		t.Fatalf("patches = %+v, want exactly the 2 UAH lines", patches)
	}
}
