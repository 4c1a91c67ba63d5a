package cacheinvalidator

import "testing"

type fakeRouter struct {
	bumped []string
}

func (f *fakeRouter) BumpGeneration(equivalent string) {
	f.bumped = append(f.bumped, equivalent)
}

type fakeViz struct {
	dropped []string
}

func (f *fakeViz) DropQuantiles(equivalent string) {
	f.dropped = append(f.dropped, equivalent)
}

func TestInvalidate_BumpsRouterAndDropsViz(t *testing.T) {
	r := &fakeRouter{}
	v := &fakeViz{}
	inv := New(r, v)

	inv.Invalidate([]string{"UAH", "USD"})

	if len(r.bumped) != 2 || r.bumped[0] != "UAH" || r.bumped[1] != "USD" {
		t.Errorf("bumped = %v, want [UAH USD]", r.bumped)
	}
	if len(v.dropped) != 2 {
		t.Errorf("dropped = %v, want 2 entries", v.dropped)
	}
}

func TestInvalidate_NilVizIsSafe(t *testing.T) {
	r := &fakeRouter{}
	inv := New(r, nil)
	inv.Invalidate([]string{"UAH"})
	if len(r.bumped) != 1 {
		t.Errorf("bumped = %v, want 1 entry", r.bumped)
	}
}
