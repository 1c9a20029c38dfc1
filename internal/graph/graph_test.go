package graph

import "testing"

func TestDiamondOrdering(t *testing.T) {
	g := New()
	g.Add("A", nil)
	g.Add("B", []string{"A"})
	g.Add("C", []string{"A"})
	g.Add("D", []string{"B", "C"})

	if !g.IsValid() {
		t.Fatalf("expected valid graph")
	}
	a, _ := g.Node("A")
	b, _ := g.Node("B")
	c, _ := g.Node("C")
	d, _ := g.Node("D")
	if a.OrderID != 0 {
		t.Fatalf("A should be order 0, got %d", a.OrderID)
	}
	if d.OrderID <= b.OrderID || d.OrderID <= c.OrderID {
		t.Fatalf("D must be ordered after both B and C")
	}
}

func TestForwardDeclaration(t *testing.T) {
	g := New()
	g.Add("V", []string{"U"}) // U not yet declared directly
	g.Add("U", nil)

	if !g.IsValid() {
		t.Fatalf("expected valid graph once U is declared")
	}
}

func TestCycleRejected(t *testing.T) {
	g := New()
	g.Add("A", []string{"B"})
	g.Add("B", []string{"A"})

	if g.IsValid() {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestSubsetInducedEdges(t *testing.T) {
	g := New()
	for _, name := range []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "preprocess", "n8", "n9"} {
		g.Add(name, nil)
	}
	// order_id 7 should end up on "preprocess" given no dependencies (ties
	// broken by declaration/initial order, so index 7 in this flat list).
	if !g.IsValid() {
		t.Fatalf("expected valid graph")
	}
	sub, err := g.Subset("1,3-5,preprocess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]bool{}
	for _, name := range sub.Names(false) {
		got[name] = true
	}
	want := []string{"n1", "n3", "n4", "n5", "preprocess"}
	if len(got) != len(want) {
		t.Fatalf("subset size = %d, want %d (%v)", len(got), len(want), got)
	}
	for _, name := range want {
		if !got[name] {
			t.Fatalf("subset missing expected member %q", name)
		}
	}
}

func TestSubsetClosedUnderDependsIntersection(t *testing.T) {
	g := New()
	g.Add("A", nil)
	g.Add("B", []string{"A"})
	g.Add("C", []string{"B"})
	g.IsValid()

	sub, err := g.Subset("B,C")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps := sub.Depends("C")
	if _, ok := deps["B"]; !ok {
		t.Fatalf("expected C to retain dependency on B in induced subset")
	}
}

func TestDynamicTopAndRemove(t *testing.T) {
	g := New()
	g.Add("A", nil)
	g.Add("B", []string{"A"})
	g.Add("C", []string{"A"})
	g.Add("D", []string{"B", "C"})
	g.IsValid()

	d := NewDynamic(g)
	ready := d.Top(-1)
	if len(ready) != 1 || ready[0] != "A" {
		t.Fatalf("expected only A ready initially, got %v", ready)
	}

	unblocked := d.Remove("A")
	sortedHas := func(xs []string, want string) bool {
		for _, x := range xs {
			if x == want {
				return true
			}
		}
		return false
	}
	if !sortedHas(unblocked, "B") || !sortedHas(unblocked, "C") {
		t.Fatalf("expected B and C unblocked after removing A, got %v", unblocked)
	}

	ready = d.Top(-1)
	if len(ready) != 2 {
		t.Fatalf("expected B and C ready, got %v", ready)
	}
}
