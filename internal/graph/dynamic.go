package graph

import "sort"

// Dynamic wraps a validated Graph with a drainable ready-queue: Top returns
// nodes whose Depends set is currently empty, and Remove pops a node and
// clears it from the live Depends set of each of its successors, which may
// unblock them. It is the scheduler's view of an otherwise-immutable Graph.
type Dynamic struct {
	g        *Graph
	depends  map[string]map[string]struct{} // live, mutated copy
	removed  map[string]bool
	queued   map[string]bool
}

// NewDynamic builds a Dynamic view over an already-validated Graph.
func NewDynamic(g *Graph) *Dynamic {
	d := &Dynamic{
		g:       g,
		depends: make(map[string]map[string]struct{}, g.Len()),
		removed: make(map[string]bool, g.Len()),
		queued:  make(map[string]bool, g.Len()),
	}
	for _, name := range g.Names(false) {
		d.depends[name] = g.Depends(name)
	}
	return d
}

// Top returns up to maxNodes not-yet-dequeued nodes whose Depends set is
// empty, sorted by OrderID. maxNodes < 0 means unlimited.
func (d *Dynamic) Top(maxNodes int) []string {
	var ready []string
	for name, deps := range d.depends {
		if d.removed[name] || d.queued[name] {
			continue
		}
		if len(deps) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ni, _ := d.g.Node(ready[i])
		nj, _ := d.g.Node(ready[j])
		return ni.OrderID < nj.OrderID
	})
	if maxNodes >= 0 && len(ready) > maxNodes {
		ready = ready[:maxNodes]
	}
	for _, name := range ready {
		d.queued[name] = true
	}
	return ready
}

// Remove pops name from the dynamic view and clears it from the Depends set
// of every node that lists it, returning the set of node names that may have
// become newly unblocked as a result (their Depends is now empty).
func (d *Dynamic) Remove(name string) []string {
	d.removed[name] = true
	var unblocked []string
	n, ok := d.g.Node(name)
	if !ok {
		return nil
	}
	for child := range n.ReverseDepends {
		deps, ok := d.depends[child]
		if !ok {
			continue
		}
		delete(deps, name)
		if len(deps) == 0 && !d.removed[child] && !d.queued[child] {
			unblocked = append(unblocked, child)
		}
	}
	return unblocked
}

// Remaining reports how many nodes have not yet been removed.
func (d *Dynamic) Remaining() int {
	n := 0
	for name := range d.depends {
		if !d.removed[name] {
			n++
		}
	}
	return n
}
