package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/makalaaneesh/isolation-harness/isolation"
)

// waitForGraph has an edge A->B while A is blocked on a lock B holds.
type waitForGraph struct {
	edges map[isolation.TxnID][]isolation.TxnID
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{edges: make(map[isolation.TxnID][]isolation.TxnID)}
}

// setWaits replaces the out-edges of waiter. holders must be sorted.
func (g *waitForGraph) setWaits(waiter isolation.TxnID, holders []isolation.TxnID) {
	if len(holders) == 0 {
		delete(g.edges, waiter)
		return
	}
	g.edges[waiter] = append([]isolation.TxnID(nil), holders...)
}

func (g *waitForGraph) waiting(txn isolation.TxnID) bool {
	_, ok := g.edges[txn]
	return ok
}

// remove drops txn and every edge that touches it.
func (g *waitForGraph) remove(txn isolation.TxnID) {
	delete(g.edges, txn)
	for waiter, holders := range g.edges {
		kept := holders[:0]
		for _, h := range holders {
			if h != txn {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(g.edges, waiter)
		} else {
			g.edges[waiter] = kept
		}
	}
}

// findCycle returns a cycle through start as the path start, ..., X where X
// waits on start, or nil. Successors are visited in ascending id order, so
// the same graph always yields the same cycle.
func (g *waitForGraph) findCycle(start isolation.TxnID) []isolation.TxnID {
	visited := make(map[isolation.TxnID]bool)
	var path []isolation.TxnID
	var visit func(n isolation.TxnID) bool
	visit = func(n isolation.TxnID) bool {
		path = append(path, n)
		visited[n] = true
		for _, next := range g.edges[n] {
			if next == start {
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if visit(start) {
		return path
	}
	return nil
}

// victim picks the youngest transaction of a cycle.
func victim(cycle []isolation.TxnID) isolation.TxnID {
	v := cycle[0]
	for _, id := range cycle[1:] {
		if id > v {
			v = id
		}
	}
	return v
}

func (g *waitForGraph) String() string {
	waiters := make([]isolation.TxnID, 0, len(g.edges))
	for w := range g.edges {
		waiters = append(waiters, w)
	}
	sort.Slice(waiters, func(i, j int) bool { return waiters[i] < waiters[j] })
	var b strings.Builder
	for _, w := range waiters {
		fmt.Fprintf(&b, "txn %d -> %v\n", w, g.edges[w])
	}
	return b.String()
}
