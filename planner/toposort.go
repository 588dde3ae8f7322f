package planner

import "sort"

// topoOrder orders names so that every table appears after the tables
// it references, considering only references within the set. The order
// is deterministic: ties break on name. If the reference graph has a
// cycle, the second return value names every table on a cycle and the
// order is nil.
func topoOrder(names []string, refsOf func(name string) []string) ([]string, []string) {
	inSet := make(map[string]bool, len(names))
	for _, n := range names {
		inSet[n] = true
	}

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] += 0
		for _, r := range refsOf(n) {
			if !inSet[r] || r == n {
				continue
			}
			indegree[n]++
			dependents[r] = append(dependents[r], n)
		}
	}

	ready := make([]string, 0, len(names))
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		released := false
		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) == len(names) {
		return order, nil
	}

	// Leftover nodes either sit on a cycle or depend on one. Only the
	// former are reported: a node is on a cycle exactly when it can
	// reach itself through leftover edges.
	leftover := make(map[string]bool)
	for _, n := range names {
		if indegree[n] > 0 {
			leftover[n] = true
		}
	}
	var cycle []string
	for n := range leftover {
		if reaches(n, n, leftover, refsOf, make(map[string]bool)) {
			cycle = append(cycle, n)
		}
	}
	sort.Strings(cycle)
	return nil, cycle
}

func reaches(from, target string, within map[string]bool, refsOf func(string) []string, seen map[string]bool) bool {
	for _, r := range refsOf(from) {
		if !within[r] || seen[r] {
			continue
		}
		if r == target {
			return true
		}
		seen[r] = true
		if reaches(r, target, within, refsOf, seen) {
			return true
		}
	}
	return false
}
