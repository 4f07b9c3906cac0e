// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

// Match computes a maximum bipartite matching of required topologies to
// given topologies, using Hopcroft–Karp on the graph with edge (i, j) iff
// IsSubset(given[j], required[i]). If every required topology can be
// matched to a distinct given topology, Match returns the assignment
// required[i] -> given[f(i)] and ok=true; otherwise ok=false (the caller
// should surface Unmatchable).
//
// Edges are iterated left-to-right, lowest right index first, which makes
// the returned assignment deterministic for a fixed input.
//
// Complexity is O(E*sqrt(V)), where E is the number of IsSubset edges and V
// = len(required)+len(given).
func Match(required, given []Topology) (assignment []int, ok bool) {
	adj := buildAdjacency(required, given)
	n := len(required)

	matchLeft := make([]int, n)  // matchLeft[i] = matched given index, or -1
	matchRight := make([]int, len(given))
	for i := range matchLeft {
		matchLeft[i] = -1
	}
	for j := range matchRight {
		matchRight[j] = -1
	}

	dist := make([]int, n)
	const inf = int(^uint(0) >> 1)

	bfs := func() bool {
		queue := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if matchLeft[i] == -1 {
				dist[i] = 0
				queue = append(queue, i)
			} else {
				dist[i] = inf
			}
		}
		foundAugmenting := false
		for qi := 0; qi < len(queue); qi++ {
			u := queue[qi]
			for _, v := range adj[u] {
				w := matchRight[v]
				if w == -1 {
					foundAugmenting = true
					continue
				}
				if dist[w] == inf {
					dist[w] = dist[u] + 1
					queue = append(queue, w)
				}
			}
		}
		return foundAugmenting
	}

	var dfs func(u int) bool
	dfs = func(u int) bool {
		for _, v := range adj[u] {
			w := matchRight[v]
			if w == -1 || (dist[w] == dist[u]+1 && dfs(w)) {
				matchLeft[u] = v
				matchRight[v] = u
				return true
			}
		}
		dist[u] = inf
		return false
	}

	matched := 0
	for bfs() {
		for i := 0; i < n; i++ {
			if matchLeft[i] == -1 && dfs(i) {
				matched++
			}
		}
	}

	if matched < n {
		return nil, false
	}
	return append([]int(nil), matchLeft...), true
}

// buildAdjacency returns, for each required index i, the ordered list of
// given indices j such that IsSubset(given[j], required[i]) holds, in
// ascending j order.
func buildAdjacency(required, given []Topology) [][]int {
	adj := make([][]int, len(required))
	for i, r := range required {
		for j, g := range given {
			if IsSubset(g, r) {
				adj[i] = append(adj[i], j)
			}
		}
	}
	return adj
}
