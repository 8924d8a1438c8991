// Package rank computes PageRank influence scores over materialized graphs.
package rank

import (
	"sort"

	"github.com/vanillabrand/fandom/pkg/common"
)

// Options configures the power iteration.
type Options struct {
	// Damping is the probability of following an edge instead of teleporting (default: 0.85)
	Damping float64

	// Iterations is the fixed number of rounds (default: 20)
	Iterations int
}

// DefaultOptions returns the standard damping and round count.
func DefaultOptions() Options {
	return Options{
		Damping:    0.85,
		Iterations: 20,
	}
}

// Scored is one node id with its rank.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// PageRank returns the rank of every node in g. Links that reference unknown
// nodes are ignored. Dangling mass is redistributed uniformly each round, so
// the ranks sum to 1 after every iteration.
func PageRank(g common.Graph, opts Options) map[string]float64 {
	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = 0.85
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 20
	}

	n := len(g.Nodes)
	out := make(map[string]float64, n)
	if n == 0 {
		return out
	}

	idx := make(map[string]int, n)
	ids := make([]string, 0, n)
	for _, node := range g.Nodes {
		if _, dup := idx[node.ID]; dup {
			continue
		}
		idx[node.ID] = len(ids)
		ids = append(ids, node.ID)
	}
	n = len(ids)

	// inbound[i] lists the sources linking to i
	inbound := make([][]int, n)
	outDeg := make([]int, n)
	for _, l := range g.Links {
		src, okSrc := idx[l.Source]
		dst, okDst := idx[l.Target]
		if !okSrc || !okDst {
			continue
		}
		inbound[dst] = append(inbound[dst], src)
		outDeg[src]++
	}

	d := opts.Damping
	nf := float64(n)
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / nf
	}

	for range opts.Iterations {
		dangling := 0.0
		for i, deg := range outDeg {
			if deg == 0 {
				dangling += rank[i]
			}
		}
		for i := range next {
			sum := 0.0
			for _, src := range inbound[i] {
				sum += rank[src] / float64(outDeg[src])
			}
			next[i] = (1-d)/nf + d*(sum+dangling/nf)
		}
		rank, next = next, rank
	}

	for i, id := range ids {
		out[id] = rank[i]
	}
	return out
}

// Top returns the k highest ranked ids, ties broken by id. k <= 0 returns all.
func Top(scores map[string]float64, k int) []Scored {
	out := make([]Scored, 0, len(scores))
	for id, s := range scores {
		out = append(out, Scored{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
