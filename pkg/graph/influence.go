package graph

import (
	"math"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/rank"
)

// InfluenceOptions controls how PageRank scores become node sizes.
type InfluenceOptions struct {
	Rank       rank.Options
	BaseSize   float64
	Multiplier float64
	MaxCluster float64
	MaxOther   float64
	// RootID names the node that keeps its size. Nodes in GroupRoot are
	// always exempt.
	RootID string
}

// DefaultInfluenceOptions returns the standard sizing constants.
func DefaultInfluenceOptions() InfluenceOptions {
	return InfluenceOptions{
		Rank:       rank.DefaultOptions(),
		BaseSize:   5,
		Multiplier: 300,
		MaxCluster: 60,
		MaxOther:   40,
		RootID:     RootID,
	}
}

// ApplyInfluence ranks g and resizes its nodes in place. A node never
// shrinks below its current size and the root is left untouched. The rank
// of every node is stored under Data["influence"]. It returns the scores.
func ApplyInfluence(g *common.Graph, opts InfluenceOptions) map[string]float64 {
	def := DefaultInfluenceOptions()
	if opts.BaseSize <= 0 {
		opts.BaseSize = def.BaseSize
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = def.Multiplier
	}
	if opts.MaxCluster <= 0 {
		opts.MaxCluster = def.MaxCluster
	}
	if opts.MaxOther <= 0 {
		opts.MaxOther = def.MaxOther
	}

	scores := rank.PageRank(*g, opts.Rank)

	for i := range g.Nodes {
		node := &g.Nodes[i]
		score := scores[node.ID]

		if node.Data == nil {
			node.Data = make(map[string]any, 1)
		}
		node.Data["influence"] = score

		if node.Group == GroupRoot || (opts.RootID != "" && node.ID == opts.RootID) {
			continue
		}

		limit := opts.MaxOther
		if node.Group == GroupCluster {
			limit = opts.MaxCluster
		}
		size := math.Min(opts.BaseSize+score*opts.Multiplier, limit)
		if size > node.Val {
			node.Val = size
		}
	}

	return scores
}
