package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// ErrNoSummary is returned when a model answered but produced nothing usable.
var ErrNoSummary = errors.New("summarizer returned no clusters")

// Request is the input of one summarization call.
type Request struct {
	Query       string
	Items       []common.ContextItem
	Intent      string
	Platform    string
	RichContext string
}

// Summarizer turns aggregated context into a hierarchical summary tree.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (common.Summary, error)
}

// SummarizerFunc adapts a plain function to Summarizer.
type SummarizerFunc func(ctx context.Context, req Request) (common.Summary, error)

func (f SummarizerFunc) Summarize(ctx context.Context, req Request) (common.Summary, error) {
	return f(ctx, req)
}

// summaryResponse is the structured output requested from the model. It is
// flat on purpose: strict schemas cannot describe a recursive tree.
type summaryResponse struct {
	Title    string            `json:"title" jsonschema:"description=Short name of the audience as a whole"`
	Summary  string            `json:"summary" jsonschema:"description=Two or three sentences describing the audience"`
	Clusters []clusterResponse `json:"clusters" jsonschema:"description=Interest groups within the audience"`
	Creators []rankedResponse  `json:"creators" jsonschema:"description=Most relevant creators"`
	Brands   []rankedResponse  `json:"brands" jsonschema:"description=Most relevant brands"`
	Topics   []rankedResponse  `json:"topics" jsonschema:"description=Most relevant topics and hashtags"`
}

type clusterResponse struct {
	Label       string           `json:"label"`
	Description string           `json:"description"`
	Members     []memberResponse `json:"members"`
}

type memberResponse struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Type   string `json:"type" jsonschema:"enum=creator,enum=brand,enum=topic,enum=media,enum=other"`
}

type rankedResponse struct {
	Name   string  `json:"name"`
	Handle string  `json:"handle"`
	Score  float64 `json:"score" jsonschema:"description=Relevance between 0 and 1"`
}

// toSummary converts the model response into a tree rooted at the query.
func (r summaryResponse) toSummary(query string) (common.Summary, error) {
	if len(r.Clusters) == 0 {
		return common.Summary{}, ErrNoSummary
	}

	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = query
	}
	root := common.TreeNode{
		ID:       "root",
		Label:    title,
		Type:     "root",
		Children: make([]common.TreeNode, 0, len(r.Clusters)),
	}
	if r.Summary != "" {
		root.Data = map[string]any{"summary": r.Summary}
	}

	for i, c := range r.Clusters {
		label := strings.TrimSpace(c.Label)
		if label == "" {
			label = fmt.Sprintf("Group %d", i+1)
		}
		cluster := common.TreeNode{
			ID:       fmt.Sprintf("cluster:%d", i),
			Label:    label,
			Type:     "cluster",
			Children: make([]common.TreeNode, 0, len(c.Members)),
		}
		if c.Description != "" {
			cluster.Data = map[string]any{"description": c.Description}
		}
		for _, m := range c.Members {
			name := strings.TrimSpace(m.Name)
			handle := strings.TrimPrefix(strings.TrimSpace(m.Handle), "@")
			if name == "" && handle == "" {
				continue
			}
			cluster.Children = append(cluster.Children, common.TreeNode{
				Label:  name,
				Handle: handle,
				Type:   m.Type,
			})
		}
		root.Children = append(root.Children, cluster)
	}

	analytics := common.Analytics{
		Creators: rankedItems(r.Creators),
		Brands:   rankedItems(r.Brands),
		Topics:   rankedItems(r.Topics),
		Clusters: make([]common.AnalyticsItem, 0, len(root.Children)),
		Summary:  r.Summary,
	}
	for _, c := range root.Children {
		analytics.Clusters = append(analytics.Clusters, common.AnalyticsItem{Name: c.Label, Count: len(c.Children)})
	}

	return common.Summary{Root: root, Analytics: analytics}, nil
}

func rankedItems(in []rankedResponse) []common.AnalyticsItem {
	out := make([]common.AnalyticsItem, 0, len(in))
	for _, r := range in {
		if strings.TrimSpace(r.Name) == "" && strings.TrimSpace(r.Handle) == "" {
			continue
		}
		out = append(out, common.AnalyticsItem{
			Name:   strings.TrimSpace(r.Name),
			Handle: strings.TrimPrefix(strings.TrimSpace(r.Handle), "@"),
			Score:  r.Score,
		})
	}
	return out
}
