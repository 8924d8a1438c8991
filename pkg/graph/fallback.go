package graph

import (
	"fmt"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

const fallbackEntityLimit = 25

// FallbackTree builds a deterministic summary tree when no summarizer output
// is available. Co-occurrence clusters are preferred, then over-indexed
// accounts grouped by category, then the most referenced entities.
func FallbackTree(query string, clusters []common.Cluster, accounts []common.OverindexedAccount, entities []common.CanonicalEntity) common.TreeNode {
	root := common.TreeNode{
		ID:    RootID,
		Label: strings.TrimSpace(query),
		Type:  GroupRoot,
	}
	if root.Label == "" {
		root.Label = "Audience"
	}

	byHandle := make(map[string]common.OverindexedAccount, len(accounts))
	for _, a := range accounts {
		byHandle[strings.ToLower(a.Username)] = a
	}

	switch {
	case len(clusters) > 0:
		for _, c := range clusters {
			node := common.TreeNode{
				ID:    "cluster:" + c.ID,
				Label: c.Label,
				Type:  GroupCluster,
				Data:  map[string]any{"category": string(c.Category), "size": len(c.Members)},
			}
			for _, member := range c.Members {
				node.Children = append(node.Children, accountLeaf(member, byHandle[strings.ToLower(member)]))
			}
			root.Children = append(root.Children, node)
		}

	case len(accounts) > 0:
		order := []common.Category{common.CategoryCreator, common.CategoryBrand, common.CategoryMedia, common.CategoryOther}
		groups := make(map[common.Category][]common.OverindexedAccount, len(order))
		for _, a := range accounts {
			groups[a.Category] = append(groups[a.Category], a)
		}
		for _, cat := range order {
			members := groups[cat]
			if len(members) == 0 {
				continue
			}
			node := common.TreeNode{
				ID:    "category:" + string(cat),
				Label: categoryLabel(cat),
				Type:  GroupCluster,
				Data:  map[string]any{"category": string(cat), "size": len(members)},
			}
			for _, a := range members {
				node.Children = append(node.Children, accountLeaf(a.Username, a))
			}
			root.Children = append(root.Children, node)
		}

	case len(entities) > 0:
		limit := min(len(entities), fallbackEntityLimit)
		node := common.TreeNode{
			ID:    "category:referenced",
			Label: "Most Referenced Accounts",
			Type:  GroupCluster,
			Data:  map[string]any{"size": limit},
		}
		for _, e := range entities[:limit] {
			label := e.FullName
			if label == "" {
				label = e.Username
			}
			node.Children = append(node.Children, common.TreeNode{
				Label:  label,
				Type:   GroupCreator,
				Handle: e.Username,
				Data: map[string]any{
					"frequency": e.Frequency,
					"followers": e.FollowerCount,
					"sources":   e.Sources,
				},
			})
		}
		root.Children = append(root.Children, node)
	}

	return root
}

func accountLeaf(handle string, a common.OverindexedAccount) common.TreeNode {
	label := a.FullName
	if label == "" {
		label = handle
	}
	leaf := common.TreeNode{
		Label:  label,
		Type:   leafType(a.Category),
		Handle: handle,
	}
	if a.Username != "" {
		leaf.Data = map[string]any{
			"category":       string(a.Category),
			"frequency":      a.Frequency,
			"percentage":     a.Percentage,
			"overindexScore": a.OverindexScore,
		}
	}
	return leaf
}

func leafType(c common.Category) string {
	switch c {
	case common.CategoryBrand:
		return GroupBrand
	case common.CategoryCreator:
		return GroupCreator
	}
	return GroupDefault
}

func categoryLabel(c common.Category) string {
	switch c {
	case common.CategoryCreator:
		return "Creators"
	case common.CategoryBrand:
		return "Brands"
	case common.CategoryMedia:
		return "Media"
	case "":
		return "Other Accounts"
	}
	return fmt.Sprintf("%s Accounts", strings.ToUpper(string(c[:1]))+string(c[1:]))
}
