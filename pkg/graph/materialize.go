package graph

import (
	"fmt"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// RootID is used when the summary root carries no id of its own.
const RootID = "root"

// Materialize converts root -> clusters -> leaves plus side-channel brand
// mentions into flat nodes and links. Every link endpoint is a written node
// and node ids are unique. Leaves deeper than one level below a cluster are
// attached to that cluster.
func (m *Materializer) Materialize(root common.TreeNode, brands []common.BrandMention) common.Graph {
	leafCount := 0
	for _, c := range root.Children {
		leafCount += countDescendants(c)
	}
	size := 1 + len(root.Children) + leafCount + len(brands)

	nodes := make([]common.Node, size)
	links := make([]common.Link, size-1)
	n, l := 0, 0
	seen := make(map[string]struct{}, size)

	rootID := root.ID
	if rootID == "" {
		rootID = RootID
	}
	nodes[n] = m.node(rootID, root, GroupRoot, defaultRootSize)
	seen[rootID] = struct{}{}
	n++

	for i, cluster := range root.Children {
		clusterID := cluster.ID
		if clusterID == "" {
			clusterID = fmt.Sprintf("cluster-%d", i)
		}
		if _, dup := seen[clusterID]; dup {
			base := clusterID
			for k := i; ; k++ {
				clusterID = fmt.Sprintf("%s-%d", base, k)
				if _, dup := seen[clusterID]; !dup {
					break
				}
			}
		}
		nodes[n] = m.node(clusterID, cluster, GroupCluster, defaultClusterSize)
		seen[clusterID] = struct{}{}
		n++

		links[l] = common.Link{Source: rootID, Target: clusterID, Value: m.rootClusterWeight}
		l++

		for j, leaf := range flatten(cluster.Children) {
			leafID := leafIdentifier(leaf, clusterID, j)
			if leafID == clusterID {
				continue
			}
			if _, dup := seen[leafID]; !dup {
				nodes[n] = m.node(leafID, leaf, groupOf(leaf.Type), defaultLeafSize)
				seen[leafID] = struct{}{}
				n++
			}
			links[l] = common.Link{Source: clusterID, Target: leafID, Value: m.clusterLeafWeight}
			l++
		}
	}

	for _, b := range brands {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			continue
		}
		brandID := "brand:" + strings.ToLower(name)
		if _, dup := seen[brandID]; !dup {
			nodes[n] = common.Node{
				ID:    brandID,
				Label: name,
				Val:   defaultLeafSize,
				Group: GroupBrand,
				Color: m.colorFor(GroupBrand),
				Data:  map[string]any{"count": b.Count, "source": common.SubtaskVisual},
			}
			seen[brandID] = struct{}{}
			n++
		}
		links[l] = common.Link{Source: rootID, Target: brandID, Value: float64(max(b.Count, 1))}
		l++
	}

	return common.Graph{
		Nodes: nodes[:n],
		Links: mergeLinks(links[:l]),
	}
}

func (m *Materializer) node(id string, t common.TreeNode, group string, defaultSize float64) common.Node {
	label := t.Label
	if label == "" {
		label = t.Handle
	}
	if label == "" {
		label = id
	}

	val := t.Val
	if val <= 0 {
		val = defaultSize
	}

	color := t.Color
	if color == "" {
		color = m.colorFor(group)
	}

	var data map[string]any
	if len(t.Data) > 0 || t.Handle != "" {
		data = make(map[string]any, len(t.Data)+1)
		for k, v := range t.Data {
			data[k] = v
		}
		if t.Handle != "" {
			data["handle"] = t.Handle
		}
	}

	return common.Node{
		ID:    id,
		Label: label,
		Val:   val,
		Group: group,
		Color: color,
		Data:  data,
	}
}

func leafIdentifier(leaf common.TreeNode, clusterID string, j int) string {
	if leaf.ID != "" {
		return leaf.ID
	}
	if leaf.Handle != "" {
		return groupOf(leaf.Type) + ":" + strings.ToLower(strings.TrimPrefix(leaf.Handle, "@"))
	}
	return fmt.Sprintf("%s-leaf-%d", clusterID, j)
}

func groupOf(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "creator", "influencer", "person", "account", "profile", "user":
		return GroupCreator
	case "brand", "company", "organization", "business":
		return GroupBrand
	case "topic", "hashtag", "interest", "trend", "keyword":
		return GroupTopic
	}
	return GroupDefault
}

func countDescendants(t common.TreeNode) int {
	total := 0
	for _, c := range t.Children {
		total += 1 + countDescendants(c)
	}
	return total
}

func flatten(children []common.TreeNode) []common.TreeNode {
	out := make([]common.TreeNode, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		if len(c.Children) > 0 {
			out = append(out, flatten(c.Children)...)
		}
	}
	return out
}
