package graph

// Node groups written by the materializer.
const (
	GroupRoot    = "root"
	GroupCluster = "cluster"
	GroupBrand   = "brand"
	GroupCreator = "creator"
	GroupTopic   = "topic"
	GroupDefault = "entity"
)

// DefaultColors is the fixed palette per node role.
var DefaultColors = map[string]string{
	GroupRoot:    "#f43f5e",
	GroupCluster: "#6366f1",
	GroupBrand:   "#f59e0b",
	GroupCreator: "#10b981",
	GroupTopic:   "#3b82f6",
	GroupDefault: "#94a3b8",
}

const (
	DefaultRootClusterWeight = 0.5
	DefaultClusterLeafWeight = 0.25

	defaultRootSize    = 30
	defaultClusterSize = 10
	defaultLeafSize    = 5
)

// Materializer flattens a summary tree into render-ready nodes and links.
//
// A Materializer should be created using NewMaterializer.
type Materializer struct {
	colors            map[string]string
	rootClusterWeight float64
	clusterLeafWeight float64
}

// NewMaterializerParams defines the configuration for a Materializer.
//
// Colors overrides entries of DefaultColors per group.
// RootClusterWeight and ClusterLeafWeight set the constant link weights.
type NewMaterializerParams struct {
	Colors            map[string]string
	RootClusterWeight float64
	ClusterLeafWeight float64
}

// NewMaterializer creates a Materializer, filling unset params with defaults.
//
// Example:
//
//	m := graph.NewMaterializer(graph.NewMaterializerParams{
//		Colors: map[string]string{graph.GroupBrand: "#ff9900"},
//	})
//	g := m.Materialize(summary.Root, brands)
func NewMaterializer(params NewMaterializerParams) *Materializer {
	colors := make(map[string]string, len(DefaultColors))
	for k, v := range DefaultColors {
		colors[k] = v
	}
	for k, v := range params.Colors {
		colors[k] = v
	}

	rc := params.RootClusterWeight
	if rc <= 0 {
		rc = DefaultRootClusterWeight
	}
	cl := params.ClusterLeafWeight
	if cl <= 0 {
		cl = DefaultClusterLeafWeight
	}

	return &Materializer{
		colors:            colors,
		rootClusterWeight: rc,
		clusterLeafWeight: cl,
	}
}

func (m *Materializer) colorFor(group string) string {
	if c, ok := m.colors[group]; ok {
		return c
	}
	return m.colors[GroupDefault]
}
