package rank

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/vanillabrand/fandom/pkg/common"
)

// Endpoint is a link end as rendered graphs emit it: either a bare id or an
// object carrying an "id" field once a layout engine has resolved it.
type Endpoint string

func (e *Endpoint) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = Endpoint(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*e = Endpoint(n.String())
		return nil
	}

	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("endpoint must be id or object with id: %w", err)
	}
	if len(obj.ID) == 0 {
		return fmt.Errorf("endpoint object has no id")
	}
	var inner Endpoint
	if err := inner.UnmarshalJSON(obj.ID); err != nil {
		return err
	}
	*e = inner
	return nil
}

type wireLink struct {
	Source Endpoint `json:"source"`
	Target Endpoint `json:"target"`
	Value  float64  `json:"value"`
}

type wireNode struct {
	ID    Endpoint       `json:"id"`
	Label string         `json:"label"`
	Val   float64        `json:"val"`
	Group string         `json:"group"`
	Color string         `json:"color"`
	Data  map[string]any `json:"data,omitempty"`
}

type wireGraph struct {
	Nodes []wireNode `json:"nodes"`
	Links []wireLink `json:"links"`
}

// DecodeGraph reads a nodes/links document, accepting both endpoint forms.
func DecodeGraph(r io.Reader) (common.Graph, error) {
	var wg wireGraph
	if err := json.NewDecoder(r).Decode(&wg); err != nil {
		return common.Graph{}, fmt.Errorf("failed to decode graph: %w", err)
	}

	g := common.Graph{
		Nodes: make([]common.Node, 0, len(wg.Nodes)),
		Links: make([]common.Link, 0, len(wg.Links)),
	}
	for i, n := range wg.Nodes {
		id := string(n.ID)
		if id == "" {
			id = strconv.Itoa(i)
		}
		g.Nodes = append(g.Nodes, common.Node{
			ID:    id,
			Label: n.Label,
			Val:   n.Val,
			Group: n.Group,
			Color: n.Color,
			Data:  n.Data,
		})
	}
	for _, l := range wg.Links {
		g.Links = append(g.Links, common.Link{
			Source: string(l.Source),
			Target: string(l.Target),
			Value:  l.Value,
		})
	}
	return g, nil
}
