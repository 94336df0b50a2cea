package cdsclient

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanvasDoc is the raw shape a canvas CRDT surfaces to the client: loose
// maps rather than a fixed struct, since edges/nodes carry whatever
// attributes the CDS happens to store.
type CanvasDoc struct {
	Nodes []map[string]any
	Edges []map[string]any
	// Texts holds any top-level key in the doc that is itself a node id:
	// SPEC_FULL.md §6 requires that text to overwrite the matching node's
	// "text" field during serialization.
	Texts map[string]string
}

// SerializeCanvas produces the canonical canvas JSON described in
// SPEC_FULL.md §6: top-level {"edges": [...], "nodes": [...]}, each array
// sorted by "id", keys sorted at every level, 2-space indent, and node
// "text" fields overwritten from Texts. Two serializations of
// semantically-equal docs are byte-equal.
func SerializeCanvas(doc CanvasDoc) ([]byte, error) {
	nodes := make([]map[string]any, len(doc.Nodes))
	for i, n := range doc.Nodes {
		node := cloneMap(n)
		if id, ok := node["id"].(string); ok {
			if text, ok := doc.Texts[id]; ok {
				node["text"] = text
			}
		}
		nodes[i] = node
	}
	edges := make([]map[string]any, len(doc.Edges))
	for i, e := range doc.Edges {
		edges[i] = cloneMap(e)
	}

	sortByID(nodes)
	sortByID(edges)

	out := map[string]any{
		"edges": toAnySlice(edges),
		"nodes": toAnySlice(nodes),
	}

	// encoding/json sorts map[string]any keys on marshal, satisfying the
	// "keys sorted at every level" requirement without a custom walker.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnySlice(maps []map[string]any) []any {
	out := make([]any, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out
}

func sortByID(maps []map[string]any) {
	sort.SliceStable(maps, func(i, j int) bool {
		return idOf(maps[i]) < idOf(maps[j])
	})
}

func idOf(m map[string]any) string {
	id, _ := m["id"].(string)
	return id
}
