package cdsclient

import "testing"

func TestSerializeCanvasIsDeterministic(t *testing.T) {
	doc := CanvasDoc{
		Nodes: []map[string]any{
			{"id": "n2", "x": 1.0, "text": "stale"},
			{"id": "n1", "x": 0.0},
		},
		Edges: []map[string]any{
			{"id": "e2", "from": "n2", "to": "n1"},
			{"id": "e1", "from": "n1", "to": "n2"},
		},
		Texts: map[string]string{"n2": "fresh"},
	}

	first, err := SerializeCanvas(doc)
	if err != nil {
		t.Fatalf("SerializeCanvas: %v", err)
	}
	second, err := SerializeCanvas(doc)
	if err != nil {
		t.Fatalf("SerializeCanvas: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("serialization is not deterministic:\n%s\n---\n%s", first, second)
	}
}

func TestSerializeCanvasSortsArraysAndOverwritesText(t *testing.T) {
	doc := CanvasDoc{
		Nodes: []map[string]any{
			{"id": "b"},
			{"id": "a", "text": "old"},
		},
		Texts: map[string]string{"a": "new"},
	}

	out, err := SerializeCanvas(doc)
	if err != nil {
		t.Fatalf("SerializeCanvas: %v", err)
	}

	want := "{\n  \"edges\": [],\n  \"nodes\": [\n    {\n      \"id\": \"a\",\n      \"text\": \"new\"\n    },\n    {\n      \"id\": \"b\"\n    }\n  ]\n}\n"
	if string(out) != want {
		t.Errorf("got:\n%s\nwant:\n%s", out, want)
	}
}

func TestSerializeCanvasOrderIndependentOfInput(t *testing.T) {
	a := CanvasDoc{Nodes: []map[string]any{{"id": "z"}, {"id": "a"}}}
	b := CanvasDoc{Nodes: []map[string]any{{"id": "a"}, {"id": "z"}}}

	outA, err := SerializeCanvas(a)
	if err != nil {
		t.Fatalf("SerializeCanvas: %v", err)
	}
	outB, err := SerializeCanvas(b)
	if err != nil {
		t.Fatalf("SerializeCanvas: %v", err)
	}
	if string(outA) != string(outB) {
		t.Errorf("serialization depends on input order:\n%s\n---\n%s", outA, outB)
	}
}
