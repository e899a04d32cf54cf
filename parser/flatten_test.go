package parser

import "testing"

func TestFlattenJSON(t *testing.T) {
	input := map[string]any{
		"a": map[string]any{
			"b": 1,
			"c": []any{"x", map[string]any{"y": true}},
		},
	}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 8, MaxKeys: 100})
	if flat["a.b"] != 1 {
		t.Fatalf("expected a.b=1, got %v", flat["a.b"])
	}
	if flat["a.c[0]"] != "x" {
		t.Fatalf("expected a.c[0]=x, got %v", flat["a.c[0]"])
	}
	if flat["a.c[1].y"] != true {
		t.Fatalf("expected a.c[1].y=true, got %v", flat["a.c[1].y"])
	}
}

func TestFlattenJSON_TruncationIsDeterministic(t *testing.T) {
	input := map[string]any{"d": 4, "a": 1, "c": 3, "b": 2}
	for i := 0; i < 20; i++ {
		flat := FlattenJSON(input, FlattenOptions{MaxKeys: 2})
		if len(flat) != 2 || flat["a"] != 1 || flat["b"] != 2 {
			t.Fatalf("expected first two sorted keys, got %v", flat)
		}
	}
}

func TestFlattenJSON_MaxDepthMarker(t *testing.T) {
	input := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 1})
	if flat["a.b"] != "<max_depth:1>" {
		t.Fatalf("expected depth marker, got %v", flat)
	}
}
