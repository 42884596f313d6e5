package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stewardhq/steward/internal/tools"
)

func TestWireName(t *testing.T) {
	cases := []struct {
		server, tool, want string
	}{
		{"github", "search", "github_search"},
		{"Home Assistant", "turn.on", "home_assistant_turn_on"},
		{"notes-v2", "list", "notes-v2_list"},
	}
	for _, tc := range cases {
		if got := WireName(tc.server, tc.tool); got != tc.want {
			t.Errorf("WireName(%q, %q) = %q, want %q", tc.server, tc.tool, got, tc.want)
		}
	}
}

func TestEnvSliceIsSortedAndFormatted(t *testing.T) {
	got := envSlice(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if envSlice(nil) != nil {
		t.Fatal("expected nil for empty env")
	}
}

func TestConvertSchemaRoundTrips(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string"},
		},
		Required: []string{"query"},
	}
	got := convertSchema(schema)
	if got["type"] != "object" {
		t.Fatalf("expected object schema, got %v", got)
	}
	props, ok := got["properties"].(map[string]any)
	if !ok || props["query"] == nil {
		t.Fatalf("expected properties to survive conversion, got %v", got)
	}
}

func TestExecuteUnknownToolIsNotFound(t *testing.T) {
	p := &Provider{
		byName:  map[string]remoteTool{},
		clients: nil,
	}
	_, err := p.Execute(context.Background(), "ghost_tool", json.RawMessage(`{}`), nil)
	if !errors.Is(err, tools.ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestListDefinitionsPreservesDiscoveryOrder(t *testing.T) {
	p := &Provider{
		byName: map[string]remoteTool{
			"b_second": {definition: tools.Definition{Name: "b_second"}},
			"a_first":  {definition: tools.Definition{Name: "a_first"}},
		},
		order: []string{"b_second", "a_first"},
	}
	defs, err := p.ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "b_second" || defs[1].Name != "a_first" {
		t.Fatalf("expected discovery order, got %v", defs)
	}
}
