package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/frinny-ai/frinny/internal/search"
)

type fakeProvider struct {
	results []search.Result
	err     error
	query   string
	opts    search.Options
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Search(_ context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.query, f.opts = query, opts
	return f.results, f.err
}

func gameRegistry(t *testing.T, rules *RulesLookup) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	if err := RegisterGameTools(r, rules); err != nil {
		t.Fatalf("RegisterGameTools: %v", err)
	}
	return r
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("tool output is not JSON: %v\n%s", err, out)
	}
	return m
}

func TestDefinitionsSorted(t *testing.T) {
	r := gameRegistry(t, nil)
	defs := r.Definitions()
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
		if d.Parameters["type"] != "object" {
			t.Errorf("%s parameters type = %v", d.Name, d.Parameters["type"])
		}
	}
	want := "adventure_reference,combat_analyzer,level_up_advisor,pf2e_rules_lookup"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("definitions = %s, want %s", got, want)
	}
	if got := strings.Join(r.Names(), ","); got != want {
		t.Errorf("Names = %s", got)
	}
}

func TestExecuteValidation(t *testing.T) {
	r := gameRegistry(t, nil)
	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing required", "pf2e_rules_lookup", nil},
		{"empty query", "pf2e_rules_lookup", map[string]any{"query": ""}},
		{"wrong type", "combat_analyzer", map[string]any{"combat_state": "not an object"}},
		{"bad array item", "level_up_advisor", map[string]any{"character_data": map[string]any{}, "level_up_goals": []any{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tt.tool, tt.args)
			var ae *ArgumentError
			if !errors.As(err, &ae) {
				t.Fatalf("Execute = %v, want *ArgumentError", err)
			}
			if ae.ToolName != tt.tool {
				t.Errorf("ToolName = %q", ae.ToolName)
			}
		})
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := gameRegistry(t, nil)
	_, err := r.Execute(context.Background(), "cast_fireball", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) || unavailable.ToolName != "cast_fireball" {
		t.Errorf("Execute = %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": 42},
		Handler:    func(context.Context, map[string]any) (string, error) { return "", nil },
	})
	if err == nil {
		t.Fatal("Register accepted an invalid schema")
	}
	if r.Get("broken") != nil {
		t.Error("invalid tool was registered")
	}
	if err := r.Register(&Tool{Name: "nohandler"}); err == nil {
		t.Error("Register accepted a tool without a handler")
	}
}

func TestHandlerErrorWrapped(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	if err := r.Register(&Tool{
		Name:    "fails",
		Handler: func(context.Context, map[string]any) (string, error) { return "", boom },
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Execute(context.Background(), "fails", nil); !errors.Is(err, boom) {
		t.Errorf("Execute = %v, want wrapped boom", err)
	}
}

func TestRulesLookup(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		p := &fakeProvider{results: []search.Result{
			{Title: "Flanking", URL: "https://2e.aonprd.com/Rules.aspx?ID=2361", Snippet: "off-guard", Score: 0.9},
			{Title: "Untitled", URL: "https://2e.aonprd.com/x"},
		}}
		mgr := search.NewManager("fake")
		mgr.Register(p)
		r := gameRegistry(t, &RulesLookup{Search: mgr, Domain: "https://2e.aonprd.com", MaxResults: 5})

		out, err := r.Execute(context.Background(), "pf2e_rules_lookup", map[string]any{"query": "flanking"})
		if err != nil {
			t.Fatal(err)
		}
		m := decode(t, out)
		if m["found"] != true || m["query"] != "flanking" {
			t.Errorf("result = %v", m)
		}
		results := m["results"].([]any)
		if len(results) != 2 || results[1].(map[string]any)["content"] != "No content available" {
			t.Errorf("results = %v", results)
		}
		if f, _ := m["formatted"].(string); !strings.HasPrefix(f, "1. Flanking\n   https://2e.aonprd.com/Rules.aspx?ID=2361\n   off-guard") {
			t.Errorf("formatted = %q", f)
		}
		if p.query != "flanking pathfinder 2e" || !p.opts.Deep || p.opts.Count != 5 || p.opts.IncludeDomains[0] != "https://2e.aonprd.com" {
			t.Errorf("search called with %q %+v", p.query, p.opts)
		}
	})

	t.Run("no results", func(t *testing.T) {
		mgr := search.NewManager("fake")
		mgr.Register(&fakeProvider{})
		res := (&RulesLookup{Search: mgr}).Lookup(context.Background(), "zzz")
		if res.Found || len(res.SuggestedTopics) != 5 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		r := gameRegistry(t, nil)
		out, err := r.Execute(context.Background(), "pf2e_rules_lookup", map[string]any{"query": "grapple"})
		if err != nil {
			t.Fatal(err)
		}
		m := decode(t, out)
		if m["found"] != false || !strings.Contains(m["message"].(string), "not available") {
			t.Errorf("result = %v", m)
		}
	})

	t.Run("search error", func(t *testing.T) {
		mgr := search.NewManager("fake")
		mgr.Register(&fakeProvider{err: errors.New("quota exceeded")})
		res := (&RulesLookup{Search: mgr}).Lookup(context.Background(), "grapple")
		if res.Found || res.Error != "quota exceeded" || !strings.HasPrefix(res.Message, "Error occurred during search") {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestPlaceholderTools(t *testing.T) {
	r := gameRegistry(t, nil)
	ctx := context.Background()

	out, err := r.Execute(ctx, "combat_analyzer", map[string]any{"combat_state": map[string]any{"round": 2}})
	if err != nil {
		t.Fatal(err)
	}
	m := decode(t, out)
	if m["analysis_type"] != "tactical" || m["character_id"] != nil {
		t.Errorf("combat_analyzer = %v", m)
	}

	out, err = r.Execute(ctx, "level_up_advisor", map[string]any{"character_data": map[string]any{"level": 3}})
	if err != nil {
		t.Fatal(err)
	}
	m = decode(t, out)
	if goals, ok := m["level_up_goals"].([]any); !ok || len(goals) != 0 {
		t.Errorf("level_up_goals = %v", m["level_up_goals"])
	}

	out, err = r.Execute(ctx, "adventure_reference", map[string]any{"query": "Otari"})
	if err != nil {
		t.Fatal(err)
	}
	m = decode(t, out)
	if m["query"] != "Otari" || len(m["content_types"].([]any)) != 5 {
		t.Errorf("adventure_reference = %v", m)
	}
}
