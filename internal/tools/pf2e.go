package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frinny-ai/frinny/internal/search"
)

var suggestedTopics = []string{"Basic rules", "Combat", "Skills", "Spells", "Character creation"}

// RulesLookup searches the Pathfinder 2E rules reference through a
// search provider.
type RulesLookup struct {
	Search     *search.Manager
	Domain     string // e.g. https://2e.aonprd.com
	MaxResults int
	Logger     *slog.Logger
}

// RulesHit is one rules search result.
type RulesHit struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

// RulesResult is the pf2e_rules_lookup tool output.
type RulesResult struct {
	Query           string     `json:"query,omitempty"`
	Found           bool       `json:"found"`
	Results         []RulesHit `json:"results,omitempty"`
	Formatted       string     `json:"formatted,omitempty"`
	SuggestedTopics []string   `json:"suggested_topics,omitempty"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Lookup runs a rules query. It never fails: an unconfigured or failing
// search backend yields a result with Found false and a message the
// model can relay.
func (l *RulesLookup) Lookup(ctx context.Context, query string) RulesResult {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !l.Search.Configured() {
		logger.Error("rules search unavailable: no search provider configured")
		return RulesResult{
			Found:   false,
			Message: "Search service is not available. Please contact the administrator.",
			Error:   "search API key not configured",
		}
	}

	q := query + " pathfinder 2e"
	opts := search.Options{Count: l.MaxResults, Deep: true}
	if l.Domain != "" {
		opts.IncludeDomains = []string{l.Domain}
	}
	logger.Info("searching rules", "query", q, "domain", l.Domain)

	results, err := l.Search.Search(ctx, q, opts)
	if err != nil {
		logger.Error("rules search failed", "query", q, "error", err)
		return RulesResult{
			Found:   false,
			Message: fmt.Sprintf("Error occurred during search: %v", err),
			Error:   err.Error(),
		}
	}

	out := RulesResult{Query: query, Results: make([]RulesHit, 0, len(results))}
	for _, r := range results {
		content := r.Snippet
		if content == "" {
			content = "No content available"
		}
		out.Results = append(out.Results, RulesHit{Title: r.Title, Content: content, URL: r.URL, Score: r.Score})
	}
	out.Found = len(out.Results) > 0
	if out.Found {
		out.Formatted = search.FormatResults(results, l.MaxResults)
	} else {
		out.SuggestedTopics = suggestedTopics
	}
	return out
}

// RegisterGameTools adds the Pathfinder 2E tools. rules may be nil, in
// which case rules lookups report the search service as unavailable.
func RegisterGameTools(r *Registry, rules *RulesLookup) error {
	if rules == nil {
		rules = &RulesLookup{Logger: r.logger}
	}

	defs := []*Tool{
		{
			Name:        "pf2e_rules_lookup",
			Description: "Searches PF2E rulebooks for relevant information and returns formatted rule text with citations.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"minLength":   1,
						"description": "The rules question or term to look up (e.g. 'flanking', 'grapple').",
					},
				},
				"required": []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				return jsonResult(rules.Lookup(ctx, query))
			},
		},
		{
			Name:        "combat_analyzer",
			Description: "Analyzes combat situation and provides tactical advice based on character abilities, enemy stats, and positioning.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"combat_state": map[string]any{
						"type":        "object",
						"description": "The current combat state including characters, enemies, and positioning.",
					},
					"character_id": map[string]any{
						"type":        "string",
						"description": "Optional ID of the character to analyze for.",
					},
				},
				"required": []string{"combat_state"},
			},
			Handler: handleCombatAnalyzer,
		},
		{
			Name:        "level_up_advisor",
			Description: "Analyzes character data and provides level-up recommendations based on character goals and optimization.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"character_data": map[string]any{
						"type":        "object",
						"description": "Character data including class, level, abilities, and current selections.",
					},
					"level_up_goals": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional goals for the character's development.",
					},
				},
				"required": []string{"character_data"},
			},
			Handler: handleLevelUpAdvisor,
		},
		{
			Name:        "adventure_reference",
			Description: "Searches adventure database for relevant content and provides narrative and mechanical information.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"minLength":   1,
						"description": "The query to search for in adventure content.",
					},
					"adventure_context": map[string]any{
						"type":        "object",
						"description": "Optional context about the current adventure.",
					},
				},
				"required": []string{"query"},
			},
			Handler: handleAdventureReference,
		},
	}

	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func handleCombatAnalyzer(_ context.Context, args map[string]any) (string, error) {
	characterID, _ := args["character_id"].(string)
	var idOut any
	if characterID != "" {
		idOut = characterID
	}
	return jsonResult(map[string]any{
		"combat_state":   args["combat_state"],
		"character_id":   idOut,
		"message":        "This is a placeholder. The combat analyzer will be implemented in a future update.",
		"analysis_type":  "tactical",
		"available_data": []string{"character positions", "enemy stats", "terrain features"},
	})
}

func handleLevelUpAdvisor(_ context.Context, args map[string]any) (string, error) {
	goals, _ := args["level_up_goals"].([]any)
	if goals == nil {
		goals = []any{}
	}
	return jsonResult(map[string]any{
		"character_data":    args["character_data"],
		"level_up_goals":    goals,
		"message":           "This is a placeholder. The level up advisor will be implemented in a future update.",
		"available_options": []string{"class feats", "skill increases", "ability boosts", "general feats"},
	})
}

func handleAdventureReference(_ context.Context, args map[string]any) (string, error) {
	return jsonResult(map[string]any{
		"query":             args["query"],
		"adventure_context": args["adventure_context"],
		"message":           "This is a placeholder. The adventure reference functionality will be implemented in a future update.",
		"content_types":     []string{"NPCs", "Locations", "Plot points", "Treasure", "Encounters"},
	})
}
