package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/leadnova/leadnova/internal/llm"
	"github.com/leadnova/leadnova/internal/search"
)

const searchToolName = "search_profiles"

type searchArguments struct {
	Filters []search.RawFilter `json:"filters"`
	Columns []string           `json:"columns"`
	Limit   float64            `json:"limit"`
}

// SearchTool describes the single tool offered to the model. Column and
// operator enums come from the policy.
func SearchTool(policy *search.Policy) (llm.Tool, error) {
	operators := make([]string, 0)
	for _, op := range policy.Operators() {
		operators = append(operators, string(op))
	}
	columns := policy.ColumnNames()

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filters": map[string]any{
				"type":        "array",
				"description": "Conditions that every returned contact must satisfy.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"column":   map[string]any{"type": "string", "enum": columns},
						"operator": map[string]any{"type": "string", "enum": operators},
						"value": map[string]any{
							"type":        []string{"string", "number", "boolean", "null"},
							"description": "Comparison value. Omit for IS_NULL and IS_NOT_NULL.",
						},
					},
					"required": []string{"column", "operator"},
				},
			},
			"columns": map[string]any{
				"type":        "array",
				"description": "Fields to return. Leave empty for the default contact card.",
				"items":       map[string]any{"type": "string", "enum": columns},
			},
			"limit": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": search.MaxLimit,
			},
		},
		"required": []string{"filters"},
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return llm.Tool{}, fmt.Errorf("marshal %s schema: %w", searchToolName, err)
	}
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        searchToolName,
			Description: "Search the contact network for people matching the given filters.",
			Parameters:  raw,
		},
	}, nil
}

func parseSearchArguments(call llm.ToolCall) (searchArguments, error) {
	if call.Function.Name != searchToolName {
		return searchArguments{}, &ValidationError{
			Tool:    call.Function.Name,
			Payload: call.Function.Arguments,
			Err:     errUnknownTool,
		}
	}
	payload := strings.TrimSpace(call.Function.Arguments)
	if payload == "" {
		payload = "{}"
	}
	var args searchArguments
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		return searchArguments{}, &ValidationError{Tool: searchToolName, Payload: call.Function.Arguments, Err: err}
	}
	if args.Limit < 0 || args.Limit != math.Trunc(args.Limit) {
		return searchArguments{}, &ValidationError{
			Tool:    searchToolName,
			Payload: call.Function.Arguments,
			Err:     fmt.Errorf("limit must be a non-negative integer, got %v", args.Limit),
		}
	}
	// Clamp before any int conversion; huge floats do not convert portably.
	args.Limit = math.Min(args.Limit, search.MaxLimit)
	return args, nil
}
