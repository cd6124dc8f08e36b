package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PlanSchema is the JSON Schema a Planner response must satisfy.
const PlanSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "reasoning": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool"],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "inputs": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// Plan is the decoded Planner response.
type Plan struct {
	Reasoning string     `json:"reasoning"`
	Steps     []PlanStep `json:"steps"`
}

// PlanStep names one tool and the items to run it on. Nil Inputs means the
// step gave none.
type PlanStep struct {
	Tool   string   `json:"tool"`
	Inputs []string `json:"inputs"`
}

// Tools returns the step tool names in plan order, duplicates included.
func (p Plan) Tools() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Tool)
	}
	return out
}

// PlanParser extracts and validates a Plan from free-form model output.
type PlanParser struct {
	schema *jsonschema.Schema
}

func NewPlanParser() (*PlanParser, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(PlanSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanParser{schema: schema}, nil
}

// Parse finds the first JSON document in text and validates it as a Plan.
func (p *PlanParser) Parse(text string) (Plan, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return Plan{}, fmt.Errorf("response does not contain valid JSON")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return Plan{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return Plan{}, fmt.Errorf("schema validation failed: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first { or [ with a matching close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON structure at the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
