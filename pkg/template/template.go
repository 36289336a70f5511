// Package template renders node fields and edge conditions against a run context.
package template

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var ErrNotBoolean = errors.New("condition did not evaluate to a boolean")

// Context is the data a template sees: .trigger, .nodes.<id>, .last and .variables.
type Context struct {
	RunID     string
	Trigger   map[string]any
	Nodes     map[string]any
	Last      any
	Variables map[string]any
}

func (c Context) Data() map[string]any {
	return map[string]any{
		"run_id":    c.RunID,
		"trigger":   c.Trigger,
		"nodes":     c.Nodes,
		"last":      c.Last,
		"variables": c.Variables,
		"vars":      c.Variables,
	}
}

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)
		if _, err := rand.Read(num); err != nil {
			return 0
		}

		return int(num[0]) % max
	},
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
}

// NeedsTemplating reports whether input carries template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderString executes templateStr and returns the raw text output.
func RenderString(templateStr string, data any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tmpl, err := template.New("field").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render executes templateStr and decodes the output into JSON values, numbers
// or booleans when it looks like one.
func Render(templateStr string, data any) (any, error) {
	rendered, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result := strings.TrimSpace(rendered)

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(result), &jsonResult); err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// EvaluateCondition renders expression and coerces it to a boolean. An empty
// expression is true.
func EvaluateCondition(expression string, data any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	value, err := Render(expression, data)
	if err != nil {
		return false, err
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		if v == "" {
			return false, nil
		}
	}

	return false, fmt.Errorf("%w: %q rendered %v", ErrNotBoolean, expression, value)
}

// RenderFields renders every string value of fields, recursing into maps and slices.
func RenderFields(fields map[string]any, data any) (map[string]any, error) {
	rendered := make(map[string]any, len(fields))

	for key, value := range fields {
		out, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render field %s: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value, data any) (any, error) {
	switch v := value.(type) {
	case string:
		return RenderString(v, data)
	case map[string]any:
		return RenderFields(v, data)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}
