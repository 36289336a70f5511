package registry

import "github.com/dukex/courier/pkg/models"

const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$`

// retryProperties are accepted by every queued node type.
func retryProperties() map[string]any {
	return map[string]any{
		"max_attempts": map[string]any{"type": "integer", "minimum": 1},
		"timeout":      map[string]any{"type": "string", "pattern": durationPattern},
	}
}

func objectSchema(title string, properties map[string]any, extra map[string]any) map[string]any {
	schema := map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"title":      title,
		"type":       "object",
		"properties": properties,
	}

	for key, value := range extra {
		schema[key] = value
	}

	return schema
}

func with(base map[string]any, more map[string]any) map[string]any {
	for key, value := range more {
		base[key] = value
	}

	return base
}

var stringType = map[string]any{"type": "string"}

var defaultSchemas = map[models.NodeType]map[string]any{
	models.NodeTypeTrigger: objectSchema("Trigger", map[string]any{
		"provider": map[string]any{
			"type": "string",
			"enum": []any{"", "any", "whatsapp", "instagram", "facebook", "slack", "schedule"},
		},
		"event_types": map[string]any{
			"oneOf": []any{
				stringType,
				map[string]any{"type": "array", "items": stringType},
			},
		},
		"channel_id": stringType,
		"match":      stringType,
		"schedule":   stringType,
		"client_id":  stringType,
	}, map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"provider": map[string]any{"const": "schedule"}},
			"required":   []any{"provider"},
		},
		"then": map[string]any{
			"required":   []any{"schedule"},
			"properties": map[string]any{"schedule": map[string]any{"type": "string", "minLength": 1}},
		},
	}),

	models.NodeTypeLogic: objectSchema("Logic", map[string]any{
		"condition": stringType,
		"output":    map[string]any{"type": "object"},
	}, nil),

	models.NodeTypeAI: objectSchema("AI", with(retryProperties(), map[string]any{
		"prompt": stringType,
		"config": map[string]any{"type": "object"},
	}), nil),

	models.NodeTypeAction: objectSchema("Action", with(retryProperties(), map[string]any{
		"kind":       map[string]any{"type": "string", "enum": []any{"reply", "webhook"}},
		"text":       stringType,
		"to":         stringType,
		"provider":   map[string]any{"type": "string", "enum": []any{"whatsapp", "instagram", "facebook", "slack"}},
		"channel_id": stringType,
		"url":        stringType,
		"method":     stringType,
		"headers":    map[string]any{"type": "object", "additionalProperties": stringType},
		"body":       map[string]any{"type": "object"},
	}), map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"kind": map[string]any{"const": "webhook"}},
			"required":   []any{"kind"},
		},
		"then": map[string]any{"required": []any{"url"}},
	}),

	models.NodeTypeIntegration: objectSchema("Integration", with(retryProperties(), map[string]any{
		"url": map[string]any{"type": "string", "minLength": 1},
		"method": map[string]any{
			"type": "string",
			"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"},
		},
		"headers": map[string]any{"type": "object", "additionalProperties": stringType},
		"body":    map[string]any{"type": "object"},
	}), map[string]any{
		"required": []any{"url"},
	}),
}
