package parser

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func bureauSchema() map[string]any {
	str := map[string]any{"type": "string"}
	strList := map[string]any{"type": "array", "items": str}
	bureau := map[string]any{
		"type": []any{"object", "null"},
		"properties": map[string]any{
			"score":               map[string]any{"type": "integer", "minimum": 0, "maximum": 900},
			"utilization_pct":     map[string]any{"type": "number", "minimum": 0},
			"inquiries":           map[string]any{"type": "integer", "minimum": 0},
			"negatives":           map[string]any{"type": "integer", "minimum": 0},
			"late_payment_events": map[string]any{"type": "integer", "minimum": 0},
			"names":               strList,
			"addresses":           strList,
			"employers":           strList,
			"reportDate":          map[string]any{"type": []any{"string", "null"}},
			"tradelines": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"creditor"},
					"properties": map[string]any{
						"creditor":      str,
						"account_type":  str,
						"status":        str,
						"balance":       map[string]any{"type": "number"},
						"limit":         map[string]any{"type": "number"},
						"opened_date":   str,
						"late_payments": map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
		},
		"required": []any{"score"},
	}
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"ok"},
		"properties": map[string]any{
			"ok":     map[string]any{"type": "boolean"},
			"reason": map[string]any{"type": []any{"string", "null"}},
			"bureaus": map[string]any{
				"type": []any{"object", "null"},
				"properties": map[string]any{
					"experian":   bureau,
					"equifax":    bureau,
					"transunion": bureau,
				},
			},
		},
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bureaus.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("bureaus.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
