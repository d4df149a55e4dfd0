package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// validate checks args against the tool's declared params: required
// fields are present, primitive types match, and nothing undeclared is
// passed. Values are never coerced.
func validate(t *Tool, args map[string]any) error {
	declared := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = p
		if _, ok := args[p.Name]; p.Required && !ok {
			return &ErrInvalidArgument{ToolName: t.Name, Field: p.Name, Reason: "missing required field"}
		}
	}

	for key, value := range args {
		p, ok := declared[key]
		if !ok {
			return &ErrInvalidArgument{ToolName: t.Name, Field: key, Reason: "unknown field"}
		}
		if !matchesType(value, p.Type) {
			return &ErrInvalidArgument{
				ToolName: t.Name,
				Field:    key,
				Reason:   fmt.Sprintf("expected %s but got %T", p.Type, value),
			}
		}
	}
	return nil
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		return isInteger(value)
	case "boolean":
		_, ok := value.(bool)
		return ok
	}
	return false
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64, int, int32, int64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
