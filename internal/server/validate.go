package server

import (
	"encoding/json"
	"fmt"

	"tideline/internal/domain"
)

// checkItemValue verifies a raw JSON value against the template item's type
// and validations before it is handed to the engine, which stores values
// as-is.
func checkItemValue(ti domain.TemplateItem, raw string) error {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("item value: %w", err)
	}
	switch ti.Type {
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("item %q expects a boolean value", ti.Label)
		}
	case "number":
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("item %q expects a number value", ti.Label)
		}
		if ti.Validations != nil {
			if ti.Validations.Min != nil && n < *ti.Validations.Min {
				return fmt.Errorf("item %q value %v below minimum %v", ti.Label, n, *ti.Validations.Min)
			}
			if ti.Validations.Max != nil && n > *ti.Validations.Max {
				return fmt.Errorf("item %q value %v above maximum %v", ti.Label, n, *ti.Validations.Max)
			}
		}
	case "text", "photo", "signature":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("item %q expects a string value", ti.Label)
		}
		if ti.Type == "text" && ti.Validations != nil && ti.Validations.MaxLength != nil && len(s) > *ti.Validations.MaxLength {
			return fmt.Errorf("item %q value exceeds max length %d", ti.Label, *ti.Validations.MaxLength)
		}
	case "select":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("item %q expects a string value", ti.Label)
		}
		if ti.Validations != nil {
			for _, opt := range ti.Validations.Options {
				if s == opt {
					return nil
				}
			}
			return fmt.Errorf("item %q value %q not in options", ti.Label, s)
		}
	}
	return nil
}
