package template

import (
	"fmt"
	"slices"
)

// CheckValue reports whether v has the JSON shape the field type stores.
// Empty values always pass; requiredness and formats are runtime concerns.
func CheckValue(ft FieldType, v any) error {
	if v == nil {
		return nil
	}
	switch ft.Kind {
	case KindText, KindTextarea, KindEmail, KindPhone, KindDate, KindTime, KindDateTime, KindPosition, KindRadio:
		return expectString(v)
	case KindNumber, KindFrequency:
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("expected number, got %s", jsonKind(v))
		}
	case KindSelect:
		if ft.Choice != nil && ft.Choice.Multiple {
			return expectStringList(v)
		}
		return expectString(v)
	case KindCheckboxGroup:
		return expectStringList(v)
	case KindCheckbox:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %s", jsonKind(v))
		}
	case KindCoordinates, KindSignature:
		switch v.(type) {
		case string, map[string]any:
		default:
			return fmt.Errorf("expected string or object, got %s", jsonKind(v))
		}
	case KindFile:
		if ft.File != nil && ft.File.Multiple {
			items, ok := v.([]any)
			if !ok {
				return fmt.Errorf("expected array, got %s", jsonKind(v))
			}
			for i, item := range items {
				if _, ok := item.(map[string]any); !ok {
					return fmt.Errorf("[%d]: expected object, got %s", i, jsonKind(item))
				}
			}
			return nil
		}
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %s", jsonKind(v))
		}
	case KindPersonInfo, KindAddress:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %s", jsonKind(v))
		}
	case KindTable:
		rows, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array of rows, got %s", jsonKind(v))
		}
		for i, raw := range rows {
			row, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("row %d: expected object, got %s", i, jsonKind(raw))
			}
			if ft.Table == nil {
				continue
			}
			for _, col := range ft.Table.Columns {
				if err := CheckValue(col.Type, row[col.ID]); err != nil {
					return fmt.Errorf("row %d column %s: %w", i, col.ID, err)
				}
			}
		}
	}
	return nil
}

// expectString rejects non-string values.
func expectString(v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("expected string, got %s", jsonKind(v))
	}
	return nil
}

// expectStringList rejects anything but an array of strings.
func expectStringList(v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected array, got %s", jsonKind(v))
	}
	for i, item := range items {
		if _, ok := item.(string); !ok {
			return fmt.Errorf("[%d]: expected string, got %s", i, jsonKind(item))
		}
	}
	return nil
}

// jsonKind names the JSON type of a decoded value.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// OptionValues returns the declared option values of a choice field.
func (ft FieldType) OptionValues() []string {
	if ft.Choice == nil {
		return nil
	}
	out := make([]string, 0, len(ft.Choice.Options))
	for _, opt := range ft.Choice.Options {
		out = append(out, opt.Value)
	}
	return out
}

// HasOption reports whether value is one of the declared options.
func (ft FieldType) HasOption(value string) bool {
	return slices.Contains(ft.OptionValues(), value)
}
