package validation

import (
	"fmt"
	"strings"

	"github.com/hylla/icsforms/internal/template"
)

// StructureError describes data that does not fit the template's shape.
type StructureError struct {
	Path    string
	Message string
}

// Error renders the structural failure.
func (e StructureError) Error() string {
	path := strings.TrimSpace(e.Path)
	if path == "" {
		path = "$"
	}
	return fmt.Sprintf("%s: %s", path, e.Message)
}

// CheckStructure verifies every known field holds a value of the right JSON shape.
// Unknown keys are allowed and requiredness is not checked.
func CheckStructure(tpl *template.Template, data map[string]any) error {
	if tpl == nil {
		return nil
	}
	return checkSectionsShape(tpl.Sections, data, "$")
}

// checkSectionsShape walks sections, descending into repeatable entries.
func checkSectionsShape(sections []template.Section, data map[string]any, path string) error {
	for _, sec := range sections {
		if sec.Repeatable {
			raw, ok := data[sec.ID]
			if ok && raw != nil {
				entries, isList := raw.([]any)
				if !isList {
					return StructureError{Path: path + "." + sec.ID, Message: "expected array of section entries"}
				}
				for i, item := range entries {
					entry, isObj := item.(map[string]any)
					if !isObj {
						return StructureError{Path: fmt.Sprintf("%s.%s[%d]", path, sec.ID, i), Message: "expected object"}
					}
					if err := checkFieldsShape(sec.Fields, entry, fmt.Sprintf("%s.%s[%d]", path, sec.ID, i)); err != nil {
						return err
					}
				}
			}
		} else if err := checkFieldsShape(sec.Fields, data, path); err != nil {
			return err
		}
		if err := checkSectionsShape(sec.Subsections, data, path); err != nil {
			return err
		}
	}
	return nil
}

// checkFieldsShape checks each field value present in data.
func checkFieldsShape(fields []template.Field, data map[string]any, path string) error {
	for _, f := range fields {
		if err := template.CheckValue(f.Type, data[f.ID]); err != nil {
			return StructureError{Path: path + "." + f.ID, Message: err.Error()}
		}
	}
	return nil
}
