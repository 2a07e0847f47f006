package validation

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hylla/icsforms/internal/template"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 ().\-]{7,24}(\s*(x|ext\.?)\s*[0-9]{1,6})?$`)
	dmsPattern   = regexp.MustCompile(`^\d{1,3}[°\s]\s*\d{1,2}['\s]\s*\d{1,2}(\.\d+)?"?\s*[NSEW]`)
	utmPattern   = regexp.MustCompile(`^\d{1,2}[C-HJ-NP-X]\s?\d{6}\s?\d{7}$`)
	mgrsPattern  = regexp.MustCompile(`^\d{1,2}[C-HJ-NP-X]\s?[A-HJ-NP-Z]{2}\s?(\d{2}|\d{4}|\d{6}|\d{8}|\d{10}|\d{1,5}\s\d{1,5})$`)
)

// Accepted time layouts per field kind.
var (
	dateLayouts     = []string{time.DateOnly}
	timeLayouts     = []string{"15:04", time.TimeOnly}
	datetimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}
)

// checkValue runs the type-specific checks for a non-empty value.
func (p *pass) checkValue(id, label string, ft template.FieldType, value any) []Message {
	bad := func(code Code, format string, args ...any) []Message {
		return []Message{{FieldID: id, Code: code, Severity: SeverityError, Message: fmt.Sprintf(format, args...)}}
	}
	if err := template.CheckValue(ft, value); err != nil {
		return bad(CodeInvalidType, "%s: %v", label, err)
	}

	switch ft.Kind {
	case template.KindText, template.KindTextarea:
		return p.checkText(id, label, ft.Text, value.(string))
	case template.KindEmail:
		s := strings.TrimSpace(value.(string))
		if !emailPattern.MatchString(s) {
			return bad(CodeInvalidFormat, "%s must be a valid email address", label)
		}
		return p.checkText(id, label, ft.Text, s)
	case template.KindPhone:
		s := strings.TrimSpace(value.(string))
		if !phonePattern.MatchString(s) || countDigits(s) < 7 {
			return bad(CodeInvalidFormat, "%s must be a valid phone number", label)
		}
		return p.checkText(id, label, ft.Text, s)
	case template.KindNumber:
		n, _ := template.ToFloat(value)
		return checkNumber(id, label, ft.Number, n)
	case template.KindDate:
		if _, ok := parseAny(value.(string), dateLayouts); !ok {
			return bad(CodeInvalidFormat, "%s must be a date (YYYY-MM-DD)", label)
		}
	case template.KindTime:
		if _, ok := parseAny(value.(string), timeLayouts); !ok {
			return bad(CodeInvalidFormat, "%s must be a time (HH:MM)", label)
		}
	case template.KindDateTime:
		if _, ok := parseAny(value.(string), datetimeLayouts); !ok {
			return bad(CodeInvalidFormat, "%s must be a date and time", label)
		}
	case template.KindSelect, template.KindRadio, template.KindCheckboxGroup:
		var picked []string
		switch v := value.(type) {
		case string:
			picked = []string{v}
		case []any:
			for _, item := range v {
				picked = append(picked, item.(string))
			}
		}
		for _, choice := range picked {
			if !ft.HasOption(choice) {
				return bad(CodeInvalidOption, "%s: %q is not one of %s", label, choice, strings.Join(ft.OptionValues(), ", "))
			}
		}
	case template.KindPosition:
		if !slices.ContainsFunc(template.ICSPositions, func(pos string) bool {
			return strings.EqualFold(pos, strings.TrimSpace(value.(string)))
		}) {
			return []Message{{FieldID: id, Code: CodeInvalidOption, Severity: SeverityWarning,
				Message: fmt.Sprintf("%s: %q is not a standard ICS position", label, value)}}
		}
	case template.KindCoordinates:
		return checkCoordinates(id, label, ft.Coordinates, value)
	case template.KindFrequency:
		n, _ := template.ToFloat(value)
		if f := ft.Frequency; f != nil {
			if (f.Min != nil && n < *f.Min) || (f.Max != nil && n > *f.Max) {
				return bad(CodeRange, "%s must be between %s and %s %s", label, fmtBound(f.Min), fmtBound(f.Max), f.Unit)
			}
		}
	case template.KindFile:
		return checkFiles(id, label, ft.File, value)
	case template.KindPersonInfo, template.KindAddress:
		obj := value.(map[string]any)
		var out []Message
		if ft.Composite != nil {
			for _, sub := range ft.Composite.RequiredFields {
				if template.IsEmpty(obj[sub]) {
					out = append(out, Message{FieldID: id + "." + sub, Code: CodeRequired, Severity: SeverityError,
						Message: fmt.Sprintf("%s: %s is required", label, sub)})
				}
			}
		}
		return out
	case template.KindTable:
		return p.checkTable(id, label, ft.Table, value.([]any))
	}
	return nil
}

// checkText enforces length bounds and the descriptor pattern.
func (p *pass) checkText(id, label string, spec *template.TextSpec, s string) []Message {
	if spec == nil {
		return nil
	}
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if spec.MinLength != nil && n < *spec.MinLength {
		return []Message{{FieldID: id, Code: CodeMinLength, Severity: SeverityError,
			Message: fmt.Sprintf("%s must be at least %d characters", label, *spec.MinLength)}}
	}
	if spec.MaxLength != nil && n > *spec.MaxLength {
		return []Message{{FieldID: id, Code: CodeMaxLength, Severity: SeverityError,
			Message: fmt.Sprintf("%s must be at most %d characters", label, *spec.MaxLength)}}
	}
	if spec.Pattern != "" {
		re, err := p.tpl.Pattern(spec.Pattern)
		if err == nil && !re.MatchString(s) {
			return []Message{{FieldID: id, Code: CodePattern, Severity: SeverityError,
				Message: fmt.Sprintf("%s has an invalid format", label)}}
		}
	}
	return nil
}

// checkNumber enforces range, step and decimal places.
func checkNumber(id, label string, spec *template.NumberSpec, n float64) []Message {
	if spec == nil {
		return nil
	}
	bad := func(code Code, format string, args ...any) []Message {
		return []Message{{FieldID: id, Code: code, Severity: SeverityError, Message: fmt.Sprintf(format, args...)}}
	}
	if (spec.Min != nil && n < *spec.Min) || (spec.Max != nil && n > *spec.Max) {
		return bad(CodeRange, "%s must be between %s and %s", label, fmtBound(spec.Min), fmtBound(spec.Max))
	}
	if spec.Step != nil && *spec.Step > 0 {
		base := 0.0
		if spec.Min != nil {
			base = *spec.Min
		}
		steps := (n - base) / *spec.Step
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return bad(CodeStep, "%s must be a multiple of %v", label, *spec.Step)
		}
	}
	if spec.DecimalPlaces != nil && decimalPlaces(n) > *spec.DecimalPlaces {
		return bad(CodeDecimalPlaces, "%s allows at most %d decimal places", label, *spec.DecimalPlaces)
	}
	return nil
}

// checkCoordinates validates a position in the declared notation.
func checkCoordinates(id, label string, spec *template.CoordinatesSpec, value any) []Message {
	format := template.CoordinatesDecimal
	if spec != nil {
		format = spec.Format
	}
	bad := []Message{{FieldID: id, Code: CodeInvalidFormat, Severity: SeverityError,
		Message: fmt.Sprintf("%s must be %s coordinates", label, format)}}

	if obj, ok := value.(map[string]any); ok {
		lat, okLat := template.ToFloat(obj["latitude"])
		lon, okLon := template.ToFloat(obj["longitude"])
		if !okLat || !okLon || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
			return bad
		}
		return nil
	}
	s := strings.ToUpper(strings.TrimSpace(value.(string)))
	switch format {
	case template.CoordinatesDecimal:
		latRaw, lonRaw, ok := strings.Cut(s, ",")
		if !ok {
			return bad
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
		if err1 != nil || err2 != nil || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
			return bad
		}
	case template.CoordinatesDMS:
		if !dmsPattern.MatchString(s) {
			return bad
		}
	case template.CoordinatesUTM:
		if !utmPattern.MatchString(s) {
			return bad
		}
	case template.CoordinatesMGRS:
		if !mgrsPattern.MatchString(s) {
			return bad
		}
	}
	return nil
}

// checkFiles validates attachment metadata objects.
func checkFiles(id, label string, spec *template.FileSpec, value any) []Message {
	var items []map[string]any
	switch v := value.(type) {
	case map[string]any:
		items = append(items, v)
	case []any:
		for _, raw := range v {
			items = append(items, raw.(map[string]any))
		}
	}
	if spec == nil {
		return nil
	}
	var out []Message
	for _, item := range items {
		mime, _ := item["type"].(string)
		if len(spec.AllowedTypes) > 0 && !slices.Contains(spec.AllowedTypes, mime) {
			out = append(out, Message{FieldID: id, Code: CodeFile, Severity: SeverityError,
				Message: fmt.Sprintf("%s: file type %q is not allowed", label, mime)})
		}
		if size, ok := template.ToFloat(item["size_mb"]); ok && spec.MaxSizeMB > 0 && size > spec.MaxSizeMB {
			out = append(out, Message{FieldID: id, Code: CodeFile, Severity: SeverityError,
				Message: fmt.Sprintf("%s: file exceeds %v MiB", label, spec.MaxSizeMB)})
		}
	}
	return out
}

// checkTable validates row counts and every cell by its column type.
func (p *pass) checkTable(id, label string, spec *template.TableSpec, rows []any) []Message {
	if spec == nil {
		return nil
	}
	var out []Message
	if spec.MinRows != nil && len(rows) < *spec.MinRows {
		out = append(out, Message{FieldID: id, Code: CodeRowCount, Severity: SeverityError,
			Message: fmt.Sprintf("%s needs at least %d rows", label, *spec.MinRows)})
	}
	if spec.MaxRows != nil && len(rows) > *spec.MaxRows {
		out = append(out, Message{FieldID: id, Code: CodeRowCount, Severity: SeverityError,
			Message: fmt.Sprintf("%s allows at most %d rows", label, *spec.MaxRows)})
	}
	for i, raw := range rows {
		row := raw.(map[string]any)
		for _, col := range spec.Columns {
			cellID := fmt.Sprintf("%s[%d].%s", id, i, col.ID)
			cellLabel := fmt.Sprintf("%s row %d %s", label, i+1, col.Label)
			cell := row[col.ID]
			if template.IsEmpty(cell) {
				if col.Required {
					out = append(out, Message{FieldID: cellID, Code: CodeRequired, Severity: SeverityError,
						Message: fmt.Sprintf("%s is required", cellLabel)})
				}
				continue
			}
			out = append(out, p.checkValue(cellID, cellLabel, col.Type, cell)...)
		}
	}
	return out
}

// parseAny tries each layout in turn.
func parseAny(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseTemporal parses any date, time or datetime layout.
func parseTemporal(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	if ts, ok := parseAny(s, datetimeLayouts); ok {
		return ts, true
	}
	if ts, ok := parseAny(s, dateLayouts); ok {
		return ts, true
	}
	return parseAny(s, timeLayouts)
}

// countDigits counts ASCII digits.
func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// decimalPlaces counts fractional digits in the shortest representation of n.
func decimalPlaces(n float64) int {
	s := strconv.FormatFloat(n, 'f', -1, 64)
	_, frac, ok := strings.Cut(s, ".")
	if !ok {
		return 0
	}
	return len(frac)
}

// fmtBound renders an optional bound.
func fmtBound(b *float64) string {
	if b == nil {
		return "any"
	}
	return strconv.FormatFloat(*b, 'f', -1, 64)
}
