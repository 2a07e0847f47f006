package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// FieldKind tags the variant held by a FieldType.
type FieldKind string

// FieldKind values.
const (
	KindText          FieldKind = "text"
	KindTextarea      FieldKind = "textarea"
	KindNumber        FieldKind = "number"
	KindDate          FieldKind = "date"
	KindTime          FieldKind = "time"
	KindDateTime      FieldKind = "datetime"
	KindSelect        FieldKind = "select"
	KindRadio         FieldKind = "radio"
	KindCheckboxGroup FieldKind = "checkbox_group"
	KindCheckbox      FieldKind = "checkbox"
	KindEmail         FieldKind = "email"
	KindPhone         FieldKind = "phone"
	KindCoordinates   FieldKind = "coordinates"
	KindFrequency     FieldKind = "frequency"
	KindFile          FieldKind = "file"
	KindSignature     FieldKind = "signature"
	KindPosition      FieldKind = "ics_position"
	KindPersonInfo    FieldKind = "person_info"
	KindAddress       FieldKind = "address"
	KindTable         FieldKind = "table"
	KindCustom        FieldKind = "custom"
)

var knownKinds = []FieldKind{
	KindText, KindTextarea, KindNumber, KindDate, KindTime, KindDateTime,
	KindSelect, KindRadio, KindCheckboxGroup, KindCheckbox, KindEmail, KindPhone,
	KindCoordinates, KindFrequency, KindFile, KindSignature, KindPosition,
	KindPersonInfo, KindAddress, KindTable, KindCustom,
}

// Known reports whether the kind is a recognized descriptor tag.
func (k FieldKind) Known() bool {
	return slices.Contains(knownKinds, k)
}

// FieldType is a tagged union: Kind selects which spec pointer is meaningful.
type FieldType struct {
	Kind        FieldKind
	Text        *TextSpec
	Number      *NumberSpec
	Choice      *ChoiceSpec
	Coordinates *CoordinatesSpec
	Frequency   *FrequencySpec
	File        *FileSpec
	Composite   *CompositeSpec
	Table       *TableSpec
	Custom      *CustomSpec
}

// TextSpec applies to text and textarea fields.
type TextSpec struct {
	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

type NumberSpec struct {
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Step          *float64 `json:"step,omitempty"`
	DecimalPlaces *int     `json:"decimal_places,omitempty"`
}

// Option is one choice of a select, radio or checkbox group.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// ChoiceSpec applies to select, radio and checkbox_group fields.
type ChoiceSpec struct {
	Options    []Option `json:"options"`
	Multiple   bool     `json:"multiple,omitempty"`
	Searchable bool     `json:"searchable,omitempty"`
}

// CoordinateFormat names a position notation.
type CoordinateFormat string

// CoordinateFormat values.
const (
	CoordinatesDecimal CoordinateFormat = "decimal_degrees"
	CoordinatesDMS     CoordinateFormat = "dms"
	CoordinatesUTM     CoordinateFormat = "utm"
	CoordinatesMGRS    CoordinateFormat = "mgrs"
)

type CoordinatesSpec struct {
	Format CoordinateFormat `json:"format"`
}

// FrequencyUnit scales radio frequency values.
type FrequencyUnit string

// FrequencyUnit values.
const (
	UnitHz  FrequencyUnit = "Hz"
	UnitKHz FrequencyUnit = "kHz"
	UnitMHz FrequencyUnit = "MHz"
	UnitGHz FrequencyUnit = "GHz"
)

type FrequencySpec struct {
	Min  *float64      `json:"min,omitempty"`
	Max  *float64      `json:"max,omitempty"`
	Unit FrequencyUnit `json:"unit"`
}

type FileSpec struct {
	AllowedTypes []string `json:"allowed_types,omitempty"`
	MaxSizeMB    float64  `json:"max_size_mb,omitempty"`
	Multiple     bool     `json:"multiple,omitempty"`
}

// CompositeSpec applies to person_info and address fields.
type CompositeSpec struct {
	RequiredFields []string `json:"required_fields,omitempty"`
}

// Column is one typed column of a table field.
type Column struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Type     FieldType `json:"field_type"`
	Required bool      `json:"required,omitempty"`
}

type TableSpec struct {
	Columns []Column `json:"columns"`
	MinRows *int     `json:"min_rows,omitempty"`
	MaxRows *int     `json:"max_rows,omitempty"`
}

// CustomSpec is the escape hatch for widgets the catalog does not model.
type CustomSpec struct {
	Widget  string         `json:"widget,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// UnmarshalJSON decodes {"type": "...", ...} into the matching variant.
func (ft *FieldType) UnmarshalJSON(raw []byte) error {
	var head struct {
		Type FieldKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return err
	}
	if !head.Type.Known() {
		return fmt.Errorf("unknown field type %q", head.Type)
	}
	out := FieldType{Kind: head.Type}
	var target any
	switch head.Type {
	case KindText, KindTextarea, KindEmail, KindPhone:
		out.Text = &TextSpec{}
		target = out.Text
	case KindNumber:
		out.Number = &NumberSpec{}
		target = out.Number
	case KindSelect, KindRadio, KindCheckboxGroup:
		out.Choice = &ChoiceSpec{}
		target = out.Choice
	case KindCoordinates:
		out.Coordinates = &CoordinatesSpec{}
		target = out.Coordinates
	case KindFrequency:
		out.Frequency = &FrequencySpec{}
		target = out.Frequency
	case KindFile:
		out.File = &FileSpec{}
		target = out.File
	case KindPersonInfo, KindAddress:
		out.Composite = &CompositeSpec{}
		target = out.Composite
	case KindTable:
		out.Table = &TableSpec{}
		target = out.Table
	case KindCustom:
		out.Custom = &CustomSpec{}
		target = out.Custom
	}
	if target != nil {
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("field type %s: %w", head.Type, err)
		}
	}
	*ft = out
	return nil
}

// MarshalJSON encodes the active variant with its type tag.
func (ft FieldType) MarshalJSON() ([]byte, error) {
	var spec any
	switch {
	case ft.Text != nil:
		spec = ft.Text
	case ft.Number != nil:
		spec = ft.Number
	case ft.Choice != nil:
		spec = ft.Choice
	case ft.Coordinates != nil:
		spec = ft.Coordinates
	case ft.Frequency != nil:
		spec = ft.Frequency
	case ft.File != nil:
		spec = ft.File
	case ft.Composite != nil:
		spec = ft.Composite
	case ft.Table != nil:
		spec = ft.Table
	case ft.Custom != nil:
		spec = ft.Custom
	}
	body := []byte("{}")
	if spec != nil {
		var err error
		body, err = json.Marshal(spec)
		if err != nil {
			return nil, err
		}
	}
	kind, err := json.Marshal(ft.Kind)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ICSPositions lists the positions accepted by ics_position fields.
var ICSPositions = []string{
	"Incident Commander",
	"Deputy Incident Commander",
	"Public Information Officer",
	"Safety Officer",
	"Liaison Officer",
	"Operations Section Chief",
	"Planning Section Chief",
	"Logistics Section Chief",
	"Finance/Administration Section Chief",
	"Branch Director",
	"Division Supervisor",
	"Group Supervisor",
	"Strike Team Leader",
	"Task Force Leader",
	"Resources Unit Leader",
	"Situation Unit Leader",
	"Documentation Unit Leader",
	"Demobilization Unit Leader",
	"Communications Unit Leader",
	"Medical Unit Leader",
	"Food Unit Leader",
	"Supply Unit Leader",
	"Facilities Unit Leader",
	"Ground Support Unit Leader",
	"Time Unit Leader",
	"Cost Unit Leader",
	"Staging Area Manager",
	"Air Operations Branch Director",
	"Technical Specialist",
}
