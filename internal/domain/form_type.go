package domain

import (
	"slices"
	"strings"
)

// FormType is the ICS code that selects a form's template.
type FormType string

// FormType values for the twenty bundled ICS forms.
const (
	FormTypeICS201  FormType = "ICS-201"
	FormTypeICS202  FormType = "ICS-202"
	FormTypeICS203  FormType = "ICS-203"
	FormTypeICS204  FormType = "ICS-204"
	FormTypeICS205  FormType = "ICS-205"
	FormTypeICS205A FormType = "ICS-205A"
	FormTypeICS206  FormType = "ICS-206"
	FormTypeICS207  FormType = "ICS-207"
	FormTypeICS208  FormType = "ICS-208"
	FormTypeICS209  FormType = "ICS-209"
	FormTypeICS210  FormType = "ICS-210"
	FormTypeICS211  FormType = "ICS-211"
	FormTypeICS213  FormType = "ICS-213"
	FormTypeICS214  FormType = "ICS-214"
	FormTypeICS215  FormType = "ICS-215"
	FormTypeICS215A FormType = "ICS-215A"
	FormTypeICS218  FormType = "ICS-218"
	FormTypeICS220  FormType = "ICS-220"
	FormTypeICS221  FormType = "ICS-221"
	FormTypeICS225  FormType = "ICS-225"
)

var validFormTypes = []FormType{
	FormTypeICS201, FormTypeICS202, FormTypeICS203, FormTypeICS204,
	FormTypeICS205, FormTypeICS205A, FormTypeICS206, FormTypeICS207,
	FormTypeICS208, FormTypeICS209, FormTypeICS210, FormTypeICS211,
	FormTypeICS213, FormTypeICS214, FormTypeICS215, FormTypeICS215A,
	FormTypeICS218, FormTypeICS220, FormTypeICS221, FormTypeICS225,
}

// FormTypes returns every recognized form type in catalog order.
func FormTypes() []FormType {
	return slices.Clone(validFormTypes)
}

// Valid reports whether the form type is one of the recognized ICS codes.
func (t FormType) Valid() bool {
	return slices.Contains(validFormTypes, t)
}

// ParseFormType accepts "ICS-205A", "ics205a" or "205A" and returns the canonical code.
func ParseFormType(raw string) (FormType, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.ReplaceAll(code, " ", "")
	code = strings.TrimPrefix(code, "ICS-")
	code = strings.TrimPrefix(code, "ICS")
	code = strings.TrimPrefix(code, "-")
	ft := FormType("ICS-" + code)
	if !ft.Valid() {
		return "", ErrInvalidFormType
	}
	return ft, nil
}
