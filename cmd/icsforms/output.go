package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

// Exit codes for CLI commands.
const (
	exitSuccess      = 0
	exitFailure      = 1 // integrity check failed, form not submittable
	exitCommandError = 2
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var validFormats = []string{formatTable, formatJSON, formatYAML}

// exitError carries a process exit code alongside the failure.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error {
	return e.err
}

// failure reports a completed command whose outcome was negative.
func failure(message string) error {
	return &exitError{code: exitFailure, message: message}
}

// exitCode extracts the exit code from an error.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitCommandError
}

// normalizeFormat validates one --format value.
func normalizeFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	if format == "" {
		return formatTable, nil
	}
	for _, f := range validFormats {
		if f == format {
			return format, nil
		}
	}
	return "", fmt.Errorf("invalid format %q: must be one of %v", raw, validFormats)
}

// printer renders command results in the selected format.
type printer struct {
	format string
	out    io.Writer
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// emit writes v as JSON or YAML, or calls render for table output.
func (p printer) emit(v any, render func() string) error {
	switch p.format {
	case formatJSON:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json output: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(encoded))
		return err
	case formatYAML:
		return writeYAML(p.out, v)
	default:
		_, err := fmt.Fprintln(p.out, render())
		return err
	}
}

// writeYAML encodes v as YAML using its JSON field names.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode yaml output: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("encode yaml output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("encode yaml output: %w", err)
	}
	return enc.Close()
}

// renderTable draws a bordered table with a styled header row.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// renderPairs draws a two-column key/value table under an optional title.
func renderPairs(title string, pairs [][2]string) string {
	rows := make([][]string, 0, len(pairs))
	for _, kv := range pairs {
		rows = append(rows, []string{kv[0], kv[1]})
	}
	body := renderTable([]string{"key", "value"}, rows)
	if title == "" {
		return body
	}
	return titleStyle.Render(title) + "\n" + body
}
