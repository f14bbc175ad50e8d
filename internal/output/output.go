// Package output renders emitted history rows.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"rsu-history/internal/models"
)

// Writer writes one emitted row per call
type Writer interface {
	WriteRow(models.HistoryRow) error
}

// FormatRow renders "entity_id, match_1, ..., match_K". Numeric entity ids
// print as integers.
func FormatRow(r models.HistoryRow) string {
	parts := make([]string, 0, len(r.Matches)+1)
	parts = append(parts, r.EntityID.Display())
	parts = append(parts, r.MatchStrings()...)
	return strings.Join(parts, ", ")
}

// TextWriter writes rows in the comma-space line format
type TextWriter struct {
	w io.Writer
}

// NewTextWriter wraps w
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w}
}

func (t *TextWriter) WriteRow(r models.HistoryRow) error {
	_, err := fmt.Fprintln(t.w, FormatRow(r))
	return err
}

// JSONWriter writes one JSON object per line
type JSONWriter struct {
	enc *json.Encoder
}

// NewJSONWriter wraps w
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w)}
}

func (j *JSONWriter) WriteRow(r models.HistoryRow) error {
	return j.enc.Encode(r)
}

// New returns the writer for format ("text" or "json")
func New(format string, w io.Writer) (Writer, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return NewTextWriter(w), nil
	case "json":
		return NewJSONWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
