package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The JSON form of a schema is the "schema.json" meta item: an array of
// column objects, in column order. It must be byte-stable so meta diffs
// can compare schemas as strings.

// MarshalText renders the schema as canonical "schema.json" text:
// a two-space-indented JSON array with fixed key order.
func (s *Schema) MarshalText() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s.Columns); err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ParseText parses "schema.json" text produced by MarshalText (or by any
// producer of the same column-object form).
func ParseText(text string) (*Schema, error) {
	var cols []Column
	if err := json.Unmarshal([]byte(text), &cols); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	s := &Schema{Columns: cols}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return s, nil
}

// CRSID extracts the integer identifier from a CRS name like "EPSG:4326".
// Returns 0 if the name is empty or carries no recognisable identifier,
// which backends treat as "unknown CRS".
func CRSID(crs string) int {
	if crs == "" {
		return 0
	}
	idx := strings.LastIndexByte(crs, ':')
	if idx < 0 {
		return 0
	}
	id, err := strconv.Atoi(crs[idx+1:])
	if err != nil {
		return 0
	}
	return id
}
