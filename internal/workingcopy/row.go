package workingcopy

import (
	"bytes"
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
)

// NormalizeRow maps a row's values into canonical Go types per the
// dataset schema, so rows read from a live table (database/sql scan
// types) compare equal to rows read from the version store (JSON decode
// types) whenever their content is the same.
//
// Canonical types: integer → int64, float → float64, boolean → bool,
// blob/geometry → []byte (base64 text is decoded), everything else →
// string with timestamps in ISO-8601 UTC ("Z" designator).
func NormalizeRow(s *schema.Schema, row vstore.Row) vstore.Row {
	if row == nil {
		return nil
	}
	out := make(vstore.Row, len(row))
	for name, v := range row {
		col := s.ColumnByName(name)
		if col == nil || v == nil {
			out[name] = v
			continue
		}
		out[name] = normalizeValue(col, v)
	}
	return out
}

func normalizeValue(col *schema.Column, v any) any {
	switch col.DataType {
	case schema.Integer:
		switch x := v.(type) {
		case int64:
			return x
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case float64:
			if x == math.Trunc(x) {
				return int64(x)
			}
		}
	case schema.Float:
		switch x := v.(type) {
		case float64:
			return x
		case float32:
			return float64(x)
		case int64:
			return float64(x)
		case int:
			return float64(x)
		}
	case schema.Boolean:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case int:
			return x != 0
		case float64:
			return x != 0
		}
	case schema.Blob, schema.Geometry:
		switch x := v.(type) {
		case []byte:
			return x
		case string:
			// JSON round-trips []byte as base64 text.
			if decoded, err := base64.StdEncoding.DecodeString(x); err == nil {
				return decoded
			}
			return []byte(x)
		}
	case schema.Date, schema.Time, schema.Timestamp:
		switch x := v.(type) {
		case string:
			return canonicalTimeText(col.DataType, x)
		case []byte:
			return canonicalTimeText(col.DataType, string(x))
		case time.Time:
			if col.DataType == schema.Date {
				return x.UTC().Format("2006-01-02")
			}
			if col.DataType == schema.Time {
				return x.UTC().Format("15:04:05")
			}
			return x.UTC().Format("2006-01-02T15:04:05Z")
		}
	case schema.Text, schema.Interval, schema.Numeric:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		}
	}
	return v
}

// canonicalTimeText rewrites equivalent ISO-8601 spellings to the
// canonical one: "T" separator and an explicit "Z" UTC designator.
func canonicalTimeText(dt schema.DataType, s string) string {
	if dt == schema.Timestamp {
		if len(s) > 10 && s[10] == ' ' {
			s = s[:10] + "T" + s[11:]
		}
		if strings.HasSuffix(s, "+00:00") {
			s = strings.TrimSuffix(s, "+00:00") + "Z"
		} else if !strings.HasSuffix(s, "Z") && !strings.ContainsAny(s[10:], "+-") {
			s += "Z"
		}
	}
	return s
}

// RowsEqual compares two normalized rows by value.
func RowsEqual(a, b vstore.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok {
			return false
		}
		if !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two normalized field values. Blobs compare by
// content, everything else by interface equality.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}
