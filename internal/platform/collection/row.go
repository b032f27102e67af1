package collection

import (
	"strconv"
	"strings"
	"time"

	"github.com/labcase/labcase/internal/platform/table"
)

// Common attribute names written on every row.
const (
	AttrCreatedAt = "CreatedAt"
	AttrUpdatedAt = "UpdatedAt"
)

// Row is a loosely-typed physical row. Historical writes used inconsistent
// attribute casing, so every accessor takes a list of candidate names and
// falls back to a case-insensitive match. Rows stay inside repositories; each
// entity has a mapping function that turns a Row into its strict type.
type Row map[string]any

// Value returns the first attribute present under one of names.
func (r Row) Value(names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := r[n]; ok && v != nil {
			return v, true
		}
	}
	for _, n := range names {
		for k, v := range r {
			if v != nil && strings.EqualFold(k, n) {
				return v, true
			}
		}
	}
	return nil, false
}

// String reads a textual attribute. Numbers and booleans are formatted.
func (r Row) String(names ...string) string {
	v, ok := r.Value(names...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// Float reads a numeric attribute. Numeric strings are parsed; anything else
// reads as 0.
func (r Row) Float(names ...string) float64 {
	v, ok := r.Value(names...)
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Int reads an integral attribute.
func (r Row) Int(names ...string) int {
	return int(r.Float(names...))
}

// Bool reads a boolean attribute. "true"/"1"/"si" strings and non-zero
// numbers are true.
func (r Row) Bool(names ...string) bool {
	v, ok := r.Value(names...)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "si", "sí", "yes":
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time reads a timestamp or date attribute. Unparseable values read as the
// zero time.
func (r Row) Time(names ...string) time.Time {
	s := strings.TrimSpace(r.String(names...))
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TimePtr is Time but returns nil when the attribute is missing or invalid.
func (r Row) TimePtr(names ...string) *time.Time {
	t := r.Time(names...)
	if t.IsZero() {
		return nil
	}
	return &t
}

// List reads an array attribute.
func (r Row) List(names ...string) []any {
	v, ok := r.Value(names...)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}

// Map reads a nested object attribute.
func (r Row) Map(names ...string) map[string]any {
	v, ok := r.Value(names...)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// ID returns the logical id of the row.
func (r Row) ID() string {
	return r.String(table.AttrID, "id")
}

// Version returns the optimistic-concurrency counter (0 for legacy rows).
func (r Row) Version() int64 {
	return table.VersionOf(table.Item(r))
}

// FormatTime renders a timestamp the way rows store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
