package pondsync

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Row is a loosely-typed record as delivered by the backend.
type Row map[string]interface{}

// Postgres renders timestamps in text formats cast does not try.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

// String returns the value at key rendered as a string, or "" when missing.
func (r Row) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// Int returns the value at key as an int, or 0 when missing or not numeric.
func (r Row) Int(key string) int {
	return cast.ToInt(r[key])
}

// Bool returns the value at key as a bool, or false.
func (r Row) Bool(key string) bool {
	return cast.ToBool(r[key])
}

// Time returns the value at key as a time. Strings in RFC3339 or Postgres text formats and
// unix seconds are accepted; anything else yields the zero time.
func (r Row) Time(key string) time.Time {
	v := r[key]
	if s, ok := v.(string); ok {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Strings returns the value at key as a string slice.
func (r Row) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string, []interface{}:
		items := cast.ToStringSlice(v)
		out := make([]string, len(items))
		copy(out, items)
		return out
	}
	return nil
}

// IntMap returns the value at key as a map of ints. JSON object text is decoded too.
func (r Row) IntMap(key string) map[string]int {
	out := make(map[string]int)
	for k, n := range cast.ToStringMapInt(r[key]) {
		out[k] = n
	}
	return out
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with the keys of patch applied on top.
func (r Row) Merge(patch Row) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
