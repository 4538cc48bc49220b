// Package model defines the record shape shared by every layer of the engine:
// a flat mapping from field names to JSON-compatible values, plus the class
// and property metadata that describe it.
package model

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Reserved field names present on every record.
const (
	FieldID        = "id"
	FieldClassID   = "class_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldCreatedBy = "created_by"
	FieldUpdatedBy = "updated_by"
	FieldOwnerID   = "owner_id"
	FieldAppID     = "app_id"
	FieldDomain    = "domain"
)

// Broadcast item markers.
const (
	FieldOld     = "_old"
	FieldDeleted = "_deleted"
	FieldScopeID = "_scope_id"
	FieldNew     = "_new"
)

// Record is a stored object: a flat mapping from field names to
// JSON-compatible values (scalars, []any, map[string]any).
type Record map[string]any

// ID returns the record id as a string. Integer ids are formatted
// without a fractional part.
func (r Record) ID() string {
	return IDString(r[FieldID])
}

// ClassID returns the record's class id, or "" when unset.
func (r Record) ClassID() string {
	s, _ := r[FieldClassID].(string)
	return s
}

// HasID reports whether the record carries a non-empty id.
func (r Record) HasID() bool {
	return r.ID() != ""
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-compatible value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = CloneValue(e)
		}
		return m
	case Record:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = CloneValue(e)
		}
		return s
	default:
		return v
	}
}

// IDString normalizes an id value (string, int, float from JSON decoding)
// to its canonical string form. Returns "" for nil or empty ids.
func IDString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ValueEqual compares two field values for change detection. Numeric values
// compare by float64 value so that 7 and 7.0 (a JSON round-trip artifact)
// are not reported as a change.
func ValueEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// normalize rewrites Record and nested numerics so DeepEqual compares
// structure, not Go types.
func normalize(v any) any {
	switch t := v.(type) {
	case Record:
		return normalize(map[string]any(t))
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	default:
		if f, ok := asFloat(v); ok {
			return f
		}
		return v
	}
}

// Diff returns the set of keys whose values differ between next and prior,
// mapped to the new values. A nil prior yields {_new: true} so callers can
// distinguish creation from an empty diff. Keys present in prior but absent
// from next are not reported; the engine merges, it does not remove.
func Diff(next, prior Record) Record {
	if prior == nil {
		return Record{FieldNew: true}
	}
	changes := Record{}
	for k, v := range next {
		if k == FieldUpdatedAt || k == FieldUpdatedBy {
			continue
		}
		if old, ok := prior[k]; !ok || !ValueEqual(v, old) {
			changes[k] = v
		}
	}
	return changes
}

// IsSystemClass reports whether a class id names a reserved system class.
func IsSystemClass(classID string) bool {
	return len(classID) > 0 && classID[0] == '@'
}
