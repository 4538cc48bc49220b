// Package storage provides the per-class storage contract and its
// implementations for the object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/reflectdb/reflectdb/internal/model"
)

// Common errors
var (
	// ErrNotFound is returned only by operations that target a record that
	// must exist (renames of missing classes). Plain reads return (nil, nil)
	// on a miss.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic write loses an MVCC race
	// after exhausting retries.
	ErrConflict = errors.New("write conflict")
)

// SortDir is the sort direction for queries.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// Query describes an equality-filtered, sorted, paged listing.
// A filter value that is a []any is interpreted as value ∈ set.
type Query struct {
	Filters map[string]any
	Sort    string
	SortDir SortDir
	Limit   int
	Offset  int
}

// Backend is the per-class storage contract. All implementations preserve
// these semantics byte-faithfully and differ only in durability, concurrency,
// and rename atomicity.
type Backend interface {
	// Get returns the record by id, or (nil, nil) when absent.
	Get(ctx context.Context, classID, id string) (model.Record, error)

	// List returns every record of the class. An unknown class yields an
	// empty result, not an error.
	List(ctx context.Context, classID string) ([]model.Record, error)

	// Set creates or replaces a record. It allocates an id when absent,
	// stamps created_at on create and updated_at always, and returns the
	// stored record.
	Set(ctx context.Context, classID string, rec model.Record) (model.Record, error)

	// Delete removes a record, reporting whether it existed.
	Delete(ctx context.Context, classID, id string) (bool, error)

	// QueryRecords returns records matching the query.
	QueryRecords(ctx context.Context, classID string, q Query) ([]model.Record, error)

	// RenameProp rewrites a property key across every record of the class,
	// preserving values and updating updated_at. Returns the count rewritten.
	RenameProp(ctx context.Context, classID, oldKey, newKey string) (int, error)

	// RenameClass moves every record of the class to a new home keyed by
	// newClassID, updates each record's class_id, removes the old home, and
	// returns the number moved.
	RenameClass(ctx context.Context, oldClassID, newClassID string) (int, error)

	// Lifecycle
	Close() error
	IsHealthy(ctx context.Context) bool
}

// OpError wraps a backend-level failure with the operation context the
// write engine needs for its error taxonomy.
type OpError struct {
	Op    string
	Class string
	ID    string
	Err   error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Class, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Class, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError builds an OpError.
func NewOpError(op, class, id string, err error) *OpError {
	return &OpError{Op: op, Class: class, ID: id, Err: err}
}

// Matches reports whether a record satisfies the query's equality filters.
// Shared by backends that filter client-side.
func Matches(rec model.Record, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := rec[key]
		if !ok {
			return false
		}
		if set, isSet := want.([]any); isSet {
			found := false
			for _, w := range set {
				if model.ValueEqual(got, w) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !model.ValueEqual(got, want) {
			return false
		}
	}
	return true
}

// SortRecords orders records in place by the query's sort field.
// Shared by backends that sort client-side.
func SortRecords(recs []model.Record, field string, dir SortDir) {
	if field == "" {
		return
	}
	less := func(a, b model.Record) bool {
		return CompareValues(a[field], b[field]) < 0
	}
	if dir == SortDesc {
		orig := less
		less = func(a, b model.Record) bool { return orig(b, a) }
	}
	// Insertion sort keeps the order stable for equal keys.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Page applies limit/offset to a record slice.
func Page(recs []model.Record, limit, offset int) []model.Record {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// CompareValues orders two field values: nils first, then numerics by value,
// then everything else by formatted form. Strings that parse as numbers
// compare numerically, so auto-allocated ids list as 1, 2, 10 rather than
// 1, 10, 2.
func CompareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
