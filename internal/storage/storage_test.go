package storage

import (
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
)

func TestMatches(t *testing.T) {
	rec := model.Record{"name": "alice", "age": float64(30)}

	if !Matches(rec, nil) {
		t.Error("empty filters must match everything")
	}
	if !Matches(rec, map[string]any{"name": "alice"}) {
		t.Error("expected equality match")
	}
	if Matches(rec, map[string]any{"name": "bob"}) {
		t.Error("expected equality mismatch")
	}
	// Numeric equality crosses int/float.
	if !Matches(rec, map[string]any{"age": 30}) {
		t.Error("expected 30 to match 30.0")
	}
	// []any filter means value ∈ set.
	if !Matches(rec, map[string]any{"name": []any{"bob", "alice"}}) {
		t.Error("expected IN match")
	}
	if Matches(rec, map[string]any{"name": []any{"bob", "carol"}}) {
		t.Error("expected IN mismatch")
	}
}

func TestSortRecords(t *testing.T) {
	recs := []model.Record{
		{"id": "1", "n": float64(3)},
		{"id": "2", "n": float64(1)},
		{"id": "3", "n": float64(2)},
	}
	SortRecords(recs, "n", SortAsc)
	if recs[0].ID() != "2" || recs[2].ID() != "1" {
		t.Errorf("ascending sort wrong: %v", ids(recs))
	}
	SortRecords(recs, "n", SortDesc)
	if recs[0].ID() != "1" || recs[2].ID() != "2" {
		t.Errorf("descending sort wrong: %v", ids(recs))
	}
}

func TestSortRecords_MissingValuesFirst(t *testing.T) {
	recs := []model.Record{
		{"id": "1", "n": float64(5)},
		{"id": "2"},
	}
	SortRecords(recs, "n", SortAsc)
	if recs[0].ID() != "2" {
		t.Errorf("records without the sort field should sort first: %v", ids(recs))
	}
}

func TestPage(t *testing.T) {
	recs := []model.Record{{"id": "1"}, {"id": "2"}, {"id": "3"}}

	if got := Page(recs, 2, 0); len(got) != 2 || got[0].ID() != "1" {
		t.Errorf("limit page wrong: %v", ids(got))
	}
	if got := Page(recs, 2, 2); len(got) != 1 || got[0].ID() != "3" {
		t.Errorf("offset page wrong: %v", ids(got))
	}
	if got := Page(recs, 0, 0); len(got) != 3 {
		t.Errorf("zero limit must return everything, got %v", ids(got))
	}
	if got := Page(recs, 10, 5); len(got) != 0 {
		t.Errorf("offset past end must be empty, got %v", ids(got))
	}
}

func TestCompareValues(t *testing.T) {
	if CompareValues(1, float64(2)) >= 0 {
		t.Error("expected 1 < 2.0")
	}
	if CompareValues("a", "b") >= 0 {
		t.Error("expected a < b")
	}
	if CompareValues(true, false) <= 0 {
		t.Error("expected true > false")
	}
	if CompareValues(nil, "x") >= 0 {
		t.Error("expected nil < non-nil")
	}
	// Numeric strings compare by value, not lexicographically.
	if CompareValues("2", "10") >= 0 {
		t.Error(`expected "2" < "10"`)
	}
	if CompareValues("10", float64(9)) <= 0 {
		t.Error(`expected "10" > 9.0`)
	}
}

func TestSortRecords_NumericStringIDs(t *testing.T) {
	recs := []model.Record{
		{"id": "10"},
		{"id": "1"},
		{"id": "2"},
	}
	SortRecords(recs, "id", SortAsc)
	got := ids(recs)
	if got[0] != "1" || got[1] != "2" || got[2] != "10" {
		t.Errorf("auto-allocated ids must list in numeric order: %v", got)
	}
}

func ids(recs []model.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}
