package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSet_AllocatesSequentialIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Set(ctx, "user", model.Record{"name": "alice"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	second, err := s.Set(ctx, "user", model.Record{"name": "bob"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if first.ID() != "1" || second.ID() != "2" {
		t.Errorf("expected ids 1, 2; got %s, %s", first.ID(), second.ID())
	}
	if first.ClassID() != "user" {
		t.Errorf("expected class_id user, got %s", first.ClassID())
	}
	if first[model.FieldCreatedAt] == nil || first[model.FieldUpdatedAt] == nil {
		t.Error("expected timestamps on create")
	}
}

func TestGet_MissingIsNilNil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), "user", "999")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for missing record, got %v", rec)
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Set(ctx, "user", model.Record{"name": "alice", "age": float64(30)})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "user", stored.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"] != "alice" || got["age"] != float64(30) {
		t.Errorf("round trip lost fields: %v", got)
	}
}

func TestSet_PreservesExplicitID(t *testing.T) {
	s := newTestStore(t)
	stored, err := s.Set(context.Background(), "user", model.Record{"id": "7", "name": "carol"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if stored.ID() != "7" {
		t.Errorf("expected explicit id 7, got %s", stored.ID())
	}
	// max+1 continues past the explicit id.
	next, err := s.Set(context.Background(), "user", model.Record{"name": "dave"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if next.ID() != "8" {
		t.Errorf("expected allocated id 8, got %s", next.ID())
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, _ := s.Set(ctx, "user", model.Record{"name": "alice"})
	existed, err := s.Delete(ctx, "user", stored.ID())
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("expected delete of existing record to report true")
	}
	existed, err = s.Delete(ctx, "user", stored.ID())
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Error("expected repeat delete to report false")
	}
}

func TestQueryRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "user", model.Record{"name": "alice", "city": "berlin"})
	s.Set(ctx, "user", model.Record{"name": "bob", "city": "paris"})
	s.Set(ctx, "user", model.Record{"name": "carol", "city": "berlin"})

	recs, err := s.QueryRecords(ctx, "user", storage.Query{
		Filters: map[string]any{"city": "berlin"},
		Sort:    "name",
		SortDir: storage.SortDesc,
	})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if len(recs) != 2 || recs[0]["name"] != "carol" || recs[1]["name"] != "alice" {
		t.Errorf("unexpected query result: %v", recs)
	}

	paged, err := s.QueryRecords(ctx, "user", storage.Query{Limit: 1, Offset: 1, Sort: "name"})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if len(paged) != 1 || paged[0]["name"] != "bob" {
		t.Errorf("unexpected page: %v", paged)
	}
}

func TestRenameProp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "user", model.Record{"email": "a@example.com"})
	s.Set(ctx, "user", model.Record{"email": "b@example.com"})
	s.Set(ctx, "user", model.Record{"name": "no-email"})

	count, err := s.RenameProp(ctx, "user", "email", "email_address")
	if err != nil {
		t.Fatalf("RenameProp: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rewritten records, got %d", count)
	}

	recs, _ := s.List(ctx, "user")
	for _, rec := range recs {
		if _, has := rec["email"]; has {
			t.Errorf("record %s still carries old key", rec.ID())
		}
	}
	got, _ := s.Get(ctx, "user", "1")
	if got["email_address"] != "a@example.com" {
		t.Errorf("value lost in rename: %v", got)
	}
}

func TestRenameClass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "user", model.Record{"name": "alice"})
	s.Set(ctx, "user", model.Record{"name": "bob"})

	moved, err := s.RenameClass(ctx, "user", "person")
	if err != nil {
		t.Fatalf("RenameClass: %v", err)
	}
	if moved != 2 {
		t.Errorf("expected 2 moved records, got %d", moved)
	}

	old, _ := s.List(ctx, "user")
	if len(old) != 0 {
		t.Errorf("old class still has %d records", len(old))
	}
	moved2, _ := s.Get(ctx, "person", "1")
	if moved2 == nil || moved2.ClassID() != "person" {
		t.Errorf("expected class_id rewritten, got %v", moved2)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "user.json")); !os.IsNotExist(err) {
		t.Error("expected old class file to be removed")
	}
}

func TestPersistence_AcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stored, err := s1.Set(context.Background(), "user", model.Record{"name": "alice"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	got, err := s2.Get(context.Background(), "user", stored.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got["name"] != "alice" {
		t.Errorf("record lost across reopen: %v", got)
	}
}

func TestClassIDFromPath(t *testing.T) {
	if got := ClassIDFromPath("/data/user.json"); got != "user" {
		t.Errorf("expected user, got %q", got)
	}
	if got := ClassIDFromPath("/data/user.tmp"); got != "" {
		t.Errorf("expected empty for non-json, got %q", got)
	}
}
