package engine

import (
	"context"
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
)

func TestFacade_LoadAndTypedGetters(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "player", "name": "Player",
		"props": []any{
			map[string]any{"key": "name", "data_type": "string"},
			map[string]any{"key": "score", "data_type": "integer"},
			map[string]any{"key": "ratio", "data_type": "float"},
			map[string]any{"key": "active", "data_type": "boolean"},
		},
	})
	mustSet(t, e, "player", model.Record{
		"name": "alice", "score": float64(42), "ratio": 0.5, "active": true,
	})

	f, err := e.Load(ctx, "player", "1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f == nil {
		t.Fatal("expected a facade")
	}
	if f.GetString("name") != "alice" {
		t.Errorf("GetString: %q", f.GetString("name"))
	}
	if f.GetInt("score") != 42 {
		t.Errorf("GetInt: %d", f.GetInt("score"))
	}
	if f.GetFloat("ratio") != 0.5 {
		t.Errorf("GetFloat: %v", f.GetFloat("ratio"))
	}
	if !f.GetBool("active") {
		t.Error("GetBool: expected true")
	}
	// Missing fields coerce to zero values.
	if f.GetString("nope") != "" || f.GetInt("nope") != 0 {
		t.Error("missing fields must read as zero values")
	}
	if f.Dirty() {
		t.Error("freshly loaded facade must be clean")
	}
}

func TestFacade_LoadMissing(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	mustDefineClass(t, e, model.Record{
		"id": "player", "name": "Player",
		"props": []any{map[string]any{"key": "name", "data_type": "string"}},
	})

	f, err := e.Load(context.Background(), "player", "404")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil for a missing record, got %v", f.Record())
	}
}

func TestFacade_SetDirtyAndSave(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "player", "name": "Player",
		"props": []any{
			map[string]any{"key": "name", "data_type": "string"},
			map[string]any{"key": "score", "data_type": "integer"},
		},
	})
	mustSet(t, e, "player", model.Record{"name": "alice", "score": float64(1)})

	f, _ := e.Load(ctx, "player", "1")
	// Declared props coerce on assignment.
	if err := f.Set(ctx, "score", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !f.Dirty() || len(f.DirtyFields()) != 1 {
		t.Errorf("expected exactly score dirty, got %v", f.DirtyFields())
	}
	// Writing the same value back is a no-op.
	if err := f.Set(ctx, "name", "alice"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(f.DirtyFields()) != 1 {
		t.Errorf("no-op assignment must not dirty, got %v", f.DirtyFields())
	}
	// Coercion failure is reported, not stored.
	if err := f.Set(ctx, "score", "nope"); err == nil {
		t.Error("expected a cast error")
	}

	if err := f.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.Dirty() {
		t.Error("facade must be clean after save")
	}
	got, _ := e.GetObject(ctx, "player", "1")
	if got["score"] != float64(2) {
		t.Errorf("expected score 2 persisted, got %v", got["score"])
	}
}

func TestFacade_SaveSkipsClean(t *testing.T) {
	e, bc := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "player", "name": "Player",
		"props": []any{map[string]any{"key": "name", "data_type": "string"}},
	})
	mustSet(t, e, "player", model.Record{"name": "alice"})
	before := bc.count()

	f, _ := e.Load(ctx, "player", "1")
	if err := f.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if bc.count() != before {
		t.Error("saving a clean facade must not write")
	}
}

func defineAuthorGraph(t *testing.T, e *Engine) {
	t.Helper()
	mustDefineClass(t, e, model.Record{
		"id": "writer", "name": "Writer",
		"props": []any{map[string]any{"key": "name", "data_type": "string"}},
	})
	mustDefineClass(t, e, model.Record{
		"id": "article", "name": "Article",
		"props": []any{
			map[string]any{"key": "title", "data_type": "string"},
			map[string]any{
				"key": "authors", "data_type": "relation", "is_array": true,
				"object_class_id": "writer",
			},
		},
	})
}

func TestFacade_RelatedAndChildDirty(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineAuthorGraph(t, e)
	mustSet(t, e, "writer", model.Record{"name": "carol"})
	mustSet(t, e, "article", model.Record{"title": "intro", "authors": []any{"1"}})

	f, _ := e.Load(ctx, "article", "1")
	children, err := f.Related(ctx, "authors")
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(children) != 1 || children[0].GetString("name") != "carol" {
		t.Fatalf("unexpected neighbours: %v", children)
	}

	// A dirty child marks the parent's relation field dirty.
	if err := children[0].Set(ctx, "name", "caroline"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !f.Dirty() {
		t.Error("parent must become dirty through the back-reference")
	}

	if err := f.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := e.GetObject(ctx, "writer", "1")
	if got["name"] != "caroline" {
		t.Errorf("child change not persisted, got %v", got["name"])
	}
}

func TestFacade_LinkSavesChildrenFirst(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineAuthorGraph(t, e)

	author := e.NewFacade("writer")
	if err := author.Set(ctx, "name", "dave"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	art := e.NewFacade("article")
	if err := art.Set(ctx, "title", "linked"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	art.Link("authors", author)

	if err := art.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if author.ID() == "" {
		t.Fatal("child id must be allocated by save")
	}
	if art.ID() == "" {
		t.Fatal("parent id must be allocated by save")
	}

	stored, _ := e.GetObject(ctx, "article", art.ID())
	authors, _ := stored["authors"].([]any)
	if len(authors) != 1 || model.IDString(authors[0]) != author.ID() {
		t.Errorf("parent must reference the allocated child id, got %v", stored["authors"])
	}
}
