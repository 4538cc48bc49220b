package engine

import (
	"context"
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
)

func TestPropRename_RewritesExistingRecords(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "contact", "name": "Contact",
		"props": []any{map[string]any{"key": "nickname", "data_type": "string"}},
	})
	mustSet(t, e, "contact", model.Record{"nickname": "nick1"})
	mustSet(t, e, "contact", model.Record{"nickname": "nick2"})

	// Dropping nickname and adding alias with the same type is a rename.
	if _, err := e.SetObject(ctx, model.ClassClass, model.Record{
		"id": "contact", "name": "Contact",
		"props": []any{map[string]any{"key": "alias", "data_type": "string"}},
	}); err != nil {
		t.Fatalf("update class: %v", err)
	}

	rec, err := e.GetObject(ctx, "contact", "1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if rec["alias"] != "nick1" {
		t.Errorf("expected alias carried over, got %v", rec)
	}
	if _, has := rec["nickname"]; has {
		t.Error("old key still present after rename")
	}
}

func TestClassRename_MovesRecords(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "customer", "name": "Customer",
		"props": []any{map[string]any{"key": "name", "data_type": "string"}},
	})
	mustSet(t, e, "customer", model.Record{"name": "acme"})

	// Writing a different id at the old path renames the class.
	stored, err := e.SetObjectAt(ctx, model.ClassClass, "customer",
		model.Record{"id": "client", "name": "Client"})
	if err != nil {
		t.Fatalf("rename class: %v", err)
	}
	if stored.ID() != "client" {
		t.Errorf("expected stored id client, got %s", stored.ID())
	}

	moved, err := e.GetObject(ctx, "client", "1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if moved == nil || moved.ClassID() != "client" {
		t.Errorf("expected record moved to client, got %v", moved)
	}
	old, err := e.GetObject(ctx, model.ClassClass, "customer")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if old != nil {
		t.Error("old class record must be removed after rename")
	}
}

func TestMatchPropRenames(t *testing.T) {
	prior := model.Record{
		"id": "c",
		"props": []any{
			map[string]any{"key": "a", "data_type": "string"},
			map[string]any{"key": "b", "data_type": "integer"},
			map[string]any{"key": "keep", "data_type": "string"},
		},
	}
	stored := model.Record{
		"id": "c",
		"props": []any{
			map[string]any{"key": "a2", "data_type": "string"},
			map[string]any{"key": "b2", "data_type": "boolean"},
			map[string]any{"key": "keep", "data_type": "string"},
		},
	}

	matches := matchPropRenames(prior, stored)
	if len(matches) != 1 {
		t.Fatalf("expected one rename, got %v", matches)
	}
	// a→a2 share a type; b→b2 changed type and is a delete plus a create.
	if matches[0].oldKey != "a" || matches[0].newKey != "a2" {
		t.Errorf("unexpected match: %+v", matches[0])
	}
}
