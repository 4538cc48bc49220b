package engine

import (
	"context"
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/secctx"
)

func defineTagAndPost(t *testing.T, e *Engine, onOrphan string) {
	t.Helper()
	mustDefineClass(t, e, model.Record{
		"id": "tag", "name": "Tag",
		"props": []any{map[string]any{"key": "label", "data_type": "string"}},
	})
	mustDefineClass(t, e, model.Record{
		"id": "post", "name": "Post",
		"props": []any{
			map[string]any{"key": "title", "data_type": "string"},
			map[string]any{
				"key": "tags", "data_type": "relation", "is_array": true,
				"object_class_id": "tag", "on_orphan": onOrphan,
			},
		},
	})
}

func TestGetRelated_Resolve(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	mustSet(t, e, "tag", model.Record{"label": "db"})
	post := mustSet(t, e, "post", model.Record{"title": "intro", "tags": []any{"2", "1"}})

	recs, err := e.GetRelated(ctx, post, "tags", RelationResolve, nil)
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(recs) != 2 || recs[0]["label"] != "db" || recs[1]["label"] != "go" {
		t.Errorf("expected stored order db, go; got %v", recs)
	}
}

func TestGetRelated_Query(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	mustSet(t, e, "tag", model.Record{"label": "db"})
	post := mustSet(t, e, "post", model.Record{"title": "intro"})

	recs, err := e.GetRelated(ctx, post, "tags", RelationQuery, map[string]any{"label": "db"})
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(recs) != 1 || recs[0]["label"] != "db" {
		t.Errorf("expected the filtered target set, got %v", recs)
	}
}

func TestGetRelated_NonRelationProp(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	defineTagAndPost(t, e, "keep")
	post := mustSet(t, e, "post", model.Record{"title": "intro"})

	_, err := e.GetRelated(context.Background(), post, "title", RelationResolve, nil)
	if engineErr(t, err).Code != CodeInvalidRelation {
		t.Errorf("expected invalid_relation, got %v", err)
	}
	_, err = e.GetRelated(context.Background(), post, "missing", RelationResolve, nil)
	if engineErr(t, err).Code != CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestRelationTargets_Validated(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	defineTagAndPost(t, e, "keep")
	mustSet(t, e, "tag", model.Record{"label": "go"})

	_, err := e.SetObject(context.Background(), "post",
		model.Record{"title": "bad", "tags": []any{"99"}})
	engErr := engineErr(t, err)
	if engErr.Code != CodeValidationFailed || engErr.Errors[0].Code != "relation" {
		t.Errorf("expected a relation field error, got %v", err)
	}
}

func TestRelationTargets_SubclassAccepted(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")
	mustDefineClass(t, e, model.Record{
		"id": "special_tag", "name": "Special Tag", "extends_id": "tag",
		"props": []any{},
	})
	seedCtx := secctx.With(ctx, &secctx.Context{AllowCustomIDs: true})
	if _, err := e.SetObject(seedCtx, "special_tag", model.Record{"id": "s1", "label": "rare"}); err != nil {
		t.Fatalf("SetObject: %v", err)
	}

	post, err := e.SetObject(ctx, "post", model.Record{"title": "ok", "tags": []any{"s1"}})
	if err != nil {
		t.Fatalf("subclass target rejected: %v", err)
	}

	recs, err := e.GetRelated(ctx, post, "tags", RelationResolve, nil)
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(recs) != 1 || recs[0].ClassID() != "special_tag" {
		t.Errorf("expected the subclass record, got %v", recs)
	}
}

func TestRelationTargets_StrictRejectsSubclass(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	mustDefineClass(t, e, model.Record{
		"id": "tag", "name": "Tag",
		"props": []any{map[string]any{"key": "label", "data_type": "string"}},
	})
	mustDefineClass(t, e, model.Record{
		"id": "special_tag", "name": "Special Tag", "extends_id": "tag", "props": []any{},
	})
	mustDefineClass(t, e, model.Record{
		"id": "strict_post", "name": "Strict Post",
		"props": []any{
			map[string]any{
				"key": "tags", "data_type": "relation", "is_array": true,
				"object_class_id": "tag", "object_class_strict": true,
			},
		},
	})
	seedCtx := secctx.With(ctx, &secctx.Context{AllowCustomIDs: true})
	if _, err := e.SetObject(seedCtx, "special_tag", model.Record{"id": "s1", "label": "rare"}); err != nil {
		t.Fatalf("SetObject: %v", err)
	}

	_, err := e.SetObject(ctx, "strict_post", model.Record{"tags": []any{"s1"}})
	engErr := engineErr(t, err)
	if engErr.Code != CodeValidationFailed || engErr.Errors[0].Code != "relation" {
		t.Errorf("strict prop must reject subclass targets, got %v", err)
	}
}

func TestUnlink_OrphanDelete(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "delete")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	mustSet(t, e, "tag", model.Record{"label": "db"})
	post := mustSet(t, e, "post", model.Record{"title": "intro", "tags": []any{"1", "2"}})

	saved, err := e.Unlink(ctx, post, "tags", []string{"2"}, false)
	if err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	tags, _ := saved["tags"].([]any)
	if len(tags) != 1 || model.IDString(tags[0]) != "1" {
		t.Errorf("expected tags [1], got %v", saved["tags"])
	}

	// Tag 2 lost its last reference; the delete policy removes it.
	gone, _ := e.GetObject(ctx, "tag", "2")
	if gone != nil {
		t.Error("expected orphaned tag to be deleted")
	}
	kept, _ := e.GetObject(ctx, "tag", "1")
	if kept == nil {
		t.Error("referenced tag must survive")
	}
}

func TestUnlink_KeepPolicy(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	post := mustSet(t, e, "post", model.Record{"title": "intro", "tags": []any{"1"}})

	if _, err := e.Unlink(ctx, post, "tags", []string{"1"}, false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	kept, _ := e.GetObject(ctx, "tag", "1")
	if kept == nil {
		t.Error("keep policy must leave the orphan in place")
	}
}

func TestUnlink_ExplicitDelete(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	post := mustSet(t, e, "post", model.Record{"title": "intro", "tags": []any{"1"}})

	if _, err := e.Unlink(ctx, post, "tags", []string{"1"}, true); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	gone, _ := e.GetObject(ctx, "tag", "1")
	if gone != nil {
		t.Error("explicit delete request must remove the record regardless of policy")
	}
}

func TestFindAndCleanupOrphans(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	defineTagAndPost(t, e, "keep")

	mustSet(t, e, "tag", model.Record{"label": "go"})
	mustSet(t, e, "tag", model.Record{"label": "db"})
	mustSet(t, e, "tag", model.Record{"label": "net"})
	mustSet(t, e, "post", model.Record{"title": "intro", "tags": []any{"1"}})

	orphans, err := e.FindOrphans(ctx, "tag")
	if err != nil {
		t.Fatalf("FindOrphans: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphans, got %v", orphans)
	}

	removed, err := e.CleanupOrphans(ctx, "tag")
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}
	left, _ := e.ListObjects(ctx, "tag")
	if len(left) != 1 || left[0].ID() != "1" {
		t.Errorf("expected only the referenced tag to remain, got %v", left)
	}
}
