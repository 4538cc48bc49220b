package engine

import (
	"context"
	"log/slog"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/secctx"
	"github.com/reflectdb/reflectdb/internal/storage"
)

// RelationMode selects how related records are fetched.
type RelationMode string

const (
	// RelationResolve reads the ids stored on the parent and fetches each
	// in declared order, skipping missing ids.
	RelationResolve RelationMode = "resolve"
	// RelationQuery runs a full query over the target class.
	RelationQuery RelationMode = "query"
)

// GetRelated returns the records referenced by a relation property of the
// parent. Every fetch is security-filtered for the caller.
func (e *Engine) GetRelated(ctx context.Context, parent model.Record, key string, mode RelationMode, filters map[string]any) ([]model.Record, error) {
	prop, err := e.relationProp(ctx, parent.ClassID(), key)
	if err != nil {
		return nil, err
	}

	if mode == RelationQuery {
		var out []model.Record
		for _, target := range prop.ObjectClassIDs {
			recs, err := e.QueryObjects(ctx, target, storage.Query{Filters: filters})
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
		return out, nil
	}

	var out []model.Record
	for _, id := range relationIDs(parent[key]) {
		if id == "" {
			continue
		}
		rec, err := e.findRelationTarget(ctx, prop, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if !model.IsSystemClass(rec.ClassID()) && !visible(rec, secctx.From(ctx)) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Unlink removes ids from the parent's relation field, persists the parent,
// and applies the orphan policy to each removed record: an explicit delete
// request wins, otherwise on_orphan=delete removes records that no relation
// anywhere still references.
func (e *Engine) Unlink(ctx context.Context, parent model.Record, key string, removedIDs []string, deleteObjects bool) (model.Record, error) {
	prop, err := e.relationProp(ctx, parent.ClassID(), key)
	if err != nil {
		return nil, err
	}

	removed := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}

	updated := parent.Clone()
	switch v := updated[key].(type) {
	case []any:
		kept := make([]any, 0, len(v))
		for _, entry := range v {
			if !removed[model.IDString(entry)] {
				kept = append(kept, entry)
			}
		}
		updated[key] = kept
	default:
		if removed[model.IDString(v)] {
			updated[key] = nil
		}
	}

	saved, err := e.SetObject(ctx, parent.ClassID(), updated)
	if err != nil {
		return nil, err
	}

	for _, id := range removedIDs {
		target, err := e.findRelationTarget(ctx, prop, id)
		if err != nil {
			return nil, err
		}
		if target == nil {
			continue
		}
		targetClass := target.ClassID()
		switch {
		case deleteObjects:
			if err := e.DeleteObject(ctx, targetClass, id); err != nil {
				return nil, err
			}
		case prop.OnOrphan == model.OrphanDelete:
			orphan, err := e.isOrphan(ctx, targetClass, id)
			if err != nil {
				return nil, err
			}
			if orphan {
				if err := e.DeleteObject(ctx, targetClass, id); err != nil {
					return nil, err
				}
			}
		}
	}
	return saved, nil
}

// FindOrphans returns the records of a class that no relation property
// anywhere references.
func (e *Engine) FindOrphans(ctx context.Context, classID string) ([]model.Record, error) {
	referenced, err := e.referencedIDs(ctx, classID)
	if err != nil {
		return nil, err
	}
	recs, err := e.backend.List(ctx, classID)
	if err != nil {
		return nil, WrapStorage(err, "list %s", classID)
	}
	var out []model.Record
	for _, rec := range recs {
		if !referenced[rec.ID()] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CleanupOrphans deletes the orphans of a class, returning how many were
// removed.
func (e *Engine) CleanupOrphans(ctx context.Context, classID string) (int, error) {
	orphans, err := e.FindOrphans(ctx, classID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range orphans {
		if err := e.DeleteObject(ctx, classID, rec.ID()); err != nil {
			e.logger.Warn("orphan cleanup failed",
				slog.String("class", classID),
				slog.String("id", rec.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count, nil
}

// isOrphan reports whether no relation property anywhere references the
// record.
func (e *Engine) isOrphan(ctx context.Context, classID, id string) (bool, error) {
	referenced, err := e.referencedIDs(ctx, classID)
	if err != nil {
		return false, err
	}
	return !referenced[id], nil
}

// referencedIDs unions every id referenced through a relation property that
// targets the class or one of its ancestors (subclass targets accepted
// unless the prop is strict).
func (e *Engine) referencedIDs(ctx context.Context, classID string) (map[string]bool, error) {
	ancestors, err := e.ancestorsOf(ctx, classID)
	if err != nil {
		return nil, err
	}
	targets := map[string]bool{classID: true}
	for _, a := range ancestors {
		targets[a] = true
	}

	classes, err := e.backend.List(ctx, model.ClassClass)
	if err != nil {
		return nil, WrapStorage(err, "list classes")
	}

	referenced := map[string]bool{}
	for _, cls := range classes {
		props, err := e.registry.GetClassProps(ctx, cls.ID())
		if err != nil {
			return nil, wrapResolve(err, cls.ID())
		}
		var hits []model.PropDef
		for _, p := range props {
			if p.DataType != model.TypeRelation {
				continue
			}
			for _, t := range p.ObjectClassIDs {
				if t == classID || (!p.ObjectClassStrict && targets[t]) {
					hits = append(hits, p)
					break
				}
			}
		}
		if len(hits) == 0 {
			continue
		}
		recs, err := e.backend.List(ctx, cls.ID())
		if err != nil {
			return nil, WrapStorage(err, "list %s", cls.ID())
		}
		for _, rec := range recs {
			for _, p := range hits {
				for _, id := range relationIDs(rec[p.Key]) {
					if id != "" {
						referenced[id] = true
					}
				}
			}
		}
	}
	return referenced, nil
}

// ancestorsOf walks the extends chain of a class upward.
func (e *Engine) ancestorsOf(ctx context.Context, classID string) ([]string, error) {
	var out []string
	seen := map[string]bool{classID: true}
	cur := classID
	for {
		rec, err := e.backend.Get(ctx, model.ClassClass, cur)
		if err != nil {
			return nil, WrapStorage(err, "walk extends chain")
		}
		if rec == nil {
			break
		}
		parent, _ := rec["extends_id"].(string)
		if parent == "" || seen[parent] {
			break
		}
		seen[parent] = true
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

// relationProp resolves a property and verifies it is a reference relation.
func (e *Engine) relationProp(ctx context.Context, classID, key string) (*model.PropDef, error) {
	meta, err := e.registry.GetClass(ctx, classID)
	if err != nil {
		return nil, wrapResolve(err, classID)
	}
	if meta == nil {
		return nil, NewError(CodeNotFound, "class %s does not exist", classID)
	}
	prop := meta.Prop(key)
	if prop == nil {
		return nil, NewError(CodeNotFound, "class %s has no property %s", classID, key)
	}
	if prop.DataType != model.TypeRelation {
		return nil, NewError(CodeInvalidRelation, "property %s.%s is not a reference relation", classID, key)
	}
	return prop, nil
}
