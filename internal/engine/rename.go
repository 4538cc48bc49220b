package engine

import (
	"context"
	"log/slog"

	"github.com/reflectdb/reflectdb/internal/model"
)

// propagateRenames runs after a `@class` record is committed. It diffs the
// prior and new class documents and rewrites existing data to match:
// a changed class id moves every record of the class, and removed/added
// prop keys sharing a data_type are treated as key renames.
//
// The class record is already committed when this runs; propagation
// failures are logged and left to operator tooling, never unwound.
func (e *Engine) propagateRenames(ctx context.Context, stored, prior model.Record) {
	if prior == nil {
		return
	}
	oldID, newID := prior.ID(), stored.ID()
	if oldID != "" && newID != "" && oldID != newID {
		moved, err := e.backend.RenameClass(ctx, oldID, newID)
		if e.metrics != nil {
			e.metrics.RecordRename("class", err)
		}
		if err != nil {
			e.logger.Error("class rename propagation failed",
				slog.String("old", oldID),
				slog.String("new", newID),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Info("class renamed",
				slog.String("old", oldID),
				slog.String("new", newID),
				slog.Int("moved", moved),
			)
		}
		// The class record itself moved to the new id; drop the old one.
		if _, err := e.backend.Delete(ctx, model.ClassClass, oldID); err != nil {
			e.logger.Error("failed to remove renamed class record",
				slog.String("class", oldID),
				slog.String("error", err.Error()),
			)
		}
		e.registry.Invalidate(oldID)
	}

	for _, m := range matchPropRenames(prior, stored) {
		count, err := e.backend.RenameProp(ctx, newID, m.oldKey, m.newKey)
		if e.metrics != nil {
			e.metrics.RecordRename("prop", err)
		}
		if err != nil {
			e.logger.Error("prop rename propagation failed",
				slog.String("class", newID),
				slog.String("old_key", m.oldKey),
				slog.String("new_key", m.newKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.Info("prop renamed",
			slog.String("class", newID),
			slog.String("old_key", m.oldKey),
			slog.String("new_key", m.newKey),
			slog.Int("records", count),
		)
	}
}

type propRename struct {
	oldKey, newKey string
}

// matchPropRenames pairs keys removed from the prior class with keys added
// in the new class when they share a data_type. Matching is first-by-
// insertion and intentionally conservative: a type change disqualifies the
// pair, leaving a delete plus a create.
func matchPropRenames(prior, stored model.Record) []propRename {
	oldProps := propKeyTypes(prior)
	newProps := propKeyTypes(stored)

	oldKeys := make(map[string]model.DataType, len(oldProps))
	for _, p := range oldProps {
		oldKeys[p.key] = p.dataType
	}
	newKeys := make(map[string]model.DataType, len(newProps))
	for _, p := range newProps {
		newKeys[p.key] = p.dataType
	}

	var removed []keyType
	for _, p := range oldProps {
		if _, ok := newKeys[p.key]; !ok {
			removed = append(removed, p)
		}
	}
	var added []keyType
	for _, p := range newProps {
		if _, ok := oldKeys[p.key]; !ok {
			added = append(added, p)
		}
	}

	var matches []propRename
	used := make([]bool, len(added))
	for _, old := range removed {
		for i, candidate := range added {
			if used[i] || candidate.dataType != old.dataType {
				continue
			}
			used[i] = true
			matches = append(matches, propRename{oldKey: old.key, newKey: candidate.key})
			break
		}
	}
	return matches
}

type keyType struct {
	key      string
	dataType model.DataType
}

// propKeyTypes extracts the ordered {key, data_type} pairs from a class
// record's props.
func propKeyTypes(rec model.Record) []keyType {
	props, err := model.PropsFromValue(rec.ID(), rec["props"])
	if err != nil {
		return nil
	}
	out := make([]keyType, 0, len(props))
	for _, p := range props {
		out = append(out, keyType{key: p.Key, dataType: p.DataType})
	}
	return out
}
