package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/reflectdb/reflectdb/internal/model"
)

// ValidateAndBuild casts input to the class's declared types, applies
// defaults, validates per property, and deep-merges over prior. Errors are
// collected, never thrown; the returned error is reserved for
// infrastructure failures (storage unreachable, unknown class).
func (e *Engine) ValidateAndBuild(ctx context.Context, classID string, input, prior model.Record) (model.Record, []FieldError, error) {
	props, err := e.registry.GetClassProps(ctx, classID)
	if err != nil {
		return nil, nil, WrapStorage(err, "resolve class %s", classID)
	}
	if props == nil {
		return nil, nil, NewError(CodeNotFound, "class %s does not exist", classID)
	}

	result := prior.Clone()
	if result == nil {
		result = model.Record{}
	}
	isCreate := prior == nil
	var errs []FieldError

	for i := range props {
		p := &props[i]
		value, present := input[p.Key]

		if present && (p.Readonly || p.ServerOnly || (p.CreateOnly && !isCreate)) {
			// Guarded fields keep their prior value.
			present = false
		}

		if present {
			cast, castErr := castValue(p, value)
			if castErr != nil {
				errs = append(errs, FieldError{
					Path: p.Key, Code: "type",
					Message: fmt.Sprintf("cannot cast to %s: %v", p.DataType, castErr),
				})
				continue
			}
			value = cast

			switch {
			case p.DataType == model.TypeObject && len(p.ObjectClassIDs) > 0 && !p.IsArray:
				if m, ok := asMap(value); ok {
					nested, nestedErrs, err := e.buildEmbedded(ctx, p, m, priorMap(result[p.Key]))
					if err != nil {
						return nil, nil, err
					}
					for _, fe := range nestedErrs {
						errs = append(errs, prefixError(fe, p.Key+"."))
					}
					value = nested
				}
			case p.DataType == model.TypeObject && len(p.ObjectClassIDs) > 0 && p.IsArray:
				seq, _ := value.([]any)
				priorItems := indexByID(result[p.Key])
				out := make([]any, 0, len(seq))
				for idx, item := range seq {
					m, ok := asMap(item)
					if !ok {
						errs = append(errs, FieldError{
							Path: fmt.Sprintf("%s[%d]", p.Key, idx), Code: "type",
							Message: "expected an object",
						})
						continue
					}
					var priorItem model.Record
					if id := model.IDString(m[model.FieldID]); id != "" {
						priorItem = priorItems[id]
					}
					nested, nestedErrs, err := e.buildEmbedded(ctx, p, m, priorItem)
					if err != nil {
						return nil, nil, err
					}
					for _, fe := range nestedErrs {
						errs = append(errs, prefixError(fe, fmt.Sprintf("%s[%d].", p.Key, idx)))
					}
					out = append(out, map[string]any(nested))
				}
				value = out
			case p.DataType == model.TypeRelation:
				if err := e.checkRelationTargets(ctx, p, value, &errs); err != nil {
					return nil, nil, err
				}
			case p.DataType == model.TypeUnique:
				if err := e.checkUniqueValue(ctx, classID, input, p.Key, value, &errs); err != nil {
					return nil, nil, err
				}
			default:
				if err := e.runValidators(ctx, classID, input, p, value, &errs); err != nil {
					return nil, nil, err
				}
			}
			result[p.Key] = value
			continue
		}

		// Missing from input.
		if _, has := result[p.Key]; has {
			continue
		}
		if isCreate && p.DefaultValue != nil {
			if cast, castErr := castValue(p, p.DefaultValue); castErr == nil {
				result[p.Key] = cast
			} else {
				result[p.Key] = p.DefaultValue
			}
			continue
		}
		if p.Required {
			errs = append(errs, FieldError{
				Path: p.Key, Code: "required",
				Message: fmt.Sprintf("%s is required", p.Key),
			})
		}
	}

	// Undeclared keys pass through untouched (dynamic extras); reserved
	// fields are restamped by the writer.
	declared := propIndex(props)
	for k, v := range input {
		if _, ok := declared[k]; ok {
			continue
		}
		result[k] = v
	}

	// Always re-copy identity fields from input when present.
	if v, ok := input[model.FieldID]; ok {
		result[model.FieldID] = model.IDString(v)
	}
	if v, ok := input[model.FieldClassID]; ok {
		result[model.FieldClassID] = v
	}

	// Case-insensitive name uniqueness within the class.
	if err := e.checkNameUnique(ctx, classID, result, &errs); err != nil {
		return nil, nil, err
	}

	return result, errs, nil
}

// buildEmbedded recurses into an embedded object value. The target class is
// the value's own class_id when it is one of the allowed targets, otherwise
// the first declared target.
func (e *Engine) buildEmbedded(ctx context.Context, p *model.PropDef, value map[string]any, prior model.Record) (model.Record, []FieldError, error) {
	target := p.ObjectClassIDs[0]
	if own, ok := value[model.FieldClassID].(string); ok {
		for _, t := range p.ObjectClassIDs {
			if own == t {
				target = own
				break
			}
		}
	}
	return e.ValidateAndBuild(ctx, target, model.Record(value), prior)
}

// checkRelationTargets verifies each referenced id resolves to a record of a
// target class, or of a subclass when the prop is not strict.
func (e *Engine) checkRelationTargets(ctx context.Context, p *model.PropDef, value any, errs *[]FieldError) error {
	if len(p.ObjectClassIDs) == 0 || value == nil {
		return nil
	}
	ids := relationIDs(value)
	for _, id := range ids {
		if id == "" {
			continue
		}
		rec, err := e.findRelationTarget(ctx, p, id)
		if err != nil {
			return err
		}
		if rec == nil {
			*errs = append(*errs, FieldError{
				Path: p.Key, Code: "relation",
				Message: fmt.Sprintf("referenced record %s not found in %s", id, strings.Join(p.ObjectClassIDs, ", ")),
			})
		}
	}
	return nil
}

// findRelationTarget looks the id up in each declared target class, then in
// subclasses of the targets unless the prop is strict.
func (e *Engine) findRelationTarget(ctx context.Context, p *model.PropDef, id string) (model.Record, error) {
	for _, target := range p.ObjectClassIDs {
		rec, err := e.backend.Get(ctx, target, id)
		if err != nil {
			return nil, WrapStorage(err, "resolve relation %s", p.Key)
		}
		if rec != nil {
			return rec, nil
		}
	}
	if p.ObjectClassStrict {
		return nil, nil
	}
	for _, target := range p.ObjectClassIDs {
		subs, err := e.subclassesOf(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			rec, err := e.backend.Get(ctx, sub, id)
			if err != nil {
				return nil, WrapStorage(err, "resolve relation %s", p.Key)
			}
			if rec != nil {
				return rec, nil
			}
		}
	}
	return nil, nil
}

// subclassesOf lists the ids of classes whose extends_id chain reaches
// ancestorID.
func (e *Engine) subclassesOf(ctx context.Context, ancestorID string) ([]string, error) {
	classes, err := e.backend.List(ctx, model.ClassClass)
	if err != nil {
		return nil, WrapStorage(err, "list classes")
	}
	parents := make(map[string]string, len(classes))
	for _, rec := range classes {
		if ext, ok := rec["extends_id"].(string); ok && ext != "" {
			parents[rec.ID()] = ext
		}
	}
	var out []string
	for id := range parents {
		cur := id
		for depth := 0; depth < len(parents)+1; depth++ {
			parent, ok := parents[cur]
			if !ok {
				break
			}
			if parent == ancestorID {
				out = append(out, id)
				break
			}
			cur = parent
		}
	}
	return out, nil
}

// checkNameUnique enforces case-insensitive uniqueness of `name` within the
// class by consulting the backend.
func (e *Engine) checkNameUnique(ctx context.Context, classID string, rec model.Record, errs *[]FieldError) error {
	name, ok := rec["name"].(string)
	if !ok || name == "" {
		return nil
	}
	all, err := e.backend.List(ctx, classID)
	if err != nil {
		return WrapStorage(err, "name uniqueness check on %s", classID)
	}
	selfID := rec.ID()
	for _, other := range all {
		otherName, _ := other["name"].(string)
		if other.ID() != selfID && strings.EqualFold(otherName, name) {
			*errs = append(*errs, FieldError{
				Path: "name", Code: "unique",
				Message: fmt.Sprintf("name %q is already in use", name),
			})
			return nil
		}
	}
	return nil
}

func propIndex(props []model.PropDef) map[string]*model.PropDef {
	idx := make(map[string]*model.PropDef, len(props))
	for i := range props {
		idx[props[i].Key] = &props[i]
	}
	return idx
}

func prefixError(fe FieldError, prefix string) FieldError {
	fe.Path = prefix + fe.Path
	return fe
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case model.Record:
		return t, true
	}
	return nil, false
}

func priorMap(v any) model.Record {
	if m, ok := asMap(v); ok {
		return model.Record(m)
	}
	return nil
}

func indexByID(v any) map[string]model.Record {
	out := map[string]model.Record{}
	seq, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range seq {
		if m, ok := asMap(item); ok {
			if id := model.IDString(m[model.FieldID]); id != "" {
				out[id] = model.Record(m)
			}
		}
	}
	return out
}

// relationIDs normalizes a relation value to a flat id list.
func relationIDs(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, model.IDString(e))
		}
		return out
	default:
		return []string{model.IDString(v)}
	}
}
