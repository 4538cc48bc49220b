package engine

import (
	"context"

	"github.com/reflectdb/reflectdb/internal/model"
)

// Facade wraps one stored record with typed field access, per-field dirty
// tracking against an as-loaded snapshot, and lazily resolved relation
// neighbours. A dirty child notifies its parents through plain back-pointers;
// the graph is rebuilt on load and discarded after save.
type Facade struct {
	engine  *Engine
	classID string

	record   model.Record
	snapshot model.Record
	dirty    map[string]bool

	// relations holds in-memory neighbours per relation key, in the order
	// the ids appear on the record.
	relations map[string][]*Facade
	parents   []*Facade
}

// Load fetches a record and wraps it. The engine's object cache is consulted
// before the backend. Returns (nil, nil) when the record does not exist or is
// not visible to the caller.
func (e *Engine) Load(ctx context.Context, classID, id string) (*Facade, error) {
	if cached, ok := e.objects.Get(objectCacheKey(classID, id)); ok {
		if rec, ok := cached.(model.Record); ok {
			return e.Wrap(classID, rec.Clone()), nil
		}
	}
	rec, err := e.GetObject(ctx, classID, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	e.objects.Set(objectCacheKey(classID, id), rec.Clone())
	return e.Wrap(classID, rec), nil
}

// Wrap builds a facade over an already-fetched record.
func (e *Engine) Wrap(classID string, rec model.Record) *Facade {
	return &Facade{
		engine:    e,
		classID:   classID,
		record:    rec,
		snapshot:  rec.Clone(),
		dirty:     map[string]bool{},
		relations: map[string][]*Facade{},
	}
}

// NewFacade builds a facade for a record that does not exist yet.
func (e *Engine) NewFacade(classID string) *Facade {
	return &Facade{
		engine:    e,
		classID:   classID,
		record:    model.Record{model.FieldClassID: classID},
		dirty:     map[string]bool{model.FieldClassID: true},
		relations: map[string][]*Facade{},
	}
}

// ID returns the wrapped record's id.
func (f *Facade) ID() string { return f.record.ID() }

// ClassID returns the facade's class.
func (f *Facade) ClassID() string { return f.classID }

// Record returns a copy of the current working values.
func (f *Facade) Record() model.Record { return f.record.Clone() }

// Get returns the raw value of a field.
func (f *Facade) Get(key string) any { return f.record[key] }

// GetString reads a field coerced to string; non-coercible values yield "".
func (f *Facade) GetString(key string) string {
	s, err := castString(f.record[key])
	if err != nil {
		return ""
	}
	str, _ := s.(string)
	return str
}

// GetBool reads a field coerced to bool.
func (f *Facade) GetBool(key string) bool {
	b, err := castBool(f.record[key])
	if err != nil {
		return false
	}
	v, _ := b.(bool)
	return v
}

// GetInt reads a field coerced to int64.
func (f *Facade) GetInt(key string) int64 {
	v, err := castInt(f.record[key])
	if err != nil {
		return 0
	}
	fl, _ := v.(float64)
	return int64(fl)
}

// GetFloat reads a field coerced to float64.
func (f *Facade) GetFloat(key string) float64 {
	v, err := castFloat(f.record[key])
	if err != nil {
		return 0
	}
	fl, _ := v.(float64)
	return fl
}

// Set writes a field, coercing to the declared type when the class declares
// the key, and marks it dirty. Dirtiness propagates to every parent facade.
func (f *Facade) Set(ctx context.Context, key string, value any) error {
	if props, err := f.engine.registry.GetClassProps(ctx, f.classID); err == nil {
		for i := range props {
			if props[i].Key != key {
				continue
			}
			cast, castErr := castValue(&props[i], value)
			if castErr != nil {
				return NewError(CodeInvalidParams, "%s.%s: %v", f.classID, key, castErr)
			}
			value = cast
			break
		}
	}
	if model.ValueEqual(f.record[key], value) {
		return nil
	}
	f.record[key] = value
	f.markDirty(key)
	return nil
}

// Dirty reports whether any field changed since load.
func (f *Facade) Dirty() bool { return len(f.dirty) > 0 }

// DirtyFields lists the changed field names.
func (f *Facade) DirtyFields() []string {
	out := make([]string, 0, len(f.dirty))
	for k := range f.dirty {
		out = append(out, k)
	}
	return out
}

// markDirty flags the field and notifies parents. The graph may contain
// cycles, so propagation stops at facades already flagged.
func (f *Facade) markDirty(key string) {
	f.dirty[key] = true
	for _, p := range f.parents {
		p.childDirtied(f)
	}
}

func (f *Facade) childDirtied(child *Facade) {
	for key, neighbours := range f.relations {
		for _, n := range neighbours {
			if n == child {
				if f.dirty[key] {
					return
				}
				f.dirty[key] = true
				for _, p := range f.parents {
					p.childDirtied(f)
				}
				return
			}
		}
	}
}

// Related returns facades over the records referenced by a relation field.
// In-memory neighbours attached by Link or a prior Related call are returned
// without a backend round-trip.
func (f *Facade) Related(ctx context.Context, key string) ([]*Facade, error) {
	if neighbours, ok := f.relations[key]; ok {
		return neighbours, nil
	}
	recs, err := f.engine.GetRelated(ctx, f.record, key, RelationResolve, nil)
	if err != nil {
		return nil, err
	}
	neighbours := make([]*Facade, 0, len(recs))
	for _, rec := range recs {
		child := f.engine.Wrap(rec.ClassID(), rec)
		child.parents = append(child.parents, f)
		neighbours = append(neighbours, child)
	}
	f.relations[key] = neighbours
	return neighbours, nil
}

// Link attaches a child facade under a relation key, appending its id to the
// stored field and wiring the dirty back-reference.
func (f *Facade) Link(key string, child *Facade) {
	child.parents = append(child.parents, f)
	f.relations[key] = append(f.relations[key], child)

	id := child.ID()
	switch v := f.record[key].(type) {
	case []any:
		for _, existing := range v {
			if model.IDString(existing) == id {
				return
			}
		}
		f.record[key] = append(v, id)
	case nil:
		f.record[key] = []any{id}
	default:
		f.record[key] = []any{v, id}
	}
	f.markDirty(key)
}

// Save writes every dirty facade reachable from this one, children first, so
// freshly allocated child ids are stored before the parents referencing them.
// Clean facades are skipped entirely.
func (f *Facade) Save(ctx context.Context) error {
	return f.save(ctx, map[*Facade]bool{})
}

func (f *Facade) save(ctx context.Context, seen map[*Facade]bool) error {
	if seen[f] {
		return nil
	}
	seen[f] = true

	for key, neighbours := range f.relations {
		for i, child := range neighbours {
			hadID := child.ID() != ""
			if err := child.save(ctx, seen); err != nil {
				return err
			}
			if !hadID && child.ID() != "" {
				f.adoptChildID(key, i, child.ID())
			}
		}
	}

	if !f.Dirty() {
		return nil
	}
	stored, err := f.engine.SetObject(ctx, f.classID, f.record)
	if err != nil {
		return err
	}
	f.record = stored
	f.snapshot = stored.Clone()
	f.dirty = map[string]bool{}
	return nil
}

// adoptChildID rewrites the i-th entry of a relation field once the child's
// id is known.
func (f *Facade) adoptChildID(key string, i int, id string) {
	if seq, ok := f.record[key].([]any); ok && i < len(seq) {
		seq[i] = id
		f.dirty[key] = true
		return
	}
	f.record[key] = id
	f.dirty[key] = true
}
