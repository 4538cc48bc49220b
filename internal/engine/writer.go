package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/reflectdb/reflectdb/internal/cache"
	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/registry"
	"github.com/reflectdb/reflectdb/internal/secctx"
	"github.com/reflectdb/reflectdb/internal/storage"
)

// Broadcaster receives committed change batches. Implementations must not
// block the caller; a save never fails because broadcast failed.
type Broadcaster interface {
	Publish(items []model.Record, senderUserID string)
}

// Engine is the write pipeline: it validates, diffs, stamps, persists,
// propagates renames, and hands committed changes to the broadcaster.
type Engine struct {
	backend     storage.Backend
	registry    *registry.Registry
	broadcaster Broadcaster
	functions   FunctionRunner
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// objects caches recently written/read records for facade loads.
	objects *cache.Cache

	autoCreateClass bool
}

// Options configures the engine.
type Options struct {
	Broadcaster     Broadcaster
	Functions       FunctionRunner
	Metrics         *metrics.Metrics
	AutoCreateClass bool
	ObjectCacheSize int
}

// New creates an Engine.
func New(reg *registry.Registry, logger *slog.Logger, opts Options) *Engine {
	size := opts.ObjectCacheSize
	if size <= 0 {
		size = 4096
	}
	return &Engine{
		backend:         reg.Backend(),
		registry:        reg,
		broadcaster:     opts.Broadcaster,
		functions:       opts.Functions,
		logger:          logger,
		metrics:         opts.Metrics,
		objects:         cache.New(size, 5*time.Minute),
		autoCreateClass: opts.AutoCreateClass,
	}
}

// Registry returns the schema registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Backend returns the storage backend.
func (e *Engine) Backend() storage.Backend { return e.backend }

func objectCacheKey(classID, id string) string { return classID + "/" + id }

// SetObject validates and persists one record, returning the stored form.
func (e *Engine) SetObject(ctx context.Context, classID string, input model.Record) (model.Record, error) {
	stored, err := e.setObject(ctx, classID, "", input, true)
	if e.metrics != nil {
		e.metrics.RecordWrite(classID, err)
	}
	return stored, err
}

// SetObjectAt is SetObject with an explicit prior id, for transports that
// address the record by path. When the body carries a different id and the
// class is `@class`, the write is a class-id rename.
func (e *Engine) SetObjectAt(ctx context.Context, classID, priorID string, input model.Record) (model.Record, error) {
	stored, err := e.setObject(ctx, classID, priorID, input, true)
	if e.metrics != nil {
		e.metrics.RecordWrite(classID, err)
	}
	return stored, err
}

func (e *Engine) setObject(ctx context.Context, classID, priorID string, input model.Record, mayAutoCreate bool) (model.Record, error) {
	if classID == "" {
		return nil, NewError(CodeInvalidParams, "class id is required")
	}
	if input == nil {
		return nil, NewError(CodeInvalidParams, "record body is required")
	}
	sc := secctx.From(ctx)

	meta, err := e.registry.GetClass(ctx, classID)
	if err != nil {
		return nil, wrapResolve(err, classID)
	}
	if meta == nil {
		if !e.autoCreateClass || !mayAutoCreate || model.IsSystemClass(classID) {
			return nil, NewError(CodeNotFound, "class %s does not exist", classID)
		}
		// Synthesize a minimal class record and retry once.
		if _, err := e.setObject(ctx, model.ClassClass, "", model.Record{
			model.FieldID: classID,
			"name":        classID,
			"props":       []any{},
		}, false); err != nil {
			return nil, err
		}
		return e.setObject(ctx, classID, "", input, false)
	}

	id := model.IDString(input[model.FieldID])
	lookupID := priorID
	if lookupID == "" {
		lookupID = id
	}
	var prior model.Record
	if lookupID != "" {
		prior, err = e.backend.Get(ctx, classID, lookupID)
		if err != nil {
			return nil, WrapStorage(err, "fetch prior %s/%s", classID, lookupID)
		}
	}
	if prior != nil && id != "" && id != prior.ID() && classID != model.ClassClass {
		return nil, NewError(CodeInvalidParams, "record id is immutable (stored id %s)", prior.ID())
	}

	// Existence guard: a caller-supplied id must reference an existing
	// record unless custom-id creation is enabled.
	if lookupID != "" && prior == nil && !meta.IsSystem() && !sc.AllowCustomIDs {
		return nil, NewError(CodeNotFound, "%s/%s does not exist", classID, lookupID).
			WithContext("class", classID).WithContext("id", lookupID)
	}

	// Security guard.
	if prior != nil && !meta.IsSystem() && !visible(prior, sc) {
		return nil, NewError(CodeForbidden, "record %s/%s belongs to another owner", classID, id)
	}

	if classID == model.ClassClass {
		// Props arrive in sequence, mapping, or scalar-target form; rewrite
		// to the canonical sequence before invariants and validation run.
		input = input.Clone()
		normalizeClassRecord(input)
		if err := e.checkClassInvariants(ctx, input, prior); err != nil {
			return nil, err
		}
	}

	merged, ferrs, err := e.ValidateAndBuild(ctx, classID, input, prior)
	if err != nil {
		return nil, err
	}
	if len(ferrs) > 0 {
		if e.metrics != nil {
			e.metrics.ValidationErrors.WithLabelValues(classID).Inc()
		}
		if allUnique(ferrs) {
			uerr := ValidationError(ferrs)
			uerr.Code = CodeUnique
			uerr.Message = "unique constraint violation"
			return nil, uerr
		}
		return nil, ValidationError(ferrs)
	}

	// Stamp identity/security/audit fields on create of a non-system class.
	if prior == nil && !meta.IsSystem() && sc.Active() {
		stampIfSet(merged, model.FieldOwnerID, sc.UserID)
		stampIfSet(merged, model.FieldAppID, sc.AppID)
		stampIfSet(merged, model.FieldDomain, sc.Domain)
	}
	if sc.UserID != "" {
		if prior == nil {
			merged[model.FieldCreatedBy] = sc.UserID
		}
		merged[model.FieldUpdatedBy] = sc.UserID
	}

	changes := model.Diff(merged, prior)
	if prior != nil && len(changes) == 0 {
		// No-op write: no persist, no broadcast.
		if e.metrics != nil {
			e.metrics.WriteSkipsTotal.Inc()
		}
		return prior, nil
	}

	if classID == model.ClassClass {
		normalizeClassRecord(merged)
	}

	stored, err := e.backend.Set(ctx, classID, merged)
	if err != nil {
		return nil, WrapStorage(err, "persist %s/%s", classID, merged.ID())
	}

	if classID == model.ClassClass {
		e.propagateRenames(ctx, stored, prior)
		e.registry.Invalidate(stored.ID())
	}
	if classID == model.PropClass {
		e.registry.Invalidate(stored.ID())
	}

	e.publish(buildChangeItem(stored, prior), sc.UserID)
	e.objects.Set(objectCacheKey(classID, stored.ID()), stored.Clone())
	return stored, nil
}

// DeleteObject removes a record, enforcing the same access checks as writes.
func (e *Engine) DeleteObject(ctx context.Context, classID, id string) error {
	err := e.deleteObject(ctx, classID, id)
	if e.metrics != nil {
		e.metrics.RecordDelete(classID, err)
	}
	return err
}

func (e *Engine) deleteObject(ctx context.Context, classID, id string) error {
	if classID == "" || id == "" {
		return NewError(CodeInvalidParams, "class id and record id are required")
	}
	sc := secctx.From(ctx)
	meta, err := e.registry.GetClass(ctx, classID)
	if err != nil {
		return wrapResolve(err, classID)
	}
	if meta == nil {
		return NewError(CodeNotFound, "class %s does not exist", classID)
	}
	prior, err := e.backend.Get(ctx, classID, id)
	if err != nil {
		return WrapStorage(err, "fetch %s/%s", classID, id)
	}
	if prior == nil {
		return NewError(CodeNotFound, "%s/%s does not exist", classID, id)
	}
	if !meta.IsSystem() && !visible(prior, sc) {
		return NewError(CodeForbidden, "record %s/%s belongs to another owner", classID, id)
	}
	if classID == model.ClassClass {
		if def, derr := model.ClassDefFromRecord(prior); derr == nil && def.IsSystem {
			return NewError(CodeForbidden, "system class %s cannot be deleted", id)
		}
	}
	if _, err := e.backend.Delete(ctx, classID, id); err != nil {
		return WrapStorage(err, "delete %s/%s", classID, id)
	}
	if classID == model.ClassClass || classID == model.PropClass {
		e.registry.Invalidate(id)
	}
	item := model.Record{
		model.FieldID:      prior[model.FieldID],
		model.FieldClassID: classID,
		model.FieldDeleted: true,
	}
	if scope, ok := prior[model.FieldScopeID]; ok {
		item[model.FieldScopeID] = scope
	}
	e.publish(item, sc.UserID)
	e.objects.Delete(objectCacheKey(classID, id))
	return nil
}

// GetObject returns a record the caller may see, or (nil, nil).
func (e *Engine) GetObject(ctx context.Context, classID, id string) (model.Record, error) {
	meta, err := e.registry.GetClass(ctx, classID)
	if err != nil {
		return nil, wrapResolve(err, classID)
	}
	if meta == nil {
		return nil, nil
	}
	rec, err := e.backend.Get(ctx, classID, id)
	if err != nil {
		return nil, WrapStorage(err, "get %s/%s", classID, id)
	}
	if rec == nil {
		return nil, nil
	}
	if !meta.IsSystem() && !visible(rec, secctx.From(ctx)) {
		return nil, nil
	}
	return rec, nil
}

// ListObjects returns the records of a class visible to the caller.
func (e *Engine) ListObjects(ctx context.Context, classID string) ([]model.Record, error) {
	return e.QueryObjects(ctx, classID, storage.Query{})
}

// QueryObjects runs an equality-filtered query, then applies the caller's
// visibility client-side so all backends behave identically.
func (e *Engine) QueryObjects(ctx context.Context, classID string, q storage.Query) ([]model.Record, error) {
	meta, err := e.registry.GetClass(ctx, classID)
	if err != nil {
		return nil, wrapResolve(err, classID)
	}
	if meta == nil {
		return nil, NewError(CodeNotFound, "class %s does not exist", classID)
	}
	coerceFilters(meta, q.Filters)
	recs, err := e.backend.QueryRecords(ctx, classID, q)
	if err != nil {
		return nil, WrapStorage(err, "query %s", classID)
	}
	if meta.IsSystem() {
		return recs, nil
	}
	sc := secctx.From(ctx)
	out := recs[:0]
	for _, rec := range recs {
		if visible(rec, sc) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// coerceFilters casts filter values to their declared prop types, so string
// query parameters match stored numbers and booleans.
func coerceFilters(meta *registry.ClassMeta, filters map[string]any) {
	for key, v := range filters {
		prop := meta.Prop(key)
		if prop == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if cast, err := castScalar(prop.DataType, t); err == nil {
				filters[key] = cast
			}
		case []any:
			for i, item := range t {
				if s, ok := item.(string); ok {
					if cast, err := castScalar(prop.DataType, s); err == nil {
						t[i] = cast
					}
				}
			}
		}
	}
}

// FindByID looks a record up across every class.
func (e *Engine) FindByID(ctx context.Context, id string) (model.Record, error) {
	classes, err := e.backend.List(ctx, model.ClassClass)
	if err != nil {
		return nil, WrapStorage(err, "list classes")
	}
	for _, cls := range classes {
		rec, err := e.GetObject(ctx, cls.ID(), id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// checkClassInvariants enforces the write-once extends_id and the acyclic
// parent chain before a `@class` record is persisted.
func (e *Engine) checkClassInvariants(ctx context.Context, input, prior model.Record) error {
	newExt, hasNew := input["extends_id"].(string)
	if prior != nil {
		oldExt, _ := prior["extends_id"].(string)
		if hasNew && oldExt != "" && newExt != oldExt {
			return NewError(CodeInvalidParams, "extends_id is write-once (was %q)", oldExt)
		}
	}
	// A property's effective type is immutable: the same key may not change
	// data_type across writes (rename it instead).
	if prior != nil {
		oldProps, errOld := model.PropsFromValue(prior.ID(), prior["props"])
		newProps, errNew := model.PropsFromValue(prior.ID(), input["props"])
		if errOld == nil && errNew == nil {
			oldTypes := make(map[string]model.DataType, len(oldProps))
			for _, p := range oldProps {
				oldTypes[p.Key] = p.DataType
			}
			for _, p := range newProps {
				if old, ok := oldTypes[p.Key]; ok && old != p.DataType {
					return NewError(CodeInvalidParams,
						"prop %s: data_type is immutable (was %s)", p.Key, old)
				}
			}
		}
	}

	if !hasNew || newExt == "" {
		return nil
	}
	// Walk the would-be parent chain.
	selfID := model.IDString(input[model.FieldID])
	seen := map[string]bool{selfID: true}
	cur := newExt
	for cur != "" {
		if seen[cur] {
			return NewError(CodeInvalidParams, "extends_id cycle via %s", cur)
		}
		seen[cur] = true
		parent, err := e.backend.Get(ctx, model.ClassClass, cur)
		if err != nil {
			return WrapStorage(err, "walk extends chain")
		}
		if parent == nil {
			break
		}
		cur, _ = parent["extends_id"].(string)
	}
	return nil
}

// publish hands one committed change to the broadcaster.
func (e *Engine) publish(item model.Record, senderUserID string) {
	if e.broadcaster == nil || item == nil {
		return
	}
	e.broadcaster.Publish([]model.Record{item}, senderUserID)
}

// buildChangeItem assembles a broadcast item: the stored fields plus _old
// for updates.
func buildChangeItem(stored, prior model.Record) model.Record {
	item := stored.Clone()
	if prior != nil {
		item[model.FieldOld] = map[string]any(prior.Clone())
	}
	return item
}

// visible reports whether the caller's security stamps admit the record.
func visible(rec model.Record, sc *secctx.Context) bool {
	if !sc.Active() {
		return true
	}
	check := func(field, want string) bool {
		got, _ := rec[field].(string)
		if got == "" || want == "" {
			return true
		}
		return got == want
	}
	return check(model.FieldOwnerID, sc.UserID) &&
		check(model.FieldAppID, sc.AppID) &&
		check(model.FieldDomain, sc.Domain)
}

// normalizeClassRecord rewrites a class's props into the canonical sequence
// form, assigning each prop id "<class_id>.<key>" and class_id "@prop".
func normalizeClassRecord(rec model.Record) {
	if rec["props"] == nil {
		// Partial update; the stored props remain as they are.
		return
	}
	classID := rec.ID()
	props, err := model.PropsFromValue(classID, rec["props"])
	if err != nil {
		return
	}
	out := make([]any, len(props))
	for i, p := range props {
		p.ID = model.PropID(classID, p.Key)
		p.ClassID = model.PropClass
		out[i] = p.ToMap()
	}
	rec["props"] = out
}

func stampIfSet(rec model.Record, field, value string) {
	if value != "" {
		rec[field] = value
	}
}

func allUnique(errs []FieldError) bool {
	for _, fe := range errs {
		if fe.Code != "unique" {
			return false
		}
	}
	return len(errs) > 0
}

func wrapResolve(err error, classID string) error {
	if engErr, ok := err.(*Error); ok {
		return engErr
	}
	return WrapStorage(err, "resolve class %s", classID)
}
