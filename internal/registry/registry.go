// Package registry holds the single source of truth for class metadata:
// bootstrap of the system classes, parent-chain property resolution, and the
// process-local metadata cache.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reflectdb/reflectdb/internal/cache"
	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

// ErrExtendsCycle is returned when a class's extends_id chain loops.
var ErrExtendsCycle = fmt.Errorf("extends_id cycle")

// ClassMeta is the resolved view of a class: its own definition plus the
// effective (inherited, merged, ordered) property set.
type ClassMeta struct {
	Def            *model.ClassDef
	EffectiveProps []model.PropDef
}

// Prop returns the effective prop with the given key, or nil.
func (m *ClassMeta) Prop(key string) *model.PropDef {
	for i := range m.EffectiveProps {
		if m.EffectiveProps[i].Key == key {
			return &m.EffectiveProps[i]
		}
	}
	return nil
}

// IsSystem reports whether the class is reserved.
func (m *ClassMeta) IsSystem() bool {
	return m.Def.IsSystem || model.IsSystemClass(m.Def.ID)
}

// Registry resolves and caches class metadata.
type Registry struct {
	backend storage.Backend
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics

	bootstrapOnce sync.Once
	bootstrapErr  error
}

// Options configures the registry cache.
type Options struct {
	CacheCapacity int
	CacheTTL      time.Duration
	Metrics       *metrics.Metrics
}

// New creates a registry over a storage backend.
func New(backend storage.Backend, logger *slog.Logger, opts Options) *Registry {
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 1024
	}
	return &Registry{
		backend: backend,
		cache:   cache.New(opts.CacheCapacity, opts.CacheTTL),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Backend returns the underlying storage backend.
func (r *Registry) Backend() storage.Backend { return r.backend }

// Bootstrap seeds the system class records on first use: when the `@class`
// record for `@class` itself is absent, the full compiled-in set is written.
func (r *Registry) Bootstrap(ctx context.Context) error {
	r.bootstrapOnce.Do(func() {
		rec, err := r.backend.Get(ctx, model.ClassClass, model.ClassClass)
		if err != nil {
			r.bootstrapErr = fmt.Errorf("bootstrap probe: %w", err)
			return
		}
		if rec != nil {
			return
		}
		r.logger.Info("bootstrapping system classes")
		for _, def := range model.SystemClasses() {
			if _, err := r.backend.Set(ctx, model.ClassClass, def.ToRecord()); err != nil {
				r.bootstrapErr = fmt.Errorf("bootstrap %s: %w", def.ID, err)
				return
			}
		}
	})
	return r.bootstrapErr
}

// Reseed unconditionally rewrites the compiled-in system classes and clears
// the metadata cache. Used after a data reset, where Bootstrap's run-once
// probe has already fired.
func (r *Registry) Reseed(ctx context.Context) error {
	r.logger.Info("reseeding system classes")
	for _, def := range model.SystemClasses() {
		if _, err := r.backend.Set(ctx, model.ClassClass, def.ToRecord()); err != nil {
			return fmt.Errorf("reseed %s: %w", def.ID, err)
		}
	}
	r.cache.Clear()
	return nil
}

// GetClass returns the merged view of a class, or (nil, nil) when the class
// does not exist. Effective props are the union of own and ancestor props;
// a child prop overrides a parent prop with the same key. The parent walk
// stops at the first system class in the chain, whose props describe schema
// metadata rather than instance fields.
func (r *Registry) GetClass(ctx context.Context, classID string) (*ClassMeta, error) {
	if classID == "" {
		return nil, nil
	}
	if v, ok := r.cache.Get(classID); ok {
		r.recordCacheAccess(true)
		return v.(*ClassMeta), nil
	}
	r.recordCacheAccess(false)

	def, err := r.loadDef(ctx, classID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, nil
	}

	props := make([]model.PropDef, len(def.Props))
	copy(props, def.Props)

	// Merge independent @prop records for this class. The embedded form wins
	// on key conflicts.
	external, err := r.externalProps(ctx, classID)
	if err != nil {
		return nil, err
	}
	props = mergeProps(external, props)

	// Walk the parent chain.
	seen := map[string]bool{classID: true}
	parentID := def.ExtendsID
	for parentID != "" && !model.IsSystemClass(parentID) {
		if seen[parentID] {
			return nil, fmt.Errorf("%w via %s", ErrExtendsCycle, parentID)
		}
		seen[parentID] = true
		parent, err := r.loadDef(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		props = mergeProps(parent.Props, props)
		parentID = parent.ExtendsID
	}

	orderProps(props)
	meta := &ClassMeta{Def: def, EffectiveProps: props}
	r.cache.Set(classID, meta)
	if r.metrics != nil {
		r.metrics.UpdateCacheSize("schema", float64(r.cache.Stats().Size))
	}
	return meta, nil
}

func (r *Registry) recordCacheAccess(hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheAccess("schema", hit)
	}
}

// GetClassProps returns the effective property set of a class, ordered by
// display_order ascending then insertion order.
func (r *Registry) GetClassProps(ctx context.Context, classID string) ([]model.PropDef, error) {
	meta, err := r.GetClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return meta.EffectiveProps, nil
}

// Invalidate drops cached metadata after a `@class` change. Descendant
// classes embed ancestor props in their cached views, so the whole cache is
// cleared rather than tracking reverse dependencies.
func (r *Registry) Invalidate(classID string) {
	r.cache.Clear()
	r.logger.Debug("schema cache invalidated", slog.String("class", classID))
}

// CacheStats exposes cache statistics for health reporting.
func (r *Registry) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// loadDef reads a class definition from storage, falling back to the
// compiled-in definition for system classes so `@class` resolves before any
// record exists.
func (r *Registry) loadDef(ctx context.Context, classID string) (*model.ClassDef, error) {
	rec, err := r.backend.Get(ctx, model.ClassClass, classID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if def := model.SystemClassByID(classID); def != nil {
			return def, nil
		}
		return nil, nil
	}
	def, err := model.ClassDefFromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("class %s: %w", classID, err)
	}
	return def, nil
}

// externalProps returns prop definitions stored as independent `@prop`
// records keyed "<class_id>.<key>".
func (r *Registry) externalProps(ctx context.Context, classID string) ([]model.PropDef, error) {
	recs, err := r.backend.List(ctx, model.PropClass)
	if err != nil {
		return nil, err
	}
	prefix := classID + "."
	var props []model.PropDef
	for _, rec := range recs {
		if !strings.HasPrefix(rec.ID(), prefix) {
			continue
		}
		p, err := model.PropDefFromMap(classID, rec)
		if err != nil {
			r.logger.Warn("skipping malformed prop record",
				slog.String("id", rec.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}
		props = append(props, p)
	}
	return props, nil
}

// mergeProps unions base and overriding prop lists; an override with the same
// key replaces the base prop in place, new keys append in order.
func mergeProps(base, overrides []model.PropDef) []model.PropDef {
	out := make([]model.PropDef, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.Key] = i
	}
	for _, p := range overrides {
		if i, ok := index[p.Key]; ok {
			out[i] = p
			continue
		}
		index[p.Key] = len(out)
		out = append(out, p)
	}
	return out
}

// orderProps sorts by display_order ascending, preserving insertion order
// for equal values.
func orderProps(props []model.PropDef) {
	sort.SliceStable(props, func(i, j int) bool {
		return props[i].DisplayOrder < props[j].DisplayOrder
	})
}
