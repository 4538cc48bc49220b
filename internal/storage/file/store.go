// Package file provides the flat-file JSON storage backend: one
// pretty-printed file per class holding an id-keyed mapping of records.
// It is single-writer; concurrent processes on the same directory are a
// deployment error.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

func init() {
	storage.Register(storage.BackendTypeFile, func(config map[string]interface{}) (storage.Backend, error) {
		dir, _ := config["dir"].(string)
		if dir == "" {
			dir = "data"
		}
		return NewStore(dir)
	})
}

// Store implements storage.Backend over a directory of per-class JSON files.
type Store struct {
	mu  sync.RWMutex
	dir string

	// classes caches the decoded file contents by class id.
	classes map[string]map[string]model.Record

	watcher *Watcher
}

// NewStore creates a file store rooted at dir, creating it when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		dir:     dir,
		classes: make(map[string]map[string]model.Record),
	}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(classID string) string {
	return filepath.Join(s.dir, classID+".json")
}

// load returns the id-keyed map for a class, reading the file on first use.
// Caller must hold at least a read lock; pass write=true when holding the
// write lock so the cache can be populated.
func (s *Store) load(classID string, write bool) (map[string]model.Record, error) {
	if recs, ok := s.classes[classID]; ok {
		return recs, nil
	}
	recs := make(map[string]model.Record)
	data, err := os.ReadFile(s.path(classID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if len(data) > 0 {
		var raw map[string]map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path(classID), err)
		}
		for id, m := range raw {
			recs[id] = model.Record(m)
		}
	}
	if write {
		s.classes[classID] = recs
	}
	return recs, nil
}

// flush writes a class map back to its file. An empty map removes the file.
func (s *Store) flush(classID string, recs map[string]model.Record) error {
	path := s.path(classID)
	if len(recs) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns the record by id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, classID, id string) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(classID, true)
	if err != nil {
		return nil, storage.NewOpError("get", classID, id, err)
	}
	rec, ok := recs[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// List returns every record of the class.
func (s *Store) List(ctx context.Context, classID string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(classID, true)
	if err != nil {
		return nil, storage.NewOpError("list", classID, "", err)
	}
	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Clone())
	}
	storage.SortRecords(out, model.FieldID, storage.SortAsc)
	return out, nil
}

// Set creates or replaces a record, allocating max+1 ids.
func (s *Store) Set(ctx context.Context, classID string, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(classID, true)
	if err != nil {
		return nil, storage.NewOpError("set", classID, rec.ID(), err)
	}

	stored := rec.Clone()
	id := stored.ID()
	if id == "" {
		id = strconv.FormatInt(nextID(recs), 10)
		stored[model.FieldID] = id
	}
	stored[model.FieldClassID] = classID

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, exists := recs[id]; !exists {
		if _, ok := stored[model.FieldCreatedAt]; !ok {
			stored[model.FieldCreatedAt] = now
		}
	}
	stored[model.FieldUpdatedAt] = now

	recs[id] = stored
	if err := s.flush(classID, recs); err != nil {
		delete(recs, id)
		return nil, storage.NewOpError("set", classID, id, err)
	}
	return stored.Clone(), nil
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, classID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(classID, true)
	if err != nil {
		return false, storage.NewOpError("delete", classID, id, err)
	}
	old, ok := recs[id]
	if !ok {
		return false, nil
	}
	delete(recs, id)
	if err := s.flush(classID, recs); err != nil {
		recs[id] = old
		return false, storage.NewOpError("delete", classID, id, err)
	}
	return true, nil
}

// QueryRecords filters, sorts, and pages in memory.
func (s *Store) QueryRecords(ctx context.Context, classID string, q storage.Query) ([]model.Record, error) {
	all, err := s.List(ctx, classID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if storage.Matches(rec, q.Filters) {
			out = append(out, rec)
		}
	}
	storage.SortRecords(out, q.Sort, q.SortDir)
	return storage.Page(out, q.Limit, q.Offset), nil
}

// RenameProp rewrites the key in every record of the class.
func (s *Store) RenameProp(ctx context.Context, classID, oldKey, newKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(classID, true)
	if err != nil {
		return 0, storage.NewOpError("rename_prop", classID, "", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	count := 0
	for _, rec := range recs {
		v, ok := rec[oldKey]
		if !ok {
			continue
		}
		delete(rec, oldKey)
		rec[newKey] = v
		rec[model.FieldUpdatedAt] = now
		count++
	}
	if count > 0 {
		if err := s.flush(classID, recs); err != nil {
			return 0, storage.NewOpError("rename_prop", classID, "", err)
		}
	}
	return count, nil
}

// RenameClass renames the class file and rewrites class_id in every record.
func (s *Store) RenameClass(ctx context.Context, oldClassID, newClassID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(oldClassID, true)
	if err != nil {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range recs {
		rec[model.FieldClassID] = newClassID
		rec[model.FieldUpdatedAt] = now
	}
	if err := s.flush(newClassID, recs); err != nil {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	if err := os.Remove(s.path(oldClassID)); err != nil && !os.IsNotExist(err) {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	s.classes[newClassID] = recs
	delete(s.classes, oldClassID)
	return len(recs), nil
}

// Invalidate drops the in-memory copy of a class so the next read re-reads
// the file. Used by the directory watcher when an external edit is seen.
func (s *Store) Invalidate(classID string) {
	s.mu.Lock()
	delete(s.classes, classID)
	s.mu.Unlock()
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// IsHealthy reports whether the data directory is accessible.
func (s *Store) IsHealthy(ctx context.Context) bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// ClassIDFromPath maps a data file path back to its class id, or "" for
// non-class files.
func ClassIDFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}

func nextID(recs map[string]model.Record) int64 {
	var max int64
	for id := range recs {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}
