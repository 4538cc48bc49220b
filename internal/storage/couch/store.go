package couch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

func init() {
	storage.Register(storage.BackendTypeCouch, func(config map[string]interface{}) (storage.Backend, error) {
		cfg := Config{}
		if v, ok := config["url"].(string); ok {
			cfg.URL = v
		}
		if v, ok := config["username"].(string); ok {
			cfg.Username = v
		}
		if v, ok := config["password"].(string); ok {
			cfg.Password = v
		}
		if v, ok := config["prefix"].(string); ok {
			cfg.Prefix = v
		}
		return NewStore(cfg)
	})
}

// Config holds CouchDB connection configuration.
type Config struct {
	URL      string
	Username string
	Password string
	// Prefix namespaces the per-class databases; CouchDB database names
	// must start with a lowercase letter, so class names cannot be used raw.
	Prefix  string
	Timeout time.Duration
}

// Store implements storage.Backend on a CouchDB-compatible server.
type Store struct {
	c      *client
	prefix string
}

// NewStore creates a CouchDB-backed store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:5984"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rdb_"
	}
	return &Store{
		c:      newClient(cfg.URL, cfg.Username, cfg.Password, cfg.Timeout),
		prefix: cfg.Prefix,
	}, nil
}

// dbName maps a class id to a database name ("@" → "_", prefixed).
func (s *Store) dbName(classID string) string {
	return s.prefix + strings.ReplaceAll(strings.ToLower(classID), "@", "_")
}

func (s *Store) countersDB() string {
	return s.prefix + "counters"
}

type couchDoc map[string]any

// Get returns the record by id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, classID, id string) (model.Record, error) {
	var doc couchDoc
	err := s.c.do(ctx, http.MethodGet, docPath(s.dbName(classID), id), nil, &doc)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsNotFound() {
			return nil, nil
		}
		return nil, storage.NewOpError("get", classID, id, err)
	}
	return recordFromDoc(doc), nil
}

// getRev returns the current revision of a document, or "" when absent.
func (s *Store) getRev(ctx context.Context, db, id string) (string, error) {
	var doc struct {
		Rev string `json:"_rev"`
	}
	err := s.c.do(ctx, http.MethodGet, docPath(db, id), nil, &doc)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsNotFound() {
			return "", nil
		}
		return "", err
	}
	return doc.Rev, nil
}

// List returns every record of the class via _all_docs.
func (s *Store) List(ctx context.Context, classID string) ([]model.Record, error) {
	recs, err := s.allDocs(ctx, classID)
	if err != nil {
		return nil, storage.NewOpError("list", classID, "", err)
	}
	storage.SortRecords(recs, model.FieldID, storage.SortAsc)
	return recs, nil
}

func (s *Store) allDocs(ctx context.Context, classID string) ([]model.Record, error) {
	var resp struct {
		Rows []struct {
			Doc couchDoc `json:"doc"`
		} `json:"rows"`
	}
	err := s.c.do(ctx, http.MethodGet, "/"+s.dbName(classID)+"/_all_docs?include_docs=true", nil, &resp)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsNotFound() {
			return nil, nil
		}
		return nil, err
	}
	recs := make([]model.Record, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if row.Doc == nil {
			continue
		}
		recs = append(recs, recordFromDoc(row.Doc))
	}
	return recs, nil
}

// Set creates or replaces a record. Writes carry the prior revision; a
// conflict after the read-modify-write surfaces as a storage error.
func (s *Store) Set(ctx context.Context, classID string, rec model.Record) (model.Record, error) {
	db := s.dbName(classID)
	if err := s.c.ensureDB(ctx, db); err != nil {
		return nil, storage.NewOpError("set", classID, rec.ID(), err)
	}

	stored := rec.Clone()
	id := stored.ID()
	if id == "" {
		seq, err := s.nextID(ctx, classID)
		if err != nil {
			return nil, storage.NewOpError("set", classID, "", err)
		}
		id = strconv.FormatInt(seq, 10)
		stored[model.FieldID] = id
	}
	stored[model.FieldClassID] = classID

	now := time.Now().UTC().Format(time.RFC3339Nano)
	prior, err := s.Get(ctx, classID, id)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		if _, ok := stored[model.FieldCreatedAt]; !ok {
			stored[model.FieldCreatedAt] = now
		}
	} else if _, ok := stored[model.FieldCreatedAt]; !ok {
		stored[model.FieldCreatedAt] = prior[model.FieldCreatedAt]
	}
	stored[model.FieldUpdatedAt] = now

	doc := couchDoc(stored.Clone())
	doc["_id"] = id
	rev, err := s.getRev(ctx, db, id)
	if err != nil {
		return nil, storage.NewOpError("set", classID, id, err)
	}
	if rev != "" {
		doc["_rev"] = rev
	}
	if err := s.c.do(ctx, http.MethodPut, docPath(db, id), doc, nil); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsConflict() {
			return nil, storage.NewOpError("set", classID, id, storage.ErrConflict)
		}
		return nil, storage.NewOpError("set", classID, id, err)
	}
	return stored, nil
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, classID, id string) (bool, error) {
	db := s.dbName(classID)
	rev, err := s.getRev(ctx, db, id)
	if err != nil {
		return false, storage.NewOpError("delete", classID, id, err)
	}
	if rev == "" {
		return false, nil
	}
	err = s.c.do(ctx, http.MethodDelete, docPath(db, id)+"?rev="+rev, nil, nil)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsNotFound() {
			return false, nil
		}
		return false, storage.NewOpError("delete", classID, id, err)
	}
	return true, nil
}

// QueryRecords tries a Mango _find first and falls back to a client-side
// scan when the server rejects the query (typically a missing index).
func (s *Store) QueryRecords(ctx context.Context, classID string, q storage.Query) ([]model.Record, error) {
	recs, err := s.mangoFind(ctx, classID, q)
	if err == nil {
		return recs, nil
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.StatusCode < 400 || cerr.StatusCode >= 500 {
		return nil, storage.NewOpError("query", classID, "", err)
	}

	// Server rejected the query (missing index, no _find support, missing
	// database); filter client-side instead.
	all, err := s.allDocs(ctx, classID)
	if err != nil {
		return nil, storage.NewOpError("query", classID, "", err)
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

func (s *Store) mangoFind(ctx context.Context, classID string, q storage.Query) ([]model.Record, error) {
	selector := map[string]any{}
	for key, want := range q.Filters {
		if set, ok := want.([]any); ok {
			selector[key] = map[string]any{"$in": set}
			continue
		}
		selector[key] = want
	}
	body := map[string]any{"selector": selector}
	if q.Sort != "" {
		dir := "asc"
		if q.SortDir == storage.SortDesc {
			dir = "desc"
		}
		body["sort"] = []any{map[string]any{q.Sort: dir}}
	}
	if q.Limit > 0 {
		body["limit"] = q.Limit
	}
	if q.Offset > 0 {
		body["skip"] = q.Offset
	}
	var resp struct {
		Docs []couchDoc `json:"docs"`
	}
	if err := s.c.do(ctx, http.MethodPost, "/"+s.dbName(classID)+"/_find", body, &resp); err != nil {
		return nil, err
	}
	recs := make([]model.Record, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		recs = append(recs, recordFromDoc(doc))
	}
	return recs, nil
}

// RenameProp rewrites the key across the class with a bulk update.
func (s *Store) RenameProp(ctx context.Context, classID, oldKey, newKey string) (int, error) {
	db := s.dbName(classID)
	var resp struct {
		Rows []struct {
			Doc couchDoc `json:"doc"`
		} `json:"rows"`
	}
	err := s.c.do(ctx, http.MethodGet, "/"+db+"/_all_docs?include_docs=true", nil, &resp)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.IsNotFound() {
			return 0, nil
		}
		return 0, storage.NewOpError("rename_prop", classID, "", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var changed []couchDoc
	for _, row := range resp.Rows {
		doc := row.Doc
		if doc == nil {
			continue
		}
		v, ok := doc[oldKey]
		if !ok {
			continue
		}
		delete(doc, oldKey)
		doc[newKey] = v
		doc[model.FieldUpdatedAt] = now
		changed = append(changed, doc)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.bulkDocs(ctx, db, changed); err != nil {
		return 0, storage.NewOpError("rename_prop", classID, "", err)
	}
	return len(changed), nil
}

// RenameClass writes every document into the new class database and deletes
// the old database.
func (s *Store) RenameClass(ctx context.Context, oldClassID, newClassID string) (int, error) {
	recs, err := s.allDocs(ctx, oldClassID)
	if err != nil {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	newDB := s.dbName(newClassID)
	if err := s.c.ensureDB(ctx, newDB); err != nil {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	docs := make([]couchDoc, 0, len(recs))
	for _, rec := range recs {
		rec[model.FieldClassID] = newClassID
		rec[model.FieldUpdatedAt] = now
		doc := couchDoc(rec)
		doc["_id"] = rec.ID()
		docs = append(docs, doc)
	}
	if len(docs) > 0 {
		if err := s.bulkDocs(ctx, newDB, docs); err != nil {
			return 0, storage.NewOpError("rename_class", oldClassID, "", err)
		}
	}
	if err := s.c.do(ctx, http.MethodDelete, "/"+s.dbName(oldClassID), nil, nil); err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) || !cerr.IsNotFound() {
			return 0, storage.NewOpError("rename_class", oldClassID, "", err)
		}
	}
	return len(docs), nil
}

func (s *Store) bulkDocs(ctx context.Context, db string, docs []couchDoc) error {
	body := map[string]any{"docs": docs}
	var results []struct {
		ID    string `json:"id"`
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.c.do(ctx, http.MethodPost, "/"+db+"/_bulk_docs", body, &results); err != nil {
		return err
	}
	for _, res := range results {
		if res.Error != "" {
			return &Error{StatusCode: http.StatusConflict, ErrorType: res.Error,
				Reason: "bulk update failed for " + res.ID}
		}
	}
	return nil
}

// nextID increments the per-class counter document, retrying MVCC conflicts
// with exponential backoff.
func (s *Store) nextID(ctx context.Context, classID string) (int64, error) {
	db := s.countersDB()
	if err := s.c.ensureDB(ctx, db); err != nil {
		return 0, err
	}

	var seq int64
	op := func() error {
		var doc struct {
			Rev string `json:"_rev"`
			Seq int64  `json:"seq"`
		}
		err := s.c.do(ctx, http.MethodGet, docPath(db, classID), nil, &doc)
		if err != nil {
			var cerr *Error
			if !errors.As(err, &cerr) || !cerr.IsNotFound() {
				return backoff.Permanent(err)
			}
		}
		next := map[string]any{"_id": classID, "seq": doc.Seq + 1}
		if doc.Rev != "" {
			next["_rev"] = doc.Rev
		}
		if err := s.c.do(ctx, http.MethodPut, docPath(db, classID), next, nil); err != nil {
			var cerr *Error
			if errors.As(err, &cerr) && cerr.IsConflict() {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		seq = doc.Seq + 1
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(5*time.Second),
	), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	return seq, nil
}

// Close is a no-op; the HTTP client holds no long-lived resources.
func (s *Store) Close() error { return nil }

// IsHealthy checks the server root.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.c.do(ctx, http.MethodGet, "/", nil, nil) == nil
}

// recordFromDoc strips CouchDB control fields from a document.
func recordFromDoc(doc couchDoc) model.Record {
	rec := make(model.Record, len(doc))
	for k, v := range doc {
		if k == "_id" || k == "_rev" {
			continue
		}
		rec[k] = v
	}
	return rec
}
