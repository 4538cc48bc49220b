// Package mongo provides the document-database storage backend: one
// collection per class plus a _counters collection of per-class sequences.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

const countersCollection = "_counters"

func init() {
	storage.Register(storage.BackendTypeMongo, func(config map[string]interface{}) (storage.Backend, error) {
		cfg := Config{}
		if v, ok := config["uri"].(string); ok {
			cfg.URI = v
		}
		if v, ok := config["database"].(string); ok {
			cfg.Database = v
		}
		return NewStore(cfg)
	})
}

// Config holds MongoDB connection configuration.
type Config struct {
	URI      string
	Database string
}

// Store implements storage.Backend on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewStore connects to MongoDB.
func NewStore(cfg Config) (*Store, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "reflectdb"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	return &Store{client: client, db: client.Database(cfg.Database)}, nil
}

// collName maps a class id to a collection name. Collection names cannot
// start with reserved characters, so "@" becomes "_".
func collName(classID string) string {
	return strings.ReplaceAll(classID, "@", "_")
}

func (s *Store) coll(classID string) *mongo.Collection {
	return s.db.Collection(collName(classID))
}

// nextID atomically increments the per-class sequence.
func (s *Store) nextID(ctx context.Context, classID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": classID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// Get returns the record by id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, classID, id string) (model.Record, error) {
	var doc bson.M
	err := s.coll(classID).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewOpError("get", classID, id, err)
	}
	return recordFromDoc(doc), nil
}

// List returns every record of the class, ordered by id.
func (s *Store) List(ctx context.Context, classID string) ([]model.Record, error) {
	return s.QueryRecords(ctx, classID, storage.Query{})
}

// Set creates or replaces a record.
func (s *Store) Set(ctx context.Context, classID string, rec model.Record) (model.Record, error) {
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

	doc := bson.M(stored.Clone())
	doc["_id"] = id
	_, err = s.coll(classID).ReplaceOne(ctx, bson.M{"_id": id}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return nil, storage.NewOpError("set", classID, id, err)
	}
	return stored, nil
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, classID, id string) (bool, error) {
	res, err := s.coll(classID).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, storage.NewOpError("delete", classID, id, err)
	}
	return res.DeletedCount > 0, nil
}

// QueryRecords runs an equality-filtered, sorted, paged find.
func (s *Store) QueryRecords(ctx context.Context, classID string, q storage.Query) ([]model.Record, error) {
	filter := bson.M{}
	for key, want := range q.Filters {
		if set, ok := want.([]any); ok {
			filter[key] = bson.M{"$in": set}
			continue
		}
		filter[key] = want
	}
	opts := options.Find()
	sortField := q.Sort
	if sortField == "" {
		sortField = "_id"
	}
	dir := 1
	if q.SortDir == storage.SortDesc {
		dir = -1
	}
	opts.SetSort(bson.D{{Key: sortField, Value: dir}})
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.coll(classID).Find(ctx, filter, opts)
	if err != nil {
		return nil, storage.NewOpError("query", classID, "", err)
	}
	defer cursor.Close(ctx)
	var out []model.Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, storage.NewOpError("query", classID, "", err)
		}
		out = append(out, recordFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, storage.NewOpError("query", classID, "", err)
	}
	return out, nil
}

// RenameProp uses the native $rename operator across the collection.
func (s *Store) RenameProp(ctx context.Context, classID, oldKey, newKey string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.coll(classID).UpdateMany(ctx,
		bson.M{oldKey: bson.M{"$exists": true}},
		bson.M{
			"$rename": bson.M{oldKey: newKey},
			"$set":    bson.M{model.FieldUpdatedAt: now},
		},
	)
	if err != nil {
		return 0, storage.NewOpError("rename_prop", classID, "", err)
	}
	return int(res.ModifiedCount), nil
}

// RenameClass copies documents into the new collection and drops the old one.
func (s *Store) RenameClass(ctx context.Context, oldClassID, newClassID string) (int, error) {
	recs, err := s.List(ctx, oldClassID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	docs := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		rec[model.FieldClassID] = newClassID
		rec[model.FieldUpdatedAt] = now
		doc := bson.M(rec)
		doc["_id"] = rec.ID()
		docs = append(docs, doc)
	}
	if len(docs) > 0 {
		if _, err := s.coll(newClassID).InsertMany(ctx, docs); err != nil {
			return 0, storage.NewOpError("rename_class", oldClassID, "", err)
		}
	}
	if err := s.coll(oldClassID).Drop(ctx); err != nil {
		return 0, storage.NewOpError("rename_class", oldClassID, "", err)
	}
	// Carry the old sequence forward so ids are never recycled.
	var counter bson.M
	err = s.db.Collection(countersCollection).FindOne(ctx, bson.M{"_id": oldClassID}).Decode(&counter)
	if err == nil {
		if seq, ok := counter["seq"]; ok {
			_, _ = s.db.Collection(countersCollection).UpdateOne(ctx,
				bson.M{"_id": newClassID},
				bson.M{"$max": bson.M{"seq": seq}},
				options.UpdateOne().SetUpsert(true),
			)
		}
	}
	return len(docs), nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// IsHealthy pings the server.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

// recordFromDoc converts a decoded BSON document into a plain record,
// dropping the _id mirror and rewriting BSON container/number types to the
// JSON-compatible forms the rest of the engine works with.
func recordFromDoc(doc bson.M) model.Record {
	rec := make(model.Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		rec[k] = fromBSON(v)
	}
	return rec
}

func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = fromBSON(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = fromBSON(e.Value)
		}
		return m
	case bson.A:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = fromBSON(e)
		}
		return s
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case bson.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
