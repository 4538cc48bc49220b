package storage

import (
	"context"
	"time"

	"github.com/reflectdb/reflectdb/internal/model"
)

// OpRecorder receives the outcome of each storage operation. Satisfied by
// *metrics.Metrics.
type OpRecorder interface {
	RecordStorageOperation(backend, operation string, duration time.Duration, err error)
}

// Instrument wraps a backend so every operation is reported to the recorder
// under the given backend name.
func Instrument(b Backend, name string, rec OpRecorder) Backend {
	if rec == nil {
		return b
	}
	return &instrumented{next: b, name: name, rec: rec}
}

type instrumented struct {
	next Backend
	name string
	rec  OpRecorder
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	s.rec.RecordStorageOperation(s.name, op, time.Since(start), err)
}

func (s *instrumented) Get(ctx context.Context, classID, id string) (model.Record, error) {
	start := time.Now()
	rec, err := s.next.Get(ctx, classID, id)
	s.observe("get", start, err)
	return rec, err
}

func (s *instrumented) List(ctx context.Context, classID string) ([]model.Record, error) {
	start := time.Now()
	recs, err := s.next.List(ctx, classID)
	s.observe("list", start, err)
	return recs, err
}

func (s *instrumented) Set(ctx context.Context, classID string, rec model.Record) (model.Record, error) {
	start := time.Now()
	stored, err := s.next.Set(ctx, classID, rec)
	s.observe("set", start, err)
	return stored, err
}

func (s *instrumented) Delete(ctx context.Context, classID, id string) (bool, error) {
	start := time.Now()
	existed, err := s.next.Delete(ctx, classID, id)
	s.observe("delete", start, err)
	return existed, err
}

func (s *instrumented) QueryRecords(ctx context.Context, classID string, q Query) ([]model.Record, error) {
	start := time.Now()
	recs, err := s.next.QueryRecords(ctx, classID, q)
	s.observe("query", start, err)
	return recs, err
}

func (s *instrumented) RenameProp(ctx context.Context, classID, oldKey, newKey string) (int, error) {
	start := time.Now()
	n, err := s.next.RenameProp(ctx, classID, oldKey, newKey)
	s.observe("rename_prop", start, err)
	return n, err
}

func (s *instrumented) RenameClass(ctx context.Context, oldClassID, newClassID string) (int, error) {
	start := time.Now()
	n, err := s.next.RenameClass(ctx, oldClassID, newClassID)
	s.observe("rename_class", start, err)
	return n, err
}

func (s *instrumented) Close() error { return s.next.Close() }

func (s *instrumented) IsHealthy(ctx context.Context) bool { return s.next.IsHealthy(ctx) }
