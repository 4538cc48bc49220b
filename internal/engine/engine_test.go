package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/registry"
	"github.com/reflectdb/reflectdb/internal/storage/file"
)

// recordingBroadcaster captures published change batches for assertions.
type recordingBroadcaster struct {
	mu      sync.Mutex
	batches [][]model.Record
	senders []string
}

func (b *recordingBroadcaster) Publish(items []model.Record, senderUserID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, items)
	b.senders = append(b.senders, senderUserID)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *recordingBroadcaster) last() []model.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.batches) == 0 {
		return nil
	}
	return b.batches[len(b.batches)-1]
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recordingBroadcaster) {
	t.Helper()
	store, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(store, logger, registry.Options{})
	if err := reg.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	rec := &recordingBroadcaster{}
	opts.Broadcaster = rec
	return New(reg, logger, opts), rec
}

func mustDefineClass(t *testing.T, e *Engine, rec model.Record) {
	t.Helper()
	if _, err := e.SetObject(context.Background(), model.ClassClass, rec); err != nil {
		t.Fatalf("define class %s: %v", rec.ID(), err)
	}
}

func mustSet(t *testing.T, e *Engine, classID string, rec model.Record) model.Record {
	t.Helper()
	stored, err := e.SetObject(context.Background(), classID, rec)
	if err != nil {
		t.Fatalf("set %s: %v", classID, err)
	}
	return stored
}

func engineErr(t *testing.T, err error) *Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	engErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *engine.Error, got %T: %v", err, err)
	}
	return engErr
}
