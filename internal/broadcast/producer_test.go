package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reflectdb/reflectdb/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublish_PostsBatch(t *testing.T) {
	type received struct {
		batch  Batch
		sender string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- received{batch: b, sender: r.Header.Get(HeaderSenderUserID)}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(discardLogger(), Options{URL: srv.URL})
	p.Publish([]model.Record{{"id": "1", "class_id": "post"}}, "u1")

	select {
	case r := <-got:
		if r.batch.Type != "changes" {
			t.Errorf("expected type changes, got %q", r.batch.Type)
		}
		if len(r.batch.Items) != 1 || r.batch.Items[0].ID() != "1" {
			t.Errorf("unexpected items: %v", r.batch.Items)
		}
		if r.sender != "u1" {
			t.Errorf("expected sender header u1, got %q", r.sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
}

func TestPublish_SkipsEmptyBatches(t *testing.T) {
	calls := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(discardLogger(), Options{URL: srv.URL})
	p.Publish(nil, "u1")
	p.Publish([]model.Record{{"id": "1"}}, "u1")

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("non-empty batch never arrived")
	}
	select {
	case <-calls:
		t.Error("empty batch must not be posted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_ErrorsAreSwallowed(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		done <- struct{}{}
	}))
	defer srv.Close()

	p := New(discardLogger(), Options{URL: srv.URL})
	// Must not panic or surface the failure to the caller.
	p.Publish([]model.Record{{"id": "1"}}, "")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request never arrived")
	}
}

func TestNew_ClampsTimeout(t *testing.T) {
	p := New(discardLogger(), Options{Timeout: 10 * time.Second})
	if p.client.Timeout != DefaultTimeout {
		t.Errorf("expected timeout clamped to %v, got %v", DefaultTimeout, p.client.Timeout)
	}
	p = New(discardLogger(), Options{})
	if p.client.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", p.client.Timeout)
	}
	p = New(discardLogger(), Options{Timeout: 100 * time.Millisecond})
	if p.client.Timeout != 100*time.Millisecond {
		t.Errorf("expected explicit timeout kept, got %v", p.client.Timeout)
	}
}
