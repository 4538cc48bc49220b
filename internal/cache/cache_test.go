package cache

import (
	"testing"
	"time"
)

func TestCache_GetSet(t *testing.T) {
	c := New(10, time.Hour)

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok {
		t.Error("Expected to find key1")
	}
	if val != "value1" {
		t.Errorf("Expected value1, got %v", val)
	}

	_, ok = c.Get("nonexistent")
	if ok {
		t.Error("Expected not to find nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := New(10, 50*time.Millisecond)

	c.Set("key1", "value1")

	_, ok := c.Get("key1")
	if !ok {
		t.Error("Expected to find key1 immediately")
	}

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Get("key1")
	if ok {
		t.Error("Expected key1 to be expired")
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New(10, 0)

	c.Set("key1", "value1")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("key1"); !ok {
		t.Error("Expected zero-TTL entry to survive")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(3, time.Hour)

	c.Set("key1", "value1")
	c.Set("key2", "value2")
	c.Set("key3", "value3")

	// Touch key1 so key2 becomes the eviction candidate.
	c.Get("key1")

	c.Set("key4", "value4")

	if c.Size() != 3 {
		t.Errorf("Expected size 3, got %d", c.Size())
	}
	if _, ok := c.Get("key1"); !ok {
		t.Error("Expected key1 to still exist")
	}
	if _, ok := c.Get("key2"); ok {
		t.Error("Expected key2 to be evicted")
	}
	if _, ok := c.Get("key4"); !ok {
		t.Error("Expected key4 to exist")
	}
}

func TestCache_Delete(t *testing.T) {
	c := New(10, time.Hour)

	c.Set("key1", "value1")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Error("Expected key1 to be deleted")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(10, time.Hour)

	c.Set("key1", "value1")
	c.Set("key2", "value2")
	c.Clear()

	if c.Size() != 0 {
		t.Errorf("Expected empty cache, got size %d", c.Size())
	}
}
