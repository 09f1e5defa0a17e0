package ttlcache

import (
	"testing"
	"time"
)

func TestGetSetDelete(t *testing.T) {
	c := New[string](time.Hour)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set("a", "1")
	v, ok := c.Get("a")
	if !ok || v != "1" {
		t.Fatalf("got (%q, %v), want (1, true)", v, ok)
	}

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewWithClock[int](time.Minute, clock)

	c.Set("k", 42)
	if v, ok := c.Get("k"); !ok || v != 42 {
		t.Fatalf("got (%d, %v), want (42, true)", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lookup to evict expired entry, len=%d", c.Len())
	}
}

func TestClear(t *testing.T) {
	c := New[int](time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Clear, len=%d", c.Len())
	}
}

func TestSharedReference(t *testing.T) {
	type box struct{ n int }
	c := New[*box](time.Hour)
	b := &box{n: 1}
	c.Set("a", b)

	got, _ := c.Get("a")
	got.n = 2
	again, _ := c.Get("a")
	if again.n != 2 {
		t.Fatal("expected Get to return a shared reference, not a clone")
	}
}
