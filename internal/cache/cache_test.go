package cache

import (
	"context"
	"testing"
	"time"
)

type point struct {
	Value int `json:"value"`
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	ok, err := c.Set(ctx, "order:1", time.Unix(100, 0), point{Value: 7})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !ok {
		t.Fatal("Set returned false for a fresh key")
	}

	var got point
	found, err := c.Get("order:1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got.Value != 7 {
		t.Errorf("Get = (%v, %v), want (true, {7})", found, got)
	}
}

func TestSetDropsStaleWrite(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	if _, err := c.Set(ctx, "k", time.Unix(100, 0), point{Value: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	applied, err := c.Set(ctx, "k", time.Unix(99, 0), point{Value: 2})
	if err != nil {
		t.Fatalf("Set (stale): %v", err)
	}
	if applied {
		t.Error("stale write was applied, want dropped")
	}

	var got point
	if _, err := c.Get("k", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != 1 {
		t.Errorf("value after stale write = %d, want 1 (unchanged)", got.Value)
	}
}

func TestSetRejectsEqualTimestamp(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()
	ts := time.Unix(100, 0)

	if _, err := c.Set(ctx, "k", ts, point{Value: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	applied, err := c.Set(ctx, "k", ts, point{Value: 2})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if applied {
		t.Error("write with ts == stored ts was applied, want dropped (strictly-after rule)")
	}
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()
	c := New()

	var got point
	found, err := c.Get("nope", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get found a value for an unset key")
	}
}

func TestDeleteRemovesRegardlessOfTimestamp(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	if _, err := c.Set(ctx, "k", time.Unix(100, 0), point{Value: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.Delete(ctx, "k")

	var got point
	found, _ := c.Get("k", &got)
	if found {
		t.Error("Get found a value after Delete")
	}
}

func TestKeysFiltersByPrefix(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()

	_, _ = c.Set(ctx, "order:1", time.Unix(1, 0), point{Value: 1})
	_, _ = c.Set(ctx, "order:2", time.Unix(1, 0), point{Value: 2})
	_, _ = c.Set(ctx, "position:AAPL", time.Unix(1, 0), point{Value: 3})

	keys := c.Keys("order:")
	if len(keys) != 2 {
		t.Errorf("len(Keys(\"order:\")) = %d, want 2", len(keys))
	}
}
