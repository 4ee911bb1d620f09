package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheLookupMiss(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	_, found, err := c.Lookup(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found {
		t.Error("Expected miss for unknown key")
	}
}

func TestMemoryCacheRememberAndLookup(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	if err := c.Remember(ctx, "order-42", "po_abc"); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	id, found, err := c.Lookup(ctx, "order-42")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found || id != "po_abc" {
		t.Errorf("Expected hit with po_abc, got found=%v id=%s", found, id)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()

	_ = c.Remember(ctx, "order-42", "po_abc")
	time.Sleep(20 * time.Millisecond)

	_, found, err := c.Lookup(ctx, "order-42")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found {
		t.Error("Expected expired key to miss")
	}
}
