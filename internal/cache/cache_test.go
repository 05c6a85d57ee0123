package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCache_JSONRoundTripAndExpiry(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	type summary struct {
		Clicks int `json:"clicks"`
	}

	if err := SetJSON(ctx, c, AnalyticsKey("aff-1"), summary{Clicks: 3}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var got summary
	if err := GetJSON(ctx, c, AnalyticsKey("aff-1"), &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got.Clicks != 3 {
		t.Errorf("Expected 3 clicks, got %d", got.Clicks)
	}

	now = now.Add(2 * time.Minute)
	if err := GetJSON(ctx, c, AnalyticsKey("aff-1"), &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}
