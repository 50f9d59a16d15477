package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLastOrderReturnsNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := Order{ID: "o-1", SessionID: "s1", Total: 250, Currency: "INR", Status: "confirmed", CreatedAt: time.Now().UTC()}
	second := Order{ID: "o-2", SessionID: "s1", Total: 499, Currency: "INR", Status: "confirmed", CreatedAt: time.Now().UTC()}
	if err := s.SaveOrder(ctx, first); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, second); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := s.LastOrder(ctx, "s1")
	if err != nil {
		t.Fatalf("LastOrder: %v", err)
	}
	if got.ID != "o-2" {
		t.Fatalf("LastOrder id = %q, want o-2", got.ID)
	}
}

func TestMemoryStoreOrdersAreSessionScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveOrder(ctx, Order{ID: "o-1", SessionID: "s1"}); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if _, err := s.LastOrder(ctx, "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
