package flags

import (
	"context"
	"testing"
	"time"
)

func TestInMemorySetGetDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("Get(k) = %q/%v/%v, want v/true/nil", val, ok, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestInMemoryTTLExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "ephemeral", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ephemeral"); !ok {
		t.Fatalf("key expired before its TTL")
	}

	time.Sleep(25 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "ephemeral"); ok {
		t.Fatalf("key readable past its TTL")
	}
}

func TestInMemoryZeroTTLNeverExpires(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "pinned", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "pinned"); !ok {
		t.Fatalf("zero-TTL key expired")
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(blank url) = %T, want *InMemoryStore", s)
	}
}
