package keyspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	ctx := context.Background()

	version, err := ms.Set(ctx, "user:1", []byte("Alice"))
	if err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}
	if version == 0 {
		t.Fatal("Version should not be zero")
	}

	entry, err := ms.Get(ctx, "user:1")
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}
	if string(entry.Value) != "Alice" {
		t.Fatalf("Expected 'Alice', got %q", entry.Value)
	}
	if entry.Version != version {
		t.Fatalf("Expected version %d, got %d", version, entry.Version)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	_, err := ms.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreVersionsMonotonic(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	ctx := context.Background()

	v1, err := ms.Set(ctx, "k", []byte("a"))
	if err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}
	v2, err := ms.Set(ctx, "k", []byte("b"))
	if err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("Versions should increase: v1=%d v2=%d", v1, v2)
	}

	// A delete followed by a recreate must not reuse an old version.
	if err := ms.Delete(ctx, "k"); err != nil {
		t.Fatalf("Failed to delete value: %v", err)
	}
	v3, err := ms.Set(ctx, "k", []byte("c"))
	if err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}
	if v3 <= v2 {
		t.Fatalf("Version reused after delete: v2=%d v3=%d", v2, v3)
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	ctx := context.Background()

	if err := ms.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete of absent key should not error: %v", err)
	}

	ms.Set(ctx, "k", []byte("v"))
	if err := ms.Delete(ctx, "k"); err != nil {
		t.Fatalf("Failed to delete value: %v", err)
	}
	if err := ms.Delete(ctx, "k"); err != nil {
		t.Fatalf("Second delete should not error: %v", err)
	}

	_, err := ms.Get(ctx, "k")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ms.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"))
	}

	n, err := ms.Len(ctx)
	if err != nil {
		t.Fatalf("Failed to get length: %v", err)
	}
	if n != 10 {
		t.Fatalf("Expected 10 keys, got %d", n)
	}

	if err := ms.Clear(ctx); err != nil {
		t.Fatalf("Failed to clear store: %v", err)
	}

	n, err = ms.Len(ctx)
	if err != nil {
		t.Fatalf("Failed to get length: %v", err)
	}
	if n != 0 {
		t.Fatalf("Expected 0 keys after clear, got %d", n)
	}
}

func TestMemoryStoreValueCopied(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	ctx := context.Background()

	value := []byte("original")
	ms.Set(ctx, "k", value)
	value[0] = 'X'

	entry, err := ms.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}
	if string(entry.Value) != "original" {
		t.Fatalf("Stored value should not alias caller slice, got %q", entry.Value)
	}
}

func TestMemoryStoreConcurrentWrites(t *testing.T) {
	ms := NewMemoryStoreShards(4)
	defer ms.Close()

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", n, j)
				if _, err := ms.Set(ctx, key, []byte("v")); err != nil {
					t.Errorf("Failed to set %s: %v", key, err)
				}
			}
		}(i)
	}
	wg.Wait()

	n, err := ms.Len(ctx)
	if err != nil {
		t.Fatalf("Failed to get length: %v", err)
	}
	if n != 800 {
		t.Fatalf("Expected 800 keys, got %d", n)
	}
}
