package cache

import (
	"testing"
	"time"
)

// Ristretto admits entries asynchronously, so tests sleep briefly after Set
// before asserting presence.
const lfuSettle = 10 * time.Millisecond

func TestLFUCacheNew(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()
}

func TestLFUCacheNewWithInvalidConfig(t *testing.T) {
	config := DefaultLocalCacheConfig()
	config.NumCounters = 0

	if _, err := NewLFUCache(config); err == nil {
		t.Fatal("Expected error when creating cache with zero counters")
	}
}

func TestLFUCacheSetGet(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", "value1", 1)
	time.Sleep(lfuSettle)

	value, found := cache.Get("key1")
	if !found {
		t.Fatal("Value should be found")
	}
	if value != "value1" {
		t.Fatalf("Expected 'value1', got %v", value)
	}

	cache.Set("key1", "value2", 1) // Update
	time.Sleep(lfuSettle)
	value, _ = cache.Get("key1")
	if value != "value2" {
		t.Fatalf("Expected 'value2', got %v", value)
	}
}

func TestLFUCacheGetNotFound(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if _, found := cache.Get("nonexistent"); found {
		t.Fatal("Value should not be found")
	}
}

func TestLFUCacheDelete(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", "value1", 1)
	time.Sleep(lfuSettle)
	cache.Delete("key1")

	if _, found := cache.Get("key1"); found {
		t.Fatal("Value should not be found after deletion")
	}

	// Should not panic
	cache.Delete("nonexistent")
}

func TestLFUCacheClear(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", "value1", 1)
	cache.Set("key2", "value2", 1)
	time.Sleep(lfuSettle)
	cache.Clear()

	_, found1 := cache.Get("key1")
	_, found2 := cache.Get("key2")
	if found1 || found2 {
		t.Fatal("Cache should be empty after clear")
	}
}

func TestLFUCacheMetrics(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", "value1", 1)
	time.Sleep(lfuSettle)
	cache.Get("key1") // Hit
	cache.Get("key1") // Hit
	cache.Get("key2") // Miss

	metrics := cache.Metrics()
	if metrics.Hits != 2 {
		t.Fatalf("Expected 2 hits, got %d", metrics.Hits)
	}
	if metrics.Misses != 1 {
		t.Fatalf("Expected 1 miss, got %d", metrics.Misses)
	}
	if metrics.Size != DefaultLocalCacheConfig().MaxCost {
		t.Fatalf("Expected size %d, got %d", DefaultLocalCacheConfig().MaxCost, metrics.Size)
	}
}

func TestLFUCacheFactory(t *testing.T) {
	factory := NewLFUCacheFactory(DefaultLocalCacheConfig())

	cache, err := factory.Create()
	if err != nil {
		t.Fatalf("Failed to create cache from factory: %v", err)
	}
	defer cache.Close()

	cache.Set("test", "value", 1)
	time.Sleep(lfuSettle)
	value, found := cache.Get("test")
	if !found || value != "value" {
		t.Fatalf("Expected 'value', got %v (found=%v)", value, found)
	}
}

func TestLFUCacheSetWithDifferentTypes(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	type testStruct struct {
		Name string
		Age  int
	}

	cache.Set("key1", "string value", 1)
	cache.Set("key2", 42, 1)
	cache.Set("key3", testStruct{Name: "John", Age: 30}, 1)
	time.Sleep(lfuSettle)

	v1, found := cache.Get("key1")
	if !found || v1 != "string value" {
		t.Fatal("String value should be stored and retrieved")
	}
	v2, found := cache.Get("key2")
	if !found || v2 != 42 {
		t.Fatal("Int value should be stored and retrieved")
	}
	v3, found := cache.Get("key3")
	if !found {
		t.Fatal("Struct value should be stored and retrieved")
	}
	if s, ok := v3.(testStruct); !ok || s.Name != "John" || s.Age != 30 {
		t.Fatal("Struct value should match")
	}
}
