package util

import "testing"

func TestCacheBasicOperations(t *testing.T) {
	cache, err := NewCache[string, int](10)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	cache.Set("a", 1)
	if v, ok := cache.Get("a"); !ok || v != 1 {
		t.Errorf("Get = %d ok=%v, want 1", v, ok)
	}
	if !cache.Has("a") {
		t.Error("Expected key to exist")
	}
	if cache.Has("b") {
		t.Error("Expected missing key")
	}

	cache.Remove("a")
	if cache.Has("a") {
		t.Error("Expected key to be removed")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	cache, err := NewCache[int, int](2)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	cache.Set(1, 1)
	cache.Set(2, 2)
	cache.Get(1) // touch 1 so 2 is the eviction candidate
	cache.Set(3, 3)

	if cache.Has(2) {
		t.Error("Expected least recently used entry to be evicted")
	}
	if !cache.Has(1) || !cache.Has(3) {
		t.Error("Expected touched and new entries to survive")
	}
}

func TestCacheClear(t *testing.T) {
	cache, _ := NewCache[string, string](5)
	cache.Set("a", "1")
	cache.Set("b", "2")
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len after clear = %d, want 0", cache.Len())
	}
}
