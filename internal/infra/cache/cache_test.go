package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/cache"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"
)

var _ port.Cache[*domain.User] = (*cache.TTL[*domain.User])(nil)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[*domain.User](5*time.Minute, 0)
	defer c.Close()

	c.Set("u1", &domain.User{ID: "u1", Role: domain.RoleMerchant})
	val, ok := c.Get("u1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val.Role != domain.RoleMerchant {
		t.Errorf("expected merchant, got %q", val.Role)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5*time.Minute, 0)
	defer c.Close()

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50*time.Millisecond, 0)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string](5*time.Minute, 0)
	defer c.Close()

	c.Set("key1", "value1")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_MaxEntries(t *testing.T) {
	c := cache.New[int](5*time.Minute, 2)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if got := c.Len(); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Errorf("expected newest entry to be kept, got %d, %v", v, ok)
	}

	// Overwriting an existing key never evicts.
	c.Set("c", 4)
	if got := c.Len(); got != 2 {
		t.Errorf("expected 2 entries after overwrite, got %d", got)
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := cache.New[string](time.Minute, 0)
	c.Close()
	c.Close()
}
