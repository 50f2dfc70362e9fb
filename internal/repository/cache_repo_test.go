package repository

import (
	"context"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/models"
)

func embeddingFixture(lead float32) []float32 {
	v := make([]float32, 8)
	v[0] = lead
	for i := 1; i < len(v); i++ {
		v[i] = 0.01
	}
	return v
}

func TestCacheRepository_PutAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	entry := &models.CacheEntry{
		Key:            "fp-1",
		QueryEmbedding: embeddingFixture(1.0),
		Value:          "cached report text",
		InsertedAt:     time.Now().UTC(),
		TTL:            time.Hour,
	}
	if err := repos.Cache.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := repos.Cache.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for a key that was just put")
	}
	if got.Value != entry.Value {
		t.Errorf("Value = %s, want %s", got.Value, entry.Value)
	}
	if got.TTL != entry.TTL {
		t.Errorf("TTL = %v, want %v", got.TTL, entry.TTL)
	}
}

func TestCacheRepository_Get_NotFound(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	got, err := repos.Cache.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("expected nil for a missing key")
	}
}

func TestCacheRepository_DeleteExpired(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	expired := &models.CacheEntry{
		Key:            "fp-expired",
		QueryEmbedding: embeddingFixture(0.5),
		Value:          "stale",
		InsertedAt:     time.Now().UTC().Add(-2 * time.Hour),
		TTL:            time.Hour,
	}
	if err := repos.Cache.Put(ctx, expired); err != nil {
		t.Fatalf("Put(expired) error = %v", err)
	}

	fresh := &models.CacheEntry{
		Key:            "fp-fresh",
		QueryEmbedding: embeddingFixture(0.6),
		Value:          "fresh",
		InsertedAt:     time.Now().UTC(),
		TTL:            time.Hour,
	}
	if err := repos.Cache.Put(ctx, fresh); err != nil {
		t.Fatalf("Put(fresh) error = %v", err)
	}

	n, err := repos.Cache.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}

	if got, err := repos.Cache.Get(ctx, "fp-expired"); err != nil {
		t.Fatalf("Get(expired) error = %v", err)
	} else if got != nil {
		t.Error("expired entry was not removed")
	}

	if got, err := repos.Cache.Get(ctx, "fp-fresh"); err != nil {
		t.Fatalf("Get(fresh) error = %v", err)
	} else if got == nil {
		t.Error("fresh entry was incorrectly removed")
	}
}
