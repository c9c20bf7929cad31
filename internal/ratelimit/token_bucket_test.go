package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "org-1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "org-1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "org-1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketIsolatesOrganizations(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)

	allowed, _, _ := bucket.Allow(ctx, "org-a")
	if !allowed {
		t.Fatalf("expected org-a first token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "org-a")
	if allowed {
		t.Fatalf("expected org-a second token rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "org-b")
	if !allowed {
		t.Fatalf("expected org-b unaffected by org-a exhaustion")
	}
}
