package httpx

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := &memoryRateLimiter{windows: map[string]memoryWindow{}, now: func() time.Time { return now }}
	rule := quotaRule{limit: 2, window: time.Minute}
	ctx := context.Background()
	key := quotaKey("deprovision", scopeBranch, "feat-x")

	for i := 1; i <= 2; i++ {
		if d := rl.Allow(ctx, key, rule); !d.allowed || d.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	d := rl.Allow(ctx, key, rule)
	if d.allowed {
		t.Fatalf("expected third request to be limited, got %+v", d)
	}
	if got := d.retryAfter(now); got != time.Minute {
		t.Fatalf("expected retry after one minute, got %s", got)
	}
	if d := rl.Allow(ctx, quotaKey("deploy", scopeBranch, "feat-x"), rule); !d.allowed {
		t.Fatal("workflows must not share a window")
	}

	now = now.Add(61 * time.Second)
	if d := rl.Allow(ctx, key, rule); !d.allowed || d.count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
	if _, ok := rl.windows[quotaKey("deploy", scopeBranch, "feat-x")]; ok {
		t.Fatal("expected expired window to be swept")
	}
}

func TestMemoryRateLimiterDisabledRule(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 5; i++ {
		if d := rl.Allow(context.Background(), "k", quotaRule{}); !d.allowed {
			t.Fatalf("zero limit must not restrict, got %+v", d)
		}
	}
}

func TestQuotaKey(t *testing.T) {
	if got := quotaKey("provision", scopeCaller, "ci"); got != "provision:caller:ci" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestRedisRateLimiterUnreachable(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, nil); err == nil {
		t.Fatal("expected ping failure")
	}
}
