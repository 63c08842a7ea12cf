package kernel

import (
	"testing"
)

func TestRateLimiter_AllowsWithinLimits(t *testing.T) {
	limiter := NewRateLimiter(nil)

	result := limiter.CheckRateLimit("user-1", "", true)
	if !result.Allowed {
		t.Error("first request should be allowed")
	}
	if result.Exceeded {
		t.Error("first request should not be exceeded")
	}
	if result.Remaining <= 0 {
		t.Errorf("remaining = %d, want > 0", result.Remaining)
	}
}

func TestRateLimiter_BurstLimit(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 100,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		BurstSize:         3,
	})

	for i := 0; i < 3; i++ {
		if result := limiter.CheckRateLimit("user-1", "", true); !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	result := limiter.CheckRateLimit("user-1", "", true)
	if result.Allowed {
		t.Error("burst overflow should be denied")
	}
	if result.LimitType != "burst" {
		t.Errorf("limit type = %q, want burst", result.LimitType)
	}
	if result.Current < 3 {
		t.Errorf("current = %d, want >= 3", result.Current)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("retry after = %f, want > 0", result.RetryAfter)
	}
}

func TestRateLimiter_MinuteLimit(t *testing.T) {
	// Burst disabled so the minute window is first to trip.
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 2,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		BurstSize:         0,
	})

	limiter.CheckRateLimit("user-1", "", true)
	limiter.CheckRateLimit("user-1", "", true)

	result := limiter.CheckRateLimit("user-1", "", true)
	if result.Allowed {
		t.Error("third request should be denied")
	}
	if result.LimitType != "minute" {
		t.Errorf("limit type = %q, want minute", result.LimitType)
	}
}

func TestRateLimiter_DryRun(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 5,
		BurstSize:         5,
	})

	// Dry runs never consume budget.
	for i := 0; i < 20; i++ {
		if result := limiter.CheckRateLimit("user-1", "", false); !result.Allowed {
			t.Fatalf("dry run %d should be allowed", i+1)
		}
	}
}

func TestRateLimiter_PerUserIsolation(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 100,
		BurstSize:         1,
	})

	if result := limiter.CheckRateLimit("user-1", "", true); !result.Allowed {
		t.Fatal("user-1 first request should be allowed")
	}
	if result := limiter.CheckRateLimit("user-1", "", true); result.Allowed {
		t.Error("user-1 second request should be denied")
	}
	if result := limiter.CheckRateLimit("user-2", "", true); !result.Allowed {
		t.Error("user-2 should have an independent budget")
	}
}

func TestRateLimiter_ConfigPrecedence(t *testing.T) {
	limiter := NewRateLimiter(nil)
	limiter.SetUserLimits("vip", &RateLimitConfig{RequestsPerMinute: 500, BurstSize: 50})
	limiter.SetEndpointLimits("/expensive", &RateLimitConfig{RequestsPerMinute: 2, BurstSize: 2})

	// Endpoint config wins over user config.
	cfg := limiter.GetConfig("vip", "/expensive")
	if cfg.RequestsPerMinute != 2 {
		t.Errorf("endpoint config should win, got rpm %d", cfg.RequestsPerMinute)
	}

	cfg = limiter.GetConfig("vip", "")
	if cfg.RequestsPerMinute != 500 {
		t.Errorf("user config should apply, got rpm %d", cfg.RequestsPerMinute)
	}

	cfg = limiter.GetConfig("anyone", "")
	if cfg.RequestsPerMinute != DefaultRateLimitConfig().RequestsPerMinute {
		t.Errorf("default config should apply, got rpm %d", cfg.RequestsPerMinute)
	}
}

func TestRateLimiter_ResetUser(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 100, BurstSize: 1})

	limiter.CheckRateLimit("user-1", "", true)
	if result := limiter.CheckRateLimit("user-1", "", true); result.Allowed {
		t.Fatal("budget should be exhausted")
	}

	if removed := limiter.ResetUser("user-1"); removed == 0 {
		t.Error("reset should remove at least one window")
	}
	if result := limiter.CheckRateLimit("user-1", "", true); !result.Allowed {
		t.Error("budget should be fresh after reset")
	}
}

func TestRateLimiter_GetUsage(t *testing.T) {
	limiter := NewRateLimiter(nil)
	limiter.CheckRateLimit("user-1", "", true)
	limiter.CheckRateLimit("user-1", "", true)

	usage := limiter.GetUsage("user-1", "")
	minute, ok := usage["minute"]
	if !ok {
		t.Fatal("usage should report the minute window")
	}
	if current := minute["current"].(int); current != 2 {
		t.Errorf("minute current = %d, want 2", current)
	}
}

func TestRateLimiter_CleanupExpired(t *testing.T) {
	limiter := NewRateLimiter(nil)

	// A dry run creates windows without recording; they are immediately
	// empty and reclaimable.
	limiter.CheckRateLimit("user-1", "", false)
	if cleaned := limiter.CleanupExpired(); cleaned == 0 {
		t.Error("empty windows should be cleaned")
	}
}
