package kernel

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig defines rate limiting thresholds. A non-positive value
// disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" msgpack:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" msgpack:"requests_per_hour"`
	RequestsPerDay    int `json:"requests_per_day" msgpack:"requests_per_day"`
	BurstSize         int `json:"burst_size" msgpack:"burst_size"`
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		BurstSize:         10,
	}
}

// RateLimitResult is the outcome of one rate limit check.
type RateLimitResult struct {
	Allowed    bool    `json:"allowed" msgpack:"allowed"`
	Exceeded   bool    `json:"exceeded" msgpack:"exceeded"`
	LimitType  string  `json:"limit_type,omitempty" msgpack:"limit_type,omitempty"` // "burst", "minute", "hour", "day"
	Current    int     `json:"current" msgpack:"current"`
	Limit      int     `json:"limit" msgpack:"limit"`
	Remaining  int     `json:"remaining" msgpack:"remaining"`
	RetryAfter float64 `json:"retry_after,omitempty" msgpack:"retry_after,omitempty"` // Seconds
}

func allowedResult(remaining int) *RateLimitResult {
	return &RateLimitResult{Allowed: true, Remaining: remaining}
}

func exceededResult(limitType string, current, limit int, retryAfter float64) *RateLimitResult {
	return &RateLimitResult{
		Exceeded:   true,
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// =============================================================================
// Sliding Window
// =============================================================================

// slidingWindow is a bucketed sliding window counter. Ten sub-buckets per
// window keep the count accurate without storing individual timestamps.
type slidingWindow struct {
	windowSeconds int
	bucketCount   int
	buckets       map[int64]int
	mu            sync.RWMutex
}

func newSlidingWindow(windowSeconds int) *slidingWindow {
	return &slidingWindow{
		windowSeconds: windowSeconds,
		bucketCount:   10,
		buckets:       make(map[int64]int),
	}
}

func (w *slidingWindow) bucketSize() float64 {
	return float64(w.windowSeconds) / float64(w.bucketCount)
}

// record counts one request at the given timestamp, evicting stale buckets.
func (w *slidingWindow) record(timestamp float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	currentBucket := int64(timestamp / w.bucketSize())
	minBucket := currentBucket - int64(w.bucketCount)
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
	w.buckets[currentBucket]++
}

func (w *slidingWindow) count(timestamp float64) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(timestamp)
}

func (w *slidingWindow) countLocked(timestamp float64) int {
	currentBucket := int64(timestamp / w.bucketSize())
	minBucket := currentBucket - int64(w.bucketCount)

	total := 0
	for b, c := range w.buckets {
		if b >= minBucket {
			total += c
		}
	}
	return total
}

// retryAfter returns seconds until a slot frees up under the given limit.
func (w *slidingWindow) retryAfter(timestamp float64, limit int) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	current := w.countLocked(timestamp)
	if current < limit {
		return 0
	}

	currentBucket := int64(timestamp / w.bucketSize())
	minBucket := currentBucket - int64(w.bucketCount)

	type entry struct {
		bucket int64
		count  int
	}
	var live []entry
	for b, c := range w.buckets {
		if b >= minBucket {
			live = append(live, entry{b, c})
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].bucket < live[j].bucket })

	// Walk oldest-first until enough requests have aged out.
	excess := current - limit + 1
	expired := 0
	for _, e := range live {
		expired += e.count
		if expired >= excess {
			bucketEnd := float64(e.bucket+1) * w.bucketSize()
			wait := bucketEnd - timestamp + float64(w.windowSeconds)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return float64(w.windowSeconds)
}

func (w *slidingWindow) isEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}

// =============================================================================
// Rate Limiter
// =============================================================================

// burstWindowSeconds is the span of the burst window.
const burstWindowSeconds = 10

type windowKey struct {
	userID     string
	endpoint   string
	windowType string
}

// RateLimiter enforces sliding-window rate limits per user and endpoint.
// Endpoint configs override user configs; user configs override the default.
type RateLimiter struct {
	defaultConfig   *RateLimitConfig
	userConfigs     map[string]*RateLimitConfig
	endpointConfigs map[string]*RateLimitConfig
	windows         map[windowKey]*slidingWindow
	mu              sync.RWMutex
}

// NewRateLimiter creates a rate limiter. A nil config uses
// DefaultRateLimitConfig.
func NewRateLimiter(defaultConfig *RateLimitConfig) *RateLimiter {
	if defaultConfig == nil {
		defaultConfig = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		defaultConfig:   defaultConfig,
		userConfigs:     make(map[string]*RateLimitConfig),
		endpointConfigs: make(map[string]*RateLimitConfig),
		windows:         make(map[windowKey]*slidingWindow),
	}
}

// SetDefaultConfig replaces the default config.
func (r *RateLimiter) SetDefaultConfig(config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultConfig = config
}

// SetUserLimits sets per-user limits.
func (r *RateLimiter) SetUserLimits(userID string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userConfigs[userID] = config
}

// SetEndpointLimits sets per-endpoint limits, which take precedence over
// user limits.
func (r *RateLimiter) SetEndpointLimits(endpoint string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointConfigs[endpoint] = config
}

// GetConfig returns the effective config for a user/endpoint pair.
func (r *RateLimiter) GetConfig(userID, endpoint string) *RateLimitConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if endpoint != "" {
		if cfg, ok := r.endpointConfigs[endpoint]; ok {
			return cfg
		}
	}
	if cfg, ok := r.userConfigs[userID]; ok {
		return cfg
	}
	return r.defaultConfig
}

type windowCheck struct {
	windowType    string
	windowSeconds int
	limit         int
}

func windowChecks(config *RateLimitConfig) []windowCheck {
	return []windowCheck{
		{"burst", burstWindowSeconds, config.BurstSize},
		{"minute", 60, config.RequestsPerMinute},
		{"hour", 3600, config.RequestsPerHour},
		{"day", 86400, config.RequestsPerDay},
	}
}

// CheckRateLimit checks all windows for the request. With record=false this
// is a dry run: nothing is counted either way. With record=true an allowed
// request is counted in every active window.
func (r *RateLimiter) CheckRateLimit(userID, endpoint string, record bool) *RateLimitResult {
	now := float64(time.Now().UnixNano()) / 1e9
	config := r.GetConfig(userID, endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	checks := windowChecks(config)
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}

		key := windowKey{userID, endpoint, check.windowType}
		window, exists := r.windows[key]
		if !exists {
			window = newSlidingWindow(check.windowSeconds)
			r.windows[key] = window
		}

		current := window.count(now)
		if current >= check.limit {
			retryAfter := window.retryAfter(now, check.limit)
			return exceededResult(check.windowType, current, check.limit, retryAfter)
		}
	}

	if record {
		for _, check := range checks {
			if check.limit <= 0 {
				continue
			}
			key := windowKey{userID, endpoint, check.windowType}
			if _, exists := r.windows[key]; !exists {
				r.windows[key] = newSlidingWindow(check.windowSeconds)
			}
			r.windows[key].record(now)
		}
	}

	remaining := config.RequestsPerMinute
	if window, exists := r.windows[windowKey{userID, endpoint, "minute"}]; exists {
		remaining = max(0, config.RequestsPerMinute-window.count(now))
	}
	return allowedResult(remaining)
}

// GetUsage returns per-window usage stats for a user/endpoint pair.
func (r *RateLimiter) GetUsage(userID, endpoint string) map[string]map[string]any {
	now := float64(time.Now().UnixNano()) / 1e9
	config := r.GetConfig(userID, endpoint)
	usage := make(map[string]map[string]any)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range windowChecks(config) {
		key := windowKey{userID, endpoint, w.windowType}
		current := 0
		if window, exists := r.windows[key]; exists {
			current = window.count(now)
		}
		usage[w.windowType] = map[string]any{
			"current":          current,
			"limit":            w.limit,
			"remaining":        max(0, w.limit-current),
			"reset_in_seconds": w.windowSeconds, // Approximate
		}
	}
	return usage
}

// ResetUser drops all windows for a user. Returns the number removed.
func (r *RateLimiter) ResetUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key := range r.windows {
		if key.userID == userID {
			delete(r.windows, key)
			count++
		}
	}
	return count
}

// CleanupExpired removes windows with no live activity. Call periodically to
// bound memory.
func (r *RateLimiter) CleanupExpired() int {
	now := float64(time.Now().UnixNano()) / 1e9

	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	for key, window := range r.windows {
		if window.count(now) == 0 && window.isEmpty() {
			delete(r.windows, key)
			cleaned++
		}
	}
	return cleaned
}
