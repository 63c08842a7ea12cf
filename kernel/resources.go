package kernel

import (
	"sync"
	"time"
)

// Logger is the small structured logging interface the kernel components
// accept. A nil Logger disables logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Per-Process Accounting
// =============================================================================

// processResources holds the quota and live counters for one process. The
// embedded mutex serializes updates to this process only, so concurrent
// RecordUsage calls for different pids never contend.
type processResources struct {
	mu            sync.Mutex
	pid           string
	quota         *ResourceQuota
	usage         *ResourceUsage
	allocatedAt   time.Time
	lastUpdatedAt time.Time
}

func newProcessResources(pid string, quota *ResourceQuota) *processResources {
	now := time.Now().UTC()
	return &processResources{
		pid:           pid,
		quota:         quota,
		usage:         &ResourceUsage{},
		allocatedAt:   now,
		lastUpdatedAt: now,
	}
}

// SystemUsage aggregates resource consumption across all processes.
type SystemUsage struct {
	TotalProcesses  int `json:"total_processes" msgpack:"total_processes"`
	ActiveProcesses int `json:"active_processes" msgpack:"active_processes"`
	SystemLLMCalls  int `json:"system_llm_calls" msgpack:"system_llm_calls"`
	SystemToolCalls int `json:"system_tool_calls" msgpack:"system_tool_calls"`
	SystemTokensIn  int `json:"system_tokens_in" msgpack:"system_tokens_in"`
	SystemTokensOut int `json:"system_tokens_out" msgpack:"system_tokens_out"`
}

// ResourceBudget is the remaining headroom for a process.
type ResourceBudget struct {
	LLMCalls    int     `json:"llm_calls" msgpack:"llm_calls"`
	ToolCalls   int     `json:"tool_calls" msgpack:"tool_calls"`
	AgentHops   int     `json:"agent_hops" msgpack:"agent_hops"`
	Iterations  int     `json:"iterations" msgpack:"iterations"`
	TimeSeconds float64 `json:"time_seconds" msgpack:"time_seconds"`
}

// =============================================================================
// Resource Tracker
// =============================================================================

// ResourceTracker enforces per-process quotas, the cgroups analogue. The
// index lock only guards the pid map; counter updates take the per-process
// lock, keeping hot-path accounting independent across processes.
type ResourceTracker struct {
	defaultQuota *ResourceQuota
	logger       Logger

	indexMu   sync.RWMutex
	resources map[string]*processResources

	statsMu         sync.Mutex
	systemLLMCalls  int
	systemToolCalls int
	systemTokensIn  int
	systemTokensOut int
	totalProcesses  int
	activeProcesses int
}

// NewResourceTracker creates a resource tracker. A nil quota uses
// DefaultQuota.
func NewResourceTracker(defaultQuota *ResourceQuota, logger Logger) *ResourceTracker {
	if defaultQuota == nil {
		defaultQuota = DefaultQuota()
	}
	return &ResourceTracker{
		defaultQuota: defaultQuota,
		logger:       logger,
		resources:    make(map[string]*processResources),
	}
}

// SetQuotaDefaults merges the non-nil override fields into the tracker's
// default quota. Already-allocated processes keep their quota.
func (rt *ResourceTracker) SetQuotaDefaults(override *QuotaOverride) *ResourceQuota {
	rt.indexMu.Lock()
	defer rt.indexMu.Unlock()

	merged := rt.defaultQuota.Clone()
	override.ApplyTo(merged)
	rt.defaultQuota = merged

	if rt.logger != nil {
		rt.logger.Info("quota_defaults_updated",
			"max_llm_calls", merged.MaxLLMCalls,
			"max_tool_calls", merged.MaxToolCalls,
			"timeout_seconds", merged.TimeoutSeconds,
		)
	}
	return merged.Clone()
}

// DefaultQuotaSnapshot returns a copy of the current default quota.
func (rt *ResourceTracker) DefaultQuotaSnapshot() *ResourceQuota {
	rt.indexMu.RLock()
	defer rt.indexMu.RUnlock()
	return rt.defaultQuota.Clone()
}

// Allocate registers quota tracking for a process. Returns false if the
// process is already tracked.
func (rt *ResourceTracker) Allocate(pid string, quota *ResourceQuota) bool {
	rt.indexMu.Lock()
	if _, exists := rt.resources[pid]; exists {
		rt.indexMu.Unlock()
		if rt.logger != nil {
			rt.logger.Warn("duplicate_allocation", "pid", pid)
		}
		return false
	}
	if quota == nil {
		quota = rt.defaultQuota.Clone()
	}
	rt.resources[pid] = newProcessResources(pid, quota)
	rt.indexMu.Unlock()

	rt.statsMu.Lock()
	rt.totalProcesses++
	rt.activeProcesses++
	rt.statsMu.Unlock()

	if rt.logger != nil {
		rt.logger.Debug("resources_allocated",
			"pid", pid,
			"max_llm_calls", quota.MaxLLMCalls,
			"max_tool_calls", quota.MaxToolCalls,
			"timeout_seconds", quota.TimeoutSeconds,
		)
	}
	return true
}

// Release drops quota tracking for a process. Returns false if untracked.
func (rt *ResourceTracker) Release(pid string) bool {
	rt.indexMu.Lock()
	_, exists := rt.resources[pid]
	if exists {
		delete(rt.resources, pid)
	}
	rt.indexMu.Unlock()
	if !exists {
		return false
	}

	rt.statsMu.Lock()
	rt.activeProcesses--
	rt.statsMu.Unlock()

	if rt.logger != nil {
		rt.logger.Debug("resources_released", "pid", pid)
	}
	return true
}

// lookupOrCreate returns the tracking entry for pid, creating one with the
// default quota on first sight.
func (rt *ResourceTracker) lookupOrCreate(pid string) *processResources {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if exists {
		return pr
	}

	rt.indexMu.Lock()
	pr, exists = rt.resources[pid]
	if !exists {
		pr = newProcessResources(pid, rt.defaultQuota.Clone())
		rt.resources[pid] = pr
	}
	rt.indexMu.Unlock()

	if !exists {
		rt.statsMu.Lock()
		rt.totalProcesses++
		rt.activeProcesses++
		rt.statsMu.Unlock()
	}
	return pr
}

// RecordUsage atomically applies a usage delta and returns a snapshot of the
// updated counters. Unknown pids are auto-created with the default quota so
// late accounting is never dropped.
func (rt *ResourceTracker) RecordUsage(pid string, delta UsageDelta) *ResourceUsage {
	pr := rt.lookupOrCreate(pid)

	pr.mu.Lock()
	pr.usage.LLMCalls += delta.LLMCalls
	pr.usage.ToolCalls += delta.ToolCalls
	pr.usage.AgentHops += delta.AgentHops
	pr.usage.Iterations += delta.Iterations
	pr.usage.TokensIn += delta.TokensIn
	pr.usage.TokensOut += delta.TokensOut
	pr.lastUpdatedAt = time.Now().UTC()
	pr.usage.ElapsedSeconds = pr.lastUpdatedAt.Sub(pr.allocatedAt).Seconds()

	snapshot := pr.usage.Clone()
	quota := pr.quota
	pr.mu.Unlock()

	rt.statsMu.Lock()
	rt.systemLLMCalls += delta.LLMCalls
	rt.systemToolCalls += delta.ToolCalls
	rt.systemTokensIn += delta.TokensIn
	rt.systemTokensOut += delta.TokensOut
	rt.statsMu.Unlock()

	if rt.logger != nil {
		if quota.MaxLLMCalls > 0 && snapshot.LLMCalls >= int(float64(quota.MaxLLMCalls)*0.8) {
			rt.logger.Warn("approaching_llm_limit",
				"pid", pid,
				"usage", snapshot.LLMCalls,
				"quota", quota.MaxLLMCalls,
			)
		}
		if quota.SoftTimeoutSeconds > 0 && snapshot.ElapsedSeconds >= float64(quota.SoftTimeoutSeconds) {
			rt.logger.Warn("approaching_timeout",
				"pid", pid,
				"elapsed", snapshot.ElapsedSeconds,
				"soft_timeout", quota.SoftTimeoutSeconds,
				"hard_timeout", quota.TimeoutSeconds,
			)
		}
	}
	return snapshot
}

// RecordLLMCall records one LLM call with its token counts.
func (rt *ResourceTracker) RecordLLMCall(pid string, tokensIn, tokensOut int) *ResourceUsage {
	return rt.RecordUsage(pid, UsageDelta{LLMCalls: 1, TokensIn: tokensIn, TokensOut: tokensOut})
}

// RecordToolCall records one tool invocation.
func (rt *ResourceTracker) RecordToolCall(pid string) *ResourceUsage {
	return rt.RecordUsage(pid, UsageDelta{ToolCalls: 1})
}

// RecordAgentHop records one agent-to-agent transition.
func (rt *ResourceTracker) RecordAgentHop(pid string) *ResourceUsage {
	return rt.RecordUsage(pid, UsageDelta{AgentHops: 1})
}

// RecordInferenceCall records an auxiliary inference request (embeddings,
// classification).
func (rt *ResourceTracker) RecordInferenceCall(pid string, inputChars int) *ResourceUsage {
	pr := rt.lookupOrCreate(pid)

	pr.mu.Lock()
	pr.usage.InferenceRequests++
	pr.usage.InferenceInputChars += inputChars
	pr.lastUpdatedAt = time.Now().UTC()
	snapshot := pr.usage.Clone()
	pr.mu.Unlock()

	if rt.logger != nil {
		rt.logger.Debug("inference_call_recorded",
			"pid", pid,
			"inference_requests", snapshot.InferenceRequests,
			"inference_input_chars", snapshot.InferenceInputChars,
		)
	}
	return snapshot
}

// CheckQuota returns the first breached dimension for pid, or empty string
// when within bounds. Untracked pids have no limits.
func (rt *ResourceTracker) CheckQuota(pid string) string {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return ""
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.usage.ExceedsQuota(pr.quota)
}

// CheckInferenceQuota checks whether a proposed inference operation would
// exceed the inference limits.
func (rt *ResourceTracker) CheckInferenceQuota(pid string, requests, inputChars int) string {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return ""
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.quota.MaxInferenceRequests > 0 && pr.usage.InferenceRequests+requests > pr.quota.MaxInferenceRequests {
		return "max_inference_requests_exceeded"
	}
	if pr.quota.MaxInferenceInputChars > 0 && pr.usage.InferenceInputChars+inputChars > pr.quota.MaxInferenceInputChars {
		return "max_inference_input_chars_exceeded"
	}
	return ""
}

// GetUsage returns a usage snapshot for pid, or nil if untracked.
func (rt *ResourceTracker) GetUsage(pid string) *ResourceUsage {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return nil
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.usage.Clone()
}

// GetQuota returns a copy of pid's quota, or nil if untracked.
func (rt *ResourceTracker) GetQuota(pid string) *ResourceQuota {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return nil
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.quota.Clone()
}

// UpdateElapsedTime refreshes and returns elapsed wall time for pid.
// Returns -1 if untracked.
func (rt *ResourceTracker) UpdateElapsedTime(pid string) float64 {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return -1
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.lastUpdatedAt = time.Now().UTC()
	pr.usage.ElapsedSeconds = pr.lastUpdatedAt.Sub(pr.allocatedAt).Seconds()
	return pr.usage.ElapsedSeconds
}

// GetRemainingBudget returns the remaining headroom for pid, or nil if
// untracked.
func (rt *ResourceTracker) GetRemainingBudget(pid string) *ResourceBudget {
	rt.indexMu.RLock()
	pr, exists := rt.resources[pid]
	rt.indexMu.RUnlock()
	if !exists {
		return nil
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	return &ResourceBudget{
		LLMCalls:    max(0, pr.quota.MaxLLMCalls-pr.usage.LLMCalls),
		ToolCalls:   max(0, pr.quota.MaxToolCalls-pr.usage.ToolCalls),
		AgentHops:   max(0, pr.quota.MaxAgentHops-pr.usage.AgentHops),
		Iterations:  max(0, pr.quota.MaxIterations-pr.usage.Iterations),
		TimeSeconds: max(0, float64(pr.quota.TimeoutSeconds)-pr.usage.ElapsedSeconds),
	}
}

// GetSystemUsage returns system-wide counters.
func (rt *ResourceTracker) GetSystemUsage() *SystemUsage {
	rt.statsMu.Lock()
	defer rt.statsMu.Unlock()
	return &SystemUsage{
		TotalProcesses:  rt.totalProcesses,
		ActiveProcesses: rt.activeProcesses,
		SystemLLMCalls:  rt.systemLLMCalls,
		SystemToolCalls: rt.systemToolCalls,
		SystemTokensIn:  rt.systemTokensIn,
		SystemTokensOut: rt.systemTokensOut,
	}
}

// IsTracked reports whether pid has a tracking entry.
func (rt *ResourceTracker) IsTracked(pid string) bool {
	rt.indexMu.RLock()
	defer rt.indexMu.RUnlock()
	_, exists := rt.resources[pid]
	return exists
}

// TrackedCount returns the number of tracked processes.
func (rt *ResourceTracker) TrackedCount() int {
	rt.indexMu.RLock()
	defer rt.indexMu.RUnlock()
	return len(rt.resources)
}
