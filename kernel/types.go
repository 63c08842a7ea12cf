// Package kernel implements the Kestrel kernel - OS-style abstractions for
// LLM-agent pipeline execution.
//
// The kernel owns process lifecycle management, resource quotas, rate
// limiting, interrupts, and the orchestration sessions that drive stateless
// workers. Key concepts:
//   - ProcessState: process lifecycle states (NEW -> RUNNING -> TERMINATED)
//   - ResourceQuota: cgroups-style resource limits
//   - ProcessControlBlock: the kernel's record of one in-flight pipeline run
package kernel

import (
	"time"

	"github.com/kestrelflow/kestrel/envelope"
)

// =============================================================================
// Process States
// =============================================================================

// ProcessState represents the lifecycle state of a process.
// State transitions:
//
//	NEW -> READY -> RUNNING -> (WAITING | BLOCKED | TERMINATED)
//	WAITING -> READY (on event)
//	BLOCKED -> READY (on resource available)
//	TERMINATED -> ZOMBIE (awaiting cleanup)
type ProcessState string

const (
	// ProcessStateNew indicates a newly created process, not yet scheduled.
	ProcessStateNew ProcessState = "new"
	// ProcessStateReady indicates the process is ready to run.
	ProcessStateReady ProcessState = "ready"
	// ProcessStateRunning indicates the process is currently executing.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateWaiting indicates the process is suspended on an interrupt.
	ProcessStateWaiting ProcessState = "waiting"
	// ProcessStateBlocked indicates the process is blocked on a resource.
	ProcessStateBlocked ProcessState = "blocked"
	// ProcessStateTerminated indicates the process has finished execution.
	ProcessStateTerminated ProcessState = "terminated"
	// ProcessStateZombie indicates the process terminated but not yet cleaned up.
	ProcessStateZombie ProcessState = "zombie"
)

// IsTerminal returns true if this is a terminal state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated || s == ProcessStateZombie
}

// IsRunnable returns true if the process is ready to run.
func (s ProcessState) IsRunnable() bool {
	return s == ProcessStateReady
}

// =============================================================================
// Scheduling Priority
// =============================================================================

// SchedulingPriority represents the scheduling priority level.
type SchedulingPriority string

const (
	// PriorityRealtime is the highest priority (system critical).
	PriorityRealtime SchedulingPriority = "realtime"
	// PriorityHigh is for user-interactive operations.
	PriorityHigh SchedulingPriority = "high"
	// PriorityNormal is the default priority.
	PriorityNormal SchedulingPriority = "normal"
	// PriorityLow is for background tasks.
	PriorityLow SchedulingPriority = "low"
	// PriorityIdle is only scheduled when nothing else runs.
	PriorityIdle SchedulingPriority = "idle"
)

// rank returns the heap ordering value (lower runs first).
func (p SchedulingPriority) rank() int {
	switch p {
	case PriorityRealtime:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityIdle:
		return 4
	default:
		return 2
	}
}

// =============================================================================
// Resource Quotas
// =============================================================================

// ResourceQuota defines cgroups-style resource limits for one process.
type ResourceQuota struct {
	// Call limits (like CPU time)
	MaxLLMCalls   int `json:"max_llm_calls" msgpack:"max_llm_calls"`
	MaxToolCalls  int `json:"max_tool_calls" msgpack:"max_tool_calls"`
	MaxAgentHops  int `json:"max_agent_hops" msgpack:"max_agent_hops"`
	MaxIterations int `json:"max_iterations" msgpack:"max_iterations"`

	// Time limits
	TimeoutSeconds     int `json:"timeout_seconds" msgpack:"timeout_seconds"`
	SoftTimeoutSeconds int `json:"soft_timeout_seconds" msgpack:"soft_timeout_seconds"`

	// Token limits (like memory limits)
	MaxInputTokens   int `json:"max_input_tokens" msgpack:"max_input_tokens"`
	MaxOutputTokens  int `json:"max_output_tokens" msgpack:"max_output_tokens"`
	MaxContextTokens int `json:"max_context_tokens" msgpack:"max_context_tokens"`

	// Rate limits (per-user)
	RateLimitRPM   int `json:"rate_limit_rpm,omitempty" msgpack:"rate_limit_rpm,omitempty"`
	RateLimitRPH   int `json:"rate_limit_rph,omitempty" msgpack:"rate_limit_rph,omitempty"`
	RateLimitBurst int `json:"rate_limit_burst,omitempty" msgpack:"rate_limit_burst,omitempty"`

	// Inference limits (embeddings, classification)
	MaxInferenceRequests   int `json:"max_inference_requests,omitempty" msgpack:"max_inference_requests,omitempty"`
	MaxInferenceInputChars int `json:"max_inference_input_chars,omitempty" msgpack:"max_inference_input_chars,omitempty"`
}

// DefaultQuota returns sensible default resource limits.
func DefaultQuota() *ResourceQuota {
	return &ResourceQuota{
		MaxLLMCalls:            10,
		MaxToolCalls:           50,
		MaxAgentHops:           21,
		MaxIterations:          3,
		TimeoutSeconds:         300,
		SoftTimeoutSeconds:     240,
		MaxInputTokens:         4096,
		MaxOutputTokens:        2048,
		MaxContextTokens:       16384,
		MaxInferenceRequests:   100,
		MaxInferenceInputChars: 500000,
	}
}

// Clone returns a copy of the quota.
func (q *ResourceQuota) Clone() *ResourceQuota {
	c := *q
	return &c
}

// QuotaOverride carries optional per-field overrides for the global quota
// defaults. Nil fields never override.
type QuotaOverride struct {
	MaxLLMCalls            *int `json:"max_llm_calls,omitempty" msgpack:"max_llm_calls,omitempty"`
	MaxToolCalls           *int `json:"max_tool_calls,omitempty" msgpack:"max_tool_calls,omitempty"`
	MaxAgentHops           *int `json:"max_agent_hops,omitempty" msgpack:"max_agent_hops,omitempty"`
	MaxIterations          *int `json:"max_iterations,omitempty" msgpack:"max_iterations,omitempty"`
	TimeoutSeconds         *int `json:"timeout_seconds,omitempty" msgpack:"timeout_seconds,omitempty"`
	SoftTimeoutSeconds     *int `json:"soft_timeout_seconds,omitempty" msgpack:"soft_timeout_seconds,omitempty"`
	MaxInputTokens         *int `json:"max_input_tokens,omitempty" msgpack:"max_input_tokens,omitempty"`
	MaxOutputTokens        *int `json:"max_output_tokens,omitempty" msgpack:"max_output_tokens,omitempty"`
	MaxContextTokens       *int `json:"max_context_tokens,omitempty" msgpack:"max_context_tokens,omitempty"`
	RateLimitRPM           *int `json:"rate_limit_rpm,omitempty" msgpack:"rate_limit_rpm,omitempty"`
	RateLimitRPH           *int `json:"rate_limit_rph,omitempty" msgpack:"rate_limit_rph,omitempty"`
	RateLimitBurst         *int `json:"rate_limit_burst,omitempty" msgpack:"rate_limit_burst,omitempty"`
	MaxInferenceRequests   *int `json:"max_inference_requests,omitempty" msgpack:"max_inference_requests,omitempty"`
	MaxInferenceInputChars *int `json:"max_inference_input_chars,omitempty" msgpack:"max_inference_input_chars,omitempty"`
}

// ApplyTo merges non-nil override fields into the quota.
func (o *QuotaOverride) ApplyTo(q *ResourceQuota) {
	if o == nil {
		return
	}
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&q.MaxLLMCalls, o.MaxLLMCalls)
	set(&q.MaxToolCalls, o.MaxToolCalls)
	set(&q.MaxAgentHops, o.MaxAgentHops)
	set(&q.MaxIterations, o.MaxIterations)
	set(&q.TimeoutSeconds, o.TimeoutSeconds)
	set(&q.SoftTimeoutSeconds, o.SoftTimeoutSeconds)
	set(&q.MaxInputTokens, o.MaxInputTokens)
	set(&q.MaxOutputTokens, o.MaxOutputTokens)
	set(&q.MaxContextTokens, o.MaxContextTokens)
	set(&q.RateLimitRPM, o.RateLimitRPM)
	set(&q.RateLimitRPH, o.RateLimitRPH)
	set(&q.RateLimitBurst, o.RateLimitBurst)
	set(&q.MaxInferenceRequests, o.MaxInferenceRequests)
	set(&q.MaxInferenceInputChars, o.MaxInferenceInputChars)
}

// =============================================================================
// Resource Usage
// =============================================================================

// ResourceUsage tracks current resource consumption for a process. Counters
// only increase until the process terminates.
type ResourceUsage struct {
	LLMCalls            int     `json:"llm_calls" msgpack:"llm_calls"`
	ToolCalls           int     `json:"tool_calls" msgpack:"tool_calls"`
	AgentHops           int     `json:"agent_hops" msgpack:"agent_hops"`
	Iterations          int     `json:"iterations" msgpack:"iterations"`
	TokensIn            int     `json:"tokens_in" msgpack:"tokens_in"`
	TokensOut           int     `json:"tokens_out" msgpack:"tokens_out"`
	InferenceRequests   int     `json:"inference_requests" msgpack:"inference_requests"`
	InferenceInputChars int     `json:"inference_input_chars" msgpack:"inference_input_chars"`
	ElapsedSeconds      float64 `json:"elapsed_seconds" msgpack:"elapsed_seconds"`
}

// Quota breach dimension names, in the fixed check priority order.
const (
	BreachLLMCalls      = "llm_calls"
	BreachToolCalls     = "tool_calls"
	BreachAgentHops     = "agent_hops"
	BreachIterations    = "iterations"
	BreachTimeout       = "timeout"
	BreachTokensIn      = "tokens_in"
	BreachTokensOut     = "tokens_out"
	BreachContextTokens = "context_tokens"
)

// ExceedsQuota returns the first breached dimension in the fixed priority
// order (llm_calls > tool_calls > agent_hops > iterations > timeout > tokens),
// or empty string when within bounds. A dimension is breached when usage has
// reached its maximum; a non-positive maximum means unlimited.
func (u *ResourceUsage) ExceedsQuota(q *ResourceQuota) string {
	if q.MaxLLMCalls > 0 && u.LLMCalls >= q.MaxLLMCalls {
		return BreachLLMCalls
	}
	if q.MaxToolCalls > 0 && u.ToolCalls >= q.MaxToolCalls {
		return BreachToolCalls
	}
	if q.MaxAgentHops > 0 && u.AgentHops >= q.MaxAgentHops {
		return BreachAgentHops
	}
	if q.MaxIterations > 0 && u.Iterations >= q.MaxIterations {
		return BreachIterations
	}
	if q.TimeoutSeconds > 0 && u.ElapsedSeconds >= float64(q.TimeoutSeconds) {
		return BreachTimeout
	}
	if q.MaxInputTokens > 0 && u.TokensIn >= q.MaxInputTokens {
		return BreachTokensIn
	}
	if q.MaxOutputTokens > 0 && u.TokensOut >= q.MaxOutputTokens {
		return BreachTokensOut
	}
	if q.MaxContextTokens > 0 && u.TokensIn+u.TokensOut >= q.MaxContextTokens {
		return BreachContextTokens
	}
	return ""
}

// Clone returns a copy of the usage.
func (u *ResourceUsage) Clone() *ResourceUsage {
	c := *u
	return &c
}

// UsageDelta is one atomic increment applied to a process's usage counters.
type UsageDelta struct {
	LLMCalls   int `json:"llm_calls" msgpack:"llm_calls"`
	ToolCalls  int `json:"tool_calls" msgpack:"tool_calls"`
	AgentHops  int `json:"agent_hops" msgpack:"agent_hops"`
	Iterations int `json:"iterations" msgpack:"iterations"`
	TokensIn   int `json:"tokens_in" msgpack:"tokens_in"`
	TokensOut  int `json:"tokens_out" msgpack:"tokens_out"`
}

// =============================================================================
// Process Control Block (PCB)
// =============================================================================

// ProcessControlBlock is the kernel's record of one in-flight pipeline
// execution. The request state itself lives in the Envelope; the PCB tracks
// scheduling state, resource accounting, and interrupt status.
type ProcessControlBlock struct {
	// Identity
	PID       string `json:"pid" msgpack:"pid"`
	RequestID string `json:"request_id" msgpack:"request_id"`
	UserID    string `json:"user_id" msgpack:"user_id"`
	SessionID string `json:"session_id" msgpack:"session_id"`

	// State
	State    ProcessState       `json:"state" msgpack:"state"`
	Priority SchedulingPriority `json:"priority" msgpack:"priority"`

	// Resource tracking
	Quota *ResourceQuota `json:"quota" msgpack:"quota"`
	Usage *ResourceUsage `json:"usage" msgpack:"usage"`

	// Scheduling timestamps
	CreatedAt       time.Time  `json:"created_at" msgpack:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty" msgpack:"last_scheduled_at,omitempty"`

	// Current execution
	CurrentStage string `json:"current_stage,omitempty" msgpack:"current_stage,omitempty"`

	// Interrupt handling
	PendingInterrupt *envelope.InterruptKind `json:"pending_interrupt,omitempty" msgpack:"pending_interrupt,omitempty"`

	// Termination
	TerminationReason string `json:"termination_reason,omitempty" msgpack:"termination_reason,omitempty"`
}

// IsTerminated checks if the process has terminated.
func (pcb *ProcessControlBlock) IsTerminated() bool {
	return pcb.State.IsTerminal()
}

// =============================================================================
// Kernel Events
// =============================================================================

// EventType represents types of kernel events.
type EventType string

const (
	EventProcessCreated      EventType = "process.created"
	EventProcessStateChanged EventType = "process.state_changed"
	EventInterruptRaised     EventType = "interrupt.raised"
	EventInterruptResolved   EventType = "interrupt.resolved"
	EventInterruptCancelled  EventType = "interrupt.cancelled"
	EventInterruptExpired    EventType = "interrupt.expired"
	EventResourceExhausted   EventType = "resource.exhausted"
)

// Event represents an OS-level event emitted by the kernel.
type Event struct {
	EventType EventType      `json:"event_type" msgpack:"event_type"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
	PID       string         `json:"pid,omitempty" msgpack:"pid,omitempty"`
	RequestID string         `json:"request_id,omitempty" msgpack:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
}

// NewEvent creates a kernel event stamped with the current time.
func NewEvent(eventType EventType, pcb *ProcessControlBlock) *Event {
	evt := &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	if pcb != nil {
		evt.PID = pcb.PID
		evt.RequestID = pcb.RequestID
		evt.UserID = pcb.UserID
		evt.SessionID = pcb.SessionID
	}
	return evt
}
