package wire

import (
	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/kernel"
)

// Service and method names.
const (
	ServiceKernel        = "kernel"
	ServiceEngine        = "engine"
	ServiceOrchestration = "orchestration"
	ServiceCommBus       = "commbus"

	MethodCreateProcess      = "CreateProcess"
	MethodGetProcess         = "GetProcess"
	MethodScheduleProcess    = "ScheduleProcess"
	MethodGetNextRunnable    = "GetNextRunnable"
	MethodTransitionState    = "TransitionState"
	MethodTerminateProcess   = "TerminateProcess"
	MethodRecordUsage        = "RecordUsage"
	MethodCheckQuota         = "CheckQuota"
	MethodCheckRateLimit     = "CheckRateLimit"
	MethodSetQuotaDefaults   = "SetQuotaDefaults"
	MethodGetQuotaDefaults   = "GetQuotaDefaults"
	MethodGetSystemStatus    = "GetSystemStatus"
	MethodListProcesses      = "ListProcesses"
	MethodGetProcessCounts   = "GetProcessCounts"
	MethodCreateEnvelope     = "CreateEnvelope"
	MethodCheckBounds        = "CheckBounds"
	MethodInitializeSession  = "InitializeSession"
	MethodGetNextInstruction = "GetNextInstruction"
	MethodReportAgentResult  = "ReportAgentResult"
	MethodGetSessionState    = "GetSessionState"
	MethodSubscribe          = "Subscribe"
)

// =============================================================================
// kernel service payloads
// =============================================================================

type CreateProcessRequest struct {
	PID       string                `msgpack:"pid"`
	RequestID string                `msgpack:"request_id"`
	UserID    string                `msgpack:"user_id"`
	SessionID string                `msgpack:"session_id"`
	Priority  string                `msgpack:"priority,omitempty"`
	Quota     *kernel.ResourceQuota `msgpack:"quota,omitempty"`
}

type PIDRequest struct {
	PID string `msgpack:"pid"`
}

type TransitionStateRequest struct {
	PID      string `msgpack:"pid"`
	NewState string `msgpack:"new_state"`
	Reason   string `msgpack:"reason,omitempty"`
}

type TerminateProcessRequest struct {
	PID    string `msgpack:"pid"`
	Reason string `msgpack:"reason,omitempty"`
	Force  bool   `msgpack:"force,omitempty"`
}

type RecordUsageRequest struct {
	PID   string            `msgpack:"pid"`
	Delta kernel.UsageDelta `msgpack:"delta"`
}

type RecordUsageResponse struct {
	Usage          *kernel.ResourceUsage `msgpack:"usage"`
	ExceededReason string                `msgpack:"exceeded_reason,omitempty"`
}

type CheckQuotaResponse struct {
	ExceededReason string `msgpack:"exceeded_reason,omitempty"`
}

type CheckRateLimitRequest struct {
	UserID   string `msgpack:"user_id"`
	Endpoint string `msgpack:"endpoint,omitempty"`
	Record   bool   `msgpack:"record"`
}

type SetQuotaDefaultsRequest struct {
	Override *kernel.QuotaOverride `msgpack:"override"`
}

type ListProcessesRequest struct {
	State  string `msgpack:"state,omitempty"`
	UserID string `msgpack:"user_id,omitempty"`
}

type ListProcessesResponse struct {
	Processes []*kernel.ProcessControlBlock `msgpack:"processes"`
}

type ProcessCountsResponse struct {
	Counts map[string]int `msgpack:"counts"`
	Total  int            `msgpack:"total"`
	Queued int            `msgpack:"queued"`
}

type SystemStatusResponse struct {
	Status map[string]any `msgpack:"status"`
}

// =============================================================================
// engine service payloads
// =============================================================================

type CreateEnvelopeRequest struct {
	RawInput  string         `msgpack:"raw_input"`
	UserID    string         `msgpack:"user_id"`
	SessionID string         `msgpack:"session_id"`
	RequestID string         `msgpack:"request_id,omitempty"`
	Metadata  map[string]any `msgpack:"metadata,omitempty"`
}

type CheckBoundsResponse struct {
	ExceededReason string                 `msgpack:"exceeded_reason,omitempty"`
	Remaining      *kernel.ResourceBudget `msgpack:"remaining,omitempty"`
}

// =============================================================================
// orchestration service payloads
// =============================================================================

type InitializeSessionRequest struct {
	PID      string                 `msgpack:"pid"`
	Pipeline *config.PipelineConfig `msgpack:"pipeline"`
	Envelope *envelope.Envelope     `msgpack:"envelope"`
	Force    bool                   `msgpack:"force,omitempty"`
}

type ReportAgentResultRequest struct {
	PID       string                        `msgpack:"pid"`
	AgentName string                        `msgpack:"agent_name"`
	Output    map[string]any                `msgpack:"output,omitempty"`
	Metrics   *kernel.AgentExecutionMetrics `msgpack:"metrics,omitempty"`
	Success   bool                          `msgpack:"success"`
	Error     string                        `msgpack:"error,omitempty"`
}

// =============================================================================
// commbus service payloads
// =============================================================================

type SubscribeRequest struct {
	Topics []string `msgpack:"topics,omitempty"`
}

// BusEvent is one streamed bus delivery.
type BusEvent struct {
	Topic       string `msgpack:"topic"`
	Payload     any    `msgpack:"payload"`
	PublishedAt int64  `msgpack:"published_at"` // Unix nanos
}
