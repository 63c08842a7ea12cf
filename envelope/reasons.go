// Package envelope provides envelope enums shared across the kernel and worker.
package envelope

// TerminalReason represents why processing terminated - exactly one per request.
type TerminalReason string

const (
	// TerminalReasonCompleted indicates the pipeline reached the end stage.
	TerminalReasonCompleted TerminalReason = "completed"
	// TerminalReasonClarificationRequired indicates user clarification is needed.
	TerminalReasonClarificationRequired TerminalReason = "clarification_required"
	// TerminalReasonConfirmationRequired indicates user confirmation is needed.
	TerminalReasonConfirmationRequired TerminalReason = "confirmation_required"
	// TerminalReasonToolFailedFatally indicates a fatal agent or tool failure.
	TerminalReasonToolFailedFatally TerminalReason = "tool_failed_fatally"
	// TerminalReasonQuotaExceeded indicates a resource quota dimension was breached.
	TerminalReasonQuotaExceeded TerminalReason = "quota_exceeded"
	// TerminalReasonMaxLoopExceeded indicates the cycle guard tripped on a routing edge.
	TerminalReasonMaxLoopExceeded TerminalReason = "max_loop_exceeded"
	// TerminalReasonCancelled indicates external cancellation.
	TerminalReasonCancelled TerminalReason = "cancelled"
	// TerminalReasonTransportFailure indicates the worker lost its kernel connection
	// and terminated fail-safe.
	TerminalReasonTransportFailure TerminalReason = "transport_failure"
)

// InterruptKind represents the type of flow interrupt.
type InterruptKind string

const (
	// InterruptKindClarification is for user clarification requests.
	InterruptKindClarification InterruptKind = "clarification"
	// InterruptKindConfirmation is for user confirmation requests.
	InterruptKindConfirmation InterruptKind = "confirmation"
	// InterruptKindAgentReview is for agent output review (human-in-the-loop).
	InterruptKindAgentReview InterruptKind = "agent_review"
	// InterruptKindCheckpoint is for checkpoint pauses.
	InterruptKindCheckpoint InterruptKind = "checkpoint"
	// InterruptKindResourceExhausted is for rate limit/resource exhaustion.
	InterruptKindResourceExhausted InterruptKind = "resource_exhausted"
	// InterruptKindTimeout is for timeout interrupts.
	InterruptKindTimeout InterruptKind = "timeout"
	// InterruptKindSystemError is for system error interrupts.
	InterruptKindSystemError InterruptKind = "system_error"
)
