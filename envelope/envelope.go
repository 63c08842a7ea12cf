// Package envelope provides the Envelope - pipeline working state threaded
// through stages.
//
// The envelope carries a fixed set of control fields plus a dynamic Outputs
// map keyed by agent name, so capability layers can add agents without schema
// changes. The kernel owns the authoritative copy; workers receive snapshots
// inside instructions and merge terminal fields back on completion.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// InterruptResponse represents a response to an interrupt.
type InterruptResponse struct {
	Text       *string        `json:"text,omitempty" msgpack:"text,omitempty"`
	Approved   *bool          `json:"approved,omitempty" msgpack:"approved,omitempty"`
	Decision   *string        `json:"decision,omitempty" msgpack:"decision,omitempty"`
	Data       map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	ReceivedAt time.Time      `json:"received_at" msgpack:"received_at"`
}

// FlowInterrupt represents a suspension point in pipeline execution.
type FlowInterrupt struct {
	Kind      InterruptKind      `json:"kind" msgpack:"kind"`
	ID        string             `json:"id" msgpack:"id"`
	Question  string             `json:"question,omitempty" msgpack:"question,omitempty"`
	Message   string             `json:"message,omitempty" msgpack:"message,omitempty"`
	Data      map[string]any     `json:"data,omitempty" msgpack:"data,omitempty"`
	Response  *InterruptResponse `json:"response,omitempty" msgpack:"response,omitempty"`
	CreatedAt time.Time          `json:"created_at" msgpack:"created_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty" msgpack:"expires_at,omitempty"`
}

// Clone creates a deep copy of the FlowInterrupt.
func (i *FlowInterrupt) Clone() *FlowInterrupt {
	clone := &FlowInterrupt{
		Kind:      i.Kind,
		ID:        i.ID,
		Question:  i.Question,
		Message:   i.Message,
		CreatedAt: i.CreatedAt,
	}
	if i.Data != nil {
		clone.Data = deepCopyAnyMap(i.Data)
	}
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		clone.ExpiresAt = &t
	}
	if i.Response != nil {
		resp := &InterruptResponse{ReceivedAt: i.Response.ReceivedAt}
		if i.Response.Text != nil {
			text := *i.Response.Text
			resp.Text = &text
		}
		if i.Response.Approved != nil {
			approved := *i.Response.Approved
			resp.Approved = &approved
		}
		if i.Response.Decision != nil {
			decision := *i.Response.Decision
			resp.Decision = &decision
		}
		if i.Response.Data != nil {
			resp.Data = deepCopyAnyMap(i.Response.Data)
		}
		clone.Response = resp
	}
	return clone
}

// ProcessingRecord records a single agent processing step for the audit trail.
type ProcessingRecord struct {
	Agent       string     `json:"agent" msgpack:"agent"`
	StageOrder  int        `json:"stage_order" msgpack:"stage_order"`
	StartedAt   time.Time  `json:"started_at" msgpack:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms" msgpack:"duration_ms"`
	Status      string     `json:"status" msgpack:"status"` // "running", "success", "error"
	Error       *string    `json:"error,omitempty" msgpack:"error,omitempty"`
	LLMCalls    int        `json:"llm_calls" msgpack:"llm_calls"`
}

// Envelope is the working state blob threaded through pipeline stages.
type Envelope struct {
	// Identification
	EnvelopeID string `json:"envelope_id" msgpack:"envelope_id"`
	RequestID  string `json:"request_id" msgpack:"request_id"`
	UserID     string `json:"user_id" msgpack:"user_id"`
	SessionID  string `json:"session_id" msgpack:"session_id"`

	// Original input
	RawInput   string    `json:"raw_input" msgpack:"raw_input"`
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`

	// Classified intent, set by early pipeline stages and used in routing.
	Intent string `json:"intent,omitempty" msgpack:"intent,omitempty"`

	// Dynamic agent outputs keyed by agent name.
	Outputs map[string]map[string]any `json:"outputs" msgpack:"outputs"`

	// Pipeline state
	CurrentStage string   `json:"current_stage" msgpack:"current_stage"`
	StageOrder   []string `json:"stage_order" msgpack:"stage_order"`
	Iteration    int      `json:"iteration" msgpack:"iteration"`

	// Control flow
	Terminated        bool            `json:"terminated" msgpack:"terminated"`
	TerminationReason *string         `json:"termination_reason,omitempty" msgpack:"termination_reason,omitempty"`
	TerminalReason    *TerminalReason `json:"terminal_reason,omitempty" msgpack:"terminal_reason,omitempty"`

	// Interrupt gate
	InterruptPending bool           `json:"interrupt_pending" msgpack:"interrupt_pending"`
	Interrupt        *FlowInterrupt `json:"interrupt,omitempty" msgpack:"interrupt,omitempty"`

	// Audit trail
	ProcessingHistory []ProcessingRecord `json:"processing_history" msgpack:"processing_history"`

	// Timing
	CreatedAt   time.Time  `json:"created_at" msgpack:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`

	// Metadata
	Metadata map[string]any `json:"metadata" msgpack:"metadata"`
}

// New creates a new Envelope with generated ids and default values.
func New() *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		EnvelopeID:        "env_" + uuid.New().String()[:16],
		RequestID:         "req_" + uuid.New().String()[:16],
		UserID:            "anonymous",
		SessionID:         "sess_" + uuid.New().String()[:16],
		ReceivedAt:        now,
		Outputs:           make(map[string]map[string]any),
		CurrentStage:      "start",
		StageOrder:        []string{},
		ProcessingHistory: []ProcessingRecord{},
		CreatedAt:         now,
		Metadata:          make(map[string]any),
	}
}

// Create creates a new Envelope from user input.
func Create(rawInput, userID, sessionID string, requestID *string, metadata map[string]any, stageOrder []string) *Envelope {
	e := New()
	e.RawInput = rawInput
	e.UserID = userID
	e.SessionID = sessionID
	if requestID != nil {
		e.RequestID = *requestID
	}
	if metadata != nil {
		e.Metadata = metadata
	}
	if stageOrder != nil {
		e.StageOrder = stageOrder
	}
	return e
}

// =============================================================================
// Output Access
// =============================================================================

// GetOutput gets agent output by agent name.
func (e *Envelope) GetOutput(agent string) map[string]any {
	return e.Outputs[agent]
}

// SetOutput sets agent output by agent name.
func (e *Envelope) SetOutput(agent string, value map[string]any) {
	if e.Outputs == nil {
		e.Outputs = make(map[string]map[string]any)
	}
	e.Outputs[agent] = value
}

// HasOutput checks if output exists for an agent.
func (e *Envelope) HasOutput(agent string) bool {
	_, exists := e.Outputs[agent]
	return exists
}

// Field resolves a top-level envelope field by its wire name for routing
// evaluation. Unknown names fall through to the metadata map. The second
// return is false when the field is absent.
func (e *Envelope) Field(name string) (any, bool) {
	switch name {
	case "intent":
		if e.Intent == "" {
			return nil, false
		}
		return e.Intent, true
	case "current_stage":
		return e.CurrentStage, true
	case "user_id":
		return e.UserID, true
	case "session_id":
		return e.SessionID, true
	case "raw_input":
		return e.RawInput, true
	case "terminated":
		return e.Terminated, true
	case "interrupt_pending":
		return e.InterruptPending, true
	case "iteration":
		return e.Iteration, true
	}
	v, ok := e.Metadata[name]
	return v, ok
}

// KnownField reports whether name is a built-in envelope field.
// Used by pipeline validation to fail fast on unresolvable references.
func KnownField(name string) bool {
	switch name {
	case "intent", "current_stage", "user_id", "session_id", "raw_input",
		"terminated", "interrupt_pending", "iteration":
		return true
	}
	return false
}

// AgentField resolves a nested agent output field ("agent.key").
func (e *Envelope) AgentField(agent, key string) (any, bool) {
	output, ok := e.Outputs[agent]
	if !ok {
		return nil, false
	}
	v, ok := output[key]
	return v, ok
}

// =============================================================================
// Processing History
// =============================================================================

// RecordAgentStart records start of agent processing.
func (e *Envelope) RecordAgentStart(agentName string, stageOrder int) {
	e.ProcessingHistory = append(e.ProcessingHistory, ProcessingRecord{
		Agent:      agentName,
		StageOrder: stageOrder,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
	})
}

// RecordAgentComplete records completion of the most recent running entry for
// the agent.
func (e *Envelope) RecordAgentComplete(agentName, status string, errMsg *string, llmCalls, durationMS int) {
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		entry := &e.ProcessingHistory[i]
		if entry.Agent == agentName && entry.Status == "running" {
			now := time.Now().UTC()
			entry.CompletedAt = &now
			entry.Status = status
			entry.Error = errMsg
			entry.LLMCalls = llmCalls
			if durationMS > 0 {
				entry.DurationMS = durationMS
			} else {
				entry.DurationMS = int(now.Sub(entry.StartedAt).Milliseconds())
			}
			break
		}
	}
}

// TotalProcessingTimeMS sums recorded agent durations.
func (e *Envelope) TotalProcessingTimeMS() int {
	total := 0
	for _, entry := range e.ProcessingHistory {
		total += entry.DurationMS
	}
	return total
}

// =============================================================================
// Control Flow
// =============================================================================

// Terminate marks the envelope as terminated.
func (e *Envelope) Terminate(reason string, terminalReason *TerminalReason) {
	e.Terminated = true
	e.TerminationReason = &reason
	if terminalReason != nil {
		e.TerminalReason = terminalReason
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
}

// SetInterrupt attaches a pending interrupt and raises the gate.
func (e *Envelope) SetInterrupt(interrupt *FlowInterrupt) {
	e.InterruptPending = true
	e.Interrupt = interrupt
}

// ClearInterrupt lowers the interrupt gate.
func (e *Envelope) ClearInterrupt() {
	e.InterruptPending = false
	e.Interrupt = nil
}

// MergeAuthoritative copies the kernel-owned control fields from src. Workers
// call this when a TERMINATE or WAIT_INTERRUPT instruction carries the
// kernel's view of the envelope.
func (e *Envelope) MergeAuthoritative(src *Envelope) {
	if src == nil {
		return
	}
	e.CurrentStage = src.CurrentStage
	e.Iteration = src.Iteration
	e.Terminated = src.Terminated
	e.TerminationReason = src.TerminationReason
	e.TerminalReason = src.TerminalReason
	e.InterruptPending = src.InterruptPending
	e.Interrupt = src.Interrupt
	e.CompletedAt = src.CompletedAt
	for agent, output := range src.Outputs {
		e.SetOutput(agent, output)
	}
}

// =============================================================================
// Clone
// =============================================================================

// Clone creates a deep copy of the envelope for snapshots.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		EnvelopeID:       e.EnvelopeID,
		RequestID:        e.RequestID,
		UserID:           e.UserID,
		SessionID:        e.SessionID,
		RawInput:         e.RawInput,
		ReceivedAt:       e.ReceivedAt,
		Intent:           e.Intent,
		CurrentStage:     e.CurrentStage,
		Iteration:        e.Iteration,
		Terminated:       e.Terminated,
		InterruptPending: e.InterruptPending,
		CreatedAt:        e.CreatedAt,
	}

	clone.StageOrder = make([]string, len(e.StageOrder))
	copy(clone.StageOrder, e.StageOrder)

	clone.Outputs = make(map[string]map[string]any, len(e.Outputs))
	for agent, output := range e.Outputs {
		clone.Outputs[agent] = deepCopyAnyMap(output)
	}

	clone.ProcessingHistory = make([]ProcessingRecord, len(e.ProcessingHistory))
	copy(clone.ProcessingHistory, e.ProcessingHistory)

	clone.Metadata = deepCopyAnyMap(e.Metadata)

	if e.TerminationReason != nil {
		reason := *e.TerminationReason
		clone.TerminationReason = &reason
	}
	if e.TerminalReason != nil {
		reason := *e.TerminalReason
		clone.TerminalReason = &reason
	}
	if e.Interrupt != nil {
		clone.Interrupt = e.Interrupt.Clone()
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}

	return clone
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		result := make([]string, len(val))
		copy(result, val)
		return result
	default:
		return v
	}
}
