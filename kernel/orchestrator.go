package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
)

// =============================================================================
// Instructions
// =============================================================================

// InstructionKind tells the worker what to do next.
type InstructionKind string

const (
	InstructionKindRunAgent      InstructionKind = "run_agent"
	InstructionKindTerminate     InstructionKind = "terminate"
	InstructionKindWaitInterrupt InstructionKind = "wait_interrupt"
)

// Instruction is the orchestrator's verdict for one worker turn. Workers
// execute agents and report back; they have no say in what runs next.
type Instruction struct {
	Kind               InstructionKind          `json:"kind" msgpack:"kind"`
	AgentName          string                   `json:"agent_name,omitempty" msgpack:"agent_name,omitempty"`
	AgentConfig        *config.AgentConfig      `json:"agent_config,omitempty" msgpack:"agent_config,omitempty"`
	Envelope           *envelope.Envelope       `json:"envelope,omitempty" msgpack:"envelope,omitempty"`
	TerminalReason     *envelope.TerminalReason `json:"terminal_reason,omitempty" msgpack:"terminal_reason,omitempty"`
	TerminationMessage string                   `json:"termination_message,omitempty" msgpack:"termination_message,omitempty"`
	ExceededReason     string                   `json:"exceeded_reason,omitempty" msgpack:"exceeded_reason,omitempty"`
	InterruptPending   bool                     `json:"interrupt_pending,omitempty" msgpack:"interrupt_pending,omitempty"`
	Interrupt          *envelope.FlowInterrupt  `json:"interrupt,omitempty" msgpack:"interrupt,omitempty"`
}

// AgentExecutionMetrics carries the resource cost of one agent execution.
type AgentExecutionMetrics struct {
	LLMCalls   int `json:"llm_calls" msgpack:"llm_calls"`
	ToolCalls  int `json:"tool_calls" msgpack:"tool_calls"`
	TokensIn   int `json:"tokens_in" msgpack:"tokens_in"`
	TokensOut  int `json:"tokens_out" msgpack:"tokens_out"`
	DurationMS int `json:"duration_ms" msgpack:"duration_ms"`
}

// =============================================================================
// Orchestration Session
// =============================================================================

// SessionStatus is the coarse lifecycle of an orchestration session.
type SessionStatus string

const (
	SessionStatusInitializing     SessionStatus = "initializing"
	SessionStatusRunning          SessionStatus = "running"
	SessionStatusWaitingInterrupt SessionStatus = "waiting_interrupt"
	SessionStatusTerminated       SessionStatus = "terminated"
)

// OrchestrationSession is one live pipeline execution.
type OrchestrationSession struct {
	ProcessID      string                   `json:"process_id"`
	PipelineConfig *config.PipelineConfig   `json:"pipeline_config"`
	Envelope       *envelope.Envelope       `json:"envelope"`
	Status         SessionStatus            `json:"status"`
	EdgeTraversals map[string]int           `json:"edge_traversals"` // "from->to" -> count
	StageRetries   map[string]int           `json:"stage_retries"`
	Terminated     bool                     `json:"terminated"`
	TerminalReason *envelope.TerminalReason `json:"terminal_reason,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	LastActivityAt time.Time                `json:"last_activity_at"`
}

// SessionState is the external snapshot of a session.
type SessionState struct {
	ProcessID      string                   `json:"process_id" msgpack:"process_id"`
	Status         SessionStatus            `json:"status" msgpack:"status"`
	CurrentStage   string                   `json:"current_stage" msgpack:"current_stage"`
	StageOrder     []string                 `json:"stage_order" msgpack:"stage_order"`
	Envelope       *envelope.Envelope       `json:"envelope" msgpack:"envelope"`
	EdgeTraversals map[string]int           `json:"edge_traversals" msgpack:"edge_traversals"`
	Terminated     bool                     `json:"terminated" msgpack:"terminated"`
	TerminalReason *envelope.TerminalReason `json:"terminal_reason,omitempty" msgpack:"terminal_reason,omitempty"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator drives pipeline execution kernel-side. It owns sessions,
// evaluates routing expressions, tracks edge traversals, and converts quota
// breaches into terminal instructions.
type Orchestrator struct {
	scheduler *Scheduler
	tracker   *ResourceTracker
	logger    Logger

	sessions  map[string]*OrchestrationSession
	byRequest map[string]string // request id -> pid
	mu        sync.RWMutex
}

// NewOrchestrator creates an orchestrator bound to the scheduler and
// resource tracker.
func NewOrchestrator(scheduler *Scheduler, tracker *ResourceTracker, logger Logger) *Orchestrator {
	return &Orchestrator{
		scheduler: scheduler,
		tracker:   tracker,
		logger:    logger,
		sessions:  make(map[string]*OrchestrationSession),
		byRequest: make(map[string]string),
	}
}

// InitializeSession creates an orchestration session bound 1:1 to an
// existing process. Pipeline and routing validation is eager so a broken
// config fails here rather than mid-run. An existing session for the pid
// fails with AlreadyExistsError unless force replaces it.
func (o *Orchestrator) InitializeSession(
	pid string,
	pipelineConfig *config.PipelineConfig,
	env *envelope.Envelope,
	force bool,
) (*SessionState, error) {
	if _, err := o.scheduler.GetProcess(pid); err != nil {
		return nil, err
	}
	if err := pipelineConfig.Validate(envelope.KnownField); err != nil {
		return nil, &ValidationError{Message: "invalid pipeline config", Cause: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, exists := o.sessions[pid]; exists {
		if !force {
			return nil, &AlreadyExistsError{Kind: "session", ID: pid}
		}
		if o.logger != nil {
			o.logger.Warn("session_force_replaced",
				"pid", pid,
				"previous_stage", existing.Envelope.CurrentStage,
				"previous_iteration", existing.Envelope.Iteration,
			)
		}
	}

	env.StageOrder = pipelineConfig.GetStageOrder()

	// Land on the first pipeline stage unless the envelope already points at
	// a valid stage or a special stage.
	if len(env.StageOrder) > 0 && !config.SpecialStages[env.CurrentStage] {
		valid := false
		for _, stage := range env.StageOrder {
			if stage == env.CurrentStage {
				valid = true
				break
			}
		}
		if !valid {
			env.CurrentStage = env.StageOrder[0]
		}
	}

	now := time.Now().UTC()
	session := &OrchestrationSession{
		ProcessID:      pid,
		PipelineConfig: pipelineConfig,
		Envelope:       env,
		Status:         SessionStatusRunning,
		EdgeTraversals: make(map[string]int),
		StageRetries:   make(map[string]int),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	o.sessions[pid] = session
	if env.RequestID != "" {
		o.byRequest[env.RequestID] = pid
	}

	if o.logger != nil {
		o.logger.Info("orchestration_session_initialized",
			"pid", pid,
			"pipeline", pipelineConfig.Name,
			"current_stage", env.CurrentStage,
			"stage_count", len(env.StageOrder),
		)
	}
	return o.buildSessionState(session), nil
}

// GetNextInstruction runs the instruction ladder for a session. Takes the
// write lock because the ladder may terminate the session.
func (o *Orchestrator) GetNextInstruction(pid string) (*Instruction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, exists := o.sessions[pid]
	if !exists {
		return nil, &NotFoundError{Kind: "session", ID: pid}
	}
	return o.buildInstruction(session), nil
}

// ReportAgentResult folds one agent execution back into the session: output
// merge, resource accounting, failure retries, routing, and cycle guarding.
// Always returns the next instruction from re-running the ladder.
func (o *Orchestrator) ReportAgentResult(
	pid string,
	agentName string,
	output map[string]any,
	metrics *AgentExecutionMetrics,
	success bool,
	errorMsg string,
) (*Instruction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, exists := o.sessions[pid]
	if !exists {
		return nil, &NotFoundError{Kind: "session", ID: pid}
	}
	if session.Terminated {
		return o.buildInstruction(session), nil
	}

	env := session.Envelope
	fromStage := env.CurrentStage

	if output != nil {
		env.SetOutput(agentName, output)
	}

	if metrics != nil && o.tracker != nil {
		o.tracker.RecordUsage(pid, UsageDelta{
			LLMCalls:  metrics.LLMCalls,
			ToolCalls: metrics.ToolCalls,
			AgentHops: 1,
			TokensIn:  metrics.TokensIn,
			TokensOut: metrics.TokensOut,
		})
	}

	status := "success"
	var errPtr *string
	if !success {
		status = "error"
		if errorMsg != "" {
			errPtr = &errorMsg
		}
	}
	llmCalls, durationMS := 0, 0
	if metrics != nil {
		llmCalls = metrics.LLMCalls
		durationMS = metrics.DurationMS
	}
	env.RecordAgentComplete(agentName, status, errPtr, llmCalls, durationMS)
	session.LastActivityAt = time.Now().UTC()

	if !success {
		o.handleAgentFailure(session, agentName, errorMsg)
		return o.buildInstruction(session), nil
	}

	session.StageRetries[agentName] = 0
	o.routeAfterSuccess(session, fromStage, agentName, output)
	return o.buildInstruction(session), nil
}

// handleAgentFailure applies the failure policy: bounded retries on the same
// stage, then ErrorNext, then fatal termination.
func (o *Orchestrator) handleAgentFailure(session *OrchestrationSession, agentName, errorMsg string) {
	agentConfig := session.PipelineConfig.GetAgent(agentName)

	if agentConfig != nil && session.StageRetries[agentName] < agentConfig.MaxRetries {
		session.StageRetries[agentName]++
		if o.logger != nil {
			o.logger.Info("agent_retry",
				"pid", session.ProcessID,
				"agent", agentName,
				"attempt", session.StageRetries[agentName],
				"max_retries", agentConfig.MaxRetries,
				"error", errorMsg,
			)
		}
		return // Stage unchanged, ladder re-runs the agent
	}

	if agentConfig != nil && agentConfig.ErrorNext != "" {
		session.Envelope.CurrentStage = agentConfig.ErrorNext
		if o.logger != nil {
			o.logger.Info("agent_error_routing",
				"pid", session.ProcessID,
				"agent", agentName,
				"error", errorMsg,
				"next_stage", agentConfig.ErrorNext,
			)
		}
		return
	}

	o.terminateSession(session, envelope.TerminalReasonToolFailedFatally, errorMsg, "")
	if o.logger != nil {
		o.logger.Warn("agent_error_terminated",
			"pid", session.ProcessID,
			"agent", agentName,
			"error", errorMsg,
		)
	}
}

// routeAfterSuccess picks the next stage and enforces the cycle guard.
func (o *Orchestrator) routeAfterSuccess(session *OrchestrationSession, fromStage, agentName string, output map[string]any) {
	env := session.Envelope
	toStage := o.evaluateRouting(session, agentName)

	if fromStage != toStage && toStage != config.StageEnd {
		edgeKey := fromStage + "->" + toStage
		session.EdgeTraversals[edgeKey]++

		if isLoopBack(env.StageOrder, fromStage, toStage) {
			env.Iteration++
			if o.tracker != nil {
				o.tracker.RecordUsage(session.ProcessID, UsageDelta{Iterations: 1})
			}
			if o.logger != nil {
				o.logger.Info("loop_detected",
					"pid", session.ProcessID,
					"from", fromStage,
					"to", toStage,
					"iteration", env.Iteration,
				)
			}
		}

		limit := session.PipelineConfig.GetEdgeLimit(fromStage, toStage)
		if limit > 0 && session.EdgeTraversals[edgeKey] > limit {
			o.terminateSession(session, envelope.TerminalReasonMaxLoopExceeded,
				fmt.Sprintf("edge limit exceeded: %s", edgeKey), "")
			if o.logger != nil {
				o.logger.Warn("edge_limit_exceeded",
					"pid", session.ProcessID,
					"edge", edgeKey,
					"count", session.EdgeTraversals[edgeKey],
					"limit", limit,
				)
			}
			return
		}
	}

	env.CurrentStage = toStage
	if o.logger != nil {
		o.logger.Info("agent_completed_routing",
			"pid", session.ProcessID,
			"agent", agentName,
			"from_stage", fromStage,
			"to_stage", toStage,
		)
	}
}

// GetSessionState returns a snapshot of the session.
func (o *Orchestrator) GetSessionState(pid string) (*SessionState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	session, exists := o.sessions[pid]
	if !exists {
		return nil, &NotFoundError{Kind: "session", ID: pid}
	}
	return o.buildSessionState(session), nil
}

// CleanupSession removes a session.
func (o *Orchestrator) CleanupSession(pid string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if session, ok := o.sessions[pid]; ok {
		delete(o.byRequest, session.Envelope.RequestID)
	}
	delete(o.sessions, pid)
}

// SetInterruptForRequest flags the owning session as interrupt-pending.
func (o *Orchestrator) SetInterruptForRequest(requestID string, interrupt *envelope.FlowInterrupt) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session := o.sessionForRequest(requestID)
	if session == nil {
		return
	}
	session.Envelope.SetInterrupt(interrupt)
	session.Status = SessionStatusWaitingInterrupt
}

// ClearInterruptForRequest clears the interrupt gate so orchestration
// resumes on the next instruction fetch.
func (o *Orchestrator) ClearInterruptForRequest(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session := o.sessionForRequest(requestID)
	if session == nil {
		return
	}
	session.Envelope.ClearInterrupt()
	if session.Status == SessionStatusWaitingInterrupt {
		session.Status = SessionStatusRunning
	}
}

func (o *Orchestrator) sessionForRequest(requestID string) *OrchestrationSession {
	pid, ok := o.byRequest[requestID]
	if !ok {
		return nil
	}
	return o.sessions[pid]
}

// =============================================================================
// Internal
// =============================================================================

// buildInstruction runs the instruction ladder against the session.
func (o *Orchestrator) buildInstruction(session *OrchestrationSession) *Instruction {
	env := session.Envelope

	// 1. Already terminated
	if session.Terminated {
		return &Instruction{
			Kind:               InstructionKindTerminate,
			TerminalReason:     session.TerminalReason,
			TerminationMessage: terminationMessage(env),
			Envelope:           env,
		}
	}

	// 2. Interrupt gate
	if env.InterruptPending {
		session.Status = SessionStatusWaitingInterrupt
		return &Instruction{
			Kind:             InstructionKindWaitInterrupt,
			InterruptPending: true,
			Interrupt:        env.Interrupt,
			Envelope:         env,
		}
	}

	// 3. Quota breach
	if o.tracker != nil {
		if breached := o.tracker.CheckQuota(session.ProcessID); breached != "" {
			o.terminateSession(session, envelope.TerminalReasonQuotaExceeded,
				fmt.Sprintf("quota exceeded: %s", breached), breached)
			return &Instruction{
				Kind:               InstructionKindTerminate,
				TerminalReason:     session.TerminalReason,
				TerminationMessage: terminationMessage(env),
				ExceededReason:     breached,
				Envelope:           env,
			}
		}
	}

	// 4. End of pipeline
	if env.CurrentStage == config.StageEnd {
		o.terminateSession(session, envelope.TerminalReasonCompleted, "pipeline completed", "")
		return &Instruction{
			Kind:               InstructionKindTerminate,
			TerminalReason:     session.TerminalReason,
			TerminationMessage: "pipeline completed",
			Envelope:           env,
		}
	}

	// 5. Unknown stage
	agentConfig := session.PipelineConfig.GetAgent(env.CurrentStage)
	if agentConfig == nil {
		msg := fmt.Sprintf("unknown stage: %s", env.CurrentStage)
		o.terminateSession(session, envelope.TerminalReasonToolFailedFatally, msg, "")
		return &Instruction{
			Kind:               InstructionKindTerminate,
			TerminalReason:     session.TerminalReason,
			TerminationMessage: msg,
			Envelope:           env,
		}
	}

	// 6. Run the agent
	session.Status = SessionStatusRunning
	env.RecordAgentStart(env.CurrentStage, agentConfig.StageOrder)
	return &Instruction{
		Kind:        InstructionKindRunAgent,
		AgentName:   env.CurrentStage,
		AgentConfig: agentConfig,
		Envelope:    env,
	}
}

// terminateSession marks the session and envelope terminated and moves the
// backing process to TERMINATED.
func (o *Orchestrator) terminateSession(session *OrchestrationSession, reason envelope.TerminalReason, message, exceededReason string) {
	session.Terminated = true
	session.Status = SessionStatusTerminated
	session.TerminalReason = &reason
	session.Envelope.Terminate(message, &reason)
	if exceededReason != "" {
		if session.Envelope.Metadata == nil {
			session.Envelope.Metadata = make(map[string]any)
		}
		session.Envelope.Metadata["exceeded_reason"] = exceededReason
	}

	if o.scheduler != nil {
		if err := o.scheduler.Terminate(session.ProcessID, string(reason), true); err != nil {
			if o.logger != nil {
				o.logger.Warn("process_terminate_failed",
					"pid", session.ProcessID,
					"error", err,
				)
			}
		}
	}
}

// evaluateRouting picks the next stage: first matching rule wins, then
// DefaultNext, then end.
func (o *Orchestrator) evaluateRouting(session *OrchestrationSession, agentName string) string {
	agentConfig := session.PipelineConfig.GetAgent(agentName)
	if agentConfig == nil {
		return config.StageEnd
	}

	for _, rule := range agentConfig.RoutingRules {
		if rule.When == nil || rule.When.Evaluate(session.Envelope) {
			return rule.Target
		}
	}
	if agentConfig.DefaultNext != "" {
		return agentConfig.DefaultNext
	}
	return config.StageEnd
}

func terminationMessage(env *envelope.Envelope) string {
	if env.TerminationReason != nil {
		return *env.TerminationReason
	}
	return ""
}

// isLoopBack reports whether routing jumps to an earlier stage.
func isLoopBack(stageOrder []string, from, to string) bool {
	fromIdx, toIdx := -1, -1
	for i, stage := range stageOrder {
		if stage == from {
			fromIdx = i
		}
		if stage == to {
			toIdx = i
		}
	}
	return fromIdx >= 0 && toIdx >= 0 && toIdx < fromIdx
}

func (o *Orchestrator) buildSessionState(session *OrchestrationSession) *SessionState {
	return &SessionState{
		ProcessID:      session.ProcessID,
		Status:         session.Status,
		CurrentStage:   session.Envelope.CurrentStage,
		StageOrder:     session.Envelope.StageOrder,
		Envelope:       session.Envelope,
		EdgeTraversals: session.EdgeTraversals,
		Terminated:     session.Terminated,
		TerminalReason: session.TerminalReason,
	}
}

// SessionCount returns the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// CleanupStaleSessions removes terminated sessions and sessions idle past
// the cutoff. Returns the number removed.
func (o *Orchestrator) CleanupStaleSessions(staleDuration time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleDuration)
	cleaned := 0
	for pid, session := range o.sessions {
		if session.Terminated || session.LastActivityAt.Before(cutoff) {
			delete(o.byRequest, session.Envelope.RequestID)
			delete(o.sessions, pid)
			cleaned++
			if o.logger != nil {
				o.logger.Debug("session_cleaned_up",
					"pid", pid,
					"terminated", session.Terminated,
					"last_activity", session.LastActivityAt.Format(time.RFC3339),
				)
			}
		}
	}
	return cleaned
}
