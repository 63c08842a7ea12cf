package wire

import (
	"context"

	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/kernel"
)

// validateRequired rejects empty required fields at the syscall boundary.
func validateRequired(value, field string) error {
	if value == "" {
		return NewWireError(CodeValidationError, "missing required field: %s", field)
	}
	return nil
}

func (s *Server) kernelHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodCreateProcess:    s.handleCreateProcess,
		MethodGetProcess:       s.handleGetProcess,
		MethodScheduleProcess:  s.handleScheduleProcess,
		MethodGetNextRunnable:  s.handleGetNextRunnable,
		MethodTransitionState:  s.handleTransitionState,
		MethodTerminateProcess: s.handleTerminateProcess,
		MethodRecordUsage:      s.handleRecordUsage,
		MethodCheckQuota:       s.handleCheckQuota,
		MethodCheckRateLimit:   s.handleCheckRateLimit,
		MethodSetQuotaDefaults: s.handleSetQuotaDefaults,
		MethodGetQuotaDefaults: s.handleGetQuotaDefaults,
		MethodGetSystemStatus:  s.handleGetSystemStatus,
		MethodListProcesses:    s.handleListProcesses,
		MethodGetProcessCounts: s.handleGetProcessCounts,
	}
}

func (s *Server) engineHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodCreateEnvelope: s.handleCreateEnvelope,
		MethodCheckBounds:    s.handleCheckBounds,
	}
}

// =============================================================================
// Process lifecycle
// =============================================================================

func (s *Server) handleCreateProcess(ctx context.Context, f *Frame) (any, error) {
	var req CreateProcessRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}

	return s.kernel.CreateProcess(
		req.PID,
		req.RequestID,
		req.UserID,
		req.SessionID,
		kernel.SchedulingPriority(req.Priority),
		req.Quota,
	)
}

func (s *Server) handleGetProcess(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.PID)
}

func (s *Server) handleScheduleProcess(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if err := s.kernel.Schedule(req.PID); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.PID)
}

func (s *Server) handleGetNextRunnable(ctx context.Context, f *Frame) (any, error) {
	return s.kernel.GetNextRunnable()
}

func (s *Server) handleTransitionState(ctx context.Context, f *Frame) (any, error) {
	var req TransitionStateRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.NewState, "new_state"); err != nil {
		return nil, err
	}
	if err := s.kernel.TransitionState(req.PID, kernel.ProcessState(req.NewState), req.Reason); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.PID)
}

func (s *Server) handleTerminateProcess(ctx context.Context, f *Frame) (any, error) {
	var req TerminateProcessRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if err := s.kernel.Terminate(req.PID, req.Reason, req.Force); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.PID)
}

func (s *Server) handleListProcesses(ctx context.Context, f *Frame) (any, error) {
	var req ListProcessesRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}

	var state *kernel.ProcessState
	if req.State != "" {
		st := kernel.ProcessState(req.State)
		state = &st
	}
	return &ListProcessesResponse{Processes: s.kernel.ListProcesses(state, req.UserID)}, nil
}

func (s *Server) handleGetProcessCounts(ctx context.Context, f *Frame) (any, error) {
	counts := make(map[string]int)
	for state, n := range s.kernel.Scheduler().ProcessCounts() {
		counts[string(state)] = n
	}
	return &ProcessCountsResponse{
		Counts: counts,
		Total:  s.kernel.Scheduler().TotalProcesses(),
		Queued: s.kernel.Scheduler().QueueDepth(),
	}, nil
}

// =============================================================================
// Resources & rate limits
// =============================================================================

func (s *Server) handleRecordUsage(ctx context.Context, f *Frame) (any, error) {
	var req RecordUsageRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}

	exceeded := s.kernel.RecordUsage(req.PID, req.Delta)
	return &RecordUsageResponse{
		Usage:          s.kernel.GetUsage(req.PID),
		ExceededReason: exceeded,
	}, nil
}

func (s *Server) handleCheckQuota(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	return &CheckQuotaResponse{ExceededReason: s.kernel.CheckQuota(req.PID)}, nil
}

func (s *Server) handleCheckRateLimit(ctx context.Context, f *Frame) (any, error) {
	var req CheckRateLimitRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}
	return s.kernel.CheckRateLimit(req.UserID, req.Endpoint, req.Record), nil
}

func (s *Server) handleSetQuotaDefaults(ctx context.Context, f *Frame) (any, error) {
	var req SetQuotaDefaultsRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if req.Override == nil {
		return nil, NewWireError(CodeValidationError, "missing required field: override")
	}
	return s.kernel.SetQuotaDefaults(req.Override), nil
}

func (s *Server) handleGetQuotaDefaults(ctx context.Context, f *Frame) (any, error) {
	return s.kernel.Resources().DefaultQuotaSnapshot(), nil
}

func (s *Server) handleGetSystemStatus(ctx context.Context, f *Frame) (any, error) {
	return &SystemStatusResponse{Status: s.kernel.GetSystemStatus()}, nil
}

// =============================================================================
// engine service
// =============================================================================

func (s *Server) handleCreateEnvelope(ctx context.Context, f *Frame) (any, error) {
	var req CreateEnvelopeRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}

	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}
	return envelope.Create(req.RawInput, req.UserID, req.SessionID, requestID, req.Metadata, nil), nil
}

func (s *Server) handleCheckBounds(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	return &CheckBoundsResponse{
		ExceededReason: s.kernel.CheckQuota(req.PID),
		Remaining:      s.kernel.GetRemainingBudget(req.PID),
	}, nil
}
