package wire

import (
	"context"
)

func (s *Server) orchestrationHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodInitializeSession:  s.handleInitializeSession,
		MethodGetNextInstruction: s.handleGetNextInstruction,
		MethodReportAgentResult:  s.handleReportAgentResult,
		MethodGetSessionState:    s.handleGetSessionState,
	}
}

func (s *Server) handleInitializeSession(ctx context.Context, f *Frame) (any, error) {
	var req InitializeSessionRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if req.Pipeline == nil {
		return nil, NewWireError(CodeValidationError, "missing required field: pipeline")
	}
	if req.Envelope == nil {
		return nil, NewWireError(CodeValidationError, "missing required field: envelope")
	}
	return s.kernel.Orchestrator().InitializeSession(req.PID, req.Pipeline, req.Envelope, req.Force)
}

func (s *Server) handleGetNextInstruction(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	return s.kernel.Orchestrator().GetNextInstruction(req.PID)
}

func (s *Server) handleReportAgentResult(ctx context.Context, f *Frame) (any, error) {
	var req ReportAgentResultRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.AgentName, "agent_name"); err != nil {
		return nil, err
	}
	return s.kernel.Orchestrator().ReportAgentResult(
		req.PID, req.AgentName, req.Output, req.Metrics, req.Success, req.Error,
	)
}

func (s *Server) handleGetSessionState(ctx context.Context, f *Frame) (any, error) {
	var req PIDRequest
	if err := f.DecodePayload(&req); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "%v", err)
	}
	if err := validateRequired(req.PID, "pid"); err != nil {
		return nil, err
	}
	return s.kernel.Orchestrator().GetSessionState(req.PID)
}
