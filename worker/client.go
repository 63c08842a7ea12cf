package worker

import (
	"context"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/kernel"
	"github.com/kestrelflow/kestrel/wire"
)

// KernelClient is the orchestration surface the worker loop needs. Remote
// workers use WireKernelClient; tests and single-process deployments use
// LocalKernelClient.
type KernelClient interface {
	InitializeSession(ctx context.Context, pid string, pipeline *config.PipelineConfig, env *envelope.Envelope, force bool) (*kernel.SessionState, error)
	GetNextInstruction(ctx context.Context, pid string) (*kernel.Instruction, error)
	ReportAgentResult(ctx context.Context, pid, agentName string, output map[string]any, metrics *kernel.AgentExecutionMetrics, success bool, errorMsg string) (*kernel.Instruction, error)
}

// =============================================================================
// In-process client
// =============================================================================

// LocalKernelClient calls an in-process kernel directly.
type LocalKernelClient struct {
	kernel *kernel.Kernel
}

// NewLocalKernelClient wraps an in-process kernel.
func NewLocalKernelClient(k *kernel.Kernel) *LocalKernelClient {
	return &LocalKernelClient{kernel: k}
}

func (c *LocalKernelClient) InitializeSession(ctx context.Context, pid string, pipeline *config.PipelineConfig, env *envelope.Envelope, force bool) (*kernel.SessionState, error) {
	return c.kernel.Orchestrator().InitializeSession(pid, pipeline, env, force)
}

func (c *LocalKernelClient) GetNextInstruction(ctx context.Context, pid string) (*kernel.Instruction, error) {
	return c.kernel.Orchestrator().GetNextInstruction(pid)
}

func (c *LocalKernelClient) ReportAgentResult(ctx context.Context, pid, agentName string, output map[string]any, metrics *kernel.AgentExecutionMetrics, success bool, errorMsg string) (*kernel.Instruction, error) {
	return c.kernel.Orchestrator().ReportAgentResult(pid, agentName, output, metrics, success, errorMsg)
}

// =============================================================================
// Wire client
// =============================================================================

// WireKernelClient calls the kernel over the wire transport.
type WireKernelClient struct {
	client *wire.Client
}

// NewWireKernelClient wraps an established wire client.
func NewWireKernelClient(client *wire.Client) *WireKernelClient {
	return &WireKernelClient{client: client}
}

func (c *WireKernelClient) InitializeSession(ctx context.Context, pid string, pipeline *config.PipelineConfig, env *envelope.Envelope, force bool) (*kernel.SessionState, error) {
	req := wire.InitializeSessionRequest{PID: pid, Pipeline: pipeline, Envelope: env, Force: force}
	var state kernel.SessionState
	if err := c.client.Call(ctx, wire.ServiceOrchestration, wire.MethodInitializeSession, req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *WireKernelClient) GetNextInstruction(ctx context.Context, pid string) (*kernel.Instruction, error) {
	var instr kernel.Instruction
	if err := c.client.Call(ctx, wire.ServiceOrchestration, wire.MethodGetNextInstruction, wire.PIDRequest{PID: pid}, &instr); err != nil {
		return nil, err
	}
	return &instr, nil
}

func (c *WireKernelClient) ReportAgentResult(ctx context.Context, pid, agentName string, output map[string]any, metrics *kernel.AgentExecutionMetrics, success bool, errorMsg string) (*kernel.Instruction, error) {
	req := wire.ReportAgentResultRequest{
		PID:       pid,
		AgentName: agentName,
		Output:    output,
		Metrics:   metrics,
		Success:   success,
		Error:     errorMsg,
	}
	var instr kernel.Instruction
	if err := c.client.Call(ctx, wire.ServiceOrchestration, wire.MethodReportAgentResult, req, &instr); err != nil {
		return nil, err
	}
	return &instr, nil
}
