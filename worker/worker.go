package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/kernel"
	"github.com/kestrelflow/kestrel/typeutil"
)

// Logger is the structured logging interface the worker accepts.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeCompleted means the pipeline reached its end stage.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTerminated means the kernel terminated the run early.
	OutcomeTerminated Outcome = "terminated"
	// OutcomeInterrupted means the run is paused awaiting an interrupt
	// response; resume with force initialization.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeTransportFailure means the worker lost the kernel and
	// terminated the run locally.
	OutcomeTransportFailure Outcome = "transport_failure"
)

// Result is the final state of one pipeline run.
type Result struct {
	Outcome            Outcome
	Envelope           *envelope.Envelope
	TerminalReason     *envelope.TerminalReason
	TerminationMessage string
	ExceededReason     string
	Interrupt          *envelope.FlowInterrupt
	Turns              int
}

const defaultCallTimeout = 30 * time.Second

// Worker drives one pipeline run at a time against the kernel. It holds no
// routing state; each turn asks the kernel what to do, does it, and reports
// back.
type Worker struct {
	client      KernelClient
	registry    *Registry
	logger      Logger
	callTimeout time.Duration
}

// Option configures a worker.
type Option func(*Worker)

// WithCallTimeout bounds each kernel call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(w *Worker) { w.callTimeout = d }
}

// New creates a worker executing agents from registry against client.
func New(client KernelClient, registry *Registry, logger Logger, opts ...Option) *Worker {
	w := &Worker{
		client:      client,
		registry:    registry,
		logger:      logger,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one pipeline for pid until the kernel says stop. force
// replaces an existing session, which is how a worker resumes after a crash
// or an interrupt response.
//
// Kernel unreachability is fail-safe: the run is terminated locally with a
// transport_failure reason and never retried, because a reported-but-lost
// agent execution cannot be distinguished from a never-executed one.
func (w *Worker) Run(ctx context.Context, pid string, req *RunRequest) (*Result, error) {
	env := req.Envelope

	callCtx, cancel := w.callContext(ctx)
	_, err := w.client.InitializeSession(callCtx, pid, req.Pipeline, env, req.Force)
	cancel()
	if err != nil {
		return w.failSafe(pid, env, "initialize_session", err)
	}

	w.logger.Info("worker_run_started",
		"pid", pid,
		"request_id", env.RequestID,
		"pipeline", req.Pipeline.Name,
		"force", req.Force,
	)

	callCtx, cancel = w.callContext(ctx)
	instr, err := w.client.GetNextInstruction(callCtx, pid)
	cancel()
	if err != nil {
		return w.failSafe(pid, env, "get_next_instruction", err)
	}

	turns := 0
	for {
		if ctx.Err() != nil {
			return w.failSafe(pid, env, "run_cancelled", ctx.Err())
		}
		turns++

		switch instr.Kind {
		case kernel.InstructionKindTerminate:
			env.MergeAuthoritative(instr.Envelope)
			result := &Result{
				Outcome:            OutcomeTerminated,
				Envelope:           env,
				TerminalReason:     instr.TerminalReason,
				TerminationMessage: instr.TerminationMessage,
				ExceededReason:     instr.ExceededReason,
				Turns:              turns,
			}
			if instr.TerminalReason != nil && *instr.TerminalReason == envelope.TerminalReasonCompleted {
				result.Outcome = OutcomeCompleted
			}
			w.logger.Info("worker_run_finished",
				"pid", pid,
				"outcome", string(result.Outcome),
				"terminal_reason", terminalReasonString(instr.TerminalReason),
				"turns", turns,
			)
			return result, nil

		case kernel.InstructionKindWaitInterrupt:
			env.MergeAuthoritative(instr.Envelope)
			w.logger.Info("worker_run_interrupted",
				"pid", pid,
				"interrupt_kind", interruptKind(instr.Interrupt),
				"turns", turns,
			)
			return &Result{
				Outcome:   OutcomeInterrupted,
				Envelope:  env,
				Interrupt: instr.Interrupt,
				Turns:     turns,
			}, nil

		case kernel.InstructionKindRunAgent:
			if instr.Envelope != nil {
				env.MergeAuthoritative(instr.Envelope)
			}
			output, metrics, execErr := w.executeAgent(ctx, instr, env)

			errorMsg := ""
			if execErr != nil {
				errorMsg = execErr.Error()
			}
			callCtx, cancel = w.callContext(ctx)
			next, err := w.client.ReportAgentResult(callCtx, pid, instr.AgentName, output, metrics, execErr == nil, errorMsg)
			cancel()
			if err != nil {
				return w.failSafe(pid, env, "report_agent_result", err)
			}
			instr = next

		default:
			return w.failSafe(pid, env, "unknown_instruction",
				fmt.Errorf("unknown instruction kind %q", instr.Kind))
		}
	}
}

// RunRequest describes one pipeline run.
type RunRequest struct {
	Pipeline *config.PipelineConfig
	Envelope *envelope.Envelope
	Force    bool
}

// executeAgent resolves and runs the agent for one RUN_AGENT instruction.
// A missing agent is an execution failure reported to the kernel, never a
// worker crash: the kernel decides whether to retry or terminate.
func (w *Worker) executeAgent(ctx context.Context, instr *kernel.Instruction, env *envelope.Envelope) (map[string]any, *kernel.AgentExecutionMetrics, error) {
	agent, ok := w.registry.Resolve(instr.AgentName)
	if !ok {
		w.logger.Error("worker_agent_missing",
			"agent", instr.AgentName,
			"registered", w.registry.Names(),
		)
		return nil, nil, fmt.Errorf("agent %q not registered on this worker", instr.AgentName)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout := agentTimeout(instr); timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w.logger.Debug("worker_agent_started", "agent", instr.AgentName, "stage", env.CurrentStage)
	start := time.Now()
	output, err := runAgent(execCtx, agent, env)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("agent %q timed out after %dms", instr.AgentName, durationMS)
		}
		w.logger.Warn("worker_agent_failed",
			"agent", instr.AgentName,
			"duration_ms", durationMS,
			"error", err.Error(),
		)
		return nil, &kernel.AgentExecutionMetrics{DurationMS: durationMS}, err
	}

	metrics := deriveMetrics(output, durationMS)
	w.logger.Debug("worker_agent_completed",
		"agent", instr.AgentName,
		"duration_ms", durationMS,
		"llm_calls", metrics.LLMCalls,
	)
	return output, metrics, nil
}

// runAgent guards one agent execution against panics.
func runAgent(ctx context.Context, agent Agent, env *envelope.Envelope) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return agent.Process(ctx, env)
}

// deriveMetrics reads resource counters agents conventionally report in
// their output map.
func deriveMetrics(output map[string]any, durationMS int) *kernel.AgentExecutionMetrics {
	return &kernel.AgentExecutionMetrics{
		LLMCalls:   typeutil.SafeIntDefault(output["llm_calls"], 0),
		ToolCalls:  typeutil.SafeIntDefault(output["tool_calls"], 0),
		TokensIn:   typeutil.SafeIntDefault(output["tokens_in"], 0),
		TokensOut:  typeutil.SafeIntDefault(output["tokens_out"], 0),
		DurationMS: durationMS,
	}
}

// failSafe terminates the run locally when the kernel is unreachable.
func (w *Worker) failSafe(pid string, env *envelope.Envelope, step string, cause error) (*Result, error) {
	w.logger.Error("worker_transport_failure",
		"pid", pid,
		"step", step,
		"error", cause.Error(),
	)
	reason := envelope.TerminalReasonTransportFailure
	env.Terminate(fmt.Sprintf("kernel unreachable during %s: %v", step, cause), &reason)
	return &Result{
		Outcome:            OutcomeTransportFailure,
		Envelope:           env,
		TerminalReason:     &reason,
		TerminationMessage: terminationMessage(env),
	}, cause
}

func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.callTimeout)
}

func agentTimeout(instr *kernel.Instruction) time.Duration {
	if instr.AgentConfig != nil && instr.AgentConfig.TimeoutSeconds > 0 {
		return time.Duration(instr.AgentConfig.TimeoutSeconds) * time.Second
	}
	return 0
}

func terminalReasonString(reason *envelope.TerminalReason) string {
	if reason == nil {
		return ""
	}
	return string(*reason)
}

func interruptKind(interrupt *envelope.FlowInterrupt) string {
	if interrupt == nil {
		return ""
	}
	return string(interrupt.Kind)
}

func terminationMessage(env *envelope.Envelope) string {
	if env.TerminationReason == nil {
		return ""
	}
	return *env.TerminationReason
}
