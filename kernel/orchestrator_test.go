package kernel

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
)

// twoStagePipeline builds: analyze -> summarize -> end.
func twoStagePipeline(t *testing.T) *config.PipelineConfig {
	t.Helper()
	p := config.NewPipelineConfig("review")
	if err := p.AddAgent(&config.AgentConfig{Name: "analyze", StageOrder: 1, DefaultNext: "summarize"}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAgent(&config.AgentConfig{Name: "summarize", StageOrder: 2, DefaultNext: config.StageEnd}); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestOrchestrator(t *testing.T, quota *ResourceQuota) (*Orchestrator, *Scheduler, *ResourceTracker) {
	t.Helper()
	scheduler := NewScheduler(quota)
	tracker := NewResourceTracker(quota, nil)
	return NewOrchestrator(scheduler, tracker, &testLogger{}), scheduler, tracker
}

func startProcess(t *testing.T, s *Scheduler, tracker *ResourceTracker, pid string) {
	t.Helper()
	if _, err := s.CreateProcess(pid, "req-"+pid, "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	tracker.Allocate(pid, nil)
	if err := s.Schedule(pid); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetNextRunnable(); err != nil {
		t.Fatal(err)
	}
}

func TestOrchestrator_InitializeSession(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	env := envelope.Create("review this", "user-1", "sess-1", nil, nil, nil)
	state, err := o.InitializeSession("p1", twoStagePipeline(t), env, false)
	if err != nil {
		t.Fatalf("InitializeSession failed: %v", err)
	}
	if state.CurrentStage != "analyze" {
		t.Errorf("current stage = %q, want analyze", state.CurrentStage)
	}
	if len(state.StageOrder) != 2 || state.StageOrder[0] != "analyze" {
		t.Errorf("stage order = %v", state.StageOrder)
	}
	if state.Status != SessionStatusRunning {
		t.Errorf("status = %s", state.Status)
	}

	// Re-initializing without force fails.
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env, false); err == nil {
		t.Error("duplicate session should fail")
	} else {
		var exists *AlreadyExistsError
		if !errors.As(err, &exists) {
			t.Errorf("expected AlreadyExistsError, got %T", err)
		}
	}
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env, true); err != nil {
		t.Errorf("force replace failed: %v", err)
	}
}

func TestOrchestrator_InitializeSession_UnknownProcess(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("ghost", twoStagePipeline(t), env, false); err == nil {
		t.Error("unknown pid should fail")
	} else {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected NotFoundError, got %T", err)
		}
	}
}

func TestOrchestrator_InitializeSession_InvalidPipeline(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	bad := config.NewPipelineConfig("") // missing name
	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", bad, env, false); err == nil {
		t.Error("invalid pipeline should fail")
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %T", err)
		}
	}
}

func TestOrchestrator_FullRunToCompletion(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	env := envelope.Create("review this", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env, false); err != nil {
		t.Fatal(err)
	}

	instr, err := o.GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "analyze" {
		t.Fatalf("first instruction = %s/%s", instr.Kind, instr.AgentName)
	}
	if instr.AgentConfig == nil || instr.AgentConfig.Name != "analyze" {
		t.Error("instruction should carry the agent config")
	}

	instr, err = o.ReportAgentResult("p1", "analyze",
		map[string]any{"findings": 3}, &AgentExecutionMetrics{LLMCalls: 1, TokensIn: 100, TokensOut: 40}, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "summarize" {
		t.Fatalf("second instruction = %s/%s", instr.Kind, instr.AgentName)
	}

	instr, err = o.ReportAgentResult("p1", "summarize",
		map[string]any{"summary": "fine"}, &AgentExecutionMetrics{LLMCalls: 1}, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindTerminate {
		t.Fatalf("final instruction = %s", instr.Kind)
	}
	if instr.TerminalReason == nil || *instr.TerminalReason != envelope.TerminalReasonCompleted {
		t.Errorf("terminal reason = %v", instr.TerminalReason)
	}
	if instr.TerminationMessage != "pipeline completed" {
		t.Errorf("termination message = %q", instr.TerminationMessage)
	}

	// Usage was accounted through the tracker.
	usage := tracker.GetUsage("p1")
	if usage.LLMCalls != 2 || usage.AgentHops != 2 {
		t.Errorf("usage = %+v", usage)
	}

	// The backing process terminated too.
	pcb, err := scheduler.GetProcess("p1")
	if err != nil {
		t.Fatal(err)
	}
	if !pcb.IsTerminated() {
		t.Error("process should be terminated after completion")
	}

	// Outputs landed on the envelope.
	if !instr.Envelope.HasOutput("analyze") || !instr.Envelope.HasOutput("summarize") {
		t.Error("envelope should carry both agent outputs")
	}
}

func TestOrchestrator_QuotaBreachTerminates(t *testing.T) {
	quota := &ResourceQuota{MaxLLMCalls: 1}
	o, scheduler, tracker := newTestOrchestrator(t, quota)
	startProcess(t, scheduler, tracker, "p1")

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	instr, err := o.ReportAgentResult("p1", "analyze",
		map[string]any{"ok": true}, &AgentExecutionMetrics{LLMCalls: 1}, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindTerminate {
		t.Fatalf("instruction = %s, want terminate", instr.Kind)
	}
	if instr.TerminalReason == nil || *instr.TerminalReason != envelope.TerminalReasonQuotaExceeded {
		t.Errorf("terminal reason = %v", instr.TerminalReason)
	}
	if instr.ExceededReason != BreachLLMCalls {
		t.Errorf("exceeded reason = %q, want %q", instr.ExceededReason, BreachLLMCalls)
	}
	if instr.Envelope.Metadata["exceeded_reason"] != BreachLLMCalls {
		t.Error("envelope metadata should carry the exceeded reason")
	}
}

func TestOrchestrator_RetryThenErrorNext(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	p := config.NewPipelineConfig("flaky")
	if err := p.AddAgent(&config.AgentConfig{
		Name:        "fetch",
		StageOrder:  1,
		MaxRetries:  1,
		ErrorNext:   "report",
		DefaultNext: "report",
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAgent(&config.AgentConfig{Name: "report", StageOrder: 2}); err != nil {
		t.Fatal(err)
	}

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	// First failure retries on the same stage.
	instr, err := o.ReportAgentResult("p1", "fetch", nil, nil, false, "upstream 503")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "fetch" {
		t.Fatalf("after first failure = %s/%s, want retry of fetch", instr.Kind, instr.AgentName)
	}

	// Second failure exhausts retries and routes to ErrorNext.
	instr, err = o.ReportAgentResult("p1", "fetch", nil, nil, false, "upstream 503")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "report" {
		t.Fatalf("after retries = %s/%s, want report", instr.Kind, instr.AgentName)
	}
}

func TestOrchestrator_FailureWithoutErrorNextTerminates(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	p := config.NewPipelineConfig("fragile")
	if err := p.AddAgent(&config.AgentConfig{Name: "only", StageOrder: 1}); err != nil {
		t.Fatal(err)
	}

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	instr, err := o.ReportAgentResult("p1", "only", nil, nil, false, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindTerminate {
		t.Fatalf("instruction = %s, want terminate", instr.Kind)
	}
	if instr.TerminalReason == nil || *instr.TerminalReason != envelope.TerminalReasonToolFailedFatally {
		t.Errorf("terminal reason = %v", instr.TerminalReason)
	}
	if instr.TerminationMessage != "boom" {
		t.Errorf("termination message = %q", instr.TerminationMessage)
	}
}

func TestOrchestrator_EdgeLimitTerminates(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	// draft -> critique -> draft forever, limited to 2 traversals per edge.
	p := config.NewPipelineConfig("looper")
	p.DefaultEdgeLimit = 2
	if err := p.AddAgent(&config.AgentConfig{Name: "draft", StageOrder: 1, DefaultNext: "critique"}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAgent(&config.AgentConfig{Name: "critique", StageOrder: 2, DefaultNext: "draft"}); err != nil {
		t.Fatal(err)
	}

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	var instr *Instruction
	var err error
	agent := "draft"
	for i := 0; i < 20; i++ {
		instr, err = o.ReportAgentResult("p1", agent, map[string]any{"i": i}, nil, true, "")
		if err != nil {
			t.Fatal(err)
		}
		if instr.Kind == InstructionKindTerminate {
			break
		}
		agent = instr.AgentName
	}

	if instr.Kind != InstructionKindTerminate {
		t.Fatal("loop should have been cut off")
	}
	if instr.TerminalReason == nil || *instr.TerminalReason != envelope.TerminalReasonMaxLoopExceeded {
		t.Errorf("terminal reason = %v", instr.TerminalReason)
	}
}

func TestOrchestrator_LoopBackIncrementsIteration(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	p := config.NewPipelineConfig("revise")
	p.DefaultEdgeLimit = 10
	if err := p.AddAgent(&config.AgentConfig{Name: "draft", StageOrder: 1, DefaultNext: "critique"}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAgent(&config.AgentConfig{Name: "critique", StageOrder: 2, DefaultNext: "draft"}); err != nil {
		t.Fatal(err)
	}

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	// draft -> critique is forward, critique -> draft is a loop back.
	if _, err := o.ReportAgentResult("p1", "draft", nil, nil, true, ""); err != nil {
		t.Fatal(err)
	}
	instr, err := o.ReportAgentResult("p1", "critique", nil, nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Envelope.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", instr.Envelope.Iteration)
	}
	if usage := tracker.GetUsage("p1"); usage.Iterations != 1 {
		t.Errorf("tracked iterations = %d, want 1", usage.Iterations)
	}
}

func TestOrchestrator_RoutingRules(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	p := config.NewPipelineConfig("triage")
	if err := p.AddAgent(&config.AgentConfig{
		Name:       "classify",
		StageOrder: 1,
		RoutingRules: []config.RoutingRule{
			{When: config.EqOutput("classify", "verdict", "escalate"), Target: "escalate"},
		},
		DefaultNext: config.StageEnd,
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddAgent(&config.AgentConfig{Name: "escalate", StageOrder: 2}); err != nil {
		t.Fatal(err)
	}

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}

	instr, err := o.ReportAgentResult("p1", "classify",
		map[string]any{"verdict": "escalate"}, nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "escalate" {
		t.Fatalf("matched rule should route to escalate, got %s/%s", instr.Kind, instr.AgentName)
	}
}

func TestOrchestrator_InterruptGate(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env, false); err != nil {
		t.Fatal(err)
	}

	o.SetInterruptForRequest(env.RequestID, &envelope.FlowInterrupt{
		Kind:     envelope.InterruptKindClarification,
		ID:       "int_1",
		Question: "which repo?",
	})

	instr, err := o.GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindWaitInterrupt {
		t.Fatalf("instruction = %s, want wait_interrupt", instr.Kind)
	}
	if instr.Interrupt == nil || instr.Interrupt.ID != "int_1" {
		t.Error("instruction should carry the interrupt")
	}

	state, err := o.GetSessionState("p1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != SessionStatusWaitingInterrupt {
		t.Errorf("session status = %s", state.Status)
	}

	// Clearing resumes the pipeline.
	o.ClearInterruptForRequest(env.RequestID)
	instr, err = o.GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "analyze" {
		t.Errorf("after clear = %s/%s, want run analyze", instr.Kind, instr.AgentName)
	}
}

func TestOrchestrator_ReportAfterTermination(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")

	p := config.NewPipelineConfig("single")
	if err := p.AddAgent(&config.AgentConfig{Name: "only", StageOrder: 1}); err != nil {
		t.Fatal(err)
	}
	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ReportAgentResult("p1", "only", nil, nil, true, ""); err != nil {
		t.Fatal(err)
	}

	// A straggling report after completion just echoes the terminate verdict.
	instr, err := o.ReportAgentResult("p1", "only", map[string]any{"late": true}, nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindTerminate {
		t.Errorf("instruction = %s, want terminate", instr.Kind)
	}
}

func TestOrchestrator_GetNextInstruction_UnknownSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	if _, err := o.GetNextInstruction("ghost"); err == nil {
		t.Error("unknown session should fail")
	}
	if _, err := o.ReportAgentResult("ghost", "a", nil, nil, true, ""); err == nil {
		t.Error("unknown session should fail")
	}
}

func TestOrchestrator_CleanupStaleSessions(t *testing.T) {
	o, scheduler, tracker := newTestOrchestrator(t, nil)
	startProcess(t, scheduler, tracker, "p1")
	startProcess(t, scheduler, tracker, "p2")

	env1 := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	env2 := envelope.Create("y", "user-1", "sess-1", nil, nil, nil)
	if _, err := o.InitializeSession("p1", twoStagePipeline(t), env1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.InitializeSession("p2", twoStagePipeline(t), env2, false); err != nil {
		t.Fatal(err)
	}

	// Terminate p1's session; p2 stays live and recent.
	if _, err := o.GetNextInstruction("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ReportAgentResult("p1", "analyze", nil, nil, false, "fail"); err != nil {
		t.Fatal(err)
	}

	cleaned := o.CleanupStaleSessions(time.Hour)
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", cleaned)
	}
	if o.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", o.SessionCount())
	}
	if _, err := o.GetSessionState("p2"); err != nil {
		t.Error("live session should survive")
	}
}
