package kernel

import (
	"context"
	"sync"
	"testing"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
)

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturingPublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *capturingPublisher) has(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func TestKernel_ProcessLifecycle(t *testing.T) {
	k := NewKernel(&testLogger{}, nil)

	pcb, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	if err != nil {
		t.Fatalf("CreateProcess failed: %v", err)
	}
	if pcb.State != ProcessStateNew {
		t.Errorf("state = %s", pcb.State)
	}
	if !k.Resources().IsTracked("p1") {
		t.Error("create should allocate resources")
	}

	if err := k.Schedule("p1"); err != nil {
		t.Fatal(err)
	}
	next, err := k.GetNextRunnable()
	if err != nil || next.PID != "p1" {
		t.Fatalf("GetNextRunnable = %v, %v", next, err)
	}

	if err := k.Terminate("p1", "done", true); err != nil {
		t.Fatal(err)
	}
	if k.Resources().IsTracked("p1") {
		t.Error("terminate should release resources")
	}
}

func TestKernel_Events(t *testing.T) {
	k := NewKernel(nil, nil)

	var mu sync.Mutex
	var seen []EventType
	k.OnEvent(func(evt *Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.EventType)
	})

	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	if err := k.Schedule("p1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("events = %v, want created + state_changed", seen)
	}
	if seen[0] != EventProcessCreated || seen[1] != EventProcessStateChanged {
		t.Errorf("events = %v", seen)
	}
}

func TestKernel_EventPublisher(t *testing.T) {
	pub := &capturingPublisher{}
	k := NewKernel(nil, nil, WithEventPublisher(pub))

	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	if !pub.has(string(EventProcessCreated)) {
		t.Errorf("published topics = %v", pub.topics)
	}
}

func TestKernel_RecordUsage_QuotaBreachEmits(t *testing.T) {
	quota := DefaultQuota()
	quota.MaxLLMCalls = 1
	k := NewKernel(nil, &Config{
		DefaultQuota:     quota,
		DefaultRateLimit: DefaultRateLimitConfig(),
	})

	var mu sync.Mutex
	var exhausted []*Event
	k.OnEvent(func(evt *Event) {
		if evt.EventType == EventResourceExhausted {
			mu.Lock()
			exhausted = append(exhausted, evt)
			mu.Unlock()
		}
	})

	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	if reason := k.RecordLLMCall("p1", 10, 10); reason != BreachLLMCalls {
		t.Errorf("breach = %q, want %q", reason, BreachLLMCalls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exhausted) != 1 {
		t.Fatalf("resource.exhausted events = %d, want 1", len(exhausted))
	}
	if exhausted[0].Data["exceeded_reason"] != BreachLLMCalls {
		t.Errorf("event data = %v", exhausted[0].Data)
	}
}

func TestKernel_Interrupts(t *testing.T) {
	k := NewKernel(nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []EventType
	k.OnEvent(func(evt *Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.EventType)
	})

	it := k.CreateInterrupt(ctx, envelope.InterruptKindClarification,
		"req-1", "user-1", "sess-1", "env-1", WithQuestion("which branch?"))
	if it == nil {
		t.Fatal("create returned nil")
	}
	if got := k.GetPendingInterrupt("req-1"); got == nil || got.ID != it.ID {
		t.Error("pending lookup should find the interrupt")
	}

	if k.RespondInterrupt(ctx, it.ID, &envelope.InterruptResponse{}, "user-1") == nil {
		t.Fatal("respond should succeed")
	}
	if k.GetPendingInterrupt("req-1") != nil {
		t.Error("no pending interrupt after resolution")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != EventInterruptRaised || seen[len(seen)-1] != EventInterruptResolved {
		t.Errorf("events = %v", seen)
	}
}

func TestKernel_InterruptGateIsWired(t *testing.T) {
	k := NewKernel(nil, nil)
	ctx := context.Background()

	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	p := config.NewPipelineConfig("single")
	if err := p.AddAgent(&config.AgentConfig{Name: "only", StageOrder: 1}); err != nil {
		t.Fatal(err)
	}
	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	env.RequestID = "req-1"
	if _, err := k.Orchestrator().InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}

	// Raising an interrupt suspends the session through the gate.
	it := k.CreateInterrupt(ctx, envelope.InterruptKindConfirmation,
		"req-1", "user-1", "sess-1", env.EnvelopeID, WithMessage("proceed?"))

	instr, err := k.Orchestrator().GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindWaitInterrupt {
		t.Fatalf("instruction = %s, want wait_interrupt", instr.Kind)
	}

	// Responding resumes it.
	approved := true
	if k.RespondInterrupt(ctx, it.ID, &envelope.InterruptResponse{Approved: &approved}, "user-1") == nil {
		t.Fatal("respond should succeed")
	}
	instr, err = k.Orchestrator().GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindRunAgent || instr.AgentName != "only" {
		t.Errorf("after respond = %s/%s", instr.Kind, instr.AgentName)
	}
}

func TestKernel_GetSystemStatus(t *testing.T) {
	k := NewKernel(nil, nil)
	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	status := k.GetSystemStatus()
	processes, ok := status["processes"].(map[string]any)
	if !ok {
		t.Fatalf("status = %v", status)
	}
	if processes["total"] != 1 {
		t.Errorf("total processes = %v, want 1", processes["total"])
	}
	if _, ok := status["resources"]; !ok {
		t.Error("status should include resources")
	}
	if _, ok := status["interrupts"]; !ok {
		t.Error("status should include interrupts")
	}
}

func TestKernel_GetRequestStatus(t *testing.T) {
	k := NewKernel(nil, nil)
	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	k.RecordToolCall("p1")

	status := k.GetRequestStatus("p1")
	if status == nil {
		t.Fatal("status should exist")
	}
	if status["state"] != string(ProcessStateNew) {
		t.Errorf("state = %v", status["state"])
	}
	usage := status["usage"].(map[string]any)
	if usage["tool_calls"] != 1 {
		t.Errorf("tool calls = %v", usage["tool_calls"])
	}
	if status["has_interrupt"] != false {
		t.Error("no interrupt expected")
	}

	if k.GetRequestStatus("ghost") != nil {
		t.Error("unknown pid should return nil")
	}
}

func TestKernel_Shutdown(t *testing.T) {
	k := NewKernel(&testLogger{}, nil)
	for _, pid := range []string{"p1", "p2"} {
		if _, err := k.CreateProcess(pid, "req-"+pid, "user-1", "sess-1", PriorityNormal, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := k.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	for _, pcb := range k.ListProcesses(nil, "") {
		if !pcb.IsTerminated() {
			t.Errorf("process %s should be terminated", pcb.PID)
		}
	}
}

func TestKernel_Cleanup(t *testing.T) {
	k := NewKernel(nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	expiredEvents := 0
	k.OnEvent(func(evt *Event) {
		if evt.EventType == EventInterruptExpired {
			mu.Lock()
			expiredEvents++
			mu.Unlock()
		}
	})

	k.CreateInterrupt(ctx, envelope.InterruptKindClarification,
		"req-1", "user-1", "sess-1", "env-1", WithTTL(1))
	k.Cleanup(ctx)

	mu.Lock()
	defer mu.Unlock()
	if expiredEvents != 1 {
		t.Errorf("expired events = %d, want 1", expiredEvents)
	}
}

func TestKernel_SetQuotaDefaultsAppliesToNewProcesses(t *testing.T) {
	k := NewKernel(nil, nil)

	one := 1
	merged := k.SetQuotaDefaults(&QuotaOverride{MaxLLMCalls: &one})
	if merged.MaxLLMCalls != 1 {
		t.Fatalf("merged MaxLLMCalls = %d, want 1", merged.MaxLLMCalls)
	}

	pcb, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pcb.Quota.MaxLLMCalls != 1 {
		t.Errorf("new process MaxLLMCalls = %d, want 1", pcb.Quota.MaxLLMCalls)
	}
	if reason := k.RecordLLMCall("p1", 10, 5); reason != BreachLLMCalls {
		t.Errorf("breach = %q, want %q", reason, BreachLLMCalls)
	}
}

func TestKernel_ReusedPIDStartsWithFreshUsage(t *testing.T) {
	k := NewKernel(nil, &Config{
		DefaultQuota:     &ResourceQuota{MaxLLMCalls: 1, MaxIterations: 10},
		DefaultRateLimit: DefaultRateLimitConfig(),
	})

	if _, err := k.CreateProcess("p1", "req-1", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	p := config.NewPipelineConfig("single")
	if err := p.AddAgent(&config.AgentConfig{Name: "only", StageOrder: 1}); err != nil {
		t.Fatal(err)
	}
	env := envelope.Create("x", "user-1", "sess-1", nil, nil, nil)
	env.RequestID = "req-1"
	if _, err := k.Orchestrator().InitializeSession("p1", p, env, false); err != nil {
		t.Fatal(err)
	}

	// Breach the quota so the orchestrator terminates the process itself.
	if reason := k.RecordLLMCall("p1", 10, 5); reason != BreachLLMCalls {
		t.Fatalf("breach = %q, want %q", reason, BreachLLMCalls)
	}
	instr, err := k.Orchestrator().GetNextInstruction("p1")
	if err != nil {
		t.Fatal(err)
	}
	if instr.Kind != InstructionKindTerminate {
		t.Fatalf("instruction = %s, want terminate", instr.Kind)
	}

	// Recreating the pid must not inherit the dead process's counters.
	if _, err := k.CreateProcess("p1", "req-2", "user-1", "sess-1", PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	if reason := k.CheckQuota("p1"); reason != "" {
		t.Errorf("fresh process CheckQuota = %q, want clean", reason)
	}
	usage := k.GetUsage("p1")
	if usage == nil || usage.LLMCalls != 0 {
		t.Errorf("fresh process usage = %+v, want zero", usage)
	}
}
