package envelope

import (
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	e := New()

	if !strings.HasPrefix(e.EnvelopeID, "env_") {
		t.Errorf("envelope id = %q", e.EnvelopeID)
	}
	if !strings.HasPrefix(e.RequestID, "req_") {
		t.Errorf("request id = %q", e.RequestID)
	}
	if !strings.HasPrefix(e.SessionID, "sess_") {
		t.Errorf("session id = %q", e.SessionID)
	}
	if e.UserID != "anonymous" {
		t.Errorf("user id = %q, want anonymous", e.UserID)
	}
	if e.CurrentStage != "start" {
		t.Errorf("current stage = %q, want start", e.CurrentStage)
	}
	if e.Outputs == nil || e.Metadata == nil {
		t.Error("maps should be initialized")
	}

	// Ids are unique across envelopes.
	if other := New(); other.EnvelopeID == e.EnvelopeID {
		t.Error("envelope ids should be unique")
	}
}

func TestCreate(t *testing.T) {
	reqID := "req_custom"
	meta := map[string]any{"channel": "api"}
	e := Create("summarize this", "alice", "sess_1", &reqID, meta, []string{"a", "b"})

	if e.RawInput != "summarize this" {
		t.Errorf("raw input = %q", e.RawInput)
	}
	if e.UserID != "alice" || e.SessionID != "sess_1" {
		t.Error("identity fields should be set")
	}
	if e.RequestID != "req_custom" {
		t.Errorf("request id = %q", e.RequestID)
	}
	if e.Metadata["channel"] != "api" {
		t.Error("metadata should be attached")
	}
	if len(e.StageOrder) != 2 {
		t.Errorf("stage order = %v", e.StageOrder)
	}

	// Nil request id keeps the generated one.
	e2 := Create("x", "bob", "sess_2", nil, nil, nil)
	if !strings.HasPrefix(e2.RequestID, "req_") {
		t.Errorf("request id = %q", e2.RequestID)
	}
}

func TestEnvelope_Outputs(t *testing.T) {
	e := New()

	if e.HasOutput("triage") {
		t.Error("no output yet")
	}
	e.SetOutput("triage", map[string]any{"severity": "high"})
	if !e.HasOutput("triage") {
		t.Error("output should exist")
	}
	if e.GetOutput("triage")["severity"] != "high" {
		t.Error("output value mismatch")
	}

	// SetOutput survives a nil map.
	e.Outputs = nil
	e.SetOutput("triage", map[string]any{"severity": "low"})
	if e.GetOutput("triage")["severity"] != "low" {
		t.Error("SetOutput should recreate the map")
	}
}

func TestEnvelope_Field(t *testing.T) {
	e := New()
	e.UserID = "alice"
	e.Metadata["source"] = "cli"

	cases := []struct {
		name string
		want any
		ok   bool
	}{
		{"user_id", "alice", true},
		{"current_stage", "start", true},
		{"terminated", false, true},
		{"iteration", 0, true},
		{"source", "cli", true},
		{"missing", nil, false},
	}
	for _, tc := range cases {
		got, ok := e.Field(tc.name)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("Field(%q) = %v, %v; want %v, %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}

	// Empty intent reads as absent.
	if _, ok := e.Field("intent"); ok {
		t.Error("empty intent should be absent")
	}
	e.Intent = "search"
	if got, ok := e.Field("intent"); !ok || got != "search" {
		t.Error("set intent should resolve")
	}
}

func TestKnownField(t *testing.T) {
	for _, name := range []string{"intent", "current_stage", "user_id", "terminated", "iteration"} {
		if !KnownField(name) {
			t.Errorf("%q should be known", name)
		}
	}
	if KnownField("whatever") {
		t.Error("arbitrary names are not known fields")
	}
}

func TestEnvelope_AgentField(t *testing.T) {
	e := New()
	e.SetOutput("classify", map[string]any{"verdict": "ok"})

	if v, ok := e.AgentField("classify", "verdict"); !ok || v != "ok" {
		t.Errorf("AgentField = %v, %v", v, ok)
	}
	if _, ok := e.AgentField("classify", "missing"); ok {
		t.Error("missing key should be absent")
	}
	if _, ok := e.AgentField("ghost", "verdict"); ok {
		t.Error("missing agent should be absent")
	}
}

func TestEnvelope_ProcessingHistory(t *testing.T) {
	e := New()

	e.RecordAgentStart("analyze", 1)
	if len(e.ProcessingHistory) != 1 || e.ProcessingHistory[0].Status != "running" {
		t.Fatalf("history = %+v", e.ProcessingHistory)
	}

	e.RecordAgentComplete("analyze", "success", nil, 2, 150)
	entry := e.ProcessingHistory[0]
	if entry.Status != "success" {
		t.Errorf("status = %q", entry.Status)
	}
	if entry.LLMCalls != 2 || entry.DurationMS != 150 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	// Completing an agent with no running entry is a no-op.
	e.RecordAgentComplete("ghost", "success", nil, 0, 0)
	if len(e.ProcessingHistory) != 1 {
		t.Error("no entry should be added")
	}

	if e.TotalProcessingTimeMS() != 150 {
		t.Errorf("total = %d", e.TotalProcessingTimeMS())
	}
}

func TestEnvelope_RecordAgentComplete_FindsNewestRunning(t *testing.T) {
	e := New()
	e.RecordAgentStart("retry", 1)
	e.RecordAgentComplete("retry", "error", nil, 0, 10)
	e.RecordAgentStart("retry", 1)
	e.RecordAgentComplete("retry", "success", nil, 1, 20)

	if e.ProcessingHistory[0].Status != "error" || e.ProcessingHistory[1].Status != "success" {
		t.Errorf("history = %+v", e.ProcessingHistory)
	}
}

func TestEnvelope_Terminate(t *testing.T) {
	e := New()
	reason := TerminalReasonCompleted
	e.Terminate("pipeline completed", &reason)

	if !e.Terminated {
		t.Error("should be terminated")
	}
	if e.TerminationReason == nil || *e.TerminationReason != "pipeline completed" {
		t.Error("termination reason should be set")
	}
	if e.TerminalReason == nil || *e.TerminalReason != TerminalReasonCompleted {
		t.Error("terminal reason should be set")
	}
	if e.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestEnvelope_InterruptGate(t *testing.T) {
	e := New()
	e.SetInterrupt(&FlowInterrupt{Kind: InterruptKindClarification, ID: "int_1"})
	if !e.InterruptPending || e.Interrupt == nil {
		t.Error("gate should be raised")
	}
	e.ClearInterrupt()
	if e.InterruptPending || e.Interrupt != nil {
		t.Error("gate should be lowered")
	}
}

func TestEnvelope_MergeAuthoritative(t *testing.T) {
	local := New()
	local.SetOutput("local", map[string]any{"kept": true})

	authoritative := New()
	authoritative.CurrentStage = "end"
	authoritative.Iteration = 2
	reason := TerminalReasonQuotaExceeded
	authoritative.Terminate("quota exceeded: llm_calls", &reason)
	authoritative.SetOutput("remote", map[string]any{"merged": true})

	local.MergeAuthoritative(authoritative)

	if local.CurrentStage != "end" || local.Iteration != 2 {
		t.Error("control fields should be copied")
	}
	if !local.Terminated || *local.TerminalReason != TerminalReasonQuotaExceeded {
		t.Error("termination should be copied")
	}
	if !local.HasOutput("remote") || !local.HasOutput("local") {
		t.Error("outputs should be merged, not replaced")
	}

	local.MergeAuthoritative(nil) // must not panic
}

func TestEnvelope_Clone(t *testing.T) {
	e := New()
	e.SetOutput("agent", map[string]any{"nested": map[string]any{"k": "v"}})
	e.Metadata["tag"] = "orig"
	e.RecordAgentStart("agent", 1)
	e.SetInterrupt(&FlowInterrupt{Kind: InterruptKindConfirmation, ID: "int_1"})

	clone := e.Clone()
	if clone.EnvelopeID != e.EnvelopeID {
		t.Error("ids should be preserved")
	}

	// Mutating the clone must not leak into the original.
	clone.Metadata["tag"] = "changed"
	clone.GetOutput("agent")["nested"].(map[string]any)["k"] = "changed"
	clone.Interrupt.ID = "int_2"
	clone.ProcessingHistory[0].Status = "success"

	if e.Metadata["tag"] != "orig" {
		t.Error("metadata should be deep copied")
	}
	if e.GetOutput("agent")["nested"].(map[string]any)["k"] != "v" {
		t.Error("outputs should be deep copied")
	}
	if e.Interrupt.ID != "int_1" {
		t.Error("interrupt should be deep copied")
	}
	if e.ProcessingHistory[0].Status != "running" {
		t.Error("history should be copied")
	}
}

func TestEnvelope_Timing(t *testing.T) {
	e := New()
	if time.Since(e.CreatedAt) > time.Minute {
		t.Error("CreatedAt should be recent")
	}
	if e.CompletedAt != nil {
		t.Error("CompletedAt starts nil")
	}
}
