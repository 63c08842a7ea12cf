package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/storage"
)

// =============================================================================
// Kernel Configuration
// =============================================================================

// Config configures the kernel.
type Config struct {
	// DefaultQuota applies to processes created without one.
	DefaultQuota *ResourceQuota `json:"default_quota"`
	// DefaultRateLimit applies to users without explicit limits.
	DefaultRateLimit *RateLimitConfig `json:"default_rate_limit"`
	// InterruptConfigs overrides per-kind interrupt behavior.
	InterruptConfigs map[envelope.InterruptKind]*InterruptConfig `json:"-"`
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultQuota:     DefaultQuota(),
		DefaultRateLimit: DefaultRateLimitConfig(),
	}
}

// EventPublisher carries kernel events to subscribers, typically the
// in-process bus.
type EventPublisher interface {
	Publish(topic string, payload any)
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the central coordinator: process lifecycle, resource quotas,
// rate limits, interrupts, and orchestration sessions. Like a microkernel it
// never executes agent work itself; workers do that and report back.
//
// Usage:
//
//	k := NewKernel(logger, nil)
//	pcb, err := k.CreateProcess(pid, requestID, userID, sessionID, PriorityNormal, nil)
//	k.RecordLLMCall(pid, tokensIn, tokensOut)
//	if exceeded := k.CheckQuota(pid); exceeded != "" {
//	    // quota breached
//	}
type Kernel struct {
	config *Config
	logger Logger

	scheduler    *Scheduler
	resources    *ResourceTracker
	rateLimiter  *RateLimiter
	interrupts   *InterruptManager
	orchestrator *Orchestrator

	bus           EventPublisher
	eventHandlers []EventHandler
	eventMu       sync.RWMutex

	startedAt time.Time
}

// EventHandler observes kernel events in-process.
type EventHandler func(*Event)

// Option configures the kernel at construction.
type Option func(*kernelDeps)

type kernelDeps struct {
	notifier WebhookNotifier
	store    storage.Store
	bus      EventPublisher
}

// WithWebhookNotifier wires outbound interrupt notifications.
func WithWebhookNotifier(n WebhookNotifier) Option {
	return func(d *kernelDeps) { d.notifier = n }
}

// WithStore wires interrupt persistence.
func WithStore(s storage.Store) Option {
	return func(d *kernelDeps) { d.store = s }
}

// WithEventPublisher wires kernel events onto a bus.
func WithEventPublisher(p EventPublisher) Option {
	return func(d *kernelDeps) { d.bus = p }
}

// NewKernel creates a kernel with the given configuration.
func NewKernel(logger Logger, config *Config, opts ...Option) *Kernel {
	if config == nil {
		config = DefaultConfig()
	}
	var deps kernelDeps
	for _, opt := range opts {
		opt(&deps)
	}

	k := &Kernel{
		config:      config,
		logger:      logger,
		scheduler:   NewScheduler(config.DefaultQuota),
		resources:   NewResourceTracker(config.DefaultQuota, logger),
		rateLimiter: NewRateLimiter(config.DefaultRateLimit),
		interrupts:  NewInterruptManager(logger, config.InterruptConfigs, deps.notifier, deps.store),
		bus:         deps.bus,
		startedAt:   time.Now().UTC(),
	}
	k.orchestrator = NewOrchestrator(k.scheduler, k.resources, logger)
	k.interrupts.setSessionGate(k.orchestrator)

	if logger != nil {
		logger.Info("kernel_initialized",
			"max_llm_calls", config.DefaultQuota.MaxLLMCalls,
			"max_iterations", config.DefaultQuota.MaxIterations,
		)
	}
	return k
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Scheduler returns the process scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.scheduler }

// Resources returns the resource tracker.
func (k *Kernel) Resources() *ResourceTracker { return k.resources }

// RateLimiter returns the rate limiter.
func (k *Kernel) RateLimiter() *RateLimiter { return k.rateLimiter }

// Interrupts returns the interrupt manager.
func (k *Kernel) Interrupts() *InterruptManager { return k.interrupts }

// Orchestrator returns the orchestration engine.
func (k *Kernel) Orchestrator() *Orchestrator { return k.orchestrator }

// =============================================================================
// Process Lifecycle
// =============================================================================

// CreateProcess registers a new process and allocates its quota.
func (k *Kernel) CreateProcess(
	pid, requestID, userID, sessionID string,
	priority SchedulingPriority,
	quota *ResourceQuota,
) (*ProcessControlBlock, error) {
	pcb, err := k.scheduler.CreateProcess(pid, requestID, userID, sessionID, priority, quota)
	if err != nil {
		return nil, err
	}

	// The scheduler may have replaced a terminated process under this pid;
	// drop its tracker entry so the new process starts with fresh usage.
	k.resources.Release(pid)
	k.resources.Allocate(pid, pcb.Quota)
	k.emitEvent(NewEvent(EventProcessCreated, pcb))

	if k.logger != nil {
		k.logger.Info("process_created",
			"pid", pid,
			"request_id", requestID,
			"user_id", userID,
			"priority", string(pcb.Priority),
		)
	}
	return pcb, nil
}

// Schedule moves a process from NEW to READY.
func (k *Kernel) Schedule(pid string) error {
	pcb, err := k.scheduler.GetProcess(pid)
	if err != nil {
		return err
	}
	oldState := pcb.State
	if err := k.scheduler.Schedule(pid); err != nil {
		return err
	}
	k.emitStateChange(pcb, oldState)
	return nil
}

// GetNextRunnable pops the next READY process, moving it to RUNNING.
func (k *Kernel) GetNextRunnable() (*ProcessControlBlock, error) {
	return k.scheduler.GetNextRunnable()
}

// TransitionState moves a process through the lifecycle FSM.
func (k *Kernel) TransitionState(pid string, newState ProcessState, reason string) error {
	pcb, err := k.scheduler.GetProcess(pid)
	if err != nil {
		return err
	}
	oldState := pcb.State
	if err := k.scheduler.TransitionState(pid, newState, reason); err != nil {
		return err
	}
	k.emitStateChange(pcb, oldState)
	return nil
}

// Terminate ends a process and releases its resources.
func (k *Kernel) Terminate(pid, reason string, force bool) error {
	pcb, err := k.scheduler.GetProcess(pid)
	if err != nil {
		return err
	}
	oldState := pcb.State
	if err := k.scheduler.Terminate(pid, reason, force); err != nil {
		return err
	}
	k.resources.Release(pid)
	k.emitStateChange(pcb, oldState)

	if k.logger != nil {
		k.logger.Info("process_terminated",
			"pid", pid,
			"reason", reason,
			"force", force,
		)
	}
	return nil
}

// GetProcess returns a process by pid.
func (k *Kernel) GetProcess(pid string) (*ProcessControlBlock, error) {
	return k.scheduler.GetProcess(pid)
}

// ListProcesses returns processes filtered by state and/or user.
func (k *Kernel) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	return k.scheduler.ListProcesses(state, userID)
}

// =============================================================================
// Resource Management
// =============================================================================

// SetQuotaDefaults merges override fields into the default quota applied to
// future processes. The scheduler and tracker defaults move together so a
// process created without a quota gets the merged one. Returns the merged
// quota.
func (k *Kernel) SetQuotaDefaults(override *QuotaOverride) *ResourceQuota {
	merged := k.resources.SetQuotaDefaults(override)
	k.scheduler.SetDefaultQuota(merged)
	return merged
}

// RecordLLMCall records an LLM call and returns the breached dimension, if
// any.
func (k *Kernel) RecordLLMCall(pid string, tokensIn, tokensOut int) string {
	k.resources.RecordLLMCall(pid, tokensIn, tokensOut)
	return k.checkQuotaEmitting(pid)
}

// RecordToolCall records a tool call and checks quota.
func (k *Kernel) RecordToolCall(pid string) string {
	k.resources.RecordToolCall(pid)
	return k.checkQuotaEmitting(pid)
}

// RecordAgentHop records an agent hop and checks quota.
func (k *Kernel) RecordAgentHop(pid string) string {
	k.resources.RecordAgentHop(pid)
	return k.checkQuotaEmitting(pid)
}

// RecordUsage applies a usage delta and checks quota.
func (k *Kernel) RecordUsage(pid string, delta UsageDelta) string {
	k.resources.RecordUsage(pid, delta)
	return k.checkQuotaEmitting(pid)
}

// CheckQuota returns the first breached dimension for pid, or empty string.
func (k *Kernel) CheckQuota(pid string) string {
	return k.resources.CheckQuota(pid)
}

func (k *Kernel) checkQuotaEmitting(pid string) string {
	exceeded := k.resources.CheckQuota(pid)
	if exceeded == "" {
		return ""
	}
	if pcb, err := k.scheduler.GetProcess(pid); err == nil {
		evt := NewEvent(EventResourceExhausted, pcb)
		evt.Data = map[string]any{"exceeded_reason": exceeded}
		if usage := k.resources.GetUsage(pid); usage != nil {
			evt.Data["usage"] = usage
		}
		k.emitEvent(evt)
	}
	return exceeded
}

// GetUsage returns the usage snapshot for a process.
func (k *Kernel) GetUsage(pid string) *ResourceUsage {
	return k.resources.GetUsage(pid)
}

// GetRemainingBudget returns the remaining headroom for a process.
func (k *Kernel) GetRemainingBudget(pid string) *ResourceBudget {
	return k.resources.GetRemainingBudget(pid)
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit checks a request against the sliding windows.
func (k *Kernel) CheckRateLimit(userID, endpoint string, record bool) *RateLimitResult {
	return k.rateLimiter.CheckRateLimit(userID, endpoint, record)
}

// GetRateLimitUsage returns per-window rate limit usage.
func (k *Kernel) GetRateLimitUsage(userID, endpoint string) map[string]map[string]any {
	return k.rateLimiter.GetUsage(userID, endpoint)
}

// =============================================================================
// Interrupts
// =============================================================================

// CreateInterrupt raises an interrupt and emits the kernel event.
func (k *Kernel) CreateInterrupt(
	ctx context.Context,
	kind envelope.InterruptKind,
	requestID, userID, sessionID, envelopeID string,
	opts ...InterruptOption,
) *Interrupt {
	it := k.interrupts.Create(ctx, kind, requestID, userID, sessionID, envelopeID, opts...)

	evt := &Event{
		EventType: EventInterruptRaised,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		Data: map[string]any{
			"interrupt_id": it.ID,
			"kind":         string(kind),
		},
	}
	k.emitEvent(evt)
	return it
}

// RespondInterrupt resolves an interrupt with a user response.
func (k *Kernel) RespondInterrupt(ctx context.Context, interruptID string, response *envelope.InterruptResponse, userID string) *Interrupt {
	it := k.interrupts.Respond(ctx, interruptID, response, userID)
	if it != nil {
		k.emitEvent(&Event{
			EventType: EventInterruptResolved,
			Timestamp: time.Now().UTC(),
			RequestID: it.RequestID,
			UserID:    it.UserID,
			SessionID: it.SessionID,
			Data:      map[string]any{"interrupt_id": it.ID},
		})
	}
	return it
}

// CancelInterrupt withdraws a pending interrupt.
func (k *Kernel) CancelInterrupt(ctx context.Context, interruptID, reason string) *Interrupt {
	it := k.interrupts.Cancel(ctx, interruptID, reason)
	if it != nil {
		k.emitEvent(&Event{
			EventType: EventInterruptCancelled,
			Timestamp: time.Now().UTC(),
			RequestID: it.RequestID,
			SessionID: it.SessionID,
			Data:      map[string]any{"interrupt_id": it.ID, "reason": reason},
		})
	}
	return it
}

// GetPendingInterrupt returns the newest pending interrupt for a request.
func (k *Kernel) GetPendingInterrupt(requestID string) *Interrupt {
	return k.interrupts.PendingForRequest(requestID)
}

// =============================================================================
// Events
// =============================================================================

// OnEvent registers an in-process event handler.
func (k *Kernel) OnEvent(handler EventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

func (k *Kernel) emitStateChange(pcb *ProcessControlBlock, oldState ProcessState) {
	evt := NewEvent(EventProcessStateChanged, pcb)
	evt.Data = map[string]any{
		"old_state": string(oldState),
		"new_state": string(pcb.State),
	}
	k.emitEvent(evt)
}

func (k *Kernel) emitEvent(event *Event) {
	k.eventMu.RLock()
	handlers := make([]EventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	if k.bus != nil {
		k.bus.Publish(string(event.EventType), event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus reports aggregate kernel health.
func (k *Kernel) GetSystemStatus() map[string]any {
	return map[string]any{
		"processes": map[string]any{
			"total":       k.scheduler.TotalProcesses(),
			"queue_depth": k.scheduler.QueueDepth(),
			"by_state":    k.scheduler.ProcessCounts(),
		},
		"resources":      k.resources.GetSystemUsage(),
		"interrupts":     k.interrupts.Stats(),
		"sessions":       k.orchestrator.SessionCount(),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
}

// GetRequestStatus reports the status of one process, or nil if unknown.
func (k *Kernel) GetRequestStatus(pid string) map[string]any {
	pcb, err := k.scheduler.GetProcess(pid)
	if err != nil {
		return nil
	}

	status := map[string]any{
		"pid":           pid,
		"state":         string(pcb.State),
		"priority":      string(pcb.Priority),
		"current_stage": pcb.CurrentStage,
		"created_at":    pcb.CreatedAt.Format(time.RFC3339),
	}
	if pcb.StartedAt != nil {
		status["started_at"] = pcb.StartedAt.Format(time.RFC3339)
	}
	if usage := k.resources.GetUsage(pid); usage != nil {
		status["usage"] = map[string]any{
			"llm_calls":       usage.LLMCalls,
			"tool_calls":      usage.ToolCalls,
			"agent_hops":      usage.AgentHops,
			"iterations":      usage.Iterations,
			"elapsed_seconds": usage.ElapsedSeconds,
		}
	}
	if remaining := k.resources.GetRemainingBudget(pid); remaining != nil {
		status["remaining"] = remaining
	}

	interrupt := k.interrupts.PendingForRequest(pcb.RequestID)
	status["has_interrupt"] = interrupt != nil
	if interrupt != nil {
		status["interrupt_kind"] = string(interrupt.Kind)
		status["interrupt_id"] = interrupt.ID
	}
	return status
}

// =============================================================================
// Cleanup & Shutdown
// =============================================================================

// Cleanup runs one maintenance sweep: interrupt expiry, resolved-interrupt
// pruning, rate limit window eviction, and stale session removal.
func (k *Kernel) Cleanup(ctx context.Context) {
	expired := k.interrupts.ExpirePending(ctx)
	for _, it := range expired {
		k.emitEvent(&Event{
			EventType: EventInterruptExpired,
			Timestamp: time.Now().UTC(),
			RequestID: it.RequestID,
			SessionID: it.SessionID,
			Data:      map[string]any{"interrupt_id": it.ID},
		})
	}

	k.interrupts.CleanupResolved(24 * time.Hour)
	k.rateLimiter.CleanupExpired()
	k.orchestrator.CleanupStaleSessions(24 * time.Hour)

	if k.logger != nil {
		k.logger.Debug("kernel_cleanup_completed", "interrupts_expired", len(expired))
	}
}

// ShutdownError aggregates errors from shutdown.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown force-terminates every live process. Honors ctx cancellation.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}

	var errs []error
	for _, pcb := range k.scheduler.ListProcesses(nil, "") {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			return &ShutdownError{Errors: errs}
		default:
		}

		if pcb.IsTerminated() {
			continue
		}
		if err := k.Terminate(pcb.PID, "kernel_shutdown", true); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", pcb.PID, err))
			if k.logger != nil {
				k.logger.Warn("shutdown_terminate_failed",
					"pid", pcb.PID,
					"error", err.Error(),
				)
			}
		}
	}

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
