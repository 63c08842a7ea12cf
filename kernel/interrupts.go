package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/storage"
)

// =============================================================================
// Interrupt Status
// =============================================================================

// InterruptStatus represents the status of an interrupt. PENDING is the only
// non-terminal status; terminal statuses never regress.
type InterruptStatus string

const (
	// InterruptStatusPending indicates the interrupt awaits a response.
	InterruptStatusPending InterruptStatus = "pending"
	// InterruptStatusResolved indicates a response was accepted.
	InterruptStatusResolved InterruptStatus = "resolved"
	// InterruptStatusExpired indicates the TTL passed without a response.
	InterruptStatusExpired InterruptStatus = "expired"
	// InterruptStatusCancelled indicates the interrupt was withdrawn.
	InterruptStatusCancelled InterruptStatus = "cancelled"
)

// =============================================================================
// Interrupt Config
// =============================================================================

// InterruptConfig configures behavior for one interrupt kind. Applied at
// creation; immutable per instance afterwards.
type InterruptConfig struct {
	// DefaultTTL is the time-to-live when the creator does not override it.
	// Zero means no expiry.
	DefaultTTL time.Duration `json:"default_ttl"`
	// AutoExpire controls whether ExpirePending may expire this kind.
	AutoExpire bool `json:"auto_expire"`
	// RequireResponse controls whether resolution needs a response payload.
	RequireResponse bool `json:"require_response"`
	// NotifyEvent is the webhook event name sent on creation.
	NotifyEvent string `json:"notify_event"`
}

// DefaultInterruptConfigs holds the built-in per-kind configurations.
var DefaultInterruptConfigs = map[envelope.InterruptKind]*InterruptConfig{
	envelope.InterruptKindClarification: {
		DefaultTTL:      24 * time.Hour,
		AutoExpire:      true,
		RequireResponse: true,
		NotifyEvent:     "clarification_requested",
	},
	envelope.InterruptKindConfirmation: {
		DefaultTTL:      1 * time.Hour,
		AutoExpire:      true,
		RequireResponse: true,
		NotifyEvent:     "confirmation_requested",
	},
	envelope.InterruptKindAgentReview: {
		DefaultTTL:      30 * time.Minute,
		AutoExpire:      true,
		RequireResponse: true,
		NotifyEvent:     "agent_review_requested",
	},
	envelope.InterruptKindCheckpoint: {
		DefaultTTL:      0, // No expiry
		AutoExpire:      false,
		RequireResponse: false,
		NotifyEvent:     "checkpoint_recorded",
	},
	envelope.InterruptKindResourceExhausted: {
		DefaultTTL:      5 * time.Minute,
		AutoExpire:      true,
		RequireResponse: false,
		NotifyEvent:     "resource_exhausted",
	},
	envelope.InterruptKindTimeout: {
		DefaultTTL:      5 * time.Minute,
		AutoExpire:      true,
		RequireResponse: false,
		NotifyEvent:     "timeout_raised",
	},
	envelope.InterruptKindSystemError: {
		DefaultTTL:      1 * time.Hour,
		AutoExpire:      true,
		RequireResponse: false,
		NotifyEvent:     "system_error_raised",
	},
}

// WebhookNotifier delivers interrupt events to the outside world. Delivery
// mechanics are the implementation's concern; the kernel only fires events.
type WebhookNotifier interface {
	Notify(event string, interrupt map[string]any, requestID string) error
}

// =============================================================================
// Interrupt
// =============================================================================

// Interrupt extends the envelope's FlowInterrupt with kernel-level tracking.
type Interrupt struct {
	*envelope.FlowInterrupt

	Status     InterruptStatus `json:"status" msgpack:"status"`
	RequestID  string          `json:"request_id" msgpack:"request_id"`
	UserID     string          `json:"user_id" msgpack:"user_id"`
	SessionID  string          `json:"session_id" msgpack:"session_id"`
	EnvelopeID string          `json:"envelope_id" msgpack:"envelope_id"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" msgpack:"resolved_at,omitempty"`
	TraceID    string          `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
	SpanID     string          `json:"span_id,omitempty" msgpack:"span_id,omitempty"`
}

func newInterrupt(kind envelope.InterruptKind, requestID, userID, sessionID, envelopeID string, ttl time.Duration) *Interrupt {
	now := time.Now().UTC()
	it := &Interrupt{
		FlowInterrupt: &envelope.FlowInterrupt{
			Kind:      kind,
			ID:        "int_" + uuid.New().String()[:16],
			CreatedAt: now,
		},
		Status:     InterruptStatusPending,
		RequestID:  requestID,
		UserID:     userID,
		SessionID:  sessionID,
		EnvelopeID: envelopeID,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		it.ExpiresAt = &expiresAt
	}
	return it
}

// IsExpired reports whether the TTL has passed.
func (it *Interrupt) IsExpired() bool {
	if it.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*it.ExpiresAt)
}

// IsPending reports whether the interrupt still awaits a response.
func (it *Interrupt) IsPending() bool {
	return it.Status == InterruptStatusPending
}

// asPayload flattens the interrupt for webhook delivery.
func (it *Interrupt) asPayload() map[string]any {
	payload := map[string]any{
		"interrupt_id": it.ID,
		"kind":         string(it.Kind),
		"status":       string(it.Status),
		"request_id":   it.RequestID,
		"user_id":      it.UserID,
		"session_id":   it.SessionID,
		"created_at":   it.CreatedAt,
	}
	if it.Question != "" {
		payload["question"] = it.Question
	}
	if it.Message != "" {
		payload["message"] = it.Message
	}
	if it.ExpiresAt != nil {
		payload["expires_at"] = *it.ExpiresAt
	}
	if it.Data != nil {
		payload["data"] = it.Data
	}
	return payload
}

// =============================================================================
// Interrupt Manager
// =============================================================================

// sessionGate flips a session's interrupt-pending flag. Wired by the kernel
// facade so the manager stays decoupled from the orchestrator.
type sessionGate interface {
	SetInterruptForRequest(requestID string, interrupt *envelope.FlowInterrupt)
	ClearInterruptForRequest(requestID string)
}

// InterruptManager owns the interrupt lifecycle: creation with per-kind
// defaults, compare-and-set resolution, cancellation, and expiry sweeps.
// Safe for concurrent use.
type InterruptManager struct {
	logger   Logger
	configs  map[envelope.InterruptKind]*InterruptConfig
	notifier WebhookNotifier
	persist  storage.Store
	gate     sessionGate

	store     map[string]*Interrupt
	byRequest map[string][]*Interrupt
	bySession map[string][]*Interrupt

	mu sync.Mutex
}

// interruptTable is the storage table interrupts persist through.
const interruptTable = "kernel_interrupts"

// NewInterruptManager creates an interrupt manager. Custom configs override
// the built-in per-kind defaults. Notifier and persist may be nil.
func NewInterruptManager(logger Logger, configs map[envelope.InterruptKind]*InterruptConfig, notifier WebhookNotifier, persist storage.Store) *InterruptManager {
	merged := make(map[envelope.InterruptKind]*InterruptConfig, len(DefaultInterruptConfigs))
	for k, v := range DefaultInterruptConfigs {
		merged[k] = v
	}
	for k, v := range configs {
		merged[k] = v
	}
	return &InterruptManager{
		logger:    logger,
		configs:   merged,
		notifier:  notifier,
		persist:   persist,
		store:     make(map[string]*Interrupt),
		byRequest: make(map[string][]*Interrupt),
		bySession: make(map[string][]*Interrupt),
	}
}

// setSessionGate wires the session interrupt-pending hook.
func (im *InterruptManager) setSessionGate(gate sessionGate) {
	im.mu.Lock()
	im.gate = gate
	im.mu.Unlock()
}

// GetConfig returns the configuration for an interrupt kind.
func (im *InterruptManager) GetConfig(kind envelope.InterruptKind) *InterruptConfig {
	if cfg, ok := im.configs[kind]; ok {
		return cfg
	}
	return &InterruptConfig{
		DefaultTTL:      1 * time.Hour,
		AutoExpire:      true,
		RequireResponse: true,
		NotifyEvent:     "interrupt_raised",
	}
}

// =============================================================================
// Create
// =============================================================================

// InterruptOption is a functional option applied at creation.
type InterruptOption func(*Interrupt)

// WithQuestion sets the question for a clarification interrupt.
func WithQuestion(q string) InterruptOption {
	return func(it *Interrupt) { it.Question = q }
}

// WithMessage sets the message for a confirmation interrupt.
func WithMessage(m string) InterruptOption {
	return func(it *Interrupt) { it.Message = m }
}

// WithData attaches additional payload data.
func WithData(d map[string]any) InterruptOption {
	return func(it *Interrupt) { it.Data = d }
}

// WithTTL overrides the kind's default TTL.
func WithTTL(ttl time.Duration) InterruptOption {
	return func(it *Interrupt) {
		if ttl > 0 {
			expiresAt := time.Now().UTC().Add(ttl)
			it.ExpiresAt = &expiresAt
		}
	}
}

// Create raises a new interrupt. The TTL defaults from the kind's config,
// trace/span ids are taken from the span on ctx, the owning session is
// flagged interrupt-pending, and the webhook notifier fires the kind's
// creation event.
func (im *InterruptManager) Create(
	ctx context.Context,
	kind envelope.InterruptKind,
	requestID, userID, sessionID, envelopeID string,
	opts ...InterruptOption,
) *Interrupt {
	config := im.GetConfig(kind)
	it := newInterrupt(kind, requestID, userID, sessionID, envelopeID, config.DefaultTTL)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		it.TraceID = sc.TraceID().String()
		it.SpanID = sc.SpanID().String()
	}
	for _, opt := range opts {
		opt(it)
	}

	im.mu.Lock()
	im.store[it.ID] = it
	im.byRequest[requestID] = append(im.byRequest[requestID], it)
	im.bySession[sessionID] = append(im.bySession[sessionID], it)
	gate := im.gate
	im.mu.Unlock()

	if gate != nil {
		gate.SetInterruptForRequest(requestID, it.FlowInterrupt)
	}
	im.persistInsert(ctx, it)
	im.notify(config.NotifyEvent, it)

	if im.logger != nil {
		im.logger.Info("interrupt_created",
			"interrupt_id", it.ID,
			"kind", string(kind),
			"request_id", requestID,
			"user_id", userID,
			"session_id", sessionID,
		)
	}
	return it
}

// CreateClarification raises a clarification interrupt.
func (im *InterruptManager) CreateClarification(ctx context.Context, requestID, userID, sessionID, envelopeID, question string, data map[string]any) *Interrupt {
	opts := []InterruptOption{WithQuestion(question)}
	if data != nil {
		opts = append(opts, WithData(data))
	}
	return im.Create(ctx, envelope.InterruptKindClarification, requestID, userID, sessionID, envelopeID, opts...)
}

// CreateConfirmation raises a confirmation interrupt.
func (im *InterruptManager) CreateConfirmation(ctx context.Context, requestID, userID, sessionID, envelopeID, message string, actionData map[string]any) *Interrupt {
	opts := []InterruptOption{WithMessage(message)}
	if actionData != nil {
		opts = append(opts, WithData(actionData))
	}
	return im.Create(ctx, envelope.InterruptKindConfirmation, requestID, userID, sessionID, envelopeID, opts...)
}

// CreateResourceExhausted raises a resource exhaustion interrupt.
func (im *InterruptManager) CreateResourceExhausted(ctx context.Context, requestID, userID, sessionID, envelopeID, resourceType string, retryAfterSeconds float64) *Interrupt {
	return im.Create(ctx, envelope.InterruptKindResourceExhausted, requestID, userID, sessionID, envelopeID,
		WithMessage(fmt.Sprintf("Resource exhausted: %s", resourceType)),
		WithData(map[string]any{
			"resource_type":       resourceType,
			"retry_after_seconds": retryAfterSeconds,
		}),
	)
}

// =============================================================================
// Query
// =============================================================================

// Get returns an interrupt by id, or nil.
func (im *InterruptManager) Get(interruptID string) *Interrupt {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.store[interruptID]
}

// PendingForRequest returns the newest live pending interrupt for a request.
func (im *InterruptManager) PendingForRequest(requestID string) *Interrupt {
	im.mu.Lock()
	defer im.mu.Unlock()

	interrupts := im.byRequest[requestID]
	for i := len(interrupts) - 1; i >= 0; i-- {
		if interrupts[i].IsPending() && !interrupts[i].IsExpired() {
			return interrupts[i]
		}
	}
	return nil
}

// PendingForSession returns live pending interrupts for a session, newest
// first, optionally filtered by kind.
func (im *InterruptManager) PendingForSession(sessionID string, kinds []envelope.InterruptKind) []*Interrupt {
	im.mu.Lock()
	defer im.mu.Unlock()

	kindSet := make(map[envelope.InterruptKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var result []*Interrupt
	interrupts := im.bySession[sessionID]
	for i := len(interrupts) - 1; i >= 0; i-- {
		it := interrupts[i]
		if !it.IsPending() || it.IsExpired() {
			continue
		}
		if len(kinds) > 0 && !kindSet[it.Kind] {
			continue
		}
		result = append(result, it)
	}
	return result
}

// =============================================================================
// Respond / Cancel / Expire
// =============================================================================

// Respond resolves a pending interrupt with a response. The acting user must
// match the creating user; a mismatch is a no-op. Resolution is
// compare-and-set, so exactly one concurrent caller wins and the losers get
// nil. On success the owning session's interrupt-pending flag is cleared.
func (im *InterruptManager) Respond(ctx context.Context, interruptID string, response *envelope.InterruptResponse, userID string) *Interrupt {
	im.mu.Lock()

	it, exists := im.store[interruptID]
	if !exists {
		im.mu.Unlock()
		if im.logger != nil {
			im.logger.Warn("interrupt_not_found", "interrupt_id", interruptID)
		}
		return nil
	}
	if it.Status != InterruptStatusPending {
		status := it.Status
		im.mu.Unlock()
		if im.logger != nil {
			im.logger.Warn("interrupt_not_pending",
				"interrupt_id", interruptID,
				"status", string(status),
			)
		}
		return nil
	}
	if userID != "" && it.UserID != userID {
		im.mu.Unlock()
		if im.logger != nil {
			im.logger.Warn("interrupt_user_mismatch",
				"interrupt_id", interruptID,
				"expected_user", it.UserID,
				"actual_user", userID,
			)
		}
		return nil
	}

	now := time.Now().UTC()
	if response != nil {
		response.ReceivedAt = now
		it.Response = response
	}
	it.Status = InterruptStatusResolved
	it.ResolvedAt = &now
	gate := im.gate
	im.mu.Unlock()

	if gate != nil {
		gate.ClearInterruptForRequest(it.RequestID)
	}
	im.persistStatus(ctx, it)
	im.notify("interrupt_resolved", it)

	if im.logger != nil {
		im.logger.Info("interrupt_resolved",
			"interrupt_id", interruptID,
			"kind", string(it.Kind),
			"request_id", it.RequestID,
		)
	}
	return it
}

// Cancel withdraws a pending interrupt. The session is not resumed.
func (im *InterruptManager) Cancel(ctx context.Context, interruptID, reason string) *Interrupt {
	im.mu.Lock()

	it, exists := im.store[interruptID]
	if !exists || it.Status != InterruptStatusPending {
		im.mu.Unlock()
		return nil
	}

	it.Status = InterruptStatusCancelled
	if it.Data == nil {
		it.Data = make(map[string]any)
	}
	it.Data["cancel_reason"] = reason
	im.mu.Unlock()

	im.persistStatus(ctx, it)
	im.notify("interrupt_cancelled", it)

	if im.logger != nil {
		im.logger.Info("interrupt_cancelled",
			"interrupt_id", interruptID,
			"reason", reason,
		)
	}
	return it
}

// ExpirePending expires every pending, auto-expiring interrupt whose TTL has
// passed. Idempotent under concurrent and repeated calls; each expiry fires
// one webhook notification. Returns expired interrupts.
func (im *InterruptManager) ExpirePending(ctx context.Context) []*Interrupt {
	im.mu.Lock()
	var expired []*Interrupt
	for _, it := range im.store {
		if !it.IsPending() || !it.IsExpired() {
			continue
		}
		if !im.GetConfig(it.Kind).AutoExpire {
			continue
		}
		it.Status = InterruptStatusExpired
		expired = append(expired, it)
	}
	im.mu.Unlock()

	for _, it := range expired {
		im.persistStatus(ctx, it)
		im.notify("interrupt_expired", it)
	}

	if im.logger != nil && len(expired) > 0 {
		im.logger.Info("interrupts_expired", "count", len(expired))
	}
	return expired
}

// CleanupResolved removes terminal interrupts created before the cutoff.
// Returns the number removed.
func (im *InterruptManager) CleanupResolved(olderThan time.Duration) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for id, it := range im.store {
		if it.Status == InterruptStatusPending || !it.CreatedAt.Before(cutoff) {
			continue
		}
		im.byRequest[it.RequestID] = removeByID(im.byRequest[it.RequestID], id)
		im.bySession[it.SessionID] = removeByID(im.bySession[it.SessionID], id)
		delete(im.store, id)
		count++
	}

	if im.logger != nil && count > 0 {
		im.logger.Info("interrupts_cleaned_up", "count", count)
	}
	return count
}

func removeByID(interrupts []*Interrupt, id string) []*Interrupt {
	for i, it := range interrupts {
		if it.ID == id {
			return append(interrupts[:i], interrupts[i+1:]...)
		}
	}
	return interrupts
}

// =============================================================================
// Statistics
// =============================================================================

// Stats returns interrupt counts by status.
func (im *InterruptManager) Stats() map[string]int {
	im.mu.Lock()
	defer im.mu.Unlock()

	stats := map[string]int{
		"total":     len(im.store),
		"pending":   0,
		"resolved":  0,
		"expired":   0,
		"cancelled": 0,
	}
	for _, it := range im.store {
		stats[string(it.Status)]++
	}
	return stats
}

// PendingCount returns the number of pending interrupts.
func (im *InterruptManager) PendingCount() int {
	im.mu.Lock()
	defer im.mu.Unlock()

	count := 0
	for _, it := range im.store {
		if it.IsPending() {
			count++
		}
	}
	return count
}

// =============================================================================
// Persistence & notification
// =============================================================================

func (im *InterruptManager) persistInsert(ctx context.Context, it *Interrupt) {
	if im.persist == nil {
		return
	}
	row := it.asPayload()
	row["id"] = it.ID
	if _, err := im.persist.Insert(ctx, interruptTable, row); err != nil && im.logger != nil {
		im.logger.Error("interrupt_persist_failed", "interrupt_id", it.ID, "error", err)
	}
}

func (im *InterruptManager) persistStatus(ctx context.Context, it *Interrupt) {
	if im.persist == nil {
		return
	}
	fields := map[string]any{"status": string(it.Status)}
	if it.ResolvedAt != nil {
		fields["resolved_at"] = *it.ResolvedAt
	}
	if _, err := im.persist.Update(ctx, interruptTable, fields, map[string]any{"id": it.ID}); err != nil && im.logger != nil {
		im.logger.Error("interrupt_persist_failed", "interrupt_id", it.ID, "error", err)
	}
}

func (im *InterruptManager) notify(event string, it *Interrupt) {
	if im.notifier == nil || event == "" {
		return
	}
	if err := im.notifier.Notify(event, it.asPayload(), it.RequestID); err != nil && im.logger != nil {
		im.logger.Warn("webhook_notify_failed",
			"event", event,
			"interrupt_id", it.ID,
			"error", err,
		)
	}
}
