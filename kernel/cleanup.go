package kernel

import (
	"context"
	"time"
)

// CleanupConfig holds the retention knobs for the background sweep.
type CleanupConfig struct {
	// Interval is how often the sweep runs (default 5 minutes).
	Interval time.Duration
	// ProcessRetention keeps terminated processes around for late status
	// queries (default 24 hours).
	ProcessRetention time.Duration
	// SessionRetention keeps stale orchestration sessions (default 1 hour).
	SessionRetention time.Duration
	// InterruptRetention keeps resolved interrupts (default 24 hours).
	InterruptRetention time.Duration
}

// DefaultCleanupConfig returns the default sweep configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:           5 * time.Minute,
		ProcessRetention:   24 * time.Hour,
		SessionRetention:   1 * time.Hour,
		InterruptRetention: 24 * time.Hour,
	}
}

// StartCleanupLoop runs the maintenance sweep on a ticker until the returned
// stop function is called.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs one sweep with panic recovery so a bad cycle
// never kills the loop.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			if k.logger != nil {
				k.logger.Error("cleanup_panic_recovered", "error", r)
			}
		}
	}()

	ctx := context.Background()

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

	reaped := k.scheduler.CleanupTerminated(cfg.ProcessRetention)
	for _, pid := range reaped {
		k.resources.Release(pid)
	}
	sessionCount := k.orchestrator.CleanupStaleSessions(cfg.SessionRetention)
	k.rateLimiter.CleanupExpired()
	k.interrupts.CleanupResolved(cfg.InterruptRetention)

	if k.logger != nil {
		k.logger.Debug("cleanup_cycle_completed",
			"processes_cleaned", len(reaped),
			"sessions_cleaned", sessionCount,
			"interrupts_expired", len(expired),
		)
	}
}
