package kernel

import (
	"container/heap"
	"sync"
	"time"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines the allowed process state transitions.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateNew: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateReady: {
		ProcessStateRunning:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateRunning: {
		ProcessStateReady:      true, // Preempted
		ProcessStateWaiting:    true, // Waiting on an interrupt
		ProcessStateBlocked:    true, // Resource exhausted
		ProcessStateTerminated: true,
	},
	ProcessStateWaiting: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateBlocked: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateTerminated: {
		ProcessStateZombie: true,
	},
	ProcessStateZombie: {}, // Terminal state
}

// IsValidTransition checks whether a state transition is allowed.
func IsValidTransition(from, to ProcessState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Ready Queue (priority heap)
// =============================================================================

type queueItem struct {
	pid      string
	priority int       // Lower runs first
	queuedAt time.Time // FIFO within the same priority
	index    int
}

type readyQueue []*queueItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].queuedAt.Before(q[j].queuedAt)
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler owns the process table and the ready queue. All methods are
// safe for concurrent use.
type Scheduler struct {
	defaultQuota *ResourceQuota
	processes    map[string]*ProcessControlBlock
	queue        readyQueue
	mu           sync.RWMutex
}

// NewScheduler creates a scheduler with the given default quota (nil uses
// DefaultQuota).
func NewScheduler(defaultQuota *ResourceQuota) *Scheduler {
	if defaultQuota == nil {
		defaultQuota = DefaultQuota()
	}
	s := &Scheduler{
		defaultQuota: defaultQuota,
		processes:    make(map[string]*ProcessControlBlock),
		queue:        make(readyQueue, 0),
	}
	heap.Init(&s.queue)
	return s
}

// CreateProcess registers a new process in NEW state.
//
// A duplicate pid belonging to a live process fails with AlreadyExistsError.
// A terminated process under the same pid is replaced, so retried requests
// can reuse their pid after cleanup lag.
func (s *Scheduler) CreateProcess(pid, requestID, userID, sessionID string, priority SchedulingPriority, quota *ResourceQuota) (*ProcessControlBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.processes[pid]; ok && !existing.IsTerminated() {
		return nil, &AlreadyExistsError{Kind: "process", ID: pid}
	}

	if quota == nil {
		quota = s.defaultQuota.Clone()
	}
	if priority == "" {
		priority = PriorityNormal
	}

	pcb := &ProcessControlBlock{
		PID:       pid,
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		State:     ProcessStateNew,
		Priority:  priority,
		Quota:     quota,
		Usage:     &ResourceUsage{},
		CreatedAt: time.Now().UTC(),
	}
	s.processes[pid] = pcb
	return pcb, nil
}

// Schedule transitions a process from NEW to READY and enqueues it.
func (s *Scheduler) Schedule(pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.processes[pid]
	if !ok {
		return &NotFoundError{Kind: "process", ID: pid}
	}
	if pcb.State != ProcessStateNew {
		return &InvalidTransitionError{PID: pid, From: pcb.State, To: ProcessStateReady}
	}

	pcb.State = ProcessStateReady
	heap.Push(&s.queue, &queueItem{
		pid:      pid,
		priority: pcb.Priority.rank(),
		queuedAt: pcb.CreatedAt,
	})
	return nil
}

// GetNextRunnable pops the highest-priority READY process and transitions it
// to RUNNING. Returns NotFoundError when nothing is runnable.
func (s *Scheduler) GetNextRunnable() (*ProcessControlBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queueItem)

		pcb, ok := s.processes[item.pid]
		if !ok {
			continue // Removed since queuing
		}
		if pcb.State != ProcessStateReady {
			continue // State changed since queuing
		}

		now := time.Now().UTC()
		pcb.State = ProcessStateRunning
		if pcb.StartedAt == nil {
			pcb.StartedAt = &now
		}
		pcb.LastScheduledAt = &now
		return pcb, nil
	}

	return nil, &NotFoundError{Kind: "runnable process", ID: ""}
}

// TransitionState moves a process to a new state, enforcing the transition
// table. Re-entering READY re-enqueues the process.
func (s *Scheduler) TransitionState(pid string, newState ProcessState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.processes[pid]
	if !ok {
		return &NotFoundError{Kind: "process", ID: pid}
	}

	oldState := pcb.State
	if !IsValidTransition(oldState, newState) {
		return &InvalidTransitionError{PID: pid, From: oldState, To: newState}
	}

	pcb.State = newState

	switch newState {
	case ProcessStateReady:
		heap.Push(&s.queue, &queueItem{
			pid:      pid,
			priority: pcb.Priority.rank(),
			queuedAt: time.Now().UTC(),
		})

	case ProcessStateTerminated:
		now := time.Now().UTC()
		pcb.CompletedAt = &now
		pcb.TerminationReason = reason
		if pcb.StartedAt != nil {
			pcb.Usage.ElapsedSeconds = now.Sub(*pcb.StartedAt).Seconds()
		}
	}

	return nil
}

// GetProcess returns a process by pid, or NotFoundError.
func (s *Scheduler) GetProcess(pid string) (*ProcessControlBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pcb, ok := s.processes[pid]
	if !ok {
		return nil, &NotFoundError{Kind: "process", ID: pid}
	}
	return pcb, nil
}

// ListProcesses returns processes filtered by state and/or user.
func (s *Scheduler) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ProcessControlBlock
	for _, pcb := range s.processes {
		if state != nil && pcb.State != *state {
			continue
		}
		if userID != "" && pcb.UserID != userID {
			continue
		}
		result = append(result, pcb)
	}
	return result
}

// Terminate moves a process to TERMINATED. Terminating an already-terminated
// process is a no-op. A RUNNING process requires force.
func (s *Scheduler) Terminate(pid, reason string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.processes[pid]
	if !ok {
		return &NotFoundError{Kind: "process", ID: pid}
	}
	if pcb.IsTerminated() {
		return nil
	}
	if pcb.State == ProcessStateRunning && !force {
		return &InvalidTransitionError{PID: pid, From: ProcessStateRunning, To: ProcessStateTerminated}
	}

	now := time.Now().UTC()
	pcb.State = ProcessStateTerminated
	pcb.CompletedAt = &now
	pcb.TerminationReason = reason
	if pcb.StartedAt != nil {
		pcb.Usage.ElapsedSeconds = now.Sub(*pcb.StartedAt).Seconds()
	}
	return nil
}

// Cleanup removes a terminated process from the process table.
func (s *Scheduler) Cleanup(pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.processes[pid]
	if !ok {
		return &NotFoundError{Kind: "process", ID: pid}
	}
	if !pcb.IsTerminated() {
		return &InvalidTransitionError{PID: pid, From: pcb.State, To: ProcessStateZombie}
	}

	delete(s.processes, pid)
	return nil
}

// SetDefaultQuota replaces the quota applied to processes created without
// one. Existing processes keep theirs.
func (s *Scheduler) SetDefaultQuota(quota *ResourceQuota) {
	if quota == nil {
		return
	}
	s.mu.Lock()
	s.defaultQuota = quota.Clone()
	s.mu.Unlock()
}

// CleanupTerminated removes terminated processes completed before the
// retention cutoff. Returns the removed pids so callers can release the
// state other subsystems hold for them.
func (s *Scheduler) CleanupTerminated(retention time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var removed []string
	for pid, pcb := range s.processes {
		if !pcb.IsTerminated() {
			continue
		}
		if pcb.CompletedAt != nil && pcb.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.processes, pid)
		removed = append(removed, pid)
	}
	return removed
}

// QueueDepth returns the number of queued entries.
func (s *Scheduler) QueueDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.Len()
}

// ProcessCounts returns the number of processes per state.
func (s *Scheduler) ProcessCounts() map[ProcessState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ProcessState]int)
	for _, pcb := range s.processes {
		counts[pcb.State]++
	}
	return counts
}

// TotalProcesses returns the size of the process table.
func (s *Scheduler) TotalProcesses() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}
