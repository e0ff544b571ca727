package nginx

import (
	"context"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
)

// Reload request states.
const (
	ReloadStatePending   = "pending"
	ReloadStateRunning   = "running"
	ReloadStateSucceeded = "succeeded"
	ReloadStateFailed    = "failed"
)

const (
	// defaultCoalesceWindow is how long the worker waits after waking so
	// that a burst of writers lands in a single nginx reload.
	defaultCoalesceWindow = 100 * time.Millisecond
	// statusRetention and maxStatuses bound the status map: an entry is
	// dropped only when it is older than the retention AND outside the
	// most recent maxStatuses entries.
	statusRetention = 10 * time.Minute
	maxStatuses     = 256
)

// ReloadStatus is the externally visible state of one reload request.
type ReloadStatus struct {
	ID         int64      `json:"id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ReloadManager serializes nginx reloads. Any number of writers queue; a
// single worker coalesces whatever is pending into one test+reload cycle,
// so every caller in a burst receives the same outcome under its own id.
type ReloadManager struct {
	ops Ops

	mu       sync.Mutex
	nextID   int64
	queue    []int64
	statuses map[int64]*ReloadStatus
	order    []int64 // ids oldest first, for pruning

	wake chan struct{}

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// coalesceWindow is widened in tests to make burst coalescing
	// deterministic.
	coalesceWindow time.Duration
}

// NewReloadManager returns a stopped manager; call Start before queueing.
func NewReloadManager(ops Ops) *ReloadManager {
	return &ReloadManager{
		ops:            ops,
		statuses:       make(map[int64]*ReloadStatus),
		wake:           make(chan struct{}, 1),
		coalesceWindow: defaultCoalesceWindow,
	}
}

// Start launches the worker. Calling Start on a running manager is a no-op.
func (m *ReloadManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the worker and waits for the in-flight cycle to finish.
func (m *ReloadManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// QueueReload allocates a reload id, appends the request and returns
// immediately. The caller's config files must already be on disk.
func (m *ReloadManager) QueueReload() int64 {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.statuses[id] = &ReloadStatus{ID: id, State: ReloadStatePending, QueuedAt: time.Now()}
	m.order = append(m.order, id)
	m.queue = append(m.queue, id)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.SetReloadQueueDepth(depth)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return id
}

// GetStatus returns the current or final state of a reload request.
func (m *ReloadManager) GetStatus(id int64) (ReloadStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[id]
	if !ok {
		return ReloadStatus{}, false
	}
	return *st, true
}

func (m *ReloadManager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		timer := time.NewTimer(m.coalesceWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.runCycle(ctx)
	}
}

func (m *ReloadManager) runCycle(ctx context.Context) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.queue
	m.queue = nil
	for _, id := range batch {
		m.statuses[id].State = ReloadStateRunning
	}
	m.mu.Unlock()

	log := logger.WithComponent("reload")
	out, err := SafeReload(ctx, m.ops)

	now := time.Now()
	m.mu.Lock()
	for _, id := range batch {
		st := m.statuses[id]
		finished := now
		st.FinishedAt = &finished
		if err != nil {
			st.State = ReloadStateFailed
			st.Error = err.Error()
		} else {
			st.State = ReloadStateSucceeded
		}
	}
	m.pruneLocked(now)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.SetReloadQueueDepth(depth)
	if err != nil {
		metrics.IncReload("failed")
		log.WithError(err).WithField("coalesced", len(batch)).Error("nginx reload failed")
	} else {
		metrics.IncReload("succeeded")
		log.WithField("coalesced", len(batch)).WithField("output", out).Debug("nginx reloaded")
	}
}

// pruneLocked drops finished statuses that are both beyond the retention
// window and outside the most recent maxStatuses entries. Callers hold mu.
func (m *ReloadManager) pruneLocked(now time.Time) {
	for len(m.order) > maxStatuses {
		id := m.order[0]
		st := m.statuses[id]
		if st.FinishedAt == nil || now.Sub(*st.FinishedAt) < statusRetention {
			break
		}
		delete(m.statuses, id)
		m.order = m.order[1:]
	}
}
