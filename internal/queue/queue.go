// Package queue owns the lifecycle of in-flight prompts: admission,
// per-service concurrency gating, TTL expiry, resolution, cancellation,
// and retention cleanup.
//
// The containers (pending lists, active map, completed map) sit behind a
// single mutex so the check-then-set of a terminal transition is atomic.
// Exactly one completion is ever delivered per request; duplicate or stale
// resolve/reject/timeout signals are logged no-ops.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/duetai/chatbridge/internal/errors"
)

// Config holds the queue manager's tunables.
type Config struct {
	// MaxParallelPerService caps concurrently active requests per service.
	MaxParallelPerService int
	// RequestTTL bounds how long an active request may remain unresolved.
	RequestTTL time.Duration
	// CompletedRetention is how long terminal requests are kept for
	// diagnostics.
	CompletedRetention time.Duration
	// CleanupInterval is the cadence of the retention sweep. Zero disables
	// the sweep (used by tests).
	CleanupInterval time.Duration
}

// DispatchFunc receives a request the moment it becomes active. The queue
// calls it outside its lock; implementations forward the prompt to the
// browser agent.
type DispatchFunc func(req Snapshot)

// Manager matches outbound prompts to inbound responses under concurrency
// and TTL constraints.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	dispatch DispatchFunc

	mu          sync.Mutex
	pending     map[string][]*request
	active      map[string]*request
	activeCount map[string]int
	completed   map[string]*request
	closed      bool

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewManager creates a queue manager tracking the given services.
// Requests for services outside this set are rejected at admission.
func NewManager(log *slog.Logger, cfg Config, services ...string) *Manager {
	m := &Manager{
		log:         log.With("component", "queue"),
		cfg:         cfg,
		pending:     make(map[string][]*request, len(services)),
		active:      make(map[string]*request),
		activeCount: make(map[string]int, len(services)),
		completed:   make(map[string]*request),
		stopCleanup: make(chan struct{}),
	}

	for _, svc := range services {
		m.pending[svc] = nil
		m.activeCount[svc] = 0
	}

	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)

		go m.cleanupLoop()
	}

	m.log.Info("Queue manager initialized",
		"services", services,
		"max_parallel_per_service", cfg.MaxParallelPerService,
		"request_ttl", cfg.RequestTTL,
	)

	return m
}

// SetDispatch installs the activation callback. Must be called before the
// first Add; the entrypoint wires it to the socket server's broadcast.
func (m *Manager) SetDispatch(fn DispatchFunc) {
	m.dispatch = fn
}

// Add admits a request and blocks until the matching response arrives, the
// request times out, or it is cancelled. An empty requestID gets a
// generated ULID. Returns the agent's response text.
func (m *Manager) Add(
	ctx context.Context,
	service, prompt string,
	options map[string]any,
	requestID string,
) (string, error) {
	id := requestID
	if id == "" {
		id = ulid.Make().String()
	}

	req := &request{
		id:       id,
		service:  service,
		prompt:   prompt,
		options:  options,
		status:   StatusPending,
		queuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return "", errors.ErrShuttingDown
	}

	if _, ok := m.pending[service]; !ok {
		m.mu.Unlock()

		return "", fmt.Errorf("%w: %s", errors.ErrUnknownService, service)
	}

	m.pending[service] = append(m.pending[service], req)
	m.log.Info("Request queued",
		"request_id", id,
		"service", service,
		"queue_length", len(m.pending[service]),
	)

	promoted := m.promoteLocked(service)

	m.mu.Unlock()

	m.dispatchAll(promoted)

	select {
	case out := <-req.done:
		if out.err != nil {
			return "", out.err
		}

		return out.text, nil

	case <-ctx.Done():
		m.Cancel(id)

		return "", ctx.Err()
	}
}

// Resolve completes an active request with the agent's response text.
// Unknown ids and requests that already reached a terminal state are
// logged no-ops; the first terminal signal wins.
func (m *Manager) Resolve(requestID, response string) {
	m.finish(requestID, StatusCompleted, response, nil)
}

// Reject fails an active request with the given error. Same race guard as
// Resolve.
func (m *Manager) Reject(requestID string, err error) {
	m.finish(requestID, StatusFailed, "", err)
}

// Cancel rejects an active request, or removes and rejects a pending one.
// Returns false when the id is unknown.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()

	if req, ok := m.active[requestID]; ok && !req.status.terminal() {
		m.log.Info("Cancelling active request", "request_id", requestID)
		promoted := m.finishLocked(req, StatusFailed, "", errors.ErrRequestCancelled)
		m.mu.Unlock()

		m.dispatchAll(promoted)

		return true
	}

	for svc, queue := range m.pending {
		for i, req := range queue {
			if req.id != requestID {
				continue
			}

			m.pending[svc] = append(queue[:i], queue[i+1:]...)
			req.status = StatusFailed
			req.completedAt = time.Now()
			req.done <- outcome{err: errors.ErrRequestCancelled}

			m.mu.Unlock()
			m.log.Info("Cancelled pending request", "request_id", requestID)

			return true
		}
	}

	m.mu.Unlock()
	m.log.Warn("Request not found for cancellation", "request_id", requestID)

	return false
}

// CancelAll rejects every active and pending request and stops the
// retention sweep. Used on shutdown; safe to call more than once.
func (m *Manager) CancelAll() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})
	m.wg.Wait()

	m.mu.Lock()

	m.closed = true

	m.log.Info("Cancelling all requests",
		"active", len(m.active),
		"pending", m.pendingCountLocked(),
	)

	for _, req := range m.active {
		if req.status.terminal() {
			continue
		}

		stopTimer(req)

		req.status = StatusFailed
		req.completedAt = time.Now()
		req.done <- outcome{err: errors.ErrRequestCancelled}
		m.completed[req.id] = req
		m.activeCount[req.service]--
	}

	m.active = make(map[string]*request)

	for svc, queue := range m.pending {
		for _, req := range queue {
			req.status = StatusFailed
			req.completedAt = time.Now()
			req.done <- outcome{err: errors.ErrShuttingDown}
		}

		m.pending[svc] = nil
	}

	m.mu.Unlock()
}

// Status returns a snapshot of the request with the given id, looking
// across the active, completed, and pending containers.
func (m *Manager) Status(requestID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req, ok := m.active[requestID]; ok {
		return req.snapshot(), true
	}

	if req, ok := m.completed[requestID]; ok {
		return req.snapshot(), true
	}

	for _, queue := range m.pending {
		for _, req := range queue {
			if req.id == requestID {
				return req.snapshot(), true
			}
		}
	}

	return Snapshot{}, false
}

// Stats returns a read-only snapshot of queue state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalActive:      len(m.active),
		PendingByService: make(map[string]int, len(m.pending)),
		ActiveByService:  make(map[string]int, len(m.activeCount)),
	}

	for svc, queue := range m.pending {
		stats.PendingByService[svc] = len(queue)
		stats.TotalPending += len(queue)
	}

	for svc, count := range m.activeCount {
		stats.ActiveByService[svc] = count
	}

	for _, req := range m.completed {
		switch req.status {
		case StatusCompleted:
			stats.TotalCompleted++
		case StatusFailed:
			stats.TotalFailed++
		case StatusTimedOut:
			stats.TotalTimedOut++
		}
	}

	return stats
}

// CleanupCompleted evicts completed entries older than the retention window
// and returns how many were removed. The periodic sweep calls this; it is
// exported for diagnostics.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.CompletedRetention)
	removed := 0

	for id, req := range m.completed {
		if req.completedAt.Before(cutoff) {
			delete(m.completed, id)
			removed++
		}
	}

	if removed > 0 {
		m.log.Debug("Evicted old completed requests",
			"removed", removed,
			"retention", m.cfg.CompletedRetention,
		)
	}

	return removed
}

// finish applies a terminal transition to an active request.
func (m *Manager) finish(requestID string, status Status, response string, cause error) {
	m.mu.Lock()

	req, ok := m.active[requestID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("Terminal signal for unknown request", "request_id", requestID)

		return
	}

	// Race guard: the first terminal signal wins, everything after is a
	// no-op.
	if req.status.terminal() {
		m.mu.Unlock()
		m.log.Warn("Terminal signal for non-active request",
			"request_id", requestID,
			"status", req.status,
		)

		return
	}

	promoted := m.finishLocked(req, status, response, cause)

	m.mu.Unlock()

	m.dispatchAll(promoted)
}

// finishLocked transitions req to a terminal state and promotes queued work
// for its service. Caller holds the mutex; returned requests must be
// dispatched after unlocking.
func (m *Manager) finishLocked(
	req *request,
	status Status,
	response string,
	cause error,
) []*request {
	stopTimer(req)

	req.status = status
	req.completedAt = time.Now()

	if cause != nil {
		req.done <- outcome{err: cause}
		m.log.Info("Request finished",
			"request_id", req.id,
			"status", status,
			"error", cause.Error(),
		)
	} else {
		req.done <- outcome{text: response}
		m.log.Info("Request finished",
			"request_id", req.id,
			"status", status,
			"response_length", len(response),
		)
	}

	delete(m.active, req.id)

	m.completed[req.id] = req
	m.activeCount[req.service]--

	return m.promoteLocked(req.service)
}

// promoteLocked advances pending requests to active while the service has
// capacity, preserving FIFO order. Caller holds the mutex.
func (m *Manager) promoteLocked(service string) []*request {
	var promoted []*request

	for m.activeCount[service] < m.cfg.MaxParallelPerService && len(m.pending[service]) > 0 {
		req := m.pending[service][0]
		m.pending[service] = m.pending[service][1:]

		req.status = StatusActive
		req.startedAt = time.Now()
		m.active[req.id] = req
		m.activeCount[service]++

		id := req.id
		req.ttl = time.AfterFunc(m.cfg.RequestTTL, func() {
			m.timeout(id)
		})

		m.log.Info("Request activated",
			"request_id", req.id,
			"service", service,
			"active", m.activeCount[service],
			"max", m.cfg.MaxParallelPerService,
		)

		promoted = append(promoted, req)
	}

	return promoted
}

// timeout fires when a request's TTL expires. It re-checks the request is
// still active so a resolve that raced the timer wins.
func (m *Manager) timeout(requestID string) {
	m.finish(requestID, StatusTimedOut, "", &errors.TimeoutError{
		TTLMillis: m.cfg.RequestTTL.Milliseconds(),
	})
}

// dispatchAll forwards newly activated requests to the dispatch callback,
// outside the queue lock.
func (m *Manager) dispatchAll(promoted []*request) {
	if m.dispatch == nil {
		return
	}

	for _, req := range promoted {
		m.dispatch(req.snapshot())
	}
}

func (m *Manager) pendingCountLocked() int {
	total := 0
	for _, queue := range m.pending {
		total += len(queue)
	}

	return total
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupCompleted()

		case <-m.stopCleanup:
			m.log.Debug("Retention sweep stopped")

			return
		}
	}
}

func stopTimer(req *request) {
	if req.ttl != nil {
		req.ttl.Stop()
		req.ttl = nil
	}
}
