package queue

import "time"

// Status is the lifecycle state of a queued request.
//
// Transitions are one-directional: pending → active → one of the terminal
// states. A pending request may also be removed directly by cancellation.
type Status string

const (
	// StatusPending means the request is waiting for a capacity slot.
	StatusPending Status = "pending"
	// StatusActive means the request has been dispatched and is awaiting
	// a response.
	StatusActive Status = "active"
	// StatusCompleted means the agent answered successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the request was rejected or cancelled.
	StatusFailed Status = "failed"
	// StatusTimedOut means the request exceeded its TTL while active.
	StatusTimedOut Status = "timed-out"
)

// terminal reports whether s is a final state.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// outcome is the single completion delivered to the waiter.
type outcome struct {
	text string
	err  error
}

// request is the unit of work. Owned exclusively by the Manager; nothing
// outside this package mutates it.
type request struct {
	id      string
	service string
	prompt  string
	options map[string]any

	status      Status
	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time

	// done is buffered so terminal transitions never block on the waiter.
	done chan outcome

	// ttl is armed on activation and stopped on any terminal transition.
	ttl *time.Timer
}

// Snapshot is a read-only copy of a request's observable state.
type Snapshot struct {
	ID          string
	Service     string
	Prompt      string
	Options     map[string]any
	Status      Status
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

func (r *request) snapshot() Snapshot {
	return Snapshot{
		ID:          r.id,
		Service:     r.service,
		Prompt:      r.prompt,
		Options:     r.options,
		Status:      r.status,
		QueuedAt:    r.queuedAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
}

// Stats is a point-in-time view of the queue, with no side effects.
type Stats struct {
	TotalPending     int
	TotalActive      int
	PendingByService map[string]int
	ActiveByService  map[string]int
	TotalCompleted   int
	TotalFailed      int
	TotalTimedOut    int
}
