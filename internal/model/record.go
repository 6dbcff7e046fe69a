package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a process identifier.
func NewID() string {
	return ulid.Make().String()
}

// Priority selects which of the three scheduler queues a process joins.
// Lower values are dequeued first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// Priorities lists every priority level in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three known levels.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a case-insensitive name into a Priority. The empty
// string maps to medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Process status constants.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusUndone      = "undone"
	StatusCompensated = "compensated"
	StatusDiscarded   = "discarded"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusDiscarded: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusUndone:    true,
	},
	StatusCompleted: {
		StatusCompensated: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transition is possible from status.
// Completed is not terminal: a late cancellation may still compensate it.
func Terminal(status string) bool {
	_, ok := validTransitions[status]
	return !ok
}

// Record is the journal entry for a single enqueued process.
type Record struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind,omitempty"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event is a single engine notification about a process.
type Event struct {
	ProcessID string    `json:"process_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}
