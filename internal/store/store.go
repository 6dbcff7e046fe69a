package store

import (
	"context"
	"errors"

	"github.com/seantiz/procq/internal/model"
)

// ErrInvalidTransition is returned when a process status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ProcessStats holds aggregate journal statistics.
type ProcessStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByPriority map[string]int `json:"count_by_priority"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the journal operations for scheduled processes. The journal
// is an audit trail: nothing in it is replayed into the scheduler.
type Store interface {
	CreateRecord(ctx context.Context, r *model.Record) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*model.Record, int, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
	GetStats(ctx context.Context) (*ProcessStats, error)
	InsertEvent(ctx context.Context, e model.Event) error
	GetEvents(ctx context.Context, processID string) ([]model.Event, error)
	Close() error
}
