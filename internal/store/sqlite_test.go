package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/procq/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRecord() *model.Record {
	return &model.Record{
		ID:        model.NewID(),
		Name:      "test process",
		Kind:      "sleep",
		Priority:  model.PriorityHigh.String(),
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord()

	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Name != r.Name {
		t.Errorf("Name = %q, want %q", got.Name, r.Name)
	}
	if got.Kind != r.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, r.Kind)
	}
	if got.Priority != r.Priority {
		t.Errorf("Priority = %q, want %q", got.Priority, r.Priority)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("pending record should have no timestamps, got started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRecord(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord error = %v, want ErrNotFound", err)
	}
}

func TestListRecordsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestRecord()
		r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.CreateRecord(ctx, r); err != nil {
			t.Fatalf("CreateRecord[%d]: %v", i, err)
		}
	}

	page, total, err := s.ListRecords(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].CreatedAt.Before(page[1].CreatedAt) {
		t.Error("records should be ordered newest first")
	}

	last, _, err := s.ListRecords(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListRecords offset 4: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("len(last page) = %d, want 1", len(last))
	}
}

func TestListRecordsEmpty(t *testing.T) {
	s := newTestStore(t)

	records, total, err := s.ListRecords(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 0 || len(records) != 0 {
		t.Errorf("got %d records (total %d), want none", len(records), total)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord()
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := s.UpdateStatus(ctx, r.ID, model.StatusRunning, ""); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if got.StartedAt == nil {
		t.Error("started_at should be set when running")
	}

	if err := s.UpdateStatus(ctx, r.ID, model.StatusCompleted, ""); err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	got, _ = s.GetRecord(ctx, r.ID)
	if got.FinishedAt == nil {
		t.Error("finished_at should be set when completed")
	}
	if got.DurationMS == nil {
		t.Error("duration_ms should be set when completed")
	}

	if err := s.UpdateStatus(ctx, r.ID, model.StatusCompensated, ""); err != nil {
		t.Fatalf("completed→compensated: %v", err)
	}
	got, _ = s.GetRecord(ctx, r.ID)
	if got.Status != model.StatusCompensated {
		t.Errorf("Status = %q, want compensated", got.Status)
	}
}

func TestUpdateStatusStoresError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord()
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := s.UpdateStatus(ctx, r.ID, model.StatusRunning, ""); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	if err := s.UpdateStatus(ctx, r.ID, model.StatusFailed, "disk full"); err != nil {
		t.Fatalf("running→failed: %v", err)
	}

	got, _ := s.GetRecord(ctx, r.ID)
	if got.Error != "disk full" {
		t.Errorf("Error = %q, want %q", got.Error, "disk full")
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStatus(context.Background(), "nonexistent", model.StatusRunning, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord()
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	tests := []string{model.StatusCompleted, model.StatusUndone, model.StatusCompensated}
	for _, to := range tests {
		err := s.UpdateStatus(ctx, r.ID, to, "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("pending→%s error = %v, want ErrInvalidTransition", to, err)
		}
	}

	if err := s.UpdateStatus(ctx, r.ID, model.StatusDiscarded, ""); err != nil {
		t.Fatalf("pending→discarded: %v", err)
	}
	if err := s.UpdateStatus(ctx, r.ID, model.StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("discarded→running error = %v, want ErrInvalidTransition", err)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []string{model.StatusCompleted, model.StatusCompleted, model.StatusFailed}
	for _, final := range statuses {
		r := makeTestRecord()
		if err := s.CreateRecord(ctx, r); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		if err := s.UpdateStatus(ctx, r.ID, model.StatusRunning, ""); err != nil {
			t.Fatalf("pending→running: %v", err)
		}
		if err := s.UpdateStatus(ctx, r.ID, final, ""); err != nil {
			t.Fatalf("running→%s: %v", final, err)
		}
	}
	low := makeTestRecord()
	low.Priority = model.PriorityLow.String()
	if err := s.CreateRecord(ctx, low); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByPriority["high"] != 3 || stats.CountByPriority["low"] != 1 {
		t.Errorf("CountByPriority = %v, want high:3 low:1", stats.CountByPriority)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero values", stats)
	}
}

func TestInsertAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := model.NewID()
	other := model.NewID()
	for _, status := range []string{model.StatusPending, model.StatusRunning, model.StatusCompleted} {
		if err := s.InsertEvent(ctx, model.Event{ProcessID: id, Name: "p", Status: status, Time: time.Now()}); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if err := s.InsertEvent(ctx, model.Event{ProcessID: other, Name: "q", Status: model.StatusPending, Time: time.Now()}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	events, err := s.GetEvents(ctx, id)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Status != model.StatusPending || events[2].Status != model.StatusCompleted {
		t.Errorf("events out of order: %+v", events)
	}

	none, err := s.GetEvents(ctx, "missing")
	if err != nil {
		t.Fatalf("GetEvents missing: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d events for unknown process, want 0", len(none))
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := t.TempDir() + "/procq.db"

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	r := makeTestRecord()
	if err := s1.CreateRecord(context.Background(), r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetRecord(context.Background(), r.ID); err != nil {
		t.Errorf("GetRecord after reopen: %v", err)
	}
}
