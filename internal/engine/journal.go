package engine

import (
	"time"

	"github.com/seantiz/procq/internal/model"
)

// journalCreate records a newly enqueued job as pending.
func (e *Engine) journalCreate(j *Job) {
	if e.store != nil {
		r := &model.Record{
			ID:        j.id,
			Name:      j.Name(),
			Kind:      j.kind,
			Priority:  j.priority.String(),
			Status:    model.StatusPending,
			CreatedAt: j.enqueuedAt,
		}
		if err := e.store.CreateRecord(e.runCtx, r); err != nil {
			e.logger.Error("failed to journal enqueued process", "process_id", j.id, "error", err)
		}
	}
	e.publish(j, model.StatusPending, "")
}

// journal records a status transition for j. Journal failures are logged
// and never affect scheduling.
func (e *Engine) journal(j *Job, status, msg string) {
	if e.store != nil {
		errMsg := ""
		if status == model.StatusFailed || status == model.StatusUndone {
			errMsg = msg
		}
		if err := e.store.UpdateStatus(e.runCtx, j.id, status, errMsg); err != nil {
			e.logger.Error("failed to journal status", "process_id", j.id, "status", status, "error", err)
		}
	}
	e.publish(j, status, msg)
}

// publish emits an event to the broker and, when journaling, the store.
func (e *Engine) publish(j *Job, status, msg string) {
	ev := model.Event{
		ProcessID: j.id,
		Name:      j.Name(),
		Status:    status,
		Message:   msg,
		Time:      time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.InsertEvent(e.runCtx, ev); err != nil {
			e.logger.Error("failed to persist event", "process_id", j.id, "error", err)
		}
	}
	e.broker.Publish(ev)
}
