package engine

import (
	"sync/atomic"
	"time"

	"github.com/seantiz/procq/internal/model"
	"github.com/seantiz/procq/internal/process"
)

// Job is the engine's handle on an enqueued process. A Job is dequeued and
// run at most once; it is never re-enqueued.
type Job struct {
	id         string
	kind       string
	priority   model.Priority
	proc       process.Process
	enqueuedAt time.Time

	cancelled atomic.Bool
}

// ID returns the journal identifier of the job.
func (j *Job) ID() string { return j.id }

// Name returns the display name of the underlying process.
func (j *Job) Name() string { return j.proc.Name() }

// Kind returns the catalog kind the process was built from, if any.
func (j *Job) Kind() string { return j.kind }

// Priority returns the queue the job was enqueued into.
func (j *Job) Priority() model.Priority { return j.priority }

// Process returns the underlying process.
func (j *Job) Process() process.Process { return j.proc }

// EnqueuedAt returns when the job entered its queue.
func (j *Job) EnqueuedAt() time.Time { return j.enqueuedAt }

// WasCancelled reports whether the engine undid the job because a
// cancellation was pending when its Run returned. Only the engine sets it.
func (j *Job) WasCancelled() bool { return j.cancelled.Load() }

// Counts holds the number of pending jobs per priority level.
type Counts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the number of pending jobs across all levels.
func (c Counts) Total() int {
	return c.High + c.Medium + c.Low
}

// queues holds one FIFO per priority level.
type queues [3][]*Job

func (q *queues) push(j *Job) {
	q[j.priority] = append(q[j.priority], j)
}

// pop removes the head of the first non-empty queue in priority order.
func (q *queues) pop() *Job {
	for i := range q {
		if len(q[i]) == 0 {
			continue
		}
		j := q[i][0]
		q[i][0] = nil
		q[i] = q[i][1:]
		return j
	}
	return nil
}

// drain empties every queue and returns the removed jobs in priority order.
func (q *queues) drain() []*Job {
	var out []*Job
	for i := range q {
		out = append(out, q[i]...)
		q[i] = nil
	}
	return out
}

func (q *queues) counts() Counts {
	return Counts{
		High:   len(q[model.PriorityHigh]),
		Medium: len(q[model.PriorityMedium]),
		Low:    len(q[model.PriorityLow]),
	}
}

func (q *queues) size() int {
	return len(q[0]) + len(q[1]) + len(q[2])
}
