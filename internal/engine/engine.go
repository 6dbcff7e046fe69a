package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/procq/internal/model"
	"github.com/seantiz/procq/internal/process"
	"github.com/seantiz/procq/internal/store"
)

// DefaultName labels the metrics of an engine created without WithName.
const DefaultName = "default"

// DefaultIdlePoll is how long the loop sleeps between checks when every
// queue is empty and no state change wakes it earlier.
const DefaultIdlePoll = time.Millisecond

// Hooks are fault-injection points. They run on the loop goroutine with no
// engine lock held, so a hook that blocks holds the loop at that point.
type Hooks struct {
	// AfterRun is called after a job's Run returns and before the loop
	// checks for a pending cancellation.
	AfterRun func(j *Job)

	// AfterRetire is called after a job has been appended to History and
	// before the loop returns to the top of its cycle. A cancellation
	// requested while it blocks is acknowledged too late.
	AfterRetire func(j *Job)
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore journals every job transition to s.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithName sets the engine label on its metrics. Engines that share a
// process should have distinct names.
func WithName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.name = name
		}
	}
}

// WithIdlePoll sets the idle re-poll interval.
func WithIdlePoll(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idlePoll = d
		}
	}
}

// WithUndoFailedRuns selects whether a job whose Run failed is still undone
// when a cancellation was pending as it returned. The default is true.
func WithUndoFailedRuns(undo bool) Option {
	return func(e *Engine) { e.undoFailedRuns = undo }
}

// WithHooks installs fault-injection hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithProcessingChanged registers fn to be called whenever the
// currently-processing flag flips. fn runs with the engine lock held and
// must not call back into the engine.
func WithProcessingChanged(fn func(processing bool)) Option {
	return func(e *Engine) { e.onProcessingChanged = fn }
}

// Engine is a single-worker scheduler over three priority queues. Processes
// run one at a time; the in-flight process can be cancelled, which undoes it
// once its Run returns.
type Engine struct {
	name                string
	logger              *slog.Logger
	metrics             engineMetrics
	store               store.Store
	broker              *Broker
	hooks               Hooks
	idlePoll            time.Duration
	undoFailedRuns      bool
	onProcessingChanged func(bool)

	// runCtx is handed to Run and Undo. CancelCurrentProcess never cancels it.
	runCtx context.Context

	// cancelSem serializes CancelCurrentProcess callers.
	cancelSem chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every state change
	queues  queues
	history []*Job
	current *Job

	running             bool
	loopAlive           bool
	closed              bool // set by Shutdown; StartExecution is refused after it
	currentlyProcessing bool

	// Cancellation handshake. The controller writes cancelRequested and
	// cancelAbandoned; the loop writes reconciling, cancelSucceeded and
	// cancelFailed, and clears an abandoned request itself.
	cancelRequested bool
	reconciling     bool
	cancelSucceeded bool
	cancelFailed    bool
	cancelAbandoned bool
}

// New creates a stopped engine. Call StartExecution to begin draining queues.
func New(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:           DefaultName,
		logger:         logger,
		broker:         NewBroker(),
		idlePoll:       DefaultIdlePoll,
		undoFailedRuns: true,
		runCtx:         context.Background(),
		cancelSem:      make(chan struct{}, 1),
		changed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newEngineMetrics(e.name)
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Enqueue appends p to the queue for priority and returns its handle. It
// never fails; an out-of-range priority is treated as low.
func (e *Engine) Enqueue(p process.Process, priority model.Priority) *Job {
	if !priority.Valid() {
		e.logger.Warn("invalid priority, using low", "priority", int(priority), "name", p.Name())
		priority = model.PriorityLow
	}

	j := &Job{
		id:         model.NewID(),
		priority:   priority,
		proc:       p,
		enqueuedAt: time.Now().UTC(),
	}
	if k, ok := p.(interface{ Kind() string }); ok {
		j.kind = k.Kind()
	}

	// Journal before the loop can see the job so the running transition
	// always finds its record.
	e.journalCreate(j)

	e.mu.Lock()
	e.queues.push(j)
	e.metrics.observeQueues(e.queues.counts())
	e.notifyLocked()
	e.mu.Unlock()

	e.logger.Debug("process enqueued", "process_id", j.id, "name", j.Name(), "priority", priority.String())
	return j
}

// EnqueueHigh appends p to the high priority queue.
func (e *Engine) EnqueueHigh(p process.Process) *Job { return e.Enqueue(p, model.PriorityHigh) }

// EnqueueMedium appends p to the medium priority queue.
func (e *Engine) EnqueueMedium(p process.Process) *Job { return e.Enqueue(p, model.PriorityMedium) }

// EnqueueLow appends p to the low priority queue.
func (e *Engine) EnqueueLow(p process.Process) *Job { return e.Enqueue(p, model.PriorityLow) }

// StartExecution starts the execution loop. It is a no-op if the loop is
// already running or Shutdown has been called.
func (e *Engine) StartExecution() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	if e.closed {
		e.logger.Warn("execution not started, engine is shut down")
		return
	}
	e.running = true
	e.notifyLocked()
	// A loop told to stop may still be inside Run; it will see running again.
	if !e.loopAlive {
		e.loopAlive = true
		e.wg.Go(e.loop)
	}
	e.logger.Info("execution loop started")
}

// StopExecution asks the loop to exit after its current cycle. A running
// process is not interrupted and queued work is left in place.
func (e *Engine) StopExecution() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	e.notifyLocked()
	e.logger.Info("execution loop stopping")
}

// Shutdown stops the loop and waits for it to exit or for ctx to be done.
// The engine cannot be restarted afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.StopExecution()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is a point-in-time snapshot of the engine's flags.
type State struct {
	Running             bool   `json:"running"`
	CurrentlyProcessing bool   `json:"currently_processing"`
	CancelRequested     bool   `json:"cancel_requested"`
	CancelSucceeded     bool   `json:"cancel_succeeded"`
	CancelFailed        bool   `json:"cancel_failed"`
	CurrentID           string `json:"current_id,omitempty"`
	Pending             Counts `json:"pending"`
	HistoryLen          int    `json:"history_len"`
}

// State returns a snapshot of the engine's flags and queue depths.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Running:             e.running,
		CurrentlyProcessing: e.currentlyProcessing,
		CancelRequested:     e.cancelRequested,
		CancelSucceeded:     e.cancelSucceeded,
		CancelFailed:        e.cancelFailed,
		Pending:             e.queues.counts(),
		HistoryLen:          len(e.history),
	}
	if e.current != nil {
		s.CurrentID = e.current.id
	}
	return s
}

// Pending returns the number of queued jobs per priority level.
func (e *Engine) Pending() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues.counts()
}

// History returns the jobs whose Run completed normally and that have not
// been compensated, oldest first.
func (e *Engine) History() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// notifyLocked wakes every goroutine waiting on a state change.
func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) setProcessingLocked(v bool) {
	if e.currentlyProcessing == v {
		return
	}
	e.currentlyProcessing = v
	if v {
		e.metrics.processing.Set(1)
	} else {
		e.metrics.processing.Set(0)
	}
	if e.onProcessingChanged != nil {
		e.onProcessingChanged(v)
	}
}

// loop is the execution loop goroutine.
func (e *Engine) loop() {
	for {
		j := e.next()
		if j == nil {
			return
		}
		e.execute(j)
	}
}

// next blocks until a job is dequeued and returns it, or returns nil when
// the loop must exit.
func (e *Engine) next() *Job {
	for {
		e.mu.Lock()

		if !e.running {
			e.loopAlive = false
			e.mu.Unlock()
			return nil
		}

		// A cancellation the loop never reconciled: the job it targeted
		// was already retired. Halt and let the controller compensate.
		if e.cancelRequested && !e.cancelSucceeded {
			e.cancelFailed = true
			e.running = false
			e.loopAlive = false
			e.notifyLocked()
			e.mu.Unlock()
			e.logger.Warn("cancellation acknowledged too late, execution halted")
			return nil
		}

		// Succeeded but not yet acknowledged by the controller.
		if e.cancelRequested && e.cancelSucceeded {
			ch := e.changed
			e.mu.Unlock()
			<-ch
			continue
		}

		j := e.queues.pop()
		if j == nil {
			e.setProcessingLocked(false)
			ch := e.changed
			e.mu.Unlock()

			t := time.NewTimer(e.idlePoll)
			select {
			case <-ch:
			case <-t.C:
			}
			t.Stop()
			continue
		}

		e.current = j
		e.setProcessingLocked(true)
		e.metrics.observeQueues(e.queues.counts())
		e.notifyLocked()
		e.mu.Unlock()
		return j
	}
}

// execute runs j and reconciles the result with any pending cancellation.
func (e *Engine) execute(j *Job) {
	log := e.logger.With("process_id", j.id, "name", j.Name(), "priority", j.priority.String())
	e.journal(j, model.StatusRunning, "")

	start := time.Now()
	runErr := process.Run(e.runCtx, j.proc)
	e.metrics.runDuration.WithLabelValues(j.priority.String()).Observe(time.Since(start).Seconds())
	if runErr != nil {
		log.Error("process failed", "error", runErr)
	}

	if e.hooks.AfterRun != nil {
		e.hooks.AfterRun(j)
	}

	e.mu.Lock()
	if e.cancelRequested {
		e.reconciling = true
		e.mu.Unlock()
		e.undoCancelled(j, runErr, log)
		return
	}

	if runErr == nil {
		e.history = append(e.history, j)
	}
	e.current = nil
	if e.queues.size() == 0 {
		e.setProcessingLocked(false)
	}
	e.notifyLocked()
	e.mu.Unlock()

	if runErr != nil {
		e.journal(j, model.StatusFailed, runErr.Error())
		e.retire(j, model.StatusFailed)
		return
	}
	e.journal(j, model.StatusCompleted, "")
	e.retire(j, model.StatusCompleted)
	log.Debug("process completed", "duration_ms", time.Since(start).Milliseconds())

	if e.hooks.AfterRetire != nil {
		e.hooks.AfterRetire(j)
	}
}

// undoCancelled compensates a job whose Run returned while a cancellation
// was pending. The job never enters History.
func (e *Engine) undoCancelled(j *Job, runErr error, log *slog.Logger) {
	var undoErr error
	if runErr == nil || e.undoFailedRuns {
		undoErr = process.Undo(e.runCtx, j.proc)
	}
	if undoErr != nil {
		log.Error("undo of cancelled process failed", "error", undoErr)
	}
	j.cancelled.Store(true)

	e.mu.Lock()
	e.reconciling = false
	e.current = nil
	if e.cancelAbandoned {
		// The controller gave up waiting; nobody will acknowledge.
		e.cancelRequested = false
		e.cancelAbandoned = false
		e.metrics.cancellations.WithLabelValues(OutcomeAbandoned.String()).Inc()
	} else {
		e.cancelSucceeded = true
	}
	if e.queues.size() == 0 {
		e.setProcessingLocked(false)
	}
	e.notifyLocked()
	e.mu.Unlock()

	if runErr != nil && !e.undoFailedRuns {
		e.journal(j, model.StatusFailed, runErr.Error())
		e.retire(j, model.StatusFailed)
		log.Info("cancelled process failed, undo skipped")
		return
	}

	msg := "cancelled"
	switch {
	case undoErr != nil:
		msg = "cancelled, undo failed: " + undoErr.Error()
	case runErr != nil:
		msg = "cancelled after run failed: " + runErr.Error()
	}
	e.journal(j, model.StatusUndone, msg)
	e.retire(j, model.StatusUndone)
	log.Info("cancelled process undone")
}

// retire records that j has left the loop.
func (e *Engine) retire(j *Job, status string) {
	e.metrics.processes.WithLabelValues(status).Inc()
	e.broker.Close(j.id)
}
