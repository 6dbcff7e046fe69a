package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/procq/internal/model"
	"github.com/seantiz/procq/internal/process"
)

// ErrCompensationFailed is returned by CancelCurrentProcess when a late
// cancellation could not be compensated from History.
var ErrCompensationFailed = errors.New("compensation failed")

// CancelOutcome describes how a cancellation request ended.
type CancelOutcome int

const (
	// OutcomeNothing means no process was in flight; nothing changed.
	OutcomeNothing CancelOutcome = iota
	// OutcomeCancelled means the loop saw the request as the in-flight
	// Run returned and undid that process. It never entered History.
	OutcomeCancelled
	// OutcomeCompensated means the loop saw the request too late. The most
	// recent History entry was undone and removed and the loop restarted.
	OutcomeCompensated
	// OutcomeAbandoned is recorded when the caller stopped waiting after the
	// loop had started undoing the process.
	OutcomeAbandoned
)

func (o CancelOutcome) String() string {
	switch o {
	case OutcomeNothing:
		return "nothing"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeCompensated:
		return "compensated"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome by name.
func (o CancelOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// CancelCurrentProcess cancels the in-flight process. Running work is not
// interrupted: the caller waits until the loop reconciles the request.
//
// If the loop observes the request after the process's Run returns, the
// process is undone and OutcomeCancelled is returned. If the loop had
// already retired the process and moved on, the loop halts; the most recent
// History entry is then undone here, removed, and the loop restarted
// (OutcomeCompensated). A failed compensation returns an error wrapping
// ErrCompensationFailed; the loop is restarted regardless.
//
// If ctx is done before the loop answers, the request is withdrawn where
// possible and ctx.Err() is returned.
func (e *Engine) CancelCurrentProcess(ctx context.Context) (CancelOutcome, error) {
	select {
	case e.cancelSem <- struct{}{}:
	case <-ctx.Done():
		return OutcomeNothing, ctx.Err()
	}
	defer func() { <-e.cancelSem }()

	// A previous caller may have abandoned a request the loop is still undoing.
	if err := e.waitFor(ctx, func() bool { return !e.cancelAbandoned }); err != nil {
		return OutcomeNothing, err
	}

	e.mu.Lock()
	if !e.currentlyProcessing {
		e.mu.Unlock()
		e.metrics.cancellations.WithLabelValues(OutcomeNothing.String()).Inc()
		return OutcomeNothing, nil
	}
	e.cancelRequested = true
	e.notifyLocked()
	e.mu.Unlock()

	err := e.waitFor(ctx, func() bool { return e.cancelSucceeded || e.cancelFailed })

	e.mu.Lock()
	switch {
	case e.cancelSucceeded:
		e.cancelRequested = false
		e.cancelSucceeded = false
		e.notifyLocked()
		e.mu.Unlock()
		e.metrics.cancellations.WithLabelValues(OutcomeCancelled.String()).Inc()
		return OutcomeCancelled, nil

	case e.cancelFailed:
		e.cancelRequested = false
		e.cancelFailed = false
		e.notifyLocked()
		e.mu.Unlock()
		return e.compensateFromHistory()

	default:
		// err is non-nil here: the wait only ends early when ctx is done.
		if e.reconciling {
			e.cancelAbandoned = true
		} else {
			e.cancelRequested = false
			e.notifyLocked()
		}
		e.mu.Unlock()
		e.logger.Warn("cancellation abandoned by caller", "error", err)
		return OutcomeNothing, err
	}
}

// compensateFromHistory undoes the most recent History entry after the loop
// halted on a late cancellation, then restarts the loop.
func (e *Engine) compensateFromHistory() (CancelOutcome, error) {
	defer e.StartExecution()

	e.mu.Lock()
	if len(e.history) == 0 {
		e.mu.Unlock()
		e.metrics.cancellations.WithLabelValues("compensation_failed").Inc()
		return OutcomeCompensated, fmt.Errorf("%w: history is empty", ErrCompensationFailed)
	}
	j := e.history[len(e.history)-1]
	e.mu.Unlock()

	log := e.logger.With("process_id", j.id, "name", j.Name())
	log.Info("compensating late cancellation from history")

	if err := process.Undo(e.runCtx, j.proc); err != nil {
		log.Error("compensating undo failed", "error", err)
		e.publish(j, model.StatusCompleted, "compensation failed: "+err.Error())
		e.metrics.cancellations.WithLabelValues("compensation_failed").Inc()
		return OutcomeCompensated, fmt.Errorf("%w: undo %q: %w", ErrCompensationFailed, j.Name(), err)
	}

	e.mu.Lock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i] == j {
			e.history = append(e.history[:i], e.history[i+1:]...)
			break
		}
	}
	e.notifyLocked()
	e.mu.Unlock()

	j.cancelled.Store(true)
	e.journal(j, model.StatusCompensated, "compensated from history")
	e.metrics.processes.WithLabelValues(model.StatusCompensated).Inc()
	e.metrics.cancellations.WithLabelValues(OutcomeCompensated.String()).Inc()
	return OutcomeCompensated, nil
}

// CancelAll discards every queued process and then cancels the in-flight
// one. Discarded processes never ran and are not undone.
func (e *Engine) CancelAll(ctx context.Context) (CancelOutcome, error) {
	e.mu.Lock()
	discarded := e.queues.drain()
	e.metrics.observeQueues(e.queues.counts())
	e.notifyLocked()
	e.mu.Unlock()

	for _, j := range discarded {
		e.journal(j, model.StatusDiscarded, "discarded by cancel all")
		e.retire(j, model.StatusDiscarded)
	}
	if len(discarded) > 0 {
		e.logger.Info("discarded queued processes", "count", len(discarded))
	}

	return e.CancelCurrentProcess(ctx)
}

// WaitUntilStartRunning blocks until a process is in flight or ctx is done.
func (e *Engine) WaitUntilStartRunning(ctx context.Context) error {
	return e.waitFor(ctx, func() bool { return e.currentlyProcessing })
}

// WaitForAllToComplete blocks until every queue is empty and no process is
// in flight, or ctx is done. It never returns on its own while the loop is
// stopped with work queued.
func (e *Engine) WaitForAllToComplete(ctx context.Context) error {
	return e.waitFor(ctx, func() bool { return e.queues.size() == 0 && !e.currentlyProcessing })
}

// waitFor blocks until cond, evaluated under e.mu, is true or ctx is done.
func (e *Engine) waitFor(ctx context.Context, cond func() bool) error {
	for {
		e.mu.Lock()
		if cond() {
			e.mu.Unlock()
			return nil
		}
		ch := e.changed
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
