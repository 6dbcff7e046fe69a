// Package process defines the unit of work scheduled by the engine: a named
// Run step with an optional compensating Undo that consumes parameters the
// process captured while running.
package process

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Process is a schedulable unit of work.
//
// Run may block for an arbitrary duration. It must not react to cancellation
// requests: the engine decides after Run returns whether to compensate.
type Process interface {
	Name() string
	Run(ctx context.Context) error
}

// Undoer is implemented by processes that can compensate for a completed Run.
// A process that does not implement it offers no compensation.
type Undoer interface {
	Undo(ctx context.Context, params []any) error
}

// ParamSource exposes the parameters a process captured for its Undo.
type ParamSource interface {
	UndoParameters() []any
}

// Params holds the ordered undo parameters of a process. Embed it in a
// process type to satisfy ParamSource. The zero value is ready to use.
type Params struct {
	mu     sync.Mutex
	values []any
}

// Set replaces the captured parameters.
func (p *Params) Set(values ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = slices.Clone(values)
}

// Append adds parameters after the ones already captured.
func (p *Params) Append(values ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, values...)
}

// UndoParameters returns a copy of the captured parameters.
func (p *Params) UndoParameters() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.values)
}

// Undo runs p's compensation with the parameters it captured. Processes that
// are not Undoers are a no-op. A panic inside Undo is returned as an error.
func Undo(ctx context.Context, p Process) (err error) {
	u, ok := p.(Undoer)
	if !ok {
		return nil
	}

	var params []any
	if ps, ok := p.(ParamSource); ok {
		params = ps.UndoParameters()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo %q panicked: %v", p.Name(), r)
		}
	}()
	return u.Undo(ctx, params)
}

// Run executes p, converting a panic into an error.
func Run(ctx context.Context, p Process) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %q panicked: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx)
}

// Undoable reports whether p offers compensation. An Undoer may opt out at
// runtime by also implementing CanUndo() bool.
func Undoable(p Process) bool {
	if _, ok := p.(Undoer); !ok {
		return false
	}
	if c, ok := p.(interface{ CanUndo() bool }); ok {
		return c.CanUndo()
	}
	return true
}
