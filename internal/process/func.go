package process

import "context"

// Func adapts a pair of closures into a Process. RunFunc receives the
// process's Params so it can capture what UndoFunc will need. A nil UndoFunc
// means the process is not undoable.
type Func struct {
	Params

	Label    string
	RunFunc  func(ctx context.Context, params *Params) error
	UndoFunc func(ctx context.Context, params []any) error
}

// NewFunc returns a Func process with the given name and closures.
func NewFunc(name string, run func(ctx context.Context, params *Params) error, undo func(ctx context.Context, params []any) error) *Func {
	return &Func{Label: name, RunFunc: run, UndoFunc: undo}
}

// Name returns the display name.
func (f *Func) Name() string {
	return f.Label
}

// Run invokes RunFunc. A nil RunFunc does nothing.
func (f *Func) Run(ctx context.Context) error {
	if f.RunFunc == nil {
		return nil
	}
	return f.RunFunc(ctx, &f.Params)
}

// Undo invokes UndoFunc. A nil UndoFunc does nothing.
func (f *Func) Undo(ctx context.Context, params []any) error {
	if f.UndoFunc == nil {
		return nil
	}
	return f.UndoFunc(ctx, params)
}

// CanUndo reports whether an UndoFunc was supplied.
func (f *Func) CanUndo() bool {
	return f.UndoFunc != nil
}
