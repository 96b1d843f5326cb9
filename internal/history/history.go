// Package history keeps the undo and redo stacks of an editing session.
//
// A History is not safe for concurrent use; the owner serializes calls.
package history

import (
	"context"
	"log/slog"

	"timeflow/internal/logging"
)

// Outcome classifies what a command call did.
type Outcome int

const (
	// Applied means the target changed.
	Applied Outcome = iota
	// Unchanged means the call ran and nothing needed to change.
	Unchanged
	// Failed means the call hit an error and left the target untouched.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a command reports from Apply or Reverse.
type Result struct {
	Outcome Outcome
	Detail  string
	Err     error
}

// Done reports a change.
func Done(detail string) Result { return Result{Outcome: Applied, Detail: detail} }

// Skipped reports a call that changed nothing.
func Skipped(detail string) Result { return Result{Outcome: Unchanged, Detail: detail} }

// Failure reports an absorbed error.
func Failure(err error) Result { return Result{Outcome: Failed, Err: err} }

// Command is one reversible edit. Reverse is only called after Apply, and
// Apply may be called again after Reverse.
type Command interface {
	Name() string
	Apply(ctx context.Context) Result
	Reverse(ctx context.Context) Result
}

// Discarder is implemented by commands holding state worth releasing when
// the history drops them.
type Discarder interface {
	Discard()
}

// Entry describes a command held on one of the stacks.
type Entry struct {
	Name string `json:"name"`
}

// History is a single-branch undo/redo stack.
type History struct {
	undo []Command
	redo []Command
	log  *slog.Logger
}

// New returns an empty History.
func New(log *slog.Logger) *History {
	if log == nil {
		log = slog.Default()
	}
	return &History{log: log}
}

// Perform applies cmd, pushes it on the undo stack and clears the redo
// stack. The command is pushed whatever its outcome.
func (h *History) Perform(ctx context.Context, cmd Command) Result {
	res := cmd.Apply(ctx)
	logging.LogEditOutcome(h.log, "apply", cmd.Name(), res.Outcome.String(), res.Err)
	h.undo = append(h.undo, cmd)
	h.clearRedo()
	return res
}

// Undo reverses the most recent command. ok is false when there was nothing
// to undo.
func (h *History) Undo(ctx context.Context) (res Result, ok bool) {
	if len(h.undo) == 0 {
		return Result{}, false
	}
	cmd := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	res = cmd.Reverse(ctx)
	logging.LogEditOutcome(h.log, "undo", cmd.Name(), res.Outcome.String(), res.Err)
	h.redo = append(h.redo, cmd)
	return res, true
}

// Redo re-applies the most recently undone command. ok is false when there
// was nothing to redo.
func (h *History) Redo(ctx context.Context) (res Result, ok bool) {
	if len(h.redo) == 0 {
		return Result{}, false
	}
	cmd := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	res = cmd.Apply(ctx)
	logging.LogEditOutcome(h.log, "redo", cmd.Name(), res.Outcome.String(), res.Err)
	h.undo = append(h.undo, cmd)
	return res, true
}

// CanUndo reports whether Undo would do anything.
func (h *History) CanUndo() bool { return len(h.undo) > 0 }

// CanRedo reports whether Redo would do anything.
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Len returns the depth of both stacks.
func (h *History) Len() (undo, redo int) { return len(h.undo), len(h.redo) }

// Stacks lists both stacks bottom to top.
func (h *History) Stacks() (undo, redo []Entry) {
	undo = make([]Entry, len(h.undo))
	for i, c := range h.undo {
		undo[i] = Entry{Name: c.Name()}
	}
	redo = make([]Entry, len(h.redo))
	for i, c := range h.redo {
		redo[i] = Entry{Name: c.Name()}
	}
	return undo, redo
}

// Clear drops every command on both stacks.
func (h *History) Clear() {
	for _, c := range h.undo {
		discard(c)
	}
	h.undo = nil
	h.clearRedo()
}

func (h *History) clearRedo() {
	for _, c := range h.redo {
		discard(c)
	}
	h.redo = nil
}

func discard(c Command) {
	if d, ok := c.(Discarder); ok {
		d.Discard()
	}
}
