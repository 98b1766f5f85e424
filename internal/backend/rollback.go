package backend

import (
	"context"
	"fmt"
	"log/slog"
)

type rollbackStep struct {
	name string
	undo func(ctx context.Context) error
}

// Rollback records undo actions for resources created during a provision
// attempt. On failure the steps run in reverse order so dependents are
// removed before the resources they depend on.
type Rollback struct {
	logger *slog.Logger
	steps  []rollbackStep
}

// NewRollback creates an empty rollback stack.
func NewRollback(logger *slog.Logger) *Rollback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollback{logger: logger}
}

// Add pushes an undo action for a resource that was just created.
func (r *Rollback) Add(name string, undo func(ctx context.Context) error) {
	r.steps = append(r.steps, rollbackStep{name: name, undo: undo})
}

// Run undoes recorded steps newest-first and returns the failures. Every
// step runs even when an earlier one fails.
func (r *Rollback) Run(ctx context.Context) []error {
	var errs []error
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.undo(ctx); err != nil {
			r.logger.Error("rollback step failed", "resource", step.name, "error", err)
			errs = append(errs, fmt.Errorf("undo %s: %w", step.name, err))
		}
	}
	r.steps = nil
	return errs
}

// Discard drops the recorded steps after a successful attempt.
func (r *Rollback) Discard() {
	r.steps = nil
}

// Len returns the number of pending undo steps.
func (r *Rollback) Len() int {
	return len(r.steps)
}
