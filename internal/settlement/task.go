package settlement

import (
	"context"
	"time"

	"trade_core/internal/domain"
)

// Outcome classifies how a settlement task ended.
type Outcome string

const (
	// OutcomeExecuted: the order moved PENDING -> EXECUTED.
	OutcomeExecuted Outcome = "executed"
	// OutcomeFailed: execution failed and the order moved PENDING -> FAILED.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped: the order was not PENDING (cancelled, already settled, or missing).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAnomaly: the FAILED write itself failed; needs reconciliation.
	OutcomeAnomaly Outcome = "anomaly"
	// OutcomeAborted: the pipeline shut down before the order was settled.
	OutcomeAborted Outcome = "aborted"
)

// Result is the observable end state of a Task.
type Result struct {
	OrderID  string
	Outcome  Outcome
	Order    *domain.Order // last known snapshot, nil if never read
	Err      error
	Duration time.Duration
}

// Task is a handle on one scheduled settlement.
type Task struct {
	OrderID string

	done   chan struct{}
	result Result
}

func newTask(orderID string) *Task {
	return &Task{OrderID: orderID, done: make(chan struct{})}
}

func (t *Task) finish(r Result) {
	t.result = r
	close(t.done)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the result and true if the task has finished.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
