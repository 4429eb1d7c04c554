package spider

import (
	"github.com/cuongbtq/harvester/internal/domain"
)

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status maps the outcome to the status code reported to the producer.
func (o Outcome) Status() domain.TaskStatus {
	switch o {
	case OutcomeDone:
		return domain.TaskStatusDone
	case OutcomeStopped:
		return domain.TaskStatusStopped
	default:
		return domain.TaskStatusFailed
	}
}

// Run is a task in flight. Items must be read from Items, or discarded by
// Wait, for the run to make progress.
type Run struct {
	items   chan domain.Item
	done    chan struct{}
	outcome Outcome
	err     error
}

func newRun() *Run {
	return &Run{
		items: make(chan domain.Item),
		done:  make(chan struct{}),
	}
}

func (r *Run) finish(outcome Outcome, err error) {
	r.outcome = outcome
	r.err = err
	close(r.items)
	close(r.done)
}

// Items streams the committed items. The channel is closed when the run ends.
func (r *Run) Items() <-chan domain.Item {
	return r.items
}

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait discards unread items and blocks until the run ends.
func (r *Run) Wait() (Outcome, error) {
	for range r.items {
	}
	<-r.done
	return r.outcome, r.err
}
