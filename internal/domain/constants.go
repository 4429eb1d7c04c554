package domain

// TaskStatus is the status code reported back to the task producer.
type TaskStatus int

// Task status codes
const (
	TaskStatusDone    TaskStatus = 2
	TaskStatusFailed  TaskStatus = 4
	TaskStatusStopped TaskStatus = 23
)

// String returns the status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskStatusDone:
		return "done"
	case TaskStatusFailed:
		return "failed"
	case TaskStatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Mode selects how a spider receives its inputs.
type Mode string

// Dispatch modes
const (
	ModeParser Mode = "parser"
	ModeWorker Mode = "worker"
)

// ParseMode validates a --type flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeParser, ModeWorker:
		return Mode(s), nil
	default:
		return "", ErrUnknownMode
	}
}

// Reply headers carrying the task outcome.
const (
	HeaderStatus    = "x-status"
	HeaderException = "x-exception"
)

// DateTimeLayout is the layout of ErrorItem.DatetimeUTC.
const DateTimeLayout = "2006-01-02 15:04:05"
