package headersync

import "fmt"

// StatusListener receives the externally observable synchronization signals.
//
// Synchronizing marks the beginning of a sync episode. After an episode
// completes successfully, UpToDate is invoked exactly once; it is never
// invoked on routine polls that found nothing to do. SyncFailure may be
// invoked multiple times, once per failed round, while the controller is
// periodically retrying.
//
// Callbacks run on the controller goroutine and must not block.
type StatusListener interface {
	Synchronizing()
	UpToDate()
	SyncFailure(err error)
}

// TaskError describes why a task errored. RPC-level errors carry the error
// code reported by the node; transport-level failures carry only a message.
type TaskError struct {
	Code    int
	Message string
}

func (e *TaskError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("code %d: %s", e.Code, e.Message)
	}
	return e.Message
}

// taskEvent is one lifecycle signal queued from a task goroutine to the
// controller. Per task the delivery order is: started, any number of
// progress, exactly one of success or errored, finished.
type taskEvent struct {
	id       TaskID
	kind     eventKind
	progress float64
	err      *TaskError
}

type eventKind uint8

const (
	taskStarted eventKind = iota
	taskProgress
	taskSucceeded
	taskErrored
	taskFinished
)

func (k eventKind) String() string {
	switch k {
	case taskStarted:
		return "started"
	case taskProgress:
		return "progress"
	case taskSucceeded:
		return "success"
	case taskErrored:
		return "errored"
	case taskFinished:
		return "finished"
	default:
		return fmt.Sprintf("eventKind(%d)", k)
	}
}
