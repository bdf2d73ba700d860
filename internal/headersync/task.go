package headersync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/BamaHodl/Fulcrum/libs/log"
	rpcclient "github.com/BamaHodl/Fulcrum/rpc/client"
)

// TaskID is the identity of a task, unique for the controller's lifetime.
// Ids are drawn from a monotonic counter and never reused, so a stale id held
// across a suspension point can always be checked against the registry.
type TaskID uint64

// runner is the body of a concrete task kind. run executes until done or the
// context is canceled; a nil return means success.
type runner interface {
	run(ctx context.Context, t *baseTask) error
}

// task is one registered unit of work: the shared base plus its concrete body
// and the registry's per-task wiring.
type task struct {
	*baseTask
	runner         runner
	forwardErrored bool

	// launched is set once start has been scheduled into a goroutine.
	// Confined to the controller goroutine.
	launched bool
}

// baseTask carries the state shared by every task kind: identity, progress
// and error reporting, RPC submission, and cancellation. The progress and
// error fields may be written by the task goroutine while the controller
// reads them, hence the atomics.
type baseTask struct {
	id      TaskID
	name    string
	created time.Time

	logger   log.Logger
	caller   rpcclient.Caller
	events   chan<- taskEvent
	ctrlDone <-chan struct{}

	progressBits uint64 // atomic; math.Float64bits of the last reported progress
	stopped      uint32 // atomic

	// terr is written by the task goroutine before the errored event is
	// queued and read by the controller only after that event arrives.
	terr *TaskError

	cancel context.CancelFunc
}

func (t *baseTask) ID() TaskID           { return t.id }
func (t *baseTask) Name() string         { return t.name }
func (t *baseTask) CreatedAt() time.Time { return t.created }

// Progress returns the last progress value reported by the task, in [0, 1].
func (t *baseTask) Progress() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.progressBits))
}

// Err returns the task's error. Valid only after the errored event has been
// delivered.
func (t *baseTask) Err() *TaskError { return t.terr }

// start runs the task body on its own goroutine. It must be called at most
// once, from the controller goroutine, and never inline with task creation.
func (t *baseTask) start(ctx context.Context, body func(context.Context) error) {
	ctx, t.cancel = context.WithCancel(ctx)

	go func() {
		t.emit(taskEvent{id: t.id, kind: taskStarted})

		if err := t.runBody(ctx, body); err != nil {
			t.terr = toTaskError(err)
			t.emit(taskEvent{id: t.id, kind: taskErrored, err: t.terr})
		} else {
			t.emit(taskEvent{id: t.id, kind: taskSucceeded})
		}

		t.emit(taskEvent{id: t.id, kind: taskFinished})
	}()
}

// runBody shields the controller from a panicking task body: the panic is
// converted into a task error, never propagated.
func (t *baseTask) runBody(ctx context.Context, body func(context.Context) error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, e)
			t.logger.Error("recovered from panicking task", "task", t.name, "err", err)
		}
	}()

	return body(ctx)
}

// stop requests best-effort cancellation. Safe to call from the controller at
// any time, including before the task produced any progress; never blocks.
func (t *baseTask) stop() {
	if atomic.CompareAndSwapUint32(&t.stopped, 0, 1) && t.cancel != nil {
		t.cancel()
	}
}

// submit issues one RPC request through the shared node client and decodes
// the result. A completion that arrives after the task was stopped is
// reported as the cancellation, not acted upon.
func (t *baseTask) submit(ctx context.Context, method string, params, result interface{}) error {
	err := t.caller.Call(ctx, method, params, result)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// reportProgress publishes p both to the atomic field sampled by the
// controller and as a queued progress event.
func (t *baseTask) reportProgress(p float64) {
	atomic.StoreUint64(&t.progressBits, math.Float64bits(p))
	t.emit(taskEvent{id: t.id, kind: taskProgress, progress: p})
}

// emit queues ev to the controller. If the controller has already shut down
// the event is dropped so the task goroutine can exit.
func (t *baseTask) emit(ev taskEvent) {
	select {
	case t.events <- ev:
	case <-t.ctrlDone:
	}
}

func toTaskError(err error) *TaskError {
	var rpcErr *rpcclient.RPCError
	if errors.As(err, &rpcErr) {
		return &TaskError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	return &TaskError{Message: err.Error()}
}
