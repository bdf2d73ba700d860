package headersync

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/libs/log"
	"github.com/BamaHodl/Fulcrum/libs/service"
	rpcclient "github.com/BamaHodl/Fulcrum/rpc/client"
)

var _ service.Service = (*Controller)(nil)

// ServingControl starts the client-facing server. The controller enables it
// exactly once, after the local index first matches the remote tip; before
// that the server must not be reachable.
type ServingControl interface {
	StartServing(ctx context.Context) error
}

// Controller keeps the local header index consistent with the remote node.
// It owns the task registry, the synchronization state machine and all round
// bookkeeping, all of which are confined to its single run goroutine; tasks
// communicate back exclusively through queued lifecycle events.
type Controller struct {
	service.BaseService
	logger log.Logger

	cfg     *config.SyncConfig
	caller  rpcclient.Caller
	store   HeaderStore
	serving ServingControl // may be nil
	metrics *Metrics

	machine *machine
	reg     *registry

	events  chan taskEvent
	trigger chan struct{}
	quit    chan struct{}
	done    chan struct{}

	// pendingStarts holds ids of tasks created but not yet launched. It is
	// serviced at the top of every loop pass, so queuing a start can never
	// block the loop no matter how many rounds come and go.
	pendingStarts []TaskID

	ticker         *time.Ticker
	round          *round
	servingEnabled bool
	episodeDone    int64 // heights committed by tasks finished this episode

	stats atomic.Value // Stats
}

// round tracks one attempt to close the gap between the local and remote
// height: the tasks created for it, which of them are still pending, and
// whether the round has been aborted. On failure the whole range is retried
// from scratch; position tracking is per round, not per task.
type round struct {
	from, to  int64
	spans     map[TaskID]Span
	pending   map[TaskID]struct{}
	succeeded map[TaskID]bool
	failed    bool
	err       error
}

// NewController returns a controller polling the node behind caller and
// committing to store. Listeners receive the observable status signals.
func NewController(
	logger log.Logger,
	cfg *config.SyncConfig,
	caller rpcclient.Caller,
	store HeaderStore,
	serving ServingControl,
	metrics *Metrics,
	listeners ...StatusListener,
) *Controller {
	c := &Controller{
		logger:  logger,
		cfg:     cfg,
		caller:  caller,
		store:   store,
		serving: serving,
		metrics: metrics,
		machine: newMachine(logger, listeners...),
		reg:     newRegistry(),
		events:  make(chan taskEvent, 256),
		trigger: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.stats.Store(Stats{State: StateIdle.String()})

	c.BaseService = *service.NewBaseService(logger, "Controller", c)
	return c
}

func (c *Controller) OnStart(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

func (c *Controller) OnStop() { close(c.quit) }

// TriggerSync requests an immediate transition pass, as when an external
// component learns of a new remote tip. Non-blocking; coalesces with a
// pending trigger.
func (c *Controller) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Stats returns the last snapshot published by the controller goroutine. The
// headers-downloaded figure is best-effort, not authoritative.
func (c *Controller) Stats() Stats {
	s, _ := c.stats.Load().(Stats)
	return s
}

// State returns the state recorded in the last published snapshot.
func (c *Controller) State() string { return c.Stats().State }

// run is the controller's single execution context. Everything that mutates
// the registry, the state machine or round bookkeeping happens here.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	c.ticker = time.NewTicker(c.cfg.PollInterval)
	defer c.ticker.Stop()

	// First pass immediately at startup rather than one interval in.
	c.process(ctx)
	c.publishStats()

	for {
		c.launchPending(ctx)

		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-c.quit:
			c.teardown()
			return
		case <-c.ticker.C:
			c.pollNow(ctx)
		case <-c.trigger:
			c.pollNow(ctx)
		case ev := <-c.events:
			c.handleTaskEvent(ctx, ev)
		}
		c.publishStats()
	}
}

// pollNow runs a transition pass unless a round is already in flight, in
// which case progress is event-driven and the tick is ignored. A failed
// round therefore retries no sooner than one poll interval after it cleared.
func (c *Controller) pollNow(ctx context.Context) {
	if c.round != nil {
		return
	}
	c.process(ctx)
}

// process advances the state machine by one transition pass: query both
// heights, then either conclude the episode or start a new download round.
func (c *Controller) process(ctx context.Context) {
	var tip int64
	if err := c.caller.Call(ctx, "getblockcount", nil, &tip); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("failed to query remote tip height", "err", err)
		c.metrics.RoundFailures.Add(1)
		c.machine.toFailed(fmt.Errorf("cannot query remote tip: %w", err))
		c.ticker.Reset(c.cfg.PollInterval)
		return
	}

	// getblockcount reports the tip height; the index counts headers from
	// genesis, so the target is one past the tip.
	target := tip + 1
	local := c.store.NumHeaders()
	c.machine.setHeights(local, target)
	c.metrics.LocalHeight.Set(float64(local))
	c.metrics.TargetHeight.Set(float64(target))

	if local >= target {
		c.onCaughtUp(ctx)
		return
	}

	if c.machine.State() != StateSynchronizing {
		c.episodeDone = 0
		c.machine.toSynchronizing()
	}
	c.startRound(ctx, local, target)
}

// onCaughtUp concludes a synchronizing episode, if one was active, and
// enables the serving side on the first catch-up of the controller's life.
func (c *Controller) onCaughtUp(ctx context.Context) {
	c.machine.toUpToDate()

	if c.servingEnabled || c.serving == nil {
		return
	}
	if err := c.serving.StartServing(ctx); err != nil {
		c.logger.Error("failed to enable serving", "err", err)
		return
	}
	c.servingEnabled = true
	c.logger.Info("serving enabled", "height", c.store.NumHeaders())
}

// startRound partitions the missing range and creates one download task per
// non-empty sub-range. Tasks are started on later loop iterations, never
// inside the call that created them.
func (c *Controller) startRound(ctx context.Context, from, to int64) {
	spans := splitRange(from, to, c.cfg.Parallelism)

	r := &round{
		from:      from,
		to:        to,
		spans:     make(map[TaskID]Span, len(spans)),
		pending:   make(map[TaskID]struct{}, len(spans)),
		succeeded: make(map[TaskID]bool, len(spans)),
	}
	for _, span := range spans {
		body := &downloadTask{span: span, batchSize: c.cfg.HeadersPerBatch, store: c.store}
		name := fmt.Sprintf("download-headers-%d-%d", span.From, span.To)
		t := c.reg.create(c.newBaseTask(name), body, true)
		r.spans[t.id] = span
		r.pending[t.id] = struct{}{}
		c.pendingStarts = append(c.pendingStarts, t.id)
		c.metrics.TasksCreated.Add(1)
	}
	c.round = r
	c.metrics.Rounds.Add(1)
	c.metrics.LiveTasks.Set(float64(c.reg.len()))

	c.logger.Info("starting download round", "from", from, "to", to, "tasks", len(spans))
}

func (c *Controller) newBaseTask(name string) *baseTask {
	return &baseTask{
		name:     name,
		created:  time.Now(),
		logger:   c.logger.With("task", name),
		caller:   c.caller,
		events:   c.events,
		ctrlDone: c.done,
	}
}

// launchPending starts every task whose start was deferred at creation, so
// the creating call always returns with its bookkeeping complete before any
// task runs. Ids whose round was aborted before they ever ran are skipped.
func (c *Controller) launchPending(ctx context.Context) {
	for _, id := range c.pendingStarts {
		c.launchTask(ctx, id)
	}
	c.pendingStarts = c.pendingStarts[:0]
}

// launchTask starts a task whose start was deferred at creation. The task
// may already be gone if its round was aborted before it ever ran.
func (c *Controller) launchTask(ctx context.Context, id TaskID) {
	t, ok := c.reg.get(id)
	if !ok {
		return
	}
	t.launched = true
	body := t.runner
	base := t.baseTask
	t.start(ctx, func(ctx context.Context) error { return body.run(ctx, base) })
}

func (c *Controller) handleTaskEvent(ctx context.Context, ev taskEvent) {
	if c.reg.isTaskDeleted(ev.id) {
		// late event from a task torn down during an abort
		return
	}

	switch ev.kind {
	case taskStarted:
		c.logger.Debug("task started", "task_id", uint64(ev.id))
	case taskProgress:
		// sampled through the task's atomic field on the next stats pass
	case taskSucceeded:
		if c.round != nil {
			c.round.succeeded[ev.id] = true
		}
	case taskErrored:
		c.onTaskErrored(ev)
	case taskFinished:
		c.onTaskFinished(ctx, ev.id)
	}
}

// onTaskErrored is the generic error handler wired to every task created
// with error forwarding. The first error of a round fails the round; errors
// from siblings being stopped during the abort are expected and only logged.
func (c *Controller) onTaskErrored(ev taskEvent) {
	t, ok := c.reg.get(ev.id)
	if !ok || !t.forwardErrored {
		return
	}

	r := c.round
	if r == nil {
		return
	}
	if _, member := r.spans[ev.id]; !member {
		return
	}
	if r.failed {
		c.logger.Debug("task stopped during round abort", "task", t.name, "err", ev.err.Message)
		return
	}

	c.logger.Error("task errored; aborting round",
		"task", t.name,
		"code", ev.err.Code,
		"err", ev.err.Message,
	)
	c.metrics.TaskFailures.Add(1)
	c.metrics.RoundFailures.Add(1)

	r.failed = true
	r.err = ev.err
	c.machine.toFailed(fmt.Errorf("download round [%d,%d) failed: %w", r.from, r.to, error(ev.err)))
	c.abortRound(r, ev.id)
}

// abortRound stops every other still-live task in the round. Launched tasks
// deliver their own finished signal in due course; tasks still waiting on
// their deferred start never ran and are torn down here directly.
func (c *Controller) abortRound(r *round, exclude TaskID) {
	for id := range r.pending {
		if id == exclude {
			continue
		}
		t, ok := c.reg.get(id)
		if !ok {
			continue
		}
		t.stop()
		if !t.launched {
			delete(r.pending, id)
			c.reg.remove(id)
		}
	}
	c.metrics.LiveTasks.Set(float64(c.reg.len()))
}

// onTaskFinished deregisters the task and, when it was the round's last,
// either schedules the retry (failed round, after the poll interval) or
// re-checks the heights immediately (clean round).
func (c *Controller) onTaskFinished(ctx context.Context, id TaskID) {
	if r := c.round; r != nil {
		if span, member := r.spans[id]; member {
			delete(r.pending, id)
			if r.succeeded[id] {
				c.episodeDone += span.Len()
				c.metrics.HeadersDownloaded.Add(float64(span.Len()))
			}
		}
	}

	c.reg.remove(id)
	c.metrics.LiveTasks.Set(float64(c.reg.len()))

	r := c.round
	if r == nil || len(r.pending) > 0 {
		return
	}
	c.round = nil

	if r.failed {
		// Retry no sooner than one full poll interval after the failed
		// round has fully cleared.
		c.ticker.Reset(c.cfg.PollInterval)
		c.logger.Info("round failed; retrying after poll interval",
			"from", r.from,
			"to", r.to,
			"retry_in", c.cfg.PollInterval.String(),
		)
		return
	}

	// All tasks succeeded: re-check heights. Still behind starts the next
	// round, otherwise the episode concludes up to date.
	c.process(ctx)
}

// teardown stops and clears all live tasks at shutdown.
func (c *Controller) teardown() {
	for id, t := range c.reg.tasks {
		t.stop()
		c.reg.remove(id)
	}
	c.pendingStarts = nil
	c.round = nil
}

// headersDownloadedSoFar is the approximate number of headers fetched during
// the current episode: completed spans plus each live task's last reported
// progress scaled to its span. Not strictly consistent; only the controller
// goroutine may call it.
func (c *Controller) headersDownloadedSoFar() int64 {
	n := c.episodeDone
	if c.round != nil {
		for id, span := range c.round.spans {
			if t, ok := c.reg.get(id); ok {
				n += int64(t.Progress() * float64(span.Len()))
			}
		}
	}
	return n
}

// TaskStats describes one live task in a stats snapshot.
type TaskStats struct {
	ID       TaskID  `json:"id"`
	Name     string  `json:"name"`
	AgeMS    int64   `json:"age_ms"`
	Progress float64 `json:"progress"`
}

// Stats is a point-in-time snapshot of the controller, safe to read from any
// goroutine. The headers-downloaded counter is best-effort only.
type Stats struct {
	State             string      `json:"state"`
	LocalHeight       int64       `json:"local_height"`
	TargetHeight      int64       `json:"target_height"`
	HeadersDownloaded int64       `json:"headers_downloaded"`
	ServingEnabled    bool        `json:"serving_enabled"`
	Tasks             []TaskStats `json:"tasks,omitempty"`
}

func (c *Controller) publishStats() {
	s := Stats{
		State:             c.machine.State().String(),
		LocalHeight:       c.machine.localHeight,
		TargetHeight:      c.machine.targetHeight,
		HeadersDownloaded: c.headersDownloadedSoFar(),
		ServingEnabled:    c.servingEnabled,
	}
	for id, t := range c.reg.tasks {
		s.Tasks = append(s.Tasks, TaskStats{
			ID:       id,
			Name:     t.name,
			AgeMS:    time.Since(t.created).Milliseconds(),
			Progress: t.Progress(),
		})
	}
	sort.Slice(s.Tasks, func(i, j int) bool { return s.Tasks[i].ID < s.Tasks[j].ID })

	c.stats.Store(s)
}
