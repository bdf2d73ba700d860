package headersync

// registry owns all live tasks, keyed by id. A task present in the map is
// guaranteed live; once removed it must not be dereferenced again.
//
// The registry is confined to the controller goroutine, so nothing here
// locks. Its size equals the number of tasks between start-scheduling and
// the finished signal.
type registry struct {
	nextID TaskID
	tasks  map[TaskID]*task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[TaskID]*task)}
}

// create builds a task of the given kind around base, transfers ownership
// into the registry, and returns it. forwardErrored wires the task's errored
// signal to the controller's generic error handler. create never starts the
// task inline; the controller schedules start for its next loop iteration so
// registration bookkeeping always completes first.
func (r *registry) create(base *baseTask, body runner, forwardErrored bool) *task {
	r.nextID++
	base.id = r.nextID

	t := &task{
		baseTask:       base,
		runner:         body,
		forwardErrored: forwardErrored,
	}
	r.tasks[t.id] = t

	return t
}

// get returns the live task for id, if any.
func (r *registry) get(id TaskID) (*task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// remove erases the registry entry for id, destroying the task. Invoked in
// response to the task's finished signal, and tolerant of ids already absent
// since a finished path and a controller-level cleanup can race in program
// order.
func (r *registry) remove(id TaskID) {
	delete(r.tasks, id)
}

// isTaskDeleted returns true iff id is absent. Code holding a possibly-stale
// id across a suspension point checks this before touching the task.
func (r *registry) isTaskDeleted(id TaskID) bool {
	_, ok := r.tasks[id]
	return !ok
}

func (r *registry) len() int { return len(r.tasks) }
