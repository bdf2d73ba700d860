package headersync

import (
	"github.com/BamaHodl/Fulcrum/libs/log"
)

// State is the synchronization state observed by external components.
type State int

const (
	// StateIdle is the only initial state, held until the first poll.
	StateIdle State = iota
	// StateSynchronizing means download tasks are (or are about to be)
	// in flight for the current episode.
	StateSynchronizing
	// StateUpToDate means the local index matched the remote tip at the
	// end of a synchronizing episode.
	StateUpToDate
	// StateFailed means the last round failed; a retry is pending after
	// the poll interval.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynchronizing:
		return "synchronizing"
	case StateUpToDate:
		return "up-to-date"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// machine is the synchronization state machine. It decides which status
// signals are legal to emit and when, and keeps the height counters the
// controller reports.
//
// Allowed transitions: Idle → Synchronizing; Synchronizing → {UpToDate,
// Failed}; UpToDate → Synchronizing (new remote height detected); Failed →
// Synchronizing (retry). No state is terminal; the machine runs for the
// controller's entire lifetime.
//
// The machine is confined to the controller goroutine. Listener callbacks
// are invoked synchronously from the transition that triggers them.
type machine struct {
	logger log.Logger

	state        State
	localHeight  int64
	targetHeight int64
	failErr      error

	listeners []StatusListener
}

func newMachine(logger log.Logger, listeners ...StatusListener) *machine {
	return &machine{
		logger:    logger,
		state:     StateIdle,
		listeners: listeners,
	}
}

func (m *machine) State() State { return m.state }

// setHeights records the heights observed at the top of a transition pass.
func (m *machine) setHeights(local, target int64) {
	m.localHeight = local
	m.targetHeight = target
}

// toSynchronizing enters the synchronizing state, emitting the synchronizing
// signal only on the edge. Re-entry from UpToDate or Failed begins a new
// episode.
func (m *machine) toSynchronizing() {
	if m.state == StateSynchronizing {
		return
	}

	m.logger.Debug("state transition", "from", m.state.String(), "to", StateSynchronizing.String())
	m.state = StateSynchronizing
	m.failErr = nil
	for _, l := range m.listeners {
		l.Synchronizing()
	}
}

// toUpToDate ends a synchronizing episode. The up-to-date signal fires at
// most once per episode: if the machine is not synchronizing (a routine poll
// that found nothing to do), this is a no-op.
func (m *machine) toUpToDate() {
	if m.state != StateSynchronizing {
		return
	}

	m.logger.Debug("state transition", "from", m.state.String(), "to", StateUpToDate.String())
	m.state = StateUpToDate
	for _, l := range m.listeners {
		l.UpToDate()
	}
}

// toFailed records a failed round and emits the failure signal. Each failed
// round emits once, including back-to-back failures while retrying, so the
// signal may recur across the controller's life.
func (m *machine) toFailed(err error) {
	m.logger.Debug("state transition", "from", m.state.String(), "to", StateFailed.String(), "err", err)
	m.state = StateFailed
	m.failErr = err
	for _, l := range m.listeners {
		l.SyncFailure(err)
	}
}
