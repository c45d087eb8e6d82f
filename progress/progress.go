// Package progress projects the apply pipeline's event stream onto a
// small fixed set of user-facing phases. It is a read-side view only:
// it holds no authority over the pipeline and never blocks it.
package progress

import (
	"sync"

	"github.com/zhubert/studio-core/apply"
)

// Phase names one stage of applying a response.
type Phase string

const (
	PhaseAnalyzing    Phase = "analyzing"
	PhaseWritingFiles Phase = "writing files"
	PhaseInstalling   Phase = "installing dependencies"
	PhaseServer       Phase = "starting server"
)

// phaseOrder is the display order.
var phaseOrder = []Phase{PhaseAnalyzing, PhaseWritingFiles, PhaseInstalling, PhaseServer}

// State is the lifecycle of one phase.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Status pairs a phase with its current state.
type Status struct {
	Phase Phase `json:"phase"`
	State State `json:"state"`
}

// Tracker folds apply events into phase states. Only one phase is in
// progress at a time, by construction of the pipeline's emission order.
type Tracker struct {
	mu     sync.RWMutex
	states map[Phase]State
	steps  []string

	// onChange, when set, fires after every state transition.
	onChange func([]Status)
}

// NewTracker creates a tracker with every phase pending.
func NewTracker() *Tracker {
	t := &Tracker{states: make(map[Phase]State, len(phaseOrder))}
	for _, p := range phaseOrder {
		t.states[p] = StatePending
	}
	return t
}

// OnChange registers a callback invoked with a snapshot after each
// transition. Call before Observe/Run; not safe to change concurrently.
func (t *Tracker) OnChange(fn func([]Status)) {
	t.onChange = fn
}

// Run consumes an apply event channel until it closes. Typical usage:
//
//	ch, unsub := pipeline.Events().Subscribe(64)
//	defer unsub()
//	go tracker.Run(ch)
func (t *Tracker) Run(ch <-chan apply.Event) {
	for e := range ch {
		t.Observe(e)
	}
}

// Observe applies one event's transition.
func (t *Tracker) Observe(e apply.Event) {
	t.mu.Lock()

	changed := false
	set := func(p Phase, s State) {
		if t.states[p] != s {
			t.states[p] = s
			changed = true
		}
	}

	switch ev := e.(type) {
	case apply.ApplyStart:
		set(PhaseAnalyzing, StateInProgress)
		if len(ev.PlanSteps) > 0 {
			t.steps = append([]string(nil), ev.PlanSteps...)
			changed = true
		}

	case apply.FileApplied:
		set(PhaseAnalyzing, StateCompleted)
		set(PhaseWritingFiles, StateCompleted)

	case apply.CommandStart:
		switch {
		case apply.IsInstallCommand(ev.Command):
			set(PhaseInstalling, StateInProgress)
		case apply.IsDevServerCommand(ev.Command):
			set(PhaseServer, StateInProgress)
		}

	case apply.CommandComplete:
		if apply.IsInstallCommand(ev.Command) {
			set(PhaseInstalling, StateCompleted)
		}

	case apply.CommandError:
		if p, ok := t.inProgressLocked(); ok {
			set(p, StateError)
		}

	case apply.ApplyComplete:
		set(PhaseServer, StateCompleted)

	case apply.ApplyError:
		if p, ok := t.inProgressLocked(); ok {
			set(p, StateError)
		}
	}

	var snapshot []Status
	if changed && t.onChange != nil {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	// Callback runs outside the lock so it may read the tracker
	if snapshot != nil {
		t.onChange(snapshot)
	}
}

// Snapshot returns every phase with its state, in display order.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// PlanSteps returns the plan captured from the start event, if any.
func (t *Tracker) PlanSteps() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.steps...)
}

func (t *Tracker) snapshotLocked() []Status {
	out := make([]Status, 0, len(phaseOrder))
	for _, p := range phaseOrder {
		out = append(out, Status{Phase: p, State: t.states[p]})
	}
	return out
}

func (t *Tracker) inProgressLocked() (Phase, bool) {
	for _, p := range phaseOrder {
		if t.states[p] == StateInProgress {
			return p, true
		}
	}
	return "", false
}
