package progress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/studio-core/apply"
	"github.com/zhubert/studio-core/parser"
)

func cmd(name string, args ...string) parser.Command {
	return parser.Command{Name: name, Args: args}
}

func state(t *testing.T, tr *Tracker, p Phase) State {
	t.Helper()
	for _, s := range tr.Snapshot() {
		if s.Phase == p {
			return s.State
		}
	}
	t.Fatalf("unknown phase %s", p)
	return ""
}

func TestTracker_HappyPath(t *testing.T) {
	tr := NewTracker()

	for _, s := range tr.Snapshot() {
		assert.Equal(t, StatePending, s.State, "%s starts pending", s.Phase)
	}

	tr.Observe(apply.ApplyStart{Blocks: 2, Commands: 2})
	assert.Equal(t, StateInProgress, state(t, tr, PhaseAnalyzing))

	tr.Observe(apply.FileApplied{Path: "src/a.ts"})
	assert.Equal(t, StateCompleted, state(t, tr, PhaseAnalyzing))
	assert.Equal(t, StateCompleted, state(t, tr, PhaseWritingFiles))

	tr.Observe(apply.CommandStart{Command: cmd("npm", "install")})
	assert.Equal(t, StateInProgress, state(t, tr, PhaseInstalling))

	tr.Observe(apply.CommandComplete{Command: cmd("npm", "install")})
	assert.Equal(t, StateCompleted, state(t, tr, PhaseInstalling))

	tr.Observe(apply.CommandStart{Command: cmd("npm", "run", "dev")})
	assert.Equal(t, StateInProgress, state(t, tr, PhaseServer))

	tr.Observe(apply.ApplyComplete{})
	assert.Equal(t, StateCompleted, state(t, tr, PhaseServer))
}

func TestTracker_CommandErrorMarksCurrentPhase(t *testing.T) {
	tr := NewTracker()

	tr.Observe(apply.ApplyStart{})
	tr.Observe(apply.FileApplied{Path: "a.ts"})
	tr.Observe(apply.CommandStart{Command: cmd("npm", "install")})
	tr.Observe(apply.CommandError{Command: cmd("npm", "install"), ExitCode: 1, Err: errors.New("EACCES")})

	assert.Equal(t, StateError, state(t, tr, PhaseInstalling))
	assert.Equal(t, StatePending, state(t, tr, PhaseServer), "later phases untouched")
}

func TestTracker_ApplyErrorDuringAnalysis(t *testing.T) {
	tr := NewTracker()

	tr.Observe(apply.ApplyStart{})
	tr.Observe(apply.ApplyError{Err: errors.New("sandbox not ready")})

	assert.Equal(t, StateError, state(t, tr, PhaseAnalyzing))
}

func TestTracker_NonInstallCommandsDoNotTouchPhases(t *testing.T) {
	tr := NewTracker()

	tr.Observe(apply.ApplyStart{})
	tr.Observe(apply.CommandStart{Command: cmd("npm", "run", "build")})

	assert.Equal(t, StatePending, state(t, tr, PhaseInstalling))
	assert.Equal(t, StatePending, state(t, tr, PhaseServer))
}

func TestTracker_CapturesPlanSteps(t *testing.T) {
	tr := NewTracker()

	tr.Observe(apply.ApplyStart{PlanSteps: []string{"scaffold", "wire routes"}})
	assert.Equal(t, []string{"scaffold", "wire routes"}, tr.PlanSteps())
}

func TestTracker_OnChangeFiresPerTransition(t *testing.T) {
	tr := NewTracker()

	var calls int
	tr.OnChange(func(snapshot []Status) {
		calls++
		require.Len(t, snapshot, 4)
	})

	tr.Observe(apply.ApplyStart{})
	tr.Observe(apply.ApplyStart{}) // no transition, no callback
	tr.Observe(apply.FileApplied{Path: "a.ts"})

	assert.Equal(t, 2, calls)
}

func TestTracker_RunConsumesChannelUntilClosed(t *testing.T) {
	tr := NewTracker()

	ch := make(chan apply.Event, 8)
	ch <- apply.ApplyStart{}
	ch <- apply.FileApplied{Path: "a.ts"}
	ch <- apply.ApplyComplete{}
	close(ch)

	tr.Run(ch)

	assert.Equal(t, StateCompleted, state(t, tr, PhaseWritingFiles))
	assert.Equal(t, StateCompleted, state(t, tr, PhaseServer))
}

func TestTracker_SnapshotOrder(t *testing.T) {
	tr := NewTracker()
	snapshot := tr.Snapshot()

	want := []Phase{PhaseAnalyzing, PhaseWritingFiles, PhaseInstalling, PhaseServer}
	require.Len(t, snapshot, len(want))
	for i, p := range want {
		assert.Equal(t, p, snapshot[i].Phase)
	}
}
