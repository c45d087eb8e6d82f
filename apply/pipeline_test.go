package apply

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/studio-core/parser"
	"github.com/zhubert/studio-core/sandbox"
	"github.com/zhubert/studio-core/vfs"
)

func newTestPipeline(t *testing.T) (*Pipeline, *sandbox.MockRuntime) {
	t.Helper()

	rt := sandbox.NewMockRuntime()
	mgr := sandbox.NewManager(rt, sandbox.ManagerConfig{
		BootMaxAttempts:  1,
		BootInitialDelay: time.Millisecond,
		SpawnMaxAttempts: 1,
	}, sandbox.Callbacks{})
	require.NoError(t, mgr.Boot(context.Background()))

	svc := vfs.NewService(rt)
	require.NoError(t, svc.InitializeEmpty(context.Background()))

	return NewPipeline(svc, mgr), rt
}

// drain collects everything currently buffered on an event channel.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

const twoFilesAndInstall = "```ts filename=\"src/a.ts\"\nconst a = 1\n```\n" +
	"```ts filename=\"src/b.ts\"\nconst b = 2\n```\n" +
	"```bash\nnpm install\n```\n"

func TestApply_WritesFilesAndRunsCommands(t *testing.T) {
	p, rt := newTestPipeline(t)

	summary, err := p.Apply(context.Background(), twoFilesAndInstall)
	require.NoError(t, err)

	assert.Equal(t, Summary{FilesCreated: 2, FilesUpdated: 0, CommandsSucceeded: 1}, summary)

	content, err := rt.ReadFile(context.Background(), "src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "const a = 1", string(content))

	assert.Equal(t, []string{"npm install"}, rt.ExecCalls())
}

func TestApply_EventOrdering(t *testing.T) {
	p, _ := newTestPipeline(t)

	ch, unsubscribe := p.Events().Subscribe(64)
	defer unsubscribe()

	_, err := p.Apply(context.Background(), twoFilesAndInstall)
	require.NoError(t, err)

	events := drain(ch)
	require.NotEmpty(t, events)

	start, ok := events[0].(ApplyStart)
	require.True(t, ok, "first event must be ApplyStart, got %T", events[0])
	assert.Equal(t, 2, start.Blocks)
	assert.Equal(t, 1, start.Commands)

	_, ok = events[len(events)-1].(ApplyComplete)
	require.True(t, ok, "last event must be ApplyComplete, got %T", events[len(events)-1])

	var files, terminals int
	for _, e := range events {
		switch e.(type) {
		case FileApplied:
			files++
		case ApplyComplete, ApplyError:
			terminals++
		}
	}
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, terminals, "exactly one terminal event per batch")
}

func TestApply_RequiresUsableSandbox(t *testing.T) {
	rt := sandbox.NewMockRuntime()
	mgr := sandbox.NewManager(rt, sandbox.ManagerConfig{}, sandbox.Callbacks{})
	svc := vfs.NewService(rt)
	p := NewPipeline(svc, mgr) // never booted

	ch, unsubscribe := p.Events().Subscribe(8)
	defer unsubscribe()

	_, err := p.Apply(context.Background(), twoFilesAndInstall)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrNotReady))

	events := drain(ch)
	require.Len(t, events, 2)
	assert.IsType(t, ApplyStart{}, events[0])
	assert.IsType(t, ApplyError{}, events[1])
}

func TestApply_CommandFailureIsAbsorbed(t *testing.T) {
	p, rt := newTestPipeline(t)
	rt.SetExecResult("npm install", sandbox.ExecResult{ExitCode: 1, Output: "EACCES\n"})

	ch, unsubscribe := p.Events().Subscribe(64)
	defer unsubscribe()

	response := "```bash\nnpm install\nnpm ci\n```\n"
	summary, err := p.Apply(context.Background(), response)
	require.NoError(t, err, "a failing command must not fail the batch")

	assert.Equal(t, 1, summary.CommandsSucceeded)
	assert.Equal(t, []string{"npm install", "npm ci"}, rt.ExecCalls(),
		"the command after the failure still runs")

	var cmdErr *CommandError
	for _, e := range drain(ch) {
		if ce, ok := e.(CommandError); ok {
			cmdErr = &ce
		}
	}
	require.NotNil(t, cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Equal(t, "npm install", cmdErr.Command.Raw)
}

func TestApply_PackageManagerOutputStreamed(t *testing.T) {
	p, rt := newTestPipeline(t)
	rt.SetExecResult("npm install", sandbox.ExecResult{Output: "added 12 packages\naudited 13 packages\n"})

	ch, unsubscribe := p.Events().Subscribe(64)
	defer unsubscribe()

	_, err := p.Apply(context.Background(), "```bash\nnpm install\n```\n")
	require.NoError(t, err)

	var lines []string
	completeAfterOutput := false
	for _, e := range drain(ch) {
		switch ev := e.(type) {
		case CommandOutput:
			lines = append(lines, ev.Line)
		case CommandComplete:
			completeAfterOutput = len(lines) == 2
		}
	}
	assert.Equal(t, []string{"added 12 packages", "audited 13 packages"}, lines)
	assert.True(t, completeAfterOutput, "output lines must arrive before completion")
}

func TestApply_DevServerIsSpawnedNotAwaited(t *testing.T) {
	p, rt := newTestPipeline(t)

	summary, err := p.Apply(context.Background(), "```bash\nnpm run dev\n```\n")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.CommandsSucceeded)
	assert.Empty(t, rt.ExecCalls(), "dev server must not go through Exec")
	assert.Len(t, rt.Processes(), 1)
}

func TestApply_PlanSurfacesInStartEvent(t *testing.T) {
	p, _ := newTestPipeline(t)

	ch, unsubscribe := p.Events().Subscribe(16)
	defer unsubscribe()

	response := "```json\n{\"steps\": [\"scaffold\", \"install\"]}\n```\n" +
		"```ts filename=\"a.ts\"\nexport {}\n```\n"
	_, err := p.Apply(context.Background(), response)
	require.NoError(t, err)

	events := drain(ch)
	start := events[0].(ApplyStart)
	assert.Equal(t, []string{"scaffold", "install"}, start.PlanSteps)
	assert.Equal(t, 1, start.Blocks, "the plan block is not a file")
}

// chunkReader yields the payload in fixed-size pieces to exercise
// mid-block chunk boundaries.
type chunkReader struct {
	data string
	pos  int
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	end := c.pos + c.size
	if end > len(c.data) {
		end = len(c.data)
	}
	n := copy(p, c.data[c.pos:end])
	c.pos += n
	return n, nil
}

func TestStreamAndApply_EagerThenBackstop(t *testing.T) {
	p, rt := newTestPipeline(t)

	ch, unsubscribe := p.Events().Subscribe(64)
	defer unsubscribe()

	summary, err := p.StreamAndApply(context.Background(), &chunkReader{data: twoFilesAndInstall, size: 7})
	require.NoError(t, err)

	assert.Equal(t, Summary{FilesCreated: 2, CommandsSucceeded: 1}, summary)

	content, err := rt.ReadFile(context.Background(), "src/b.ts")
	require.NoError(t, err)
	assert.Equal(t, "const b = 2", string(content))

	// The session still reads as a single batch: one start, one terminal
	var starts, terminals int
	for _, e := range drain(ch) {
		switch e.(type) {
		case ApplyStart:
			starts++
		case ApplyComplete, ApplyError:
			terminals++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, terminals)
}

func TestStreamAndApply_ReadErrorPropagates(t *testing.T) {
	p, _ := newTestPipeline(t)

	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("partial"), errReader{boom})

	_, err := p.StreamAndApply(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestBroadcaster_DropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	b.Publish(FileApplied{Path: "kept.ts"})
	b.Publish(FileApplied{Path: "dropped-1.ts"})
	b.Publish(FileApplied{Path: "dropped-2.ts"})

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "kept.ts", events[0].(FileApplied).Path)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(8)

	b.Publish(FileApplied{Path: "a"})
	unsubscribe()
	b.Publish(FileApplied{Path: "b"})

	var got []Event
	for e := range ch { // channel closed by unsubscribe
		got = append(got, e)
	}
	require.Len(t, got, 1)
}

func TestBroadcaster_CloseIsTerminal(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.Subscribe(8)

	b.Close()
	b.Close()
	b.Publish(FileApplied{Path: "after-close"})

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed")

	late, _ := b.Subscribe(8)
	_, ok = <-late
	assert.False(t, ok, "post-close subscription gets a closed channel")
}

func TestCommandClassification(t *testing.T) {
	cmd := func(raw string) parser.Command {
		fields := strings.Fields(raw)
		return parser.Command{Name: fields[0], Args: fields[1:], Raw: raw}
	}

	tests := []struct {
		raw       string
		install   bool
		devServer bool
	}{
		{"npm install", true, false},
		{"npm i", true, false},
		{"npm ci", true, false},
		{"pnpm add react", true, false},
		{"yarn", true, false},
		{"bun install", true, false},
		{"npm run dev", false, true},
		{"yarn dev", false, true},
		{"npm start", false, true},
		{"pnpm preview", false, true},
		{"npm run build", false, false},
		{"git status", false, false},
		{"make install", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c := cmd(tt.raw)
			assert.Equal(t, tt.install, IsInstallCommand(c), "install")
			assert.Equal(t, tt.devServer, IsDevServerCommand(c), "dev server")
		})
	}
}
