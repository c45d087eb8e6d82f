package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockRuntime is an in-memory Runtime for tests. Files live in a map;
// Start and Spawn failures can be scripted in order.
type MockRuntime struct {
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool // explicitly created directories (may be empty)

	startErrs []error // consumed one per Start call
	spawnErrs []error // consumed one per Spawn call
	execs     map[string]ExecResult

	running    bool
	startCalls int
	stopCalls  int
	execCalls  []string
	callbacks  Callbacks

	processes []*MockProcess
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		files: make(map[string]string),
		dirs:  make(map[string]bool),
		execs: make(map[string]ExecResult),
	}
}

// FailStart queues errors to be returned by the next Start calls, in order.
func (r *MockRuntime) FailStart(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErrs = append(r.startErrs, errs...)
}

// FailSpawn queues errors to be returned by the next Spawn calls, in order.
func (r *MockRuntime) FailSpawn(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnErrs = append(r.spawnErrs, errs...)
}

// SetExecResult scripts the result for a command line (name + args joined
// with spaces).
func (r *MockRuntime) SetExecResult(commandLine string, result ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[commandLine] = result
}

// SetCallbacks attaches callbacks used by spawned mock processes.
func (r *MockRuntime) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

// Callbacks returns the currently attached callbacks, so tests can fire
// runtime events directly.
func (r *MockRuntime) Callbacks() Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks
}

// StartCalls returns how many times Start was invoked.
func (r *MockRuntime) StartCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startCalls
}

// StopCalls returns how many times Stop was invoked.
func (r *MockRuntime) StopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls
}

// ExecCalls returns the command lines passed to Exec, in order.
func (r *MockRuntime) ExecCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.execCalls))
	copy(out, r.execCalls)
	return out
}

// Processes returns all spawned mock processes, in spawn order.
func (r *MockRuntime) Processes() []*MockProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MockProcess, len(r.processes))
	copy(out, r.processes)
	return out
}

func (r *MockRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCalls++
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		return err
	}
	r.running = true
	return nil
}

func (r *MockRuntime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *MockRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	procs := make([]*MockProcess, len(r.processes))
	copy(procs, r.processes)
	r.stopCalls++
	r.running = false
	r.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	return nil
}

func (r *MockRuntime) Mount(ctx context.Context, files map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, content := range files {
		r.files[p] = content
	}
	return nil
}

func (r *MockRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return []byte(content), nil
}

func (r *MockRuntime) WriteFile(ctx context.Context, path string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = string(content)
	return nil
}

func (r *MockRuntime) MkdirAll(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := strings.Split(path, "/")
	for i := 1; i <= len(parts); i++ {
		r.dirs[strings.Join(parts[:i], "/")] = true
	}
	return nil
}

func (r *MockRuntime) Remove(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
	delete(r.dirs, path)
	prefix := path + "/"
	for p := range r.files {
		if strings.HasPrefix(p, prefix) {
			delete(r.files, p)
		}
	}
	for d := range r.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(r.dirs, d)
		}
	}
	return nil
}

func (r *MockRuntime) Rename(ctx context.Context, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[oldPath]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldPath, Err: os.ErrNotExist}
	}
	delete(r.files, oldPath)
	r.files[newPath] = content
	return nil
}

func (r *MockRuntime) ReadDir(ctx context.Context, path string) ([]FileEntry, error) {
	entries, err := r.ReadTree(ctx)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if path != "" && path != "." {
		prefix = path + "/"
	}
	var out []FileEntry
	for _, e := range entries {
		if !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Path, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadTree derives directories from file paths, mirroring what a real
// filesystem walk would produce.
func (r *MockRuntime) ReadTree(ctx context.Context) ([]FileEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]FileEntry)
	for d := range r.dirs {
		parts := strings.Split(d, "/")
		if entrySkipped(parts) {
			continue
		}
		for i := 1; i <= len(parts); i++ {
			dir := strings.Join(parts[:i], "/")
			seen[dir] = FileEntry{Name: parts[i-1], Path: dir, IsDir: true}
		}
	}
	for p := range r.files {
		parts := strings.Split(p, "/")
		if entrySkipped(parts) {
			continue
		}
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/")
			seen[dir] = FileEntry{Name: parts[i-1], Path: dir, IsDir: true}
		}
		seen[p] = FileEntry{Name: parts[len(parts)-1], Path: p, IsDir: false}
	}

	out := make([]FileEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func entrySkipped(parts []string) bool {
	for _, part := range parts {
		if skipEntry(part) {
			return true
		}
	}
	return false
}

func (r *MockRuntime) Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	line := name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.execCalls = append(r.execCalls, line)
	if result, ok := r.execs[line]; ok {
		return result, nil
	}
	return ExecResult{}, nil
}

// ExecStream replays the scripted result's output through onLine line by
// line, then returns the result.
func (r *MockRuntime) ExecStream(ctx context.Context, onLine func(line string), name string, args ...string) (ExecResult, error) {
	result, err := r.Exec(ctx, name, args...)
	if err != nil {
		return result, err
	}
	if onLine != nil {
		for _, line := range strings.Split(strings.TrimRight(result.Output, "\n"), "\n") {
			if line != "" {
				onLine(line)
			}
		}
	}
	return result, nil
}

func (r *MockRuntime) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	r.mu.Lock()
	if len(r.spawnErrs) > 0 {
		err := r.spawnErrs[0]
		r.spawnErrs = r.spawnErrs[1:]
		r.mu.Unlock()
		return nil, err
	}
	p := &MockProcess{
		id:       uuid.New().String(),
		command:  name,
		done:     make(chan struct{}),
		callback: r.callbacks.OnProcessExit,
	}
	r.processes = append(r.processes, p)
	r.mu.Unlock()
	return p, nil
}

// MockProcess is a scriptable Process handle. It stays running until
// Exit or Kill is called.
type MockProcess struct {
	id      string
	command string

	mu       sync.Mutex
	stdin    bytes.Buffer
	exitCode int
	exitErr  error
	exited   bool
	done     chan struct{}
	callback func(processID string, exitCode int, err error)
}

func (p *MockProcess) ID() string { return p.id }

// Command returns the command name the process was spawned with.
func (p *MockProcess) Command() string { return p.command }

func (p *MockProcess) Stdin() io.Writer {
	return &p.stdin
}

// StdinContents returns everything written to stdin so far.
func (p *MockProcess) StdinContents() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

func (p *MockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

func (p *MockProcess) Kill() error {
	p.Exit(-1, nil)
	return nil
}

// Exit makes the process terminate with the given code. Safe to call
// more than once; only the first call takes effect.
func (p *MockProcess) Exit(code int, err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	p.exitErr = err
	callback := p.callback
	p.mu.Unlock()

	close(p.done)
	if callback != nil {
		callback(p.id, code, err)
	}
}

var _ Runtime = (*MockRuntime)(nil)
var _ Process = (*MockProcess)(nil)
