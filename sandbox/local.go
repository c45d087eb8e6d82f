package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/process"
)

// serverURLPattern matches local dev-server URLs in process output,
// e.g. "Local: http://localhost:5173/".
var serverURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):\d+[^\s"']*`)

// LocalRuntime implements Runtime on top of a directory on the host.
// All file operations are confined to that directory.
type LocalRuntime struct {
	root string
	log  *slog.Logger

	// Spawned process handles (protected by mu), so Stop can kill
	// anything still running.
	mu        sync.Mutex
	running   bool
	callbacks Callbacks
	processes map[string]*localProcess
}

// NewLocalRuntime creates a runtime rooted at dir. The directory is
// created on Start, not here.
func NewLocalRuntime(dir string, callbacks Callbacks) *LocalRuntime {
	return &LocalRuntime{
		root:      dir,
		callbacks: callbacks,
		log:       logger.WithComponent("runtime"),
		processes: make(map[string]*localProcess),
	}
}

// Root returns the workspace directory.
func (r *LocalRuntime) Root() string {
	return r.root
}

// Start creates the workspace directory if needed.
func (r *LocalRuntime) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	r.log.Info("runtime started", "root", r.root)
	return nil
}

// Running reports whether Start has succeeded and Stop has not been
// called since.
func (r *LocalRuntime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SetCallbacks replaces the callbacks attached to subsequently spawned
// processes.
func (r *LocalRuntime) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// Stop kills any processes still running. The workspace directory is
// left in place; Teardown semantics belong to the Manager.
func (r *LocalRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.running = false
	procs := make([]*localProcess, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.processes = make(map[string]*localProcess)
	r.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	r.log.Info("runtime stopped", "killedProcesses", len(procs))
	return nil
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// anything that would escape the workspace.
func (r *LocalRuntime) resolve(path string) (string, error) {
	if path == "" || path == "." {
		return r.root, nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute path not allowed: %s", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.Join(r.root, clean), nil
}

// Mount writes a set of files into the workspace.
func (r *LocalRuntime) Mount(ctx context.Context, files map[string]string) error {
	// Deterministic order makes failures reproducible
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.WriteFile(ctx, p, []byte(files[p])); err != nil {
			return fmt.Errorf("failed to mount %s: %w", p, err)
		}
	}
	r.log.Debug("mounted files", "count", len(files))
	return nil
}

// ReadFile returns the content of a file.
func (r *LocalRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes a file, creating parent directories as needed.
func (r *LocalRuntime) WriteFile(ctx context.Context, path string, content []byte) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	return os.WriteFile(abs, content, 0644)
}

// MkdirAll creates a directory and any missing parents.
func (r *LocalRuntime) MkdirAll(ctx context.Context, path string) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0755)
}

// Remove deletes a file or directory tree.
func (r *LocalRuntime) Remove(ctx context.Context, path string) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	if abs == r.root {
		return fmt.Errorf("refusing to remove workspace root")
	}
	return os.RemoveAll(abs)
}

// Rename moves a file to a new path, creating parent directories for the
// destination as needed.
func (r *LocalRuntime) Rename(ctx context.Context, oldPath, newPath string) error {
	oldAbs, err := r.resolve(oldPath)
	if err != nil {
		return err
	}
	newAbs, err := r.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return err
	}
	return os.Rename(oldAbs, newAbs)
}

// ReadDir lists one directory level, hidden entries excluded.
func (r *LocalRuntime) ReadDir(ctx context.Context, path string) ([]FileEntry, error) {
	abs, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	var out []FileEntry
	for _, e := range entries {
		if skipEntry(e.Name()) {
			continue
		}
		rel := e.Name()
		if path != "" && path != "." {
			rel = path + "/" + e.Name()
		}
		out = append(out, FileEntry{Name: e.Name(), Path: rel, IsDir: e.IsDir()})
	}
	return out, nil
}

// ReadTree lists the whole workspace recursively.
func (r *LocalRuntime) ReadTree(ctx context.Context) ([]FileEntry, error) {
	var out []FileEntry
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == r.root {
			return nil
		}
		if skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		out = append(out, FileEntry{
			Name:  d.Name(),
			Path:  filepath.ToSlash(rel),
			IsDir: d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// skipEntry reports whether a directory entry is excluded from listings:
// hidden files and dependency directories.
func skipEntry(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

// Exec runs a command to completion in the workspace.
func (r *LocalRuntime) Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.root

	out, err := cmd.CombinedOutput()
	result := ExecResult{Output: string(out)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// ExecStream runs a command to completion, invoking onLine for each
// output line as the process writes it.
func (r *LocalRuntime) ExecStream(ctx context.Context, onLine func(line string), name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.root

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("failed to run %s: %w", name, err)
	}

	var buf strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}

	result := ExecResult{Output: buf.String()}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// Spawn starts a long-running process in the workspace.
func (r *LocalRuntime) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &localProcess{
		id:       uuid.New().String(),
		cmd:      cmd,
		stdin:    stdin,
		log:      r.log.With("pid", cmd.Process.Pid),
		waitDone: make(chan struct{}),
	}

	r.mu.Lock()
	p.callbacks = r.callbacks
	r.processes[p.id] = p
	r.mu.Unlock()

	// Persist a record so a later run can find and clean up orphans if
	// this process outlives us
	if err := process.WriteRecord(process.Record{
		ID:        p.id,
		PID:       cmd.Process.Pid,
		Workspace: r.root,
		Command:   strings.Join(append([]string{name}, args...), " "),
		StartedAt: time.Now().UTC(),
	}); err != nil {
		r.log.Debug("failed to persist process record", "id", p.id, "error", err)
	}

	go p.readOutput(stdout)
	go p.monitorExit(func() {
		r.mu.Lock()
		delete(r.processes, p.id)
		r.mu.Unlock()
		if err := process.RemoveRecord(p.id); err != nil {
			p.log.Debug("failed to remove process record", "id", p.id, "error", err)
		}
	})

	r.log.Info("process spawned", "id", p.id, "command", name, "pid", cmd.Process.Pid)
	return p, nil
}

// localProcess wraps a running exec.Cmd.
type localProcess struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	callbacks Callbacks
	log       *slog.Logger

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Wait() and Kill() coordinate through it instead of calling
	// cmd.Wait() again, preventing undefined behavior from double Wait().
	waitDone chan struct{}

	mu          sync.Mutex
	exitCode    int
	exitErr     error
	serverReady bool
}

func (p *localProcess) ID() string {
	return p.id
}

func (p *localProcess) Stdin() io.Writer {
	return p.stdin
}

// Wait blocks until the process exits.
func (p *localProcess) Wait() (int, error) {
	<-p.waitDone
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Kill terminates the process and waits for it to be reaped.
func (p *localProcess) Kill() error {
	select {
	case <-p.waitDone:
		return nil // already exited
	default:
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.waitDone
	return nil
}

// readOutput scans process output line by line, surfacing each line and
// watching for the first local URL as the server-ready signal.
func (p *localProcess) readOutput(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if p.callbacks.OnProcessOutput != nil {
			p.callbacks.OnProcessOutput(p.id, line)
		}
		if url := serverURLPattern.FindString(line); url != "" {
			p.mu.Lock()
			already := p.serverReady
			p.serverReady = true
			p.mu.Unlock()
			if !already {
				p.log.Info("server ready", "id", p.id, "url", url)
				if p.callbacks.OnServerReady != nil {
					p.callbacks.OnServerReady(p.id, url)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading process output", "error", err)
	}
}

// monitorExit is the sole caller of cmd.Wait().
func (p *localProcess) monitorExit(onExit func()) {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil // non-zero exit is not a transport error
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.exitErr = err
	p.mu.Unlock()

	p.stdin.Close()
	close(p.waitDone)
	onExit()

	p.log.Info("process exited", "id", p.id, "exitCode", code, "error", err)
	if p.callbacks.OnProcessExit != nil {
		p.callbacks.OnProcessExit(p.id, code, err)
	}
}

// Ensure LocalRuntime implements Runtime at compile time.
var _ Runtime = (*LocalRuntime)(nil)
var _ Process = (*localProcess)(nil)
