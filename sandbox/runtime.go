// Package sandbox manages the workspace runtime: the isolated environment
// that holds a project's files and runs its dev-server and tooling
// processes. A Manager owns one Runtime and drives it through a boot /
// ready / teardown lifecycle with retries and a circuit breaker, so
// callers above it never deal with a half-initialized environment.
package sandbox

import (
	"context"
	"errors"
	"io"
)

// ErrNotReady is returned for operations that require a booted runtime.
var ErrNotReady = errors.New("sandbox: runtime not ready")

// ErrBootFailed is returned when all boot attempts are exhausted.
var ErrBootFailed = errors.New("sandbox: boot failed")

// FileEntry describes one file or directory in a runtime listing.
type FileEntry struct {
	Name  string
	Path  string // Workspace-relative, slash-separated
	IsDir bool
}

// Runtime is the execution environment the Manager controls. LocalRuntime
// backs it with a directory on the host; tests use MockRuntime.
//
// All paths are workspace-relative and slash-separated. Implementations
// must reject paths that escape the workspace.
type Runtime interface {
	// Start makes the runtime usable. For a local runtime this creates
	// the workspace directory; remote implementations would provision
	// their environment here. It must be safe to call Start again after
	// a failure.
	Start(ctx context.Context) error

	// Stop releases the runtime and terminates anything it is running.
	// Safe to call multiple times.
	Stop(ctx context.Context) error

	// Running reports whether the runtime is currently started.
	Running() bool

	// SetCallbacks replaces the callbacks used for subsequently spawned
	// processes. The Manager installs its own set after a successful
	// boot.
	SetCallbacks(cb Callbacks)

	// Mount writes a set of files into the workspace, creating parent
	// directories as needed. Used to seed a template before boot.
	Mount(ctx context.Context, files map[string]string) error

	// ReadFile returns the content of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, content []byte) error

	// MkdirAll creates a directory and any missing parents. Creating an
	// existing directory is not an error.
	MkdirAll(ctx context.Context, path string) error

	// Remove deletes a file or directory tree.
	Remove(ctx context.Context, path string) error

	// Rename moves a file to a new path.
	Rename(ctx context.Context, oldPath, newPath string) error

	// ReadDir lists one directory level.
	ReadDir(ctx context.Context, path string) ([]FileEntry, error)

	// ReadTree lists the whole workspace recursively, skipping hidden
	// entries and dependency directories (node_modules).
	ReadTree(ctx context.Context) ([]FileEntry, error)

	// Exec runs a command to completion and returns its result. A
	// non-zero exit code is reported in the result, not as an error;
	// the error return covers spawn and transport failures only.
	Exec(ctx context.Context, name string, args ...string) (ExecResult, error)

	// ExecStream runs a command to completion like Exec, invoking onLine
	// for each output line as it is produced.
	ExecStream(ctx context.Context, onLine func(line string), name string, args ...string) (ExecResult, error)

	// Spawn starts a long-running process (e.g. the dev server).
	Spawn(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecResult holds the outcome of a completed command.
type ExecResult struct {
	ExitCode int
	Output   string // Combined stdout+stderr
}

// Process is a handle to a running sandbox process.
type Process interface {
	// ID returns the handle's unique identifier.
	ID() string

	// Stdin returns a writer connected to the process stdin.
	Stdin() io.Writer

	// Wait blocks until the process exits and returns its exit code.
	// Safe to call from multiple goroutines.
	Wait() (int, error)

	// Kill terminates the process. Safe to call after exit.
	Kill() error
}

// Callbacks defines hooks the Manager and runtimes invoke on lifecycle
// events. All callbacks are invoked from internal goroutines and must be
// safe for concurrent use; they should not block.
type Callbacks struct {
	// OnStateChange is called after every manager state transition.
	OnStateChange func(old, new State)

	// OnServerReady is called when a spawned process announces a local
	// URL on its output (the dev server has come up).
	OnServerReady func(processID, url string)

	// OnProcessOutput is called for each line a spawned process writes.
	OnProcessOutput func(processID, line string)

	// OnProcessExit is called when a spawned process exits. The error is
	// nil for a clean exit.
	OnProcessExit func(processID string, exitCode int, err error)
}
