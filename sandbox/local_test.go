package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T, cb Callbacks) *LocalRuntime {
	t.Helper()
	rt := NewLocalRuntime(filepath.Join(t.TempDir(), "workspace"), cb)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })
	return rt
}

func TestLocalRuntime_WriteAndRead(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})
	ctx := context.Background()

	if err := rt.WriteFile(ctx, "src/app.tsx", []byte("export {}")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := rt.ReadFile(ctx, "src/app.tsx")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "export {}" {
		t.Errorf("content = %q", content)
	}
}

func TestLocalRuntime_RejectsEscapingPaths(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})
	ctx := context.Background()

	for _, path := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if err := rt.WriteFile(ctx, path, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) should be rejected", path)
		}
		if _, err := rt.ReadFile(ctx, path); err == nil {
			t.Errorf("ReadFile(%q) should be rejected", path)
		}
	}
}

func TestLocalRuntime_Mount(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})
	ctx := context.Background()

	err := rt.Mount(ctx, map[string]string{
		"package.json": "{}",
		"src/main.tsx": "render()",
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	content, err := rt.ReadFile(ctx, "src/main.tsx")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "render()" {
		t.Errorf("content = %q", content)
	}
}

func TestLocalRuntime_ReadTreeSkipsHiddenAndNodeModules(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})
	ctx := context.Background()

	files := map[string]string{
		"src/app.tsx":                 "a",
		".env":                        "secret",
		".git/config":                 "x",
		"node_modules/react/index.js": "x",
	}
	if err := rt.Mount(ctx, files); err != nil {
		t.Fatal(err)
	}

	entries, err := rt.ReadTree(ctx)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}

	paths := make(map[string]bool)
	for _, e := range entries {
		paths[e.Path] = true
	}
	if !paths["src"] || !paths["src/app.tsx"] {
		t.Errorf("tree should contain src/app.tsx, got %v", paths)
	}
	for _, hidden := range []string{".env", ".git", "node_modules"} {
		if paths[hidden] {
			t.Errorf("tree should not contain %s", hidden)
		}
	}
}

func TestLocalRuntime_RemoveAndRename(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})
	ctx := context.Background()

	if err := rt.WriteFile(ctx, "a/b.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Rename(ctx, "a/b.txt", "c/d.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := rt.ReadFile(ctx, "a/b.txt"); err == nil {
		t.Error("old path should be gone after rename")
	}
	if _, err := rt.ReadFile(ctx, "c/d.txt"); err != nil {
		t.Errorf("new path should exist: %v", err)
	}

	if err := rt.Remove(ctx, "c"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rt.Root(), "c")); !os.IsNotExist(err) {
		t.Error("directory should be removed")
	}

	if err := rt.Remove(ctx, "."); err == nil {
		t.Error("removing workspace root should be refused")
	}
}

func TestLocalRuntime_ExecNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	rt := newTestRuntime(t, Callbacks{})

	result, err := rt.Exec(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Output != "oops\n" {
		t.Errorf("Output = %q", result.Output)
	}
}

func TestLocalRuntime_ExecStream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	rt := newTestRuntime(t, Callbacks{})

	var lines []string
	result, err := rt.ExecStream(context.Background(), func(line string) {
		lines = append(lines, line)
	}, "sh", "-c", "echo one; echo two >&2; exit 2")
	if err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	if result.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", result.ExitCode)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want stdout and stderr interleaved", lines)
	}
	if result.Output != lines[0]+"\n"+lines[1]+"\n" {
		t.Errorf("Output = %q, want the streamed lines", result.Output)
	}
}

func TestLocalRuntime_ExecMissingBinary(t *testing.T) {
	rt := newTestRuntime(t, Callbacks{})

	if _, err := rt.Exec(context.Background(), "definitely-not-a-real-binary-xyz"); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestLocalRuntime_SpawnDetectsServerReady(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	var mu sync.Mutex
	var readyURL string
	var outputLines []string
	ready := make(chan struct{})

	cb := Callbacks{
		OnServerReady: func(processID, url string) {
			mu.Lock()
			readyURL = url
			mu.Unlock()
			close(ready)
		},
		OnProcessOutput: func(processID, line string) {
			mu.Lock()
			outputLines = append(outputLines, line)
			mu.Unlock()
		},
	}
	rt := newTestRuntime(t, cb)

	p, err := rt.Spawn(context.Background(), "sh", "-c", "echo starting; echo 'Local: http://localhost:5173/'")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server-ready callback never fired")
	}

	code, err := p.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Wait = %d, %v", code, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if readyURL != "http://localhost:5173/" {
		t.Errorf("readyURL = %q", readyURL)
	}
	if len(outputLines) != 2 {
		t.Errorf("outputLines = %v", outputLines)
	}
}

func TestLocalRuntime_SpawnExitCallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	exited := make(chan int, 1)
	cb := Callbacks{
		OnProcessExit: func(processID string, exitCode int, err error) {
			exited <- exitCode
		},
	}
	rt := newTestRuntime(t, cb)

	p, err := rt.Spawn(context.Background(), "sh", "-c", "exit 2")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case code := <-exited:
		if code != 2 {
			t.Errorf("exit callback code = %d, want 2", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	// Wait agrees with the callback and is safe to call repeatedly
	for n := 0; n < 2; n++ {
		code, err := p.Wait()
		if err != nil || code != 2 {
			t.Errorf("Wait = %d, %v, want 2, nil", code, err)
		}
	}
}

func TestLocalRuntime_StopKillsProcesses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	rt := NewLocalRuntime(filepath.Join(t.TempDir(), "workspace"), Callbacks{})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, err := rt.Spawn(context.Background(), "sh", "-c", "sleep 60")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed by Stop")
	}
}
