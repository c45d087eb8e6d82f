// Package apply orchestrates parsed assistant output into side effects:
// file writes through the vfs service and command execution through the
// sandbox manager. It emits typed events for progress projection and
// logging; per-item failures are absorbed so one bad file or command
// never sinks a whole multi-file generation.
package apply

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/parser"
	"github.com/zhubert/studio-core/sandbox"
	"github.com/zhubert/studio-core/vfs"
)

// DefaultCommandTimeout bounds a single non-server command.
const DefaultCommandTimeout = 5 * time.Minute

// streamChunkSize is the read size for StreamAndApply.
const streamChunkSize = 4096

// packageManagers is the allow-list of commands whose output is
// captured and surfaced incrementally.
var packageManagers = map[string]bool{
	"npm": true, "pnpm": true, "yarn": true, "bun": true, "npx": true,
}

// installVerbs are package-manager subcommands that fetch dependencies.
var installVerbs = map[string]bool{
	"install": true, "i": true, "ci": true, "add": true,
}

// IsPackageManagerCommand reports whether c runs a known package manager.
func IsPackageManagerCommand(c parser.Command) bool {
	return packageManagers[c.Name]
}

// IsInstallCommand reports whether c installs dependencies, e.g.
// "npm install" or "pnpm add react". A bare "yarn" counts too.
func IsInstallCommand(c parser.Command) bool {
	if !packageManagers[c.Name] {
		return false
	}
	if len(c.Args) == 0 {
		return c.Name == "yarn"
	}
	return installVerbs[c.Args[0]]
}

// IsDevServerCommand reports whether c starts a long-running dev
// server, e.g. "npm run dev" or "yarn start".
func IsDevServerCommand(c parser.Command) bool {
	if !packageManagers[c.Name] {
		return false
	}
	for _, a := range c.Args {
		if a == "dev" || a == "start" || a == "serve" || a == "preview" {
			return true
		}
	}
	return false
}

// Summary reports what a batch accomplished. FilesUpdated is always
// zero: this layer cannot distinguish create from overwrite.
type Summary struct {
	FilesCreated      int
	FilesUpdated      int
	CommandsSucceeded int
}

// Pipeline applies assistant responses against one workspace. It owns
// the event broadcaster; it never runs two sandbox processes
// concurrently.
type Pipeline struct {
	files   *vfs.Service
	manager *sandbox.Manager
	events  *Broadcaster
	log     *slog.Logger

	// CommandTimeout bounds each non-server command. Dev-server
	// commands are spawned and run indefinitely.
	CommandTimeout time.Duration
}

// NewPipeline creates a pipeline over a filesystem service and a
// sandbox manager.
func NewPipeline(files *vfs.Service, manager *sandbox.Manager) *Pipeline {
	return &Pipeline{
		files:          files,
		manager:        manager,
		events:         NewBroadcaster(),
		log:            logger.WithComponent("apply"),
		CommandTimeout: DefaultCommandTimeout,
	}
}

// Events returns the pipeline's broadcaster for subscription.
func (p *Pipeline) Events() *Broadcaster {
	return p.events
}

// Apply parses the full response text once and applies it: every code
// block becomes a create operation in one batch, then every command
// runs sequentially in source order. Individual failures are absorbed;
// Apply itself errors only when the sandbox cannot accept work at all.
func (p *Pipeline) Apply(ctx context.Context, text string) (Summary, error) {
	return p.run(ctx, parser.Parse(text))
}

// StreamAndApply reads the response chunk by chunk, writing each code
// block as soon as its closing fence arrives, then runs the full batch
// once more at stream end as the correctness backstop. Only the final
// batch emits events, so the ordering contract holds for the session.
func (p *Pipeline) StreamAndApply(ctx context.Context, r io.Reader) (Summary, error) {
	sp := parser.NewStreamParser()
	buf := make([]byte, streamChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			delta := sp.Feed(string(buf[:n]))
			for _, b := range delta.Blocks {
				// Low-latency eager write; the backstop below re-applies
				// it idempotently
				if werr := p.files.CreateFile(ctx, b.Filename, b.Content); werr != nil {
					p.log.Warn("eager write failed, deferring to batch", "path", b.Filename, "error", werr)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Summary{}, fmt.Errorf("reading response stream: %w", err)
		}
	}
	return p.run(ctx, parser.Parse(sp.Response()))
}

func (p *Pipeline) run(ctx context.Context, result parser.Result) (Summary, error) {
	start := ApplyStart{
		Blocks:   len(result.Blocks),
		Commands: len(result.Commands),
	}
	if result.Plan != nil {
		start.PlanSteps = result.Plan.Steps
	}
	p.events.Publish(start)

	if state := p.manager.State(); state != sandbox.StateReady && state != sandbox.StateDegraded {
		err := fmt.Errorf("cannot apply in state %s: %w", state, sandbox.ErrNotReady)
		p.events.Publish(ApplyError{Err: err})
		return Summary{}, err
	}

	var summary Summary

	ops := make([]vfs.Operation, 0, len(result.Blocks))
	for _, b := range result.Blocks {
		ops = append(ops, vfs.Operation{Type: vfs.OpCreate, Path: b.Filename, Content: b.Content})
	}
	if len(ops) > 0 {
		res := p.files.ApplyOperations(ctx, ops)
		summary.FilesCreated = res.Applied

		failed := make(map[string]bool, len(res.Failed))
		for _, f := range res.Failed {
			failed[f.Op.Path] = true
			p.log.Warn("file operation failed", "path", f.Op.Path, "error", f.Err)
		}
		for _, op := range ops {
			if !failed[op.Path] {
				p.events.Publish(FileApplied{Path: op.Path})
			}
		}
	}

	for _, cmd := range result.Commands {
		if p.runCommand(ctx, cmd) {
			summary.CommandsSucceeded++
		}
	}

	p.events.Publish(ApplyComplete{Summary: summary})
	return summary, nil
}

// runCommand executes one command and reports success. Failures are
// published and absorbed; subsequent commands still run.
func (p *Pipeline) runCommand(ctx context.Context, cmd parser.Command) bool {
	p.events.Publish(CommandStart{Command: cmd})
	p.log.Info("running command", "command", cmd.Raw)

	// Dev servers run indefinitely: spawn and leave them to the
	// manager's process pool
	if IsDevServerCommand(cmd) {
		if _, err := p.manager.Spawn(ctx, cmd.Name, cmd.Args...); err != nil {
			p.events.Publish(CommandError{Command: cmd, Err: err})
			return false
		}
		p.events.Publish(CommandComplete{Command: cmd})
		return true
	}

	execCtx := ctx
	if p.CommandTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.CommandTimeout)
		defer cancel()
	}

	// Package-manager output is surfaced line by line while the command
	// runs; other commands only report their outcome
	var res sandbox.ExecResult
	var err error
	if IsPackageManagerCommand(cmd) {
		res, err = p.manager.ExecStream(execCtx, func(line string) {
			p.events.Publish(CommandOutput{Command: cmd, Line: line})
		}, cmd.Name, cmd.Args...)
	} else {
		res, err = p.manager.Exec(execCtx, cmd.Name, cmd.Args...)
	}
	if err != nil {
		p.events.Publish(CommandError{Command: cmd, Err: err})
		return false
	}

	if res.ExitCode != 0 {
		p.events.Publish(CommandError{
			Command:  cmd,
			ExitCode: res.ExitCode,
			Err:      fmt.Errorf("exit code %d", res.ExitCode),
		})
		return false
	}

	p.events.Publish(CommandComplete{Command: cmd, ExitCode: 0})
	return true
}
