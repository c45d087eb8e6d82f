// studio is the headless CLI for the studio core: it boots a sandbox
// over a workspace directory and applies assistant response payloads
// against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/studio-core/apply"
	"github.com/zhubert/studio-core/cli"
	"github.com/zhubert/studio-core/config"
	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/paths"
	"github.com/zhubert/studio-core/process"
	"github.com/zhubert/studio-core/progress"
	"github.com/zhubert/studio-core/sandbox"
	"github.com/zhubert/studio-core/template"
	"github.com/zhubert/studio-core/vfs"
)

var (
	workspace    string
	templateName string
	debug        bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "studio - sandboxed workspace engine for AI-generated apps",
	Long: `studio boots a local sandbox over a workspace directory and applies
AI assistant responses against it: fenced code blocks become files,
shell blocks become commands, and a dev server can be left running.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := logger.DefaultLogPath()
		if err != nil {
			return fmt.Errorf("resolving log path: %w", err)
		}
		if err := logger.Init(path); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger.SetLevel(cfg.GetLogLevel())
		if debug {
			logger.SetDebug(true)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <response-file>",
	Short: "Apply an assistant response payload to a workspace",
	Long: `Boots the sandbox for the workspace, streams the response payload
through the application pipeline, and prints phase progress. Pass "-"
to read the payload from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var payload io.Reader
		if args[0] == "-" {
			payload = os.Stdin
		} else {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening response payload: %w", err)
			}
			defer f.Close()
			payload = f
		}

		mgr, svc, err := bootWorkspace(ctx)
		if err != nil {
			return err
		}
		defer mgr.Teardown(context.Background())

		pipeline := apply.NewPipeline(svc, mgr)
		pipeline.CommandTimeout = cfg.GetCommandTimeout()

		tracker := progress.NewTracker()
		tracker.OnChange(printPhases)
		events, unsubscribe := pipeline.Events().Subscribe(256)
		defer unsubscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			tracker.Run(events)
		}()

		summary, err := pipeline.StreamAndApply(ctx, payload)
		unsubscribe()
		<-done
		if err != nil {
			return err
		}

		fmt.Printf("\n%d files written, %d commands succeeded\n",
			summary.FilesCreated, summary.CommandsSucceeded)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Boot the workspace sandbox and print a health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mgr, _, err := bootWorkspace(ctx)
		if err != nil {
			return err
		}
		defer mgr.Teardown(context.Background())

		out, err := json.MarshalIndent(mgr.Health(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a workspace from a starter template",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		name := templateName
		if name == "" {
			name = cfg.GetDefaultTemplate()
		}
		manifest, err := template.Resolve(name, userTemplateDir())
		if err != nil {
			return err
		}

		mgr, svc, err := bootWorkspace(ctx)
		if err != nil {
			return err
		}
		defer mgr.Teardown(context.Background())

		if err := svc.Initialize(ctx, manifest); err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}

		fmt.Printf("initialized %s from template %q (%d files)\n",
			workspaceRoot(), manifest.Name, len(manifest.Files))
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host toolchain and leftover sandbox processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(cli.FormatCheckResults(cli.CheckAll(cli.DefaultPrerequisites())))

		orphans, err := process.FindOrphans(nil)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("No leftover sandbox processes.")
			return nil
		}
		fmt.Printf("Leftover sandbox processes (run \"studio clean\" to kill):\n")
		for _, rec := range orphans {
			fmt.Printf("  pid %d  %s  (%s)\n", rec.PID, rec.Command, rec.Workspace)
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Kill sandbox processes left behind by previous runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		killed, err := process.CleanupOrphans(nil)
		if err != nil {
			return err
		}
		fmt.Printf("killed %d leftover processes\n", killed)
		return nil
	},
}

// userTemplateDir returns the directory user templates are read from.
// Manifests there shadow built-in templates with the same name.
func userTemplateDir() string {
	dir, err := paths.ConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "templates")
}

// workspaceRoot resolves the -w flag: a registered workspace ID or
// name wins, otherwise the flag is taken as a directory path.
func workspaceRoot() string {
	if ws, ok := cfg.GetWorkspace(workspace); ok {
		return ws.Root
	}
	for _, ws := range cfg.GetWorkspaces() {
		if ws.Name == workspace {
			return ws.Root
		}
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return workspace
	}
	return abs
}

// bootWorkspace builds a local runtime over the workspace root, boots
// it through a manager, and wraps it in a filesystem service.
func bootWorkspace(ctx context.Context) (*sandbox.Manager, *vfs.Service, error) {
	root := workspaceRoot()

	if err := cli.ValidateRequired(cli.DefaultPrerequisites()); err != nil {
		// File application still works without node/npm; commands won't
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if pruned, err := process.PruneStale(); err == nil && pruned > 0 {
		logger.WithComponent("main").Debug("pruned stale process records", "count", pruned)
	}

	// The manager installs its own runtime listeners on boot and
	// forwards server-ready events here
	callbacks := sandbox.Callbacks{
		OnServerReady: func(processID, url string) {
			fmt.Printf("dev server ready: %s\n", url)
		},
	}
	runtime := sandbox.NewLocalRuntime(root, sandbox.Callbacks{})
	mgr := sandbox.NewManager(runtime, sandbox.ManagerConfig{
		BootMaxAttempts:         cfg.GetBootMaxAttempts(),
		BootInitialDelay:        cfg.GetBootInitialDelay(),
		SpawnMaxAttempts:        cfg.GetSpawnMaxAttempts(),
		BreakerFailureThreshold: cfg.GetBreakerFailureThreshold(),
		BreakerResetTimeout:     cfg.GetBreakerResetTimeout(),
	}, callbacks)

	bootCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := mgr.Boot(bootCtx); err != nil {
		return nil, nil, fmt.Errorf("booting sandbox for %s: %w", root, err)
	}

	svc := vfs.NewService(mgr.Runtime())
	if err := svc.InitializeEmpty(ctx); err != nil {
		mgr.Teardown(context.Background())
		return nil, nil, fmt.Errorf("reading workspace tree: %w", err)
	}
	return mgr, svc, nil
}

func printPhases(snapshot []progress.Status) {
	for _, s := range snapshot {
		marker := " "
		switch s.State {
		case progress.StateInProgress:
			marker = ">"
		case progress.StateCompleted:
			marker = "x"
		case progress.StateError:
			marker = "!"
		}
		fmt.Printf("  [%s] %s", marker, s.Phase)
	}
	fmt.Println()
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace ID, name, or directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	initCmd.Flags().StringVarP(&templateName, "template", "t", "", "starter template name")

	rootCmd.AddCommand(applyCmd, healthCmd, initCmd, doctorCmd, cleanCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
