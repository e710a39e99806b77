package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/configfile"
	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/storage/sqlite"
	"github.com/jotworks/jot/internal/telemetry"
)

var (
	jotDir string             // resolved .jot directory, "" until discovered
	meta   *configfile.Config // workspace metadata, nil until loaded
	store  storage.Storage    // open store, nil for no-store commands

	jsonOutput  bool
	actorFlag   string
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// noStoreCommands run without an initialized workspace database.
var noStoreCommands = map[string]bool{
	"init":       true,
	"version":    true,
	"config":     true,
	"help":       true,
	"completion": true,
}

func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if noStoreCommands[c.Name()] {
			return false
		}
	}
	return true
}

var rootCmd = &cobra.Command{
	Use:   "jot",
	Short: "jot - Notes in, structure out",
	Long: `jot captures unstructured notes and runs them through an LLM pipeline
that extracts tasks, decisions, and insights, then files them into projects
and epics. Anything the model is unsure about lands in a review queue
instead of being applied silently.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)

		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		loadSettings()

		if !needsStore(cmd) {
			return
		}

		discoverWorkspace()
		openStore()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
			store = nil
		}
		if telemetry.Enabled() {
			telemetry.Shutdown(context.Background())
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// discoverWorkspace locates the .jot directory from --dir or by walking up
// from the working directory, and loads its metadata.
func discoverWorkspace() {
	if jotDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fatal(exitInternal, "resolving working directory: %v", err)
		}
		jotDir = configfile.FindDir(wd)
	}
	if jotDir == "" {
		fatalWithHint("no workspace found", "Run 'jot init' to create one")
	}

	var err error
	meta, err = configfile.Load(jotDir)
	if err != nil {
		fatal(exitInternal, "%v", err)
	}
	if meta == nil {
		fatalWithHint(fmt.Sprintf("%s has no metadata", jotDir), "Run 'jot init' to initialize the workspace")
	}
}

func openStore() {
	s, err := sqlite.New(rootCtx, meta.DatabasePath(jotDir))
	if err != nil {
		fail(err)
	}
	store = s
	if telemetry.Enabled() {
		if err := telemetry.Init(rootCtx, "jot", Version); err != nil {
			debug.Logf("telemetry init failed: %v", err)
		} else {
			store = telemetry.WrapStorage(store)
		}
	}
}

// actor returns the identity recorded on audit trails.
// Priority: --actor flag > JOT_ACTOR env > $USER > "unknown".
func actor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if a := os.Getenv("JOT_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&jotDir, "dir", "", "Workspace .jot directory (default: auto-discover)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor name for audit trail (default: $JOT_ACTOR, $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitValidation)
	}
}
