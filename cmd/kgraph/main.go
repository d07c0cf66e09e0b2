// kgraph is the document-to-knowledge-graph ingestion control plane.
// It fingerprints submissions, gates them behind cost approval, and runs
// extraction workers that upsert concepts into the graph store.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kgraph/internal/config"
	"kgraph/internal/jobs"
	"kgraph/internal/logging"
	"kgraph/internal/service"
)

// Exit codes of the CLI surface.
const (
	exitOK          = 0
	exitValidation  = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
)

var (
	// Global flags
	workspace  string
	verbose    bool
	jsonOutput bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kgraph",
	Short: "kgraph - document ingestion control plane",
	Long: `kgraph turns documents into a concept knowledge graph.

Submissions are fingerprinted for deduplication, cost-estimated, and held
for approval before any tokens are spent. Approved jobs are chunked,
extracted by an LLM, and upserted into the graph with vector-based
concept identity resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory holding .kgraph/")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

// app bundles the stores a command needs. Commands that only touch the
// job store leave the graph closed.
type app struct {
	cfg  config.Config
	jobs *jobs.Store
	svc  *service.Service
}

func openApp() (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	if err := logging.Initialize(workspace, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, err
	}

	dir := filepath.Join(workspace, ".kgraph")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	js, err := jobs.NewStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:  cfg,
		jobs: js,
		svc:  service.New(js, cfg.Ingest),
	}, nil
}

func (a *app) close() {
	if a.jobs != nil {
		a.jobs.Close()
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, service.ErrValidation):
		return exitValidation
	case errors.Is(err, jobs.ErrNotFound):
		return exitNotFound
	case errors.Is(err, jobs.ErrStaleState):
		return exitConflict
	default:
		return exitUnavailable
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
