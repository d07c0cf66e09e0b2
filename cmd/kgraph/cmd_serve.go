package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kgraph/internal/embedding"
	"kgraph/internal/extraction"
	"kgraph/internal/graph"
	"kgraph/internal/ratelimit"
	"kgraph/internal/scheduler"
	"kgraph/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and ingestion workers",
	Long: `Runs the control plane daemon: estimates costs for queued jobs,
expires stale approvals, reaps lost worker leases, and executes approved
jobs. Stops cleanly on SIGINT/SIGTERM, leaving in-flight jobs for lease
recovery on the next start.`,
	RunE: runServe,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge graph totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		gs, err := graph.NewStore(filepath.Join(workspace, ".kgraph", "graph.db"))
		if err != nil {
			return err
		}
		defer gs.Close()

		stats, err := gs.GetStats()
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}
		fmt.Printf("Concepts:      %d\n", stats.Concepts)
		fmt.Printf("Sources:       %d\n", stats.Sources)
		fmt.Printf("Instances:     %d\n", stats.Instances)
		fmt.Printf("Relationships: %d\n", stats.Relationships)
		fmt.Printf("Documents:     %d\n", stats.Documents)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.LLM.APIKey == "" {
		return fmt.Errorf("%w: no LLM API key configured (set GEMINI_API_KEY)", service.ErrValidation)
	}

	gs, err := graph.NewStore(filepath.Join(workspace, ".kgraph", "graph.db"))
	if err != nil {
		return err
	}
	defer gs.Close()
	gs.SetOpTimeout(a.cfg.Ingest.GraphTimeout)

	engine, err := embedding.NewEngine(a.cfg.Embedding)
	if err != nil {
		return err
	}

	// One token bucket per upstream model, shared across every worker.
	limiters := ratelimit.NewRegistry()
	if a.cfg.Embedding.Provider == "genai" {
		engine = embedding.WithLimiter(engine,
			limiters.For("genai", a.cfg.Embedding.GenAIModel, a.cfg.Embedding.RequestsPerMinute))
	}

	extractor, err := extraction.NewGeminiExtractor(a.cfg.LLM,
		limiters.For(a.cfg.LLM.Provider, a.cfg.LLM.Model, a.cfg.LLM.RequestsPerMinute))
	if err != nil {
		return err
	}

	rcfg := graph.DefaultResolverConfig()
	rcfg.MatchThreshold = a.cfg.Ingest.MatchThreshold
	rcfg.OntologyScoped = a.cfg.Ingest.OntologyScopedMatch
	rcfg.ReuseOnTermOverlap = a.cfg.Ingest.ReuseOnTermOverlap
	resolver := graph.NewResolver(gs, engine, rcfg)

	sched := scheduler.New(a.jobs, gs, resolver, extractor, a.cfg.Ingest, a.cfg.LLM, a.cfg.Embedding)
	sched.Prune()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Scheduler running",
		zap.Int("max_jobs", a.cfg.Ingest.MaxConcurrentJobs),
		zap.String("model", a.cfg.LLM.Model),
		zap.String("embedding", engine.Name()))

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Scheduler stopped")
	return nil
}
