package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/setup"
	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/ai"
	"github.com/vanillabrand/fandom/pkg/leaselock"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/store/memory"
)

var (
	mineSample   int
	minePlatform string
	mineIntent   string
	mineMinerURL string
	mineNoAI     bool
)

var mineCmd = &cobra.Command{
	Use:   "mine <query>",
	Short: "Run one job in-process and print its result",
	Long: `Run a whole job without Postgres, RabbitMQ or S3: subtasks go to the
miner endpoint from goroutines of this process and the result is printed
as JSON.

The summarizer is configured from the usual AI_* variables; pass --no-ai to
use the fallback tree instead.

Examples:
  fandom mine "trail running" --sample 100
  fandom mine "specialty coffee" --miner-url http://localhost:4000 --no-ai`,
	Args: cobra.ExactArgs(1),
	RunE: runMine,
}

func init() {
	mineCmd.Flags().IntVar(&mineSample, "sample", 50, "Profiles to sample")
	mineCmd.Flags().StringVar(&minePlatform, "platform", "instagram", "Platform to mine")
	mineCmd.Flags().StringVar(&mineIntent, "intent", "", "Intent hint passed to the miner")
	mineCmd.Flags().StringVar(&mineMinerURL, "miner-url", "", "Miner endpoint (defaults to MINER_URL)")
	mineCmd.Flags().BoolVar(&mineNoAI, "no-ai", false, "Skip the summarizer")
	rootCmd.AddCommand(mineCmd)
}

func runMine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	minerURL := mineMinerURL
	if minerURL == "" {
		minerURL = util.GetEnv("MINER_URL")
	}
	if minerURL == "" {
		return errors.New("no miner endpoint: set --miner-url or MINER_URL")
	}

	var summarizer ai.Summarizer
	if !mineNoAI {
		s, err := setup.NewSummarizer()
		if err != nil {
			return fmt.Errorf("failed to create summarizer: %w", err)
		}
		summarizer = s
	}

	return mine(ctx, cmd, mineParams{
		Executor:   setup.NewExecutor(minerURL),
		Summarizer: summarizer,
		Request: coordinator.DispatchRequest{
			Query:      util.NormalizeQuery(args[0]),
			SampleSize: mineSample,
			Platform:   minePlatform,
			Intent:     mineIntent,
		},
	})
}

type mineParams struct {
	Executor   miner.Executor
	Summarizer ai.Summarizer
	Request    coordinator.DispatchRequest
}

func mine(ctx context.Context, cmd *cobra.Command, params mineParams) error {
	pool := coordinator.NewLocalPool(coordinator.NewLocalPoolParams{
		Context:        ctx,
		Executor:       params.Executor,
		MiningParallel: int(util.GetEnvNumeric("MINING_PARALLEL", 4)),
		EnrichParallel: int(util.GetEnvNumeric("ENRICH_PARALLEL", 1)),
	})
	c, err := coordinator.NewCoordinator(coordinator.NewCoordinatorParams{
		Store:      memory.New(nil),
		Dispatcher: pool,
		Summarizer: params.Summarizer,
		Artifacts:  storage.NewMemoryArtifactStore(),
		Locker:     leaselock.NewLocal(nil),
	})
	if err != nil {
		return err
	}
	pool.Attach(c)

	jobID, err := c.Submit(ctx, params.Request)
	if err != nil {
		return err
	}
	logger.Info("[Mine] Job dispatched", "job_id", jobID, "query", params.Request.Query)
	pool.Wait()

	job, err := c.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}
	if job.ResultKey == "" {
		return fmt.Errorf("job %s ended %s without a result", jobID, job.Status)
	}
	res, err := c.GetResult(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}
	return writeJSON(cmd, res)
}
