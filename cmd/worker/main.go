package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vanillabrand/fandom/internal/queue"
	"github.com/vanillabrand/fandom/internal/setup"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/logger/console"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	// Init s3 client
	artifacts, err := setup.NewArtifactStore(ctx)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}

	summarizer, err := setup.NewSummarizer()
	if err != nil {
		logger.Fatal("Could not create summarizer", "err", err)
	}

	// Init pgx client
	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	err = queue.SetupQueues(ch, queue.Queues, util.GetEnvDuration("RETRY_DELAY", queue.DefaultRetryDelay))
	if err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	coord, err := setup.NewCoordinator(setup.NewCoordinatorParams{
		Pool:       pgConn,
		Dispatcher: queue.NewDispatcher(ch),
		Artifacts:  artifacts,
		Summarizer: summarizer,
	})
	if err != nil {
		logger.Fatal("Failed to create coordinator", "err", err)
	}

	executor := setup.NewExecutor(util.GetEnv("MINER_URL"))

	handle := func(ctx context.Context, body string) error {
		return queue.ProcessSubtaskMessage(ctx, coord, executor, body)
	}

	// one channel per queue so each gets its own prefetch cap; the shared
	// slots cap subtasks across both queues
	parallel := max(int(util.GetEnvNumeric("MINING_PARALLEL", 4)), 1)
	enrichParallel := min(int(util.GetEnvNumeric("ENRICH_PARALLEL", 1)), parallel)
	slots := semaphore.NewWeighted(int64(parallel))
	limited := queue.Limit(slots, handle)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Consume(gCtx, conn, queue.MiningQueue, parallel, limited)
	})
	g.Go(func() error {
		return queue.Consume(gCtx, conn, queue.EnrichmentQueue, enrichParallel, limited)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Worker stopped")
}
