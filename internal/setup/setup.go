// Package setup builds the long-lived clients shared by the server and the
// worker from environment configuration.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/ai"
	oai "github.com/vanillabrand/fandom/pkg/ai/ollama"
	gai "github.com/vanillabrand/fandom/pkg/ai/openai"
	"github.com/vanillabrand/fandom/pkg/cache"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/leaselock"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/miner"
	pgstore "github.com/vanillabrand/fandom/pkg/store/pgx"
)

// NewCompletionClient picks the model backend named by AI_ADAPTER.
func NewCompletionClient() (ai.CompletionClient, error) {
	adapter := util.GetEnvString("AI_ADAPTER", "openai")
	switch adapter {
	case "ollama":
		client, err := oai.NewSummaryOllamaClient(oai.NewSummaryOllamaClientParams{
			SummaryModel: util.GetEnv("AI_SUMMARY_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return client, nil
	case "openai":
		return gai.NewSummaryOpenAIClient(gai.NewSummaryOpenAIClientParams{
			SummaryModel: util.GetEnv("AI_SUMMARY_MODEL"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		}), nil
	}
	return nil, fmt.Errorf("unknown AI_ADAPTER %q", adapter)
}

// NewSummarizer builds the cached LLM summarizer. The cache capacity and
// TTL are read once here.
func NewSummarizer() (ai.Summarizer, error) {
	client, err := NewCompletionClient()
	if err != nil {
		return nil, err
	}

	counter, err := ai.NewTiktokenCounter(util.GetEnv("AI_TOKEN_ENCODING"))
	if err != nil {
		// the prompt is still built, only without trimming
		logger.Warn("[Setup] Token counter unavailable", "err", err)
		counter = nil
	}

	llm, err := ai.NewLLMSummarizer(ai.NewLLMSummarizerParams{
		Client:      client,
		Model:       util.GetEnv("AI_SUMMARY_MODEL"),
		TokenBudget: int(util.GetEnvNumeric("AI_TOKEN_BUDGET", 0)),
		Counter:     counter,
		Thinking:    util.GetEnv("AI_THINKING"),
	})
	if err != nil {
		return nil, err
	}
	if util.GetEnvBool("AI_PRELOAD", false) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), util.GetEnvDuration("AI_PRELOAD_TIMEOUT", 2*time.Minute))
			defer cancel()
			if err := llm.Warm(ctx); err != nil {
				logger.Warn("[Setup] Failed to preload summary model", "err", err)
			}
		}()
	}

	c, err := cache.New[common.Summary](cache.Config{
		Capacity: int(util.GetEnvNumeric("CACHE_CAPACITY", 100)),
		TTL:      util.GetEnvDuration("CACHE_TTL", cache.DefaultTTL),
	})
	if err != nil {
		return nil, err
	}
	return ai.NewCachedSummarizer(llm, c), nil
}

// NewArtifactStore returns the S3 artifact store for AWS_BUCKET.
func NewArtifactStore(ctx context.Context) (*storage.S3ArtifactStore, error) {
	client, err := storage.NewS3Client(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewS3ArtifactStore(storage.NewS3ArtifactStoreParams{
		Client:         client,
		Bucket:         util.GetEnvString("AWS_BUCKET", "fandom"),
		PublicEndpoint: util.GetEnv("AWS_PUBLIC_ENDPOINT"),
	}), nil
}

// NewExecutor returns the HTTP miner at baseURL. When VISUAL_MINER_URL is
// set, the visual subtask goes to that actor instead.
func NewExecutor(baseURL string) miner.Executor {
	retries := int(util.GetEnvNumeric("MINER_RETRIES", 3))
	backoff := util.GetEnvDuration("MINER_BACKOFF", 0)
	def := miner.NewHTTPExecutor(miner.NewHTTPExecutorParams{
		BaseURL: baseURL,
		Token:   util.GetEnv("MINER_TOKEN"),
		Retries: retries,
		Backoff: backoff,
	})

	visualURL := util.GetEnv("VISUAL_MINER_URL")
	if visualURL == "" {
		return def
	}
	return miner.Router{
		Routes: map[string]miner.Executor{
			common.SubtaskVisual: miner.NewHTTPExecutor(miner.NewHTTPExecutorParams{
				BaseURL: visualURL,
				Token:   util.GetEnvString("VISUAL_MINER_TOKEN", util.GetEnv("MINER_TOKEN")),
				Retries: retries,
				Backoff: backoff,
			}),
		},
		Default: def,
	}
}

// NewCoordinatorParams are the process specific parts of a coordinator.
type NewCoordinatorParams struct {
	Pool       *pgxpool.Pool
	Dispatcher coordinator.Dispatcher
	Artifacts  storage.ArtifactStore
	Summarizer ai.Summarizer
}

// NewCoordinator wires a coordinator on Postgres with a lease lock so that
// several processes may handle signals for the same job.
func NewCoordinator(params NewCoordinatorParams) (*coordinator.Coordinator, error) {
	return coordinator.NewCoordinator(coordinator.NewCoordinatorParams{
		Store: pgstore.NewJobDBStorageWithConnection(
			params.Pool,
			pgstore.WithRecordChunkSize(int(util.GetEnvNumeric("DATASET_CHUNK_SIZE", 1000))),
		),
		Dispatcher:       params.Dispatcher,
		Summarizer:       params.Summarizer,
		Artifacts:        params.Artifacts,
		Locker:           leaselock.New(params.Pool),
		LockTTL:          util.GetEnvDuration("JOB_LOCK_TTL", 0),
		SynthesisTimeout: util.GetEnvDuration("SYNTHESIS_TIMEOUT", 0),
	})
}
