package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/vanillabrand/fandom/pkg/ai"
)

// SummaryOpenAIClient implements ai.CompletionClient against any
// OpenAI-compatible chat completion endpoint.
//
// A SummaryOpenAIClient should be created using NewSummaryOpenAIClient.
type SummaryOpenAIClient struct {
	summaryModel string

	chatURL string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient *openai.Client
}

// NewSummaryOpenAIClientParams defines the configuration parameters for
// creating a new SummaryOpenAIClient.
//
// SummaryModel is the default model for completions.
// ChatURL and ChatKey configure the chat/completion API endpoint. An empty
// ChatURL targets the hosted OpenAI API.
type NewSummaryOpenAIClientParams struct {
	SummaryModel string
	ChatURL      string
	ChatKey      string
}

// NewSummaryOpenAIClient creates a client for the configured endpoint.
//
// Example:
//
//	client := openai.NewSummaryOpenAIClient(openai.NewSummaryOpenAIClientParams{
//		SummaryModel: "gpt-4o-mini",
//		ChatKey:      os.Getenv("AI_CHAT_KEY"),
//	})
func NewSummaryOpenAIClient(params NewSummaryOpenAIClientParams) *SummaryOpenAIClient {
	return &SummaryOpenAIClient{
		summaryModel: params.SummaryModel,
		chatURL:      params.ChatURL,
		ChatClient:   newOpenaiClient(params.ChatURL, params.ChatKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
