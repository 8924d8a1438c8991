package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/vanillabrand/fandom/pkg/ai"
)

// SummaryOllamaClient implements ai.CompletionClient using a locally hosted
// Ollama server.
type SummaryOllamaClient struct {
	summaryModel string

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewSummaryOllamaClientParams contains configuration options for creating a
// new SummaryOllamaClient. MaxConcurrentRequests bounds in-flight chats.
type NewSummaryOllamaClientParams struct {
	SummaryModel string

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewSummaryOllamaClient connects to the Ollama server at BaseURL, or the
// default address when empty.
func NewSummaryOllamaClient(
	params NewSummaryOllamaClientParams,
) (*SummaryOllamaClient, error) {
	httpClient := http.DefaultClient
	if params.ApiKey != "" {
		httpClient = &http.Client{
			Transport: &headerTransport{
				headers: map[string]string{
					"Authorization": "Bearer " + params.ApiKey,
				},
				rt: http.DefaultTransport,
			},
		}
	}

	maxReq := params.MaxConcurrentRequests
	if maxReq <= 0 {
		maxReq = 1
	}

	var cli *api.Client
	if params.BaseURL != "" {
		u, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
		cli = api.NewClient(u, httpClient)
	} else {
		// OLLAMA_HOST or the local default
		env, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		cli = env
	}

	return &SummaryOllamaClient{
		summaryModel: params.SummaryModel,
		reqLock:      semaphore.NewWeighted(maxReq),
		Client:       cli,
	}, nil
}
