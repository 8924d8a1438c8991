package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)

const defaultTokenBudget = 12_000

// LLMSummarizer asks a completion model for a structured audience map.
// Model calls of one summarizer run one at a time so that the client's
// metrics describe a single answer.
//
// A LLMSummarizer should be created using NewLLMSummarizer.
type LLMSummarizer struct {
	client      CompletionClient
	model       string
	tokenBudget int
	count       TokenCounter
	temperature float64
	thinking    string

	mu sync.Mutex
}

// NewLLMSummarizerParams defines the configuration for an LLMSummarizer.
//
// TokenBudget caps the tokens spent on rendered context items. Counter
// measures them; when nil, items are not trimmed. Thinking is passed on to
// backends that support a reasoning mode ("low", "medium", "high").
type NewLLMSummarizerParams struct {
	Client      CompletionClient
	Model       string
	TokenBudget int
	Counter     TokenCounter
	Temperature float64
	Thinking    string
}

// NewLLMSummarizer creates an LLMSummarizer.
func NewLLMSummarizer(params NewLLMSummarizerParams) (*LLMSummarizer, error) {
	if params.Client == nil {
		return nil, errors.New("summarizer needs a completion client")
	}
	budget := params.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	temp := params.Temperature
	if temp <= 0 {
		temp = 0.2
	}
	return &LLMSummarizer{
		client:      params.Client,
		model:       params.Model,
		tokenBudget: budget,
		count:       params.Counter,
		temperature: temp,
		thinking:    params.Thinking,
	}, nil
}

// Warm loads the summary model so the first job does not pay for it.
func (s *LLMSummarizer) Warm(ctx context.Context) error {
	var opts []GenerateOption
	if s.model != "" {
		opts = append(opts, WithModel(s.model))
	}
	return s.client.LoadModel(ctx, opts...)
}

// Summarize renders the strongest signals into the prompt and decodes the
// model's structured answer into a summary tree.
func (s *LLMSummarizer) Summarize(ctx context.Context, req Request) (common.Summary, error) {
	items := slices.Clone(req.Items)
	slices.SortStableFunc(items, func(a, b common.ContextItem) int {
		return b.Count - a.Count
	})

	block, used := FitItems(items, s.tokenBudget, s.count)
	if used < len(items) {
		logger.Debug("[Summarizer] trimmed context to token budget", "kept", used, "total", len(items))
	}

	prompt := fmt.Sprintf(SummaryPrompt,
		req.Query,
		orNone(req.Platform),
		orNone(req.Intent),
		block,
		orNone(req.RichContext),
	)

	opts := []GenerateOption{
		WithSystemPrompts(SummarySystemPrompt),
		WithTemperature(s.temperature),
	}
	if s.model != "" {
		opts = append(opts, WithModel(s.model))
	}
	if s.thinking != "" {
		opts = append(opts, WithThinking(s.thinking))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.ResetMetrics()

	start := time.Now()
	var out summaryResponse
	err := s.client.GenerateCompletionWithFormat(ctx, "audience_map", "Audience clusters with ranked creators, brands and topics", prompt, &out, opts...)
	if err != nil && ctx.Err() == nil {
		logger.Warn("[Summarizer] structured answer failed, asking for plain JSON", "err", err)
		out = summaryResponse{}
		err = s.plainAnswer(ctx, prompt, &out, opts)
	}
	if err != nil {
		return common.Summary{}, fmt.Errorf("failed to generate summary: %w", err)
	}
	m := s.client.GetMetrics()
	logger.Debug("[Summarizer] model answered",
		"clusters", len(out.Clusters),
		"duration_ms", time.Since(start).Milliseconds(),
		"requests", m.Requests,
		"total_tokens", m.TotalTokens,
		"tokens_per_second", m.TokenPerSecond,
	)

	return out.toSummary(req.Query)
}

// plainAnswer asks for the same answer without an enforced format and
// repairs whatever JSON comes back.
func (s *LLMSummarizer) plainAnswer(ctx context.Context, prompt string, out *summaryResponse, opts []GenerateOption) error {
	schema, err := json.MarshalIndent(GenerateSchema(out), "", "  ")
	if err != nil {
		return err
	}
	text, err := s.client.GenerateCompletion(ctx, fmt.Sprintf(PlainAnswerPrompt, prompt, schema), opts...)
	if err != nil {
		return err
	}
	return UnmarshalFlexible(text, out)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
