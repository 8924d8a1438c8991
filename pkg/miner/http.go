package miner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)

// HTTPExecutor posts a Task to a scraper actor endpoint. The actor answers
// either with a JSON document {"items": [...]} or with newline-delimited
// events, each of which is a progress update {"progress": n, "stage": s}, a
// single record {"item": {...}} or a terminal {"error": "..."}.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	retries int
	backoff time.Duration
}

// NewHTTPExecutorParams configures an HTTPExecutor. BaseURL is required;
// Token is sent as a bearer token when set.
type NewHTTPExecutorParams struct {
	BaseURL string
	Token   string

	Client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewHTTPExecutor creates an executor for the actor at BaseURL.
//
// Example:
//
//	exec := miner.NewHTTPExecutor(miner.NewHTTPExecutorParams{
//		BaseURL: util.GetEnv("MINER_URL"),
//		Token:   util.GetEnv("MINER_TOKEN"),
//	})
func NewHTTPExecutor(params NewHTTPExecutorParams) *HTTPExecutor {
	client := params.Client
	if client == nil {
		client = &http.Client{}
	}
	retries := params.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(params.BaseURL, "/"),
		token:   params.Token,
		client:  client,
		retries: retries,
		backoff: backoff,
	}
}

type runEvent struct {
	Progress *int               `json:"progress,omitempty"`
	Stage    string             `json:"stage,omitempty"`
	Item     common.RawRecord   `json:"item,omitempty"`
	Items    []common.RawRecord `json:"items,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Run posts the task to {BaseURL}/runs. Transport errors and 5xx responses
// are retried with backoff; 4xx responses fail immediately.
func (e *HTTPExecutor) Run(ctx context.Context, task Task, report Reporter) (common.MinedData, error) {
	if report == nil {
		report = NopReporter
	}
	body, err := json.Marshal(task)
	if err != nil {
		return common.MinedData{}, err
	}

	report(0, "requesting")
	return util.RetryWithBackoff(ctx, e.retries, e.backoff, func(ctx context.Context) (common.MinedData, error) {
		return e.runOnce(ctx, task, body, report)
	})
}

func (e *HTTPExecutor) runOnce(ctx context.Context, task Task, body []byte, report Reporter) (common.MinedData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return common.MinedData{}, util.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, application/x-ndjson")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	res, err := e.client.Do(req)
	if err != nil {
		logger.Warn("[Miner] Request failed", "job_id", task.JobID, "subtask", task.Subtask, "err", err)
		return common.MinedData{}, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		err := fmt.Errorf("miner returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return common.MinedData{}, util.Permanent(err)
		}
		return common.MinedData{}, err
	}

	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/x-ndjson") {
		return decodeStream(res.Body, report)
	}

	var ev runEvent
	if err := json.NewDecoder(res.Body).Decode(&ev); err != nil {
		return common.MinedData{}, fmt.Errorf("failed to decode miner response: %w", err)
	}
	if ev.Error != "" {
		return common.MinedData{}, util.Permanent(fmt.Errorf("miner error: %s", ev.Error))
	}
	report(100, "done")
	return common.MinedData{Items: ev.Items}, nil
}

func decodeStream(r io.Reader, report Reporter) (common.MinedData, error) {
	var out common.MinedData
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev runEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return common.MinedData{}, fmt.Errorf("failed to decode miner event: %w", err)
		}
		switch {
		case ev.Error != "":
			return common.MinedData{}, util.Permanent(fmt.Errorf("miner error: %s", ev.Error))
		case ev.Item != nil:
			out.Items = append(out.Items, ev.Item)
		case len(ev.Items) > 0:
			out.Items = append(out.Items, ev.Items...)
		}
		if ev.Progress != nil {
			report(max(0, min(*ev.Progress, 100)), ev.Stage)
		}
	}
	if err := sc.Err(); err != nil {
		return common.MinedData{}, err
	}
	report(100, "done")
	return out, nil
}
