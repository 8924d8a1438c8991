package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vanillabrand/fandom/internal/timing"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/ai"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/graph"
	"github.com/vanillabrand/fandom/pkg/leaselock"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/overindex"
	"github.com/vanillabrand/fandom/pkg/store"
)

// Synthesis progress steps after the mining band.
const (
	progressAggregating   = 92
	progressSummarizing   = 95
	progressMaterializing = 98
	progressCompleted     = 100
)

const (
	persistRetries   = 3
	richContextLimit = 20
	datasetKind      = "overindex"
)

// synthesize builds and persists the final result. Only bookkeeping
// failures reach the caller; they also move the job to failed. The run is
// detached from the caller's cancellation: a dropped callback request or a
// worker shutdown must not fail a job whose data is complete.
func (c *Coordinator) synthesize(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	if c.synthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.synthesisTimeout)
		defer cancel()
	}
	run := func(ctx context.Context) error {
		return c.runSynthesis(ctx, jobID)
	}
	var err error
	if c.locker != nil {
		err = c.locker.WithLease(ctx, "synthesis:"+jobID, leaselock.Options{
			TTL:         c.lockTTL,
			Wait:        true,
			TokenPrefix: "synthesis/" + jobID + "/",
		}, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		c.failJob(ctx, jobID, err)
	}
	return err
}

func (c *Coordinator) runSynthesis(ctx context.Context, jobID string) error {
	rec := timing.NewRecorder(c.now)
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		logger.Info("[Synthesis] Job closed before synthesis", "job_id", jobID, "status", job.Status)
		return nil
	}
	logger.Info("[Synthesis] Starting", "job_id", jobID)

	var stageErrors []common.StageError

	if err := c.store.RaiseProgress(ctx, jobID, progressAggregating, "aggregating"); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	stop := rec.Start("aggregate")
	agg, report := c.aggregate(job)
	entities := agg.Entities()
	stop()

	if err := c.store.RaiseProgress(ctx, jobID, progressSummarizing, "summarizing"); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	stop = rec.Start("summarize")
	summary, degraded, serr := c.summarize(ctx, job, agg, entities, report)
	stop()
	if serr != nil {
		logger.Warn("[Synthesis] Summarizer failed, using fallback tree", "job_id", jobID, "err", serr)
		stageErrors = append(stageErrors, common.StageError{Stage: StageSummarize, Message: serr.Error()})
	}
	analytics := completeAnalytics(summary.Analytics, agg, report)

	if err := c.store.RaiseProgress(ctx, jobID, progressMaterializing, "materializing"); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	stop = rec.Start("materialize")
	var brands []common.BrandMention
	if c.downstream != "" {
		brands = BrandMentions(job.Results[c.downstream].Items)
	}
	g := c.materializer.Materialize(summary.Root, brands)
	graph.ApplyInfluence(&g, c.influence)
	stop()

	// an abort that landed while the summarizer ran leaves no artifacts
	if current, err := c.store.GetJob(ctx, jobID); err != nil {
		return err
	} else if current.Status.Terminal() {
		logger.Info("[Synthesis] Job closed during synthesis", "job_id", jobID, "status", current.Status)
		return nil
	}

	stop = rec.Start("dataset")
	datasetID, derr := c.persistDataset(ctx, job, report)
	stop()
	if derr != nil {
		logger.Warn("[Synthesis] Failed to store dataset", "job_id", jobID, "err", derr)
		stageErrors = append(stageErrors, common.StageError{Stage: StageDataset, Message: derr.Error()})
		datasetID = ""
	}

	result := common.Result{
		JobID:     jobID,
		Graph:     g,
		Analytics: analytics,
		Entities:  entities,
		Errors:    append(jobErrors(job), stageErrors...),
		Timings:   rec.Milliseconds(),
		Degraded:  degraded,
	}

	stop = rec.Start("persist")
	key, err := util.RetryWithContext(ctx, persistRetries, func(ctx context.Context) (string, error) {
		return c.artifacts.PutResult(ctx, result)
	})
	stop()
	if err != nil {
		return fmt.Errorf("failed to persist result: %w", err)
	}

	if err := c.store.SetArtifacts(ctx, jobID, key, datasetID); err != nil {
		return fmt.Errorf("failed to record artifacts: %w", err)
	}
	if err := c.store.RaiseProgress(ctx, jobID, progressCompleted, string(common.JobCompleted)); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	ok, err := c.store.SetStatus(ctx, jobID, common.JobCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if !ok {
		logger.Info("[Synthesis] Job closed during synthesis, result kept", "job_id", jobID, "result_key", key)
		return nil
	}

	rec.Log("[Synthesis]", "job_id", jobID)
	logger.Info("[Synthesis] Job completed",
		"job_id", jobID,
		"nodes", len(g.Nodes),
		"links", len(g.Links),
		"entities", len(entities),
		"degraded", degraded,
		"errors", len(result.Errors),
	)
	return nil
}

// aggregate folds every stored result in name order so the outcome does
// not depend on the order in which subtasks finished.
func (c *Coordinator) aggregate(job *common.Job) (*aggregate.Aggregator, overindex.Report) {
	agg := aggregate.New()
	var records []common.RawRecord
	for _, name := range sortedNames(job.Results) {
		items := job.Results[name].Items
		agg.AddRecords(name, items)
		if name != c.downstream {
			records = append(records, items...)
		}
	}
	return agg, c.overindex.AnalyzeRecords(records, job.Metadata.SampleSize)
}

// summarize asks the summarizer for a tree and falls back to a
// deterministic one. The returned bool reports a degraded summary.
func (c *Coordinator) summarize(
	ctx context.Context,
	job *common.Job,
	agg *aggregate.Aggregator,
	entities []common.CanonicalEntity,
	report overindex.Report,
) (common.Summary, bool, error) {
	fallback := common.Summary{
		Root: graph.FallbackTree(job.Metadata.Query, report.Clusters, report.Accounts, entities),
	}
	if c.summarizer == nil {
		return fallback, true, nil
	}

	summary, err := c.summarizer.Summarize(ctx, ai.Request{
		Query:       job.Metadata.Query,
		Items:       agg.ContextItems(),
		Intent:      job.Metadata.Intent,
		Platform:    job.Metadata.Platform,
		RichContext: RichContext(report),
	})
	if err != nil {
		return fallback, true, err
	}
	if summary.Root.ID == "" {
		summary.Root.ID = graph.RootID
	}
	return summary, false, nil
}

// completeAnalytics fills every list the summarizer left empty from the
// aggregated data and attaches the over-indexed accounts.
func completeAnalytics(a common.Analytics, agg *aggregate.Aggregator, report overindex.Report) common.Analytics {
	a.Overindexed = report.Accounts
	if len(a.Creators) == 0 {
		a.Creators = accountItems(report.TopCreators)
	}
	if len(a.Brands) == 0 {
		a.Brands = accountItems(report.TopBrands)
	}
	if len(a.Clusters) == 0 {
		for _, cl := range report.Clusters {
			a.Clusters = append(a.Clusters, common.AnalyticsItem{Name: cl.Label, Count: len(cl.Members)})
		}
	}
	if len(a.Topics) == 0 {
		for _, item := range agg.ContextItems() {
			if item.Type == string(aggregate.KindTopic) || item.Type == string(aggregate.KindHashtag) {
				a.Topics = append(a.Topics, common.AnalyticsItem{Name: item.Name, Count: item.Count})
			}
		}
		sort.SliceStable(a.Topics, func(i, j int) bool {
			return a.Topics[i].Count > a.Topics[j].Count
		})
	}
	if a.Creators == nil {
		a.Creators = []common.AnalyticsItem{}
	}
	if a.Brands == nil {
		a.Brands = []common.AnalyticsItem{}
	}
	if a.Clusters == nil {
		a.Clusters = []common.AnalyticsItem{}
	}
	if a.Topics == nil {
		a.Topics = []common.AnalyticsItem{}
	}
	return a
}

func accountItems(accounts []common.OverindexedAccount) []common.AnalyticsItem {
	out := make([]common.AnalyticsItem, 0, len(accounts))
	for _, acc := range accounts {
		name := acc.FullName
		if name == "" {
			name = acc.Username
		}
		out = append(out, common.AnalyticsItem{
			Name:   name,
			Handle: acc.Username,
			Score:  acc.OverindexScore,
			Count:  acc.Frequency,
		})
	}
	return out
}

// BrandMentions counts brand records of the enrichment stage by lowercase
// name. The first spelling seen wins. Results are ordered by count, then
// name.
func BrandMentions(records []common.RawRecord) []common.BrandMention {
	idx := make(map[string]int)
	var out []common.BrandMention
	for _, rec := range records {
		if aggregate.Classify(rec) != aggregate.KindBrand {
			continue
		}
		name, count := aggregate.BrandOf(rec)
		if name == "" {
			continue
		}
		count = max(count, 1)
		key := strings.ToLower(name)
		if i, ok := idx[key]; ok {
			out[i].Count += count
			continue
		}
		idx[key] = len(out)
		out = append(out, common.BrandMention{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// RichContext renders the over-index report as plain text for the
// summarizer prompt.
func RichContext(report overindex.Report) string {
	if len(report.Accounts) == 0 && len(report.Clusters) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Over-indexed accounts (source: %s, sample size: %d):\n", report.Source, report.SampleSize)
	for i, acc := range report.Accounts {
		if i == richContextLimit {
			break
		}
		fmt.Fprintf(&sb, "- @%s (%s) score %.1f, followed by %d\n", acc.Username, acc.Category, acc.OverindexScore, acc.Frequency)
	}
	if len(report.Clusters) > 0 {
		sb.WriteString("Co-followed clusters:\n")
		for _, cl := range report.Clusters {
			fmt.Fprintf(&sb, "- %s: %s\n", cl.Label, strings.Join(cl.Members, ", "))
		}
	}
	return sb.String()
}

// persistDataset stores the over-indexed accounts as a derived dataset.
func (c *Coordinator) persistDataset(ctx context.Context, job *common.Job, report overindex.Report) (string, error) {
	if len(report.Accounts) == 0 {
		return "", nil
	}
	id, err := util.NewDatasetID(job.ID, datasetKind)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(map[string]any{
		"query":       job.Metadata.Query,
		"sample_size": report.SampleSize,
		"source":      report.Source,
	})
	if err != nil {
		return "", err
	}
	if err := c.store.CreateDataset(ctx, common.Dataset{
		ID:        id,
		JobID:     job.ID,
		Name:      "Over-indexed accounts: " + job.Metadata.Query,
		Kind:      datasetKind,
		Meta:      meta,
		CreatedAt: c.now(),
	}); err != nil {
		return "", fmt.Errorf("failed to create dataset: %w", err)
	}
	records, err := store.EncodeRecords(report.Accounts)
	if err != nil {
		return "", err
	}
	if _, err := c.store.InsertRecords(ctx, id, records); err != nil {
		return "", fmt.Errorf("failed to insert dataset records: %w", err)
	}
	return id, nil
}

// jobErrors turns the "<stage>:<subtask>" entries of Job.Errors into
// stage errors, ordered by key.
func jobErrors(job *common.Job) []common.StageError {
	out := make([]common.StageError, 0, len(job.Errors))
	for _, key := range sortedNames(job.Errors) {
		stage, subtask, _ := strings.Cut(key, ":")
		out = append(out, common.StageError{Stage: stage, Subtask: subtask, Message: job.Errors[key]})
	}
	return out
}

// failJob records a bookkeeping failure. The writes outlive ctx so that a
// cancelled caller still leaves the job in a terminal state.
func (c *Coordinator) failJob(ctx context.Context, jobID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger.Error("[Synthesis] Job failed", "job_id", jobID, "err", cause)
	if err := c.store.PutError(ctx, jobID, StageSynthesis, cause.Error()); err != nil {
		logger.Error("[Synthesis] Failed to record job error", "job_id", jobID, "err", err)
	}
	if _, err := c.store.SetStatus(ctx, jobID, common.JobFailed); err != nil {
		logger.Error("[Synthesis] Failed to mark job failed", "job_id", jobID, "err", err)
	}
}
