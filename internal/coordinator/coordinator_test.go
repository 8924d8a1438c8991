package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/pkg/ai"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/leaselock"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/store/memory"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []miner.Task
	down  []miner.Task
	fail  map[string]error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task miner.Task, downstream bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[task.Subtask]; err != nil {
		return err
	}
	if downstream {
		d.down = append(d.down, task)
	} else {
		d.tasks = append(d.tasks, task)
	}
	return nil
}

func (d *recordingDispatcher) downstreamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.down)
}

type failingArtifacts struct {
	calls int
}

func (f *failingArtifacts) PutResult(ctx context.Context, res common.Result) (string, error) {
	f.calls++
	return "", errors.New("bucket unavailable")
}

func (f *failingArtifacts) GetResult(ctx context.Context, key string) (common.Result, error) {
	return common.Result{}, storage.ErrArtifactNotFound
}

type fixture struct {
	c          *Coordinator
	store      *memory.Store
	artifacts  *storage.MemoryArtifactStore
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T, summarizer ai.Summarizer) fixture {
	t.Helper()
	st := memory.New(nil)
	arts := storage.NewMemoryArtifactStore()
	disp := &recordingDispatcher{}
	c, err := NewCoordinator(NewCoordinatorParams{
		Store:      st,
		Dispatcher: disp,
		Summarizer: summarizer,
		Artifacts:  arts,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return fixture{c: c, store: st, artifacts: arts, dispatcher: disp}
}

func (f fixture) dispatch(t *testing.T, jobID string) {
	t.Helper()
	err := f.c.Dispatch(context.Background(), DispatchRequest{JobID: jobID, Query: "trail runners", SampleSize: 4})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func (f fixture) job(t *testing.T, jobID string) *common.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

func following(owner string, handles ...string) common.RawRecord {
	list := make([]any, 0, len(handles))
	for _, h := range handles {
		list = append(list, h)
	}
	return common.RawRecord{"username": owner, "following": list}
}

func fixtureData() map[string]common.MinedData {
	return map[string]common.MinedData{
		common.SubtaskStructure: {Items: []common.RawRecord{
			following("ann", "salomon", "kilian", "trailmag"),
			following("ben", "salomon"),
			following("cat", "salomon", "kilian", "trailmag"),
			following("dan", "salomon"),
		}},
		common.SubtaskCreators: {Items: []common.RawRecord{
			{"username": "kilian", "full_name": "Kilian J", "follower_count": 90000, "biography": "mountain runner"},
			{"username": "ann", "biography": "runs"},
		}},
		common.SubtaskTrends: {Items: []common.RawRecord{
			{"type": "hashtag", "hashtag": "ultra", "count": 12},
			{"type": "topic", "topic": "vertical km", "count": 3},
		}},
		common.SubtaskVisual: {Items: []common.RawRecord{
			{"brand": "Salomon", "count": 2},
			{"brand": "salomon"},
			{"brand": "Hoka"},
		}},
	}
}

func completeAll(t *testing.T, c *Coordinator, jobID string, order []string, data map[string]common.MinedData) {
	t.Helper()
	for _, name := range order {
		if err := c.CompleteSubtask(context.Background(), jobID, name, data[name]); err != nil {
			t.Fatalf("CompleteSubtask(%s): %v", name, err)
		}
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	st := memory.New(nil)
	arts := storage.NewMemoryArtifactStore()
	disp := &recordingDispatcher{}

	tests := []struct {
		name   string
		params NewCoordinatorParams
	}{
		{"no store", NewCoordinatorParams{Dispatcher: disp, Artifacts: arts}},
		{"no dispatcher", NewCoordinatorParams{Store: st, Artifacts: arts}},
		{"no artifacts", NewCoordinatorParams{Store: st, Dispatcher: disp}},
		{"downstream is required", NewCoordinatorParams{Store: st, Dispatcher: disp, Artifacts: arts, Required: []string{"a", "b"}, Downstream: "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCoordinator(tc.params); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")

	job := f.job(t, "j1")
	if job.Status != common.JobRunning {
		t.Fatalf("expected running, got %s", job.Status)
	}
	if job.Progress != 5 {
		t.Fatalf("expected baseline progress 5, got %d", job.Progress)
	}
	for _, name := range append(DefaultRequired, DefaultDownstream) {
		rec := job.Subtasks[name]
		if rec == nil || rec.State != common.SubtaskPending {
			t.Fatalf("expected %s pending, got %+v", name, rec)
		}
	}

	var names []string
	for _, task := range f.dispatcher.tasks {
		names = append(names, task.Subtask)
		if task.Query != "trail runners" || task.SampleSize != 4 || task.JobID != "j1" {
			t.Fatalf("unexpected task %+v", task)
		}
	}
	if !reflect.DeepEqual(names, DefaultRequired) {
		t.Fatalf("dispatched %v, want %v", names, DefaultRequired)
	}
	if f.dispatcher.downstreamCount() != 0 {
		t.Fatalf("downstream dispatched too early")
	}
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []DispatchRequest{
		{Query: "q", SampleSize: 1},
		{JobID: "j", SampleSize: 1},
		{JobID: "j", Query: "q"},
	}
	for _, req := range tests {
		if err := f.c.Dispatch(context.Background(), req); err == nil {
			t.Fatalf("expected error for %+v", req)
		}
	}
}

func TestDispatchFailureFailsSubtask(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.fail = map[string]error{common.SubtaskTrends: errors.New("queue closed")}
	f.dispatch(t, "j1")

	job := f.job(t, "j1")
	if job.Subtasks[common.SubtaskTrends].State != common.SubtaskFailed {
		t.Fatalf("expected trends failed, got %+v", job.Subtasks[common.SubtaskTrends])
	}
	if job.Errors["mining:trends"] == "" {
		t.Fatalf("expected dispatch error recorded, got %v", job.Errors)
	}
}

func TestSubmitAssignsID(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.c.Submit(context.Background(), DispatchRequest{Query: "q", SampleSize: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" || f.job(t, id).Metadata.Query != "q" {
		t.Fatalf("unexpected job %q", id)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()

	steps := []struct {
		name      string
		percent   int
		stage     string
		wantTotal int
	}{
		{common.SubtaskStructure, 50, "fetching followers", 23},
		{common.SubtaskStructure, 20, "late update", 23},
		{common.SubtaskCreators, 140, "enriching", 50},
		{common.SubtaskTrends, -5, "", 50},
	}
	for _, s := range steps {
		if err := f.c.ReportProgress(ctx, "j1", s.name, s.percent, s.stage); err != nil {
			t.Fatalf("ReportProgress: %v", err)
		}
		if got := f.job(t, "j1").Progress; got != s.wantTotal {
			t.Fatalf("after %s=%d: progress %d, want %d", s.name, s.percent, got, s.wantTotal)
		}
	}

	job := f.job(t, "j1")
	if rec := job.Subtasks[common.SubtaskStructure]; rec.Progress != 50 || rec.Stage != "late update" {
		t.Fatalf("unexpected structure record %+v", rec)
	}
	want := "structure: late update | creators: enriching | trends: 0%"
	if job.Stage != want {
		t.Fatalf("stage %q, want %q", job.Stage, want)
	}
}

func TestReportProgressUnknownSubtask(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	err := f.c.ReportProgress(context.Background(), "j1", "nope", 10, "")
	if !errors.Is(err, ErrUnknownSubtask) {
		t.Fatalf("expected ErrUnknownSubtask, got %v", err)
	}
	err = f.c.ReportProgress(context.Background(), "missing", common.SubtaskTrends, 10, "")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDownstreamWaitsForPrimaries(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	data := fixtureData()

	completeAll(t, f.c, "j1", []string{common.SubtaskStructure, common.SubtaskCreators}, data)
	if f.dispatcher.downstreamCount() != 0 {
		t.Fatalf("downstream dispatched before all primaries finished")
	}
	completeAll(t, f.c, "j1", []string{common.SubtaskTrends}, data)
	if f.dispatcher.downstreamCount() != 1 {
		t.Fatalf("expected one downstream dispatch, got %d", f.dispatcher.downstreamCount())
	}

	task := f.dispatcher.down[0]
	if task.Subtask != common.SubtaskVisual || len(task.Handles) == 0 {
		t.Fatalf("unexpected downstream task %+v", task)
	}
	if task.Handles[0] != "salomon" {
		t.Fatalf("expected most referenced handle first, got %v", task.Handles)
	}

	job := f.job(t, "j1")
	if job.Status != common.JobRunning || job.SynthesisStarted {
		t.Fatalf("synthesis must wait for the downstream subtask, got %+v", job)
	}
	if job.Progress != 90 {
		t.Fatalf("expected mining band to be full, got %d", job.Progress)
	}
}

func TestDownstreamDispatchedExactlyOnce(t *testing.T) {
	for round := range 20 {
		f := newFixture(t, nil)
		jobID := fmt.Sprintf("j%d", round)
		f.dispatch(t, jobID)
		data := fixtureData()

		var wg sync.WaitGroup
		for _, name := range DefaultRequired {
			for range 3 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := f.c.CompleteSubtask(context.Background(), jobID, name, data[name]); err != nil {
						t.Errorf("CompleteSubtask(%s): %v", name, err)
					}
				}()
			}
		}
		wg.Wait()

		// re-evaluating readiness afterwards changes nothing
		if err := f.c.advance(context.Background(), jobID); err != nil {
			t.Fatalf("advance: %v", err)
		}
		if got := f.dispatcher.downstreamCount(); got != 1 {
			t.Fatalf("round %d: expected exactly one downstream dispatch, got %d", round, got)
		}
	}
}

func TestDownstreamSignalsBeforeDispatch(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()
	data := fixtureData()

	completeAll(t, f.c, "j1", []string{common.SubtaskStructure}, data)
	signals := []struct {
		name string
		send func() error
	}{
		{"progress", func() error { return f.c.ReportProgress(ctx, "j1", common.SubtaskVisual, 50, "early") }},
		{"complete", func() error { return f.c.CompleteSubtask(ctx, "j1", common.SubtaskVisual, data[common.SubtaskVisual]) }},
		{"fail", func() error { return f.c.FailSubtask(ctx, "j1", common.SubtaskVisual, errors.New("early")) }},
	}
	for _, s := range signals {
		if err := s.send(); !errors.Is(err, ErrNotDispatched) {
			t.Fatalf("%s: expected ErrNotDispatched, got %v", s.name, err)
		}
	}

	job := f.job(t, "j1")
	if rec := job.Subtasks[common.SubtaskVisual]; rec.State != common.SubtaskPending {
		t.Fatalf("downstream subtask changed before dispatch: %+v", rec)
	}
	if _, ok := job.Results[common.SubtaskVisual]; ok || len(job.Errors) != 0 {
		t.Fatalf("early signal left data behind: %v", job.Errors)
	}

	completeAll(t, f.c, "j1", []string{common.SubtaskCreators, common.SubtaskTrends}, data)
	if f.dispatcher.downstreamCount() != 1 {
		t.Fatalf("expected one downstream dispatch, got %d", f.dispatcher.downstreamCount())
	}
	completeAll(t, f.c, "j1", []string{common.SubtaskVisual}, data)
	if job := f.job(t, "j1"); job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestSynthesisRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	data := fixtureData()
	completeAll(t, f.c, "j1", append(DefaultRequired, DefaultDownstream), data)

	job := f.job(t, "j1")
	if job.Status != common.JobCompleted || job.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", job.Status, job.Progress)
	}

	// a redelivered completion is ignored
	if err := f.c.CompleteSubtask(context.Background(), "j1", common.SubtaskVisual, data[common.SubtaskVisual]); !errors.Is(err, ErrJobClosed) {
		t.Fatalf("expected ErrJobClosed, got %v", err)
	}
	if err := f.c.advance(context.Background(), "j1"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	res, err := f.c.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.JobID != "j1" || len(res.Graph.Nodes) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result without a summarizer")
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %+v", res.Errors)
	}
	if _, err := f.artifacts.Object(storage.JobPrefix("j1") + "/" + storage.GraphObject); err != nil {
		t.Fatalf("graph snapshot missing: %v", err)
	}
}

func TestSynthesisIsOrderIndependent(t *testing.T) {
	data := fixtureData()
	orders := [][]string{
		{common.SubtaskStructure, common.SubtaskCreators, common.SubtaskTrends, common.SubtaskVisual},
		{common.SubtaskTrends, common.SubtaskCreators, common.SubtaskStructure, common.SubtaskVisual},
		{common.SubtaskCreators, common.SubtaskTrends, common.SubtaskStructure, common.SubtaskVisual},
	}

	var first common.Result
	for i, order := range orders {
		f := newFixture(t, nil)
		f.dispatch(t, "j1")
		completeAll(t, f.c, "j1", order, data)

		res, err := f.c.GetResult(context.Background(), "j1")
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if i == 0 {
			first = res
			continue
		}
		if !reflect.DeepEqual(res.Graph, first.Graph) {
			t.Fatalf("order %v produced a different graph", order)
		}
		if !reflect.DeepEqual(res.Entities, first.Entities) {
			t.Fatalf("order %v produced different entities", order)
		}
		if !reflect.DeepEqual(res.Analytics, first.Analytics) {
			t.Fatalf("order %v produced different analytics", order)
		}
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()
	data := fixtureData()

	if err := f.c.FailSubtask(ctx, "j1", common.SubtaskCreators, errors.New("login required")); err != nil {
		t.Fatalf("FailSubtask: %v", err)
	}
	completeAll(t, f.c, "j1", []string{common.SubtaskStructure, common.SubtaskTrends}, data)
	if err := f.c.FailSubtask(ctx, "j1", common.SubtaskVisual, errors.New("vision quota")); err != nil {
		t.Fatalf("FailSubtask: %v", err)
	}

	job := f.job(t, "j1")
	if job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	res, err := f.c.GetResult(ctx, "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	want := []common.StageError{
		{Stage: StageEnrichment, Subtask: common.SubtaskVisual, Message: "vision quota"},
		{Stage: StageMining, Subtask: common.SubtaskCreators, Message: "login required"},
	}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Fatalf("errors = %+v, want %+v", res.Errors, want)
	}
}

func TestAllPrimariesFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()
	for _, name := range DefaultRequired {
		if err := f.c.FailSubtask(ctx, "j1", name, errors.New("blocked")); err != nil {
			t.Fatalf("FailSubtask: %v", err)
		}
	}
	if err := f.c.CompleteSubtask(ctx, "j1", common.SubtaskVisual, common.MinedData{}); err != nil {
		t.Fatalf("CompleteSubtask: %v", err)
	}
	res, err := f.c.GetResult(ctx, "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(res.Graph.Nodes) != 1 || len(res.Errors) != 3 {
		t.Fatalf("expected a bare root and three errors, got %d nodes, %+v", len(res.Graph.Nodes), res.Errors)
	}
}

func TestDuplicateTerminalSignalIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()
	data := fixtureData()

	completeAll(t, f.c, "j1", []string{common.SubtaskStructure}, data)
	if err := f.c.FailSubtask(ctx, "j1", common.SubtaskStructure, errors.New("late failure")); err != nil {
		t.Fatalf("FailSubtask after complete: %v", err)
	}
	if err := f.c.ReportProgress(ctx, "j1", common.SubtaskStructure, 10, "again"); !errors.Is(err, ErrSubtaskClosed) {
		t.Fatalf("expected ErrSubtaskClosed for progress after complete, got %v", err)
	}

	job := f.job(t, "j1")
	rec := job.Subtasks[common.SubtaskStructure]
	if rec.State != common.SubtaskCompleted || rec.Stage != "completed" {
		t.Fatalf("terminal subtask changed: %+v", rec)
	}
	if len(job.Errors) != 0 {
		t.Fatalf("unexpected errors %v", job.Errors)
	}
}

func TestSummarizerFailureFallsBack(t *testing.T) {
	summarizer := ai.SummarizerFunc(func(ctx context.Context, req ai.Request) (common.Summary, error) {
		return common.Summary{}, errors.New("model timeout")
	})
	f := newFixture(t, summarizer)
	f.dispatch(t, "j1")
	completeAll(t, f.c, "j1", append(DefaultRequired, DefaultDownstream), fixtureData())

	if job := f.job(t, "j1"); job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	res, err := f.c.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result")
	}
	if len(res.Errors) != 1 || res.Errors[0].Stage != StageSummarize {
		t.Fatalf("expected summarize error, got %+v", res.Errors)
	}
	if len(res.Graph.Nodes) < 2 {
		t.Fatalf("expected fallback graph, got %+v", res.Graph.Nodes)
	}
	if len(res.Analytics.Overindexed) == 0 {
		t.Fatalf("expected over-indexed accounts in analytics")
	}
}

func TestSummarizerReceivesContext(t *testing.T) {
	var got ai.Request
	summarizer := ai.SummarizerFunc(func(ctx context.Context, req ai.Request) (common.Summary, error) {
		got = req
		return common.Summary{
			Root: common.TreeNode{Label: "Trail runners", Children: []common.TreeNode{
				{Label: "Athletes", Children: []common.TreeNode{{Label: "Kilian", Handle: "kilian", Type: "creator"}}},
			}},
			Analytics: common.Analytics{Summary: "runners"},
		}, nil
	})
	f := newFixture(t, summarizer)
	f.dispatch(t, "j1")
	completeAll(t, f.c, "j1", append(DefaultRequired, DefaultDownstream), fixtureData())

	if got.Query != "trail runners" || len(got.Items) == 0 || got.RichContext == "" {
		t.Fatalf("unexpected request %+v", got)
	}
	res, err := f.c.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.Degraded || res.Analytics.Summary != "runners" {
		t.Fatalf("unexpected result %+v", res)
	}

	var brands []string
	for _, n := range res.Graph.Nodes {
		if n.Group == "brand" {
			brands = append(brands, n.Label)
		}
	}
	if !reflect.DeepEqual(brands, []string{"Salomon", "Hoka"}) {
		t.Fatalf("brand nodes = %v", brands)
	}
}

func TestCallerCancelDuringSynthesis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	summarizer := ai.SummarizerFunc(func(sctx context.Context, req ai.Request) (common.Summary, error) {
		cancel()
		if sctx.Err() != nil {
			t.Errorf("synthesis context followed the caller: %v", sctx.Err())
		}
		return common.Summary{}, context.Canceled
	})
	f := newFixture(t, summarizer)
	f.dispatch(t, "j1")
	data := fixtureData()
	completeAll(t, f.c, "j1", DefaultRequired, data)

	if err := f.c.CompleteSubtask(ctx, "j1", common.SubtaskVisual, data[common.SubtaskVisual]); err != nil {
		t.Fatalf("CompleteSubtask: %v", err)
	}
	job := f.job(t, "j1")
	if job.Status != common.JobCompleted || job.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d (%v)", job.Status, job.Progress, job.Errors)
	}
	res, err := f.c.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !res.Degraded || len(res.Errors) != 1 || res.Errors[0].Stage != StageSummarize {
		t.Fatalf("expected a degraded result with a summarize error, got %+v", res.Errors)
	}
}

func TestAbortDuringSynthesisSkipsArtifacts(t *testing.T) {
	var f fixture
	summarizer := ai.SummarizerFunc(func(ctx context.Context, req ai.Request) (common.Summary, error) {
		if err := f.c.Abort(ctx, "j1"); err != nil {
			t.Errorf("Abort: %v", err)
		}
		return common.Summary{}, errors.New("interrupted")
	})
	f = newFixture(t, summarizer)
	f.dispatch(t, "j1")
	completeAll(t, f.c, "j1", append(DefaultRequired, DefaultDownstream), fixtureData())

	job := f.job(t, "j1")
	if job.Status != common.JobAborted {
		t.Fatalf("expected aborted, got %s", job.Status)
	}
	if job.ResultKey != "" {
		t.Fatalf("aborted job recorded result %q", job.ResultKey)
	}
	if _, err := f.artifacts.GetResult(context.Background(), storage.ResultKey("j1")); !errors.Is(err, storage.ErrArtifactNotFound) {
		t.Fatalf("expected no stored result, got %v", err)
	}
}

func TestAbortDiscardsLateResults(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	ctx := context.Background()
	data := fixtureData()

	completeAll(t, f.c, "j1", []string{common.SubtaskStructure}, data)
	if err := f.c.Abort(ctx, "j1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := f.c.Abort(ctx, "j1"); !errors.Is(err, ErrJobClosed) {
		t.Fatalf("expected second abort to fail, got %v", err)
	}

	for _, name := range []string{common.SubtaskCreators, common.SubtaskTrends} {
		err := f.c.CompleteSubtask(ctx, "j1", name, data[name])
		if !errors.Is(err, ErrJobClosed) {
			t.Fatalf("expected ErrJobClosed for %s, got %v", name, err)
		}
	}

	job := f.job(t, "j1")
	if job.Status != common.JobAborted {
		t.Fatalf("expected aborted, got %s", job.Status)
	}
	if _, ok := job.Results[common.SubtaskCreators]; ok {
		t.Fatalf("late result was stored")
	}
	if f.dispatcher.downstreamCount() != 0 || job.SynthesisStarted {
		t.Fatalf("aborted job advanced")
	}
}

func TestBookkeepingFailureFailsJob(t *testing.T) {
	st := memory.New(nil)
	arts := &failingArtifacts{}
	c, err := NewCoordinator(NewCoordinatorParams{
		Store:        st,
		Dispatcher:   &recordingDispatcher{},
		Artifacts:    arts,
		NoDownstream: true,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Dispatch(ctx, DispatchRequest{JobID: "j1", Query: "q", SampleSize: 4}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	data := fixtureData()
	completeAll(t, c, "j1", DefaultRequired[:2], data)
	err = c.CompleteSubtask(ctx, "j1", common.SubtaskTrends, data[common.SubtaskTrends])
	if err == nil {
		t.Fatalf("expected bookkeeping error")
	}

	job, _ := st.GetJob(ctx, "j1")
	if job.Status != common.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Errors[StageSynthesis] == "" {
		t.Fatalf("expected synthesis error retained, got %v", job.Errors)
	}
	if arts.calls != persistRetries {
		t.Fatalf("expected %d persist attempts, got %d", persistRetries, arts.calls)
	}
}

func TestDownstreamDispatchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.fail = map[string]error{common.SubtaskVisual: errors.New("queue closed")}
	f.dispatch(t, "j1")
	completeAll(t, f.c, "j1", DefaultRequired, fixtureData())

	job := f.job(t, "j1")
	if job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Subtasks[common.SubtaskVisual].State != common.SubtaskFailed {
		t.Fatalf("expected visual failed, got %+v", job.Subtasks[common.SubtaskVisual])
	}
	if job.Errors["enrichment:visual"] == "" {
		t.Fatalf("expected dispatch failure recorded, got %v", job.Errors)
	}
}

func TestDatasetPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	completeAll(t, f.c, "j1", append(DefaultRequired, DefaultDownstream), fixtureData())

	job := f.job(t, "j1")
	if job.DatasetID == "" {
		t.Fatalf("expected a dataset id")
	}
	ds, records, ok := f.store.Dataset(job.DatasetID)
	if !ok || ds.JobID != "j1" || ds.Kind != datasetKind {
		t.Fatalf("unexpected dataset %+v", ds)
	}
	res, _ := f.c.GetResult(context.Background(), "j1")
	if len(records) != len(res.Analytics.Overindexed) {
		t.Fatalf("expected %d records, got %d", len(res.Analytics.Overindexed), len(records))
	}
}

func TestLocalPoolEndToEnd(t *testing.T) {
	data := fixtureData()
	var mu sync.Mutex
	seen := map[string]int{}
	exec := miner.ExecutorFunc(func(ctx context.Context, task miner.Task, report miner.Reporter) (common.MinedData, error) {
		mu.Lock()
		seen[task.Subtask]++
		mu.Unlock()
		report(50, "halfway")
		if task.Subtask == common.SubtaskTrends {
			return common.MinedData{}, errors.New("rate limited")
		}
		return data[task.Subtask], nil
	})

	pool := NewLocalPool(NewLocalPoolParams{Executor: exec, MiningParallel: 2})
	st := memory.New(nil)
	c, err := NewCoordinator(NewCoordinatorParams{
		Store:      st,
		Dispatcher: pool,
		Artifacts:  storage.NewMemoryArtifactStore(),
		Locker:     leaselock.NewLocal(nil),
		LockTTL:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	pool.Attach(c)

	id, err := c.Submit(context.Background(), DispatchRequest{Query: "trail runners", SampleSize: 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pool.Wait()

	job, _ := st.GetJob(context.Background(), id)
	if job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s (%v)", job.Status, job.Errors)
	}
	for _, name := range append(DefaultRequired, DefaultDownstream) {
		if seen[name] != 1 {
			t.Fatalf("expected %s to run once, ran %d times", name, seen[name])
		}
	}
	if job.Subtasks[common.SubtaskTrends].State != common.SubtaskFailed {
		t.Fatalf("expected trends failed")
	}
}

type nopSignals struct{}

func (nopSignals) ReportProgress(ctx context.Context, jobID, name string, percent int, stage string) error {
	return nil
}

func (nopSignals) CompleteSubtask(ctx context.Context, jobID, name string, data common.MinedData) error {
	return nil
}

func (nopSignals) FailSubtask(ctx context.Context, jobID, name string, cause error) error {
	return nil
}

func TestLocalPoolCaps(t *testing.T) {
	var mu sync.Mutex
	running, enriching, maxRunning, maxEnriching := 0, 0, 0, 0
	exec := miner.ExecutorFunc(func(ctx context.Context, task miner.Task, report miner.Reporter) (common.MinedData, error) {
		mu.Lock()
		running++
		maxRunning = max(maxRunning, running)
		if task.Subtask == common.SubtaskVisual {
			enriching++
			maxEnriching = max(maxEnriching, enriching)
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		if task.Subtask == common.SubtaskVisual {
			enriching--
		}
		mu.Unlock()
		return common.MinedData{}, nil
	})

	pool := NewLocalPool(NewLocalPoolParams{Executor: exec, MiningParallel: 2, EnrichParallel: 1})
	pool.Attach(nopSignals{})
	for i := range 4 {
		jobID := fmt.Sprintf("j%d", i)
		if err := pool.Dispatch(context.Background(), miner.Task{JobID: jobID, Subtask: common.SubtaskStructure}, false); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if err := pool.Dispatch(context.Background(), miner.Task{JobID: jobID, Subtask: common.SubtaskVisual}, true); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	pool.Wait()

	if maxRunning > 2 {
		t.Fatalf("%d subtasks ran at once, cap is 2", maxRunning)
	}
	if maxEnriching > 1 {
		t.Fatalf("%d downstream subtasks ran at once, cap is 1", maxEnriching)
	}
}

func TestExecuteSkipsClosedSubtask(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "j1")
	data := fixtureData()
	completeAll(t, f.c, "j1", []string{common.SubtaskStructure}, data)

	runs := 0
	exec := miner.ExecutorFunc(func(ctx context.Context, task miner.Task, report miner.Reporter) (common.MinedData, error) {
		runs++
		return data[task.Subtask], nil
	})
	task := f.dispatcher.tasks[0]
	if task.Subtask != common.SubtaskStructure {
		t.Fatalf("unexpected first task %+v", task)
	}
	if err := Execute(context.Background(), f.c, exec, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runs != 0 {
		t.Fatalf("miner ran %d times for a completed subtask", runs)
	}
}

func TestLocalPoolRequiresAttach(t *testing.T) {
	pool := NewLocalPool(NewLocalPoolParams{Executor: miner.ExecutorFunc(nil)})
	if err := pool.Dispatch(context.Background(), miner.Task{}, false); !errors.Is(err, errNotAttached) {
		t.Fatalf("expected errNotAttached, got %v", err)
	}
}

func TestBrandMentions(t *testing.T) {
	got := BrandMentions([]common.RawRecord{
		{"brand": "Hoka"},
		{"brand": "Salomon", "count": 2},
		{"username": "not-a-brand"},
		{"brand": "salomon"},
		{"brand": "  "},
		{"type": "logo", "name": "Arc'teryx", "count": 3},
	})
	want := []common.BrandMention{
		{Name: "Arc'teryx", Count: 3},
		{Name: "Salomon", Count: 3},
		{Name: "Hoka", Count: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BrandMentions = %+v, want %+v", got, want)
	}
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("job")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if len(k.locks) != 0 {
		t.Fatalf("expected all keys released, got %d", len(k.locks))
	}
}
