// Package coordinator drives a job through its mining subtasks, the
// dependent enrichment stage and final synthesis.
//
// Subtasks report back through ReportProgress, CompleteSubtask and
// FailSubtask. After every signal the coordinator re-evaluates readiness:
// once all required subtasks are terminal the downstream subtask is
// dispatched exactly once, and once that is terminal the job is synthesized
// exactly once. Both guards are compare-and-set flags in the job store, so
// any number of workers may deliver signals for the same job.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/pkg/ai"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/graph"
	"github.com/vanillabrand/fandom/pkg/leaselock"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/overindex"
	"github.com/vanillabrand/fandom/pkg/store"
)

var (
	// ErrJobClosed is returned for signals that arrive after a job reached a
	// terminal status. Callers should treat the signal as discarded.
	ErrJobClosed = errors.New("job is closed")

	// ErrSubtaskClosed is returned by ReportProgress for a subtask that
	// already completed or failed. Duplicate terminal signals are no-ops.
	ErrSubtaskClosed = errors.New("subtask is closed")

	// ErrNotDispatched rejects signals for the downstream subtask before
	// every primary subtask is terminal.
	ErrNotDispatched = errors.New("subtask is not dispatched yet")

	ErrUnknownSubtask = store.ErrUnknownSubtask
	ErrJobNotFound    = store.ErrJobNotFound
)

// DefaultRequired are the primary subtasks of a job.
var DefaultRequired = []string{common.SubtaskStructure, common.SubtaskCreators, common.SubtaskTrends}

// DefaultDownstream is the subtask that runs after all primaries.
const DefaultDownstream = common.SubtaskVisual

// Dispatcher hands a subtask to whatever runs it: an in-process pool or a
// message queue. Dispatch must not block on the subtask itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, task miner.Task, downstream bool) error
}

// Signals is the callback surface a subtask runner reports into.
type Signals interface {
	ReportProgress(ctx context.Context, jobID, name string, percent int, stage string) error
	CompleteSubtask(ctx context.Context, jobID, name string, data common.MinedData) error
	FailSubtask(ctx context.Context, jobID, name string, cause error) error
}

// Coordinator owns job-level state. It is safe for concurrent use.
type Coordinator struct {
	store      store.JobStore
	dispatcher Dispatcher
	summarizer ai.Summarizer
	artifacts  storage.ArtifactStore
	locker     leaselock.Locker

	materializer *graph.Materializer
	overindex    *overindex.Engine
	influence    graph.InfluenceOptions

	required         []string
	downstream       string
	lockTTL          time.Duration
	synthesisTimeout time.Duration
	now              func() time.Time

	jobLocks keyedMutex
}

var _ Signals = (*Coordinator)(nil)

// NewCoordinatorParams wires a Coordinator. Store, Dispatcher and Artifacts
// are required. A nil Summarizer always uses the fallback tree. A nil Locker
// limits mutual exclusion to this process, which is enough when a single
// worker owns the job store.
type NewCoordinatorParams struct {
	Store      store.JobStore
	Dispatcher Dispatcher
	Summarizer ai.Summarizer
	Artifacts  storage.ArtifactStore
	Locker     leaselock.Locker

	Materializer *graph.Materializer
	Overindex    *overindex.Engine
	Influence    *graph.InfluenceOptions

	// Required defaults to DefaultRequired. Downstream defaults to
	// DefaultDownstream; set NoDownstream to skip the dependent stage.
	Required     []string
	Downstream   string
	NoDownstream bool

	LockTTL time.Duration
	Now     func() time.Time

	// SynthesisTimeout bounds a synthesis run; zero means no limit.
	SynthesisTimeout time.Duration
}

// NewCoordinator validates params and fills in defaults.
//
// Example:
//
//	c, err := coordinator.NewCoordinator(coordinator.NewCoordinatorParams{
//		Store:      memory.New(nil),
//		Dispatcher: pool,
//		Summarizer: summarizer,
//		Artifacts:  storage.NewMemoryArtifactStore(),
//	})
func NewCoordinator(params NewCoordinatorParams) (*Coordinator, error) {
	if params.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("coordinator: dispatcher is required")
	}
	if params.Artifacts == nil {
		return nil, errors.New("coordinator: artifact store is required")
	}

	required := slices.Clone(params.Required)
	if len(required) == 0 {
		required = slices.Clone(DefaultRequired)
	}
	downstream := params.Downstream
	if downstream == "" && !params.NoDownstream {
		downstream = DefaultDownstream
	}
	if params.NoDownstream {
		downstream = ""
	}
	if downstream != "" && slices.Contains(required, downstream) {
		return nil, fmt.Errorf("coordinator: downstream subtask %q is also required", downstream)
	}

	mat := params.Materializer
	if mat == nil {
		mat = graph.NewMaterializer(graph.NewMaterializerParams{})
	}
	engine := params.Overindex
	if engine == nil {
		engine = overindex.New(overindex.DefaultConfig())
	}
	influence := graph.DefaultInfluenceOptions()
	if params.Influence != nil {
		influence = *params.Influence
	}
	lockTTL := params.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		store:        params.Store,
		dispatcher:   params.Dispatcher,
		summarizer:   params.Summarizer,
		artifacts:    params.Artifacts,
		locker:       params.Locker,
		materializer: mat,
		overindex:    engine,
		influence:    influence,
		required:     required,
		downstream:   downstream,
		lockTTL:      lockTTL,
		now:          now,

		synthesisTimeout: params.SynthesisTimeout,
	}, nil
}

// Required returns the names of the primary subtasks.
func (c *Coordinator) Required() []string {
	return slices.Clone(c.required)
}

// Downstream returns the dependent subtask name, or "" if there is none.
func (c *Coordinator) Downstream() string {
	return c.downstream
}

// GetJob returns the current snapshot of a job.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*common.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// GetResult loads the persisted result of a completed job.
func (c *Coordinator) GetResult(ctx context.Context, jobID string) (common.Result, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return common.Result{}, err
	}
	if job.ResultKey == "" {
		return common.Result{}, fmt.Errorf("%w: job %s has no result yet", storage.ErrArtifactNotFound, jobID)
	}
	return c.artifacts.GetResult(ctx, job.ResultKey)
}

// withJob serializes signal handling for one job. The in-process mutex is
// always taken; the lease additionally excludes other processes when a
// Locker is configured. fn must not call external services.
func (c *Coordinator) withJob(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	unlock := c.jobLocks.lock(jobID)
	defer unlock()

	if c.locker == nil {
		return fn(ctx)
	}
	return c.locker.WithLease(ctx, "job:"+jobID, leaselock.Options{
		TTL:          c.lockTTL,
		Wait:         true,
		WaitInterval: 50 * time.Millisecond,
		WaitJitter:   50 * time.Millisecond,
		TokenPrefix:  "coordinator/" + jobID + "/",
	}, fn)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
