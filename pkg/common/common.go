package common

import (
	"encoding/json"
	"time"
)

// JobStatus is the job-level lifecycle state. Only the coordinator writes it.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobAborted   JobStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobAborted
}

// SubtaskState is the lifecycle of a single mining subtask.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskRunning   SubtaskState = "running"
	SubtaskCompleted SubtaskState = "completed"
	SubtaskFailed    SubtaskState = "failed"
)

func (s SubtaskState) rank() int {
	switch s {
	case SubtaskPending:
		return 0
	case SubtaskRunning:
		return 1
	case SubtaskCompleted, SubtaskFailed:
		return 2
	}
	return -1
}

// Terminal reports whether the subtask reached completed or failed.
func (s SubtaskState) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Terminal states never move, and equal states are allowed so that progress
// updates on a running subtask are accepted.
func (s SubtaskState) CanAdvanceTo(next SubtaskState) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Subtask names known to the engine.
const (
	SubtaskStructure = "structure"
	SubtaskCreators  = "creators"
	SubtaskTrends    = "trends"
	SubtaskVisual    = "visual"
)

// SubtaskRecord tracks one mining activity scoped to a job.
type SubtaskRecord struct {
	Name      string       `json:"name"`
	State     SubtaskState `json:"state"`
	Progress  int          `json:"progress"`
	Stage     string       `json:"stage,omitempty"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// JobMetadata holds the original request parameters.
type JobMetadata struct {
	Query      string `json:"query"`
	SampleSize int    `json:"sample_size"`
	Platform   string `json:"platform,omitempty"`
	Intent     string `json:"intent,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// Job is one user request composed of several mining subtasks.
type Job struct {
	ID       string                    `json:"id"`
	Status   JobStatus                 `json:"status"`
	Progress int                       `json:"progress"`
	Stage    string                    `json:"stage,omitempty"`
	Subtasks map[string]*SubtaskRecord `json:"subtasks"`
	Results  map[string]MinedData      `json:"results,omitempty"`
	Errors   map[string]string         `json:"errors,omitempty"`
	Metadata JobMetadata               `json:"metadata"`

	DownstreamDispatched bool `json:"downstream_dispatched"`
	SynthesisStarted     bool `json:"synthesis_started"`

	ResultKey string    `json:"result_key,omitempty"`
	DatasetID string    `json:"dataset_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Subtasks = make(map[string]*SubtaskRecord, len(j.Subtasks))
	for k, v := range j.Subtasks {
		rec := *v
		out.Subtasks[k] = &rec
	}
	out.Results = make(map[string]MinedData, len(j.Results))
	for k, v := range j.Results {
		items := make([]RawRecord, len(v.Items))
		copy(items, v.Items)
		out.Results[k] = MinedData{Items: items}
	}
	out.Errors = make(map[string]string, len(j.Errors))
	for k, v := range j.Errors {
		out.Errors[k] = v
	}
	return &out
}

// RawRecord is a mined item as emitted by a miner. Field names vary between
// miners; pkg/aggregate normalizes them.
type RawRecord map[string]any

// MinedData is the data blob a subtask produces.
type MinedData struct {
	Items []RawRecord `json:"items"`
}

// CanonicalEntity is the deduplicated representation of one account.
type CanonicalEntity struct {
	Key            string   `json:"key"`
	Username       string   `json:"username"`
	FullName       string   `json:"full_name,omitempty"`
	Bio            string   `json:"bio,omitempty"`
	AvatarURL      string   `json:"avatar_url,omitempty"`
	FollowerCount  int64    `json:"follower_count,omitempty"`
	FollowingCount int64    `json:"following_count,omitempty"`
	Verified       bool     `json:"verified,omitempty"`
	Frequency      int      `json:"frequency"`
	Sources        []string `json:"sources"`
}

// ContextItem is a lightweight record handed to the summarizer.
type ContextItem struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
	Detail string `json:"detail,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// Node is a render-ready graph node.
type Node struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Val   float64        `json:"val"`
	Group string         `json:"group"`
	Color string         `json:"color"`
	Data  map[string]any `json:"data,omitempty"`
}

// Link is a render-ready edge between two node ids.
type Link struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Value  float64 `json:"value"`
}

// Graph is the persisted snapshot: exactly nodes and links.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// TreeNode is one node of the hierarchical summary: root, clusters, leaves.
type TreeNode struct {
	ID       string         `json:"id,omitempty"`
	Label    string         `json:"label"`
	Type     string         `json:"type,omitempty"`
	Handle   string         `json:"handle,omitempty"`
	Val      float64        `json:"val,omitempty"`
	Color    string         `json:"color,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Children []TreeNode     `json:"children,omitempty"`
}

// Summary is what a summarizer returns for one request.
type Summary struct {
	Root      TreeNode  `json:"root"`
	Analytics Analytics `json:"analytics"`
}

// BrandMention is a side-channel brand signal from the visual stage.
type BrandMention struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Category classifies an over-indexed account.
type Category string

const (
	CategoryCreator Category = "creator"
	CategoryBrand   Category = "brand"
	CategoryMedia   Category = "media"
	CategoryOther   Category = "other"
)

// OverindexedAccount is one account a sampled audience follows
// disproportionately often.
type OverindexedAccount struct {
	Username       string   `json:"username"`
	FullName       string   `json:"full_name,omitempty"`
	Category       Category `json:"category"`
	Frequency      int      `json:"frequency"`
	Percentage     float64  `json:"percentage"`
	OverindexScore float64  `json:"overindex_score"`
	Provenance     string   `json:"provenance"`
	FollowerCount  int64    `json:"follower_count,omitempty"`
	Bio            string   `json:"bio,omitempty"`
}

// Cluster groups over-indexed accounts that co-occur in following lists.
type Cluster struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Category Category `json:"category"`
	Members  []string `json:"members"`
}

// Analytics is the flattened sibling document of the graph snapshot.
type Analytics struct {
	Creators    []AnalyticsItem      `json:"creators"`
	Brands      []AnalyticsItem      `json:"brands"`
	Clusters    []AnalyticsItem      `json:"clusters"`
	Topics      []AnalyticsItem      `json:"topics"`
	Overindexed []OverindexedAccount `json:"overindexed,omitempty"`
	Summary     string               `json:"summary,omitempty"`
}

// AnalyticsItem is one flattened entry of the analytics lists.
type AnalyticsItem struct {
	Name   string  `json:"name"`
	Handle string  `json:"handle,omitempty"`
	Score  float64 `json:"score,omitempty"`
	Count  int     `json:"count,omitempty"`
}

// StageError records an error that was absorbed during processing.
type StageError struct {
	Stage   string `json:"stage"`
	Subtask string `json:"subtask,omitempty"`
	Message string `json:"message"`
}

// Result is the final artifact of a job.
type Result struct {
	JobID     string            `json:"job_id"`
	Graph     Graph             `json:"graph"`
	Analytics Analytics         `json:"analytics"`
	Entities  []CanonicalEntity `json:"entities"`
	Errors    []StageError      `json:"errors"`
	Timings   map[string]int64  `json:"timings_ms,omitempty"`
	Degraded  bool              `json:"degraded"`
}

// Dataset is a derived record collection produced by an analysis run.
type Dataset struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
