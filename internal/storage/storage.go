package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/vanillabrand/fandom/pkg/common"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// Object names written for every job under JobPrefix(jobID).
const (
	GraphObject     = "graph.json"
	AnalyticsObject = "analytics.json"
	ResultObject    = "result.json"
)

// ArtifactStore persists the final result of a job. PutResult returns the
// key that GetResult later accepts.
type ArtifactStore interface {
	PutResult(ctx context.Context, res common.Result) (string, error)
	GetResult(ctx context.Context, key string) (common.Result, error)
}

// LinkGenerator is implemented by stores that can hand out direct download
// links for an object.
type LinkGenerator interface {
	GenerateDownloadLink(ctx context.Context, key string) (string, error)
}

// JobPrefix is the folder holding all artifacts of a job.
func JobPrefix(jobID string) string {
	return path.Join("jobs", jobID)
}

// ResultKey is the key of the full result document of a job.
func ResultKey(jobID string) string {
	return path.Join(JobPrefix(jobID), ResultObject)
}

// encodeArtifacts renders the three documents written per job: the bare
// graph snapshot, its sibling analytics and the full result.
func encodeArtifacts(res common.Result) (map[string][]byte, error) {
	graph, err := json.Marshal(res.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	analytics, err := json.Marshal(res.Analytics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analytics: %w", err)
	}
	full, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	prefix := JobPrefix(res.JobID)
	return map[string][]byte{
		path.Join(prefix, GraphObject):     graph,
		path.Join(prefix, AnalyticsObject): analytics,
		path.Join(prefix, ResultObject):    full,
	}, nil
}

// MemoryArtifactStore keeps artifacts in process memory.
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string][]byte)}
}

func (m *MemoryArtifactStore) PutResult(ctx context.Context, res common.Result) (string, error) {
	if res.JobID == "" {
		return "", errors.New("result has no job id")
	}
	objs, err := encodeArtifacts(res)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range objs {
		m.objects[k] = v
	}
	return ResultKey(res.JobID), nil
}

func (m *MemoryArtifactStore) GetResult(ctx context.Context, key string) (common.Result, error) {
	b, err := m.Object(key)
	if err != nil {
		return common.Result{}, err
	}
	var res common.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return common.Result{}, fmt.Errorf("failed to decode result %s: %w", key, err)
	}
	return res, nil
}

// Object returns the raw bytes stored under key.
func (m *MemoryArtifactStore) Object(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	return b, nil
}
