package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/store"
)

func newJob(id string) *common.Job {
	return &common.Job{
		ID:     id,
		Status: common.JobQueued,
		Subtasks: map[string]*common.SubtaskRecord{
			common.SubtaskStructure: {Name: common.SubtaskStructure, State: common.SubtaskPending},
		},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	if err := s.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, newJob("j1")); !errors.Is(err, store.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	j.Subtasks[common.SubtaskStructure].State = common.SubtaskFailed

	again, _ := s.GetJob(ctx, "j1")
	if again.Subtasks[common.SubtaskStructure].State != common.SubtaskPending {
		t.Fatalf("GetJob must return a copy")
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateSubtask(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_ = s.CreateJob(ctx, newJob("j1"))

	j, err := s.UpdateSubtask(ctx, "j1", common.SubtaskStructure, func(rec *common.SubtaskRecord) error {
		rec.State = common.SubtaskRunning
		rec.Progress = 40
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSubtask: %v", err)
	}
	if got := j.Subtasks[common.SubtaskStructure]; got.State != common.SubtaskRunning || got.Progress != 40 {
		t.Fatalf("unexpected record %+v", got)
	}

	boom := errors.New("boom")
	_, err = s.UpdateSubtask(ctx, "j1", common.SubtaskStructure, func(rec *common.SubtaskRecord) error {
		rec.Progress = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	j, _ = s.GetJob(ctx, "j1")
	if j.Subtasks[common.SubtaskStructure].Progress != 40 {
		t.Fatalf("failed update must not be applied")
	}

	_, err = s.UpdateSubtask(ctx, "j1", "nope", func(rec *common.SubtaskRecord) error { return nil })
	if !errors.Is(err, store.ErrUnknownSubtask) {
		t.Fatalf("expected ErrUnknownSubtask, got %v", err)
	}
}

func TestStatusAndProgress(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_ = s.CreateJob(ctx, newJob("j1"))

	_ = s.RaiseProgress(ctx, "j1", 50, "mining")
	_ = s.RaiseProgress(ctx, "j1", 20, "")
	j, _ := s.GetJob(ctx, "j1")
	if j.Progress != 50 || j.Stage != "mining" {
		t.Fatalf("progress must not decrease, got %d %q", j.Progress, j.Stage)
	}

	if ok, _ := s.SetStatus(ctx, "j1", common.JobCompleted); !ok {
		t.Fatalf("expected first terminal write to apply")
	}
	if ok, _ := s.SetStatus(ctx, "j1", common.JobFailed); ok {
		t.Fatalf("terminal status must not change")
	}
	j, _ = s.GetJob(ctx, "j1")
	if j.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", j.Status)
	}
}

func TestCompareAndSetGuards(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_ = s.CreateJob(ctx, newJob("j1"))

	var dispatched, synthesized atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.TryMarkDownstreamDispatched(ctx, "j1"); ok {
				dispatched.Add(1)
			}
			if ok, _ := s.TryStartSynthesis(ctx, "j1"); ok {
				synthesized.Add(1)
			}
		}()
	}
	wg.Wait()

	if dispatched.Load() != 1 || synthesized.Load() != 1 {
		t.Fatalf("expected exactly one winner, got dispatch=%d synthesis=%d", dispatched.Load(), synthesized.Load())
	}
}

func TestDatasets(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	if _, err := s.InsertRecords(ctx, "d1", nil); !errors.Is(err, store.ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}

	_ = s.CreateDataset(ctx, common.Dataset{ID: "d1", JobID: "j1", Kind: "overindex"})
	recs, err := store.EncodeRecords([]common.OverindexedAccount{{Username: "a"}, {Username: "b"}})
	if err != nil {
		t.Fatalf("EncodeRecords: %v", err)
	}
	n, err := s.InsertRecords(ctx, "d1", recs)
	if err != nil || n != 2 {
		t.Fatalf("InsertRecords = %d, %v", n, err)
	}

	_, stored, ok := s.Dataset("d1")
	if !ok || len(stored) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(stored))
	}
	var acc common.OverindexedAccount
	if err := json.Unmarshal(stored[1], &acc); err != nil || acc.Username != "b" {
		t.Fatalf("unexpected record %s", stored[1])
	}
}
