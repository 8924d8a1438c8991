package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/store/memory"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakePublisher struct {
	out []published
	err error
}

func (p *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func delivery(ack *fakeAck, retries any) amqp.Delivery {
	headers := amqp.Table{}
	if retries != nil {
		headers["x-retries"] = retries
	}
	return amqp.Delivery{Acknowledger: ack, Headers: headers, Body: []byte(`{}`), ContentType: "application/json"}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{nil, 0},
		{int32(3), 3},
		{int64(7), 7},
		{int(2), 2},
		{"4", 0},
	}
	for _, tc := range tests {
		if got := RetryCount(amqp.Table{"x-retries": tc.in}); got != tc.want {
			t.Fatalf("RetryCount(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestHandleProcessingError(t *testing.T) {
	tests := []struct {
		name       string
		retries    any
		pubErr     error
		wantKey    string
		wantHeader int
		wantAck    int
		wantNack   int
	}{
		{"first failure", nil, nil, "mining_queue_retry", 1, 1, 0},
		{"counts up", int32(4), nil, "mining_queue_retry", 5, 1, 0},
		{"dead letter", int32(MaxRetries), nil, "mining_queue_dlq", MaxRetries, 1, 0},
		{"publish failure requeues", nil, errors.New("channel closed"), "", 0, 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{err: tc.pubErr}
			ack := &fakeAck{}
			HandleProcessingError(pub, delivery(ack, tc.retries), MiningQueue)

			if ack.acked != tc.wantAck || ack.nacked != tc.wantNack {
				t.Fatalf("acked=%d nacked=%d, want %d/%d", ack.acked, ack.nacked, tc.wantAck, tc.wantNack)
			}
			if tc.wantKey == "" {
				if !ack.requeue {
					t.Fatalf("expected requeue on publish failure")
				}
				return
			}
			if len(pub.out) != 1 || pub.out[0].key != tc.wantKey {
				t.Fatalf("published %+v, want key %s", pub.out, tc.wantKey)
			}
			if got := RetryCount(pub.out[0].msg.Headers); got != tc.wantHeader {
				t.Fatalf("x-retries = %d, want %d", got, tc.wantHeader)
			}
		})
	}
}

func TestProcessDeliveryMalformedGoesToDLQ(t *testing.T) {
	pub := &fakePublisher{}
	ack := &fakeAck{}
	handle := func(ctx context.Context, body string) error {
		return ProcessSubtaskMessage(ctx, nil, nil, body)
	}
	msg := delivery(ack, nil)
	msg.Body = []byte(`not json`)
	processDelivery(context.Background(), pub, msg, MiningQueue, handle)

	if len(pub.out) != 1 || pub.out[0].key != "mining_queue_dlq" || ack.acked != 1 {
		t.Fatalf("expected message parked in DLQ, got %+v acked=%d", pub.out, ack.acked)
	}
}

func TestProcessDeliveryAcksOnSuccess(t *testing.T) {
	pub := &fakePublisher{}
	ack := &fakeAck{}
	processDelivery(context.Background(), pub, delivery(ack, nil), EnrichmentQueue, func(ctx context.Context, body string) error {
		return nil
	})
	if ack.acked != 1 || len(pub.out) != 0 {
		t.Fatalf("expected a plain ack, got acked=%d published=%d", ack.acked, len(pub.out))
	}
}

func TestLimitSharesSlots(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	handle := func(ctx context.Context, body string) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	slots := semaphore.NewWeighted(2)
	mining, enrich := Limit(slots, handle), Limit(slots, handle)

	var wg sync.WaitGroup
	for i := range 6 {
		h := mining
		if i%2 == 1 {
			h = enrich
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h(context.Background(), "{}"); err != nil {
				t.Errorf("handler: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak > 2 {
		t.Fatalf("%d handlers ran at once, cap is 2", peak)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = slots.Acquire(context.Background(), 2)
	if err := mining(ctx, "{}"); err == nil {
		t.Fatalf("expected an error when no slot can be taken")
	}
}

func TestDispatcherRoutes(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub)
	ctx := context.Background()

	if err := d.Dispatch(ctx, miner.Task{JobID: "j1", Subtask: common.SubtaskCreators}, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, miner.Task{JobID: "j1", Subtask: common.SubtaskVisual, Handles: []string{"a"}}, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(pub.out) != 2 || pub.out[0].key != MiningQueue || pub.out[1].key != EnrichmentQueue {
		t.Fatalf("unexpected routing %+v", pub.out)
	}
	var msg QueueSubtaskMsg
	if err := json.Unmarshal(pub.out[1].msg.Body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.Downstream || msg.Task.Subtask != common.SubtaskVisual || len(msg.Task.Handles) != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if pub.out[0].msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery")
	}
}

func TestProcessSubtaskMessage(t *testing.T) {
	st := memory.New(nil)
	pub := &fakePublisher{}
	c, err := coordinator.NewCoordinator(coordinator.NewCoordinatorParams{
		Store:      st,
		Dispatcher: NewDispatcher(pub),
		Artifacts:  storage.NewMemoryArtifactStore(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Dispatch(ctx, coordinator.DispatchRequest{JobID: "j1", Query: "q", SampleSize: 2}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pub.out) != 3 {
		t.Fatalf("expected three published subtasks, got %d", len(pub.out))
	}

	exec := miner.ExecutorFunc(func(ctx context.Context, task miner.Task, report miner.Reporter) (common.MinedData, error) {
		return common.MinedData{Items: []common.RawRecord{{"username": "a-" + task.Subtask}}}, nil
	})
	for _, p := range pub.out[:3] {
		if err := ProcessSubtaskMessage(ctx, c, exec, string(p.msg.Body)); err != nil {
			t.Fatalf("ProcessSubtaskMessage: %v", err)
		}
	}
	if len(pub.out) != 4 || pub.out[3].key != EnrichmentQueue {
		t.Fatalf("expected the enrichment subtask to be published, got %+v", pub.out)
	}
	if err := ProcessSubtaskMessage(ctx, c, exec, string(pub.out[3].msg.Body)); err != nil {
		t.Fatalf("ProcessSubtaskMessage: %v", err)
	}

	job, _ := st.GetJob(ctx, "j1")
	if job.Status != common.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}

	// redelivery after completion is acknowledged and ignored
	if err := ProcessSubtaskMessage(ctx, c, exec, string(pub.out[0].msg.Body)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// unknown jobs are dropped
	body, _ := json.Marshal(QueueSubtaskMsg{Task: miner.Task{JobID: "gone", Subtask: common.SubtaskTrends}})
	if err := ProcessSubtaskMessage(ctx, c, exec, string(body)); err != nil {
		t.Fatalf("unknown job: %v", err)
	}
}
