// Package timing records how long each named stage of a run takes.
package timing

import (
	"sync"
	"time"

	"github.com/vanillabrand/fandom/pkg/logger"
)

// Recorder accumulates stage durations. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	now    func() time.Time
	stages map[string]time.Duration
	order  []string
}

// NewRecorder returns an empty recorder. A nil now uses time.Now.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		now:    now,
		stages: make(map[string]time.Duration),
	}
}

// Start begins timing stage. Calling the returned func stops it; repeated
// runs of the same stage add up.
func (r *Recorder) Start(stage string) func() {
	start := r.now()
	return func() {
		r.Add(stage, r.now().Sub(start))
	}
}

// Track times fn as stage and passes its error through.
func (r *Recorder) Track(stage string, fn func() error) error {
	stop := r.Start(stage)
	defer stop()
	return fn()
}

func (r *Recorder) Add(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[stage]; !ok {
		r.order = append(r.order, stage)
	}
	r.stages[stage] += d
}

// Milliseconds returns every recorded stage in milliseconds.
func (r *Recorder) Milliseconds() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.stages))
	for k, v := range r.stages {
		out[k] = v.Milliseconds()
	}
	return out
}

// Log writes one debug line per stage in the order stages first ran.
func (r *Recorder) Log(prefix string, keyvals ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stage := range r.order {
		kv := append([]any{"stage", stage, "duration_ms", r.stages[stage].Milliseconds()}, keyvals...)
		logger.Debug(prefix+" Stage finished", kv...)
	}
}
