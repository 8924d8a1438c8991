package leaselock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalWithLeaseExclusive(t *testing.T) {
	l := NewLocal(nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.WithLease(ctx, "job:1", Options{TTL: time.Minute}, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := l.WithLease(ctx, "job:1", Options{TTL: time.Minute}, func(ctx context.Context) error {
		t.Fatalf("second holder must not run")
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first holder: %v", err)
	}
	if l.Held("job:1") {
		t.Fatalf("lease must be released after fn returns")
	}
}

func TestLocalWithLeaseWaits(t *testing.T) {
	l := NewLocal(nil)
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := Options{TTL: time.Minute, Wait: true, WaitInterval: time.Millisecond}
			err := l.WithLease(ctx, "job:2", opts, func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLease: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside.Load())
	}
}

func TestLocalExpiredLeaseIsTakenOver(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := NewLocal(clock)
	ctx := context.Background()

	lost := make(chan error, 1)
	entered := make(chan struct{})
	go func() {
		_ = l.WithLease(ctx, "job:3", Options{TTL: time.Second, RenewEvery: time.Hour}, func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			lost <- context.Cause(ctx)
			return nil
		})
	}()
	<-entered

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	if err := l.WithLease(ctx, "job:3", Options{TTL: time.Second}, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected takeover of expired lease, got %v", err)
	}
	if cause := <-lost; !errors.Is(cause, ErrLost) {
		t.Fatalf("expected original holder to see ErrLost, got %v", cause)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{TTL: 10 * time.Second, RenewEvery: time.Minute, WaitJitter: -1}.withDefaults()
	if o.RenewEvery != 5*time.Second {
		t.Fatalf("RenewEvery = %v, want 5s", o.RenewEvery)
	}
	if o.WaitInterval != 250*time.Millisecond || o.WaitJitter != 0 {
		t.Fatalf("unexpected wait defaults %+v", o)
	}
	if d := (Options{}).withDefaults(); d.TTL != 5*time.Minute {
		t.Fatalf("TTL default = %v", d.TTL)
	}
}
