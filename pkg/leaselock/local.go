package leaselock

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Local is an in-process Locker with the same TTL semantics as Client. An
// expired lease can be taken over by another caller, which cancels the
// original holder's context with ErrLost.
type Local struct {
	mu     sync.Mutex
	leases map[string]*localLease
	now    func() time.Time
}

type localLease struct {
	token     string
	expiresAt time.Time
	cancel    context.CancelCauseFunc
}

var _ Locker = (*Local)(nil)

// NewLocal returns an empty in-process locker. A nil now uses time.Now.
func NewLocal(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{
		leases: make(map[string]*localLease),
		now:    now,
	}
}

func (l *Local) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	if key == "" {
		return errors.New("lease lock key is empty")
	}
	opts = opts.withDefaults()

	tok, err := gonanoid.New()
	if err != nil {
		return err
	}
	token := opts.TokenPrefix + tok

	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	for !l.tryAcquire(key, token, opts.TTL, cancel) {
		if !opts.Wait {
			return ErrBusy
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return err
		}
	}
	defer l.release(key, token)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(opts.RenewEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-leaseCtx.Done():
				return
			case <-t.C:
				if !l.renew(key, token, opts.TTL) {
					cancel(ErrLost)
					return
				}
			}
		}
	}()

	return fn(leaseCtx)
}

func (l *Local) tryAcquire(key, token string, ttl time.Duration, cancel context.CancelCauseFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok {
		if now.Before(cur.expiresAt) {
			return false
		}
		cur.cancel(ErrLost)
	}
	l.leases[key] = &localLease{token: token, expiresAt: now.Add(ttl), cancel: cancel}
	return true
}

func (l *Local) renew(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	if !ok || cur.token != token {
		return false
	}
	cur.expiresAt = l.now().Add(ttl)
	return true
}

func (l *Local) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
}

// Held reports whether key is currently leased.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	return ok && l.now().Before(cur.expiresAt)
}
