// Package limiter enforces the global and per-M3U-account caps on
// concurrent stream probes.
//
// Acquisition order is fixed: global slot first, then the account slot.
// Release happens in reverse order on every exit path; the returned release
// func is safe to call exactly once from a defer.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sbeimel/streamflow-sub002/internal/metrics"
)

// Limiter combines one global counting semaphore with per-account
// semaphores. A per-account capacity of 0 means unlimited.
type Limiter struct {
	global chan struct{}

	mu       sync.RWMutex
	accounts map[int]chan struct{}

	// stagger paces probe submissions inside one channel batch so the
	// upstream never sees a synchronised burst.
	stagger *rate.Limiter
}

// New builds a Limiter. globalLimit <= 0 falls back to 1. staggerDelay <= 0
// disables pacing.
func New(globalLimit int, staggerDelay time.Duration) *Limiter {
	if globalLimit <= 0 {
		globalLimit = 1
	}
	l := &Limiter{
		global:   make(chan struct{}, globalLimit),
		accounts: make(map[int]chan struct{}),
	}
	if staggerDelay > 0 {
		l.stagger = rate.NewLimiter(rate.Every(staggerDelay), 1)
	}
	return l
}

// Reconfigure rebuilds the per-account semaphores from the account list.
// New acquisitions block on the map lock until the rebuild completes;
// in-flight holders keep their old semaphore channels and drain naturally.
func (l *Limiter) Reconfigure(accountLimits map[int]int) {
	fresh := make(map[int]chan struct{}, len(accountLimits))
	for id, limit := range accountLimits {
		if limit > 0 {
			fresh[id] = make(chan struct{}, limit)
		}
		// limit 0: unlimited; no semaphore entry needed.
	}
	l.mu.Lock()
	l.accounts = fresh
	l.mu.Unlock()
}

// Stagger blocks until the next probe submission slot per the configured
// stagger delay. Returns early with ctx's error on cancellation.
func (l *Limiter) Stagger(ctx context.Context) error {
	if l.stagger == nil {
		return nil
	}
	return l.stagger.Wait(ctx)
}

func (l *Limiter) accountSem(accountID int) chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[accountID]
}

// Acquire takes a global slot and then an account slot, blocking until both
// are held or ctx is cancelled. accountID < 0 means "no account". The
// returned release func must be called once; it is nil when err != nil.
func (l *Limiter) Acquire(ctx context.Context, accountID int) (func(), error) {
	metrics.LimiterWaiting.WithLabelValues("global").Inc()
	select {
	case l.global <- struct{}{}:
		metrics.LimiterWaiting.WithLabelValues("global").Dec()
	case <-ctx.Done():
		metrics.LimiterWaiting.WithLabelValues("global").Dec()
		return nil, ctx.Err()
	}

	sem := l.accountSem(accountID)
	if sem == nil {
		return l.releaser(nil), nil
	}
	metrics.LimiterWaiting.WithLabelValues("account").Inc()
	select {
	case sem <- struct{}{}:
		metrics.LimiterWaiting.WithLabelValues("account").Dec()
		return l.releaser(sem), nil
	case <-ctx.Done():
		metrics.LimiterWaiting.WithLabelValues("account").Dec()
		<-l.global
		return nil, ctx.Err()
	}
}

// TryAcquire is the bounded-wait variant: it gives up after wait and
// reports acquired=false instead of blocking forever.
func (l *Limiter) TryAcquire(ctx context.Context, accountID int, wait time.Duration) (func(), bool) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	release, err := l.Acquire(waitCtx, accountID)
	if err != nil {
		return nil, false
	}
	return release, true
}

// releaser releases in reverse acquisition order: account first, then global.
func (l *Limiter) releaser(accountSem chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if accountSem != nil {
				<-accountSem
			}
			<-l.global
		})
	}
}

// GlobalCapacity reports the configured global limit.
func (l *Limiter) GlobalCapacity() int { return cap(l.global) }

// GlobalInUse reports currently-held global slots.
func (l *Limiter) GlobalInUse() int { return len(l.global) }
