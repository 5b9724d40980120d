package lazyload

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coordinator runs at most one computation per fingerprint at a time.
// Concurrent callers for the same fingerprint share the in-flight result.
//
// Coordination is per process. Processes sharing a DiskStore may still
// compute the same fingerprint concurrently; the store keeps the first publish.
type Coordinator struct {
	group singleflight.Group

	// computeTimeout bounds each shared computation independently of any caller.
	computeTimeout time.Duration

	mu      sync.Mutex
	waiters map[Fingerprint]int
	// running tracks computations still executing after every caller stopped waiting.
	running map[Fingerprint]bool
}

// NewCoordinator creates a Coordinator. computeTimeout of 0 leaves computations unbounded.
func NewCoordinator(computeTimeout time.Duration) *Coordinator {
	return &Coordinator{
		computeTimeout: computeTimeout,
		waiters:        make(map[Fingerprint]int),
		running:        make(map[Fingerprint]bool),
	}
}

// ComputeFunc produces the result for a fingerprint.
type ComputeFunc func(ctx context.Context) (*Result, error)

// Do runs fn for fp unless a computation for fp is already in flight, in which
// case it waits for that computation's result. shared reports whether the
// result was delivered to more than one caller.
//
// fn runs with a context detached from the caller's cancellation, so one
// caller giving up does not fail the others. A caller whose ctx ends stops
// waiting and gets ctx.Err().
func (c *Coordinator) Do(ctx context.Context, fp Fingerprint, fn ComputeFunc) (result *Result, shared bool, err error) {
	c.join(fp)
	defer c.leave(fp)

	ch := c.group.DoChan(fp.String(), func() (interface{}, error) {
		c.setRunning(fp, true)
		defer c.setRunning(fp, false)

		computeCtx := context.WithoutCancel(ctx)
		if c.computeTimeout > 0 {
			var cancel context.CancelFunc
			computeCtx, cancel = context.WithTimeout(computeCtx, c.computeTimeout)
			defer cancel()
		}
		return c.safeCompute(computeCtx, fp, fn)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	}
}

// safeCompute converts a panic in fn into an error for every waiter.
// singleflight would otherwise re-panic on an unrecoverable goroutine.
func (c *Coordinator) safeCompute(ctx context.Context, fp Fingerprint, fn ComputeFunc) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[LAZYLOAD] CRITICAL: transformation panicked",
				"fingerprint", fp,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("%w: %v", ErrComputePanic, r)
		}
	}()
	return fn(ctx)
}

func (c *Coordinator) join(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[fp]++
}

func (c *Coordinator) leave(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[fp] <= 1 {
		delete(c.waiters, fp)
		return
	}
	c.waiters[fp]--
}

func (c *Coordinator) setRunning(fp Fingerprint, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running {
		c.running[fp] = true
		return
	}
	delete(c.running, fp)
}

// Waiters returns the number of callers currently waiting on fp.
func (c *Coordinator) Waiters(fp Fingerprint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[fp]
}

// InFlight reports whether a computation for fp is running or has waiters.
func (c *Coordinator) InFlight(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[fp] > 0 || c.running[fp]
}

// Slots returns the number of fingerprints with waiting callers.
func (c *Coordinator) Slots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
