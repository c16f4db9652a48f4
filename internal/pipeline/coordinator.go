package pipeline

import (
	"context"
	"errors"
	"time"
)

// DefaultLockTimeout is how long a caller waits for an in-flight analysis
// to finish before giving up.
const DefaultLockTimeout = 2 * time.Minute

var (
	// ErrAnalysisInFlight is returned by TryRun when an analysis is
	// already running.
	ErrAnalysisInFlight = errors.New("an analysis is already in flight")

	// ErrLockTimeout is returned when an in-flight analysis does not
	// finish within the lock timeout.
	ErrLockTimeout = errors.New("timed out waiting for in-flight analysis")
)

// Coordinator serializes analysis runs over one graph. A concurrent
// trigger waits for the in-flight run instead of being rejected: routine
// overlapping triggers (watcher batch plus a manual run) should queue,
// not fail. TryRun exists for callers that want fail-fast semantics.
type Coordinator struct {
	pipeline *Pipeline
	sem      chan struct{}
	timeout  time.Duration
}

// NewCoordinator wraps a pipeline with single-flight semantics.
func NewCoordinator(p *Pipeline) *Coordinator {
	return &Coordinator{
		pipeline: p,
		sem:      make(chan struct{}, 1),
		timeout:  DefaultLockTimeout,
	}
}

// WithLockTimeout overrides the wait bound.
func (c *Coordinator) WithLockTimeout(d time.Duration) *Coordinator {
	c.timeout = d
	return c
}

// Run executes a full pipeline run, waiting for any in-flight run first.
func (c *Coordinator) Run(ctx context.Context, root string, progress ProgressCallback) (*Result, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	return c.pipeline.Run(ctx, root, progress)
}

// TryRun executes a full pipeline run, failing immediately when one is
// already in flight.
func (c *Coordinator) TryRun(ctx context.Context, root string, progress ProgressCallback) (*Result, error) {
	select {
	case c.sem <- struct{}{}:
	default:
		return nil, ErrAnalysisInFlight
	}
	defer c.release()
	return c.pipeline.Run(ctx, root, progress)
}

// ReanalyzeFiles runs the file-local stages under the same lock. All
// graph removal for deleted paths happens here too, so no writer ever
// touches the store without holding the lock.
func (c *Coordinator) ReanalyzeFiles(ctx context.Context, entries []FileEntry, deleted []string) (*Result, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	return c.pipeline.ReanalyzeFiles(ctx, entries, deleted)
}

// Busy reports whether an analysis is currently running.
func (c *Coordinator) Busy() bool {
	select {
	case c.sem <- struct{}{}:
		c.release()
		return false
	default:
		return true
	}
}

func (c *Coordinator) acquire(ctx context.Context) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.sem
}
