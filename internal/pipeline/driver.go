package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Driver invokes the runner on a fixed interval. A single-slot execution
// token guarantees at most one pipeline run in flight; a tick that cannot
// take the token is skipped, never queued.
type Driver struct {
	runner   *Runner
	interval time.Duration
	token    *semaphore.Weighted

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

func NewDriver(runner *Runner, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Driver{
		runner:   runner,
		interval: interval,
		token:    semaphore.NewWeighted(1),
	}
}

// RunOnce runs one pipeline step synchronously if the token is free.
func (d *Driver) RunOnce(ctx context.Context) bool {
	if !d.token.TryAcquire(1) {
		return false
	}
	defer d.token.Release(1)
	d.runner.RunNext(ctx)
	return true
}

// tick starts a pipeline step on its own goroutine so the ticker loop
// never blocks behind a slow job.
func (d *Driver) tick(ctx context.Context) bool {
	if !d.token.TryAcquire(1) {
		log.Debug("Pipeline busy, skipping tick")
		return false
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.token.Release(1)
		d.runner.RunNext(ctx)
	}()
	return true
}

// Exclusive waits for the token and runs fn while no job is in flight.
func (d *Driver) Exclusive(ctx context.Context, fn func()) error {
	if err := d.token.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.token.Release(1)
	fn()
	return nil
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(loopCtx)
	log.Info("Pipeline driver started, interval %s", d.interval)
}

// Stop ends the ticker loop and waits for the in-flight job to finish.
// Jobs are not cancelled mid-run.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.inflight.Wait()
	log.Info("Pipeline driver stopped")
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// running jobs must not observe the loop's cancellation
			d.tick(context.WithoutCancel(ctx))
		}
	}
}
