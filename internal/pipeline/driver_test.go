package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedTranscoder blocks until release is closed and records the highest
// number of concurrent Transcode calls.
type gatedTranscoder struct {
	release  chan struct{}
	entered  chan string
	active   atomic.Int32
	maxSeen  atomic.Int32
	finished atomic.Int32
}

func newGatedTranscoder() *gatedTranscoder {
	return &gatedTranscoder{
		release: make(chan struct{}),
		entered: make(chan string, 16),
	}
}

func (g *gatedTranscoder) Transcode(ctx context.Context, src, dst string, p media.Profile) error {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	g.entered <- src
	<-g.release
	defer g.finished.Add(1)
	return (&fakeTranscoder{}).Transcode(ctx, src, dst, p)
}

func TestDriver_RunOnce_SkipsWhileBusy(t *testing.T) {
	store := newTestStore(t)
	srv := mediaServer(t)
	gt := newGatedTranscoder()
	d := NewDriver(NewRunner(store, noResolver(t), NewHTTPDownloader(nil), gt), time.Hour)

	for _, id := range []string{"A", "B"} {
		_, err := store.Submit(jobs.SourceRef{ContentID: id}, srv.URL+"/video.mp4")
		require.NoError(t, err)
	}

	require.True(t, d.tick(context.Background()))
	<-gt.entered

	assert.False(t, d.RunOnce(context.Background()), "second run must be skipped, not queued")
	assert.False(t, d.tick(context.Background()))
	assert.Equal(t, 1, store.Counts()[jobs.StatusProcessing])
	assert.Equal(t, 1, store.Counts()[jobs.StatusQueued])

	close(gt.release)
	require.Eventually(t, func() bool {
		return d.RunOnce(context.Background())
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return store.Counts()[jobs.StatusCompleted] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), gt.maxSeen.Load())
}

func TestDriver_Start_ProcessesSeriallyInOrder(t *testing.T) {
	store := newTestStore(t)
	srv := mediaServer(t)
	gt := newGatedTranscoder()
	close(gt.release)
	d := NewDriver(NewRunner(store, noResolver(t), NewHTTPDownloader(nil), gt), 5*time.Millisecond)

	for _, id := range []string{"A", "B", "C"} {
		_, err := store.Submit(jobs.SourceRef{ContentID: id}, srv.URL+"/video.mp4")
		require.NoError(t, err)
	}

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return store.Counts()[jobs.StatusCompleted] == 3
	}, 2*time.Second, 10*time.Millisecond)

	order := []string{<-gt.entered, <-gt.entered, <-gt.entered}
	assert.Equal(t, []string{
		store.Layout().TempPath("A"),
		store.Layout().TempPath("B"),
		store.Layout().TempPath("C"),
	}, order)
	assert.Equal(t, int32(1), gt.maxSeen.Load())
}

func TestDriver_Stop_WaitsForInFlightJob(t *testing.T) {
	store := newTestStore(t)
	srv := mediaServer(t)
	gt := newGatedTranscoder()
	d := NewDriver(NewRunner(store, noResolver(t), NewHTTPDownloader(nil), gt), 5*time.Millisecond)

	_, err := store.Submit(jobs.SourceRef{ContentID: "A"}, srv.URL+"/video.mp4")
	require.NoError(t, err)

	d.Start(context.Background())
	<-gt.entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gt.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	got, err := store.Get("A")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status, "a running job is never cancelled")
}

func TestDriver_Exclusive_WaitsForToken(t *testing.T) {
	store := newTestStore(t)
	srv := mediaServer(t)
	gt := newGatedTranscoder()
	d := NewDriver(NewRunner(store, noResolver(t), NewHTTPDownloader(nil), gt), time.Hour)

	_, err := store.Submit(jobs.SourceRef{ContentID: "A"}, srv.URL+"/video.mp4")
	require.NoError(t, err)
	require.True(t, d.tick(context.Background()))
	<-gt.entered

	var ranWhileBusy atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- d.Exclusive(context.Background(), func() {
			ranWhileBusy.Store(gt.finished.Load() == 0)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(gt.release)
	require.NoError(t, <-done)
	assert.False(t, ranWhileBusy.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, d.token.TryAcquire(1))
	defer d.token.Release(1)
	assert.Error(t, d.Exclusive(ctx, func() {}))
}
