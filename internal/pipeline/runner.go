package pipeline

import (
	"context"
	"time"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/internal/media"
	"github.com/MimeLyc/video-downsizer/internal/resolver"
	"github.com/MimeLyc/video-downsizer/pkg/file"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Runner drives one job at a time through resolve, download and transcode.
type Runner struct {
	store      *jobs.Store
	resolver   resolver.Resolver
	fetcher    Fetcher
	transcoder media.Transcoder
	profile    media.Profile

	downloadTimeout  time.Duration
	transcodeTimeout time.Duration
}

type Option func(*Runner)

// WithTimeouts bounds the download and transcode steps. Zero disables a bound.
func WithTimeouts(download, transcode time.Duration) Option {
	return func(r *Runner) {
		r.downloadTimeout = download
		r.transcodeTimeout = transcode
	}
}

func WithProfile(p media.Profile) Option {
	return func(r *Runner) {
		r.profile = p
	}
}

func NewRunner(
	store *jobs.Store,
	res resolver.Resolver,
	fetcher Fetcher,
	transcoder media.Transcoder,
	opts ...Option,
) *Runner {
	r := &Runner{
		store:      store,
		resolver:   res,
		fetcher:    fetcher,
		transcoder: transcoder,
		profile:    media.Profile240p,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunNext processes the oldest queued job, if any, to a terminal status.
// Per-job failures are recorded on the job and never returned.
func (r *Runner) RunNext(ctx context.Context) (string, bool) {
	job, ok := r.store.ClaimNext()
	if !ok {
		return "", false
	}

	started := time.Now()
	err := jobs.SafeExecute(func() error {
		return r.process(ctx, job)
	})
	if err != nil {
		if _, rmErr := file.RemoveIfExists(job.OutputPath); rmErr != nil {
			log.Warn("Failed to remove output of failed job %s: %v", job.ID, rmErr)
		}
		if failErr := r.store.Fail(job.ID, err.Error()); failErr != nil {
			log.Error("Failed to record failure of job %s: %v", job.ID, failErr)
		}
		return job.ID, true
	}

	if err := r.store.Complete(job.ID); err != nil {
		log.Error("Failed to record completion of job %s: %v", job.ID, err)
		return job.ID, true
	}
	log.Info("Job %s finished in %s", job.ID, time.Since(started).Round(time.Millisecond))
	return job.ID, true
}

func (r *Runner) process(ctx context.Context, job *jobs.Job) error {
	sourceURL := job.SourceURL
	if sourceURL == "" {
		res, err := r.resolver.Resolve(ctx, job.Source)
		if err != nil {
			return err
		}
		if res == nil || res.URL == "" {
			return jobs.NewError(jobs.ErrResolution, "resolver returned no media URL").
				WithContext("job_id", job.ID)
		}
		sourceURL = res.URL
		if err := r.store.SetSourceURL(job.ID, sourceURL); err != nil {
			return err
		}
	}

	// the temp file is scoped to this job and never outlives this call
	defer func() {
		if _, err := file.RemoveIfExists(job.TempPath); err != nil {
			log.Warn("Failed to remove temp file %s: %v", job.TempPath, err)
		}
	}()

	if err := r.download(ctx, job, sourceURL); err != nil {
		return err
	}
	return r.transcode(ctx, job)
}

func (r *Runner) download(ctx context.Context, job *jobs.Job, sourceURL string) error {
	ctx, cancel := withOptionalTimeout(ctx, r.downloadTimeout)
	defer cancel()

	log.Info("Job %s downloading", job.ID)
	n, err := r.fetcher.Fetch(ctx, sourceURL, job.TempPath)
	if err != nil {
		return err
	}
	log.Info("Job %s downloaded %d bytes, transcoding", job.ID, n)
	return nil
}

func (r *Runner) transcode(ctx context.Context, job *jobs.Job) error {
	ctx, cancel := withOptionalTimeout(ctx, r.transcodeTimeout)
	defer cancel()

	return r.transcoder.Transcode(ctx, job.TempPath, job.OutputPath, r.profile)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
