package service

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/internal/resolver"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Service is the submission and query façade over the job store.
type Service struct {
	store           *jobs.Store
	resolver        resolver.Resolver
	resolveOnSubmit bool
	resolveGroup    singleflight.Group

	retention *retentionControl
}

type Option func(*Service)

// WithResolveOnSubmit controls whether Submit resolves the media URL up
// front. When disabled the pipeline resolves it right before downloading.
func WithResolveOnSubmit(enabled bool) Option {
	return func(s *Service) {
		s.resolveOnSubmit = enabled
	}
}

func New(store *jobs.Store, res resolver.Resolver, opts ...Option) *Service {
	s := &Service{
		store:           store,
		resolver:        res,
		resolveOnSubmit: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit registers a job for ref. A duplicate submission returns the
// existing job id together with an ErrDuplicateSubmission error. With
// eager resolution a resolver failure creates no job.
func (s *Service) Submit(ctx context.Context, ref jobs.SourceRef) (SubmitResult, error) {
	if err := jobs.ValidateRef(ref); err != nil {
		return SubmitResult{}, err
	}
	id := jobs.DeriveID(ref)

	if existing, err := s.store.Get(id); err == nil {
		log.Info("Duplicate submission of job %s (%s)", id, existing.Status)
		return SubmitResult{JobID: id, Job: existing},
			jobs.NewError(jobs.ErrDuplicateSubmission, "job already exists").
				WithContext("job_id", id).
				WithContext("status", existing.Status)
	}

	sourceURL := ""
	if s.resolveOnSubmit {
		url, err := s.resolve(ctx, id, ref)
		if err != nil {
			log.Warn("Failed to resolve %s: %v", id, err)
			return SubmitResult{}, err
		}
		sourceURL = url
	}

	job, err := s.store.Submit(ref, sourceURL)
	if err != nil {
		if jobs.IsKind(err, jobs.ErrDuplicateSubmission) {
			return SubmitResult{JobID: id}, err
		}
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: job.ID, Job: job}, nil
}

// resolve shares one upstream call between concurrent submissions of the
// same job id.
func (s *Service) resolve(ctx context.Context, id string, ref jobs.SourceRef) (string, error) {
	v, err, shared := s.resolveGroup.Do(id, func() (any, error) {
		res, err := s.resolver.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		if res == nil || res.URL == "" {
			return "", jobs.NewError(jobs.ErrResolution, "resolver returned no media URL")
		}
		return res.URL, nil
	})
	if shared {
		log.Debug("Resolution of %s shared with a concurrent submission", id)
	}
	if err != nil {
		if !jobs.IsKind(err, jobs.ErrResolution) {
			err = jobs.WrapError(err, jobs.ErrResolution, "failed to resolve media URL").
				WithContext("job_id", id)
		}
		return "", err
	}
	return v.(string), nil
}

// Status reports the state of a job. A completed job whose artifact has
// disappeared is reported as not found.
func (s *Service) Status(id string) (StatusReport, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		JobID:      job.ID,
		State:      job.Status,
		OutputPath: job.OutputPath,
		Error:      job.Error,
	}

	switch job.Status {
	case jobs.StatusQueued:
		before, err := s.store.ListQueuedBefore(id)
		if err != nil {
			return StatusReport{}, err
		}
		report.Position = before + 1
	case jobs.StatusCompleted:
		if _, err := os.Stat(job.OutputPath); err != nil {
			return StatusReport{}, artifactMissing(id, err)
		}
		report.ArtifactName = s.store.Layout().ArtifactName(id)
	}
	return report, nil
}

// OpenArtifact opens the output of a completed job.
func (s *Service) OpenArtifact(id string) (*Artifact, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusCompleted {
		return nil, jobs.NewError(jobs.ErrNotFound, "artifact not ready").
			WithContext("job_id", id).
			WithContext("status", job.Status)
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		return nil, artifactMissing(id, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, artifactMissing(id, err)
	}
	return &Artifact{
		File:    f,
		Name:    s.store.Layout().ArtifactName(id),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// OpenArtifactByName opens an artifact by its public file name.
func (s *Service) OpenArtifactByName(name string) (*Artifact, error) {
	id, ok := s.store.Layout().IDFromArtifact(name)
	if !ok {
		return nil, jobs.NewError(jobs.ErrNotFound, "unknown artifact").WithContext("name", name)
	}
	return s.OpenArtifact(id)
}

func (s *Service) List() []*jobs.Job {
	return s.store.List()
}

func (s *Service) Counts() Counts {
	counts := s.store.Counts()
	return Counts{
		Queued:     counts[jobs.StatusQueued],
		Processing: counts[jobs.StatusProcessing],
		Completed:  counts[jobs.StatusCompleted],
		Error:      counts[jobs.StatusError],
	}
}

func artifactMissing(id string, cause error) *jobs.Error {
	if cause == nil {
		cause = errors.New("not a regular file")
	}
	return jobs.NewErrorWithCause(jobs.ErrNotFound, "artifact missing", cause).
		WithContext("job_id", id)
}
