package jobs

import (
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Store is the in-memory registry of jobs, kept in submission order.
// It is not durable across restarts.
type Store struct {
	layout Layout

	mu    sync.RWMutex
	order []*Job
	index map[string]*Job
	now   func() time.Time
}

func NewStore(layout Layout) *Store {
	return &Store{
		layout: layout,
		index:  make(map[string]*Job),
		now:    time.Now,
	}
}

func (s *Store) Layout() Layout {
	return s.layout
}

// Submit creates a queued job for ref. sourceURL may be empty, in which case
// the runner resolves it before downloading.
func (s *Store) Submit(ref SourceRef, sourceURL string) (*Job, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	id := DeriveID(ref)
	now := s.now()

	s.mu.Lock()
	if existing, ok := s.index[id]; ok {
		status := existing.Status
		s.mu.Unlock()
		return nil, NewError(ErrDuplicateSubmission, "job already exists").
			WithContext("job_id", id).
			WithContext("status", status)
	}

	job := &Job{
		ID:         id,
		Source:     ref,
		SourceURL:  sourceURL,
		OutputPath: s.layout.OutputPath(id),
		TempPath:   s.layout.TempPath(id),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.order = append(s.order, job)
	s.index[id] = job
	snapshot := cloneJob(job)
	s.mu.Unlock()

	log.Info("Job %s queued", id)
	return snapshot, nil
}

func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.index[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneJob(job), nil
}

func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*Job, 0, len(s.order))
	for _, job := range s.order {
		ret = append(ret, cloneJob(job))
	}
	return ret
}

// ListQueuedBefore counts queued jobs submitted earlier than id.
func (s *Store) ListQueuedBefore(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.index[id]; !ok {
		return 0, notFound(id)
	}
	count := 0
	for _, job := range s.order {
		if job.ID == id {
			break
		}
		if job.Status == StatusQueued {
			count++
		}
	}
	return count, nil
}

// ClaimNext marks the oldest queued job as processing and returns it.
// Nothing is claimed while another job is still processing.
func (s *Store) ClaimNext() (*Job, bool) {
	s.mu.Lock()
	var next *Job
	for _, job := range s.order {
		if job.Status == StatusProcessing {
			s.mu.Unlock()
			return nil, false
		}
		if next == nil && job.Status == StatusQueued {
			next = job
		}
	}
	if next == nil {
		s.mu.Unlock()
		return nil, false
	}
	now := s.now()
	next.Status = StatusProcessing
	next.StartedAt = &now
	next.UpdatedAt = now
	snapshot := cloneJob(next)
	s.mu.Unlock()

	log.Info("Job %s processing", snapshot.ID)
	return snapshot, true
}

func (s *Store) SetSourceURL(id, sourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.index[id]
	if !ok {
		return notFound(id)
	}
	if job.Status != StatusProcessing {
		return invalidTransition(job, job.Status)
	}
	job.SourceURL = sourceURL
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) Complete(id string) error {
	return s.finish(id, StatusCompleted, "")
}

func (s *Store) Fail(id, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "unknown error"
	}
	return s.finish(id, StatusError, message)
}

func (s *Store) finish(id string, status Status, message string) error {
	s.mu.Lock()
	job, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	if job.Status != StatusProcessing {
		err := invalidTransition(job, status)
		s.mu.Unlock()
		return err
	}
	now := s.now()
	job.Status = status
	job.Error = message
	job.UpdatedAt = now
	job.FinishedAt = &now
	s.mu.Unlock()

	if status == StatusError {
		log.Warn("Job %s failed: %s", id, message)
	} else {
		log.Info("Job %s completed", id)
	}
	return nil
}

// Remove drops the job with id regardless of its status.
func (s *Store) Remove(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.index[id]
	if !ok {
		return nil, notFound(id)
	}
	s.removeLocked(job)
	return cloneJob(job), nil
}

// RemoveIfUnchanged drops the record snapshot was taken from, provided it is
// still stored with the same status. A job resubmitted under the same id in
// the meantime is a different record and is kept.
func (s *Store) RemoveIfUnchanged(snapshot *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.index[snapshot.ID]
	if !ok || job.Status != snapshot.Status || !job.CreatedAt.Equal(snapshot.CreatedAt) {
		return false
	}
	s.removeLocked(job)
	return true
}

// ClearAll empties the store regardless of job status.
func (s *Store) ClearAll() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]*Job, 0, len(s.order))
	for _, job := range s.order {
		removed = append(removed, cloneJob(job))
	}
	s.order = nil
	s.index = make(map[string]*Job)
	return removed
}

func (s *Store) removeLocked(job *Job) {
	delete(s.index, job.ID)
	for i, j := range s.order {
		if j == job {
			copy(s.order[i:], s.order[i+1:])
			s.order[len(s.order)-1] = nil
			s.order = s.order[:len(s.order)-1]
			return
		}
	}
}

func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := map[Status]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusError:      0,
	}
	for _, job := range s.order {
		ret[job.Status]++
	}
	return ret
}

func notFound(id string) *Error {
	return NewError(ErrNotFound, "job not found").WithContext("job_id", id)
}

func invalidTransition(job *Job, to Status) *Error {
	return NewError(ErrInvalidTransition, "invalid status transition").
		WithContext("job_id", job.ID).
		WithContext("from", job.Status).
		WithContext("to", to)
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.StartedAt != nil {
		started := *job.StartedAt
		tmp.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		tmp.FinishedAt = &finished
	}
	return &tmp
}
