package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/pkg/file"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

type Policy string

const (
	// PolicyCompleted removes completed jobs and their artifacts only.
	PolicyCompleted Policy = "completed"
	// PolicyAll resets the store and wipes the output and temp directories.
	PolicyAll Policy = "all"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyCompleted:
		return PolicyCompleted, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return "", fmt.Errorf("unknown cleanup policy %q", s)
	}
}

// Gate runs fn while no pipeline job is in flight.
type Gate interface {
	Exclusive(ctx context.Context, fn func()) error
}

type Report struct {
	Policy   Policy        `json:"policy"`
	Removed  []string      `json:"removed"`
	Files    int           `json:"files"`
	Failures int           `json:"failures"`
	Took     time.Duration `json:"took"`
}

type Sweeper struct {
	store  *jobs.Store
	gate   Gate
	remove func(path string) (bool, error)

	mu     sync.RWMutex
	policy Policy
}

func NewSweeper(store *jobs.Store, policy Policy, gate Gate) *Sweeper {
	if policy == "" {
		policy = PolicyCompleted
	}
	return &Sweeper{
		store:  store,
		policy: policy,
		gate:   gate,
		remove: file.RemoveIfExists,
	}
}

func (s *Sweeper) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Sweeper) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	log.Info("Cleanup policy set to %s", p)
}

// Sweep runs one retention cycle. File removal failures are logged and
// counted; they never stop the cycle or restore removed records.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()
	report := Report{Policy: s.Policy()}

	switch report.Policy {
	case PolicyAll:
		run := func() { s.resetAll(&report) }
		if s.gate == nil {
			run()
		} else if err := s.gate.Exclusive(ctx, run); err != nil {
			return report, fmt.Errorf("wait for pipeline: %w", err)
		}
	default:
		s.sweepCompleted(&report)
	}

	report.Took = time.Since(started)
	log.Info("Cleanup (%s) removed %d jobs and %d files, %d failures",
		report.Policy, len(report.Removed), report.Files, report.Failures)
	return report, nil
}

// sweepCompleted deletes each completed job's files before its record, so
// the id stays taken until nothing on disk belongs to it any more.
func (s *Sweeper) sweepCompleted(report *Report) {
	for _, job := range s.store.List() {
		if job.Status != jobs.StatusCompleted {
			continue
		}
		for _, path := range []string{job.OutputPath, job.TempPath} {
			s.removeFile(report, path)
		}
		if !s.store.RemoveIfUnchanged(job) {
			log.Warn("Job %s changed during cleanup, record kept", job.ID)
			continue
		}
		report.Removed = append(report.Removed, job.ID)
	}
}

func (s *Sweeper) resetAll(report *Report) {
	for _, job := range s.store.ClearAll() {
		report.Removed = append(report.Removed, job.ID)
	}

	layout := s.store.Layout()
	for _, dir := range []string{layout.OutputDir, layout.TempDir} {
		n, err := file.ClearDir(dir)
		report.Files += n
		if err != nil {
			report.Failures++
			log.Error("Failed to clear %s: %v", dir, err)
		}
	}
}

func (s *Sweeper) removeFile(report *Report, path string) {
	removed, err := s.remove(path)
	if err != nil {
		report.Failures++
		log.Error("Failed to remove %s: %v", path, err)
		return
	}
	if removed {
		report.Files++
	}
}
