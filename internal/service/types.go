package service

import (
	"os"
	"time"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
)

type SubmitResult struct {
	JobID string    `json:"job_id"`
	Job   *jobs.Job `json:"job,omitempty"`
}

// StatusReport is the caller-facing view of one job.
type StatusReport struct {
	JobID string      `json:"job_id"`
	State jobs.Status `json:"state"`
	// Position is 1-based and only set while the job is queued.
	Position     int    `json:"position,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`
	OutputPath   string `json:"-"`
	Error        string `json:"error,omitempty"`
}

// Artifact is an open handle on a finished output. Callers must Close it.
type Artifact struct {
	*os.File
	Name    string
	Size    int64
	ModTime time.Time
}

// Counts summarises the store by status.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
}
