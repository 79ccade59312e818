package jobs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// SourceRef identifies the upstream content a job was submitted for.
// Part is the 1-based sub-stream number; 0 means the first part.
type SourceRef struct {
	ContentID string `json:"content_id"`
	Part      int    `json:"part,omitempty"`
}

type Job struct {
	ID         string     `json:"id"`
	Source     SourceRef  `json:"source"`
	SourceURL  string     `json:"-"`
	OutputPath string     `json:"output_path"`
	TempPath   string     `json:"-"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

var contentIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidateRef rejects references that cannot be used as file name stems.
func ValidateRef(ref SourceRef) error {
	if strings.TrimSpace(ref.ContentID) == "" {
		return NewError(ErrValidation, "content id is required")
	}
	if !contentIDPattern.MatchString(ref.ContentID) {
		return NewError(ErrValidation, "content id must be alphanumeric").
			WithContext("content_id", ref.ContentID)
	}
	if ref.Part < 0 {
		return NewError(ErrValidation, "part must not be negative").
			WithContext("part", ref.Part)
	}
	return nil
}

// DeriveID maps a caller reference to its job id. Two references only
// collapse into one job when they name the same content and part.
func DeriveID(ref SourceRef) string {
	if ref.Part <= 1 {
		return ref.ContentID
	}
	return fmt.Sprintf("%s-p%d", ref.ContentID, ref.Part)
}

// Layout places job artifacts on disk. Output names double as the public
// artifact locator, so ArtifactName and IDFromArtifact must stay inverse.
type Layout struct {
	OutputDir string
	TempDir   string
	Label     string
	Ext       string
}

func NewLayout(outputDir, tempDir, label, ext string) Layout {
	return Layout{
		OutputDir: filepath.Clean(outputDir),
		TempDir:   filepath.Clean(tempDir),
		Label:     label,
		Ext:       strings.TrimPrefix(ext, "."),
	}
}

func (l Layout) suffix() string {
	return "_" + l.Label + "." + l.Ext
}

func (l Layout) ArtifactName(id string) string {
	return id + l.suffix()
}

func (l Layout) OutputPath(id string) string {
	return filepath.Join(l.OutputDir, l.ArtifactName(id))
}

func (l Layout) TempPath(id string) string {
	return filepath.Join(l.TempDir, id+".download")
}

// IDFromArtifact returns the job id encoded in an artifact name.
func (l Layout) IDFromArtifact(name string) (string, bool) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, l.suffix()) {
		return "", false
	}
	id := strings.TrimSuffix(name, l.suffix())
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", false
	}
	return id, true
}
