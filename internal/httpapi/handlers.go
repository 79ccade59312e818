package httpapi

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/video-downsizer/internal/config"
	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Response codes of the download and status endpoints.
const (
	codeCompleted  = 0
	codeAccepted   = 1
	codeProcessing = 10
	codeQueued     = 11
	codeDuplicate  = 12
	codeFailed     = 13
)

type downloadResponse struct {
	Code   int    `json:"code"`
	TaskID string `json:"taskId"`
}

type statusResponse struct {
	Code         int         `json:"code"`
	State        jobs.Status `json:"state"`
	DownloadLink string      `json:"downloadLink,omitempty"`
	QueueLength  int         `json:"queueLength,omitempty"`
	Message      string      `json:"message,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p := printerFor(r)
	query := r.URL.Query()

	bvid := strings.TrimSpace(query.Get("bvid"))
	if bvid == "" {
		writeError(w, http.StatusBadRequest, p.Sprintf(msgMissingBVID))
		return
	}
	part := 0
	if raw := strings.TrimSpace(query.Get("p")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidPart))
			return
		}
		part = n
	}

	res, err := s.svc.Submit(r.Context(), jobs.SourceRef{ContentID: bvid, Part: part})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, downloadResponse{Code: codeAccepted, TaskID: res.JobID})
	case jobs.IsKind(err, jobs.ErrDuplicateSubmission):
		writeJSON(w, http.StatusOK, downloadResponse{Code: codeDuplicate, TaskID: res.JobID})
	case jobs.IsKind(err, jobs.ErrValidation):
		writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidBVID))
	case jobs.IsKind(err, jobs.ErrResolution):
		writeError(w, http.StatusBadGateway, p.Sprintf(msgResolveFailed))
	default:
		log.Error("Failed to submit %s: %v", bvid, err)
		writeError(w, http.StatusInternalServerError, p.Sprintf(msgInternal))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := printerFor(r)

	taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, p.Sprintf(msgMissingTaskID))
		return
	}

	report, err := s.svc.Status(taskID)
	if err != nil {
		if jobs.IsKind(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, p.Sprintf(msgTaskNotFound))
			return
		}
		log.Error("Failed to read status of %s: %v", taskID, err)
		writeError(w, http.StatusInternalServerError, p.Sprintf(msgInternal))
		return
	}

	resp := statusResponse{State: report.State}
	switch report.State {
	case jobs.StatusCompleted:
		resp.Code = codeCompleted
		resp.DownloadLink = "/api/output/" + url.PathEscape(report.ArtifactName)
	case jobs.StatusQueued:
		resp.Code = codeQueued
		resp.QueueLength = report.Position
	case jobs.StatusProcessing:
		resp.Code = codeProcessing
	case jobs.StatusError:
		resp.Code = codeFailed
		resp.Message = report.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	artifact, err := s.svc.OpenArtifactByName(name)
	if err != nil {
		if !jobs.IsKind(err, jobs.ErrNotFound) {
			log.Error("Failed to open artifact %s: %v", name, err)
		}
		writeError(w, http.StatusNotFound, printerFor(r).Sprintf(msgVideoNotFound))
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", contentTypeFor(artifact.Name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": artifact.Name,
	}))
	http.ServeContent(w, r, artifact.Name, artifact.ModTime, artifact)
}

func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	if ext == ".mp4" {
		return "video/mp4"
	}
	return "application/octet-stream"
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.List())
}

type createJobRequest struct {
	ContentID string `json:"content_id"`
	Part      int    `json:"part"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	p := printerFor(r)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidBody))
		return
	}

	res, err := s.svc.Submit(r.Context(), jobs.SourceRef{ContentID: strings.TrimSpace(req.ContentID), Part: req.Part})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{
			"created": true,
			"job":     res.Job,
		})
	case jobs.IsKind(err, jobs.ErrDuplicateSubmission):
		writeJSON(w, http.StatusOK, map[string]any{
			"created": false,
			"job":     res.Job,
		})
	case jobs.IsKind(err, jobs.ErrValidation):
		writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidBVID))
	case jobs.IsKind(err, jobs.ErrResolution):
		writeError(w, http.StatusBadGateway, p.Sprintf(msgResolveFailed))
	default:
		log.Error("Failed to submit %s: %v", req.ContentID, err)
		writeError(w, http.StatusInternalServerError, p.Sprintf(msgInternal))
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.RuntimeSettings()
	if err != nil {
		writeError(w, http.StatusNotImplemented, printerFor(r).Sprintf(msgSettingsDisabled))
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	p := printerFor(r)
	if _, err := s.svc.RuntimeSettings(); err != nil {
		writeError(w, http.StatusNotImplemented, p.Sprintf(msgSettingsDisabled))
		return
	}

	var req config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidBody))
		return
	}
	if err := req.Validate(); err != nil {
		log.Warn("Rejected runtime settings: %v", err)
		writeError(w, http.StatusBadRequest, p.Sprintf(msgInvalidSettings))
		return
	}
	saved, err := s.svc.ApplyRuntimeSettings(req)
	if err != nil {
		log.Error("Failed to apply runtime settings: %v", err)
		writeError(w, http.StatusInternalServerError, p.Sprintf(msgInternal))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   s.svc.Counts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
	})
}
