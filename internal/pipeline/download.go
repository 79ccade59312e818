package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/pkg/file"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Fetcher streams a remote resource into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) (int64, error)
}

type HTTPDownloader struct {
	client  *http.Client
	headers map[string]string
}

// NewHTTPDownloader returns a downloader without a client-level timeout;
// callers bound a download through ctx.
func NewHTTPDownloader(headers map[string]string) *HTTPDownloader {
	return &HTTPDownloader{
		client:  &http.Client{},
		headers: headers,
	}
}

// Fetch writes the response body of url to dst. On any failure dst is removed.
func (d *HTTPDownloader) Fetch(ctx context.Context, url, dst string) (written int64, err error) {
	if err := file.EnsureDir(filepath.Dir(dst)); err != nil {
		return 0, jobs.WrapError(err, jobs.ErrDownload, "prepare temp directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, jobs.WrapError(err, jobs.ErrDownload, "build request")
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, jobs.WrapError(err, jobs.ErrDownload, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, jobs.NewError(jobs.ErrDownload, fmt.Sprintf("unexpected status code: %d", resp.StatusCode))
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, jobs.WrapError(err, jobs.ErrDownload, "create temp file")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = jobs.WrapError(closeErr, jobs.ErrDownload, "close temp file")
		}
		if err != nil {
			if _, rmErr := file.RemoveIfExists(dst); rmErr != nil {
				log.Warn("Failed to remove partial download %s: %v", dst, rmErr)
			}
		}
	}()

	written, err = io.Copy(out, resp.Body)
	if err != nil {
		return written, jobs.WrapError(err, jobs.ErrDownload, "write temp file").
			WithContext("bytes", written)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, jobs.NewError(jobs.ErrDownload, "short read").
			WithContext("bytes", written).
			WithContext("expected", resp.ContentLength)
	}
	return written, nil
}

var _ Fetcher = (*HTTPDownloader)(nil)
