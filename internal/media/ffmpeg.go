package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/pkg/file"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

const stderrTailBytes = 2048

type ffmpeg struct {
	ffmpegCmd string
}

func NewFfmpeg(ffmpegCmd string) ffmpeg {
	if strings.TrimSpace(ffmpegCmd) == "" {
		ffmpegCmd = "ffmpeg"
	}
	return ffmpeg{ffmpegCmd: ffmpegCmd}
}

// Transcode encodes src into dst. A failed run never leaves dst behind.
func (ff ffmpeg) Transcode(ctx context.Context, src, dst string, p Profile) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return jobs.WrapError(err, jobs.ErrTranscode, "ffmpeg not available")
	}
	if err := file.EnsureDir(filepath.Dir(dst)); err != nil {
		return jobs.WrapError(err, jobs.ErrTranscode, "prepare output directory")
	}

	var stderr tailBuffer
	cmd := exec.CommandContext(ctx, cmdPath, ff.transcodeArgs(src, dst, p)...)
	cmd.Stderr = &stderr

	log.Debug("Running %s %s", cmdPath, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Run(); err != nil {
		if _, rmErr := file.RemoveIfExists(dst); rmErr != nil {
			log.Warn("Failed to remove partial output %s: %v", dst, rmErr)
		}
		msg := "ffmpeg exited with error"
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, lastLine(tail))
		}
		return jobs.WrapError(err, jobs.ErrTranscode, msg).WithContext("src", filepath.Base(src))
	}

	if _, err := os.Stat(dst); err != nil {
		return jobs.WrapError(err, jobs.ErrTranscode, "ffmpeg produced no output")
	}
	return nil
}

func (ffmpeg) transcodeArgs(src, dst string, p Profile) []string {
	scale := fmt.Sprintf(
		"scale=w=%d:h=%d:force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
		p.MaxWidth, p.MaxHeight)
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", src,
		"-c:v", p.VideoCodec,
		"-vf", scale,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-movflags", "+faststart",
		"-f", p.Container,
		dst,
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps only the last stderrTailBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if extra := t.buf.Len() - stderrTailBytes; extra > 0 {
		t.buf.Next(extra)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

var _ Transcoder = ffmpeg{}

