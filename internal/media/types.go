package media

import "context"

// Profile is an output encoding target.
type Profile struct {
	Label        string
	MaxWidth     int
	MaxHeight    int
	VideoCodec   string
	AudioCodec   string
	AudioBitrate string
	Container    string
}

// Profile240p is the only target produced: H.264 capped at 426x240, AAC 128k, MP4.
var Profile240p = Profile{
	Label:        "240p",
	MaxWidth:     426,
	MaxHeight:    240,
	VideoCodec:   "libx264",
	AudioCodec:   "aac",
	AudioBitrate: "128k",
	Container:    "mp4",
}

// Transcoder converts src into dst encoded with profile p.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, p Profile) error
}

func NewTranscoder(ffmpegCmd string) Transcoder {
	return NewFfmpeg(ffmpegCmd)
}
