package resolver

import (
	"context"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
)

// Resolution is a short-lived direct media location for a content reference.
type Resolution struct {
	CID   int64
	Title string
	URL   string
}

type Resolver interface {
	Resolve(ctx context.Context, ref jobs.SourceRef) (*Resolution, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, ref jobs.SourceRef) (*Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref jobs.SourceRef) (*Resolution, error) {
	return f(ctx, ref)
}
