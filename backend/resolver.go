package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wader/goutubedl"
)

// Per-item metadata resolution against the extraction backend.

// Metadata is the display information for one resolved item. Field names
// match the wire format of the info endpoint.
type Metadata struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	ThumbnailURL    string `json:"thumbnail"`
	ResolutionLabel string `json:"resolutionLabel"`
	ApproximateSize string `json:"approximateSize"`
}

// ResolveKind discriminates resolution failures.
type ResolveKind int

const (
	// ResolveNotFound means the identifier does not resolve to an item.
	ResolveNotFound ResolveKind = iota
	// ResolveBackendUnavailable covers process and network failures.
	ResolveBackendUnavailable
	// ResolveMalformed means the backend returned data that failed to parse.
	ResolveMalformed
)

func (k ResolveKind) String() string {
	switch k {
	case ResolveNotFound:
		return "not_found"
	case ResolveMalformed:
		return "malformed"
	default:
		return "backend_unavailable"
	}
}

// ResolveError wraps a resolution failure with its kind. None of the kinds
// are retried automatically; the entry is marked failed and the user may
// retry it.
type ResolveError struct {
	Kind ResolveKind
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve (%s): %v", e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver fetches item metadata in the extractor's metadata-only mode.
// Resolve is idempotent and side-effect-free; it never triggers a download
// and is safe to call concurrently for different items.
type Resolver struct {
	log zerolog.Logger

	// fetch indirection lets tests stub the extractor invocation
	fetch func(ctx context.Context, rawURL string) (goutubedl.Result, error)
}

// NewResolver creates a metadata resolver.
func NewResolver() *Resolver {
	return &Resolver{
		log: WithComponent("resolver"),
		fetch: func(ctx context.Context, rawURL string) (goutubedl.Result, error) {
			return goutubedl.New(ctx, rawURL, goutubedl.Options{
				Type: goutubedl.TypeSingle,
			})
		},
	}
}

// Resolve fetches and normalizes metadata for one video identifier.
func (r *Resolver) Resolve(ctx context.Context, videoID string) (*Metadata, error) {
	result, err := r.fetch(ctx, WatchURL(videoID))
	if err != nil {
		rerr := &ResolveError{Kind: classifyResolveError(err), Err: err}
		r.log.Debug().Str("ref", videoID).Str("kind", rerr.Kind.String()).Err(err).Msg("resolution failed")
		return nil, rerr
	}

	info := result.Info

	author := info.Artist
	if author == "" {
		author = info.Creator
	}
	if author == "" {
		author = info.Uploader
	}
	if author == "" {
		author = info.Channel
	}
	author = strings.TrimSuffix(author, " - Topic")

	thumbnail := info.Thumbnail
	if thumbnail == "" {
		thumbnail = fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", info.ID)
	}

	return &Metadata{
		Title:           info.Title,
		Author:          author,
		ThumbnailURL:    thumbnail,
		ResolutionLabel: resolutionLabel(info.Formats),
		ApproximateSize: approximateSize(info.Formats),
	}, nil
}

// resolutionLabel derives a display label from the best available video
// format. Items with no usable dimensions get the "standard" sentinel.
func resolutionLabel(formats []goutubedl.Format) string {
	best := 0
	for _, f := range formats {
		if f.VCodec == "none" || f.VCodec == "" {
			continue
		}
		if int(f.Height) > best {
			best = int(f.Height)
		}
	}
	if best == 0 {
		return "standard"
	}
	return fmt.Sprintf("%dp", best)
}

// approximateSize picks the largest reported format size as the advisory
// size estimate. Unknown sizes get the "unknown" sentinel.
func approximateSize(formats []goutubedl.Format) string {
	var best float64
	for _, f := range formats {
		if f.Filesize > best {
			best = f.Filesize
		}
	}
	return humanSize(int64(best))
}

func humanSize(n int64) string {
	switch {
	case n <= 0:
		return "unknown"
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/(1024*1024*1024))
	}
}

// classifyResolveError maps an extractor failure onto the error taxonomy.
// The extractor surfaces its diagnostics as error text, so classification
// is substring based.
func classifyResolveError(err error) ResolveKind {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ResolveBackendUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"video unavailable",
		"private video",
		"this video is not available",
		"does not exist",
		"incomplete youtube id",
		"http error 404",
		"is not a valid url",
	} {
		if strings.Contains(msg, marker) {
			return ResolveNotFound
		}
	}

	for _, marker := range []string{
		"unexpected end of json",
		"invalid character",
		"cannot unmarshal",
	} {
		if strings.Contains(msg, marker) {
			return ResolveMalformed
		}
	}

	return ResolveBackendUnavailable
}
