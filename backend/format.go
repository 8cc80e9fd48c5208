package backend

import (
	"fmt"
	"strings"
)

// Format expression construction for the extraction worker.

// Kind is the desired output kind of a retrieval.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind validates a kind token from a request.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "mp3":
		return KindAudio, nil
	case "video", "mp4":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown kind %q: must be audio or video", s)
	}
}

// FormatExpression is an ordered, non-empty list of selection clauses the
// worker evaluates in order, most restrictive first. For audio the bitrate
// carries the transcode tier in kbps.
type FormatExpression struct {
	Kind    Kind
	Clauses []string
	Bitrate int // kbps, audio only
}

// Render joins the clauses into the worker's fallback selector syntax.
func (e FormatExpression) Render() string {
	return strings.Join(e.Clauses, "/")
}

// Audio bitrate tiers offered by the UI. Anything else is rejected.
var audioBitrates = map[string]int{
	"128k": 128,
	"192k": 192,
	"320k": 320,
}

// Video height caps per quality tier. 1080 is the hard ceiling: uncapped
// "best available" would make transcode cost and latency unbounded.
var videoHeights = map[string]int{
	"360p":  360,
	"720p":  720,
	"1080p": 1080,
}

// BuildExpression builds the fallback selection chain for a kind and quality
// tier.
//
// Audio needs a single audio-only clause since audio-only streams are near
// universal; the bitrate tier is applied by the transcode step. Video degrades
// through three clauses: the broadly compatible h264+aac pairing capped at the
// tier height, then any container under the same cap, then a single combined
// best-effort stream under the cap.
func BuildExpression(kind Kind, qualityTier string) (FormatExpression, error) {
	tier := normalizeTier(kind, qualityTier)

	switch kind {
	case KindAudio:
		kbps, ok := audioBitrates[tier]
		if !ok {
			return FormatExpression{}, fmt.Errorf("unknown audio quality tier %q", qualityTier)
		}
		return FormatExpression{
			Kind:    KindAudio,
			Clauses: []string{"bestaudio"},
			Bitrate: kbps,
		}, nil

	case KindVideo:
		height, ok := videoHeights[tier]
		if !ok {
			return FormatExpression{}, fmt.Errorf("unknown video quality tier %q", qualityTier)
		}
		return FormatExpression{
			Kind: KindVideo,
			Clauses: []string{
				fmt.Sprintf("bestvideo[vcodec^=avc1][height<=%d]+bestaudio[acodec^=mp4a]", height),
				fmt.Sprintf("bestvideo[height<=%d]+bestaudio", height),
				fmt.Sprintf("best[height<=%d]", height),
			},
		}, nil

	default:
		return FormatExpression{}, fmt.Errorf("unknown kind %q", kind)
	}
}

// DefaultQuality returns the default tier for a kind when a request omits it.
func DefaultQuality(kind Kind) string {
	if kind == KindAudio {
		return "192k"
	}
	return "720p"
}

// normalizeTier accepts the loose tokens clients send ("192", "192kbps",
// "720", "720P") and maps them onto the canonical tier keys.
func normalizeTier(kind Kind, tier string) string {
	t := strings.ToLower(strings.TrimSpace(tier))
	if t == "" {
		return DefaultQuality(kind)
	}
	if kind == KindAudio {
		t = strings.TrimSuffix(t, "bps")
		if !strings.HasSuffix(t, "k") {
			t += "k"
		}
		return t
	}
	if !strings.HasSuffix(t, "p") {
		t += "p"
	}
	return t
}
