package backend

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Raw input parsing: turns pasted text into normalized references.

// RefKind tags the result of classifying one input fragment.
type RefKind int

const (
	RefInvalid RefKind = iota
	RefSingle
	RefPlaylist
)

func (k RefKind) String() string {
	switch k {
	case RefSingle:
		return "single"
	case RefPlaylist:
		return "playlist"
	default:
		return "invalid"
	}
}

// Ref is one classified input fragment. For RefSingle the ID is the canonical
// 11-character video identifier; for RefPlaylist it is the playlist identifier.
type Ref struct {
	Kind RefKind
	ID   string
	Raw  string
}

var (
	videoIDRegex    = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/|youtube\.com/v/|youtube\.com/shorts/)([a-zA-Z0-9_-]{11})`)
	bareIDRegex     = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	playlistIDRegex = regexp.MustCompile(`[?&]list=([a-zA-Z0-9_-]+)`)

	inputSplitRegex = regexp.MustCompile(`[\n,;]+`)
)

// Classify decides whether one trimmed input fragment denotes a playlist, a
// single item, or nothing usable. Playlist detection takes priority: a watch
// URL carrying a list parameter is treated as the whole playlist.
func Classify(input string) Ref {
	input = strings.TrimSpace(input)
	if input == "" {
		return Ref{Kind: RefInvalid, Raw: input}
	}

	if m := playlistIDRegex.FindStringSubmatch(input); len(m) > 1 {
		return Ref{Kind: RefPlaylist, ID: m[1], Raw: input}
	}

	if m := videoIDRegex.FindStringSubmatch(input); len(m) > 1 {
		return Ref{Kind: RefSingle, ID: m[1], Raw: input}
	}

	// A plain watch URL variant the pattern above may miss
	if u, err := url.Parse(input); err == nil {
		if v := u.Query().Get("v"); len(v) == 11 && bareIDRegex.MatchString(v) {
			return Ref{Kind: RefSingle, ID: v, Raw: input}
		}
	}

	if bareIDRegex.MatchString(input) {
		return Ref{Kind: RefSingle, ID: input, Raw: input}
	}

	return Ref{Kind: RefInvalid, Raw: input}
}

// ExtractLinks splits pasted text on newlines, commas and semicolons and
// classifies each fragment. Duplicate identifiers are dropped, first
// occurrence wins, and output preserves first-seen order.
//
// Fragments that match nothing are silently dropped unless permissive is
// set, in which case they are returned as RefInvalid so the caller can
// surface them as failed entries.
func ExtractLinks(text string, permissive bool) []Ref {
	var refs []Ref
	seen := make(map[string]bool)

	for _, fragment := range inputSplitRegex.Split(text, -1) {
		ref := Classify(fragment)
		switch ref.Kind {
		case RefInvalid:
			if permissive && strings.TrimSpace(fragment) != "" {
				refs = append(refs, ref)
			}
		default:
			key := ref.Kind.String() + ":" + ref.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// WatchURL builds the canonical watch URL for a video identifier.
func WatchURL(videoID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", videoID)
}

// PlaylistURL builds the canonical playlist URL for a playlist identifier.
func PlaylistURL(playlistID string) string {
	return fmt.Sprintf("https://www.youtube.com/playlist?list=%s", playlistID)
}
