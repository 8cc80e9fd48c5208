package backend

import (
	"regexp"
	"strings"
)

// Download filename helpers.

// Characters that are unsafe in Content-Disposition headers and on common
// filesystems: quotes, path separators and Windows-reserved punctuation.
var unsafeFilenameChars = regexp.MustCompile(`["'/\\:*?<>|]`)

// SanitizeFileName strips non-printable and non-ASCII characters plus the
// unsafe character set before a title is used in a header or filesystem path.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			continue
		}
		b.WriteRune(r)
	}

	sanitized := unsafeFilenameChars.ReplaceAllString(b.String(), "")

	// Collapse runs of whitespace left behind by stripped characters
	sanitized = strings.Join(strings.Fields(sanitized), " ")
	sanitized = strings.Trim(sanitized, ". ")

	// 255 is the usual filesystem limit; stay well below it
	if len(sanitized) > 200 {
		sanitized = strings.TrimSpace(sanitized[:200])
	}

	if sanitized == "" {
		sanitized = "download"
	}
	return sanitized
}

// ExtensionFor returns the output container extension for a retrieval kind.
func ExtensionFor(kind Kind) string {
	if kind == KindAudio {
		return ".mp3"
	}
	return ".mp4"
}

// ContentTypeFor returns the response content type for a retrieval kind.
func ContentTypeFor(kind Kind) string {
	if kind == KindAudio {
		return "audio/mpeg"
	}
	return "video/mp4"
}
