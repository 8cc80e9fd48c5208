package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Playlist expansion via the worker's flattened-listing mode. Flat listing
// keeps latency proportional to playlist size instead of per-item metadata
// cost.

// PlaylistItem is one entry emitted during expansion.
type PlaylistItem struct {
	ID       string `json:"ref"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Position int    `json:"position"`
}

// PlaylistHead is the summary of an expanded playlist.
type PlaylistHead struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Total  int    `json:"total"`
}

// Expander expands playlist references. Each call re-queries the backend;
// expansions are finite and not restartable.
type Expander struct {
	workerPath     string
	cookiesBrowser string
	timeout        time.Duration
	log            zerolog.Logger

	// newCommand indirection lets tests substitute a fake worker
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExpander creates a playlist expander using the configured worker binary.
func NewExpander(cfg *Config) *Expander {
	return &Expander{
		workerPath:     cfg.WorkerPath,
		cookiesBrowser: cfg.CookiesBrowser,
		timeout:        2 * time.Minute,
		log:            WithComponent("expander"),
		newCommand:     exec.CommandContext,
	}
}

// flatEntry matches the worker's one-JSON-object-per-line flat output.
type flatEntry struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Channel          string `json:"channel"`
	Uploader         string `json:"uploader"`
	PlaylistTitle    string `json:"playlist_title"`
	PlaylistUploader string `json:"playlist_uploader"`
}

// Expand runs the worker in flat-playlist mode and calls emit for every item
// as its line arrives, so entries can be created incrementally instead of
// blocking on the full playlist.
//
// A worker failure surfaces as a single error for the whole expansion; items
// already emitted before the failure are not retracted. A playlist that
// expands to zero items is not an error.
func (e *Expander) Expand(ctx context.Context, playlistID string, emit func(PlaylistItem)) (*PlaylistHead, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"--flat-playlist",
		"-j",
		"--no-warnings",
	}
	args = append(args, cookiesArgs(e.cookiesBrowser)...)
	args = append(args, PlaylistURL(playlistID))

	cmd := e.newCommand(ctx, e.workerPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("expand playlist: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("expand playlist: start worker: %w", err)
	}

	head := &PlaylistHead{ID: playlistID}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry flatEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// One unparseable line does not condemn the rest
			e.log.Debug().Str("playlist", playlistID).Err(err).Msg("skipping malformed flat entry")
			continue
		}

		if head.Title == "" && entry.PlaylistTitle != "" {
			head.Title = entry.PlaylistTitle
			head.Author = entry.PlaylistUploader
		}
		if entry.ID == "" {
			continue
		}

		author := entry.Channel
		if author == "" {
			author = entry.Uploader
		}
		author = strings.TrimSuffix(author, " - Topic")

		head.Total++
		emit(PlaylistItem{
			ID:       entry.ID,
			Title:    entry.Title,
			Author:   author,
			Position: head.Total,
		})
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		return head, fmt.Errorf("playlist expansion failed after %d items: %s", head.Total, reason)
	}
	if scanErr != nil {
		return head, fmt.Errorf("playlist expansion read: %w", scanErr)
	}

	return head, nil
}
