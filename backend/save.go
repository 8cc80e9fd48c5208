package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ServeFunc streams one retrieval into a sink.
type ServeFunc func(ctx context.Context, videoID string, expr FormatExpression, sink io.Writer) error

// SaveTrigger builds a TriggerFunc that retrieves each entry into the
// configured output directory. Partial files from failed retrievals are
// removed so retries start clean.
func SaveTrigger(cfg *Config, serve ServeFunc) TriggerFunc {
	log := WithComponent("save")
	return func(ctx context.Context, entry JobEntry) error {
		expr, err := BuildExpression(entry.Kind, entry.Quality)
		if err != nil {
			return err
		}

		title := entry.SourceRef
		if entry.Metadata != nil && entry.Metadata.Title != "" {
			title = entry.Metadata.Title
		}
		name := SanitizeFileName(title) + ExtensionFor(entry.Kind)

		if err := os.MkdirAll(cfg.OutputDirectory, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		path := filepath.Join(cfg.OutputDirectory, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}

		if err := serve(ctx, entry.SourceRef, expr, f); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info().Str("entry", entry.ID).Str("path", path).Msg("saved")
		return nil
	}
}
