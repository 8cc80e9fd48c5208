package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Stream orchestration: one worker process per retrieval request, payload
// copied straight to the requester, diagnostics on a separate channel.

// StreamError reports a failed retrieval. Flushed tells the caller whether
// any payload byte already reached the sink: before the first byte a clean
// error response is still possible, after it the only option is to terminate
// the stream.
type StreamError struct {
	Flushed bool
	Reason  string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stream: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Orchestrator spawns and supervises extraction workers. A weighted
// semaphore enforces the soft concurrency cap the backend cannot enforce for
// itself.
type Orchestrator struct {
	workerPath     string
	cookiesBrowser string
	slots          *semaphore.Weighted
	killGrace      time.Duration
	log            zerolog.Logger

	// newCommand indirection lets tests substitute a fake worker
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewOrchestrator creates a stream orchestrator from config.
func NewOrchestrator(cfg *Config) *Orchestrator {
	slots := int64(cfg.StreamSlots)
	if slots < 1 {
		slots = 1
	}
	return &Orchestrator{
		workerPath:     cfg.WorkerPath,
		cookiesBrowser: cfg.CookiesBrowser,
		slots:          semaphore.NewWeighted(slots),
		killGrace:      5 * time.Second,
		log:            WithComponent("stream"),
		newCommand:     exec.CommandContext,
	}
}

// buildArgs assembles the worker invocation: format expression, output
// destination "-" and an explicit merge/transcode request for the target
// container.
func (o *Orchestrator) buildArgs(videoID string, expr FormatExpression) []string {
	args := []string{
		"-f", expr.Render(),
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"-o", "-",
	}
	if expr.Kind == KindAudio {
		args = append(args,
			"-x",
			"--audio-format", "mp3",
			"--audio-quality", fmt.Sprintf("%dK", expr.Bitrate),
		)
	} else {
		args = append(args, "--merge-output-format", "mp4")
	}
	args = append(args, cookiesArgs(o.cookiesBrowser)...)
	args = append(args, WatchURL(videoID))
	return args
}

// Serve runs one retrieval: it spawns the worker, copies its payload stream
// into sink as produced, and reports failure without ever attempting a
// second response. Cancelling ctx (requester disconnect) terminates the
// worker within the kill grace period.
func (o *Orchestrator) Serve(ctx context.Context, videoID string, expr FormatExpression, sink io.Writer) error {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return &StreamError{Reason: "cancelled before start", Err: err}
	}
	defer o.slots.Release(1)

	cmd := o.newCommand(ctx, o.workerPath, o.buildArgs(videoID, expr)...)
	// SIGTERM first so the worker can reap its own children; SIGKILL after
	// the grace period
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = o.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StreamError{Reason: "worker stdout", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StreamError{Reason: "worker stderr", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &StreamError{Reason: "start worker", Err: err}
	}

	o.log.Info().Str("ref", videoID).Str("expr", expr.Render()).Msg("worker started")

	// Diagnostics are consumed on their own goroutine and never mixed into
	// the payload; the tail is retained for error reporting.
	tail := newDiagnosticTail(8)
	var diagWG sync.WaitGroup
	diagWG.Add(1)
	go func() {
		defer diagWG.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			o.log.Debug().Str("ref", videoID).Str("worker_stderr", line).Msg("worker diagnostics")
		}
	}()

	cw := &countingWriter{sink: sink}
	_, copyErr := io.Copy(cw, stdout)

	diagWG.Wait()
	waitErr := cmd.Wait()

	flushed := cw.written > 0

	if ctx.Err() != nil {
		// Requester is gone; the worker has been terminated. Nothing may be
		// reported back on the wire.
		o.log.Info().Str("ref", videoID).Int64("bytes", cw.written).Msg("requester disconnected, worker terminated")
		return &StreamError{Flushed: flushed, Reason: "requester disconnected", Err: ctx.Err()}
	}

	if waitErr != nil {
		return &StreamError{Flushed: flushed, Reason: tail.join(), Err: waitErr}
	}
	if copyErr != nil {
		return &StreamError{Flushed: flushed, Reason: "copy payload", Err: copyErr}
	}
	if !flushed {
		return &StreamError{Reason: tail.join(), Err: fmt.Errorf("worker exited cleanly but produced no output")}
	}

	o.log.Info().Str("ref", videoID).Int64("bytes", cw.written).Msg("stream complete")
	return nil
}

// countingWriter tracks whether any payload byte reached the sink and
// flushes incrementally so the requester sees bytes as they are produced.
type countingWriter struct {
	sink    io.Writer
	written int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.sink.Write(p)
	w.written += int64(n)
	if f, ok := w.sink.(http.Flusher); ok && n > 0 {
		f.Flush()
	}
	return n, err
}

// diagnosticTail keeps the last n diagnostic lines for failure reasons.
type diagnosticTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newDiagnosticTail(max int) *diagnosticTail {
	return &diagnosticTail{max: max}
}

func (t *diagnosticTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *diagnosticTail) join() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
