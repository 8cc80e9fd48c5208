package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Job list management: the in-memory entry collection and its state machine.

// Status is the lifecycle state of one job entry.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
	StatusDownloading Status = "downloading"
	StatusDone        Status = "done"
)

// validTransitions encodes the entry state machine. Transitions within one
// entry are strictly sequential; anything not listed is rejected.
var validTransitions = map[Status][]Status{
	StatusQueued:      {StatusResolving},
	StatusResolving:   {StatusReady, StatusError},
	StatusReady:       {StatusDownloading},
	StatusDownloading: {StatusDone, StatusError},
	StatusError:       {StatusQueued}, // user retry
}

func transitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobEntry is one unit of work. The Controller is the only writer of Status
// and Metadata; collaborators return results instead of mutating entries.
type JobEntry struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"sourceRef"`
	Kind      Kind      `json:"kind"`
	Quality   string    `json:"quality"`
	Status    Status    `json:"status"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobEvent is emitted on entry changes.
type JobEvent struct {
	Type    string    `json:"type"` // "added", "updated", "removed", "expansion_failed"
	EntryID string    `json:"entryId,omitempty"`
	Entry   *JobEntry `json:"entry,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// JobEventCallback receives job events.
type JobEventCallback func(JobEvent)

// ResolveFunc resolves metadata for one canonical item reference.
type ResolveFunc func(ctx context.Context, sourceRef string) (*Metadata, error)

// ExpandFunc expands a playlist reference, emitting items incrementally.
type ExpandFunc func(ctx context.Context, playlistID string, emit func(PlaylistItem)) (*PlaylistHead, error)

// TriggerFunc issues one retrieval for a ready entry. The function owns the
// stream lifecycle; the controller only records the outcome.
type TriggerFunc func(ctx context.Context, entry JobEntry) error

// Controller owns the job entry collection. All mutation goes through its
// API; resolutions run on a bounded worker pool and bulk download triggers
// are paced to avoid saturating the extraction backend.
type Controller struct {
	mu      sync.RWMutex
	entries []JobEntry

	resolve        ResolveFunc
	expand         ExpandFunc
	onEvent        JobEventCallback
	surfaceInvalid bool

	ctx         context.Context
	cancel      context.CancelFunc
	maxResolves int
	bulkEvery   time.Duration
	jobChan     chan string
	workerWG    sync.WaitGroup

	processing bool
	processMu  sync.Mutex

	log zerolog.Logger
}

// NewController creates a job list controller.
func NewController(ctx context.Context, cfg *Config, resolve ResolveFunc, expand ExpandFunc) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	maxResolves := cfg.ResolveConcurrency
	if maxResolves < 1 {
		maxResolves = 1
	}
	return &Controller{
		entries:        make([]JobEntry, 0),
		resolve:        resolve,
		expand:         expand,
		surfaceInvalid: cfg.SurfaceInvalidLinks,
		ctx:            ctx,
		cancel:         cancel,
		maxResolves:    maxResolves,
		bulkEvery:      cfg.BulkDelay(),
		jobChan:        make(chan string, 256),
		log:            WithComponent("jobs"),
	}
}

// SetEventCallback sets the callback for job events.
func (c *Controller) SetEventCallback(cb JobEventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = cb
}

func (c *Controller) emit(event JobEvent) {
	c.mu.RLock()
	cb := c.onEvent
	c.mu.RUnlock()
	if cb != nil {
		cb(event)
	}
}

// AddBatch parses raw multi-line input into job entries. Single items become
// queued entries immediately; playlist references expand in the background so
// their entries appear incrementally. Returns the IDs of entries created
// synchronously.
func (c *Controller) AddBatch(text string, kind Kind, quality string) []string {
	refs := ExtractLinks(text, c.surfaceInvalid)

	var ids []string
	for _, ref := range refs {
		switch ref.Kind {
		case RefSingle:
			ids = append(ids, c.addEntry(ref.ID, kind, quality, nil))
		case RefPlaylist:
			go c.expandPlaylist(ref.ID, kind, quality)
		case RefInvalid:
			ids = append(ids, c.addFailedEntry(ref.Raw, kind, quality, "unrecognized reference"))
		}
	}
	return ids
}

// addEntry creates one queued entry. Pre-known metadata from flat playlist
// listings is attached but the entry still goes through full resolution.
func (c *Controller) addEntry(sourceRef string, kind Kind, quality string, _ *PlaylistItem) string {
	entry := JobEntry{
		ID:        uuid.New().String(),
		SourceRef: sourceRef,
		Kind:      kind,
		Quality:   quality,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()

	c.emit(JobEvent{Type: "added", EntryID: entry.ID, Entry: &entry})
	return entry.ID
}

func (c *Controller) addFailedEntry(raw string, kind Kind, quality, reason string) string {
	entry := JobEntry{
		ID:        uuid.New().String(),
		SourceRef: raw,
		Kind:      kind,
		Quality:   quality,
		Status:    StatusError,
		Error:     reason,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()

	c.emit(JobEvent{Type: "added", EntryID: entry.ID, Entry: &entry})
	return entry.ID
}

// expandPlaylist runs one playlist expansion. Entries are created as items
// arrive; a mid-expansion failure aborts only the remaining expansion and
// never retracts entries already created.
func (c *Controller) expandPlaylist(playlistID string, kind Kind, quality string) {
	head, err := c.expand(c.ctx, playlistID, func(item PlaylistItem) {
		c.addEntry(item.ID, kind, quality, &item)
	})
	if err != nil {
		c.log.Warn().Str("playlist", playlistID).Err(err).Msg("playlist expansion failed")
		c.emit(JobEvent{Type: "expansion_failed", Error: err.Error()})
		return
	}
	c.log.Info().Str("playlist", playlistID).Str("title", head.Title).Int("items", head.Total).Msg("playlist expanded")
}

// List returns a copy of all entries in insertion order.
func (c *Controller) List() []JobEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]JobEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Get returns a copy of one entry, or nil.
func (c *Controller) Get(id string) *JobEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.entries {
		if c.entries[i].ID == id {
			entry := c.entries[i]
			return &entry
		}
	}
	return nil
}

// updateEntry mutates one entry under lock and emits an update event.
func (c *Controller) updateEntry(id string, mutate func(*JobEntry)) bool {
	c.mu.Lock()
	var updated *JobEntry
	for i := range c.entries {
		if c.entries[i].ID == id {
			mutate(&c.entries[i])
			entry := c.entries[i]
			updated = &entry
			break
		}
	}
	c.mu.Unlock()

	if updated == nil {
		return false
	}
	c.emit(JobEvent{Type: "updated", EntryID: id, Entry: updated})
	return true
}

// setStatus applies a state transition if the state machine allows it.
func (c *Controller) setStatus(id string, to Status, errMsg string) bool {
	ok := false
	c.updateEntry(id, func(e *JobEntry) {
		if !transitionAllowed(e.Status, to) {
			c.log.Debug().Str("entry", id).Str("from", string(e.Status)).Str("to", string(to)).Msg("transition rejected")
			return
		}
		e.Status = to
		e.Error = errMsg
		switch to {
		case StatusReady, StatusDone:
			e.Progress = 100
		case StatusQueued:
			e.Progress = 0
			e.Metadata = nil
		}
		ok = true
	})
	return ok
}

// Remove deletes an entry. Removing a mid-stream entry only detaches
// bookkeeping; the requester-owned stream keeps its own lifecycle.
func (c *Controller) Remove(id string) bool {
	c.mu.Lock()
	removed := false
	for i := range c.entries {
		if c.entries[i].ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			removed = true
			break
		}
	}
	c.mu.Unlock()

	if removed {
		c.emit(JobEvent{Type: "removed", EntryID: id})
	}
	return removed
}

// Retry resets one failed entry to queued for re-resolution.
func (c *Controller) Retry(id string) error {
	entry := c.Get(id)
	if entry == nil {
		return fmt.Errorf("entry not found: %s", id)
	}
	if entry.Status != StatusError {
		return fmt.Errorf("entry %s is not failed (status %s)", id, entry.Status)
	}
	c.setStatus(id, StatusQueued, "")
	return nil
}

// RetryFailed re-queues every failed entry. Returns the count retried.
func (c *Controller) RetryFailed() int {
	count := 0
	for _, entry := range c.List() {
		if entry.Status == StatusError {
			if c.setStatus(entry.ID, StatusQueued, "") {
				count++
			}
		}
	}
	return count
}

// ClearFinished removes done and failed entries. Returns the count removed.
func (c *Controller) ClearFinished() int {
	c.mu.Lock()
	kept := c.entries[:0]
	removed := 0
	for _, entry := range c.entries {
		if entry.Status == StatusDone || entry.Status == StatusError {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	c.entries = kept
	c.mu.Unlock()
	return removed
}

// ClearAll removes every entry. Returns the count removed.
func (c *Controller) ClearAll() int {
	c.mu.Lock()
	removed := len(c.entries)
	c.entries = make([]JobEntry, 0)
	c.mu.Unlock()
	return removed
}

// =============================================================================
// Resolution worker pool
// =============================================================================

// Start launches the resolution workers and the dispatcher. Start on a
// stopped controller is a no-op; the controller does not restart.
func (c *Controller) Start() {
	c.processMu.Lock()
	defer c.processMu.Unlock()
	if c.processing || c.ctx.Err() != nil {
		return
	}
	c.processing = true

	for i := 0; i < c.maxResolves; i++ {
		c.workerWG.Add(1)
		go c.worker()
	}
	go c.dispatcher()
}

// Stop cancels in-flight resolutions and waits for workers to exit. Stop is
// terminal: the controller's context stays cancelled and it cannot be
// restarted.
func (c *Controller) Stop() {
	// The dispatcher may be mid-send, so the channel is never closed; the
	// cancelled context unblocks both sides.
	c.cancel()

	c.processMu.Lock()
	defer c.processMu.Unlock()
	if !c.processing {
		return
	}
	c.workerWG.Wait()
	c.processing = false
}

// dispatcher scans for queued entries and feeds them to workers.
func (c *Controller) dispatcher() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			for _, entry := range c.entries {
				if entry.Status == StatusQueued {
					select {
					case c.jobChan <- entry.ID:
					default:
						// channel full, next tick will retry
					}
				}
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Controller) worker() {
	defer c.workerWG.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case id, ok := <-c.jobChan:
			if !ok {
				return
			}
			c.resolveEntry(id)
		}
	}
}

// resolveEntry runs metadata resolution for one entry. The dispatcher may
// enqueue an ID more than once; the queued→resolving transition is the claim
// and a second worker simply loses it.
func (c *Controller) resolveEntry(id string) {
	if !c.setStatus(id, StatusResolving, "") {
		return
	}

	entry := c.Get(id)
	if entry == nil {
		return
	}

	meta, err := c.resolve(c.ctx, entry.SourceRef)
	if err != nil {
		// Resolution failures stay local to this entry; siblings continue.
		c.updateEntry(id, func(e *JobEntry) {
			if e.Status != StatusResolving {
				return
			}
			e.Status = StatusError
			e.Error = err.Error()
		})
		return
	}

	c.updateEntry(id, func(e *JobEntry) {
		if e.Status != StatusResolving {
			return
		}
		e.Status = StatusReady
		e.Metadata = meta
		e.Progress = 100
	})
}

// =============================================================================
// Bulk download triggering
// =============================================================================

// DownloadAll snapshots the ready entries and issues one trigger per entry
// in the background, paced by the configured inter-trigger delay. The delay
// is admission control: firing all transcode requests at once saturates the
// backend's process pool. Returns the number of entries scheduled.
func (c *Controller) DownloadAll(trigger TriggerFunc) int {
	var ready []string
	for _, entry := range c.List() {
		if entry.Status == StatusReady {
			ready = append(ready, entry.ID)
		}
	}
	if len(ready) == 0 {
		return 0
	}

	limiter := rate.NewLimiter(rate.Every(c.bulkEvery), 1)
	go func() {
		for _, id := range ready {
			if err := limiter.Wait(c.ctx); err != nil {
				return
			}
			c.Download(id, trigger)
		}
	}()
	return len(ready)
}

// Download issues a single retrieval trigger for a ready entry and records
// the outcome: done on success, error (user-retriable) on stream failure.
func (c *Controller) Download(id string, trigger TriggerFunc) {
	if !c.setStatus(id, StatusDownloading, "") {
		return
	}
	entry := c.Get(id)
	if entry == nil {
		// Removed while downloading; the trigger owns its own lifecycle.
		return
	}

	if err := trigger(c.ctx, *entry); err != nil {
		c.log.Warn().Str("entry", id).Err(err).Msg("download trigger failed")
		c.updateEntry(id, func(e *JobEntry) {
			if e.Status != StatusDownloading {
				return
			}
			e.Status = StatusError
			e.Error = err.Error()
		})
		return
	}
	c.setStatus(id, StatusDone, "")
}
