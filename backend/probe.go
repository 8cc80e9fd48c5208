package backend

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Extraction worker availability probe, surfaced by the health endpoint.

// WorkerStatus represents the availability of the extraction worker binary.
type WorkerStatus struct {
	Status    string    `json:"status"` // "up", "down"
	Version   string    `json:"version,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// workerStatusCache caches probe results to avoid spawning a process per
// health check.
type workerStatusCache struct {
	mu    sync.RWMutex
	entry *WorkerStatus
	ttl   time.Duration
}

var globalWorkerCache = &workerStatusCache{ttl: 5 * time.Minute}

// CheckWorker reports whether the worker binary is runnable. Results are
// cached for five minutes.
func CheckWorker(ctx context.Context, workerPath string) WorkerStatus {
	globalWorkerCache.mu.RLock()
	cached := globalWorkerCache.entry
	globalWorkerCache.mu.RUnlock()

	if cached != nil && time.Since(cached.CheckedAt) < globalWorkerCache.ttl {
		return *cached
	}

	status := probeWorker(ctx, workerPath)

	globalWorkerCache.mu.Lock()
	globalWorkerCache.entry = &status
	globalWorkerCache.mu.Unlock()

	return status
}

func probeWorker(ctx context.Context, workerPath string) WorkerStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, workerPath, "--version").Output()
	if err != nil {
		return WorkerStatus{Status: "down", CheckedAt: time.Now()}
	}
	return WorkerStatus{
		Status:    "up",
		Version:   strings.TrimSpace(string(out)),
		CheckedAt: time.Now(),
	}
}
