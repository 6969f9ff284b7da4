package sysinfo

import (
	"os"
	"sync"
	"time"
)

// DepCacheState reports whether the persistent dependency cache was
// available at startup. Agents spawn noticeably faster when the CLI's
// dependency cache survives restarts, so /api/health surfaces it.
type DepCacheState struct {
	Initialized bool   `json:"initialized"`
	Persistent  bool   `json:"persistent"`
	Path        string `json:"path,omitempty"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

// DepCache tracks the one-time initialization of the dependency cache
// directory under the persistent base path.
type DepCache struct {
	mu    sync.RWMutex
	state DepCacheState
}

// Init checks the persistent base path, creates the cache directory if
// missing, and records the outcome. Safe to call once at startup.
func (d *DepCache) Init(basePath string) DepCacheState {
	start := time.Now()

	state := DepCacheState{Path: basePath}
	if info, err := os.Stat(basePath); err == nil && info.IsDir() {
		state.Persistent = true
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		state.Error = err.Error()
	} else {
		state.Initialized = true
	}
	state.DurationMs = time.Since(start).Milliseconds()

	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
	return state
}

// State returns the recorded snapshot.
func (d *DepCache) State() DepCacheState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Ready reports whether initialization succeeded.
func (d *DepCache) Ready() bool {
	return d.State().Initialized
}
