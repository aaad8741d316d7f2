package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// PIDTracker tracks PIDs of child processes spawned on behalf of a job
// (browser automation processes, primarily) so they can be reaped if a
// job's engine run crashes or is killed before its own cleanup runs.
//
// Cleanup sends SIGTERM, waits up to a 5 second grace period, then
// SIGKILL if the process hasn't exited. The tracked set is also
// persisted to a JSON file so a second agent process (after a
// crash-restart) can still find and reap PIDs the previous process
// never got to.
type PIDTracker struct {
	mu       sync.Mutex
	pids     map[int]string // pid -> job ID that owns it
	filePath string
}

// NewPIDTracker creates an empty, in-memory-only tracker. Call
// LoadFile/SetFilePath to persist across restarts.
func NewPIDTracker() *PIDTracker {
	return &PIDTracker{pids: make(map[int]string)}
}

// SetFilePath enables persistence of the tracked set to path.
func (t *PIDTracker) SetFilePath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filePath = path
}

// Track records pid as belonging to jobID and persists the set.
func (t *PIDTracker) Track(jobID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[pid] = jobID
	t.persistLocked()
}

// Untrack removes pid, e.g. once the process has exited cleanly.
func (t *PIDTracker) Untrack(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
	t.persistLocked()
}

// ForJob returns every PID currently tracked under jobID.
func (t *PIDTracker) ForJob(jobID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for pid, owner := range t.pids {
		if owner == jobID {
			out = append(out, pid)
		}
	}
	return out
}

// ReapJob terminates every PID tracked under jobID: SIGTERM, then up to
// grace for the process to exit, then SIGKILL if it hasn't.
func (t *PIDTracker) ReapJob(jobID string, grace time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, pid := range t.ForJob(jobID) {
		t.reapPID(pid, grace, log)
		t.Untrack(pid)
	}
}

func (t *PIDTracker) reapPID(pid int, grace time.Duration, log *slog.Logger) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("process did not terminate in time, killing forcefully", "pid", pid)
		_ = proc.Signal(syscall.SIGKILL)
	}
}

func (t *PIDTracker) persistLocked() {
	if t.filePath == "" {
		return
	}
	data, err := json.Marshal(t.pids)
	if err != nil {
		return
	}
	_ = os.WriteFile(t.filePath, data, 0o600)
}

// LoadFile restores a previously persisted tracked set from path, for
// orphan cleanup after an agent crash-restart.
func (t *PIDTracker) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.SetFilePath(path)
		return nil
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filePath = path
	return json.Unmarshal(data, &t.pids)
}
