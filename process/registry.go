// Package process tracks live CLI subprocesses. The Registry is the single
// authority on what is running: every spawn registers here before anything
// else happens to it, so a crash mid-setup still leaves the child killable.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mchalk/rudder-core/logger"
)

const (
	// DefaultCapacity bounds concurrent subprocesses. Registering past the
	// cap evicts the oldest process rather than failing the new one.
	DefaultCapacity = 10

	// runIDBase keeps run IDs visually distinct from PIDs and session
	// counters in logs.
	runIDBase = 1_000_000

	// KillGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
	KillGracePeriod = 2 * time.Second

	// liveOutputCap bounds the per-process ring of recent raw lines.
	liveOutputCap = 1000
)

// ErrNotRegistered is returned for operations on an unknown run ID.
var ErrNotRegistered = errors.New("process: run id not registered")

// ErrStdinBusy is returned when a writer holds the stdin pipe; callers
// should retry.
var ErrStdinBusy = errors.New("process: stdin busy")

// Info is the registry's public view of one subprocess.
type Info struct {
	RunID     int64     `json:"run_id"`
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	WorkDir   string    `json:"work_dir"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"started_at"`
}

// handle bundles a subprocess with its stdin pipe and recent output.
type handle struct {
	info Info

	cmd *exec.Cmd

	// stdin is taken out of the handle for the duration of a write so no
	// lock is held across pipe I/O. nil while a writer holds it.
	stdin io.WriteCloser

	liveOutput []string
}

// Registry maps run IDs to live subprocesses.
type Registry struct {
	mu        sync.Mutex
	nextRunID int64
	capacity  int
	handles   map[int64]*handle
}

// NewRegistry creates a Registry with the given capacity. Zero or negative
// capacity uses DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		nextRunID: runIDBase,
		capacity:  capacity,
		handles:   make(map[int64]*handle),
	}
}

// Register adds a freshly spawned subprocess and returns its assigned run
// ID. At capacity, the oldest registered process is evicted with a graceful
// kill. Call this immediately after cmd.Start(), before any blocking setup.
func (r *Registry) Register(sessionID, workDir, model string, cmd *exec.Cmd, stdin io.WriteCloser) Info {
	log := logger.WithComponent("registry")

	r.mu.Lock()
	info := Info{
		RunID:     r.nextRunID,
		SessionID: sessionID,
		WorkDir:   workDir,
		Model:     model,
		StartedAt: time.Now(),
	}
	r.nextRunID++
	if cmd != nil && cmd.Process != nil {
		info.PID = cmd.Process.Pid
	}

	var evicted *handle
	if len(r.handles) >= r.capacity {
		oldest := int64(0)
		for id := range r.handles {
			if oldest == 0 || id < oldest {
				oldest = id
			}
		}
		evicted = r.handles[oldest]
		delete(r.handles, oldest)
	}

	r.handles[info.RunID] = &handle{info: info, cmd: cmd, stdin: stdin}
	r.mu.Unlock()

	if evicted != nil {
		log.Warn("capacity reached, evicting oldest process",
			"evictedRunID", evicted.info.RunID,
			"evictedSessionID", evicted.info.SessionID,
			"newRunID", info.RunID)
		// Eviction killing happens off the register path so a slow shutdown
		// never delays the new spawn.
		go r.killHandle(evicted)
	}

	log.Info("process registered", "runID", info.RunID, "sessionID", sessionID, "pid", info.PID)
	return info
}

// UpdateSessionID swaps a synthetic session ID for the real one once
// extraction finds it.
func (r *Registry) UpdateSessionID(runID int64, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok {
		return ErrNotRegistered
	}
	h.info.SessionID = sessionID
	return nil
}

// Get returns the Info for a run ID.
func (r *Registry) Get(runID int64) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok {
		return Info{}, false
	}
	return h.info, true
}

// FindBySession returns the Info for a session ID.
func (r *Registry) FindBySession(sessionID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.info.SessionID == sessionID {
			return h.info, true
		}
	}
	return Info{}, false
}

// List returns all registered processes, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.handles))
	for _, h := range r.handles {
		infos = append(infos, h.info)
	}
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].RunID < infos[j-1].RunID; j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
	return infos
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// KnownSessionIDs returns the set of session IDs the registry is tracking,
// for orphan sweeps.
func (r *Registry) KnownSessionIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	known := make(map[string]bool, len(r.handles))
	for _, h := range r.handles {
		known[h.info.SessionID] = true
	}
	return known
}

// WriteStdin writes to a subprocess's stdin. The pipe is taken out of the
// handle for the duration of the write so the registry lock is never held
// across pipe I/O; concurrent writers serialize on the take.
func (r *Registry) WriteStdin(runID int64, data []byte) error {
	r.mu.Lock()
	h, ok := r.handles[runID]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	stdin := h.stdin
	if stdin == nil {
		r.mu.Unlock()
		return ErrStdinBusy
	}
	h.stdin = nil
	r.mu.Unlock()

	_, err := stdin.Write(data)

	r.mu.Lock()
	// The handle may have been removed while we held the pipe; only return
	// it if the process is still registered.
	if h2, ok := r.handles[runID]; ok && h2 == h {
		h2.stdin = stdin
	} else {
		stdin.Close()
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Signal sends a signal to the subprocess, typically SIGINT for interrupts.
func (r *Registry) Signal(runID int64, sig syscall.Signal) error {
	r.mu.Lock()
	h, ok := r.handles[runID]
	var cmd *exec.Cmd
	if ok {
		cmd = h.cmd
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("process: run %d has no live process", runID)
	}
	return cmd.Process.Signal(sig)
}

// Kill removes a subprocess from the registry and terminates it: SIGTERM,
// a grace period, then SIGKILL. Idempotent per run ID; the second call
// returns ErrNotRegistered.
func (r *Registry) Kill(runID int64) error {
	r.mu.Lock()
	h, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}
	r.killHandle(h)
	return nil
}

// KillAll terminates every registered process. Used on shutdown.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	var hs []*handle
	for id, h := range r.handles {
		hs = append(hs, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			r.killHandle(h)
		}(h)
	}
	wg.Wait()
	return len(hs)
}

// Remove drops a subprocess from the registry without killing it. Used
// after a clean exit has already been observed.
func (r *Registry) Remove(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// Reap removes handles whose process has already exited and returns how
// many were dropped. This is the backstop against bookkeeping drift when an
// exit notification was lost.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.WithComponent("registry")
	reaped := 0
	for id, h := range r.handles {
		if h.cmd != nil && h.cmd.Process != nil && processExited(h.cmd) {
			log.Info("reaping exited process", "runID", id, "sessionID", h.info.SessionID)
			delete(r.handles, id)
			reaped++
		}
	}
	return reaped
}

// AppendLiveOutput records a raw output line for late-attaching viewers.
// The buffer keeps only the most recent liveOutputCap lines.
func (r *Registry) AppendLiveOutput(runID int64, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok {
		return
	}
	h.liveOutput = append(h.liveOutput, line)
	if len(h.liveOutput) > liveOutputCap {
		h.liveOutput = h.liveOutput[len(h.liveOutput)-liveOutputCap:]
	}
}

// LiveOutput returns a copy of the recent raw output lines for a run.
func (r *Registry) LiveOutput(runID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok {
		return nil
	}
	out := make([]string, len(h.liveOutput))
	copy(out, h.liveOutput)
	return out
}

// ClearLiveOutput drops the buffered output for a run.
func (r *Registry) ClearLiveOutput(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[runID]; ok {
		h.liveOutput = nil
	}
}

// processExited probes liveness with signal 0. os.Process serializes this
// against the owner's Wait, unlike reading ProcessState directly.
func processExited(cmd *exec.Cmd) bool {
	return cmd.Process.Signal(syscall.Signal(0)) != nil
}

// killHandle terminates one subprocess: close stdin, SIGTERM, wait out the
// grace period, SIGKILL. The exit itself is collected by whoever owns the
// cmd.Wait() for this process. The handle is already out of the map when
// this runs.
func (r *Registry) killHandle(h *handle) {
	log := logger.WithComponent("registry")

	// A writer that took the pipe before the handle was removed may still
	// be returning it, so the stdin field stays under the registry lock.
	r.mu.Lock()
	stdin := h.stdin
	h.stdin = nil
	r.mu.Unlock()
	if stdin != nil {
		stdin.Close()
	}

	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if processExited(h.cmd) {
		return
	}

	pid := h.cmd.Process.Pid
	log.Info("terminating process", "runID", h.info.RunID, "pid", pid)

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal failing usually means the process is already gone.
		log.Debug("SIGTERM failed", "pid", pid, "error", err)
		return
	}

	deadline := time.Now().Add(KillGracePeriod)
	for time.Now().Before(deadline) {
		if processExited(h.cmd) {
			log.Debug("process exited within grace period", "pid", pid)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	log.Warn("grace period expired, force killing", "runID", h.info.RunID, "pid", pid)
	h.cmd.Process.Kill()
}
