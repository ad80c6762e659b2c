package process

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"
)

// nopWriteCloser wraps a buffer as the stdin pipe for bookkeeping tests.
type nopWriteCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *nopWriteCloser) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("closed")
	}
	return w.buf.Write(p)
}

func (w *nopWriteCloser) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *nopWriteCloser) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestRegisterAssignsIncreasingRunIDs(t *testing.T) {
	r := NewRegistry(5)

	first := r.Register("sess-a", "/tmp", "sonnet", nil, nil)
	second := r.Register("sess-b", "/tmp", "sonnet", nil, nil)

	if first.RunID != runIDBase {
		t.Errorf("first run ID = %d, want %d", first.RunID, runIDBase)
	}
	if second.RunID != first.RunID+1 {
		t.Errorf("expected consecutive run IDs, got %d then %d", first.RunID, second.RunID)
	}
}

func TestRegisterEvictsOldestAtCapacity(t *testing.T) {
	r := NewRegistry(3)

	var infos []Info
	for i := 0; i < 3; i++ {
		infos = append(infos, r.Register(fmt.Sprintf("sess-%d", i), "/tmp", "sonnet", nil, nil))
	}

	// Fourth registration pushes out the first.
	r.Register("sess-3", "/tmp", "sonnet", nil, nil)

	if r.Len() != 3 {
		t.Fatalf("expected 3 registered after eviction, got %d", r.Len())
	}
	if _, ok := r.Get(infos[0].RunID); ok {
		t.Error("oldest process still registered after eviction")
	}
	if _, ok := r.Get(infos[1].RunID); !ok {
		t.Error("second-oldest process was evicted instead of oldest")
	}
	if _, ok := r.FindBySession("sess-3"); !ok {
		t.Error("new process not registered")
	}
}

func TestListOrderedOldestFirst(t *testing.T) {
	r := NewRegistry(5)
	for i := 0; i < 4; i++ {
		r.Register(fmt.Sprintf("sess-%d", i), "/tmp", "sonnet", nil, nil)
	}

	infos := r.List()
	if len(infos) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i].RunID <= infos[i-1].RunID {
			t.Errorf("list not ordered: %d before %d", infos[i-1].RunID, infos[i].RunID)
		}
	}
}

func TestUpdateSessionID(t *testing.T) {
	r := NewRegistry(5)
	info := r.Register("syn_0123456789abcdefghijkl", "/tmp", "sonnet", nil, nil)

	if err := r.UpdateSessionID(info.RunID, "real-session-id-0123456789"); err != nil {
		t.Fatalf("UpdateSessionID: %v", err)
	}
	got, ok := r.Get(info.RunID)
	if !ok || got.SessionID != "real-session-id-0123456789" {
		t.Errorf("session ID not updated: %+v", got)
	}

	if err := r.UpdateSessionID(999, "x"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestWriteStdinTakesAndReturns(t *testing.T) {
	r := NewRegistry(5)
	stdin := &nopWriteCloser{}
	info := r.Register("sess-w", "/tmp", "sonnet", nil, stdin)

	if err := r.WriteStdin(info.RunID, []byte(`{"type":"user"}`+"\n")); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}
	if stdin.String() != `{"type":"user"}`+"\n" {
		t.Errorf("unexpected stdin content: %q", stdin.String())
	}

	// Pipe must be back in the handle for the next write.
	if err := r.WriteStdin(info.RunID, []byte("again\n")); err != nil {
		t.Fatalf("second WriteStdin: %v", err)
	}
}

func TestWriteStdinConcurrent(t *testing.T) {
	r := NewRegistry(5)
	stdin := &nopWriteCloser{}
	info := r.Register("sess-c", "/tmp", "sonnet", nil, stdin)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Retry on ErrStdinBusy like real callers do.
			for {
				err := r.WriteStdin(info.RunID, []byte(fmt.Sprintf("line-%d\n", n)))
				if !errors.Is(err, ErrStdinBusy) {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}
}

func TestWriteStdinUnknownRun(t *testing.T) {
	r := NewRegistry(5)
	if err := r.WriteStdin(42, []byte("x")); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestKillRemovesAndIsIdempotent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal semantics differ on windows")
	}

	r := NewRegistry(5)
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	// The orchestrator owns cmd.Wait(); mirror that here.
	go cmd.Wait()

	info := r.Register("sess-k", "/tmp", "sonnet", cmd, nil)

	if err := r.Kill(info.RunID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := r.Get(info.RunID); ok {
		t.Error("killed process still registered")
	}
	if err := r.Kill(info.RunID); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("second Kill: expected ErrNotRegistered, got %v", err)
	}
}

func TestKillAllEmptiesRegistry(t *testing.T) {
	r := NewRegistry(5)
	for i := 0; i < 3; i++ {
		r.Register(fmt.Sprintf("sess-%d", i), "/tmp", "sonnet", nil, nil)
	}

	if n := r.KillAll(); n != 3 {
		t.Errorf("KillAll returned %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("registry not empty after KillAll: %d", r.Len())
	}
}

func TestKillDuringStdinWrites(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal semantics differ on windows")
	}

	r := NewRegistry(5)
	cmd := exec.Command("cat")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start cat: %v", err)
	}
	go cmd.Wait()

	info := r.Register("sess-race", "/tmp", "sonnet", cmd, stdin)

	// Writers hammering the pipe while Kill tears the process down must
	// never trip over the stdin handoff.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := r.WriteStdin(info.RunID, []byte("line\n"))
				if errors.Is(err, ErrNotRegistered) {
					return
				}
			}
		}()
	}

	if err := r.Kill(info.RunID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("registry not empty after Kill: %d", r.Len())
	}
}

func TestReapDropsExitedProcesses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix true(1)")
	}

	r := NewRegistry(5)
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start true: %v", err)
	}
	cmd.Wait()

	r.Register("sess-done", "/tmp", "sonnet", cmd, nil)
	r.Register("sess-live", "/tmp", "sonnet", nil, nil)

	if n := r.Reap(); n != 1 {
		t.Errorf("Reap returned %d, want 1", n)
	}
	if _, ok := r.FindBySession("sess-done"); ok {
		t.Error("exited process survived Reap")
	}
	if _, ok := r.FindBySession("sess-live"); !ok {
		t.Error("live process was reaped")
	}
}

func TestLiveOutputRing(t *testing.T) {
	r := NewRegistry(5)
	info := r.Register("sess-o", "/tmp", "sonnet", nil, nil)

	for i := 0; i < liveOutputCap+10; i++ {
		r.AppendLiveOutput(info.RunID, fmt.Sprintf("line-%d", i))
	}

	out := r.LiveOutput(info.RunID)
	if len(out) != liveOutputCap {
		t.Fatalf("expected %d buffered lines, got %d", liveOutputCap, len(out))
	}
	if out[0] != "line-10" {
		t.Errorf("oldest lines not dropped, first is %q", out[0])
	}

	r.ClearLiveOutput(info.RunID)
	if got := r.LiveOutput(info.RunID); len(got) != 0 {
		t.Errorf("expected empty after clear, got %d lines", len(got))
	}
}

func TestKnownSessionIDs(t *testing.T) {
	r := NewRegistry(5)
	r.Register("sess-x", "/tmp", "sonnet", nil, nil)
	r.Register("sess-y", "/tmp", "sonnet", nil, nil)

	known := r.KnownSessionIDs()
	if !known["sess-x"] || !known["sess-y"] {
		t.Errorf("missing sessions in known set: %v", known)
	}
}
