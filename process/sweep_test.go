package process

import (
	"context"
	"runtime"
	"testing"

	rexec "github.com/mchalk/rudder-core/exec"
)

func TestFoundProcessSessionID(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		expected string
	}{
		{
			name:     "resume flag",
			cmdLine:  "claude --resume abc123def456ghi789jkl012mn -p hi --output-format stream-json",
			expected: "abc123def456ghi789jkl012mn",
		},
		{
			name:     "resume with equals",
			cmdLine:  "claude --resume=sess-001 --output-format stream-json",
			expected: "sess-001",
		},
		{
			name:     "fresh session has no id",
			cmdLine:  "claude -p hi --model sonnet --output-format stream-json --verbose --print",
			expected: "",
		},
		{
			name:     "empty command",
			cmdLine:  "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FoundProcess{Command: tt.cmdLine}
			if got := p.SessionID(); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFindOrphansSkipsKnown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mock uses pgrep output shape")
	}

	mock := rexec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", cliProcessPattern}, rexec.MockResponse{
		Stdout: []byte("101\n102\n103\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, rexec.MockResponse{
		Stdout: []byte("claude --resume known-session-id-000000000 --output-format stream-json\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "102", "-o", "args="}, rexec.MockResponse{
		Stdout: []byte("claude --resume orphan-session-id-00000000 --output-format stream-json\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "103", "-o", "args="}, rexec.MockResponse{
		Stdout: []byte("claude -p hello --output-format stream-json --print\n"),
	})

	known := map[string]bool{"known-session-id-000000000": true}
	knownPIDs := map[int]bool{103: true}

	orphans, err := FindOrphans(context.Background(), mock, known, knownPIDs)
	if err != nil {
		t.Fatalf("FindOrphans: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d: %+v", len(orphans), orphans)
	}
	if orphans[0].PID != 102 {
		t.Errorf("wrong orphan: %+v", orphans[0])
	}
}

func TestSweepKillsOrphans(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mock uses pgrep output shape")
	}

	mock := rexec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", cliProcessPattern}, rexec.MockResponse{
		Stdout: []byte("201\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "201", "-o", "args="}, rexec.MockResponse{
		Stdout: []byte("claude --resume stale-session-id-000000000 --output-format stream-json\n"),
	})

	killed, err := Sweep(context.Background(), mock, map[string]bool{}, map[int]bool{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if killed != 1 {
		t.Errorf("expected 1 killed, got %d", killed)
	}

	// Verify the kill command was issued for the orphan PID.
	found := false
	for _, call := range mock.GetCalls() {
		if call.Name == "kill" && len(call.Args) == 2 && call.Args[1] == "201" {
			found = true
		}
	}
	if !found {
		t.Error("kill was never invoked for the orphan")
	}
}

func TestFindCLIProcessesNoneRunning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mock uses pgrep output shape")
	}

	mock := rexec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", cliProcessPattern}, rexec.MockResponse{
		Err: &mockExitError{},
	})

	found, err := FindCLIProcesses(context.Background(), mock)
	if err != nil {
		t.Fatalf("FindCLIProcesses: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected none, got %d", len(found))
	}
}

// mockExitError stands in for pgrep's exit status 1 when nothing matches.
type mockExitError struct{}

func (e *mockExitError) Error() string { return "exit status 1" }
