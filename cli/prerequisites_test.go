package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchalk/rudder-core/exec"
)

// writeFakeBinary creates an executable file for locator tests.
func writeFakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLocateOverrideWins(t *testing.T) {
	bin := writeFakeBinary(t, t.TempDir(), "claude")

	mock := exec.NewMockExecutor(nil)
	mock.SetLookPath("claude", "/elsewhere/claude")

	loc := &Locator{Override: bin, Executor: mock}
	got, err := loc.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != bin {
		t.Errorf("Locate = %q, want override %q", got, bin)
	}
}

func TestLocateEnvOverride(t *testing.T) {
	bin := writeFakeBinary(t, t.TempDir(), "claude")
	t.Setenv(EnvBinaryOverride, bin)

	loc := &Locator{Executor: exec.NewMockExecutor(nil)}
	got, err := loc.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != bin {
		t.Errorf("Locate = %q, want env override %q", got, bin)
	}
}

func TestLocateFallsThroughBadOverride(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.SetLookPath("claude", "/usr/bin/claude")

	loc := &Locator{Override: "/nonexistent/claude", Executor: mock}
	got, err := loc.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != "/usr/bin/claude" {
		t.Errorf("Locate = %q, want PATH hit", got)
	}
}

func TestLocatePathLookup(t *testing.T) {
	t.Setenv(EnvBinaryOverride, "")

	mock := exec.NewMockExecutor(nil)
	mock.SetLookPath("claude", "/usr/bin/claude")

	loc := &Locator{Executor: mock}
	got, err := loc.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != "/usr/bin/claude" {
		t.Errorf("Locate = %q, want /usr/bin/claude", got)
	}
}

func TestLocateNotFound(t *testing.T) {
	if isExecutable("/usr/local/bin/claude") || isExecutable("/opt/homebrew/bin/claude") {
		t.Skip("claude installed in a well-known system path")
	}
	t.Setenv(EnvBinaryOverride, "")
	t.Setenv("HOME", t.TempDir())

	loc := &Locator{Executor: exec.NewMockExecutor(nil)}
	_, err := loc.Locate()
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("Locate error = %v, want ErrBinaryNotFound", err)
	}
	if !strings.Contains(err.Error(), "$PATH") {
		t.Errorf("error should list searched locations, got %q", err.Error())
	}
}

func TestIsExecutable(t *testing.T) {
	dir := t.TempDir()

	bin := writeFakeBinary(t, dir, "tool")
	if !isExecutable(bin) {
		t.Errorf("isExecutable(%q) = false, want true", bin)
	}

	plain := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(plain, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if isExecutable(plain) {
		t.Error("isExecutable should reject a non-executable file")
	}

	if isExecutable(dir) {
		t.Error("isExecutable should reject a directory")
	}

	if isExecutable(filepath.Join(dir, "missing")) {
		t.Error("isExecutable should reject a missing path")
	}
}

func TestVersion(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("/usr/bin/claude", []string{"--version"}, exec.MockResponse{
		Stdout: []byte("2.1.0 (Claude Code)\n"),
	})

	got, err := Version(mock, "/usr/bin/claude")
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if got != "2.1.0 (Claude Code)" {
		t.Errorf("Version = %q", got)
	}
}

func TestVersionError(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("/usr/bin/claude", []string{"--version"}, exec.MockResponse{
		Err: errors.New("exit status 1"),
	})

	if _, err := Version(mock, "/usr/bin/claude"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestCheckFound(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.SetLookPath("claude", "/usr/bin/claude")
	mock.AddExactMatch("/usr/bin/claude", []string{"--version"}, exec.MockResponse{
		Stdout: []byte("2.1.0\n"),
	})

	result := Check(mock, Prerequisite{Name: "claude", Required: true})
	if !result.Found {
		t.Fatalf("Check: not found, error = %v", result.Error)
	}
	if result.Path != "/usr/bin/claude" {
		t.Errorf("Path = %q", result.Path)
	}
	if result.Version != "2.1.0" {
		t.Errorf("Version = %q", result.Version)
	}
}

func TestValidateRequired(t *testing.T) {
	if isExecutable("/usr/local/bin/claude") || isExecutable("/opt/homebrew/bin/claude") {
		t.Skip("claude installed in a well-known system path")
	}
	t.Setenv(EnvBinaryOverride, "")
	t.Setenv("HOME", t.TempDir())

	mock := exec.NewMockExecutor(nil)
	err := ValidateRequired(mock, DefaultPrerequisites())
	if err == nil {
		t.Fatal("expected error when claude is missing")
	}
	if !strings.Contains(err.Error(), "claude") {
		t.Errorf("error should mention claude, got %q", err.Error())
	}

	mock.SetLookPath("claude", "/usr/bin/claude")
	if err := ValidateRequired(mock, DefaultPrerequisites()); err != nil {
		t.Errorf("ValidateRequired: %v", err)
	}
}

func TestFormatCheckResults(t *testing.T) {
	results := []CheckResult{
		{Prerequisite: Prerequisite{Name: "claude", Required: true}, Found: true, Version: "2.1.0"},
		{Prerequisite: Prerequisite{Name: "node", Required: false}, Found: false},
	}

	out := FormatCheckResults(results)
	if !strings.Contains(out, "✓ claude (2.1.0)") {
		t.Errorf("missing found line:\n%s", out)
	}
	if !strings.Contains(out, "○ node [optional]") {
		t.Errorf("missing optional line:\n%s", out)
	}
}
