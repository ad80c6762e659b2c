package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mchalk/rudder-core/exec"
	"github.com/mchalk/rudder-core/logger"
)

// EnvBinaryOverride names the environment variable that pins the claude
// binary path, bypassing discovery entirely.
const EnvBinaryOverride = "RUDDER_CLAUDE_BIN"

const binaryName = "claude"

// ErrBinaryNotFound indicates the claude binary could not be located. The
// wrapped message lists every location that was searched.
var ErrBinaryNotFound = errors.New("claude binary not found")

// Locator finds the claude binary. PATH alone is not trusted because GUI
// apps on macOS and Linux often launch with a minimal environment.
type Locator struct {
	// Override, when set, is returned as-is after an existence check.
	// Wired from the config file's binary_path.
	Override string

	Executor exec.CommandExecutor
}

// NewLocator returns a Locator using the default executor.
func NewLocator() *Locator {
	return &Locator{Executor: exec.GetDefaultExecutor()}
}

// Locate resolves the path to the claude binary. Resolution order: the
// Override field, the RUDDER_CLAUDE_BIN environment variable, PATH lookup,
// then well-known install locations. The first existing executable wins.
func (l *Locator) Locate() (string, error) {
	log := logger.WithComponent("cli")

	var searched []string

	if l.Override != "" {
		if isExecutable(l.Override) {
			return l.Override, nil
		}
		searched = append(searched, l.Override)
	}

	if env := os.Getenv(EnvBinaryOverride); env != "" {
		if isExecutable(env) {
			return env, nil
		}
		searched = append(searched, env+" ($"+EnvBinaryOverride+")")
	}

	executor := l.Executor
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}

	if path, err := executor.LookPath(binaryName); err == nil {
		return path, nil
	}
	searched = append(searched, "$PATH")

	for _, candidate := range wellKnownPaths(executor) {
		if isExecutable(candidate) {
			log.Debug("found claude binary outside PATH", "path", candidate)
			return candidate, nil
		}
		searched = append(searched, candidate)
	}

	return "", fmt.Errorf("%w (searched: %s)", ErrBinaryNotFound, strings.Join(searched, ", "))
}

// wellKnownPaths lists install locations the claude installer and common
// package managers use.
func wellKnownPaths(executor exec.CommandExecutor) []string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".claude", "local", binaryName),
			filepath.Join(home, ".local", "bin", binaryName),
		)
	}

	candidates = append(candidates,
		filepath.Join("/usr/local/bin", binaryName),
		filepath.Join("/opt/homebrew/bin", binaryName),
	)

	// npm global installs land under the npm prefix.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if out, err := executor.Output(ctx, "", "npm", "prefix", "-g"); err == nil {
		prefix := strings.TrimSpace(string(out))
		if prefix != "" {
			candidates = append(candidates, filepath.Join(prefix, "bin", binaryName))
		}
	}

	return candidates
}

// isExecutable reports whether path is a regular file the current user can
// execute. Windows relies on the extension, so only existence is checked.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}

// Version runs `claude --version` through the executor seam and returns the
// first line of output.
func Version(executor exec.CommandExecutor, binaryPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := executor.Output(ctx, "", binaryPath, "--version")
	if err != nil {
		return "", fmt.Errorf("failed to get claude version: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	version := strings.TrimSpace(lines[0])
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version, nil
}
