package process

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	rexec "github.com/mchalk/rudder-core/exec"
	"github.com/mchalk/rudder-core/logger"
)

// cliProcessPattern matches the subprocesses this module spawns. Every
// spawn uses stream-json output, so the flag doubles as a marker.
const cliProcessPattern = "claude.*--output-format stream-json"

// FoundProcess is a CLI subprocess discovered in the system process table.
type FoundProcess struct {
	PID     int
	Command string
}

// SessionID extracts the resumed session ID from the command line, or ""
// for processes running a fresh session.
func (p FoundProcess) SessionID() string {
	for _, flag := range []string{"--resume", "--session-id"} {
		_, after, ok := strings.Cut(p.Command, flag)
		if !ok {
			continue
		}
		fields := strings.Fields(strings.TrimLeft(after, " ="))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// FindCLIProcesses scans the process table for CLI subprocesses. Useful for
// detecting orphans left behind by a crash of the host application.
func FindCLIProcesses(ctx context.Context, executor rexec.CommandExecutor) ([]FoundProcess, error) {
	log := logger.WithComponent("sweep")
	var found []FoundProcess

	switch runtime.GOOS {
	case "darwin", "linux":
		output, err := executor.Output(ctx, "", "pgrep", "-f", cliProcessPattern)
		if err != nil {
			// pgrep exits 1 when nothing matches.
			return nil, nil
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}
			psOut, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}
			found = append(found, FoundProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOut)),
			})
		}

	case "windows":
		output, err := executor.Output(ctx, "", "tasklist", "/FI", "IMAGENAME eq claude*", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(output), "\n") {
			fields := strings.Split(line, ",")
			if len(fields) < 2 {
				continue
			}
			pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
			pid, err := strconv.Atoi(pidStr)
			if err != nil {
				continue
			}
			found = append(found, FoundProcess{
				PID:     pid,
				Command: strings.Trim(fields[0], "\""),
			})
		}
	}

	log.Debug("scanned process table", "found", len(found))
	return found, nil
}

// FindOrphans returns CLI subprocesses whose session ID is not in
// knownSessionIDs. Processes without a recognizable session ID are treated
// as orphans only when the registry knows nothing at all about them by PID.
func FindOrphans(ctx context.Context, executor rexec.CommandExecutor, knownSessionIDs map[string]bool, knownPIDs map[int]bool) ([]FoundProcess, error) {
	all, err := FindCLIProcesses(ctx, executor)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("sweep")
	var orphans []FoundProcess
	for _, proc := range all {
		if knownPIDs[proc.PID] {
			continue
		}
		if id := proc.SessionID(); id != "" && knownSessionIDs[id] {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned CLI process", "pid", proc.PID, "sessionID", proc.SessionID())
	}
	return orphans, nil
}

// Sweep kills orphaned CLI subprocesses and returns how many were killed.
func Sweep(ctx context.Context, executor rexec.CommandExecutor, knownSessionIDs map[string]bool, knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphans(ctx, executor, knownSessionIDs, knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("sweep")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned CLI process", "pid", proc.PID)
		if err := killPID(ctx, executor, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}

// killPID kills a process by PID using platform tools.
func killPID(ctx context.Context, executor rexec.CommandExecutor, pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, _, err := executor.Run(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}
