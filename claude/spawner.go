package claude

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/google/uuid"

	"github.com/mchalk/rudder-core/process"
)

// StartOptions configures a new CLI session.
type StartOptions struct {
	Prompt          string // initial prompt, passed via -p
	Model           string // model name, e.g. "sonnet"
	WorkDir         string // working directory for the child
	ResumeSessionID string // resume an existing conversation
	Continue        bool   // continue the most recent conversation in WorkDir
}

// BuildCommandArgs produces the CLI argument list. The order is a wire
// contract with the claude binary and must not change:
//
//  1. --resume <id> (resuming) or -c (continuing)
//  2. -p <prompt> when an initial prompt is given
//  3. --model <model>
//  4. --output-format stream-json
//  5. --verbose
//  6. --print last, and only for brand-new sessions
func BuildCommandArgs(opts StartOptions) []string {
	var args []string

	resuming := opts.ResumeSessionID != ""
	switch {
	case resuming:
		args = append(args, "--resume", opts.ResumeSessionID)
	case opts.Continue:
		args = append(args, "-c")
	}

	if opts.Prompt != "" {
		args = append(args, "-p", opts.Prompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	args = append(args, "--output-format", "stream-json", "--verbose")

	if !resuming && !opts.Continue {
		args = append(args, "--print")
	}

	return args
}

// sessionIDLength is the fixed length of CLI session ids.
const sessionIDLength = 26

// ValidSessionID reports whether id matches the CLI's session-id shape:
// exactly 26 characters, alphanumeric plus underscore and hyphen.
func ValidSessionID(id string) bool {
	if len(id) != sessionIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// SyntheticSessionID generates a placeholder id assigned at spawn time so
// the registry never holds an unnamed process. The "syn_" prefix makes
// placeholders recognizable in logs; the result is a valid session id.
func SyntheticSessionID() string {
	return "syn_" + uuid.NewString()[:sessionIDLength-4]
}

// IsSyntheticSessionID reports whether id is a spawn-time placeholder.
func IsSyntheticSessionID(id string) bool {
	return len(id) > 4 && id[:4] == "syn_"
}

// Spawned bundles a freshly started subprocess with its registry entry and
// output pipes. Stdin is owned by the registry.
type Spawned struct {
	Info   process.Info
	Cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Spawner starts claude subprocesses and registers them.
type Spawner struct {
	BinaryPath string
	Registry   *process.Registry
}

// Spawn builds the command, starts it, and registers it immediately. No
// blocking work happens between Start and Register, so a crash during later
// setup still leaves the child killable through the registry.
func (s *Spawner) Spawn(opts StartOptions) (*Spawned, error) {
	args := BuildCommandArgs(opts)

	cmd := exec.Command(s.BinaryPath, args...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude: %w", err)
	}

	sessionID := opts.ResumeSessionID
	if sessionID == "" {
		sessionID = SyntheticSessionID()
	}
	info := s.Registry.Register(sessionID, opts.WorkDir, opts.Model, cmd, stdin)

	return &Spawned{Info: info, Cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}
