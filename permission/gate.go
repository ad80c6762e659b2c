// Package permission decides what happens when the assistant asks to use a
// tool. Decisions are driven by a per-tool policy table; anything the table
// does not know about is rejected outright. The gate never has a
// permissive default.
package permission

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Decision is the gate's answer for a single tool call.
type Decision int

const (
	// RequireApproval defers the call to a human. This is the default for
	// anything the gate cannot prove safe.
	RequireApproval Decision = iota
	// Approve lets the call through without asking.
	Approve
	// Deny blocks the call outright.
	Deny
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	default:
		return "require_approval"
	}
}

// Verdict pairs a decision with the reason behind it.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Overlay extends the built-in policy table from the user's policy file.
type Overlay struct {
	DeniedPaths      []string `yaml:"denied_paths"`
	DeniedCommands   []string `yaml:"denied_commands"`
	AutoApproveTools []string `yaml:"auto_approve_tools"`
}

// toolPolicy describes how the gate treats one tool. Validators run first
// and can short-circuit with a deny; the remaining flags set the floor for
// calls that pass validation.
type toolPolicy struct {
	// autoApprove lets validated calls through without asking.
	autoApprove bool
	// mandatoryApproval keeps the decision at RequireApproval even when an
	// overlay tries to auto-approve the tool.
	mandatoryApproval bool
	// validate inspects the tool input. A non-nil verdict short-circuits.
	validate func(g *Gate, input map[string]any, workDir string) *Verdict
}

// sensitivePathFragments are substrings that mark a path as off-limits no
// matter which tool touches it.
var sensitivePathFragments = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	".ssh/",
	"id_rsa",
	"id_ed25519",
	".aws/credentials",
	".config/gcloud",
	".kube/config",
	".netrc",
	".env",
	".credentials.json",
}

// deniedCommandPatterns block shell commands that are destructive on their
// face. Matched case-insensitively after whitespace normalization.
var deniedCommandPatterns = []struct {
	pattern string
	reason  string
}{
	{"rm -rf /", "recursive delete from filesystem root"},
	{"rm -fr /", "recursive delete from filesystem root"},
	{"rm -rf ~", "recursive delete of home directory"},
	{"rm -rf *", "unscoped recursive delete"},
	{"sudo ", "privilege escalation"},
	{"chmod 777", "world-writable permissions"},
	{"chmod -r 777", "world-writable permissions"},
	{"mkfs", "filesystem format"},
	{"dd if=", "raw device write"},
	{":(){", "fork bomb"},
	{"> /dev/sda", "raw device write"},
}

// deniedCommandPairs block commands where the danger comes from the
// combination: downloads piped straight into a shell, and deletes that
// suppress their own output to evade review.
var deniedCommandPairs = []struct {
	first, second, reason string
}{
	{"curl ", "| sh", "piping a download into a shell"},
	{"curl ", "| bash", "piping a download into a shell"},
	{"wget ", "| sh", "piping a download into a shell"},
	{"wget ", "| bash", "piping a download into a shell"},
	{"rm ", ">/dev/null", "delete with suppressed output"},
	{"rm ", "> /dev/null", "delete with suppressed output"},
}

// Gate evaluates tool calls against the policy table plus any overlay.
// Safe for concurrent use; the overlay can be swapped while evaluations run.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]toolPolicy
	overlay  Overlay
}

// NewGate returns a Gate with the built-in policy table.
func NewGate() *Gate {
	g := &Gate{}
	g.policies = map[string]toolPolicy{
		"Read":         {autoApprove: true, validate: validatePathInput},
		"Glob":         {autoApprove: true, validate: validatePathInput},
		"Grep":         {autoApprove: true, validate: validatePathInput},
		"TodoWrite":    {autoApprove: true},
		"WebSearch":    {autoApprove: true},
		"Write":        {mandatoryApproval: true, validate: validatePathInput},
		"Edit":         {mandatoryApproval: true, validate: validatePathInput},
		"MultiEdit":    {mandatoryApproval: true, validate: validatePathInput},
		"NotebookEdit": {mandatoryApproval: true, validate: validatePathInput},
		"Bash":         {mandatoryApproval: true, validate: validateShellCommand},
		"WebFetch":     {mandatoryApproval: true},
		"Task":         {},
	}
	return g
}

// SetOverlay replaces the policy overlay, typically after a policy file
// reload.
func (g *Gate) SetOverlay(o Overlay) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overlay = o
}

// Evaluate decides one tool call. workDir is the session's workspace root;
// relative paths are resolved against it and must stay inside it.
func (g *Gate) Evaluate(tool string, input json.RawMessage, workDir string) Verdict {
	var fields map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &fields); err != nil {
			// Input we cannot inspect is input we cannot approve.
			return Verdict{Decision: Deny, Reason: fmt.Sprintf("unreadable tool input for %s", tool)}
		}
	}

	g.mu.RLock()
	policy, known := g.policies[tool]
	overlay := g.overlay
	g.mu.RUnlock()

	if !known {
		return Verdict{Decision: Deny, Reason: fmt.Sprintf("unknown tool %q", tool)}
	}

	if policy.validate != nil {
		if v := policy.validate(g, fields, workDir); v != nil {
			return *v
		}
	}

	if policy.mandatoryApproval {
		return Verdict{Decision: RequireApproval, Reason: tool + " always requires approval"}
	}

	if policy.autoApprove {
		return Verdict{Decision: Approve, Reason: tool + " is read-only"}
	}

	for _, name := range overlay.AutoApproveTools {
		if name == tool {
			return Verdict{Decision: Approve, Reason: tool + " auto-approved by policy file"}
		}
	}

	return Verdict{Decision: RequireApproval, Reason: "no auto-approval rule for " + tool}
}

// validatePathInput checks the path-bearing fields of a tool input for
// traversal out of the workspace and for sensitive locations.
func validatePathInput(g *Gate, input map[string]any, workDir string) *Verdict {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		raw, ok := input[key].(string)
		if !ok || raw == "" {
			continue
		}
		if v := g.checkPath(raw, workDir); v != nil {
			return v
		}
	}
	return nil
}

// checkPath rejects traversal and sensitive paths. Returns nil for paths
// that pass.
func (g *Gate) checkPath(raw, workDir string) *Verdict {
	cleaned := filepath.Clean(raw)

	resolved := cleaned
	if !filepath.IsAbs(cleaned) {
		if workDir == "" {
			return &Verdict{Decision: Deny, Reason: "relative path with no workspace to resolve against"}
		}
		resolved = filepath.Join(workDir, cleaned)
	}

	if workDir != "" && !filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(workDir, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &Verdict{Decision: Deny, Reason: fmt.Sprintf("path %q escapes the workspace", raw)}
		}
	}

	lower := strings.ToLower(filepath.ToSlash(resolved))
	for _, frag := range sensitivePathFragments {
		if strings.Contains(lower, frag) || strings.HasSuffix(lower, strings.TrimSuffix(frag, "/")) {
			return &Verdict{Decision: Deny, Reason: fmt.Sprintf("path %q touches a sensitive location", raw)}
		}
	}

	g.mu.RLock()
	extra := g.overlay.DeniedPaths
	g.mu.RUnlock()
	for _, denied := range extra {
		if denied != "" && strings.Contains(lower, strings.ToLower(denied)) {
			return &Verdict{Decision: Deny, Reason: fmt.Sprintf("path %q denied by policy file", raw)}
		}
	}

	return nil
}

// validateShellCommand applies the command deny-list. Commands that pass
// still require approval via the Bash policy's mandatoryApproval flag.
func validateShellCommand(g *Gate, input map[string]any, _ string) *Verdict {
	raw, ok := input["command"].(string)
	if !ok || raw == "" {
		return &Verdict{Decision: Deny, Reason: "shell call with no command"}
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(raw), " "))

	for _, p := range deniedCommandPatterns {
		if strings.Contains(normalized, p.pattern) {
			return &Verdict{Decision: Deny, Reason: "blocked command: " + p.reason}
		}
	}

	for _, p := range deniedCommandPairs {
		if strings.Contains(normalized, p.first) && strings.Contains(normalized, p.second) {
			return &Verdict{Decision: Deny, Reason: "blocked command: " + p.reason}
		}
	}

	g.mu.RLock()
	extra := g.overlay.DeniedCommands
	g.mu.RUnlock()
	for _, denied := range extra {
		if denied != "" && strings.Contains(normalized, strings.ToLower(denied)) {
			return &Verdict{Decision: Deny, Reason: "command denied by policy file"}
		}
	}

	return nil
}
