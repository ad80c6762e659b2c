package claude

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// ExtractDeadline bounds how long extraction waits for the init message.
	ExtractDeadline = 500 * time.Millisecond

	// ExtractLineCap bounds how many lines extraction inspects.
	ExtractLineCap = 50
)

// ErrExtractTimeout indicates the deadline passed before an init message
// arrived. The process may still be healthy, just slow to start.
var ErrExtractTimeout = errors.New("claude: timed out waiting for session id")

// ErrSessionIDNotFound indicates the line cap was reached, or output ended,
// without an init message. The process is talking but not in the expected
// protocol.
var ErrSessionIDNotFound = errors.New("claude: no session id in initial output")

// initProbe is the minimal shape needed to spot the init message without
// running the full decoder.
type initProbe struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// ExtractSessionID scans the child's first stdout lines for the system/init
// message carrying the real session id. Lines consumed during the scan are
// returned in order so the caller can replay them into the stream pipeline;
// nothing is lost either way.
func ExtractSessionID(lines <-chan string) (string, []string, error) {
	deadline := time.NewTimer(ExtractDeadline)
	defer deadline.Stop()

	var consumed []string
	for len(consumed) < ExtractLineCap {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", consumed, ErrSessionIDNotFound
			}
			consumed = append(consumed, line)

			var probe initProbe
			if err := json.Unmarshal([]byte(line), &probe); err != nil {
				continue
			}
			if probe.Type == "system" && probe.Subtype == "init" && ValidSessionID(probe.SessionID) {
				return probe.SessionID, consumed, nil
			}

		case <-deadline.C:
			return "", consumed, ErrExtractTimeout
		}
	}
	return "", consumed, ErrSessionIDNotFound
}
