package claude

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/recovery"
	"github.com/mchalk/rudder-core/stream"
)

// EventBuffer is the per-session event channel capacity. The pumps never
// block on a slow consumer; events past the buffer are dropped with a log.
const EventBuffer = 256

// TokenUpdate carries running token totals after a usage-bearing frame.
type TokenUpdate struct {
	Totals          stream.Totals `json:"totals"`
	CostUSD         float64       `json:"cost_usd"`
	CacheEfficiency float64       `json:"cache_efficiency"`
}

// RecoveryNotice reports a classified process failure and the strategy
// chosen for it.
type RecoveryNotice struct {
	ErrorType recovery.ErrorType `json:"error_type"`
	Action    recovery.Action    `json:"action"`
	Reason    string             `json:"reason,omitempty"`
}

// Event is one item on a session's event channel. Exactly one of Message,
// Tokens, Recovery, or Err is set, unless Done is true in which case all
// may be empty.
type Event struct {
	SessionID string
	Message   stream.Message
	Tokens    *TokenUpdate
	Recovery  *RecoveryNotice
	Err       error
	// Done marks the end of a turn: the subprocess exited. The session
	// itself stays usable; the next SendMessage respawns with --resume.
	Done bool
}

// SessionInfo is the summary returned by ListActiveSessions.
type SessionInfo struct {
	SessionID string        `json:"session_id"`
	RunID     int64         `json:"run_id"`
	PID       int           `json:"pid"`
	WorkDir   string        `json:"work_dir"`
	Model     string        `json:"model"`
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at"`
	Totals    stream.Totals `json:"totals"`
	CostUSD   float64       `json:"cost_usd"`
}

// Session is one conversation with the CLI. A session can span several
// subprocesses: --print processes exit after each turn and the next send
// resumes the conversation in a fresh child.
type Session struct {
	mu sync.RWMutex

	id        string
	runID     int64
	workDir   string
	model     string
	createdAt time.Time

	// initSeen enforces exactly-once registration per subprocess; reset on
	// each respawn.
	initSeen    bool
	running     bool
	interrupted bool
	cleared     bool

	accumulator *stream.Accumulator
	events      chan Event
	closed      bool
	closeOnce   sync.Once

	// streamLog receives raw CLI output, separate from the main debug log.
	streamLog *os.File

	log *slog.Logger
}

func newSession(id, workDir, model string) *Session {
	log := logger.WithSession(id)

	var streamLog *os.File
	if path, err := logger.StreamLogPath(id); err != nil {
		log.Warn("failed to get stream log path", "error", err)
	} else {
		streamLog, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Warn("failed to open stream log file", "path", path, "error", err)
		}
	}

	return &Session{
		id:          id,
		workDir:     workDir,
		model:       model,
		createdAt:   time.Now(),
		accumulator: stream.NewAccumulator(),
		events:      make(chan Event, EventBuffer),
		streamLog:   streamLog,
		log:         log,
	}
}

// ID returns the current session id. This changes at most once per spawn,
// when extraction replaces a synthetic id with the real one.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.log = logger.WithSession(id)
	s.mu.Unlock()
}

// logger returns the session's current logger. Rebinding the session id
// swaps the logger, so callers outside the lock go through here.
func (s *Session) logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// RunID returns the registry run id of the current subprocess.
func (s *Session) RunID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// WorkDir returns the session's working directory.
func (s *Session) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDir
}

// Model returns the model this session was started with.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Running reports whether a subprocess is currently alive for this session.
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Totals returns a snapshot of accumulated token counts.
func (s *Session) Totals() stream.Totals {
	return s.accumulator.Totals()
}

// Events returns the session's event channel. It is closed only when the
// session is cleared or the orchestrator shuts down.
func (s *Session) Events() <-chan Event {
	return s.events
}

// beginSpawn records a new subprocess and resets per-process state.
func (s *Session) beginSpawn(runID int64) {
	s.mu.Lock()
	s.runID = runID
	s.running = true
	s.initSeen = false
	s.interrupted = false
	s.mu.Unlock()
}

func (s *Session) endSpawn() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// markInit returns true the first time it is called after a spawn. Duplicate
// init messages from the same subprocess return false.
func (s *Session) markInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initSeen {
		return false
	}
	s.initSeen = true
	return true
}

func (s *Session) markInterrupted() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
}

func (s *Session) wasInterrupted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interrupted
}

func (s *Session) markCleared() {
	s.mu.Lock()
	s.cleared = true
	s.mu.Unlock()
}

func (s *Session) isCleared() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleared
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// emit delivers an event without ever blocking a pump. A full buffer drops
// the event; the stream log still has the raw line. The read lock is held
// across the send so close cannot shut the channel mid-emit.
func (s *Session) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event", "sessionID", ev.SessionID)
	}
}

// logRaw appends a raw output line to the session's stream log.
func (s *Session) logRaw(line string) {
	s.mu.RLock()
	f := s.streamLog
	s.mu.RUnlock()
	if f != nil {
		fmt.Fprintln(f, line)
	}
}

// close releases the event channel and stream log. Idempotent, and safe
// against concurrent emit: the closed flag flips under the write lock, so
// no emit can be mid-send when the channel closes.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.streamLog != nil {
			s.streamLog.Close()
			s.streamLog = nil
		}
		s.mu.Unlock()
		close(s.events)
	})
}
