package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mchalk/rudder-core/cli"
	"github.com/mchalk/rudder-core/config"
	"github.com/mchalk/rudder-core/exec"
	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/permission"
	"github.com/mchalk/rudder-core/process"
	"github.com/mchalk/rudder-core/recovery"
	"github.com/mchalk/rudder-core/stream"
)

// ErrUnknownSession is returned for operations on a session id the
// orchestrator does not hold.
var ErrUnknownSession = errors.New("claude: unknown session")

// ErrShuttingDown is returned when a new session is requested during
// shutdown.
var ErrShuttingDown = errors.New("claude: orchestrator is shutting down")

// stdinBusyRetries bounds how long a writer waits for the stdin pipe.
const stdinBusyRetries = 50

// stderrTailLines is how many trailing stderr lines feed the classifier.
const stderrTailLines = 40

// Orchestrator is the façade the UI layer talks to. It owns the registry,
// the permission gate, and every live session.
type Orchestrator struct {
	cfg      *config.Config
	registry *process.Registry
	gate     *permission.Gate
	broker   *permission.Broker
	locator  *cli.Locator

	mu       sync.RWMutex
	sessions map[string]*Session
	pricing  map[string]stream.Rates
	binary   string
	shutdown bool
}

// New creates an Orchestrator wired from the given config.
func New(cfg *config.Config) *Orchestrator {
	timeout := time.Duration(cfg.GetPermissionTimeoutSec()) * time.Second
	return &Orchestrator{
		cfg:      cfg,
		registry: process.NewRegistry(cfg.GetMaxProcesses()),
		gate:     permission.NewGate(),
		broker:   permission.NewBroker(timeout),
		locator: &cli.Locator{
			Override: cfg.GetBinaryPath(),
			Executor: exec.GetDefaultExecutor(),
		},
		sessions: make(map[string]*Session),
	}
}

// Registry exposes the process registry for status surfaces and the orphan
// sweeper.
func (o *Orchestrator) Registry() *process.Registry {
	return o.registry
}

// ApplyPolicy installs the permission overlay and pricing overrides from a
// loaded policy file. Called at startup and again on live reload; a nil
// policy resets to built-in behavior.
func (o *Orchestrator) ApplyPolicy(p *config.Policy) {
	if p == nil {
		o.gate.SetOverlay(permission.Overlay{})
		o.mu.Lock()
		o.pricing = nil
		o.mu.Unlock()
		return
	}
	o.gate.SetOverlay(p.Permissions)
	o.mu.Lock()
	o.pricing = p.Pricing
	o.mu.Unlock()
}

func (o *Orchestrator) pricingSnapshot() map[string]stream.Rates {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pricing
}

// locateBinary resolves the claude binary once and caches the result.
func (o *Orchestrator) locateBinary() (string, error) {
	o.mu.RLock()
	bin := o.binary
	o.mu.RUnlock()
	if bin != "" {
		return bin, nil
	}

	bin, err := o.locator.Locate()
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.binary = bin
	o.mu.Unlock()
	return bin, nil
}

// StartSession spawns a CLI subprocess and returns a Session whose Events
// channel carries the decoded stream. The returned session id is the real
// one when extraction succeeds, otherwise the synthetic spawn id.
func (o *Orchestrator) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	o.mu.RLock()
	down := o.shutdown
	o.mu.RUnlock()
	if down {
		return nil, ErrShuttingDown
	}

	if opts.WorkDir == "" {
		opts.WorkDir = o.cfg.GetDefaultWorkDir()
	}
	if opts.Model == "" {
		opts.Model = o.cfg.GetDefaultModel()
	}

	placeholder := opts.ResumeSessionID
	if placeholder == "" {
		placeholder = SyntheticSessionID()
	}
	sess := newSession(placeholder, opts.WorkDir, opts.Model)

	if err := o.spawnInto(ctx, sess, opts); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

// spawnInto starts (or restarts) a subprocess for sess and wires the pumps.
// Shared by StartSession, respawn-on-send, and recovery retries.
func (o *Orchestrator) spawnInto(ctx context.Context, sess *Session, opts StartOptions) error {
	log := logger.WithComponent("orchestrator")

	// A recovery retry can fire after the owner has moved on. Never start
	// a subprocess for a session nobody will reap.
	o.mu.RLock()
	down := o.shutdown
	o.mu.RUnlock()
	if down {
		return ErrShuttingDown
	}
	if sess.isCleared() || sess.isClosed() {
		return ErrUnknownSession
	}

	bin, err := o.locateBinary()
	if err != nil {
		return err
	}

	spawner := &Spawner{BinaryPath: bin, Registry: o.registry}
	spawned, err := spawner.Spawn(opts)
	if err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}
	sess.beginSpawn(spawned.Info.RunID)
	o.bindSession(sess)

	lines := make(chan string, 64)
	go pumpLines(spawned.Stdout, lines)

	sessionID, consumed, exErr := ExtractSessionID(lines)
	switch {
	case exErr == nil:
		if sessionID != sess.ID() {
			o.rebindSession(sess, sessionID)
		}
		if err := o.registry.UpdateSessionID(spawned.Info.RunID, sessionID); err != nil {
			log.Warn("failed to update registry session id", "runID", spawned.Info.RunID, "error", err)
		}
	case errors.Is(exErr, ErrExtractTimeout):
		// Slow starters still announce themselves on the init frame; the
		// pump picks the id up there. Keep the placeholder for now.
		log.Warn("session id extraction timed out", "runID", spawned.Info.RunID)
	default:
		log.Warn("session id not found in initial output", "runID", spawned.Info.RunID)
	}

	tail := newTailBuffer(stderrTailLines)

	var g errgroup.Group
	g.Go(func() error {
		o.stdoutPump(sess, consumed, lines)
		return nil
	})
	g.Go(func() error {
		o.stderrPump(sess, spawned.Stderr, tail)
		return nil
	})

	go o.supervise(sess, spawned, &g, tail, opts)
	return nil
}

func (o *Orchestrator) bindSession(sess *Session) {
	o.mu.Lock()
	o.sessions[sess.ID()] = sess
	o.mu.Unlock()
}

func (o *Orchestrator) rebindSession(sess *Session, newID string) {
	o.mu.Lock()
	delete(o.sessions, sess.ID())
	sess.setID(newID)
	o.sessions[newID] = sess
	o.mu.Unlock()
}

func (o *Orchestrator) forgetSession(sess *Session) {
	o.mu.Lock()
	delete(o.sessions, sess.ID())
	o.mu.Unlock()
}

func (o *Orchestrator) session(sessionID string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sess, ok := o.sessions[sessionID]
	return sess, ok
}

// pumpLines reads stdout line by line onto a channel. ReadString has no
// length cap; oversized frames are the parser's problem, not the reader's.
func pumpLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lines <- line
		}
		if err != nil {
			return
		}
	}
}

// stdoutPump replays extraction's consumed lines, then drains the live
// channel, feeding everything through the frame parser.
func (o *Orchestrator) stdoutPump(sess *Session, consumed []string, lines <-chan string) {
	parser := stream.NewParser()

	handle := func(line string) {
		o.registry.AppendLiveOutput(sess.RunID(), line)
		sess.logRaw(line)

		frames, err := parser.Feed(append([]byte(line), '\n'))
		if err != nil {
			sess.logger().Warn("oversized frame dropped", "error", err)
		}
		for _, frame := range frames {
			o.handleFrame(sess, frame)
		}
	}

	for _, line := range consumed {
		handle(line)
	}
	for line := range lines {
		handle(line)
	}
}

// handleFrame decodes one frame, routes its side effects, and emits it.
func (o *Orchestrator) handleFrame(sess *Session, frame stream.Frame) {
	if usage, ok := stream.ExtractUsage(frame); ok && !usage.IsZero() {
		sess.accumulator.Add(usage)
		totals := sess.accumulator.Totals()
		rates := stream.RatesForModel(sess.Model(), o.pricingSnapshot())
		sess.emit(Event{
			SessionID: sess.ID(),
			Tokens: &TokenUpdate{
				Totals:          totals,
				CostUSD:         totals.CostUSD(rates),
				CacheEfficiency: totals.CacheEfficiency(),
			},
		})
	}

	msg, err := stream.Decode(frame)
	if err != nil {
		// Undecodable frames are dropped per frame; the stream carries on.
		sess.logger().Warn("dropping undecodable frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case stream.SystemMessage:
		if m.Subtype == "init" {
			o.handleInit(sess, m)
		}
	case stream.PermissionRequestMessage:
		if handled := o.handlePermissionRequest(sess, m); handled {
			// Auto-decided by policy; nothing for the UI to answer.
			return
		}
	}

	sess.emit(Event{SessionID: sess.ID(), Message: msg})
}

// handleInit registers the session id from the init message exactly once
// per subprocess. Duplicate inits are logged and ignored.
func (o *Orchestrator) handleInit(sess *Session, m stream.SystemMessage) {
	if !sess.markInit() {
		sess.logger().Warn("duplicate init message ignored", "sessionID", m.SessionID)
		return
	}
	if !ValidSessionID(m.SessionID) {
		sess.logger().Warn("init message carried malformed session id", "sessionID", m.SessionID)
		return
	}
	if m.SessionID != sess.ID() {
		o.rebindSession(sess, m.SessionID)
		if err := o.registry.UpdateSessionID(sess.RunID(), m.SessionID); err != nil {
			sess.logger().Warn("failed to update registry session id", "error", err)
		}
	}
	sess.logger().Info("session registered", "sessionID", m.SessionID, "model", m.Model)
}

// handlePermissionRequest runs the gate. Approve and Deny are answered on
// the wire immediately and reported as handled; RequireApproval parks the
// request on the broker and lets the event reach the UI.
func (o *Orchestrator) handlePermissionRequest(sess *Session, m stream.PermissionRequestMessage) bool {
	verdict := o.gate.Evaluate(m.ToolName, m.Input, sess.WorkDir())

	switch verdict.Decision {
	case permission.Approve:
		sess.logger().Debug("permission auto-approved", "tool", m.ToolName)
		o.sendPermissionResponse(sess, m.RequestID, true)
		return true

	case permission.Deny:
		sess.logger().Info("permission denied by policy", "tool", m.ToolName, "reason", verdict.Reason)
		o.sendPermissionResponse(sess, m.RequestID, false)
		return true

	default:
		go func() {
			approved := o.broker.Wait(context.Background(), m.RequestID)
			o.sendPermissionResponse(sess, m.RequestID, approved)
		}()
		return false
	}
}

// controlResponse is the wire shape answering a control_request.
type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id"`
		Response  struct {
			Behavior string `json:"behavior"`
		} `json:"response"`
	} `json:"response"`
}

func (o *Orchestrator) sendPermissionResponse(sess *Session, requestID string, approved bool) {
	var resp controlResponse
	resp.Type = "control_response"
	resp.Response.Subtype = "success"
	resp.Response.RequestID = requestID
	resp.Response.Response.Behavior = "deny"
	if approved {
		resp.Response.Response.Behavior = "allow"
	}

	data, err := json.Marshal(resp)
	if err != nil {
		sess.logger().Error("failed to marshal permission response", "error", err)
		return
	}
	if err := o.writeStdin(sess.RunID(), append(data, '\n')); err != nil {
		sess.logger().Warn("failed to write permission response", "requestID", requestID, "error", err)
	}
}

// stderrPump logs stderr lines and retains a tail for the classifier.
func (o *Orchestrator) stderrPump(sess *Session, r io.Reader, tail *tailBuffer) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			sess.logger().Debug("claude stderr", "line", line)
			tail.Append(line)
		}
		if err != nil {
			return
		}
	}
}

// supervise owns cmd.Wait for this subprocess. On abnormal exit it runs the
// failure through the classifier and executes the planned recovery.
func (o *Orchestrator) supervise(sess *Session, spawned *Spawned, g *errgroup.Group, tail *tailBuffer, opts StartOptions) {
	waitErr := spawned.Cmd.Wait()
	_ = g.Wait()

	o.registry.Remove(spawned.Info.RunID)
	sess.endSpawn()

	o.mu.RLock()
	down := o.shutdown
	o.mu.RUnlock()

	if down || sess.isCleared() {
		sess.emit(Event{SessionID: sess.ID(), Done: true})
		o.forgetSession(sess)
		sess.close()
		return
	}

	if waitErr == nil || sess.wasInterrupted() {
		// Normal end of turn. The session stays open; the next send
		// resumes the conversation in a fresh child.
		sess.emit(Event{SessionID: sess.ID(), Done: true})
		return
	}

	stderrText := tail.String()
	errType := recovery.Classify(stderrText, waitErr)
	strategy := recovery.Plan(errType, stderrText)
	sess.logger().Warn("process exited abnormally",
		"error", waitErr,
		"errorType", string(errType),
		"action", string(strategy.Action))

	sess.emit(Event{
		SessionID: sess.ID(),
		Recovery: &RecoveryNotice{
			ErrorType: errType,
			Action:    strategy.Action,
			Reason:    strategy.Reason,
		},
	})

	if !strategy.Retries() {
		sess.emit(Event{SessionID: sess.ID(), Err: fmt.Errorf("session failed: %s", strategy.Reason), Done: true})
		return
	}

	// Retries re-enter the normal orchestration path: a fresh spawn gets
	// fresh registration, extraction, and gating.
	go o.recover(sess, strategy, opts)
}

func (o *Orchestrator) recover(sess *Session, strategy recovery.Strategy, opts StartOptions) {
	retryOpts := opts
	retryOpts.Prompt = ""
	if !IsSyntheticSessionID(sess.ID()) {
		retryOpts.ResumeSessionID = sess.ID()
		retryOpts.Continue = false
	}

	hooks := recovery.Hooks{
		CreateNewSession: func(ctx context.Context) error {
			fresh := StartOptions{WorkDir: sess.WorkDir(), Model: sess.Model()}
			return o.spawnInto(ctx, sess, fresh)
		},
		ClearCache: func(ctx context.Context) error {
			o.registry.ClearLiveOutput(sess.RunID())
			return nil
		},
	}
	op := func(ctx context.Context) error {
		return o.spawnInto(ctx, sess, retryOpts)
	}

	if err := recovery.NewExecutor(hooks).Execute(context.Background(), strategy, op); err != nil {
		sess.logger().Error("recovery failed", "error", err)
		sess.emit(Event{SessionID: sess.ID(), Err: fmt.Errorf("recovery failed: %w", err), Done: true})
	}
}

// writeStdin writes through the registry, retrying briefly while another
// writer holds the pipe.
func (o *Orchestrator) writeStdin(runID int64, data []byte) error {
	for attempt := 0; attempt < stdinBusyRetries; attempt++ {
		err := o.registry.WriteStdin(runID, data)
		if !errors.Is(err, process.ErrStdinBusy) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return process.ErrStdinBusy
}

// userInputMessage is the stream-json stdin shape for user input.
type userInputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func encodeUserInput(text string) ([]byte, error) {
	var msg userInputMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}
	return json.Marshal(&msg)
}

// SendMessage delivers a user prompt to a session. A live subprocess gets
// it on stdin; a finished one is respawned resuming the conversation.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) error {
	sess, ok := o.session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	if sess.Running() {
		data, err := encodeUserInput(text)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		return o.writeStdin(sess.RunID(), append(data, '\n'))
	}

	opts := StartOptions{
		WorkDir: sess.WorkDir(),
		Model:   sess.Model(),
		Prompt:  text,
	}
	if IsSyntheticSessionID(sess.ID()) {
		// The conversation never got a real id; nothing to resume.
		opts.Continue = true
	} else {
		opts.ResumeSessionID = sess.ID()
	}
	return o.spawnInto(ctx, sess, opts)
}

// RespondToPermission resolves a pending permission request.
func (o *Orchestrator) RespondToPermission(requestID string, approved bool) error {
	return o.broker.Resolve(requestID, approved)
}

// PendingPermissions lists request ids awaiting a decision.
func (o *Orchestrator) PendingPermissions() []string {
	return o.broker.PendingIDs()
}

// Interrupt stops a session's current turn with SIGINT. If the signal can't
// be delivered the subprocess is killed through the registry.
func (o *Orchestrator) Interrupt(sessionID string) error {
	sess, ok := o.session(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if !sess.Running() {
		return nil
	}

	sess.markInterrupted()
	sess.emit(Event{SessionID: sess.ID(), Message: stream.InterruptMessage{}})

	if err := o.registry.Signal(sess.RunID(), syscall.SIGINT); err != nil {
		sess.logger().Warn("SIGINT delivery failed, escalating to kill", "error", err)
		if killErr := o.registry.Kill(sess.RunID()); killErr != nil && !errors.Is(killErr, process.ErrNotRegistered) {
			return killErr
		}
	}
	return nil
}

// Clear kills a session's subprocess and forgets the conversation. The next
// start with the same working directory begins fresh.
func (o *Orchestrator) Clear(sessionID string) error {
	sess, ok := o.session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	sess.markCleared()
	if sess.Running() {
		// supervise closes the session once the process is gone.
		if err := o.registry.Kill(sess.RunID()); err != nil && !errors.Is(err, process.ErrNotRegistered) {
			return err
		}
		return nil
	}

	o.forgetSession(sess)
	sess.close()
	return nil
}

// ListActiveSessions returns a summary of every session the orchestrator
// holds, oldest first.
func (o *Orchestrator) ListActiveSessions() []SessionInfo {
	o.mu.RLock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	pricing := o.pricing
	o.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		totals := sess.Totals()
		rates := stream.RatesForModel(sess.Model(), pricing)
		info := SessionInfo{
			SessionID: sess.ID(),
			RunID:     sess.RunID(),
			WorkDir:   sess.WorkDir(),
			Model:     sess.Model(),
			Running:   sess.Running(),
			StartedAt: sess.createdAt,
			Totals:    totals,
			CostUSD:   totals.CostUSD(rates),
		}
		if reg, ok := o.registry.Get(sess.RunID()); ok {
			info.PID = reg.PID
		}
		infos = append(infos, info)
	}

	// Oldest first, matching the registry's eviction order.
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].StartedAt.Before(infos[j-1].StartedAt); j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
	return infos
}

// Shutdown kills every registered process and closes every session. No
// subprocess outlives the orchestrator.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shutdown = true
	sessions := make([]*Session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.sessions = make(map[string]*Session)
	o.mu.Unlock()

	killed := o.registry.KillAll()
	logger.WithComponent("orchestrator").Info("shutdown complete", "killedProcesses", killed)

	for _, sess := range sessions {
		sess.close()
	}
}

// tailBuffer retains the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{cap: n}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.cap {
		t.lines = t.lines[len(t.lines)-t.cap:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
