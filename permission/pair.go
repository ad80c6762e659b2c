package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// DefaultResponseTimeout bounds how long a tool call waits for a human
// decision before the gate falls back to deny.
const DefaultResponseTimeout = 5 * time.Minute

// ErrUnknownRequest is returned when resolving a request ID with no waiter.
var ErrUnknownRequest = errors.New("permission: unknown request id")

// Request is a pending approval prompt surfaced to the UI.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Reason    string          `json:"reason"`
}

// Response is the human's answer to a Request.
type Response struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// ChannelPair groups a request and response channel for one consumer of
// approval prompts, such as a websocket client.
type ChannelPair struct {
	Req  chan Request
	Resp chan Response
}

// NewChannelPair creates a ChannelPair with the given buffer size.
func NewChannelPair(bufferSize int) *ChannelPair {
	return &ChannelPair{
		Req:  make(chan Request, bufferSize),
		Resp: make(chan Response, bufferSize),
	}
}

// Close closes both channels. Safe to call on nil ChannelPair.
func (cp *ChannelPair) Close() {
	if cp == nil {
		return
	}
	if cp.Req != nil {
		close(cp.Req)
		cp.Req = nil
	}
	if cp.Resp != nil {
		close(cp.Resp)
		cp.Resp = nil
	}
}

// Broker matches approval prompts to their eventual answers. Each pending
// request owns a buffered channel so a late Resolve never blocks the
// resolver.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
}

// NewBroker creates a Broker with the given response timeout. A zero
// timeout uses DefaultResponseTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &Broker{
		pending: make(map[string]chan bool),
		timeout: timeout,
	}
}

// Wait blocks until the request is resolved, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both report denied: an unanswered
// prompt is a refusal.
func (b *Broker) Wait(ctx context.Context, requestID string) bool {
	ch := make(chan bool, 1)

	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve delivers an answer to a waiting request.
func (b *Broker) Resolve(requestID string, approved bool) error {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	b.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	// Buffered channel, and Wait is the sole receiver, so this never blocks.
	select {
	case ch <- approved:
	default:
	}
	return nil
}

// PendingIDs returns the IDs of requests still waiting for an answer.
func (b *Broker) PendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
