package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mchalk/rudder-core/claude"
	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/permission"
	"github.com/mchalk/rudder-core/stream"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Orchestrator is the session surface the server drives. Satisfied by
// *claude.Orchestrator; narrowed for tests.
type Orchestrator interface {
	StartSession(ctx context.Context, opts claude.StartOptions) (*claude.Session, error)
	SendMessage(ctx context.Context, sessionID, text string) error
	RespondToPermission(requestID string, approved bool) error
	Interrupt(sessionID string) error
	Clear(sessionID string) error
	ListActiveSessions() []claude.SessionInfo
}

var _ Orchestrator = (*claude.Orchestrator)(nil)

// Server manages WebSocket connections and routes messages between UI
// clients and the orchestrator.
type Server struct {
	orch Orchestrator
	log  *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// prompts carries approval prompts out to clients and their answers
	// back to the orchestrator, serialized through the pump goroutines.
	prompts *permission.ChannelPair
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// session restricts this connection to one session's events. Empty
	// means all sessions.
	session string
}

// New creates a realtime server on top of an orchestrator.
func New(orch Orchestrator) *Server {
	s := &Server{
		orch:    orch,
		log:     logger.WithComponent("realtime"),
		clients: make(map[*client]bool),
		prompts: permission.NewChannelPair(64),
	}
	go s.promptPump()
	go s.responsePump()
	return s
}

// promptPump fans approval prompts out to connected clients.
func (s *Server) promptPump() {
	for req := range s.prompts.Req {
		msg, err := NewMessage(TypePermissionRequest, PermissionRequestPayload{
			SessionID: req.SessionID,
			RequestID: req.ID,
			ToolName:  req.ToolName,
			Input:     req.Input,
		})
		if err != nil {
			continue
		}
		s.broadcast(msg, req.SessionID)
	}
}

// responsePump hands client answers back to the orchestrator. A response
// for a prompt that already resolved is logged and dropped.
func (s *Server) responsePump() {
	for resp := range s.prompts.Resp {
		if err := s.orch.RespondToPermission(resp.ID, resp.Approved); err != nil {
			s.log.Warn("permission response had no waiter", "requestID", resp.ID, "error", err)
		}
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("POST /sessions/{id}/permission", s.handleRespondPermission)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleClearSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, 256),
		server:  s,
		session: r.URL.Query().Get("session"),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Bring the new client up to date on existing sessions.
	for _, info := range s.orch.ListActiveSessions() {
		if c.session != "" && c.session != info.SessionID {
			continue
		}
		s.sendTo(c, sessionUpdateMessage(info))
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.CreateSession(claude.StartOptions{
			Prompt:  p.Prompt,
			Model:   p.Model,
			WorkDir: p.WorkDir,
		}); err != nil {
			s.sendError(c, ErrSpawnFailed, err.Error())
		}

	case TypeSessionPrompt:
		var p SessionPromptPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.orch.SendMessage(context.Background(), p.SessionID, p.Prompt); err != nil {
			s.sendError(c, ErrSessionNotFound, err.Error())
		}

	case TypeSessionInterrupt:
		var p SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.orch.Interrupt(p.SessionID); err != nil {
			s.sendError(c, ErrSessionNotFound, err.Error())
		}

	case TypeSessionClear:
		var p SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.orch.Clear(p.SessionID); err != nil {
			s.sendError(c, ErrSessionNotFound, err.Error())
		}

	case TypePermissionRespond:
		var p PermissionRespondPayload
		json.Unmarshal(msg.Payload, &p)
		s.prompts.Resp <- permission.Response{ID: p.RequestID, Approved: p.Approved}
	}
}

// CreateSession starts a session and begins forwarding its events to every
// connected client. Shared by the REST and WebSocket paths.
func (s *Server) CreateSession(opts claude.StartOptions) (*claude.Session, error) {
	sess, err := s.orch.StartSession(context.Background(), opts)
	if err != nil {
		return nil, err
	}

	s.broadcast(sessionUpdateMessage(claude.SessionInfo{
		SessionID: sess.ID(),
		WorkDir:   sess.WorkDir(),
		Model:     sess.Model(),
		Running:   sess.Running(),
	}), sess.ID())

	go s.forwardEvents(sess)
	return sess, nil
}

// forwardEvents drains a session's event channel for its whole lifetime,
// across every subprocess the session spans. Approval prompts detour
// through the prompt pair; everything else broadcasts directly.
func (s *Server) forwardEvents(sess *claude.Session) {
	for ev := range sess.Events() {
		if perm, ok := ev.Message.(stream.PermissionRequestMessage); ok {
			s.prompts.Req <- permission.Request{
				ID:        perm.RequestID,
				SessionID: ev.SessionID,
				ToolName:  perm.ToolName,
				Input:     perm.Input,
			}
			continue
		}
		msg := encodeEvent(ev)
		if msg == nil {
			continue
		}
		s.broadcast(msg, ev.SessionID)
	}
}

// encodeEvent maps an orchestrator event to a wire message.
func encodeEvent(ev claude.Event) *Message {
	payload := SessionEventPayload{
		SessionID: ev.SessionID,
		Tokens:    ev.Tokens,
		Recovery:  ev.Recovery,
		Done:      ev.Done,
	}
	if ev.Message != nil {
		payload.Kind = stream.Kind(ev.Message)
		if data, err := json.Marshal(ev.Message); err == nil {
			payload.Message = data
		}
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}

	msg, err := NewMessage(TypeSessionEvent, payload)
	if err != nil {
		return nil
	}
	return msg
}

func sessionUpdateMessage(info claude.SessionInfo) *Message {
	msg, _ := NewMessage(TypeSessionUpdate, SessionUpdatePayload{
		SessionID: info.SessionID,
		WorkDir:   info.WorkDir,
		Model:     info.Model,
		Running:   info.Running,
		CreatedAt: info.StartedAt.Format(time.RFC3339Nano),
	})
	return msg
}

// broadcast sends a message to every connected client interested in the
// given session. Slow clients whose buffers are full are skipped, never
// waited on.
func (s *Server) broadcast(msg *Message, sessionID string) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if c.session != "" && sessionID != "" && c.session != sessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendTo(c *client, msg *Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := NewErrorMessage(code, message)
	s.sendTo(c, msg)
}
