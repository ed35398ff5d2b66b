// Package testutil provides a scriptable in-process LightStack server for
// tests.
package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
)

// Command is a command frame as received by the server.
type Command struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandHandler answers one command. It runs on the connection's read
// goroutine; not answering at all is allowed.
type CommandHandler func(c *Conn, cmd Command)

// Conn is one accepted agent connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Send writes any JSON frame.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendRaw writes a text frame verbatim.
func (c *Conn) SendRaw(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Result answers command id with result.
func (c *Conn) Result(id string, result any) error {
	return c.Send(map[string]any{
		"type": protocol.TypeCommandResult,
		"data": map[string]any{"command_id": id, "result": result},
	})
}

// Error answers command id with an error envelope.
func (c *Conn) Error(id, code, message string) error {
	return c.Send(map[string]any{
		"type": protocol.TypeError,
		"data": map[string]any{"command_id": id, "code": code, "message": message},
	})
}

// Server is a fake LightStack server.
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	version       string
	state         json.RawMessage
	initialType   string
	silent        bool
	handlers      map[string]CommandHandler
	conns         []*Conn
	accepted      int
	commands      []Command
	commandSignal chan struct{}
}

// NewServer starts a server answering the handshake with an all-clear state.
// It is closed by t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:             t,
		upgrader:      websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		version:       "1.2",
		state:         json.RawMessage(`{"is_all_clear":true,"current_alert":null,"active_count":0,"active_alerts":[]}`),
		initialType:   protocol.TypeConnectionEstablished,
		handlers:      make(map[string]CommandHandler),
		commandSignal: make(chan struct{}, 1),
	}
	s.handlers[protocol.CmdPing] = func(c *Conn, cmd Command) { _ = c.Result(cmd.ID, map[string]any{"pong": true}) }

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.Path, s.handle)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL is the WebSocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + protocol.Path
}

// HostPort splits the listener address.
func (s *Server) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	if err != nil {
		s.t.Fatalf("split listener address: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		s.t.Fatalf("parse listener port: %v", err)
	}
	return host, p
}

func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetState sets the snapshot sent in later handshakes.
func (s *Server) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = json.RawMessage(state)
}

// SetInitialType replaces the handshake frame type.
func (s *Server) SetInitialType(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialType = kind
}

// SetSilent makes the server accept connections without sending a handshake.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Handle installs h for a command type. Unhandled commands get {"success":true}.
func (s *Server) Handle(kind string, h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Push sends an event to every open connection.
func (s *Server) Push(kind string, data any) {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(map[string]any{"type": kind, "data": data})
	}
}

// PushRaw sends a verbatim frame to every open connection.
func (s *Server) PushRaw(frame string) {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.SendRaw(frame)
	}
}

// DropConnections closes every open connection abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Accepted counts WebSocket upgrades so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Commands returns every command received so far.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// WaitForCommand blocks until a command of kind has been received.
func (s *Server) WaitForCommand(kind string, timeout time.Duration) (Command, bool) {
	deadline := time.After(timeout)
	for {
		for _, c := range s.Commands() {
			if c.Type == kind {
				return c, true
			}
		}
		select {
		case <-s.commandSignal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return Command{}, false
		}
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrade error: %v", err)
		return
	}
	c := &Conn{ws: ws}

	s.mu.Lock()
	s.accepted++
	s.conns = append(s.conns, c)
	silent, kind, version, state := s.silent, s.initialType, s.version, s.state
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, cur := range s.conns {
			if cur == c {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()

	if !silent {
		err := c.Send(map[string]any{
			"type": kind,
			"data": map[string]any{"server_version": version, "state": state},
		})
		if err != nil {
			return
		}
	}

	for {
		var cmd Command
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		h, ok := s.handlers[cmd.Type]
		s.mu.Unlock()
		select {
		case s.commandSignal <- struct{}{}:
		default:
		}

		if ok {
			h(c, cmd)
			continue
		}
		_ = c.Result(cmd.ID, map[string]any{"success": true})
	}
}
