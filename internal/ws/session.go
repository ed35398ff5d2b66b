// Package ws owns the WebSocket link to a LightStack server: the session that
// dials and reads it, the table correlating commands with their results, the
// dispatcher for pushed events and the supervisor that keeps the link alive.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
)

// URL returns the LightStack WebSocket endpoint for host and port.
func URL(host string, port int) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + protocol.Path
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// EntryID labels logs and metrics.
	EntryID        string
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Dialer         *websocket.Dialer
	Metrics        *Metrics
	Logger         zerolog.Logger
}

// Session owns one WebSocket link to LightStack and multiplexes commands and
// pushed events over it.
type Session struct {
	cfg        SessionConfig
	log        zerolog.Logger
	metrics    *Metrics
	pending    *pendingTable
	dispatcher *Dispatcher

	mu            sync.Mutex
	conn          *clientConn
	connected     bool
	serverVersion string
	readDone      chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	log := cfg.Logger.With().Str("component", "session").Str("entry", cfg.EntryID).Logger()
	return &Session{
		cfg:        cfg,
		log:        log,
		metrics:    cfg.Metrics,
		pending:    newPendingTable(),
		dispatcher: NewDispatcher(cfg.Logger),
	}
}

func (s *Session) URL() string {
	return s.cfg.URL
}

// Events is the dispatcher receiving every pushed event of this session.
func (s *Session) Events() *Dispatcher {
	return s.dispatcher
}

// Connected reports whether the link is currently established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ServerVersion is the version announced in the last handshake.
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverVersion
}

// Connect dials the server and performs the handshake. It returns the
// initial snapshot and its raw payload. The read loop is not started; call
// Listen once the snapshot has been consumed.
func (s *Session) Connect(ctx context.Context) (alertstate.State, json.RawMessage, error) {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return alertstate.State{}, nil, &ConnectionError{URL: s.cfg.URL, Err: ErrAlreadyConnected}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.log.Debug().Str("url", s.cfg.URL).Msg("dial lightstack")
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return alertstate.State{}, nil, s.connectFailed(ctx, err)
	}

	established, err := s.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return alertstate.State{}, nil, s.connectFailed(ctx, err)
	}
	st, err := alertstate.DecodeState(established.State)
	if err != nil {
		_ = conn.Close()
		return alertstate.State{}, nil, &ConnectionError{URL: s.cfg.URL, Err: fmt.Errorf("decode initial state failed: %w", err)}
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return alertstate.State{}, nil, &ConnectionError{URL: s.cfg.URL, Err: ErrAlreadyConnected}
	}
	s.conn = &clientConn{conn: conn}
	s.connected = true
	s.serverVersion = established.ServerVersion
	s.mu.Unlock()

	s.metrics.setConnected(s.cfg.EntryID, true)
	s.log.Info().Str("url", s.cfg.URL).Str("server_version", established.ServerVersion).Msg("lightstack connected")
	return st, established.State, nil
}

// handshake reads the first frame, which must be connection_established.
func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) (protocol.ConnectionEstablishedPayload, error) {
	var established protocol.ConnectionEstablishedPayload

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	msgType, frame, err := conn.ReadMessage()
	if err != nil {
		return established, fmt.Errorf("read handshake failed: %w", err)
	}
	if !stop() {
		return established, ctx.Err()
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msgType != websocket.TextMessage {
		return established, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return established, err
	}
	if env.Type != protocol.TypeConnectionEstablished {
		return established, fmt.Errorf("unexpected initial message type: %s", env.Type)
	}
	if err := protocol.DecodeData(env.Data, &established); err != nil {
		return established, err
	}
	return established, nil
}

func (s *Session) connectFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout connecting to lightstack: %w", ctxErr)
		} else {
			err = ctxErr
		}
	}
	s.log.Debug().Err(err).Str("url", s.cfg.URL).Msg("connect lightstack failed")
	return &ConnectionError{URL: s.cfg.URL, Err: err}
}

// Listen starts the read loop for the current connection. It is a no-op when
// not connected or when the loop already runs.
func (s *Session) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.readDone != nil {
		return
	}
	done := make(chan struct{})
	s.readDone = done
	go s.readLoop(s.conn, done)
}

func (s *Session) readLoop(client *clientConn, done chan struct{}) {
	defer close(done)
	for {
		msgType, frame, err := client.conn.ReadMessage()
		if err != nil {
			s.readEnded(client, err)
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug().Int("message_type", msgType).Msg("ignore non-text frame")
			continue
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			s.metrics.decodeFailed(s.cfg.EntryID)
			s.log.Error().Err(err).Str("frame", truncate(frame, 256)).Msg("decode lightstack frame failed")
			continue
		}
		s.metrics.eventReceived(s.cfg.EntryID, env.Type)
		s.route(env)
	}
}

// readEnded marks the link down after the read loop stopped on its own. When
// the connection was already detached by Disconnect, or already marked dead,
// nothing is published.
func (s *Session) readEnded(client *clientConn, err error) {
	s.mu.Lock()
	current := s.conn == client
	wasConnected := current && s.connected
	if current {
		s.connected = false
	}
	s.mu.Unlock()
	if !wasConnected {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Error().Err(err).Msg("recv lightstack->agent failed")
	} else {
		s.log.Info().Err(err).Msg("lightstack connection closed")
	}
	s.metrics.setConnected(s.cfg.EntryID, false)
	s.dispatcher.Notify(protocol.TypeDisconnected, json.RawMessage(`{}`))
}

func (s *Session) route(env protocol.Envelope) {
	s.log.Debug().Str("type", env.Type).Msg("recv lightstack->agent")
	switch env.Type {
	case protocol.TypeCommandResult:
		var p protocol.CommandResultPayload
		if err := protocol.DecodeData(env.Data, &p); err != nil {
			s.log.Error().Err(err).Msg("decode command result failed")
			return
		}
		if p.CommandID == "" || !s.pending.resolve(p.CommandID, p.Result) {
			s.log.Debug().Str("command_id", p.CommandID).Msg("ignore unmatched command result")
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.DecodeData(env.Data, &p); err != nil {
			s.log.Error().Err(err).Msg("decode error payload failed")
			return
		}
		if p.Code == "" {
			p.Code = protocol.CodeUnknown
		}
		if p.Message == "" {
			p.Message = "Unknown error"
		}
		if p.CommandID != "" && s.pending.fail(p.CommandID, &CommandError{Code: p.Code, Message: p.Message}) {
			return
		}
		s.log.Error().Str("code", p.Code).Str("command_id", p.CommandID).Str("message", p.Message).Msg("lightstack error")
	default:
		s.dispatcher.Notify(env.Type, env.Data)
	}
}

// Send writes one command. With expectResult it waits for the matching
// command_result or error, ctx cancellation, or timeout (zero means the
// session's command timeout).
func (s *Session) Send(ctx context.Context, kind string, data any, expectResult bool, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	client, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected || client == nil {
		return nil, &ConnectionError{URL: s.cfg.URL, Err: ErrNotConnected}
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}

	id := uuid.NewString()
	var p *pendingCommand
	if expectResult {
		var err error
		p, err = s.pending.register(id, kind)
		if err != nil {
			return nil, err
		}
	}

	s.log.Debug().Str("command", kind).Str("id", id).Msg("send agent->lightstack")
	started := time.Now()
	if err := client.WriteJSON(protocol.Command{Type: kind, ID: id, Data: data}); err != nil {
		s.pending.discard(id)
		s.metrics.commandFailed(s.cfg.EntryID, kind, "WRITE")
		return nil, &ConnectionError{URL: s.cfg.URL, Err: fmt.Errorf("send %s failed: %w", kind, err)}
	}
	s.metrics.commandSent(s.cfg.EntryID, kind)
	if !expectResult {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		s.metrics.observeCommand(s.cfg.EntryID, kind, time.Since(started).Seconds())
		if res.err != nil {
			var ce *CommandError
			if errors.As(res.err, &ce) {
				ce.Command = kind
				s.metrics.commandFailed(s.cfg.EntryID, kind, ce.Code)
			} else {
				s.metrics.commandFailed(s.cfg.EntryID, kind, "CANCELLED")
			}
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		s.pending.discard(id)
		s.metrics.commandFailed(s.cfg.EntryID, kind, protocol.CodeTimeout)
		return nil, &CommandError{Command: kind, Code: protocol.CodeTimeout, Message: fmt.Sprintf("Command %s timed out", kind)}
	case <-ctx.Done():
		s.pending.discard(id)
		return nil, ctx.Err()
	}
}

// Disconnect tears the link down: pending commands fail with ErrCancelled,
// the socket is closed and the read loop is joined. It is safe to call at any
// time and more than once. Event handlers must not call it synchronously.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client, done := s.conn, s.readDone
	wasConnected := s.connected
	s.conn = nil
	s.readDone = nil
	s.connected = false
	s.mu.Unlock()

	if n := s.pending.failAll(func(p *pendingCommand) error {
		return fmt.Errorf("%s: %w", p.kind, ErrCancelled)
	}); n > 0 {
		s.log.Debug().Int("count", n).Msg("cancelled pending commands")
	}

	if client == nil {
		return
	}
	client.mu.Lock()
	_ = client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	client.mu.Unlock()
	_ = client.conn.Close()
	if done != nil {
		<-done
	}
	if wasConnected {
		s.metrics.setConnected(s.cfg.EntryID, false)
	}
	s.log.Debug().Msg("lightstack disconnected")
}

// Reconnect tears down any residual connection and dials again. The read
// loop is left stopped, as after Connect.
func (s *Session) Reconnect(ctx context.Context) (alertstate.State, json.RawMessage, error) {
	s.Disconnect()
	return s.Connect(ctx)
}

// markDead flags a link that stopped answering heartbeats and publishes
// disconnected on the transition. The socket is left for the next reconnect
// to tear down.
func (s *Session) markDead() {
	s.mu.Lock()
	wasConnected := s.conn != nil && s.connected
	s.connected = false
	s.mu.Unlock()
	if !wasConnected {
		return
	}
	s.metrics.setConnected(s.cfg.EntryID, false)
	s.dispatcher.Notify(protocol.TypeDisconnected, json.RawMessage(`{}`))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
