package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
)

// LinkState is the supervisor's view of the link.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateReconnecting
	StateConnected
)

func (s LinkState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	Logger           zerolog.Logger
}

// Supervisor keeps a session connected. It polls at a fixed interval,
// heartbeats a live link and reconnects a dead one, forever, without backoff.
type Supervisor struct {
	session *Session
	cfg     SupervisorConfig
	log     zerolog.Logger

	mu    sync.RWMutex
	state LinkState
}

func NewSupervisor(session *Session, cfg SupervisorConfig) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconnectInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	state := StateDisconnected
	if session.Connected() {
		state = StateConnected
	}
	return &Supervisor{
		session: session,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "supervisor").Str("entry", session.cfg.EntryID).Logger(),
		state:   state,
	}
}

// State returns the current link state.
func (s *Supervisor) State() LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run blocks until ctx is cancelled. After a successful reconnect it publishes
// a reconnected event carrying the fresh state and only then restarts the
// read loop, so subscribers see the resync before any later event.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !s.session.Connected() {
			if !s.reconnect(ctx) {
				if !s.sleep(ctx) {
					return
				}
				continue
			}
		}

		if !s.sleep(ctx) {
			return
		}

		if s.session.Connected() && !s.session.Ping(ctx, s.cfg.HeartbeatTimeout) {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Msg("lightstack connection appears dead, reconnecting")
			s.session.markDead()
			s.setState(StateDisconnected)
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context) bool {
	s.setState(StateReconnecting)
	s.log.Info().Str("url", s.session.URL()).Msg("attempting to reconnect to lightstack")

	_, raw, err := s.session.Reconnect(ctx)
	if ctx.Err() != nil {
		s.session.Disconnect()
		return false
	}
	if err != nil {
		s.session.metrics.reconnectAttempt(s.session.cfg.EntryID, "failure")
		s.log.Warn().Err(err).Msg("reconnect lightstack failed")
		s.setState(StateDisconnected)
		return false
	}

	s.session.metrics.reconnectAttempt(s.session.cfg.EntryID, "success")
	s.setState(StateConnected)
	s.session.Events().Notify(protocol.TypeReconnected, protocol.MarshalOrNil(protocol.ReconnectedPayload{State: raw}))
	s.session.Listen()
	return true
}

// sleep waits one interval. It returns false when ctx was cancelled.
func (s *Supervisor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) setState(state LinkState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.log.Debug().Str("from", prev.String()).Str("to", state.String()).Msg("link state changed")
	}
}
