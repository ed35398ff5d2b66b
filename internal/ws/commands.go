package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
)

// Ping sends a heartbeat and reports whether the server answered pong.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) bool {
	result, err := s.Send(ctx, protocol.CmdPing, nil, true, timeout)
	if err != nil {
		s.log.Debug().Err(err).Msg("ping lightstack failed")
		return false
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := protocol.DecodeData(result, &pong); err != nil {
		return false
	}
	return pong.Pong
}

// GetState asks the server for a fresh snapshot.
func (s *Session) GetState(ctx context.Context) (alertstate.State, error) {
	result, err := s.Send(ctx, protocol.CmdGetState, nil, true, 0)
	if err != nil {
		return alertstate.State{}, err
	}
	return alertstate.DecodeState(result)
}

// GetActiveAlerts returns the server's raw active alert listing.
func (s *Session) GetActiveAlerts(ctx context.Context) (json.RawMessage, error) {
	return s.Send(ctx, protocol.CmdGetActiveAlerts, nil, true, 0)
}

// GetAllAlerts returns every configured alert, active or not.
func (s *Session) GetAllAlerts(ctx context.Context) (json.RawMessage, error) {
	return s.Send(ctx, protocol.CmdGetAllAlerts, nil, true, 0)
}

// TriggerAlert raises alertKey. priority overrides the configured priority
// when non-nil; note is recorded in the server's audit trail.
func (s *Session) TriggerAlert(ctx context.Context, alertKey string, priority *int, note string) (json.RawMessage, error) {
	data := protocol.TriggerAlertData{AlertKey: alertKey, Priority: priority, Note: note}
	return s.Send(ctx, protocol.CmdTriggerAlert, data, true, 0)
}

func (s *Session) ClearAlert(ctx context.Context, alertKey, note string) (json.RawMessage, error) {
	data := protocol.ClearAlertData{AlertKey: alertKey, Note: note}
	return s.Send(ctx, protocol.CmdClearAlert, data, true, 0)
}

func (s *Session) ClearAllAlerts(ctx context.Context, note string) (json.RawMessage, error) {
	var data any
	if note != "" {
		data = protocol.ClearAllAlertsData{Note: note}
	}
	return s.Send(ctx, protocol.CmdClearAllAlerts, data, true, 0)
}
