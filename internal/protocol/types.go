package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Path is the versioned WebSocket endpoint served by LightStack.
const Path = "/api/v1/ws"

// Inbound envelope types (server -> agent).
const (
	TypeConnectionEstablished = "connection_established"
	TypeCommandResult         = "command_result"
	TypeError                 = "error"
	TypeAlertTriggered        = "alert_triggered"
	TypeAlertCleared          = "alert_cleared"
	TypeAllAlertsCleared      = "all_alerts_cleared"
	TypeCurrentAlertChanged   = "current_alert_changed"
)

// Synthetic types published by the agent itself, never sent by the server.
const (
	TypeReconnected  = "reconnected"
	TypeDisconnected = "disconnected"
)

// Command types (agent -> server).
const (
	CmdPing            = "ping"
	CmdGetState        = "get_state"
	CmdGetActiveAlerts = "get_active_alerts"
	CmdGetAllAlerts    = "get_all_alerts"
	CmdTriggerAlert    = "trigger_alert"
	CmdClearAlert      = "clear_alert"
	CmdClearAllAlerts  = "clear_all_alerts"
)

// Error codes carried by error envelopes. CodeTimeout is produced locally.
const (
	CodeMissingAlertKey = "MISSING_ALERT_KEY"
	CodeAlertNotFound   = "ALERT_NOT_FOUND"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeTimeout         = "TIMEOUT"
	CodeUnknown         = "UNKNOWN"
)

// Command is an outbound envelope. Data is omitted when nil.
type Command struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ConnectionEstablishedPayload struct {
	ServerVersion string          `json:"server_version"`
	State         json.RawMessage `json:"state"`
}

type CommandResultPayload struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
}

type ErrorPayload struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ReconnectedPayload is the body of the synthetic reconnected event.
type ReconnectedPayload struct {
	State json.RawMessage `json:"state"`
}

type TriggerAlertData struct {
	AlertKey string `json:"alert_key"`
	Priority *int   `json:"priority,omitempty"`
	Note     string `json:"note,omitempty"`
}

type ClearAlertData struct {
	AlertKey string `json:"alert_key"`
	Note     string `json:"note,omitempty"`
}

type ClearAllAlertsData struct {
	Note string `json:"note,omitempty"`
}

var ErrMissingType = errors.New("missing message type")

// Decode parses one text frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope failed: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodeData unmarshals an envelope body into v. An absent body leaves v untouched.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload failed: %w", err)
	}
	return nil
}

// MarshalOrNil marshals v. It returns nil instead of an error for values
// that cannot be encoded.
func MarshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
