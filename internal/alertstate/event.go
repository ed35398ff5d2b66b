package alertstate

import "github.com/HsiangNianian/lightstack-agent/internal/protocol"

// EventKind is the closed set of events the reducer understands.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventCurrentAlertChanged
	EventAlertTriggered
	EventAlertCleared
	EventAllAlertsCleared
	EventReconnected
	EventDisconnected
)

// ParseEventKind maps a wire type onto an EventKind.
func ParseEventKind(s string) EventKind {
	switch s {
	case protocol.TypeCurrentAlertChanged:
		return EventCurrentAlertChanged
	case protocol.TypeAlertTriggered:
		return EventAlertTriggered
	case protocol.TypeAlertCleared:
		return EventAlertCleared
	case protocol.TypeAllAlertsCleared:
		return EventAllAlertsCleared
	case protocol.TypeReconnected:
		return EventReconnected
	case protocol.TypeDisconnected:
		return EventDisconnected
	default:
		return EventUnrecognized
	}
}

func (k EventKind) String() string {
	switch k {
	case EventCurrentAlertChanged:
		return protocol.TypeCurrentAlertChanged
	case EventAlertTriggered:
		return protocol.TypeAlertTriggered
	case EventAlertCleared:
		return protocol.TypeAlertCleared
	case EventAllAlertsCleared:
		return protocol.TypeAllAlertsCleared
	case EventReconnected:
		return protocol.TypeReconnected
	case EventDisconnected:
		return protocol.TypeDisconnected
	default:
		return "unrecognized"
	}
}
