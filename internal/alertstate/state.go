package alertstate

import (
	"encoding/json"
	"slices"
)

// State is one complete snapshot of the server's alert state.
type State struct {
	IsAllClear   bool    `json:"is_all_clear"`
	CurrentAlert *Alert  `json:"current_alert"`
	ActiveCount  int     `json:"active_count"`
	ActiveAlerts []Alert `json:"active_alerts"`
}

// Empty returns the canonical all-clear snapshot.
func Empty() State {
	return State{IsAllClear: true, ActiveAlerts: []Alert{}}
}

type stateRecord struct {
	IsAllClear   *bool             `json:"is_all_clear"`
	CurrentAlert json.RawMessage   `json:"current_alert"`
	ActiveCount  *int              `json:"active_count"`
	ActiveAlerts []json.RawMessage `json:"active_alerts"`
}

// DecodeState builds a snapshot from a server state payload. Missing fields
// take their all-clear defaults.
func DecodeState(raw json.RawMessage) (State, error) {
	st := Empty()
	if len(raw) == 0 || string(raw) == "null" {
		return st, nil
	}
	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return State{}, err
	}

	current, err := DecodeAlert(rec.CurrentAlert)
	if err != nil {
		return State{}, err
	}
	alerts := make([]Alert, 0, len(rec.ActiveAlerts))
	for _, item := range rec.ActiveAlerts {
		a, err := DecodeAlert(item)
		if err != nil {
			return State{}, err
		}
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	st.CurrentAlert = current
	st.ActiveAlerts = alerts
	if rec.IsAllClear != nil {
		st.IsAllClear = *rec.IsAllClear
	}
	if rec.ActiveCount != nil {
		st.ActiveCount = *rec.ActiveCount
	} else {
		st.ActiveCount = len(alerts)
	}
	return st, nil
}

// Clone returns a snapshot that shares nothing mutable with s.
func (s State) Clone() State {
	out := s
	out.ActiveAlerts = slices.Clone(s.ActiveAlerts)
	if out.ActiveAlerts == nil {
		out.ActiveAlerts = []Alert{}
	}
	if s.CurrentAlert != nil {
		c := *s.CurrentAlert
		out.CurrentAlert = &c
	}
	return out
}
