package alertstate

import (
	"encoding/json"
	"fmt"
	"slices"
)

type currentAlertChangedPayload struct {
	Current     json.RawMessage `json:"current"`
	IsAllClear  *bool           `json:"is_all_clear"`
	ActiveCount *int            `json:"active_count"`
}

type alertTriggeredPayload struct {
	Alert          json.RawMessage `json:"alert"`
	CurrentChanged bool            `json:"current_changed"`
	NewCurrent     json.RawMessage `json:"new_current"`
}

type alertClearedPayload struct {
	Alert      json.RawMessage `json:"alert"`
	NewCurrent json.RawMessage `json:"new_current"`
}

type reconnectedPayload struct {
	State json.RawMessage `json:"state"`
}

// Reduce folds one event into prev and returns the next snapshot. prev is never
// modified. Unrecognized kinds return prev unchanged. A payload that cannot be
// decoded also returns prev, together with the decode error.
func Reduce(prev State, kind EventKind, payload json.RawMessage) (State, error) {
	var (
		next State
		err  error
	)
	switch kind {
	case EventCurrentAlertChanged:
		next, err = reduceCurrentAlertChanged(prev, payload)
	case EventAlertTriggered:
		next, err = reduceAlertTriggered(prev, payload)
	case EventAlertCleared:
		next, err = reduceAlertCleared(prev, payload)
	case EventAllAlertsCleared:
		return Empty(), nil
	case EventReconnected:
		next, err = reduceReconnected(payload)
	case EventDisconnected, EventUnrecognized:
		return prev, nil
	default:
		return prev, nil
	}
	if err != nil {
		return prev, fmt.Errorf("reduce %s failed: %w", kind, err)
	}
	return next, nil
}

func reduceCurrentAlertChanged(prev State, payload json.RawMessage) (State, error) {
	var p currentAlertChangedPayload
	if err := decodePayload(payload, &p); err != nil {
		return State{}, err
	}
	current, err := DecodeAlert(p.Current)
	if err != nil {
		return State{}, err
	}

	next := prev.Clone()
	next.CurrentAlert = current
	next.IsAllClear = true
	if p.IsAllClear != nil {
		next.IsAllClear = *p.IsAllClear
	}
	next.ActiveCount = 0
	if p.ActiveCount != nil {
		next.ActiveCount = *p.ActiveCount
	}
	return next, nil
}

func reduceAlertTriggered(prev State, payload json.RawMessage) (State, error) {
	var p alertTriggeredPayload
	if err := decodePayload(payload, &p); err != nil {
		return State{}, err
	}
	triggered, err := DecodeAlert(p.Alert)
	if err != nil {
		return State{}, err
	}

	next := prev.Clone()
	if triggered != nil {
		idx := slices.IndexFunc(next.ActiveAlerts, func(a Alert) bool { return a.Key == triggered.Key })
		if idx >= 0 {
			next.ActiveAlerts[idx] = *triggered
		} else {
			next.ActiveAlerts = append(next.ActiveAlerts, *triggered)
		}
	}
	if p.CurrentChanged {
		current, err := DecodeAlert(p.NewCurrent)
		if err != nil {
			return State{}, err
		}
		next.CurrentAlert = current
	}
	next.IsAllClear = false
	next.ActiveCount = len(next.ActiveAlerts)
	return next, nil
}

func reduceAlertCleared(prev State, payload json.RawMessage) (State, error) {
	var p alertClearedPayload
	if err := decodePayload(payload, &p); err != nil {
		return State{}, err
	}
	current, err := DecodeAlert(p.NewCurrent)
	if err != nil {
		return State{}, err
	}
	cleared, err := DecodeAlert(p.Alert)
	if err != nil {
		return State{}, err
	}

	next := prev.Clone()
	if cleared != nil && cleared.Key != "" {
		next.ActiveAlerts = slices.DeleteFunc(next.ActiveAlerts, func(a Alert) bool { return a.Key == cleared.Key })
	}
	next.CurrentAlert = current
	next.IsAllClear = current == nil
	next.ActiveCount = len(next.ActiveAlerts)
	return next, nil
}

func reduceReconnected(payload json.RawMessage) (State, error) {
	var p reconnectedPayload
	if err := decodePayload(payload, &p); err != nil {
		return State{}, err
	}
	return DecodeState(p.State)
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}
