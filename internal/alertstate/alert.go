// Package alertstate holds the LightStack alert snapshot and the reducer that folds
// server events into it. Every value here is immutable once built: reducers copy
// before they change anything.
package alertstate

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority levels, 1 is the most urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
	PriorityInfo     = 5

	DefaultPriority = PriorityMedium
)

// Alert is one LightStack alert. Key is its identity; everything else is
// presentation or configuration data.
type Alert struct {
	Key               string
	IsActive          bool
	EffectivePriority int
	Priority          *int
	LastTriggeredAt   *time.Time
	// LastTriggeredRaw keeps a last_triggered_at value that did not parse.
	LastTriggeredRaw string
	Name              *string
	Description       *string
	DefaultPriority   int
	LEDColor          *int
	LEDEffect         *string
	LEDBrightness     *int
	LEDDuration       *int
}

type alertPresentation struct {
	Name            *string `json:"name"`
	Description     *string `json:"description"`
	DefaultPriority *int    `json:"default_priority"`
	LEDColor        *int    `json:"led_color"`
	LEDEffect       *string `json:"led_effect"`
	LEDBrightness   *int    `json:"led_brightness"`
	LEDDuration     *int    `json:"led_duration"`
}

type alertRecord struct {
	Key               string             `json:"alert_key"`
	IsActive          bool               `json:"is_active"`
	EffectivePriority *int               `json:"effective_priority"`
	Priority          *int               `json:"priority"`
	LastTriggeredAt   *string            `json:"last_triggered_at"`
	Config            *alertPresentation `json:"config"`
	alertPresentation
}

// UnmarshalJSON accepts both the flat event shape and the REST shape where
// presentation fields sit under "config". Top-level values win.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var rec alertRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	cfg := rec.Config
	if cfg == nil {
		cfg = &alertPresentation{}
	}

	triggered, triggeredRaw := parseTimestamp(rec.LastTriggeredAt)
	*a = Alert{
		Key:               rec.Key,
		IsActive:          rec.IsActive,
		EffectivePriority: intOr(rec.EffectivePriority, DefaultPriority),
		Priority:          rec.Priority,
		LastTriggeredAt:   triggered,
		LastTriggeredRaw:  triggeredRaw,
		Name:              firstString(rec.Name, cfg.Name),
		Description:       firstString(rec.Description, cfg.Description),
		DefaultPriority:   intOr(firstInt(rec.DefaultPriority, cfg.DefaultPriority), DefaultPriority),
		LEDColor:          firstInt(rec.LEDColor, cfg.LEDColor),
		LEDEffect:         firstString(rec.LEDEffect, cfg.LEDEffect),
		LEDBrightness:     firstInt(rec.LEDBrightness, cfg.LEDBrightness),
		LEDDuration:       firstInt(rec.LEDDuration, cfg.LEDDuration),
	}
	return nil
}

// MarshalJSON writes the flat wire shape.
func (a Alert) MarshalJSON() ([]byte, error) {
	var triggered *string
	if a.LastTriggeredAt != nil {
		s := a.LastTriggeredAt.Format(time.RFC3339Nano)
		triggered = &s
	} else if a.LastTriggeredRaw != "" {
		triggered = &a.LastTriggeredRaw
	}
	return json.Marshal(struct {
		Key               string  `json:"alert_key"`
		IsActive          bool    `json:"is_active"`
		EffectivePriority int     `json:"effective_priority"`
		Priority          *int    `json:"priority"`
		LastTriggeredAt   *string `json:"last_triggered_at"`
		Name              *string `json:"name"`
		Description       *string `json:"description"`
		DefaultPriority   int     `json:"default_priority"`
		LEDColor          *int    `json:"led_color"`
		LEDEffect         *string `json:"led_effect"`
		LEDBrightness     *int    `json:"led_brightness"`
		LEDDuration       *int    `json:"led_duration"`
	}{
		Key:               a.Key,
		IsActive:          a.IsActive,
		EffectivePriority: a.EffectivePriority,
		Priority:          a.Priority,
		LastTriggeredAt:   triggered,
		Name:              a.Name,
		Description:       a.Description,
		DefaultPriority:   a.DefaultPriority,
		LEDColor:          a.LEDColor,
		LEDEffect:         a.LEDEffect,
		LEDBrightness:     a.LEDBrightness,
		LEDDuration:       a.LEDDuration,
	})
}

// DisplayName is the alert name, or its key when unnamed.
func (a Alert) DisplayName() string {
	if a.Name != nil && *a.Name != "" {
		return *a.Name
	}
	return a.Key
}

// DecodeAlert decodes an optional alert record. A missing, null or empty
// record yields nil.
func DecodeAlert(raw json.RawMessage) (*Alert, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, nil
	}
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp reads the server's ISO-8601 timestamps. Naive values are UTC.
// A value in no known layout comes back as raw text.
func parseTimestamp(s *string) (*time.Time, string) {
	if s == nil || *s == "" {
		return nil, ""
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t, ""
		}
	}
	return nil, *s
}

func firstString(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
