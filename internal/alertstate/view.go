package alertstate

import "time"

// StateAllClear is the sensor value shown when nothing is active.
const StateAllClear = "All Clear"

var priorityNames = map[int]string{
	PriorityCritical: "Critical",
	PriorityHigh:     "High",
	PriorityMedium:   "Medium",
	PriorityLow:      "Low",
	PriorityInfo:     "Info",
}

// LED color values on the Inovelli 0-255 hue wheel, in ascending order.
var ledColors = []struct {
	value int
	name  string
}{
	{0, "Red"},
	{21, "Orange"},
	{42, "Yellow"},
	{85, "Green"},
	{127, "Cyan"},
	{170, "Blue"},
	{212, "Purple"},
	{234, "Pink"},
	{255, "White"},
}

// PriorityName returns the label for a priority level, "Unknown" otherwise.
func PriorityName(p int) string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "Unknown"
}

// LEDColorName returns the name of the closest known LED color. Ties go to the
// lower value.
func LEDColorName(value int) string {
	best := ledColors[0]
	for _, c := range ledColors[1:] {
		if abs(c.value-value) < abs(best.value-value) {
			best = c
		}
	}
	return best.name
}

// CurrentAlertValue is the text a host shows for the current alert.
func (s State) CurrentAlertValue() string {
	if s.IsAllClear || s.CurrentAlert == nil {
		return StateAllClear
	}
	return s.CurrentAlert.DisplayName()
}

// AlertActive is true while any alert is active.
func (s State) AlertActive() bool {
	return !s.IsAllClear
}

// Attributes returns the host-facing attributes of the current alert sensor.
func (s State) Attributes() map[string]any {
	attrs := map[string]any{
		"is_all_clear": s.IsAllClear,
		"active_count": s.ActiveCount,
	}
	a := s.CurrentAlert
	if a == nil {
		return attrs
	}

	attrs["alert_key"] = a.Key
	attrs["effective_priority"] = a.EffectivePriority
	attrs["priority_name"] = PriorityName(a.EffectivePriority)
	attrs["led_color"] = derefInt(a.LEDColor)
	attrs["led_color_name"] = nil
	if a.LEDColor != nil {
		attrs["led_color_name"] = LEDColorName(*a.LEDColor)
	}
	attrs["led_effect"] = derefString(a.LEDEffect)
	attrs["last_triggered"] = nil
	if a.LastTriggeredAt != nil {
		attrs["last_triggered"] = a.LastTriggeredAt.Format(time.RFC3339)
	} else if a.LastTriggeredRaw != "" {
		attrs["last_triggered"] = a.LastTriggeredRaw
	}
	attrs["description"] = derefString(a.Description)
	return attrs
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
