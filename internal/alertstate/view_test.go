package alertstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLEDColorName(t *testing.T) {
	cases := map[int]string{
		0:   "Red",
		10:  "Red",
		11:  "Orange",
		170: "Blue",
		200: "Purple",
		244: "Pink",
		250: "White",
		255: "White",
	}
	for in, want := range cases {
		assert.Equal(t, want, LEDColorName(in), in)
	}
}

func TestPriorityName(t *testing.T) {
	assert.Equal(t, "Critical", PriorityName(1))
	assert.Equal(t, "Info", PriorityName(5))
	assert.Equal(t, "Unknown", PriorityName(9))
}

func TestState_View(t *testing.T) {
	st := Empty()
	assert.Equal(t, StateAllClear, st.CurrentAlertValue())
	assert.False(t, st.AlertActive())
	assert.Equal(t, map[string]any{"is_all_clear": true, "active_count": 0}, st.Attributes())

	st, err := Reduce(st, EventAlertTriggered, json.RawMessage(`{
		"alert": {"alert_key": "door", "effective_priority": 1},
		"current_changed": true,
		"new_current": {"alert_key": "door", "effective_priority": 1, "name": "Front door", "led_color": 3, "led_effect": "blink"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Front door", st.CurrentAlertValue())
	assert.True(t, st.AlertActive())
	attrs := st.Attributes()
	assert.Equal(t, "door", attrs["alert_key"])
	assert.Equal(t, "Critical", attrs["priority_name"])
	assert.Equal(t, "Red", attrs["led_color_name"])
	assert.Equal(t, "blink", attrs["led_effect"])
	assert.Nil(t, attrs["description"])
	assert.Nil(t, attrs["last_triggered"])
}

func TestState_AttributesKeepUnparsedTimestamp(t *testing.T) {
	st, err := Reduce(Empty(), EventAlertTriggered, json.RawMessage(`{
		"alert": {"alert_key": "door", "effective_priority": 1},
		"current_changed": true,
		"new_current": {"alert_key": "door", "effective_priority": 1, "last_triggered_at": "03/01/2025 10:15"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "03/01/2025 10:15", st.Attributes()["last_triggered"])
}
