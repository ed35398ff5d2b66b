package alertstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlert_UnmarshalFlat(t *testing.T) {
	var a Alert
	require.NoError(t, json.Unmarshal([]byte(`{
		"alert_key": "door",
		"is_active": true,
		"effective_priority": 2,
		"priority": 2,
		"last_triggered_at": "2025-03-01T10:15:00Z",
		"name": "Front door",
		"led_color": 0,
		"led_effect": "blink"
	}`), &a))

	assert.Equal(t, "door", a.Key)
	assert.True(t, a.IsActive)
	assert.Equal(t, 2, a.EffectivePriority)
	require.NotNil(t, a.Priority)
	assert.Equal(t, 2, *a.Priority)
	require.NotNil(t, a.LastTriggeredAt)
	assert.True(t, a.LastTriggeredAt.Equal(time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)))
	assert.Equal(t, "Front door", *a.Name)
	require.NotNil(t, a.LEDColor)
	assert.Equal(t, 0, *a.LEDColor)
	assert.Equal(t, DefaultPriority, a.DefaultPriority)
	assert.Nil(t, a.Description)
}

func TestAlert_UnmarshalNestedConfig(t *testing.T) {
	var a Alert
	require.NoError(t, json.Unmarshal([]byte(`{
		"alert_key": "mail",
		"is_active": false,
		"name": "Top level name",
		"config": {
			"name": "Config name",
			"description": "Mailbox opened",
			"default_priority": 4,
			"led_color": 170,
			"led_effect": "pulse",
			"led_brightness": 80,
			"led_duration": 255
		}
	}`), &a))

	assert.Equal(t, "mail", a.Key)
	assert.Equal(t, "Top level name", *a.Name)
	assert.Equal(t, "Mailbox opened", *a.Description)
	assert.Equal(t, 4, a.DefaultPriority)
	assert.Equal(t, 170, *a.LEDColor)
	assert.Equal(t, "pulse", *a.LEDEffect)
	assert.Equal(t, 80, *a.LEDBrightness)
	assert.Equal(t, 255, *a.LEDDuration)
	assert.Equal(t, DefaultPriority, a.EffectivePriority)
	assert.Nil(t, a.Priority)
}

func TestAlert_NaiveTimestamp(t *testing.T) {
	var a Alert
	require.NoError(t, json.Unmarshal([]byte(`{"alert_key": "k", "last_triggered_at": "2025-03-01T10:15:00.123456"}`), &a))
	require.NotNil(t, a.LastTriggeredAt)
	assert.Equal(t, 123456000, a.LastTriggeredAt.Nanosecond())

	require.NoError(t, json.Unmarshal([]byte(`{"alert_key": "k", "last_triggered_at": "yesterday"}`), &a))
	assert.Nil(t, a.LastTriggeredAt)
	assert.Equal(t, "yesterday", a.LastTriggeredRaw)

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"last_triggered_at":"yesterday"`)
}

func TestAlert_MarshalUsesFlatShape(t *testing.T) {
	var a Alert
	require.NoError(t, json.Unmarshal([]byte(`{"alert_key": "mail", "config": {"name": "Mail"}}`), &a))

	out, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "mail", decoded["alert_key"])
	assert.Equal(t, "Mail", decoded["name"])
	assert.NotContains(t, decoded, "config")
}

func TestDecodeAlert_EmptyValues(t *testing.T) {
	for _, in := range []string{"", "null", "{}", " null "} {
		a, err := DecodeAlert(json.RawMessage(in))
		require.NoError(t, err, in)
		assert.Nil(t, a, in)
	}
}

func TestDecodeState_Handshake(t *testing.T) {
	st, err := DecodeState(json.RawMessage(`{"is_all_clear": true, "current_alert": null, "active_count": 0, "active_alerts": []}`))
	require.NoError(t, err)
	assert.True(t, st.IsAllClear)
	assert.Nil(t, st.CurrentAlert)
	assert.Equal(t, 0, st.ActiveCount)
	assert.Empty(t, st.ActiveAlerts)
}

func TestDecodeState_Defaults(t *testing.T) {
	st, err := DecodeState(json.RawMessage(`{"active_alerts": [{"alert_key": "a"}, {"alert_key": "b"}]}`))
	require.NoError(t, err)
	assert.True(t, st.IsAllClear)
	assert.Equal(t, 2, st.ActiveCount)

	st, err = DecodeState(nil)
	require.NoError(t, err)
	assert.Equal(t, Empty(), st)
}
