package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
	fake "github.com/HsiangNianian/lightstack-agent/internal/testutil"
)

func newTestSession(t *testing.T, srv *fake.Server) *Session {
	t.Helper()
	s := NewSession(SessionConfig{
		EntryID:        "test",
		URL:            srv.URL(),
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(s.Disconnect)
	return s
}

func connectAndListen(t *testing.T, s *Session) {
	t.Helper()
	_, _, err := s.Connect(context.Background())
	require.NoError(t, err)
	s.Listen()
}

type eventRecorder struct {
	ch chan recordedEvent
}

type recordedEvent struct {
	kind    string
	payload json.RawMessage
}

func recordEvents(s *Session) *eventRecorder {
	r := &eventRecorder{ch: make(chan recordedEvent, 32)}
	s.Events().Subscribe(func(kind string, payload json.RawMessage) error {
		r.ch <- recordedEvent{kind: kind, payload: payload}
		return nil
	})
	return r
}

func (r *eventRecorder) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return recordedEvent{}
	}
}

func TestURL(t *testing.T) {
	assert.Equal(t, "ws://192.168.1.20:8080/api/v1/ws", URL("192.168.1.20", 8080))
	assert.Equal(t, "ws://[::1]:9000/api/v1/ws", URL("::1", 9000))
}

func TestSession_ConnectHandshake(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)

	st, raw, err := s.Connect(context.Background())
	require.NoError(t, err)

	assert.True(t, st.IsAllClear)
	assert.Nil(t, st.CurrentAlert)
	assert.Equal(t, 0, st.ActiveCount)
	assert.JSONEq(t, `{"is_all_clear":true,"current_alert":null,"active_count":0,"active_alerts":[]}`, string(raw))
	assert.Equal(t, "1.2", s.ServerVersion())
	assert.True(t, s.Connected())
}

func TestSession_ConnectRejectsUnexpectedFirstFrame(t *testing.T) {
	srv := fake.NewServer(t)
	srv.SetInitialType(protocol.TypeAlertTriggered)
	s := newTestSession(t, srv)

	_, _, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Contains(t, err.Error(), "unexpected initial message type")
	assert.False(t, s.Connected())
}

func TestSession_ConnectHandshakeTimeout(t *testing.T) {
	srv := fake.NewServer(t)
	srv.SetSilent(true)
	s := NewSession(SessionConfig{
		EntryID:        "test",
		URL:            srv.URL(),
		ConnectTimeout: 200 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})

	started := time.Now()
	_, _, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.False(t, s.Connected())
}

func TestSession_ConnectUnreachable(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/api/v1/ws", ConnectTimeout: time.Second, Logger: zerolog.Nop()})
	_, _, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestSession_ConnectTwice(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	_, _, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestSession_SendResolvesWithResult(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdTriggerAlert, func(c *fake.Conn, cmd fake.Command) {
		_ = c.Result(cmd.ID, map[string]any{"ok": true})
	})
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	result, err := s.TriggerAlert(context.Background(), "x", nil, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	cmd, ok := srv.WaitForCommand(protocol.CmdTriggerAlert, time.Second)
	require.True(t, ok)
	assert.NotEmpty(t, cmd.ID)
	assert.JSONEq(t, `{"alert_key":"x"}`, string(cmd.Data))
}

func TestSession_CommandPayloads(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	ctx := context.Background()

	priority := 2
	_, err := s.TriggerAlert(ctx, "door", &priority, "opened")
	require.NoError(t, err)
	_, err = s.ClearAlert(ctx, "door", "")
	require.NoError(t, err)
	_, err = s.ClearAllAlerts(ctx, "")
	require.NoError(t, err)
	_, err = s.ClearAllAlerts(ctx, "via button")
	require.NoError(t, err)

	cmds := srv.Commands()
	require.Len(t, cmds, 4)
	assert.JSONEq(t, `{"alert_key":"door","priority":2,"note":"opened"}`, string(cmds[0].Data))
	assert.JSONEq(t, `{"alert_key":"door"}`, string(cmds[1].Data))
	assert.Empty(t, cmds[2].Data)
	assert.JSONEq(t, `{"note":"via button"}`, string(cmds[3].Data))

	ids := map[string]bool{}
	for _, c := range cmds {
		ids[c.ID] = true
	}
	assert.Len(t, ids, 4)
}

func TestSession_SendFailsWithServerError(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdClearAlert, func(c *fake.Conn, cmd fake.Command) {
		_ = c.Error(cmd.ID, protocol.CodeAlertNotFound, "Alert 'nope' not found")
	})
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	_, err := s.ClearAlert(context.Background(), "nope", "")
	require.Error(t, err)
	ce, ok := AsCommandError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeAlertNotFound, ce.Code)
	assert.Equal(t, protocol.CmdClearAlert, ce.Command)
	assert.True(t, s.Connected())
}

func TestSession_DuplicateResolutionIsIgnored(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdGetAllAlerts, func(c *fake.Conn, cmd fake.Command) {
		_ = c.Result(cmd.ID, map[string]any{"alerts": []string{"first"}})
		_ = c.Result(cmd.ID, map[string]any{"alerts": []string{"second"}})
		_ = c.Error(cmd.ID, protocol.CodeInvalidMessage, "late")
	})
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	result, err := s.GetAllAlerts(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"alerts":["first"]}`, string(result))

	assert.True(t, s.Ping(context.Background(), time.Second))
	assert.Equal(t, 0, s.pending.size())
}

func TestSession_SendTimeout(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdGetState, func(*fake.Conn, fake.Command) {})
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	_, err := s.Send(context.Background(), protocol.CmdGetState, nil, true, 100*time.Millisecond)
	require.Error(t, err)
	ce, ok := AsCommandError(err)
	require.True(t, ok)
	assert.True(t, ce.IsTimeout())
	assert.Equal(t, 0, s.pending.size())
	assert.True(t, s.Connected())
}

func TestSession_SendWithoutResult(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	result, err := s.Send(context.Background(), protocol.CmdPing, nil, false, 0)
	require.NoError(t, err)
	assert.Nil(t, result)
	_, ok := srv.WaitForCommand(protocol.CmdPing, time.Second)
	assert.True(t, ok)
	assert.Equal(t, 0, s.pending.size())
}

func TestSession_SendRequiresConnection(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)

	_, err := s.Send(context.Background(), protocol.CmdPing, nil, true, 0)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_DisconnectCancelsPending(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdGetState, func(*fake.Conn, fake.Command) {})
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetState(context.Background())
		errCh <- err
	}()
	_, ok := srv.WaitForCommand(protocol.CmdGetState, time.Second)
	require.True(t, ok)

	s.Disconnect()
	s.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not cancelled")
	}
	assert.False(t, s.Connected())

	select {
	case ev := <-events.ch:
		t.Fatalf("deliberate disconnect published %q", ev.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_DisconnectBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/api/v1/ws", Logger: zerolog.Nop()})
	assert.NotPanics(t, s.Disconnect)
	assert.NotPanics(t, s.Disconnect)
}

func TestSession_ContextCancelStopsWaiting(t *testing.T) {
	srv := fake.NewServer(t)
	srv.Handle(protocol.CmdGetState, func(*fake.Conn, fake.Command) {})
	s := newTestSession(t, srv)
	connectAndListen(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, protocol.CmdGetState, nil, true, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.pending.size())
}

func TestSession_DispatchesPushedEvents(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)

	srv.PushRaw(`{not json`)
	srv.Push(protocol.TypeError, map[string]any{"code": protocol.CodeInvalidJSON, "message": "bad"})
	srv.Push(protocol.TypeCommandResult, map[string]any{"command_id": "unknown", "result": map[string]any{}})
	srv.Push(protocol.TypeAlertTriggered, map[string]any{"alert": map[string]any{"alert_key": "door"}})

	ev := events.next(t)
	assert.Equal(t, protocol.TypeAlertTriggered, ev.kind)
	assert.JSONEq(t, `{"alert":{"alert_key":"door"}}`, string(ev.payload))
	assert.True(t, s.Connected())
}

func TestSession_ServerCloseEmitsDisconnected(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)

	srv.DropConnections()

	ev := events.next(t)
	assert.Equal(t, protocol.TypeDisconnected, ev.kind)
	assert.False(t, s.Connected())

	_, err := s.Send(context.Background(), protocol.CmdPing, nil, true, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_ReconnectAfterServerClose(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)

	srv.DropConnections()
	require.Equal(t, protocol.TypeDisconnected, events.next(t).kind)

	srv.SetState(`{"is_all_clear":false,"current_alert":{"alert_key":"door"},"active_count":1,"active_alerts":[{"alert_key":"door"}]}`)
	st, _, err := s.Reconnect(context.Background())
	require.NoError(t, err)
	s.Listen()

	assert.False(t, st.IsAllClear)
	assert.Equal(t, 1, st.ActiveCount)
	assert.True(t, s.Ping(context.Background(), time.Second))
	assert.Equal(t, 2, srv.Accepted())
}

func TestSession_Metrics(t *testing.T) {
	srv := fake.NewServer(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err)
	require.NotNil(t, again)

	s := NewSession(SessionConfig{EntryID: "m", URL: srv.URL(), Metrics: metrics, Logger: zerolog.Nop()})
	t.Cleanup(s.Disconnect)
	connectAndListen(t, s)

	assert.True(t, s.Ping(context.Background(), time.Second))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsSent.WithLabelValues("m", protocol.CmdPing)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connected.WithLabelValues("m")))

	s.Disconnect()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.connected.WithLabelValues("m")))
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NotPanics(t, func() { m.commandSent("x", "ping") })
}

func TestCommandError_Error(t *testing.T) {
	err := error(&CommandError{Code: protocol.CodeMissingAlertKey, Message: "alert_key is required"})
	assert.Equal(t, "MISSING_ALERT_KEY: alert_key is required", err.Error())
	wrapped := errors.Join(errors.New("outer"), err)
	ce, ok := AsCommandError(wrapped)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeMissingAlertKey, ce.Code)
}
