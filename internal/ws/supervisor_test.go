package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
	fake "github.com/HsiangNianian/lightstack-agent/internal/testutil"
)

func startSupervisor(t *testing.T, s *Session, interval time.Duration) (*Supervisor, func()) {
	t.Helper()
	sup := NewSupervisor(s, SupervisorConfig{
		Interval:         interval,
		HeartbeatTimeout: 100 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return sup, stop
}

func TestSupervisor_ReconnectsAndPublishesState(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)
	startSupervisor(t, s, 50*time.Millisecond)

	srv.SetState(`{"is_all_clear":false,"current_alert":{"alert_key":"door","effective_priority":1},"active_count":1,"active_alerts":[{"alert_key":"door","effective_priority":1}]}`)
	srv.DropConnections()

	require.Equal(t, protocol.TypeDisconnected, events.next(t).kind)
	ev := events.next(t)
	require.Equal(t, protocol.TypeReconnected, ev.kind)

	st, err := alertstate.Reduce(alertstate.Empty(), alertstate.EventReconnected, ev.payload)
	require.NoError(t, err)
	assert.False(t, st.IsAllClear)
	require.NotNil(t, st.CurrentAlert)
	assert.Equal(t, "door", st.CurrentAlert.Key)

	require.Eventually(t, func() bool { return s.Connected() }, 2*time.Second, 10*time.Millisecond)
	srv.Push(protocol.TypeAllAlertsCleared, map[string]any{})
	assert.Equal(t, protocol.TypeAllAlertsCleared, events.next(t).kind)
}

func TestSupervisor_HeartbeatFailureForcesReconnect(t *testing.T) {
	srv := fake.NewServer(t)
	var mu sync.Mutex
	answer := false
	srv.Handle(protocol.CmdPing, func(c *fake.Conn, cmd fake.Command) {
		mu.Lock()
		ok := answer
		mu.Unlock()
		if ok {
			_ = c.Result(cmd.ID, map[string]any{"pong": true})
		}
	})
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)
	sup, _ := startSupervisor(t, s, 50*time.Millisecond)

	assert.Equal(t, protocol.TypeDisconnected, events.next(t).kind)
	assert.Equal(t, protocol.TypeReconnected, events.next(t).kind)
	assert.GreaterOrEqual(t, srv.Accepted(), 2)

	mu.Lock()
	answer = true
	mu.Unlock()
	require.Eventually(t, func() bool { return sup.State() == StateConnected && s.Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_RetriesIndefinitelyAfterHandshakeTimeout(t *testing.T) {
	srv := fake.NewServer(t)
	srv.SetSilent(true)
	s := NewSession(SessionConfig{
		EntryID:        "test",
		URL:            srv.URL(),
		ConnectTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(s.Disconnect)

	_, _, err := s.Connect(context.Background())
	require.True(t, IsConnectionError(err))

	events := recordEvents(s)
	sup, stop := startSupervisor(t, s, 20*time.Millisecond)

	require.Eventually(t, func() bool { return srv.Accepted() >= 4 }, 3*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateConnected, sup.State())

	srv.SetSilent(false)
	ev := events.next(t)
	assert.Equal(t, protocol.TypeReconnected, ev.kind)
	stop()
}

func TestSupervisor_CancelStopsPromptly(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)
	_, stop := startSupervisor(t, s, time.Hour)

	started := time.Now()
	stop()
	assert.Less(t, time.Since(started), time.Second)

	srv.DropConnections()
	ev := events.next(t)
	assert.Equal(t, protocol.TypeDisconnected, ev.kind)
	select {
	case ev := <-events.ch:
		t.Fatalf("event after supervisor stopped: %s", ev.kind)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}

func TestSupervisor_ReconnectedPayloadShape(t *testing.T) {
	payload := protocol.MarshalOrNil(protocol.ReconnectedPayload{State: json.RawMessage(`{"is_all_clear":true}`)})
	assert.JSONEq(t, `{"state":{"is_all_clear":true}}`, string(payload))
}

func TestSession_MarkDeadPublishesOnce(t *testing.T) {
	srv := fake.NewServer(t)
	s := newTestSession(t, srv)
	connectAndListen(t, s)
	events := recordEvents(s)

	s.markDead()
	s.markDead()
	assert.False(t, s.Connected())
	assert.Equal(t, protocol.TypeDisconnected, events.next(t).kind)

	srv.DropConnections()
	select {
	case ev := <-events.ch:
		t.Fatalf("unexpected second event: %s", ev.kind)
	case <-time.After(150 * time.Millisecond):
	}
}
