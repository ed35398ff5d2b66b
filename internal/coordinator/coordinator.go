// Package coordinator ties one LightStack session to its supervisor and to
// the projected alert state, and exposes the service verbs hosts call.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
	"github.com/HsiangNianian/lightstack-agent/internal/ws"
)

var (
	ErrMissingAlertKey = errors.New("alert key is required")
	ErrInvalidPriority = errors.New("priority must be between 1 and 5")
	ErrAlreadyStarted  = errors.New("coordinator already started")
)

// ChangeListener observes every state change. connected is false when the
// link just dropped; state then still holds the last known snapshot.
type ChangeListener func(state alertstate.State, connected bool)

type Config struct {
	EntryID           string
	Host              string
	Port              int
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
	HeartbeatTimeout  time.Duration
	Metrics           *ws.Metrics
	Logger            zerolog.Logger
}

// ConfigFor builds the coordinator config of one configured entry.
func ConfigFor(entry config.Entry, client config.ClientConfig, metrics *ws.Metrics, log zerolog.Logger) Config {
	return Config{
		EntryID:           entry.ID,
		Host:              entry.Host,
		Port:              entry.Port,
		ConnectTimeout:    client.ConnectTimeout(),
		CommandTimeout:    client.CommandTimeout(),
		ReconnectInterval: client.ReconnectInterval(),
		HeartbeatTimeout:  client.HeartbeatTimeout(),
		Metrics:           metrics,
		Logger:            log,
	}
}

type Coordinator struct {
	cfg     Config
	log     zerolog.Logger
	session *ws.Session

	mu    sync.RWMutex
	state alertstate.State

	listenerMu   sync.RWMutex
	listeners    map[uint64]ChangeListener
	nextListener uint64

	lifecycleMu sync.Mutex
	supervisor  *ws.Supervisor
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "coordinator").Str("entry", cfg.EntryID).Logger(),
		session: ws.NewSession(ws.SessionConfig{
			EntryID:        cfg.EntryID,
			URL:            ws.URL(cfg.Host, cfg.Port),
			ConnectTimeout: cfg.ConnectTimeout,
			CommandTimeout: cfg.CommandTimeout,
			Metrics:        cfg.Metrics,
			Logger:         cfg.Logger,
		}),
		state:     alertstate.Empty(),
		listeners: make(map[uint64]ChangeListener),
	}
}

func (c *Coordinator) EntryID() string {
	return c.cfg.EntryID
}

func (c *Coordinator) URL() string {
	return c.session.URL()
}

// Start connects, seeds the snapshot and starts the read loop and the
// supervisor. A failed first connect is returned, but the supervisor still
// runs and keeps retrying until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	st, _, connectErr := c.session.Connect(ctx)
	if connectErr == nil {
		c.mu.Lock()
		c.state = st
		c.mu.Unlock()
		c.log.Info().Str("server_version", c.session.ServerVersion()).Int("active_count", st.ActiveCount).Msg("lightstack connected")
	} else {
		c.log.Warn().Err(connectErr).Msg("lightstack not ready, supervisor will retry")
	}

	c.unsubscribe = c.session.Events().Subscribe(c.handleEvent)
	c.session.Listen()

	c.supervisor = ws.NewSupervisor(c.session, ws.SupervisorConfig{
		Interval:         c.cfg.ReconnectInterval,
		HeartbeatTimeout: c.cfg.HeartbeatTimeout,
		Logger:           c.cfg.Logger,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervisor.Run(runCtx)
	}()

	if connectErr != nil {
		return fmt.Errorf("connect entry %s failed: %w", c.cfg.EntryID, connectErr)
	}
	return nil
}

// Stop halts the supervisor, detaches the projector and closes the link.
// It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.unsubscribe()
	c.session.Disconnect()
	c.cancel = nil
	c.log.Info().Msg("coordinator stopped")
}

func (c *Coordinator) handleEvent(kind string, payload json.RawMessage) error {
	ek := alertstate.ParseEventKind(kind)
	switch ek {
	case alertstate.EventUnrecognized:
		c.log.Debug().Str("type", kind).Msg("unhandled lightstack event")
		return nil
	case alertstate.EventDisconnected:
		c.log.Warn().Msg("lightstack disconnected")
		c.notify(c.Snapshot(), false)
		return nil
	}

	c.mu.Lock()
	next, err := alertstate.Reduce(c.state, ek, payload)
	c.state = next
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if ek == alertstate.EventReconnected {
		c.log.Info().Int("active_count", next.ActiveCount).Msg("lightstack state resynced")
	}
	if cur := next.CurrentAlert; cur != nil && cur.LastTriggeredRaw != "" {
		c.log.Warn().Str("alert_key", cur.Key).Str("last_triggered_at", cur.LastTriggeredRaw).Msg("unparseable alert timestamp")
	}
	c.notify(next.Clone(), true)
	return nil
}

// OnChange registers a listener and returns its unsubscribe function.
// Listeners run on the event path and must not block.
func (c *Coordinator) OnChange(fn ChangeListener) func() {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			delete(c.listeners, id)
			c.listenerMu.Unlock()
		})
	}
}

func (c *Coordinator) notify(st alertstate.State, connected bool) {
	c.listenerMu.RLock()
	listeners := make([]ChangeListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(st, connected)
	}
}

// Snapshot returns a copy of the current projected state.
func (c *Coordinator) Snapshot() alertstate.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

func (c *Coordinator) Connected() bool {
	return c.session.Connected()
}

func (c *Coordinator) ServerVersion() string {
	return c.session.ServerVersion()
}

// LinkState reports the supervisor's view of the link.
func (c *Coordinator) LinkState() ws.LinkState {
	c.lifecycleMu.Lock()
	sup := c.supervisor
	c.lifecycleMu.Unlock()
	if sup == nil {
		if c.session.Connected() {
			return ws.StateConnected
		}
		return ws.StateDisconnected
	}
	return sup.State()
}

// Trigger activates an alert. A nil priority keeps the alert's default.
func (c *Coordinator) Trigger(ctx context.Context, alertKey string, priority *int, note string) (json.RawMessage, error) {
	if alertKey == "" {
		return nil, ErrMissingAlertKey
	}
	if priority != nil && (*priority < alertstate.PriorityCritical || *priority > alertstate.PriorityInfo) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, *priority)
	}
	result, err := c.session.TriggerAlert(ctx, alertKey, priority, note)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", protocol.CmdTriggerAlert, alertKey, err)
	}
	return result, nil
}

func (c *Coordinator) Clear(ctx context.Context, alertKey, note string) (json.RawMessage, error) {
	if alertKey == "" {
		return nil, ErrMissingAlertKey
	}
	result, err := c.session.ClearAlert(ctx, alertKey, note)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", protocol.CmdClearAlert, alertKey, err)
	}
	return result, nil
}

func (c *Coordinator) ClearAll(ctx context.Context, note string) (json.RawMessage, error) {
	result, err := c.session.ClearAllAlerts(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.CmdClearAllAlerts, err)
	}
	return result, nil
}
