package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/logging"
	"github.com/HsiangNianian/lightstack-agent/internal/store"
	"github.com/HsiangNianian/lightstack-agent/internal/ws"
)

var (
	ErrEntryExists   = errors.New("entry already exists")
	ErrEntryNotFound = errors.New("entry not found")
	ErrNoEntries     = errors.New("no entries configured")
)

// Factory builds the coordinator for one configured entry.
type Factory func(entry config.Entry) *Coordinator

// NewFactory returns a Factory sharing client settings, metrics and logger.
func NewFactory(client config.ClientConfig, metrics *ws.Metrics, log zerolog.Logger) Factory {
	return func(entry config.Entry) *Coordinator {
		return New(ConfigFor(entry, client, metrics, log))
	}
}

type managed struct {
	entry config.Entry
	coord *Coordinator
}

// Registry holds one running coordinator per entry, in insertion order.
type Registry struct {
	store   store.Store
	factory Factory
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*managed
	order   []string
}

func NewRegistry(st store.Store, factory Factory, log zerolog.Logger) *Registry {
	return &Registry{
		store:   st,
		factory: factory,
		log:     logging.Component(log, "registry"),
		entries: make(map[string]*managed),
	}
}

// Add starts a coordinator for entry. An unreachable server is not an
// error here; its supervisor keeps retrying in the background.
func (r *Registry) Add(ctx context.Context, entry config.Entry) (*Coordinator, error) {
	if entry.ID == "" {
		return nil, errors.New("entry id is required")
	}
	r.mu.Lock()
	if _, ok := r.entries[entry.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
	}
	coord := r.factory(entry)
	r.entries[entry.ID] = &managed{entry: entry, coord: coord}
	r.order = append(r.order, entry.ID)
	count := len(r.entries)
	r.mu.Unlock()

	if err := r.store.SetEndpoint(ctx, entry.ID, coord.URL()); err != nil {
		r.log.Warn().Err(err).Str("entry", entry.ID).Msg("persist endpoint failed")
	}
	if err := coord.Start(ctx); err != nil {
		r.log.Warn().Err(err).Str("entry", entry.ID).Msg("entry started disconnected")
	}
	r.log.Info().Str("entry", entry.ID).Str("url", coord.URL()).Int("active_entries", count).Msg("entry added")
	return coord, nil
}

// Remove stops and forgets the entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	m.coord.Stop()
	if err := r.store.DeleteEndpoint(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("entry", id).Msg("delete endpoint failed")
	}
	r.log.Info().Str("entry", id).Int("active_entries", count).Msg("entry removed")
	return nil
}

func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return m.coord, true
}

// First returns the earliest added entry still registered.
func (r *Registry) First() (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.entries[r.order[0]].coord, true
}

// Resolve returns the entry with id, or the first entry when id is empty.
func (r *Registry) Resolve(id string) (*Coordinator, error) {
	if id == "" {
		coord, ok := r.First()
		if !ok {
			return nil, ErrNoEntries
		}
		return coord, nil
	}
	coord, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return coord, nil
}

// Entries lists configured entries in insertion order.
func (r *Registry) Entries() []config.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].entry)
	}
	return out
}

// Endpoint returns the persisted server URL of an entry.
func (r *Registry) Endpoint(ctx context.Context, id string) (string, error) {
	return r.store.GetEndpoint(ctx, id)
}

// Reload applies a new entry list: dropped or re-addressed entries are
// stopped, new ones started, unchanged ones left running.
func (r *Registry) Reload(ctx context.Context, entries []config.Entry) error {
	wanted := make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		wanted[e.ID] = e
	}

	var errs []error
	for _, current := range r.Entries() {
		next, ok := wanted[current.ID]
		if ok && next == current {
			delete(wanted, current.ID)
			continue
		}
		if err := r.Remove(ctx, current.ID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range entries {
		if _, ok := wanted[e.ID]; !ok {
			continue
		}
		if _, err := r.Add(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every entry.
func (r *Registry) Close(ctx context.Context) {
	for _, e := range r.Entries() {
		_ = r.Remove(ctx, e.ID)
	}
}
