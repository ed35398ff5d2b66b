package ws

import (
	"encoding/json"
	"sync"
)

type commandResult struct {
	data json.RawMessage
	err  error
}

// pendingCommand is one in-flight command awaiting its result. result has
// capacity one and receives exactly one value.
type pendingCommand struct {
	id     string
	kind   string
	result chan commandResult
	done   bool
}

// pendingTable correlates command ids with their waiters.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCommand
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingCommand)}
}

func (t *pendingTable) register(id, kind string) (*pendingCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return nil, ErrDuplicateCommand
	}
	p := &pendingCommand{
		id:     id,
		kind:   kind,
		result: make(chan commandResult, 1),
	}
	t.entries[id] = p
	return p, nil
}

// complete is the only transition out of pending. It returns false when id is
// unknown or already completed.
func (t *pendingTable) complete(id string, res commandResult) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok || p.done {
		t.mu.Unlock()
		return false
	}
	p.done = true
	delete(t.entries, id)
	t.mu.Unlock()

	p.result <- res
	return true
}

func (t *pendingTable) resolve(id string, data json.RawMessage) bool {
	return t.complete(id, commandResult{data: data})
}

func (t *pendingTable) fail(id string, err error) bool {
	return t.complete(id, commandResult{err: err})
}

// discard drops id without delivering anything, used when the waiter gave up.
func (t *pendingTable) discard(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.entries[id]; ok {
		p.done = true
		delete(t.entries, id)
	}
}

// failAll fails every outstanding command with errFn's error.
func (t *pendingTable) failAll(errFn func(p *pendingCommand) error) int {
	t.mu.Lock()
	victims := make([]*pendingCommand, 0, len(t.entries))
	for id, p := range t.entries {
		if !p.done {
			p.done = true
			victims = append(victims, p)
		}
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.result <- commandResult{err: errFn(p)}
	}
	return len(victims)
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
