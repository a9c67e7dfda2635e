package pump

import (
	"context"
	"fmt"
	"sync"
)

// sequencer serializes processing per group key across pump workers. A
// worker holding a key's slot blocks every other worker wanting the same
// key; distinct keys proceed independently.
type sequencer struct {
	mu    sync.Mutex
	gates map[string]*groupGate
}

type groupGate struct {
	// slot holds at most one token; owning the token is the right to
	// process the group.
	slot chan struct{}
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{gates: make(map[string]*groupGate)}
}

// acquire blocks until the key's slot is free or ctx is done. The returned
// release is safe to call more than once.
func (sequencer *sequencer) acquire(ctx context.Context, key string) (func(), error) {
	sequencer.mu.Lock()

	gate, ok := sequencer.gates[key]
	if !ok {
		gate = &groupGate{slot: make(chan struct{}, 1)}
		sequencer.gates[key] = gate
	}

	gate.refs++
	sequencer.mu.Unlock()

	select {
	case gate.slot <- struct{}{}:
	case <-ctx.Done():
		sequencer.detach(key, gate)

		return nil, fmt.Errorf("sequence wait for group %q: %w", key, ctx.Err())
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			<-gate.slot
			sequencer.detach(key, gate)
		})
	}

	return release, nil
}

// detach drops one reference on the key's gate and frees the map entry once
// nobody holds or waits on it.
func (sequencer *sequencer) detach(key string, gate *groupGate) {
	sequencer.mu.Lock()
	defer sequencer.mu.Unlock()

	gate.refs--
	if gate.refs <= 0 {
		delete(sequencer.gates, key)
	}
}

func (sequencer *sequencer) size() int {
	sequencer.mu.Lock()
	defer sequencer.mu.Unlock()

	return len(sequencer.gates)
}
