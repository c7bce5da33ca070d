package dispatch

import "sync"

// keyedChain serializes work per ordering key in arrival order.
// Each active key maps to the completion channel of its most recent entrant;
// a new entrant waits on that channel and becomes the new tail. Keys are
// dropped once their tail leaves, so idle keys hold no memory.
type keyedChain struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedChain() *keyedChain {
	return &keyedChain{tails: make(map[string]chan struct{})}
}

// enter must be called in delivery order. The returned channel is nil when
// nothing is ahead; leave must be called exactly once.
func (k *keyedChain) enter(key string) (<-chan struct{}, func()) {
	if key == "" {
		return nil, func() {}
	}

	mine := make(chan struct{})

	k.mu.Lock()
	prev, ok := k.tails[key]
	k.tails[key] = mine
	k.mu.Unlock()

	leave := func() {
		k.mu.Lock()
		if k.tails[key] == mine {
			delete(k.tails, key)
		}
		k.mu.Unlock()
		close(mine)
	}

	if !ok {
		return nil, leave
	}

	return prev, leave
}

func (k *keyedChain) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.tails)
}
