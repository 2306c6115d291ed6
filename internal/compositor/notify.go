package compositor

import "sync"

// Callback receives the id it was subscribed under
type Callback func(nodeID string)

type subscription struct {
	id uint64
	cb Callback
}

// Bus is a per-node subscriber registry. Callbacks for an id fire in
// subscription order.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
}

// NewBus returns an empty Bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers cb for nodeID and returns a func that removes it.
// Calling the returned func more than once is a no-op.
func (b *Bus) Subscribe(nodeID string, cb Callback) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[nodeID] = append(b.subs[nodeID], subscription{id: id, cb: cb})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(nodeID, id) })
	}
}

func (b *Bus) remove(nodeID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[nodeID]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, nodeID)
	} else {
		b.subs[nodeID] = list
	}
}

// SubscriberCount returns how many callbacks are registered for nodeID
func (b *Bus) SubscriberCount(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[nodeID])
}

// fire invokes subscribers of each id in chain, in order. Callbacks run
// without the bus lock held so they may subscribe or unsubscribe.
func (b *Bus) fire(chain []string) {
	for _, nodeID := range chain {
		b.mu.Lock()
		list := append([]subscription(nil), b.subs[nodeID]...)
		b.mu.Unlock()
		for _, s := range list {
			s.cb(nodeID)
		}
	}
}
