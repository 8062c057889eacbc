package reconcile

import "sync"

// KeyedMutex serializes work per key. Entries are dropped when no holder or waiter remains.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (m *KeyedMutex[K]) Lock(key K) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*keyedEntry)
	}
	entry, exists := m.locks[key]
	if !exists {
		entry = &keyedEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

func (m *KeyedMutex[K]) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
