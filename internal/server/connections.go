package server

import "sync"

// connectionTracker counts open viewer sockets per ticket.
type connectionTracker struct {
	mu       sync.RWMutex
	byTicket map[string]int
	total    int
}

func newConnectionTracker() *connectionTracker {
	return &connectionTracker{byTicket: make(map[string]int)}
}

func (t *connectionTracker) register(ticket string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTicket[ticket]++
	t.total++
}

func (t *connectionTracker) unregister(ticket string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, ok := t.byTicket[ticket]
	if !ok {
		return
	}
	if count <= 1 {
		delete(t.byTicket, ticket)
	} else {
		t.byTicket[ticket] = count - 1
	}
	t.total--
}

func (t *connectionTracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

func (t *connectionTracker) ForTicket(ticket string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byTicket[ticket]
}
