package downloader

import (
	"context"
	"sync"
)

// mailbox is the unbounded FIFO feeding the coordinator loop. Pushes never
// block so engine callbacks can not stall on a busy loop.
type mailbox struct {
	mu     sync.Mutex
	items  []func(context.Context)
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func(context.Context)) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (func(context.Context), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil, false
	}

	fn := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]

	return fn, true
}
