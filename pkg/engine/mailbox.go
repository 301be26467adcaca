package engine

import (
	"sync"

	"github.com/ef-ds/deque"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
)

// event is an item of a session mailbox. Exactly one field is set.
type event struct {
	msg      *protocol.Message
	link     *linkChange
	deadline *deadline
	call     func()
}

type linkChange struct {
	peer party.ID
	up   bool
}

// mailbox is the unbounded FIFO queue of a session loop.
//
// Pushing never blocks, so that the transport pump is never held up by a busy session.
type mailbox struct {
	mtx    sync.Mutex
	items  deque.Deque
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push returns false if the mailbox was closed.
func (m *mailbox) push(e event) bool {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return false
	}
	m.items.PushBack(e)
	m.mtx.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (event, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	v, ok := m.items.PopFront()
	if !ok {
		return event{}, false
	}
	return v.(event), true
}

// close discards the remaining items.
func (m *mailbox) close() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.closed = true
	m.items.Init()
}

func (m *mailbox) len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.items.Len()
}
