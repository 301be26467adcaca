package transport

import (
	"sync"

	"github.com/ef-ds/deque"
)

// Pipe is an unbounded queue of Events in front of a channel.
//
// Push never blocks, so network callbacks can hand events over without waiting for the
// engine to drain them. Events are delivered in the order they were pushed.
type Pipe struct {
	mtx    sync.Mutex
	cond   *sync.Cond
	queue  deque.Deque
	closed bool

	events chan Event
	done   chan struct{}
}

// NewPipe starts a Pipe.
func NewPipe() *Pipe {
	p := &Pipe{
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mtx)
	go p.pump()
	return p
}

// Push queues an event. Events pushed after Close are dropped.
func (p *Pipe) Push(e Event) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return
	}
	p.queue.PushBack(e)
	p.cond.Signal()
}

// Events returns the channel events are delivered on.
func (p *Pipe) Events() <-chan Event {
	return p.events
}

// Len returns the number of events not yet delivered.
func (p *Pipe) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.queue.Len()
}

// Close stops delivery and closes the events channel. Pending events are dropped.
func (p *Pipe) Close() {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mtx.Unlock()
	close(p.done)
}

func (p *Pipe) pump() {
	defer close(p.events)
	for {
		p.mtx.Lock()
		for p.queue.Len() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mtx.Unlock()
			return
		}
		e, _ := p.queue.PopFront()
		p.mtx.Unlock()

		select {
		case p.events <- e.(Event):
		case <-p.done:
			return
		}
	}
}
