package engine

import (
	"time"

	"github.com/benbjohnson/clock"
)

type deadlineKind uint8

const (
	deadlineNegotiation deadlineKind = iota + 1
	deadlineMesh
	deadlineRound
	deadlineSigning
	// deadlineHeld bounds the time messages of an unknown request are held.
	deadlineHeld
)

type deadlineKey struct {
	kind    deadlineKind
	request string
}

// deadline is pushed to the mailbox when a timer fires.
// A deadline whose generation is not the current one for its key was re-armed or stopped, and is ignored.
type deadline struct {
	key deadlineKey
	gen uint64
}

// deadlines owns the timers of a session. It is only used from the session loop.
type deadlines struct {
	clock  clock.Clock
	notify func(*deadline)
	gen    uint64
	timers map[deadlineKey]*armed
}

type armed struct {
	timer *clock.Timer
	gen   uint64
}

func newDeadlines(c clock.Clock, notify func(*deadline)) *deadlines {
	return &deadlines{
		clock:  c,
		notify: notify,
		timers: make(map[deadlineKey]*armed),
	}
}

// arm starts the timer for key, replacing any previous one.
func (d *deadlines) arm(key deadlineKey, after time.Duration) {
	d.stop(key)
	d.gen++
	dl := &deadline{key: key, gen: d.gen}
	d.timers[key] = &armed{
		timer: d.clock.AfterFunc(after, func() { d.notify(dl) }),
		gen:   dl.gen,
	}
}

func (d *deadlines) active(key deadlineKey) bool {
	_, ok := d.timers[key]
	return ok
}

func (d *deadlines) stop(key deadlineKey) {
	if a, ok := d.timers[key]; ok {
		a.timer.Stop()
		delete(d.timers, key)
	}
}

// expired reports whether dl is the current deadline for its key, and forgets it if so.
func (d *deadlines) expired(dl *deadline) bool {
	a, ok := d.timers[dl.key]
	if !ok || a.gen != dl.gen {
		return false
	}
	delete(d.timers, dl.key)
	return true
}

func (d *deadlines) stopAll() {
	for key := range d.timers {
		d.stop(key)
	}
}
