// Package mesh tracks whether a session can start its cryptographic rounds.
package mesh

import (
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// Transition is the effect of a link event on the gate.
type Transition uint8

const (
	// Unchanged means readiness did not change.
	Unchanged Transition = iota
	// Opened means the gate just became ready.
	Opened
	// Closed means the gate was ready, and a link just went down.
	Closed
)

// Gate holds the link state of every participant of a session other than self.
//
// The gate is ready iff every tracked participant reported a link up more recently than any link down.
// A Gate is owned by a single session loop and is not safe for concurrent use.
type Gate struct {
	self  party.ID
	links map[party.ID]bool
	ready bool
}

// NewGate tracks the given participants. The self entry is ignored.
//
// linkUp reports the current state of a link, so that links established before the session are not missed.
// It may be nil.
func NewGate(self party.ID, participants []party.ID, linkUp func(party.ID) bool) *Gate {
	g := &Gate{
		self:  self,
		links: make(map[party.ID]bool, len(participants)),
	}
	for _, id := range participants {
		if id == self {
			continue
		}
		g.links[id] = linkUp != nil && linkUp(id)
	}
	g.ready = g.computeReady()
	return g
}

// LinkUp records a live link to id.
func (g *Gate) LinkUp(id party.ID) Transition {
	return g.set(id, true)
}

// LinkDown records the loss of the link to id.
func (g *Gate) LinkDown(id party.ID) Transition {
	return g.set(id, false)
}

// Track adds a participant to the gate, with the current state of its link.
func (g *Gate) Track(id party.ID, up bool) Transition {
	if id == g.self {
		return Unchanged
	}
	if _, ok := g.links[id]; ok {
		return g.set(id, up)
	}
	g.links[id] = up
	return g.update()
}

// IsReady returns true if every tracked link is up.
func (g *Gate) IsReady() bool {
	return g.ready
}

// Tracks returns true if the gate holds the link state of id.
func (g *Gate) Tracks(id party.ID) bool {
	_, ok := g.links[id]
	return ok
}

// Pending returns the participants whose link is down, sorted.
func (g *Gate) Pending() party.IDSlice {
	pending := make([]party.ID, 0, len(g.links))
	for id, up := range g.links {
		if !up {
			pending = append(pending, id)
		}
	}
	return party.NewIDSlice(pending)
}

func (g *Gate) set(id party.ID, up bool) Transition {
	if _, ok := g.links[id]; !ok {
		return Unchanged
	}
	g.links[id] = up
	return g.update()
}

func (g *Gate) update() Transition {
	ready := g.computeReady()
	defer func() { g.ready = ready }()
	switch {
	case ready && !g.ready:
		return Opened
	case !ready && g.ready:
		return Closed
	default:
		return Unchanged
	}
}

func (g *Gate) computeReady() bool {
	for _, up := range g.links {
		if !up {
			return false
		}
	}
	return true
}
