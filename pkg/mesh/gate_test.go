package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

func TestGate(t *testing.T) {
	g := NewGate("a", []party.ID{"a", "b", "c"}, nil)
	assert.False(t, g.IsReady())
	assert.Equal(t, party.IDSlice{"b", "c"}, g.Pending())

	assert.Equal(t, Unchanged, g.LinkUp("b"))
	assert.Equal(t, Unchanged, g.LinkUp("z"), "unknown participants are ignored")
	assert.Equal(t, Opened, g.LinkUp("c"))
	assert.True(t, g.IsReady())
	assert.Equal(t, Unchanged, g.LinkUp("c"))

	assert.Equal(t, Closed, g.LinkDown("b"))
	assert.False(t, g.IsReady())
	assert.Equal(t, Unchanged, g.LinkDown("b"))
	assert.Equal(t, Opened, g.LinkUp("b"))
}

func TestGate_InitialState(t *testing.T) {
	up := map[party.ID]bool{"b": true, "c": true}
	g := NewGate("a", []party.ID{"a", "b", "c"}, func(id party.ID) bool { return up[id] })
	assert.True(t, g.IsReady())

	alone := NewGate("a", []party.ID{"a"}, nil)
	assert.True(t, alone.IsReady())
}

func TestGate_Track(t *testing.T) {
	g := NewGate("a", []party.ID{"a", "b"}, func(party.ID) bool { return true })
	assert.True(t, g.IsReady())

	assert.Equal(t, Closed, g.Track("c", false))
	assert.True(t, g.Tracks("c"))
	assert.Equal(t, Opened, g.LinkUp("c"))
	assert.Equal(t, Unchanged, g.Track("a", false))
	assert.Equal(t, Unchanged, g.Track("d", true))
}
