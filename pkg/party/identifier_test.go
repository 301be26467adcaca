package party_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

func TestAssign_Deterministic(t *testing.T) {
	orders := [][]party.ID{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "a", "c"},
		{"c", "a", "b"},
	}
	for _, order := range orders {
		m, err := party.Assign(order)
		require.NoError(t, err)
		for id, expected := range map[party.ID]party.Identifier{"a": 1, "b": 2, "c": 3} {
			i, ok := m.Identifier(id)
			require.True(t, ok)
			assert.Equal(t, expected, i, "order %v", order)
			back, ok := m.Participant(i)
			require.True(t, ok)
			assert.Equal(t, id, back)
		}
	}
}

func TestAssign_Shuffled(t *testing.T) {
	ids := []party.ID{"node-7", "alpha", "zeta", "beta", "node-10", "gamma"}
	reference, err := party.Assign(ids)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		shuffled := append([]party.ID(nil), ids...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		m, err := party.Assign(shuffled)
		require.NoError(t, err)
		assert.True(t, reference.Equal(m))
	}
	assert.Equal(t, []party.Identifier{1, 2, 3, 4, 5, 6}, reference.Identifiers())
}

func TestAssign_Errors(t *testing.T) {
	_, err := party.Assign(nil)
	assert.ErrorIs(t, err, party.ErrNoParticipants)

	_, err = party.Assign([]party.ID{"a", "b", "a"})
	assert.ErrorIs(t, err, party.ErrDuplicateParticipant)

	_, err = party.Assign([]party.ID{"a", ""})
	assert.ErrorIs(t, err, party.ErrEmptyParticipant)
}

func TestIdentifierMap_Subset(t *testing.T) {
	m, err := party.Assign([]party.ID{"c", "a", "b", "d"})
	require.NoError(t, err)

	sub, err := m.Subset([]party.ID{"d", "b"})
	require.NoError(t, err)
	assert.Equal(t, []party.Identifier{2, 4}, sub)

	_, err = m.Subset([]party.ID{"x"})
	assert.Error(t, err)

	_, ok := m.Participant(0)
	assert.False(t, ok)
	_, ok = m.Participant(5)
	assert.False(t, ok)
}

func TestIDSlice(t *testing.T) {
	ids := party.NewIDSlice([]party.ID{"c", "a", "b"})
	assert.True(t, ids.Valid())
	assert.Equal(t, party.IDSlice{"a", "b", "c"}, ids)
	assert.True(t, ids.Contains("a", "c"))
	assert.False(t, ids.Contains("d"))
	assert.Equal(t, party.IDSlice{"a", "c"}, ids.Remove("b"))
	assert.Equal(t, 2, ids.GetIndex("c"))
	assert.Equal(t, -1, ids.GetIndex("z"))

	assert.False(t, party.NewIDSlice([]party.ID{"a", "a"}).Valid())
	assert.False(t, party.IDSlice{}.Valid())
}
